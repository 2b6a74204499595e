package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"trade-broker/internal/config"
	"trade-broker/internal/entity"
	"trade-broker/internal/execution"
	"trade-broker/internal/store"
)

const defaultEventTimeout = 10 * time.Minute

var (
	// ErrInstanceNotFound 表示编排实例不存在。
	ErrInstanceNotFound = errors.New("workflow: instance not found")
	// ErrClosed 表示编排引擎已关闭。
	ErrClosed = errors.New("workflow: engine closed")
)

// EntityCaller 为编排调用实体的方式，等待操作应用完成。
type EntityCaller interface {
	Call(ctx context.Context, key string, op entity.Operation) error
}

// Engine 托管交易编排实例：每步结果先写入历史，重启后按历史重放，已记录的步骤不再执行。
type Engine struct {
	store        *historyStore
	entities     EntityCaller
	trader       execution.Trader
	eventTimeout time.Duration
	logger       *zap.Logger
	now          func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	running map[string]struct{}
	events  map[string]chan struct{} // 按 tradeId 唤醒等待外部事件的实例
	done    map[string]chan struct{} // 按 instanceId 唤醒 Wait
}

// NewEngine 创建编排引擎并初始化表结构。
func NewEngine(cfg config.WorkflowConfig, s *store.Store, entities EntityCaller, trader execution.Trader, logger *zap.Logger) (*Engine, error) {
	if s == nil {
		return nil, errors.New("workflow: store 不能为空")
	}
	if entities == nil {
		return nil, errors.New("workflow: 实体调用方不能为空")
	}
	if trader == nil {
		return nil, errors.New("workflow: 执行器不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	hs := &historyStore{db: s.DB()}
	if err := hs.initSchema(); err != nil {
		return nil, err
	}

	timeout := cfg.EventTimeout
	if timeout <= 0 {
		timeout = defaultEventTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:        hs,
		entities:     entities,
		trader:       trader,
		eventTimeout: timeout,
		logger:       logger,
		now:          time.Now,
		ctx:          ctx,
		cancel:       cancel,
		running:      make(map[string]struct{}),
		events:       make(map[string]chan struct{}),
		done:         make(map[string]chan struct{}),
	}, nil
}

// StartOrchestration 创建并启动编排实例，对同一 instanceID 幂等。instanceID 为空时生成新 ID。
func (e *Engine) StartOrchestration(ctx context.Context, instanceID string, trade entity.Trade) (string, error) {
	if strings.TrimSpace(trade.TradeID) == "" {
		return "", errors.New("workflow: tradeId 不能为空")
	}
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	if e.isClosed() {
		return "", ErrClosed
	}

	created, err := e.store.createInstance(ctx, instanceID, trade)
	if err != nil {
		return "", err
	}

	if created {
		e.logger.Info("编排实例已创建",
			zap.String("instance_id", instanceID),
			zap.String("trade_id", trade.TradeID),
		)
	}

	inst, err := e.store.loadInstance(ctx, instanceID)
	if err != nil {
		return "", err
	}
	if !inst.Status.Terminal() {
		e.launch(instanceID)
	}
	return instanceID, nil
}

// RaiseExternalEvent 持久化一条发往 tradeID 的完成事件，等待该交易的实例最多消费一次。
func (e *Engine) RaiseExternalEvent(ctx context.Context, tradeID string, payload string) error {
	if strings.TrimSpace(tradeID) == "" {
		return errors.New("workflow: tradeId 不能为空")
	}

	id, err := e.store.raiseEvent(ctx, tradeID, payload)
	if err != nil {
		return err
	}

	e.wakeEventWaiters(tradeID)

	e.logger.Info("外部事件已投递", zap.String("trade_id", tradeID), zap.Int64("event_id", id))
	return nil
}

// Status 返回编排实例当前状态。
func (e *Engine) Status(ctx context.Context, instanceID string) (Instance, error) {
	return e.store.loadInstance(ctx, instanceID)
}

// Wait 阻塞直到实例进入终态或 ctx 结束。
func (e *Engine) Wait(ctx context.Context, instanceID string) (Instance, error) {
	for {
		ch := e.doneSignal(instanceID)

		inst, err := e.store.loadInstance(ctx, instanceID)
		if err != nil {
			// 实例不存在时不会再有人关闭该通道
			e.notifyDone(instanceID)
			return Instance{}, err
		}
		if inst.Status.Terminal() {
			e.notifyDone(instanceID)
			return inst, nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return inst, ctx.Err()
		}
	}
}

// Recover 恢复所有运行中的实例。
func (e *Engine) Recover(ctx context.Context) error {
	ids, err := e.store.runningInstances(ctx)
	if err != nil {
		return err
	}

	for _, id := range ids {
		e.launch(id)
	}

	e.logger.Info("编排实例恢复完成", zap.Int("instances", len(ids)))
	return nil
}

// Close 停止所有实例，未完成的实例保持 running 状态等待下次恢复。
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) launch(instanceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	if _, ok := e.running[instanceID]; ok {
		return
	}
	e.running[instanceID] = struct{}{}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.running, instanceID)
			e.mu.Unlock()
		}()

		if err := e.run(e.ctx, instanceID); err != nil && e.ctx.Err() == nil {
			e.logger.Error("编排实例运行失败",
				zap.String("instance_id", instanceID),
				zap.Error(err),
			)
		}
	}()
}

func (e *Engine) eventSignal(tradeID string) <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch, ok := e.events[tradeID]
	if !ok {
		ch = make(chan struct{})
		e.events[tradeID] = ch
	}
	return ch
}

// wakeEventWaiters 唤醒等待 tradeID 事件的实例并释放通道，被唤醒者会重新认领并取新通道。
func (e *Engine) wakeEventWaiters(tradeID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ch, ok := e.events[tradeID]; ok {
		close(ch)
		delete(e.events, tradeID)
	}
}

func (e *Engine) doneSignal(instanceID string) <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch, ok := e.done[instanceID]
	if !ok {
		ch = make(chan struct{})
		e.done[instanceID] = ch
	}
	return ch
}

func (e *Engine) notifyDone(instanceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ch, ok := e.done[instanceID]; ok {
		close(ch)
		delete(e.done, instanceID)
	}
}

// run 执行或重放一个实例：执行交易 → 通知实体 → 创建计时器 → 等待外部事件。
func (e *Engine) run(ctx context.Context, instanceID string) error {
	// 历史写入不随关闭中断
	dbCtx := context.WithoutCancel(ctx)

	inst, err := e.store.loadInstance(dbCtx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return nil
	}

	h, err := e.store.loadHistory(dbCtx, instanceID)
	if err != nil {
		return err
	}

	trade := inst.Input
	key := trade.TradeID
	logger := e.logger.With(zap.String("instance_id", instanceID), zap.String("trade_id", key))

	record := func(kind eventKind, payload any) error {
		ev, err := e.store.appendHistory(dbCtx, instanceID, len(h)+1, kind, payload)
		if err != nil {
			return err
		}
		h = append(h, ev)
		return nil
	}
	finish := func(status Status, output string) error {
		if err := e.store.finish(dbCtx, instanceID, len(h)+1, completion{Status: status, Output: output}); err != nil {
			return err
		}
		e.notifyDone(instanceID)
		e.wakeEventWaiters(key)
		logger.Info("编排实例结束", zap.String("status", string(status)), zap.String("output", output))
		return nil
	}

	var result execution.Result
	if raw, ok := h.find(kindExecutionCompleted); ok {
		if err := json.Unmarshal(raw, &result); err != nil {
			return fmt.Errorf("workflow: 解析执行结果失败: %w", err)
		}
	} else {
		result = e.trader.Execute(ctx, trade)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := record(kindExecutionCompleted, result); err != nil {
			return err
		}
	}

	if !result.Executed {
		return finish(StatusFailed, result.Message)
	}

	var called entityCalled
	if raw, ok := h.find(kindEntityCalled); ok {
		if err := json.Unmarshal(raw, &called); err != nil {
			return fmt.Errorf("workflow: 解析实体调用结果失败: %w", err)
		}
	} else {
		if err := e.entities.Call(ctx, key, entity.ExecuteTrade{Trade: trade}); err != nil {
			if ctx.Err() != nil || errors.Is(err, entity.ErrClosed) {
				return err
			}
			called.Error = err.Error()
		}
		if err := record(kindEntityCalled, called); err != nil {
			return err
		}
	}

	if called.Error != "" {
		return finish(StatusFailed, called.Error)
	}

	var timer timerCreated
	if raw, ok := h.find(kindTimerCreated); ok {
		if err := json.Unmarshal(raw, &timer); err != nil {
			return fmt.Errorf("workflow: 解析计时器失败: %w", err)
		}
	} else {
		timer.FireAt = e.now().UTC().Add(e.eventTimeout)
		if err := record(kindTimerCreated, timer); err != nil {
			return err
		}
	}

	if raw, ok := h.find(kindEventReceived); ok {
		var ev eventReceived
		if err := json.Unmarshal(raw, &ev); err != nil {
			return fmt.Errorf("workflow: 解析外部事件失败: %w", err)
		}
		return finish(StatusCompleted, ev.Payload)
	}

	logger.Debug("等待外部完成事件", zap.Time("deadline", timer.FireAt))

	for {
		signal := e.eventSignal(key)

		ev, ok, err := e.store.claimEvent(dbCtx, instanceID, key)
		if err != nil {
			return err
		}
		if ok {
			if err := record(kindEventReceived, ev); err != nil {
				return err
			}
			return finish(StatusCompleted, ev.Payload)
		}

		remaining := timer.FireAt.Sub(e.now())
		if remaining <= 0 {
			logger.Warn("等待外部完成事件超时", zap.Duration("timeout", e.eventTimeout))
			return finish(StatusTimedOut, fmt.Sprintf("Trade %s was not completed within %s.", key, e.eventTimeout))
		}

		deadline := time.NewTimer(remaining)
		select {
		case <-signal:
		case <-deadline.C:
		case <-ctx.Done():
			deadline.Stop()
			return ctx.Err()
		}
		deadline.Stop()
	}
}
