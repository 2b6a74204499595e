package entity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultIdleTimeout  = 5 * time.Minute
	defaultRetryBackoff = 50 * time.Millisecond
	maxRetryBackoff     = 5 * time.Second
)

// instanceNamespace 用于从实体键与信号序号推导确定性的编排实例 ID。
var instanceNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("trade-broker/orchestration"))

// Starter 负责启动交易编排，需幂等且不阻塞。
type Starter interface {
	StartOrchestration(ctx context.Context, instanceID string, trade Trade) (string, error)
}

// StarterFunc 允许使用函数作为 Starter。
type StarterFunc func(ctx context.Context, instanceID string, trade Trade) (string, error)

// StartOrchestration 实现 Starter。
func (f StarterFunc) StartOrchestration(ctx context.Context, instanceID string, trade Trade) (string, error) {
	return f(ctx, instanceID, trade)
}

// Options 控制实体宿主行为。
type Options struct {
	// IdleTimeout 为 actor 队列空闲多久后退出。
	IdleTimeout time.Duration
}

// Host 为每个实体键维护一个单写者 actor，同一键上的操作按到达顺序逐个原子应用。
type Host struct {
	journal Journal
	starter Starter
	logger  *zap.Logger
	apply   ApplyFunc

	idleTimeout  time.Duration
	retryBackoff time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	actors map[string]*actor
	closed bool
}

// NewHost 创建实体宿主。starter 可为空，此时发起交易不会启动编排。
func NewHost(journal Journal, starter Starter, opts Options, logger *zap.Logger) *Host {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Host{
		journal:      journal,
		starter:      starter,
		logger:       logger,
		apply:        Apply,
		idleTimeout:  opts.IdleTimeout,
		retryBackoff: defaultRetryBackoff,
		ctx:          ctx,
		cancel:       cancel,
		actors:       make(map[string]*actor),
	}
}

// Signal 将操作写入日志并排入实体队列，落盘后立即返回，不等待排在前面的操作。
func (h *Host) Signal(ctx context.Context, key string, op Operation) error {
	return h.enqueue(ctx, key, envelope{op: op})
}

// Call 将操作排入实体队列并等待其应用完成，返回应用结果。
func (h *Host) Call(ctx context.Context, key string, op Operation) error {
	done := make(chan error, 1)
	if err := h.enqueue(ctx, key, envelope{op: op, done: done}); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadState 返回实体最近一次提交的状态，不会阻塞写入。
// 从未收到过操作的实体返回空状态与 exists=false。
func (h *Host) ReadState(ctx context.Context, key string) (TradingBrokerState, bool, error) {
	key = normalizeKey(key)
	if key == "" {
		return TradingBrokerState{}, false, fmt.Errorf("%w: 实体键不能为空", ErrInvalidInput)
	}

	h.mu.Lock()
	a := h.actors[key]
	h.mu.Unlock()

	if a != nil {
		if state, exists, ok := a.snapshot(); ok {
			return state, exists, nil
		}
	}

	cp, err := h.journal.Load(ctx, key)
	if err != nil {
		return TradingBrokerState{}, false, err
	}
	return cp.State, cp.Exists, nil
}

// Recover 按序重新投递已落盘但未应用的信号，并补发未派发的编排启动请求。
func (h *Host) Recover(ctx context.Context) error {
	pending, err := h.journal.Pending(ctx)
	if err != nil {
		return err
	}

	for _, p := range pending {
		if err := h.enqueue(ctx, p.Key, envelope{signalID: p.ID, op: p.Op}); err != nil {
			return err
		}
	}

	starts, err := h.journal.PendingStarts(ctx)
	if err != nil {
		return err
	}
	for _, req := range starts {
		h.dispatchStart(ctx, req)
	}

	h.logger.Info("实体日志恢复完成",
		zap.Int("redelivered_signals", len(pending)),
		zap.Int("redispatched_starts", len(starts)),
	)
	return nil
}

// Close 停止所有 actor，队列中尚未处理的信号保留在日志中等待下次恢复。
func (h *Host) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	h.cancel()
	h.wg.Wait()
}

// enqueue 为新信号分配日志序号并排入 actor 队列。同一键的写日志与入队在 appendMu 下完成，
// 因此队列顺序与序号顺序一致。
func (h *Host) enqueue(ctx context.Context, key string, env envelope) error {
	key = normalizeKey(key)
	if key == "" {
		return fmt.Errorf("%w: 实体键不能为空", ErrInvalidInput)
	}
	if env.op == nil {
		return fmt.Errorf("%w: 操作不能为空", ErrInvalidInput)
	}

	for {
		a, err := h.actorFor(key)
		if err != nil {
			return err
		}

		a.appendMu.Lock()
		if a.isGone() {
			// actor 已退出，重新获取
			a.appendMu.Unlock()
			continue
		}

		if env.signalID == 0 {
			id, err := h.journal.Append(ctx, key, env.op)
			if err != nil {
				a.appendMu.Unlock()
				return err
			}
			env.signalID = id
		}
		a.push(env)
		a.appendMu.Unlock()
		return nil
	}
}

func (h *Host) actorFor(key string) (*actor, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}

	a, ok := h.actors[key]
	if !ok {
		a = newActor(h, key)
		h.actors[key] = a
		h.wg.Add(1)
		go a.run(h.ctx)
	}
	return a, nil
}

// retire 在队列为空时将 actor 从注册表移除，返回是否已移除。
func (h *Host) retire(a *actor) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	a.appendMu.Lock()
	defer a.appendMu.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.queue) > 0 {
		return false
	}
	if h.actors[a.key] == a {
		delete(h.actors, a.key)
	}
	a.gone = true
	return true
}

func (h *Host) dispatchStart(ctx context.Context, req StartRequest) {
	if h.starter == nil {
		return
	}

	instanceID, err := h.starter.StartOrchestration(ctx, req.InstanceID, req.Trade)
	if err != nil {
		h.logger.Error("启动交易编排失败，等待下次恢复重试",
			zap.String("trade_id", req.Trade.TradeID),
			zap.String("instance_id", req.InstanceID),
			zap.Error(err),
		)
		return
	}

	if err := h.journal.MarkStarted(ctx, req.InstanceID); err != nil {
		h.logger.Warn("标记编排启动请求失败", zap.String("instance_id", req.InstanceID), zap.Error(err))
	}

	h.logger.Info("交易编排已启动",
		zap.String("trade_id", req.Trade.TradeID),
		zap.String("instance_id", instanceID),
	)
}

// InstanceIDFor 返回由某条 InitiateTrade 信号触发的编排实例 ID。
func InstanceIDFor(key string, signalID int64) string {
	name := normalizeKey(key) + "/" + strconv.FormatInt(signalID, 10)
	return uuid.NewSHA1(instanceNamespace, []byte(name)).String()
}

func normalizeKey(key string) string {
	return strings.TrimSpace(key)
}

type envelope struct {
	signalID int64
	op       Operation
	done     chan error // 仅 Call 设置
}

func (e envelope) finish(err error) {
	if e.done != nil {
		e.done <- err
	}
}

type actor struct {
	host *Host
	key  string

	appendMu sync.Mutex

	mu    sync.Mutex
	queue []envelope
	gone  bool
	wake  chan struct{}

	stateMu sync.RWMutex
	loaded  bool
	state   TradingBrokerState
	exists  bool
	lastID  int64
}

func newActor(h *Host, key string) *actor {
	return &actor{
		host: h,
		key:  key,
		wake: make(chan struct{}, 1),
	}
}

func (a *actor) isGone() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gone
}

func (a *actor) push(env envelope) {
	a.mu.Lock()
	a.queue = append(a.queue, env)
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// pushFront 将处理失败的信号放回队首，保证其先于后续信号重试。
func (a *actor) pushFront(env envelope) {
	a.mu.Lock()
	a.queue = append([]envelope{env}, a.queue...)
	a.mu.Unlock()
}

func (a *actor) pop() (envelope, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.queue) == 0 {
		return envelope{}, false
	}
	env := a.queue[0]
	a.queue[0] = envelope{}
	a.queue = a.queue[1:]
	return env, true
}

func (a *actor) drain(err error) {
	a.appendMu.Lock()
	defer a.appendMu.Unlock()

	a.mu.Lock()
	queued := a.queue
	a.queue = nil
	a.gone = true
	a.mu.Unlock()

	for _, env := range queued {
		env.finish(err)
	}
}

func (a *actor) snapshot() (TradingBrokerState, bool, bool) {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()

	if !a.loaded {
		return TradingBrokerState{}, false, false
	}
	return a.state.Clone(), a.exists, true
}

func (a *actor) run(ctx context.Context) {
	defer a.host.wg.Done()

	idle := time.NewTimer(a.host.idleTimeout)
	defer idle.Stop()

	backoff := a.host.retryBackoff

	for {
		if ctx.Err() != nil {
			a.drain(ErrClosed)
			return
		}

		if env, ok := a.pop(); ok {
			if err := a.handle(ctx, env); err != nil {
				a.pushFront(env)
				a.host.logger.Error("持久化实体状态失败，稍后重试",
					zap.String("entity_key", a.key),
					zap.Int64("signal_id", env.signalID),
					zap.Duration("retry_in", backoff),
					zap.Error(err),
				)

				retry := time.NewTimer(backoff)
				select {
				case <-ctx.Done():
					retry.Stop()
					a.drain(ErrClosed)
					return
				case <-retry.C:
				}
				backoff = min(backoff*2, maxRetryBackoff)
				continue
			}
			backoff = a.host.retryBackoff
			idle.Reset(a.host.idleTimeout)
			continue
		}

		select {
		case <-ctx.Done():
			a.drain(ErrClosed)
			return
		case <-a.wake:
		case <-idle.C:
			if a.host.retire(a) {
				return
			}
			idle.Reset(a.host.idleTimeout)
		}
	}
}

// handle 应用一条已落盘的信号。返回错误表示日志读写失败，信号未被应用，调用方需原样重试；
// 操作本身的结果通过 envelope 交给调用方。
func (a *actor) handle(ctx context.Context, env envelope) error {
	h := a.host
	// 持久化不随宿主关闭中断，避免半途放弃的提交
	dbCtx := context.WithoutCancel(ctx)

	if err := a.ensureLoaded(dbCtx); err != nil {
		return err
	}

	if env.signalID <= a.lastID {
		h.logger.Debug("忽略已应用的重复信号",
			zap.String("entity_key", a.key),
			zap.Int64("signal_id", env.signalID),
		)
		env.finish(nil)
		return nil
	}

	next, trade, applyErr := applySafely(h.apply, a.key, a.state.Clone(), env.op)

	commit := Commit{Key: a.key, SignalID: env.signalID, State: next}
	if trade != nil {
		commit.Start = &StartRequest{InstanceID: InstanceIDFor(a.key, env.signalID), Trade: *trade}
	}

	if err := h.journal.Commit(dbCtx, commit); err != nil {
		// 重试前从日志重新加载检查点
		a.stateMu.Lock()
		a.loaded = false
		a.stateMu.Unlock()
		return err
	}

	a.stateMu.Lock()
	a.state = next
	a.exists = true
	a.lastID = env.signalID
	a.stateMu.Unlock()

	switch {
	case errors.Is(applyErr, ErrUnhandled):
		h.logger.Error("应用操作出现未处理异常，实体已重置为空状态",
			zap.String("entity_key", a.key),
			zap.String("operation", string(env.op.Name())),
			zap.Error(applyErr),
		)
	case applyErr != nil:
		h.logger.Warn("操作被拒绝",
			zap.String("entity_key", a.key),
			zap.String("operation", string(env.op.Name())),
			zap.Error(applyErr),
		)
	default:
		h.logger.Debug("操作已应用",
			zap.String("entity_key", a.key),
			zap.String("operation", string(env.op.Name())),
			zap.Int64("signal_id", env.signalID),
		)
	}

	if commit.Start != nil {
		h.dispatchStart(dbCtx, *commit.Start)
	}

	env.finish(applyErr)
	return nil
}

func (a *actor) ensureLoaded(ctx context.Context) error {
	a.stateMu.RLock()
	loaded := a.loaded
	a.stateMu.RUnlock()
	if loaded {
		return nil
	}

	cp, err := a.host.journal.Load(ctx, a.key)
	if err != nil {
		return err
	}

	a.stateMu.Lock()
	a.state = cp.State
	a.exists = cp.Exists
	a.lastID = cp.LastSignalID
	a.loaded = true
	a.stateMu.Unlock()
	return nil
}
