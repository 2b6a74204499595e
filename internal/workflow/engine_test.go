package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"trade-broker/internal/config"
	"trade-broker/internal/entity"
	"trade-broker/internal/execution"
	"trade-broker/internal/store"
)

type fakeTrader struct {
	mu     sync.Mutex
	calls  int
	result *execution.Result
}

func (f *fakeTrader) Execute(_ context.Context, trade entity.Trade) execution.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.result != nil {
		return *f.result
	}
	return execution.Result{TradeID: trade.TradeID, Executed: true, Message: "Trade " + trade.TradeID + " executed.", Attempts: 1}
}

func (f *fakeTrader) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeCaller struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeCaller) Call(_ context.Context, key string, op entity.Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, key+":"+string(op.Name()))
	return f.err
}

func (f *fakeCaller) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.NewSQLite(config.DatabaseConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestEngine(t *testing.T, s *store.Store, caller EntityCaller, trader execution.Trader, timeout time.Duration) *Engine {
	t.Helper()
	e, err := NewEngine(config.WorkflowConfig{EventTimeout: timeout}, s, caller, trader, nil)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

var sampleTrade = entity.Trade{TradeID: "t1", StockSymbol: "AAPL", Quantity: 100, Action: entity.ActionBuy, Status: entity.StatusPending}

func historyKinds(t *testing.T, e *Engine, instanceID string) []eventKind {
	t.Helper()
	h, err := e.store.loadHistory(context.Background(), instanceID)
	require.NoError(t, err)
	kinds := make([]eventKind, 0, len(h))
	for _, ev := range h {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func TestEngine_EndToEndWithEntityHost(t *testing.T) {
	ctx := waitCtx(t)
	s := newTestStore(t)

	journal, err := entity.NewSQLiteJournal(s)
	require.NoError(t, err)

	var engine *Engine
	host := entity.NewHost(journal, entity.StarterFunc(func(ctx context.Context, id string, trade entity.Trade) (string, error) {
		return engine.StartOrchestration(ctx, id, trade)
	}), entity.Options{}, nil)
	t.Cleanup(host.Close)

	engine = newTestEngine(t, s, host, &fakeTrader{}, time.Minute)

	require.NoError(t, host.Call(ctx, "t1", entity.InitiateTrade{Info: entity.TradeInfo{StockSymbol: "AAPL", Quantity: 100, Action: entity.ActionBuy}}))
	instanceID := entity.InstanceIDFor("t1", 1)

	require.Eventually(t, func() bool {
		state, _, err := host.ReadState(ctx, "t1")
		return err == nil && state.ActiveTrade != nil && state.ActiveTrade.Status == entity.StatusExecuted
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, engine.RaiseExternalEvent(ctx, "t1", "Trade t1 settled."))

	inst, err := engine.Wait(ctx, instanceID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, inst.Status)
	assert.Equal(t, "Trade t1 settled.", inst.Output)
	assert.Equal(t, "t1", inst.TradeID)

	assert.Equal(t, []eventKind{
		kindExecutionCompleted,
		kindEntityCalled,
		kindTimerCreated,
		kindEventReceived,
		kindCompleted,
	}, historyKinds(t, engine, instanceID))
}

func TestEngine_TimesOutWithoutEvent(t *testing.T) {
	ctx := waitCtx(t)
	caller := &fakeCaller{}
	e := newTestEngine(t, newTestStore(t), caller, &fakeTrader{}, 50*time.Millisecond)

	id, err := e.StartOrchestration(ctx, "i-timeout", sampleTrade)
	require.NoError(t, err)
	assert.Equal(t, "i-timeout", id)

	inst, err := e.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusTimedOut, inst.Status)
	assert.Contains(t, inst.Output, "was not completed")
	assert.Equal(t, 1, caller.count())
}

func TestEngine_ExecutionFailureSkipsEntityCall(t *testing.T) {
	ctx := waitCtx(t)
	caller := &fakeCaller{}
	trader := &fakeTrader{result: &execution.Result{TradeID: "t1", Executed: false, Message: "venue rejected order"}}
	e := newTestEngine(t, newTestStore(t), caller, trader, time.Minute)

	id, err := e.StartOrchestration(ctx, "", sampleTrade)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	inst, err := e.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, inst.Status)
	assert.Equal(t, "venue rejected order", inst.Output)
	assert.Zero(t, caller.count())
}

func TestEngine_EntityErrorFailsInstance(t *testing.T) {
	ctx := waitCtx(t)
	caller := &fakeCaller{err: entity.ErrInvalidState}
	e := newTestEngine(t, newTestStore(t), caller, &fakeTrader{}, time.Minute)

	id, err := e.StartOrchestration(ctx, "i-entity", sampleTrade)
	require.NoError(t, err)

	inst, err := e.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, inst.Status)
	assert.Contains(t, inst.Output, "invalid state")
}

func TestEngine_StartIsIdempotent(t *testing.T) {
	ctx := waitCtx(t)
	trader := &fakeTrader{}
	e := newTestEngine(t, newTestStore(t), &fakeCaller{}, trader, time.Minute)

	require.NoError(t, e.RaiseExternalEvent(ctx, "t1", "done"))

	for i := 0; i < 3; i++ {
		id, err := e.StartOrchestration(ctx, "i-same", sampleTrade)
		require.NoError(t, err)
		assert.Equal(t, "i-same", id)
	}

	inst, err := e.Wait(ctx, "i-same")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, inst.Status)

	_, err = e.StartOrchestration(ctx, "i-same", sampleTrade)
	require.NoError(t, err)
	assert.Equal(t, 1, trader.count())
}

func TestEngine_EventConsumedOnce(t *testing.T) {
	ctx := waitCtx(t)
	e := newTestEngine(t, newTestStore(t), &fakeCaller{}, &fakeTrader{}, 100*time.Millisecond)

	require.NoError(t, e.RaiseExternalEvent(ctx, "t1", "first"))

	_, err := e.StartOrchestration(ctx, "i-a", sampleTrade)
	require.NoError(t, err)
	a, err := e.Wait(ctx, "i-a")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, a.Status)
	assert.Equal(t, "first", a.Output)

	_, err = e.StartOrchestration(ctx, "i-b", sampleTrade)
	require.NoError(t, err)
	b, err := e.Wait(ctx, "i-b")
	require.NoError(t, err)
	assert.Equal(t, StatusTimedOut, b.Status)
}

func TestEngine_RecoverReplaysWithoutRepeatingSteps(t *testing.T) {
	ctx := waitCtx(t)
	s := newTestStore(t)

	first, err := NewEngine(config.WorkflowConfig{EventTimeout: time.Minute}, s, &fakeCaller{}, &fakeTrader{}, nil)
	require.NoError(t, err)

	_, err = first.StartOrchestration(ctx, "i-replay", sampleTrade)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		h, err := first.store.loadHistory(ctx, "i-replay")
		if err != nil {
			return false
		}
		_, ok := h.find(kindTimerCreated)
		return ok
	}, 3*time.Second, 10*time.Millisecond)
	first.Close()

	inst, err := first.Status(ctx, "i-replay")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, inst.Status)

	trader := &fakeTrader{}
	caller := &fakeCaller{}
	second := newTestEngine(t, s, caller, trader, time.Minute)
	require.NoError(t, second.Recover(ctx))
	require.NoError(t, second.RaiseExternalEvent(ctx, "t1", "resumed"))

	inst, err = second.Wait(ctx, "i-replay")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, inst.Status)
	assert.Equal(t, "resumed", inst.Output)
	assert.Zero(t, trader.count(), "执行步骤不应重复")
	assert.Zero(t, caller.count(), "实体调用不应重复")
}

func TestEngine_StatusUnknownInstance(t *testing.T) {
	e := newTestEngine(t, newTestStore(t), &fakeCaller{}, &fakeTrader{}, time.Minute)

	_, err := e.Status(context.Background(), "missing")
	require.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestEngine_StartAfterClose(t *testing.T) {
	e, err := NewEngine(config.WorkflowConfig{}, newTestStore(t), &fakeCaller{}, &fakeTrader{}, nil)
	require.NoError(t, err)
	e.Close()

	_, err = e.StartOrchestration(context.Background(), "i-closed", sampleTrade)
	require.ErrorIs(t, err, ErrClosed)
}

func newObservedEngine(t *testing.T, timeout time.Duration) (*Engine, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.WarnLevel)
	e, err := NewEngine(config.WorkflowConfig{EventTimeout: timeout}, newTestStore(t), &fakeCaller{}, &fakeTrader{}, zap.New(core))
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e, logs
}

func TestEngine_TimeoutLogsSingleWarn(t *testing.T) {
	ctx := waitCtx(t)
	e, logs := newObservedEngine(t, 30*time.Millisecond)

	_, err := e.StartOrchestration(ctx, "i-warn", sampleTrade)
	require.NoError(t, err)
	inst, err := e.Wait(ctx, "i-warn")
	require.NoError(t, err)
	require.Equal(t, StatusTimedOut, inst.Status)

	warns := logs.FilterLevelExact(zap.WarnLevel)
	require.Equal(t, 1, warns.Len())
	entry := warns.All()[0]
	assert.Equal(t, "等待外部完成事件超时", entry.Message)
	assert.Equal(t, "i-warn", entry.ContextMap()["instance_id"])
	assert.Equal(t, "t1", entry.ContextMap()["trade_id"])
}

func TestEngine_CompletionLogsNoWarn(t *testing.T) {
	ctx := waitCtx(t)
	e, logs := newObservedEngine(t, time.Minute)

	require.NoError(t, e.RaiseExternalEvent(ctx, "t1", "done"))
	_, err := e.StartOrchestration(ctx, "i-quiet", sampleTrade)
	require.NoError(t, err)
	inst, err := e.Wait(ctx, "i-quiet")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, inst.Status)

	assert.Zero(t, logs.FilterLevelExact(zap.WarnLevel).Len())
}

func notifyMaps(e *Engine) (events, done int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events), len(e.done)
}

func TestEngine_WaitUnknownInstanceReleasesSignal(t *testing.T) {
	e := newTestEngine(t, newTestStore(t), &fakeCaller{}, &fakeTrader{}, time.Minute)

	for i := 0; i < 3; i++ {
		_, err := e.Wait(context.Background(), "missing")
		require.ErrorIs(t, err, ErrInstanceNotFound)
	}

	events, done := notifyMaps(e)
	assert.Zero(t, events)
	assert.Zero(t, done)
}

func TestEngine_FinishedInstancesReleaseSignals(t *testing.T) {
	ctx := waitCtx(t)
	trader := &fakeTrader{}
	e := newTestEngine(t, newTestStore(t), &fakeCaller{}, trader, 30*time.Millisecond)

	timedOut := sampleTrade
	timedOut.TradeID = "t-timeout"
	_, err := e.StartOrchestration(ctx, "i-timeout", timedOut)
	require.NoError(t, err)

	failed := sampleTrade
	failed.TradeID = "t-failed"
	failedEngine := newTestEngine(t, newTestStore(t), &fakeCaller{err: entity.ErrInvalidState}, trader, time.Minute)
	_, err = failedEngine.StartOrchestration(ctx, "i-failed", failed)
	require.NoError(t, err)

	inst, err := e.Wait(ctx, "i-timeout")
	require.NoError(t, err)
	require.Equal(t, StatusTimedOut, inst.Status)

	inst, err = failedEngine.Wait(ctx, "i-failed")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, inst.Status)

	// 已结束实例再次 Wait 不应重新占用通知通道
	_, err = e.Wait(ctx, "i-timeout")
	require.NoError(t, err)

	for _, eng := range []*Engine{e, failedEngine} {
		require.Eventually(t, func() bool {
			events, done := notifyMaps(eng)
			return events == 0 && done == 0
		}, time.Second, 5*time.Millisecond)
	}
}
