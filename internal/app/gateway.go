package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"trade-broker/internal/entity"
	"trade-broker/internal/settlement"
	"trade-broker/internal/workflow"
)

const maxBodyBytes = 1 << 20

type entityHost interface {
	Signal(ctx context.Context, key string, op entity.Operation) error
	ReadState(ctx context.Context, key string) (entity.TradingBrokerState, bool, error)
}

type orchestrationClient interface {
	RaiseExternalEvent(ctx context.Context, tradeID string, payload string) error
	Status(ctx context.Context, instanceID string) (workflow.Instance, error)
}

type completionWaiter interface {
	Wait(ctx context.Context, key string) (workflow.Outcome, error)
}

type tradeSettler interface {
	CompleteTrade(trade entity.Trade) settlement.TradeCompletionInfo
}

// gateway 将 HTTP 请求映射为实体信号、状态读取与编排事件。
type gateway struct {
	entities entityHost
	engine   orchestrationClient
	waiter   completionWaiter
	settler  tradeSettler
	logger   *zap.Logger
}

func newGateway(entities entityHost, engine orchestrationClient, waiter completionWaiter, settler tradeSettler, logger *zap.Logger) *gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &gateway{
		entities: entities,
		engine:   engine,
		waiter:   waiter,
		settler:  settler,
		logger:   logger,
	}
}

func (g *gateway) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /trades/{key}/complete", g.handleComplete)
	mux.HandleFunc("POST /trades/{key}/finalize", g.handleFinalize)
	mux.HandleFunc("POST /trades/{key}/{operation}", g.handleSignal)
	mux.HandleFunc("GET /trades/{key}", g.handleState)
	mux.HandleFunc("GET /trades/{key}/wait", g.handleWait)
	mux.HandleFunc("GET /trades/{key}/{check}", g.handleCheck)
	mux.HandleFunc("POST /orchestrations/{tradeId}/events", g.handleRaiseEvent)
	mux.HandleFunc("GET /orchestrations/{instanceId}", g.handleInstance)
	return mux
}

func (g *gateway) handleSignal(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	name := r.PathValue("operation")

	body, err := readBody(r)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, err)
		return
	}

	op, ok, err := entity.ParseOperation(name, body)
	if !ok {
		g.logger.Debug("忽略未识别的操作", zap.String("entity_key", key), zap.String("operation", name))
		g.writeError(w, http.StatusBadRequest, fmt.Errorf("Invalid operation type: %s.", name))
		return
	}
	if err != nil {
		g.writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := g.entities.Signal(r.Context(), key, op); err != nil {
		g.writeError(w, statusFor(err), err)
		return
	}

	_, exists, err := g.entities.ReadState(r.Context(), key)
	if err != nil {
		g.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !exists {
		g.logger.Warn("信号发送后实体尚未创建", zap.String("entity_key", key), zap.String("operation", name))
	}

	g.writeJSON(w, http.StatusOK, messageResponse{Message: fmt.Sprintf("%s operation completed.", name)})
}

func (g *gateway) handleComplete(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	body, err := readBody(r)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, err)
		return
	}

	op, _, err := entity.ParseOperation(string(entity.OpCompleteTrade), body)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := g.entities.Signal(r.Context(), key, op); err != nil {
		g.writeError(w, statusFor(err), err)
		return
	}

	g.writeJSON(w, http.StatusOK, messageResponse{Message: "Trade marked as completed."})
}

func (g *gateway) handleState(w http.ResponseWriter, r *http.Request) {
	state, ok := g.readExisting(w, r)
	if !ok {
		return
	}
	g.writeJSON(w, http.StatusOK, state)
}

func (g *gateway) handleCheck(w http.ResponseWriter, r *http.Request) {
	check := strings.ToLower(r.PathValue("check"))

	var (
		want    entity.TradeStatus
		message string
	)
	switch entity.OperationName(check) {
	case entity.OpInitiateTrade:
		want, message = entity.StatusPending, "Trade has already been processed or executed."
	case entity.OpExecuteTrade:
		want, message = entity.StatusExecuted, "Trade has not been executed yet."
	default:
		g.writeError(w, http.StatusBadRequest, fmt.Errorf("Invalid operation type: %s.", r.PathValue("check")))
		return
	}

	state, ok := g.readExisting(w, r)
	if !ok {
		return
	}
	if state.ActiveTrade == nil || state.ActiveTrade.Status != want {
		g.writeError(w, http.StatusBadRequest, errors.New(message))
		return
	}
	g.writeJSON(w, http.StatusOK, state)
}

func (g *gateway) handleWait(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	outcome, err := g.waiter.Wait(r.Context(), key)
	if err != nil {
		g.writeError(w, statusFor(err), err)
		return
	}
	g.writeJSON(w, http.StatusOK, waitResponse{TradeID: key, Outcome: outcome})
}

func (g *gateway) handleFinalize(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	state, exists, err := g.entities.ReadState(r.Context(), key)
	if err != nil {
		g.writeError(w, statusFor(err), err)
		return
	}
	if !exists {
		g.writeError(w, http.StatusNotFound, fmt.Errorf("Trade with ID %s not found.", key))
		return
	}
	if state.ActiveTrade == nil {
		g.writeError(w, http.StatusConflict, fmt.Errorf("Trade with ID %s has no active trade.", key))
		return
	}

	g.writeJSON(w, http.StatusOK, g.settler.CompleteTrade(*state.ActiveTrade))
}

func (g *gateway) handleRaiseEvent(w http.ResponseWriter, r *http.Request) {
	tradeID := r.PathValue("tradeId")

	body, err := readBody(r)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, err)
		return
	}

	payload := string(body)
	var text string
	if err := json.Unmarshal(body, &text); err == nil {
		payload = text
	}

	if err := g.engine.RaiseExternalEvent(r.Context(), tradeID, payload); err != nil {
		g.writeError(w, http.StatusInternalServerError, err)
		return
	}
	g.writeJSON(w, http.StatusAccepted, messageResponse{Message: fmt.Sprintf("Event raised for trade %s.", tradeID)})
}

func (g *gateway) handleInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := g.engine.Status(r.Context(), r.PathValue("instanceId"))
	if err != nil {
		g.writeError(w, statusFor(err), err)
		return
	}
	g.writeJSON(w, http.StatusOK, inst)
}

func (g *gateway) readExisting(w http.ResponseWriter, r *http.Request) (entity.TradingBrokerState, bool) {
	state, exists, err := g.entities.ReadState(r.Context(), r.PathValue("key"))
	if err != nil {
		g.writeError(w, statusFor(err), err)
		return entity.TradingBrokerState{}, false
	}
	if !exists {
		g.writeError(w, http.StatusNotFound, errors.New("Trading broker entity not found."))
		return entity.TradingBrokerState{}, false
	}
	return state, true
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type waitResponse struct {
	TradeID string           `json:"tradeId"`
	Outcome workflow.Outcome `json:"outcome"`
}

func (g *gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Warn("写入响应失败", zap.Error(err))
	}
}

func (g *gateway) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		g.logger.Error("请求处理失败", zap.Error(err))
	}
	g.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, entity.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, workflow.ErrInstanceNotFound):
		return http.StatusNotFound
	case errors.Is(err, entity.ErrClosed), errors.Is(err, workflow.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("读取请求体失败: %w", err)
	}
	return body, nil
}
