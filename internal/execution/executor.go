package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"trade-broker/internal/config"
	"trade-broker/internal/entity"
)

// Venue 抽象实际执行交易的外部场所。
type Venue interface {
	Submit(ctx context.Context, order Order) error
}

// SimulatedVenue 以固定延迟模拟一次外部执行调用。
type SimulatedVenue struct {
	Delay time.Duration
}

// Submit 实现 Venue。
func (v SimulatedVenue) Submit(ctx context.Context, _ Order) error {
	if v.Delay <= 0 {
		return nil
	}
	timer := time.NewTimer(v.Delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Executor 将交易提交到执行场所并汇总结果。
type Executor struct {
	venue      Venue
	logger     *zap.Logger
	maxRetry   int
	retryDelay time.Duration
	now        func() time.Time
}

// NewExecutor 创建执行器。venue 为空时使用按配置延迟的模拟场所。
func NewExecutor(venue Venue, cfg config.ExecutionConfig, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if venue == nil {
		venue = SimulatedVenue{Delay: cfg.Delay}
	}
	maxRetry := cfg.MaxRetry
	if maxRetry <= 0 {
		maxRetry = 1
	}
	return &Executor{
		venue:      venue,
		logger:     logger,
		maxRetry:   maxRetry,
		retryDelay: cfg.RetryDelay,
		now:        time.Now,
	}
}

// Execute 执行交易。失败作为结果数据返回，不向上抛出错误。
func (e *Executor) Execute(ctx context.Context, trade entity.Trade) Result {
	result := Result{TradeID: trade.TradeID}

	attempts, err := e.submitOrder(ctx, buildOrder(trade))
	result.Attempts = attempts
	result.ExecutionTime = e.now().UTC()

	if err != nil {
		result.Message = fmt.Sprintf("Trade %s execution failed: %v", trade.TradeID, err)
		e.logger.Error("交易执行失败",
			zap.String("trade_id", trade.TradeID),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return result
	}

	result.Executed = true
	result.Message = fmt.Sprintf("Trade %s executed.", trade.TradeID)
	e.logger.Info("交易执行完成",
		zap.String("trade_id", trade.TradeID),
		zap.String("symbol", trade.StockSymbol),
		zap.Int("quantity", trade.Quantity),
		zap.Int("attempts", attempts),
	)
	return result
}

func (e *Executor) submitOrder(ctx context.Context, order Order) (int, error) {
	var err error
	for attempt := 1; attempt <= e.maxRetry; attempt++ {
		err = e.venue.Submit(ctx, order)
		if err == nil {
			return attempt, nil
		}

		if !IsRetryable(err) {
			return attempt, err
		}
		if attempt == e.maxRetry {
			break
		}

		wait := time.Duration(attempt) * e.retryDelay
		e.logger.Warn("提交执行失败，准备重试",
			zap.String("trade_id", order.TradeID),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-time.After(wait):
		}
	}

	return e.maxRetry, fmt.Errorf("execution: 重试后仍执行失败: %w", err)
}

// IsRetryable 判断错误是否可重试。
func IsRetryable(err error) bool {
	return err != nil && errors.Is(err, ErrVenueUnavailable)
}

func buildOrder(trade entity.Trade) Order {
	return Order{
		TradeID:     trade.TradeID,
		StockSymbol: trade.StockSymbol,
		Quantity:    trade.Quantity,
		Side:        strings.ToLower(string(trade.Action)),
	}
}
