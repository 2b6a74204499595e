package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"trade-broker/internal/config"
	"trade-broker/internal/entity"
)

const (
	defaultMaxRetries    = 10
	defaultRetryInterval = 10 * time.Second
)

// Outcome 为完成等待的结果。超时表示未知，而非失败。
type Outcome string

const (
	OutcomeExecuted Outcome = "executed"
	OutcomeTimeout  Outcome = "unknown"
)

// StateReader 读取实体已提交的状态。
type StateReader interface {
	ReadState(ctx context.Context, key string) (entity.TradingBrokerState, bool, error)
}

// CompletionWaiter 以有限次数轮询实体状态，直到观察到交易已执行。
type CompletionWaiter struct {
	reader     StateReader
	maxRetries int
	interval   time.Duration
	logger     *zap.Logger
}

// NewCompletionWaiter 创建轮询器。
func NewCompletionWaiter(reader StateReader, cfg config.CompletionConfig, logger *zap.Logger) *CompletionWaiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	interval := cfg.RetryInterval
	if interval <= 0 {
		interval = defaultRetryInterval
	}
	return &CompletionWaiter{
		reader:     reader,
		maxRetries: maxRetries,
		interval:   interval,
		logger:     logger,
	}
}

// Wait 轮询 key 对应实体，至多 maxRetries 次。读取失败会中止并返回错误，ctx 结束时返回 ctx.Err()。
func (w *CompletionWaiter) Wait(ctx context.Context, key string) (Outcome, error) {
	for attempt := 0; attempt < w.maxRetries; attempt++ {
		state, exists, err := w.reader.ReadState(ctx, key)
		if err != nil {
			return OutcomeTimeout, err
		}
		if exists && state.ActiveTrade != nil && state.ActiveTrade.Status.AtLeast(entity.StatusExecuted) {
			return OutcomeExecuted, nil
		}

		w.logger.Info("交易尚未执行完成，稍后重试",
			zap.String("trade_id", key),
			zap.Int("attempt", attempt+1),
			zap.Duration("retry_in", w.interval),
		)

		timer := time.NewTimer(w.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return OutcomeTimeout, ctx.Err()
		case <-timer.C:
		}
	}

	w.logger.Warn("交易未在预期时间内执行完成",
		zap.String("trade_id", key),
		zap.Int("max_retries", w.maxRetries),
		zap.Duration("interval", w.interval),
	)
	return OutcomeTimeout, nil
}
