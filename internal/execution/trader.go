package execution

import (
	"context"

	"trade-broker/internal/entity"
)

// Trader 抽象执行器接口，方便切换真实或模拟执行。
type Trader interface {
	Execute(ctx context.Context, trade entity.Trade) Result
}

var _ Trader = (*Executor)(nil)
