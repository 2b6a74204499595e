package entity

import (
	"errors"
	"fmt"
)

// ApplyFunc 为实体状态转移函数的签名。
type ApplyFunc func(key string, state TradingBrokerState, op Operation) (TradingBrokerState, *Trade, error)

// Apply 在 state 的副本上应用一次操作，返回新状态以及需要启动编排的交易。
// 前置条件不满足时返回 ErrInvalidState，调用方应保留原状态。
func Apply(key string, state TradingBrokerState, op Operation) (TradingBrokerState, *Trade, error) {
	next := state.Clone()

	switch o := op.(type) {
	case InitiateTrade:
		if err := o.Info.Validate(); err != nil {
			return state, nil, err
		}
		// 重复发起时后写入者覆盖，软删除标记与备注一并清空
		trade := &Trade{
			TradeID:     key,
			StockSymbol: o.Info.StockSymbol,
			Quantity:    o.Info.Quantity,
			Action:      o.Info.Action,
			Status:      StatusPending,
		}
		next = TradingBrokerState{ActiveTrade: trade}
		start := *trade
		return next, &start, nil

	case ExecuteTrade:
		if next.ActiveTrade == nil {
			return state, nil, fmt.Errorf("%w: executetrade 需要活动交易", ErrInvalidState)
		}
		if next.ActiveTrade.Status.AtLeast(StatusCompleted) {
			return state, nil, fmt.Errorf("%w: 交易 %s 已完成，不能回退为 Executed", ErrInvalidState, next.ActiveTrade.TradeID)
		}
		next.ActiveTrade.Status = StatusExecuted
		return next, nil, nil

	case CompleteTrade:
		next.SoftDeleted = true
		next.Remarks = o.Remarks
		return next, nil, nil

	case SoftDeleteTrade:
		if next.ActiveTrade == nil {
			return state, nil, fmt.Errorf("%w: softdeletetrade 需要活动交易", ErrInvalidState)
		}
		next.ActiveTrade.SoftDeleted = true
		return next, nil, nil

	case SoftDeleteState:
		next.SoftDeleted = true
		return next, nil, nil

	case FinalizeTrade:
		if next.ActiveTrade == nil {
			return state, nil, fmt.Errorf("%w: finalizetrade 需要活动交易", ErrInvalidState)
		}
		next.ActiveTrade.Status = StatusCompleted
		return next, nil, nil

	default:
		panic(fmt.Sprintf("entity: 未支持的操作类型 %T", op))
	}
}

// applySafely 是操作分发的兜底边界：任何 panic 都会把实体重置为空状态并返回 ErrUnhandled。
func applySafely(apply ApplyFunc, key string, state TradingBrokerState, op Operation) (next TradingBrokerState, start *Trade, err error) {
	defer func() {
		if r := recover(); r != nil {
			next = TradingBrokerState{}
			start = nil
			err = fmt.Errorf("%w: %s: %v", ErrUnhandled, op.Name(), r)
		}
	}()

	next, start, err = apply(key, state, op)
	switch {
	case err == nil:
		return next, start, nil
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrInvalidInput):
		return state, nil, err
	default:
		return TradingBrokerState{}, nil, fmt.Errorf("%w: %s: %v", ErrUnhandled, op.Name(), err)
	}
}
