package entity

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TradeAction 表示买卖方向。
type TradeAction string

const (
	ActionBuy  TradeAction = "Buy"
	ActionSell TradeAction = "Sell"
)

// ParseTradeAction 忽略大小写解析买卖方向。
func ParseTradeAction(value string) (TradeAction, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "buy":
		return ActionBuy, nil
	case "sell":
		return ActionSell, nil
	default:
		return "", fmt.Errorf("%w: 未知交易方向 %q", ErrInvalidInput, value)
	}
}

// UnmarshalJSON 接受任意大小写的方向字符串。
func (a *TradeAction) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: 交易方向必须为字符串", ErrInvalidInput)
	}
	if raw == "" {
		*a = ""
		return nil
	}
	action, err := ParseTradeAction(raw)
	if err != nil {
		return err
	}
	*a = action
	return nil
}

// TradeStatus 表示交易生命周期状态，只能沿 Pending → Executed → Completed 前进。
type TradeStatus string

const (
	StatusPending   TradeStatus = "Pending"
	StatusExecuted  TradeStatus = "Executed"
	StatusCompleted TradeStatus = "Completed"
)

func (s TradeStatus) rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusExecuted:
		return 2
	case StatusCompleted:
		return 3
	default:
		return 0
	}
}

// AtLeast 判断 s 是否已到达 other 所在阶段。
func (s TradeStatus) AtLeast(other TradeStatus) bool {
	return s.rank() >= other.rank()
}

// Trade 为单笔交易，TradeID 同时是实体寻址键。
type Trade struct {
	TradeID     string      `json:"tradeId"`
	StockSymbol string      `json:"stockSymbol"`
	Quantity    int         `json:"quantity"`
	Action      TradeAction `json:"action"`
	Status      TradeStatus `json:"status"`
	SoftDeleted bool        `json:"softDeleted"`
}

// TradeInfo 为发起交易的输入。
type TradeInfo struct {
	StockSymbol string      `json:"stockSymbol"`
	Quantity    int         `json:"quantity"`
	Action      TradeAction `json:"action"`
}

// Validate 校验发起参数。
func (i TradeInfo) Validate() error {
	if strings.TrimSpace(i.StockSymbol) == "" {
		return fmt.Errorf("%w: stockSymbol 不能为空", ErrInvalidInput)
	}
	if i.Quantity <= 0 {
		return fmt.Errorf("%w: quantity 必须为正整数, got %d", ErrInvalidInput, i.Quantity)
	}
	if i.Action != ActionBuy && i.Action != ActionSell {
		return fmt.Errorf("%w: action 必须为 Buy 或 Sell, got %q", ErrInvalidInput, i.Action)
	}
	return nil
}

// TradingBrokerState 为实体的完整持久状态。
type TradingBrokerState struct {
	ActiveTrade *Trade `json:"activeTrade"`
	SoftDeleted bool   `json:"softDeleted"`
	Remarks     string `json:"remarks"`
}

// Clone 返回深拷贝，避免调用方修改实体内部状态。
func (s TradingBrokerState) Clone() TradingBrokerState {
	out := s
	if s.ActiveTrade != nil {
		trade := *s.ActiveTrade
		out.ActiveTrade = &trade
	}
	return out
}
