package execution

import (
	"errors"
	"time"
)

// ErrVenueUnavailable 表示执行场所暂时不可用，可重试。
var ErrVenueUnavailable = errors.New("execution: venue unavailable")

// Order 为提交到执行场所的委托。
type Order struct {
	TradeID     string
	StockSymbol string
	Quantity    int
	Side        string // buy | sell
}

// Result 为执行结果摘要。执行失败以 Executed=false 与 Message 表示，而非错误。
type Result struct {
	TradeID       string    `json:"tradeId"`
	Executed      bool      `json:"executed"`
	Message       string    `json:"message"`
	ExecutionTime time.Time `json:"executionTime"`
	Attempts      int       `json:"attempts"`
}
