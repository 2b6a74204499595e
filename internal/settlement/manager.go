package settlement

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trade-broker/internal/config"
	"trade-broker/internal/entity"
)

// CompletionStatus 为结算结果。
type CompletionStatus string

const (
	StatusSuccessful CompletionStatus = "Successful"
	StatusFailed     CompletionStatus = "Failed"
)

const defaultCompletedBy = "AutomatedSystem"

var (
	unitPrice = decimal.NewFromInt(50)
	feeRate   = decimal.RequireFromString("0.02")
	taxRate   = decimal.RequireFromString("0.05")
)

// TradeCompletionInfo 为交易终结后的结算信息，不持久化。
type TradeCompletionInfo struct {
	Remarks          string           `json:"remarks"`
	CompletionDate   time.Time        `json:"completionDate"`
	CompletedBy      string           `json:"completedBy"`
	CompletionStatus CompletionStatus `json:"completionStatus"`
	ReasonForFailure string           `json:"reasonForFailure,omitempty"`
	FinalTradeValue  decimal.Decimal  `json:"finalTradeValue"`
	Fees             decimal.Decimal  `json:"fees"`
	Tax              decimal.Decimal  `json:"tax"`
}

// Manager 根据固定定价模型计算结算数据，无状态。
type Manager struct {
	completedBy string
	now         func() time.Time
	logger      *zap.Logger
}

// NewManager 创建结算管理器。
func NewManager(cfg config.SettlementConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	completedBy := cfg.CompletedBy
	if completedBy == "" {
		completedBy = defaultCompletedBy
	}
	return &Manager{
		completedBy: completedBy,
		now:         time.Now,
		logger:      logger,
	}
}

// CompleteTrade 计算交易的结算信息。
func (m *Manager) CompleteTrade(trade entity.Trade) TradeCompletionInfo {
	// 目前恒为成功，失败分支留给外部资金校验接入
	successful := true

	info := TradeCompletionInfo{
		CompletionDate: m.now().UTC(),
		CompletedBy:    m.completedBy,
	}

	if successful {
		value := unitPrice.Mul(decimal.NewFromInt(int64(trade.Quantity)))
		info.CompletionStatus = StatusSuccessful
		info.FinalTradeValue = value
		info.Fees = value.Mul(feeRate)
		info.Tax = value.Mul(taxRate)
		info.Remarks = "Trade completed successfully."
	} else {
		info.CompletionStatus = StatusFailed
		info.ReasonForFailure = "Insufficient funds."
		info.Remarks = "Trade could not be completed due to insufficient funds."
	}

	m.logger.Info("交易结算完成",
		zap.String("trade_id", trade.TradeID),
		zap.String("status", string(info.CompletionStatus)),
		zap.String("final_value", info.FinalTradeValue.String()),
	)
	return info
}
