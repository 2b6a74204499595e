package entity

import (
	"encoding/json"
	"fmt"
	"strings"
)

// OperationName 为信号的线上名称，比较时忽略大小写。
type OperationName string

const (
	OpInitiateTrade   OperationName = "initiatetrade"
	OpExecuteTrade    OperationName = "executetrade"
	OpCompleteTrade   OperationName = "completetrade"
	OpSoftDeleteTrade OperationName = "softdeletetrade"
	OpSoftDeleteState OperationName = "softdeletestate"
	OpFinalizeTrade   OperationName = "finalizetrade"
)

// Operation 是实体可接受操作的封闭集合。
type Operation interface {
	Name() OperationName
	isOperation()
}

// InitiateTrade 以新的 Pending 交易覆盖实体状态，并触发一次编排。
type InitiateTrade struct {
	Info TradeInfo
}

// ExecuteTrade 将活动交易标记为 Executed。
type ExecuteTrade struct {
	Trade Trade
}

// CompleteTrade 软删除实体状态并记录备注。
type CompleteTrade struct {
	Remarks string
}

// SoftDeleteTrade 软删除活动交易。
type SoftDeleteTrade struct{}

// SoftDeleteState 软删除实体状态。
type SoftDeleteState struct{}

// FinalizeTrade 将活动交易标记为 Completed。
type FinalizeTrade struct{}

func (InitiateTrade) Name() OperationName   { return OpInitiateTrade }
func (ExecuteTrade) Name() OperationName    { return OpExecuteTrade }
func (CompleteTrade) Name() OperationName   { return OpCompleteTrade }
func (SoftDeleteTrade) Name() OperationName { return OpSoftDeleteTrade }
func (SoftDeleteState) Name() OperationName { return OpSoftDeleteState }
func (FinalizeTrade) Name() OperationName   { return OpFinalizeTrade }

func (InitiateTrade) isOperation()   {}
func (ExecuteTrade) isOperation()    {}
func (CompleteTrade) isOperation()   {}
func (SoftDeleteTrade) isOperation() {}
func (SoftDeleteState) isOperation() {}
func (FinalizeTrade) isOperation()   {}

// ParseOperation 根据线上名称与 JSON 载荷构造操作。
// 未识别的名称返回 ok=false 且不视为错误；completetrade 的载荷不是合法 JSON 字符串时按原始文本处理。
func ParseOperation(name string, payload []byte) (op Operation, ok bool, err error) {
	switch OperationName(strings.ToLower(strings.TrimSpace(name))) {
	case OpInitiateTrade:
		var info TradeInfo
		if len(payload) == 0 {
			return nil, true, fmt.Errorf("%w: initiatetrade 缺少 TradeInfo", ErrInvalidInput)
		}
		if err := json.Unmarshal(payload, &info); err != nil {
			return nil, true, fmt.Errorf("%w: 解析 TradeInfo 失败: %v", ErrInvalidInput, err)
		}
		return InitiateTrade{Info: info}, true, nil
	case OpExecuteTrade:
		var trade Trade
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &trade); err != nil {
				return nil, true, fmt.Errorf("%w: 解析 Trade 失败: %v", ErrInvalidInput, err)
			}
		}
		return ExecuteTrade{Trade: trade}, true, nil
	case OpCompleteTrade:
		var remarks string
		if err := json.Unmarshal(payload, &remarks); err != nil {
			remarks = string(payload)
		}
		return CompleteTrade{Remarks: remarks}, true, nil
	case OpSoftDeleteTrade:
		return SoftDeleteTrade{}, true, nil
	case OpSoftDeleteState:
		return SoftDeleteState{}, true, nil
	case OpFinalizeTrade:
		return FinalizeTrade{}, true, nil
	default:
		return nil, false, nil
	}
}

// encodePayload 返回可由 ParseOperation 还原的 JSON 载荷。
func encodePayload(op Operation) ([]byte, error) {
	switch o := op.(type) {
	case InitiateTrade:
		return json.Marshal(o.Info)
	case ExecuteTrade:
		return json.Marshal(o.Trade)
	case CompleteTrade:
		return json.Marshal(o.Remarks)
	case SoftDeleteTrade, SoftDeleteState, FinalizeTrade:
		return nil, nil
	default:
		return nil, fmt.Errorf("entity: 无法编码操作 %T", op)
	}
}
