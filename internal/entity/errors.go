package entity

import "errors"

var (
	// ErrInvalidState 表示操作前置条件不满足，例如不存在活动交易。状态保持不变。
	ErrInvalidState = errors.New("entity: invalid state")
	// ErrInvalidInput 表示操作载荷无法解析或校验失败。
	ErrInvalidInput = errors.New("entity: invalid input")
	// ErrUnhandled 表示应用操作时出现未预期异常，实体已被重置为空状态。
	ErrUnhandled = errors.New("entity: unhandled failure, state reset")
	// ErrClosed 表示实体宿主已关闭。
	ErrClosed = errors.New("entity: host closed")
)
