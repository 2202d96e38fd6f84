package session

import "errors"

// State 会话连接状态
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// 会话层错误分类。所有传输层故障都被状态机就地消化，
// 消费者只通过State/LastError观察到这些错误，唯一的例外
// 是Send在未连接时直接返回ErrNotConnected。
var (
	// ErrNotConnected 在非连接状态下调用Send
	ErrNotConnected = errors.New("session is not connected")
	// ErrHandshakeFailed 传输握手未能建立
	ErrHandshakeFailed = errors.New("transport handshake failed")
	// ErrTransportDropped 已建立的连接意外断开
	ErrTransportDropped = errors.New("transport connection dropped")
	// ErrRetryExhausted 重连预算耗尽，会话进入FAILED状态
	ErrRetryExhausted = errors.New("reconnect retry budget exhausted")
)
