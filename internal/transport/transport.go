package transport

import "context"

// EventKind 传输层事件类型
type EventKind int

const (
	// EventMessage 收到一个完整的协议帧
	EventMessage EventKind = iota
	// EventDropped 连接意外断开
	EventDropped
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "MESSAGE"
	case EventDropped:
		return "DROPPED"
	default:
		return "UNKNOWN"
	}
}

// Event 传输层异步事件，按到达顺序投递给会话层
type Event struct {
	Kind   EventKind
	Opcode uint16
	Body   []byte
	Err    error
}

// Transport 一条已建立的双向消息通道。
// 实现必须保证Send可以被多个goroutine并发调用，
// Events通道在连接结束后关闭。
type Transport interface {
	// Send 编码并发送一个协议帧，不会阻塞等待对端
	Send(opcode uint16, body []byte) error
	// Events 返回事件通道，连接关闭后该通道关闭
	Events() <-chan Event
	// Close 关闭底层连接，幂等
	Close() error
}

// Dialer 建立新的传输连接并完成握手。
// 返回错误表示握手失败，会话层据此驱动重连状态机。
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// DialFunc 函数式Dialer适配器
type DialFunc func(ctx context.Context) (Transport, error)

func (f DialFunc) Dial(ctx context.Context) (Transport, error) {
	return f(ctx)
}
