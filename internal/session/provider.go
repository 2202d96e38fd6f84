package session

import (
	"sync"

	"GoChatSessionKit/internal/transport"
)

// Provider 会话的依赖注入句柄：每个UI树作用域恰好持有一个
// 共享的Session实例，所有消费者通过Get拿到同一个引用。
// 状态变更只发生在会话内部的事件循环里，消费者只读。
type Provider struct {
	config *Config
	dialer transport.Dialer

	once    sync.Once
	session *Session

	mu       sync.Mutex
	released bool
}

// NewProvider 创建会话提供者，会话在第一次Get时惰性构造
func NewProvider(config *Config, dialer transport.Dialer) *Provider {
	if dialer == nil {
		panic("dialer cannot be nil")
	}

	return &Provider{
		config: config,
		dialer: dialer,
	}
}

// Get 返回共享的会话实例。在Provider生命周期内
// 总是返回同一个引用；Release之后返回nil。
func (p *Provider) Get() *Session {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	p.once.Do(func() {
		p.session = New(p.config, p.dialer)
	})

	return p.session
}

// Release 关闭会话并停止其事件循环。幂等。
// 对应UI树卸载时对传输资源的释放。
func (p *Provider) Release() {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return
	}
	p.released = true
	session := p.session
	p.mu.Unlock()

	if session != nil {
		session.terminate()
	}
}
