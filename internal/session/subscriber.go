package session

import (
	"sync"
	"sync/atomic"
)

// MessageHandler 推送消息处理器，payload对会话层不透明
type MessageHandler func(opcode uint16, payload []byte)

// StateHandler 状态变化处理器
type StateHandler func(oldState, newState State)

// Subscription 一次订阅的取消句柄
type Subscription struct {
	id        uint64
	list      *subscriberList
	active    atomic.Bool
	onMessage MessageHandler
	onState   StateHandler
}

// Cancel 取消订阅，幂等。可以在消息回调内部安全调用。
func (sub *Subscription) Cancel() {
	if !sub.active.CompareAndSwap(true, false) {
		return
	}
	sub.list.remove(sub.id)
}

// subscriberList 有序订阅者列表。
// 投递顺序与注册顺序一致；回调统一由会话事件循环调用，
// 同一订阅者观察到的消息顺序即传输层到达顺序。
type subscriberList struct {
	mu     sync.RWMutex
	subs   []*Subscription
	nextID atomic.Uint64
}

func newSubscriberList() *subscriberList {
	return &subscriberList{}
}

// add 注册订阅者，返回取消句柄
func (l *subscriberList) add(onMessage MessageHandler, onState StateHandler) *Subscription {
	sub := &Subscription{
		id:        l.nextID.Add(1),
		list:      l,
		onMessage: onMessage,
		onState:   onState,
	}
	sub.active.Store(true)

	l.mu.Lock()
	l.subs = append(l.subs, sub)
	l.mu.Unlock()

	return sub
}

// remove 按id移除订阅者
func (l *subscriberList) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, sub := range l.subs {
		if sub.id == id {
			l.subs = append(l.subs[:i], l.subs[i+1:]...)
			return
		}
	}
}

// snapshot 复制当前订阅者列表，投递时不持有锁，
// 避免回调内再次操作列表造成死锁
func (l *subscriberList) snapshot() []*Subscription {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return append([]*Subscription{}, l.subs...)
}

// dispatchMessage 按注册顺序投递消息
func (l *subscriberList) dispatchMessage(opcode uint16, payload []byte) {
	for _, sub := range l.snapshot() {
		if sub.active.Load() && sub.onMessage != nil {
			sub.onMessage(opcode, payload)
		}
	}
}

// dispatchState 按注册顺序投递状态变化
func (l *subscriberList) dispatchState(oldState, newState State) {
	for _, sub := range l.snapshot() {
		if sub.active.Load() && sub.onState != nil {
			sub.onState(oldState, newState)
		}
	}
}

// len 当前订阅者数量
func (l *subscriberList) len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.subs)
}
