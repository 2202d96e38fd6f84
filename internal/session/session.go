package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"GoChatSessionKit/internal/protocol"
	"GoChatSessionKit/internal/transport"
)

// Config 会话配置
type Config struct {
	HeartbeatInterval time.Duration // 心跳发送间隔
	HeartbeatTimeout  time.Duration // 超过该时长未收到心跳响应视为断连
	InitialBackoff    time.Duration // 首次重连延迟
	MaxBackoff        time.Duration // 重连延迟上限
	BackoffMultiplier float64       // 退避倍率
	BackoffJitter     float64       // 抖动系数（0关闭抖动）
	MaxRetries        int           // 连续失败次数上限，0表示不限制
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  75 * time.Second,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		BackoffJitter:     0.3,
		MaxRetries:        10,
	}
}

type cmdKind int

const (
	cmdOpen cmdKind = iota
	cmdClose
	cmdTerminate
)

type command struct {
	kind  cmdKind
	reply chan error
}

// dialResult 异步拨号结果，epoch用于丢弃Close之后
// 才返回的过期拨号回调
type dialResult struct {
	epoch uint64
	tr    transport.Transport
	err   error
}

// Session 维护至多一条活跃的传输连接，向任意数量的订阅者
// 暴露状态和消息收发能力，并在传输故障后自动重连。
//
// 状态机的所有变更都由单个事件循环goroutine串行处理；
// 订阅者回调在该循环内执行，不允许在回调里调用Close。
// Send不经过事件循环，可以在任意goroutine（包括回调内）调用。
type Session struct {
	id     string
	config *Config
	dialer transport.Dialer

	cmdCh  chan command
	dialCh chan dialResult

	// 以下字段仅由事件循环goroutine访问
	loopState  State
	epoch      uint64
	tr         transport.Transport
	events     <-chan transport.Event
	retryTimer *time.Timer
	backOff    *backoff.ExponentialBackOff
	dialCancel context.CancelFunc
	wasRetry   bool
	pingSeq    int32
	lastPingAt time.Time
	lastPongAt time.Time

	// 跨goroutine只读视图
	state      atomic.Int32
	retryCount atomic.Int32

	errMu   sync.RWMutex
	lastErr error

	// 发送路径状态（不经过事件循环）
	trMu    sync.RWMutex
	sendTr  transport.Transport
	sendSeq atomic.Uint64

	// 已发送待确认的消息，seq -> 载荷字节数
	pendingMu sync.Mutex
	pending   map[uint64]int

	// 推送序列号去重
	lastPushSeq atomic.Uint64

	subs *subscriberList

	// 统计信息
	avgRTT      atomic.Int64 // nano seconds
	reconnects  atomic.Int32
	sentCount   atomic.Uint64
	recvCount   atomic.Uint64
	dedupedSkip atomic.Uint64
}

// New 创建新的会话并启动其事件循环
func New(config *Config, dialer transport.Dialer) *Session {
	if config == nil {
		config = DefaultConfig()
	}
	if dialer == nil {
		panic("dialer cannot be nil")
	}

	defaults := DefaultConfig()
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = defaults.HeartbeatTimeout
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = defaults.BackoffMultiplier
	}

	s := &Session{
		id:      uuid.NewString(),
		config:  config,
		dialer:  dialer,
		cmdCh:   make(chan command, 16),
		dialCh:  make(chan dialResult, 4),
		pending: make(map[uint64]int),
		subs:    newSubscriberList(),
	}

	s.loopState = StateDisconnected
	s.state.Store(int32(StateDisconnected))

	go s.run()

	return s
}

// ID 会话唯一标识
func (s *Session) ID() string {
	return s.id
}

// Open 开始连接流程。幂等：在connecting/connected/reconnecting
// 状态下调用是空操作。
func (s *Session) Open() {
	s.cmdCh <- command{kind: cmdOpen}
}

// Close 拆除传输连接并转入disconnected状态，丢弃所有待执行的
// 重连定时器。总是成功。
func (s *Session) Close() error {
	reply := make(chan error, 1)
	s.cmdCh <- command{kind: cmdClose, reply: reply}
	return <-reply
}

// terminate 关闭会话并停止事件循环，由Provider在释放时调用
func (s *Session) terminate() {
	reply := make(chan error, 1)
	s.cmdCh <- command{kind: cmdTerminate, reply: reply}
	<-reply
}

// Send 发送一条不透明消息。仅在connected状态下接受；
// 分配下一个序列号并交给传输层，不会阻塞等待网络确认。
func (s *Session) Send(payload []byte) (uint64, error) {
	if s.State() != StateConnected {
		return 0, ErrNotConnected
	}

	s.trMu.RLock()
	tr := s.sendTr
	s.trMu.RUnlock()

	if tr == nil {
		return 0, ErrNotConnected
	}

	seq := s.sendSeq.Add(1)
	body, err := protocol.MarshalEnvelope(&protocol.ClientEnvelope{
		Seq:     seq,
		Payload: payload,
	})
	if err != nil {
		return 0, err
	}

	s.pendingMu.Lock()
	s.pending[seq] = len(payload)
	s.pendingMu.Unlock()

	if err := tr.Send(protocol.OpChatSend, body); err != nil {
		s.pendingMu.Lock()
		delete(s.pending, seq)
		s.pendingMu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrNotConnected, err)
	}

	s.sentCount.Add(1)
	return seq, nil
}

// Subscribe 注册一个订阅者，返回取消句柄。
// 两个处理器都允许为nil。
func (s *Session) Subscribe(onMessage MessageHandler, onState StateHandler) *Subscription {
	return s.subs.add(onMessage, onState)
}

// State 当前状态
func (s *Session) State() State {
	return State(s.state.Load())
}

// RetryCount 当前连续失败的连接尝试次数
func (s *Session) RetryCount() int {
	return int(s.retryCount.Load())
}

// LastError 最近一次传输故障的原因，连接成功后清空
func (s *Session) LastError() error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()
	return s.lastErr
}

// PendingCount 已发送但尚未被服务器确认的消息数
func (s *Session) PendingCount() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

// GetStats 获取会话统计信息
func (s *Session) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"session_id":        s.id,
		"state":             s.State().String(),
		"retry_count":       s.retryCount.Load(),
		"reconnects":        s.reconnects.Load(),
		"messages_sent":     s.sentCount.Load(),
		"messages_received": s.recvCount.Load(),
		"pending_acks":      s.PendingCount(),
		"last_push_seq":     s.lastPushSeq.Load(),
		"deduped":           s.dedupedSkip.Load(),
		"subscribers":       s.subs.len(),
		"avg_rtt_ms":        time.Duration(s.avgRTT.Load()).Milliseconds(),
	}
}

// run 事件循环：命令、拨号结果、传输事件和定时器
// 逐个按到达顺序处理，是状态机唯一的写入者
func (s *Session) run() {
	heartbeat := time.NewTicker(s.config.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		var timerC <-chan time.Time
		if s.retryTimer != nil {
			timerC = s.retryTimer.C
		}

		select {
		case cmd := <-s.cmdCh:
			switch cmd.kind {
			case cmdOpen:
				s.handleOpen()
			case cmdClose:
				s.handleClose()
				if cmd.reply != nil {
					cmd.reply <- nil
				}
			case cmdTerminate:
				s.handleClose()
				if cmd.reply != nil {
					cmd.reply <- nil
				}
				return
			}

		case res := <-s.dialCh:
			s.handleDialResult(res)

		case ev, ok := <-s.events:
			if !ok {
				s.events = nil
				s.handleDrop(errors.New("transport event channel closed"))
				continue
			}
			s.handleTransportEvent(ev)

		case <-timerC:
			s.retryTimer = nil
			s.handleRetryTimer()

		case <-heartbeat.C:
			s.handleHeartbeatTick()
		}
	}
}

// handleOpen 处理open命令
func (s *Session) handleOpen() {
	switch s.loopState {
	case StateConnecting, StateConnected, StateReconnecting:
		return // 幂等
	}

	// 显式open重置重试预算
	s.retryCount.Store(0)
	s.backOff = s.newBackOff()
	s.setLastErr(nil)
	s.startConnect()
}

// startConnect 进入connecting状态并发起异步拨号
func (s *Session) startConnect() {
	s.setState(StateConnecting)

	ctx, cancel := context.WithCancel(context.Background())
	s.dialCancel = cancel
	epoch := s.epoch

	go func() {
		tr, err := s.dialer.Dial(ctx)
		s.dialCh <- dialResult{epoch: epoch, tr: tr, err: err}
	}()
}

// handleDialResult 处理拨号结果，过期epoch的结果直接丢弃
func (s *Session) handleDialResult(res dialResult) {
	if res.epoch != s.epoch {
		// close之后返回的过期连接，不允许其改变状态
		if res.tr != nil {
			res.tr.Close()
		}
		return
	}

	s.dialCancel = nil

	if res.err != nil {
		rc := s.retryCount.Add(1)
		s.setLastErr(fmt.Errorf("%w: %s", ErrHandshakeFailed, res.err))
		s.setState(StateReconnecting)

		if s.config.MaxRetries > 0 && int(rc) >= s.config.MaxRetries {
			log.Printf("Session %s: retry budget exhausted after %d attempts", s.id, rc)
			s.setLastErr(ErrRetryExhausted)
			s.setState(StateFailed)
			return
		}

		s.scheduleRetry()
		return
	}

	// 连接成功
	s.attachTransport(res.tr)
	s.retryCount.Store(0)
	s.backOff = s.newBackOff()
	s.setLastErr(nil)
	s.lastPongAt = time.Now()

	if s.wasRetry {
		s.reconnects.Add(1)
		s.wasRetry = false
	}

	s.setState(StateConnected)
}

// handleRetryTimer 退避延迟到期，发起下一次连接尝试
func (s *Session) handleRetryTimer() {
	if s.loopState != StateReconnecting {
		return
	}
	s.startConnect()
}

// scheduleRetry 按指数退避安排下一次重连
func (s *Session) scheduleRetry() {
	s.wasRetry = true
	delay := s.backOff.NextBackOff()
	if delay == backoff.Stop {
		delay = s.config.MaxBackoff
	}

	log.Printf("Session %s: reconnecting in %v (attempt %d)", s.id, delay, s.retryCount.Load()+1)
	s.retryTimer = time.NewTimer(delay)
}

// handleDrop 已建立的连接断开，转入重连
func (s *Session) handleDrop(cause error) {
	if s.loopState != StateConnected {
		return
	}

	log.Printf("Session %s: transport dropped: %v", s.id, cause)

	s.detachTransport()
	s.setLastErr(fmt.Errorf("%w: %s", ErrTransportDropped, cause))
	s.backOff = s.newBackOff()
	s.setState(StateReconnecting)
	s.scheduleRetry()
}

// handleClose 处理close命令：取消定时器、作废在途拨号、拆除连接
func (s *Session) handleClose() {
	s.epoch++

	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}

	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}

	s.detachTransport()

	// 会话终止，丢弃未确认消息的所有权
	s.pendingMu.Lock()
	s.pending = make(map[uint64]int)
	s.pendingMu.Unlock()

	s.wasRetry = false
	s.setLastErr(nil)
	s.setState(StateDisconnected)
}

// handleTransportEvent 处理传输层事件
func (s *Session) handleTransportEvent(ev transport.Event) {
	if ev.Kind == transport.EventDropped {
		s.handleDrop(ev.Err)
		return
	}

	s.recvCount.Add(1)

	switch ev.Opcode {
	case protocol.OpHeartbeatResp:
		s.handleHeartbeatResp()

	case protocol.OpChatAck:
		s.handleChatAck(ev.Body)
		s.subs.dispatchMessage(ev.Opcode, ev.Body)

	case protocol.OpChatPush, protocol.OpPresencePush:
		if s.isDuplicatePush(ev.Body) {
			return
		}
		s.subs.dispatchMessage(ev.Opcode, ev.Body)

	default:
		s.subs.dispatchMessage(ev.Opcode, ev.Body)
	}
}

// handleChatAck 服务器确认后释放对消息的所有权
func (s *Session) handleChatAck(body []byte) {
	env, err := protocol.UnmarshalEnvelope(protocol.OpChatAck, body)
	if err != nil {
		log.Printf("Session %s: bad chat ack: %v", s.id, err)
		return
	}

	ack := env.(*protocol.ChatAck)
	s.pendingMu.Lock()
	delete(s.pending, ack.ClientSeq)
	s.pendingMu.Unlock()
}

// isDuplicatePush 推送序列号去重：要求单调递增
func (s *Session) isDuplicatePush(body []byte) bool {
	var head struct {
		Seq uint64 `json:"seq"`
	}
	if err := json.Unmarshal(body, &head); err != nil || head.Seq == 0 {
		return false // 无序列号的推送不参与去重
	}

	last := s.lastPushSeq.Load()
	if head.Seq <= last {
		s.dedupedSkip.Add(1)
		log.Printf("Session %s: duplicate or out-of-order push, seq=%d, lastSeq=%d",
			s.id, head.Seq, last)
		return true
	}

	s.lastPushSeq.Store(head.Seq)
	return false
}

// handleHeartbeatTick 周期性发送心跳并检测响应超时
func (s *Session) handleHeartbeatTick() {
	if s.loopState != StateConnected {
		return
	}

	if time.Since(s.lastPongAt) > s.config.HeartbeatTimeout {
		s.handleDrop(errors.New("heartbeat timeout"))
		return
	}

	s.pingSeq++
	s.lastPingAt = time.Now()

	body, err := protocol.MarshalEnvelope(&protocol.Heartbeat{
		ClientUnixMs: s.lastPingAt.UnixMilli(),
		PingSeq:      s.pingSeq,
	})
	if err != nil {
		return
	}

	if err := s.tr.Send(protocol.OpHeartbeat, body); err != nil {
		s.handleDrop(fmt.Errorf("send heartbeat failed: %w", err))
	}
}

// handleHeartbeatResp 更新活性时间戳和RTT移动平均
func (s *Session) handleHeartbeatResp() {
	s.lastPongAt = time.Now()

	if s.lastPingAt.IsZero() {
		return
	}

	rtt := time.Since(s.lastPingAt)
	if rtt <= 0 {
		return
	}

	oldAvg := time.Duration(s.avgRTT.Load())
	if oldAvg == 0 {
		s.avgRTT.Store(int64(rtt))
	} else {
		s.avgRTT.Store(int64((oldAvg + rtt) / 2))
	}
}

// attachTransport 绑定新的传输连接
func (s *Session) attachTransport(tr transport.Transport) {
	s.tr = tr
	s.events = tr.Events()

	s.trMu.Lock()
	s.sendTr = tr
	s.trMu.Unlock()
}

// detachTransport 解绑并关闭当前传输连接
func (s *Session) detachTransport() {
	if s.tr == nil {
		return
	}

	s.trMu.Lock()
	s.sendTr = nil
	s.trMu.Unlock()

	s.tr.Close()
	s.tr = nil
	s.events = nil
}

// setState 更新状态并通知订阅者
func (s *Session) setState(newState State) {
	oldState := s.loopState
	s.loopState = newState
	s.state.Store(int32(newState))

	if oldState != newState {
		s.subs.dispatchState(oldState, newState)
	}
}

// setLastErr 记录最近的故障原因
func (s *Session) setLastErr(err error) {
	s.errMu.Lock()
	s.lastErr = err
	s.errMu.Unlock()
}

// newBackOff 构造指数退避策略，重试次数上限由会话层控制
func (s *Session) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.config.InitialBackoff
	b.MaxInterval = s.config.MaxBackoff
	b.Multiplier = s.config.BackoffMultiplier
	b.RandomizationFactor = s.config.BackoffJitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
