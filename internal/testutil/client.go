package testutil

import (
	"sync"
	"testing"
	"time"

	"GoChatSessionKit/internal/config"
	"GoChatSessionKit/internal/protocol"
	"GoChatSessionKit/internal/session"
	"GoChatSessionKit/internal/transport"
)

// TestClient 测试会话包装器，收集消息和状态变化供断言使用
type TestClient struct {
	*session.Session
	t   *testing.T
	sub *session.Subscription

	mu               sync.RWMutex
	receivedMessages []ReceivedMessage
	stateChanges     []StateChange
}

// ReceivedMessage 接收到的消息
type ReceivedMessage struct {
	Opcode    uint16
	Payload   []byte
	Timestamp time.Time
}

// StateChange 状态变化
type StateChange struct {
	OldState  session.State
	NewState  session.State
	Timestamp time.Time
}

// NewTestClient 创建测试会话客户端
func NewTestClient(t *testing.T, serverURL, token string) *TestClient {
	cfg := config.GetConfig()

	wsConfig := transport.DefaultWebSocketConfig(serverURL, token)
	wsConfig.HandshakeTimeout = cfg.Session.HandshakeTimeout

	sessConfig := &session.Config{
		HeartbeatInterval: cfg.Session.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Session.HeartbeatTimeout,
		InitialBackoff:    cfg.Reconnect.InitialBackoff,
		MaxBackoff:        cfg.Reconnect.MaxBackoff,
		BackoffMultiplier: cfg.Reconnect.Multiplier,
		BackoffJitter:     cfg.Reconnect.Jitter,
		MaxRetries:        cfg.Reconnect.MaxRetries,
	}

	return NewTestClientWithConfig(t, sessConfig, transport.NewWebSocketDialer(wsConfig))
}

// NewTestClientWithConfig 使用自定义配置和拨号器创建测试客户端
func NewTestClientWithConfig(t *testing.T, sessConfig *session.Config, dialer transport.Dialer) *TestClient {
	tc := &TestClient{
		Session: session.New(sessConfig, dialer),
		t:       t,
	}

	tc.sub = tc.Session.Subscribe(
		func(opcode uint16, payload []byte) {
			tc.mu.Lock()
			tc.receivedMessages = append(tc.receivedMessages, ReceivedMessage{
				Opcode:    opcode,
				Payload:   payload,
				Timestamp: time.Now(),
			})
			tc.mu.Unlock()
			tc.t.Logf("Received message: opcode=%s, %d bytes",
				protocol.OpcodeToString(opcode), len(payload))
		},
		func(oldState, newState session.State) {
			tc.mu.Lock()
			tc.stateChanges = append(tc.stateChanges, StateChange{
				OldState:  oldState,
				NewState:  newState,
				Timestamp: time.Now(),
			})
			tc.mu.Unlock()
			tc.t.Logf("State change: %s -> %s", oldState, newState)
		},
	)

	return tc
}

// Messages 返回收到的所有消息的副本
func (tc *TestClient) Messages() []ReceivedMessage {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return append([]ReceivedMessage{}, tc.receivedMessages...)
}

// MessagesByOpcode 按操作码过滤收到的消息
func (tc *TestClient) MessagesByOpcode(opcode uint16) []ReceivedMessage {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	var out []ReceivedMessage
	for _, m := range tc.receivedMessages {
		if m.Opcode == opcode {
			out = append(out, m)
		}
	}
	return out
}

// StateChanges 返回观察到的状态变化的副本
func (tc *TestClient) StateChanges() []StateChange {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return append([]StateChange{}, tc.stateChanges...)
}

// WaitForState 等待会话进入指定状态
func (tc *TestClient) WaitForState(target session.State, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if tc.Session.State() == target {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// WaitForMessages 等待收到至少n条指定操作码的消息
func (tc *TestClient) WaitForMessages(opcode uint16, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(tc.MessagesByOpcode(opcode)) >= n {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}
