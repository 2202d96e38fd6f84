package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"GoChatSessionKit/internal/protocol"
)

const (
	defaultWriteTimeout = 5 * time.Second
	eventBufferSize     = 64
)

// ErrHandshakeRejected 服务器拒绝了握手请求
var ErrHandshakeRejected = errors.New("handshake rejected by server")

// WebSocketConfig WebSocket拨号配置
type WebSocketConfig struct {
	URL               string
	Token             string
	ClientVersion     string
	DeviceID          string
	HandshakeTimeout  time.Duration
	EnableCompression bool
	UserAgent         string
}

// DefaultWebSocketConfig 返回默认配置
func DefaultWebSocketConfig(url, token string) *WebSocketConfig {
	return &WebSocketConfig{
		URL:               url,
		Token:             token,
		ClientVersion:     "1.0.0",
		DeviceID:          "go-chat-client",
		HandshakeTimeout:  10 * time.Second,
		EnableCompression: true,
		UserAgent:         "GoChatSessionKit/1.0",
	}
}

// WebSocketDialer 基于gorilla/websocket的Dialer实现，
// 拨号成功后执行Hello握手，握手通过才算连接建立
type WebSocketDialer struct {
	config *WebSocketConfig
	dialer *websocket.Dialer
}

// NewWebSocketDialer 创建WebSocket拨号器
func NewWebSocketDialer(config *WebSocketConfig) *WebSocketDialer {
	if config == nil {
		panic("config cannot be nil")
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = config.HandshakeTimeout
	dialer.EnableCompression = config.EnableCompression

	return &WebSocketDialer{
		config: config,
		dialer: &dialer,
	}
}

// Dial 建立连接并完成Hello握手
func (d *WebSocketDialer) Dial(ctx context.Context) (Transport, error) {
	headers := http.Header{
		"User-Agent": []string{d.config.UserAgent},
	}

	conn, resp, err := d.dialer.DialContext(ctx, d.config.URL, headers)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	if err := d.doHello(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}

	t := &wsTransport{
		conn:   conn,
		events: make(chan Event, eventBufferSize),
	}

	go t.readPump()

	return t, nil
}

// doHello 执行应用层握手
func (d *WebSocketDialer) doHello(ctx context.Context, conn *websocket.Conn) error {
	hello := &protocol.HelloReq{
		Token:         d.config.Token,
		ClientVersion: d.config.ClientVersion,
		DeviceID:      d.config.DeviceID,
	}

	body, err := protocol.MarshalEnvelope(hello)
	if err != nil {
		return err
	}

	conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeFrame(protocol.OpHelloReq, body)); err != nil {
		return fmt.Errorf("send hello failed: %w", err)
	}

	// 等待握手响应
	deadline := time.Now().Add(d.config.HandshakeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetReadDeadline(deadline)

	messageType, rawData, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read hello response failed: %w", err)
	}

	if messageType != websocket.BinaryMessage {
		return errors.New("received non-binary hello response")
	}

	opcode, respBody, err := protocol.DecodeFrame(rawData)
	if err != nil {
		return fmt.Errorf("decode hello response failed: %w", err)
	}

	if opcode != protocol.OpHelloResp {
		return fmt.Errorf("unexpected opcode for hello response: %d", opcode)
	}

	env, err := protocol.UnmarshalEnvelope(opcode, respBody)
	if err != nil {
		return err
	}

	helloResp, ok := env.(*protocol.HelloResp)
	if !ok || !helloResp.Ok {
		reason := "unknown"
		if ok {
			reason = helloResp.Reason
		}
		return fmt.Errorf("%w: %s", ErrHandshakeRejected, reason)
	}

	log.Printf("Handshake successful: user_id=%s, session_id=%s",
		helloResp.UserID, helloResp.SessionID)

	// 握手完成后清除读超时，由会话层心跳负责活性检测
	conn.SetReadDeadline(time.Time{})

	return nil
}

// wsTransport 单个WebSocket连接的Transport实现
type wsTransport struct {
	conn    *websocket.Conn
	events  chan Event
	writeMu sync.Mutex // 专用于WebSocket写入同步
	closed  atomic.Bool
}

// Send 发送一个协议帧
func (t *wsTransport) Send(opcode uint16, body []byte) error {
	if t.closed.Load() {
		return errors.New("transport is closed")
	}

	frame := protocol.EncodeFrame(opcode, body)

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	return t.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Events 返回事件通道
func (t *wsTransport) Events() <-chan Event {
	return t.events
}

// Close 关闭连接，幂等
func (t *wsTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	t.writeMu.Lock()
	t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()

	return t.conn.Close()
}

// readPump 读取循环，把收到的帧转换为事件投递给会话层
func (t *wsTransport) readPump() {
	defer close(t.events)

	for {
		messageType, rawData, err := t.conn.ReadMessage()
		if err != nil {
			// 主动关闭后的读取错误不算连接断开
			if !t.closed.Load() {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("Transport read error: %v", err)
				}
				t.events <- Event{Kind: EventDropped, Err: err}
			}
			return
		}

		if messageType != websocket.BinaryMessage {
			continue
		}

		opcode, body, err := protocol.DecodeFrame(rawData)
		if err != nil {
			log.Printf("Decode frame failed: %v", err)
			continue
		}

		t.events <- Event{Kind: EventMessage, Opcode: opcode, Body: body}
	}
}
