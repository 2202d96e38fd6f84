package testserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"GoChatSessionKit/internal/protocol"
)

// ServerConfig 测试聊天服务器配置
type ServerConfig struct {
	Addr              string
	PushInterval      time.Duration // 聊天推送间隔
	EnableChatPush    bool          // 是否启用周期性聊天推送
	EnablePresence    bool          // 是否推送上下线通知
	MaxConnections    int           // 最大连接数
	ReadBufferSize    int
	WriteBufferSize   int
	EnableCompression bool
}

// DefaultServerConfig 返回默认配置
func DefaultServerConfig(addr string) *ServerConfig {
	return &ServerConfig{
		Addr:              addr,
		PushInterval:      100 * time.Millisecond,
		EnableChatPush:    true,
		EnablePresence:    true,
		MaxConnections:    1000,
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		EnableCompression: true,
	}
}

// ConnectionStats 连接统计信息
type ConnectionStats struct {
	ConnectedAt      time.Time
	MessagesReceived atomic.Uint64
	MessagesSent     atomic.Uint64
	BytesReceived    atomic.Uint64
	BytesSent        atomic.Uint64
}

// Connection 表示一个已接入的客户端连接
type Connection struct {
	ID     string
	Conn   *websocket.Conn
	UserID string
	Stats  *ConnectionStats

	stopChan  chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
}

// safeClose 安全关闭连接的stopChan
func (c *Connection) safeClose() {
	c.closeOnce.Do(func() {
		close(c.stopChan)
	})
}

// Server 测试用聊天服务器，支持握手拒绝和强制断连，
// 用于驱动客户端重连状态机的各条路径
type Server struct {
	config   *ServerConfig
	server   *http.Server
	upgrader websocket.Upgrader

	// 连接管理
	connections sync.Map // map[string]*Connection
	connCount   atomic.Int32
	connWg      sync.WaitGroup

	// 后台任务管理
	bgWg   sync.WaitGroup
	stopCh chan struct{}

	// 推送序列号生成器
	seqGenerator atomic.Uint64

	// 故障注入
	failHandshakes atomic.Int32 // 剩余要拒绝的握手次数，-1表示全部拒绝
	isRunning      atomic.Bool

	// 统计信息
	totalConnections atomic.Uint64
	totalMessages    atomic.Uint64
	startTime        time.Time
}

// New 创建新的测试聊天服务器
func New(config *ServerConfig) *Server {
	if config == nil {
		config = DefaultServerConfig(":18400")
	}

	server := &Server{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    config.ReadBufferSize,
			WriteBufferSize:   config.WriteBufferSize,
			EnableCompression: config.EnableCompression,
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有源
			},
		},
		stopCh:    make(chan struct{}),
		startTime: time.Now(),
	}

	router := mux.NewRouter()
	router.HandleFunc("/ws", server.handleWebSocket)
	router.HandleFunc("/stats", server.handleStats).Methods("GET")
	router.HandleFunc("/control", server.handleControl).Methods("POST")

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})

	server.server = &http.Server{
		Addr:    config.Addr,
		Handler: c.Handler(router),
	}

	return server
}

// Start 启动服务器
func (s *Server) Start() error {
	if !s.isRunning.CompareAndSwap(false, true) {
		return fmt.Errorf("server is already running")
	}

	log.Printf("Starting chat test server on %s", s.config.Addr)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Server error: %v", err)
		}
	}()

	// 给服务器足够的时间启动
	time.Sleep(200 * time.Millisecond)

	if s.config.EnableChatPush {
		s.bgWg.Add(1)
		go s.chatPushLoop()
	}

	return nil
}

// Shutdown 关闭服务器
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.isRunning.CompareAndSwap(true, false) {
		return nil
	}

	log.Printf("Shutting down chat test server...")

	close(s.stopCh)

	s.connections.Range(func(key, value interface{}) bool {
		conn := value.(*Connection)
		s.closeConnection(conn, "Server shutdown")
		return true
	})

	s.connWg.Wait()
	s.bgWg.Wait()

	return s.server.Shutdown(ctx)
}

// ForceDisconnectAll 强制断开所有连接，用于触发客户端重连
func (s *Server) ForceDisconnectAll() {
	log.Printf("Force disconnecting all connections")

	s.connections.Range(func(key, value interface{}) bool {
		conn := value.(*Connection)
		s.closeConnection(conn, "Force disconnect")
		return true
	})
}

// FailHandshakes 让接下来的n次握手被拒绝，n为-1时拒绝全部
func (s *Server) FailHandshakes(n int) {
	s.failHandshakes.Store(int32(n))
}

// handleWebSocket 处理WebSocket接入
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.connCount.Load() >= int32(s.config.MaxConnections) {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	connID := fmt.Sprintf("conn_%d_%d", time.Now().UnixNano(), s.totalConnections.Add(1))
	conn := &Connection{
		ID:       connID,
		Conn:     wsConn,
		Stats:    &ConnectionStats{ConnectedAt: time.Now()},
		stopChan: make(chan struct{}),
	}

	s.connections.Store(connID, conn)
	s.connCount.Add(1)

	log.Printf("New connection: %s from %s", connID, r.RemoteAddr)

	s.handleConnection(conn)
}

// handleConnection 处理单个连接的生命周期
func (s *Server) handleConnection(conn *Connection) {
	s.connWg.Add(1)
	defer func() {
		s.closeConnection(conn, "Connection ended")
		s.connWg.Done()
	}()

	if !s.handleHello(conn) {
		return
	}

	if s.config.EnablePresence {
		s.broadcastPresence(conn, true)
	}

	s.messageReadLoop(conn)
}

// handleHello 处理握手流程，返回false表示握手失败
func (s *Server) handleHello(conn *Connection) bool {
	conn.Conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	messageType, rawData, err := conn.Conn.ReadMessage()
	if err != nil {
		log.Printf("Read hello message failed: %v", err)
		return false
	}

	if messageType != websocket.BinaryMessage {
		log.Printf("Expected binary message for hello")
		return false
	}

	opcode, body, err := protocol.DecodeFrame(rawData)
	if err != nil {
		log.Printf("Decode hello frame failed: %v", err)
		return false
	}

	if opcode != protocol.OpHelloReq {
		log.Printf("Expected hello request, got opcode: %d", opcode)
		return false
	}

	hello := &protocol.HelloReq{}
	if err := json.Unmarshal(body, hello); err != nil {
		log.Printf("Unmarshal hello request failed: %v", err)
		return false
	}

	// 故障注入：拒绝握手
	for {
		remaining := s.failHandshakes.Load()
		if remaining == 0 {
			break
		}
		if remaining > 0 && !s.failHandshakes.CompareAndSwap(remaining, remaining-1) {
			continue
		}

		log.Printf("Rejecting handshake for %s (fail injection)", conn.ID)
		s.sendEnvelope(conn, protocol.OpHelloResp, &protocol.HelloResp{
			Ok:           false,
			Reason:       "handshake rejected by test control",
			ServerTimeMs: time.Now().UnixMilli(),
		})
		return false
	}

	userID := fmt.Sprintf("user_%s", hello.DeviceID)

	conn.mu.Lock()
	conn.UserID = userID
	conn.mu.Unlock()

	resp := &protocol.HelloResp{
		Ok:           true,
		UserID:       userID,
		SessionID:    uuid.NewString(),
		ServerTimeMs: time.Now().UnixMilli(),
	}

	if err := s.sendEnvelope(conn, protocol.OpHelloResp, resp); err != nil {
		log.Printf("Send hello response failed: %v", err)
		return false
	}

	log.Printf("Handshake successful: %s -> %s", conn.ID, userID)
	return true
}

// messageReadLoop 消息读取循环
func (s *Server) messageReadLoop(conn *Connection) {
	conn.Conn.SetReadLimit(512 * 1024) // 512KB限制

	for {
		select {
		case <-conn.stopChan:
			return
		default:
			conn.Conn.SetReadDeadline(time.Now().Add(120 * time.Second))

			messageType, rawData, err := conn.Conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("Connection read error: %v", err)
				}
				return
			}

			conn.Stats.MessagesReceived.Add(1)
			conn.Stats.BytesReceived.Add(uint64(len(rawData)))
			s.totalMessages.Add(1)

			if messageType != websocket.BinaryMessage {
				continue
			}

			s.handleMessage(conn, rawData)
		}
	}
}

// handleMessage 处理接收到的消息
func (s *Server) handleMessage(conn *Connection, rawData []byte) {
	opcode, body, err := protocol.DecodeFrame(rawData)
	if err != nil {
		log.Printf("Decode frame failed: %v", err)
		return
	}

	switch opcode {
	case protocol.OpHeartbeat:
		s.handleHeartbeat(conn, body)
	case protocol.OpChatSend:
		s.handleChatSend(conn, body)
	case protocol.OpBye:
		s.closeConnection(conn, "Client bye")
	default:
		log.Printf("Unknown opcode: %d (%s)", opcode, protocol.OpcodeToString(opcode))
	}
}

// handleHeartbeat 处理心跳消息
func (s *Server) handleHeartbeat(conn *Connection, body []byte) {
	heartbeat := &protocol.Heartbeat{}
	if err := json.Unmarshal(body, heartbeat); err != nil {
		log.Printf("Unmarshal heartbeat failed: %v", err)
		return
	}

	now := time.Now()
	rtt := now.Sub(time.UnixMilli(heartbeat.ClientUnixMs))

	s.sendEnvelope(conn, protocol.OpHeartbeatResp, &protocol.HeartbeatResp{
		ServerUnixMs: now.UnixMilli(),
		PingSeq:      heartbeat.PingSeq,
		RTTMs:        int32(rtt.Milliseconds()),
	})
}

// handleChatSend 处理客户端上行聊天消息：确认并广播
func (s *Server) handleChatSend(conn *Connection, body []byte) {
	env := &protocol.ClientEnvelope{}
	if err := json.Unmarshal(body, env); err != nil {
		log.Printf("Unmarshal client envelope failed: %v", err)
		s.sendEnvelope(conn, protocol.OpError, &protocol.ErrorResp{
			Code:    400,
			Message: "malformed client envelope",
		})
		return
	}

	serverSeq := s.seqGenerator.Add(1)

	// 确认该消息
	s.sendEnvelope(conn, protocol.OpChatAck, &protocol.ChatAck{
		ClientSeq:    env.Seq,
		ServerSeq:    serverSeq,
		ServerTimeMs: time.Now().UnixMilli(),
	})

	// 上行载荷若是聊天消息则广播给其他连接
	msg := &protocol.ChatMessage{}
	if err := json.Unmarshal(env.Payload, msg); err != nil {
		return // 非聊天载荷，只做确认
	}

	conn.mu.RLock()
	from := conn.UserID
	conn.mu.RUnlock()

	msg.Seq = serverSeq
	msg.From = from
	msg.TimestampMs = time.Now().UnixMilli()

	s.broadcastEnvelope(protocol.OpChatPush, msg, conn.ID)
}

// chatPushLoop 周期性聊天推送循环
func (s *Server) chatPushLoop() {
	defer s.bgWg.Done()

	ticker := time.NewTicker(s.config.PushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.connCount.Load() == 0 {
				continue
			}

			seq := s.seqGenerator.Add(1)
			push := &protocol.ChatMessage{
				Seq:         seq,
				Room:        "lobby",
				From:        "server-bot",
				Text:        fmt.Sprintf("broadcast #%d", seq),
				TimestampMs: time.Now().UnixMilli(),
			}

			s.broadcastEnvelope(protocol.OpChatPush, push, "")
		}
	}
}

// broadcastPresence 广播上下线通知
func (s *Server) broadcastPresence(conn *Connection, online bool) {
	conn.mu.RLock()
	userID := conn.UserID
	conn.mu.RUnlock()

	if userID == "" {
		return
	}

	update := &protocol.PresenceUpdate{
		Seq:    s.seqGenerator.Add(1),
		UserID: userID,
		Online: online,
		Room:   "lobby",
	}

	s.broadcastEnvelope(protocol.OpPresencePush, update, conn.ID)
}

// sendEnvelope 向指定连接发送一个信封
func (s *Server) sendEnvelope(conn *Connection, opcode uint16, v interface{}) error {
	body, err := protocol.MarshalEnvelope(v)
	if err != nil {
		return err
	}

	frame := protocol.EncodeFrame(opcode, body)

	conn.mu.Lock()
	defer conn.mu.Unlock()

	conn.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	err = conn.Conn.WriteMessage(websocket.BinaryMessage, frame)
	if err == nil {
		conn.Stats.MessagesSent.Add(1)
		conn.Stats.BytesSent.Add(uint64(len(frame)))
	}

	return err
}

// broadcastEnvelope 广播信封给所有已握手的连接，excludeID可为空
func (s *Server) broadcastEnvelope(opcode uint16, v interface{}, excludeID string) {
	body, err := protocol.MarshalEnvelope(v)
	if err != nil {
		log.Printf("Marshal broadcast envelope failed: %v", err)
		return
	}

	frame := protocol.EncodeFrame(opcode, body)

	// 收集发送失败的连接，避免在Range过程中修改map
	var failedConns []*Connection

	s.connections.Range(func(key, value interface{}) bool {
		conn := value.(*Connection)
		if conn.ID == excludeID {
			return true
		}

		conn.mu.Lock()
		// 只向已握手的连接推送
		if conn.UserID == "" {
			conn.mu.Unlock()
			return true
		}

		conn.Conn.SetWriteDeadline(time.Now().Add(1 * time.Second))
		err := conn.Conn.WriteMessage(websocket.BinaryMessage, frame)
		if err == nil {
			conn.Stats.MessagesSent.Add(1)
			conn.Stats.BytesSent.Add(uint64(len(frame)))
		}
		conn.mu.Unlock()

		if err != nil {
			log.Printf("Broadcast to %s failed: %v", conn.ID, err)
			failedConns = append(failedConns, conn)
		}

		return true
	})

	for _, conn := range failedConns {
		s.closeConnection(conn, "Broadcast failed")
	}
}

// closeConnection 关闭连接
func (s *Server) closeConnection(conn *Connection, reason string) {
	if _, loaded := s.connections.LoadAndDelete(conn.ID); loaded {
		s.connCount.Add(-1)

		if s.config.EnablePresence && s.isRunning.Load() {
			s.broadcastPresence(conn, false)
		}
	}

	conn.mu.Lock()
	if conn.Conn != nil {
		conn.Conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(time.Second))
		conn.Conn.Close()
	}
	conn.mu.Unlock()

	conn.safeClose()

	log.Printf("Connection closed: %s, reason: %s", conn.ID, reason)
}

// handleStats 处理统计信息请求
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.GetStats())
}

// handleControl 处理控制命令
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	action := r.URL.Query().Get("action")
	switch action {
	case "disconnect_all":
		s.ForceDisconnectAll()
		fmt.Fprintf(w, "Disconnected all connections")
	case "fail_handshakes":
		n := 1
		fmt.Sscanf(r.URL.Query().Get("count"), "%d", &n)
		s.FailHandshakes(n)
		fmt.Fprintf(w, "Next %d handshakes will be rejected", n)
	default:
		http.Error(w, "Unknown action", http.StatusBadRequest)
	}
}

// GetStats 获取服务器统计信息
func (s *Server) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"running":             s.isRunning.Load(),
		"uptime_seconds":      time.Since(s.startTime).Seconds(),
		"current_connections": s.connCount.Load(),
		"total_connections":   s.totalConnections.Load(),
		"total_messages":      s.totalMessages.Load(),
		"sequence_number":     s.seqGenerator.Load(),
	}
}
