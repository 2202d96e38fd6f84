package protocol

import (
	"encoding/json"
	"fmt"
)

// HelloReq 客户端握手请求
type HelloReq struct {
	Token         string `json:"token"`
	ClientVersion string `json:"client_version"`
	DeviceID      string `json:"device_id"`
}

// HelloResp 服务器握手响应
type HelloResp struct {
	Ok           bool   `json:"ok"`
	UserID       string `json:"user_id,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	ServerTimeMs int64  `json:"server_time_ms"`
	Reason       string `json:"reason,omitempty"`
}

// Heartbeat 客户端心跳
type Heartbeat struct {
	ClientUnixMs int64 `json:"client_unix_ms"`
	PingSeq      int32 `json:"ping_seq"`
}

// HeartbeatResp 服务器心跳响应
type HeartbeatResp struct {
	ServerUnixMs int64 `json:"server_unix_ms"`
	PingSeq      int32 `json:"ping_seq"`
	RTTMs        int32 `json:"rtt_ms"`
}

// ChatMessage 聊天消息，客户端发送时Seq为客户端序列号，
// 服务器推送时Seq为服务器单调递增序列号
type ChatMessage struct {
	Seq         uint64 `json:"seq"`
	Room        string `json:"room"`
	From        string `json:"from"`
	Text        string `json:"text"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// ClientEnvelope 客户端上行信封，Seq由会话层分配，
// Payload对会话层保持不透明（JSON编码时自动base64）
type ClientEnvelope struct {
	Seq     uint64 `json:"seq"`
	Payload []byte `json:"payload"`
}

// ChatAck 服务器对聊天消息的确认
type ChatAck struct {
	ClientSeq    uint64 `json:"client_seq"`
	ServerSeq    uint64 `json:"server_seq"`
	ServerTimeMs int64  `json:"server_time_ms"`
}

// PresenceUpdate 在线状态变化推送
type PresenceUpdate struct {
	Seq    uint64 `json:"seq"`
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
	Room   string `json:"room,omitempty"`
}

// ErrorResp 服务器错误响应
type ErrorResp struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
}

// MarshalEnvelope 将信封序列化为JSON消息体
func MarshalEnvelope(v interface{}) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope failed: %w", err)
	}
	return body, nil
}

// UnmarshalEnvelope 根据操作码反序列化消息体
func UnmarshalEnvelope(opcode uint16, body []byte) (interface{}, error) {
	var v interface{}

	switch opcode {
	case OpHelloReq:
		v = &HelloReq{}
	case OpHelloResp:
		v = &HelloResp{}
	case OpHeartbeat:
		v = &Heartbeat{}
	case OpHeartbeatResp:
		v = &HeartbeatResp{}
	case OpChatSend:
		v = &ClientEnvelope{}
	case OpChatPush:
		v = &ChatMessage{}
	case OpChatAck:
		v = &ChatAck{}
	case OpPresencePush:
		v = &PresenceUpdate{}
	case OpError:
		v = &ErrorResp{}
	default:
		return nil, fmt.Errorf("unknown opcode: %d", opcode)
	}

	if len(body) > 0 {
		if err := json.Unmarshal(body, v); err != nil {
			return nil, fmt.Errorf("unmarshal envelope failed: %w", err)
		}
	}

	return v, nil
}
