package protocol

// 操作码定义 - 标识聊天协议中不同类型的消息
const (
	// 握手相关
	OpHelloReq  uint16 = 1001
	OpHelloResp uint16 = 1002
	OpBye       uint16 = 1003

	// 心跳相关
	OpHeartbeat     uint16 = 1100
	OpHeartbeatResp uint16 = 1101

	// 聊天消息
	OpChatSend uint16 = 2001
	OpChatAck  uint16 = 2002
	OpChatPush uint16 = 2003

	// 在线状态推送
	OpPresencePush uint16 = 2100

	// 错误响应
	OpError uint16 = 9999
)

// OpcodeToString 将操作码转换为可读字符串，用于调试和日志
func OpcodeToString(op uint16) string {
	switch op {
	case OpHelloReq:
		return "HELLO_REQ"
	case OpHelloResp:
		return "HELLO_RESP"
	case OpBye:
		return "BYE"
	case OpHeartbeat:
		return "HEARTBEAT"
	case OpHeartbeatResp:
		return "HEARTBEAT_RESP"
	case OpChatSend:
		return "CHAT_SEND"
	case OpChatAck:
		return "CHAT_ACK"
	case OpChatPush:
		return "CHAT_PUSH"
	case OpPresencePush:
		return "PRESENCE_PUSH"
	case OpError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// IsValidOpcode 检查操作码是否有效
func IsValidOpcode(op uint16) bool {
	switch op {
	case OpHelloReq, OpHelloResp, OpBye,
		OpHeartbeat, OpHeartbeatResp,
		OpChatSend, OpChatAck, OpChatPush,
		OpPresencePush,
		OpError:
		return true
	default:
		return false
	}
}

// IsRequestOpcode 判断是否为客户端请求类型的操作码
func IsRequestOpcode(op uint16) bool {
	switch op {
	case OpHelloReq, OpBye, OpHeartbeat, OpChatSend:
		return true
	default:
		return false
	}
}

// IsResponseOpcode 判断是否为响应类型的操作码
func IsResponseOpcode(op uint16) bool {
	switch op {
	case OpHelloResp, OpHeartbeatResp, OpChatAck, OpError:
		return true
	default:
		return false
	}
}

// IsPushOpcode 判断是否为服务器推送类型的操作码
func IsPushOpcode(op uint16) bool {
	switch op {
	case OpChatPush, OpPresencePush:
		return true
	default:
		return false
	}
}
