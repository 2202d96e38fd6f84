package test

import (
	"bytes"
	"encoding/json"
	"testing"

	"GoChatSessionKit/internal/protocol"
)

// FuzzDecodeFrame 模糊测试帧解码：任意输入不应panic，
// 成功解码的帧重新编码后必须逐字节一致
func FuzzDecodeFrame(f *testing.F) {
	f.Add(protocol.EncodeFrame(protocol.OpChatPush, []byte(`{"seq":1,"text":"hi"}`)))
	f.Add(protocol.EncodeFrame(protocol.OpHeartbeat, nil))
	f.Add([]byte{})                 // 空数据
	f.Add([]byte{0x00})             // 单字节
	f.Add([]byte{0xFF, 0xFF, 0xFF}) // 无效数据

	f.Fuzz(func(t *testing.T, data []byte) {
		opcode, body, err := protocol.DecodeFrame(data)
		if err != nil {
			return
		}

		reencoded := protocol.EncodeFrame(opcode, body)
		if !bytes.Equal(reencoded, data) {
			t.Errorf("re-encode mismatch: got %d bytes, want %d bytes",
				len(reencoded), len(data))
		}
	})
}

// FuzzFrameDecoderFeed 模糊测试流式解码器：任意分片输入不应panic
func FuzzFrameDecoderFeed(f *testing.F) {
	f.Add(protocol.EncodeFrame(protocol.OpChatPush, []byte(`{"seq":7}`)), 1)
	f.Add([]byte{0x07, 0xD1, 0xFF, 0xFF, 0xFF, 0xFF}, 2) // 声称超大帧
	f.Add([]byte{}, 3)

	f.Fuzz(func(t *testing.T, data []byte, chunkSize int) {
		if chunkSize <= 0 {
			chunkSize = 1
		}

		fd := protocol.NewFrameDecoder()
		for i := 0; i < len(data); i += chunkSize {
			end := i + chunkSize
			if end > len(data) {
				end = len(data)
			}
			fd.Feed(data[i:end])

			for {
				frame, err := fd.Next()
				if err != nil || frame == nil {
					break
				}
			}
		}
	})
}

// FuzzChatMessageUnmarshal 模糊测试聊天信封反序列化
func FuzzChatMessageUnmarshal(f *testing.F) {
	seed, _ := json.Marshal(&protocol.ChatMessage{
		Seq:         1,
		Room:        "lobby",
		From:        "user_a",
		Text:        "hello",
		TimestampMs: 1700000000000,
	})
	f.Add(seed)
	f.Add([]byte(`{}`))
	f.Add([]byte(`{"seq":"not a number"}`))
	f.Add([]byte{0xFF})

	f.Fuzz(func(t *testing.T, data []byte) {
		for _, opcode := range []uint16{
			protocol.OpHelloReq, protocol.OpHelloResp,
			protocol.OpHeartbeat, protocol.OpHeartbeatResp,
			protocol.OpChatSend, protocol.OpChatAck,
			protocol.OpChatPush, protocol.OpPresencePush,
			protocol.OpError,
		} {
			env, err := protocol.UnmarshalEnvelope(opcode, data)
			if err != nil {
				continue
			}

			// 反序列化成功则重新序列化也必须成功
			if _, err := protocol.MarshalEnvelope(env); err != nil {
				t.Errorf("re-marshaling failed after successful unmarshal: %v", err)
			}
		}
	})
}
