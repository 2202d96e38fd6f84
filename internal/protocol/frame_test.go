package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFrameRoundtrip 帧编码解码往返
func TestFrameRoundtrip(t *testing.T) {
	body := []byte(`{"text":"hello chat"}`)
	frame := EncodeFrame(OpChatSend, body)

	require.Len(t, frame, FrameHeaderSize+len(body))

	opcode, decoded, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, OpChatSend, opcode)
	assert.Equal(t, body, decoded)
}

// TestEncodeFrameNilBody nil消息体编码为空体帧
func TestEncodeFrameNilBody(t *testing.T) {
	frame := EncodeFrame(OpHeartbeat, nil)
	require.Len(t, frame, FrameHeaderSize)

	opcode, body, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, OpHeartbeat, opcode)
	assert.Empty(t, body)
}

// TestDecodeFrameErrors 非法帧的错误路径
func TestDecodeFrameErrors(t *testing.T) {
	// 帧太小
	_, _, err := DecodeFrame([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrFrameTooSmall)

	// 长度字段与实际不符
	frame := EncodeFrame(OpChatSend, []byte("payload"))
	_, _, err = DecodeFrame(frame[:len(frame)-2])
	assert.ErrorIs(t, err, ErrInvalidFrame)

	// 超过最大帧限制
	huge := make([]byte, MaxFrameSize+1)
	_, _, err = DecodeFrame(huge)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

// TestFrameDecoderStreaming 流式解码器处理分片到达的数据
func TestFrameDecoderStreaming(t *testing.T) {
	first := EncodeFrame(OpChatPush, []byte(`{"seq":1}`))
	second := EncodeFrame(OpPresencePush, []byte(`{"seq":2}`))
	stream := append(append([]byte{}, first...), second...)

	fd := NewFrameDecoder()

	// 一个字节一个字节地喂数据
	var frames []*Frame
	for _, b := range stream {
		fd.Feed([]byte{b})
		for {
			frame, err := fd.Next()
			require.NoError(t, err)
			if frame == nil {
				break
			}
			frames = append(frames, frame)
		}
	}

	require.Len(t, frames, 2)
	assert.Equal(t, OpChatPush, frames[0].Opcode)
	assert.Equal(t, []byte(`{"seq":1}`), frames[0].Body)
	assert.Equal(t, OpPresencePush, frames[1].Opcode)
	assert.Equal(t, 0, fd.BufferSize())
}

// TestFrameDecoderReset 重置后丢弃缓冲数据
func TestFrameDecoderReset(t *testing.T) {
	fd := NewFrameDecoder()
	fd.Feed([]byte{0x07, 0xD1, 0x00})
	require.NotZero(t, fd.BufferSize())

	fd.Reset()
	assert.Equal(t, 0, fd.BufferSize())

	frame, err := fd.Next()
	require.NoError(t, err)
	assert.Nil(t, frame)
}

// TestOpcodeClassification 操作码分类辅助函数
func TestOpcodeClassification(t *testing.T) {
	assert.True(t, IsValidOpcode(OpChatSend))
	assert.False(t, IsValidOpcode(12345))

	assert.True(t, IsRequestOpcode(OpHelloReq))
	assert.False(t, IsRequestOpcode(OpChatPush))

	assert.True(t, IsResponseOpcode(OpChatAck))
	assert.True(t, IsPushOpcode(OpChatPush))
	assert.True(t, IsPushOpcode(OpPresencePush))
	assert.False(t, IsPushOpcode(OpHeartbeat))

	assert.Equal(t, "CHAT_PUSH", OpcodeToString(OpChatPush))
	assert.Equal(t, "UNKNOWN", OpcodeToString(4242))
}

// TestEnvelopeRoundtrip 信封序列化与按操作码反序列化
func TestEnvelopeRoundtrip(t *testing.T) {
	msg := &ChatMessage{
		Seq:         42,
		Room:        "lobby",
		From:        "user_a",
		Text:        "你好",
		TimestampMs: 1700000000000,
	}

	body, err := MarshalEnvelope(msg)
	require.NoError(t, err)

	decoded, err := UnmarshalEnvelope(OpChatPush, body)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded.(*ChatMessage))

	// 未知操作码
	_, err = UnmarshalEnvelope(4242, body)
	assert.Error(t, err)
}

// TestClientEnvelopeOpaquePayload 上行信封对任意二进制载荷透明
func TestClientEnvelopeOpaquePayload(t *testing.T) {
	payload := []byte{0x00, 0xFF, 0x10, 0x80} // 非JSON字节

	body, err := MarshalEnvelope(&ClientEnvelope{Seq: 7, Payload: payload})
	require.NoError(t, err)

	decoded, err := UnmarshalEnvelope(OpChatSend, body)
	require.NoError(t, err)

	env := decoded.(*ClientEnvelope)
	assert.Equal(t, uint64(7), env.Seq)
	assert.Equal(t, payload, env.Payload)
}
