package test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"GoChatSessionKit/internal/protocol"
	"GoChatSessionKit/internal/session"
	"GoChatSessionKit/internal/testserver"
	"GoChatSessionKit/internal/transport"
)

// BenchmarkEncodeFrame 基准测试帧编码
func BenchmarkEncodeFrame(b *testing.B) {
	body, _ := json.Marshal(&protocol.ChatMessage{
		Seq:         1,
		Room:        "lobby",
		From:        "bench-user",
		Text:        "benchmark message payload",
		TimestampMs: time.Now().UnixMilli(),
	})

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		protocol.EncodeFrame(protocol.OpChatPush, body)
	}
}

// BenchmarkDecodeFrame 基准测试帧解码
func BenchmarkDecodeFrame(b *testing.B) {
	body, _ := json.Marshal(&protocol.ChatMessage{
		Seq:  1,
		Room: "lobby",
		Text: "benchmark message payload",
	})
	frame := protocol.EncodeFrame(protocol.OpChatPush, body)

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, _, err := protocol.DecodeFrame(frame); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkSessionSend 基准测试会话发送吞吐
func BenchmarkSessionSend(b *testing.B) {
	serverConfig := testserver.DefaultServerConfig("127.0.0.1:18390")
	serverConfig.EnableChatPush = false
	server := testserver.New(serverConfig)
	if err := server.Start(); err != nil {
		b.Fatalf("Start server failed: %v", err)
	}
	defer server.Shutdown(context.Background())

	wsConfig := transport.DefaultWebSocketConfig("ws://127.0.0.1:18390/ws", "bench-token")
	s := session.New(session.DefaultConfig(), transport.NewWebSocketDialer(wsConfig))
	defer s.Close()

	s.Open()
	deadline := time.Now().Add(5 * time.Second)
	for s.State() != session.StateConnected && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.State() != session.StateConnected {
		b.Fatalf("session did not connect: %s", s.State())
	}

	payload, _ := json.Marshal(&protocol.ChatMessage{
		Room: "lobby",
		Text: "benchmark message",
	})

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := s.Send(payload); err != nil {
			b.Fatalf("Send failed at %d: %v", i, err)
		}
	}

	b.StopTimer()
	fmt.Printf("pending acks after benchmark: %d\n", s.PendingCount())
}
