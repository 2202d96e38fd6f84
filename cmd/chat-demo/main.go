package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"GoChatSessionKit/internal/logger"
	"GoChatSessionKit/internal/protocol"
	"GoChatSessionKit/internal/session"
	"GoChatSessionKit/internal/testserver"
	"GoChatSessionKit/internal/transport"
)

func main() {
	logger.InitLogger()

	fmt.Println("💬 聊天会话内核完整演示")
	fmt.Println("==================================")
	fmt.Println()

	// 1. 启动测试服务器
	fmt.Println("🚀 启动测试服务器...")
	serverConfig := testserver.DefaultServerConfig(":18090")
	serverConfig.PushInterval = 300 * time.Millisecond
	server := testserver.New(serverConfig)
	if err := server.Start(); err != nil {
		log.Fatalf("启动服务器失败: %v", err)
	}
	defer server.Shutdown(context.Background())
	fmt.Println("✅ 测试服务器已启动")

	// 2. 通过Provider创建共享会话
	fmt.Println("\n🔗 创建共享会话...")
	wsConfig := transport.DefaultWebSocketConfig("ws://127.0.0.1:18090/ws", "demo-token")

	sessConfig := session.DefaultConfig()
	sessConfig.HeartbeatInterval = 2 * time.Second
	sessConfig.InitialBackoff = 200 * time.Millisecond
	sessConfig.MaxBackoff = 2 * time.Second

	provider := session.NewProvider(sessConfig, transport.NewWebSocketDialer(wsConfig))
	defer provider.Release()

	sess := provider.Get()
	fmt.Printf("✅ 会话已创建: %s\n", sess.ID())

	// 两个独立订阅者共享同一条连接
	pushCount := 0
	sub1 := sess.Subscribe(
		func(opcode uint16, payload []byte) {
			if opcode != protocol.OpChatPush {
				return
			}
			pushCount++
			msg := &protocol.ChatMessage{}
			if err := json.Unmarshal(payload, msg); err == nil {
				fmt.Printf("   📨 [订阅者1] seq=%d %s: %s\n", msg.Seq, msg.From, msg.Text)
			}
		},
		nil,
	)
	defer sub1.Cancel()

	sub2 := sess.Subscribe(
		nil,
		func(oldState, newState session.State) {
			fmt.Printf("   🔀 [订阅者2] 状态变化: %s -> %s\n", oldState, newState)
		},
	)
	defer sub2.Cancel()

	// 3. 连接并发送聊天消息
	fmt.Println("\n📤 连接并发送聊天消息...")
	sess.Open()
	waitForState(sess, session.StateConnected, 5*time.Second)

	for i := 1; i <= 3; i++ {
		payload, _ := json.Marshal(&protocol.ChatMessage{
			Room: "lobby",
			Text: fmt.Sprintf("demo message %d", i),
		})

		seq, err := sess.Send(payload)
		if err != nil {
			log.Printf("发送失败: %v", err)
			continue
		}
		fmt.Printf("   ✉️  已发送 seq=%d\n", seq)
		time.Sleep(200 * time.Millisecond)
	}

	// 4. 接收一段时间的服务器推送
	fmt.Println("\n📡 接收服务器推送...")
	time.Sleep(1500 * time.Millisecond)

	// 5. 强制断连，观察自动重连
	fmt.Println("\n🌐 模拟服务器强制断连...")
	server.ForceDisconnectAll()

	waitForState(sess, session.StateReconnecting, 3*time.Second)
	waitForState(sess, session.StateConnected, 10*time.Second)
	fmt.Println("✅ 会话已自动重连")

	// 重连后继续接收推送，序列号去重保证不重复投递
	time.Sleep(1500 * time.Millisecond)

	// 6. 打印统计信息
	fmt.Println("\n📊 会话统计:")
	stats := sess.GetStats()
	fmt.Printf("   状态: %v\n", stats["state"])
	fmt.Printf("   重连次数: %v\n", stats["reconnects"])
	fmt.Printf("   已发送: %v\n", stats["messages_sent"])
	fmt.Printf("   已接收: %v\n", stats["messages_received"])
	fmt.Printf("   去重丢弃: %v\n", stats["deduped"])
	fmt.Printf("   平均RTT: %vms\n", stats["avg_rtt_ms"])
	fmt.Printf("   收到推送: %d 条\n", pushCount)

	serverStats := server.GetStats()
	fmt.Printf("\n📊 服务器统计:\n")
	fmt.Printf("   累计连接: %v\n", serverStats["total_connections"])
	fmt.Printf("   累计消息: %v\n", serverStats["total_messages"])

	// 7. 释放Provider，会话随之终止
	fmt.Println("\n🔄 释放共享会话...")
	provider.Release()
	if provider.Get() == nil {
		fmt.Println("✅ Provider已释放，后续Get返回nil")
	}

	fmt.Println("\n🎉 演示完成！")
}

// waitForState 轮询等待会话进入目标状态
func waitForState(sess *session.Session, target session.State, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if sess.State() == target {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	log.Printf("等待状态 %s 超时，当前: %s", target, sess.State())
}
