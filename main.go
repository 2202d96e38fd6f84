package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"GoChatSessionKit/internal/logger"
	"GoChatSessionKit/internal/protocol"
	"GoChatSessionKit/internal/session"
	"GoChatSessionKit/internal/testserver"
	"GoChatSessionKit/internal/transport"
)

func main() {
	var (
		mode     = flag.String("mode", "demo", "运行模式: demo, server, client")
		addr     = flag.String("addr", ":8080", "服务器地址")
		url      = flag.String("url", "ws://localhost:8080/ws", "WebSocket连接URL")
		token    = flag.String("token", "demo-token", "认证令牌")
		clients  = flag.Int("clients", 1, "客户端数量")
		duration = flag.Duration("duration", 30*time.Second, "运行时长")
	)
	flag.Parse()

	logger.InitLogger()

	switch *mode {
	case "demo":
		runDemo()
	case "server":
		runServer(*addr)
	case "client":
		runClient(*url, *token, *clients, *duration)
	default:
		fmt.Printf("未知模式: %s\n", *mode)
		flag.Usage()
		os.Exit(1)
	}
}

// runDemo 运行演示模式
func runDemo() {
	fmt.Println("🚀 GoChatSessionKit - 聊天长连接会话内核")
	fmt.Println("=========================================")
	fmt.Println()

	fmt.Println("📋 项目特性:")
	fmt.Println("  ✅ WebSocket长连接 + 指数退避自动重连")
	fmt.Println("  ✅ 二进制帧 + JSON信封协议")
	fmt.Println("  ✅ 心跳机制 + RTT统计")
	fmt.Println("  ✅ 推送序列号去重")
	fmt.Println("  ✅ 多订阅者广播 + 共享会话Provider")
	fmt.Println("  ✅ 完整测试套件(端到端/模糊/基准)")
	fmt.Println()

	fmt.Println("🔧 快速开始:")
	fmt.Println("  # 运行所有测试")
	fmt.Println("  go test ./...")
	fmt.Println()
	fmt.Println("  # 运行基准测试")
	fmt.Println("  go test -bench=. ./test/")
	fmt.Println()
	fmt.Println("  # 启动测试服务器")
	fmt.Println("  go run main.go -mode=server")
	fmt.Println()
	fmt.Println("  # 运行客户端压力测试")
	fmt.Println("  go run main.go -mode=client -clients=10 -duration=60s")
	fmt.Println()
	fmt.Println("  # 完整会话演示(重连+去重)")
	fmt.Println("  go run ./cmd/chat-demo")
}

// runServer 运行测试服务器
func runServer(addr string) {
	fmt.Printf("🖥️  启动聊天测试服务器 %s\n", addr)

	config := testserver.DefaultServerConfig(addr)
	config.EnableChatPush = true
	config.PushInterval = 100 * time.Millisecond

	server := testserver.New(config)

	if err := server.Start(); err != nil {
		log.Fatalf("启动服务器失败: %v", err)
	}

	fmt.Printf("✅ 服务器已启动，监听地址: %s\n", addr)
	fmt.Printf("📊 统计信息: http://%s/stats\n", addr[1:]) // 去掉开头的冒号
	fmt.Printf("💬 WebSocket端点: ws://%s/ws\n", addr[1:])

	// 优雅关闭
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	<-c
	fmt.Println("\n🔄 正在关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("服务器关闭错误: %v", err)
	}

	fmt.Println("✅ 服务器已关闭")
}

// runClient 运行客户端压力测试
func runClient(url, token string, clientCount int, duration time.Duration) {
	fmt.Printf("🔥 启动客户端压力测试\n")
	fmt.Printf("   连接URL: %s\n", url)
	fmt.Printf("   客户端数量: %d\n", clientCount)
	fmt.Printf("   运行时长: %v\n", duration)
	fmt.Println()

	var (
		connected atomic.Int32
		received  atomic.Uint64
		sent      atomic.Uint64
	)

	sessions := make([]*session.Session, clientCount)
	for i := 0; i < clientCount; i++ {
		wsConfig := transport.DefaultWebSocketConfig(url, fmt.Sprintf("%s-%d", token, i))

		sessConfig := session.DefaultConfig()
		sessConfig.HeartbeatInterval = 5 * time.Second

		s := session.New(sessConfig, transport.NewWebSocketDialer(wsConfig))
		s.Subscribe(
			func(opcode uint16, payload []byte) {
				received.Add(1)
			},
			func(oldState, newState session.State) {
				if newState == session.StateConnected {
					connected.Add(1)
				} else if oldState == session.StateConnected {
					connected.Add(-1)
				}
			},
		)

		sessions[i] = s
	}

	// 连接所有客户端
	fmt.Printf("🔗 正在连接 %d 个客户端...\n", clientCount)
	for i, s := range sessions {
		s.Open()
		fmt.Printf("✅ 客户端 %d 已发起连接\n", i)
		time.Sleep(10 * time.Millisecond) // 避免连接风暴
	}

	fmt.Printf("\n🚀 开始压力测试，运行 %v...\n", duration)
	startTime := time.Now()
	done := make(chan struct{})
	time.AfterFunc(duration, func() { close(done) })

	// 定期发送聊天消息
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()

		msgSeq := uint64(0)
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				for i, s := range sessions {
					msgSeq++
					payload, err := json.Marshal(&protocol.ChatMessage{
						Room: "lobby",
						From: fmt.Sprintf("loadtest-%d", i),
						Text: fmt.Sprintf("message #%d", msgSeq),
					})
					if err != nil {
						continue
					}

					if _, err := s.Send(payload); err == nil {
						sent.Add(1)
					}
				}
			}
		}
	}()

	// 定期打印统计
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-done:
			break loop
		case <-ticker.C:
			elapsed := time.Since(startTime)
			fmt.Printf("📊 [%.0fs] 连接: %d, 已收: %d, 已发: %d\n",
				elapsed.Seconds(), connected.Load(), received.Load(), sent.Load())
		}
	}

	// 最终统计
	fmt.Printf("\n📋 压力测试完成!\n")
	fmt.Printf("   运行时长: %v\n", duration)
	fmt.Printf("   活跃连接: %d/%d\n", connected.Load(), clientCount)
	fmt.Printf("   接收消息: %d\n", received.Load())
	fmt.Printf("   发送消息: %d\n", sent.Load())

	if r := received.Load(); r > 0 {
		throughput := float64(r) / duration.Seconds()
		fmt.Printf("   吞吐量: %.1f 消息/秒\n", throughput)
	}

	// 关闭所有客户端
	fmt.Printf("\n🔄 正在关闭客户端...\n")
	for i, s := range sessions {
		if err := s.Close(); err != nil {
			log.Printf("客户端 %d 关闭错误: %v", i, err)
		}
	}

	fmt.Println("✅ 压力测试完成!")
}
