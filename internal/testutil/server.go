package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"GoChatSessionKit/internal/config"
	"GoChatSessionKit/internal/testserver"
)

// TestServer 测试服务器包装器
type TestServer struct {
	*testserver.Server
	config *config.Config
	addr   string
	t      *testing.T
}

// NewTestServer 创建测试服务器，端口从配置范围内自动分配
func NewTestServer(t *testing.T) *TestServer {
	return NewTestServerWithConfig(t, nil)
}

// NewTestServerWithConfig 使用自定义配置创建测试服务器
func NewTestServerWithConfig(t *testing.T, customizer func(*testserver.ServerConfig)) *TestServer {
	cfg := config.GetConfig()

	addr, err := cfg.AllocateServerAddress()
	require.NoError(t, err, "Failed to allocate server port")

	serverConfig := testserver.DefaultServerConfig(addr)
	serverConfig.PushInterval = cfg.Server.PushInterval
	serverConfig.MaxConnections = cfg.Server.MaxConnections
	if customizer != nil {
		customizer(serverConfig)
	}

	return &TestServer{
		Server: testserver.New(serverConfig),
		config: cfg,
		addr:   addr,
		t:      t,
	}
}

// Start 启动测试服务器
func (ts *TestServer) Start() {
	err := ts.Server.Start()
	require.NoError(ts.t, err, "Failed to start test server")

	ts.t.Logf("Test server started on %s", ts.addr)
}

// Stop 停止测试服务器并释放端口
func (ts *TestServer) Stop() {
	if ts.Server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), ts.config.Server.DefaultTimeout)
		defer cancel()

		ts.Server.Shutdown(ctx)
		ts.config.ReleaseServerAddress(ts.addr)
		ts.t.Logf("Test server stopped")
	}
}

// GetAddress 获取服务器地址
func (ts *TestServer) GetAddress() string {
	return ts.addr
}

// GetWebSocketURL 获取WebSocket URL
func (ts *TestServer) GetWebSocketURL() string {
	return ts.config.GetWebSocketURL(ts.addr)
}
