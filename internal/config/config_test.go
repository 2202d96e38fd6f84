package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefaultConfig 默认配置的关键字段
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "GoChatSessionKit", cfg.Meta.Project)
	assert.Equal(t, 30*time.Second, cfg.Session.HeartbeatInterval)
	assert.Greater(t, cfg.Session.HeartbeatTimeout, cfg.Session.HeartbeatInterval,
		"heartbeat timeout must exceed the interval")
	assert.Equal(t, 10, cfg.Reconnect.MaxRetries)
	assert.GreaterOrEqual(t, cfg.Reconnect.MaxBackoff, cfg.Reconnect.InitialBackoff)
	assert.LessOrEqual(t, cfg.Server.PortRange.Start, cfg.Server.PortRange.End)
}

// TestAllocateServerAddress 端口分配不重复且可释放复用
func TestAllocateServerAddress(t *testing.T) {
	cfg := DefaultConfig()

	addr1, err := cfg.AllocateServerAddress()
	require.NoError(t, err)
	addr2, err := cfg.AllocateServerAddress()
	require.NoError(t, err)
	assert.NotEqual(t, addr1, addr2)

	cfg.ReleaseServerAddress(addr1)
	cfg.ReleaseServerAddress(addr2)

	addr3, err := cfg.AllocateServerAddress()
	require.NoError(t, err)
	cfg.ReleaseServerAddress(addr3)
}

// TestGetWebSocketURL 地址到URL的转换
func TestGetWebSocketURL(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "ws://127.0.0.1:18400/ws", cfg.GetWebSocketURL("127.0.0.1:18400"))
}

// TestGetConfigSingleton 全局配置返回同一实例
func TestGetConfigSingleton(t *testing.T) {
	c1 := GetConfig()
	c2 := GetConfig()
	assert.Same(t, c1, c2)
}
