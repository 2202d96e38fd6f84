package config

import (
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config 聊天会话框架的统一配置
type Config struct {
	Meta      MetaConfig      `yaml:"meta" mapstructure:"meta"`
	Session   SessionConfig   `yaml:"session" mapstructure:"session"`
	Reconnect ReconnectConfig `yaml:"reconnect" mapstructure:"reconnect"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
}

type MetaConfig struct {
	Project       string `yaml:"project" mapstructure:"project"`
	ConfigVersion string `yaml:"config_version" mapstructure:"config_version"`
}

// SessionConfig 客户端会话配置
type SessionConfig struct {
	URL               string        `yaml:"url" mapstructure:"url"`
	Token             string        `yaml:"token" mapstructure:"token"`
	ClientVersion     string        `yaml:"client_version" mapstructure:"client_version"`
	DeviceID          string        `yaml:"device_id" mapstructure:"device_id"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout" mapstructure:"handshake_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout" mapstructure:"heartbeat_timeout"`
	EnableCompression bool          `yaml:"enable_compression" mapstructure:"enable_compression"`
}

// ReconnectConfig 重连退避配置
type ReconnectConfig struct {
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier" mapstructure:"multiplier"`
	Jitter         float64       `yaml:"jitter" mapstructure:"jitter"`
	MaxRetries     int           `yaml:"max_retries" mapstructure:"max_retries"`
}

// ServerConfig 测试服务器配置
type ServerConfig struct {
	BaseHost       string          `yaml:"base_host" mapstructure:"base_host"`
	PortRange      PortRangeConfig `yaml:"port_range" mapstructure:"port_range"`
	PushInterval   time.Duration   `yaml:"push_interval" mapstructure:"push_interval"`
	MaxConnections int             `yaml:"max_connections" mapstructure:"max_connections"`
	DefaultTimeout time.Duration   `yaml:"default_timeout" mapstructure:"default_timeout"`
}

type PortRangeConfig struct {
	Start int `yaml:"start" mapstructure:"start"`
	End   int `yaml:"end" mapstructure:"end"`
}

// DefaultConfig 返回内置默认配置
func DefaultConfig() *Config {
	return &Config{
		Meta: MetaConfig{
			Project:       "GoChatSessionKit",
			ConfigVersion: "1.0",
		},
		Session: SessionConfig{
			URL:               "ws://127.0.0.1:18400/ws",
			Token:             "dev-token",
			ClientVersion:     "1.0.0",
			DeviceID:          "go-chat-client",
			HandshakeTimeout:  10 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			HeartbeatTimeout:  75 * time.Second,
			EnableCompression: true,
		},
		Reconnect: ReconnectConfig{
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			Multiplier:     2.0,
			Jitter:         0.3,
			MaxRetries:     10,
		},
		Server: ServerConfig{
			BaseHost:       "127.0.0.1",
			PortRange:      PortRangeConfig{Start: 18400, End: 18499},
			PushInterval:   100 * time.Millisecond,
			MaxConnections: 1000,
			DefaultTimeout: 10 * time.Second,
		},
	}
}

var (
	globalConfig *Config
	globalViper  *viper.Viper
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// GetConfig 获取全局配置。首次调用时尝试从configs/chat.yaml加载，
// 文件不存在时使用内置默认值，之后启用热加载。
func GetConfig() *Config {
	configOnce.Do(func() {
		cfg, v, err := loadConfigFromFile()
		if err != nil {
			log.Printf("Load config failed, using defaults: %v", err)
			cfg = DefaultConfig()
		}
		globalConfig = cfg
		globalViper = v

		if v != nil {
			watchConfig()
		}
	})

	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

// loadConfigFromFile 从配置文件加载
func loadConfigFromFile() (*Config, *viper.Viper, error) {
	v := viper.New()
	v.SetConfigName("chat")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../../configs")
	v.AddConfigPath(".")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// 没有配置文件，纯默认值
			cfg := &Config{}
			if err := v.Unmarshal(cfg); err != nil {
				return nil, nil, err
			}
			return cfg, nil, nil
		}
		return nil, nil, fmt.Errorf("read config failed: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, nil, fmt.Errorf("unmarshal config failed: %w", err)
	}

	return cfg, v, nil
}

// setDefaults 向viper注入默认值
func setDefaults(v *viper.Viper) {
	def := DefaultConfig()

	v.SetDefault("meta.project", def.Meta.Project)
	v.SetDefault("meta.config_version", def.Meta.ConfigVersion)

	v.SetDefault("session.url", def.Session.URL)
	v.SetDefault("session.token", def.Session.Token)
	v.SetDefault("session.client_version", def.Session.ClientVersion)
	v.SetDefault("session.device_id", def.Session.DeviceID)
	v.SetDefault("session.handshake_timeout", def.Session.HandshakeTimeout)
	v.SetDefault("session.heartbeat_interval", def.Session.HeartbeatInterval)
	v.SetDefault("session.heartbeat_timeout", def.Session.HeartbeatTimeout)
	v.SetDefault("session.enable_compression", def.Session.EnableCompression)

	v.SetDefault("reconnect.initial_backoff", def.Reconnect.InitialBackoff)
	v.SetDefault("reconnect.max_backoff", def.Reconnect.MaxBackoff)
	v.SetDefault("reconnect.multiplier", def.Reconnect.Multiplier)
	v.SetDefault("reconnect.jitter", def.Reconnect.Jitter)
	v.SetDefault("reconnect.max_retries", def.Reconnect.MaxRetries)

	v.SetDefault("server.base_host", def.Server.BaseHost)
	v.SetDefault("server.port_range.start", def.Server.PortRange.Start)
	v.SetDefault("server.port_range.end", def.Server.PortRange.End)
	v.SetDefault("server.push_interval", def.Server.PushInterval)
	v.SetDefault("server.max_connections", def.Server.MaxConnections)
	v.SetDefault("server.default_timeout", def.Server.DefaultTimeout)
}

// watchConfig 监控配置文件变化并热加载
func watchConfig() {
	globalViper.OnConfigChange(func(e fsnotify.Event) {
		log.Printf("Config file changed: %s", e.Name)

		cfg := &Config{}
		if err := globalViper.Unmarshal(cfg); err != nil {
			log.Printf("Reload config failed: %v", err)
			return
		}

		configMu.Lock()
		globalConfig = cfg
		configMu.Unlock()
	})
	globalViper.WatchConfig()
}

// 测试端口分配，避免并行测试端口冲突
var (
	portMu    sync.Mutex
	usedPorts = make(map[int]bool)
)

// AllocateServerAddress 从配置的端口范围内分配一个可用地址
func (c *Config) AllocateServerAddress() (string, error) {
	portMu.Lock()
	defer portMu.Unlock()

	for port := c.Server.PortRange.Start; port <= c.Server.PortRange.End; port++ {
		if usedPorts[port] {
			continue
		}

		addr := fmt.Sprintf("%s:%d", c.Server.BaseHost, port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			continue // 端口被占用
		}
		ln.Close()

		usedPorts[port] = true
		return addr, nil
	}

	return "", fmt.Errorf("no free port in range %d-%d",
		c.Server.PortRange.Start, c.Server.PortRange.End)
}

// ReleaseServerAddress 释放已分配的地址
func (c *Config) ReleaseServerAddress(addr string) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return
	}

	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return
	}

	portMu.Lock()
	delete(usedPorts, port)
	portMu.Unlock()
}

// GetWebSocketURL 把服务器地址转换为WebSocket URL
func (c *Config) GetWebSocketURL(addr string) string {
	return fmt.Sprintf("ws://%s/ws", addr)
}
