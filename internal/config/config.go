// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - ARQ 参数、收发端口、中继故障注入与监控配置，含序列号空间与端口冲突校验
// =============================================================================
package config

import (
	"fmt"
	"math"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mrcgq/arqfile/internal/transport"
)

// Config 主配置
type Config struct {
	LogLevel string `yaml:"log_level"`

	ARQ      ARQConfig      `yaml:"arq"`
	Sender   SenderConfig   `yaml:"sender"`
	Receiver ReceiverConfig `yaml:"receiver"`
	Relay    RelayConfig    `yaml:"relay"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ARQConfig 滑动窗口协议参数 (收发两端必须一致)
type ARQConfig struct {
	WindowSize   int  `yaml:"window_size"`
	SeqSpace     int  `yaml:"seq_space"`
	TimeoutMs    int  `yaml:"timeout_ms"`
	LingerMs     int  `yaml:"linger_ms"`
	PayloadSize  int  `yaml:"payload_size"`
	DuplicateAck bool `yaml:"duplicate_ack"`
}

// SenderConfig 发送端配置
type SenderConfig struct {
	Port         int    `yaml:"port"`
	ReceiverPort int    `yaml:"receiver_port"`
	RelayHost    string `yaml:"relay_host"`
	RelayPort    int    `yaml:"relay_port"` // 0 表示直连接收端
	Source       string `yaml:"source"`
	RemoteName   string `yaml:"remote_name"` // 空则使用源文件名
}

// ReceiverConfig 接收端配置
type ReceiverConfig struct {
	Port       int    `yaml:"port"`
	SenderPort int    `yaml:"sender_port"`
	RelayHost  string `yaml:"relay_host"`
	RelayPort  int    `yaml:"relay_port"` // 0 表示直连发送端
	OutputDir  string `yaml:"output_dir"`
	OutputName string `yaml:"output_name"` // 非空时忽略 FILE_NAME 中的名字
}

// RelayConfig 中继配置
type RelayConfig struct {
	Port          int     `yaml:"port"`
	Host          string  `yaml:"host"` // 转发目标主机，端口取分段的 dst_port
	LossRate      float64 `yaml:"loss_rate"`
	DuplicateRate float64 `yaml:"duplicate_rate"`
	ReorderRate   float64 `yaml:"reorder_rate"`
	MaxDelayMs    int     `yaml:"max_delay_ms"`
	Seed          int64   `yaml:"seed"` // 0 表示按时间取种子
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Listen      string `yaml:"listen"`
	Path        string `yaml:"path"`
	HealthPath  string `yaml:"health_path"`
	EnablePprof bool   `yaml:"enable_pprof"`
}

// Load 加载配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.syncRelatedConfig()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",

		ARQ: ARQConfig{
			WindowSize:   transport.ARQDefaultWindowSize,
			SeqSpace:     transport.ARQDefaultSeqSpace,
			TimeoutMs:    int(transport.ARQDefaultTimeout / time.Millisecond),
			LingerMs:     int(transport.ARQDefaultLinger / time.Millisecond),
			PayloadSize:  transport.ARQPayloadSize,
			DuplicateAck: true,
		},

		Sender: SenderConfig{
			Port:         5000,
			ReceiverPort: 6000,
			RelayHost:    "127.0.0.1",
			RelayPort:    7000,
		},

		Receiver: ReceiverConfig{
			Port:       6000,
			SenderPort: 5000,
			RelayHost:  "127.0.0.1",
			RelayPort:  7000,
			OutputDir:  ".",
		},

		Relay: RelayConfig{
			Port:       7000,
			Host:       "127.0.0.1",
			MaxDelayMs: 50,
		},

		Metrics: MetricsConfig{
			Enabled:     false,
			Listen:      ":9100",
			Path:        "/metrics",
			HealthPath:  "/health",
			EnablePprof: false,
		},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log_level 无效: %q", c.LogLevel)
	}

	if err := c.validateARQConfig(); err != nil {
		return fmt.Errorf("arq 配置错误: %w", err)
	}

	ports := map[string]int{
		"sender.port":          c.Sender.Port,
		"sender.receiver_port": c.Sender.ReceiverPort,
		"sender.relay_port":    c.Sender.RelayPort,
		"receiver.port":        c.Receiver.Port,
		"receiver.sender_port": c.Receiver.SenderPort,
		"receiver.relay_port":  c.Receiver.RelayPort,
		"relay.port":           c.Relay.Port,
	}
	for name, port := range ports {
		// relay_port 为 0 表示不经过中继
		if port == 0 && strings.HasSuffix(name, "relay_port") {
			continue
		}
		if port < 1 || port > 65535 {
			return fmt.Errorf("%s 需在 1-65535 之间: %d", name, port)
		}
	}

	if c.Sender.Port == c.Sender.ReceiverPort {
		return fmt.Errorf("sender.port (%d) 与 sender.receiver_port 冲突", c.Sender.Port)
	}
	if c.Receiver.Port == c.Receiver.SenderPort {
		return fmt.Errorf("receiver.port (%d) 与 receiver.sender_port 冲突", c.Receiver.Port)
	}

	if err := c.validateRelayConfig(); err != nil {
		return fmt.Errorf("relay 配置错误: %w", err)
	}

	if c.Metrics.Enabled {
		if _, err := parsePort(c.Metrics.Listen); err != nil {
			return fmt.Errorf("metrics.listen 端口格式错误: %w", err)
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("metrics.path 必须以 / 开头")
		}
		if !strings.HasPrefix(c.Metrics.HealthPath, "/") {
			return fmt.Errorf("metrics.health_path 必须以 / 开头")
		}
	}

	return nil
}

// validateARQConfig 验证协议参数
func (c *Config) validateARQConfig() error {
	a := c.ARQ
	if a.WindowSize < 1 || a.WindowSize > 65536 {
		return fmt.Errorf("window_size 需在 1-65536 之间")
	}
	// 确认号映射要求至少两倍窗口的序列号空间
	if a.SeqSpace < 2*a.WindowSize {
		return fmt.Errorf("seq_space (%d) 必须不小于 2*window_size (%d)", a.SeqSpace, 2*a.WindowSize)
	}
	if uint64(a.SeqSpace) > math.MaxUint32+1 {
		return fmt.Errorf("seq_space 不能超过 2^32")
	}
	if a.TimeoutMs < 1 || a.TimeoutMs > 60000 {
		return fmt.Errorf("timeout_ms 需在 1-60000 之间")
	}
	if a.LingerMs < 0 {
		return fmt.Errorf("linger_ms 不能为负")
	}
	if a.PayloadSize < 1 || a.PayloadSize > transport.ARQPayloadSize {
		return fmt.Errorf("payload_size 需在 1-%d 之间", transport.ARQPayloadSize)
	}
	return nil
}

// validateRelayConfig 验证中继配置
func (c *Config) validateRelayConfig() error {
	r := c.Relay
	rates := map[string]float64{
		"loss_rate":      r.LossRate,
		"duplicate_rate": r.DuplicateRate,
		"reorder_rate":   r.ReorderRate,
	}
	for name, rate := range rates {
		if rate < 0 || rate > 1 {
			return fmt.Errorf("%s 需在 0-1 之间: %v", name, rate)
		}
	}
	if r.LossRate == 1 {
		return fmt.Errorf("loss_rate 为 1 时无法传输")
	}
	if r.MaxDelayMs < 0 {
		return fmt.Errorf("max_delay_ms 不能为负")
	}
	if r.ReorderRate > 0 && r.MaxDelayMs == 0 {
		return fmt.Errorf("reorder_rate 需要 max_delay_ms > 0")
	}
	return nil
}

// syncRelatedConfig 同步关联配置
func (c *Config) syncRelatedConfig() {
	if c.Sender.RelayHost == "" {
		c.Sender.RelayHost = "127.0.0.1"
	}
	if c.Receiver.RelayHost == "" {
		c.Receiver.RelayHost = "127.0.0.1"
	}
	if c.Relay.Host == "" {
		c.Relay.Host = "127.0.0.1"
	}
	if c.Receiver.OutputDir == "" {
		c.Receiver.OutputDir = "."
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.HealthPath == "" {
		c.Metrics.HealthPath = "/health"
	}
}

// ToARQConfig 转换为传输层配置，端口由调用方按角色填写
func (c *Config) ToARQConfig(localPort, remotePort int) *transport.ARQConfig {
	return &transport.ARQConfig{
		WindowSize:   c.ARQ.WindowSize,
		SeqSpace:     c.ARQ.SeqSpace,
		Timeout:      time.Duration(c.ARQ.TimeoutMs) * time.Millisecond,
		Linger:       time.Duration(c.ARQ.LingerMs) * time.Millisecond,
		DuplicateAck: c.ARQ.DuplicateAck,
		LocalPort:    uint16(localPort),
		RemotePort:   uint16(remotePort),
	}
}

// SenderPeer 发送端的下一跳地址 (中继或接收端)
func (c *Config) SenderPeer() string {
	if c.Sender.RelayPort == 0 {
		return net.JoinHostPort(c.Sender.RelayHost, strconv.Itoa(c.Sender.ReceiverPort))
	}
	return net.JoinHostPort(c.Sender.RelayHost, strconv.Itoa(c.Sender.RelayPort))
}

// ReceiverPeer 接收端的下一跳地址 (中继或发送端)
func (c *Config) ReceiverPeer() string {
	if c.Receiver.RelayPort == 0 {
		return net.JoinHostPort(c.Receiver.RelayHost, strconv.Itoa(c.Receiver.SenderPort))
	}
	return net.JoinHostPort(c.Receiver.RelayHost, strconv.Itoa(c.Receiver.RelayPort))
}

// parsePort 解析端口号
func parsePort(addr string) (int, error) {
	if strings.HasPrefix(addr, ":") {
		return strconv.Atoi(addr[1:])
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return strconv.Atoi(addr)
	}
	return strconv.Atoi(portStr)
}

// =============================================================================
// 配置文件示例生成
// =============================================================================

// GenerateExampleConfig 生成示例配置
func GenerateExampleConfig() string {
	return `# ARQ 文件传输配置文件示例
# =============================================================================

log_level: "info"                   # 日志级别: debug, info, warn, error

# 滑动窗口协议 (收发两端必须一致)
arq:
  window_size: 8                    # 窗口大小 W
  seq_space: 32                     # 序列号空间，必须 >= 2*W
  timeout_ms: 500                   # 窗口首段超时 (毫秒)
  linger_ms: 3000                   # 接收端收到 END 后继续应答的时间
  payload_size: 1024                # 单段载荷大小
  duplicate_ack: true               # 对重复段重新应答

# 发送端
sender:
  port: 5000                        # 本地端口
  receiver_port: 6000               # 接收端端口 (写入分段 dst_port)
  relay_host: "127.0.0.1"
  relay_port: 7000                  # 中继端口，0 表示直连
  source: "./file.bin"
  remote_name: ""                   # 空则使用源文件名

# 接收端
receiver:
  port: 6000
  sender_port: 5000
  relay_host: "127.0.0.1"
  relay_port: 7000
  output_dir: "."
  output_name: ""                   # 非空时覆盖 FILE_NAME

# 中继 (尽力转发，可注入故障)
relay:
  port: 7000
  host: "127.0.0.1"                 # 转发目标主机，端口取分段 dst_port
  loss_rate: 0.0
  duplicate_rate: 0.0
  reorder_rate: 0.0
  max_delay_ms: 50
  seed: 0                           # 0 表示按时间取种子

# Prometheus 监控
metrics:
  enabled: false
  listen: ":9100"
  path: "/metrics"
  health_path: "/health"
  enable_pprof: false
`
}

// WriteExampleConfig 写入示例配置文件
func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(GenerateExampleConfig()), 0644)
}
