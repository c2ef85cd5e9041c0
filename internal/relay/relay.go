// =============================================================================
// 文件: internal/relay/relay.go
// 描述: 尽力转发的 UDP 中继 - 按分段 dst_port 路由，可注入丢包/重复/乱序
// =============================================================================
package relay

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrcgq/arqfile/internal/transport"
)

const (
	defaultBufferSize = 4 * 1024 * 1024 // 4MB
	minBufferSize     = 256 * 1024      // 256KB
	readPollInterval  = time.Second
)

// Config 中继配置
type Config struct {
	Listen string // 监听地址，如 ":7000"
	Host   string // 转发目标主机，端口取分段的 dst_port

	LossRate      float64
	DuplicateRate float64
	ReorderRate   float64       // 被延迟转发的比例
	MaxDelay      time.Duration // 延迟上限
	Seed          int64         // 0 表示按时间取种子

	BufferSize int
}

// DefaultConfig 默认配置: 不注入故障
func DefaultConfig() *Config {
	return &Config{
		Listen:     ":7000",
		Host:       "127.0.0.1",
		MaxDelay:   50 * time.Millisecond,
		BufferSize: defaultBufferSize,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	for name, rate := range map[string]float64{
		"loss_rate":      c.LossRate,
		"duplicate_rate": c.DuplicateRate,
		"reorder_rate":   c.ReorderRate,
	} {
		if rate < 0 || rate > 1 {
			return fmt.Errorf("%s 需在 0-1 之间: %v", name, rate)
		}
	}
	if c.MaxDelay < 0 {
		return errors.New("max_delay 不能为负")
	}
	if c.ReorderRate > 0 && c.MaxDelay == 0 {
		return errors.New("reorder_rate 需要 max_delay > 0")
	}
	return nil
}

// Stats 中继统计
type Stats struct {
	PacketsRecv       uint64
	PacketsForwarded  uint64
	PacketsDropped    uint64 // 按丢包率丢弃
	PacketsDuplicated uint64
	PacketsDelayed    uint64
	Malformed         uint64
	SendErrors        uint64
	BytesRecv         uint64
	BytesSent         uint64
}

// Relay UDP 中继
type Relay struct {
	config   *Config
	logLevel int

	conn   *net.UDPConn
	host   net.IP
	stopCh chan struct{}
	wg     sync.WaitGroup
	timers sync.WaitGroup

	rngMu sync.Mutex
	rng   *rand.Rand

	running int32

	// 统计信息
	packetsRecv       uint64
	packetsForwarded  uint64
	packetsDropped    uint64
	packetsDuplicated uint64
	packetsDelayed    uint64
	malformed         uint64
	sendErrors        uint64
	bytesRecv         uint64
	bytesSent         uint64
}

// New 创建中继
func New(config *Config, logLevel string) (*Relay, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	level := 1
	switch logLevel {
	case "debug":
		level = 2
	case "error":
		level = 0
	}

	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Relay{
		config:   config,
		logLevel: level,
		stopCh:   make(chan struct{}),
		rng:      rand.New(rand.NewSource(seed)),
	}, nil
}

// Start 绑定端口并启动读取循环
func (r *Relay) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", r.config.Listen)
	if err != nil {
		return fmt.Errorf("解析地址: %w", err)
	}
	target, err := net.ResolveUDPAddr("udp", net.JoinHostPort(r.config.Host, "0"))
	if err != nil {
		return fmt.Errorf("解析转发主机: %w", err)
	}
	r.host = target.IP

	r.conn, err = net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("监听失败: %w", err)
	}
	r.setupBuffers()

	atomic.StoreInt32(&r.running, 1)

	r.wg.Add(1)
	go r.readLoop(ctx)

	r.log(1, "中继已启动: %s -> %s:<dst_port> (loss=%.2f dup=%.2f reorder=%.2f delay<=%v)",
		r.conn.LocalAddr(), r.host, r.config.LossRate, r.config.DuplicateRate,
		r.config.ReorderRate, r.config.MaxDelay)
	return nil
}

// Serve 启动并阻塞到 ctx 结束
func (r *Relay) Serve(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	r.Stop()
	return nil
}

// setupBuffers 设置系统缓冲区，失败时逐级降级
func (r *Relay) setupBuffers() {
	size := r.config.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}

	for s := size; s >= minBufferSize; s /= 2 {
		if err := r.conn.SetReadBuffer(s); err == nil {
			if s != size {
				r.log(1, "读缓冲区降级设置为: %d bytes", s)
			}
			break
		}
	}
	for s := size; s >= minBufferSize; s /= 2 {
		if err := r.conn.SetWriteBuffer(s); err == nil {
			if s != size {
				r.log(1, "写缓冲区降级设置为: %d bytes", s)
			}
			break
		}
	}
}

// readLoop 读取循环
func (r *Relay) readLoop(ctx context.Context) {
	defer r.wg.Done()

	buf := make([]byte, 65535)

	for atomic.LoadInt32(&r.running) == 1 {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		default:
		}

		_ = r.conn.SetReadDeadline(time.Now().Add(readPollInterval))
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-r.stopCh:
				return
			default:
				continue
			}
		}

		if n == 0 {
			continue
		}

		atomic.AddUint64(&r.packetsRecv, 1)
		atomic.AddUint64(&r.bytesRecv, uint64(n))

		data := make([]byte, n)
		copy(data, buf[:n])
		r.Handle(data)
	}
}

// Handle 路由一个数据报
func (r *Relay) Handle(data []byte) {
	port, err := transport.PeekDstPort(data)
	if err != nil || port == 0 {
		atomic.AddUint64(&r.malformed, 1)
		r.log(2, "丢弃无法路由的数据报 (%d bytes)", len(data))
		return
	}
	dst := &net.UDPAddr{IP: r.host, Port: int(port)}

	delays := r.decide()
	if len(delays) == 0 {
		atomic.AddUint64(&r.packetsDropped, 1)
		r.log(2, "注入丢包 -> %s", dst)
		return
	}
	if len(delays) > 1 {
		atomic.AddUint64(&r.packetsDuplicated, 1)
	}

	for _, delay := range delays {
		if delay == 0 {
			r.forward(data, dst)
			continue
		}

		atomic.AddUint64(&r.packetsDelayed, 1)
		r.timers.Add(1)
		time.AfterFunc(delay, func() {
			defer r.timers.Done()
			if atomic.LoadInt32(&r.running) == 1 {
				r.forward(data, dst)
			}
		})
	}
}

// decide 决定每个副本的延迟，空表示丢弃
func (r *Relay) decide() []time.Duration {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()

	if r.rng.Float64() < r.config.LossRate {
		return nil
	}

	copies := 1
	if r.rng.Float64() < r.config.DuplicateRate {
		copies = 2
	}

	delays := make([]time.Duration, copies)
	for i := range delays {
		if r.rng.Float64() < r.config.ReorderRate {
			delays[i] = time.Duration(r.rng.Int63n(int64(r.config.MaxDelay))) + 1
		}
	}
	return delays
}

func (r *Relay) forward(data []byte, dst *net.UDPAddr) {
	n, err := r.conn.WriteToUDP(data, dst)
	if err != nil {
		atomic.AddUint64(&r.sendErrors, 1)
		r.log(2, "转发到 %s 失败: %v", dst, err)
		return
	}
	atomic.AddUint64(&r.packetsForwarded, 1)
	atomic.AddUint64(&r.bytesSent, uint64(n))
}

// Addr 实际监听地址
func (r *Relay) Addr() *net.UDPAddr {
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// IsRunning 是否运行中
func (r *Relay) IsRunning() bool {
	return atomic.LoadInt32(&r.running) == 1
}

// GetStats 获取统计
func (r *Relay) GetStats() Stats {
	return Stats{
		PacketsRecv:       atomic.LoadUint64(&r.packetsRecv),
		PacketsForwarded:  atomic.LoadUint64(&r.packetsForwarded),
		PacketsDropped:    atomic.LoadUint64(&r.packetsDropped),
		PacketsDuplicated: atomic.LoadUint64(&r.packetsDuplicated),
		PacketsDelayed:    atomic.LoadUint64(&r.packetsDelayed),
		Malformed:         atomic.LoadUint64(&r.malformed),
		SendErrors:        atomic.LoadUint64(&r.sendErrors),
		BytesRecv:         atomic.LoadUint64(&r.bytesRecv),
		BytesSent:         atomic.LoadUint64(&r.bytesSent),
	}
}

// =============================================================================
// 停止方法
// =============================================================================

// Stop 停止中继，等待已排期的延迟转发退出
func (r *Relay) Stop() {
	if !atomic.CompareAndSwapInt32(&r.running, 1, 0) {
		return
	}

	close(r.stopCh)
	if r.conn != nil {
		r.conn.Close()
	}
	r.wg.Wait()
	r.timers.Wait()

	stats := r.GetStats()
	r.log(1, "中继已停止: 收到 %d, 转发 %d, 丢弃 %d, 重复 %d, 延迟 %d",
		stats.PacketsRecv, stats.PacketsForwarded, stats.PacketsDropped,
		stats.PacketsDuplicated, stats.PacketsDelayed)
}

// =============================================================================
// 日志方法
// =============================================================================

func (r *Relay) log(level int, format string, args ...interface{}) {
	if level > r.logLevel {
		return
	}
	prefix := map[int]string{0: "[ERROR]", 1: "[INFO]", 2: "[DEBUG]"}[level]
	fmt.Printf("%s %s [RELAY] %s\n", prefix, time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}
