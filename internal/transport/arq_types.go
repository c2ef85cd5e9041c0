// =============================================================================
// 文件: internal/transport/arq_types.go
// 描述: ARQ 可靠文件传输 - 统一类型定义 (唯一定义位置)
// =============================================================================
package transport

import (
	"fmt"
	"math"
	"time"
)

// ARQ 协议常量
const (
	// 包头大小: Kind(1) + Seq(4) + Ack(4) + SrcPort(2) + DstPort(2) + Len(2) = 15 bytes
	ARQHeaderSize  = 15
	ARQPayloadSize = 1024
	// 每个分段在线路上的固定长度
	ARQSegmentSize = ARQHeaderSize + ARQPayloadSize

	// 默认参数
	ARQDefaultWindowSize = 8
	ARQDefaultSeqSpace   = 32
	ARQDefaultTimeout    = 500 * time.Millisecond
	ARQDefaultLinger     = 3 * time.Second

	// 接收端轮询间隔 (仅用于检查 ctx 与 linger)
	ARQReceivePollInterval = 200 * time.Millisecond
)

// SegmentKind 分段类型
type SegmentKind uint8

const (
	KindData SegmentKind = iota + 1
	KindAck
	KindFileName
	KindEnd // 显式的流结束标记，不依赖载荷长度判断
)

func (k SegmentKind) String() string {
	switch k {
	case KindData:
		return "DATA"
	case KindAck:
		return "ACK"
	case KindFileName:
		return "FILE_NAME"
	case KindEnd:
		return "END"
	}
	return "UNKNOWN"
}

// Valid 是否为已定义的类型
func (k SegmentKind) Valid() bool {
	return k >= KindData && k <= KindEnd
}

// ARQConfig ARQ 会话配置
type ARQConfig struct {
	// 窗口大小 W: 同时在途的最大分段数
	WindowSize int
	// 序列号空间 SEQ_SPACE: 线路序列号取值 [0, SeqSpace)
	SeqSpace int
	// 窗口首段超时后整窗重传
	Timeout time.Duration
	// 接收端收到 END 后继续应答重复段的时长
	Linger time.Duration
	// 接收端对窗口内已接收的重复段重新应答
	DuplicateAck bool

	// 写入分段头的端口标识
	LocalPort  uint16
	RemotePort uint16
}

// DefaultARQConfig 默认配置
func DefaultARQConfig() *ARQConfig {
	return &ARQConfig{
		WindowSize:   ARQDefaultWindowSize,
		SeqSpace:     ARQDefaultSeqSpace,
		Timeout:      ARQDefaultTimeout,
		Linger:       ARQDefaultLinger,
		DuplicateAck: true,
	}
}

// Validate 校验窗口与序列号空间
//
// SeqSpace >= 2*WindowSize 保证: 窗口内的 ACK 差值落在 [0, W)，
// 过期 ACK 的差值落在 [SeqSpace-W, SeqSpace)，两者不重叠。
func (c *ARQConfig) Validate() error {
	if c.WindowSize < 1 {
		return fmt.Errorf("window_size 必须 >= 1: %d", c.WindowSize)
	}
	if c.SeqSpace < 2*c.WindowSize {
		return fmt.Errorf("seq_space (%d) 必须 >= 2*window_size (%d)", c.SeqSpace, 2*c.WindowSize)
	}
	if uint64(c.SeqSpace) > math.MaxUint32+1 {
		return fmt.Errorf("seq_space 超出 32 位序列号范围: %d", c.SeqSpace)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout 必须为正: %v", c.Timeout)
	}
	if c.Linger < 0 {
		return fmt.Errorf("linger 不能为负数: %v", c.Linger)
	}
	return nil
}

// AckObserver 发送端事件观察者 (指标埋点)
type AckObserver interface {
	// ObserveAck 只对仅发送过一次的分段调用
	ObserveAck(rtt time.Duration)
	ObserveTimeout(resent int)
}

// SenderStats 发送端统计快照
type SenderStats struct {
	Segments     int
	WindowStart  int
	Outstanding  int
	SegmentsSent uint64
	Retransmits  uint64
	Timeouts     uint64
	AcksReceived uint64
	AcksSlide    uint64
	AcksSelected uint64
	AcksStale    uint64
	DecodeErrors uint64
	BytesSent    uint64
	Done         bool
}

// ReceiverStats 接收端统计快照
type ReceiverStats struct {
	ExpectedSeq    uint32
	FileName       string
	Accepted       uint64
	Discarded      uint64
	Duplicates     uint64
	DecodeErrors   uint64
	AcksSent       uint64
	BytesDelivered uint64
	Done           bool
}

// parseLogLevel 日志级别字符串转数值
func parseLogLevel(logLevel string) int {
	switch logLevel {
	case "debug":
		return 2
	case "error":
		return 0
	}
	return 1
}
