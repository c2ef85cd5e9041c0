// =============================================================================
// 文件: internal/transport/arq_sender.go
// 描述: ARQ 可靠文件传输 - 发送端滑动窗口
// =============================================================================
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// ARQSender 发送端窗口引擎 (单线程使用)
//
// 分段按发送顺序编号 i = 0..N-1，线路序列号为 i mod SeqSpace。
// windowStart 为最小未确认下标，[windowStart, nextSend) 为已发送区间，
// nextSend - windowStart 不超过 WindowSize。
type ARQSender struct {
	config   *ARQConfig
	channel  Channel
	logLevel int

	segments    []*Segment
	acked       []bool
	sends       []int
	windowStart int
	nextSend    int
	started     bool

	now      func() time.Time
	observer AckObserver

	// 统计 (原子访问，指标采集可并发读取)
	statWindowStart int64
	statOutstanding int64
	statDone        int32
	segmentsSent    uint64
	retransmits     uint64
	timeouts        uint64
	acksReceived    uint64
	acksSlide       uint64
	acksSelected    uint64
	acksStale       uint64
	decodeErrors    uint64
	bytesSent       uint64
	startTime       time.Time
}

// NewARQSender 创建发送端
func NewARQSender(ch Channel, segments []*Segment, config *ARQConfig, logLevel string) (*ARQSender, error) {
	if config == nil {
		config = DefaultARQConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, errors.New("没有待发送的分段")
	}

	return &ARQSender{
		config:   config,
		channel:  ch,
		logLevel: parseLogLevel(logLevel),
		segments: segments,
		acked:    make([]bool, len(segments)),
		sends:    make([]int, len(segments)),
		now:      time.Now,
	}, nil
}

// Run 发送全部分段直到全部确认
func (s *ARQSender) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	for !s.Done() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		fired, err := s.CheckTimeout(s.now())
		if err != nil {
			return err
		}
		if fired {
			continue
		}

		// 等待数据或窗口首段超时，二者先到者
		deadline := s.segments[s.windowStart].SentAt.Add(s.config.Timeout)
		data, ok, err := s.channel.Receive(deadline)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		if err := s.HandleDatagram(data); err != nil {
			return err
		}
	}

	s.log(1, "传输完成: %d 个分段, 重传 %d 次, 耗时 %v",
		len(s.segments), atomic.LoadUint64(&s.retransmits), s.now().Sub(s.startTime))
	return nil
}

// Start 发送第一个窗口
func (s *ARQSender) Start() error {
	if s.started {
		return nil
	}
	s.started = true
	s.startTime = s.now()

	s.log(1, "开始发送: %d 个分段, window=%d, seq_space=%d, timeout=%v",
		len(s.segments), s.config.WindowSize, s.config.SeqSpace, s.config.Timeout)

	return s.fillWindow(s.startTime)
}

// CheckTimeout 窗口首段超时则重传窗口内所有未确认分段
func (s *ARQSender) CheckTimeout(now time.Time) (bool, error) {
	if s.Done() {
		return false, nil
	}

	head := s.segments[s.windowStart]
	if now.Sub(head.SentAt) <= s.config.Timeout {
		return false, nil
	}

	atomic.AddUint64(&s.timeouts, 1)
	s.log(2, "分段 %d (seq=%d) 超时，重传窗口", s.windowStart, head.Seq)

	count := 0
	for i := s.windowStart; i < s.nextSend; i++ {
		if s.acked[i] {
			continue
		}
		if err := s.sendSegment(i, now); err != nil {
			return true, err
		}
		count++
	}
	atomic.AddUint64(&s.retransmits, uint64(count))
	if s.observer != nil {
		s.observer.ObserveTimeout(count)
	}

	return true, nil
}

// HandleDatagram 处理一个入站数据报
//
// 解码失败、非 ACK、过期 ACK 都被忽略；只有通道发送失败会返回错误。
func (s *ARQSender) HandleDatagram(data []byte) error {
	seg, err := DecodeSegment(data)
	if err != nil {
		atomic.AddUint64(&s.decodeErrors, 1)
		s.log(2, "丢弃无法解码的数据报: %v", err)
		return nil
	}
	if seg.Kind != KindAck {
		s.log(2, "忽略非 ACK 分段: %s", seg.Kind)
		return nil
	}
	return s.HandleAck(seg.Ack)
}

// HandleAck 处理确认号
func (s *ARQSender) HandleAck(ack uint32) error {
	atomic.AddUint64(&s.acksReceived, 1)

	if s.Done() || uint64(ack) >= uint64(s.config.SeqSpace) {
		atomic.AddUint64(&s.acksStale, 1)
		return nil
	}

	idx, ok := s.resolveAck(ack)
	if !ok || s.acked[idx] {
		atomic.AddUint64(&s.acksStale, 1)
		s.log(2, "忽略过期 ACK %d (window=%d)", ack, s.windowStart)
		return nil
	}

	s.acked[idx] = true
	s.updateOutstanding()

	// 只统计未重传过的分段，重传段无法区分应答对应哪一次发送
	if s.observer != nil && s.sends[idx] == 1 {
		s.observer.ObserveAck(s.now().Sub(s.segments[idx].SentAt))
	}

	if idx != s.windowStart {
		// 选择性确认: 只记录，不滑动
		atomic.AddUint64(&s.acksSelected, 1)
		s.log(2, "选择性确认: 分段 %d (window=%d)", idx, s.windowStart)
		return nil
	}

	atomic.AddUint64(&s.acksSlide, 1)

	prev := s.windowStart
	for s.windowStart < len(s.segments) && s.acked[s.windowStart] {
		s.windowStart++
	}
	atomic.StoreInt64(&s.statWindowStart, int64(s.windowStart))
	s.log(2, "窗口滑动: %d -> %d", prev, s.windowStart)

	if s.Done() {
		atomic.StoreInt32(&s.statDone, 1)
		return nil
	}
	return s.fillWindow(s.now())
}

// resolveAck 将确认号映射为分段下标
func (s *ARQSender) resolveAck(ack uint32) (int, bool) {
	delta := ackDelta(ack, s.seqOf(s.windowStart), s.config.WindowSize, s.config.SeqSpace)
	idx := s.windowStart + delta
	if delta < 0 || idx >= s.nextSend {
		return idx, false
	}
	return idx, true
}

// ackDelta 计算 ack 相对窗口首段序列号的差值
//
// 先取模得到 [0, seqSpace)，再按配置的窗口大小归约到 [window-seqSpace, window):
// 非负值表示窗口内的分段，负值表示窗口之前已确认的分段。
func ackDelta(ack, base uint32, window, seqSpace int) int {
	space := int64(seqSpace)
	delta := (int64(ack) - int64(base)) % space
	if delta < 0 {
		delta += space
	}
	if delta >= int64(window) {
		delta -= space
	}
	return int(delta)
}

// fillWindow 补发新分段直到窗口填满
func (s *ARQSender) fillWindow(now time.Time) error {
	limit := s.windowStart + s.config.WindowSize
	if limit > len(s.segments) {
		limit = len(s.segments)
	}
	for s.nextSend < limit {
		if err := s.sendSegment(s.nextSend, now); err != nil {
			return err
		}
		s.nextSend++
	}
	s.updateOutstanding()
	return nil
}

// sendSegment 发送下标为 i 的分段并记录发送时间
func (s *ARQSender) sendSegment(i int, now time.Time) error {
	seg := s.segments[i]
	seg.Seq = s.seqOf(i)
	seg.SrcPort = s.config.LocalPort
	seg.DstPort = s.config.RemotePort

	if err := s.channel.Send(seg.Encode()); err != nil {
		return fmt.Errorf("发送分段 %d 失败: %w", i, err)
	}
	seg.SentAt = now
	s.sends[i]++

	atomic.AddUint64(&s.segmentsSent, 1)
	atomic.AddUint64(&s.bytesSent, uint64(len(seg.Payload)))
	s.log(2, "发送分段 %d (seq=%d, %s, %d bytes)", i, seg.Seq, seg.Kind, len(seg.Payload))
	return nil
}

func (s *ARQSender) seqOf(i int) uint32 {
	return uint32(i % s.config.SeqSpace)
}

func (s *ARQSender) updateOutstanding() {
	atomic.StoreInt64(&s.statOutstanding, int64(s.Outstanding()))
}

// SetObserver 设置确认时延观察者，需在 Run 之前调用
func (s *ARQSender) SetObserver(o AckObserver) {
	s.observer = o
}

// Done 是否全部确认
func (s *ARQSender) Done() bool {
	return s.windowStart == len(s.segments)
}

// WindowStart 最小未确认下标
func (s *ARQSender) WindowStart() int {
	return s.windowStart
}

// Outstanding 已发送未确认的分段数
func (s *ARQSender) Outstanding() int {
	count := 0
	for i := s.windowStart; i < s.nextSend; i++ {
		if !s.acked[i] {
			count++
		}
	}
	return count
}

// Segments 分段总数
func (s *ARQSender) Segments() int {
	return len(s.segments)
}

// GetStats 获取统计 (可并发调用)
func (s *ARQSender) GetStats() SenderStats {
	return SenderStats{
		Segments:     len(s.segments),
		WindowStart:  int(atomic.LoadInt64(&s.statWindowStart)),
		Outstanding:  int(atomic.LoadInt64(&s.statOutstanding)),
		SegmentsSent: atomic.LoadUint64(&s.segmentsSent),
		Retransmits:  atomic.LoadUint64(&s.retransmits),
		Timeouts:     atomic.LoadUint64(&s.timeouts),
		AcksReceived: atomic.LoadUint64(&s.acksReceived),
		AcksSlide:    atomic.LoadUint64(&s.acksSlide),
		AcksSelected: atomic.LoadUint64(&s.acksSelected),
		AcksStale:    atomic.LoadUint64(&s.acksStale),
		DecodeErrors: atomic.LoadUint64(&s.decodeErrors),
		BytesSent:    atomic.LoadUint64(&s.bytesSent),
		Done:         atomic.LoadInt32(&s.statDone) == 1,
	}
}

// =============================================================================
// 日志方法
// =============================================================================

func (s *ARQSender) log(level int, format string, args ...interface{}) {
	if level > s.logLevel {
		return
	}
	prefix := map[int]string{0: "[ERROR]", 1: "[INFO]", 2: "[DEBUG]"}[level]
	fmt.Printf("%s %s [ARQ-TX] %s\n", prefix, time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}
