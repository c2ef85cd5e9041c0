// =============================================================================
// 文件: internal/transport/arq_test.go
// 描述: ARQ 可靠文件传输测试
// =============================================================================
package transport

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/mrcgq/arqfile/internal/filestore"
)

// =============================================================================
// 测试辅助
// =============================================================================

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// recordChannel 记录发送的数据报，接收从 inbox 取
type recordChannel struct {
	sent  [][]byte
	inbox [][]byte
}

func (c *recordChannel) Send(data []byte) error {
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *recordChannel) Receive(deadline time.Time) ([]byte, bool, error) {
	if len(c.inbox) == 0 {
		return nil, false, nil
	}
	data := c.inbox[0]
	c.inbox = c.inbox[1:]
	return data, true, nil
}

func (c *recordChannel) take() [][]byte {
	sent := c.sent
	c.sent = nil
	return sent
}

// loopback 把发送端直接接到接收端，按种子注入丢包/重复/乱序
//
// 数据段最多被扣留到下一次 Send 之后再投递 (有界乱序)；ACK 只丢失或紧邻重复。
// 通道空闲时把假时钟推进到 deadline 之后，整个传输是确定性的。
type loopback struct {
	rx    *ARQReceiver
	clock *fakeClock
	rng   *rand.Rand

	dataLoss float64
	ackLoss  float64
	dupRate  float64
	holdRate float64

	held  [][]byte
	inbox [][]byte
}

func (l *loopback) Send(data []byte) error {
	late := l.held
	l.held = nil

	copies := 1
	if l.rng.Float64() < l.dataLoss {
		copies = 0
	} else if l.rng.Float64() < l.dupRate {
		copies = 2
	}

	for i := 0; i < copies; i++ {
		frame := append([]byte(nil), data...)
		if l.rng.Float64() < l.holdRate {
			l.held = append(l.held, frame)
			continue
		}
		if err := l.deliver(frame); err != nil {
			return err
		}
	}

	// 上一轮扣留的分段晚于本轮到达
	for _, frame := range late {
		if err := l.deliver(frame); err != nil {
			return err
		}
	}
	return nil
}

func (l *loopback) deliver(frame []byte) error {
	ack, _, err := l.rx.Process(frame)
	if err != nil {
		return err
	}
	if ack == nil || l.rng.Float64() < l.ackLoss {
		return nil
	}
	l.inbox = append(l.inbox, ack)
	if l.rng.Float64() < l.dupRate {
		l.inbox = append(l.inbox, ack)
	}
	return nil
}

func (l *loopback) Receive(deadline time.Time) ([]byte, bool, error) {
	if len(l.inbox) == 0 && len(l.held) > 0 {
		held := l.held
		l.held = nil
		for _, frame := range held {
			if err := l.deliver(frame); err != nil {
				return nil, false, err
			}
		}
	}
	if len(l.inbox) == 0 {
		if deadline.After(l.clock.Now()) {
			l.clock.t = deadline
		}
		l.clock.Advance(time.Millisecond)
		return nil, false, nil
	}
	data := l.inbox[0]
	l.inbox = l.inbox[1:]
	return data, true, nil
}

func testConfig(window, seqSpace int) *ARQConfig {
	cfg := DefaultARQConfig()
	cfg.WindowSize = window
	cfg.SeqSpace = seqSpace
	cfg.Timeout = 100 * time.Millisecond
	cfg.Linger = 0
	cfg.LocalPort = 5000
	cfg.RemotePort = 6000
	return cfg
}

func randomBytes(seed int64, n int) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(data)
	return data
}

func mustSlice(t *testing.T, name string, data []byte) []*Segment {
	t.Helper()
	segs, err := Slice(name, bytes.NewReader(data), ARQPayloadSize)
	if err != nil {
		t.Fatalf("切片失败: %v", err)
	}
	return segs
}

func mustDecode(t *testing.T, data []byte) *Segment {
	t.Helper()
	seg, err := DecodeSegment(data)
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	return seg
}

// runLoopback 在 loopback 上完成一次传输，返回接收端输出
func runLoopback(t *testing.T, data []byte, cfg *ARQConfig, l *loopback) (*ARQSender, *filestore.MemorySink) {
	t.Helper()

	sink := filestore.NewMemorySink()
	rx, err := NewARQReceiver(sink, cfg, "error")
	if err != nil {
		t.Fatalf("创建接收端失败: %v", err)
	}
	l.rx = rx
	l.clock = newFakeClock()

	tx, err := NewARQSender(l, mustSlice(t, "data.bin", data), cfg, "error")
	if err != nil {
		t.Fatalf("创建发送端失败: %v", err)
	}
	tx.now = l.clock.Now

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := tx.Run(ctx); err != nil {
		t.Fatalf("传输失败: %v", err)
	}
	if !rx.Done() {
		t.Error("接收端应已收到 END")
	}
	return tx, sink
}

// =============================================================================
// 编解码
// =============================================================================

func TestSegmentEncodeDecode(t *testing.T) {
	tests := []struct {
		name string
		seg  Segment
	}{
		{"数据段", Segment{Kind: KindData, Seq: 7, SrcPort: 5000, DstPort: 6000, Payload: []byte("Hello, ARQ!")}},
		{"ACK", Segment{Kind: KindAck, Ack: 31, SrcPort: 6000, DstPort: 5000}},
		{"文件名", Segment{Kind: KindFileName, Seq: 0, Payload: []byte("report.pdf")}},
		{"结束标记", Segment{Kind: KindEnd, Seq: 12}},
		{"空数据段", Segment{Kind: KindData, Seq: 3, Payload: []byte{}}},
		{"二进制载荷", Segment{Kind: KindData, Seq: 1, Payload: []byte{0, 0, 0xff, 0, 0x80, 0}}},
		{"满载荷", Segment{Kind: KindData, Seq: 0xFFFFFFFF, Ack: 0xFFFFFFFF, SrcPort: 0xFFFF, DstPort: 0xFFFF,
			Payload: randomBytes(1, ARQPayloadSize)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.seg.SentAt = time.Now()
			encoded := tt.seg.Encode()
			if len(encoded) != ARQSegmentSize {
				t.Fatalf("编码长度 = %d, want %d", len(encoded), ARQSegmentSize)
			}

			decoded := mustDecode(t, encoded)
			if decoded.Kind != tt.seg.Kind {
				t.Errorf("Kind 不匹配: got %s, want %s", decoded.Kind, tt.seg.Kind)
			}
			if decoded.Seq != tt.seg.Seq {
				t.Errorf("Seq 不匹配: got %d, want %d", decoded.Seq, tt.seg.Seq)
			}
			if decoded.Ack != tt.seg.Ack {
				t.Errorf("Ack 不匹配: got %d, want %d", decoded.Ack, tt.seg.Ack)
			}
			if decoded.SrcPort != tt.seg.SrcPort || decoded.DstPort != tt.seg.DstPort {
				t.Errorf("端口不匹配: got %d->%d, want %d->%d",
					decoded.SrcPort, decoded.DstPort, tt.seg.SrcPort, tt.seg.DstPort)
			}
			if !bytes.Equal(decoded.Payload, tt.seg.Payload) {
				t.Errorf("Payload 不匹配: got %d bytes, want %d bytes", len(decoded.Payload), len(tt.seg.Payload))
			}
			if !decoded.SentAt.IsZero() {
				t.Error("SentAt 不应被编码")
			}
		})
	}
}

func TestSegmentDecodeErrors(t *testing.T) {
	valid := NewSegment(KindData, []byte("0123456789")).Encode()

	t.Run("短于包头", func(t *testing.T) {
		_, err := DecodeSegment(valid[:ARQHeaderSize-1])
		if !errors.Is(err, ErrSegmentTooShort) {
			t.Errorf("应返回 ErrSegmentTooShort: got %v", err)
		}
	})

	t.Run("载荷被截断", func(t *testing.T) {
		_, err := DecodeSegment(valid[:ARQHeaderSize+5])
		if !errors.Is(err, ErrSegmentTruncated) {
			t.Errorf("应返回 ErrSegmentTruncated: got %v", err)
		}
	})

	t.Run("只含有效部分", func(t *testing.T) {
		seg, err := DecodeSegment(valid[:ARQHeaderSize+10])
		if err != nil {
			t.Fatalf("不应失败: %v", err)
		}
		if string(seg.Payload) != "0123456789" {
			t.Errorf("Payload = %q", seg.Payload)
		}
	})

	t.Run("未知类型", func(t *testing.T) {
		bad := append([]byte(nil), valid...)
		bad[0] = 0
		if _, err := DecodeSegment(bad); !errors.Is(err, ErrSegmentKind) {
			t.Errorf("应返回 ErrSegmentKind: got %v", err)
		}
		bad[0] = 99
		if _, err := DecodeSegment(bad); !errors.Is(err, ErrSegmentKind) {
			t.Errorf("应返回 ErrSegmentKind: got %v", err)
		}
	})

	t.Run("长度超限", func(t *testing.T) {
		bad := append([]byte(nil), valid...)
		bad[13], bad[14] = 0xFF, 0xFF
		if _, err := DecodeSegment(bad); !errors.Is(err, ErrSegmentLength) {
			t.Errorf("应返回 ErrSegmentLength: got %v", err)
		}
	})

	t.Run("空数据", func(t *testing.T) {
		if _, err := DecodeSegment(nil); err == nil {
			t.Error("nil 应该失败")
		}
	})
}

func TestPeekDstPort(t *testing.T) {
	seg := &Segment{Kind: KindAck, SrcPort: 1, DstPort: 4242}
	port, err := PeekDstPort(seg.Encode())
	if err != nil || port != 4242 {
		t.Errorf("PeekDstPort = %d, %v", port, err)
	}
	if _, err := PeekDstPort([]byte{1, 2}); err == nil {
		t.Error("短数据应该失败")
	}
}

// =============================================================================
// 切片
// =============================================================================

func TestSlice(t *testing.T) {
	kinds := func(segs []*Segment) string {
		var parts []string
		for _, s := range segs {
			parts = append(parts, s.Kind.String())
		}
		return strings.Join(parts, ",")
	}

	t.Run("整数倍长度", func(t *testing.T) {
		segs := mustSlice(t, "a.bin", randomBytes(2, 3*ARQPayloadSize))
		if got := kinds(segs); got != "FILE_NAME,DATA,DATA,DATA,END" {
			t.Errorf("分段类型 = %s", got)
		}
		if string(segs[0].Payload) != "a.bin" {
			t.Errorf("文件名 = %q", segs[0].Payload)
		}
		if len(segs[4].Payload) != 0 {
			t.Error("END 不应带载荷")
		}
	})

	t.Run("最后一段较短", func(t *testing.T) {
		segs := mustSlice(t, "a.bin", randomBytes(3, 2*ARQPayloadSize+10))
		if len(segs) != 5 {
			t.Fatalf("分段数 = %d, want 5", len(segs))
		}
		if len(segs[3].Payload) != 10 {
			t.Errorf("最后数据段长度 = %d, want 10", len(segs[3].Payload))
		}
	})

	t.Run("空文件", func(t *testing.T) {
		segs := mustSlice(t, "empty", nil)
		if got := kinds(segs); got != "FILE_NAME,END" {
			t.Errorf("分段类型 = %s", got)
		}
	})

	t.Run("文件名过长", func(t *testing.T) {
		_, err := Slice(strings.Repeat("n", ARQPayloadSize+1), bytes.NewReader(nil), ARQPayloadSize)
		if !errors.Is(err, ErrNameTooLong) {
			t.Errorf("应返回 ErrNameTooLong: got %v", err)
		}
	})

	t.Run("无效载荷大小", func(t *testing.T) {
		if _, err := Slice("x", bytes.NewReader(nil), ARQPayloadSize+1); err == nil {
			t.Error("应该失败")
		}
	})
}

// =============================================================================
// 配置
// =============================================================================

func TestARQConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		window  int
		space   int
		wantErr bool
	}{
		{"默认", ARQDefaultWindowSize, ARQDefaultSeqSpace, false},
		{"最小余量", 8, 16, false},
		{"余量不足", 8, 15, true},
		{"窗口为零", 0, 16, true},
		{"大序列号空间", 8, 1 << 32, false},
		{"超出 32 位", 8, 1<<32 + 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(tt.window, tt.space)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// =============================================================================
// 确认号映射
// =============================================================================

func TestAckDeltaUnambiguous(t *testing.T) {
	cases := []struct {
		name   string
		window int
		space  int
	}{
		{"序列号空间接近窗口", 4, 8},
		{"序列号空间为窗口两倍", 10, 20},
		{"序列号空间远大于窗口", 4, 1 << 16},
		{"窗口为一", 1, 2},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			bases := []int{0, 1, c.space / 2, c.space - c.window, c.space - 1}
			for _, base := range bases {
				// 窗口内: 差值为 0..W-1
				for d := 0; d < c.window; d++ {
					ack := uint32((base + d) % c.space)
					if got := ackDelta(ack, uint32(base), c.window, c.space); got != d {
						t.Errorf("base=%d ack=%d: got %d, want %d", base, ack, got, d)
					}
				}
				// 窗口之前: 差值为 -1..-W
				for k := 1; k <= c.window; k++ {
					ack := uint32(((base-k)%c.space + c.space) % c.space)
					if got := ackDelta(ack, uint32(base), c.window, c.space); got != -k {
						t.Errorf("过期 base=%d ack=%d: got %d, want %d", base, ack, got, -k)
					}
				}
			}
		})
	}
}

func TestAckDeltaUsesConfiguredWindow(t *testing.T) {
	// 窗口为 16 时，差值 12 仍在窗口内，不能按固定阈值当作过期
	if got := ackDelta(12, 0, 16, 64); got != 12 {
		t.Errorf("got %d, want 12", got)
	}
	// 窗口为 4 时，同样的差值表示过期 ACK
	if got := ackDelta(12, 0, 4, 16); got != -4 {
		t.Errorf("got %d, want -4", got)
	}
}

// =============================================================================
// 发送端窗口
// =============================================================================

func newStepSender(t *testing.T, cfg *ARQConfig, segs []*Segment) (*ARQSender, *recordChannel, *fakeClock) {
	t.Helper()
	ch := &recordChannel{}
	clock := newFakeClock()
	tx, err := NewARQSender(ch, segs, cfg, "error")
	if err != nil {
		t.Fatalf("创建发送端失败: %v", err)
	}
	tx.now = clock.Now
	if err := tx.Start(); err != nil {
		t.Fatalf("Start 失败: %v", err)
	}
	return tx, ch, clock
}

func TestSenderInitialWindow(t *testing.T) {
	cfg := testConfig(4, 8)
	segs := mustSlice(t, "f", randomBytes(4, 10*ARQPayloadSize))
	tx, ch, _ := newStepSender(t, cfg, segs)

	sent := ch.take()
	if len(sent) != 4 {
		t.Fatalf("首个窗口应发送 4 个分段: got %d", len(sent))
	}
	for i, frame := range sent {
		seg := mustDecode(t, frame)
		if seg.Seq != uint32(i) {
			t.Errorf("分段 %d seq = %d", i, seg.Seq)
		}
		if seg.SrcPort != 5000 || seg.DstPort != 6000 {
			t.Errorf("端口 = %d->%d", seg.SrcPort, seg.DstPort)
		}
	}
	if tx.Outstanding() != 4 {
		t.Errorf("Outstanding = %d, want 4", tx.Outstanding())
	}

	// 分段少于窗口
	small := mustSlice(t, "f", nil)
	_, ch2, _ := newStepSender(t, cfg, small)
	if got := len(ch2.take()); got != 2 {
		t.Errorf("只有 2 个分段时应发送 2 个: got %d", got)
	}
}

func TestSenderCumulativeSlide(t *testing.T) {
	cfg := testConfig(4, 8)
	segs := mustSlice(t, "f", randomBytes(5, 6*ARQPayloadSize))
	tx, ch, _ := newStepSender(t, cfg, segs)
	ch.take()

	tx.HandleAck(2)
	if tx.WindowStart() != 0 {
		t.Fatalf("ack ws+2 后窗口不应滑动: %d", tx.WindowStart())
	}
	tx.HandleAck(1)
	if tx.WindowStart() != 0 {
		t.Fatalf("ack ws+1 后窗口不应滑动: %d", tx.WindowStart())
	}
	if len(ch.take()) != 0 {
		t.Error("选择性确认不应触发发送")
	}

	slidesBefore := tx.GetStats().AcksSlide
	tx.HandleAck(0)
	if tx.WindowStart() != 3 {
		t.Fatalf("ack ws 后应一次滑动 3: got %d", tx.WindowStart())
	}
	if got := tx.GetStats().AcksSlide - slidesBefore; got != 1 {
		t.Errorf("应为一次滑动: got %d", got)
	}

	// 窗口补满: 下标 4,5,6
	sent := ch.take()
	if len(sent) != 3 {
		t.Fatalf("应补发 3 个分段: got %d", len(sent))
	}
	for i, frame := range sent {
		if seq := mustDecode(t, frame).Seq; seq != uint32(4+i) {
			t.Errorf("补发 seq = %d, want %d", seq, 4+i)
		}
	}
	if tx.Outstanding() != 4 {
		t.Errorf("Outstanding = %d, want 4", tx.Outstanding())
	}
}

func TestSenderIgnoresStaleAndUnsentAcks(t *testing.T) {
	cfg := testConfig(4, 8)
	segs := mustSlice(t, "f", randomBytes(6, 10*ARQPayloadSize))
	tx, ch, _ := newStepSender(t, cfg, segs)

	tx.HandleAck(0)
	tx.HandleAck(1)
	ch.take()
	if tx.WindowStart() != 2 {
		t.Fatalf("WindowStart = %d, want 2", tx.WindowStart())
	}

	stale := tx.GetStats().AcksStale
	tx.HandleAck(1) // 重复 ACK
	tx.HandleAck(0) // 过期 ACK
	tx.HandleAck(6) // 窗口之外
	tx.HandleAck(9) // 超出序列号空间
	if got := tx.GetStats().AcksStale - stale; got != 4 {
		t.Errorf("应忽略 4 个 ACK: got %d", got)
	}
	if tx.WindowStart() != 2 || tx.Outstanding() != 4 {
		t.Errorf("窗口状态被改变: ws=%d outstanding=%d", tx.WindowStart(), tx.Outstanding())
	}
	if len(ch.take()) != 0 {
		t.Error("过期 ACK 不应触发发送")
	}
}

func TestSenderIgnoresMalformedAndNonAck(t *testing.T) {
	cfg := testConfig(4, 8)
	tx, ch, _ := newStepSender(t, cfg, mustSlice(t, "f", randomBytes(7, 100)))
	ch.take()

	if err := tx.HandleDatagram([]byte{1, 2, 3}); err != nil {
		t.Errorf("解码失败不应返回错误: %v", err)
	}
	data := NewSegment(KindData, []byte("x"))
	if err := tx.HandleDatagram(data.Encode()); err != nil {
		t.Errorf("非 ACK 不应返回错误: %v", err)
	}
	if tx.WindowStart() != 0 {
		t.Error("窗口不应滑动")
	}
	if tx.GetStats().DecodeErrors != 1 {
		t.Errorf("DecodeErrors = %d, want 1", tx.GetStats().DecodeErrors)
	}
}

func TestSenderTimeoutResendsOutstanding(t *testing.T) {
	cfg := testConfig(4, 8)
	segs := mustSlice(t, "f", randomBytes(8, 10*ARQPayloadSize))
	tx, ch, clock := newStepSender(t, cfg, segs)
	ch.take()

	// 下标 2 已被选择性确认，超时不应重传
	tx.HandleAck(2)

	clock.Advance(cfg.Timeout)
	if fired, _ := tx.CheckTimeout(clock.Now()); fired {
		t.Fatal("恰好等于超时不应触发")
	}

	clock.Advance(time.Millisecond)
	fired, err := tx.CheckTimeout(clock.Now())
	if err != nil || !fired {
		t.Fatalf("应触发超时: fired=%v err=%v", fired, err)
	}

	var seqs []uint32
	for _, frame := range ch.take() {
		seqs = append(seqs, mustDecode(t, frame).Seq)
	}
	if len(seqs) != 3 || seqs[0] != 0 || seqs[1] != 1 || seqs[2] != 3 {
		t.Errorf("重传的分段 = %v, want [0 1 3]", seqs)
	}

	// 发送时间已刷新
	if fired, _ := tx.CheckTimeout(clock.Now().Add(cfg.Timeout / 2)); fired {
		t.Error("刷新后不应立即再次超时")
	}
	if tx.GetStats().Retransmits != 3 || tx.GetStats().Timeouts != 1 {
		t.Errorf("统计错误: %+v", tx.GetStats())
	}
}

type recordObserver struct {
	rtts   []time.Duration
	bursts []int
}

func (o *recordObserver) ObserveAck(rtt time.Duration) { o.rtts = append(o.rtts, rtt) }

func (o *recordObserver) ObserveTimeout(resent int) { o.bursts = append(o.bursts, resent) }

func TestSenderObserver(t *testing.T) {
	cfg := testConfig(4, 8)
	ch := &recordChannel{}
	clock := newFakeClock()
	tx, err := NewARQSender(ch, mustSlice(t, "f", randomBytes(9, 10*ARQPayloadSize)), cfg, "error")
	if err != nil {
		t.Fatalf("创建发送端失败: %v", err)
	}
	tx.now = clock.Now
	obs := &recordObserver{}
	tx.SetObserver(obs)
	tx.Start()

	clock.Advance(20 * time.Millisecond)
	tx.HandleAck(0)
	if len(obs.rtts) != 1 || obs.rtts[0] != 20*time.Millisecond {
		t.Fatalf("应记录一次 20ms 的确认时延: %v", obs.rtts)
	}

	// 超时后重传的分段不再记录时延
	clock.Advance(cfg.Timeout)
	tx.CheckTimeout(clock.Now())
	if len(obs.bursts) != 1 || obs.bursts[0] != 4 {
		t.Fatalf("超时重传记录 = %v, want [4]", obs.bursts)
	}
	tx.HandleAck(1)
	if len(obs.rtts) != 1 {
		t.Errorf("重传段不应记录时延: %v", obs.rtts)
	}
}

// =============================================================================
// 接收端
// =============================================================================

func newTestReceiver(t *testing.T, cfg *ARQConfig) (*ARQReceiver, *filestore.MemorySink) {
	t.Helper()
	rxCfg := *cfg
	rxCfg.LocalPort, rxCfg.RemotePort = cfg.RemotePort, cfg.LocalPort
	sink := filestore.NewMemorySink()
	rx, err := NewARQReceiver(sink, &rxCfg, "error")
	if err != nil {
		t.Fatalf("创建接收端失败: %v", err)
	}
	return rx, sink
}

func frame(kind SegmentKind, seq uint32, payload string) []byte {
	seg := NewSegment(kind, []byte(payload))
	seg.Seq = seq
	seg.SrcPort = 5000
	seg.DstPort = 6000
	return seg.Encode()
}

func TestReceiverInOrder(t *testing.T) {
	rx, sink := newTestReceiver(t, testConfig(4, 8))

	ack, accepted, err := rx.Process(frame(KindFileName, 0, "out.txt"))
	if err != nil || !accepted {
		t.Fatalf("FILE_NAME 应被接受: accepted=%v err=%v", accepted, err)
	}
	ackSeg := mustDecode(t, ack)
	if ackSeg.Kind != KindAck || ackSeg.Ack != 0 {
		t.Errorf("ACK = %s/%d, want ACK/0", ackSeg.Kind, ackSeg.Ack)
	}
	if ackSeg.SrcPort != 6000 || ackSeg.DstPort != 5000 {
		t.Errorf("ACK 端口 = %d->%d, want 6000->5000", ackSeg.SrcPort, ackSeg.DstPort)
	}
	if sink.Name() != "out.txt" || len(sink.Bytes()) != 0 {
		t.Errorf("FILE_NAME 不应写入数据: name=%q bytes=%d", sink.Name(), len(sink.Bytes()))
	}

	rx.Process(frame(KindData, 1, "hello "))
	rx.Process(frame(KindData, 2, "world"))
	ack, accepted, _ = rx.Process(frame(KindEnd, 3, ""))
	if !accepted || mustDecode(t, ack).Ack != 3 {
		t.Error("END 应被接受并确认")
	}
	if !rx.Done() || !sink.Closed() {
		t.Error("END 后应完成并关闭输出")
	}
	if string(sink.Bytes()) != "hello world" {
		t.Errorf("输出 = %q", sink.Bytes())
	}
	if rx.ExpectedSeq() != 4 {
		t.Errorf("ExpectedSeq = %d, want 4", rx.ExpectedSeq())
	}
}

func TestReceiverDiscardsOutOfOrder(t *testing.T) {
	rx, sink := newTestReceiver(t, testConfig(4, 8))
	rx.Process(frame(KindFileName, 0, "f"))

	ack, accepted, _ := rx.Process(frame(KindData, 2, "future"))
	if accepted || ack != nil {
		t.Error("乱序分段应被丢弃且不应答")
	}
	ack, accepted, _ = rx.Process([]byte("garbage"))
	if accepted || ack != nil {
		t.Error("无法解码的数据应被丢弃")
	}
	ack, accepted, _ = rx.Process(NewAckSegment(1, 1, 2).Encode())
	if accepted || ack != nil {
		t.Error("ACK 分段应被丢弃")
	}
	if len(sink.Bytes()) != 0 || rx.ExpectedSeq() != 1 {
		t.Errorf("状态不应改变: bytes=%d expected=%d", len(sink.Bytes()), rx.ExpectedSeq())
	}

	stats := rx.GetStats()
	if stats.Discarded != 2 || stats.DecodeErrors != 1 {
		t.Errorf("统计错误: %+v", stats)
	}
}

func TestReceiverDuplicateAck(t *testing.T) {
	t.Run("重新应答", func(t *testing.T) {
		rx, sink := newTestReceiver(t, testConfig(4, 8))
		rx.Process(frame(KindFileName, 0, "f"))
		rx.Process(frame(KindData, 1, "abc"))

		ack, accepted, err := rx.Process(frame(KindData, 1, "abc"))
		if err != nil || accepted {
			t.Fatalf("重复段不应被接受: accepted=%v err=%v", accepted, err)
		}
		if ack == nil || mustDecode(t, ack).Ack != 1 {
			t.Error("重复段应重新应答自身序列号")
		}
		if string(sink.Bytes()) != "abc" {
			t.Errorf("重复段不应追加: %q", sink.Bytes())
		}
	})

	t.Run("严格模式不应答", func(t *testing.T) {
		cfg := testConfig(4, 8)
		cfg.DuplicateAck = false
		rx, sink := newTestReceiver(t, cfg)
		rx.Process(frame(KindFileName, 0, "f"))
		rx.Process(frame(KindData, 1, "abc"))

		ack, accepted, _ := rx.Process(frame(KindData, 1, "abc"))
		if accepted || ack != nil {
			t.Error("严格模式下重复段既不接受也不应答")
		}
		if string(sink.Bytes()) != "abc" {
			t.Errorf("重复段不应追加: %q", sink.Bytes())
		}
	})

	t.Run("未接收过的段不应答", func(t *testing.T) {
		rx, _ := newTestReceiver(t, testConfig(4, 8))
		// expected=0，seq=7 在模意义下“落后 1”，但从未接收过
		ack, accepted, _ := rx.Process(frame(KindData, 7, "x"))
		if accepted || ack != nil {
			t.Error("从未接收过的段不应被当作重复段应答")
		}
	})
}

func TestReceiverFileNameNotReassigned(t *testing.T) {
	t.Run("重传的 FILE_NAME", func(t *testing.T) {
		rx, sink := newTestReceiver(t, testConfig(4, 8))
		rx.Process(frame(KindFileName, 0, "first.txt"))
		rx.Process(frame(KindData, 1, "x"))

		_, accepted, _ := rx.Process(frame(KindFileName, 0, "second.txt"))
		if accepted {
			t.Error("重传的 FILE_NAME 不应被接受")
		}
		if rx.FileName() != "first.txt" || sink.Opens() != 1 {
			t.Errorf("文件名被改变: %q opens=%d", rx.FileName(), sink.Opens())
		}
	})

	t.Run("序列号回绕后的 FILE_NAME", func(t *testing.T) {
		rx, sink := newTestReceiver(t, testConfig(2, 4))
		rx.Process(frame(KindFileName, 0, "first.txt"))
		rx.Process(frame(KindData, 1, "a"))
		rx.Process(frame(KindData, 2, "b"))
		rx.Process(frame(KindData, 3, "c"))
		if rx.ExpectedSeq() != 0 {
			t.Fatalf("ExpectedSeq 应回绕到 0: %d", rx.ExpectedSeq())
		}

		rx.Process(frame(KindFileName, 0, "second.txt"))
		if rx.FileName() != "first.txt" || sink.Opens() != 1 {
			t.Errorf("文件名被改变: %q opens=%d", rx.FileName(), sink.Opens())
		}
		if string(sink.Bytes()) != "abc" {
			t.Errorf("FILE_NAME 不应写入数据: %q", sink.Bytes())
		}
	})
}

func TestReceiverDataWithoutFileName(t *testing.T) {
	rx, sink := newTestReceiver(t, testConfig(4, 8))
	_, accepted, err := rx.Process(frame(KindData, 0, "raw"))
	if err != nil || !accepted {
		t.Fatalf("应被接受: accepted=%v err=%v", accepted, err)
	}
	if sink.Opens() != 1 || sink.Name() != "" || string(sink.Bytes()) != "raw" {
		t.Errorf("应以默认名打开: opens=%d name=%q data=%q", sink.Opens(), sink.Name(), sink.Bytes())
	}
}

// =============================================================================
// 场景
// =============================================================================

// 场景 A: 3 个满载荷数据段，无损通道
func TestScenarioHappyPath(t *testing.T) {
	data := randomBytes(10, 3*ARQPayloadSize)
	cfg := testConfig(4, 8)

	l := &loopback{rng: rand.New(rand.NewSource(1))}
	tx, sink := runLoopback(t, data, cfg, l)

	if tx.Segments() != 5 {
		t.Errorf("分段数 = %d, want 5", tx.Segments())
	}
	if !bytes.Equal(sink.Bytes(), data) {
		t.Error("接收端输出与源数据不一致")
	}
	if sink.Name() != "data.bin" {
		t.Errorf("文件名 = %q", sink.Name())
	}
	stats := tx.GetStats()
	if stats.Retransmits != 0 || stats.SegmentsSent != 5 {
		t.Errorf("无损通道不应重传: %+v", stats)
	}
}

// 场景 B: 窗口首段的 ACK 丢失直到超时
func TestScenarioTimeoutResend(t *testing.T) {
	cfg := testConfig(4, 8)
	data := randomBytes(11, 4*ARQPayloadSize)
	segs := mustSlice(t, "b.bin", data)
	tx, ch, clock := newStepSender(t, cfg, segs)
	rx, sink := newTestReceiver(t, cfg)

	first := ch.take()
	if len(first) != 4 {
		t.Fatalf("首个窗口 = %d", len(first))
	}

	// FILE_NAME 正常确认，窗口滑到 1 并补发下标 4
	ack, _, _ := rx.Process(first[0])
	tx.HandleDatagram(ack)
	refill := ch.take()
	if tx.WindowStart() != 1 || len(refill) != 1 {
		t.Fatalf("ws=%d refill=%d", tx.WindowStart(), len(refill))
	}

	// 分段 1 被接收，但 ACK 丢失；分段 2..4 在途中丢失
	if _, accepted, _ := rx.Process(first[1]); !accepted {
		t.Fatal("分段 1 应被接受")
	}
	afterFirst := sink.Bytes()

	clock.Advance(cfg.Timeout + time.Millisecond)
	if fired, _ := tx.CheckTimeout(clock.Now()); !fired {
		t.Fatal("应触发超时")
	}

	resent := ch.take()
	if len(resent) != 4 {
		t.Fatalf("应重传全部 4 个在途分段: got %d", len(resent))
	}
	for i, f := range resent {
		if seq := mustDecode(t, f).Seq; seq != uint32(1+i) {
			t.Errorf("重传 seq = %d, want %d", seq, 1+i)
		}
	}

	// 接收端丢弃重复的分段 1，不再追加
	ack, accepted, _ := rx.Process(resent[0])
	if accepted {
		t.Error("重复的分段 1 不应被接受")
	}
	if !bytes.Equal(sink.Bytes(), afterFirst) {
		t.Error("重复段被再次追加")
	}

	// 重新应答使发送端恢复，其余重传段正常推进
	tx.HandleDatagram(ack)
	if tx.WindowStart() != 2 {
		t.Fatalf("重新应答后 ws = %d, want 2", tx.WindowStart())
	}
	for _, f := range resent[1:] {
		ack, accepted, _ := rx.Process(f)
		if !accepted {
			t.Fatal("重传段应按序接受")
		}
		tx.HandleDatagram(ack)
	}
	for !tx.Done() {
		pending := ch.take()
		if len(pending) == 0 {
			t.Fatal("发送端停滞")
		}
		for _, f := range pending {
			if ack, _, _ := rx.Process(f); ack != nil {
				tx.HandleDatagram(ack)
			}
		}
	}
	if !bytes.Equal(sink.Bytes(), data) {
		t.Error("最终输出与源数据不一致")
	}
}

// 有损通道上的按序交付与活性
func TestLossyDelivery(t *testing.T) {
	// 停等 (W=1, SEQ_SPACE=2) 只容忍 FIFO 通道，不注入乱序
	cases := []struct {
		name     string
		window   int
		space    int
		seed     int64
		holdRate float64
	}{
		{"最小序列号空间", 8, 16, 1, 0.1},
		{"大序列号空间", 8, 1 << 20, 2, 0.1},
		{"停等", 1, 2, 3, 0},
		{"频繁回绕", 3, 6, 4, 0.1},
	}

	data := randomBytes(12, 40*ARQPayloadSize+123)

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := testConfig(c.window, c.space)
			l := &loopback{
				rng:      rand.New(rand.NewSource(c.seed)),
				dataLoss: 0.2,
				ackLoss:  0.2,
				dupRate:  0.1,
				holdRate: c.holdRate,
			}
			tx, sink := runLoopback(t, data, cfg, l)

			if !bytes.Equal(sink.Bytes(), data) {
				t.Errorf("输出不一致: got %d bytes, want %d", len(sink.Bytes()), len(data))
			}
			if !tx.Done() || tx.WindowStart() != tx.Segments() {
				t.Error("发送端应完成")
			}
			if tx.GetStats().Retransmits == 0 {
				t.Error("有损通道应产生重传")
			}
		})
	}
}

func TestSenderContextCancel(t *testing.T) {
	cfg := testConfig(4, 8)
	ch := &recordChannel{}
	tx, err := NewARQSender(ch, mustSlice(t, "f", randomBytes(13, 100)), cfg, "error")
	if err != nil {
		t.Fatalf("创建发送端失败: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tx.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("应返回 context.Canceled: got %v", err)
	}
}

// =============================================================================
// UDP 通道
// =============================================================================

func TestUDPChannelTransfer(t *testing.T) {
	txConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("创建发送端 socket 失败: %v", err)
	}
	rxConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("创建接收端 socket 失败: %v", err)
	}

	txCh := NewUDPChannel(txConn, rxConn.LocalAddr().(*net.UDPAddr))
	rxCh := NewUDPChannel(rxConn, txConn.LocalAddr().(*net.UDPAddr))
	defer txCh.Close()
	defer rxCh.Close()

	t.Run("超时无数据", func(t *testing.T) {
		start := time.Now()
		_, ok, err := rxCh.Receive(time.Now().Add(20 * time.Millisecond))
		if err != nil || ok {
			t.Errorf("应无数据: ok=%v err=%v", ok, err)
		}
		if time.Since(start) < 15*time.Millisecond {
			t.Error("应等待到 deadline")
		}
	})

	t.Run("文件传输", func(t *testing.T) {
		data := randomBytes(14, 20*ARQPayloadSize+7)
		cfg := testConfig(8, 16)
		cfg.LocalPort = uint16(txCh.LocalAddr().Port)
		cfg.RemotePort = uint16(rxCh.LocalAddr().Port)

		sink := filestore.NewMemorySink()
		rxCfg := *cfg
		rxCfg.LocalPort = cfg.RemotePort
		rxCfg.Linger = 300 * time.Millisecond
		rx, err := NewARQReceiver(sink, &rxCfg, "error")
		if err != nil {
			t.Fatalf("创建接收端失败: %v", err)
		}
		tx, err := NewARQSender(txCh, mustSlice(t, "udp.bin", data), cfg, "error")
		if err != nil {
			t.Fatalf("创建发送端失败: %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		done := make(chan error, 1)
		go func() { done <- rx.Serve(ctx, rxCh) }()

		if err := tx.Run(ctx); err != nil {
			t.Fatalf("发送失败: %v", err)
		}
		if err := <-done; err != nil {
			t.Fatalf("接收失败: %v", err)
		}
		if !bytes.Equal(sink.Bytes(), data) {
			t.Error("UDP 传输输出不一致")
		}
	})
}

// =============================================================================
// 基准测试
// =============================================================================

func BenchmarkSegmentEncode(b *testing.B) {
	seg := &Segment{Kind: KindData, Seq: 12345, SrcPort: 1, DstPort: 2, Payload: make([]byte, ARQPayloadSize)}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = seg.Encode()
	}
}

func BenchmarkSegmentDecode(b *testing.B) {
	seg := &Segment{Kind: KindData, Seq: 12345, SrcPort: 1, DstPort: 2, Payload: make([]byte, ARQPayloadSize)}
	encoded := seg.Encode()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = DecodeSegment(encoded)
	}
}
