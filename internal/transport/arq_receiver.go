// =============================================================================
// 文件: internal/transport/arq_receiver.go
// 描述: ARQ 可靠文件传输 - 接收端严格按序交付
// =============================================================================
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// Sink 只追加的输出
type Sink interface {
	// Open 以 FILE_NAME 分段中的名字打开输出，只调用一次
	Open(name string) error
	Append(p []byte) error
	Close() error
}

// ARQReceiver 接收端引擎 (单线程使用)
//
// 只接受 seq == expectedSeq 的分段，没有乱序缓冲区。
// 追加操作不是幂等的，重复段完全依赖这个相等判断挡掉。
type ARQReceiver struct {
	config   *ARQConfig
	sink     Sink
	logLevel int

	expectedSeq uint32
	accepted    uint64 // 已接受的分段数，用于判定重复段范围
	fileName    string
	named       bool
	done        bool

	// 统计 (原子访问)
	statExpected   uint32
	statDone       int32
	statAccepted   uint64
	discarded      uint64
	duplicates     uint64
	decodeErrors   uint64
	acksSent       uint64
	bytesDelivered uint64
	statName       atomic.Value
}

// NewARQReceiver 创建接收端
func NewARQReceiver(sink Sink, config *ARQConfig, logLevel string) (*ARQReceiver, error) {
	if config == nil {
		config = DefaultARQConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, errors.New("sink 不能为空")
	}

	r := &ARQReceiver{
		config:   config,
		sink:     sink,
		logLevel: parseLogLevel(logLevel),
	}
	r.statName.Store("")
	return r, nil
}

// Process 处理一个入站数据报
//
// 按序到达的分段被接受并返回对应的 ACK 编码。其余情况不接受、不追加。
// 只有 Sink 的 I/O 失败会返回错误。
func (r *ARQReceiver) Process(raw []byte) ([]byte, bool, error) {
	seg, err := DecodeSegment(raw)
	if err != nil {
		atomic.AddUint64(&r.decodeErrors, 1)
		r.log(2, "丢弃无法解码的数据报: %v", err)
		return nil, false, nil
	}

	if seg.Kind == KindAck || r.done || seg.Seq != r.expectedSeq {
		return r.reject(seg), false, nil
	}

	switch seg.Kind {
	case KindFileName:
		if !r.named {
			if err := r.openSink(string(seg.Payload)); err != nil {
				return nil, false, err
			}
		}
	case KindData:
		if !r.named {
			// 没有 FILE_NAME 时使用 Sink 的默认名字
			if err := r.openSink(""); err != nil {
				return nil, false, err
			}
		}
		if err := r.sink.Append(seg.Payload); err != nil {
			return nil, false, fmt.Errorf("写入输出失败: %w", err)
		}
		atomic.AddUint64(&r.bytesDelivered, uint64(len(seg.Payload)))
	case KindEnd:
		if err := r.sink.Close(); err != nil {
			return nil, false, fmt.Errorf("关闭输出失败: %w", err)
		}
		r.done = true
		atomic.StoreInt32(&r.statDone, 1)
		r.log(1, "收到结束标记: %s, 共 %d bytes",
			r.fileName, atomic.LoadUint64(&r.bytesDelivered))
	}

	ack := r.makeAck(seg, r.expectedSeq)
	r.log(2, "接受分段 seq=%d (%s, %d bytes)", seg.Seq, seg.Kind, len(seg.Payload))

	r.expectedSeq = uint32((uint64(r.expectedSeq) + 1) % uint64(r.config.SeqSpace))
	r.accepted++
	atomic.StoreUint32(&r.statExpected, r.expectedSeq)
	atomic.AddUint64(&r.statAccepted, 1)

	return ack, true, nil
}

// reject 丢弃分段；开启 DuplicateAck 时对已接收的重复段重新应答
func (r *ARQReceiver) reject(seg *Segment) []byte {
	if seg.Kind == KindAck || uint64(seg.Seq) >= uint64(r.config.SeqSpace) {
		atomic.AddUint64(&r.discarded, 1)
		return nil
	}

	space := uint64(r.config.SeqSpace)
	behind := (uint64(r.expectedSeq) + space - uint64(seg.Seq)) % space

	limit := uint64(r.config.WindowSize)
	if r.accepted < limit {
		limit = r.accepted
	}

	if behind == 0 || behind > limit {
		// 乱序的未来分段
		atomic.AddUint64(&r.discarded, 1)
		r.log(2, "丢弃乱序分段 seq=%d (expected=%d)", seg.Seq, r.expectedSeq)
		return nil
	}

	atomic.AddUint64(&r.duplicates, 1)
	r.log(2, "丢弃重复分段 seq=%d (expected=%d)", seg.Seq, r.expectedSeq)
	if !r.config.DuplicateAck {
		return nil
	}
	return r.makeAck(seg, seg.Seq)
}

func (r *ARQReceiver) openSink(name string) error {
	if err := r.sink.Open(name); err != nil {
		return fmt.Errorf("打开输出 %q 失败: %w", name, err)
	}
	r.fileName = name
	r.named = true
	r.statName.Store(name)
	r.log(1, "目标文件: %q", name)
	return nil
}

// makeAck 构造 ACK，端口取 (本地端口, 分段源端口)
func (r *ARQReceiver) makeAck(seg *Segment, ack uint32) []byte {
	src := r.config.LocalPort
	if src == 0 {
		src = seg.DstPort
	}
	atomic.AddUint64(&r.acksSent, 1)
	return NewAckSegment(ack, src, seg.SrcPort).Encode()
}

// Serve 从通道读取并应答，收到 END 且空闲超过 Linger 后返回
func (r *ARQReceiver) Serve(ctx context.Context, ch Channel) error {
	lastActivity := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		data, ok, err := ch.Receive(time.Now().Add(ARQReceivePollInterval))
		if err != nil {
			return err
		}
		if !ok {
			if r.done && time.Since(lastActivity) >= r.config.Linger {
				return nil
			}
			continue
		}
		lastActivity = time.Now()

		ack, _, err := r.Process(data)
		if err != nil {
			return err
		}
		if ack != nil {
			if err := ch.Send(ack); err != nil {
				return err
			}
		}

		if r.done && r.config.Linger == 0 {
			return nil
		}
	}
}

// Done 是否已收到 END
func (r *ARQReceiver) Done() bool {
	return r.done
}

// ExpectedSeq 期望的下一个序列号
func (r *ARQReceiver) ExpectedSeq() uint32 {
	return r.expectedSeq
}

// FileName 目标文件名 (未收到 FILE_NAME 时为空)
func (r *ARQReceiver) FileName() string {
	return r.fileName
}

// GetStats 获取统计 (可并发调用)
func (r *ARQReceiver) GetStats() ReceiverStats {
	return ReceiverStats{
		ExpectedSeq:    atomic.LoadUint32(&r.statExpected),
		FileName:       r.statName.Load().(string),
		Accepted:       atomic.LoadUint64(&r.statAccepted),
		Discarded:      atomic.LoadUint64(&r.discarded),
		Duplicates:     atomic.LoadUint64(&r.duplicates),
		DecodeErrors:   atomic.LoadUint64(&r.decodeErrors),
		AcksSent:       atomic.LoadUint64(&r.acksSent),
		BytesDelivered: atomic.LoadUint64(&r.bytesDelivered),
		Done:           atomic.LoadInt32(&r.statDone) == 1,
	}
}

// =============================================================================
// 日志方法
// =============================================================================

func (r *ARQReceiver) log(level int, format string, args ...interface{}) {
	if level > r.logLevel {
		return
	}
	prefix := map[int]string{0: "[ERROR]", 1: "[INFO]", 2: "[DEBUG]"}[level]
	fmt.Printf("%s %s [ARQ-RX] %s\n", prefix, time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}
