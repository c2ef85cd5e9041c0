// =============================================================================
// 文件: internal/transport/arq_packet.go
// 描述: ARQ 可靠文件传输 - 分段编解码
// =============================================================================
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// 解码错误
var (
	ErrSegmentTooShort  = errors.New("分段太短")
	ErrSegmentKind      = errors.New("未知分段类型")
	ErrSegmentLength    = errors.New("载荷长度超限")
	ErrSegmentTruncated = errors.New("分段数据不完整")
)

// Segment 协议分段
type Segment struct {
	Kind    SegmentKind // 分段类型
	Seq     uint32      // 序列号
	Ack     uint32      // 确认号 (仅 ACK 有意义)
	SrcPort uint16      // 源端口
	DstPort uint16      // 目的端口
	Payload []byte      // 载荷

	// 最近一次 (重) 发送时间，不参与编码
	SentAt time.Time
}

// Encode 编码为固定长度缓冲区
//
// 超过 ARQPayloadSize 的载荷会被截断，构造函数保证不会出现这种情况。
func (s *Segment) Encode() []byte {
	buf := make([]byte, ARQSegmentSize)

	n := len(s.Payload)
	if n > ARQPayloadSize {
		n = ARQPayloadSize
	}

	buf[0] = byte(s.Kind)
	binary.BigEndian.PutUint32(buf[1:5], s.Seq)
	binary.BigEndian.PutUint32(buf[5:9], s.Ack)
	binary.BigEndian.PutUint16(buf[9:11], s.SrcPort)
	binary.BigEndian.PutUint16(buf[11:13], s.DstPort)
	binary.BigEndian.PutUint16(buf[13:15], uint16(n))
	copy(buf[ARQHeaderSize:], s.Payload[:n])

	return buf
}

// DecodeSegment 解码分段
func DecodeSegment(data []byte) (*Segment, error) {
	if len(data) < ARQHeaderSize {
		return nil, fmt.Errorf("%w: %d < %d", ErrSegmentTooShort, len(data), ARQHeaderSize)
	}

	kind := SegmentKind(data[0])
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrSegmentKind, data[0])
	}

	payloadLen := int(binary.BigEndian.Uint16(data[13:15]))
	if payloadLen > ARQPayloadSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrSegmentLength, payloadLen, ARQPayloadSize)
	}
	if len(data) < ARQHeaderSize+payloadLen {
		return nil, fmt.Errorf("%w: %d < %d", ErrSegmentTruncated, len(data), ARQHeaderSize+payloadLen)
	}

	s := &Segment{
		Kind:    kind,
		Seq:     binary.BigEndian.Uint32(data[1:5]),
		Ack:     binary.BigEndian.Uint32(data[5:9]),
		SrcPort: binary.BigEndian.Uint16(data[9:11]),
		DstPort: binary.BigEndian.Uint16(data[11:13]),
		Payload: make([]byte, payloadLen),
	}
	copy(s.Payload, data[ARQHeaderSize:ARQHeaderSize+payloadLen])

	return s, nil
}

// PeekDstPort 只读取目的端口 (中继路由用)
func PeekDstPort(data []byte) (uint16, error) {
	if len(data) < ARQHeaderSize {
		return 0, fmt.Errorf("%w: %d < %d", ErrSegmentTooShort, len(data), ARQHeaderSize)
	}
	if !SegmentKind(data[0]).Valid() {
		return 0, fmt.Errorf("%w: %d", ErrSegmentKind, data[0])
	}
	return binary.BigEndian.Uint16(data[11:13]), nil
}

// NewSegment 创建数据类分段 (DATA / FILE_NAME / END)
func NewSegment(kind SegmentKind, payload []byte) *Segment {
	s := &Segment{Kind: kind}
	s.Payload = make([]byte, len(payload))
	copy(s.Payload, payload)
	return s
}

// NewAckSegment 创建 ACK 分段
func NewAckSegment(ack uint32, srcPort, dstPort uint16) *Segment {
	return &Segment{
		Kind:    KindAck,
		Ack:     ack,
		SrcPort: srcPort,
		DstPort: dstPort,
	}
}
