// =============================================================================
// 文件: internal/transport/arq_slicer.go
// 描述: ARQ 可靠文件传输 - 源数据切片
// =============================================================================
package transport

import (
	"errors"
	"fmt"
	"io"
)

// ErrNameTooLong 文件名超过单个分段载荷
var ErrNameTooLong = errors.New("文件名过长")

// Slice 将源数据切成有序分段
//
// 结果为: FILE_NAME(name) + 若干 DATA (每段 payloadSize 字节，最后一段可能更短) + END。
// 源长度恰好是 payloadSize 的整数倍时不会产生空 DATA 段，结束由 END 表示。
func Slice(name string, r io.Reader, payloadSize int) ([]*Segment, error) {
	if payloadSize <= 0 || payloadSize > ARQPayloadSize {
		return nil, fmt.Errorf("无效的载荷大小: %d (1-%d)", payloadSize, ARQPayloadSize)
	}
	if len(name) > payloadSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrNameTooLong, len(name), payloadSize)
	}

	segments := []*Segment{NewSegment(KindFileName, []byte(name))}

	buf := make([]byte, payloadSize)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			segments = append(segments, NewSegment(KindData, buf[:n]))
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("读取源数据失败: %w", err)
		}
	}

	segments = append(segments, NewSegment(KindEnd, nil))
	return segments, nil
}
