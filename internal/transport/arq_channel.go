// =============================================================================
// 文件: internal/transport/arq_channel.go
// 描述: ARQ 可靠文件传输 - 不可靠数据报通道
// =============================================================================
package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"
)

// Channel 不可靠、无序的数据报通道
//
// Send 尽力发送，可能丢失、重复或乱序。
// Receive 最多等待到 deadline；期间无数据返回 (nil, false, nil)。
// deadline 已过去时立即返回，相当于非阻塞轮询。
type Channel interface {
	Send(data []byte) error
	Receive(deadline time.Time) ([]byte, bool, error)
}

// UDPChannel 基于 UDP socket 的通道，绑定一个对端地址
type UDPChannel struct {
	conn *net.UDPConn
	peer *net.UDPAddr
	buf  []byte

	// 统计
	packetsSent uint64
	packetsRecv uint64
	bytesSent   uint64
	bytesRecv   uint64
}

// ListenUDPChannel 监听本地地址并绑定对端
func ListenUDPChannel(localAddr, peerAddr string) (*UDPChannel, error) {
	laddr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("解析本地地址: %w", err)
	}
	raddr, err := net.ResolveUDPAddr("udp", peerAddr)
	if err != nil {
		return nil, fmt.Errorf("解析对端地址: %w", err)
	}

	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("监听失败: %w", err)
	}

	return NewUDPChannel(conn, raddr), nil
}

// NewUDPChannel 使用已有 socket 创建通道
func NewUDPChannel(conn *net.UDPConn, peer *net.UDPAddr) *UDPChannel {
	return &UDPChannel{
		conn: conn,
		peer: peer,
		buf:  make([]byte, 65535),
	}
}

// Send 发送到绑定的对端
func (c *UDPChannel) Send(data []byte) error {
	n, err := c.conn.WriteToUDP(data, c.peer)
	if err != nil {
		return fmt.Errorf("发送到 %s 失败: %w", c.peer, err)
	}
	atomic.AddUint64(&c.packetsSent, 1)
	atomic.AddUint64(&c.bytesSent, uint64(n))
	return nil
}

// Receive 接收一个数据报，最多等待到 deadline
func (c *UDPChannel) Receive(deadline time.Time) ([]byte, bool, error) {
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, false, fmt.Errorf("设置读超时失败: %w", err)
	}

	n, _, err := c.conn.ReadFromUDP(c.buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, false, nil
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("接收失败: %w", err)
	}

	atomic.AddUint64(&c.packetsRecv, 1)
	atomic.AddUint64(&c.bytesRecv, uint64(n))

	data := make([]byte, n)
	copy(data, c.buf[:n])
	return data, true, nil
}

// LocalAddr 本地地址
func (c *UDPChannel) LocalAddr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr)
}

// Peer 对端地址
func (c *UDPChannel) Peer() *net.UDPAddr {
	return c.peer
}

// Close 关闭 socket
func (c *UDPChannel) Close() error {
	return c.conn.Close()
}

// GetStats 获取统计
func (c *UDPChannel) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"packets_sent": atomic.LoadUint64(&c.packetsSent),
		"packets_recv": atomic.LoadUint64(&c.packetsRecv),
		"bytes_sent":   atomic.LoadUint64(&c.bytesSent),
		"bytes_recv":   atomic.LoadUint64(&c.bytesRecv),
	}
}
