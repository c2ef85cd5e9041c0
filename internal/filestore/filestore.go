// =============================================================================
// 文件: internal/filestore/filestore.go
// 描述: 文件读写适配 - 发送端源文件与接收端只追加输出
// =============================================================================
package filestore

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// DefaultOutputName 未收到文件名时使用的输出名
const DefaultOutputName = "received.bin"

// ErrSinkNotOpen 输出尚未打开
var ErrSinkNotOpen = errors.New("输出未打开")

// =============================================================================
// 源文件
// =============================================================================

// Source 发送端源文件
type Source struct {
	*os.File
	Name string // 传给接收端的名字
	Size int64
}

// OpenSource 打开源文件
//
// remoteName 为空时使用源文件的 base name。
func OpenSource(path, remoteName string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "打开源文件 %s", path)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "读取源文件信息 %s", path)
	}
	if info.IsDir() {
		f.Close()
		return nil, errors.Errorf("源路径是目录: %s", path)
	}

	name := remoteName
	if name == "" {
		name = filepath.Base(path)
	}

	return &Source{File: f, Name: name, Size: info.Size()}, nil
}

// =============================================================================
// 文件输出
// =============================================================================

// FileSink 追加写入文件
//
// 文件名只取 base name，防止写出输出目录。
type FileSink struct {
	dir      string
	override string

	file *os.File
	path string
}

// NewFileSink 创建文件输出
//
// override 非空时忽略发送端给出的名字。
func NewFileSink(dir, override string) *FileSink {
	return &FileSink{dir: dir, override: override}
}

// Open 打开输出文件
func (s *FileSink) Open(name string) error {
	if s.file != nil {
		return errors.Errorf("输出已打开: %s", s.path)
	}

	base := SanitizeName(name)
	if s.override != "" {
		base = SanitizeName(s.override)
	}

	if s.dir != "" {
		if err := os.MkdirAll(s.dir, 0o755); err != nil {
			return errors.Wrapf(err, "创建输出目录 %s", s.dir)
		}
	}

	path := filepath.Join(s.dir, base)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrapf(err, "打开输出文件 %s", path)
	}

	s.file = f
	s.path = path
	return nil
}

// Append 追加数据
func (s *FileSink) Append(p []byte) error {
	if s.file == nil {
		return ErrSinkNotOpen
	}
	if _, err := s.file.Write(p); err != nil {
		return errors.Wrapf(err, "写入 %s", s.path)
	}
	return nil
}

// Close 同步并关闭
func (s *FileSink) Close() error {
	if s.file == nil {
		return nil
	}
	f := s.file
	s.file = nil
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrapf(err, "同步 %s", s.path)
	}
	return errors.Wrapf(f.Close(), "关闭 %s", s.path)
}

// Path 输出文件路径 (Open 之后有效)
func (s *FileSink) Path() string {
	return s.path
}

// SanitizeName 取文件名的 base name，空或非法时返回默认名
func SanitizeName(name string) string {
	name = strings.TrimRight(name, "\x00")
	name = strings.ReplaceAll(name, "\\", "/")
	base := filepath.Base(name)
	if base == "." || base == "/" || base == ".." || base == "" {
		return DefaultOutputName
	}
	return base
}

// =============================================================================
// 内存输出
// =============================================================================

// MemorySink 内存输出，用于测试和嵌入
type MemorySink struct {
	name   string
	opened bool
	closed bool
	buf    bytes.Buffer
	opens  int

	mu sync.Mutex
}

// NewMemorySink 创建内存输出
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Open 记录名字
func (s *MemorySink) Open(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	if s.opened {
		return errors.Errorf("输出已打开: %s", s.name)
	}
	s.name = name
	s.opened = true
	return nil
}

// Append 追加数据
func (s *MemorySink) Append(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return ErrSinkNotOpen
	}
	if s.closed {
		return errors.New("输出已关闭")
	}
	s.buf.Write(p)
	return nil
}

// Close 标记关闭
func (s *MemorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Bytes 已写入的数据副本
func (s *MemorySink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...)
}

// Name 打开时的名字
func (s *MemorySink) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Opens Open 被调用的次数
func (s *MemorySink) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

// Closed 是否已关闭
func (s *MemorySink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
