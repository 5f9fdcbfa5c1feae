package protocol

import (
	"crypto/md5"
	"encoding/hex"
	"io"

	"github.com/pkg/errors"
)

// ByteSource feeds the client. It must support rewinding over bytes that
// were read but not yet acknowledged.
type ByteSource interface {
	Remaining() uint64
	Read(limit int) ([]byte, error)
	SeekBack(n int) error
}

// ByteSink accumulates what the server accepts in order.
type ByteSink interface {
	Append(p []byte) error
	// TruncateTo discards everything from offset on.
	TruncateTo(offset int64) error
	Bytes() []byte
}

// SeekSource is a ByteSource over any io.ReadSeeker, typically an *os.File
// or a *bytes.Reader.
type SeekSource struct {
	rs   io.ReadSeeker
	size int64
	pos  int64
}

func NewSeekSource(rs io.ReadSeeker) (*SeekSource, error) {
	pos, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, errors.Wrap(err, "source position")
	}
	size, err := rs.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, errors.Wrap(err, "source size")
	}
	if _, err := rs.Seek(pos, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "source rewind")
	}
	return &SeekSource{rs: rs, size: size, pos: pos}, nil
}

func (s *SeekSource) Remaining() uint64 {
	return uint64(s.size - s.pos)
}

// Read returns the next min(limit, Remaining()) bytes.
func (s *SeekSource) Read(limit int) ([]byte, error) {
	n := min(int64(limit), s.size-s.pos)
	if n <= 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.rs, buf); err != nil {
		return nil, errors.Wrapf(err, "read %d bytes at %d", n, s.pos)
	}
	s.pos += n
	return buf, nil
}

func (s *SeekSource) SeekBack(n int) error {
	if n == 0 {
		return nil
	}
	if int64(n) > s.pos || n < 0 {
		return errors.Errorf("seek back %d bytes from offset %d", n, s.pos)
	}
	pos, err := s.rs.Seek(-int64(n), io.SeekCurrent)
	if err != nil {
		return errors.Wrap(err, "seek back")
	}
	s.pos = pos
	return nil
}

// MemorySink keeps the received bytes in memory.
type MemorySink struct {
	buf []byte
}

func (m *MemorySink) Append(p []byte) error {
	m.buf = append(m.buf, p...)
	return nil
}

func (m *MemorySink) TruncateTo(offset int64) error {
	if offset < 0 || offset > int64(len(m.buf)) {
		return errors.Errorf("truncate to %d beyond %d bytes", offset, len(m.buf))
	}
	m.buf = m.buf[:offset]
	return nil
}

func (m *MemorySink) Bytes() []byte { return m.buf }

// MD5Hex is the digest both ends print so transfers can be compared.
func MD5Hex(p []byte) string {
	sum := md5.Sum(p)
	return hex.EncodeToString(sum[:])
}
