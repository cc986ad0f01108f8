// Package buffer implements the inbound byte stream of a connection.
//
// A Buffer is an append-only byte sequence with a read cursor. Reads either
// succeed completely and advance the cursor, or fail with ErrUnderflow and
// leave the cursor where it was, so a parser can simply retry once more data
// has arrived.
package buffer

import (
	"bytes"
	"errors"
)

var (
	// ErrUnderflow the requested delimiter or length is not available yet.
	ErrUnderflow = errors.New("buffer: underflow")

	// ErrMaxReadSizeExceeded no delimiter was found within the allowed length.
	ErrMaxReadSizeExceeded = errors.New("buffer: max read size exceeded")

	// ErrEmptyDelimiter a delimiter read was issued with an empty delimiter.
	ErrEmptyDelimiter = errors.New("buffer: empty delimiter")

	// ErrInvalidLength a negative length was requested.
	ErrInvalidLength = errors.New("buffer: invalid length")
)

// compactThreshold is the minimum number of consumed bytes before Append
// moves the unread tail back to the front of the backing array.
const compactThreshold = 4 * 1024

// Buffer is not safe for concurrent use; the owning connection serializes access.
type Buffer struct {
	buf  []byte
	rpos int
}

func New() *Buffer {
	return &Buffer{}
}

// Append extends the stored sequence with a copy of p.
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.compact()
	b.buf = append(b.buf, p...)
}

// Available returns the number of unread bytes.
func (b *Buffer) Available() int {
	return len(b.buf) - b.rpos
}

// IndexOf returns the offset of delim relative to the read cursor, or -1.
func (b *Buffer) IndexOf(delim []byte) int {
	if len(delim) == 0 {
		return -1
	}
	return bytes.Index(b.buf[b.rpos:], delim)
}

// ReadUntilDelimiter returns the bytes before the first delim and consumes
// the delimiter as well.
func (b *Buffer) ReadUntilDelimiter(delim []byte) ([]byte, error) {
	return b.ReadUntilDelimiterMax(delim, -1)
}

// ReadUntilDelimiterMax is ReadUntilDelimiter with an upper bound on the
// number of bytes preceding the delimiter. A negative max means unbounded.
func (b *Buffer) ReadUntilDelimiterMax(delim []byte, max int) ([]byte, error) {
	if len(delim) == 0 {
		return nil, ErrEmptyDelimiter
	}

	idx := b.IndexOf(delim)
	if idx < 0 {
		// the earliest position a delimiter can still start at
		earliest := b.Available() - len(delim) + 1
		if max >= 0 && earliest > max {
			return nil, ErrMaxReadSizeExceeded
		}
		return nil, ErrUnderflow
	}

	if max >= 0 && idx > max {
		return nil, ErrMaxReadSizeExceeded
	}

	out := b.take(idx)
	b.rpos += len(delim)
	return out, nil
}

// ReadExact returns exactly n bytes.
func (b *Buffer) ReadExact(n int) ([]byte, error) {
	if n < 0 {
		return nil, ErrInvalidLength
	}
	if b.Available() < n {
		return nil, ErrUnderflow
	}
	return b.take(n), nil
}

// ReadAvailable drains every unread byte. The result may be empty.
func (b *Buffer) ReadAvailable() []byte {
	return b.take(b.Available())
}

// Reset drops all content and releases the backing array.
func (b *Buffer) Reset() {
	b.buf = nil
	b.rpos = 0
}

// take copies n bytes from the cursor and advances it.
func (b *Buffer) take(n int) []byte {
	out := make([]byte, n)
	copy(out, b.buf[b.rpos:b.rpos+n])
	b.rpos += n
	if b.rpos == len(b.buf) {
		b.buf = b.buf[:0]
		b.rpos = 0
	}
	return out
}

// compact reclaims the consumed prefix when it has grown large.
func (b *Buffer) compact() {
	if b.rpos < compactThreshold || b.rpos < len(b.buf)/2 {
		return
	}
	n := copy(b.buf, b.buf[b.rpos:])
	b.buf = b.buf[:n]
	b.rpos = 0
}
