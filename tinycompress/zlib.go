// Package tinycompress writes zlib streams made of stored DEFLATE blocks.
// It never compresses; it exists so firmware can hand the host a dictionary
// that any zlib reader accepts without linking compress/flate.
package tinycompress

import (
	"errors"
	"hash/adler32"
	"io"
)

// maxStoredBlock is the largest payload of one stored DEFLATE block
const maxStoredBlock = 0xFFFF

var zlibHeader = [2]byte{0x78, 0x01}

// ErrClosed is returned by Write after Close
var ErrClosed = errors.New("tinycompress: writer closed")

// Writer buffers everything written and emits the zlib stream on Close
type Writer struct {
	w      io.Writer
	buf    []byte
	closed bool
}

// NewWriter returns a Writer that emits to w
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write queues p for the stream
func (z *Writer) Write(p []byte) (int, error) {
	if z.closed {
		return 0, ErrClosed
	}
	z.buf = append(z.buf, p...)
	return len(p), nil
}

// Close writes the header, the stored blocks and the Adler-32 trailer
func (z *Writer) Close() error {
	if z.closed {
		return nil
	}
	z.closed = true
	_, err := z.w.Write(Compress(z.buf))
	z.buf = nil
	return err
}

// Compress returns data wrapped as a zlib stream
func Compress(data []byte) []byte {
	blocks := (len(data) + maxStoredBlock - 1) / maxStoredBlock
	if blocks == 0 {
		blocks = 1
	}
	out := make([]byte, 0, len(zlibHeader)+len(data)+5*blocks+4)
	out = append(out, zlibHeader[:]...)

	rest := data
	for {
		n := len(rest)
		if n > maxStoredBlock {
			n = maxStoredBlock
		}
		final := byte(0)
		if n == len(rest) {
			final = 1
		}
		length := uint16(n)
		out = append(out, final,
			byte(length), byte(length>>8),
			byte(^length), byte(^length>>8))
		out = append(out, rest[:n]...)
		rest = rest[n:]
		if final == 1 {
			break
		}
	}

	sum := adler32.Checksum(data)
	return append(out, byte(sum>>24), byte(sum>>16), byte(sum>>8), byte(sum))
}
