package protocol

// InputBuffer is a queue of received bytes the transport parses in place
type InputBuffer interface {
	// Data returns the queued bytes as one contiguous slice
	Data() []byte

	// Available returns the number of queued bytes
	Available() int

	// Pop discards n bytes from the front
	Pop(n int)
}

// OutputBuffer collects encoded frames
type OutputBuffer interface {
	// Output appends data
	Output(data []byte)

	// CurPosition returns the current write offset
	CurPosition() int

	// Update overwrites one byte already written
	Update(pos int, val byte)

	// DataSince returns everything written after pos
	DataSince(pos int) []byte
}

// SliceInputBuffer is an InputBuffer over a fixed slice
type SliceInputBuffer struct {
	data []byte
}

// NewSliceInputBuffer wraps data
func NewSliceInputBuffer(data []byte) *SliceInputBuffer {
	return &SliceInputBuffer{data: data}
}

func (s *SliceInputBuffer) Data() []byte   { return s.data }
func (s *SliceInputBuffer) Available() int { return len(s.data) }

func (s *SliceInputBuffer) Pop(n int) {
	if n > len(s.data) {
		n = len(s.data)
	}
	s.data = s.data[n:]
}

// ScratchOutput is an OutputBuffer backed by a fixed array.
// Bytes that do not fit are counted in Dropped and discarded.
type ScratchOutput struct {
	buf     [MessageMax]byte
	pos     int
	dropped int
}

// NewScratchOutput creates an empty scratch buffer
func NewScratchOutput() *ScratchOutput {
	return &ScratchOutput{}
}

func (s *ScratchOutput) Output(data []byte) {
	n := copy(s.buf[s.pos:], data)
	s.pos += n
	s.dropped += len(data) - n
}

func (s *ScratchOutput) CurPosition() int { return s.pos }

func (s *ScratchOutput) Update(pos int, val byte) {
	if pos >= 0 && pos < s.pos {
		s.buf[pos] = val
	}
}

func (s *ScratchOutput) DataSince(pos int) []byte {
	if pos < 0 || pos > s.pos {
		return nil
	}
	return s.buf[pos:s.pos]
}

// Result returns everything written since the last Reset
func (s *ScratchOutput) Result() []byte {
	return s.buf[:s.pos]
}

// Dropped returns how many bytes overflowed since the last Reset
func (s *ScratchOutput) Dropped() int {
	return s.dropped
}

// Reset empties the buffer
func (s *ScratchOutput) Reset() {
	s.pos = 0
	s.dropped = 0
}

// FifoBuffer is a ring buffer between a byte source (USB, pipe) and the
// transport. It implements InputBuffer.
type FifoBuffer struct {
	buf   []byte
	head  int // next byte to read
	count int
	flat  []byte
}

// NewFifoBuffer creates a FIFO holding up to capacity bytes
func NewFifoBuffer(capacity int) *FifoBuffer {
	return &FifoBuffer{buf: make([]byte, capacity)}
}

// Write queues as much of data as fits and returns the count queued
func (f *FifoBuffer) Write(data []byte) int {
	n := 0
	for _, b := range data {
		if f.count == len(f.buf) {
			break
		}
		f.buf[(f.head+f.count)%len(f.buf)] = b
		f.count++
		n++
	}
	return n
}

// Read dequeues up to len(data) bytes
func (f *FifoBuffer) Read(data []byte) int {
	n := 0
	for n < len(data) && f.count > 0 {
		data[n] = f.buf[f.head]
		f.head = (f.head + 1) % len(f.buf)
		f.count--
		n++
	}
	return n
}

// Available returns the number of queued bytes
func (f *FifoBuffer) Available() int { return f.count }

// Free returns the room left
func (f *FifoBuffer) Free() int { return len(f.buf) - f.count }

// IsEmpty reports whether nothing is queued
func (f *FifoBuffer) IsEmpty() bool { return f.count == 0 }

// Data returns the queued bytes contiguously. When the ring has wrapped the
// bytes are copied into a scratch slice that stays valid until the next call.
func (f *FifoBuffer) Data() []byte {
	end := f.head + f.count
	if end <= len(f.buf) {
		return f.buf[f.head:end]
	}
	if cap(f.flat) < f.count {
		f.flat = make([]byte, len(f.buf))
	}
	f.flat = f.flat[:f.count]
	n := copy(f.flat, f.buf[f.head:])
	copy(f.flat[n:], f.buf[:end-len(f.buf)])
	return f.flat
}

// Pop discards n bytes from the front
func (f *FifoBuffer) Pop(n int) {
	if n > f.count {
		n = f.count
	}
	f.head = (f.head + n) % len(f.buf)
	f.count -= n
}

// Reset empties the FIFO
func (f *FifoBuffer) Reset() {
	f.head = 0
	f.count = 0
}
