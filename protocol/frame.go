package protocol

// FrameScanner splits a byte stream into CRC-checked frames. After any
// framing error it drops bytes up to the next sync byte.
type FrameScanner struct {
	synced    bool
	checkDest bool

	// OnResync runs each time the scanner finds a sync byte after an error
	OnResync func()
}

// NewFrameScanner creates a synchronised scanner. When checkDest is set,
// frames whose sequence byte lacks the 0x10 marker are rejected.
func NewFrameScanner(checkDest bool) *FrameScanner {
	return &FrameScanner{synced: true, checkDest: checkDest}
}

// Synchronized reports whether the scanner is aligned on frame boundaries
func (s *FrameScanner) Synchronized() bool {
	return s.synced
}

// Desync forces the scanner to hunt for the next sync byte
func (s *FrameScanner) Desync() {
	s.synced = false
}

// Reset returns the scanner to the synchronised state
func (s *FrameScanner) Reset() {
	s.synced = true
}

// Scan calls fn for every complete frame in data and returns the number of
// bytes consumed. A trailing partial frame is left for the next call. The
// Payload passed to fn aliases data.
func (s *FrameScanner) Scan(data []byte, fn func(msg Message)) int {
	total := len(data)

	for len(data) > 0 {
		if !s.synced {
			i := indexSync(data)
			if i < 0 {
				data = nil
				break
			}
			data = data[i+1:]
			s.synced = true
			if s.OnResync != nil {
				s.OnResync()
			}
			continue
		}

		if data[0] == MessageValueSync {
			data = data[1:]
			continue
		}
		if len(data) < MessageLengthMin {
			break
		}

		msgLen := int(data[MessagePositionLen])
		if msgLen < MessageLengthMin || msgLen > MessageLengthMax {
			s.synced = false
			continue
		}
		seq := data[MessagePositionSeq]
		if s.checkDest && seq&^MessageSeqMask != MessageDest {
			s.synced = false
			continue
		}
		if len(data) < msgLen {
			break
		}
		if data[msgLen-MessageTrailerSync] != MessageValueSync {
			s.synced = false
			continue
		}

		crc := uint16(data[msgLen-MessageTrailerCRC])<<8 | uint16(data[msgLen-MessageTrailerCRC+1])
		if crc != CRC16(data[:msgLen-MessageTrailerSize]) {
			s.synced = false
			continue
		}

		msg := Message{
			Length:   uint8(msgLen),
			Sequence: seq,
			Payload:  data[MessageHeaderSize : msgLen-MessageTrailerSize],
			CRC:      crc,
		}
		data = data[msgLen:]
		fn(msg)
	}

	return total - len(data)
}

func indexSync(data []byte) int {
	for i, b := range data {
		if b == MessageValueSync {
			return i
		}
	}
	return -1
}
