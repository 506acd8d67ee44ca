package protocol

import "sync/atomic"

// CommandHandler handles one decoded command; it decodes its own arguments
// from data and advances it.
type CommandHandler func(cmdID uint16, data *[]byte) error

// Transport is the MCU side of the link: it validates host frames, keeps
// the expected sequence, acknowledges every frame and encodes responses.
type Transport struct {
	scanner      *FrameScanner
	nextSequence uint32 // atomic, 0x10-0x1F
	output       OutputBuffer
	handler      CommandHandler

	resetCallback func()
	flushCallback func()
	errorCallback func(cmdID uint16, err error)
}

// NewTransport creates a transport writing frames to output
func NewTransport(output OutputBuffer, handler CommandHandler) *Transport {
	t := &Transport{
		scanner:      NewFrameScanner(true),
		nextSequence: MessageDest,
		output:       output,
		handler:      handler,
	}
	t.scanner.OnResync = t.encodeAckNak
	return t
}

// Receive parses every complete frame in input and pops what it consumed
func (t *Transport) Receive(input InputBuffer) {
	n := t.scanner.Scan(input.Data(), t.handleFrame)
	if n > 0 {
		input.Pop(n)
	}
}

func (t *Transport) handleFrame(msg Message) {
	expected := uint8(atomic.LoadUint32(&t.nextSequence))

	// A host restarting its sequence resets ours
	if msg.Sequence == MessageDest && expected != MessageDest {
		expected = MessageDest
		atomic.StoreUint32(&t.nextSequence, MessageDest)
		if t.resetCallback != nil {
			t.resetCallback()
		}
	}

	if msg.Sequence == expected {
		atomic.StoreUint32(&t.nextSequence, uint32(NextSequence(expected)))
		t.parseFrame(msg.Payload)
	}

	// Acknowledge with the next expected sequence; a mismatch turns this into a NAK
	t.encodeAckNak()
}

// parseFrame dispatches every command packed into one frame
func (t *Transport) parseFrame(frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			t.scanner.Desync()
		}
	}()

	for len(frame) > 0 {
		cmdID, err := DecodeVLQUint(&frame)
		if err != nil {
			t.scanner.Desync()
			return
		}
		if t.handler == nil {
			return
		}
		if err := t.handler(uint16(cmdID), &frame); err != nil {
			if t.errorCallback != nil {
				t.errorCallback(uint16(cmdID), err)
			}
			return
		}
	}
}

func (t *Transport) encodeAckNak() {
	seq := uint8(atomic.LoadUint32(&t.nextSequence))
	var buf [MessageLengthMin]byte
	t.output.Output(AppendFrame(buf[:0], seq, nil))
	if t.flushCallback != nil {
		t.flushCallback()
	}
}

// EncodeFrame encodes one frame whose payload is produced by frameData.
// Responses carry the current sequence; it is not advanced.
func (t *Transport) EncodeFrame(frameData func(output OutputBuffer)) {
	cursor := t.output.CurPosition()
	seq := uint8(atomic.LoadUint32(&t.nextSequence))
	t.output.Output([]byte{0, seq})

	frameData(t.output)

	length := len(t.output.DataSince(cursor)) + MessageTrailerSize
	t.output.Update(cursor+MessagePositionLen, uint8(length))

	crc := CRC16(t.output.DataSince(cursor))
	t.output.Output([]byte{uint8(crc >> 8), uint8(crc), MessageValueSync})
}

// SendCommand encodes a response frame: command id followed by arguments
func (t *Transport) SendCommand(cmdID uint16, args func(output OutputBuffer)) {
	t.EncodeFrame(func(output OutputBuffer) {
		EncodeVLQUint(output, uint32(cmdID))
		if args != nil {
			args(output)
		}
	})
}

// Reset restores the power-on state
func (t *Transport) Reset() {
	t.scanner.Reset()
	atomic.StoreUint32(&t.nextSequence, MessageDest)
	if t.resetCallback != nil {
		t.resetCallback()
	}
}

// NextSequence returns the sequence the transport expects next
func (t *Transport) NextSequence() uint8 {
	return uint8(atomic.LoadUint32(&t.nextSequence))
}

// SetResetCallback sets a callback run when the host restarts its sequence
func (t *Transport) SetResetCallback(callback func()) {
	t.resetCallback = callback
}

// SetFlushCallback sets a callback run right after each ACK is encoded
func (t *Transport) SetFlushCallback(callback func()) {
	t.flushCallback = callback
}

// SetErrorCallback sets a callback for handler errors. The rest of the frame
// is skipped after an error since its argument boundaries are unknown.
func (t *Transport) SetErrorCallback(callback func(cmdID uint16, err error)) {
	t.errorCallback = callback
}
