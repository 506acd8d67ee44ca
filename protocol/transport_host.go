package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

var (
	ErrAckTimeout       = errors.New("ack timeout")
	ErrResponseTimeout  = errors.New("response timeout")
	ErrTransportClosed  = errors.New("transport closed")
	ErrMessageTooLong   = errors.New("message too long")
	ErrSequenceMismatch = errors.New("sequence mismatch")
)

// DefaultAckTimeout bounds the wait for an ACK when the caller's context
// has no deadline of its own
const DefaultAckTimeout = 2 * time.Second

// ResponseHandler is called from the read goroutine for every response frame
type ResponseHandler func(cmdID uint16, data *[]byte) error

// HostTransport is the host side of the link: it sends one command frame
// at a time, waits for its ACK, and queues response frames.
type HostTransport struct {
	port    io.ReadWriteCloser
	scanner *FrameScanner
	input   *FifoBuffer

	sendMu sync.Mutex
	seq    uint8

	acks      chan Message
	responses chan Message

	handlerMu sync.RWMutex
	handler   ResponseHandler

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewHostTransport starts reading from port
func NewHostTransport(port io.ReadWriteCloser) *HostTransport {
	t := &HostTransport{
		port:      port,
		scanner:   NewFrameScanner(true),
		input:     NewFifoBuffer(1024),
		seq:       MessageDest,
		acks:      make(chan Message, 4),
		responses: make(chan Message, 16),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// SendCommand encodes cmdID and its arguments into one frame, writes it and
// waits for the MCU to acknowledge it.
func (t *HostTransport) SendCommand(ctx context.Context, cmdID uint16, args func(output OutputBuffer)) error {
	scratch := NewScratchOutput()
	EncodeVLQUint(scratch, uint32(cmdID))
	if args != nil {
		args(scratch)
	}
	payload := scratch.Result()
	if len(payload) > MessagePayloadMax || scratch.Dropped() > 0 {
		return fmt.Errorf("command %d: %w: %d bytes (max %d)", cmdID, ErrMessageTooLong,
			len(payload)+scratch.Dropped(), MessagePayloadMax)
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	t.drainAcks()
	frame := AppendFrame(make([]byte, 0, MessageLengthMax), t.seq, payload)
	if _, err := t.port.Write(frame); err != nil {
		return fmt.Errorf("write command %d: %w", cmdID, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultAckTimeout)
		defer cancel()
	}

	want := NextSequence(t.seq)
	select {
	case ack := <-t.acks:
		if ack.Sequence != want {
			return fmt.Errorf("%w: expected 0x%02x, got 0x%02x", ErrSequenceMismatch, want, ack.Sequence)
		}
		t.seq = want
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("command %d: %w", cmdID, ErrAckTimeout)
		}
		return ctx.Err()
	case <-t.stop:
		return ErrTransportClosed
	}
}

func (t *HostTransport) drainAcks() {
	for {
		select {
		case <-t.acks:
		default:
			return
		}
	}
}

// ReceiveResponse returns the next queued response frame
func (t *HostTransport) ReceiveResponse(ctx context.Context) (*Message, error) {
	select {
	case msg := <-t.responses:
		return &msg, nil
	default:
	}

	select {
	case msg := <-t.responses:
		return &msg, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrResponseTimeout
		}
		return nil, ctx.Err()
	case <-t.stop:
		return nil, ErrTransportClosed
	}
}

// SetResponseHandler installs a callback for responses as they arrive
func (t *HostTransport) SetResponseHandler(handler ResponseHandler) {
	t.handlerMu.Lock()
	t.handler = handler
	t.handlerMu.Unlock()
}

// Sequence returns the sequence the next command will carry
func (t *HostTransport) Sequence() uint8 {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	return t.seq
}

func (t *HostTransport) readLoop() {
	defer close(t.done)

	buf := make([]byte, 256)
	for {
		n, err := t.port.Read(buf)
		if n > 0 {
			t.input.Write(buf[:n])
			consumed := t.scanner.Scan(t.input.Data(), t.dispatch)
			t.input.Pop(consumed)
		}
		if err != nil {
			select {
			case <-t.stop:
				return
			default:
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func (t *HostTransport) dispatch(msg Message) {
	payload := make([]byte, len(msg.Payload))
	copy(payload, msg.Payload)
	msg.Payload = payload

	if msg.IsAck() {
		select {
		case t.acks <- msg:
		default:
		}
		return
	}

	t.handlerMu.RLock()
	handler := t.handler
	t.handlerMu.RUnlock()
	if handler != nil {
		data := payload
		if cmdID, err := DecodeVLQUint(&data); err == nil {
			_ = handler(uint16(cmdID), &data)
		}
	}

	select {
	case t.responses <- msg:
	default:
		// Full: drop the oldest
		select {
		case <-t.responses:
		default:
		}
		select {
		case t.responses <- msg:
		default:
		}
	}
}

// Close stops the read loop and closes the port
func (t *HostTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.stop)
		err = t.port.Close()
		<-t.done
	})
	return err
}
