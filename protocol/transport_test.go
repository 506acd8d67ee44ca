package protocol

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"
)

func commandFrame(seq uint8, cmdID uint32, args ...uint32) []byte {
	payload := EncodeVLQ(int32(cmdID))
	for _, a := range args {
		payload = AppendVLQ(payload, int32(a))
	}
	return AppendFrame(nil, seq, payload)
}

func TestTransportDispatchAndAck(t *testing.T) {
	output := NewScratchOutput()
	var gotID uint16
	var gotArg uint32
	tr := NewTransport(output, func(cmdID uint16, data *[]byte) error {
		gotID = cmdID
		v, err := DecodeVLQUint(data)
		gotArg = v
		return err
	})

	tr.Receive(NewSliceInputBuffer(commandFrame(0x10, 3, 500)))

	if gotID != 3 || gotArg != 500 {
		t.Errorf("Handler got id=%d arg=%d, expected id=3 arg=500", gotID, gotArg)
	}
	expected := AppendFrame(nil, 0x11, nil)
	if !bytes.Equal(output.Result(), expected) {
		t.Errorf("Expected ACK % x, got % x", expected, output.Result())
	}
	if tr.NextSequence() != 0x11 {
		t.Errorf("Expected next sequence 0x11, got 0x%02x", tr.NextSequence())
	}
}

func TestTransportNakOnWrongSequence(t *testing.T) {
	output := NewScratchOutput()
	calls := 0
	tr := NewTransport(output, func(cmdID uint16, data *[]byte) error {
		calls++
		*data = nil
		return nil
	})

	tr.Receive(NewSliceInputBuffer(commandFrame(0x13, 1)))

	if calls != 0 {
		t.Errorf("Out of sequence frame should not be dispatched")
	}
	expected := AppendFrame(nil, 0x10, nil)
	if !bytes.Equal(output.Result(), expected) {
		t.Errorf("Expected NAK % x, got % x", expected, output.Result())
	}
}

func TestTransportHostReset(t *testing.T) {
	output := NewScratchOutput()
	tr := NewTransport(output, func(cmdID uint16, data *[]byte) error { return nil })
	resets := 0
	tr.SetResetCallback(func() { resets++ })

	tr.Receive(NewSliceInputBuffer(commandFrame(0x10, 0)))
	tr.Receive(NewSliceInputBuffer(commandFrame(0x10, 0)))

	if resets != 1 {
		t.Errorf("Expected 1 reset, got %d", resets)
	}
	if tr.NextSequence() != 0x11 {
		t.Errorf("Expected next sequence 0x11 after reset, got 0x%02x", tr.NextSequence())
	}
}

func TestTransportPartialInputKept(t *testing.T) {
	output := NewScratchOutput()
	calls := 0
	tr := NewTransport(output, func(cmdID uint16, data *[]byte) error {
		calls++
		return nil
	})

	frame := commandFrame(0x10, 2)
	fifo := NewFifoBuffer(64)
	fifo.Write(frame[:3])
	tr.Receive(fifo)
	if calls != 0 || fifo.Available() != 3 {
		t.Fatalf("Partial frame should wait: calls=%d available=%d", calls, fifo.Available())
	}

	fifo.Write(frame[3:])
	tr.Receive(fifo)
	if calls != 1 || fifo.Available() != 0 {
		t.Errorf("Completed frame should dispatch: calls=%d available=%d", calls, fifo.Available())
	}
}

func TestTransportSendCommand(t *testing.T) {
	output := NewScratchOutput()
	tr := NewTransport(output, nil)

	tr.SendCommand(4, func(out OutputBuffer) {
		EncodeVLQBytes(out, []byte{0xAA, 0xBB})
	})

	var msgs []Message
	NewFrameScanner(true).Scan(output.Result(), func(m Message) { msgs = append(msgs, m) })
	if len(msgs) != 1 {
		t.Fatalf("Expected one frame, got %d", len(msgs))
	}
	payload := msgs[0].Payload
	id, _ := DecodeVLQUint(&payload)
	data, err := DecodeVLQBytes(&payload)
	if id != 4 || err != nil || !bytes.Equal(data, []byte{0xAA, 0xBB}) {
		t.Errorf("Decoded id=%d data=% x err=%v", id, data, err)
	}
}

// fakeMCU answers every command frame with an ACK and, for command 7, a
// response echoing the first argument.
func fakeMCU(conn net.Conn) {
	output := NewScratchOutput()
	var tr *Transport
	tr = NewTransport(output, func(cmdID uint16, data *[]byte) error {
		v, err := DecodeVLQUint(data)
		if err != nil {
			return err
		}
		if cmdID == 7 {
			tr.SendCommand(8, func(out OutputBuffer) {
				EncodeVLQUint(out, v*2)
			})
		}
		return nil
	})

	fifo := NewFifoBuffer(256)
	buf := make([]byte, 64)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		fifo.Write(buf[:n])
		tr.Receive(fifo)
		if output.CurPosition() > 0 {
			if _, err := conn.Write(output.Result()); err != nil {
				return
			}
			output.Reset()
		}
	}
}

func TestHostTransportRoundTrip(t *testing.T) {
	hostSide, mcuSide := net.Pipe()
	go fakeMCU(mcuSide)
	defer mcuSide.Close()

	host := NewHostTransport(hostSide)
	defer host.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i := uint32(0); i < 20; i++ {
		err := host.SendCommand(ctx, 7, func(out OutputBuffer) {
			EncodeVLQUint(out, i)
		})
		if err != nil {
			t.Fatalf("SendCommand %d failed: %v", i, err)
		}

		resp, err := host.ReceiveResponse(ctx)
		if err != nil {
			t.Fatalf("ReceiveResponse %d failed: %v", i, err)
		}
		payload := resp.Payload
		id, _ := DecodeVLQUint(&payload)
		v, _ := DecodeVLQUint(&payload)
		if id != 8 || v != i*2 {
			t.Errorf("Response %d: id=%d value=%d", i, id, v)
		}
	}

	// 20 commands wrap the 16-entry sequence space
	if seq := host.Sequence(); seq != 0x14 {
		t.Errorf("Expected host sequence 0x14, got 0x%02x", seq)
	}
}

func TestHostTransportRejectsLongCommand(t *testing.T) {
	hostSide, mcuSide := net.Pipe()
	defer mcuSide.Close()
	host := NewHostTransport(hostSide)
	defer host.Close()

	err := host.SendCommand(context.Background(), 1, func(out OutputBuffer) {
		EncodeVLQBytes(out, make([]byte, MessagePayloadMax))
	})
	if err == nil {
		t.Fatal("Expected an error for an oversized command")
	}
}

func TestHostTransportAckTimeout(t *testing.T) {
	hostSide, mcuSide := net.Pipe()
	defer mcuSide.Close()
	go func() {
		// Swallow everything without answering
		buf := make([]byte, 64)
		for {
			if _, err := mcuSide.Read(buf); err != nil {
				return
			}
		}
	}()

	host := NewHostTransport(hostSide)
	defer host.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := host.SendCommand(ctx, 1, nil); err == nil {
		t.Fatal("Expected ack timeout")
	}
}
