package core

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func newAsyncDevice(t *testing.T, ch SPIChannel) (*SPIDevice, *SPIEngine, *LoopbackPort) {
	t.Helper()
	e, port, _ := newTestEngine(t)
	if err := e.ChannelSetup(ch, false, false); err != nil {
		t.Fatalf("ChannelSetup failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	port.StartAsync(ctx)

	dev := NewSPIDevice(e, ch)
	dev.Timeout = time.Second
	return dev, e, port
}

func TestSPIDeviceTx(t *testing.T) {
	dev, _, port := newAsyncDevice(t, ChannelLCD)
	port.Responder = func(b byte) byte { return b + 1 }

	w := []byte{0x10, 0x20, 0x30}
	r := make([]byte, 3)
	if err := dev.Tx(w, r); err != nil {
		t.Fatalf("Tx failed: %v", err)
	}
	if !bytes.Equal(r, []byte{0x11, 0x21, 0x31}) {
		t.Errorf("Unexpected reply % x", r)
	}
}

func TestSPIDeviceNilBuffers(t *testing.T) {
	dev, _, port := newAsyncDevice(t, ChannelSD)

	r := make([]byte, 2)
	if err := dev.Tx(nil, r); err != nil {
		t.Fatalf("Tx(nil, r) failed: %v", err)
	}
	if !bytes.Equal(port.Writes(), []byte{0, 0}) {
		t.Errorf("A nil write buffer should clock out zeros, wrote % x", port.Writes())
	}

	if err := dev.Send([]byte{0xCA, 0xFE}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := dev.Tx(nil, nil); err != nil {
		t.Errorf("Empty Tx should be a no-op, got %v", err)
	}
}

func TestSPIDeviceTransferByte(t *testing.T) {
	dev, _, _ := newAsyncDevice(t, ChannelWiFi)

	got, err := dev.Transfer(0x5A)
	if err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	if got != 0x5A {
		t.Errorf("Expected looped back 0x5A, got 0x%02x", got)
	}
}

func TestSPIDeviceWaitsForBus(t *testing.T) {
	dev, e, port := newAsyncDevice(t, ChannelLCD)

	// Hold the bus with a transfer nobody services yet
	port.MaskInterrupt()
	if err := e.Transfer(ChannelLCD, []byte{1, 2}, nil, nil); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		port.UnmaskInterrupt()
	}()

	if err := dev.Send([]byte{3}); err != nil {
		t.Fatalf("Send should succeed once the bus frees up, got %v", err)
	}
	if !bytes.Equal(port.Writes(), []byte{1, 2, 3}) {
		t.Errorf("Expected both transfers in order, wrote % x", port.Writes())
	}
}

func TestSPIDeviceTimeout(t *testing.T) {
	dev, e, port := newAsyncDevice(t, ChannelLCD)
	dev.Timeout = 10 * time.Millisecond

	port.MaskInterrupt()
	defer port.UnmaskInterrupt()
	e.Transfer(ChannelLCD, []byte{1}, nil, nil)

	if err := dev.Send([]byte{2}); !errors.Is(err, ErrSPITimeout) {
		t.Errorf("Expected ErrSPITimeout, got %v", err)
	}
}

func TestSPIDeviceReportsOverrun(t *testing.T) {
	e, port, _ := newTestEngine(t)
	e.ChannelSetup(ChannelSD, false, false)
	dev := NewSPIDevice(e, ChannelSD)

	// Deliver interrupts by hand: overrun on the first byte
	go func() {
		for !port.Pending() {
			time.Sleep(time.Millisecond)
		}
		port.InjectOverrun()
		port.Fire()
	}()

	if err := dev.Send([]byte{1, 2, 3}); !errors.Is(err, ErrSPIOverrun) {
		t.Errorf("Expected ErrSPIOverrun, got %v", err)
	}
}
