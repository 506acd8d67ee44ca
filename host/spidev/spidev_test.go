package spidev

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"rdkfw/core"
)

// fakeConn answers every byte with its complement
type fakeConn struct {
	mu   sync.Mutex
	sent []byte
	err  error
}

func (c *fakeConn) String() string      { return "fake" }
func (c *fakeConn) Duplex() conn.Duplex { return conn.Full }

func (c *fakeConn) Tx(w, r []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, w...)
	for i := range r {
		r[i] = ^w[i]
	}
	return nil
}

func (c *fakeConn) TxPackets(p []spi.Packet) error {
	return errors.New("not supported")
}

type fakeLimiter struct {
	limits []physic.Frequency
}

func (l *fakeLimiter) LimitSpeed(f physic.Frequency) error {
	l.limits = append(l.limits, f)
	return nil
}

func newTestPort(t *testing.T) (*Port, *fakeConn, *fakeLimiter, *core.SPIEngine) {
	t.Helper()
	c := &fakeConn{}
	l := &fakeLimiter{}
	p := NewPort(c, l, core.RDKClock)

	engine, err := core.NewSPIEngine(p, core.NewMemoryGPIO(), core.BoardConfig{
		Clock:          core.RDKClock,
		ChipSelectPins: map[core.SPIChannel]core.GPIOPin{core.ChannelSD: 5},
	})
	if err != nil {
		t.Fatalf("NewSPIEngine failed: %v", err)
	}
	if err := engine.Init(0); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := engine.ChannelSetup(core.ChannelSD, false, false); err != nil {
		t.Fatalf("ChannelSetup failed: %v", err)
	}
	return p, c, l, engine
}

func TestPortTransfer(t *testing.T) {
	p, c, _, engine := newTestPort(t)

	rx := make([]byte, 3)
	var result error
	done := false
	err := engine.Transfer(core.ChannelSD, []byte{0x01, 0x80, 0xF0}, rx, func(err error) {
		result = err
		done = true
	})
	if err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	p.Drain()

	if !done || result != nil {
		t.Fatalf("Transfer should complete cleanly: done=%v err=%v", done, result)
	}
	if !bytes.Equal(c.sent, []byte{0x01, 0x80, 0xF0}) {
		t.Errorf("Bus saw % x", c.sent)
	}
	if !bytes.Equal(rx, []byte{0xFE, 0x7F, 0x0F}) {
		t.Errorf("Expected complemented reply, got % x", rx)
	}
}

func TestPortLimitsSpeed(t *testing.T) {
	_, _, l, engine := newTestPort(t)

	if err := engine.SetBitRate(100000); err != nil {
		t.Fatalf("SetBitRate failed: %v", err)
	}
	if len(l.limits) != 2 {
		t.Fatalf("Expected a limit for Init and SetBitRate, got %v", l.limits)
	}
	if l.limits[0] != core.DefaultBitRate*physic.Hertz {
		t.Errorf("Init limit: got %s", l.limits[0])
	}
	if l.limits[1] != 100*physic.KiloHertz {
		t.Errorf("SetBitRate limit: got %s", l.limits[1])
	}
}

func TestPortBusErrorEndsTransfer(t *testing.T) {
	p, c, _, engine := newTestPort(t)
	busErr := errors.New("ioctl failed")
	c.err = busErr

	var result error
	if err := engine.Transfer(core.ChannelSD, []byte{1, 2}, nil, func(err error) { result = err }); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	p.Drain()

	if !errors.Is(result, core.ErrSPIOverrun) {
		t.Errorf("Expected an overrun, got %v", result)
	}
	if err := p.Err(); !errors.Is(err, busErr) {
		t.Errorf("Expected the bus error to be kept, got %v", err)
	}
	if err := p.Err(); err != nil {
		t.Errorf("Err should clear, got %v", err)
	}
}

func TestMaxFrequency(t *testing.T) {
	if got := maxFrequency(core.RDKClock); got != 16*physic.MegaHertz {
		t.Errorf("Expected 16MHz, got %s", got)
	}
}

func TestGPIO(t *testing.T) {
	pins := map[string]*gpiotest.Pin{
		"8": {N: "GPIO8", Num: 8},
	}
	g := NewGPIO()
	g.lookup = func(name string) gpio.PinIO {
		if p, ok := pins[name]; ok {
			return p
		}
		return nil
	}

	if err := g.ConfigureOutput(8); err != nil {
		t.Fatalf("ConfigureOutput failed: %v", err)
	}
	if pins["8"].Read() != gpio.High {
		t.Error("A pin never set should be configured high")
	}
	if err := g.SetPin(8, false); err != nil {
		t.Fatalf("SetPin failed: %v", err)
	}
	if pins["8"].Read() != gpio.Low {
		t.Error("Pin should be low")
	}
	if err := g.SetPin(9, true); !errors.Is(err, ErrNoPin) {
		t.Errorf("Expected ErrNoPin, got %v", err)
	}
}

func TestGPIOChannelSetupLeavesSelectInactive(t *testing.T) {
	pins := map[string]*gpiotest.Pin{
		"8": {N: "GPIO8", Num: 8},
		"9": {N: "GPIO9", Num: 9},
	}
	g := NewGPIO()
	g.lookup = func(name string) gpio.PinIO {
		if p, ok := pins[name]; ok {
			return p
		}
		return nil
	}

	engine, err := core.NewSPIEngine(core.NewLoopbackPort(), g, core.BoardConfig{
		Clock: core.RDKClock,
		ChipSelectPins: map[core.SPIChannel]core.GPIOPin{
			core.ChannelSD:   8,
			core.ChannelWiFi: 9,
		},
	})
	if err != nil {
		t.Fatalf("NewSPIEngine failed: %v", err)
	}

	if err := engine.ChannelSetup(core.ChannelSD, true, false); err != nil {
		t.Fatalf("ChannelSetup failed: %v", err)
	}
	if pins["8"].Read() != gpio.Low {
		t.Error("Active-high select should be low after setup")
	}
	if err := engine.ChannelSetup(core.ChannelWiFi, false, false); err != nil {
		t.Fatalf("ChannelSetup failed: %v", err)
	}
	if pins["9"].Read() != gpio.High {
		t.Error("Active-low select should be high after setup")
	}
}
