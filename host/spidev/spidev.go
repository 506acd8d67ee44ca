// Package spidev runs the transfer engine on a Linux SPI controller.
// Each byte is clocked through the kernel driver and its completion is
// delivered to the engine from a goroutine, standing in for the interrupt.
package spidev

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"rdkfw/core"
)

// Config selects the controller and the chip-select lines
type Config struct {
	// Bus is the periph port name, e.g. "SPI0.0" or "/dev/spidev0.0"
	Bus string

	// Mode is the clock polarity and phase
	Mode spi.Mode

	// Clock is the divider model the engine computes rates against
	Clock core.ClockSpec

	// Pins maps channels to GPIO numbers driven as chip-select
	Pins map[core.SPIChannel]core.GPIOPin
}

// DefaultConfig returns a mode 0 configuration on bus with the RDK divider
func DefaultConfig(bus string) Config {
	return Config{
		Bus:   bus,
		Mode:  spi.Mode0,
		Clock: core.RDKClock,
	}
}

// limiter is the part of spi.PortCloser a Port retunes through
type limiter interface {
	LimitSpeed(f physic.Frequency) error
}

// Port is a core.SPIPort on a periph SPI connection. The loopback port
// provides interrupt masking and delivery; Port puts the real bus under it.
type Port struct {
	*core.LoopbackPort

	conn  spi.Conn
	limit limiter
	clock core.ClockSpec
	close func() error

	mu  sync.Mutex
	err error
}

// Open initialises the periph host drivers and connects to cfg.Bus at the
// highest rate the divider model allows. The engine lowers it with
// SetClock.
func Open(cfg Config) (*Port, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("spidev: host init: %w", err)
	}
	pc, err := spireg.Open(cfg.Bus)
	if err != nil {
		return nil, fmt.Errorf("spidev: open %s: %w", cfg.Bus, err)
	}
	conn, err := pc.Connect(maxFrequency(cfg.Clock), cfg.Mode, 8)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("spidev: connect %s: %w", cfg.Bus, err)
	}
	p := NewPort(conn, pc, cfg.Clock)
	p.close = pc.Close
	return p, nil
}

// NewPort wraps an established connection. limit, when not nil, receives
// every rate the engine programs.
func NewPort(conn spi.Conn, limit limiter, clock core.ClockSpec) *Port {
	p := &Port{
		LoopbackPort: core.NewLoopbackPort(),
		conn:         conn,
		limit:        limit,
		clock:        clock,
	}
	p.Responder = p.exchange
	return p
}

func maxFrequency(spec core.ClockSpec) physic.Frequency {
	return physic.Frequency(core.ClockSetting{}.Rate(spec)) * physic.Hertz
}

// exchange clocks one byte through the controller. A failed transfer is
// latched as an overrun so the engine ends the session.
func (p *Port) exchange(tx byte) byte {
	w := [1]byte{tx}
	var r [1]byte
	if err := p.conn.Tx(w[:], r[:]); err != nil {
		p.mu.Lock()
		if p.err == nil {
			p.err = err
		}
		p.mu.Unlock()
		p.InjectOverrun()
		return 0
	}
	return r[0]
}

// SetClock records the divider and limits the connection to its rate
func (p *Port) SetClock(prescaler, divisor uint8) {
	p.LoopbackPort.SetClock(prescaler, divisor)
	if p.limit == nil {
		return
	}
	rate := core.ClockSetting{Prescaler: prescaler, Divisor: divisor}.Rate(p.clock)
	if err := p.limit.LimitSpeed(physic.Frequency(rate) * physic.Hertz); err != nil {
		p.mu.Lock()
		if p.err == nil {
			p.err = err
		}
		p.mu.Unlock()
	}
}

// Err returns and clears the first bus error seen
func (p *Port) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.err
	p.err = nil
	return err
}

// Close releases the controller
func (p *Port) Close() error {
	if p.close == nil {
		return nil
	}
	return p.close()
}

var ErrNoPin = errors.New("spidev: gpio not found")

// GPIO drives chip-select lines through the periph pin registry
type GPIO struct {
	mu     sync.Mutex
	pins   map[core.GPIOPin]gpio.PinIO
	levels map[core.GPIOPin]gpio.Level

	// lookup resolves a pin; gpioreg.ByName when nil
	lookup func(name string) gpio.PinIO
}

// NewGPIO returns a driver resolving pins by their GPIO number
func NewGPIO() *GPIO {
	return &GPIO{
		pins:   make(map[core.GPIOPin]gpio.PinIO),
		levels: make(map[core.GPIOPin]gpio.Level),
	}
}

func (g *GPIO) pin(n core.GPIOPin) (gpio.PinIO, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.pins[n]; ok {
		return p, nil
	}
	lookup := g.lookup
	if lookup == nil {
		lookup = gpioreg.ByName
	}
	p := lookup(strconv.Itoa(int(n)))
	if p == nil {
		return nil, fmt.Errorf("%w: %d", ErrNoPin, n)
	}
	g.pins[n] = p
	return p, nil
}

// ConfigureOutput makes the pin an output. It keeps the level last given to
// SetPin, or drives high when the pin was never set.
func (g *GPIO) ConfigureOutput(n core.GPIOPin) error {
	p, err := g.pin(n)
	if err != nil {
		return err
	}
	g.mu.Lock()
	level, ok := g.levels[n]
	g.mu.Unlock()
	if !ok {
		level = gpio.High
	}
	return p.Out(level)
}

// SetPin drives the pin
func (g *GPIO) SetPin(n core.GPIOPin, value bool) error {
	p, err := g.pin(n)
	if err != nil {
		return err
	}
	level := gpio.Low
	if value {
		level = gpio.High
	}
	if err := p.Out(level); err != nil {
		return err
	}
	g.mu.Lock()
	g.levels[n] = level
	g.mu.Unlock()
	return nil
}
