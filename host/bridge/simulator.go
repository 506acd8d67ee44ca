package bridge

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"rdkfw/core"
)

// SimulatorPins are the chip-select lines the simulated board wires up
var SimulatorPins = map[core.SPIChannel]core.GPIOPin{
	core.ChannelSD:    0,
	core.ChannelWiFi:  1,
	core.ChannelLCD:   2,
	core.ChannelPMOD1: 3,
	core.ChannelPMOD2: 4,
}

// simPollInterval is how often the simulated main loop runs without input
const simPollInterval = time.Millisecond

// BusPort is a core.SPIPort whose interrupt is played by a goroutine
type BusPort interface {
	core.SPIPort
	StartAsync(ctx context.Context)
}

// Simulator runs the firmware in process. The host end of an in-memory pipe
// stands in for the serial port.
type Simulator struct {
	Engine   *core.SPIEngine
	Firmware *core.Firmware

	// Port and GPIO are set by NewSimulator only
	Port *core.LoopbackPort
	GPIO *core.MemoryGPIO

	host   net.Conn
	board  net.Conn
	cancel context.CancelFunc
	done   chan error
}

// NewSimulator boots a simulated board on a loopback bus. Close it to stop
// the firmware.
func NewSimulator() (*Simulator, error) {
	port := core.NewLoopbackPort()
	gpio := core.NewMemoryGPIO()
	s, err := NewBoard(port, gpio, core.BoardConfig{
		Clock:          core.RDKClock,
		BitRate:        core.DefaultBitRate,
		ChipSelectPins: SimulatorPins,
	})
	if err != nil {
		return nil, err
	}
	s.Port = port
	s.GPIO = gpio
	return s, nil
}

// NewBoard runs the firmware in process on port, e.g. a Linux SPI controller
func NewBoard(port BusPort, gpio core.GPIODriver, board core.BoardConfig) (*Simulator, error) {
	engine, err := core.NewSPIEngine(port, gpio, board)
	if err != nil {
		return nil, err
	}
	if err := engine.Init(0); err != nil {
		return nil, err
	}

	s := &Simulator{
		Engine: engine,
		done:   make(chan error, 1),
	}
	s.host, s.board = net.Pipe()
	s.Firmware = core.NewFirmware(engine, s.board)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	port.StartAsync(ctx)
	go func() {
		s.done <- s.Firmware.Serve(ctx, s.board, simPollInterval)
	}()
	return s, nil
}

// Conn returns the host end of the link
func (s *Simulator) Conn() net.Conn {
	return s.host
}

// Dial returns a client connected to the simulated board. The dictionary
// is loaded before it returns.
func (s *Simulator) Dial(ctx context.Context) (*Client, error) {
	c := NewClient(s.host)
	if err := c.Identify(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Close stops the firmware and closes both ends of the link
func (s *Simulator) Close() error {
	s.cancel()
	s.board.Close()
	s.host.Close()

	err := <-s.done
	if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}
