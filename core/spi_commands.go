// SPI bridge commands
// Host requests start transfers on the engine; completions are reported
// from the main loop, never from the interrupt handler.
package core

import (
	"errors"
	"sync/atomic"

	"rdkfw/protocol"
)

// Status codes carried by SPI responses
const (
	SPIStatusOK       = 0
	SPIStatusBusy     = 1
	SPIStatusOverrun  = 2
	SPIStatusInvalid  = 3
	SPIStatusShutdown = 4
)

// SPIStatusCode maps an engine error to its wire status
func SPIStatusCode(err error) uint8 {
	switch {
	case err == nil:
		return SPIStatusOK
	case errors.Is(err, ErrSPIBusy):
		return SPIStatusBusy
	case errors.Is(err, ErrSPIOverrun):
		return SPIStatusOverrun
	case errors.Is(err, ErrShutdown):
		return SPIStatusShutdown
	}
	return SPIStatusInvalid
}

// Responder encodes a named response for the host
type Responder func(name string, args func(output protocol.OutputBuffer))

const (
	kindTransfer = iota
	kindSend
)

// spiCommands holds the one host transfer that may be outstanding
type spiCommands struct {
	engine   *SPIEngine
	respond  Responder
	shutdown func() bool

	// Foreground only
	inflight bool
	kind     uint8
	channel  SPIChannel
	rx       []byte

	// Written by the completion callback
	ready  uint32 // atomic
	result error
}

// registerSPICommands adds the SPI messages to reg
func registerSPICommands(reg *CommandRegistry, engine *SPIEngine, respond Responder, shutdown func() bool) *spiCommands {
	c := &spiCommands{engine: engine, respond: respond, shutdown: shutdown}

	reg.Register("spi_channel_setup", "channel=%c cs_active_high=%c cs_per_byte=%c", c.handleChannelSetup)
	reg.Register("spi_set_rate", "rate=%u", c.handleSetRate)
	reg.Register("spi_transfer", "channel=%c data=%*s", c.handleTransfer)
	reg.Register("spi_send", "channel=%c data=%*s", c.handleSend)
	reg.Register("spi_status", "", c.handleStatus)

	reg.RegisterResponse("spi_channel_status", "channel=%c status=%c")
	reg.RegisterResponse("spi_rate", "status=%c prescaler=%c divisor=%c rate=%u")
	reg.RegisterResponse("spi_transfer_response", "channel=%c status=%c response=%*s")
	reg.RegisterResponse("spi_send_response", "channel=%c status=%c")
	reg.RegisterResponse("spi_status_response", "busy=%c overruns=%u spurious=%u completed=%u rate=%u")

	return c
}

// handleChannelSetup configures chip-select for a channel
// Format: spi_channel_setup channel=%c cs_active_high=%c cs_per_byte=%c
func (c *spiCommands) handleChannelSetup(data *[]byte) error {
	ch, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	activeHigh, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	perByte, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	status := uint8(SPIStatusInvalid)
	if ch < MaxSPIChannels {
		status = SPIStatusCode(c.engine.ChannelSetup(SPIChannel(ch), activeHigh != 0, perByte != 0))
	}
	c.respond("spi_channel_status", func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, ch)
		protocol.EncodeVLQUint(out, uint32(status))
	})
	return nil
}

// handleSetRate retunes the bus
// Format: spi_set_rate rate=%u
func (c *spiCommands) handleSetRate(data *[]byte) error {
	rate, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	status := SPIStatusCode(c.engine.SetBitRate(rate))
	stats := c.engine.Stats()
	c.respond("spi_rate", func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, uint32(status))
		protocol.EncodeVLQUint(out, uint32(stats.Clock.Prescaler))
		protocol.EncodeVLQUint(out, uint32(stats.Clock.Divisor))
		protocol.EncodeVLQUint(out, stats.Rate)
	})
	return nil
}

// handleTransfer starts a full duplex transfer
// Format: spi_transfer channel=%c data=%*s
// Response: spi_transfer_response channel=%c status=%c response=%*s
func (c *spiCommands) handleTransfer(data *[]byte) error {
	return c.start(kindTransfer, data)
}

// handleSend starts a transfer whose received bytes are discarded
// Format: spi_send channel=%c data=%*s
// Response: spi_send_response channel=%c status=%c
func (c *spiCommands) handleSend(data *[]byte) error {
	return c.start(kindSend, data)
}

func (c *spiCommands) start(kind uint8, data *[]byte) error {
	ch, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	payload, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return err
	}

	if ch >= MaxSPIChannels {
		c.report(kind, SPIChannel(ch), SPIStatusInvalid, nil)
		return nil
	}
	if c.shutdown() {
		c.report(kind, SPIChannel(ch), SPIStatusShutdown, nil)
		return nil
	}
	if c.inflight {
		c.report(kind, SPIChannel(ch), SPIStatusBusy, nil)
		return nil
	}

	// The frame buffer is reused once the handler returns
	tx := make([]byte, len(payload))
	copy(tx, payload)
	var rx []byte
	if kind == kindTransfer {
		rx = make([]byte, len(tx))
	}

	c.kind = kind
	c.channel = SPIChannel(ch)
	c.rx = rx
	c.result = nil
	atomic.StoreUint32(&c.ready, 0)
	c.inflight = true

	if err := c.engine.Transfer(SPIChannel(ch), tx, rx, c.complete); err != nil {
		c.inflight = false
		c.rx = nil
		c.report(kind, SPIChannel(ch), SPIStatusCode(err), nil)
	}
	return nil
}

// complete runs in interrupt context
func (c *spiCommands) complete(err error) {
	c.result = err
	atomic.StoreUint32(&c.ready, 1)
}

// task reports a finished transfer. Call it from the main loop.
func (c *spiCommands) task() {
	if !c.inflight || atomic.LoadUint32(&c.ready) == 0 {
		return
	}
	atomic.StoreUint32(&c.ready, 0)
	c.inflight = false

	status := SPIStatusCode(c.result)
	rx := c.rx
	c.rx = nil
	if status != SPIStatusOK {
		rx = nil
		DebugAsync("[SPI] transfer on " + ChannelName(c.channel) + " failed: " + c.result.Error())
	} else if IsDebugEnabled() && rx != nil {
		DebugAsync("[SPI] " + ChannelName(c.channel) + " rx " + hexBytes(rx))
	}
	c.report(c.kind, c.channel, status, rx)
}

func (c *spiCommands) report(kind uint8, ch SPIChannel, status uint8, rx []byte) {
	if kind == kindSend {
		c.respond("spi_send_response", func(out protocol.OutputBuffer) {
			protocol.EncodeVLQUint(out, uint32(ch))
			protocol.EncodeVLQUint(out, uint32(status))
		})
		return
	}
	c.respond("spi_transfer_response", func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, uint32(ch))
		protocol.EncodeVLQUint(out, uint32(status))
		protocol.EncodeVLQBytes(out, rx)
	})
}

// handleStatus reports engine counters
// Format: spi_status
func (c *spiCommands) handleStatus(data *[]byte) error {
	stats := c.engine.Stats()
	busy := uint32(0)
	if stats.Busy {
		busy = 1
	}
	c.respond("spi_status_response", func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, busy)
		protocol.EncodeVLQUint(out, stats.Overruns)
		protocol.EncodeVLQUint(out, stats.Spurious)
		protocol.EncodeVLQUint(out, stats.Completed)
		protocol.EncodeVLQUint(out, stats.Rate)
	})
	return nil
}
