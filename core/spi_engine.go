// Interrupt-driven SPI transfer engine
// One physical bus, one transfer in flight, logical peripherals selected by chip-select
package core

import (
	"errors"
	"sync/atomic"
)

var (
	ErrSPIBusy       = errors.New("spi: bus busy")
	ErrSPIOverrun    = errors.New("spi: receive overrun")
	ErrEmptyTransfer = errors.New("spi: empty transfer")
	ErrShortBuffer   = errors.New("spi: receive buffer shorter than send buffer")
	ErrChipSelect    = errors.New("spi: chip select failed")
)

// SPICallback is invoked from interrupt context when a transfer ends.
// err is nil on success, ErrSPIOverrun or ErrChipSelect when the session
// was terminated.
// The engine is already idle when it runs, so it may start the next
// transfer, but it must not block.
type SPICallback func(err error)

// spiSession is the state of the one transfer in flight.
// Written by Transfer inside the masked section, then only by the ISR.
type spiSession struct {
	channel   SPIChannel
	cs        ChipSelect
	perByte   bool
	tx        []byte
	rx        []byte
	txIndex   int
	rxIndex   int
	remaining int
	done      SPICallback
}

// SPIStats is a diagnostic snapshot of the engine
type SPIStats struct {
	Busy      bool
	Overruns  uint32 // Receive overruns since boot
	Spurious  uint32 // Interrupts taken with no session
	Completed uint32 // Transfers finished without error
	CSFaults  uint32 // Chip-select writes that failed in the interrupt
	Rate      uint32 // Effective bus rate in Hz
	Clock     ClockSetting
}

// SPIEngine owns the bus and its single session slot
type SPIEngine struct {
	port     SPIPort
	clock    ClockSpec
	channels *channelRegistry

	busy    uint32 // atomic bool, 1 while a session is live
	session spiSession

	setting     ClockSetting
	rate        uint32
	defaultRate uint32

	overruns  uint32 // atomic
	spurious  uint32 // atomic
	completed uint32 // atomic
	csFaults  uint32 // atomic
}

// NewSPIEngine creates an engine over a port, with chip-select lines driven
// through gpio as described by board.
func NewSPIEngine(port SPIPort, gpio GPIODriver, board BoardConfig) (*SPIEngine, error) {
	if port == nil || gpio == nil {
		return nil, errors.New("spi: port and gpio driver are required")
	}
	if board.Clock.DivisorBits > 8 {
		return nil, ErrClockSpec
	}
	channels, err := newChannelRegistry(gpio, board.ChipSelectPins)
	if err != nil {
		return nil, err
	}
	defaultRate := board.BitRate
	if defaultRate == 0 {
		defaultRate = DefaultBitRate
	}
	return &SPIEngine{
		port:        port,
		clock:       board.Clock,
		channels:    channels,
		defaultRate: defaultRate,
	}, nil
}

// Init attaches the interrupt handler and programs the bus clock.
// A zero rate selects the board's default. It fails with ErrSPIBusy while a
// transfer is in flight.
func (e *SPIEngine) Init(bitsPerSecond uint32) error {
	if e.IsBusy(0) {
		return ErrSPIBusy
	}
	if bitsPerSecond == 0 {
		bitsPerSecond = e.defaultRate
	}
	if err := e.port.Attach(e.HandleInterrupt); err != nil {
		return err
	}
	return e.SetBitRate(bitsPerSecond)
}

// SetBitRate retunes the clock shared by every channel.
// Nothing is programmed when the rate is out of range or a transfer is live.
func (e *SPIEngine) SetBitRate(bitsPerSecond uint32) error {
	setting, err := ComputeClock(e.clock, bitsPerSecond)
	if err != nil {
		return err
	}
	if e.IsBusy(0) {
		return ErrSPIBusy
	}
	e.port.SetClock(setting.Prescaler, setting.Divisor)
	e.setting = setting
	e.rate = setting.Rate(e.clock)
	return nil
}

// BitRate returns the effective rate last programmed
func (e *SPIEngine) BitRate() uint32 {
	return e.rate
}

// ChannelSetup records polarity and toggle policy for a channel and drives
// its select line inactive. It may be repeated, except for the channel that
// has a transfer in flight.
func (e *SPIEngine) ChannelSetup(ch SPIChannel, activeHigh, perByteToggle bool) error {
	e.port.MaskInterrupt()
	defer e.port.UnmaskInterrupt()

	if atomic.LoadUint32(&e.busy) != 0 && e.session.channel == ch {
		return ErrSPIBusy
	}
	return e.channels.setup(ch, activeHigh, perByteToggle)
}

// Channel returns the registry entry for ch
func (e *SPIEngine) Channel(ch SPIChannel) (ChannelInfo, error) {
	return e.channels.info(ch)
}

// Channels lists every channel that has a select pin, in channel order
func (e *SPIEngine) Channels() []ChannelInfo {
	var out []ChannelInfo
	for ch := SPIChannel(0); ch < MaxSPIChannels; ch++ {
		if info, err := e.channels.info(ch); err == nil {
			out = append(out, info)
		}
	}
	return out
}

// ClockSpec returns the divider description the engine computes against
func (e *SPIEngine) ClockSpec() ClockSpec {
	return e.clock
}

// Transfer starts shifting tx out on channel ch and returns immediately.
// Received bytes land in rx, which may alias tx or be nil to discard them.
// Both buffers are borrowed until done runs. When a session is already live
// the call returns ErrSPIBusy and changes nothing.
func (e *SPIEngine) Transfer(ch SPIChannel, tx, rx []byte, done SPICallback) error {
	if atomic.LoadUint32(&e.busy) != 0 {
		return ErrSPIBusy
	}
	if len(tx) == 0 {
		return ErrEmptyTransfer
	}
	if rx != nil && len(rx) < len(tx) {
		return ErrShortBuffer
	}
	slot, err := e.channels.lookup(ch)
	if err != nil {
		return err
	}

	// Masked before busy is claimed so the ISR never sees a half-written session
	e.port.MaskInterrupt()
	if !atomic.CompareAndSwapUint32(&e.busy, 0, 1) {
		e.port.UnmaskInterrupt()
		return ErrSPIBusy
	}

	s := &e.session
	s.channel = ch
	s.cs = slot.cs
	s.perByte = slot.perByte
	s.tx = tx
	s.rx = rx
	s.txIndex = 0
	s.rxIndex = 0
	s.remaining = len(tx)
	s.done = done

	if err := s.cs.Assert(); err != nil {
		e.session = spiSession{}
		atomic.StoreUint32(&e.busy, 0)
		e.port.UnmaskInterrupt()
		return err
	}
	RecordBusEvent(BusEvtAssert, ch, 0)

	// Writing the first byte starts the first bus cycle
	first := s.tx[s.txIndex]
	s.txIndex++
	s.remaining--
	e.port.WriteData(first)
	RecordBusEvent(BusEvtKick, ch, uint32(first))

	e.port.UnmaskInterrupt()
	return nil
}

// IsBusy reports whether a session is live. The bus is shared, so the answer
// is the same for every channel.
func (e *SPIEngine) IsBusy(ch SPIChannel) bool {
	_ = ch
	return atomic.LoadUint32(&e.busy) != 0
}

// OverrunCount returns the number of receive overruns since boot
func (e *SPIEngine) OverrunCount() uint32 {
	return atomic.LoadUint32(&e.overruns)
}

// Stats returns a diagnostic snapshot
func (e *SPIEngine) Stats() SPIStats {
	return SPIStats{
		Busy:      e.IsBusy(0),
		Overruns:  atomic.LoadUint32(&e.overruns),
		Spurious:  atomic.LoadUint32(&e.spurious),
		Completed: atomic.LoadUint32(&e.completed),
		CSFaults:  atomic.LoadUint32(&e.csFaults),
		Rate:      e.rate,
		Clock:     e.setting,
	}
}

// HandleInterrupt runs once per shifted byte, from the bus interrupt.
// Targets bind it through SPIPort.Attach.
func (e *SPIEngine) HandleInterrupt() {
	overrun := e.port.TakeOverrun()
	if overrun {
		atomic.AddUint32(&e.overruns, 1)
	}

	if atomic.LoadUint32(&e.busy) == 0 {
		e.port.ReadData()
		atomic.AddUint32(&e.spurious, 1)
		RecordBusEvent(BusEvtSpurious, 0, 0)
		return
	}

	s := &e.session

	// An overrun means a byte was lost; the session cannot be trusted past it
	if overrun {
		e.port.ReadData()
		RecordBusEvent(BusEvtOverrun, s.channel, uint32(s.rxIndex))
		e.deassert(s)
		e.finish(ErrSPIOverrun)
		return
	}

	b := e.port.ReadData()
	if s.rx != nil {
		s.rx[s.rxIndex] = b
	}
	s.rxIndex++
	RecordBusEvent(BusEvtReceive, s.channel, uint32(b))

	if s.remaining > 0 {
		if s.perByte {
			if !e.deassert(s) {
				e.finish(ErrChipSelect)
				return
			}
			if err := s.cs.Assert(); err != nil {
				atomic.AddUint32(&e.csFaults, 1)
				e.deassert(s)
				e.finish(ErrChipSelect)
				return
			}
			RecordBusEvent(BusEvtAssert, s.channel, 0)
		}
		next := s.tx[s.txIndex]
		s.txIndex++
		s.remaining--
		e.port.WriteData(next)
		return
	}

	if !e.deassert(s) {
		e.finish(ErrChipSelect)
		return
	}
	e.finish(nil)
}

// deassert releases the session's select line, counting a failed write
func (e *SPIEngine) deassert(s *spiSession) bool {
	if err := s.cs.Deassert(); err != nil {
		atomic.AddUint32(&e.csFaults, 1)
		return false
	}
	RecordBusEvent(BusEvtDeassert, s.channel, 0)
	return true
}

// finish releases the session, clears busy, then runs the callback
func (e *SPIEngine) finish(err error) {
	done := e.session.done
	ch := e.session.channel
	n := e.session.rxIndex
	e.session = spiSession{}

	if err == nil {
		atomic.AddUint32(&e.completed, 1)
	}
	RecordBusEvent(BusEvtComplete, ch, uint32(n))
	atomic.StoreUint32(&e.busy, 0)

	if done != nil {
		done(err)
	}
}
