//go:build rp2040 && piospi

package main

import (
	"device/rp"
	"machine"
	"runtime"
	"sync/atomic"

	rp2pio "github.com/tinygo-org/pio/rp2-pio"

	"rdkfw/core"
)

// buildSPIProgram returns the mode 0 shifter: one bit out on the falling
// edge, one bit in on the rising edge, four cycles per bit. Autopull and
// autopush move whole bytes through the FIFOs.
func buildSPIProgram() []uint16 {
	asm := rp2pio.AssemblerV0{SidesetBits: 1}
	return []uint16{
		// .wrap_target
		asm.Out(rp2pio.OutDestPins, 1).Side(0).Delay(1).Encode(), // 0: out pins, 1 side 0 [1]
		asm.In(rp2pio.InSrcPins, 1).Side(1).Delay(1).Encode(),    // 1: in pins, 1 side 1 [1]
		// .wrap
	}
}

const spiPIOOrigin = 0

// pioPort runs the bus on a PIO state machine. PIO has no per-byte
// interrupt wired to the engine, so a goroutine polls the RX FIFO and
// plays the interrupt.
type pioPort struct {
	pio *rp2pio.PIO
	sm  rp2pio.StateMachine

	isr      func()
	masked   int32 // atomic
	inFlight int32 // atomic, bytes written and not yet read
	overrun  int32 // atomic
}

func newBusPort() busPort {
	return &pioPort{
		pio: rp2pio.PIO0,
		sm:  rp2pio.PIO0.StateMachine(0),
	}
}

func (p *pioPort) Name() string {
	return "pio0"
}

// ClockSpec maps the engine divider onto the state machine clock divider:
// with BaseClock at half the system clock, clkdiv = (divisor + 1) << prescaler
func (p *pioPort) ClockSpec() core.ClockSpec {
	return core.ClockSpec{
		BaseClock:    machine.CPUFrequency() / 2,
		MaxPrescaler: 7,
		DivisorBits:  8,
	}
}

func (p *pioPort) Attach(isr func()) error {
	p.sm.TryClaim()

	program := buildSPIProgram()
	offset, err := p.pio.AddProgram(program, spiPIOOrigin)
	if err != nil {
		return err
	}

	cfg := rp2pio.DefaultStateMachineConfig()
	cfg.SetOutPins(pinSDO, 1)
	cfg.SetInPins(pinSDI, 1)
	cfg.SetSidesetPins(pinSCK)
	cfg.SetSidesetParams(1, false, false)
	cfg.SetOutShift(false, true, 8)
	cfg.SetInShift(false, true, 8)
	cfg.SetWrap(offset+uint8(len(program))-1, offset)
	cfg.SetClkDivIntFrac(1, 0)

	pinCfg := machine.PinConfig{Mode: p.pio.PinMode()}
	pinSCK.Configure(pinCfg)
	pinSDO.Configure(pinCfg)
	pinSDI.Configure(pinCfg)

	p.sm.Init(offset, cfg)

	outMask := uint32(1)<<pinSCK | uint32(1)<<pinSDO
	inMask := uint32(1) << pinSDI
	p.sm.SetPinsMasked(0, outMask)
	p.sm.SetPindirsMasked(outMask, outMask|inMask)
	p.sm.SetEnabled(true)

	p.isr = isr
	go p.poll()
	return nil
}

// poll delivers one "interrupt" per received byte
func (p *pioPort) poll() {
	for {
		if atomic.LoadInt32(&p.masked) == 0 && !p.sm.IsRxFIFOEmpty() {
			p.isr()
			continue
		}
		runtime.Gosched()
	}
}

func (p *pioPort) WriteData(b byte) {
	// Left-justified: the shifter sends bit 31 first
	if atomic.AddInt32(&p.inFlight, 1) > 1 {
		atomic.StoreInt32(&p.overrun, 1)
	}
	p.sm.TxPut(uint32(b) << 24)
}

func (p *pioPort) ReadData() byte {
	var b byte
	for !p.sm.IsRxFIFOEmpty() {
		b = byte(p.sm.RxGet())
		atomic.AddInt32(&p.inFlight, -1)
	}
	if atomic.LoadInt32(&p.inFlight) < 0 {
		atomic.StoreInt32(&p.inFlight, 0)
	}
	return b
}

func (p *pioPort) TakeOverrun() bool {
	return atomic.SwapInt32(&p.overrun, 0) != 0
}

func (p *pioPort) MaskInterrupt() {
	atomic.AddInt32(&p.masked, 1)
}

func (p *pioPort) UnmaskInterrupt() {
	if atomic.AddInt32(&p.masked, -1) < 0 {
		atomic.StoreInt32(&p.masked, 0)
	}
}

func (p *pioPort) SetClock(prescaler, divisor uint8) {
	div := (uint32(divisor) + 1) << prescaler
	if div > 0xFFFF {
		div = 0xFFFF
	}
	// Integer divider in CLKDIV[31:16]; state machine 0 of PIO0
	rp.PIO0.SM0_CLKDIV.Set(div << 16)
}
