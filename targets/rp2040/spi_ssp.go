//go:build rp2040 && !piospi

package main

import (
	"device/rp"
	"machine"
	"runtime/interrupt"

	"rdkfw/core"
)

// The PL022 raises no interrupt per shifted byte. With one byte in flight
// the receive timeout (RX FIFO not empty, idle for 32 bit periods) stands
// in for "byte complete"; the overrun interrupt flags a lost byte.
const sspIRQMask = rp.SPI0_SSPIMSC_RTIM | rp.SPI0_SSPIMSC_RORIM

// ssp0Handler is the engine ISR, bound by Attach
var ssp0Handler func()

func handleSSP0(interrupt.Interrupt) {
	if ssp0Handler != nil {
		ssp0Handler()
	}
}

// sspPort drives SPI0 registers directly
type sspPort struct {
	bus    *rp.SPI0_Type
	masked int
}

func newBusPort() busPort {
	return &sspPort{bus: rp.SPI0}
}

func (p *sspPort) Name() string {
	return "ssp0"
}

// ClockSpec describes the PL022 divider: SSPCLK / (CPSDVSR * (1 + SCR)) with
// CPSDVSR = 2 << prescaler and SCR = divisor
func (p *sspPort) ClockSpec() core.ClockSpec {
	return core.ClockSpec{
		BaseClock:    machine.CPUFrequency(),
		MaxPrescaler: 6,
		DivisorBits:  8,
	}
}

func (p *sspPort) Attach(isr func()) error {
	// Pin muxing, reset and 8-bit mode 0 frames
	if err := machine.SPI0.Configure(machine.SPIConfig{
		Frequency: core.DefaultBitRate,
		SCK:       pinSCK,
		SDO:       pinSDO,
		SDI:       pinSDI,
		Mode:      0,
	}); err != nil {
		return err
	}

	ssp0Handler = isr
	p.bus.SSPICR.Set(rp.SPI0_SSPICR_RORIC | rp.SPI0_SSPICR_RTIC)

	intr := interrupt.New(rp.IRQ_SPI0_IRQ, handleSSP0)
	intr.SetPriority(0xC0)
	intr.Enable()

	p.bus.SSPIMSC.Set(sspIRQMask)
	return nil
}

func (p *sspPort) WriteData(b byte) {
	p.bus.SSPDR.Set(uint32(b))
}

// ReadData drains the receive FIFO and returns the newest byte
func (p *sspPort) ReadData() byte {
	var b byte
	for p.bus.SSPSR.HasBits(rp.SPI0_SSPSR_RNE) {
		b = byte(p.bus.SSPDR.Get())
	}
	p.bus.SSPICR.Set(rp.SPI0_SSPICR_RTIC)
	return b
}

func (p *sspPort) TakeOverrun() bool {
	if !p.bus.SSPRIS.HasBits(rp.SPI0_SSPRIS_RORRIS) {
		return false
	}
	p.bus.SSPICR.Set(rp.SPI0_SSPICR_RORIC)
	return true
}

func (p *sspPort) MaskInterrupt() {
	p.masked++
	p.bus.SSPIMSC.ClearBits(sspIRQMask)
}

func (p *sspPort) UnmaskInterrupt() {
	if p.masked > 0 {
		p.masked--
	}
	if p.masked == 0 {
		p.bus.SSPIMSC.SetBits(sspIRQMask)
	}
}

func (p *sspPort) SetClock(prescaler, divisor uint8) {
	p.bus.SSPCR1.ClearBits(rp.SPI0_SSPCR1_SSE)
	p.bus.SSPCPSR.Set(uint32(2) << prescaler)
	p.bus.SSPCR0.ReplaceBits(uint32(divisor), rp.SPI0_SSPCR0_SCR_Msk>>rp.SPI0_SSPCR0_SCR_Pos, rp.SPI0_SSPCR0_SCR_Pos)
	p.bus.SSPCR1.SetBits(rp.SPI0_SSPCR1_SSE)
}
