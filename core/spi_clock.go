package core

import "errors"

var (
	ErrBitRateOutOfRange = errors.New("spi: bit rate out of range")
	ErrClockSpec         = errors.New("spi: divisor field wider than 8 bits")
)

// RDKClock is the serial array unit clock on the RDK board: 32MHz main clock,
// SPS prescaler selections 0-11, 7-bit SDR baud field.
var RDKClock = ClockSpec{
	BaseClock:    32000000,
	MaxPrescaler: 11,
	DivisorBits:  7,
}

// ClockSetting is a programmed prescaler/divisor pair
type ClockSetting struct {
	Prescaler uint8
	Divisor   uint8
}

// Rate returns the bit rate the setting produces from the given clock.
// rate = base / 2^prescaler / (2 * (divisor + 1))
func (c ClockSetting) Rate(spec ClockSpec) uint32 {
	return (spec.BaseClock >> c.Prescaler) / (2 * (uint32(c.Divisor) + 1))
}

// ComputeClock derives the prescaler and divisor for a target bit rate.
// The raw divisor is halved once per prescaler step until it fits the fine
// field. A rate too low for the largest prescaler, a zero rate and a rate
// above half the base clock return ErrBitRateOutOfRange.
func ComputeClock(spec ClockSpec, bitsPerSecond uint32) (ClockSetting, error) {
	if spec.DivisorBits > 8 {
		return ClockSetting{}, ErrClockSpec
	}
	if bitsPerSecond == 0 {
		return ClockSetting{}, ErrBitRateOutOfRange
	}
	half := spec.BaseClock / bitsPerSecond / 2
	if half == 0 {
		return ClockSetting{}, ErrBitRateOutOfRange
	}

	maxDivisor := uint32(1)<<spec.DivisorBits - 1
	raw := half - 1
	for prescaler := uint8(0); prescaler <= spec.MaxPrescaler; prescaler++ {
		if raw <= maxDivisor {
			return ClockSetting{Prescaler: prescaler, Divisor: uint8(raw)}, nil
		}
		raw /= 2
	}
	return ClockSetting{}, ErrBitRateOutOfRange
}
