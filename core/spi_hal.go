package core

// SPIPort is the hardware shim under the transfer engine: one byte-wide shift
// register, its error flag, its clock divider and one "byte cycle complete"
// interrupt source. Targets implement it on top of real registers; the
// loopback port implements it for hosted builds and tests.
type SPIPort interface {
	// WriteData loads a byte into the shift register, starting a bus cycle.
	WriteData(b byte)

	// ReadData returns the byte shifted in by the last completed cycle.
	ReadData() byte

	// TakeOverrun reads and clears the hardware error flag.
	// It reports true when a receive overrun was flagged.
	TakeOverrun() bool

	// MaskInterrupt suppresses the bus interrupt source only.
	MaskInterrupt()

	// UnmaskInterrupt re-enables the bus interrupt source.
	UnmaskInterrupt()

	// SetClock programs the coarse prescaler and fine baud divisor.
	SetClock(prescaler, divisor uint8)

	// Attach binds the interrupt handler and enables the unit.
	// It is called once by SPIEngine.Init.
	Attach(isr func()) error
}

// ClockSpec describes the two-part divider of a bus clock generator.
type ClockSpec struct {
	BaseClock    uint32 // Operating clock feeding the prescaler, in Hz
	MaxPrescaler uint8  // Highest coarse prescaler selection (power of two steps)
	DivisorBits  uint8  // Width of the fine baud divisor field
}

// Global engine used by command handlers.
var spiEngine *SPIEngine

// SetSPIEngine is called by target-specific code to register the bus engine
func SetSPIEngine(e *SPIEngine) {
	spiEngine = e
}

// MustSPI returns the registered engine or panics if missing
func MustSPI() *SPIEngine {
	if spiEngine == nil {
		panic("SPI engine not configured")
	}
	return spiEngine
}
