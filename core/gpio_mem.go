package core

import "sync"

// MemoryGPIO is a GPIODriver that keeps pin levels in memory and records
// every write. Hosted builds use it for chip-select lines.
type MemoryGPIO struct {
	mu      sync.Mutex
	levels  map[GPIOPin]bool
	outputs map[GPIOPin]bool
	history map[GPIOPin][]bool
}

// NewMemoryGPIO creates a driver with every pin low and unconfigured
func NewMemoryGPIO() *MemoryGPIO {
	return &MemoryGPIO{
		levels:  make(map[GPIOPin]bool),
		outputs: make(map[GPIOPin]bool),
		history: make(map[GPIOPin][]bool),
	}
}

// ConfigureOutput marks a pin as an output
func (g *MemoryGPIO) ConfigureOutput(pin GPIOPin) error {
	g.mu.Lock()
	g.outputs[pin] = true
	g.mu.Unlock()
	return nil
}

// SetPin stores the level and appends it to the pin history
func (g *MemoryGPIO) SetPin(pin GPIOPin, value bool) error {
	g.mu.Lock()
	g.levels[pin] = value
	g.history[pin] = append(g.history[pin], value)
	g.mu.Unlock()
	return nil
}

// Level returns the current level of a pin
func (g *MemoryGPIO) Level(pin GPIOPin) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.levels[pin]
}

// IsOutput reports whether ConfigureOutput ran for the pin
func (g *MemoryGPIO) IsOutput(pin GPIOPin) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.outputs[pin]
}

// History returns every level written to the pin, oldest first
func (g *MemoryGPIO) History(pin GPIOPin) []bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]bool, len(g.history[pin]))
	copy(out, g.history[pin])
	return out
}

// Count returns how many writes drove the pin to level
func (g *MemoryGPIO) Count(pin GPIOPin, level bool) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, v := range g.history[pin] {
		if v == level {
			n++
		}
	}
	return n
}

// ResetHistory forgets recorded writes but keeps current levels
func (g *MemoryGPIO) ResetHistory() {
	g.mu.Lock()
	g.history = make(map[GPIOPin][]bool)
	g.mu.Unlock()
}
