package core

import (
	"context"
	"sync"
)

// LoopbackPort is a hosted SPIPort. Every byte written comes back as the
// received byte (or whatever Responder answers), and the "byte complete"
// interrupt is delivered either synchronously through Fire/Drain or by a
// goroutine started with StartAsync.
type LoopbackPort struct {
	// Responder, when set, computes the byte a device would shift back
	Responder func(tx byte) byte

	mu       sync.Mutex
	isr      func()
	masked   int
	pending  bool
	shift    byte
	overrun  bool
	writes   []byte
	clock    ClockSetting
	clockSet int
	kick     chan struct{}
}

// NewLoopbackPort creates a port in synchronous delivery mode
func NewLoopbackPort() *LoopbackPort {
	return &LoopbackPort{}
}

// Attach binds the interrupt handler
func (p *LoopbackPort) Attach(isr func()) error {
	p.mu.Lock()
	p.isr = isr
	p.mu.Unlock()
	return nil
}

// WriteData starts a simulated bus cycle. Writing while the previous
// cycle is still unserviced latches an overrun, as the hardware would.
func (p *LoopbackPort) WriteData(b byte) {
	// Responder runs unlocked so it may call back into the port
	in := b
	if p.Responder != nil {
		in = p.Responder(b)
	}

	p.mu.Lock()
	if p.pending {
		p.overrun = true
	}
	p.shift = in
	p.pending = true
	p.writes = append(p.writes, b)
	deliver := p.kick != nil && p.masked == 0
	p.mu.Unlock()

	if deliver {
		p.signal()
	}
}

// ReadData returns the byte shifted in by the last cycle
func (p *LoopbackPort) ReadData() byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shift
}

// TakeOverrun reads and clears the overrun flag
func (p *LoopbackPort) TakeOverrun() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	o := p.overrun
	p.overrun = false
	return o
}

// MaskInterrupt holds off delivery until the matching UnmaskInterrupt
func (p *LoopbackPort) MaskInterrupt() {
	p.mu.Lock()
	p.masked++
	p.mu.Unlock()
}

// UnmaskInterrupt releases one mask level and delivers anything pending
func (p *LoopbackPort) UnmaskInterrupt() {
	p.mu.Lock()
	if p.masked > 0 {
		p.masked--
	}
	deliver := p.kick != nil && p.masked == 0 && p.pending
	p.mu.Unlock()

	if deliver {
		p.signal()
	}
}

// SetClock records the programmed divider
func (p *LoopbackPort) SetClock(prescaler, divisor uint8) {
	p.mu.Lock()
	p.clock = ClockSetting{Prescaler: prescaler, Divisor: divisor}
	p.clockSet++
	p.mu.Unlock()
}

// Clock returns the last programmed divider and how many times it was set
func (p *LoopbackPort) Clock() (ClockSetting, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clock, p.clockSet
}

// InjectOverrun flags an overrun for the next interrupt
func (p *LoopbackPort) InjectOverrun() {
	p.mu.Lock()
	p.overrun = true
	p.mu.Unlock()
}

// Pending reports whether a cycle is waiting for its interrupt
func (p *LoopbackPort) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// Writes returns a copy of every byte written so far
func (p *LoopbackPort) Writes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]byte, len(p.writes))
	copy(out, p.writes)
	return out
}

// Fire delivers one pending interrupt on the calling goroutine.
// It returns false when nothing is pending or delivery is masked.
func (p *LoopbackPort) Fire() bool {
	p.mu.Lock()
	if p.masked > 0 || !p.pending || p.isr == nil {
		p.mu.Unlock()
		return false
	}
	p.pending = false
	isr := p.isr
	p.mu.Unlock()

	isr()
	return true
}

// Drain fires interrupts until none are pending and returns how many ran
func (p *LoopbackPort) Drain() int {
	n := 0
	for p.Fire() {
		n++
	}
	return n
}

// StartAsync switches the port to asynchronous delivery: a goroutine plays
// the interrupt until ctx is done.
func (p *LoopbackPort) StartAsync(ctx context.Context) {
	kick := make(chan struct{}, 1)
	p.mu.Lock()
	p.kick = kick
	pending := p.pending
	p.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-kick:
				p.Drain()
			}
		}
	}()

	if pending {
		p.signal()
	}
}

func (p *LoopbackPort) signal() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}
