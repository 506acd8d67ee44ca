//go:build tinygo

package core

import "runtime/interrupt"

// disableInterrupts masks every interrupt on the core, bus ISR included,
// and returns the previous mask so sections can nest.
func disableInterrupts() interrupt.State {
	return interrupt.Disable()
}

// restoreInterrupts puts back the mask saved by disableInterrupts
func restoreInterrupts(state interrupt.State) {
	interrupt.Restore(state)
}
