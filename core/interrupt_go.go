//go:build !tinygo

package core

import "sync"

// State is a placeholder for interrupt state on regular Go
type State uintptr

// On hosted Go the "interrupt" is a goroutine, so masking is a mutex
var hostIRQ sync.Mutex

// disableInterrupts enters the critical section
func disableInterrupts() State {
	hostIRQ.Lock()
	return 0
}

// restoreInterrupts leaves the critical section
func restoreInterrupts(state State) {
	_ = state
	hostIRQ.Unlock()
}
