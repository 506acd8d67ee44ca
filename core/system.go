package core

import (
	"errors"
	"sync/atomic"
	"time"

	"rdkfw/protocol"
)

// ErrShutdown is reported for requests refused after an emergency stop
var ErrShutdown = errors.New("firmware is shut down")

var (
	bootTime     = time.Now()
	uptimeSource func() uint64
)

// SetUptimeSource installs a hardware microsecond counter. Without one,
// uptime comes from the runtime clock.
func SetUptimeSource(fn func() uint64) {
	uptimeSource = fn
}

// GetUptime returns microseconds since boot
func GetUptime() uint64 {
	if uptimeSource != nil {
		return uptimeSource()
	}
	return uint64(time.Since(bootTime) / time.Microsecond)
}

// systemCommands holds the firmware wide state the host can query and change
type systemCommands struct {
	respond Responder

	isShutdown   uint32 // atomic bool
	reason       string
	resetPending uint32 // atomic bool
	resetHandler func()
}

// registerSystemCommands adds uptime, config, shutdown and reset messages
func registerSystemCommands(reg *CommandRegistry, respond Responder) *systemCommands {
	s := &systemCommands{respond: respond}

	reg.Register("get_uptime", "", s.handleGetUptime)
	reg.Register("get_config", "", s.handleGetConfig)
	reg.Register("emergency_stop", "", s.handleEmergencyStop)
	reg.Register("clear_shutdown", "", s.handleClearShutdown)
	reg.Register("reset", "", s.handleReset)

	reg.RegisterResponse("uptime", "high=%u clock=%u")
	reg.RegisterResponse("config", "is_shutdown=%c reason=%*s")
	reg.RegisterResponse("shutdown", "reason=%*s")
	return s
}

// handleGetUptime reports the 64-bit microsecond uptime
// Format: get_uptime
// Response: uptime high=%u clock=%u
func (s *systemCommands) handleGetUptime(data *[]byte) error {
	uptime := GetUptime()
	s.respond("uptime", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(uptime>>32))
		protocol.EncodeVLQUint(output, uint32(uptime))
	})
	return nil
}

// handleGetConfig reports whether the firmware is shut down
// Format: get_config
// Response: config is_shutdown=%c reason=%*s
func (s *systemCommands) handleGetConfig(data *[]byte) error {
	shut := s.shutdown()
	reason := ""
	if shut {
		reason = s.reason
	}
	s.respond("config", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, boolToUint(shut))
		protocol.EncodeVLQBytes(output, []byte(reason))
	})
	return nil
}

func (s *systemCommands) handleEmergencyStop(data *[]byte) error {
	s.trigger("emergency_stop")
	return nil
}

func (s *systemCommands) handleClearShutdown(data *[]byte) error {
	s.clear()
	return nil
}

// handleReset defers the reset to the main loop so the ACK goes out first
func (s *systemCommands) handleReset(_ *[]byte) error {
	atomic.StoreUint32(&s.resetPending, 1)
	return nil
}

// trigger enters shutdown once and tells the host why
func (s *systemCommands) trigger(reason string) {
	if !atomic.CompareAndSwapUint32(&s.isShutdown, 0, 1) {
		return
	}
	s.reason = reason
	DebugPrintln("[FW] shutdown: " + reason)
	s.respond("shutdown", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQBytes(output, []byte(reason))
	})
}

func (s *systemCommands) clear() {
	atomic.StoreUint32(&s.isShutdown, 0)
}

func (s *systemCommands) shutdown() bool {
	return atomic.LoadUint32(&s.isShutdown) != 0
}

// checkReset runs the reset handler once a reset was requested and the
// output has been flushed
func (s *systemCommands) checkReset() {
	if atomic.LoadUint32(&s.resetPending) == 0 {
		return
	}
	atomic.StoreUint32(&s.resetPending, 0)
	if s.resetHandler != nil {
		s.resetHandler()
	}
}

func boolToUint(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
