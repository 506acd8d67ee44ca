package serial

import (
	"errors"
	"io"
	"time"
)

// ErrNoDevice is returned by Open when the config names no device
var ErrNoDevice = errors.New("serial: no device")

// Port is the byte stream between the bridge host and the board.
// The native implementation uses github.com/tarm/serial; tests and the
// simulator pass any io.ReadWriteCloser through Wrap.
type Port interface {
	io.ReadWriteCloser

	// Flush pushes out anything buffered on the host side
	Flush() error
}

// Config holds serial port configuration
type Config struct {
	// Device path (e.g., "/dev/ttyACM0", "COM3")
	Device string

	// Baud rate. USB CDC ignores it; a UART bridge to the board does not.
	Baud int

	// ReadTimeout bounds a single Read. Zero blocks until data arrives.
	ReadTimeout time.Duration
}

// DefaultConfig returns the settings the board firmware expects
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        250000,
		ReadTimeout: 100 * time.Millisecond,
	}
}

// streamPort adapts a plain stream to Port
type streamPort struct {
	io.ReadWriteCloser
}

// Wrap turns any stream into a Port whose Flush is a no-op
func Wrap(rwc io.ReadWriteCloser) Port {
	if p, ok := rwc.(Port); ok {
		return p
	}
	return streamPort{rwc}
}

func (streamPort) Flush() error {
	return nil
}
