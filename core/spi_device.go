package core

import (
	"errors"
	"sync/atomic"
	"time"

	"tinygo.org/x/drivers"
)

var ErrSPITimeout = errors.New("spi: transfer timed out")

// Defaults for SPIDevice waits
const (
	DefaultSPITimeout      = 100 * time.Millisecond
	DefaultSPIPollInterval = 20 * time.Microsecond
)

var _ drivers.SPI = (*SPIDevice)(nil)

// SPIDevice is a blocking view of one channel, for drivers written against
// drivers.SPI. Each call waits for the bus, starts the transfer and polls
// for its completion.
type SPIDevice struct {
	engine  *SPIEngine
	channel SPIChannel

	// Timeout bounds both the wait for the bus and the transfer itself.
	// A transfer that times out after it started keeps running, so its
	// buffers stay in use until the engine goes idle.
	Timeout time.Duration

	// PollInterval is the sleep between completion checks
	PollInterval time.Duration
}

// NewSPIDevice returns a blocking device on channel ch
func NewSPIDevice(engine *SPIEngine, ch SPIChannel) *SPIDevice {
	return &SPIDevice{
		engine:       engine,
		channel:      ch,
		Timeout:      DefaultSPITimeout,
		PollInterval: DefaultSPIPollInterval,
	}
}

// Channel returns the channel the device drives
func (d *SPIDevice) Channel() SPIChannel {
	return d.channel
}

// txWait is the completion record of one blocking transfer
type txWait struct {
	done uint32 // atomic
	err  error
}

func (w *txWait) complete(err error) {
	w.err = err
	atomic.StoreUint32(&w.done, 1)
}

// Tx shifts w out while reading into r. Either may be nil: a nil w sends
// zeros, a nil r discards what comes back.
func (d *SPIDevice) Tx(w, r []byte) error {
	n := len(w)
	if len(r) > n {
		n = len(r)
	}
	if n == 0 {
		return nil
	}

	tx := w
	if len(w) < n {
		tx = make([]byte, n)
		copy(tx, w)
	}
	rx := r
	if r != nil && len(r) < n {
		rx = make([]byte, n)
	}

	deadline := time.Now().Add(d.Timeout)
	wait := &txWait{}

	for {
		err := d.engine.Transfer(d.channel, tx, rx, wait.complete)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrSPIBusy) {
			return err
		}
		if time.Now().After(deadline) {
			return ErrSPITimeout
		}
		time.Sleep(d.PollInterval)
	}

	for atomic.LoadUint32(&wait.done) == 0 {
		if time.Now().After(deadline) {
			return ErrSPITimeout
		}
		time.Sleep(d.PollInterval)
	}
	if wait.err != nil {
		return wait.err
	}

	if r != nil && len(r) < n {
		copy(r, rx)
	}
	return nil
}

// Transfer exchanges one byte
func (d *SPIDevice) Transfer(b byte) (byte, error) {
	var out [1]byte
	err := d.Tx([]byte{b}, out[:])
	return out[0], err
}

// Send writes data and discards the reply, waiting until the bus is free
// and the transfer has finished.
func (d *SPIDevice) Send(data []byte) error {
	return d.Tx(data, nil)
}
