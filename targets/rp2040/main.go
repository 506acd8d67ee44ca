//go:build rp2040

package main

import (
	"machine"
	"runtime"
	"time"

	"rdkfw/core"
)

var (
	firmware *core.Firmware

	// Debug counters
	msgerrors uint32

	// USB connection state tracking
	usbWasDisconnected       bool
	consecutiveWriteFailures uint32
)

func main() {
	// Disable the watchdog left running by a previous image
	err := machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 0})
	if err != nil {
		return
	}

	InitUSB()
	InitDebugUART()
	core.SetUptimeSource(hardwareUptime)

	gpioDriver := NewRPGPIODriver()
	core.SetGPIODriver(gpioDriver)

	port := newBusPort()
	engine, err := core.NewSPIEngine(port, gpioDriver, core.BoardConfig{
		Clock:          port.ClockSpec(),
		BitRate:        core.DefaultBitRate,
		ChipSelectPins: boardPins,
	})
	if err != nil {
		halt()
	}
	if err := engine.Init(0); err != nil {
		halt()
	}
	core.SetSPIEngine(engine)
	startLCD()

	firmware = core.NewFirmware(engine, usbWriter{})
	firmware.Dictionary().SetBuildVersions("tinygo " + runtime.Version())
	firmware.Dictionary().AddConstant("MCU", "rp2040")
	firmware.Dictionary().AddConstant("SPI_PORT", port.Name())
	firmware.SetResetHandler(watchdogReset)

	go usbReaderLoop()

	var lastOverruns uint32
	for {
		// Recover from panics in the main loop to prevent a firmware crash
		func() {
			defer func() {
				if r := recover(); r != nil {
					msgerrors++
					firmware.Reset()
				}
			}()

			if err := firmware.Poll(); err != nil {
				msgerrors++
			}

			// An overrun leaves its trail in the bus trace
			if n := engine.OverrunCount(); n != lastOverruns {
				lastOverruns = n
				core.DumpBusTrace()
			}
		}()

		// Yield to the reader goroutine
		time.Sleep(10 * time.Microsecond)
	}
}

// watchdogReset reboots through the watchdog, which also re-enumerates USB
func watchdogReset() {
	if err := machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 1}); err != nil {
		return
	}
	if err := machine.Watchdog.Start(); err != nil {
		return
	}
	for {
		time.Sleep(time.Millisecond)
	}
}

// halt parks the core; the host sees no identify response
func halt() {
	for {
		time.Sleep(time.Second)
	}
}

// usbReaderLoop moves received USB bytes into the firmware input queue
func usbReaderLoop() {
	defer func() {
		if r := recover(); r != nil {
			msgerrors++
			time.Sleep(100 * time.Millisecond)
			go usbReaderLoop()
		}
	}()

	var buf [64]byte
	for {
		n := 0
		for n < len(buf) && USBAvailable() > 0 {
			b, err := USBRead()
			if err != nil {
				msgerrors++
				break
			}
			buf[n] = b
			n++
		}

		if n > 0 {
			// A host that comes back after a disconnect starts a new session
			if usbWasDisconnected {
				usbWasDisconnected = false
				consecutiveWriteFailures = 0
				firmware.Reset()
			}

			data := buf[:n]
			for len(data) > 0 {
				written := firmware.Feed(data)
				if written == 0 {
					// Queue full until the main loop catches up
					msgerrors++
					time.Sleep(time.Millisecond)
				}
				data = data[written:]
			}
		}
		time.Sleep(100 * time.Microsecond)
	}
}

// usbWriter sends firmware output over USB CDC. Repeated failures mark the
// host as gone and drop the output.
type usbWriter struct{}

func (usbWriter) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := USBWriteBytes(p[written:])
		if err != nil || n == 0 {
			consecutiveWriteFailures++
			if consecutiveWriteFailures > 10 {
				usbWasDisconnected = true
				consecutiveWriteFailures = 0
			}
			// Drop the rest
			return len(p), nil
		}
		written += n
	}
	consecutiveWriteFailures = 0
	return written, nil
}
