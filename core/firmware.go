package core

import (
	"context"
	"io"
	"sync"
	"time"

	"rdkfw/protocol"
)

// FirmwareVersion is reported in the dictionary
const FirmwareVersion = "rdkfw-0.1.0"

// IdentifyChunkMax bounds one identify_response so it fits a frame
const IdentifyChunkMax = 40

// Firmware ties the transport, command registry and SPI command surface
// together. Targets feed it received bytes and call Poll from their main
// loop; hosted builds drive it with Serve.
type Firmware struct {
	mu        sync.Mutex
	registry  *CommandRegistry
	dict      *Dictionary
	transport *protocol.Transport
	input     *protocol.FifoBuffer
	output    *protocol.ScratchOutput
	w         io.Writer
	writeErr  error

	engine *SPIEngine
	sys    *systemCommands
	spi    *spiCommands
}

// NewFirmware registers the command set for engine and sends responses to w
func NewFirmware(engine *SPIEngine, w io.Writer) *Firmware {
	f := &Firmware{
		registry: NewCommandRegistry(),
		input:    protocol.NewFifoBuffer(256),
		output:   protocol.NewScratchOutput(),
		w:        w,
		engine:   engine,
	}
	f.dict = NewDictionary(f.registry, FirmwareVersion)

	f.transport = protocol.NewTransport(f.output, func(cmdID uint16, data *[]byte) error {
		return f.registry.Dispatch(cmdID, data)
	})
	f.transport.SetFlushCallback(f.flush)
	f.transport.SetResetCallback(func() {
		DebugPrintln("[FW] host reset")
	})
	f.transport.SetErrorCallback(func(cmdID uint16, err error) {
		DebugPrintln("[FW] command " + itoa(int(cmdID)) + ": " + err.Error())
	})

	// identify_response and identify must keep ids 0 and 1: the host uses
	// them before it has the dictionary
	f.registry.RegisterResponse("identify_response", "offset=%u data=%*s")
	f.registry.Register("identify", "offset=%u count=%c", f.handleIdentify)
	f.sys = registerSystemCommands(f.registry, f.Respond)
	f.spi = registerSPICommands(f.registry, engine, f.Respond, f.sys.shutdown)

	spec := engine.ClockSpec()
	f.dict.AddConstantUint("SPI_BASE_CLOCK", spec.BaseClock)
	f.dict.AddConstantUint("SPI_MAX_PRESCALER", uint32(spec.MaxPrescaler))
	f.dict.AddConstantUint("SPI_DIVISOR_BITS", uint32(spec.DivisorBits))
	for _, info := range engine.Channels() {
		f.dict.AddConstantUint("SPI_CS_"+ChannelName(info.Channel), uint32(info.Pin))
	}
	return f
}

// Registry returns the command registry
func (f *Firmware) Registry() *CommandRegistry {
	return f.registry
}

// Dictionary returns the dictionary served by identify
func (f *Firmware) Dictionary() *Dictionary {
	return f.dict
}

// Respond encodes a named response. Unknown names are dropped.
func (f *Firmware) Respond(name string, args func(output protocol.OutputBuffer)) {
	cmd, ok := f.registry.GetCommandByName(name)
	if !ok {
		DebugPrintln("[FW] unknown response " + name)
		return
	}
	f.transport.SendCommand(cmd.ID, args)
}

// handleIdentify returns a chunk of the dictionary
// Format: identify offset=%u count=%c
// Response: identify_response offset=%u data=%*s
func (f *Firmware) handleIdentify(data *[]byte) error {
	offset, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	count, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	if count > IdentifyChunkMax {
		count = IdentifyChunkMax
	}

	chunk := f.dict.Chunk(offset, uint8(count))
	f.Respond("identify_response", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, offset)
		protocol.EncodeVLQBytes(output, chunk)
	})
	return nil
}

// Feed queues received bytes and returns how many fit
func (f *Firmware) Feed(data []byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.input.Write(data)
}

// Poll dispatches queued commands, reports finished transfers and flushes
// responses. It returns the first write error seen since the last call.
func (f *Firmware) Poll() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.input.Available() > 0 {
		f.transport.Receive(f.input)
	}
	f.spi.task()
	f.flush()
	f.sys.checkReset()

	err := f.writeErr
	f.writeErr = nil
	return err
}

// Reset drops buffered input and output, restarts the sequence count and
// leaves shutdown, for a host that reconnected. A transfer in flight still
// completes and is reported.
func (f *Firmware) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.input.Reset()
	f.output.Reset()
	f.transport.Reset()
	f.writeErr = nil
	f.sys.clear()
}

// Shutdown refuses further transfers until the host clears it or
// reconnects. The host is told the reason.
func (f *Firmware) Shutdown(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sys.trigger(reason)
	f.flush()
}

// IsShutdown reports whether transfers are being refused
func (f *Firmware) IsShutdown() bool {
	return f.sys.shutdown()
}

// SetResetHandler installs the target's reboot routine, run by Poll after
// a reset command has been acknowledged
func (f *Firmware) SetResetHandler(handler func()) {
	f.mu.Lock()
	f.sys.resetHandler = handler
	f.mu.Unlock()
}

// flush writes pending output; called with f.mu held
func (f *Firmware) flush() {
	if f.output.CurPosition() == 0 {
		return
	}
	if dropped := f.output.Dropped(); dropped > 0 {
		DebugPrintln("[FW] output overflow, dropped " + itoa(dropped) + " bytes")
	}
	if _, err := f.w.Write(f.output.Result()); err != nil && f.writeErr == nil {
		f.writeErr = err
	}
	f.output.Reset()
}

// Serve reads commands from r and polls until ctx is done or r fails
func (f *Firmware) Serve(ctx context.Context, r io.Reader, interval time.Duration) error {
	chunks := make(chan []byte, 8)
	readErr := make(chan error, 1)
	go func() {
		for {
			buf := make([]byte, 64)
			n, err := r.Read(buf)
			if n > 0 {
				select {
				case chunks <- buf[:n]:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case chunk := <-chunks:
			for len(chunk) > 0 {
				n := f.Feed(chunk)
				chunk = chunk[n:]
				if err := f.Poll(); err != nil {
					return err
				}
			}
		case <-ticker.C:
			if err := f.Poll(); err != nil {
				return err
			}
		}
	}
}
