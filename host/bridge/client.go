// Package bridge drives the board's SPI engine from a host over the framed
// command protocol.
package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"rdkfw/core"
	"rdkfw/host/serial"
	"rdkfw/protocol"
)

var (
	ErrNotIdentified      = errors.New("bridge: dictionary not loaded")
	ErrTransferTooLong    = errors.New("bridge: transfer too long")
	ErrEmptyTransfer      = errors.New("bridge: empty transfer")
	ErrInvalidRequest     = errors.New("bridge: request rejected by firmware")
	ErrUnknownMessage     = errors.New("bridge: message not in dictionary")
	ErrUnexpectedResponse = errors.New("bridge: unexpected response")
)

const (
	// MaxTransferBytes is the largest transfer whose reply still fits one frame
	MaxTransferBytes = 48

	// DefaultTimeout bounds a request when the caller's context has no deadline
	DefaultTimeout = 2 * time.Second

	identifyChunk         = 40
	identifyResponseID    = 0
	identifyCommandID     = 1
	maxIdentifyIterations = 1000
)

// RateInfo is the divider the firmware programmed for a requested rate
type RateInfo struct {
	Prescaler uint8
	Divisor   uint8
	Rate      uint32
}

// Status is the engine's counter snapshot
type Status struct {
	Busy      bool
	Overruns  uint32
	Spurious  uint32
	Completed uint32
	Rate      uint32
}

// Client is one connection to a board. Requests are serialized.
type Client struct {
	port      serial.Port
	transport *protocol.HostTransport

	mu      sync.Mutex
	dict    *Dictionary
	dictRaw []byte
}

// NewClient starts a client on an open stream
func NewClient(port io.ReadWriteCloser) *Client {
	p := serial.Wrap(port)
	return &Client{
		port:      p,
		transport: protocol.NewHostTransport(p),
	}
}

// Connect opens a serial device and loads the dictionary
func Connect(ctx context.Context, cfg *serial.Config) (*Client, error) {
	port, err := serial.Open(cfg)
	if err != nil {
		return nil, err
	}
	c := NewClient(port)
	if err := c.Identify(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Close stops the transport and closes the port
func (c *Client) Close() error {
	return c.transport.Close()
}

// Dictionary returns the parsed dictionary, nil before Identify
func (c *Client) Dictionary() *Dictionary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dict
}

// RawDictionary returns the dictionary bytes as downloaded
func (c *Client) RawDictionary() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dictRaw
}

// Identify downloads and parses the dictionary
func (c *Client) Identify(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var buf bytes.Buffer
	offset := uint32(0)
	for i := 0; i < maxIdentifyIterations; i++ {
		off := offset
		payload, err := c.exchange(ctx, identifyCommandID, func(output protocol.OutputBuffer) {
			protocol.EncodeVLQUint(output, off)
			protocol.EncodeVLQUint(output, identifyChunk)
		}, identifyResponseID)
		if err != nil {
			return fmt.Errorf("identify at offset %d: %w", offset, err)
		}

		respOffset, err := protocol.DecodeVLQUint(&payload)
		if err != nil {
			return fmt.Errorf("identify at offset %d: %w", offset, err)
		}
		if respOffset != offset {
			return fmt.Errorf("identify: %w: offset %d, expected %d", ErrUnexpectedResponse, respOffset, offset)
		}
		chunk, err := protocol.DecodeVLQBytes(&payload)
		if err != nil {
			return fmt.Errorf("identify at offset %d: %w", offset, err)
		}

		buf.Write(chunk)
		offset += uint32(len(chunk))
		if len(chunk) < identifyChunk {
			break
		}
	}

	dict, err := ParseDictionary(buf.Bytes())
	if err != nil {
		return err
	}
	c.dict = dict
	c.dictRaw = buf.Bytes()
	return nil
}

// exchange sends one command and waits for the first response carrying
// respID. Responses with other ids are discarded. Called with c.mu held.
func (c *Client) exchange(ctx context.Context, cmdID uint16, args func(protocol.OutputBuffer), respID uint16) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	if err := c.transport.SendCommand(ctx, cmdID, args); err != nil {
		return nil, err
	}
	for {
		msg, err := c.transport.ReceiveResponse(ctx)
		if err != nil {
			return nil, err
		}
		payload := msg.Payload
		id, err := protocol.DecodeVLQUint(&payload)
		if err != nil {
			continue
		}
		if uint16(id) == respID {
			return payload, nil
		}
	}
}

// request looks both names up in the dictionary and runs exchange
func (c *Client) request(ctx context.Context, cmd string, args func(protocol.OutputBuffer), resp string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dict == nil {
		return nil, ErrNotIdentified
	}
	cmdID, ok := c.dict.CommandID(cmd)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, cmd)
	}
	respID, ok := c.dict.ResponseID(resp)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, resp)
	}

	payload, err := c.exchange(ctx, cmdID, args, respID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd, err)
	}
	return payload, nil
}

// statusError maps a wire status to the engine error it stands for
func statusError(status uint32) error {
	switch status {
	case core.SPIStatusOK:
		return nil
	case core.SPIStatusBusy:
		return core.ErrSPIBusy
	case core.SPIStatusOverrun:
		return core.ErrSPIOverrun
	case core.SPIStatusShutdown:
		return core.ErrShutdown
	}
	return fmt.Errorf("%w: status %d", ErrInvalidRequest, status)
}

// decodeUints reads n VLQ integers from payload
func decodeUints(payload *[]byte, n int) ([]uint32, error) {
	out := make([]uint32, n)
	for i := range out {
		v, err := protocol.DecodeVLQUint(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
		}
		out[i] = v
	}
	return out, nil
}

// checkChannel verifies a response belongs to the channel asked about
func checkChannel(got uint32, want core.SPIChannel) error {
	if got != uint32(want) {
		return fmt.Errorf("%w: channel %d, expected %d", ErrUnexpectedResponse, got, want)
	}
	return nil
}

// SetupChannel configures chip-select polarity and toggling for a channel
func (c *Client) SetupChannel(ctx context.Context, ch core.SPIChannel, activeHigh, perByte bool) error {
	payload, err := c.request(ctx, "spi_channel_setup", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(ch))
		protocol.EncodeVLQUint(output, boolToUint(activeHigh))
		protocol.EncodeVLQUint(output, boolToUint(perByte))
	}, "spi_channel_status")
	if err != nil {
		return err
	}

	vals, err := decodeUints(&payload, 2)
	if err != nil {
		return err
	}
	if err := checkChannel(vals[0], ch); err != nil {
		return err
	}
	return statusError(vals[1])
}

// SetRate retunes the bus. On failure the returned RateInfo still
// describes the rate left in effect.
func (c *Client) SetRate(ctx context.Context, bitsPerSecond uint32) (RateInfo, error) {
	payload, err := c.request(ctx, "spi_set_rate", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, bitsPerSecond)
	}, "spi_rate")
	if err != nil {
		return RateInfo{}, err
	}

	vals, err := decodeUints(&payload, 4)
	if err != nil {
		return RateInfo{}, err
	}
	info := RateInfo{Prescaler: uint8(vals[1]), Divisor: uint8(vals[2]), Rate: vals[3]}
	return info, statusError(vals[0])
}

// Transfer clocks data out on ch and returns the bytes shifted in
func (c *Client) Transfer(ctx context.Context, ch core.SPIChannel, data []byte) ([]byte, error) {
	if err := checkLength(data); err != nil {
		return nil, err
	}
	payload, err := c.request(ctx, "spi_transfer", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(ch))
		protocol.EncodeVLQBytes(output, data)
	}, "spi_transfer_response")
	if err != nil {
		return nil, err
	}

	vals, err := decodeUints(&payload, 2)
	if err != nil {
		return nil, err
	}
	if err := checkChannel(vals[0], ch); err != nil {
		return nil, err
	}
	if err := statusError(vals[1]); err != nil {
		return nil, err
	}
	rx, err := protocol.DecodeVLQBytes(&payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	if len(rx) != len(data) {
		return nil, fmt.Errorf("%w: %d bytes back for %d sent", ErrUnexpectedResponse, len(rx), len(data))
	}
	return rx, nil
}

// Send clocks data out on ch, discarding what comes back
func (c *Client) Send(ctx context.Context, ch core.SPIChannel, data []byte) error {
	if err := checkLength(data); err != nil {
		return err
	}
	payload, err := c.request(ctx, "spi_send", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(ch))
		protocol.EncodeVLQBytes(output, data)
	}, "spi_send_response")
	if err != nil {
		return err
	}

	vals, err := decodeUints(&payload, 2)
	if err != nil {
		return err
	}
	if err := checkChannel(vals[0], ch); err != nil {
		return err
	}
	return statusError(vals[1])
}

// Status reads the engine counters
func (c *Client) Status(ctx context.Context) (Status, error) {
	payload, err := c.request(ctx, "spi_status", nil, "spi_status_response")
	if err != nil {
		return Status{}, err
	}

	vals, err := decodeUints(&payload, 5)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Busy:      vals[0] != 0,
		Overruns:  vals[1],
		Spurious:  vals[2],
		Completed: vals[3],
		Rate:      vals[4],
	}, nil
}

// Uptime reads the board's time since boot
func (c *Client) Uptime(ctx context.Context) (time.Duration, error) {
	payload, err := c.request(ctx, "get_uptime", nil, "uptime")
	if err != nil {
		return 0, err
	}
	vals, err := decodeUints(&payload, 2)
	if err != nil {
		return 0, err
	}
	us := uint64(vals[0])<<32 | uint64(vals[1])
	return time.Duration(us) * time.Microsecond, nil
}

// Shutdown reports whether the board refuses transfers, and why
func (c *Client) Shutdown(ctx context.Context) (bool, string, error) {
	payload, err := c.request(ctx, "get_config", nil, "config")
	if err != nil {
		return false, "", err
	}
	vals, err := decodeUints(&payload, 1)
	if err != nil {
		return false, "", err
	}
	reason, err := protocol.DecodeVLQBytes(&payload)
	if err != nil {
		return false, "", fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	return vals[0] != 0, string(reason), nil
}

// EmergencyStop makes the board refuse transfers until ClearShutdown
func (c *Client) EmergencyStop(ctx context.Context) error {
	return c.command(ctx, "emergency_stop")
}

// ClearShutdown lets the board accept transfers again
func (c *Client) ClearShutdown(ctx context.Context) error {
	return c.command(ctx, "clear_shutdown")
}

// command sends an argument-less command that has no response
func (c *Client) command(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dict == nil {
		return ErrNotIdentified
	}
	cmdID, ok := c.dict.CommandID(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, name)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}
	if err := c.transport.SendCommand(ctx, cmdID, nil); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func checkLength(data []byte) error {
	if len(data) == 0 {
		return ErrEmptyTransfer
	}
	if len(data) > MaxTransferBytes {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrTransferTooLong, len(data), MaxTransferBytes)
	}
	return nil
}

func boolToUint(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
