package core

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"io"
	"testing"

	"rdkfw/protocol"
)

// fwHarness drives a Firmware with hand built frames and decodes its output
type fwHarness struct {
	t      *testing.T
	fw     *Firmware
	engine *SPIEngine
	port   *LoopbackPort
	gpio   *MemoryGPIO
	out    bytes.Buffer
	seq    uint8
}

func newFWHarness(t *testing.T) *fwHarness {
	t.Helper()
	h := &fwHarness{t: t, seq: protocol.MessageDest}
	h.engine, h.port, h.gpio = newTestEngine(t)
	h.fw = NewFirmware(h.engine, &h.out)
	return h
}

// send encodes one command by name and runs a poll
func (h *fwHarness) send(name string, args ...interface{}) {
	h.t.Helper()
	cmd, ok := h.fw.Registry().GetCommandByName(name)
	if !ok {
		h.t.Fatalf("Unknown command %s", name)
	}

	payload := protocol.EncodeVLQ(int32(cmd.ID))
	for _, a := range args {
		switch v := a.(type) {
		case int:
			payload = protocol.AppendVLQ(payload, int32(v))
		case []byte:
			payload = protocol.AppendVLQ(payload, int32(len(v)))
			payload = append(payload, v...)
		}
	}
	h.fw.Feed(protocol.AppendFrame(nil, h.seq, payload))
	h.seq = protocol.NextSequence(h.seq)

	if err := h.fw.Poll(); err != nil {
		h.t.Fatalf("Poll failed: %v", err)
	}
}

// responses decodes every non-ACK frame written so far and clears the output
func (h *fwHarness) responses() []fwResponse {
	h.t.Helper()
	var out []fwResponse
	protocol.NewFrameScanner(true).Scan(h.out.Bytes(), func(msg protocol.Message) {
		if msg.IsAck() {
			return
		}
		payload := append([]byte(nil), msg.Payload...)
		id, err := protocol.DecodeVLQUint(&payload)
		if err != nil {
			h.t.Fatalf("Bad response: %v", err)
		}
		cmd, _ := h.fw.Registry().GetCommand(uint16(id))
		out = append(out, fwResponse{name: cmd.Name, data: payload})
	})
	h.out.Reset()
	return out
}

func (h *fwHarness) single(name string) fwResponse {
	h.t.Helper()
	resps := h.responses()
	if len(resps) != 1 || resps[0].name != name {
		h.t.Fatalf("Expected one %s, got %+v", name, resps)
	}
	return resps[0]
}

type fwResponse struct {
	name string
	data []byte
}

func (r *fwResponse) uint(t *testing.T) uint32 {
	t.Helper()
	v, err := protocol.DecodeVLQUint(&r.data)
	if err != nil {
		t.Fatalf("Decoding %s: %v", r.name, err)
	}
	return v
}

func (r *fwResponse) bytes(t *testing.T) []byte {
	t.Helper()
	v, err := protocol.DecodeVLQBytes(&r.data)
	if err != nil {
		t.Fatalf("Decoding %s: %v", r.name, err)
	}
	return v
}

func TestFirmwareIdentifyIDs(t *testing.T) {
	h := newFWHarness(t)

	resp, _ := h.fw.Registry().GetCommandByName("identify_response")
	cmd, _ := h.fw.Registry().GetCommandByName("identify")
	if resp.ID != 0 || cmd.ID != 1 {
		t.Errorf("identify_response/identify must be ids 0/1, got %d/%d", resp.ID, cmd.ID)
	}
}

func TestFirmwareIdentifyServesDictionary(t *testing.T) {
	h := newFWHarness(t)

	var dict []byte
	for offset := 0; ; {
		h.send("identify", offset, IdentifyChunkMax)
		r := h.single("identify_response")
		if got := r.uint(t); got != uint32(offset) {
			t.Fatalf("Expected offset %d, got %d", offset, got)
		}
		chunk := r.bytes(t)
		dict = append(dict, chunk...)
		offset += len(chunk)
		if len(chunk) < IdentifyChunkMax {
			break
		}
	}

	zr, err := zlib.NewReader(bytes.NewReader(dict))
	if err != nil {
		t.Fatalf("Dictionary is not zlib: %v", err)
	}
	raw, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("Inflate failed: %v", err)
	}

	var parsed struct {
		Version   string            `json:"version"`
		Config    map[string]string `json:"config"`
		Commands  map[string]int    `json:"commands"`
		Responses map[string]int    `json:"responses"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		t.Fatalf("Dictionary is not JSON: %v\n%s", err, raw)
	}

	if parsed.Version != FirmwareVersion {
		t.Errorf("Expected version %s, got %s", FirmwareVersion, parsed.Version)
	}
	if parsed.Config["SPI_BASE_CLOCK"] != "32000000" {
		t.Errorf("Expected SPI_BASE_CLOCK 32000000, got %q", parsed.Config["SPI_BASE_CLOCK"])
	}
	if parsed.Config["SPI_CS_lcd"] != "12" {
		t.Errorf("Expected SPI_CS_lcd 12, got %q", parsed.Config["SPI_CS_lcd"])
	}
	if _, ok := parsed.Commands["spi_transfer channel=%c data=%*s"]; !ok {
		t.Errorf("spi_transfer missing from commands: %v", parsed.Commands)
	}
	if id, ok := parsed.Responses["identify_response offset=%u data=%*s"]; !ok || id != 0 {
		t.Errorf("identify_response should be response 0: %v", parsed.Responses)
	}
}

func TestFirmwareIdentifyPastEnd(t *testing.T) {
	h := newFWHarness(t)

	h.send("identify", 100000, 10)
	r := h.single("identify_response")
	r.uint(t)
	if data := r.bytes(t); len(data) != 0 {
		t.Errorf("Expected an empty chunk past the end, got %d bytes", len(data))
	}
}

func TestFirmwareChannelSetupAndTransfer(t *testing.T) {
	h := newFWHarness(t)

	h.send("spi_channel_setup", int(ChannelLCD), 0, 0)
	r := h.single("spi_channel_status")
	if ch, status := r.uint(t), r.uint(t); ch != uint32(ChannelLCD) || status != SPIStatusOK {
		t.Errorf("Channel setup: ch=%d status=%d", ch, status)
	}

	h.send("spi_transfer", int(ChannelLCD), []byte{0xA5, 0x5A, 0x3C})
	if resps := h.responses(); len(resps) != 0 {
		t.Fatalf("Transfer response must wait for completion, got %+v", resps)
	}
	if !h.engine.IsBusy(ChannelLCD) {
		t.Fatal("Transfer should be in flight")
	}

	h.port.Drain()
	if err := h.fw.Poll(); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	r = h.single("spi_transfer_response")
	ch, status := r.uint(t), r.uint(t)
	data := r.bytes(t)
	if ch != uint32(ChannelLCD) || status != SPIStatusOK || !bytes.Equal(data, []byte{0xA5, 0x5A, 0x3C}) {
		t.Errorf("Transfer response: ch=%d status=%d data=% x", ch, status, data)
	}
}

func TestFirmwareSendAndBusy(t *testing.T) {
	h := newFWHarness(t)
	h.send("spi_channel_setup", int(ChannelWiFi), 0, 1)
	h.responses()

	h.send("spi_send", int(ChannelWiFi), []byte{1, 2, 3, 4})
	h.send("spi_transfer", int(ChannelWiFi), []byte{9})

	r := h.single("spi_transfer_response")
	if ch, status := r.uint(t), r.uint(t); ch != uint32(ChannelWiFi) || status != SPIStatusBusy {
		t.Errorf("Second transfer should be rejected busy: ch=%d status=%d", ch, status)
	}

	h.port.Drain()
	h.fw.Poll()
	r = h.single("spi_send_response")
	if ch, status := r.uint(t), r.uint(t); ch != uint32(ChannelWiFi) || status != SPIStatusOK {
		t.Errorf("Send response: ch=%d status=%d", ch, status)
	}
	if got := h.gpio.Count(testPinWiFi, false); got != 4 {
		t.Errorf("Per-byte channel should assert 4 times, got %d", got)
	}
}

func TestFirmwareTransferErrors(t *testing.T) {
	h := newFWHarness(t)

	h.send("spi_transfer", int(ChannelSD), []byte{1})
	r := h.single("spi_transfer_response")
	if _, status := r.uint(t), r.uint(t); status != SPIStatusInvalid {
		t.Errorf("Transfer on an unconfigured channel should be invalid, got %d", status)
	}

	h.send("spi_channel_setup", 42, 0, 0)
	r = h.single("spi_channel_status")
	if _, status := r.uint(t), r.uint(t); status != SPIStatusInvalid {
		t.Errorf("Setup of an unknown channel should be invalid, got %d", status)
	}
}

func TestFirmwareOverrunReported(t *testing.T) {
	h := newFWHarness(t)
	h.send("spi_channel_setup", int(ChannelSD), 0, 0)
	h.responses()

	h.send("spi_transfer", int(ChannelSD), []byte{1, 2, 3})
	h.port.Fire()
	h.port.InjectOverrun()
	h.port.Drain()
	h.fw.Poll()

	r := h.single("spi_transfer_response")
	if _, status := r.uint(t), r.uint(t); status != SPIStatusOverrun {
		t.Errorf("Expected overrun status, got %d", status)
	}
	if data := r.bytes(t); len(data) != 0 {
		t.Errorf("Overrun response should carry no data, got % x", data)
	}

	h.send("spi_status")
	r = h.single("spi_status_response")
	busy, overruns, spurious, completed := r.uint(t), r.uint(t), r.uint(t), r.uint(t)
	rate := r.uint(t)
	if busy != 0 || overruns != 1 || spurious != 0 || completed != 0 || rate != 1000000 {
		t.Errorf("Status: busy=%d overruns=%d spurious=%d completed=%d rate=%d",
			busy, overruns, spurious, completed, rate)
	}
}

func TestFirmwareSetRate(t *testing.T) {
	h := newFWHarness(t)

	h.send("spi_set_rate", 100000)
	r := h.single("spi_rate")
	status, p, d, rate := r.uint(t), r.uint(t), r.uint(t), r.uint(t)
	if status != SPIStatusOK || p != 1 || d != 79 || rate != 100000 {
		t.Errorf("spi_rate: status=%d p=%d d=%d rate=%d", status, p, d, rate)
	}

	h.send("spi_set_rate", 5)
	r = h.single("spi_rate")
	status, _, _, rate = r.uint(t), r.uint(t), r.uint(t), r.uint(t)
	if status != SPIStatusInvalid || rate != 100000 {
		t.Errorf("Out of range rate: status=%d rate=%d", status, rate)
	}
}

func TestFirmwareAcksEveryFrame(t *testing.T) {
	h := newFWHarness(t)

	h.send("spi_status")
	var acks []uint8
	protocol.NewFrameScanner(true).Scan(h.out.Bytes(), func(msg protocol.Message) {
		if msg.IsAck() {
			acks = append(acks, msg.Sequence)
		}
	})
	if len(acks) != 1 || acks[0] != 0x11 {
		t.Errorf("Expected one ACK with sequence 0x11, got % x", acks)
	}
}

func TestFirmwareReset(t *testing.T) {
	h := newFWHarness(t)
	h.send("spi_status")
	h.responses()

	// Half a frame is pending when the host goes away
	h.fw.Feed([]byte{0x05, 0x11})
	h.fw.Reset()
	h.seq = protocol.MessageDest

	h.send("spi_status")
	var acks []uint8
	protocol.NewFrameScanner(true).Scan(h.out.Bytes(), func(msg protocol.Message) {
		if msg.IsAck() {
			acks = append(acks, msg.Sequence)
		}
	})
	if len(acks) != 1 || acks[0] != 0x11 {
		t.Errorf("Expected the sequence to restart at 0x11, got % x", acks)
	}
}
