package bridge

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Dictionary is the firmware's self description, fetched with identify
type Dictionary struct {
	Version       string            `json:"version"`
	BuildVersions string            `json:"build_versions"`
	Config        map[string]string `json:"config"`
	Commands      map[string]int    `json:"commands"`
	Responses     map[string]int    `json:"responses"`

	commandIDs  map[string]uint16
	responseIDs map[string]uint16
	names       map[uint16]string
}

// ParseDictionary inflates and decodes a dictionary blob. Uncompressed
// JSON is accepted as well.
func ParseDictionary(raw []byte) (*Dictionary, error) {
	data := raw
	if len(raw) >= 2 && raw[0] == 0x78 {
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("inflate dictionary: %w", err)
		}
		data, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("inflate dictionary: %w", err)
		}
	}

	d := &Dictionary{}
	if err := json.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("decode dictionary: %w", err)
	}

	d.commandIDs = indexByName(d.Commands)
	d.responseIDs = indexByName(d.Responses)
	d.names = make(map[uint16]string, len(d.Commands)+len(d.Responses))
	for name, id := range d.commandIDs {
		d.names[id] = name
	}
	for name, id := range d.responseIDs {
		d.names[id] = name
	}
	return d, nil
}

// indexByName keys entries by the message name, dropping the format
func indexByName(entries map[string]int) map[string]uint16 {
	out := make(map[string]uint16, len(entries))
	for sig, id := range entries {
		name, _, _ := strings.Cut(sig, " ")
		out[name] = uint16(id)
	}
	return out
}

// CommandID returns the id of a host to board command
func (d *Dictionary) CommandID(name string) (uint16, bool) {
	id, ok := d.commandIDs[name]
	return id, ok
}

// ResponseID returns the id of a board to host response
func (d *Dictionary) ResponseID(name string) (uint16, bool) {
	id, ok := d.responseIDs[name]
	return id, ok
}

// Name returns the message name registered under id
func (d *Dictionary) Name(id uint16) string {
	if name, ok := d.names[id]; ok {
		return name
	}
	return "#" + strconv.Itoa(int(id))
}

// ConfigUint reads a numeric constant
func (d *Dictionary) ConfigUint(name string) (uint32, bool) {
	v, ok := d.Config[name]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}
