package core

import (
	"sort"
	"sync"

	"rdkfw/tinycompress"
)

// Dictionary is the self description the host downloads with identify:
// a zlib wrapped JSON object listing firmware constants and every command
// and response with its id.
type Dictionary struct {
	mu            sync.Mutex
	registry      *CommandRegistry
	version       string
	buildVersions string
	constants     map[string]string
	cached        []byte
}

// NewDictionary creates a dictionary over reg
func NewDictionary(reg *CommandRegistry, version string) *Dictionary {
	return &Dictionary{
		registry:      reg,
		version:       version,
		buildVersions: "tinygo",
		constants:     make(map[string]string),
	}
}

// SetBuildVersions records the toolchain description
func (d *Dictionary) SetBuildVersions(versions string) {
	d.mu.Lock()
	d.buildVersions = versions
	d.cached = nil
	d.mu.Unlock()
}

// AddConstant exposes a named value under "config"
func (d *Dictionary) AddConstant(name, value string) {
	d.mu.Lock()
	d.constants[name] = value
	d.cached = nil
	d.mu.Unlock()
}

// AddConstantUint exposes a numeric value under "config"
func (d *Dictionary) AddConstantUint(name string, value uint32) {
	d.AddConstant(name, utoa(value))
}

// JSON renders the uncompressed dictionary
func (d *Dictionary) JSON() []byte {
	entries := d.registry.Entries()

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.renderLocked(entries)
}

func (d *Dictionary) renderLocked(entries []*Command) []byte {
	out := make([]byte, 0, 1024)
	out = append(out, `{"version":`...)
	out = appendJSONString(out, d.version)
	out = append(out, `,"build_versions":`...)
	out = appendJSONString(out, d.buildVersions)

	out = append(out, `,"config":{`...)
	names := make([]string, 0, len(d.constants))
	for name := range d.constants {
		names = append(names, name)
	}
	sort.Strings(names)
	for i, name := range names {
		if i > 0 {
			out = append(out, ',')
		}
		out = appendJSONString(out, name)
		out = append(out, ':')
		out = appendJSONString(out, d.constants[name])
	}

	out = append(out, `},"commands":{`...)
	out = appendEntries(out, entries, false)
	out = append(out, `},"responses":{`...)
	out = appendEntries(out, entries, true)
	return append(out, "}}"...)
}

func appendEntries(out []byte, entries []*Command, responses bool) []byte {
	first := true
	for _, cmd := range entries {
		if cmd.IsResponse() != responses {
			continue
		}
		if !first {
			out = append(out, ',')
		}
		first = false
		out = appendJSONString(out, cmd.Signature())
		out = append(out, ':')
		out = append(out, itoa(int(cmd.ID))...)
	}
	return out
}

func appendJSONString(out []byte, s string) []byte {
	out = append(out, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"' || c == '\\':
			out = append(out, '\\', c)
		case c < 0x20:
			out = append(out, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0x0F])
		default:
			out = append(out, c)
		}
	}
	return append(out, '"')
}

// Bytes returns the compressed dictionary, building it on first use.
// Call it after every command is registered.
func (d *Dictionary) Bytes() []byte {
	entries := d.registry.Entries()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cached == nil {
		d.cached = tinycompress.Compress(d.renderLocked(entries))
		DebugPrintln("[DICT] " + itoa(len(d.cached)) + " bytes, " + itoa(len(entries)) + " messages")
	}
	return d.cached
}

// Chunk returns up to count bytes of the compressed dictionary starting at
// offset. An offset past the end yields an empty chunk.
func (d *Dictionary) Chunk(offset uint32, count uint8) []byte {
	data := d.Bytes()
	if offset >= uint32(len(data)) {
		return nil
	}
	end := offset + uint32(count)
	if end > uint32(len(data)) {
		end = uint32(len(data))
	}
	chunk := make([]byte, end-offset)
	copy(chunk, data[offset:end])
	return chunk
}
