package protocol

import "errors"

var (
	ErrInvalidVLQ     = errors.New("invalid VLQ encoding")
	ErrBufferTooSmall = errors.New("buffer too small for VLQ")
)

// AppendVLQ appends v in the variable length encoding used by Klipper:
// 7 data bits per byte, most significant group first, 0x80 on every byte
// but the last, with the top group sign extended from bit 5.
func AppendVLQ(dst []byte, v int32) []byte {
	n := 1
	for ; n < 5; n++ {
		bits := uint(7*n - 2)
		if int64(v) >= -(int64(1)<<bits) && int64(v) < int64(3)<<bits {
			break
		}
	}
	for i := n - 1; i > 0; i-- {
		dst = append(dst, byte(v>>(7*uint(i)))&0x7F|0x80)
	}
	return append(dst, byte(v)&0x7F)
}

// EncodeVLQInt writes a signed integer to output
func EncodeVLQInt(output OutputBuffer, v int32) {
	var tmp [5]byte
	output.Output(AppendVLQ(tmp[:0], v))
}

// EncodeVLQUint writes an unsigned integer to output
func EncodeVLQUint(output OutputBuffer, v uint32) {
	EncodeVLQInt(output, int32(v))
}

// EncodeVLQBytes writes a length-prefixed byte string (%*s)
func EncodeVLQBytes(output OutputBuffer, data []byte) {
	EncodeVLQUint(output, uint32(len(data)))
	output.Output(data)
}

// EncodeVLQString writes a length-prefixed string (%s)
func EncodeVLQString(output OutputBuffer, s string) {
	EncodeVLQBytes(output, []byte(s))
}

// DecodeVLQInt reads a signed integer and advances data past it
func DecodeVLQInt(data *[]byte) (int32, error) {
	buf := *data
	if len(buf) == 0 {
		return 0, ErrBufferTooSmall
	}

	c := buf[0]
	v := uint32(c & 0x7F)
	if c&0x60 == 0x60 {
		v |= ^uint32(0x1F)
	}
	i := 1
	for c&0x80 != 0 {
		if i >= 5 {
			return 0, ErrInvalidVLQ
		}
		if i >= len(buf) {
			return 0, ErrBufferTooSmall
		}
		c = buf[i]
		i++
		v = v<<7 | uint32(c&0x7F)
	}

	*data = buf[i:]
	return int32(v), nil
}

// DecodeVLQUint reads an unsigned integer and advances data past it
func DecodeVLQUint(data *[]byte) (uint32, error) {
	v, err := DecodeVLQInt(data)
	return uint32(v), err
}

// DecodeVLQBytes reads a length-prefixed byte string. The result aliases data.
func DecodeVLQBytes(data *[]byte) ([]byte, error) {
	n, err := DecodeVLQUint(data)
	if err != nil {
		return nil, err
	}
	if uint32(len(*data)) < n {
		return nil, ErrBufferTooSmall
	}
	out := (*data)[:n]
	*data = (*data)[n:]
	return out, nil
}

// DecodeVLQString reads a length-prefixed string
func DecodeVLQString(data *[]byte) (string, error) {
	b, err := DecodeVLQBytes(data)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// EncodeVLQ returns the encoding of v
func EncodeVLQ(v int32) []byte {
	return AppendVLQ(nil, v)
}

// DecodeVLQ decodes one integer without modifying data and returns it with
// the number of bytes consumed
func DecodeVLQ(data []byte) (int32, int, error) {
	rest := data
	v, err := DecodeVLQInt(&rest)
	if err != nil {
		return 0, 0, err
	}
	return v, len(data) - len(rest), nil
}
