package core

// String helpers that avoid pulling fmt into the firmware image

const hexDigits = "0123456789abcdef"

// itoa converts an integer to decimal
func itoa(n int) string {
	if n < 0 {
		return "-" + utoa(uint32(-n))
	}
	return utoa(uint32(n))
}

// utoa converts an unsigned integer to decimal
func utoa(n uint32) string {
	var buf [10]byte
	pos := len(buf)
	for {
		pos--
		buf[pos] = byte('0' + n%10)
		n /= 10
		if n == 0 {
			break
		}
	}
	return string(buf[pos:])
}

// hex8 formats a byte as 0xNN
func hex8(b uint8) string {
	return "0x" + string([]byte{hexDigits[b>>4], hexDigits[b&0x0F]})
}

// hexBytes formats a buffer as space separated hex pairs
func hexBytes(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	buf := make([]byte, 0, len(data)*3-1)
	for i, b := range data {
		if i > 0 {
			buf = append(buf, ' ')
		}
		buf = append(buf, hexDigits[b>>4], hexDigits[b&0x0F])
	}
	return string(buf)
}
