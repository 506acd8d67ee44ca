package core

import "testing"

func TestStringHelpers(t *testing.T) {
	if s := itoa(0); s != "0" {
		t.Errorf("itoa(0) = %q", s)
	}
	if s := itoa(-42); s != "-42" {
		t.Errorf("itoa(-42) = %q", s)
	}
	if s := utoa(4294967295); s != "4294967295" {
		t.Errorf("utoa(max) = %q", s)
	}
	if s := hex8(0x3F); s != "0x3f" {
		t.Errorf("hex8(0x3F) = %q", s)
	}
	if s := hexBytes([]byte{0x01, 0xAB, 0xFF}); s != "01 ab ff" {
		t.Errorf("hexBytes = %q", s)
	}
	if s := hexBytes(nil); s != "" {
		t.Errorf("hexBytes(nil) = %q", s)
	}
}
