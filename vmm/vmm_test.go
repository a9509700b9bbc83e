package vmm

import "testing"

func TestCopyIP(t *testing.T) {
	var dst [4]byte

	copyIP(&dst, []byte{192, 168, 0, 1})
	if dst != [4]byte{192, 168, 0, 1} {
		t.Fatalf("4-byte form: got %v", dst)
	}

	dst = [4]byte{}
	v4in6 := append([]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff}, 10, 0, 0, 1)
	copyIP(&dst, v4in6)

	if dst != [4]byte{10, 0, 0, 1} {
		t.Fatalf("16-byte form: got %v", dst)
	}

	dst = [4]byte{9, 9, 9, 9}
	copyIP(&dst, nil)

	if dst != [4]byte{9, 9, 9, 9} {
		t.Fatalf("nil ip must leave dst untouched, got %v", dst)
	}
}
