package guestmem

import "unsafe"

func unsafePointerOf(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}

	return unsafe.Pointer(&b[0])
}

func unsafePointerOfBytes(b []byte) uintptr {
	return uintptr(unsafePointerOf(b))
}
