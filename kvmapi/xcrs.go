package kvmapi

import "unsafe"

const (
	nrGetXCRS = 0xa6
	nrSetXCRS = 0xa7
)

type xcrEntry struct {
	XCR   uint32
	_     uint32
	Value uint64
}

// XCRS mirrors kvm_xcrs, the extended control registers (currently just
// XCR0, the XSAVE feature mask) that control which SSE/AVX state
// components the CPU manages.
type XCRS struct {
	NrXCRS uint32
	Flags  uint32
	XCRs   [4]xcrEntry
	_      [16]uint64
}

// GetXCRS fetches the extended control registers for a vCPU.
func GetXCRS(vcpuFd uintptr) (*XCRS, error) {
	xcrs := &XCRS{}
	_, err := Ioctl(vcpuFd, IIOR(nrGetXCRS, unsafe.Sizeof(*xcrs)), structPtr(xcrs))

	return xcrs, err
}

// SetXCRS restores the extended control registers for a vCPU.
func SetXCRS(vcpuFd uintptr, xcrs *XCRS) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetXCRS, unsafe.Sizeof(*xcrs)), structPtr(xcrs))

	return err
}
