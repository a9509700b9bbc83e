package kvmapi

import "unsafe"

const (
	nrGetXSave = 0xa4
	nrSetXSave = 0xa5
)

// XSave mirrors kvm_xsave: the raw XSAVE legacy+extended save area (x87,
// SSE, AVX, and whatever else CPUID's XCR0-dependent leaf enables), opaque
// to everything but the CPU itself.
type XSave struct {
	Region [1024]uint32
}

// GetXSave fetches the XSAVE area for a vCPU.
func GetXSave(vcpuFd uintptr) (*XSave, error) {
	xsave := &XSave{}
	_, err := Ioctl(vcpuFd, IIOR(nrGetXSave, unsafe.Sizeof(*xsave)), structPtr(xsave))

	return xsave, err
}

// SetXSave restores the XSAVE area for a vCPU.
func SetXSave(vcpuFd uintptr, xsave *XSave) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetXSave, unsafe.Sizeof(*xsave)), structPtr(xsave))

	return err
}
