package kvmapi

import "unsafe"

const (
	nrGetVCPUEvents = 0x9a
	nrSetVCPUEvents = 0x9b
)

// VCPUEvents mirrors kvm_vcpu_events: pending exceptions, interrupts and
// NMIs that have been accepted by KVM but not yet delivered to the guest.
// This must round-trip exactly across checkpoint/restore or a guest can
// lose an in-flight interrupt.
type VCPUEvents struct {
	ExceptionInjected bool
	ExceptionNr       uint8
	ExceptionHasEC    bool
	ExceptionPad      bool
	ExceptionEC       uint32

	InterruptInjected bool
	InterruptNr       uint8
	InterruptSoft     bool
	InterruptShadow   uint8

	NMIInjected  bool
	NMIPending   bool
	NMIMasked    bool
	NMIPad       uint8

	SIPIVector uint32
	Flags      uint32

	SMMSmm          bool
	SMMPending      bool
	SMMSmmInsideNmi bool
	SMMLatchedInit  uint8

	_ [27]uint32
}

// GetVCPUEvents fetches pending-event state for a vCPU.
func GetVCPUEvents(vcpuFd uintptr) (*VCPUEvents, error) {
	ev := &VCPUEvents{}
	_, err := Ioctl(vcpuFd, IIOR(nrGetVCPUEvents, unsafe.Sizeof(*ev)), structPtr(ev))

	return ev, err
}

// SetVCPUEvents restores pending-event state for a vCPU.
func SetVCPUEvents(vcpuFd uintptr, ev *VCPUEvents) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetVCPUEvents, unsafe.Sizeof(*ev)), structPtr(ev))

	return err
}
