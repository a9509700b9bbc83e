package kvmapi

import "unsafe"

const (
	nrGetClock = 0x7c
	nrSetClock = 0x7b
)

// ClockFlagTSCStable indicates the guest's view of the TSC is synchronized
// across vCPUs and can be transplanted onto a destination host verbatim.
const ClockFlagTSCStable = 1 << 1

// ClockData mirrors kvm_clock_data, the guest's paravirtual wall-clock
// time base. Preserving it across checkpoint/restore and migration keeps
// guest-visible time monotonic.
type ClockData struct {
	Clock    uint64
	Flags    uint32
	_        uint32
	_        [2]uint32
	_        [2]uint32
	_        [4]uint32
}

// GetClock fetches the current paravirtual clock value for the VM.
func GetClock(vmFd uintptr) (*ClockData, error) {
	clock := &ClockData{}
	_, err := Ioctl(vmFd, IIOR(nrGetClock, unsafe.Sizeof(*clock)), structPtr(clock))

	return clock, err
}

// SetClock installs a previously saved paravirtual clock value.
func SetClock(vmFd uintptr, clock *ClockData) error {
	_, err := Ioctl(vmFd, IIOW(nrSetClock, unsafe.Sizeof(*clock)), structPtr(clock))

	return err
}
