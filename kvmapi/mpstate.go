package kvmapi

import "unsafe"

const (
	nrGetMPState = 0x98
	nrSetMPState = 0x99
)

// Multiprocessing states for MPState.MPState, mirroring KVM_MP_STATE_*.
const (
	MPStateRunnable = 0
	MPStateUninitialized = 1
	MPStateInitReceived = 2
	MPStateHalted = 3
	MPStateSipiReceived = 4
	MPStateStopped = 5
)

// MPState mirrors kvm_mp_state: whether a vCPU is running, halted (HLT
// instruction retired with no pending wakeup) or waiting for an
// INIT/SIPI sequence from another vCPU.
type MPState struct {
	MPState uint32
}

// GetMPState fetches the multiprocessing state of a vCPU.
func GetMPState(vcpuFd uintptr) (*MPState, error) {
	mp := &MPState{}
	_, err := Ioctl(vcpuFd, IIOR(nrGetMPState, unsafe.Sizeof(*mp)), structPtr(mp))

	return mp, err
}

// SetMPState restores the multiprocessing state of a vCPU.
func SetMPState(vcpuFd uintptr, mp *MPState) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetMPState, unsafe.Sizeof(*mp)), structPtr(mp))

	return err
}
