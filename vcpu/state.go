package vcpu

import (
	"errors"
	"fmt"
	"syscall"
	"unsafe"

	"github.com/go-uhyve/uhyve/errkind"
	"github.com/go-uhyve/uhyve/kvmapi"
)

// structBytes returns a byte slice that aliases v's memory. v must point to
// a fixed-size struct with no pointers or slices inside it.
func structBytes[T any](v *T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), unsafe.Sizeof(*v))
}

// copyStruct fills *dst from a byte slice produced by structBytes.
func copyStruct[T any](dst *T, b []byte) error {
	size := int(unsafe.Sizeof(*dst))
	if len(b) < size {
		return fmt.Errorf("%w: state buffer too small: got %d want %d", errkind.ErrProtocolViolation, len(b), size)
	}

	copy(unsafe.Slice((*byte)(unsafe.Pointer(dst)), size), b[:size])

	return nil
}

func cloneBytes(s []byte) []byte {
	c := make([]byte, len(s))
	copy(c, s)

	return c
}

// State is the full architectural snapshot of one vCPU, captured and
// restored as opaque byte blobs so it can be serialized for checkpoint or
// migration without either side needing struct-layout compatibility beyond
// what Go's ABI already guarantees within a single build.
type State struct {
	Regs      []byte
	Sregs     []byte
	MSRs      []kvmapi.MSREntry
	LAPIC     []byte
	Events    []byte
	MPState   uint32
	DebugRegs []byte
	XCRS      []byte
	FPU       []byte
	XSave     []byte
}

// msrIndexList probes the host kernel for the MSR indices it will save and
// restore transparently. Both calls pass the same fixed-capacity
// kvmapi.MSRList buffer; an E2BIG from the first is tolerated and the call
// repeated, so a host list longer than that buffer fails the second call.
func msrIndexList(kvmFd uintptr) ([]uint32, error) {
	list, err := kvmapi.GetMSRIndexList(kvmFd)
	if err != nil && !errors.Is(err, syscall.E2BIG) {
		return nil, fmt.Errorf("%w: GetMSRIndexList probe: %w", errkind.ErrKernelIfaceError, err)
	}

	list, err = kvmapi.GetMSRIndexList(kvmFd)
	if err != nil {
		return nil, fmt.Errorf("%w: GetMSRIndexList fetch: %w", errkind.ErrKernelIfaceError, err)
	}

	indices := make([]uint32, list.NMSRs)
	copy(indices, list.Indices[:list.NMSRs])

	return indices, nil
}

// Save captures c's full architectural state, per spec §4.C's per-core
// snapshot used by both checkpoint and migration.
func Save(c *CPU) (*State, error) {
	regs, err := kvmapi.GetRegs(c.fd)
	if err != nil {
		return nil, fmt.Errorf("%w: GetRegs cpu%d: %w", errkind.ErrKernelIfaceError, c.ID, err)
	}

	sregs, err := kvmapi.GetSregs(c.fd)
	if err != nil {
		return nil, fmt.Errorf("%w: GetSregs cpu%d: %w", errkind.ErrKernelIfaceError, c.ID, err)
	}

	indices, err := msrIndexList(c.kvmFd)
	if err != nil {
		return nil, err
	}

	msrs := &kvmapi.MSRs{NMSRs: uint32(len(indices))}
	for i, idx := range indices {
		msrs.Entries[i].Index = idx
	}

	if err := kvmapi.GetMSRs(c.fd, msrs); err != nil {
		return nil, fmt.Errorf("%w: GetMSRs cpu%d: %w", errkind.ErrKernelIfaceError, c.ID, err)
	}

	lapic, err := kvmapi.GetLocalAPIC(c.fd)
	if err != nil {
		return nil, fmt.Errorf("%w: GetLocalAPIC cpu%d: %w", errkind.ErrKernelIfaceError, c.ID, err)
	}

	events, err := kvmapi.GetVCPUEvents(c.fd)
	if err != nil {
		return nil, fmt.Errorf("%w: GetVCPUEvents cpu%d: %w", errkind.ErrKernelIfaceError, c.ID, err)
	}

	mps, err := kvmapi.GetMPState(c.fd)
	if err != nil {
		return nil, fmt.Errorf("%w: GetMPState cpu%d: %w", errkind.ErrKernelIfaceError, c.ID, err)
	}

	dregs := &kvmapi.DebugRegs{}
	if err := kvmapi.GetDebugRegs(c.fd, dregs); err != nil {
		return nil, fmt.Errorf("%w: GetDebugRegs cpu%d: %w", errkind.ErrKernelIfaceError, c.ID, err)
	}

	xcrs, err := kvmapi.GetXCRS(c.fd)
	if err != nil {
		return nil, fmt.Errorf("%w: GetXCRS cpu%d: %w", errkind.ErrKernelIfaceError, c.ID, err)
	}

	fpu := &kvmapi.FPU{}
	if err := kvmapi.GetFPU(c.fd, fpu); err != nil {
		return nil, fmt.Errorf("%w: GetFPU cpu%d: %w", errkind.ErrKernelIfaceError, c.ID, err)
	}

	xsave, err := kvmapi.GetXSave(c.fd)
	if err != nil {
		return nil, fmt.Errorf("%w: GetXSave cpu%d: %w", errkind.ErrKernelIfaceError, c.ID, err)
	}

	return &State{
		Regs:      cloneBytes(structBytes(regs)),
		Sregs:     cloneBytes(structBytes(sregs)),
		MSRs:      append([]kvmapi.MSREntry(nil), msrs.Entries[:msrs.NMSRs]...),
		LAPIC:     cloneBytes(structBytes(lapic)),
		Events:    cloneBytes(structBytes(events)),
		MPState:   mps.MPState,
		DebugRegs: cloneBytes(structBytes(dregs)),
		XCRS:      cloneBytes(structBytes(xcrs)),
		FPU:       cloneBytes(structBytes(fpu)),
		XSave:     cloneBytes(structBytes(xsave)),
	}, nil
}

// Restore applies state to c, in the order spec §4.C requires: CPUID is
// reprogrammed first (it is not part of the saved State — it is derived
// fresh from the host, exactly as initCPUID does for a first boot), then
// sregs, regs, MSRs, XCRs, MP state, local APIC, FPU, XSAVE, and finally
// pending events last so no pending interrupt is lost to an intermediate
// ioctl's side effects.
func Restore(c *CPU, state *State) error {
	if err := c.initCPUID(); err != nil {
		return fmt.Errorf("reprogram CPUID cpu%d: %w", c.ID, err)
	}

	var sregs kvmapi.Sregs
	if err := copyStruct(&sregs, state.Sregs); err != nil {
		return fmt.Errorf("decode Sregs cpu%d: %w", c.ID, err)
	}

	if err := kvmapi.SetSregs(c.fd, &sregs); err != nil {
		return fmt.Errorf("%w: SetSregs cpu%d: %w", errkind.ErrKernelIfaceError, c.ID, err)
	}

	var regs kvmapi.Regs
	if err := copyStruct(&regs, state.Regs); err != nil {
		return fmt.Errorf("decode Regs cpu%d: %w", c.ID, err)
	}

	if err := kvmapi.SetRegs(c.fd, &regs); err != nil {
		return fmt.Errorf("%w: SetRegs cpu%d: %w", errkind.ErrKernelIfaceError, c.ID, err)
	}

	msrs := &kvmapi.MSRs{NMSRs: uint32(len(state.MSRs))}
	copy(msrs.Entries[:], state.MSRs)

	if err := kvmapi.SetMSRs(c.fd, msrs); err != nil {
		return fmt.Errorf("%w: SetMSRs cpu%d: %w", errkind.ErrKernelIfaceError, c.ID, err)
	}

	var xcrs kvmapi.XCRS
	if err := copyStruct(&xcrs, state.XCRS); err != nil {
		return fmt.Errorf("decode XCRS cpu%d: %w", c.ID, err)
	}

	if err := kvmapi.SetXCRS(c.fd, &xcrs); err != nil {
		return fmt.Errorf("%w: SetXCRS cpu%d: %w", errkind.ErrKernelIfaceError, c.ID, err)
	}

	mps := &kvmapi.MPState{MPState: state.MPState}
	if err := kvmapi.SetMPState(c.fd, mps); err != nil {
		return fmt.Errorf("%w: SetMPState cpu%d: %w", errkind.ErrKernelIfaceError, c.ID, err)
	}

	var lapic kvmapi.LAPICState
	if err := copyStruct(&lapic, state.LAPIC); err != nil {
		return fmt.Errorf("decode LAPIC cpu%d: %w", c.ID, err)
	}

	if err := kvmapi.SetLocalAPIC(c.fd, &lapic); err != nil {
		return fmt.Errorf("%w: SetLocalAPIC cpu%d: %w", errkind.ErrKernelIfaceError, c.ID, err)
	}

	var fpu kvmapi.FPU
	if err := copyStruct(&fpu, state.FPU); err != nil {
		return fmt.Errorf("decode FPU cpu%d: %w", c.ID, err)
	}

	if err := kvmapi.SetFPU(c.fd, &fpu); err != nil {
		return fmt.Errorf("%w: SetFPU cpu%d: %w", errkind.ErrKernelIfaceError, c.ID, err)
	}

	var xsave kvmapi.XSave
	if err := copyStruct(&xsave, state.XSave); err != nil {
		return fmt.Errorf("decode XSave cpu%d: %w", c.ID, err)
	}

	if err := kvmapi.SetXSave(c.fd, &xsave); err != nil {
		return fmt.Errorf("%w: SetXSave cpu%d: %w", errkind.ErrKernelIfaceError, c.ID, err)
	}

	var dregs kvmapi.DebugRegs
	if err := copyStruct(&dregs, state.DebugRegs); err != nil {
		return fmt.Errorf("decode DebugRegs cpu%d: %w", c.ID, err)
	}

	if err := kvmapi.SetDebugRegs(c.fd, &dregs); err != nil {
		return fmt.Errorf("%w: SetDebugRegs cpu%d: %w", errkind.ErrKernelIfaceError, c.ID, err)
	}

	var events kvmapi.VCPUEvents
	if err := copyStruct(&events, state.Events); err != nil {
		return fmt.Errorf("decode VCPUEvents cpu%d: %w", c.ID, err)
	}

	if err := kvmapi.SetVCPUEvents(c.fd, &events); err != nil {
		return fmt.Errorf("%w: SetVCPUEvents cpu%d: %w", errkind.ErrKernelIfaceError, c.ID, err)
	}

	return nil
}
