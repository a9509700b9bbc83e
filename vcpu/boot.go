package vcpu

import (
	"encoding/binary"
	"fmt"

	"github.com/go-uhyve/uhyve/errkind"
	"github.com/go-uhyve/uhyve/guestmem"
	"github.com/go-uhyve/uhyve/kvmapi"
)

// IdentityMapSize is the span covered by the 2 MiB huge-page identity map
// the boot path constructs, per spec §4.C ("covering the first 512 MiB").
const IdentityMapSize = 512 << 20

// PageTableOffset is the boot path's page-table root, relative to the
// image entry point, per spec §3 ("entry_point + page_size").
const PageTableOffset = guestmem.PageSize

// BootInit brings a freshly created vCPU into 64-bit long mode at entry,
// with an identity-mapped page table rooted at entry+PageTableOffset and a
// 4-entry GDT (null, code, data, TSS) at gdtBase. This is the boot-time half of
// the state engine described in spec §4.C.
func (c *CPU) BootInit(entry, gdtBase uint64) error {
	if err := c.buildIdentityMap(entry + PageTableOffset); err != nil {
		return err
	}

	if err := c.writeGDT(gdtBase); err != nil {
		return err
	}

	if err := c.initSregs(entry, gdtBase); err != nil {
		return err
	}

	if err := c.initRegs(entry); err != nil {
		return err
	}

	if err := c.initCPUID(); err != nil {
		return err
	}

	if err := c.initMSRs(); err != nil {
		return err
	}

	mp := &kvmapi.MPState{MPState: kvmapi.MPStateRunnable}
	if err := kvmapi.SetMPState(c.fd, mp); err != nil {
		return fmt.Errorf("%w: SetMPState: %w", errkind.ErrKernelIfaceError, err)
	}

	return nil
}

// buildIdentityMap writes a 4-level page hierarchy at root (PML4 at root,
// one PDPT, one PD of 2 MiB huge-page entries) covering IdentityMapSize.
func (c *CPU) buildIdentityMap(root uint64) error {
	raw := c.mem.Bytes()
	if root+4*guestmem.PageSize > uint64(len(raw)) {
		return fmt.Errorf("%w: page table root 0x%x exceeds guest memory", errkind.ErrOutOfMemory, root)
	}

	pml4Base := root
	pdptBase := root + guestmem.PageSize
	pdBase := root + 2*guestmem.PageSize

	put := func(base uint64, idx uint64, val uint64) {
		binary.LittleEndian.PutUint64(raw[base+idx*8:], val)
	}

	put(pml4Base, 0, pdptBase|guestmem.PTEPresent|guestmem.PTEWritable)
	put(pdptBase, 0, pdBase|guestmem.PTEPresent|guestmem.PTEWritable)

	entries := IdentityMapSize / guestmem.HugePageSize
	for i := uint64(0); i < uint64(entries); i++ {
		addr := i * guestmem.HugePageSize
		put(pdBase, i, addr|guestmem.PTEPresent|guestmem.PTEWritable|guestmem.PTEHuge)
	}

	return nil
}

func (c *CPU) writeGDT(base uint64) error {
	raw := c.mem.Bytes()
	if base+uint64(len(CreateGDT())*8) > uint64(len(raw)) {
		return fmt.Errorf("%w: gdt base 0x%x exceeds guest memory", errkind.ErrOutOfMemory, base)
	}

	gdt := CreateGDT()
	for i, entry := range gdt {
		binary.LittleEndian.PutUint64(raw[base+uint64(i)*8:], entry)
	}

	return nil
}

func (c *CPU) initSregs(entry, gdtBase uint64) error {
	sregs, err := kvmapi.GetSregs(c.fd)
	if err != nil {
		return fmt.Errorf("%w: GetSregs: %w", errkind.ErrKernelIfaceError, err)
	}

	gdt := CreateGDT()
	sregs.CS = SegmentFromGDT(gdt[1], 1)
	sregs.DS = SegmentFromGDT(gdt[2], 2)
	sregs.ES = SegmentFromGDT(gdt[2], 2)
	sregs.FS = SegmentFromGDT(gdt[2], 2)
	sregs.GS = SegmentFromGDT(gdt[2], 2)
	sregs.SS = SegmentFromGDT(gdt[2], 2)

	sregs.GDT.Base = gdtBase
	sregs.GDT.Limit = uint16(len(gdt)*8 - 1)

	sregs.CR3 = entry + PageTableOffset
	sregs.CR4 = crPAEBit
	sregs.CR0 = cr0PEBit | cr0PGBit
	sregs.EFER = eferLMEBit | eferLMABit

	if err := kvmapi.SetSregs(c.fd, sregs); err != nil {
		return fmt.Errorf("%w: SetSregs: %w", errkind.ErrKernelIfaceError, err)
	}

	return nil
}

// Control-register bits needed for long mode, mirroring machine.CR0x*/CR4x*/EFERx*.
const (
	cr0PEBit   = 1
	cr0PGBit   = 1 << 31
	crPAEBit   = 1 << 5
	eferLMEBit = 1 << 8
	eferLMABit = 1 << 10
)

func (c *CPU) initRegs(entry uint64) error {
	regs, err := kvmapi.GetRegs(c.fd)
	if err != nil {
		return fmt.Errorf("%w: GetRegs: %w", errkind.ErrKernelIfaceError, err)
	}

	regs.RFLAGS = 2
	regs.RIP = entry
	regs.RSP = entry + IdentityMapSize - guestmem.PageSize

	if err := kvmapi.SetRegs(c.fd, regs); err != nil {
		return fmt.Errorf("%w: SetRegs: %w", errkind.ErrKernelIfaceError, err)
	}

	return nil
}

// CPUID leaf/bit positions, resolved per SPEC_FULL §4.C against
// original_source/uhyve-x86_64.c's filter_cpuid and
// src/hermit/uhyve/vcpu.rs's setup_cpuid.
const (
	cpuidLeafFeatures   = 0x1
	cpuidLeafPerfMon    = 0xa
	cpuidECXTSCDeadline = 1 << 24
	cpuidECXHypervisor  = 1 << 31
)

// initCPUID advertises the hypervisor-present bit, zeroes the
// performance-monitoring leaf a unikernel has no use for, and asserts
// TSC-deadline timer support so the guest's scheduler can rely on it.
func (c *CPU) initCPUID() error {
	cpuid, err := kvmapi.GetSupportedCPUID(c.kvmFd)
	if err != nil {
		return fmt.Errorf("%w: GetSupportedCPUID: %w", errkind.ErrKernelIfaceError, err)
	}

	for i := uint32(0); i < cpuid.Nent; i++ {
		e := &cpuid.Entries[i]

		switch e.Function {
		case cpuidLeafPerfMon:
			e.EAX = 0
		case cpuidLeafFeatures:
			e.ECX |= cpuidECXHypervisor | cpuidECXTSCDeadline
		}
	}

	if err := kvmapi.SetCPUID2(c.fd, cpuid); err != nil {
		return fmt.Errorf("%w: SetCPUID2: %w", errkind.ErrKernelIfaceError, err)
	}

	return nil
}

// MSRMiscEnableFastString is bit 0 of IA32_MISC_ENABLE, enabling fast
// string operations — spec §4.C: "writes model-specific register
// misc-enable to enable fast-string operations".
const (
	msrMiscEnable           = 0x1A0
	MSRMiscEnableFastString = 1 << 0
)

func (c *CPU) initMSRs() error {
	msrs := &kvmapi.MSRs{NMSRs: 1}
	msrs.Entries[0] = kvmapi.MSREntry{Index: msrMiscEnable, Data: MSRMiscEnableFastString}

	if err := kvmapi.SetMSRs(c.fd, msrs); err != nil {
		return fmt.Errorf("%w: SetMSRs misc-enable: %w", errkind.ErrKernelIfaceError, err)
	}

	return nil
}
