// Package guestmem manages the host-anonymous mapping backing one guest's
// physical address space, including the x86-64 32-bit MMIO gap, and walks
// the guest's own page tables for address translation and dirty scanning.
package guestmem

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/go-uhyve/uhyve/errkind"
)

// GapStart is the guest-physical address at which the 32-bit MMIO hole
// begins when the configured guest size reaches it (3 GiB).
const GapStart = 0xC000_0000

// GapSize is the size of the 32-bit MMIO hole (768 MiB).
const GapSize = 0x3000_0000

// MinSize is the smallest guest memory size accepted.
const MinSize = 1 << 25

// PageSize is the standard x86-64 page size.
const PageSize = 1 << 12

// HugePageSize is the 2 MiB large-page size used by the identity map.
const HugePageSize = 1 << 21

// Chunk is one contiguous host mapping backing part of guest-physical
// memory. HostPtr is the address of chunk[0] in the hypervisor's own
// address space; GuestPhysAddr is where it is registered in the guest.
type Chunk struct {
	HostPtr       uintptr
	GuestPhysAddr uint64
	Size          uint64
}

// Memory owns the anonymous host mapping(s) backing one guest's physical
// address space.
type Memory struct {
	raw        []byte
	guestSize  uint64
	gapEnabled bool
}

// New allocates guestSize bytes of anonymous, private memory for the guest,
// inflating the allocation by GapSize and leaving [GapStart, GapStart+GapSize)
// inaccessible when guestSize reaches the gap.
//
// mergeable and hugepage request the corresponding madvise hints.
func New(guestSize uint64, mergeable, hugepage bool) (*Memory, error) {
	if guestSize < MinSize {
		return nil, fmt.Errorf("%w: guest size %d below minimum %d", errkind.ErrOutOfMemory, guestSize, MinSize)
	}

	gapEnabled := guestSize >= GapStart
	allocSize := guestSize
	if gapEnabled {
		allocSize += GapSize
	}

	raw, err := unix.Mmap(-1, 0, int(allocSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap guest memory: %w", errkind.ErrOutOfMemory, err)
	}

	if gapEnabled {
		if err := unix.Mprotect(raw[GapStart:GapStart+GapSize], unix.PROT_NONE); err != nil {
			_ = unix.Munmap(raw)

			return nil, fmt.Errorf("%w: protect mmio gap: %w", errkind.ErrOutOfMemory, err)
		}
	}

	if mergeable {
		_ = unix.Madvise(raw, unix.MADV_MERGEABLE)
	}

	if hugepage {
		_ = unix.Madvise(raw, unix.MADV_HUGEPAGE)
	}

	return &Memory{raw: raw, guestSize: guestSize, gapEnabled: gapEnabled}, nil
}

// Close releases the underlying mapping.
func (m *Memory) Close() error {
	return unix.Munmap(m.raw)
}

// Bytes returns the raw host-backed byte slice, indexed by guest-physical
// address, gap included. Callers walking guest page tables or servicing
// hypercalls index into this directly.
func (m *Memory) Bytes() []byte {
	return m.raw
}

// Size is the guest-visible memory size, excluding the gap.
func (m *Memory) Size() uint64 {
	return m.guestSize
}

// Chunks returns the one or two host/guest-physical ranges this mapping
// represents, per spec: a single chunk covering [0, G) when G is below the
// gap, otherwise two chunks covering [0, GapStart) and
// [GapStart+GapSize, G+GapSize).
func (m *Memory) Chunks() []Chunk {
	base := uintptr(unsafePointerOf(m.raw))

	if !m.gapEnabled {
		return []Chunk{{HostPtr: base, GuestPhysAddr: 0, Size: m.guestSize}}
	}

	return []Chunk{
		{HostPtr: base, GuestPhysAddr: 0, Size: GapStart},
		{
			HostPtr:       base + GapStart + GapSize,
			GuestPhysAddr: GapStart + GapSize,
			Size:          m.guestSize - GapStart,
		},
	}
}

// ReadAt copies len(p) bytes starting at guest-physical address gpa.
func (m *Memory) ReadAt(p []byte, gpa uint64) error {
	if gpa+uint64(len(p)) > uint64(len(m.raw)) {
		return fmt.Errorf("%w: read past guest memory end", errkind.ErrNotMapped)
	}

	copy(p, m.raw[gpa:])

	return nil
}

// WriteAt copies p into guest memory starting at guest-physical address gpa.
func (m *Memory) WriteAt(p []byte, gpa uint64) error {
	if gpa+uint64(len(p)) > uint64(len(m.raw)) {
		return fmt.Errorf("%w: write past guest memory end", errkind.ErrNotMapped)
	}

	copy(m.raw[gpa:], p)

	return nil
}
