package guestmem

import (
	"encoding/binary"
	"fmt"

	"github.com/go-uhyve/uhyve/errkind"
)

const entriesPerTable = 512

func (m *Memory) readEntry(tableBase uint64, index uint64) uint64 {
	off := tableBase + index*8

	return binary.LittleEndian.Uint64(m.raw[off : off+8])
}

// pageIndices splits a guest-virtual address into its PML4/PDPT/PD/PT
// indices and the in-page byte offset.
func pageIndices(va uint64) (pml4, pdpt, pd, pt, pageOff uint64) {
	pml4 = (va >> 39) & 0x1ff
	pdpt = (va >> 30) & 0x1ff
	pd = (va >> 21) & 0x1ff
	pt = (va >> 12) & 0x1ff
	pageOff = va & (PageSize - 1)

	return
}

// Translate walks the guest's 4-level page hierarchy rooted at pml4Base
// (conventionally entry_point + PageSize) and returns the physical address
// corresponding to va together with the physical address at the end of the
// page or huge page it falls in, for split-at-page-boundary I/O.
//
// Translate never faults the host: it only reads guest memory bytes, the
// same ones a scanner pass would see.
func (m *Memory) Translate(pml4Base, va uint64) (pa, pageEndPA uint64, err error) {
	pml4Idx, pdptIdx, pdIdx, ptIdx, pageOff := pageIndices(va)

	pml4e := m.readEntry(pml4Base, pml4Idx)
	if pml4e&PTEPresent == 0 {
		return 0, 0, fmt.Errorf("%w: pml4 entry not present for va 0x%x", errkind.ErrNotMapped, va)
	}

	pdptBase := frameAddr(pml4e)
	pdpte := m.readEntry(pdptBase, pdptIdx)

	if pdpte&PTEPresent == 0 {
		return 0, 0, fmt.Errorf("%w: pdpt entry not present for va 0x%x", errkind.ErrNotMapped, va)
	}

	pdBase := frameAddr(pdpte)
	pde := m.readEntry(pdBase, pdIdx)

	if pde&PTEPresent == 0 {
		return 0, 0, fmt.Errorf("%w: pd entry not present for va 0x%x", errkind.ErrNotMapped, va)
	}

	if pde&PTEHuge != 0 {
		frame := frameAddr(pde)
		inPage := va & (HugePageSize - 1)

		return frame + inPage, frame + HugePageSize, nil
	}

	ptBase := frameAddr(pde)
	pte := m.readEntry(ptBase, ptIdx)

	if pte&PTEPresent == 0 {
		return 0, 0, fmt.Errorf("%w: pt entry not present for va 0x%x", errkind.ErrNotMapped, va)
	}

	frame := frameAddr(pte)

	return frame + pageOff, frame + PageSize, nil
}
