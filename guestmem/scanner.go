package guestmem

import (
	"encoding/binary"

	"github.com/go-uhyve/uhyve/kvmapi"
)

// PageRecord is one (entry, page) pair emitted by a scan: Entry is the raw
// page-table entry word (or, for the dirty-log backend, a synthesized entry
// with just the frame bits set), PagePtr is the guest-physical address of
// the page, and Size is PageSize or HugePageSize.
type PageRecord struct {
	Entry   uint64
	PagePtr uint64
	Size    uint64
}

// Selector decides whether a present page-table entry should be emitted.
type Selector func(entry uint64) bool

// SelectAll matches every present entry — the full-dump predicate.
func SelectAll(entry uint64) bool { return true }

// SelectDirty matches entries with the dirty bit set — the
// incremental-after-full predicate.
func SelectDirty(entry uint64) bool { return entry&PTEDirty != 0 }

// SelectAccessed matches entries with the accessed bit set — the
// incremental-without-prior-full predicate.
func SelectAccessed(entry uint64) bool { return entry&PTEAccessed != 0 }

// Scanner walks a guest's page tables (or, alternatively, the kernel's
// per-slot dirty-log bitmap) to enumerate present pages for checkpoint and
// migration dumps. It never blocks and must only be invoked while all vCPUs
// are quiesced.
type Scanner struct {
	mem *Memory
}

// NewScanner builds a Scanner over mem.
func NewScanner(mem *Memory) *Scanner {
	return &Scanner{mem: mem}
}

// Walk performs the direct page-table walk backend: it visits every
// present level-1 (4 KiB) and level-2 huge (2 MiB) entry reachable from
// pml4Base, calling sel to decide which ones to emit and visit for each
// emitted page. When clearBits is true, the accessed/dirty bits observed on
// emitted entries are cleared in guest memory afterward, resetting the
// watermark for the next incremental pass.
func (s *Scanner) Walk(pml4Base uint64, sel Selector, clearBits bool, visit func(PageRecord) error) error {
	for pml4Idx := uint64(0); pml4Idx < entriesPerTable; pml4Idx++ {
		pml4e := s.mem.readEntry(pml4Base, pml4Idx)
		if pml4e&PTEPresent == 0 {
			continue
		}

		pdptBase := frameAddr(pml4e)

		for pdptIdx := uint64(0); pdptIdx < entriesPerTable; pdptIdx++ {
			pdpte := s.mem.readEntry(pdptBase, pdptIdx)
			if pdpte&PTEPresent == 0 {
				continue
			}

			pdBase := frameAddr(pdpte)

			if err := s.walkPD(pdBase, sel, clearBits, visit); err != nil {
				return err
			}
		}
	}

	return nil
}

func (s *Scanner) walkPD(pdBase uint64, sel Selector, clearBits bool, visit func(PageRecord) error) error {
	for pdIdx := uint64(0); pdIdx < entriesPerTable; pdIdx++ {
		pdOff := pdBase + pdIdx*8
		pde := binary.LittleEndian.Uint64(s.mem.raw[pdOff : pdOff+8])

		if pde&PTEPresent == 0 {
			continue
		}

		if pde&PTEHuge != 0 {
			if sel(pde) {
				if err := visit(PageRecord{Entry: pde, PagePtr: frameAddr(pde), Size: HugePageSize}); err != nil {
					return err
				}

				if clearBits {
					binary.LittleEndian.PutUint64(s.mem.raw[pdOff:pdOff+8], pde&^PTEAccessed&^PTEDirty)
				}
			}

			continue
		}

		ptBase := frameAddr(pde)

		if err := s.walkPT(ptBase, sel, clearBits, visit); err != nil {
			return err
		}
	}

	return nil
}

func (s *Scanner) walkPT(ptBase uint64, sel Selector, clearBits bool, visit func(PageRecord) error) error {
	for ptIdx := uint64(0); ptIdx < entriesPerTable; ptIdx++ {
		ptOff := ptBase + ptIdx*8
		pte := binary.LittleEndian.Uint64(s.mem.raw[ptOff : ptOff+8])

		if pte&PTEPresent == 0 {
			continue
		}

		if !sel(pte) {
			continue
		}

		if err := visit(PageRecord{Entry: pte, PagePtr: frameAddr(pte), Size: PageSize}); err != nil {
			return err
		}

		if clearBits {
			binary.LittleEndian.PutUint64(s.mem.raw[ptOff:ptOff+8], pte&^PTEAccessed&^PTEDirty)
		}
	}

	return nil
}

// WalkDirtyLog performs the kernel dirty-log-bitmap backend: for each of
// the one or two memory slots registered with KVM, it fetches the dirty
// bitmap and, for every set bit, emits the corresponding 4 KiB frame at the
// slot's guest-physical base plus the bit's page offset.
func (s *Scanner) WalkDirtyLog(vmFd uintptr, chunks []Chunk, slotOf func(Chunk) uint32, visit func(PageRecord) error) error {
	for _, chunk := range chunks {
		nPages := chunk.Size / PageSize
		bitmap := make([]byte, (nPages+7)/8)

		dl := kvmapi.DirtyLog{
			Slot:   slotOf(chunk),
			BitMap: uint64(unsafePointerOfBytes(bitmap)),
		}

		if err := kvmapi.GetDirtyLog(vmFd, &dl); err != nil {
			return err
		}

		for page := uint64(0); page < nPages; page++ {
			byteIdx := page / 8
			bit := page % 8

			if bitmap[byteIdx]&(1<<bit) == 0 {
				continue
			}

			addr := chunk.GuestPhysAddr + page*PageSize

			if err := visit(PageRecord{Entry: PTEPresent, PagePtr: addr, Size: PageSize}); err != nil {
				return err
			}
		}
	}

	return nil
}
