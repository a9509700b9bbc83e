package vcpu

import "github.com/go-uhyve/uhyve/kvmapi"

// GDT flag/selector combinations for the three non-null descriptors this
// hypervisor installs, grounded on the teacher's (now-removed) pvh package
// GDT test vectors.
const (
	gdtFlagCode64 = 0xc09b
	gdtFlagData   = 0xc093
	gdtFlagTSS    = 0x008b
)

// GdtEntry packs a segment descriptor's flag nibble, base, and limit into
// the raw 8-byte GDT entry layout.
func GdtEntry(flag uint16, base, limit uint32) uint64 {
	accessByte := uint64(flag & 0xff)
	flagsNibble := uint64((flag >> 12) & 0xf)
	limitLow := uint64(limit & 0xffff)
	limitHigh := uint64((limit >> 16) & 0xf)
	baseLow := uint64(base & 0xffffff)
	baseHigh := uint64((base >> 24) & 0xff)

	return limitLow | baseLow<<16 | accessByte<<40 | limitHigh<<48 | flagsNibble<<52 | baseHigh<<56
}

// SegmentFromGDT decodes a raw GDT entry back into a kvmapi.Segment, with
// Selector set to the descriptor's byte offset in the table (index*8).
func SegmentFromGDT(entry uint64, tableIndex uint8) kvmapi.Segment {
	seg := kvmapi.Segment{
		Base:     (entry>>16)&0xffffff | (entry>>32)&0xff000000,
		Limit:    uint32(entry&0xffff) | uint32((entry>>48)&0xf)<<16,
		Selector: uint16(tableIndex) * 8,
		Typ:      uint8((entry >> 40) & 0xf),
		Present:  uint8((entry >> 47) & 0x1),
		DPL:      uint8((entry >> 45) & 0x3),
		S:        uint8((entry >> 44) & 0x1),
		G:        uint8((entry >> 55) & 0x1),
		DB:       uint8((entry >> 54) & 0x1),
		L:        uint8((entry >> 53) & 0x1),
		AVL:      uint8((entry >> 52) & 0x1),
	}

	if entry == 0 {
		seg.Unusable = 1
	}

	return seg
}

// CreateGDT builds the minimal global descriptor table this hypervisor
// needs to enter long mode: null, 64-bit code, 64-bit data, and a TSS
// descriptor pointing at KVM's identity-mapped TSS page.
func CreateGDT() [4]uint64 {
	return [4]uint64{
		0,
		GdtEntry(gdtFlagCode64, 0, 0xffffffff),
		GdtEntry(gdtFlagData, 0, 0xffffffff),
		GdtEntry(gdtFlagTSS, 0, 0x67),
	}
}
