package guestmem

// PTE flag bits, mirroring the teacher's machine.PDE64x* constants 1:1.
const (
	PTEPresent  = 1
	PTEWritable = 1 << 1
	PTEUser     = 1 << 2
	PTEWriteThrough = 1 << 3
	PTECacheDisable = 1 << 4
	PTEAccessed = 1 << 5
	PTEDirty    = 1 << 6
	PTEHuge     = 1 << 7 // PS bit at levels 2/3, PAT bit at level 1
	PTEGlobal   = 1 << 8
	PTENoExecute = 1 << 63

	pteFrameMask = 0x000f_ffff_ffff_f000
)

// frameAddr masks an entry down to its physical frame pointer. pteFrameMask
// already excludes bits 0-11 and bit 63, which is equivalent to clearing the
// no-execute bit and the huge-page/PAT bit as spec'd.
func frameAddr(entry uint64) uint64 {
	return entry & pteFrameMask
}
