// Package loader parses the guest's boot image and publishes the fixed
// boot-parameter block the guest reads during its own early boot.
package loader

import (
	"debug/elf"
	"fmt"

	"github.com/go-uhyve/uhyve/errkind"
	"github.com/go-uhyve/uhyve/guestmem"
)

// SentinelOSABI is the ELF e_ident[EI_OSABI] byte unikernel images built
// for this hypervisor carry. Not a standard ELFOSABI_* value: it exists
// purely to reject ordinary Linux ELF binaries early.
const SentinelOSABI = elf.OSABI(0x42)

// Image is a parsed boot image ready to be copied into guest memory.
type Image struct {
	Entry    uint64
	Segments []Segment
}

// Segment is one PT_LOAD program header: filesz bytes read from Offset in
// the image file are copied to guest-physical address Paddr; the remainder
// up to Memsz is left zeroed (already true of fresh guest memory).
type Segment struct {
	Paddr  uint64
	Offset uint64
	Filesz uint64
	Memsz  uint64
}

// Load reads and validates path's ELF header, rejecting anything that does
// not match the expected unikernel signature, and returns its entry point
// and LOAD segments.
func Load(path string) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", errkind.ErrInvalidImage, path, err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.Data != elf.ELFDATA2LSB ||
		f.OSABI != SentinelOSABI || f.Type != elf.ET_EXEC || f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("%w: %s is not a valid unikernel image", errkind.ErrInvalidImage, path)
	}

	if len(f.Progs) == 0 || len(f.Progs) > maxProgramHeaders {
		return nil, fmt.Errorf("%w: implausible program header count %d", errkind.ErrOutOfMemory, len(f.Progs))
	}

	img := &Image{Entry: f.Entry}

	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}

		img.Segments = append(img.Segments, Segment{
			Paddr:  p.Paddr,
			Offset: p.Off,
			Filesz: p.Filesz,
			Memsz:  p.Memsz,
		})
	}

	return img, nil
}

const maxProgramHeaders = 1 << 12

// CopyInto copies every LOAD segment of img into mem at its declared
// physical address, reading the bytes back out of the already-open ELF
// file via a second pread-style open since debug/elf does not expose raw
// section bytes by file offset directly for program headers.
func (img *Image) CopyInto(path string, mem *guestmem.Memory) error {
	f, err := elf.Open(path)
	if err != nil {
		return fmt.Errorf("%w: reopen %s: %w", errkind.ErrIoError, path, err)
	}
	defer f.Close()

	raw := mem.Bytes()

	for i, seg := range img.Segments {
		if seg.Paddr+seg.Filesz > uint64(len(raw)) {
			return fmt.Errorf("%w: segment %d exceeds guest memory", errkind.ErrOutOfMemory, i)
		}

		n, err := f.Progs[progIndexFor(f, seg)].ReadAt(raw[seg.Paddr:seg.Paddr+seg.Filesz], 0)
		if err != nil || uint64(n) != seg.Filesz {
			return fmt.Errorf("%w: short read of segment %d (%d/%d bytes): %w",
				errkind.ErrIoError, i, n, seg.Filesz, err)
		}
	}

	return nil
}

func progIndexFor(f *elf.File, seg Segment) int {
	for i, p := range f.Progs {
		if p.Type == elf.PT_LOAD && p.Paddr == seg.Paddr && p.Off == seg.Offset {
			return i
		}
	}

	return 0
}
