// Package checkpoint implements the on-disk checkpoint/restore engine: a
// per-round memory dump driven by guestmem.Scanner, a per-core vCPU state
// dump driven by vcpu.Save/Restore, and a plain-text manifest recording
// where the chain currently stands. Grounded on the teacher's
// migration.Save/Restore shape (vmm/migrate.go) generalized from an
// always-over-the-wire transfer to an on-disk, resumable chain, and on
// acpi/dsdt.go's preference for a declarative manifest over a bespoke
// binary header.
package checkpoint

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/go-uhyve/uhyve/errkind"
	"github.com/go-uhyve/uhyve/guestmem"
	"github.com/go-uhyve/uhyve/kvmapi"
	"github.com/go-uhyve/uhyve/vcpu"
)

// manifestName is the checkpoint directory's human-readable config file.
const manifestName = "chk_config.txt"

var manifestTmpl = template.Must(template.New("chk_config").Parse(
	`cores: {{.Cores}}
memory size: {{.MemSize}}
checkpoint number: {{.Number}}
entry point: {{.EntryPoint}}
full checkpoint: {{if .Full}}1{{else}}0{{end}}
{{- if .AppPath}}
application path: {{.AppPath}}
{{- end}}
`))

// Manifest is the parsed contents of chk_config.txt.
type Manifest struct {
	Cores      int
	MemSize    int64
	Number     int
	EntryPoint uint64
	Full       bool
	AppPath    string
}

// Store manages the checkpoint chain rooted at Dir: chk{N}_core{i}.dat,
// chk{N}_mem.dat, and the chk_config.txt manifest.
type Store struct {
	Dir string
}

// New returns a Store rooted at dir, creating it if missing.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create checkpoint dir %s: %w", errkind.ErrIoError, dir, err)
	}

	return &Store{Dir: dir}, nil
}

func (s *Store) corePath(n, core int) string {
	return filepath.Join(s.Dir, fmt.Sprintf("chk%d_core%d.dat", n, core))
}

func (s *Store) memPath(n int) string {
	return filepath.Join(s.Dir, fmt.Sprintf("chk%d_mem.dat", n))
}

// Save writes checkpoint round n: one chk{n}_core{i}.dat per vCPU state,
// a chk{n}_mem.dat holding the guest clock followed by the page stream
// selected by sel (SelectAll for a full round, SelectDirty otherwise), and
// an updated manifest. On an incremental round (full false) the walk mirrors
// spec's incremental-pass invariant: every dirty bit observed during the pass
// is cleared, establishing the watermark for the next round.
func (s *Store) Save(
	n int,
	states []vcpu.State,
	mem *guestmem.Memory,
	scanner *guestmem.Scanner,
	pml4Base uint64,
	clock *kvmapi.ClockData,
	full bool,
	entryPoint uint64,
	appPath string,
) error {
	for i, state := range states {
		if err := writeGob(s.corePath(n, i), &state); err != nil {
			return fmt.Errorf("write core%d checkpoint: %w", i, err)
		}
	}

	if err := s.writeMemDump(n, mem, scanner, pml4Base, clock, full); err != nil {
		return err
	}

	return s.writeManifest(Manifest{
		Cores:      len(states),
		MemSize:    int64(mem.Size()),
		Number:     n,
		EntryPoint: entryPoint,
		Full:       full,
		AppPath:    appPath,
	})
}

func (s *Store) writeMemDump(n int, mem *guestmem.Memory, scanner *guestmem.Scanner, pml4Base uint64, clock *kvmapi.ClockData, full bool) error {
	f, err := os.Create(s.memPath(n))
	if err != nil {
		return fmt.Errorf("%w: create %s: %w", errkind.ErrIoError, s.memPath(n), err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)

	clockBytes := structBytes(clock)
	if _, err := w.Write(clockBytes); err != nil {
		return fmt.Errorf("%w: write clock: %w", errkind.ErrIoError, err)
	}

	sel := guestmem.SelectAll
	if !full {
		sel = guestmem.SelectDirty
	}

	guestBytes := mem.Bytes()

	visit := func(rec guestmem.PageRecord) error {
		hdr := make([]byte, 24)
		putUint64(hdr[0:8], rec.Entry)
		putUint64(hdr[8:16], rec.PagePtr)
		putUint64(hdr[16:24], rec.Size)

		if _, err := w.Write(hdr); err != nil {
			return fmt.Errorf("%w: write page record header: %w", errkind.ErrIoError, err)
		}

		page := guestBytes[rec.PagePtr : rec.PagePtr+rec.Size]
		if _, err := w.Write(page); err != nil {
			return fmt.Errorf("%w: write page data: %w", errkind.ErrIoError, err)
		}

		return nil
	}

	// The clearBits argument (!full) clears accessed/dirty bits on an incremental pass only,
	// per spec's stated invariant; a full pass has no prior watermark to
	// reset.
	if err := scanner.Walk(pml4Base, sel, !full, visit); err != nil {
		return err
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("%w: flush %s: %w", errkind.ErrIoError, s.memPath(n), err)
	}

	return nil
}

func (s *Store) writeManifest(m Manifest) error {
	path := filepath.Join(s.Dir, manifestName)

	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("%w: create %s: %w", errkind.ErrIoError, tmp, err)
	}

	if err := manifestTmpl.Execute(f, m); err != nil {
		f.Close()

		return fmt.Errorf("%w: render manifest: %w", errkind.ErrIoError, err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %w", errkind.ErrIoError, tmp, err)
	}

	// Rename makes the manifest update atomic: a reader never observes a
	// half-written file.
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: rename %s: %w", errkind.ErrIoError, tmp, err)
	}

	return nil
}

// ReadManifest parses dir's chk_config.txt.
func ReadManifest(dir string) (*Manifest, error) {
	f, err := os.Open(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, fmt.Errorf("%w: open manifest: %w", errkind.ErrIoError, err)
	}
	defer f.Close()

	m := &Manifest{}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var (
			key, rest string
			ok        bool
		)

		key, rest, ok = cutColon(scanner.Text())
		if !ok {
			continue
		}

		switch key {
		case "cores":
			_, _ = fmt.Sscanf(rest, "%d", &m.Cores)
		case "memory size":
			_, _ = fmt.Sscanf(rest, "%d", &m.MemSize)
		case "checkpoint number":
			_, _ = fmt.Sscanf(rest, "%d", &m.Number)
		case "entry point":
			_, _ = fmt.Sscanf(rest, "%d", &m.EntryPoint)
		case "full checkpoint":
			m.Full = rest == "1"
		case "application path":
			m.AppPath = rest
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read manifest: %w", errkind.ErrIoError, err)
	}

	return m, nil
}

// Restore replays dir's checkpoint chain into mem and returns the final
// vCPU states and guest clock, per spec: indices from the base (the
// manifest's own number standing alone when it records a full checkpoint,
// else 0 for an incremental chain) through the current number, applying
// (entry, page) records in order. The clock
// programmed is the last replayed index's.
func Restore(dir string, mem *guestmem.Memory) ([]vcpu.State, *kvmapi.ClockData, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, nil, err
	}

	base := 0
	if m.Full {
		base = m.Number
	}

	var clock *kvmapi.ClockData

	for idx := base; idx <= m.Number; idx++ {
		c, err := replayMemDump(filepath.Join(dir, fmt.Sprintf("chk%d_mem.dat", idx)), mem)
		if err != nil {
			return nil, nil, err
		}

		clock = c
	}

	states := make([]vcpu.State, m.Cores)

	for i := range states {
		path := filepath.Join(dir, fmt.Sprintf("chk%d_core%d.dat", m.Number, i))
		if err := readGob(path, &states[i]); err != nil {
			return nil, nil, fmt.Errorf("read core%d checkpoint: %w", i, err)
		}
	}

	return states, clock, nil
}

func replayMemDump(path string, mem *guestmem.Memory) (*kvmapi.ClockData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", errkind.ErrIoError, path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)

	clock := &kvmapi.ClockData{}

	clockBytes := structBytes(clock)
	if _, err := readFull(r, clockBytes); err != nil {
		return nil, fmt.Errorf("%w: read clock from %s: %w", errkind.ErrIoError, path, err)
	}

	hdr := make([]byte, 24)

	for {
		if _, err := readFull(r, hdr); err != nil {
			if isEOF(err) {
				break
			}

			return nil, fmt.Errorf("%w: read page record header from %s: %w", errkind.ErrIoError, path, err)
		}

		pagePtr := getUint64(hdr[8:16])
		size := getUint64(hdr[16:24])

		page := make([]byte, size)
		if _, err := readFull(r, page); err != nil {
			return nil, fmt.Errorf("%w: read page data from %s: %w", errkind.ErrIoError, path, err)
		}

		if err := mem.WriteAt(page, pagePtr); err != nil {
			return nil, fmt.Errorf("%w: apply page at %#x: %w", errkind.ErrIoError, pagePtr, err)
		}
	}

	return clock, nil
}
