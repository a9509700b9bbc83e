// Package errkind collects the sentinel error values shared across the
// hypervisor. Layers wrap one of these with fmt.Errorf("%w: ...") so callers
// can still errors.Is against the kind without caring which layer raised it.
package errkind

import "errors"

var (
	// ErrInvalidImage means the boot image's header does not match the
	// expected unikernel signature.
	ErrInvalidImage = errors.New("invalid boot image")

	// ErrIoError wraps any short read/write against a file, image, or
	// checkpoint stream.
	ErrIoError = errors.New("i/o error")

	// ErrOutOfMemory covers implausibly large header tables and guest
	// memory allocation failures.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrKernelIfaceError is any failed KVM ioctl. Always fatal: there is
	// no recovery from a broken VM file descriptor.
	ErrKernelIfaceError = errors.New("kvm interface error")

	// ErrNotMapped means a guest-virtual address translation missed a
	// present bit somewhere along the page-table walk.
	ErrNotMapped = errors.New("guest address not mapped")

	// ErrProtocolViolation covers short migration I/O or a metadata
	// mismatch (ncores/entry/guest_size) between initiator and responder.
	ErrProtocolViolation = errors.New("migration protocol violation")

	// ErrUnknownExit is an unrecognized vmexit reason or an I/O port with
	// no registered handler.
	ErrUnknownExit = errors.New("unknown exit reason")

	// ErrFatalGuest covers entry failure, internal error, and
	// segmentation exceptions without a debug stub attached.
	ErrFatalGuest = errors.New("fatal guest error")

	// ErrUnsupportedArch is returned by vmm.New on GOARCH values where
	// checkpoint/migration are not offered.
	ErrUnsupportedArch = errors.New("unsupported architecture")
)
