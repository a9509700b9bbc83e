package kvmapi

import "errors"

// ErrUnexpectedExitReason is any vmexit we do not have a handler for.
var ErrUnexpectedExitReason = errors.New("unexpected kvm exit reason")

// ErrDebug is a debug exit caused by single-step or a breakpoint.
var ErrDebug = errors.New("debug exit")

// ExitReason is a virtual machine exit reason, as returned in
// RunData.ExitReason.
type ExitReason uint32

// ExitReason values, as the KVM_EXIT_* constants in linux/kvm.h.
const (
	ExitUnknown       ExitReason = 0
	ExitException     ExitReason = 1
	ExitIO            ExitReason = 2
	ExitHypercall     ExitReason = 3
	ExitDebug         ExitReason = 4
	ExitHLT           ExitReason = 5
	ExitMMIO          ExitReason = 6
	ExitIRQWindowOpen ExitReason = 7
	ExitShutdown      ExitReason = 8
	ExitFailEntry     ExitReason = 9
	ExitIntr          ExitReason = 10
	ExitSetTPR        ExitReason = 11
	ExitTPRAccess     ExitReason = 12
	ExitInternalError ExitReason = 17
)

func (e ExitReason) String() string {
	switch e {
	case ExitUnknown:
		return "EXIT_UNKNOWN"
	case ExitException:
		return "EXIT_EXCEPTION"
	case ExitIO:
		return "EXIT_IO"
	case ExitHypercall:
		return "EXIT_HYPERCALL"
	case ExitDebug:
		return "EXIT_DEBUG"
	case ExitHLT:
		return "EXIT_HLT"
	case ExitMMIO:
		return "EXIT_MMIO"
	case ExitIRQWindowOpen:
		return "EXIT_IRQ_WINDOW_OPEN"
	case ExitShutdown:
		return "EXIT_SHUTDOWN"
	case ExitFailEntry:
		return "EXIT_FAIL_ENTRY"
	case ExitIntr:
		return "EXIT_INTR"
	case ExitSetTPR:
		return "EXIT_SET_TPR"
	case ExitTPRAccess:
		return "EXIT_TPR_ACCESS"
	case ExitInternalError:
		return "EXIT_INTERNAL_ERROR"
	default:
		return "EXIT_UNKNOWN_RESERVED"
	}
}

// I/O direction values decoded by RunData.IO.
const (
	ExitIOIn  = 0
	ExitIOOut = 1
)
