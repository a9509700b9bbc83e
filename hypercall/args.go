package hypercall

// Argument layouts, reconstructed from how the source dereferences each
// uhyve_*_t pointer rather than from a header (the guest-side struct
// definitions live in the unikernel's own headers, outside this retrieval
// pack); fields follow natural x86-64 struct alignment.
const (
	// WRITE and READ share one layout; Len is both the requested count on
	// entry and the transferred count on return, per the port's wire
	// contract.
	rwArgFD  = 0
	rwArgBuf = 8
	rwArgLen = 16
	rwArgSize = 24

	openArgName  = 0
	openArgFlags = 8
	openArgMode  = 12
	openArgRet   = 16
	openArgSize  = 24

	closeArgFD  = 0
	closeArgRet = 4
	closeArgSize = 8

	lseekArgFD     = 0
	lseekArgOffset = 8
	lseekArgWhence = 16
	lseekArgSize   = 24

	netinfoArgMAC  = 0
	netinfoMACLen  = 18
	netinfoArgSize = 24

	netxferArgData = 0
	netxferArgLen  = 8
	netxferArgRet  = 16
	netxferArgSize = 24

	netstatArgStatus = 0
	netstatArgSize   = 8

	exitArgCode = 0
	exitArgSize = 4

	// maxArgcEnvc bounds the cmdsize/cmdval forwarding arrays, matching
	// the source's MAX_ARGC_ENVC build constant (defaulted here since it
	// is a CMake parameter, not a fixed header value).
	maxArgcEnvc = 128

	cmdsizeArgArgc   = 0
	cmdsizeArgArgsz  = 4
	cmdsizeArgEnvc   = 4 + 4*maxArgcEnvc
	cmdsizeArgEnvsz  = cmdsizeArgEnvc + 4
	cmdsizeArgSize   = cmdsizeArgEnvsz + 4*maxArgcEnvc

	cmdvalArgArgv = 0
	cmdvalArgEnvp = 8
	cmdvalArgSize = 16
)
