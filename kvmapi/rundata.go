package kvmapi

// RunData mirrors kvm_run, the structure mmap'd into userspace over a
// vCPU's fd. The kernel fills it in before every return from Run and
// reads ReadyForInterruptInjection/RequestInterruptWindow back on entry.
type RunData struct {
	RequestInterruptWindow     uint8
	_                          [7]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the io_out/io_in member of the kvm_run union for an
// ExitIO exit: direction (EXITIOIN/EXITIOOUT), operand size in bytes,
// port number, repeat count, and the byte offset into the kvm_run mmap
// region where the data itself lives.
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return direction, size, port, count, offset
}
