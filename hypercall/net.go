package hypercall

import (
	"encoding/binary"

	"github.com/go-uhyve/uhyve/guestmem"
)

func (h *Handler) handleNetinfo(mem *guestmem.Memory, off uint64) error {
	argBytes, err := readArgBytes(mem, off, netinfoArgSize)
	if err != nil {
		return err
	}

	if h.Net == nil {
		return nil
	}

	copy(argBytes[netinfoArgMAC:netinfoArgMAC+netinfoMACLen], h.Net.MAC())

	h.netStart.Do(func() {
		h.Net.StartPolling(func() {
			if h.RaiseIRQ != nil {
				_ = h.RaiseIRQ(IRQNet)
			}
		})
	})

	return nil
}

func (h *Handler) handleNetwrite(mem *guestmem.Memory, off uint64) error {
	argBytes, err := readArgBytes(mem, off, netxferArgSize)
	if err != nil {
		return err
	}

	dataOff := binary.LittleEndian.Uint64(argBytes[netxferArgData:])
	length := binary.LittleEndian.Uint64(argBytes[netxferArgLen:])

	buf, err := readArgBytes(mem, dataOff, length)
	if err != nil {
		return err
	}

	var n int
	var ret int32

	if h.Net != nil {
		var werr error

		n, werr = h.Net.Write(buf)
		if werr != nil {
			ret = -1
		}
	} else {
		ret = -1
	}

	binary.LittleEndian.PutUint64(argBytes[netxferArgLen:], uint64(n))
	binary.LittleEndian.PutUint32(argBytes[netxferArgRet:], uint32(ret))

	return nil
}

func (h *Handler) handleNetread(mem *guestmem.Memory, off uint64) error {
	argBytes, err := readArgBytes(mem, off, netxferArgSize)
	if err != nil {
		return err
	}

	dataOff := binary.LittleEndian.Uint64(argBytes[netxferArgData:])
	length := binary.LittleEndian.Uint64(argBytes[netxferArgLen:])

	buf, err := readArgBytes(mem, dataOff, length)
	if err != nil {
		return err
	}

	ret := int32(-1)
	n := 0

	if h.Net != nil {
		if rn, rerr := h.Net.Read(buf); rerr == nil && rn > 0 {
			n, ret = rn, 0
		}
	}

	binary.LittleEndian.PutUint64(argBytes[netxferArgLen:], uint64(n))
	binary.LittleEndian.PutUint32(argBytes[netxferArgRet:], uint32(ret))

	return nil
}

func (h *Handler) handleNetstat(mem *guestmem.Memory, off uint64) error {
	argBytes, err := readArgBytes(mem, off, netstatArgSize)
	if err != nil {
		return err
	}

	status := int32(0)
	if h.Net != nil && h.Net.Enabled() {
		status = 1
	}

	binary.LittleEndian.PutUint32(argBytes[netstatArgStatus:], uint32(status))

	return nil
}
