// Package netif backs the NETINFO/NETWRITE/NETREAD/NETSTAT hypercalls with
// a host tap device, playing the role the teacher's tap+virtio-net pair
// played for its PCI virtio-net device: open a tap, mirror bytes across the
// port boundary, and raise an interrupt when the host side has data ready.
package netif

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/go-uhyve/uhyve/errkind"
)

const ifNameSize = 0x10

type ifReq struct {
	Name  [ifNameSize]byte
	Flags uint16
	_     [0x28 - ifNameSize - 2]byte
}

// Device is a tap-backed NIC satisfying hypercall.NetDevice. The guest's
// NETWRITE maps onto a host write to the tap; the host's tap reads are
// buffered and drained by the guest's NETREAD, with StartPolling's reader
// goroutine raising IRQNet whenever a packet lands in that buffer.
type Device struct {
	fd   int
	name string
	mac  [6]byte

	mu      sync.Mutex
	rxQueue [][]byte

	pollOnce sync.Once
	closed   bool
}

// New opens name (creating it if the host's tap driver allows) as a tap
// device and assigns it a locally-administered MAC derived from the name,
// since uhyve guests never negotiate one over the wire.
func New(name string) (*Device, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open /dev/net/tun: %w", errkind.ErrKernelIfaceError, err)
	}

	ifr := ifReq{Flags: unix.IFF_TAP | unix.IFF_NO_PI}
	copy(ifr.Name[:ifNameSize-1], name)

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.TUNSETIFF, uintptr(unsafe.Pointer(&ifr))); errno != 0 {
		_ = unix.Close(fd)

		return nil, fmt.Errorf("%w: TUNSETIFF %s: %w", errkind.ErrKernelIfaceError, name, errno)
	}

	return &Device{fd: fd, name: name, mac: deriveMAC(name)}, nil
}

// deriveMAC produces a stable locally-administered address (the low bit of
// the first octet clear, the next bit set, per IEEE 802) from the tap name,
// so repeated runs against the same interface keep the same address.
func deriveMAC(name string) [6]byte {
	var mac [6]byte

	mac[0] = 0x02

	h := uint32(2166136261)
	for i := 0; i < len(name); i++ {
		h ^= uint32(name[i])
		h *= 16777619
	}

	mac[1] = byte(h >> 24)
	mac[2] = byte(h >> 16)
	mac[3] = byte(h >> 8)
	mac[4] = byte(h)
	mac[5] = byte(len(name))

	return mac
}

func (d *Device) MAC() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		d.mac[0], d.mac[1], d.mac[2], d.mac[3], d.mac[4], d.mac[5])
}

func (d *Device) Enabled() bool {
	return d != nil && !d.closed
}

// Write sends one guest-originated frame out through the tap, the
// NETWRITE hypercall's host-side half.
func (d *Device) Write(p []byte) (int, error) {
	n, err := unix.Write(d.fd, p)
	if err != nil {
		return n, fmt.Errorf("%w: tap write: %w", errkind.ErrIoError, err)
	}

	return n, nil
}

// Read drains the oldest buffered host-received frame into p, the
// NETREAD hypercall's host-side half. It never blocks: with nothing
// queued it returns 0, nil, matching the original's non-blocking poll
// contract.
func (d *Device) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.rxQueue) == 0 {
		return 0, nil
	}

	frame := d.rxQueue[0]
	d.rxQueue = d.rxQueue[1:]

	n := copy(p, frame)

	return n, nil
}

// StartPolling launches the background reader that owns the tap's read
// side: every frame it pulls off the device is queued for the guest's next
// NETREAD and raiseIRQ is invoked to tell the guest one is waiting. Safe to
// call more than once; only the first call starts a goroutine.
func (d *Device) StartPolling(raiseIRQ func()) {
	d.pollOnce.Do(func() {
		go d.pollLoop(raiseIRQ)
	})
}

func (d *Device) pollLoop(raiseIRQ func()) {
	buf := make([]byte, 65536)

	for {
		n, err := unix.Read(d.fd, buf)
		if err != nil {
			if d.closed {
				return
			}

			continue
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])

		d.mu.Lock()
		d.rxQueue = append(d.rxQueue, frame)
		d.mu.Unlock()

		if raiseIRQ != nil {
			raiseIRQ()
		}
	}
}

func (d *Device) Close() error {
	d.closed = true

	return unix.Close(d.fd)
}
