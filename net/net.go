// Package net attaches a host tap device to a guest's virtual NIC,
// wires its interrupt through irqfd, and runs the poll thread that
// notices inbound traffic without busy-spinning the guest.
package net

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nmi/uhyve/kvm"
)

// GSI is the Global System Interrupt line the virtual NIC raises on
// inbound traffic.
const GSI = 11

const ifNameSize = 16

type ifReq struct {
	Name  [ifNameSize]byte
	Flags uint16
	_     [0x28 - ifNameSize - 2]byte
}

// Interface is an attached tap device plus the irqfd/poll-thread
// machinery that lets an isle guest drain it cooperatively.
type Interface struct {
	fd  int
	mac [6]byte

	irqFd int
	ack   chan struct{}
	stop  chan struct{}
	done  chan struct{}
}

// ErrInvalidMAC is returned by ParseMAC when the string is not six
// colon-separated hex octets.
var ErrInvalidMAC = errors.New("invalid MAC address")

// Attach opens a tap device per spec: "@N" reuses an already-open fd N
// (set non-blocking here), anything else is a requested interface name
// opened fresh against /dev/net/tun. macSpec is parsed via ParseMAC, or
// a locally-administered address is generated when macSpec is empty.
func Attach(spec, macSpec string) (*Interface, error) {
	var (
		fd  int
		err error
	)

	if strings.HasPrefix(spec, "@") {
		fd, err = attachExistingFd(spec)
	} else {
		fd, err = attachNewTap(spec)
	}

	if err != nil {
		return nil, err
	}

	if err := setNonBlocking(fd); err != nil {
		syscall.Close(fd)

		return nil, err
	}

	mac, err := resolveMAC(macSpec)
	if err != nil {
		syscall.Close(fd)

		return nil, err
	}

	return &Interface{fd: fd, mac: mac, ack: make(chan struct{}, 1)}, nil
}

func attachExistingFd(spec string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(spec, "@"))
	if err != nil {
		return -1, fmt.Errorf("net: invalid fd spec %q: %w", spec, err)
	}

	return n, nil
}

func attachNewTap(name string) (int, error) {
	fd, err := syscall.Open("/dev/net/tun", syscall.O_RDWR, 0)
	if err != nil {
		return -1, err
	}

	ifr := ifReq{Flags: syscall.IFF_TAP | syscall.IFF_NO_PI}
	copy(ifr.Name[:ifNameSize-1], name)

	if err := ioctlIfReq(fd, syscall.TUNSETIFF, &ifr); err != nil {
		syscall.Close(fd)

		return -1, err
	}

	if name != "" && ifrName(ifr) != name {
		syscall.Close(fd)

		return -1, fmt.Errorf("net: kernel assigned %q, requested %q", ifrName(ifr), name)
	}

	return fd, nil
}

func ioctlIfReq(fd int, op uintptr, ifr *ifReq) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), op, uintptr(unsafe.Pointer(ifr)))
	if errno != 0 {
		return errno
	}

	return nil
}

func ifrName(ifr ifReq) string {
	n := 0
	for n < len(ifr.Name) && ifr.Name[n] != 0 {
		n++
	}

	return string(ifr.Name[:n])
}

func setNonBlocking(fd int) error {
	return syscall.SetNonblock(fd, true)
}

// ParseMAC validates s as six colon-separated hex octets (17 chars,
// aa:bb:cc:dd:ee:ff form).
func ParseMAC(s string) ([6]byte, error) {
	var mac [6]byte

	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return mac, ErrInvalidMAC
	}

	for i, p := range parts {
		if len(p) != 2 {
			return mac, ErrInvalidMAC
		}

		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return mac, ErrInvalidMAC
		}

		mac[i] = byte(v)
	}

	return mac, nil
}

// randomMAC generates a locally-administered, unicast MAC address: the
// low bit of the first octet (multicast) is cleared and the second-low
// bit (locally administered) is set.
func randomMAC() ([6]byte, error) {
	var mac [6]byte

	if _, err := rand.Read(mac[:]); err != nil {
		return mac, err
	}

	mac[0] |= 0x02
	mac[0] &^= 0x01

	return mac, nil
}

func resolveMAC(spec string) ([6]byte, error) {
	if spec == "" {
		return randomMAC()
	}

	return ParseMAC(spec)
}

// MAC returns the interface's hardware address.
func (n *Interface) MAC() [6]byte { return n.mac }

// Attached always reports true for a successfully constructed Interface.
func (n *Interface) Attached() bool { return n != nil }

// Write sends a frame to the tap device.
func (n *Interface) Write(buf []byte) (int, error) {
	return syscall.Write(n.fd, buf)
}

// Read drains one frame from the tap device. wouldBlock is true when
// the tap fd had nothing queued (EAGAIN/EWOULDBLOCK), the signal for
// the caller to re-arm its poll rather than treat this as an error.
func (n *Interface) Read(buf []byte) (nRead int, wouldBlock bool, err error) {
	nRead, err = syscall.Read(n.fd, buf)
	if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) {
		return 0, true, nil
	}

	return nRead, false, err
}

// WireIRQ creates an eventfd and registers it with vmFd via KVM_IRQFD
// on GSI, so that writing to the eventfd raises the interrupt without
// any vCPU thread involvement.
func (n *Interface) WireIRQ(vmFd uintptr) error {
	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return err
	}

	if err := kvm.SetIRQFD(vmFd, efd, GSI); err != nil {
		syscall.Close(efd)

		return err
	}

	n.irqFd = efd
	n.stop = make(chan struct{})
	n.done = make(chan struct{})

	return nil
}

// raiseIRQ signals the guest's virtual NIC interrupt.
func (n *Interface) raiseIRQ() error {
	var buf [8]byte
	buf[0] = 1

	_, err := syscall.Write(n.irqFd, buf[:])

	return err
}

// Notify wakes the poll thread once the guest's NetRead hypercall has
// drained the tap device, per the one-shot-per-packet-burst handshake
// that keeps an idle NIC from signaling an endless stream of
// interrupts.
func (n *Interface) Notify() {
	select {
	case n.ack <- struct{}{}:
	default:
	}
}

// PollLoop blocks on POLLIN against the tap fd with an infinite
// timeout, raises GSI on readiness, then waits for the guest to drain
// the device via Notify before polling again. It returns when Stop is
// called.
func (n *Interface) PollLoop() {
	defer close(n.done)

	fds := []unix.PollFd{{Fd: int32(n.fd), Events: unix.POLLIN}}

	for {
		select {
		case <-n.stop:
			return
		default:
		}

		_, err := unix.Poll(fds, -1)
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}

			return
		}

		if fds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		if err := n.raiseIRQ(); err != nil {
			return
		}

		select {
		case <-n.ack:
		case <-n.stop:
			return
		}
	}
}

// Stop terminates the poll thread and waits for it to exit.
func (n *Interface) Stop() {
	if n.stop == nil {
		return
	}

	close(n.stop)
	<-n.done
}

// Close releases the tap fd and irqfd.
func (n *Interface) Close() error {
	if n.irqFd != 0 {
		syscall.Close(n.irqFd)
	}

	return syscall.Close(n.fd)
}
