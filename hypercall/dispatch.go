package hypercall

// Host performs the host-side file descriptor operations a guest may
// request. Implementations only ever see fds the hypervisor itself
// opened or inherited; fd 0/1/2 are never forwarded to Close.
type Host interface {
	Write(fd int32, buf []byte) (int, error)
	Read(fd int32, buf []byte) (int, error)
	Open(name string, flags, mode int32) (int32, error)
	Close(fd int32) error
	LSeek(fd int32, offset int64, whence int32) (int64, error)
}

// Net is the tap network device backing the guest's virtual NIC, or
// nil when no network was configured.
type Net interface {
	MAC() [6]byte
	Attached() bool
	Write(buf []byte) (int, error)
	// Read returns wouldBlock=true instead of an error when the tap fd
	// has nothing queued, so the caller can re-arm its poll.
	Read(buf []byte) (n int, wouldBlock bool, err error)
	// Notify releases the poll thread blocked after raising the NIC's
	// interrupt, once the guest has drained the device via NetRead.
	Notify()
}

// Cmdline exposes the host argv/envp an isle guest inherits, with
// argv[0] (the kernel binary name) already excluded per §4.2.
type Cmdline interface {
	Args() []string
	Environ() []string
}

// Console receives single bytes written to the UART hypercall port.
type Console interface {
	UARTByte(b byte)
}

// Dispatcher decodes and executes hypercalls against guest memory.
type Dispatcher struct {
	Mem     []byte
	Host    Host
	Net     Net
	Cmdline Cmdline
	Console Console
	Verbose bool
}

// Handle executes the hypercall made on port, where data is the raw
// 64-bit value the guest wrote to the port: for every port besides
// UART this is a guest-physical pointer to the port's argument block;
// for UART it is the byte itself, packed into the low 8 bits.
//
// Handle returns a non-nil error only for a genuine protocol violation
// (an unknown port). Every other failure — a bad fd, a short read, a
// guest pointer out of bounds — is degraded to the port's own
// negative-return convention and never surfaces as a host error,
// matching the hypercall error policy.
//
// exited reports whether the guest invoked PortExit; when true, code
// holds the guest's requested exit status and the VM must terminate.
func (d *Dispatcher) Handle(port Port, data uint64) (exited bool, code int32, err error) {
	switch port {
	case PortWrite:
		return false, 0, d.handleWrite(data)
	case PortOpen:
		return false, 0, d.handleOpen(data)
	case PortClose:
		return false, 0, d.handleClose(data)
	case PortRead:
		return false, 0, d.handleRead(data)
	case PortExit:
		c, err := d.handleExit(data)

		return true, c, err
	case PortLSeek:
		return false, 0, d.handleLSeek(data)
	case PortNetInfo:
		return false, 0, d.handleNetInfo(data)
	case PortNetWrite:
		return false, 0, d.handleNetWrite(data)
	case PortNetRead:
		return false, 0, d.handleNetRead(data)
	case PortNetStat:
		return false, 0, d.handleNetStat(data)
	case PortCmdSize:
		return false, 0, d.handleCmdSize(data)
	case PortCmdVal:
		return false, 0, d.handleCmdVal(data)
	case PortUART:
		d.handleUART(data)

		return false, 0, nil
	default:
		return false, 0, ErrProtocol{Port: port}
	}
}

// handleExit reads the guest's requested exit code out of its argument
// block. A bad pointer degrades to exit code 0 rather than a host error.
func (d *Dispatcher) handleExit(gpa uint64) (int32, error) {
	b, err := newBlock(d.Mem, gpa, 4)
	if err != nil {
		return 0, nil
	}

	return b.i32(0), nil
}

func (d *Dispatcher) handleWrite(gpa uint64) error {
	b, err := newBlock(d.Mem, gpa, 24)
	if err != nil {
		return nil
	}

	fd := b.i32(0)
	length := b.u64(16)

	buf, err := b.guestBuf(8, length)
	if err != nil {
		b.putU64(16, 0)

		return nil
	}

	// fd>2 check: only descriptors the guest itself opened are ever
	// visible to it, stdio is forwarded implicitly by the host process.
	n, err := d.Host.Write(fd, buf)
	if err != nil {
		n = 0
	}

	b.putU64(16, uint64(n))

	return nil
}

func (d *Dispatcher) handleOpen(gpa uint64) error {
	b, err := newBlock(d.Mem, gpa, 24)
	if err != nil {
		return nil
	}

	name, err := b.guestCString(0, 4096)
	if err != nil {
		b.putI32(16, -1)

		return nil
	}

	if isDevKVM(name) {
		b.putI32(16, -1)

		return nil
	}

	flags := b.i32(8)
	mode := b.i32(12)

	fd, err := d.Host.Open(name, flags, mode)
	if err != nil {
		b.putI32(16, -1)

		return nil
	}

	b.putI32(16, fd)

	return nil
}

func isDevKVM(name string) bool {
	return name == "/dev/kvm"
}

func (d *Dispatcher) handleClose(gpa uint64) error {
	b, err := newBlock(d.Mem, gpa, 8)
	if err != nil {
		return nil
	}

	fd := b.i32(0)

	if fd <= 2 {
		b.putI32(4, 0)

		return nil
	}

	if err := d.Host.Close(fd); err != nil {
		b.putI32(4, -1)

		return nil
	}

	b.putI32(4, 0)

	return nil
}

func (d *Dispatcher) handleRead(gpa uint64) error {
	b, err := newBlock(d.Mem, gpa, 32)
	if err != nil {
		return nil
	}

	fd := b.i32(0)
	length := b.u64(16)

	buf, err := b.guestBuf(8, length)
	if err != nil {
		b.putI64(24, -1)

		return nil
	}

	n, err := d.Host.Read(fd, buf)
	if err != nil {
		b.putI64(24, -1)

		return nil
	}

	b.putI64(24, int64(n))

	return nil
}

func (d *Dispatcher) handleLSeek(gpa uint64) error {
	b, err := newBlock(d.Mem, gpa, 24)
	if err != nil {
		return nil
	}

	fd := b.i32(0)
	offset := b.i64(8)
	whence := b.i32(16)

	ret, err := d.Host.LSeek(fd, offset, whence)
	if err != nil {
		b.putI64(8, -1)

		return nil
	}

	b.putI64(8, ret)

	return nil
}

func (d *Dispatcher) handleNetInfo(gpa uint64) error {
	b, err := newBlock(d.Mem, gpa, 18)
	if err != nil {
		return nil
	}

	var mac [6]byte
	if d.Net != nil {
		mac = d.Net.MAC()
	}

	s := macString(mac)
	copy(b.mem[b.base:b.base+18], s)
	b.mem[b.base+17] = 0

	return nil
}

func macString(mac [6]byte) string {
	const hex = "0123456789abcdef"

	buf := make([]byte, 17)
	for i, octet := range mac {
		buf[i*3] = hex[octet>>4]
		buf[i*3+1] = hex[octet&0xf]

		if i != 5 {
			buf[i*3+2] = ':'
		}
	}

	return string(buf)
}

func (d *Dispatcher) handleNetWrite(gpa uint64) error {
	b, err := newBlock(d.Mem, gpa, 24)
	if err != nil {
		return nil
	}

	length := b.u64(8)

	buf, err := b.guestBuf(0, length)
	if err != nil || d.Net == nil {
		b.putI32(16, -1)

		return nil
	}

	n, err := d.Net.Write(buf)
	if err != nil {
		b.putI32(16, -1)

		return nil
	}

	b.putU64(8, uint64(n))
	b.putI32(16, 0)

	return nil
}

func (d *Dispatcher) handleNetRead(gpa uint64) error {
	b, err := newBlock(d.Mem, gpa, 24)
	if err != nil {
		return nil
	}

	length := b.u64(8)

	buf, err := b.guestBuf(0, length)
	if err != nil || d.Net == nil {
		b.putI32(16, -1)

		return nil
	}

	n, wouldBlock, err := d.Net.Read(buf)
	if wouldBlock {
		d.Net.Notify()
		b.putI32(16, -1)

		return nil
	}

	if err != nil {
		b.putI32(16, -1)

		return nil
	}

	d.Net.Notify()

	b.putU64(8, uint64(n))
	b.putI32(16, 0)

	return nil
}

func (d *Dispatcher) handleNetStat(gpa uint64) error {
	b, err := newBlock(d.Mem, gpa, 4)
	if err != nil {
		return nil
	}

	status := int32(0)
	if d.Net != nil && d.Net.Attached() {
		status = 1
	}

	b.putI32(0, status)

	return nil
}

const maxArgs = 128

func (d *Dispatcher) handleCmdSize(gpa uint64) error {
	b, err := newBlock(d.Mem, gpa, 4+4*maxArgs+4+4*maxArgs)
	if err != nil {
		return nil
	}

	var args, env []string
	if d.Cmdline != nil {
		args = d.Cmdline.Args()
		env = d.Cmdline.Environ()
	}

	b.putU32(0, uint32(len(args)))
	for i, a := range args {
		if i >= maxArgs {
			break
		}

		b.putU32(4+uint64(i)*4, uint32(len(a)+1))
	}

	envBase := uint64(4 + 4*maxArgs)
	b.putU32(envBase, uint32(len(env)))

	for i, e := range env {
		if i >= maxArgs {
			break
		}

		b.putU32(envBase+4+uint64(i)*4, uint32(len(e)+1))
	}

	return nil
}

func (d *Dispatcher) handleCmdVal(gpa uint64) error {
	b, err := newBlock(d.Mem, gpa, 16)
	if err != nil {
		return nil
	}

	var args, env []string
	if d.Cmdline != nil {
		args = d.Cmdline.Args()
		env = d.Cmdline.Environ()
	}

	argvPtrs := b.u64(0)
	envpPtrs := b.u64(8)

	for i, a := range args {
		elem, err := newBlock(d.Mem, argvPtrs+uint64(i)*8, 8)
		if err != nil {
			return nil
		}

		if err := elem.putCString(0, a); err != nil {
			return nil
		}
	}

	for i, e := range env {
		elem, err := newBlock(d.Mem, envpPtrs+uint64(i)*8, 8)
		if err != nil {
			return nil
		}

		if err := elem.putCString(0, e); err != nil {
			return nil
		}
	}

	return nil
}

func (d *Dispatcher) handleUART(data uint64) {
	if !d.Verbose {
		return
	}

	if d.Console != nil {
		d.Console.UARTByte(byte(data))
	}
}
