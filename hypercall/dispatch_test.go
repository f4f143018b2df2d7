package hypercall

import (
	"encoding/binary"
	"errors"
	"testing"
)

type fakeHost struct {
	writes    map[int32][]byte
	openErr   error
	openFd    int32
	closed    []int32
	readData  []byte
	seekRet   int64
}

func (f *fakeHost) Write(fd int32, buf []byte) (int, error) {
	if f.writes == nil {
		f.writes = map[int32][]byte{}
	}

	f.writes[fd] = append(f.writes[fd], buf...)

	return len(buf), nil
}

func (f *fakeHost) Read(fd int32, buf []byte) (int, error) {
	n := copy(buf, f.readData)

	return n, nil
}

func (f *fakeHost) Open(name string, flags, mode int32) (int32, error) {
	if f.openErr != nil {
		return -1, f.openErr
	}

	return f.openFd, nil
}

func (f *fakeHost) Close(fd int32) error {
	f.closed = append(f.closed, fd)

	return nil
}

func (f *fakeHost) LSeek(fd int32, offset int64, whence int32) (int64, error) {
	return f.seekRet, nil
}

func newMem(n int) []byte { return make([]byte, n) }

func TestWriteVisibleOnlyAboveStdio(t *testing.T) {
	t.Parallel()

	mem := newMem(0x4000)
	const gpa = 0x1000
	const bufAddr = 0x2000

	payload := []byte("hello")
	copy(mem[bufAddr:], payload)

	binary.LittleEndian.PutUint32(mem[gpa:], uint32(7)) // fd=7
	binary.LittleEndian.PutUint64(mem[gpa+8:], uint64(bufAddr))
	binary.LittleEndian.PutUint64(mem[gpa+16:], uint64(len(payload)))

	host := &fakeHost{}
	d := &Dispatcher{Mem: mem, Host: host}

	exited, _, err := d.Handle(PortWrite, gpa)
	if err != nil || exited {
		t.Fatalf("Handle: exited=%v err=%v", exited, err)
	}

	if string(host.writes[7]) != "hello" {
		t.Fatalf("host received %q, want %q", host.writes[7], "hello")
	}

	written := binary.LittleEndian.Uint64(mem[gpa+16:])
	if written != uint64(len(payload)) {
		t.Fatalf("len field = %d, want %d", written, len(payload))
	}
}

func TestOpenRejectsDevKVM(t *testing.T) {
	t.Parallel()

	mem := newMem(0x4000)
	const gpa = 0x1000
	const nameAddr = 0x2000

	copy(mem[nameAddr:], "/dev/kvm\x00")
	binary.LittleEndian.PutUint64(mem[gpa:], uint64(nameAddr))

	host := &fakeHost{openFd: 99}
	d := &Dispatcher{Mem: mem, Host: host}

	if _, _, err := d.Handle(PortOpen, gpa); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	ret := int32(binary.LittleEndian.Uint32(mem[gpa+16:]))
	if ret != -1 {
		t.Fatalf("ret = %d, want -1 for /dev/kvm", ret)
	}
}

func TestOpenPassesThroughOtherPaths(t *testing.T) {
	t.Parallel()

	mem := newMem(0x4000)
	const gpa = 0x1000
	const nameAddr = 0x2000

	copy(mem[nameAddr:], "/tmp/x\x00")
	binary.LittleEndian.PutUint64(mem[gpa:], uint64(nameAddr))

	host := &fakeHost{openFd: 5}
	d := &Dispatcher{Mem: mem, Host: host}

	if _, _, err := d.Handle(PortOpen, gpa); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	ret := int32(binary.LittleEndian.Uint32(mem[gpa+16:]))
	if ret != 5 {
		t.Fatalf("ret = %d, want 5", ret)
	}
}

func TestCloseNoopsForStdio(t *testing.T) {
	t.Parallel()

	mem := newMem(0x4000)
	const gpa = 0x1000

	binary.LittleEndian.PutUint32(mem[gpa:], uint32(1)) // stdout

	host := &fakeHost{}
	d := &Dispatcher{Mem: mem, Host: host}

	if _, _, err := d.Handle(PortClose, gpa); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if len(host.closed) != 0 {
		t.Fatalf("Close forwarded for fd<=2: %v", host.closed)
	}

	ret := int32(binary.LittleEndian.Uint32(mem[gpa+4:]))
	if ret != 0 {
		t.Fatalf("ret = %d, want 0", ret)
	}
}

func TestCloseForwardsRealFds(t *testing.T) {
	t.Parallel()

	mem := newMem(0x4000)
	const gpa = 0x1000

	binary.LittleEndian.PutUint32(mem[gpa:], uint32(5))

	host := &fakeHost{}
	d := &Dispatcher{Mem: mem, Host: host}

	if _, _, err := d.Handle(PortClose, gpa); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if len(host.closed) != 1 || host.closed[0] != 5 {
		t.Fatalf("closed = %v, want [5]", host.closed)
	}
}

func TestExitReturnsExitCode(t *testing.T) {
	t.Parallel()

	mem := newMem(0x4000)
	const gpa = 0x1000

	binary.LittleEndian.PutUint32(mem[gpa:], uint32(7))

	d := &Dispatcher{Mem: mem}

	exited, code, err := d.Handle(PortExit, gpa)
	if err != nil || !exited || code != 7 {
		t.Fatalf("Handle(Exit) = exited=%v code=%d err=%v", exited, code, err)
	}
}

func TestUnknownPortIsProtocolError(t *testing.T) {
	t.Parallel()

	d := &Dispatcher{Mem: newMem(64)}

	_, _, err := d.Handle(Port(0x999), 0)

	var protoErr ErrProtocol
	if !errors.As(err, &protoErr) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestMACStringFormat(t *testing.T) {
	t.Parallel()

	mem := newMem(64)
	const gpa = 0

	n := &macOnlyNet{mac: [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}}
	d := &Dispatcher{Mem: mem, Net: n}

	if _, _, err := d.Handle(PortNetInfo, gpa); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	got := string(mem[:17])
	want := "aa:bb:cc:dd:ee:ff"
	if got != want {
		t.Fatalf("mac string = %q, want %q", got, want)
	}

	if mem[17] != 0 {
		t.Fatal("mac string not NUL-terminated")
	}
}

type macOnlyNet struct {
	mac      [6]byte
	readData []byte
	notified bool
}

func (m *macOnlyNet) MAC() [6]byte                  { return m.mac }
func (m *macOnlyNet) Attached() bool                { return true }
func (m *macOnlyNet) Write(buf []byte) (int, error) { return len(buf), nil }

func (m *macOnlyNet) Read(buf []byte) (int, bool, error) {
	if m.readData == nil {
		return 0, true, nil
	}

	return copy(buf, m.readData), false, nil
}

func (m *macOnlyNet) Notify() { m.notified = true }

func TestNetReadWouldBlock(t *testing.T) {
	t.Parallel()

	mem := newMem(0x4000)
	const gpa = 0x1000
	const bufAddr = 0x2000

	binary.LittleEndian.PutUint64(mem[gpa:], uint64(bufAddr))
	binary.LittleEndian.PutUint64(mem[gpa+8:], uint64(16))

	d := &Dispatcher{Mem: mem, Net: &macOnlyNet{}}

	if _, _, err := d.Handle(PortNetRead, gpa); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	ret := int32(binary.LittleEndian.Uint32(mem[gpa+16:]))
	if ret != -1 {
		t.Fatalf("ret = %d, want -1 on would-block", ret)
	}
}

func TestNetReadNotifiesPollThreadOnSuccess(t *testing.T) {
	t.Parallel()

	mem := newMem(0x4000)
	const gpa = 0x1000
	const bufAddr = 0x2000

	binary.LittleEndian.PutUint64(mem[gpa:], uint64(bufAddr))
	binary.LittleEndian.PutUint64(mem[gpa+8:], uint64(16))

	n := &macOnlyNet{readData: []byte{0xde, 0xad, 0xbe, 0xef}}
	d := &Dispatcher{Mem: mem, Net: n}

	if _, _, err := d.Handle(PortNetRead, gpa); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if !n.notified {
		t.Fatal("a successful NetRead must notify the poll thread")
	}
}

func TestCmdValWritesNulTerminatedStrings(t *testing.T) {
	t.Parallel()

	mem := newMem(0x4000)
	const gpa = 0x1000
	const argvArr = 0x2000
	const argBuf0 = 0x3000

	binary.LittleEndian.PutUint64(mem[gpa:], uint64(argvArr))   // argv ptr array
	binary.LittleEndian.PutUint64(mem[gpa+8:], uint64(0))       // no envp entries to write

	binary.LittleEndian.PutUint64(mem[argvArr:], uint64(argBuf0))

	cmd := &fakeCmdline{args: []string{"hello"}}
	d := &Dispatcher{Mem: mem, Cmdline: cmd}

	if _, _, err := d.Handle(PortCmdVal, gpa); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	got := string(mem[argBuf0 : argBuf0+5])
	if got != "hello" {
		t.Fatalf("argv[0] = %q, want %q", got, "hello")
	}

	if mem[argBuf0+5] != 0 {
		t.Fatal("argv[0] not NUL-terminated")
	}
}

type fakeCmdline struct {
	args []string
	env  []string
}

func (f *fakeCmdline) Args() []string    { return f.args }
func (f *fakeCmdline) Environ() []string { return f.env }
