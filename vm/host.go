package vm

import "golang.org/x/sys/unix"

// hostFiles implements hypercall.Host by forwarding a guest's file
// operations directly to host file descriptors: fds 0-2 are the
// process's own stdio, inherited implicitly; any other fd the guest
// holds was itself returned by a prior Open.
type hostFiles struct{}

func (hostFiles) Write(fd int32, buf []byte) (int, error) {
	return unix.Write(int(fd), buf)
}

func (hostFiles) Read(fd int32, buf []byte) (int, error) {
	return unix.Read(int(fd), buf)
}

func (hostFiles) Open(name string, flags, mode int32) (int32, error) {
	fd, err := unix.Open(name, int(flags), uint32(mode))

	return int32(fd), err
}

func (hostFiles) Close(fd int32) error {
	return unix.Close(int(fd))
}

func (hostFiles) LSeek(fd int32, offset int64, whence int32) (int64, error) {
	return unix.Seek(int(fd), offset, int(whence))
}
