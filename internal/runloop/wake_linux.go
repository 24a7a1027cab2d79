//go:build linux

package runloop

import (
	"encoding/binary"
	"errors"

	"golang.org/x/sys/unix"
)

func newWakeFD() (*wakeFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, &WakeError{Op: "eventfd", Err: err}
	}
	return &wakeFD{r: fd, w: fd}, nil
}

func writeWake(fd int) error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(fd, buf[:])
		switch {
		case err == nil, errors.Is(err, unix.EAGAIN):
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		default:
			return &WakeError{Op: "write", Err: err}
		}
	}
}

func drainWake(fd int) {
	var buf [8]byte
	for {
		_, err := unix.Read(fd, buf[:])
		if errors.Is(err, unix.EINTR) {
			continue
		}
		// An eventfd read resets the counter, so one successful read drains it.
		return
	}
}

func closeWake(r, _ int) error {
	return unix.Close(r)
}
