//go:build unix && !linux

package runloop

import (
	"errors"

	"golang.org/x/sys/unix"
)

func newWakeFD() (*wakeFD, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, &WakeError{Op: "pipe", Err: err}
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(p[0])
			_ = unix.Close(p[1])
			return nil, &WakeError{Op: "setnonblock", Err: err}
		}
	}
	return &wakeFD{r: p[0], w: p[1]}, nil
}

func writeWake(fd int) error {
	buf := [1]byte{1}
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
	var buf [64]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil || n < len(buf) {
			return
		}
	}
}

func closeWake(r, w int) error {
	err := unix.Close(r)
	if werr := unix.Close(w); err == nil {
		err = werr
	}
	return err
}
