//go:build unix

package veilrpc

import "golang.org/x/sys/unix"

// socketValid reports whether fd is a live descriptor rather than the
// platform's invalid-socket sentinel.
func socketValid(fd int) bool {
	if fd < 0 {
		return false
	}
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}

// dupSocket duplicates fd with close-on-exec set, so the caller's copy
// survives the Stream being closed.
func dupSocket(fd int) (int, error) {
	dup, err := unix.Dup(fd)
	if err != nil {
		return -1, transportError("duplicate socket", err)
	}
	unix.CloseOnExec(dup)
	return dup, nil
}
