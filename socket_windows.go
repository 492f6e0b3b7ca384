//go:build windows

package veilrpc

import "golang.org/x/sys/windows"

// socketValid reports whether fd is a live descriptor rather than the
// platform's invalid-socket sentinel.
func socketValid(fd int) bool {
	return windows.Handle(fd) != windows.InvalidHandle
}

// dupSocket has no portable WSA duplication path for an arbitrary caller
// process; Descriptor is not offered on Windows.
func dupSocket(int) (int, error) {
	return -1, errorf(StatusNotSupported, "raw socket duplication is not supported on windows")
}
