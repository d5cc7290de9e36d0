//go:build unix

package transport

import (
	"os"

	"golang.org/x/sys/unix"
)

func mmapOpen(f *os.File, size int64) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}
	return unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
}

func mmapClose(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munmap(b)
}
