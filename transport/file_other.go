//go:build !unix

package transport

import "os"

func mmapOpen(f *os.File, size int64) ([]byte, error) {
	return nil, errMmapUnsupported
}

func mmapClose(b []byte) error {
	return nil
}
