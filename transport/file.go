package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"sync"

	"gitlab.com/yawning/alphastream.git/internal/xlog"
)

const fileBufferSize = 128 * 1024

var log = xlog.Get("transport")

var errMmapUnsupported = errors.New("transport: mmap not supported on this platform")

// fileSource is the local-file Source. It prefers a memory-mapped view of
// the file; when mapping fails (unsupported platform, special file) it
// falls back to a buffered reader with explicit seeks.
type fileSource struct {
	mu sync.Mutex

	f    *os.File
	size int64

	mapped   []byte // non-nil when mmap succeeded
	br       *bufio.Reader
	brOffset int64 // offset the buffered reader is currently positioned at

	cancelled bool
}

// NewFileSource opens path for ranged reads, preferring mmap.
func NewFileSource(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &Error{Code: ErrCodeNotFound, Op: "file.Open", Err: err}
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &Error{Code: ErrCodeTransport, Op: "file.Stat", Err: err}
	}

	fs := &fileSource{f: f, size: st.Size()}
	if mapped, err := mmapOpen(f, st.Size()); err == nil {
		fs.mapped = mapped
		log.Debugf("file: mmap'd %s (%d bytes)", path, st.Size())
	} else {
		log.Debugf("file: mmap unavailable for %s (%v), falling back to buffered reads", path, err)
		fs.br = bufio.NewReaderSize(f, fileBufferSize)
	}
	return fs, nil
}

func (fs *fileSource) Len(ctx context.Context) (uint64, error) {
	return uint64(fs.size), nil
}

func (fs *fileSource) ReadRange(ctx context.Context, offset, size uint64) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.cancelled {
		return nil, &Error{Code: ErrCodeCancelled, Op: "file.ReadRange"}
	}
	if offset > uint64(fs.size) {
		return nil, &Error{Code: ErrCodeOutOfBounds, Op: "file.ReadRange"}
	}

	end := offset + size
	if end > uint64(fs.size) || end < offset {
		end = uint64(fs.size)
	}

	if fs.mapped != nil {
		// The mapping backs the returned slice for the lifetime of the
		// Source; callers must not retain it past Processor teardown.
		return fs.mapped[offset:end], nil
	}

	return fs.bufferedRead(offset, end)
}

func (fs *fileSource) bufferedRead(offset, end uint64) ([]byte, error) {
	if int64(offset) != fs.brOffset {
		if _, err := fs.f.Seek(int64(offset), io.SeekStart); err != nil {
			return nil, &Error{Code: ErrCodeTransport, Op: "file.Seek", Err: err}
		}
		fs.br.Reset(fs.f)
		fs.brOffset = int64(offset)
	}

	out := make([]byte, end-offset)
	n, err := io.ReadFull(fs.br, out)
	fs.brOffset += int64(n)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, &Error{Code: ErrCodeTransport, Op: "file.Read", Err: err}
	}
	return out[:n], nil
}

func (fs *fileSource) Cancel() {
	fs.mu.Lock()
	fs.cancelled = true
	fs.mu.Unlock()
}

func (fs *fileSource) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.mapped != nil {
		_ = mmapClose(fs.mapped)
		fs.mapped = nil
	}
	return fs.f.Close()
}
