package gnutella

import (
	"io"
	"os"

	"github.com/dannyzb/gnutella/common"
)

// Hasher streams a file region for SHA-1 hashing without loading it
// whole; the caller reads and hashes it on its own goroutine.
type Hasher interface {
	Hash(path string, e common.Extent) (io.ReadCloser, error)
}

// fileHasher is the concrete Hasher backed by the local filesystem.
type fileHasher struct{}

func NewFileHasher() Hasher { return fileHasher{} }

func (fileHasher) Hash(path string, e common.Extent) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(e.Start, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return &limitedReadCloser{f: f, remaining: e.Length}, nil
}

type limitedReadCloser struct {
	f         *os.File
	remaining int64
}

func (l *limitedReadCloser) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.f.Read(p)
	l.remaining -= int64(n)
	return n, err
}

func (l *limitedReadCloser) Close() error {
	return l.f.Close()
}
