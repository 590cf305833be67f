//go:build linux || darwin

package sirix

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"
	"tlog.app/go/errors"
)

// FileBack is a Back backed by a memory-mapped file. It remaps on every
// Truncate. Under a resource file, Truncate runs only while pages are
// written (bootstrap and commit); under a transaction log or name
// dictionary, every Put and Delete truncates, and so remaps.
type FileBack struct {
	mu sync.RWMutex
	f  *os.File
	d  []byte
}

var _ Back = (*FileBack)(nil)

// OpenFileBack opens (creating if absent) the resource file at path.
func OpenFileBack(path string) (*FileBack, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0640)
	if err != nil {
		return nil, errors.Wrap(err, "open resource file")
	}

	b := &FileBack{f: f}

	if sz, err := fileSize(f); err != nil {
		f.Close()
		return nil, err
	} else if sz > 0 {
		if err := b.mmap(sz); err != nil {
			f.Close()
			return nil, err
		}
	}

	return b, nil
}

func fileSize(f *os.File) (int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "stat resource file")
	}
	return fi.Size(), nil
}

func (b *FileBack) mmap(size int64) error {
	d, err := unix.Mmap(int(b.f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return errors.Wrap(err, "mmap resource file")
	}
	b.d = d
	return nil
}

func (b *FileBack) unmap() error {
	if b.d == nil {
		return nil
	}
	err := unix.Munmap(b.d)
	b.d = nil
	if err != nil {
		return errors.Wrap(err, "munmap resource file")
	}
	return nil
}

func (b *FileBack) Access(off, l int64, f func(p []byte)) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if off < 0 || l < 0 || int(off+l) > len(b.d) {
		panic("sirix: back access out of range")
	}

	f(b.d[off : off+l])
}

func (b *FileBack) Size() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return int64(len(b.d))
}

func (b *FileBack) Truncate(size int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.unmap(); err != nil {
		return err
	}

	if err := b.f.Truncate(size); err != nil {
		return errors.Wrap(err, "truncate resource file")
	}

	if size == 0 {
		return nil
	}

	return b.mmap(size)
}

func (b *FileBack) Sync() error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.d != nil {
		if err := unix.Msync(b.d, unix.MS_SYNC); err != nil {
			return errors.Wrap(err, "msync resource file")
		}
	}

	return errors.Wrap(b.f.Sync(), "fsync resource file")
}

func (b *FileBack) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.unmap(); err != nil {
		return err
	}

	return b.f.Close()
}
