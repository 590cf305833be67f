package sirix

import "sync"

// Back is a random-access byte-range abstraction over a resource file (or
// an in-memory stand-in for tests). All page and header IO goes through it;
// nothing above this layer knows whether it is talking to a real file, an
// mmap window, or a memory buffer.
type Back interface {
	// Access invokes f with a byte slice covering [off, off+l). f may read
	// or write in place. Access excludes only Truncate; concurrent Access
	// calls on overlapping ranges are not serialized against each other.
	Access(off, l int64, f func(p []byte))

	// Size returns the current length of the backing store.
	Size() int64

	// Truncate grows or shrinks the backing store to exactly size bytes.
	Truncate(size int64) error

	// Sync flushes any buffered writes to stable storage.
	Sync() error
}

// MemBack is an in-memory Back used by tests and by callers that want a
// throwaway resource (e.g. scratch indexes).
type MemBack struct {
	mu sync.RWMutex
	d  []byte
}

func NewMemBack(size int64) *MemBack {
	return &MemBack{d: make([]byte, size)}
}

func (b *MemBack) Access(off, l int64, f func(p []byte)) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if off < 0 || l < 0 || int(off+l) > len(b.d) {
		panic("sirix: back access out of range")
	}

	f(b.d[off : off+l])
}

func (b *MemBack) Truncate(s int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if int64(cap(b.d)) >= s {
		old := len(b.d)
		b.d = b.d[:s]
		if int64(old) < s {
			for i := old; int64(i) < s; i++ {
				b.d[i] = 0
			}
		}
		return nil
	}

	c := make([]byte, s)
	copy(c, b.d)
	b.d = c

	return nil
}

func (b *MemBack) Size() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return int64(len(b.d))
}

func (b *MemBack) Sync() error {
	return nil
}
