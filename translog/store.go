// Package translog implements the persistent transaction log:
// a content-addressed, append-only key/value spill store that the page
// write transaction drains into before it commits dirty pages into the
// resource file.
package translog

import (
	"sync"

	"github.com/nikandfor/tlog"
	"tlog.app/go/errors"
)

// Back is the byte-range abstraction the log is spilled onto. Any type
// implementing sirix.Back already satisfies this (same method set), so
// package translog never imports package sirix and no import cycle can
// arise between the two.
type Back interface {
	Access(off, l int64, f func(p []byte))
	Size() int64
	Truncate(size int64) error
	Sync() error
}

var (
	// ErrNotFound is returned by Get when key was never Put or was last
	// seen as Delete.
	ErrNotFound = errors.New("translog: key not found")
)

const (
	tombstoneLive = 0
	tombstoneDead = 1
)

type location struct {
	off  int64
	klen int64
	vlen int64
	dead bool
}

// Store is the persistent transaction log: a content-addressed
// append-only Put/Get/Delete/Clear store. It keeps a full in-memory index
// of key -> on-disk location (no bulk-get path is provided — every lookup
// is a single point Get) and flushes to disk
// either every FlushBytes/FlushEntries of appended data or on an explicit
// Sync, whichever comes first.
type Store struct {
	mu    sync.Mutex
	back  Back
	tail  int64
	index map[string]location

	flushBytes   int64
	flushEntries int
	syncEvery    int

	dirtyBytes   int64
	dirtyEntries int
	putsTotal    int

	fc  *flushCoalescer
	log *tlog.Logger
}

// Open replays an existing log from back (if any bytes are present) and
// returns a Store ready to serve Put/Get/Delete.
func Open(back Back, flushBytes int64, flushEntries, syncEvery int, log *tlog.Logger) (*Store, error) {
	if log == nil {
		log = tlog.DefaultLogger
	}

	s := &Store{
		back:         back,
		index:        make(map[string]location),
		flushBytes:   flushBytes,
		flushEntries: flushEntries,
		syncEvery:    syncEvery,
		log:          log,
	}
	if err := s.replay(); err != nil {
		return nil, errors.Wrap(err, "replay translog")
	}

	s.fc = newFlushCoalescer(s.flush)

	return s, nil
}

func (s *Store) replay() error {
	size := s.back.Size()
	var off int64

	for off < size {
		var hdr [1 + 10 + 10]byte
		hn := int64(len(hdr))
		if off+hn > size {
			hn = size - off
		}
		s.back.Access(off, hn, func(p []byte) { copy(hdr[:], p) })

		if hdr[0] != tombstoneLive && hdr[0] != tombstoneDead {
			break // short trailing write, stop replay here
		}

		klen, kn := getUvarint(hdr[1:])
		if kn <= 0 {
			break
		}
		vlen, vn := getUvarint(hdr[1+kn:])
		if vn <= 0 {
			break
		}

		entryHeaderLen := int64(1 + kn + vn)
		keyOff := off + entryHeaderLen
		valOff := keyOff + int64(klen)
		entryLen := entryHeaderLen + int64(klen) + int64(vlen)

		if off+entryLen > size {
			break
		}

		key := make([]byte, klen)
		s.back.Access(keyOff, int64(klen), func(p []byte) { copy(key, p) })

		s.index[string(key)] = location{
			off:  valOff,
			klen: int64(klen),
			vlen: int64(vlen),
			dead: hdr[0] == tombstoneDead,
		}

		off += entryLen
	}

	s.tail = off

	return nil
}

func putUvarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

func getUvarint(b []byte) (uint64, int) {
	var x uint64
	var s uint
	for i, c := range b {
		if c < 0x80 {
			if i > 9 || (i == 9 && c > 1) {
				return 0, -(i + 1)
			}
			return x | uint64(c)<<s, i + 1
		}
		x |= uint64(c&0x7f) << s
		s += 7
	}
	return 0, 0
}

// Put appends key/value as a new live entry, superseding any prior value
// for key. Appends are never in place: the log is write-once, content
// addressed by append order.
func (s *Store) Put(key, value []byte) error {
	s.mu.Lock()

	entry := make([]byte, 0, 1+10+10+len(key)+len(value))
	entry = append(entry, tombstoneLive)
	entry = putUvarint(entry, uint64(len(key)))
	entry = putUvarint(entry, uint64(len(value)))
	entry = append(entry, key...)
	entry = append(entry, value...)

	off := s.tail
	if err := s.back.Truncate(off + int64(len(entry))); err != nil {
		s.mu.Unlock()
		return errors.Wrap(err, "grow translog")
	}
	s.back.Access(off, int64(len(entry)), func(p []byte) { copy(p, entry) })
	s.tail += int64(len(entry))

	valOff := off + int64(len(entry)) - int64(len(value))
	s.index[string(key)] = location{off: valOff, klen: int64(len(key)), vlen: int64(len(value))}

	s.dirtyBytes += int64(len(entry))
	s.dirtyEntries++
	s.putsTotal++

	if s.log.V("translog") != nil {
		s.log.Printf("translog put key=%x bytes=%d tail=%d", key, len(entry), s.tail)
	}

	needFlush := s.needFlushLocked()
	s.mu.Unlock()

	if needFlush {
		return s.triggerFlush()
	}
	return nil
}

// Get returns the current value for key, or ErrNotFound if key was never
// Put or was last Delete'd.
func (s *Store) Get(key []byte) ([]byte, error) {
	s.mu.Lock()
	loc, ok := s.index[string(key)]
	s.mu.Unlock()

	if !ok || loc.dead {
		return nil, errors.Wrap(ErrNotFound, "key %x", key)
	}

	val := make([]byte, loc.vlen)
	s.back.Access(loc.off, loc.vlen, func(p []byte) { copy(val, p) })

	return val, nil
}

// Delete appends a tombstone for key. Prior values remain physically in
// the log until the next Clear; Get immediately reports ErrNotFound.
func (s *Store) Delete(key []byte) error {
	s.mu.Lock()

	if _, ok := s.index[string(key)]; !ok {
		s.mu.Unlock()
		return nil
	}

	entry := make([]byte, 0, 1+10+10+len(key))
	entry = append(entry, tombstoneDead)
	entry = putUvarint(entry, uint64(len(key)))
	entry = putUvarint(entry, 0)
	entry = append(entry, key...)

	off := s.tail
	if err := s.back.Truncate(off + int64(len(entry))); err != nil {
		s.mu.Unlock()
		return errors.Wrap(err, "grow translog")
	}
	s.back.Access(off, int64(len(entry)), func(p []byte) { copy(p, entry) })
	s.tail += int64(len(entry))

	delete(s.index, string(key))

	s.dirtyBytes += int64(len(entry))
	s.dirtyEntries++
	s.putsTotal++

	needFlush := s.needFlushLocked()
	s.mu.Unlock()

	if needFlush {
		return s.triggerFlush()
	}
	return nil
}

// Clear truncates the log to empty. Used once a resource's translog has
// been fully drained into committed pages and is no longer needed.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.back.Truncate(0); err != nil {
		return errors.Wrap(err, "clear translog")
	}
	s.tail = 0
	s.index = make(map[string]location)
	s.dirtyBytes = 0
	s.dirtyEntries = 0

	return s.back.Sync()
}

// needFlushLocked reports whether accumulated writes have crossed a
// flush threshold. Must be called with mu held.
func (s *Store) needFlushLocked() bool {
	return (s.flushBytes > 0 && s.dirtyBytes >= s.flushBytes) ||
		(s.flushEntries > 0 && s.dirtyEntries >= s.flushEntries) ||
		(s.syncEvery > 0 && s.putsTotal%s.syncEvery == 0)
}

// triggerFlush waits for a sync covering everything appended so far.
// Must be called with mu NOT held: the coalescer has its own lock, so
// concurrent Put/Delete/Get calls interleave freely with a flush in
// flight.
func (s *Store) triggerFlush() error {
	return s.fc.Flush()
}

func (s *Store) flush() error {
	s.mu.Lock()
	dirtyBytes, dirtyEntries := s.dirtyBytes, s.dirtyEntries
	s.mu.Unlock()

	if s.log.V("translog") != nil {
		s.log.Printf("translog flush bytes=%d entries=%d", dirtyBytes, dirtyEntries)
	}

	err := s.back.Sync()

	s.mu.Lock()
	s.dirtyBytes = 0
	s.dirtyEntries = 0
	s.mu.Unlock()

	return err
}

// Sync forces an immediate flush regardless of thresholds.
func (s *Store) Sync() error {
	return s.triggerFlush()
}

// Close stops the background flush loop. Callers must not use Store after
// Close returns.
func (s *Store) Close() error {
	s.fc.Close()
	return nil
}
