package sirix

import (
	"encoding/binary"
	"hash/crc32"

	"tlog.app/go/errors"
)

// Resource file layout:
//
//	00: magic "SIRIXDB\n"          8
//	08: format version             4
//	0c: page size                  8
//	14: fan-out                    4
//	18: window W                   4
//	1c: full-dump interval         4
//	20: uber-page trailer offset   8   <- the single fixed word rewritten on commit
//	28: CRC32 of bytes [00,20)     4
//	2c: reserved
//
// followed, starting at HeaderSize, by an append-only sequence of pages.
// The CRC covers only the immutable fields; the trailer word is excluded
// so commits never have to rewrite it.
const (
	magic         = "SIRIXDB\n"
	formatVersion = uint32(1)
	HeaderSize    = 256

	offMagic    = 0
	offVersion  = 8
	offPageSize = 12
	offFanOut   = 20
	offWindow   = 24
	offDump     = 28
	offTrailer  = 32
	offCRC      = 40
)

var (
	ErrBadMagic   = errors.Wrap(ErrPageNotFound, "bad resource file magic")
	ErrBadVersion = errors.Wrap(ErrPageNotFound, "unsupported resource file format version")
)

// InitHeader writes a fresh header block for a brand new, empty resource.
// The trailer starts out pointing at NilPageOffset: no revision has been
// committed yet.
func InitHeader(b Back, cfg Config) error {
	if err := b.Truncate(HeaderSize); err != nil {
		return errors.Wrap(err, "truncate for header")
	}

	buf := make([]byte, HeaderSize)
	copy(buf[offMagic:], magic)
	binary.BigEndian.PutUint32(buf[offVersion:], formatVersion)
	binary.BigEndian.PutUint64(buf[offPageSize:], uint64(cfg.PageSize))
	binary.BigEndian.PutUint32(buf[offFanOut:], uint32(cfg.FanOut))
	binary.BigEndian.PutUint32(buf[offWindow:], uint32(cfg.Window))
	binary.BigEndian.PutUint32(buf[offDump:], uint32(cfg.FullDumpEvery))
	nilTrailer := NilPageOffset
	binary.BigEndian.PutUint64(buf[offTrailer:], uint64(nilTrailer))
	binary.BigEndian.PutUint32(buf[offCRC:], crc32.ChecksumIEEE(buf[:offTrailer]))

	b.Access(0, HeaderSize, func(p []byte) {
		copy(p, buf)
	})

	return b.Sync()
}

// ReadHeader parses the header block of an existing resource file.
func ReadHeader(b Back) (cfg Config, trailer PageOffset, err error) {
	if b.Size() < HeaderSize {
		return cfg, 0, errors.Wrap(ErrPageNotFound, "resource file too small for header")
	}

	buf := make([]byte, HeaderSize)
	b.Access(0, HeaderSize, func(p []byte) {
		copy(buf, p)
	})

	if string(buf[offMagic:offMagic+len(magic)]) != magic {
		return cfg, 0, ErrBadMagic
	}

	if v := binary.BigEndian.Uint32(buf[offVersion:]); v != formatVersion {
		return cfg, 0, errors.Wrap(ErrBadVersion, "version %d", v)
	}

	if got := binary.BigEndian.Uint32(buf[offCRC:]); got != crc32.ChecksumIEEE(buf[:offTrailer]) {
		return cfg, 0, errors.Wrap(ErrPageNotFound, "header checksum mismatch")
	}

	cfg.PageSize = int64(binary.BigEndian.Uint64(buf[offPageSize:]))
	cfg.FanOut = int(binary.BigEndian.Uint32(buf[offFanOut:]))
	cfg.Window = int(binary.BigEndian.Uint32(buf[offWindow:]))
	cfg.FullDumpEvery = int(binary.BigEndian.Uint32(buf[offDump:]))
	trailer = PageOffset(int64(binary.BigEndian.Uint64(buf[offTrailer:])))

	return cfg, trailer, nil
}

// WriteTrailer performs the crash-atomic uber-page pointer rewrite: the
// new uber page must already be durably
// written at off before this is called. Sync is called both before (to
// make sure the new uber page is durable before anything can point at it)
// and after (to make the pointer rewrite itself durable) — a crash between
// the two fsyncs leaves the resource at the prior revision, never at a
// half-written one.
func WriteTrailer(b Back, off PageOffset) error {
	if err := b.Sync(); err != nil {
		return errors.Wrap(err, "pre-trailer sync")
	}

	var word [8]byte
	binary.BigEndian.PutUint64(word[:], uint64(off))

	b.Access(offTrailer, 8, func(p []byte) {
		copy(p, word[:])
	})

	if err := b.Sync(); err != nil {
		return errors.Wrap(err, "post-trailer sync")
	}

	return nil
}
