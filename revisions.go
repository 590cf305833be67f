package sirix

import (
	"sync"

	"github.com/nikandfor/tlog"
	"tlog.app/go/errors"

	"sirix.io/sirix/translog"
)

// Resource is one versioned, append-only document store: the on-disk file
// (via Back), the shared page cache, the name dictionary, and the
// single-writer lock. All PageReadTrx/PageWriteTrx instances for
// this resource share these.
type Resource struct {
	back     Back
	cfg      Config
	cache    *pageCache
	names    *NameDictionary
	translog *translog.Store
	log      *tlog.Logger
	indexes  indexRegistry

	writerMu sync.Mutex

	mu      sync.RWMutex // guards uberOff/latest below
	uberOff PageOffset
	latest  Revision
}

// Open opens or initializes a resource backed by back. If back is empty it
// is initialized fresh with the configured options; otherwise the header's
// persisted format parameters override whatever the options say.
func Open(back Back, nameBack, logBack translog.Back, opts ...Option) (*Resource, error) {
	cfg := NewConfig(opts...)

	var uberOff PageOffset
	if back.Size() == 0 {
		if err := InitHeader(back, cfg); err != nil {
			return nil, errors.Wrap(err, "init header")
		}
		uberOff = NilPageOffset
	} else {
		readCfg, trailer, err := ReadHeader(back)
		if err != nil {
			return nil, errors.Wrap(err, "read header")
		}
		// The header pins on-disk format parameters; runtime tunables
		// (cache size, flush thresholds) stay as configured for this open.
		cfg.PageSize = readCfg.PageSize
		cfg.FanOut = readCfg.FanOut
		cfg.Window = readCfg.Window
		cfg.FullDumpEvery = readCfg.FullDumpEvery
		uberOff = trailer
	}

	names, err := newNameDictionary(nameBack, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "open name dictionary")
	}

	tlogStore, err := translog.Open(logBack, cfg.LogFlushBytes, cfg.LogFlushPages, cfg.LogSyncEvery, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open transaction log")
	}

	log := tlog.DefaultLogger
	res := &Resource{
		back:     back,
		cfg:      cfg,
		cache:    newPageCache(cfg.CacheSize, log),
		names:    names,
		translog: tlogStore,
		log:      log,
	}

	if uberOff == NilPageOffset {
		if err := res.bootstrap(); err != nil {
			return nil, errors.Wrap(err, "bootstrap resource")
		}
	} else {
		res.uberOff = uberOff
		up, err := res.loadUberPage(uberOff)
		if err != nil {
			return nil, errors.Wrap(err, "load uber page")
		}
		res.latest = up.LatestRevision
	}

	return res, nil
}

// OpenMem opens a throwaway in-memory resource, convenient for tests and
// scratch indexes.
func OpenMem(opts ...Option) (*Resource, error) {
	return Open(NewMemBack(0), NewMemBack(0), NewMemBack(0), opts...)
}

// bootstrap writes revision 0: an empty document tree consisting of a
// single DocumentRootNode, and the first uber page pointing at it.
func (res *Resource) bootstrap() error {
	root := &DocumentRootNode{
		NodeDelegate:       NodeDelegate{Key: DocumentNodeKey, Parent: NullNodeKey},
		StructNodeDelegate: newStructNodeDelegate(),
	}

	bucketSize := res.cfg.FanOut
	bucket, slotIdx := bucketOf(DocumentNodeKey, bucketSize)

	page := NewRecordPage(KindNodePage, 0, bucketSize)
	page.Set(slotIdx, root)
	page.FullDump = true

	leafOff, err := writePage(res.back, PageOffset(res.back.Size()), page)
	if err != nil {
		return err
	}

	recordRoot, err := res.writeIndirectPath(leafOff, pathIndices(bucket, res.cfg.FanOut))
	if err != nil {
		return err
	}

	rrp := &RevisionRootPage{
		Revision:        0,
		MaxNodeKey:      DocumentNodeKey,
		RecordRoot:      recordRoot,
		NameRoot:        NilPageOffset,
		PathRoot:        NilPageOffset,
		CASRoot:         NilPageOffset,
		PathSummaryRoot: NilPageOffset,
	}
	rrpOff, err := writePage(res.back, PageOffset(res.back.Size()), rrp)
	if err != nil {
		return err
	}

	up := &UberPage{LatestRevision: 0, RevisionRootOff: rrpOff, PriorUberOff: NilPageOffset}
	uberOff, err := writePage(res.back, PageOffset(res.back.Size()), up)
	if err != nil {
		return err
	}

	if err := WriteTrailer(res.back, uberOff); err != nil {
		return err
	}

	res.uberOff = uberOff
	res.latest = 0

	return nil
}

// writeIndirectPath writes a fresh chain of IndirectLevels indirect pages
// (innermost first) so that walking idx from the returned root offset
// reaches leafOff. Used only at bootstrap; PageWriteTrx's COW path builds
// these incrementally instead.
func (res *Resource) writeIndirectPath(leafOff PageOffset, idx [IndirectLevels]int) (PageOffset, error) {
	childOff := leafOff
	for level := IndirectLevels - 1; level >= 0; level-- {
		ip := NewIndirectPage(res.cfg.FanOut)
		ip.Children[idx[level]] = childOff

		off, err := writePage(res.back, PageOffset(res.back.Size()), ip)
		if err != nil {
			return NilPageOffset, err
		}
		childOff = off
	}
	return childOff, nil
}

func (res *Resource) loadUberPage(off PageOffset) (*UberPage, error) {
	key := pageCacheKey{kind: KindUberPage, off: off}
	if v, ok := res.cache.get(key); ok {
		return v.(*UberPage), nil
	}
	v, err := readPage(res.back, off)
	if err != nil {
		return nil, err
	}
	up, ok := v.(*UberPage)
	if !ok {
		return nil, errors.Wrap(ErrPageNotFound, "not an uber page")
	}
	res.cache.put(key, up)
	return up, nil
}

func (res *Resource) loadRevisionRootPage(off PageOffset) (*RevisionRootPage, error) {
	key := pageCacheKey{kind: KindRevisionRootPage, off: off}
	if v, ok := res.cache.get(key); ok {
		return v.(*RevisionRootPage), nil
	}
	v, err := readPage(res.back, off)
	if err != nil {
		return nil, err
	}
	rrp, ok := v.(*RevisionRootPage)
	if !ok {
		return nil, errors.Wrap(ErrPageNotFound, "not a revision root page")
	}
	res.cache.put(key, rrp)
	return rrp, nil
}

func (res *Resource) loadIndirectPage(off PageOffset) (*IndirectPage, error) {
	key := pageCacheKey{kind: KindIndirectPage, off: off}
	if v, ok := res.cache.get(key); ok {
		return v.(*IndirectPage), nil
	}
	v, err := readPage(res.back, off)
	if err != nil {
		return nil, err
	}
	ip, ok := v.(*IndirectPage)
	if !ok {
		return nil, errors.Wrap(ErrPageNotFound, "not an indirect page")
	}
	res.cache.put(key, ip)
	return ip, nil
}

func (res *Resource) loadIndexRootPage(off PageOffset) (*IndexRootPage, error) {
	key := pageCacheKey{kind: KindIndexRootPage, off: off}
	if v, ok := res.cache.get(key); ok {
		return v.(*IndexRootPage), nil
	}
	v, err := readPage(res.back, off)
	if err != nil {
		return nil, err
	}
	irp, ok := v.(*IndexRootPage)
	if !ok {
		return nil, errors.Wrap(ErrPageNotFound, "not an index root page")
	}
	res.cache.put(key, irp)
	return irp, nil
}

func (res *Resource) loadRecordPage(kind PageKind, off PageOffset) (*RecordPage, error) {
	key := pageCacheKey{kind: kind, off: off}
	if v, ok := res.cache.get(key); ok {
		return v.(*RecordPage), nil
	}
	v, err := readPage(res.back, off)
	if err != nil {
		return nil, err
	}
	rp, ok := v.(*RecordPage)
	if !ok {
		return nil, errors.Wrap(ErrPageNotFound, "not a record page")
	}
	res.cache.put(key, rp)
	return rp, nil
}

// LatestRevision returns the most recently committed revision number.
func (res *Resource) LatestRevision() Revision {
	res.mu.RLock()
	defer res.mu.RUnlock()
	return res.latest
}

// BeginRead opens a read transaction pinned at rev. Passing -1 pins it at
// the latest committed revision at the time of the call.
func (res *Resource) BeginRead(rev Revision) (*PageReadTrx, error) {
	if rev < 0 {
		rev = res.LatestRevision()
	}
	return newPageReadTrx(res, rev)
}

// BeginWrite acquires the single writer lock and opens a write transaction
// reading through the latest committed revision.
func (res *Resource) BeginWrite() (*PageWriteTrx, error) {
	if !res.writerMu.TryLock() {
		return nil, errors.Wrap(ErrWriterExists, "resource already has a write transaction")
	}

	base, err := res.BeginRead(-1)
	if err != nil {
		res.writerMu.Unlock()
		return nil, err
	}

	wtx, err := newPageWriteTrx(res, base)
	if err != nil {
		res.writerMu.Unlock()
		return nil, err
	}

	return wtx, nil
}

func (res *Resource) releaseWriter() {
	res.writerMu.Unlock()
}

// Close releases the resource's name dictionary and flushes the backing
// store. It does not close Back itself — callers that opened a FileBack
// own its lifecycle.
func (res *Resource) Close() error {
	if err := res.names.Close(); err != nil {
		return err
	}
	if err := res.translog.Close(); err != nil {
		return err
	}
	return res.back.Sync()
}
