package sirix

import (
	"bytes"
	"time"

	"github.com/nikandfor/tlog"

	"tlog.app/go/errors"
	"tlog.app/go/loc"
)

// pageNodeKey identifies one dirty page in a write transaction's in-memory
// log, unified into one map keyed by level: level 0..
// IndirectLevels-1 addresses an indirect page at that depth, level
// IndirectLevels addresses the leaf record page itself. path holds the
// root-to-here digit sequence; only path[0:level] is meaningful, the rest
// is always left zeroed so two keys at the same level compare equal iff
// their meaningful prefixes match.
type pageNodeKey struct {
	family Family
	index  int
	level  int
	path   [IndirectLevels]int
}

func prefixKey(family Family, index, level int, idx [IndirectLevels]int) pageNodeKey {
	k := pageNodeKey{family: family, index: index, level: level}
	copy(k.path[:level], idx[:level])
	return k
}

// PageWriteTrx is the single, exclusive write transaction against a
// resource. It reads through base (the committed revision
// it started from) for anything not yet touched this transaction, and
// accumulates copy-on-write page copies in dirty until commit.
type PageWriteTrx struct {
	res      *Resource
	base     *PageReadTrx
	revision Revision

	newRoot      *RevisionRootPage
	dirty        map[pageNodeKey]any // *IndirectPage or *RecordPage
	indexRootLog map[Family]*IndexRootPage

	maxNodeKey NodeKey
	closed     bool
}

func newPageWriteTrx(res *Resource, base *PageReadTrx) (*PageWriteTrx, error) {
	newRoot := *base.root
	newRoot.Revision = base.revision + 1

	return &PageWriteTrx{
		res:          res,
		base:         base,
		revision:     base.revision + 1,
		newRoot:      &newRoot,
		dirty:        make(map[pageNodeKey]any),
		indexRootLog: make(map[Family]*IndexRootPage),
		maxNodeKey:   base.root.MaxNodeKey,
	}, nil
}

func (wtx *PageWriteTrx) checkOpen() error {
	if wtx.closed {
		return errors.Wrap(ErrClosed, "write transaction already committed or aborted")
	}
	return nil
}

// Revision returns the not-yet-committed revision number this transaction
// is building.
func (wtx *PageWriteTrx) Revision() Revision { return wtx.revision }

// MaxNodeKey returns the highest node key assigned so far, committed or
// not.
func (wtx *PageWriteTrx) MaxNodeKey() NodeKey { return wtx.maxNodeKey }

func (wtx *PageWriteTrx) ensureIndexRoot(family Family) (*IndexRootPage, error) {
	if irp, ok := wtx.indexRootLog[family]; ok {
		return irp, nil
	}

	committedOff := *wtx.base.root.indexRootField(family)
	var irp *IndexRootPage
	if committedOff != NilPageOffset {
		committed, err := wtx.res.loadIndexRootPage(committedOff)
		if err != nil {
			return nil, err
		}
		irp = committed.Clone()
	} else {
		irp = NewIndexRootPage()
	}

	wtx.indexRootLog[family] = irp
	return irp, nil
}

// PrepareEntryForModification implements COW protocol: it
// returns a mutable RecordPage and the slot within it for key, copying (or
// creating) every indirect page and the leaf page along the root-to-leaf
// path that has not already been copied this transaction.
func (wtx *PageWriteTrx) PrepareEntryForModification(key NodeKey, family Family, index int) (*RecordPage, int, error) {
	if err := wtx.checkOpen(); err != nil {
		return nil, 0, err
	}
	if key < 0 {
		return nil, 0, errors.Wrap(ErrNegativeNodeKey, "key %d", key)
	}

	fanOut := wtx.res.cfg.FanOut
	bucket, slotIdx := bucketOf(key, fanOut)
	idx := pathIndices(bucket, fanOut)

	key0 := prefixKey(family, index, 0, idx)
	ip, ok := wtx.dirty[key0].(*IndirectPage)
	if !ok {
		var committedOff PageOffset
		if family == FamilyRecord {
			committedOff = wtx.base.root.RecordRoot
		} else {
			irp, err := wtx.ensureIndexRoot(family)
			if err != nil {
				return nil, 0, err
			}
			if index < 0 || index >= len(irp.Roots) {
				return nil, 0, errors.Wrap(ErrBadArgument, "index %d out of range", index)
			}
			committedOff = irp.Roots[index]
		}

		if committedOff != NilPageOffset {
			committed, err := wtx.res.loadIndirectPage(committedOff)
			if err != nil {
				return nil, 0, err
			}
			ip = committed.Clone()
			if wtx.res.log.V("cow") != nil {
				wtx.res.log.Printf("cow copy indirect family=%d index=%d level=0 off=%x", family, index, committedOff)
			}
		} else {
			ip = NewIndirectPage(fanOut)
		}
		wtx.dirty[key0] = ip
	}

	cur := ip
	for level := 0; level < IndirectLevels; level++ {
		childOff := cur.Children[idx[level]]

		if level == IndirectLevels-1 {
			leafKey := prefixKey(family, index, IndirectLevels, idx)
			page, ok := wtx.dirty[leafKey].(*RecordPage)
			if !ok {
				if childOff != NilPageOffset {
					merged, err := wtx.base.materializeMergedLeaf(family, index, bucket)
					if err != nil {
						return nil, 0, err
					}
					page = merged
					if wtx.res.log.V("cow") != nil {
						wtx.res.log.Printf("cow merge leaf family=%d index=%d bucket=%x off=%x", family, index, bucket, childOff)
					}
				}
				if page == nil {
					page = NewRecordPage(family.leafKind(), wtx.revision, fanOut)
				}
				page.Revision = wtx.revision
				page.FullDump = false
				wtx.dirty[leafKey] = page
			}
			return page, slotIdx, nil
		}

		nextLevel := level + 1
		nextKey := prefixKey(family, index, nextLevel, idx)
		childIP, ok := wtx.dirty[nextKey].(*IndirectPage)
		if !ok {
			if childOff != NilPageOffset {
				committed, err := wtx.res.loadIndirectPage(childOff)
				if err != nil {
					return nil, 0, err
				}
				childIP = committed.Clone()
			} else {
				childIP = NewIndirectPage(fanOut)
			}
			wtx.dirty[nextKey] = childIP
		}
		cur = childIP
	}

	return nil, 0, errors.Wrap(ErrInvariant, "unreachable: indirect walk exhausted without reaching leaf")
}

// CreateEntry assigns the next node key, materializes it via makeRecord,
// and inserts it into the appropriate leaf log page.
func (wtx *PageWriteTrx) CreateEntry(family Family, index int, makeRecord func(key NodeKey) Record) (NodeKey, error) {
	if err := wtx.checkOpen(); err != nil {
		return 0, err
	}

	wtx.maxNodeKey++
	key := wtx.maxNodeKey

	page, slotIdx, err := wtx.PrepareEntryForModification(key, family, index)
	if err != nil {
		return 0, err
	}
	page.Set(slotIdx, makeRecord(key))

	return key, nil
}

// RemoveEntry writes a Deleted tombstone for key: earlier versions remain on disk but the sliding-window
// merge will hit this tombstone first and report the key absent.
func (wtx *PageWriteTrx) RemoveEntry(key NodeKey, family Family, index int) error {
	if err := wtx.checkOpen(); err != nil {
		return err
	}

	page, slotIdx, err := wtx.PrepareEntryForModification(key, family, index)
	if err != nil {
		return err
	}
	page.Set(slotIdx, &DeletedNode{NodeDelegate: NodeDelegate{Key: key}})

	return nil
}

// GetRecord gives read-your-writes visibility. A dirty leaf page holds
// the full merged view of its bucket, so when one exists its answer is
// authoritative (a Deleted tombstone or an absent slot both mean the key
// is gone); otherwise the committed sliding-window view decides.
func (wtx *PageWriteTrx) GetRecord(key NodeKey, family Family, index int) (Record, bool, error) {
	if err := wtx.checkOpen(); err != nil {
		return nil, false, err
	}

	fanOut := wtx.res.cfg.FanOut
	bucket, slotIdx := bucketOf(key, fanOut)
	idx := pathIndices(bucket, fanOut)
	leafKey := prefixKey(family, index, IndirectLevels, idx)

	if page, ok := wtx.dirty[leafKey].(*RecordPage); ok {
		rec, present := page.Get(slotIdx)
		if !present {
			return nil, false, nil
		}
		if _, deleted := rec.(*DeletedNode); deleted {
			return nil, false, nil
		}
		return rec, true, nil
	}

	return wtx.base.GetRecord(key, family, index)
}

// GetName resolves a name-dictionary key. The dictionary is shared,
// unversioned state, so this simply delegates to base.
func (wtx *PageWriteTrx) GetName(key NameKey) (string, bool, error) {
	return wtx.base.GetName(key)
}

// InternName assigns or looks up the NameKey for name, for use by
// nodewritetrx.go when materializing named nodes.
func (wtx *PageWriteTrx) InternName(name string) (NameKey, error) {
	return wtx.res.names.Intern(name)
}

// DirtyPageCount reports how many pages (leaf and indirect) this
// transaction has copied or created so far, the basis for the auto-commit
// threshold check in nodewritetrx.go.
func (wtx *PageWriteTrx) DirtyPageCount() int { return len(wtx.dirty) }

// DirtyByteEstimate approximates the staged log size as dirty pages times
// the configured page size; exact encoded sizes are only known at commit.
func (wtx *PageWriteTrx) DirtyByteEstimate() int64 {
	return int64(len(wtx.dirty)) * wtx.res.cfg.PageSize
}

// Log exposes the resource's gated logger to code built on top of
// PageWriteTrx (the index trees' rotation logging) without exporting the
// whole Resource.
func (wtx *PageWriteTrx) Log() *tlog.Logger { return wtx.res.log }

// bucketFromPath recomposes a bucket key from its root-to-leaf digit
// sequence, the inverse of pathIndices.
func bucketFromPath(path [IndirectLevels]int, fanOut int) int64 {
	var bucket int64
	for _, d := range path {
		bucket = bucket*int64(fanOut) + int64(d)
	}
	return bucket
}

// reduceLeafPages turns each staged leaf page (a full merged working view)
// into the fragment that actually gets persisted for this revision. The
// first write of a bucket, and every write once FullDumpEvery-1 delta
// fragments have piled up, keeps the complete view and marks it a full
// dump; anything in between sheds the slots whose bytes are identical to
// the merged view at the prior revision, leaving a sparse delta chained to
// its predecessor through PrevOff.
func (wtx *PageWriteTrx) reduceLeafPages() error {
	every := wtx.res.cfg.FullDumpEvery
	if every <= 0 {
		every = wtx.res.cfg.Window
	}
	if every <= 0 {
		every = 1
	}

	fanOut := wtx.res.cfg.FanOut
	for k, v := range wtx.dirty {
		if k.level != IndirectLevels {
			continue
		}
		page := v.(*RecordPage)
		bucket := bucketFromPath(k.path, fanOut)

		prevOff, err := wtx.base.leafPageOffset(k.family, k.index, bucket)
		if err != nil {
			return errors.Wrap(err, "resolve prior fragment for delta reduction")
		}
		if prevOff == NilPageOffset {
			page.FullDump = true
			page.PrevOff = NilPageOffset
			page.Fragments = 0
			continue
		}

		prev, err := wtx.res.loadRecordPage(k.family.leafKind(), prevOff)
		if err != nil {
			return errors.Wrap(err, "load prior fragment for delta reduction")
		}
		page.PrevOff = prevOff

		if prev.Fragments+1 >= every {
			page.FullDump = true
			page.Fragments = 0
			continue
		}
		page.FullDump = false
		page.Fragments = prev.Fragments + 1

		baseMerged, err := wtx.base.materializeMergedLeaf(k.family, k.index, bucket)
		if err != nil {
			return errors.Wrap(err, "materialize prior merged view for delta reduction")
		}
		if baseMerged == nil {
			continue
		}

		for i := range page.Slots {
			if !page.Slots[i].present || i >= len(baseMerged.Slots) || !baseMerged.Slots[i].present {
				continue
			}
			a, b := page.Slots[i].rec, baseMerged.Slots[i].rec
			if a == nil || b == nil {
				if a == nil && b == nil {
					page.Slots[i] = slot{}
				}
				continue
			}
			abuf, err := EncodeRecord(a)
			if err != nil {
				return errors.Wrap(err, "encode staged record for delta reduction")
			}
			bbuf, err := EncodeRecord(b)
			if err != nil {
				return errors.Wrap(err, "encode committed record for delta reduction")
			}
			if bytes.Equal(abuf, bbuf) {
				page.Slots[i] = slot{}
			}
		}
	}
	return nil
}

func childKeyFor(parent pageNodeKey, digit int) pageNodeKey {
	child := parent
	if parent.level+1 == IndirectLevels {
		child.level = IndirectLevels
	} else {
		child.level = parent.level + 1
	}
	child.path[parent.level] = digit
	return child
}

// Commit implements commit sequence: spill dirty pages to the
// persistent log, write every dirty page bottom-up recording offsets,
// write the new RevisionRootPage, then the new UberPage, then rewrite the
// trailer — the linearization point after which the resource is at
// wtx.revision.
func (wtx *PageWriteTrx) Commit() (Revision, error) {
	if err := wtx.checkOpen(); err != nil {
		return 0, err
	}
	defer wtx.res.releaseWriter()
	wtx.closed = true

	if wtx.res.log.V("commit") != nil {
		wtx.res.log.Printf("commit rev=%d dirty=%d  from %v", wtx.revision, len(wtx.dirty), loc.Caller(1))
	}

	fanOut := wtx.res.cfg.FanOut

	wtx.newRoot.Timestamp = time.Now().UnixMilli()

	if err := wtx.reduceLeafPages(); err != nil {
		return 0, err
	}

	for k, v := range wtx.dirty {
		body, err := EncodePage(v)
		if err != nil {
			return 0, errors.Wrap(err, "encode dirty page for log spill")
		}
		if err := wtx.res.translog.Put(pageNodeKeyBytes(k), body); err != nil {
			return 0, errors.Wrap(err, "spill dirty page to transaction log")
		}
	}

	offsets := make(map[pageNodeKey]PageOffset, len(wtx.dirty))

	for k, v := range wtx.dirty {
		if k.level != IndirectLevels {
			continue
		}
		page := v.(*RecordPage)
		off, err := writePage(wtx.res.back, PageOffset(wtx.res.back.Size()), page)
		if err != nil {
			return 0, errors.Wrap(err, "write leaf page")
		}
		offsets[k] = off
	}

	for level := IndirectLevels - 1; level >= 0; level-- {
		for k, v := range wtx.dirty {
			if k.level != level {
				continue
			}
			ip := v.(*IndirectPage)
			for d := 0; d < fanOut; d++ {
				if childOff, ok := offsets[childKeyFor(k, d)]; ok {
					ip.Children[d] = childOff
				}
			}
			off, err := writePage(wtx.res.back, PageOffset(wtx.res.back.Size()), ip)
			if err != nil {
				return 0, errors.Wrap(err, "write indirect page")
			}
			offsets[k] = off
		}
	}

	touchedIndexFamilies := make(map[Family]bool)
	for k := range wtx.dirty {
		if k.level != 0 {
			continue
		}
		if k.family == FamilyRecord {
			wtx.newRoot.RecordRoot = offsets[k]
			continue
		}
		irp := wtx.indexRootLog[k.family]
		irp.Roots[k.index] = offsets[k]
		touchedIndexFamilies[k.family] = true
	}

	for family := range touchedIndexFamilies {
		irp := wtx.indexRootLog[family]
		off, err := writePage(wtx.res.back, PageOffset(wtx.res.back.Size()), irp)
		if err != nil {
			return 0, errors.Wrap(err, "write index root page")
		}
		*wtx.newRoot.indexRootField(family) = off
	}

	wtx.newRoot.MaxNodeKey = wtx.maxNodeKey

	rrOff, err := writePage(wtx.res.back, PageOffset(wtx.res.back.Size()), wtx.newRoot)
	if err != nil {
		return 0, errors.Wrap(err, "write revision root page")
	}

	up := &UberPage{LatestRevision: wtx.revision, RevisionRootOff: rrOff, PriorUberOff: wtx.res.uberOff}
	uberOff, err := writePage(wtx.res.back, PageOffset(wtx.res.back.Size()), up)
	if err != nil {
		return 0, errors.Wrap(err, "write uber page")
	}

	if err := wtx.res.back.Sync(); err != nil {
		return 0, errors.Wrap(err, "sync before trailer rewrite")
	}
	if err := WriteTrailer(wtx.res.back, uberOff); err != nil {
		return 0, errors.Wrap(err, "rewrite trailer")
	}

	wtx.res.mu.Lock()
	wtx.res.uberOff = uberOff
	wtx.res.latest = wtx.revision
	wtx.res.mu.Unlock()

	if err := wtx.res.translog.Clear(); err != nil {
		return 0, errors.Wrap(err, "clear transaction log after commit")
	}

	if wtx.res.log.V("commit") != nil {
		wtx.res.log.Printf("commit rev=%d done uberOff=%x", wtx.revision, uberOff)
	}

	return wtx.revision, nil
}

// Abort discards every dirty page this transaction accumulated. The
// persisted state is left exactly as it was when the transaction began.
func (wtx *PageWriteTrx) Abort() error {
	if wtx.closed {
		return nil
	}
	wtx.closed = true
	wtx.res.releaseWriter()

	return wtx.res.translog.Clear()
}

func pageNodeKeyBytes(k pageNodeKey) []byte {
	buf := make([]byte, 0, 8)
	buf = append(buf, byte(k.family), byte(k.level))
	buf = appendUvarint(buf, uint64(k.index))
	for i := 0; i < k.level && i < IndirectLevels; i++ {
		buf = appendUvarint(buf, uint64(k.path[i]))
	}
	return buf
}
