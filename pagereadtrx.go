package sirix

import "tlog.app/go/errors"

// PageReadTrx is a read-only view of a resource pinned at one revision.
// It never mutates on-disk state; every page it touches comes
// from the shared page cache or is loaded and cached on first access.
type PageReadTrx struct {
	res      *Resource
	revision Revision
	uberOff  PageOffset
	root     *RevisionRootPage
}

// newPageReadTrx loads the RevisionRootPage for revision rev by walking the
// uber-page chain backward from the resource's current uber page: every
// commit writes a fresh UberPage chained to its predecessor via
// PriorUberOff.
func newPageReadTrx(res *Resource, rev Revision) (*PageReadTrx, error) {
	res.mu.RLock()
	uberOff := res.uberOff
	res.mu.RUnlock()
	for {
		if uberOff == NilPageOffset {
			return nil, errors.Wrap(ErrUnknownRevision, "revision %d", rev)
		}
		up, err := res.loadUberPage(uberOff)
		if err != nil {
			return nil, err
		}
		if up.LatestRevision == rev {
			root, err := res.loadRevisionRootPage(up.RevisionRootOff)
			if err != nil {
				return nil, err
			}
			return &PageReadTrx{res: res, revision: rev, uberOff: uberOff, root: root}, nil
		}
		uberOff = up.PriorUberOff
	}
}

func (trx *PageReadTrx) Revision() Revision { return trx.revision }

// indirectRootOffset returns the offset of the top-level indirect/fan-out
// tree for (family, index) as visible from this transaction's revision
// root. The document record family always resolves directly; the
// secondary families go through one level of IndexRootPage indirection.
func (trx *PageReadTrx) indirectRootOffset(family Family, index int) (PageOffset, error) {
	if family == FamilyRecord {
		return trx.root.RecordRoot, nil
	}

	rootOff := *trx.root.indexRootField(family)
	if rootOff == NilPageOffset {
		return NilPageOffset, nil
	}

	irp, err := trx.res.loadIndexRootPage(rootOff)
	if err != nil {
		return NilPageOffset, err
	}
	if index < 0 || index >= len(irp.Roots) {
		return NilPageOffset, errors.Wrap(ErrBadArgument, "index %d out of range", index)
	}
	return irp.Roots[index], nil
}

// walkIndirect descends an indirect-page tree rooted at rootOff following
// idx (most-significant level first), returning the offset stored at the
// leaf slot, or NilPageOffset if any level along the path is absent.
func (trx *PageReadTrx) walkIndirect(rootOff PageOffset, idx [IndirectLevels]int) (PageOffset, error) {
	off := rootOff
	for level := 0; level < IndirectLevels; level++ {
		if off == NilPageOffset {
			return NilPageOffset, nil
		}
		ip, err := trx.res.loadIndirectPage(off)
		if err != nil {
			return NilPageOffset, err
		}
		off = ip.Children[idx[level]]
	}
	return off, nil
}

// leafPageOffset resolves the on-disk offset of the leaf record page
// holding bucket, under (family, index), as of this transaction's
// revision — without following the sliding window (callers needing the
// merged view use GetRecord).
func (trx *PageReadTrx) leafPageOffset(family Family, index int, bucket int64) (PageOffset, error) {
	rootOff, err := trx.indirectRootOffset(family, index)
	if err != nil {
		return NilPageOffset, err
	}
	if rootOff == NilPageOffset {
		return NilPageOffset, nil
	}
	idx := pathIndices(bucket, trx.res.cfg.FanOut)
	return trx.walkIndirect(rootOff, idx)
}

// GetRecord looks up key's record with the sliding-window delta merge:
// load the bucket's newest page fragment as visible at this revision, then
// follow the fragment chain backward; the first fragment whose slot for
// key is present wins. A Deleted tombstone in that slot hides every
// earlier version, and a full-dump fragment terminates the walk whether or
// not the slot is present, so a lookup costs at most W fetches.
func (trx *PageReadTrx) GetRecord(key NodeKey, family Family, index int) (Record, bool, error) {
	if key < 0 {
		return nil, false, errors.Wrap(ErrNegativeNodeKey, "key %d", key)
	}

	bucket, slotIdx := bucketOf(key, trx.res.cfg.FanOut)

	off, err := trx.leafPageOffset(family, index, bucket)
	if err != nil {
		return nil, false, err
	}

	for off != NilPageOffset {
		if trx.res.log.V("pagefetch") != nil {
			trx.res.log.Printf("page fetch family=%d index=%d bucket=%x off=%x", family, index, bucket, off)
		}
		page, err := trx.res.loadRecordPage(family.leafKind(), off)
		if err != nil {
			return nil, false, err
		}
		if rec, present := page.Get(slotIdx); present {
			if _, deleted := rec.(*DeletedNode); deleted {
				return nil, false, nil
			}
			return rec, true, nil
		}
		if page.FullDump {
			return nil, false, nil
		}
		off = page.PrevOff
	}

	return nil, false, nil
}

// materializeMergedLeaf builds the merged view of one leaf bucket as a
// fresh, deeply-copied page: every slot visible at this transaction's
// revision is present (tombstones included), derived by folding the
// fragment chain newest-first. Returns nil if the bucket has no pages at
// this revision. The write transaction stages this view as the new
// revision's working page, and commit re-derives it at the prior revision
// to decide what a delta fragment may omit.
func (trx *PageReadTrx) materializeMergedLeaf(family Family, index int, bucket int64) (*RecordPage, error) {
	off, err := trx.leafPageOffset(family, index, bucket)
	if err != nil {
		return nil, err
	}

	var merged *RecordPage
	for off != NilPageOffset {
		page, err := trx.res.loadRecordPage(family.leafKind(), off)
		if err != nil {
			return nil, err
		}
		if merged == nil {
			merged = page.Clone()
		} else {
			if len(page.Slots) > len(merged.Slots) {
				grown := make([]slot, len(page.Slots))
				copy(grown, merged.Slots)
				merged.Slots = grown
				merged.BucketSize = len(page.Slots)
			}
			for i, s := range page.Slots {
				if s.present && !merged.Slots[i].present {
					merged.Slots[i] = slot{present: true, rec: cloneRecord(s.rec)}
				}
			}
		}
		if page.FullDump {
			break
		}
		off = page.PrevOff
	}

	return merged, nil
}

// IndexSubRoot exposes the on-disk sub-root offset for one secondary-index
// family instance as visible from this revision: the name/path/CAS/
// path-summary page accessors of the read surface. NilPageOffset means the
// index has no pages at this revision.
func (trx *PageReadTrx) IndexSubRoot(family Family, index int) (PageOffset, error) {
	if family == FamilyRecord {
		return NilPageOffset, errors.Wrap(ErrBadArgument, "record family has no index sub-root")
	}
	return trx.indirectRootOffset(family, index)
}

// GetName resolves an interned name-dictionary key to its string. The
// name dictionary is a generic key/value mapping
// spilled through the persistent transaction log (translog), not a page
// in the COW tree: names are write-once, append-mostly, and never subject
// to the sliding-window delta merge that record pages need.
func (trx *PageReadTrx) GetName(key NameKey) (string, bool, error) {
	return trx.res.names.Get(key)
}
