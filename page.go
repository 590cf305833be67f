package sirix

// PageKind tags every serialized page with its on-disk shape.
type PageKind uint8

const (
	KindUberPage PageKind = iota + 1
	KindRevisionRootPage
	KindIndirectPage
	KindIndexRootPage // index-number -> family sub-tree root indirection
	KindNodePage      // leaf record page: document-tree nodes
	KindNamePage      // leaf record page: name-index AVL nodes
	KindPathPage      // leaf record page: path-index AVL nodes
	KindCASPage       // leaf record page: CAS-index AVL nodes
	KindPathSummaryPage
)

func (k PageKind) leaf() bool {
	switch k {
	case KindNodePage, KindNamePage, KindPathPage, KindCASPage, KindPathSummaryPage:
		return true
	}
	return false
}

// Family identifies which logical record family a node key belongs to —
// the "page_kind" argument of get_record/prepare_entry_for_-
// modification. The document tree is always Family Record at index 0; the
// three secondary-index families and the path summary may have several
// parallel instances, distinguished by index.
type Family uint8

const (
	FamilyRecord Family = iota
	FamilyName
	FamilyPath
	FamilyCAS
	FamilyPathSummary
)

func (f Family) leafKind() PageKind {
	switch f {
	case FamilyRecord:
		return KindNodePage
	case FamilyName:
		return KindNamePage
	case FamilyPath:
		return KindPathPage
	case FamilyCAS:
		return KindCASPage
	case FamilyPathSummary:
		return KindPathSummaryPage
	}
	panic("sirix: unknown family")
}

// IndirectLevels is the fixed number of indirect-page levels addressing
// the low-order (bucket) key space beneath any family root.
const IndirectLevels = 4

// MaxIndexesPerFamily bounds how many parallel index instances (e.g.
// distinct CAS indexes) a single secondary family can hold. The document
// record family only ever uses index 0.
const MaxIndexesPerFamily = 64

// UberPage names the latest revision root. Every commit appends a new one;
// the crash-atomic trailer word managed by header.go holds the offset of
// the newest, and this struct is what gets serialized at that offset.
type UberPage struct {
	LatestRevision  Revision
	RevisionRootOff PageOffset

	// PriorUberOff chains to the previous uber page, giving every past
	// revision root a path of uber pages to be found from, even though
	// the trailer word only ever names the latest one.
	PriorUberOff PageOffset
}

// RevisionRootPage is the per-revision metadata root.
type RevisionRootPage struct {
	Revision   Revision
	Timestamp  int64
	MaxNodeKey NodeKey

	// RecordRoot is the root of the document node family's indirect tree
	// (Family Record, index 0 always).
	RecordRoot PageOffset

	// NameRoot/PathRoot/CASRoot/PathSummaryRoot are index-root pages: one
	// level of (index number -> family sub-tree root) indirection.
	NameRoot        PageOffset
	PathRoot        PageOffset
	CASRoot         PageOffset
	PathSummaryRoot PageOffset
}

func (r *RevisionRootPage) indexRootField(f Family) *PageOffset {
	switch f {
	case FamilyName:
		return &r.NameRoot
	case FamilyPath:
		return &r.PathRoot
	case FamilyCAS:
		return &r.CASRoot
	case FamilyPathSummary:
		return &r.PathSummaryRoot
	}
	panic("sirix: family has no index root")
}

// IndirectPage is a fan-out array of child page offsets; NilPageOffset
// marks an absent child. On disk every child takes the same fixed size
// (a present flag and an offset), whether it is absent or not.
type IndirectPage struct {
	FanOut   int
	Children []PageOffset
}

func NewIndirectPage(fanOut int) *IndirectPage {
	p := &IndirectPage{FanOut: fanOut, Children: make([]PageOffset, fanOut)}
	for i := range p.Children {
		p.Children[i] = NilPageOffset
	}
	return p
}

func (p *IndirectPage) Clone() *IndirectPage {
	c := &IndirectPage{FanOut: p.FanOut, Children: make([]PageOffset, len(p.Children))}
	copy(c.Children, p.Children)
	return c
}

// IndexRootPage is the single level of (index number -> family sub-tree
// root) indirection beneath a RevisionRootPage's Name/Path/CAS/PathSummary
// pointer.
type IndexRootPage struct {
	Roots []PageOffset // len == MaxIndexesPerFamily
}

func NewIndexRootPage() *IndexRootPage {
	p := &IndexRootPage{Roots: make([]PageOffset, MaxIndexesPerFamily)}
	for i := range p.Roots {
		p.Roots[i] = NilPageOffset
	}
	return p
}

func (p *IndexRootPage) Clone() *IndexRootPage {
	c := &IndexRootPage{Roots: make([]PageOffset, len(p.Roots))}
	copy(c.Roots, p.Roots)
	return c
}

// slot is one entry of a RecordPage: a low-order key, whether it is
// present in this page's delta (as opposed to inherited from an ancestor
// revision), and the record body itself.
type slot struct {
	present bool
	rec     Record
}

// RecordPage stores a sparse mapping from low-order key (key % bucket
// size) to record, for one (family, index, bucket) leaf in the page tree,
// at one revision. Pages form a fragment chain: a delta page holds only
// the slots that changed since its predecessor and points back at it via
// PrevOff; a reader follows the chain until the slot is found or a full
// dump terminates it.
type RecordPage struct {
	Kind       PageKind
	Revision   Revision
	BucketSize int
	Slots      []slot // len == BucketSize

	// FullDump marks a page that is a complete snapshot (every absent slot
	// is known-absent, not merely unrepresented) rather than a sparse
	// delta. Every FullDumpEvery-th write of a bucket is a full dump, so at
	// most FullDumpEvery-1 deltas follow one and a read fetches at most
	// FullDumpEvery pages (W pages when FullDumpEvery equals W).
	FullDump bool

	// PrevOff is the on-disk offset of the previous fragment of this
	// bucket, NilPageOffset for the first one. Meaningless on full dumps
	// for reads, but kept for provenance.
	PrevOff PageOffset

	// Fragments counts delta fragments since the last full dump; zero on
	// a full dump.
	Fragments int
}

func NewRecordPage(kind PageKind, rev Revision, bucketSize int) *RecordPage {
	return &RecordPage{
		Kind:       kind,
		Revision:   rev,
		BucketSize: bucketSize,
		Slots:      make([]slot, bucketSize),
		PrevOff:    NilPageOffset,
	}
}

// Clone deep-copies the page, records included: the copy is what a write
// transaction mutates, and the original may still be served to readers
// from the shared page cache.
func (p *RecordPage) Clone() *RecordPage {
	c := &RecordPage{
		Kind:       p.Kind,
		Revision:   p.Revision,
		BucketSize: p.BucketSize,
		Slots:      make([]slot, len(p.Slots)),
		FullDump:   p.FullDump,
		PrevOff:    p.PrevOff,
		Fragments:  p.Fragments,
	}
	for i, s := range p.Slots {
		if s.present && s.rec != nil {
			c.Slots[i] = slot{present: true, rec: cloneRecord(s.rec)}
		} else {
			c.Slots[i] = s
		}
	}
	return c
}

func (p *RecordPage) Get(slotIdx int) (Record, bool) {
	if slotIdx < 0 || slotIdx >= len(p.Slots) {
		return nil, false
	}
	s := p.Slots[slotIdx]
	return s.rec, s.present
}

func (p *RecordPage) Set(slotIdx int, rec Record) {
	p.Slots[slotIdx] = slot{present: true, rec: rec}
}

// bucketOf returns (bucketKey, slotIdx) for a node key, given bucketSize
// low-order slots per leaf record page.
func bucketOf(key NodeKey, bucketSize int) (bucket int64, slotIdx int) {
	k := int64(key)
	bs := int64(bucketSize)
	return k / bs, int(k % bs)
}

// pathIndices decomposes a bucket key into IndirectLevels base-fanOut
// digits, most-significant first — the root-to-leaf path through the
// indirect page hierarchy.
func pathIndices(bucket int64, fanOut int) [IndirectLevels]int {
	var idx [IndirectLevels]int
	f := int64(fanOut)
	for i := IndirectLevels - 1; i >= 0; i-- {
		idx[i] = int(bucket % f)
		bucket /= f
	}
	return idx
}
