package sirix

import (
	"tlog.app/go/errors"

	"sirix.io/sirix/internal/valcodec"
	"sirix.io/sirix/internal/xxh"
)

// QName is a qualified name: an optional namespace URI and prefix plus a
// mandatory local name.
type QName struct {
	URI    string
	Prefix string
	Local  string
}

// mutableStructNode is the capability surface a NodeWriteTrx needs to
// rewire sibling/child/parent pointers and roll up child and descendant
// counts. Every concrete structural node type satisfies it through its
// embedded NodeDelegate and StructNodeDelegate.
type mutableStructNode interface {
	structNode
	SetFirstChild(k NodeKey)
	SetLeftSibling(k NodeKey)
	SetRightSibling(k NodeKey)
	AddChildCount(delta int64)
	AddDescendantCount(delta int64)
}

// mutableNamedNode is the capability surface needed by set_name.
type mutableNamedNode interface {
	namedNode
	SetName(uriKey, prefixKey, localKey NameKey)
}

// mutableValuedNode is the capability surface needed by set_value.
type mutableValuedNode interface {
	valuedNode
	SetValue(v []byte, compressed bool)
}

type hashedNode interface {
	Node
	GetHash() uint64
	SetHash(h uint64)
}

type reparentable interface {
	SetParent(k NodeKey)
}

func (d *NameNodeDelegate) SetName(uriKey, prefixKey, localKey NameKey) {
	d.URIKey, d.PrefixKey, d.LocalNameKey = uriKey, prefixKey, localKey
}

func (d *ValNodeDelegate) SetValue(v []byte, compressed bool) {
	d.Value, d.Compressed = v, compressed
}

// NodeWriteTrx is the mutation surface over a document tree:
// every insert/move/copy/remove operation runs against the resource's
// single PageWriteTrx and keeps sibling chains, child/descendant counts,
// and the rolling structural hash consistent as it goes. It auto-commits
// once the underlying page transaction's dirty set crosses the
// configured threshold, starting a fresh write transaction
// transparently so callers never see a closed wtx mid-edit.
type NodeWriteTrx struct {
	res *Resource
	wtx *PageWriteTrx
}

// BeginNodeWrite opens a node-level write transaction on res.
func BeginNodeWrite(res *Resource) (*NodeWriteTrx, error) {
	wtx, err := res.BeginWrite()
	if err != nil {
		return nil, err
	}
	return &NodeWriteTrx{res: res, wtx: wtx}, nil
}

// Commit finalizes the underlying page transaction.
func (nwt *NodeWriteTrx) Commit() (Revision, error) { return nwt.wtx.Commit() }

// Abort discards every change made since the transaction began or since
// the last auto-commit.
func (nwt *NodeWriteTrx) Abort() error { return nwt.wtx.Abort() }

func (nwt *NodeWriteTrx) maybeAutoCommit() error {
	cfg := nwt.res.cfg
	if nwt.wtx.DirtyPageCount() < cfg.LogFlushPages && nwt.wtx.DirtyByteEstimate() < cfg.LogFlushBytes {
		return nil
	}
	if _, err := nwt.wtx.Commit(); err != nil {
		return errors.Wrap(err, "auto-commit")
	}
	next, err := nwt.res.BeginWrite()
	if err != nil {
		return errors.Wrap(err, "reopen write transaction after auto-commit")
	}
	nwt.wtx = next
	return nil
}

func (nwt *NodeWriteTrx) get(key NodeKey) (*RecordPage, int, Record, error) {
	page, slot, err := nwt.wtx.PrepareEntryForModification(key, FamilyRecord, 0)
	if err != nil {
		return nil, 0, nil, err
	}
	rec, ok := page.Get(slot)
	if !ok {
		return nil, 0, nil, errors.Wrap(ErrNodeNotFound, "node %d", key)
	}
	return page, slot, rec, nil
}

func (nwt *NodeWriteTrx) setSibling(key NodeKey, left bool, sibling NodeKey) error {
	page, slot, rec, err := nwt.get(key)
	if err != nil {
		return err
	}
	ms, ok := rec.(mutableStructNode)
	if !ok {
		return errors.Wrap(ErrInvariant, "target is not a structural node")
	}
	if left {
		ms.SetLeftSibling(sibling)
	} else {
		ms.SetRightSibling(sibling)
	}
	page.Set(slot, rec)
	return nil
}

// bumpDescendants applies delta to the descendant count of key and every
// ancestor above it, up to and including the document root.
func (nwt *NodeWriteTrx) bumpDescendants(key NodeKey, delta int64) error {
	for key != NullNodeKey {
		page, slot, rec, err := nwt.get(key)
		if err != nil {
			return err
		}
		ms, ok := rec.(mutableStructNode)
		if !ok {
			return nil
		}
		ms.AddDescendantCount(delta)
		page.Set(slot, rec)
		key = rec.(Node).ParentKey()
	}
	return nil
}

// computeOwnHash derives a node's intrinsic structural hash from its kind,
// name, and value, independent of its position in the tree.
func (nwt *NodeWriteTrx) computeOwnHash(rec Record) uint64 {
	buf := []byte{byte(rec.Kind())}
	if nn, ok := rec.(namedNode); ok {
		buf = appendUvarint(buf, uint64(nn.GetURIKey()))
		buf = appendUvarint(buf, uint64(nn.GetPrefixKey()))
		buf = appendUvarint(buf, uint64(nn.GetLocalNameKey()))
	}
	if vn, ok := rec.(valuedNode); ok {
		buf = append(buf, vn.GetValue()...)
	}
	return xxh.Of(buf)
}

// updateHashChain recomputes key's own hash and folds it into every
// ancestor's hash up to the document root, so a hash comparison at any node reflects its whole subtree.
func (nwt *NodeWriteTrx) updateHashChain(key NodeKey) error {
	var child uint64
	start := true
	for key != NullNodeKey {
		page, slot, rec, err := nwt.get(key)
		if err != nil {
			return err
		}
		hn, ok := rec.(hashedNode)
		if !ok {
			return nil
		}
		if start {
			own := nwt.computeOwnHash(rec)
			hn.SetHash(xxh.Combine(own, hn.GetHash()))
			start = false
		} else {
			hn.SetHash(xxh.Combine(hn.GetHash(), child))
		}
		child = hn.GetHash()
		page.Set(slot, rec)
		key = rec.(Node).ParentKey()
	}
	return nil
}

func (nwt *NodeWriteTrx) isDescendantOrSelf(ancestorKey, key NodeKey) (bool, error) {
	cur := key
	for cur != NullNodeKey {
		if cur == ancestorKey {
			return true, nil
		}
		rec, ok, err := nwt.wtx.GetRecord(cur, FamilyRecord, 0)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		n, ok := rec.(Node)
		if !ok {
			return false, nil
		}
		cur = n.ParentKey()
	}
	return false, nil
}

// buildFn constructs the Record for a freshly allocated key, given the
// left and right siblings it will have once wired in.
type buildFn func(key, parent, left, right NodeKey) Record

// insertAsFirstChild inserts a new structural node as parentKey's first
// child.
func (nwt *NodeWriteTrx) insertAsFirstChild(parentKey NodeKey, build buildFn) (NodeKey, error) {
	newKey, err := nwt.insertAsFirstChildRaw(parentKey, build)
	if err != nil {
		return NullNodeKey, err
	}
	if err := nwt.indexNode(newKey); err != nil {
		return NullNodeKey, err
	}
	if err := nwt.updateHashChain(newKey); err != nil {
		return NullNodeKey, err
	}
	if err := nwt.maybeAutoCommit(); err != nil {
		return NullNodeKey, err
	}
	return newKey, nil
}

// insertAsRightSibling inserts a new structural node immediately after
// anchorKey in its parent's child chain.
func (nwt *NodeWriteTrx) insertAsRightSibling(anchorKey NodeKey, build buildFn) (NodeKey, error) {
	newKey, err := nwt.insertAsRightSiblingRaw(anchorKey, build)
	if err != nil {
		return NullNodeKey, err
	}
	if err := nwt.indexNode(newKey); err != nil {
		return NullNodeKey, err
	}
	if err := nwt.updateHashChain(newKey); err != nil {
		return NullNodeKey, err
	}
	if err := nwt.maybeAutoCommit(); err != nil {
		return NullNodeKey, err
	}
	return newKey, nil
}

// insertAsLeftSibling inserts a new structural node immediately before
// anchorKey, by reducing to insertAsRightSibling of anchor's current left
// sibling, or to insertAsFirstChild if anchor has none.
func (nwt *NodeWriteTrx) insertAsLeftSibling(anchorKey NodeKey, build buildFn) (NodeKey, error) {
	_, _, arec, err := nwt.get(anchorKey)
	if err != nil {
		return NullNodeKey, err
	}
	anchor, ok := arec.(structNode)
	if !ok {
		return NullNodeKey, errors.Wrap(ErrInvariant, "anchor is not a structural node")
	}

	if anchor.HasLeftSibling() {
		return nwt.insertAsRightSibling(anchor.GetLeftSibling(), build)
	}
	return nwt.insertAsFirstChild(arec.(Node).ParentKey(), build)
}

func newElementBuild(uriKey, prefixKey, localKey NameKey) buildFn {
	return func(k, parent, left, right NodeKey) Record {
		return &ElementNode{
			NodeDelegate:       NodeDelegate{Key: k, Parent: parent},
			StructNodeDelegate: StructNodeDelegate{FirstChild: NullNodeKey, LeftSibling: left, RightSibling: right},
			NameNodeDelegate:   NameNodeDelegate{URIKey: uriKey, PrefixKey: prefixKey, LocalNameKey: localKey, PathNodeKey: NullNodeKey},
			attrIndex:          make(map[NodeKey]int),
			nsIndex:            make(map[NodeKey]int),
		}
	}
}

func newTextBuild(value []byte, compressed bool) buildFn {
	return func(k, parent, left, right NodeKey) Record {
		return &TextNode{
			NodeDelegate:       NodeDelegate{Key: k, Parent: parent},
			StructNodeDelegate: StructNodeDelegate{FirstChild: NullNodeKey, LeftSibling: left, RightSibling: right},
			ValNodeDelegate:    ValNodeDelegate{Value: value, Compressed: compressed},
		}
	}
}

func newCommentBuild(value []byte, compressed bool) buildFn {
	return func(k, parent, left, right NodeKey) Record {
		return &CommentNode{
			NodeDelegate:       NodeDelegate{Key: k, Parent: parent},
			StructNodeDelegate: StructNodeDelegate{FirstChild: NullNodeKey, LeftSibling: left, RightSibling: right},
			ValNodeDelegate:    ValNodeDelegate{Value: value, Compressed: compressed},
		}
	}
}

func newPIBuild(uriKey, prefixKey, localKey NameKey, value []byte, compressed bool) buildFn {
	return func(k, parent, left, right NodeKey) Record {
		return &ProcessingInstructionNode{
			NodeDelegate:       NodeDelegate{Key: k, Parent: parent},
			StructNodeDelegate: StructNodeDelegate{FirstChild: NullNodeKey, LeftSibling: left, RightSibling: right},
			NameNodeDelegate:   NameNodeDelegate{URIKey: uriKey, PrefixKey: prefixKey, LocalNameKey: localKey, PathNodeKey: NullNodeKey},
			ValNodeDelegate:    ValNodeDelegate{Value: value, Compressed: compressed},
		}
	}
}

func maybeCompress(value []byte) ([]byte, bool) {
	if len(value) <= CompressionThreshold {
		return value, false
	}
	c, err := valcodec.Compress(value)
	if err != nil || len(c) >= len(value) {
		return value, false
	}
	return c, true
}

func (nwt *NodeWriteTrx) resolveName(name QName) (uriKey, prefixKey, localKey NameKey, err error) {
	uriKey, err = nwt.wtx.InternName(name.URI)
	if err != nil {
		return 0, 0, 0, err
	}
	prefixKey, err = nwt.wtx.InternName(name.Prefix)
	if err != nil {
		return 0, 0, 0, err
	}
	localKey, err = nwt.wtx.InternName(name.Local)
	if err != nil {
		return 0, 0, 0, err
	}
	return uriKey, prefixKey, localKey, nil
}

// InsertElementAsFirstChild inserts a new element as parentKey's first
// child.
func (nwt *NodeWriteTrx) InsertElementAsFirstChild(parentKey NodeKey, name QName) (NodeKey, error) {
	u, p, l, err := nwt.resolveName(name)
	if err != nil {
		return NullNodeKey, err
	}
	return nwt.insertAsFirstChild(parentKey, newElementBuild(u, p, l))
}

// InsertElementAsLeftSibling inserts a new element immediately before
// anchorKey.
func (nwt *NodeWriteTrx) InsertElementAsLeftSibling(anchorKey NodeKey, name QName) (NodeKey, error) {
	u, p, l, err := nwt.resolveName(name)
	if err != nil {
		return NullNodeKey, err
	}
	return nwt.insertAsLeftSibling(anchorKey, newElementBuild(u, p, l))
}

// InsertElementAsRightSibling inserts a new element immediately after
// anchorKey.
func (nwt *NodeWriteTrx) InsertElementAsRightSibling(anchorKey NodeKey, name QName) (NodeKey, error) {
	u, p, l, err := nwt.resolveName(name)
	if err != nil {
		return NullNodeKey, err
	}
	return nwt.insertAsRightSibling(anchorKey, newElementBuild(u, p, l))
}

// InsertTextAsFirstChild inserts a new text node as parentKey's first
// child, compressing value if it exceeds CompressionThreshold.
func (nwt *NodeWriteTrx) InsertTextAsFirstChild(parentKey NodeKey, value []byte) (NodeKey, error) {
	v, c := maybeCompress(value)
	return nwt.insertAsFirstChild(parentKey, newTextBuild(v, c))
}

// InsertTextAsLeftSibling inserts a new text node immediately before
// anchorKey.
func (nwt *NodeWriteTrx) InsertTextAsLeftSibling(anchorKey NodeKey, value []byte) (NodeKey, error) {
	v, c := maybeCompress(value)
	return nwt.insertAsLeftSibling(anchorKey, newTextBuild(v, c))
}

// InsertTextAsRightSibling inserts a new text node immediately after
// anchorKey.
func (nwt *NodeWriteTrx) InsertTextAsRightSibling(anchorKey NodeKey, value []byte) (NodeKey, error) {
	v, c := maybeCompress(value)
	return nwt.insertAsRightSibling(anchorKey, newTextBuild(v, c))
}

// InsertCommentAsFirstChild inserts a new comment node as parentKey's
// first child.
func (nwt *NodeWriteTrx) InsertCommentAsFirstChild(parentKey NodeKey, value []byte) (NodeKey, error) {
	v, c := maybeCompress(value)
	return nwt.insertAsFirstChild(parentKey, newCommentBuild(v, c))
}

// InsertCommentAsRightSibling inserts a new comment node immediately
// after anchorKey.
func (nwt *NodeWriteTrx) InsertCommentAsRightSibling(anchorKey NodeKey, value []byte) (NodeKey, error) {
	v, c := maybeCompress(value)
	return nwt.insertAsRightSibling(anchorKey, newCommentBuild(v, c))
}

// InsertCommentAsLeftSibling inserts a new comment node immediately
// before anchorKey.
func (nwt *NodeWriteTrx) InsertCommentAsLeftSibling(anchorKey NodeKey, value []byte) (NodeKey, error) {
	v, c := maybeCompress(value)
	return nwt.insertAsLeftSibling(anchorKey, newCommentBuild(v, c))
}

// InsertProcessingInstructionAsFirstChild inserts a new PI node (name is
// the target, value is the instruction body) as parentKey's first child.
func (nwt *NodeWriteTrx) InsertProcessingInstructionAsFirstChild(parentKey NodeKey, name QName, value []byte) (NodeKey, error) {
	u, p, l, err := nwt.resolveName(name)
	if err != nil {
		return NullNodeKey, err
	}
	v, c := maybeCompress(value)
	return nwt.insertAsFirstChild(parentKey, newPIBuild(u, p, l, v, c))
}

// InsertProcessingInstructionAsRightSibling inserts a new PI node
// immediately after anchorKey.
func (nwt *NodeWriteTrx) InsertProcessingInstructionAsRightSibling(anchorKey NodeKey, name QName, value []byte) (NodeKey, error) {
	u, p, l, err := nwt.resolveName(name)
	if err != nil {
		return NullNodeKey, err
	}
	v, c := maybeCompress(value)
	return nwt.insertAsRightSibling(anchorKey, newPIBuild(u, p, l, v, c))
}

// InsertAttribute adds an attribute to the element at parentKey. Returns
// ErrDuplicateNameKey if an attribute with the same qualified name
// already exists.
func (nwt *NodeWriteTrx) InsertAttribute(parentKey NodeKey, name QName, value []byte) (NodeKey, error) {
	ppage, pslot, prec, err := nwt.get(parentKey)
	if err != nil {
		return NullNodeKey, err
	}
	elem, ok := prec.(*ElementNode)
	if !ok {
		return NullNodeKey, errors.Wrap(ErrInvariant, "parent is not an element")
	}

	uriKey, prefixKey, localKey, err := nwt.resolveName(name)
	if err != nil {
		return NullNodeKey, err
	}

	for _, ak := range elem.Attributes {
		arec, present, err := nwt.wtx.GetRecord(ak, FamilyRecord, 0)
		if err != nil {
			return NullNodeKey, err
		}
		if !present {
			continue
		}
		if an, ok := arec.(namedNode); ok && an.GetURIKey() == uriKey && an.GetLocalNameKey() == localKey {
			return NullNodeKey, errors.Wrap(ErrDuplicateNameKey, "attribute %q already present", name.Local)
		}
	}

	v, c := maybeCompress(value)
	newKey, err := nwt.wtx.CreateEntry(FamilyRecord, 0, func(k NodeKey) Record {
		return &AttributeNode{
			NodeDelegate:     NodeDelegate{Key: k, Parent: parentKey},
			NameNodeDelegate: NameNodeDelegate{URIKey: uriKey, PrefixKey: prefixKey, LocalNameKey: localKey, PathNodeKey: NullNodeKey},
			ValNodeDelegate:  ValNodeDelegate{Value: v, Compressed: c},
		}
	})
	if err != nil {
		return NullNodeKey, err
	}

	elem.InsertAttribute(newKey)
	ppage.Set(pslot, prec)

	if err := nwt.indexNode(newKey); err != nil {
		return NullNodeKey, err
	}
	if err := nwt.updateHashChain(parentKey); err != nil {
		return NullNodeKey, err
	}
	if err := nwt.maybeAutoCommit(); err != nil {
		return NullNodeKey, err
	}
	return newKey, nil
}

// InsertNamespace binds a prefix to a URI on the element at parentKey.
func (nwt *NodeWriteTrx) InsertNamespace(parentKey NodeKey, name QName) (NodeKey, error) {
	ppage, pslot, prec, err := nwt.get(parentKey)
	if err != nil {
		return NullNodeKey, err
	}
	elem, ok := prec.(*ElementNode)
	if !ok {
		return NullNodeKey, errors.Wrap(ErrInvariant, "parent is not an element")
	}

	uriKey, prefixKey, localKey, err := nwt.resolveName(name)
	if err != nil {
		return NullNodeKey, err
	}

	newKey, err := nwt.wtx.CreateEntry(FamilyRecord, 0, func(k NodeKey) Record {
		return &NamespaceNode{
			NodeDelegate:     NodeDelegate{Key: k, Parent: parentKey},
			NameNodeDelegate: NameNodeDelegate{URIKey: uriKey, PrefixKey: prefixKey, LocalNameKey: localKey, PathNodeKey: NullNodeKey},
		}
	})
	if err != nil {
		return NullNodeKey, err
	}

	elem.InsertNamespace(newKey)
	ppage.Set(pslot, prec)

	if err := nwt.indexNode(newKey); err != nil {
		return NullNodeKey, err
	}
	if err := nwt.maybeAutoCommit(); err != nil {
		return NullNodeKey, err
	}
	return newKey, nil
}

// walkSubtree visits key's subtree in document pre-order (node, then its
// attributes and namespaces, then children left to right), calling fn for
// each node present.
func (nwt *NodeWriteTrx) walkSubtree(key NodeKey, fn func(NodeKey, Record) error) error {
	rec, ok, err := nwt.wtx.GetRecord(key, FamilyRecord, 0)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := fn(key, rec); err != nil {
		return err
	}

	if elem, ok := rec.(*ElementNode); ok {
		for _, ak := range elem.Attributes {
			arec, present, err := nwt.wtx.GetRecord(ak, FamilyRecord, 0)
			if err != nil {
				return err
			}
			if present {
				if err := fn(ak, arec); err != nil {
					return err
				}
			}
		}
		for _, nk := range elem.Namespaces {
			nrec, present, err := nwt.wtx.GetRecord(nk, FamilyRecord, 0)
			if err != nil {
				return err
			}
			if present {
				if err := fn(nk, nrec); err != nil {
					return err
				}
			}
		}
	}

	if sn, ok := rec.(structNode); ok && sn.HasFirstChild() {
		child := sn.GetFirstChild()
		for child != NullNodeKey {
			crec, present, err := nwt.wtx.GetRecord(child, FamilyRecord, 0)
			if err != nil {
				return err
			}
			if !present {
				break
			}
			next := NullNodeKey
			if csn, ok := crec.(structNode); ok && csn.HasRightSibling() {
				next = csn.GetRightSibling()
			}
			if err := nwt.walkSubtree(child, fn); err != nil {
				return err
			}
			child = next
		}
	}

	return nil
}

// deindexSubtree removes every index entry and path-summary reference the
// subtree rooted at key contributed; it must run while the subtree is
// still wired at its current position (the entries are keyed by the paths
// it has now).
func (nwt *NodeWriteTrx) deindexSubtree(key NodeKey) error {
	return nwt.walkSubtree(key, func(k NodeKey, rec Record) error {
		return nwt.deindexNode(k, rec)
	})
}

// reindexSubtree re-binds every node of the subtree rooted at key to the
// path summary and re-inserts its index entries; it must run after the
// subtree is wired at its new position. Pre-order matters: a parent's path
// node is bound before its children derive theirs from it.
func (nwt *NodeWriteTrx) reindexSubtree(key NodeKey) error {
	return nwt.walkSubtree(key, func(k NodeKey, rec Record) error {
		return nwt.indexNode(k)
	})
}

// SetName replaces key's qualified name, rebinding the subtree's path
// summary and index entries (every descendant's path runs through this
// node's name).
func (nwt *NodeWriteTrx) SetName(key NodeKey, name QName) error {
	_, _, rec, err := nwt.get(key)
	if err != nil {
		return err
	}
	if _, ok := rec.(mutableNamedNode); !ok {
		return errors.Wrap(ErrInvariant, "node does not carry a name")
	}

	if err := nwt.deindexSubtree(key); err != nil {
		return err
	}

	page, slot, rec, err := nwt.get(key)
	if err != nil {
		return err
	}
	mn := rec.(mutableNamedNode)
	u, p, l, err := nwt.resolveName(name)
	if err != nil {
		return err
	}
	mn.SetName(u, p, l)
	page.Set(slot, rec)

	if err := nwt.reindexSubtree(key); err != nil {
		return err
	}
	if err := nwt.updateHashChain(key); err != nil {
		return err
	}
	return nwt.maybeAutoCommit()
}

// SetValue replaces key's byte payload, swapping its CAS index entries
// from the old value to the new one.
func (nwt *NodeWriteTrx) SetValue(key NodeKey, value []byte) error {
	_, _, rec, err := nwt.get(key)
	if err != nil {
		return err
	}
	if _, ok := rec.(mutableValuedNode); !ok {
		return errors.Wrap(ErrInvariant, "node does not carry a value")
	}

	oldValue, hadValue, err := rawValueOf(rec)
	if err != nil {
		return err
	}
	if hadValue {
		pathKey, path, eligible, err := nwt.valueIndexContext(rec)
		if err != nil {
			return err
		}
		if eligible {
			if err := nwt.deindexValueNode(key, oldValue, pathKey, path); err != nil {
				return err
			}
		}
	}

	page, slot, rec, err := nwt.get(key)
	if err != nil {
		return err
	}
	mv := rec.(mutableValuedNode)
	v, c := maybeCompress(value)
	mv.SetValue(v, c)
	page.Set(slot, rec)

	pathKey, path, eligible, err := nwt.valueIndexContext(rec)
	if err != nil {
		return err
	}
	if eligible {
		if err := nwt.indexValueNode(key, value, pathKey, path); err != nil {
			return err
		}
	}

	if err := nwt.updateHashChain(key); err != nil {
		return err
	}
	return nwt.maybeAutoCommit()
}

// removeSubtreeRecursive tombstones key and every node beneath it
// (descendants, plus an element's attributes and namespaces), returning
// the number of structural nodes removed — attributes and namespaces are
// tombstoned too but never figure in descendant counts.
func (nwt *NodeWriteTrx) removeSubtreeRecursive(key NodeKey) (int64, error) {
	rec, present, err := nwt.wtx.GetRecord(key, FamilyRecord, 0)
	if err != nil {
		return 0, err
	}
	if !present {
		return 0, nil
	}

	var count int64 = 1

	if sn, ok := rec.(structNode); ok && sn.HasFirstChild() {
		child := sn.GetFirstChild()
		for child != NullNodeKey {
			crec, present, err := nwt.wtx.GetRecord(child, FamilyRecord, 0)
			if err != nil {
				return 0, err
			}
			if !present {
				break
			}
			next := NullNodeKey
			if csn, ok := crec.(structNode); ok && csn.HasRightSibling() {
				next = csn.GetRightSibling()
			}
			n, err := nwt.removeSubtreeRecursive(child)
			if err != nil {
				return 0, err
			}
			count += n
			child = next
		}
	}

	if elem, ok := rec.(*ElementNode); ok {
		for _, ak := range elem.Attributes {
			arec, present, err := nwt.wtx.GetRecord(ak, FamilyRecord, 0)
			if err != nil {
				return 0, err
			}
			if present {
				if err := nwt.deindexNode(ak, arec); err != nil {
					return 0, err
				}
			}
			if err := nwt.wtx.RemoveEntry(ak, FamilyRecord, 0); err != nil {
				return 0, err
			}
		}
		for _, nk := range elem.Namespaces {
			nrec, present, err := nwt.wtx.GetRecord(nk, FamilyRecord, 0)
			if err != nil {
				return 0, err
			}
			if present {
				if err := nwt.deindexNode(nk, nrec); err != nil {
					return 0, err
				}
			}
			if err := nwt.wtx.RemoveEntry(nk, FamilyRecord, 0); err != nil {
				return 0, err
			}
		}
	}

	if err := nwt.deindexNode(key, rec); err != nil {
		return 0, err
	}
	if err := nwt.wtx.RemoveEntry(key, FamilyRecord, 0); err != nil {
		return 0, err
	}
	return count, nil
}

// Remove deletes key and its entire subtree, unwiring it from its
// parent's child chain and rolling the removed count up through every
// ancestor's descendant count. Removing an attribute or namespace detaches
// it from its owner element's list instead.
func (nwt *NodeWriteTrx) Remove(key NodeKey) error {
	if key == DocumentNodeKey {
		return errors.Wrap(ErrInvariant, "cannot remove the document root")
	}
	rec, present, err := nwt.wtx.GetRecord(key, FamilyRecord, 0)
	if err != nil {
		return err
	}
	if !present {
		return errors.Wrap(ErrNodeNotFound, "node %d", key)
	}
	n, ok := rec.(Node)
	if !ok {
		return errors.Wrap(ErrInvariant, "not a node")
	}
	parentKey := n.ParentKey()

	switch rec.(type) {
	case *AttributeNode, *NamespaceNode:
		return nwt.removeNonStructural(key, rec, parentKey)
	}

	var left, right NodeKey = NullNodeKey, NullNodeKey
	if sn, ok := rec.(structNode); ok {
		if sn.HasLeftSibling() {
			left = sn.GetLeftSibling()
		}
		if sn.HasRightSibling() {
			right = sn.GetRightSibling()
		}
	}

	removed, err := nwt.removeSubtreeRecursive(key)
	if err != nil {
		return err
	}

	if left != NullNodeKey {
		if err := nwt.setSibling(left, false, right); err != nil {
			return err
		}
	} else if parentKey != NullNodeKey {
		ppage, pslot, prec, err := nwt.get(parentKey)
		if err != nil {
			return err
		}
		if pms, ok := prec.(mutableStructNode); ok {
			pms.SetFirstChild(right)
			ppage.Set(pslot, prec)
		}
	}
	if right != NullNodeKey {
		if err := nwt.setSibling(right, true, left); err != nil {
			return err
		}
	}

	if parentKey != NullNodeKey {
		ppage, pslot, prec, err := nwt.get(parentKey)
		if err != nil {
			return err
		}
		if pms, ok := prec.(mutableStructNode); ok {
			pms.AddChildCount(-1)
			ppage.Set(pslot, prec)
		}
		if err := nwt.bumpDescendants(parentKey, -removed); err != nil {
			return err
		}
		if err := nwt.updateHashChain(parentKey); err != nil {
			return err
		}
	}

	return nwt.maybeAutoCommit()
}

// removeNonStructural detaches an attribute or namespace from its owner
// element and tombstones it. These nodes sit outside the sibling chain, so
// no child-count or sibling rewiring applies.
func (nwt *NodeWriteTrx) removeNonStructural(key NodeKey, rec Record, parentKey NodeKey) error {
	if err := nwt.deindexNode(key, rec); err != nil {
		return err
	}

	ppage, pslot, prec, err := nwt.get(parentKey)
	if err != nil {
		return err
	}
	if elem, ok := prec.(*ElementNode); ok {
		switch rec.(type) {
		case *AttributeNode:
			elem.RemoveAttribute(key)
		case *NamespaceNode:
			elem.RemoveNamespace(key)
		}
		ppage.Set(pslot, prec)
	}

	if err := nwt.wtx.RemoveEntry(key, FamilyRecord, 0); err != nil {
		return err
	}
	if err := nwt.updateHashChain(parentKey); err != nil {
		return err
	}
	return nwt.maybeAutoCommit()
}

// MoveSubtreeToFirstChild detaches fromKey (with its whole subtree) and
// reattaches it as newParentKey's first child. Returns ErrCyclicMove if
// newParentKey is fromKey itself or one of its descendants.
func (nwt *NodeWriteTrx) MoveSubtreeToFirstChild(fromKey, newParentKey NodeKey) error {
	return nwt.moveSubtree(fromKey, newParentKey, NullNodeKey, true)
}

// MoveSubtreeToLeftSibling detaches fromKey and reattaches it immediately
// before anchorKey, under anchorKey's parent.
func (nwt *NodeWriteTrx) MoveSubtreeToLeftSibling(fromKey, anchorKey NodeKey) error {
	_, _, arec, err := nwt.get(anchorKey)
	if err != nil {
		return err
	}
	anchor, ok := arec.(structNode)
	if !ok {
		return errors.Wrap(ErrInvariant, "anchor is not a structural node")
	}

	if anchor.HasLeftSibling() {
		left := anchor.GetLeftSibling()
		if left == fromKey {
			return nil // already in place
		}
		return nwt.MoveSubtreeToRightSibling(fromKey, left)
	}
	return nwt.MoveSubtreeToFirstChild(fromKey, arec.(Node).ParentKey())
}

// MoveSubtreeToRightSibling detaches fromKey and reattaches it
// immediately after anchorKey, under anchorKey's parent.
func (nwt *NodeWriteTrx) MoveSubtreeToRightSibling(fromKey, anchorKey NodeKey) error {
	_, _, arec, err := nwt.get(anchorKey)
	if err != nil {
		return err
	}
	parentKey := arec.(Node).ParentKey()
	return nwt.moveSubtree(fromKey, parentKey, anchorKey, false)
}

// moveSubtree is the shared implementation for every move_subtree_to_*
// operation: detach fromKey from its current position, then reattach it
// either as newParentKey's first child (asFirstChild) or immediately
// after anchorKey (asFirstChild false).
func (nwt *NodeWriteTrx) moveSubtree(fromKey, newParentKey, anchorKey NodeKey, asFirstChild bool) error {
	if fromKey == newParentKey {
		return errors.Wrap(ErrCyclicMove, "cannot move a node to become its own parent")
	}
	cyclic, err := nwt.isDescendantOrSelf(fromKey, newParentKey)
	if err != nil {
		return err
	}
	if cyclic {
		return errors.Wrap(ErrCyclicMove, "target is within the moved subtree")
	}

	// Index entries are keyed by the subtree's current paths; shed them
	// before any pointer changes, re-derive them once rewired below.
	if err := nwt.deindexSubtree(fromKey); err != nil {
		return err
	}

	_, _, mrec, err := nwt.get(fromKey)
	if err != nil {
		return err
	}
	sn, ok := mrec.(mutableStructNode)
	if !ok {
		return errors.Wrap(ErrInvariant, "moved node is not structural")
	}
	n := mrec.(Node)
	oldParent := n.ParentKey()

	var oldLeft, oldRight NodeKey = NullNodeKey, NullNodeKey
	if sn.HasLeftSibling() {
		oldLeft = sn.GetLeftSibling()
	}
	if sn.HasRightSibling() {
		oldRight = sn.GetRightSibling()
	}
	subtreeSize := sn.GetDescendantCount() + 1

	// Detach from the old position.
	if oldLeft != NullNodeKey {
		if err := nwt.setSibling(oldLeft, false, oldRight); err != nil {
			return err
		}
	} else if oldParent != NullNodeKey {
		opage, oslot, orec, err := nwt.get(oldParent)
		if err != nil {
			return err
		}
		if oms, ok := orec.(mutableStructNode); ok {
			oms.SetFirstChild(oldRight)
			opage.Set(oslot, orec)
		}
	}
	if oldRight != NullNodeKey {
		if err := nwt.setSibling(oldRight, true, oldLeft); err != nil {
			return err
		}
	}
	if oldParent != NullNodeKey {
		opage, oslot, orec, err := nwt.get(oldParent)
		if err != nil {
			return err
		}
		if oms, ok := orec.(mutableStructNode); ok {
			oms.AddChildCount(-1)
			opage.Set(oslot, orec)
		}
		if err := nwt.bumpDescendants(oldParent, -subtreeSize); err != nil {
			return err
		}
	}

	// Reattach at the new position.
	var newLeft, newRight NodeKey
	if asFirstChild {
		ppage, pslot, prec, err := nwt.get(newParentKey)
		if err != nil {
			return err
		}
		pms, ok := prec.(mutableStructNode)
		if !ok {
			return errors.Wrap(ErrInvariant, "new parent is not structural")
		}
		newLeft = NullNodeKey
		newRight = NullNodeKey
		if pms.HasFirstChild() {
			newRight = pms.GetFirstChild()
		}
		pms.SetFirstChild(fromKey)
		pms.AddChildCount(1)
		ppage.Set(pslot, prec)
	} else {
		apage, aslot, arec, err := nwt.get(anchorKey)
		if err != nil {
			return err
		}
		ams, ok := arec.(mutableStructNode)
		if !ok {
			return errors.Wrap(ErrInvariant, "anchor is not structural")
		}
		newLeft = anchorKey
		newRight = NullNodeKey
		if ams.HasRightSibling() {
			newRight = ams.GetRightSibling()
		}
		ams.SetRightSibling(fromKey)
		apage.Set(aslot, arec)

		if newParentKey != NullNodeKey {
			ppage, pslot, prec, err := nwt.get(newParentKey)
			if err != nil {
				return err
			}
			if pms, ok := prec.(mutableStructNode); ok {
				pms.AddChildCount(1)
				ppage.Set(pslot, prec)
			}
		}
	}

	if newRight != NullNodeKey {
		if err := nwt.setSibling(newRight, true, fromKey); err != nil {
			return err
		}
	}

	mpage, mslot, mrec2, err := nwt.get(fromKey)
	if err != nil {
		return err
	}
	ms2 := mrec2.(mutableStructNode)
	ms2.SetLeftSibling(newLeft)
	ms2.SetRightSibling(newRight)
	if rp, ok := mrec2.(reparentable); ok {
		rp.SetParent(newParentKey)
	}
	mpage.Set(mslot, mrec2)

	if err := nwt.reindexSubtree(fromKey); err != nil {
		return err
	}

	if newParentKey != NullNodeKey {
		if err := nwt.bumpDescendants(newParentKey, subtreeSize); err != nil {
			return err
		}
		if err := nwt.updateHashChain(newParentKey); err != nil {
			return err
		}
	}

	return nwt.maybeAutoCommit()
}

// CopySubtreeAsFirstChild deep-copies the subtree rooted at fromKey (read
// through reader, typically a transaction on a different resource or
// revision) and inserts the copy as newParentKey's first child. Names are
// re-resolved through this transaction's own name dictionary.
func (nwt *NodeWriteTrx) CopySubtreeAsFirstChild(reader recordReader, fromKey, newParentKey NodeKey) (NodeKey, error) {
	rec, present, err := reader.GetRecord(fromKey, FamilyRecord, 0)
	if err != nil {
		return NullNodeKey, err
	}
	if !present {
		return NullNodeKey, errors.Wrap(ErrNodeNotFound, "source node %d", fromKey)
	}

	newKey, err := nwt.copyNodeAsFirstChild(reader, rec, newParentKey)
	if err != nil {
		return NullNodeKey, err
	}
	if err := nwt.updateHashChain(newKey); err != nil {
		return NullNodeKey, err
	}
	if err := nwt.maybeAutoCommit(); err != nil {
		return NullNodeKey, err
	}
	return newKey, nil
}

// CopySubtreeAsRightSibling deep-copies the subtree rooted at fromKey and
// inserts the copy immediately after anchorKey.
func (nwt *NodeWriteTrx) CopySubtreeAsRightSibling(reader recordReader, fromKey, anchorKey NodeKey) (NodeKey, error) {
	rec, present, err := reader.GetRecord(fromKey, FamilyRecord, 0)
	if err != nil {
		return NullNodeKey, err
	}
	if !present {
		return NullNodeKey, errors.Wrap(ErrNodeNotFound, "source node %d", fromKey)
	}

	build, err := nwt.copyBuild(reader, rec)
	if err != nil {
		return NullNodeKey, err
	}
	newKey, err := nwt.insertAsRightSiblingRaw(anchorKey, build)
	if err != nil {
		return NullNodeKey, err
	}
	if err := nwt.indexNode(newKey); err != nil {
		return NullNodeKey, err
	}
	if err := nwt.copyNonStructural(reader, rec, newKey); err != nil {
		return NullNodeKey, err
	}
	if err := nwt.copyChildrenInto(reader, rec, newKey); err != nil {
		return NullNodeKey, err
	}
	if err := nwt.updateHashChain(newKey); err != nil {
		return NullNodeKey, err
	}
	if err := nwt.maybeAutoCommit(); err != nil {
		return NullNodeKey, err
	}
	return newKey, nil
}

// CopySubtreeAsLeftSibling deep-copies the subtree rooted at fromKey and
// inserts the copy immediately before anchorKey.
func (nwt *NodeWriteTrx) CopySubtreeAsLeftSibling(reader recordReader, fromKey, anchorKey NodeKey) (NodeKey, error) {
	_, _, arec, err := nwt.get(anchorKey)
	if err != nil {
		return NullNodeKey, err
	}
	anchor, ok := arec.(structNode)
	if !ok {
		return NullNodeKey, errors.Wrap(ErrInvariant, "anchor is not a structural node")
	}

	if anchor.HasLeftSibling() {
		return nwt.CopySubtreeAsRightSibling(reader, fromKey, anchor.GetLeftSibling())
	}
	return nwt.CopySubtreeAsFirstChild(reader, fromKey, arec.(Node).ParentKey())
}

func (nwt *NodeWriteTrx) copyNodeAsFirstChild(reader recordReader, rec Record, newParentKey NodeKey) (NodeKey, error) {
	build, err := nwt.copyBuild(reader, rec)
	if err != nil {
		return NullNodeKey, err
	}

	newKey, err := nwt.insertAsFirstChildRaw(newParentKey, build)
	if err != nil {
		return NullNodeKey, err
	}
	if err := nwt.indexNode(newKey); err != nil {
		return NullNodeKey, err
	}
	if err := nwt.copyNonStructural(reader, rec, newKey); err != nil {
		return NullNodeKey, err
	}

	if err := nwt.copyChildrenInto(reader, rec, newKey); err != nil {
		return NullNodeKey, err
	}
	return newKey, nil
}

// copyNonStructural replicates a source element's attributes and
// namespaces onto the freshly copied element.
func (nwt *NodeWriteTrx) copyNonStructural(reader recordReader, rec Record, newKey NodeKey) error {
	elem, ok := rec.(*ElementNode)
	if !ok {
		return nil
	}

	for _, ak := range elem.Attributes {
		arec, present, err := reader.GetRecord(ak, FamilyRecord, 0)
		if err != nil {
			return err
		}
		if !present {
			continue
		}
		attr, ok := arec.(*AttributeNode)
		if !ok {
			continue
		}
		name, err := nwt.readName(reader, attr)
		if err != nil {
			return err
		}
		v := attr.Value
		if attr.Compressed {
			if v, err = valcodec.Decompress(v); err != nil {
				return errors.Wrap(err, "decompress copied attribute value")
			}
		}
		if _, err := nwt.InsertAttribute(newKey, name, v); err != nil {
			return err
		}
	}

	for _, nk := range elem.Namespaces {
		nrec, present, err := reader.GetRecord(nk, FamilyRecord, 0)
		if err != nil {
			return err
		}
		if !present {
			continue
		}
		ns, ok := nrec.(*NamespaceNode)
		if !ok {
			continue
		}
		name, err := nwt.readName(reader, ns)
		if err != nil {
			return err
		}
		if _, err := nwt.InsertNamespace(newKey, name); err != nil {
			return err
		}
	}

	return nil
}

// insertAsFirstChildRaw is insertAsFirstChild without the
// hash-chain/auto-commit tail, used while a deep copy is still in
// progress (the caller updates the hash chain once at the very end).
func (nwt *NodeWriteTrx) insertAsFirstChildRaw(parentKey NodeKey, build buildFn) (NodeKey, error) {
	ppage, pslot, prec, err := nwt.get(parentKey)
	if err != nil {
		return NullNodeKey, err
	}
	parent, ok := prec.(mutableStructNode)
	if !ok {
		return NullNodeKey, errors.Wrap(ErrInvariant, "parent is not a structural node")
	}

	oldFirst := NullNodeKey
	if parent.HasFirstChild() {
		oldFirst = parent.GetFirstChild()
	}

	newKey, err := nwt.wtx.CreateEntry(FamilyRecord, 0, func(k NodeKey) Record {
		return build(k, parentKey, NullNodeKey, oldFirst)
	})
	if err != nil {
		return NullNodeKey, err
	}
	if oldFirst != NullNodeKey {
		if err := nwt.setSibling(oldFirst, true, newKey); err != nil {
			return NullNodeKey, err
		}
	}
	parent.SetFirstChild(newKey)
	parent.AddChildCount(1)
	ppage.Set(pslot, prec)

	if err := nwt.bumpDescendants(parentKey, 1); err != nil {
		return NullNodeKey, err
	}
	return newKey, nil
}

func (nwt *NodeWriteTrx) copyBuild(reader recordReader, rec Record) (buildFn, error) {
	switch r := rec.(type) {
	case *ElementNode:
		name, err := nwt.readName(reader, r)
		if err != nil {
			return nil, err
		}
		u, p, l, err := nwt.resolveName(name)
		if err != nil {
			return nil, err
		}
		return newElementBuild(u, p, l), nil
	case *TextNode:
		return newTextBuild(r.Value, r.Compressed), nil
	case *CommentNode:
		return newCommentBuild(r.Value, r.Compressed), nil
	case *ProcessingInstructionNode:
		name, err := nwt.readName(reader, r)
		if err != nil {
			return nil, err
		}
		u, p, l, err := nwt.resolveName(name)
		if err != nil {
			return nil, err
		}
		return newPIBuild(u, p, l, r.Value, r.Compressed), nil
	default:
		return nil, errors.Wrap(ErrInvariant, "cannot copy node kind %d", rec.Kind())
	}
}

func (nwt *NodeWriteTrx) readName(reader recordReader, rec namedNode) (QName, error) {
	uri, _, err := reader.GetName(rec.GetURIKey())
	if err != nil {
		return QName{}, err
	}
	prefix, _, err := reader.GetName(rec.GetPrefixKey())
	if err != nil {
		return QName{}, err
	}
	local, _, err := reader.GetName(rec.GetLocalNameKey())
	if err != nil {
		return QName{}, err
	}
	return QName{URI: uri, Prefix: prefix, Local: local}, nil
}

func (nwt *NodeWriteTrx) copyChildrenInto(reader recordReader, parentRec Record, newParentKey NodeKey) error {
	sn, ok := parentRec.(structNode)
	if !ok || !sn.HasFirstChild() {
		return nil
	}

	child := sn.GetFirstChild()
	for child != NullNodeKey {
		crec, present, err := reader.GetRecord(child, FamilyRecord, 0)
		if err != nil {
			return err
		}
		if !present {
			return errors.Wrap(ErrNodeNotFound, "source node %d", child)
		}
		if _, err := nwt.copyNodeAsFirstChildAppend(reader, crec, newParentKey); err != nil {
			return err
		}

		next := NullNodeKey
		if csn, ok := crec.(structNode); ok && csn.HasRightSibling() {
			next = csn.GetRightSibling()
		}
		child = next
	}
	return nil
}

// copyNodeAsFirstChildAppend copies a source node as newParentKey's
// *last* child so that sibling order is preserved when copying a
// left-to-right child list one at a time.
func (nwt *NodeWriteTrx) copyNodeAsFirstChildAppend(reader recordReader, rec Record, newParentKey NodeKey) (NodeKey, error) {
	_, _, prec, err := nwt.get(newParentKey)
	if err != nil {
		return NullNodeKey, err
	}
	psn, ok := prec.(structNode)
	if !ok {
		return NullNodeKey, errors.Wrap(ErrInvariant, "parent is not structural")
	}

	build, err := nwt.copyBuild(reader, rec)
	if err != nil {
		return NullNodeKey, err
	}

	var newKey NodeKey
	if psn.HasFirstChild() {
		last := psn.GetFirstChild()
		for {
			_, _, lrec, err := nwt.get(last)
			if err != nil {
				return NullNodeKey, err
			}
			lsn := lrec.(structNode)
			if !lsn.HasRightSibling() {
				break
			}
			last = lsn.GetRightSibling()
		}
		newKey, err = nwt.insertAsRightSiblingRaw(last, build)
	} else {
		newKey, err = nwt.insertAsFirstChildRaw(newParentKey, build)
	}
	if err != nil {
		return NullNodeKey, err
	}
	if err := nwt.indexNode(newKey); err != nil {
		return NullNodeKey, err
	}
	if err := nwt.copyNonStructural(reader, rec, newKey); err != nil {
		return NullNodeKey, err
	}

	if err := nwt.copyChildrenInto(reader, rec, newKey); err != nil {
		return NullNodeKey, err
	}
	if err := nwt.updateHashChain(newKey); err != nil {
		return NullNodeKey, err
	}
	return newKey, nil
}

func (nwt *NodeWriteTrx) insertAsRightSiblingRaw(anchorKey NodeKey, build buildFn) (NodeKey, error) {
	apage, aslot, arec, err := nwt.get(anchorKey)
	if err != nil {
		return NullNodeKey, err
	}
	anchor, ok := arec.(mutableStructNode)
	if !ok {
		return NullNodeKey, errors.Wrap(ErrInvariant, "anchor is not a structural node")
	}
	parentKey := arec.(Node).ParentKey()

	oldRight := NullNodeKey
	if anchor.HasRightSibling() {
		oldRight = anchor.GetRightSibling()
	}

	newKey, err := nwt.wtx.CreateEntry(FamilyRecord, 0, func(k NodeKey) Record {
		return build(k, parentKey, anchorKey, oldRight)
	})
	if err != nil {
		return NullNodeKey, err
	}

	anchor.SetRightSibling(newKey)
	apage.Set(aslot, arec)
	if oldRight != NullNodeKey {
		if err := nwt.setSibling(oldRight, true, newKey); err != nil {
			return NullNodeKey, err
		}
	}

	if parentKey != NullNodeKey {
		ppage, pslot, prec, err := nwt.get(parentKey)
		if err != nil {
			return NullNodeKey, err
		}
		if pms, ok := prec.(mutableStructNode); ok {
			pms.AddChildCount(1)
			ppage.Set(pslot, prec)
		}
		if err := nwt.bumpDescendants(parentKey, 1); err != nil {
			return NullNodeKey, err
		}
	}
	return newKey, nil
}
