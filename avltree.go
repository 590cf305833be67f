package sirix

import (
	"tlog.app/go/errors"
)

// avlAnchorKey is the fixed node key holding an index tree's root pointer,
// one per (family, index) secondary-index instance. It reuses
// DocumentNodeKey as a bare first-child pointer, the same role it plays
// for the document tree itself.
const avlAnchorKey = DocumentNodeKey

// AVLTree is a self-balancing binary search tree over AVLNode records,
// addressing one secondary-index family/index pair. Every node stores its
// subtree height; insertions and removals walk back toward the root
// recomputing heights and applying single or double rotations so that
// |height(left) − height(right)| ≤ 1 holds at every node afterward. The
// per-node "changed" flag marks nodes the current walk touched and is
// cleared on the root before the operation returns.
//
// Reads go through any recordReader (a PageReadTrx pinned at a revision,
// or the write transaction for read-your-writes); mutations require the
// tree to have been opened on a PageWriteTrx.
type AVLTree struct {
	r      recordReader
	wtx    *PageWriteTrx
	family Family
	index  int
}

// NewAVLTree opens (creating on first use) the index tree for family/index
// for both reading and mutation against wtx.
func NewAVLTree(wtx *PageWriteTrx, family Family, index int) *AVLTree {
	return &AVLTree{r: wtx, wtx: wtx, family: family, index: index}
}

// NewAVLTreeReader opens a read-only view of the index tree for
// family/index on r. Index and Remove on the returned tree fail.
func NewAVLTreeReader(r recordReader, family Family, index int) *AVLTree {
	return &AVLTree{r: r, family: family, index: index}
}

// SearchMode selects how Get treats a key that has no exact match in the
// tree.
type SearchMode int

const (
	SearchEqual SearchMode = iota
	SearchGreater
	SearchGreaterOrEqual
	SearchLess
	SearchLessOrEqual
)

func (t *AVLTree) checkWritable() error {
	if t.wtx == nil {
		return errors.Wrap(ErrInvariant, "index tree opened read-only")
	}
	return nil
}

// readNode resolves an AVL node through the reader, without copying
// anything into the write log.
func (t *AVLTree) readNode(key NodeKey) (*AVLNode, error) {
	rec, ok, err := t.r.GetRecord(key, t.family, t.index)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrap(ErrNodeNotFound, "avl node %d", key)
	}
	node, ok := rec.(*AVLNode)
	if !ok {
		return nil, errors.Wrap(ErrInvariant, "not an AVL node")
	}
	return node, nil
}

// getNode resolves an AVL node on the COW write path, returning the
// mutable page slot alongside it.
func (t *AVLTree) getNode(key NodeKey) (*RecordPage, int, *AVLNode, error) {
	page, slot, err := t.wtx.PrepareEntryForModification(key, t.family, t.index)
	if err != nil {
		return nil, 0, nil, err
	}
	rec, ok := page.Get(slot)
	if !ok {
		return nil, 0, nil, errors.Wrap(ErrNodeNotFound, "avl node %d", key)
	}
	node, ok := rec.(*AVLNode)
	if !ok {
		return nil, 0, nil, errors.Wrap(ErrInvariant, "not an AVL node")
	}
	return page, slot, node, nil
}

// rootKey returns the tree's current root node key, or NullNodeKey for an
// empty (or not yet materialized) tree.
func (t *AVLTree) rootKey() (NodeKey, error) {
	rec, ok, err := t.r.GetRecord(avlAnchorKey, t.family, t.index)
	if err != nil {
		return NullNodeKey, err
	}
	if !ok {
		return NullNodeKey, nil
	}
	anchor, ok := rec.(*DocumentRootNode)
	if !ok {
		return NullNodeKey, errors.Wrap(ErrInvariant, "index anchor is not a document root node")
	}
	if !anchor.HasFirstChild() {
		return NullNodeKey, nil
	}
	return anchor.FirstChild, nil
}

func (t *AVLTree) ensureAnchor() (*RecordPage, int, *DocumentRootNode, error) {
	page, slot, err := t.wtx.PrepareEntryForModification(avlAnchorKey, t.family, t.index)
	if err != nil {
		return nil, 0, nil, err
	}
	rec, ok := page.Get(slot)
	if ok {
		if anchor, ok := rec.(*DocumentRootNode); ok {
			return page, slot, anchor, nil
		}
	}
	anchor := &DocumentRootNode{
		NodeDelegate:       NodeDelegate{Key: avlAnchorKey, Parent: NullNodeKey},
		StructNodeDelegate: newStructNodeDelegate(),
	}
	page.Set(slot, anchor)
	return page, slot, anchor, nil
}

// Get searches the tree for key under mode, returning the References of
// the node the mode selects: the exact match for SearchEqual, or the
// closest node on the required side of key for the ordered modes, tracked
// as a best-so-far candidate during the BST descent.
func (t *AVLTree) Get(key AVLKey, mode SearchMode) (References, bool, error) {
	cur, err := t.rootKey()
	if err != nil {
		return nil, false, err
	}

	var best *AVLNode
	for cur != NullNodeKey {
		node, err := t.readNode(cur)
		if err != nil {
			return nil, false, err
		}
		c := key.CompareTo(node.IndexKey)

		switch mode {
		case SearchEqual:
			switch {
			case c == 0:
				return node.Value, true, nil
			case c < 0:
				cur = node.LeftNode
			default:
				cur = node.RightNode
			}

		case SearchGreaterOrEqual:
			switch {
			case c == 0:
				return node.Value, true, nil
			case c < 0:
				best = node
				cur = node.LeftNode
			default:
				cur = node.RightNode
			}

		case SearchGreater:
			switch {
			case c < 0:
				best = node
				cur = node.LeftNode
			default:
				cur = node.RightNode
			}

		case SearchLessOrEqual:
			switch {
			case c == 0:
				return node.Value, true, nil
			case c > 0:
				best = node
				cur = node.RightNode
			default:
				cur = node.LeftNode
			}

		case SearchLess:
			switch {
			case c > 0:
				best = node
				cur = node.RightNode
			default:
				cur = node.LeftNode
			}

		default:
			return nil, false, errors.Wrap(ErrBadArgument, "unknown avl search mode %d", mode)
		}
	}

	if best == nil {
		return nil, false, nil
	}
	return best.Value, true, nil
}

// Index inserts nodeKey under key, creating the key's AVLNode (with a
// fresh References value) if this is the first node indexed under it, or
// folding nodeKey into the existing References otherwise. A freshly
// attached leaf triggers adjust to rebalance the tree.
func (t *AVLTree) Index(key AVLKey, nodeKey NodeKey, newValue func() References) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	apage, aslot, anchor, err := t.ensureAnchor()
	if err != nil {
		return err
	}

	if !anchor.HasFirstChild() {
		val := newValue()
		val.AddNodeKey(nodeKey)
		newKey, err := t.wtx.CreateEntry(t.family, t.index, func(k NodeKey) Record {
			return &AVLNode{
				NodeDelegate: NodeDelegate{Key: k, Parent: avlAnchorKey},
				IndexKey:     key,
				Value:        val,
				ParentNode:   NullNodeKey,
				LeftNode:     NullNodeKey,
				RightNode:    NullNodeKey,
				Height:       1,
			}
		})
		if err != nil {
			return err
		}
		anchor.FirstChild = newKey
		anchor.ChildCount = 1
		anchor.DescendantCount = 1
		apage.Set(aslot, anchor)
		return t.adjust(newKey)
	}

	cur := anchor.FirstChild
	for {
		page, slot, node, err := t.getNode(cur)
		if err != nil {
			return err
		}
		c := key.CompareTo(node.IndexKey)
		if c == 0 {
			if node.Value.AddNodeKey(nodeKey) {
				page.Set(slot, node)
			}
			return nil
		}

		var next NodeKey
		if c < 0 {
			next = node.LeftNode
		} else {
			next = node.RightNode
		}
		if next != NullNodeKey {
			cur = next
			continue
		}

		val := newValue()
		val.AddNodeKey(nodeKey)
		newKey, err := t.wtx.CreateEntry(t.family, t.index, func(k NodeKey) Record {
			return &AVLNode{
				NodeDelegate: NodeDelegate{Key: k, Parent: node.NodeKey()},
				IndexKey:     key,
				Value:        val,
				ParentNode:   node.NodeKey(),
				LeftNode:     NullNodeKey,
				RightNode:    NullNodeKey,
				Height:       1,
			}
		})
		if err != nil {
			return err
		}

		if c < 0 {
			node.LeftNode = newKey
		} else {
			node.RightNode = newKey
		}
		page.Set(slot, node)

		_, _, anchor2, err := t.ensureAnchor()
		if err != nil {
			return err
		}
		anchor2.DescendantCount++

		return t.adjust(newKey)
	}
}

// Remove drops nodeKey from key's References, physically deleting the
// AVLNode if the References value becomes empty (an AVL node with an empty
// value is removed, not left behind as a tombstone with an empty set).
func (t *AVLTree) Remove(key AVLKey, nodeKey NodeKey) (bool, error) {
	if err := t.checkWritable(); err != nil {
		return false, err
	}
	cur, err := t.rootKey()
	if err != nil {
		return false, err
	}

	for cur != NullNodeKey {
		page, slot, node, err := t.getNode(cur)
		if err != nil {
			return false, err
		}
		c := key.CompareTo(node.IndexKey)
		if c != 0 {
			if c < 0 {
				cur = node.LeftNode
			} else {
				cur = node.RightNode
			}
			continue
		}

		removed := node.Value.RemoveNodeKey(nodeKey)
		if !removed {
			return false, nil
		}
		if !node.Value.IsEmpty() {
			page.Set(slot, node)
			return true, nil
		}

		if err := t.deleteNode(cur); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// deleteNode physically removes the AVL node at key from the tree,
// splicing its children into its parent and rebalancing from the splice
// point: the classical three deletion cases plus a trailing adjust.
func (t *AVLTree) deleteNode(key NodeKey) error {
	_, _, node, err := t.getNode(key)
	if err != nil {
		return err
	}

	switch {
	case node.LeftNode == NullNodeKey && node.RightNode == NullNodeKey:
		parentKey := node.ParentNode
		if err := t.replaceChild(parentKey, key, NullNodeKey); err != nil {
			return err
		}
		if err := t.deleteEntry(key); err != nil {
			return err
		}
		if parentKey != avlAnchorKey && parentKey != NullNodeKey {
			if err := t.adjust(parentKey); err != nil {
				return err
			}
		}
		return t.bumpDescendantCount(-1)

	case node.LeftNode != NullNodeKey && node.RightNode == NullNodeKey:
		if err := t.reparent(node.LeftNode, node.ParentNode); err != nil {
			return err
		}
		if err := t.replaceChild(node.ParentNode, key, node.LeftNode); err != nil {
			return err
		}
		if err := t.deleteEntry(key); err != nil {
			return err
		}
		if err := t.adjust(node.LeftNode); err != nil {
			return err
		}
		return t.bumpDescendantCount(-1)

	case node.LeftNode == NullNodeKey && node.RightNode != NullNodeKey:
		if err := t.reparent(node.RightNode, node.ParentNode); err != nil {
			return err
		}
		if err := t.replaceChild(node.ParentNode, key, node.RightNode); err != nil {
			return err
		}
		if err := t.deleteEntry(key); err != nil {
			return err
		}
		if err := t.adjust(node.RightNode); err != nil {
			return err
		}
		return t.bumpDescendantCount(-1)

	default:
		// Two children: delete the in-order successor node in place, then
		// promote its payload into this node.
		succKey := node.RightNode
		for {
			succ, err := t.readNode(succKey)
			if err != nil {
				return err
			}
			if succ.LeftNode == NullNodeKey {
				break
			}
			succKey = succ.LeftNode
		}

		succ, err := t.readNode(succKey)
		if err != nil {
			return err
		}
		succIndexKey, succValue := succ.IndexKey, succ.Value

		if err := t.deleteNode(succKey); err != nil {
			return err
		}

		npage, nslot, node, err := t.getNode(key)
		if err != nil {
			return err
		}
		node.IndexKey = succIndexKey
		node.Value = succValue
		npage.Set(nslot, node)
		return nil
	}
}

// deleteEntry removes the AVL node's storage entry; splitting this out of
// deleteNode's cases keeps the rebalance call ordering explicit (the entry
// must be gone before adjust re-derives the tree root).
func (t *AVLTree) deleteEntry(key NodeKey) error {
	return t.wtx.RemoveEntry(key, t.family, t.index)
}

func (t *AVLTree) reparent(childKey, parentKey NodeKey) error {
	if childKey == NullNodeKey {
		return nil
	}
	page, slot, child, err := t.getNode(childKey)
	if err != nil {
		return err
	}
	child.ParentNode = parentKey
	page.Set(slot, child)
	return nil
}

// replaceChild rewires parentKey's left/right pointer (or the tree anchor,
// if parentKey is the anchor) from oldChild to newChild.
func (t *AVLTree) replaceChild(parentKey, oldChild, newChild NodeKey) error {
	if parentKey == avlAnchorKey || parentKey == NullNodeKey {
		apage, aslot, anchor, err := t.ensureAnchor()
		if err != nil {
			return err
		}
		if anchor.FirstChild == oldChild {
			anchor.FirstChild = newChild
			if newChild == NullNodeKey {
				anchor.ChildCount = 0
			}
			apage.Set(aslot, anchor)
		}
		return nil
	}

	page, slot, parent, err := t.getNode(parentKey)
	if err != nil {
		return err
	}
	switch oldChild {
	case parent.LeftNode:
		parent.LeftNode = newChild
	case parent.RightNode:
		parent.RightNode = newChild
	}
	page.Set(slot, parent)
	return nil
}

func (t *AVLTree) bumpDescendantCount(delta int64) error {
	apage, aslot, anchor, err := t.ensureAnchor()
	if err != nil {
		return err
	}
	anchor.DescendantCount += delta
	apage.Set(aslot, anchor)
	return nil
}

// --- rebalancing ---

func (t *AVLTree) setChanged(key NodeKey, changed bool) error {
	if key == NullNodeKey || key == avlAnchorKey {
		return nil
	}
	page, slot, n, err := t.getNode(key)
	if err != nil {
		return err
	}
	n.Changed = changed
	page.Set(slot, n)
	return nil
}

// heightOf returns the stored subtree height of key, 0 for the empty
// subtree.
func (t *AVLTree) heightOf(key NodeKey) (int, error) {
	if key == NullNodeKey || key == avlAnchorKey {
		return 0, nil
	}
	n, err := t.readNode(key)
	if err != nil {
		return 0, err
	}
	return n.Height, nil
}

// refreshHeight recomputes key's height from its children, marking the
// node changed when the stored value moves.
func (t *AVLTree) refreshHeight(key NodeKey) error {
	if key == NullNodeKey || key == avlAnchorKey {
		return nil
	}
	page, slot, n, err := t.getNode(key)
	if err != nil {
		return err
	}
	lh, err := t.heightOf(n.LeftNode)
	if err != nil {
		return err
	}
	rh, err := t.heightOf(n.RightNode)
	if err != nil {
		return err
	}
	h := 1 + max(lh, rh)
	if h != n.Height {
		n.Height = h
		n.Changed = true
		page.Set(slot, n)
	}
	return nil
}

// adjust restores the AVL balance invariant on the path from nodeKey up
// to the root: at each step the node's height is recomputed and, when the
// children's heights differ by more than one, a single rotation (or a
// double rotation, when the heavy child leans the other way) evens the
// subtree out before the walk continues upward. On exit the current tree
// root's changed flag is cleared.
func (t *AVLTree) adjust(nodeKey NodeKey) error {
	if err := t.setChanged(nodeKey, true); err != nil {
		return err
	}

	cur := nodeKey
	for cur != NullNodeKey && cur != avlAnchorKey {
		page, slot, node, err := t.getNode(cur)
		if err != nil {
			return err
		}

		lh, err := t.heightOf(node.LeftNode)
		if err != nil {
			return err
		}
		rh, err := t.heightOf(node.RightNode)
		if err != nil {
			return err
		}
		if h := 1 + max(lh, rh); h != node.Height {
			node.Height = h
			node.Changed = true
			page.Set(slot, node)
		}

		switch {
		case lh-rh > 1:
			left, err := t.readNode(node.LeftNode)
			if err != nil {
				return err
			}
			llh, err := t.heightOf(left.LeftNode)
			if err != nil {
				return err
			}
			lrh, err := t.heightOf(left.RightNode)
			if err != nil {
				return err
			}
			if llh < lrh {
				if err := t.rotateLeft(node.LeftNode); err != nil {
					return err
				}
			}
			if err := t.rotateRight(cur); err != nil {
				return err
			}

		case rh-lh > 1:
			right, err := t.readNode(node.RightNode)
			if err != nil {
				return err
			}
			rlh, err := t.heightOf(right.LeftNode)
			if err != nil {
				return err
			}
			rrh, err := t.heightOf(right.RightNode)
			if err != nil {
				return err
			}
			if rrh < rlh {
				if err := t.rotateRight(node.RightNode); err != nil {
					return err
				}
			}
			if err := t.rotateLeft(cur); err != nil {
				return err
			}
		}

		// A rotation demotes cur under a new subtree root; either way the
		// walk continues from whatever now sits above cur.
		n2, err := t.readNode(cur)
		if err != nil {
			return err
		}
		cur = n2.ParentNode
	}

	root, err := t.rootKey()
	if err != nil {
		return err
	}
	if root != NullNodeKey {
		return t.setChanged(root, false)
	}
	return nil
}

// AVLCursor is a stateful cursor over one index tree, shared mechanics
// between the tree's reader and writer: left child is "first child",
// right child is "last child". Moves report whether they succeeded and
// leave the cursor in place on failure.
type AVLCursor struct {
	tree *AVLTree
	key  NodeKey
	node *AVLNode
}

// Cursor positions a fresh cursor at the tree's root; ok is false for an
// empty tree.
func (t *AVLTree) Cursor() (*AVLCursor, bool, error) {
	root, err := t.rootKey()
	if err != nil {
		return nil, false, err
	}
	if root == NullNodeKey {
		return &AVLCursor{tree: t, key: NullNodeKey}, false, nil
	}
	c := &AVLCursor{tree: t}
	ok, err := c.moveTo(root)
	return c, ok, err
}

func (c *AVLCursor) moveTo(key NodeKey) (bool, error) {
	if key == NullNodeKey {
		return false, nil
	}
	node, err := c.tree.readNode(key)
	if err != nil {
		return false, err
	}
	c.key = key
	c.node = node
	return true, nil
}

// Key returns the node key the cursor sits on, NullNodeKey if unset.
func (c *AVLCursor) Key() NodeKey { return c.key }

// Node returns the AVL node the cursor sits on, nil if unset.
func (c *AVLCursor) Node() *AVLNode { return c.node }

// MoveToFirstChild descends to the left child.
func (c *AVLCursor) MoveToFirstChild() (bool, error) {
	if c.node == nil {
		return false, nil
	}
	return c.moveTo(c.node.LeftNode)
}

// MoveToLastChild descends to the right child.
func (c *AVLCursor) MoveToLastChild() (bool, error) {
	if c.node == nil {
		return false, nil
	}
	return c.moveTo(c.node.RightNode)
}

// MoveToParent ascends one level; false at the tree root.
func (c *AVLCursor) MoveToParent() (bool, error) {
	if c.node == nil || c.node.ParentNode == NullNodeKey || c.node.ParentNode == avlAnchorKey {
		return false, nil
	}
	return c.moveTo(c.node.ParentNode)
}

// rotateLeft promotes nodeKey's right child into nodeKey's position,
// rewiring the three or four node pointers involved (and the tree anchor,
// if nodeKey was the root) in place.
func (t *AVLTree) rotateLeft(nodeKey NodeKey) error {
	_, _, node, err := t.getNode(nodeKey)
	if err != nil {
		return err
	}
	rightKey := node.RightNode
	if rightKey == NullNodeKey {
		return nil
	}
	parentKey := node.ParentNode

	right, err := t.readNode(rightKey)
	if err != nil {
		return err
	}
	rightLeft := right.LeftNode

	npage, nslot, node, err := t.getNode(nodeKey)
	if err != nil {
		return err
	}
	node.RightNode = rightLeft
	npage.Set(nslot, node)

	if err := t.reparent(rightLeft, nodeKey); err != nil {
		return err
	}

	rpage, rslot, right, err := t.getNode(rightKey)
	if err != nil {
		return err
	}
	right.ParentNode = parentKey
	rpage.Set(rslot, right)

	if parentKey == avlAnchorKey || parentKey == NullNodeKey {
		apage, aslot, anchor, err := t.ensureAnchor()
		if err != nil {
			return err
		}
		anchor.FirstChild = rightKey
		apage.Set(aslot, anchor)
	} else {
		ppage, pslot, parent, err := t.getNode(parentKey)
		if err != nil {
			return err
		}
		if parent.LeftNode == nodeKey {
			parent.LeftNode = rightKey
		} else {
			parent.RightNode = rightKey
		}
		ppage.Set(pslot, parent)
	}

	rpage2, rslot2, right2, err := t.getNode(rightKey)
	if err != nil {
		return err
	}
	right2.LeftNode = nodeKey
	rpage2.Set(rslot2, right2)

	npage2, nslot2, node2, err := t.getNode(nodeKey)
	if err != nil {
		return err
	}
	node2.ParentNode = rightKey
	npage2.Set(nslot2, node2)

	// The demoted node's children changed, then the promoted node's; both
	// heights must settle before the caller's walk continues upward.
	if err := t.refreshHeight(nodeKey); err != nil {
		return err
	}
	if err := t.refreshHeight(rightKey); err != nil {
		return err
	}

	if t.wtx.Log().V("rotate") != nil {
		t.wtx.Log().Printf("avl rotate left family=%d index=%d node=%d promoted=%d", t.family, t.index, nodeKey, rightKey)
	}
	return nil
}

// rotateRight promotes nodeKey's left child into nodeKey's position; the
// mirror image of rotateLeft.
func (t *AVLTree) rotateRight(nodeKey NodeKey) error {
	_, _, node, err := t.getNode(nodeKey)
	if err != nil {
		return err
	}
	leftKey := node.LeftNode
	if leftKey == NullNodeKey {
		return nil
	}
	parentKey := node.ParentNode

	left, err := t.readNode(leftKey)
	if err != nil {
		return err
	}
	leftRight := left.RightNode

	npage, nslot, node, err := t.getNode(nodeKey)
	if err != nil {
		return err
	}
	node.LeftNode = leftRight
	npage.Set(nslot, node)

	if err := t.reparent(leftRight, nodeKey); err != nil {
		return err
	}

	lpage, lslot, left, err := t.getNode(leftKey)
	if err != nil {
		return err
	}
	left.ParentNode = parentKey
	lpage.Set(lslot, left)

	if parentKey == avlAnchorKey || parentKey == NullNodeKey {
		apage, aslot, anchor, err := t.ensureAnchor()
		if err != nil {
			return err
		}
		anchor.FirstChild = leftKey
		apage.Set(aslot, anchor)
	} else {
		ppage, pslot, parent, err := t.getNode(parentKey)
		if err != nil {
			return err
		}
		if parent.RightNode == nodeKey {
			parent.RightNode = leftKey
		} else {
			parent.LeftNode = leftKey
		}
		ppage.Set(pslot, parent)
	}

	lpage2, lslot2, left2, err := t.getNode(leftKey)
	if err != nil {
		return err
	}
	left2.RightNode = nodeKey
	lpage2.Set(lslot2, left2)

	npage2, nslot2, node2, err := t.getNode(nodeKey)
	if err != nil {
		return err
	}
	node2.ParentNode = leftKey
	npage2.Set(nslot2, node2)

	if err := t.refreshHeight(nodeKey); err != nil {
		return err
	}
	if err := t.refreshHeight(leftKey); err != nil {
		return err
	}

	if t.wtx.Log().V("rotate") != nil {
		t.wtx.Log().Printf("avl rotate right family=%d index=%d node=%d promoted=%d", t.family, t.index, nodeKey, leftKey)
	}
	return nil
}
