package sirix

import (
	"fmt"
	"math/bits"
	"testing"

	"github.com/stretchr/testify/require"
)

func newRefs() References { return NewNodeKeyReferences() }

func TestAVLTreeIndexAndGet(t *testing.T) {
	res, err := OpenMem()
	require.NoError(t, err)
	defer res.Close()

	wtx, err := res.BeginWrite()
	require.NoError(t, err)
	defer wtx.Abort()

	tree := NewAVLTree(wtx, FamilyName, 0)

	require.NoError(t, tree.Index(NameIndexKey{Local: "foo"}, NodeKey(10), newRefs))
	require.NoError(t, tree.Index(NameIndexKey{Local: "bar"}, NodeKey(11), newRefs))
	require.NoError(t, tree.Index(NameIndexKey{Local: "foo"}, NodeKey(12), newRefs))

	refs, found, err := tree.Get(NameIndexKey{Local: "foo"}, SearchEqual)
	require.NoError(t, err)
	require.True(t, found)
	require.ElementsMatch(t, []NodeKey{10, 12}, refs.NodeKeys())

	refs, found, err = tree.Get(NameIndexKey{Local: "bar"}, SearchEqual)
	require.NoError(t, err)
	require.True(t, found)
	require.ElementsMatch(t, []NodeKey{11}, refs.NodeKeys())

	_, found, err = tree.Get(NameIndexKey{Local: "baz"}, SearchEqual)
	require.NoError(t, err)
	require.False(t, found)
}

func TestAVLTreeSearchModes(t *testing.T) {
	res, err := OpenMem()
	require.NoError(t, err)
	defer res.Close()

	wtx, err := res.BeginWrite()
	require.NoError(t, err)
	defer wtx.Abort()

	tree := NewAVLTree(wtx, FamilyCAS, 0)
	for i, v := range []string{"b", "d", "f"} {
		k := CASIndexKey{Type: CASValueString, Value: v, PathNodeKey: 7}
		require.NoError(t, tree.Index(k, NodeKey(100+i), newRefs))
	}

	get := func(v string, mode SearchMode) (References, bool) {
		refs, found, err := tree.Get(CASIndexKey{Type: CASValueString, Value: v, PathNodeKey: 7}, mode)
		require.NoError(t, err)
		return refs, found
	}

	refs, found := get("d", SearchEqual)
	require.True(t, found)
	require.Equal(t, []NodeKey{101}, refs.NodeKeys())

	_, found = get("c", SearchEqual)
	require.False(t, found)

	refs, found = get("c", SearchGreater)
	require.True(t, found)
	require.Equal(t, []NodeKey{101}, refs.NodeKeys())

	refs, found = get("d", SearchGreater)
	require.True(t, found)
	require.Equal(t, []NodeKey{102}, refs.NodeKeys())

	_, found = get("f", SearchGreater)
	require.False(t, found)

	refs, found = get("d", SearchGreaterOrEqual)
	require.True(t, found)
	require.Equal(t, []NodeKey{101}, refs.NodeKeys())

	refs, found = get("e", SearchLess)
	require.True(t, found)
	require.Equal(t, []NodeKey{101}, refs.NodeKeys())

	_, found = get("b", SearchLess)
	require.False(t, found)

	refs, found = get("b", SearchLessOrEqual)
	require.True(t, found)
	require.Equal(t, []NodeKey{100}, refs.NodeKeys())
}

func TestAVLTreeRemove(t *testing.T) {
	res, err := OpenMem()
	require.NoError(t, err)
	defer res.Close()

	wtx, err := res.BeginWrite()
	require.NoError(t, err)
	defer wtx.Abort()

	tree := NewAVLTree(wtx, FamilyPath, 0)

	require.NoError(t, tree.Index(PathIndexKey{Path: "/a"}, NodeKey(1), newRefs))
	require.NoError(t, tree.Index(PathIndexKey{Path: "/a/b"}, NodeKey(2), newRefs))
	require.NoError(t, tree.Index(PathIndexKey{Path: "/a"}, NodeKey(3), newRefs))

	removed, err := tree.Remove(PathIndexKey{Path: "/a"}, NodeKey(1))
	require.NoError(t, err)
	require.True(t, removed)

	refs, found, err := tree.Get(PathIndexKey{Path: "/a"}, SearchEqual)
	require.NoError(t, err)
	require.True(t, found)
	require.ElementsMatch(t, []NodeKey{3}, refs.NodeKeys())

	removed, err = tree.Remove(PathIndexKey{Path: "/a"}, NodeKey(3))
	require.NoError(t, err)
	require.True(t, removed)

	_, found, err = tree.Get(PathIndexKey{Path: "/a"}, SearchEqual)
	require.NoError(t, err)
	require.False(t, found)

	refs, found, err = tree.Get(PathIndexKey{Path: "/a/b"}, SearchEqual)
	require.NoError(t, err)
	require.True(t, found)
	require.ElementsMatch(t, []NodeKey{2}, refs.NodeKeys())

	removed, err = tree.Remove(PathIndexKey{Path: "/nope"}, NodeKey(9))
	require.NoError(t, err)
	require.False(t, removed)
}

// checkAVL walks the tree verifying BST ordering, parent pointers, the
// stored per-node height, and the AVL balance invariant
// |height(left) − height(right)| ≤ 1 at every node, returning the
// subtree's height and node count.
func checkAVL(t *testing.T, tree *AVLTree, key, parent NodeKey) (height, count int) {
	t.Helper()
	if key == NullNodeKey {
		return 0, 0
	}

	node, err := tree.readNode(key)
	require.NoError(t, err)
	require.Equal(t, parent, node.ParentNode)

	if node.LeftNode != NullNodeKey {
		left, err := tree.readNode(node.LeftNode)
		require.NoError(t, err)
		require.Negative(t, left.IndexKey.CompareTo(node.IndexKey))
	}
	if node.RightNode != NullNodeKey {
		right, err := tree.readNode(node.RightNode)
		require.NoError(t, err)
		require.Positive(t, right.IndexKey.CompareTo(node.IndexKey))
	}

	lh, lc := checkAVL(t, tree, node.LeftNode, key)
	rh, rc := checkAVL(t, tree, node.RightNode, key)

	diff := lh - rh
	if diff < 0 {
		diff = -diff
	}
	require.LessOrEqual(t, diff, 1, "node %d violates AVL balance: left height %d, right height %d", key, lh, rh)

	height = 1 + lh
	if rh > lh {
		height = 1 + rh
	}
	require.Equal(t, height, node.Height, "node %d stores stale height", key)

	return height, lc + rc + 1
}

func TestAVLTreeBalancedUnderSortedInsertion(t *testing.T) {
	res, err := OpenMem()
	require.NoError(t, err)
	defer res.Close()

	wtx, err := res.BeginWrite()
	require.NoError(t, err)
	defer wtx.Abort()

	tree := NewAVLTree(wtx, FamilyName, 0)

	const n = 128
	for i := 0; i < n; i++ {
		key := NameIndexKey{Local: fmt.Sprintf("k%03d", i)}
		require.NoError(t, tree.Index(key, NodeKey(1000+i), newRefs))
	}

	root, err := tree.rootKey()
	require.NoError(t, err)
	require.NotEqual(t, NullNodeKey, root)

	// checkAVL asserts |Δheight| ≤ 1 at every node; on top of that the
	// whole tree's height must be logarithmic (a sorted insertion without
	// rotations would produce a height of n).
	height, count := checkAVL(t, tree, root, NullNodeKey)
	require.Equal(t, n, count)
	require.LessOrEqual(t, height, 2*bits.Len(uint(n)))

	for i := 0; i < n; i++ {
		key := NameIndexKey{Local: fmt.Sprintf("k%03d", i)}
		refs, found, err := tree.Get(key, SearchEqual)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, []NodeKey{NodeKey(1000 + i)}, refs.NodeKeys())
	}
}

func TestAVLTreeBalanceSurvivesRemovals(t *testing.T) {
	res, err := OpenMem()
	require.NoError(t, err)
	defer res.Close()

	wtx, err := res.BeginWrite()
	require.NoError(t, err)
	defer wtx.Abort()

	tree := NewAVLTree(wtx, FamilyName, 0)

	const n = 64
	for i := 0; i < n; i++ {
		key := NameIndexKey{Local: fmt.Sprintf("k%03d", i)}
		require.NoError(t, tree.Index(key, NodeKey(1000+i), newRefs))
	}
	for i := 0; i < n; i += 2 {
		key := NameIndexKey{Local: fmt.Sprintf("k%03d", i)}
		removed, err := tree.Remove(key, NodeKey(1000+i))
		require.NoError(t, err)
		require.True(t, removed)
	}

	root, err := tree.rootKey()
	require.NoError(t, err)
	_, count := checkAVL(t, tree, root, NullNodeKey)
	require.Equal(t, n/2, count)

	for i := 0; i < n; i++ {
		key := NameIndexKey{Local: fmt.Sprintf("k%03d", i)}
		_, found, err := tree.Get(key, SearchEqual)
		require.NoError(t, err)
		require.Equal(t, i%2 == 1, found)
	}
}

func TestAVLCursorNavigation(t *testing.T) {
	res, err := OpenMem()
	require.NoError(t, err)
	defer res.Close()

	wtx, err := res.BeginWrite()
	require.NoError(t, err)
	defer wtx.Abort()

	tree := NewAVLTree(wtx, FamilyName, 0)
	for _, v := range []string{"m", "f", "t", "b", "h"} {
		require.NoError(t, tree.Index(NameIndexKey{Local: v}, NodeKey(1), newRefs))
	}

	cur, ok, err := tree.Cursor()
	require.NoError(t, err)
	require.True(t, ok)
	root := cur.Key()
	rootIdx := cur.Node().IndexKey

	ok, err = cur.MoveToFirstChild()
	require.NoError(t, err)
	require.True(t, ok)
	require.Negative(t, cur.Node().IndexKey.CompareTo(rootIdx))

	ok, err = cur.MoveToParent()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, root, cur.Key())

	ok, err = cur.MoveToLastChild()
	require.NoError(t, err)
	require.True(t, ok)
	require.Positive(t, cur.Node().IndexKey.CompareTo(rootIdx))

	ok, err = cur.MoveToParent()
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = cur.MoveToParent()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAVLTreeReadOnlyRejectsMutation(t *testing.T) {
	res, err := OpenMem()
	require.NoError(t, err)
	defer res.Close()

	rtx, err := res.BeginRead(-1)
	require.NoError(t, err)

	tree := NewAVLTreeReader(rtx, FamilyName, 0)
	err = tree.Index(NameIndexKey{Local: "x"}, NodeKey(1), newRefs)
	require.ErrorIs(t, err, ErrInvariant)
}
