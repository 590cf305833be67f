package sirix

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Scenario: a CAS index over the text values of //a/b. Three b children
// with values x, y, x; EQUAL x yields both matching text nodes, GREATER x
// yields the y node.
func TestCASIndexEqualAndGreater(t *testing.T) {
	res := newTestResource(t)
	require.NoError(t, res.RegisterIndex(IndexDef{Type: IndexTypeCAS, Number: 0, Paths: []string{"//a/b"}}))

	nwt, err := BeginNodeWrite(res)
	require.NoError(t, err)

	a, err := nwt.InsertElementAsFirstChild(DocumentNodeKey, QName{Local: "a"})
	require.NoError(t, err)

	b1, err := nwt.InsertElementAsFirstChild(a, QName{Local: "b"})
	require.NoError(t, err)
	t1, err := nwt.InsertTextAsFirstChild(b1, []byte("x"))
	require.NoError(t, err)

	b2, err := nwt.InsertElementAsRightSibling(b1, QName{Local: "b"})
	require.NoError(t, err)
	t2, err := nwt.InsertTextAsFirstChild(b2, []byte("y"))
	require.NoError(t, err)

	b3, err := nwt.InsertElementAsRightSibling(b2, QName{Local: "b"})
	require.NoError(t, err)
	t3, err := nwt.InsertTextAsFirstChild(b3, []byte("x"))
	require.NoError(t, err)

	// All three b elements share one path, so one path-summary node.
	rec, _, err := nwt.wtx.GetRecord(b1, FamilyRecord, 0)
	require.NoError(t, err)
	pathKey := rec.(*ElementNode).PathNodeKey
	require.NotEqual(t, NullNodeKey, pathKey)
	for _, b := range []NodeKey{b2, b3} {
		rec, _, err := nwt.wtx.GetRecord(b, FamilyRecord, 0)
		require.NoError(t, err)
		require.Equal(t, pathKey, rec.(*ElementNode).PathNodeKey)
	}

	tree := NewAVLTree(nwt.wtx, FamilyCAS, 0)

	refs, found, err := tree.Get(CASIndexKey{Type: CASValueString, Value: "x", PathNodeKey: pathKey}, SearchEqual)
	require.NoError(t, err)
	require.True(t, found)
	require.ElementsMatch(t, []NodeKey{t1, t3}, refs.NodeKeys())

	refs, found, err = tree.Get(CASIndexKey{Type: CASValueString, Value: "x", PathNodeKey: pathKey}, SearchGreater)
	require.NoError(t, err)
	require.True(t, found)
	require.ElementsMatch(t, []NodeKey{t2}, refs.NodeKeys())

	// The index survives a commit and is visible through a plain reader.
	_, err = nwt.Commit()
	require.NoError(t, err)

	rtx, err := res.BeginRead(-1)
	require.NoError(t, err)
	rtree := NewAVLTreeReader(rtx, FamilyCAS, 0)
	refs, found, err = rtree.Get(CASIndexKey{Type: CASValueString, Value: "x", PathNodeKey: pathKey}, SearchEqual)
	require.NoError(t, err)
	require.True(t, found)
	require.ElementsMatch(t, []NodeKey{t1, t3}, refs.NodeKeys())
}

func TestNameIndexFollowsMutations(t *testing.T) {
	res := newTestResource(t)
	require.NoError(t, res.RegisterIndex(IndexDef{Type: IndexTypeName, Number: 0}))

	nwt, err := BeginNodeWrite(res)
	require.NoError(t, err)

	root, err := nwt.InsertElementAsFirstChild(DocumentNodeKey, QName{Local: "root"})
	require.NoError(t, err)
	m1, err := nwt.InsertElementAsFirstChild(root, QName{Local: "m"})
	require.NoError(t, err)
	m2, err := nwt.InsertElementAsRightSibling(m1, QName{Local: "m"})
	require.NoError(t, err)

	tree := NewAVLTree(nwt.wtx, FamilyName, 0)

	refs, found, err := tree.Get(NameIndexKey{Local: "m"}, SearchEqual)
	require.NoError(t, err)
	require.True(t, found)
	require.ElementsMatch(t, []NodeKey{m1, m2}, refs.NodeKeys())

	// Renaming removes the old binding and adds the new one.
	require.NoError(t, nwt.SetName(m2, QName{Local: "n"}))

	refs, found, err = tree.Get(NameIndexKey{Local: "m"}, SearchEqual)
	require.NoError(t, err)
	require.True(t, found)
	require.ElementsMatch(t, []NodeKey{m1}, refs.NodeKeys())

	refs, found, err = tree.Get(NameIndexKey{Local: "n"}, SearchEqual)
	require.NoError(t, err)
	require.True(t, found)
	require.ElementsMatch(t, []NodeKey{m2}, refs.NodeKeys())

	// Removal drops the binding entirely.
	require.NoError(t, nwt.Remove(m1))
	_, found, err = tree.Get(NameIndexKey{Local: "m"}, SearchEqual)
	require.NoError(t, err)
	require.False(t, found)
}

func TestPathIndexWithFilter(t *testing.T) {
	res := newTestResource(t)
	require.NoError(t, res.RegisterIndex(IndexDef{Type: IndexTypePath, Number: 0, Paths: []string{"/r/keep"}}))

	nwt, err := BeginNodeWrite(res)
	require.NoError(t, err)

	r, err := nwt.InsertElementAsFirstChild(DocumentNodeKey, QName{Local: "r"})
	require.NoError(t, err)
	keep, err := nwt.InsertElementAsFirstChild(r, QName{Local: "keep"})
	require.NoError(t, err)
	_, err = nwt.InsertElementAsRightSibling(keep, QName{Local: "skip"})
	require.NoError(t, err)

	tree := NewAVLTree(nwt.wtx, FamilyPath, 0)

	refs, found, err := tree.Get(PathIndexKey{Path: "/r/keep"}, SearchEqual)
	require.NoError(t, err)
	require.True(t, found)
	require.ElementsMatch(t, []NodeKey{keep}, refs.NodeKeys())

	_, found, err = tree.Get(PathIndexKey{Path: "/r/skip"}, SearchEqual)
	require.NoError(t, err)
	require.False(t, found)
}

func TestRegisterIndexValidation(t *testing.T) {
	res := newTestResource(t)

	err := res.RegisterIndex(IndexDef{Type: IndexType(9), Number: 0})
	require.ErrorIs(t, err, ErrInvalidIndexType)

	err = res.RegisterIndex(IndexDef{Type: IndexTypeName, Number: MaxIndexesPerFamily})
	require.ErrorIs(t, err, ErrBadArgument)

	require.NoError(t, res.RegisterIndex(IndexDef{Type: IndexTypeName, Number: 1}))
	err = res.RegisterIndex(IndexDef{Type: IndexTypeName, Number: 1})
	require.ErrorIs(t, err, ErrBadArgument)
}

func TestPathSummarySharedAndCounted(t *testing.T) {
	res := newTestResource(t)

	nwt, err := BeginNodeWrite(res)
	require.NoError(t, err)

	r, err := nwt.InsertElementAsFirstChild(DocumentNodeKey, QName{Local: "r"})
	require.NoError(t, err)
	a1, err := nwt.InsertElementAsFirstChild(r, QName{Local: "a"})
	require.NoError(t, err)
	a2, err := nwt.InsertElementAsRightSibling(a1, QName{Local: "a"})
	require.NoError(t, err)

	rec, _, err := nwt.wtx.GetRecord(a1, FamilyRecord, 0)
	require.NoError(t, err)
	pk1 := rec.(*ElementNode).PathNodeKey
	rec, _, err = nwt.wtx.GetRecord(a2, FamilyRecord, 0)
	require.NoError(t, err)
	pk2 := rec.(*ElementNode).PathNodeKey
	require.Equal(t, pk1, pk2)

	prec, _, err := nwt.wtx.GetRecord(pk1, FamilyPathSummary, 0)
	require.NoError(t, err)
	pn := prec.(*PathNode)
	require.EqualValues(t, 2, pn.ReferenceCount)
	require.Equal(t, 2, pn.Level)
	require.Equal(t, PathKindElement, pn.PathKind)

	path, err := nwt.pathOf(pk1)
	require.NoError(t, err)
	require.Equal(t, "/r/a", path)

	require.NoError(t, nwt.Remove(a2))
	prec, _, err = nwt.wtx.GetRecord(pk1, FamilyPathSummary, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, prec.(*PathNode).ReferenceCount)
}

func TestPathSummaryAttributeBinding(t *testing.T) {
	res := newTestResource(t)

	nwt, err := BeginNodeWrite(res)
	require.NoError(t, err)

	r, err := nwt.InsertElementAsFirstChild(DocumentNodeKey, QName{Local: "r"})
	require.NoError(t, err)
	attr, err := nwt.InsertAttribute(r, QName{Local: "id"}, []byte("7"))
	require.NoError(t, err)

	rec, _, err := nwt.wtx.GetRecord(attr, FamilyRecord, 0)
	require.NoError(t, err)
	pk := rec.(*AttributeNode).PathNodeKey
	require.NotEqual(t, NullNodeKey, pk)

	path, err := nwt.pathOf(pk)
	require.NoError(t, err)
	require.Equal(t, "/r/@id", path)

	prec, _, err := nwt.wtx.GetRecord(pk, FamilyPathSummary, 0)
	require.NoError(t, err)
	require.Equal(t, PathKindAttribute, prec.(*PathNode).PathKind)
}

// Moving a subtree rebinds its path-summary references and re-keys its
// CAS entries to the new location.
func TestMoveSubtreeAdaptsPathSummaryAndIndexes(t *testing.T) {
	res := newTestResource(t)
	require.NoError(t, res.RegisterIndex(IndexDef{Type: IndexTypeCAS, Number: 0}))

	nwt, err := BeginNodeWrite(res)
	require.NoError(t, err)

	src, err := nwt.InsertElementAsFirstChild(DocumentNodeKey, QName{Local: "src"})
	require.NoError(t, err)
	dst, err := nwt.InsertElementAsRightSibling(src, QName{Local: "dst"})
	require.NoError(t, err)
	leaf, err := nwt.InsertElementAsFirstChild(src, QName{Local: "leaf"})
	require.NoError(t, err)
	txt, err := nwt.InsertTextAsFirstChild(leaf, []byte("payload-value"))
	require.NoError(t, err)

	rec, _, err := nwt.wtx.GetRecord(leaf, FamilyRecord, 0)
	require.NoError(t, err)
	oldPathKey := rec.(*ElementNode).PathNodeKey

	require.NoError(t, nwt.MoveSubtreeToFirstChild(leaf, dst))

	rec, _, err = nwt.wtx.GetRecord(leaf, FamilyRecord, 0)
	require.NoError(t, err)
	newPathKey := rec.(*ElementNode).PathNodeKey
	require.NotEqual(t, oldPathKey, newPathKey)

	newPath, err := nwt.pathOf(newPathKey)
	require.NoError(t, err)
	require.Equal(t, "/dst/leaf", newPath)

	// The old path node lost its reference, the new one carries it.
	prec, _, err := nwt.wtx.GetRecord(oldPathKey, FamilyPathSummary, 0)
	require.NoError(t, err)
	require.EqualValues(t, 0, prec.(*PathNode).ReferenceCount)
	prec, _, err = nwt.wtx.GetRecord(newPathKey, FamilyPathSummary, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, prec.(*PathNode).ReferenceCount)

	tree := NewAVLTree(nwt.wtx, FamilyCAS, 0)

	_, found, err := tree.Get(CASIndexKey{Type: CASValueString, Value: "payload-value", PathNodeKey: oldPathKey}, SearchEqual)
	require.NoError(t, err)
	require.False(t, found)

	refs, found, err := tree.Get(CASIndexKey{Type: CASValueString, Value: "payload-value", PathNodeKey: newPathKey}, SearchEqual)
	require.NoError(t, err)
	require.True(t, found)
	require.ElementsMatch(t, []NodeKey{txt}, refs.NodeKeys())
}

func TestSetValueSwapsCASEntry(t *testing.T) {
	res := newTestResource(t)
	require.NoError(t, res.RegisterIndex(IndexDef{Type: IndexTypeCAS, Number: 0}))

	nwt, err := BeginNodeWrite(res)
	require.NoError(t, err)

	r, err := nwt.InsertElementAsFirstChild(DocumentNodeKey, QName{Local: "r"})
	require.NoError(t, err)
	txt, err := nwt.InsertTextAsFirstChild(r, []byte("before"))
	require.NoError(t, err)

	rec, _, err := nwt.wtx.GetRecord(r, FamilyRecord, 0)
	require.NoError(t, err)
	pk := rec.(*ElementNode).PathNodeKey

	require.NoError(t, nwt.SetValue(txt, []byte("after")))

	tree := NewAVLTree(nwt.wtx, FamilyCAS, 0)
	_, found, err := tree.Get(CASIndexKey{Type: CASValueString, Value: "before", PathNodeKey: pk}, SearchEqual)
	require.NoError(t, err)
	require.False(t, found)

	refs, found, err := tree.Get(CASIndexKey{Type: CASValueString, Value: "after", PathNodeKey: pk}, SearchEqual)
	require.NoError(t, err)
	require.True(t, found)
	require.ElementsMatch(t, []NodeKey{txt}, refs.NodeKeys())
}
