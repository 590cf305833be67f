package sirix

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// Scenario: empty resource, insert element a as document child, commit.
// Revision 1 must show the document root with child count 1 and a fully
// unlinked a.
func TestScenarioSingleElementCommit(t *testing.T) {
	res := newTestResource(t)

	nwt, err := BeginNodeWrite(res)
	require.NoError(t, err)
	a, err := nwt.InsertElementAsFirstChild(DocumentNodeKey, QName{Local: "a"})
	require.NoError(t, err)
	rev, err := nwt.Commit()
	require.NoError(t, err)
	require.EqualValues(t, 1, rev)

	rtx, err := res.BeginRead(1)
	require.NoError(t, err)

	rec, present, err := rtx.GetRecord(DocumentNodeKey, FamilyRecord, 0)
	require.NoError(t, err)
	require.True(t, present)
	doc := rec.(*DocumentRootNode)
	require.EqualValues(t, 1, doc.ChildCount)

	rec, present, err = rtx.GetRecord(a, FamilyRecord, 0)
	require.NoError(t, err)
	require.True(t, present)
	elem := rec.(*ElementNode)
	require.Equal(t, DocumentNodeKey, elem.Parent)
	require.Equal(t, NullNodeKey, elem.LeftSibling)
	require.Equal(t, NullNodeKey, elem.RightSibling)
	require.Equal(t, NullNodeKey, elem.FirstChild)
	require.EqualValues(t, 0, elem.DescendantCount)
}

// Scenario: commit <a><b/><c/></a>, then remove b in a second revision.
// Revision 1 keeps both children; revision 2 shows c alone with no left
// sibling.
func TestScenarioRemoveAcrossRevisions(t *testing.T) {
	res := newTestResource(t)

	nwt, err := BeginNodeWrite(res)
	require.NoError(t, err)
	a, err := nwt.InsertElementAsFirstChild(DocumentNodeKey, QName{Local: "a"})
	require.NoError(t, err)
	b, err := nwt.InsertElementAsFirstChild(a, QName{Local: "b"})
	require.NoError(t, err)
	c, err := nwt.InsertElementAsRightSibling(b, QName{Local: "c"})
	require.NoError(t, err)
	_, err = nwt.Commit()
	require.NoError(t, err)

	nwt2, err := BeginNodeWrite(res)
	require.NoError(t, err)
	require.NoError(t, nwt2.Remove(b))
	_, err = nwt2.Commit()
	require.NoError(t, err)

	rtx1, err := res.BeginRead(1)
	require.NoError(t, err)
	rec, present, err := rtx1.GetRecord(a, FamilyRecord, 0)
	require.NoError(t, err)
	require.True(t, present)
	require.EqualValues(t, 2, rec.(*ElementNode).ChildCount)

	rec, present, err = rtx1.GetRecord(b, FamilyRecord, 0)
	require.NoError(t, err)
	require.True(t, present)

	rtx2, err := res.BeginRead(2)
	require.NoError(t, err)
	rec, present, err = rtx2.GetRecord(a, FamilyRecord, 0)
	require.NoError(t, err)
	require.True(t, present)
	aElem := rec.(*ElementNode)
	require.EqualValues(t, 1, aElem.ChildCount)
	require.Equal(t, c, aElem.FirstChild)

	_, present, err = rtx2.GetRecord(b, FamilyRecord, 0)
	require.NoError(t, err)
	require.False(t, present)

	rec, present, err = rtx2.GetRecord(c, FamilyRecord, 0)
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, NullNodeKey, rec.(*ElementNode).LeftSibling)
}

// Revision immutability: values read at a pinned revision stay identical
// over later commits, and a reader opened mid-flight is unaffected by a
// concurrent writer's commit.
func TestRevisionImmutabilityUnderLaterCommits(t *testing.T) {
	res := newTestResource(t)

	nwt, err := BeginNodeWrite(res)
	require.NoError(t, err)
	root, err := nwt.InsertElementAsFirstChild(DocumentNodeKey, QName{Local: "root"})
	require.NoError(t, err)

	var keys []NodeKey
	for i := 0; i < 20; i++ {
		k, err := nwt.InsertTextAsFirstChild(root, []byte(fmt.Sprintf("value-%02d", i)))
		require.NoError(t, err)
		keys = append(keys, k)
	}
	_, err = nwt.Commit()
	require.NoError(t, err)

	rtx, err := res.BeginRead(1)
	require.NoError(t, err)

	before := make(map[NodeKey][]byte)
	for _, k := range keys {
		rec, present, err := rtx.GetRecord(k, FamilyRecord, 0)
		require.NoError(t, err)
		require.True(t, present)
		before[k] = append([]byte(nil), rec.(*TextNode).Value...)
	}

	// Later commits rewrite half the values and remove the other half.
	nwt2, err := BeginNodeWrite(res)
	require.NoError(t, err)
	for i, k := range keys {
		if i%2 == 0 {
			require.NoError(t, nwt2.SetValue(k, []byte(fmt.Sprintf("other-%02d", i))))
		} else {
			require.NoError(t, nwt2.Remove(k))
		}
	}
	_, err = nwt2.Commit()
	require.NoError(t, err)

	for _, k := range keys {
		rec, present, err := rtx.GetRecord(k, FamilyRecord, 0)
		require.NoError(t, err)
		require.True(t, present)
		require.Equal(t, before[k], rec.(*TextNode).Value)
	}
}

// Delta pages only persist changed slots, so a slot untouched across many
// rewrites of its bucket must stay reachable through the sliding window
// and the periodic full dump.
func TestSlidingWindowKeepsUntouchedSlotReachable(t *testing.T) {
	res, err := OpenMem(WithFanOut(4), WithWindow(4), WithFullDumpEvery(4))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, res.Close()) })

	nwt, err := BeginNodeWrite(res)
	require.NoError(t, err)
	root, err := nwt.InsertElementAsFirstChild(DocumentNodeKey, QName{Local: "root"})
	require.NoError(t, err)
	stable, err := nwt.InsertTextAsFirstChild(root, []byte("stable"))
	require.NoError(t, err)
	churn, err := nwt.InsertTextAsRightSibling(stable, []byte("churn-0"))
	require.NoError(t, err)
	_, err = nwt.Commit()
	require.NoError(t, err)

	// Rewrite churn's bucket for many revisions without touching stable.
	for i := 1; i <= 7; i++ {
		w, err := BeginNodeWrite(res)
		require.NoError(t, err)
		require.NoError(t, w.SetValue(churn, []byte(fmt.Sprintf("churn-%d", i))))
		_, err = w.Commit()
		require.NoError(t, err)
	}

	for rev := Revision(1); rev <= 8; rev++ {
		rtx, err := res.BeginRead(rev)
		require.NoError(t, err)
		rec, present, err := rtx.GetRecord(stable, FamilyRecord, 0)
		require.NoError(t, err)
		require.True(t, present, "stable node missing at revision %d", rev)
		require.Equal(t, []byte("stable"), rec.(*TextNode).Value)

		rec, present, err = rtx.GetRecord(churn, FamilyRecord, 0)
		require.NoError(t, err)
		require.True(t, present)
		require.Equal(t, []byte(fmt.Sprintf("churn-%d", rev-1)), rec.(*TextNode).Value)
	}
}

func TestBulkTextNodesRoundTrip(t *testing.T) {
	res := newTestResource(t)

	nwt, err := BeginNodeWrite(res)
	require.NoError(t, err)
	root, err := nwt.InsertElementAsFirstChild(DocumentNodeKey, QName{Local: "root"})
	require.NoError(t, err)

	const n = 1000
	keys := make([]NodeKey, 0, n)
	last := NodeKey(NullNodeKey)
	for i := 0; i < n; i++ {
		v := []byte(fmt.Sprintf("val-%06d", i))
		var k NodeKey
		if last == NullNodeKey {
			k, err = nwt.InsertTextAsFirstChild(root, v)
		} else {
			k, err = nwt.InsertTextAsRightSibling(last, v)
		}
		require.NoError(t, err)
		keys = append(keys, k)
		last = k
	}
	_, err = nwt.Commit()
	require.NoError(t, err)

	rtx, err := res.BeginRead(-1)
	require.NoError(t, err)
	rec, present, err := rtx.GetRecord(root, FamilyRecord, 0)
	require.NoError(t, err)
	require.True(t, present)
	require.EqualValues(t, n, rec.(*ElementNode).ChildCount)
	require.EqualValues(t, n, rec.(*ElementNode).DescendantCount)

	for i, k := range keys {
		rec, present, err := rtx.GetRecord(k, FamilyRecord, 0)
		require.NoError(t, err)
		require.True(t, present)
		require.Equal(t, []byte(fmt.Sprintf("val-%06d", i)), rec.(*TextNode).Value)
	}
}

func TestAbortLeavesResourceUntouched(t *testing.T) {
	res := newTestResource(t)

	nwt, err := BeginNodeWrite(res)
	require.NoError(t, err)
	_, err = nwt.InsertElementAsFirstChild(DocumentNodeKey, QName{Local: "gone"})
	require.NoError(t, err)
	require.NoError(t, nwt.Abort())

	require.EqualValues(t, 0, res.LatestRevision())

	rtx, err := res.BeginRead(-1)
	require.NoError(t, err)
	rec, present, err := rtx.GetRecord(DocumentNodeKey, FamilyRecord, 0)
	require.NoError(t, err)
	require.True(t, present)
	require.EqualValues(t, 0, rec.(*DocumentRootNode).ChildCount)
}

func TestSingleWriterEnforced(t *testing.T) {
	res := newTestResource(t)

	w1, err := res.BeginWrite()
	require.NoError(t, err)

	_, err = res.BeginWrite()
	require.ErrorIs(t, err, ErrWriterExists)

	require.NoError(t, w1.Abort())

	w2, err := res.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, w2.Abort())
}

func TestUnknownRevisionRejected(t *testing.T) {
	res := newTestResource(t)

	_, err := res.BeginRead(99)
	require.ErrorIs(t, err, ErrUnknownRevision)
}

func TestReopenFromBackingStore(t *testing.T) {
	back := NewMemBack(0)
	nameBack := NewMemBack(0)
	logBack := NewMemBack(0)

	res, err := Open(back, nameBack, logBack, WithFanOut(4))
	require.NoError(t, err)

	nwt, err := BeginNodeWrite(res)
	require.NoError(t, err)
	root, err := nwt.InsertElementAsFirstChild(DocumentNodeKey, QName{Local: "persisted"})
	require.NoError(t, err)
	txt, err := nwt.InsertTextAsFirstChild(root, []byte("payload"))
	require.NoError(t, err)
	_, err = nwt.Commit()
	require.NoError(t, err)
	require.NoError(t, res.Close())

	res2, err := Open(back, nameBack, logBack)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, res2.Close()) })

	require.EqualValues(t, 1, res2.LatestRevision())
	require.Equal(t, 4, res2.cfg.FanOut)

	rtx, err := res2.BeginRead(-1)
	require.NoError(t, err)
	cur, err := NewNodeCursor(rtx)
	require.NoError(t, err)
	mustMoveOK, mustMoveErr := cur.MoveToFirstChild()
	require.True(t, mustMove(t, mustMoveOK, mustMoveErr))
	require.Equal(t, root, cur.GetKey())
	_, _, local, err := cur.GetName()
	require.NoError(t, err)
	require.Equal(t, "persisted", local)

	mustMoveOK, mustMoveErr = cur.MoveToFirstChild()
	require.True(t, mustMove(t, mustMoveOK, mustMoveErr))
	require.Equal(t, txt, cur.GetKey())
	v, err := cur.GetValue()
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), v)
}

// Structural invariants after a batch of mixed mutations: sibling chains
// doubly linked, child counts matching chain length, descendant counts
// matching subtree sizes.
func TestStructuralInvariantsAfterMutations(t *testing.T) {
	res := newTestResource(t)

	nwt, err := BeginNodeWrite(res)
	require.NoError(t, err)
	root, err := nwt.InsertElementAsFirstChild(DocumentNodeKey, QName{Local: "root"})
	require.NoError(t, err)
	a, err := nwt.InsertElementAsFirstChild(root, QName{Local: "a"})
	require.NoError(t, err)
	b, err := nwt.InsertElementAsRightSibling(a, QName{Local: "b"})
	require.NoError(t, err)
	_, err = nwt.InsertTextAsFirstChild(a, []byte("t1"))
	require.NoError(t, err)
	t2, err := nwt.InsertTextAsFirstChild(b, []byte("t2"))
	require.NoError(t, err)

	require.NoError(t, nwt.MoveSubtreeToFirstChild(b, a))
	require.NoError(t, nwt.Remove(t2))

	_, err = nwt.Commit()
	require.NoError(t, err)

	rtx, err := res.BeginRead(-1)
	require.NoError(t, err)
	checkStructure(t, rtx, DocumentNodeKey)
}

// checkStructure verifies the doubly-linked sibling chain, child count,
// and descendant count of every node beneath key, returning the subtree
// size including key itself.
func checkStructure(t *testing.T, rtx *PageReadTrx, key NodeKey) int64 {
	t.Helper()

	rec, present, err := rtx.GetRecord(key, FamilyRecord, 0)
	require.NoError(t, err)
	require.True(t, present)

	sn, ok := rec.(structNode)
	if !ok {
		return 1
	}

	var size int64 = 1
	var childCount int64
	prev := NullNodeKey
	child := NodeKey(NullNodeKey)
	if sn.HasFirstChild() {
		child = sn.GetFirstChild()
	}
	for child != NullNodeKey {
		crec, present, err := rtx.GetRecord(child, FamilyRecord, 0)
		require.NoError(t, err)
		require.True(t, present)

		cn := crec.(Node)
		require.Equal(t, key, cn.ParentKey())

		csn := crec.(structNode)
		require.Equal(t, prev, csn.GetLeftSibling())

		size += checkStructure(t, rtx, child)
		childCount++

		prev = child
		child = NullNodeKey
		if csn.HasRightSibling() {
			child = csn.GetRightSibling()
		}
	}

	require.Equal(t, childCount, sn.GetChildCount(), "child count of node %d", key)
	require.Equal(t, size-1, sn.GetDescendantCount(), "descendant count of node %d", key)
	return size
}
