package sirix

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertSubtreeFromEvents(t *testing.T) {
	res := newTestResource(t)

	nwt, err := BeginNodeWrite(res)
	require.NoError(t, err)

	root, err := nwt.InsertElementAsFirstChild(DocumentNodeKey, QName{Local: "root"})
	require.NoError(t, err)

	events := NewEventSlice([]Event{
		{Kind: EventStartElement, Name: QName{Local: "a"}},
		{Kind: EventAttribute, Name: QName{Local: "id"}, Value: []byte("1")},
		{Kind: EventStartElement, Name: QName{Local: "b"}},
		{Kind: EventText, Value: []byte("inner")},
		{Kind: EventEndElement},
		{Kind: EventComment, Value: []byte("c")},
		{Kind: EventEndElement},
	})

	a, err := nwt.InsertSubtreeAsFirstChild(root, events)
	require.NoError(t, err)

	_, err = nwt.Commit()
	require.NoError(t, err)

	rtx, err := res.BeginRead(-1)
	require.NoError(t, err)

	rec, present, err := rtx.GetRecord(a, FamilyRecord, 0)
	require.NoError(t, err)
	require.True(t, present)
	aElem := rec.(*ElementNode)
	require.EqualValues(t, 2, aElem.ChildCount)
	require.EqualValues(t, 3, aElem.DescendantCount)
	require.Len(t, aElem.Attributes, 1)

	cur, err := NewNodeCursor(rtx)
	require.NoError(t, err)
	mustMoveOK, mustMoveErr := cur.MoveTo(a)
	require.True(t, mustMove(t, mustMoveOK, mustMoveErr))
	mustMoveOK, mustMoveErr = cur.MoveToFirstChild()
	require.True(t, mustMove(t, mustMoveOK, mustMoveErr))
	_, _, local, err := cur.GetName()
	require.NoError(t, err)
	require.Equal(t, "b", local)

	mustMoveOK, mustMoveErr = cur.MoveToFirstChild()
	require.True(t, mustMove(t, mustMoveOK, mustMoveErr))
	require.Equal(t, KindText, cur.GetKind())
	v, err := cur.GetValue()
	require.NoError(t, err)
	require.Equal(t, []byte("inner"), v)

	mustMoveOK, mustMoveErr = cur.MoveToParent()
	require.True(t, mustMove(t, mustMoveOK, mustMoveErr))
	mustMoveOK, mustMoveErr = cur.MoveToRightSibling()
	require.True(t, mustMove(t, mustMoveOK, mustMoveErr))
	require.Equal(t, KindComment, cur.GetKind())

	checkStructure(t, rtx, DocumentNodeKey)
}

func TestInsertSubtreeUnbalancedEventsRejected(t *testing.T) {
	res := newTestResource(t)

	nwt, err := BeginNodeWrite(res)
	require.NoError(t, err)
	defer nwt.Abort()

	root, err := nwt.InsertElementAsFirstChild(DocumentNodeKey, QName{Local: "root"})
	require.NoError(t, err)

	_, err = nwt.InsertSubtreeAsFirstChild(root, NewEventSlice([]Event{
		{Kind: EventStartElement, Name: QName{Local: "open"}},
	}))
	require.ErrorIs(t, err, ErrInvariant)

	_, err = nwt.InsertSubtreeAsFirstChild(root, NewEventSlice(nil))
	require.ErrorIs(t, err, ErrBadArgument)
}

func TestInsertSubtreeAsSiblings(t *testing.T) {
	res := newTestResource(t)

	nwt, err := BeginNodeWrite(res)
	require.NoError(t, err)

	root, err := nwt.InsertElementAsFirstChild(DocumentNodeKey, QName{Local: "root"})
	require.NoError(t, err)
	mid, err := nwt.InsertElementAsFirstChild(root, QName{Local: "mid"})
	require.NoError(t, err)

	after, err := nwt.InsertSubtreeAsRightSibling(mid, NewEventSlice([]Event{
		{Kind: EventStartElement, Name: QName{Local: "after"}},
		{Kind: EventEndElement},
	}))
	require.NoError(t, err)

	before, err := nwt.InsertSubtreeAsLeftSibling(mid, NewEventSlice([]Event{
		{Kind: EventStartElement, Name: QName{Local: "before"}},
		{Kind: EventEndElement},
	}))
	require.NoError(t, err)

	_, err = nwt.Commit()
	require.NoError(t, err)

	rtx, err := res.BeginRead(-1)
	require.NoError(t, err)
	cur, err := NewNodeCursor(rtx)
	require.NoError(t, err)
	mustMoveOK, mustMoveErr := cur.MoveTo(root)
	require.True(t, mustMove(t, mustMoveOK, mustMoveErr))
	mustMoveOK, mustMoveErr = cur.MoveToFirstChild()
	require.True(t, mustMove(t, mustMoveOK, mustMoveErr))
	require.Equal(t, before, cur.GetKey())
	mustMoveOK, mustMoveErr = cur.MoveToRightSibling()
	require.True(t, mustMove(t, mustMoveOK, mustMoveErr))
	require.Equal(t, mid, cur.GetKey())
	mustMoveOK, mustMoveErr = cur.MoveToRightSibling()
	require.True(t, mustMove(t, mustMoveOK, mustMoveErr))
	require.Equal(t, after, cur.GetKey())

	checkStructure(t, rtx, DocumentNodeKey)
}

func TestMoveSubtreeToLeftSibling(t *testing.T) {
	res := newTestResource(t)

	nwt, err := BeginNodeWrite(res)
	require.NoError(t, err)

	root, err := nwt.InsertElementAsFirstChild(DocumentNodeKey, QName{Local: "root"})
	require.NoError(t, err)
	a, err := nwt.InsertElementAsFirstChild(root, QName{Local: "a"})
	require.NoError(t, err)
	b, err := nwt.InsertElementAsRightSibling(a, QName{Local: "b"})
	require.NoError(t, err)
	c, err := nwt.InsertElementAsRightSibling(b, QName{Local: "c"})
	require.NoError(t, err)

	// a b c -> b moves before a -> b a c
	require.NoError(t, nwt.MoveSubtreeToLeftSibling(b, a))

	_, err = nwt.Commit()
	require.NoError(t, err)

	rtx, err := res.BeginRead(-1)
	require.NoError(t, err)
	cur, err := NewNodeCursor(rtx)
	require.NoError(t, err)
	mustMoveOK, mustMoveErr := cur.MoveTo(root)
	require.True(t, mustMove(t, mustMoveOK, mustMoveErr))
	mustMoveOK, mustMoveErr = cur.MoveToFirstChild()
	require.True(t, mustMove(t, mustMoveOK, mustMoveErr))
	require.Equal(t, b, cur.GetKey())
	mustMoveOK, mustMoveErr = cur.MoveToRightSibling()
	require.True(t, mustMove(t, mustMoveOK, mustMoveErr))
	require.Equal(t, a, cur.GetKey())
	mustMoveOK, mustMoveErr = cur.MoveToRightSibling()
	require.True(t, mustMove(t, mustMoveOK, mustMoveErr))
	require.Equal(t, c, cur.GetKey())

	checkStructure(t, rtx, DocumentNodeKey)
}

func TestRemoveAttributeDetachesFromElement(t *testing.T) {
	res := newTestResource(t)

	nwt, err := BeginNodeWrite(res)
	require.NoError(t, err)

	root, err := nwt.InsertElementAsFirstChild(DocumentNodeKey, QName{Local: "root"})
	require.NoError(t, err)
	attr, err := nwt.InsertAttribute(root, QName{Local: "id"}, []byte("1"))
	require.NoError(t, err)
	ns, err := nwt.InsertNamespace(root, QName{Prefix: "p", URI: "urn:p"})
	require.NoError(t, err)

	cur, err := NewNodeCursor(nwt.wtx)
	require.NoError(t, err)
	mustMoveOK, mustMoveErr := cur.MoveTo(root)
	require.True(t, mustMove(t, mustMoveOK, mustMoveErr))
	mustMoveOK, mustMoveErr = cur.MoveToAttribute(0)
	require.True(t, mustMove(t, mustMoveOK, mustMoveErr))
	require.Equal(t, attr, cur.GetKey())
	require.Equal(t, root, cur.GetParentKey())
	mustMoveOK, mustMoveErr = cur.MoveTo(root)
	require.True(t, mustMove(t, mustMoveOK, mustMoveErr))
	mustMoveOK, mustMoveErr = cur.MoveToNamespace(0)
	require.True(t, mustMove(t, mustMoveOK, mustMoveErr))
	require.Equal(t, ns, cur.GetKey())

	require.NoError(t, nwt.Remove(attr))

	rec, present, err := nwt.wtx.GetRecord(root, FamilyRecord, 0)
	require.NoError(t, err)
	require.True(t, present)
	elem := rec.(*ElementNode)
	require.Empty(t, elem.Attributes)
	require.Equal(t, []NodeKey{ns}, elem.Namespaces)

	_, present, err = nwt.wtx.GetRecord(attr, FamilyRecord, 0)
	require.NoError(t, err)
	require.False(t, present)
}

func TestCopySubtreeAsRightSiblingCopiesAttributes(t *testing.T) {
	res := newTestResource(t)

	nwt, err := BeginNodeWrite(res)
	require.NoError(t, err)

	src, err := nwt.InsertElementAsFirstChild(DocumentNodeKey, QName{Local: "src"})
	require.NoError(t, err)
	_, err = nwt.InsertAttribute(src, QName{Local: "id"}, []byte("42"))
	require.NoError(t, err)
	_, err = nwt.InsertTextAsFirstChild(src, []byte("body"))
	require.NoError(t, err)

	copied, err := nwt.CopySubtreeAsRightSibling(nwt.wtx, src, src)
	require.NoError(t, err)
	require.NotEqual(t, src, copied)

	rec, present, err := nwt.wtx.GetRecord(copied, FamilyRecord, 0)
	require.NoError(t, err)
	require.True(t, present)
	elem := rec.(*ElementNode)
	require.Len(t, elem.Attributes, 1)
	require.EqualValues(t, 1, elem.ChildCount)

	_, err = nwt.Commit()
	require.NoError(t, err)

	rtx, err := res.BeginRead(-1)
	require.NoError(t, err)
	checkStructure(t, rtx, DocumentNodeKey)
}
