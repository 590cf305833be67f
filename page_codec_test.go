package sirix

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func roundTripPage(t *testing.T, p any) any {
	t.Helper()
	body, err := EncodePage(p)
	require.NoError(t, err)
	out, err := DecodePage(PageKind(body[0]), body)
	require.NoError(t, err)
	body2, err := EncodePage(out)
	require.NoError(t, err)
	require.Equal(t, body, body2)
	return out
}

func TestPageRoundTripUber(t *testing.T) {
	in := &UberPage{LatestRevision: 12, RevisionRootOff: 4096, PriorUberOff: 1024}
	out := roundTripPage(t, in).(*UberPage)
	require.Equal(t, in, out)
}

func TestPageRoundTripRevisionRoot(t *testing.T) {
	in := &RevisionRootPage{
		Revision:        7,
		Timestamp:       1700000000123,
		MaxNodeKey:      999,
		RecordRoot:      8192,
		NameRoot:        NilPageOffset,
		PathRoot:        12288,
		CASRoot:         NilPageOffset,
		PathSummaryRoot: 16384,
	}
	out := roundTripPage(t, in).(*RevisionRootPage)
	require.Equal(t, in, out)
}

func TestPageRoundTripIndirect(t *testing.T) {
	in := NewIndirectPage(8)
	in.Children[0] = 256
	in.Children[3] = 8192
	in.Children[7] = 1 << 40
	out := roundTripPage(t, in).(*IndirectPage)
	require.Equal(t, in, out)
}

func TestPageRoundTripIndexRoot(t *testing.T) {
	in := NewIndexRootPage()
	in.Roots[0] = 512
	in.Roots[5] = 77777
	out := roundTripPage(t, in).(*IndexRootPage)
	require.Equal(t, in, out)
}

func TestPageRoundTripRecordPage(t *testing.T) {
	in := NewRecordPage(KindNodePage, 3, 16)
	in.FullDump = true
	in.Set(0, &DocumentRootNode{
		NodeDelegate:       NodeDelegate{Key: DocumentNodeKey, Parent: NullNodeKey},
		StructNodeDelegate: newStructNodeDelegate(),
	})
	in.Set(5, &TextNode{
		NodeDelegate:       NodeDelegate{Key: 5, Parent: 0},
		StructNodeDelegate: newStructNodeDelegate(),
		ValNodeDelegate:    ValNodeDelegate{Value: []byte("txt")},
	})
	in.Set(9, &DeletedNode{NodeDelegate: NodeDelegate{Key: 9}})

	out := roundTripPage(t, in).(*RecordPage)
	require.Equal(t, in.Kind, out.Kind)
	require.Equal(t, in.Revision, out.Revision)
	require.Equal(t, in.BucketSize, out.BucketSize)
	require.True(t, out.FullDump)

	rec, present := out.Get(0)
	require.True(t, present)
	require.Equal(t, KindDocumentRoot, rec.Kind())
	rec, present = out.Get(5)
	require.True(t, present)
	require.Equal(t, []byte("txt"), rec.(*TextNode).Value)
	rec, present = out.Get(9)
	require.True(t, present)
	require.Equal(t, KindDeleted, rec.Kind())
	_, present = out.Get(3)
	require.False(t, present)
}

func TestRecordPageCloneIsDeep(t *testing.T) {
	p := NewRecordPage(KindNodePage, 1, 8)
	text := &TextNode{
		NodeDelegate:       NodeDelegate{Key: 2, Parent: 0},
		StructNodeDelegate: newStructNodeDelegate(),
		ValNodeDelegate:    ValNodeDelegate{Value: []byte("orig")},
	}
	p.Set(2, text)

	c := p.Clone()
	rec, present := c.Get(2)
	require.True(t, present)
	clone := rec.(*TextNode)
	require.NotSame(t, text, clone)

	clone.Value[0] = 'X'
	clone.RightSibling = 42
	require.Equal(t, []byte("orig"), text.Value)
	require.Equal(t, NullNodeKey, text.RightSibling)
}
