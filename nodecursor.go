package sirix

import (
	"tlog.app/go/errors"

	"sirix.io/sirix/internal/valcodec"
)

// recordReader is the capability a NodeCursor needs from whatever
// transaction it rides on — a PageReadTrx or a PageWriteTrx both satisfy
// it, so the same cursor type serves readers and the writer.
type recordReader interface {
	GetRecord(key NodeKey, family Family, index int) (Record, bool, error)
	GetName(key NameKey) (string, bool, error)
}

// structNode is the capability surface every structural node kind
// (DocumentRootNode, ElementNode, TextNode, CommentNode,
// ProcessingInstructionNode) exposes for tree navigation.
type structNode interface {
	Node
	GetFirstChild() NodeKey
	GetLeftSibling() NodeKey
	GetRightSibling() NodeKey
	GetChildCount() int64
	GetDescendantCount() int64
	HasFirstChild() bool
	HasLeftSibling() bool
	HasRightSibling() bool
}

// namedNode is the capability surface every node kind carrying a qualified
// name exposes (ElementNode, AttributeNode, NamespaceNode,
// ProcessingInstructionNode, PathNode).
type namedNode interface {
	Record
	GetURIKey() NameKey
	GetPrefixKey() NameKey
	GetLocalNameKey() NameKey
}

// valuedNode is the capability surface every node kind carrying a raw or
// compressed byte payload exposes (AttributeNode, TextNode, CommentNode,
// ProcessingInstructionNode).
type valuedNode interface {
	Record
	GetValue() []byte
	IsCompressed() bool
}

// NodeCursor is a stateful, mutable cursor over the document tree, not a
// lazy sequence. move_to_* methods report whether the move succeeded; on
// failure the cursor stays where it was, except that MoveTo a key that is
// missing or deleted leaves the cursor on the NullNode.
type NodeCursor struct {
	trx  recordReader
	key  NodeKey
	node Record
}

// NewNodeCursor positions a cursor at the document root.
func NewNodeCursor(trx recordReader) (*NodeCursor, error) {
	c := &NodeCursor{trx: trx}
	if _, err := c.MoveTo(DocumentNodeKey); err != nil {
		return nil, err
	}
	return c, nil
}

// MoveTo repositions the cursor at key. On failure (key not found) the
// cursor is left positioned at NullNode and moved is false.
func (c *NodeCursor) MoveTo(key NodeKey) (moved bool, err error) {
	rec, ok, err := c.trx.GetRecord(key, FamilyRecord, 0)
	if err != nil {
		return false, err
	}
	if !ok {
		c.key = NullNodeKey
		c.node = theNullNode
		return false, nil
	}
	if _, deleted := rec.(*DeletedNode); deleted {
		c.key = NullNodeKey
		c.node = theNullNode
		return false, nil
	}

	c.key = key
	c.node = rec
	return true, nil
}

func (c *NodeCursor) asStruct() (structNode, bool) {
	sn, ok := c.node.(structNode)
	return sn, ok
}

// MoveToParent moves to the current node's parent.
func (c *NodeCursor) MoveToParent() (bool, error) {
	n, ok := c.node.(Node)
	if !ok || n.ParentKey() == NullNodeKey {
		return false, nil
	}
	return c.MoveTo(n.ParentKey())
}

// MoveToFirstChild moves to the current node's first child.
func (c *NodeCursor) MoveToFirstChild() (bool, error) {
	sn, ok := c.asStruct()
	if !ok || !sn.HasFirstChild() {
		return false, nil
	}
	return c.MoveTo(sn.GetFirstChild())
}

// MoveToLeftSibling moves to the current node's left sibling.
func (c *NodeCursor) MoveToLeftSibling() (bool, error) {
	sn, ok := c.asStruct()
	if !ok || !sn.HasLeftSibling() {
		return false, nil
	}
	return c.MoveTo(sn.GetLeftSibling())
}

// MoveToRightSibling moves to the current node's right sibling.
func (c *NodeCursor) MoveToRightSibling() (bool, error) {
	sn, ok := c.asStruct()
	if !ok || !sn.HasRightSibling() {
		return false, nil
	}
	return c.MoveTo(sn.GetRightSibling())
}

// MoveToDocumentRoot moves to node key 0.
func (c *NodeCursor) MoveToDocumentRoot() (bool, error) { return c.MoveTo(DocumentNodeKey) }

func (c *NodeCursor) GetKey() NodeKey     { return c.key }
func (c *NodeCursor) GetKind() RecordKind { return c.node.Kind() }

// GetParentKey returns the current node's parent key, NullNodeKey when the
// cursor is unpositioned or at the document root.
func (c *NodeCursor) GetParentKey() NodeKey {
	if n, ok := c.node.(Node); ok {
		return n.ParentKey()
	}
	return NullNodeKey
}

// GetChildCount returns the current node's child count, 0 for
// non-structural nodes.
func (c *NodeCursor) GetChildCount() int64 {
	if sn, ok := c.asStruct(); ok {
		return sn.GetChildCount()
	}
	return 0
}

// GetDescendantCount returns the current node's descendant count, 0 for
// non-structural nodes.
func (c *NodeCursor) GetDescendantCount() int64 {
	if sn, ok := c.asStruct(); ok {
		return sn.GetDescendantCount()
	}
	return 0
}

// MoveToAttribute moves to the i-th attribute of the current element.
func (c *NodeCursor) MoveToAttribute(i int) (bool, error) {
	elem, ok := c.node.(*ElementNode)
	if !ok || i < 0 || i >= len(elem.Attributes) {
		return false, nil
	}
	return c.MoveTo(elem.Attributes[i])
}

// MoveToNamespace moves to the i-th namespace of the current element.
func (c *NodeCursor) MoveToNamespace(i int) (bool, error) {
	elem, ok := c.node.(*ElementNode)
	if !ok || i < 0 || i >= len(elem.Namespaces) {
		return false, nil
	}
	return c.MoveTo(elem.Namespaces[i])
}
func (c *NodeCursor) HasFirstChild() bool {
	sn, ok := c.asStruct()
	return ok && sn.HasFirstChild()
}
func (c *NodeCursor) HasLeftSibling() bool {
	sn, ok := c.asStruct()
	return ok && sn.HasLeftSibling()
}
func (c *NodeCursor) HasRightSibling() bool {
	sn, ok := c.asStruct()
	return ok && sn.HasRightSibling()
}

// GetName resolves the current node's qualified name, if it has one.
func (c *NodeCursor) GetName() (uri, prefix, local string, err error) {
	nn, ok := c.node.(namedNode)
	if !ok {
		return "", "", "", nil
	}

	uri, _, err = c.trx.GetName(nn.GetURIKey())
	if err != nil {
		return "", "", "", err
	}
	prefix, _, err = c.trx.GetName(nn.GetPrefixKey())
	if err != nil {
		return "", "", "", err
	}
	local, _, err = c.trx.GetName(nn.GetLocalNameKey())
	if err != nil {
		return "", "", "", err
	}
	return uri, prefix, local, nil
}

// GetValue returns the current node's decompressed byte payload, if it
// has one.
func (c *NodeCursor) GetValue() ([]byte, error) {
	vn, ok := c.node.(valuedNode)
	if !ok {
		return nil, nil
	}
	if !vn.IsCompressed() {
		return vn.GetValue(), nil
	}
	v, err := valcodec.Decompress(vn.GetValue())
	if err != nil {
		return nil, errors.Wrap(err, "decompress node value")
	}
	return v, nil
}
