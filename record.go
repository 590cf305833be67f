package sirix

// RecordKind tags the concrete type of a Record.
type RecordKind uint8

const (
	KindDocumentRoot RecordKind = iota + 1
	KindElement
	KindAttribute
	KindNamespace
	KindText
	KindComment
	KindProcessingInstruction
	KindPathNode
	KindAVLNode
	KindDeleted
	KindNull
)

// Record is anything storable in a RecordPage slot: a document-tree node,
// a path-summary node, or an AVL index node.
type Record interface {
	Kind() RecordKind
}

// Node is a Record that additionally participates in the document tree or
// path-summary navigation surface: it has a key, a parent, and
// a revision it was last modified in.
type Node interface {
	Record
	NodeKey() NodeKey
	ParentKey() NodeKey
}

// NodeDelegate carries the attributes every Node has.
type NodeDelegate struct {
	Key       NodeKey
	Parent    NodeKey
	TypeKey   NameKey
	Revision  Revision
	Hash      uint64
	DeweyID   DeweyID // nil if unused
}

func (d *NodeDelegate) NodeKey() NodeKey    { return d.Key }
func (d *NodeDelegate) ParentKey() NodeKey  { return d.Parent }
func (d *NodeDelegate) GetHash() uint64     { return d.Hash }
func (d *NodeDelegate) SetHash(h uint64)    { d.Hash = h }
func (d *NodeDelegate) SetParent(k NodeKey) { d.Parent = k }

// StructNodeDelegate adds sibling/child-chain attributes to a structural
// node.
type StructNodeDelegate struct {
	FirstChild      NodeKey
	LeftSibling     NodeKey
	RightSibling    NodeKey
	ChildCount      int64
	DescendantCount int64
}

func newStructNodeDelegate() StructNodeDelegate {
	return StructNodeDelegate{
		FirstChild:   NullNodeKey,
		LeftSibling:  NullNodeKey,
		RightSibling: NullNodeKey,
	}
}

func (d *StructNodeDelegate) HasFirstChild() bool   { return d.FirstChild != NullNodeKey }
func (d *StructNodeDelegate) HasLeftSibling() bool  { return d.LeftSibling != NullNodeKey }
func (d *StructNodeDelegate) HasRightSibling() bool { return d.RightSibling != NullNodeKey }

func (d *StructNodeDelegate) GetFirstChild() NodeKey    { return d.FirstChild }
func (d *StructNodeDelegate) GetLeftSibling() NodeKey   { return d.LeftSibling }
func (d *StructNodeDelegate) GetRightSibling() NodeKey  { return d.RightSibling }
func (d *StructNodeDelegate) GetChildCount() int64      { return d.ChildCount }
func (d *StructNodeDelegate) GetDescendantCount() int64 { return d.DescendantCount }

func (d *StructNodeDelegate) SetFirstChild(k NodeKey)   { d.FirstChild = k }
func (d *StructNodeDelegate) SetLeftSibling(k NodeKey)  { d.LeftSibling = k }
func (d *StructNodeDelegate) SetRightSibling(k NodeKey) { d.RightSibling = k }
func (d *StructNodeDelegate) AddChildCount(delta int64)      { d.ChildCount += delta }
func (d *StructNodeDelegate) AddDescendantCount(delta int64) { d.DescendantCount += delta }

// NameNodeDelegate adds a qualified name to a node.
// URI/prefix/local-name are resolved independently through the name page;
// an element's namespace prefix need not share a slot with its local name.
type NameNodeDelegate struct {
	URIKey       NameKey
	PrefixKey    NameKey
	LocalNameKey NameKey
	PathNodeKey  NodeKey // the path-summary node whose path matches this node's
}

func (d *NameNodeDelegate) GetURIKey() NameKey       { return d.URIKey }
func (d *NameNodeDelegate) GetPrefixKey() NameKey    { return d.PrefixKey }
func (d *NameNodeDelegate) GetLocalNameKey() NameKey { return d.LocalNameKey }

// ValNodeDelegate adds a raw or compressed byte payload to a node.
// The node write transaction compresses a value via internal/valcodec
// when len(original) > CompressionThreshold and the compressed form is
// smaller; there is no per-caller opt-in or opt-out.
type ValNodeDelegate struct {
	Value      []byte
	Compressed bool
}

const CompressionThreshold = 10

func (d *ValNodeDelegate) GetValue() []byte    { return d.Value }
func (d *ValNodeDelegate) IsCompressed() bool  { return d.Compressed }

// DocumentRootNode is the single root of the document tree (node key 0).
type DocumentRootNode struct {
	NodeDelegate
	StructNodeDelegate
}

func (n *DocumentRootNode) Kind() RecordKind { return KindDocumentRoot }

// ElementNode is a named structural node with attribute and namespace
// lists plus, for each list, a node-key -> list-position index for O(1)
// membership and removal. The lists are not indexed by name key.
type ElementNode struct {
	NodeDelegate
	StructNodeDelegate
	NameNodeDelegate

	Attributes []NodeKey
	Namespaces []NodeKey

	attrIndex map[NodeKey]int // nodeKey -> position in Attributes
	nsIndex   map[NodeKey]int // nodeKey -> position in Namespaces
}

func NewElementNode() *ElementNode {
	return &ElementNode{
		attrIndex: make(map[NodeKey]int),
		nsIndex:   make(map[NodeKey]int),
	}
}

func (n *ElementNode) Kind() RecordKind { return KindElement }

func (n *ElementNode) ensureIndexes() {
	if n.attrIndex == nil {
		n.attrIndex = make(map[NodeKey]int, len(n.Attributes))
		for i, k := range n.Attributes {
			n.attrIndex[k] = i
		}
	}
	if n.nsIndex == nil {
		n.nsIndex = make(map[NodeKey]int, len(n.Namespaces))
		for i, k := range n.Namespaces {
			n.nsIndex[k] = i
		}
	}
}

func (n *ElementNode) InsertAttribute(k NodeKey) {
	n.ensureIndexes()
	n.attrIndex[k] = len(n.Attributes)
	n.Attributes = append(n.Attributes, k)
}

func (n *ElementNode) RemoveAttribute(k NodeKey) bool {
	n.ensureIndexes()
	return removeFromBiMap(&n.Attributes, n.attrIndex, k)
}

func (n *ElementNode) InsertNamespace(k NodeKey) {
	n.ensureIndexes()
	n.nsIndex[k] = len(n.Namespaces)
	n.Namespaces = append(n.Namespaces, k)
}

func (n *ElementNode) RemoveNamespace(k NodeKey) bool {
	n.ensureIndexes()
	return removeFromBiMap(&n.Namespaces, n.nsIndex, k)
}

// removeFromBiMap removes k from list (swap-with-last) and keeps idx
// consistent with it.
func removeFromBiMap(list *[]NodeKey, idx map[NodeKey]int, k NodeKey) bool {
	i, ok := idx[k]
	if !ok {
		return false
	}
	l := *list
	last := len(l) - 1
	l[i] = l[last]
	idx[l[i]] = i
	l = l[:last]
	*list = l
	delete(idx, k)
	return true
}

// AttributeNode is a named value node, always a child of an ElementNode.
type AttributeNode struct {
	NodeDelegate
	NameNodeDelegate
	ValNodeDelegate
}

func (n *AttributeNode) Kind() RecordKind { return KindAttribute }

// NamespaceNode binds a prefix to a URI, always a child of an ElementNode.
type NamespaceNode struct {
	NodeDelegate
	NameNodeDelegate
}

func (n *NamespaceNode) Kind() RecordKind { return KindNamespace }

// TextNode is an unnamed structural leaf carrying a value.
type TextNode struct {
	NodeDelegate
	StructNodeDelegate
	ValNodeDelegate
}

func (n *TextNode) Kind() RecordKind { return KindText }

// CommentNode is structurally identical to TextNode but semantically an
// XML comment.
type CommentNode struct {
	NodeDelegate
	StructNodeDelegate
	ValNodeDelegate
}

func (n *CommentNode) Kind() RecordKind { return KindComment }

// ProcessingInstructionNode has both a name (the PI target) and a value.
type ProcessingInstructionNode struct {
	NodeDelegate
	StructNodeDelegate
	NameNodeDelegate
	ValNodeDelegate
}

func (n *ProcessingInstructionNode) Kind() RecordKind { return KindProcessingInstruction }

// PathKind mirrors the document node kind a PathNode summarizes.
type PathKind uint8

const (
	PathKindElement PathKind = iota + 1
	PathKindAttribute
	PathKindNamespace
)

// PathNode is a unique root-to-node name path in the path-summary tree
// (glossary: "Path summary"). ReferenceCount is the number of live named
// nodes whose path equals this one.
type PathNode struct {
	NodeDelegate
	StructNodeDelegate
	NameNodeDelegate

	PathKind       PathKind
	Level          int
	ReferenceCount int64
}

func (n *PathNode) Kind() RecordKind { return KindPathNode }

// DeletedNode is the tombstone left behind by remove_entry: it
// hides every earlier version of the same key in the sliding-window merge.
type DeletedNode struct {
	NodeDelegate
}

func (n *DeletedNode) Kind() RecordKind { return KindDeleted }

// NullNode is the placeholder "no record" sum-type arm. It is never written to disk; it is what a
// cursor holds when positioned nowhere.
type NullNode struct{}

func (n *NullNode) Kind() RecordKind { return KindNull }

var theNullNode = &NullNode{}

func (d NodeDelegate) clone() NodeDelegate {
	c := d
	if d.DeweyID != nil {
		c.DeweyID = append(DeweyID(nil), d.DeweyID...)
	}
	return c
}

func (d ValNodeDelegate) clone() ValNodeDelegate {
	c := d
	if d.Value != nil {
		c.Value = append([]byte(nil), d.Value...)
	}
	return c
}

// cloneRecord deep-copies a record so a COW page copy never aliases the
// mutable parts of a committed page's record. Pages share nothing below a
// Clone boundary: mutating the copy must leave the original byte-stable.
func cloneRecord(rec Record) Record {
	switch n := rec.(type) {
	case *DocumentRootNode:
		c := *n
		c.NodeDelegate = n.NodeDelegate.clone()
		return &c

	case *ElementNode:
		c := &ElementNode{
			NodeDelegate:       n.NodeDelegate.clone(),
			StructNodeDelegate: n.StructNodeDelegate,
			NameNodeDelegate:   n.NameNodeDelegate,
			attrIndex:          make(map[NodeKey]int, len(n.Attributes)),
			nsIndex:            make(map[NodeKey]int, len(n.Namespaces)),
		}
		for _, k := range n.Attributes {
			c.InsertAttribute(k)
		}
		for _, k := range n.Namespaces {
			c.InsertNamespace(k)
		}
		return c

	case *AttributeNode:
		c := *n
		c.NodeDelegate = n.NodeDelegate.clone()
		c.ValNodeDelegate = n.ValNodeDelegate.clone()
		return &c

	case *NamespaceNode:
		c := *n
		c.NodeDelegate = n.NodeDelegate.clone()
		return &c

	case *TextNode:
		c := *n
		c.NodeDelegate = n.NodeDelegate.clone()
		c.ValNodeDelegate = n.ValNodeDelegate.clone()
		return &c

	case *CommentNode:
		c := *n
		c.NodeDelegate = n.NodeDelegate.clone()
		c.ValNodeDelegate = n.ValNodeDelegate.clone()
		return &c

	case *ProcessingInstructionNode:
		c := *n
		c.NodeDelegate = n.NodeDelegate.clone()
		c.ValNodeDelegate = n.ValNodeDelegate.clone()
		return &c

	case *PathNode:
		c := *n
		c.NodeDelegate = n.NodeDelegate.clone()
		return &c

	case *AVLNode:
		c := *n
		c.NodeDelegate = n.NodeDelegate.clone()
		if n.Value != nil {
			c.Value = n.Value.Clone()
		}
		return &c

	case *DeletedNode:
		c := *n
		c.NodeDelegate = n.NodeDelegate.clone()
		return &c

	case *NullNode:
		return theNullNode

	default:
		return rec
	}
}
