package sirix

import "tlog.app/go/errors"

// Record binary format. NodeDelegate fields are self-relative:
// every NodeKey-typed field after the first is stored as a varint delta
// against d.Key, so a node whose neighbors are nearby in key space costs a
// handful of bytes rather than a fixed 8. Hash is fixed width because it
// never compresses well. DeweyID is length-prefixed and may be absent.

func encodeNodeDelegate(buf []byte, d *NodeDelegate) []byte {
	buf = appendVarint(buf, int64(d.Key))
	buf = appendVarint(buf, int64(d.Parent)-int64(d.Key))
	buf = appendUvarint(buf, uint64(d.TypeKey))
	buf = appendUvarint(buf, uint64(d.Revision))
	buf = appendUint64(buf, d.Hash)
	buf = appendUvarint(buf, uint64(len(d.DeweyID)))
	buf = append(buf, d.DeweyID...)
	return buf
}

func decodeNodeDelegate(b []byte) (NodeDelegate, int, error) {
	var d NodeDelegate
	i := 0

	key, n := getVarint(b[i:])
	if n <= 0 {
		return d, 0, errors.Wrap(ErrInvariant, "bad node key varint")
	}
	i += n
	d.Key = NodeKey(key)

	parentDelta, n := getVarint(b[i:])
	if n <= 0 {
		return d, 0, errors.Wrap(ErrInvariant, "bad parent delta varint")
	}
	i += n
	d.Parent = NodeKey(key + parentDelta)

	typeKey, n := getUvarint(b[i:])
	if n <= 0 {
		return d, 0, errors.Wrap(ErrInvariant, "bad type key varint")
	}
	i += n
	d.TypeKey = NameKey(typeKey)

	rev, n := getUvarint(b[i:])
	if n <= 0 {
		return d, 0, errors.Wrap(ErrInvariant, "bad revision varint")
	}
	i += n
	d.Revision = Revision(rev)

	hash, n := getUint64(b[i:])
	if n <= 0 {
		return d, 0, errors.Wrap(ErrInvariant, "short hash field")
	}
	i += n
	d.Hash = hash

	dlen, n := getUvarint(b[i:])
	if n <= 0 {
		return d, 0, errors.Wrap(ErrInvariant, "bad dewey length varint")
	}
	i += n
	if dlen > 0 {
		if i+int(dlen) > len(b) {
			return d, 0, errors.Wrap(ErrInvariant, "truncated dewey id")
		}
		d.DeweyID = append(DeweyID(nil), b[i:i+int(dlen)]...)
		i += int(dlen)
	}

	return d, i, nil
}

func encodeStructNodeDelegate(buf []byte, key NodeKey, d *StructNodeDelegate) []byte {
	buf = appendVarint(buf, int64(d.FirstChild)-int64(key))
	buf = appendVarint(buf, int64(d.LeftSibling)-int64(key))
	buf = appendVarint(buf, int64(d.RightSibling)-int64(key))
	buf = appendUvarint(buf, uint64(d.ChildCount))
	buf = appendUvarint(buf, uint64(d.DescendantCount))
	return buf
}

func decodeStructNodeDelegate(b []byte, key NodeKey) (StructNodeDelegate, int, error) {
	var d StructNodeDelegate
	i := 0

	fc, n := getVarint(b[i:])
	if n <= 0 {
		return d, 0, errors.Wrap(ErrInvariant, "bad first-child delta varint")
	}
	i += n
	d.FirstChild = NodeKey(int64(key) + fc)

	ls, n := getVarint(b[i:])
	if n <= 0 {
		return d, 0, errors.Wrap(ErrInvariant, "bad left-sibling delta varint")
	}
	i += n
	d.LeftSibling = NodeKey(int64(key) + ls)

	rs, n := getVarint(b[i:])
	if n <= 0 {
		return d, 0, errors.Wrap(ErrInvariant, "bad right-sibling delta varint")
	}
	i += n
	d.RightSibling = NodeKey(int64(key) + rs)

	cc, n := getUvarint(b[i:])
	if n <= 0 {
		return d, 0, errors.Wrap(ErrInvariant, "bad child-count varint")
	}
	i += n
	d.ChildCount = int64(cc)

	dc, n := getUvarint(b[i:])
	if n <= 0 {
		return d, 0, errors.Wrap(ErrInvariant, "bad descendant-count varint")
	}
	i += n
	d.DescendantCount = int64(dc)

	return d, i, nil
}

func encodeNameNodeDelegate(buf []byte, d *NameNodeDelegate) []byte {
	buf = appendUint32(buf, uint32(d.URIKey))
	buf = appendUint32(buf, uint32(d.PrefixKey))
	buf = appendUint32(buf, uint32(d.LocalNameKey))
	buf = appendVarint(buf, int64(d.PathNodeKey))
	return buf
}

func decodeNameNodeDelegate(b []byte) (NameNodeDelegate, int, error) {
	var d NameNodeDelegate
	i := 0

	uri, n := getUint32(b[i:])
	if n <= 0 {
		return d, 0, errors.Wrap(ErrInvariant, "short uri key field")
	}
	i += n
	d.URIKey = NameKey(uri)

	prefix, n := getUint32(b[i:])
	if n <= 0 {
		return d, 0, errors.Wrap(ErrInvariant, "short prefix key field")
	}
	i += n
	d.PrefixKey = NameKey(prefix)

	local, n := getUint32(b[i:])
	if n <= 0 {
		return d, 0, errors.Wrap(ErrInvariant, "short local name key field")
	}
	i += n
	d.LocalNameKey = NameKey(local)

	path, n := getVarint(b[i:])
	if n <= 0 {
		return d, 0, errors.Wrap(ErrInvariant, "bad path node key varint")
	}
	i += n
	d.PathNodeKey = NodeKey(path)

	return d, i, nil
}

func encodeValNodeDelegate(buf []byte, d *ValNodeDelegate) []byte {
	if d.Compressed {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = appendUvarint(buf, uint64(len(d.Value)))
	buf = append(buf, d.Value...)
	return buf
}

func decodeValNodeDelegate(b []byte) (ValNodeDelegate, int, error) {
	var d ValNodeDelegate
	if len(b) < 1 {
		return d, 0, errors.Wrap(ErrInvariant, "short value node flag")
	}
	d.Compressed = b[0] != 0
	i := 1

	vlen, n := getUvarint(b[i:])
	if n <= 0 {
		return d, 0, errors.Wrap(ErrInvariant, "bad value length varint")
	}
	i += n
	if i+int(vlen) > len(b) {
		return d, 0, errors.Wrap(ErrInvariant, "truncated value bytes")
	}
	d.Value = append([]byte(nil), b[i:i+int(vlen)]...)
	i += int(vlen)

	return d, i, nil
}

func appendUint64(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func getUint64(b []byte) (uint64, int) {
	if len(b) < 8 {
		return 0, 0
	}
	return uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 | uint64(b[3])<<32 |
		uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7]), 8
}

func appendUint32(buf []byte, v uint32) []byte {
	return append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func getUint32(b []byte) (uint32, int) {
	if len(b) < 4 {
		return 0, 0
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), 4
}

// EncodeRecord dispatches on rec's concrete type to produce the body bytes
// stored after a RecordPage slot's kind tag.
func EncodeRecord(rec Record) ([]byte, error) {
	switch n := rec.(type) {
	case *DocumentRootNode:
		buf := encodeNodeDelegate(nil, &n.NodeDelegate)
		buf = encodeStructNodeDelegate(buf, n.Key, &n.StructNodeDelegate)
		return buf, nil

	case *ElementNode:
		buf := encodeNodeDelegate(nil, &n.NodeDelegate)
		buf = encodeStructNodeDelegate(buf, n.Key, &n.StructNodeDelegate)
		buf = encodeNameNodeDelegate(buf, &n.NameNodeDelegate)
		buf = appendUvarint(buf, uint64(len(n.Attributes)))
		for _, k := range n.Attributes {
			buf = appendVarint(buf, int64(k)-int64(n.Key))
		}
		buf = appendUvarint(buf, uint64(len(n.Namespaces)))
		for _, k := range n.Namespaces {
			buf = appendVarint(buf, int64(k)-int64(n.Key))
		}
		return buf, nil

	case *AttributeNode:
		buf := encodeNodeDelegate(nil, &n.NodeDelegate)
		buf = encodeNameNodeDelegate(buf, &n.NameNodeDelegate)
		buf = encodeValNodeDelegate(buf, &n.ValNodeDelegate)
		return buf, nil

	case *NamespaceNode:
		buf := encodeNodeDelegate(nil, &n.NodeDelegate)
		buf = encodeNameNodeDelegate(buf, &n.NameNodeDelegate)
		return buf, nil

	case *TextNode:
		buf := encodeNodeDelegate(nil, &n.NodeDelegate)
		buf = encodeStructNodeDelegate(buf, n.Key, &n.StructNodeDelegate)
		buf = encodeValNodeDelegate(buf, &n.ValNodeDelegate)
		return buf, nil

	case *CommentNode:
		buf := encodeNodeDelegate(nil, &n.NodeDelegate)
		buf = encodeStructNodeDelegate(buf, n.Key, &n.StructNodeDelegate)
		buf = encodeValNodeDelegate(buf, &n.ValNodeDelegate)
		return buf, nil

	case *ProcessingInstructionNode:
		buf := encodeNodeDelegate(nil, &n.NodeDelegate)
		buf = encodeStructNodeDelegate(buf, n.Key, &n.StructNodeDelegate)
		buf = encodeNameNodeDelegate(buf, &n.NameNodeDelegate)
		buf = encodeValNodeDelegate(buf, &n.ValNodeDelegate)
		return buf, nil

	case *PathNode:
		buf := encodeNodeDelegate(nil, &n.NodeDelegate)
		buf = encodeStructNodeDelegate(buf, n.Key, &n.StructNodeDelegate)
		buf = encodeNameNodeDelegate(buf, &n.NameNodeDelegate)
		buf = append(buf, byte(n.PathKind))
		buf = appendUvarint(buf, uint64(n.Level))
		buf = appendUvarint(buf, uint64(n.ReferenceCount))
		return buf, nil

	case *AVLNode:
		buf := encodeNodeDelegate(nil, &n.NodeDelegate)
		buf = appendVarint(buf, int64(n.ParentNode)-int64(n.Key))
		buf = appendVarint(buf, int64(n.LeftNode)-int64(n.Key))
		buf = appendVarint(buf, int64(n.RightNode)-int64(n.Key))
		buf = append(buf, n.IndexKey.AVLKeyTag())
		kbody, err := n.IndexKey.MarshalBinary()
		if err != nil {
			return nil, err
		}
		buf = appendUvarint(buf, uint64(len(kbody)))
		buf = append(buf, kbody...)
		buf = append(buf, n.Value.AVLValueTag())
		vbody, err := n.Value.MarshalBinary()
		if err != nil {
			return nil, err
		}
		buf = appendUvarint(buf, uint64(len(vbody)))
		buf = append(buf, vbody...)
		if n.Changed {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		buf = appendUvarint(buf, uint64(n.Height))
		return buf, nil

	case *DeletedNode:
		return encodeNodeDelegate(nil, &n.NodeDelegate), nil

	case *NullNode:
		return nil, nil

	default:
		return nil, errors.Wrap(ErrInvariant, "unencodable record type %T", rec)
	}
}

// DecodeRecord reconstructs a Record from its body bytes, dispatching on
// the RecordKind tag read by the caller from the slot header.
func DecodeRecord(kind RecordKind, body []byte) (Record, error) {
	switch kind {
	case KindNull:
		return theNullNode, nil

	case KindDocumentRoot:
		nd, i, err := decodeNodeDelegate(body)
		if err != nil {
			return nil, err
		}
		sd, _, err := decodeStructNodeDelegate(body[i:], nd.Key)
		if err != nil {
			return nil, err
		}
		return &DocumentRootNode{NodeDelegate: nd, StructNodeDelegate: sd}, nil

	case KindElement:
		nd, i, err := decodeNodeDelegate(body)
		if err != nil {
			return nil, err
		}
		sd, n, err := decodeStructNodeDelegate(body[i:], nd.Key)
		if err != nil {
			return nil, err
		}
		i += n
		nnd, n, err := decodeNameNodeDelegate(body[i:])
		if err != nil {
			return nil, err
		}
		i += n

		elem := NewElementNode()
		elem.NodeDelegate = nd
		elem.StructNodeDelegate = sd
		elem.NameNodeDelegate = nnd

		attrCount, n := getUvarint(body[i:])
		if n <= 0 {
			return nil, errors.Wrap(ErrInvariant, "bad attribute count varint")
		}
		i += n
		for j := uint64(0); j < attrCount; j++ {
			delta, n := getVarint(body[i:])
			if n <= 0 {
				return nil, errors.Wrap(ErrInvariant, "bad attribute key delta varint")
			}
			i += n
			elem.InsertAttribute(NodeKey(int64(nd.Key) + delta))
		}

		nsCount, n := getUvarint(body[i:])
		if n <= 0 {
			return nil, errors.Wrap(ErrInvariant, "bad namespace count varint")
		}
		i += n
		for j := uint64(0); j < nsCount; j++ {
			delta, n := getVarint(body[i:])
			if n <= 0 {
				return nil, errors.Wrap(ErrInvariant, "bad namespace key delta varint")
			}
			i += n
			elem.InsertNamespace(NodeKey(int64(nd.Key) + delta))
		}

		return elem, nil

	case KindAttribute:
		nd, i, err := decodeNodeDelegate(body)
		if err != nil {
			return nil, err
		}
		nnd, n, err := decodeNameNodeDelegate(body[i:])
		if err != nil {
			return nil, err
		}
		i += n
		vd, _, err := decodeValNodeDelegate(body[i:])
		if err != nil {
			return nil, err
		}
		return &AttributeNode{NodeDelegate: nd, NameNodeDelegate: nnd, ValNodeDelegate: vd}, nil

	case KindNamespace:
		nd, i, err := decodeNodeDelegate(body)
		if err != nil {
			return nil, err
		}
		nnd, _, err := decodeNameNodeDelegate(body[i:])
		if err != nil {
			return nil, err
		}
		return &NamespaceNode{NodeDelegate: nd, NameNodeDelegate: nnd}, nil

	case KindText:
		nd, i, err := decodeNodeDelegate(body)
		if err != nil {
			return nil, err
		}
		sd, n, err := decodeStructNodeDelegate(body[i:], nd.Key)
		if err != nil {
			return nil, err
		}
		i += n
		vd, _, err := decodeValNodeDelegate(body[i:])
		if err != nil {
			return nil, err
		}
		return &TextNode{NodeDelegate: nd, StructNodeDelegate: sd, ValNodeDelegate: vd}, nil

	case KindComment:
		nd, i, err := decodeNodeDelegate(body)
		if err != nil {
			return nil, err
		}
		sd, n, err := decodeStructNodeDelegate(body[i:], nd.Key)
		if err != nil {
			return nil, err
		}
		i += n
		vd, _, err := decodeValNodeDelegate(body[i:])
		if err != nil {
			return nil, err
		}
		return &CommentNode{NodeDelegate: nd, StructNodeDelegate: sd, ValNodeDelegate: vd}, nil

	case KindProcessingInstruction:
		nd, i, err := decodeNodeDelegate(body)
		if err != nil {
			return nil, err
		}
		sd, n, err := decodeStructNodeDelegate(body[i:], nd.Key)
		if err != nil {
			return nil, err
		}
		i += n
		nnd, n, err := decodeNameNodeDelegate(body[i:])
		if err != nil {
			return nil, err
		}
		i += n
		vd, _, err := decodeValNodeDelegate(body[i:])
		if err != nil {
			return nil, err
		}
		return &ProcessingInstructionNode{
			NodeDelegate: nd, StructNodeDelegate: sd,
			NameNodeDelegate: nnd, ValNodeDelegate: vd,
		}, nil

	case KindPathNode:
		nd, i, err := decodeNodeDelegate(body)
		if err != nil {
			return nil, err
		}
		sd, n, err := decodeStructNodeDelegate(body[i:], nd.Key)
		if err != nil {
			return nil, err
		}
		i += n
		nnd, n, err := decodeNameNodeDelegate(body[i:])
		if err != nil {
			return nil, err
		}
		i += n
		if i >= len(body) {
			return nil, errors.Wrap(ErrInvariant, "short path node kind byte")
		}
		pk := PathKind(body[i])
		i++
		level, n := getUvarint(body[i:])
		if n <= 0 {
			return nil, errors.Wrap(ErrInvariant, "bad path node level varint")
		}
		i += n
		refs, n := getUvarint(body[i:])
		if n <= 0 {
			return nil, errors.Wrap(ErrInvariant, "bad path node reference count varint")
		}
		return &PathNode{
			NodeDelegate: nd, StructNodeDelegate: sd, NameNodeDelegate: nnd,
			PathKind: pk, Level: int(level), ReferenceCount: int64(refs),
		}, nil

	case KindAVLNode:
		nd, i, err := decodeNodeDelegate(body)
		if err != nil {
			return nil, err
		}

		parentDelta, n := getVarint(body[i:])
		if n <= 0 {
			return nil, errors.Wrap(ErrInvariant, "bad avl parent delta varint")
		}
		i += n
		leftDelta, n := getVarint(body[i:])
		if n <= 0 {
			return nil, errors.Wrap(ErrInvariant, "bad avl left delta varint")
		}
		i += n
		rightDelta, n := getVarint(body[i:])
		if n <= 0 {
			return nil, errors.Wrap(ErrInvariant, "bad avl right delta varint")
		}
		i += n

		if i >= len(body) {
			return nil, errors.Wrap(ErrInvariant, "short avl key tag")
		}
		keyTag := body[i]
		i++
		klen, n := getUvarint(body[i:])
		if n <= 0 {
			return nil, errors.Wrap(ErrInvariant, "bad avl key length varint")
		}
		i += n
		if i+int(klen) > len(body) {
			return nil, errors.Wrap(ErrInvariant, "truncated avl key body")
		}
		key, err := decodeAVLKey(keyTag, body[i:i+int(klen)])
		if err != nil {
			return nil, err
		}
		i += int(klen)

		if i >= len(body) {
			return nil, errors.Wrap(ErrInvariant, "short avl value tag")
		}
		valTag := body[i]
		i++
		vlen, n := getUvarint(body[i:])
		if n <= 0 {
			return nil, errors.Wrap(ErrInvariant, "bad avl value length varint")
		}
		i += n
		if i+int(vlen) > len(body) {
			return nil, errors.Wrap(ErrInvariant, "truncated avl value body")
		}
		val, err := decodeAVLValue(valTag, body[i:i+int(vlen)])
		if err != nil {
			return nil, err
		}
		i += int(vlen)

		var changed bool
		if i < len(body) {
			changed = body[i] != 0
			i++
		}
		var height uint64
		if i < len(body) {
			height, _ = getUvarint(body[i:])
		}

		return &AVLNode{
			NodeDelegate: nd,
			IndexKey:     key,
			Value:        val,
			ParentNode:   NodeKey(int64(nd.Key) + parentDelta),
			LeftNode:     NodeKey(int64(nd.Key) + leftDelta),
			RightNode:    NodeKey(int64(nd.Key) + rightDelta),
			Height:       int(height),
			Changed:      changed,
		}, nil

	case KindDeleted:
		nd, _, err := decodeNodeDelegate(body)
		if err != nil {
			return nil, err
		}
		return &DeletedNode{NodeDelegate: nd}, nil

	default:
		return nil, errors.Wrap(ErrInvariant, "undecodable record kind %d", kind)
	}
}
