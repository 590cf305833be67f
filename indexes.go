package sirix

import (
	"strings"
	"sync"

	"tlog.app/go/errors"

	"sirix.io/sirix/internal/valcodec"
)

// IndexDef describes one secondary index instance the node write
// transaction maintains: its family (path, CAS, name), its slot number
// within that family's IndexRootPage, and an optional path filter. An
// empty Paths list indexes every eligible node; otherwise a node is
// indexed iff its path matches one of the filters (a filter starting "//"
// matches any path with that suffix, anything else must match exactly).
type IndexDef struct {
	Type   IndexType
	Number int
	Paths  []string
}

func (d IndexDef) family() Family {
	switch d.Type {
	case IndexTypePath:
		return FamilyPath
	case IndexTypeCAS:
		return FamilyCAS
	case IndexTypeName:
		return FamilyName
	}
	panic("sirix: index def with invalid type")
}

func (d IndexDef) matches(path string) bool {
	if len(d.Paths) == 0 {
		return true
	}
	for _, p := range d.Paths {
		if rest, ok := strings.CutPrefix(p, "//"); ok {
			if strings.HasSuffix(path, "/"+rest) {
				return true
			}
			continue
		}
		if path == p {
			return true
		}
	}
	return false
}

type indexRegistry struct {
	mu   sync.RWMutex
	defs []IndexDef
}

// RegisterIndex declares a secondary index the resource's write
// transactions maintain from now on. Registration is the embedding
// application's explicit startup call; it applies to subsequent mutations,
// it does not backfill entries for nodes inserted before it.
func (res *Resource) RegisterIndex(def IndexDef) error {
	if !def.Type.valid() {
		return errors.Wrap(ErrInvalidIndexType, "type %d", def.Type)
	}
	if def.Number < 0 || def.Number >= MaxIndexesPerFamily {
		return errors.Wrap(ErrBadArgument, "index number %d out of range", def.Number)
	}

	res.indexes.mu.Lock()
	defer res.indexes.mu.Unlock()

	for _, d := range res.indexes.defs {
		if d.Type == def.Type && d.Number == def.Number {
			return errors.Wrap(ErrBadArgument, "index %d/%d already registered", def.Type, def.Number)
		}
	}
	res.indexes.defs = append(res.indexes.defs, def)
	return nil
}

// Indexes returns the registered definitions for one index type.
func (res *Resource) Indexes(t IndexType) []IndexDef {
	res.indexes.mu.RLock()
	defer res.indexes.mu.RUnlock()

	var out []IndexDef
	for _, d := range res.indexes.defs {
		if d.Type == t {
			out = append(out, d)
		}
	}
	return out
}

func newReferences() References { return NewNodeKeyReferences() }

// indexNamedNode records a freshly bound (name, path) pair for key in
// every matching name and path index.
func (nwt *NodeWriteTrx) indexNamedNode(key NodeKey, local, path string) error {
	if local == "" {
		return nil
	}

	for _, def := range nwt.res.Indexes(IndexTypeName) {
		if !def.matches(path) {
			continue
		}
		tree := NewAVLTree(nwt.wtx, def.family(), def.Number)
		if err := tree.Index(NameIndexKey{Local: local}, key, newReferences); err != nil {
			return errors.Wrap(err, "name index insert")
		}
	}

	for _, def := range nwt.res.Indexes(IndexTypePath) {
		if !def.matches(path) {
			continue
		}
		tree := NewAVLTree(nwt.wtx, def.family(), def.Number)
		if err := tree.Index(PathIndexKey{Path: path}, key, newReferences); err != nil {
			return errors.Wrap(err, "path index insert")
		}
	}

	return nil
}

func (nwt *NodeWriteTrx) deindexNamedNode(key NodeKey, local, path string) error {
	if local == "" {
		return nil
	}

	for _, def := range nwt.res.Indexes(IndexTypeName) {
		if !def.matches(path) {
			continue
		}
		tree := NewAVLTree(nwt.wtx, def.family(), def.Number)
		if _, err := tree.Remove(NameIndexKey{Local: local}, key); err != nil {
			return errors.Wrap(err, "name index remove")
		}
	}

	for _, def := range nwt.res.Indexes(IndexTypePath) {
		if !def.matches(path) {
			continue
		}
		tree := NewAVLTree(nwt.wtx, def.family(), def.Number)
		if _, err := tree.Remove(PathIndexKey{Path: path}, key); err != nil {
			return errors.Wrap(err, "path index remove")
		}
	}

	return nil
}

// indexValueNode records a value binding for key in every matching CAS
// index, keyed by (type, value, path-summary node).
func (nwt *NodeWriteTrx) indexValueNode(key NodeKey, value []byte, pathKey NodeKey, path string) error {
	defs := nwt.res.Indexes(IndexTypeCAS)
	if len(defs) == 0 {
		return nil
	}

	for _, def := range defs {
		if !def.matches(path) {
			continue
		}
		tree := NewAVLTree(nwt.wtx, def.family(), def.Number)
		k := CASIndexKey{Type: CASValueString, Value: string(value), PathNodeKey: pathKey}
		if err := tree.Index(k, key, newReferences); err != nil {
			return errors.Wrap(err, "cas index insert")
		}
	}
	return nil
}

func (nwt *NodeWriteTrx) deindexValueNode(key NodeKey, value []byte, pathKey NodeKey, path string) error {
	defs := nwt.res.Indexes(IndexTypeCAS)
	if len(defs) == 0 {
		return nil
	}

	for _, def := range defs {
		if !def.matches(path) {
			continue
		}
		tree := NewAVLTree(nwt.wtx, def.family(), def.Number)
		k := CASIndexKey{Type: CASValueString, Value: string(value), PathNodeKey: pathKey}
		if _, err := tree.Remove(k, key); err != nil {
			return errors.Wrap(err, "cas index remove")
		}
	}
	return nil
}

// rawValueOf returns a valued node's original (decompressed) bytes, the
// form index keys and callers see.
func rawValueOf(rec Record) ([]byte, bool, error) {
	vn, ok := rec.(valuedNode)
	if !ok {
		return nil, false, nil
	}
	if !vn.IsCompressed() {
		return vn.GetValue(), true, nil
	}
	v, err := valcodec.Decompress(vn.GetValue())
	if err != nil {
		return nil, false, errors.Wrap(err, "decompress node value")
	}
	return v, true, nil
}

// valueIndexContext resolves the path-summary context a valued node's CAS
// entries are scoped by: a text node borrows its parent element's path
// node, an attribute uses its own.
func (nwt *NodeWriteTrx) valueIndexContext(rec Record) (pathKey NodeKey, path string, ok bool, err error) {
	n, isNode := rec.(Node)
	if !isNode {
		return NullNodeKey, "", false, nil
	}

	switch rec.(type) {
	case *AttributeNode:
		pk, _ := pathNodeKeyOf(rec)
		p, err := nwt.pathOf(pk)
		if err != nil {
			return NullNodeKey, "", false, err
		}
		return pk, p, true, nil

	case *TextNode:
		pk, err := nwt.parentPathNodeKey(n.ParentKey())
		if err != nil {
			return NullNodeKey, "", false, err
		}
		if pk == pathAnchorKey {
			pk = NullNodeKey
		}
		p, err := nwt.pathOf(pk)
		if err != nil {
			return NullNodeKey, "", false, err
		}
		return pk, p, true, nil
	}

	return NullNodeKey, "", false, nil
}

// indexNode performs every index insertion a freshly placed node needs:
// path summary binding for named kinds, then name/path/CAS entries. It is
// called after the node is wired into the tree.
func (nwt *NodeWriteTrx) indexNode(key NodeKey) error {
	_, _, rec, err := nwt.get(key)
	if err != nil {
		return err
	}

	if kind, ok := pathKindOf(rec.Kind()); ok {
		nn := rec.(namedNode)
		parentPath, err := nwt.parentPathNodeKey(rec.(Node).ParentKey())
		if err != nil {
			return err
		}
		pathKey, err := nwt.ensurePathNode(parentPath, kind, nn.GetURIKey(), nn.GetPrefixKey(), nn.GetLocalNameKey())
		if err != nil {
			return err
		}
		if err := nwt.setPathNodeKey(key, pathKey); err != nil {
			return err
		}

		local, _, err := nwt.wtx.GetName(nn.GetLocalNameKey())
		if err != nil {
			return err
		}
		path, err := nwt.pathOf(pathKey)
		if err != nil {
			return err
		}
		if err := nwt.indexNamedNode(key, local, path); err != nil {
			return err
		}
	}

	_, _, rec, err = nwt.get(key)
	if err != nil {
		return err
	}
	value, hasValue, err := rawValueOf(rec)
	if err != nil {
		return err
	}
	if hasValue {
		pathKey, path, eligible, err := nwt.valueIndexContext(rec)
		if err != nil {
			return err
		}
		if eligible {
			if err := nwt.indexValueNode(key, value, pathKey, path); err != nil {
				return err
			}
		}
	}

	return nil
}

// deindexNode undoes indexNode for a node about to be removed (or moved):
// index entries first, then the path-summary reference.
func (nwt *NodeWriteTrx) deindexNode(key NodeKey, rec Record) error {
	value, hasValue, err := rawValueOf(rec)
	if err != nil {
		return err
	}
	if hasValue {
		pathKey, path, eligible, err := nwt.valueIndexContext(rec)
		if err != nil {
			return err
		}
		if eligible {
			if err := nwt.deindexValueNode(key, value, pathKey, path); err != nil {
				return err
			}
		}
	}

	if _, ok := pathKindOf(rec.Kind()); ok {
		nn := rec.(namedNode)
		pathKey, _ := pathNodeKeyOf(rec)

		local, _, err := nwt.wtx.GetName(nn.GetLocalNameKey())
		if err != nil {
			return err
		}
		path, err := nwt.pathOf(pathKey)
		if err != nil {
			return err
		}
		if err := nwt.deindexNamedNode(key, local, path); err != nil {
			return err
		}
		if err := nwt.releasePathNode(pathKey); err != nil {
			return err
		}
	}

	return nil
}
