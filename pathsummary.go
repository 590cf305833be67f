package sirix

import "tlog.app/go/errors"

// Path summary maintenance. The path summary is a tree of PathNode
// records in FamilyPathSummary whose nodes are the distinct root-to-node
// name paths occurring in the document; every named node points at the
// PathNode matching its own path, and each PathNode counts how many live
// document nodes reference it. The anchor at DocumentNodeKey plays the
// same role the document root plays for the document tree: level 0, path
// "", first child = the first top-level path.

// pathAnchorKey is the fixed key of the path summary's root anchor.
const pathAnchorKey = DocumentNodeKey

func (nwt *NodeWriteTrx) psGet(key NodeKey) (*RecordPage, int, Record, error) {
	page, slot, err := nwt.wtx.PrepareEntryForModification(key, FamilyPathSummary, 0)
	if err != nil {
		return nil, 0, nil, err
	}
	rec, ok := page.Get(slot)
	if !ok {
		return nil, 0, nil, errors.Wrap(ErrNodeNotFound, "path summary node %d", key)
	}
	return page, slot, rec, nil
}

// ensurePathAnchor materializes the path summary's root anchor on first
// use.
func (nwt *NodeWriteTrx) ensurePathAnchor() (*RecordPage, int, *DocumentRootNode, error) {
	page, slot, err := nwt.wtx.PrepareEntryForModification(pathAnchorKey, FamilyPathSummary, 0)
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
		NodeDelegate:       NodeDelegate{Key: pathAnchorKey, Parent: NullNodeKey},
		StructNodeDelegate: newStructNodeDelegate(),
	}
	page.Set(slot, anchor)
	return page, slot, anchor, nil
}

// pathKindOf maps a document node kind to the PathKind its path-summary
// entry carries, or false for kinds that have no path (text, comments).
func pathKindOf(kind RecordKind) (PathKind, bool) {
	switch kind {
	case KindElement, KindProcessingInstruction:
		return PathKindElement, true
	case KindAttribute:
		return PathKindAttribute, true
	case KindNamespace:
		return PathKindNamespace, true
	}
	return 0, false
}

// parentPathNodeKey resolves the path-summary node the parent of a fresh
// named node contributes: the parent element's own PathNodeKey, or the
// anchor when the parent is the document root.
func (nwt *NodeWriteTrx) parentPathNodeKey(parentKey NodeKey) (NodeKey, error) {
	if parentKey == NullNodeKey || parentKey == DocumentNodeKey {
		return pathAnchorKey, nil
	}
	rec, ok, err := nwt.wtx.GetRecord(parentKey, FamilyRecord, 0)
	if err != nil {
		return NullNodeKey, err
	}
	if !ok {
		return NullNodeKey, errors.Wrap(ErrNodeNotFound, "parent node %d", parentKey)
	}
	if elem, ok := rec.(*ElementNode); ok {
		return elem.PathNodeKey, nil
	}
	return pathAnchorKey, nil
}

// ensurePathNode finds or creates the PathNode for (parentPathKey, kind,
// name) and bumps its reference count. parentPathKey is pathAnchorKey for
// a top-level path.
func (nwt *NodeWriteTrx) ensurePathNode(parentPathKey NodeKey, kind PathKind, uriKey, prefixKey, localKey NameKey) (NodeKey, error) {
	var firstChild NodeKey
	var parentLevel int

	if parentPathKey == pathAnchorKey || parentPathKey == NullNodeKey {
		parentPathKey = pathAnchorKey
		_, _, anchor, err := nwt.ensurePathAnchor()
		if err != nil {
			return NullNodeKey, err
		}
		firstChild = anchor.FirstChild
		parentLevel = 0
	} else {
		_, _, rec, err := nwt.psGet(parentPathKey)
		if err != nil {
			return NullNodeKey, err
		}
		pn, ok := rec.(*PathNode)
		if !ok {
			return NullNodeKey, errors.Wrap(ErrInvariant, "parent path key does not name a path node")
		}
		firstChild = pn.FirstChild
		parentLevel = pn.Level
	}

	for cur := firstChild; cur != NullNodeKey; {
		page, slot, rec, err := nwt.psGet(cur)
		if err != nil {
			return NullNodeKey, err
		}
		pn, ok := rec.(*PathNode)
		if !ok {
			return NullNodeKey, errors.Wrap(ErrInvariant, "path summary child is not a path node")
		}
		if pn.PathKind == kind && pn.LocalNameKey == localKey && pn.URIKey == uriKey {
			pn.ReferenceCount++
			page.Set(slot, pn)
			return cur, nil
		}
		cur = pn.RightSibling
	}

	newKey, err := nwt.wtx.CreateEntry(FamilyPathSummary, 0, func(k NodeKey) Record {
		return &PathNode{
			NodeDelegate: NodeDelegate{Key: k, Parent: parentPathKey},
			StructNodeDelegate: StructNodeDelegate{
				FirstChild:   NullNodeKey,
				LeftSibling:  NullNodeKey,
				RightSibling: firstChild,
			},
			NameNodeDelegate: NameNodeDelegate{URIKey: uriKey, PrefixKey: prefixKey, LocalNameKey: localKey, PathNodeKey: NullNodeKey},
			PathKind:         kind,
			Level:            parentLevel + 1,
			ReferenceCount:   1,
		}
	})
	if err != nil {
		return NullNodeKey, err
	}

	if firstChild != NullNodeKey {
		page, slot, rec, err := nwt.psGet(firstChild)
		if err != nil {
			return NullNodeKey, err
		}
		if old, ok := rec.(*PathNode); ok {
			old.LeftSibling = newKey
			page.Set(slot, old)
		}
	}

	if parentPathKey == pathAnchorKey {
		apage, aslot, anchor, err := nwt.ensurePathAnchor()
		if err != nil {
			return NullNodeKey, err
		}
		anchor.FirstChild = newKey
		anchor.ChildCount++
		anchor.DescendantCount++
		apage.Set(aslot, anchor)
	} else {
		ppage, pslot, rec, err := nwt.psGet(parentPathKey)
		if err != nil {
			return NullNodeKey, err
		}
		pn := rec.(*PathNode)
		pn.FirstChild = newKey
		pn.ChildCount++
		ppage.Set(pslot, pn)

		// Roll the new descendant up to the anchor.
		for cur := parentPathKey; cur != NullNodeKey && cur != pathAnchorKey; {
			cpage, cslot, crec, err := nwt.psGet(cur)
			if err != nil {
				return NullNodeKey, err
			}
			cpn := crec.(*PathNode)
			cpn.DescendantCount++
			cpage.Set(cslot, cpn)
			cur = cpn.Parent
		}
		apage, aslot, anchor, err := nwt.ensurePathAnchor()
		if err != nil {
			return NullNodeKey, err
		}
		anchor.DescendantCount++
		apage.Set(aslot, anchor)
	}

	return newKey, nil
}

// releasePathNode drops one reference from a PathNode. Nodes whose count
// reaches zero stay in the summary: the path existed at some revision and
// keeping the node means path-node keys stay stable for CAS index entries
// recorded in prior revisions.
func (nwt *NodeWriteTrx) releasePathNode(pathKey NodeKey) error {
	if pathKey == NullNodeKey || pathKey == pathAnchorKey {
		return nil
	}
	page, slot, rec, err := nwt.psGet(pathKey)
	if err != nil {
		return err
	}
	pn, ok := rec.(*PathNode)
	if !ok {
		return errors.Wrap(ErrInvariant, "release target is not a path node")
	}
	if pn.ReferenceCount > 0 {
		pn.ReferenceCount--
	}
	page.Set(slot, pn)
	return nil
}

// pathOf reconstructs the "/"-separated path string a PathNode denotes,
// attributes prefixed "@", by ascending to the anchor.
func (nwt *NodeWriteTrx) pathOf(pathKey NodeKey) (string, error) {
	if pathKey == NullNodeKey || pathKey == pathAnchorKey {
		return "", nil
	}

	var segs []string
	for cur := pathKey; cur != NullNodeKey && cur != pathAnchorKey; {
		rec, ok, err := nwt.wtx.GetRecord(cur, FamilyPathSummary, 0)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", errors.Wrap(ErrNodeNotFound, "path summary node %d", cur)
		}
		pn, ok := rec.(*PathNode)
		if !ok {
			return "", errors.Wrap(ErrInvariant, "not a path node")
		}
		local, _, err := nwt.wtx.GetName(pn.LocalNameKey)
		if err != nil {
			return "", err
		}
		if pn.PathKind == PathKindAttribute {
			local = "@" + local
		}
		segs = append(segs, local)
		cur = pn.Parent
	}

	n := 0
	for i := range segs {
		n += 1 + len(segs[i])
	}
	buf := make([]byte, 0, n)
	for i := len(segs) - 1; i >= 0; i-- {
		buf = append(buf, '/')
		buf = append(buf, segs[i]...)
	}
	return string(buf), nil
}

// setPathNodeKey binds a named document node to its path-summary node.
func (nwt *NodeWriteTrx) setPathNodeKey(key, pathKey NodeKey) error {
	page, slot, rec, err := nwt.get(key)
	if err != nil {
		return err
	}
	switch n := rec.(type) {
	case *ElementNode:
		n.PathNodeKey = pathKey
	case *AttributeNode:
		n.PathNodeKey = pathKey
	case *NamespaceNode:
		n.PathNodeKey = pathKey
	case *ProcessingInstructionNode:
		n.PathNodeKey = pathKey
	default:
		return errors.Wrap(ErrInvariant, "node does not carry a path node key")
	}
	page.Set(slot, rec)
	return nil
}

func pathNodeKeyOf(rec Record) (NodeKey, bool) {
	switch n := rec.(type) {
	case *ElementNode:
		return n.PathNodeKey, true
	case *AttributeNode:
		return n.PathNodeKey, true
	case *NamespaceNode:
		return n.PathNodeKey, true
	case *ProcessingInstructionNode:
		return n.PathNodeKey, true
	}
	return NullNodeKey, false
}
