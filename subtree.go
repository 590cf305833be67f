package sirix

import "tlog.app/go/errors"

// Event stream interface for bulk subtree insertion. A shredder (or any
// other producer of a depth-first document walk) emits Events; the node
// write transaction drains them into record insertions.

type EventKind uint8

const (
	EventStartElement EventKind = iota + 1
	EventEndElement
	EventText
	EventComment
	EventProcessingInstruction
	EventAttribute
	EventNamespace
)

// Event is one step of a depth-first subtree walk. Name is set for
// element/attribute/namespace/PI events, Value for text/comment/PI/
// attribute events.
type Event struct {
	Kind  EventKind
	Name  QName
	Value []byte
}

// EventReader yields events one at a time; ok is false once the stream is
// drained.
type EventReader interface {
	Next() (ev Event, ok bool, err error)
}

// EventSlice adapts a pre-built event list to EventReader.
type EventSlice struct {
	events []Event
	pos    int
}

func NewEventSlice(events []Event) *EventSlice { return &EventSlice{events: events} }

func (s *EventSlice) Next() (Event, bool, error) {
	if s.pos >= len(s.events) {
		return Event{}, false, nil
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, true, nil
}

// InsertSubtreeAsFirstChild drains events into a subtree inserted as
// parentKey's first child, returning the subtree root's key. The first
// event must open the subtree root (a start-element, text, comment, or
// PI); attribute and namespace events bind to the innermost open element.
func (nwt *NodeWriteTrx) InsertSubtreeAsFirstChild(parentKey NodeKey, events EventReader) (NodeKey, error) {
	return nwt.insertSubtree(parentKey, NullNodeKey, true, events)
}

// InsertSubtreeAsRightSibling drains events into a subtree inserted
// immediately after anchorKey.
func (nwt *NodeWriteTrx) InsertSubtreeAsRightSibling(anchorKey NodeKey, events EventReader) (NodeKey, error) {
	_, _, arec, err := nwt.get(anchorKey)
	if err != nil {
		return NullNodeKey, err
	}
	return nwt.insertSubtree(arec.(Node).ParentKey(), anchorKey, false, events)
}

// InsertSubtreeAsLeftSibling drains events into a subtree inserted
// immediately before anchorKey.
func (nwt *NodeWriteTrx) InsertSubtreeAsLeftSibling(anchorKey NodeKey, events EventReader) (NodeKey, error) {
	_, _, arec, err := nwt.get(anchorKey)
	if err != nil {
		return NullNodeKey, err
	}
	anchor, ok := arec.(structNode)
	if !ok {
		return NullNodeKey, errors.Wrap(ErrInvariant, "anchor is not a structural node")
	}
	if anchor.HasLeftSibling() {
		return nwt.insertSubtree(arec.(Node).ParentKey(), anchor.GetLeftSibling(), false, events)
	}
	return nwt.insertSubtree(arec.(Node).ParentKey(), NullNodeKey, true, events)
}

// insertSubtree is the shared drain loop. The insertion point for each
// new node is tracked as (parent, lastSibling): the first node goes in at
// the requested position, every following node at the same depth goes in
// as the previous one's right sibling.
func (nwt *NodeWriteTrx) insertSubtree(parentKey, anchorKey NodeKey, asFirstChild bool, events EventReader) (NodeKey, error) {
	type frame struct {
		parent NodeKey
		last   NodeKey // last inserted child at this depth, NullNodeKey for none yet
	}

	rootKey := NullNodeKey
	stack := []frame{{parent: parentKey, last: anchorKey}}
	if asFirstChild {
		stack[0].last = NullNodeKey
	}

	place := func(build buildFn) (NodeKey, error) {
		top := &stack[len(stack)-1]
		var key NodeKey
		var err error
		if top.last == NullNodeKey {
			key, err = nwt.insertAsFirstChild(top.parent, build)
		} else {
			key, err = nwt.insertAsRightSibling(top.last, build)
		}
		if err != nil {
			return NullNodeKey, err
		}
		top.last = key
		if rootKey == NullNodeKey {
			rootKey = key
		}
		return key, nil
	}

	for {
		ev, ok, err := events.Next()
		if err != nil {
			return NullNodeKey, errors.Wrap(err, "read subtree event")
		}
		if !ok {
			break
		}

		switch ev.Kind {
		case EventStartElement:
			u, p, l, err := nwt.resolveName(ev.Name)
			if err != nil {
				return NullNodeKey, err
			}
			key, err := place(newElementBuild(u, p, l))
			if err != nil {
				return NullNodeKey, err
			}
			stack = append(stack, frame{parent: key, last: NullNodeKey})

		case EventEndElement:
			if len(stack) == 1 {
				return NullNodeKey, errors.Wrap(ErrInvariant, "unbalanced end-element event")
			}
			stack = stack[:len(stack)-1]

		case EventText:
			v, c := maybeCompress(ev.Value)
			if _, err := place(newTextBuild(v, c)); err != nil {
				return NullNodeKey, err
			}

		case EventComment:
			v, c := maybeCompress(ev.Value)
			if _, err := place(newCommentBuild(v, c)); err != nil {
				return NullNodeKey, err
			}

		case EventProcessingInstruction:
			u, p, l, err := nwt.resolveName(ev.Name)
			if err != nil {
				return NullNodeKey, err
			}
			v, c := maybeCompress(ev.Value)
			if _, err := place(newPIBuild(u, p, l, v, c)); err != nil {
				return NullNodeKey, err
			}

		case EventAttribute:
			if len(stack) == 1 {
				return NullNodeKey, errors.Wrap(ErrInvariant, "attribute event outside an open element")
			}
			owner := stack[len(stack)-1].parent
			if _, err := nwt.InsertAttribute(owner, ev.Name, ev.Value); err != nil {
				return NullNodeKey, err
			}

		case EventNamespace:
			if len(stack) == 1 {
				return NullNodeKey, errors.Wrap(ErrInvariant, "namespace event outside an open element")
			}
			owner := stack[len(stack)-1].parent
			if _, err := nwt.InsertNamespace(owner, ev.Name); err != nil {
				return NullNodeKey, err
			}

		default:
			return NullNodeKey, errors.Wrap(ErrBadArgument, "unknown subtree event kind %d", ev.Kind)
		}
	}

	if len(stack) != 1 {
		return NullNodeKey, errors.Wrap(ErrInvariant, "subtree event stream ended with open elements")
	}
	if rootKey == NullNodeKey {
		return NullNodeKey, errors.Wrap(ErrBadArgument, "empty subtree event stream")
	}

	return rootKey, nil
}
