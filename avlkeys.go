package sirix

import (
	"strings"

	"tlog.app/go/errors"
)

// Concrete AVLKey implementations for the three secondary-index families.
// Each carries a one-byte tag so record_codec.go can round-trip an AVLNode
// without knowing the key's concrete type up front.

const (
	tagPathIndexKey byte = 1
	tagCASIndexKey  byte = 2
	tagNameIndexKey byte = 3
)

func appendLenPrefixed(b []byte, s string) []byte {
	b = appendUvarint(b, uint64(len(s)))
	return append(b, s...)
}

func getLenPrefixed(b []byte) (string, int) {
	n, l := getUvarint(b)
	return string(b[l : l+int(n)]), l + int(n)
}

// PathIndexKey indexes nodes by their root-to-node name path, compared
// byte-wise as one whole string (strings.Compare), not segment by segment.
type PathIndexKey struct {
	Path string // "/" separated segment list, attributes prefixed "@"
}

func (k PathIndexKey) CompareTo(other AVLKey) int {
	return strings.Compare(k.Path, other.(PathIndexKey).Path)
}

func (k PathIndexKey) AVLKeyTag() byte { return tagPathIndexKey }

func (k PathIndexKey) MarshalBinary() ([]byte, error) {
	return appendLenPrefixed(nil, k.Path), nil
}

func decodePathIndexKey(b []byte) (AVLKey, error) {
	s, _ := getLenPrefixed(b)
	return PathIndexKey{Path: s}, nil
}

// CASValueType tags the type of a CASIndexKey's value. CompareTo orders
// keys by this type first and then compares values as strings, so values
// of a numeric type are not compared numerically ("10" sorts before "9").
type CASValueType byte

const (
	CASValueString CASValueType = iota + 1
	CASValueInt
	CASValueFloat
)

// CASIndexKey indexes nodes by typed atomic value plus the path-summary
// node key of the path that produced it, so value lookups can be scoped to
// a specific path.
type CASIndexKey struct {
	Type        CASValueType
	Value       string // canonical string form of the typed value
	PathNodeKey NodeKey
}

func (k CASIndexKey) CompareTo(other AVLKey) int {
	o := other.(CASIndexKey)
	if k.Type != o.Type {
		if k.Type < o.Type {
			return -1
		}
		return 1
	}
	if c := strings.Compare(k.Value, o.Value); c != 0 {
		return c
	}
	switch {
	case k.PathNodeKey < o.PathNodeKey:
		return -1
	case k.PathNodeKey > o.PathNodeKey:
		return 1
	default:
		return 0
	}
}

func (k CASIndexKey) AVLKeyTag() byte { return tagCASIndexKey }

func (k CASIndexKey) MarshalBinary() ([]byte, error) {
	buf := []byte{byte(k.Type)}
	buf = appendLenPrefixed(buf, k.Value)
	buf = appendVarint(buf, int64(k.PathNodeKey))
	return buf, nil
}

func decodeCASIndexKey(b []byte) (AVLKey, error) {
	if len(b) < 1 {
		return nil, errors.Wrap(ErrPageNotFound, "truncated CAS key")
	}
	typ := CASValueType(b[0])
	s, i := getLenPrefixed(b[1:])
	i++
	pk, _ := getVarint(b[i:])
	return CASIndexKey{Type: typ, Value: s, PathNodeKey: NodeKey(pk)}, nil
}

// NameIndexKey indexes nodes by their local name, letting a name lookup
// skip straight to every element/attribute sharing that name without a
// full tree scan.
type NameIndexKey struct {
	Local string
}

func (k NameIndexKey) CompareTo(other AVLKey) int {
	return strings.Compare(k.Local, other.(NameIndexKey).Local)
}

func (k NameIndexKey) AVLKeyTag() byte { return tagNameIndexKey }

func (k NameIndexKey) MarshalBinary() ([]byte, error) {
	return appendLenPrefixed(nil, k.Local), nil
}

func decodeNameIndexKey(b []byte) (AVLKey, error) {
	s, _ := getLenPrefixed(b)
	return NameIndexKey{Local: s}, nil
}
