package sirix

import "tlog.app/go/errors"

// AVL key/value decoder registry. The built-in key kinds (path, CAS, name)
// are wired directly; an embedding application that stores its own AVLKey
// or References implementation registers a decoder here at startup — an
// explicit registration call in place of a language-level global registry.
var (
	avlKeyDecoders = map[byte]func([]byte) (AVLKey, error){
		tagPathIndexKey: decodePathIndexKey,
		tagCASIndexKey:  decodeCASIndexKey,
		tagNameIndexKey: decodeNameIndexKey,
	}
	avlValueDecoders = map[byte]func([]byte) (References, error){
		AVLValueTagNodeKeyReferences: decodeNodeKeyReferences,
	}
)

// RegisterAVLKeyDecoder registers a decoder for AVLKey implementations
// tagged tag.
func RegisterAVLKeyDecoder(tag byte, fn func([]byte) (AVLKey, error)) {
	avlKeyDecoders[tag] = fn
}

// RegisterAVLValueDecoder registers a decoder for References
// implementations tagged tag.
func RegisterAVLValueDecoder(tag byte, fn func([]byte) (References, error)) {
	avlValueDecoders[tag] = fn
}

func decodeAVLKey(tag byte, b []byte) (AVLKey, error) {
	fn, ok := avlKeyDecoders[tag]
	if !ok {
		return nil, errors.Wrap(ErrPageNotFound, "no AVL key decoder for tag %d", tag)
	}
	return fn(b)
}

func decodeAVLValue(tag byte, b []byte) (References, error) {
	fn, ok := avlValueDecoders[tag]
	if !ok {
		return nil, errors.Wrap(ErrPageNotFound, "no AVL value decoder for tag %d", tag)
	}
	return fn(b)
}
