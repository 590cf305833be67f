package sirix

import (
	"tlog.app/go/errors"

	"sirix.io/sirix/translog"
)

// NameDictionary interns QName components (URIs, prefixes, local names) as
// small NameKey integers. It is a plain
// write-once key/value mapping, not a page in the COW tree: names are
// immutable once assigned and never subject to the sliding-window delta
// merge that record pages need, so they are spilled straight through the
// persistent transaction log's generic Put/Get surface.
type NameDictionary struct {
	log *translog.Store
}

const (
	nameDictForward = 0 // id -> string
	nameDictReverse = 1 // string -> id
	nameDictCounter = 2 // singleton: next unassigned id
)

func newNameDictionary(back translog.Back, cfg Config) (*NameDictionary, error) {
	log, err := translog.Open(back, cfg.LogFlushBytes, cfg.LogFlushPages, cfg.LogSyncEvery, nil)
	if err != nil {
		return nil, err
	}
	return &NameDictionary{log: log}, nil
}

func forwardKey(id NameKey) []byte {
	buf := []byte{nameDictForward}
	return appendUvarint(buf, uint64(id))
}

func reverseKey(name string) []byte {
	buf := []byte{nameDictReverse}
	return append(buf, name...)
}

func (d *NameDictionary) nextID() (NameKey, error) {
	v, err := d.log.Get([]byte{nameDictCounter})
	var next uint64 = 1 // 0 is NilNameKey
	if err == nil {
		n, _ := getUvarint(v)
		next = n
	} else if !errors.Is(err, translog.ErrNotFound) {
		return 0, err
	}

	if err := d.log.Put([]byte{nameDictCounter}, appendUvarint(nil, next+1)); err != nil {
		return 0, err
	}

	return NameKey(next), nil
}

// Intern returns the NameKey for name, assigning a fresh one on first use.
func (d *NameDictionary) Intern(name string) (NameKey, error) {
	if name == "" {
		return NilNameKey, nil
	}

	if v, err := d.log.Get(reverseKey(name)); err == nil {
		id, _ := getUvarint(v)
		return NameKey(id), nil
	} else if !errors.Is(err, translog.ErrNotFound) {
		return 0, err
	}

	id, err := d.nextID()
	if err != nil {
		return 0, err
	}

	if err := d.log.Put(reverseKey(name), appendUvarint(nil, uint64(id))); err != nil {
		return 0, err
	}
	if err := d.log.Put(forwardKey(id), []byte(name)); err != nil {
		return 0, err
	}

	return id, nil
}

// Get resolves a NameKey back to its string.
func (d *NameDictionary) Get(key NameKey) (string, bool, error) {
	if key == NilNameKey {
		return "", true, nil
	}

	v, err := d.log.Get(forwardKey(key))
	if err != nil {
		if errors.Is(err, translog.ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return string(v), true, nil
}

func (d *NameDictionary) Close() error {
	return d.log.Close()
}
