// Package xxh computes the rolling structural hash used by node write
// transactions to detect changes along the ancestor chain. xxhash64 is a non-cryptographic fast hash; it only needs to be
// stable and well-distributed, not collision-resistant against an
// adversary.
package xxh

import "github.com/cespare/xxhash/v2"

// Of hashes an arbitrary byte payload (typically a node's binary encoding
// or a (kind, name, value) tuple packed by the caller).
func Of(b []byte) uint64 {
	return xxhash.Sum64(b)
}

// Combine folds a child hash into a running parent hash, used when
// propagating a hash update up the ancestor chain.
func Combine(parent, child uint64) uint64 {
	var buf [16]byte
	putUint64(buf[:8], parent)
	putUint64(buf[8:], child)
	return xxhash.Sum64(buf[:])
}

func putUint64(b []byte, v uint64) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
}
