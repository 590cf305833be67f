package sirix

import "encoding/binary"

func appendVarint(buf []byte, v int64) []byte {
	var scratch [binary.MaxVarintLen64]byte
	n := binary.PutVarint(scratch[:], v)
	return append(buf, scratch[:n]...)
}

func appendUvarint(buf []byte, v uint64) []byte {
	var scratch [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(scratch[:], v)
	return append(buf, scratch[:n]...)
}

func getVarint(buf []byte) (int64, int) {
	v, n := binary.Varint(buf)
	return v, n
}

func getUvarint(buf []byte) (uint64, int) {
	v, n := binary.Uvarint(buf)
	return v, n
}
