// Package valcodec implements the codec behind the ValNodeDelegate
// compression rule: Huffman-only Deflate. Whether a payload is compressed
// is decided by the caller.
package valcodec

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"
	"tlog.app/go/errors"
)

// Threshold mirrors record.CompressionThreshold; duplicated here (rather
// than imported, to keep this package dependency-free of the root package)
// since it is a pure encoding constant.
const Threshold = 10

// Compress returns the Huffman-only-deflated form of b. Callers decide
// whether to use it (the node write transaction compresses values longer
// than its threshold and keeps the result only when it is smaller) — this
// function does not apply the policy itself, only the codec.
func Compress(b []byte) ([]byte, error) {
	var buf bytes.Buffer

	w, err := flate.NewWriter(&buf, flate.HuffmanOnly)
	if err != nil {
		return nil, errors.Wrap(err, "new huffman-only writer")
	}

	if _, err := w.Write(b); err != nil {
		return nil, errors.Wrap(err, "compress value")
	}

	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "close compressor")
	}

	return buf.Bytes(), nil
}

// Decompress recovers the exact original bytes from Compress's output.
func Decompress(b []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(b))
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "decompress value")
	}

	return out, nil
}
