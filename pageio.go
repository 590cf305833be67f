package sirix

import (
	"encoding/binary"

	"tlog.app/go/errors"
)

// On-disk page framing. Every page is written as a 4-byte big-endian length prefix
// followed by its EncodePage body, so a reader can locate the next page
// without decoding the current one.
const pageFrameHeader = 4

func writePage(b Back, off PageOffset, obj any) (PageOffset, error) {
	body, err := EncodePage(obj)
	if err != nil {
		return NilPageOffset, err
	}

	total := int64(pageFrameHeader + len(body))
	end := int64(off) + total
	if end > b.Size() {
		if err := b.Truncate(end); err != nil {
			return NilPageOffset, errors.Wrap(err, "grow resource file")
		}
	}

	b.Access(int64(off), total, func(p []byte) {
		binary.BigEndian.PutUint32(p, uint32(len(body)))
		copy(p[pageFrameHeader:], body)
	})

	return PageOffset(off), nil
}

func readPage(b Back, off PageOffset) (any, error) {
	if off == NilPageOffset {
		return nil, errors.Wrap(ErrPageNotFound, "nil page offset")
	}

	var length uint32
	b.Access(int64(off), pageFrameHeader, func(p []byte) {
		length = binary.BigEndian.Uint32(p)
	})

	body := make([]byte, length)
	b.Access(int64(off)+pageFrameHeader, int64(length), func(p []byte) { copy(body, p) })

	if len(body) == 0 {
		return nil, errors.Wrap(ErrPageNotFound, "empty page body")
	}

	return DecodePage(PageKind(body[0]), body)
}
