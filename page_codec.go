package sirix

import (
	"encoding/binary"
	"fmt"

	"tlog.app/go/errors"
)

// Page serialization. Every page begins with a one-byte kind
// tag, then a kind-specific body. Integer encoding is big-endian fixed
// width except where a varint is explicitly used: node-level fields
// (record_codec.go) and each record-page slot's index and body length.
// Indirect-page children are fixed width.

func EncodePage(p any) ([]byte, error) {
	switch v := p.(type) {
	case *UberPage:
		return encodeUberPage(v), nil
	case *RevisionRootPage:
		return encodeRevisionRootPage(v), nil
	case *IndirectPage:
		return encodeIndirectPage(v), nil
	case *IndexRootPage:
		return encodeIndexRootPage(v), nil
	case *RecordPage:
		return encodeRecordPage(v)
	default:
		return nil, errors.New(fmt.Sprintf("sirix: unknown page type %T", p))
	}
}

func DecodePage(kind PageKind, buf []byte) (any, error) {
	switch kind {
	case KindUberPage:
		return decodeUberPage(buf)
	case KindRevisionRootPage:
		return decodeRevisionRootPage(buf)
	case KindIndirectPage:
		return decodeIndirectPage(buf)
	case KindIndexRootPage:
		return decodeIndexRootPage(buf)
	case KindNodePage, KindNamePage, KindPathPage, KindCASPage, KindPathSummaryPage:
		return decodeRecordPage(kind, buf)
	default:
		return nil, errors.Wrap(ErrPageNotFound, "unknown page kind %d", kind)
	}
}

func putOffset(b []byte, off PageOffset) { binary.BigEndian.PutUint64(b, uint64(off)) }
func getOffset(b []byte) PageOffset      { return PageOffset(int64(binary.BigEndian.Uint64(b))) }

func encodeUberPage(p *UberPage) []byte {
	buf := make([]byte, 1+4+8+8)
	buf[0] = byte(KindUberPage)
	binary.BigEndian.PutUint32(buf[1:], uint32(p.LatestRevision))
	putOffset(buf[5:], p.RevisionRootOff)
	putOffset(buf[13:], p.PriorUberOff)
	return buf
}

func decodeUberPage(buf []byte) (*UberPage, error) {
	if len(buf) < 21 || PageKind(buf[0]) != KindUberPage {
		return nil, errors.Wrap(ErrPageNotFound, "short or mistagged uber page")
	}
	return &UberPage{
		LatestRevision:  Revision(binary.BigEndian.Uint32(buf[1:])),
		RevisionRootOff: getOffset(buf[5:]),
		PriorUberOff:    getOffset(buf[13:]),
	}, nil
}

func encodeRevisionRootPage(p *RevisionRootPage) []byte {
	buf := make([]byte, 1+4+8+8+8*5)
	i := 0
	buf[i] = byte(KindRevisionRootPage)
	i++
	binary.BigEndian.PutUint32(buf[i:], uint32(p.Revision))
	i += 4
	binary.BigEndian.PutUint64(buf[i:], uint64(p.Timestamp))
	i += 8
	binary.BigEndian.PutUint64(buf[i:], uint64(p.MaxNodeKey))
	i += 8
	putOffset(buf[i:], p.RecordRoot)
	i += 8
	putOffset(buf[i:], p.NameRoot)
	i += 8
	putOffset(buf[i:], p.PathRoot)
	i += 8
	putOffset(buf[i:], p.CASRoot)
	i += 8
	putOffset(buf[i:], p.PathSummaryRoot)
	i += 8
	return buf[:i]
}

func decodeRevisionRootPage(buf []byte) (*RevisionRootPage, error) {
	const want = 1 + 4 + 8 + 8 + 8*5
	if len(buf) < want || PageKind(buf[0]) != KindRevisionRootPage {
		return nil, errors.Wrap(ErrPageNotFound, "short or mistagged revision root page")
	}
	i := 1
	p := &RevisionRootPage{}
	p.Revision = Revision(binary.BigEndian.Uint32(buf[i:]))
	i += 4
	p.Timestamp = int64(binary.BigEndian.Uint64(buf[i:]))
	i += 8
	p.MaxNodeKey = NodeKey(binary.BigEndian.Uint64(buf[i:]))
	i += 8
	p.RecordRoot = getOffset(buf[i:])
	i += 8
	p.NameRoot = getOffset(buf[i:])
	i += 8
	p.PathRoot = getOffset(buf[i:])
	i += 8
	p.CASRoot = getOffset(buf[i:])
	i += 8
	p.PathSummaryRoot = getOffset(buf[i:])
	i += 8
	return p, nil
}

func encodeIndirectPage(p *IndirectPage) []byte {
	buf := make([]byte, 1+2+p.FanOut*9)
	buf[0] = byte(KindIndirectPage)
	binary.BigEndian.PutUint16(buf[1:], uint16(p.FanOut))
	off := 3
	for _, c := range p.Children {
		if c == NilPageOffset {
			buf[off] = 0
		} else {
			buf[off] = 1
			putOffset(buf[off+1:], c)
		}
		off += 9
	}
	return buf
}

func decodeIndirectPage(buf []byte) (*IndirectPage, error) {
	if len(buf) < 3 || PageKind(buf[0]) != KindIndirectPage {
		return nil, errors.Wrap(ErrPageNotFound, "short or mistagged indirect page")
	}
	fanOut := int(binary.BigEndian.Uint16(buf[1:]))
	if len(buf) < 3+fanOut*9 {
		return nil, errors.Wrap(ErrPageNotFound, "truncated indirect page")
	}
	p := NewIndirectPage(fanOut)
	off := 3
	for i := 0; i < fanOut; i++ {
		if buf[off] != 0 {
			p.Children[i] = getOffset(buf[off+1:])
		}
		off += 9
	}
	return p, nil
}

func encodeIndexRootPage(p *IndexRootPage) []byte {
	n := len(p.Roots)
	buf := make([]byte, 1+2+n*9)
	buf[0] = byte(KindIndexRootPage)
	binary.BigEndian.PutUint16(buf[1:], uint16(n))
	off := 3
	for _, c := range p.Roots {
		if c == NilPageOffset {
			buf[off] = 0
		} else {
			buf[off] = 1
			putOffset(buf[off+1:], c)
		}
		off += 9
	}
	return buf
}

func decodeIndexRootPage(buf []byte) (*IndexRootPage, error) {
	if len(buf) < 3 || PageKind(buf[0]) != KindIndexRootPage {
		return nil, errors.Wrap(ErrPageNotFound, "short or mistagged index root page")
	}
	n := int(binary.BigEndian.Uint16(buf[1:]))
	if len(buf) < 3+n*9 {
		return nil, errors.Wrap(ErrPageNotFound, "truncated index root page")
	}
	p := &IndexRootPage{Roots: make([]PageOffset, n)}
	off := 3
	for i := 0; i < n; i++ {
		if buf[off] == 0 {
			p.Roots[i] = NilPageOffset
		} else {
			p.Roots[i] = getOffset(buf[off+1:])
		}
		off += 9
	}
	return p, nil
}

func encodeRecordPage(p *RecordPage) ([]byte, error) {
	buf := make([]byte, 1+4+2+2+1+8+2)
	buf[0] = byte(p.Kind)
	binary.BigEndian.PutUint32(buf[1:], uint32(p.Revision))
	binary.BigEndian.PutUint16(buf[5:], uint16(p.BucketSize))
	present := 0
	for _, s := range p.Slots {
		if s.present {
			present++
		}
	}
	binary.BigEndian.PutUint16(buf[7:], uint16(present))
	if p.FullDump {
		buf[9] = 1
	}
	putOffset(buf[10:], p.PrevOff)
	binary.BigEndian.PutUint16(buf[18:], uint16(p.Fragments))

	var kbuf [binary.MaxVarintLen64]byte
	for slotIdx, s := range p.Slots {
		if !s.present {
			continue
		}
		n := binary.PutUvarint(kbuf[:], uint64(slotIdx))
		buf = append(buf, kbuf[:n]...)

		if s.rec == nil || s.rec.Kind() == KindNull {
			buf = append(buf, byte(KindNull))
			continue
		}

		buf = append(buf, byte(s.rec.Kind()))
		body, err := EncodeRecord(s.rec)
		if err != nil {
			return nil, err
		}
		var lbuf [binary.MaxVarintLen64]byte
		n = binary.PutUvarint(lbuf[:], uint64(len(body)))
		buf = append(buf, lbuf[:n]...)
		buf = append(buf, body...)
	}

	return buf, nil
}

func decodeRecordPage(kind PageKind, buf []byte) (*RecordPage, error) {
	if len(buf) < 20 || PageKind(buf[0]) != kind {
		return nil, errors.Wrap(ErrPageNotFound, "short or mistagged record page")
	}
	rev := Revision(binary.BigEndian.Uint32(buf[1:]))
	bucketSize := int(binary.BigEndian.Uint16(buf[5:]))
	count := int(binary.BigEndian.Uint16(buf[7:]))
	fullDump := buf[9] != 0
	prevOff := getOffset(buf[10:])
	fragments := int(binary.BigEndian.Uint16(buf[18:]))

	p := &RecordPage{Kind: kind, Revision: rev, FullDump: fullDump, PrevOff: prevOff, Fragments: fragments}

	off := 20
	maxSlot := -1
	type pending struct {
		slot int
		kind RecordKind
		body []byte
	}
	entries := make([]pending, 0, count)

	for i := 0; i < count; i++ {
		slotIdx, n := binary.Uvarint(buf[off:])
		if n <= 0 {
			return nil, errors.Wrap(ErrPageNotFound, "bad slot varint")
		}
		off += n

		if off >= len(buf) {
			return nil, errors.Wrap(ErrPageNotFound, "truncated record page")
		}
		rk := RecordKind(buf[off])
		off++

		if rk == KindNull {
			entries = append(entries, pending{slot: int(slotIdx), kind: rk})
			if int(slotIdx) > maxSlot {
				maxSlot = int(slotIdx)
			}
			continue
		}

		bodyLen, n := binary.Uvarint(buf[off:])
		if n <= 0 {
			return nil, errors.Wrap(ErrPageNotFound, "bad body-length varint")
		}
		off += n

		if off+int(bodyLen) > len(buf) {
			return nil, errors.Wrap(ErrPageNotFound, "truncated record body")
		}
		body := buf[off : off+int(bodyLen)]
		off += int(bodyLen)

		entries = append(entries, pending{slot: int(slotIdx), kind: rk, body: body})
		if int(slotIdx) > maxSlot {
			maxSlot = int(slotIdx)
		}
	}

	if bucketSize < maxSlot+1 {
		bucketSize = maxSlot + 1
	}
	p.BucketSize = bucketSize
	p.Slots = make([]slot, p.BucketSize)

	for _, e := range entries {
		if e.kind == KindNull {
			p.Slots[e.slot] = slot{present: true, rec: nil}
			continue
		}
		rec, err := DecodeRecord(e.kind, e.body)
		if err != nil {
			return nil, err
		}
		p.Slots[e.slot] = slot{present: true, rec: rec}
	}

	return p, nil
}
