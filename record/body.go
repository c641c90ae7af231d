package record

import (
	"fmt"
	"math"

	"github.com/t7a/caskade/cake"
)

// Body is one of the entry-specific payloads defined in this package.
// The set is closed: only types in this package implement it.
type Body interface {
	Type() EntryType
	payloadLen() int
	encode(dst []byte) ([]byte, error)
}

// codec describes how to read one entry type's body.  size is -1 for
// length-prefixed bodies.
type codec struct {
	size   int
	decode func(buf []byte) (Body, error)
}

var codecs = [numTypes]codec{
	Data:       {-1, decodeData},
	Checkpoint: {checkpointBodySize, decodeCheckpoint},
	NextCask:   {0, func([]byte) (Body, error) { return NextCaskBody{}, nil }},
	CaskHeader: {2 * cake.Size, decodeCaskHeader},
	Permalink:  {cake.Size, decodePermalink},
	Derived:    {2 * cake.Size, decodeDerived},
	Tag:        {-1, decodeTag},
}

// BodySize returns the encoded size of a fixed-size body, or variable
// = true when the body carries its own length prefix.
func BodySize(t EntryType) (size int, variable bool) {
	c := codecs[t]
	if c.size < 0 {
		return 0, true
	}
	return c.size, false
}

// DecodeBody reads the body of an entry of type t at buf[off:].  For
// variable bodies buf must include the length prefix.
func DecodeBody(t EntryType, buf []byte, off int) (b Body, next int, err error) {
	if !t.Valid() {
		return nil, off, &CorruptBodyError{Offset: int64(off), Type: t, Reason: "unknown entry type"}
	}
	c := codecs[t]
	size := c.size
	start := off
	if size < 0 {
		if len(buf)-off < LengthSize {
			return nil, off, &CorruptBodyError{Offset: int64(off), Type: t, Reason: "short length prefix"}
		}
		size = int(byteOrder.Uint32(buf[off : off+LengthSize]))
		start = off + LengthSize
	}
	if len(buf)-start < size {
		return nil, off, &CorruptBodyError{Offset: int64(off), Type: t, Reason: fmt.Sprintf("need %d bytes, have %d", size, len(buf)-start)}
	}
	b, err = c.decode(buf[start : start+size])
	if err != nil {
		return nil, off, &CorruptBodyError{Offset: int64(off), Type: t, Reason: err.Error()}
	}
	return b, start + size, nil
}

func appendLength(dst []byte, n int) ([]byte, error) {
	if uint64(n) > math.MaxUint32 {
		return nil, fmt.Errorf("body too large: %d bytes", n)
	}
	var l [LengthSize]byte
	byteOrder.PutUint32(l[:], uint32(n))
	return append(dst, l[:]...), nil
}

// DataBody is opaque content.
type DataBody struct {
	Payload []byte
}

func (DataBody) Type() EntryType { return Data }
func (b DataBody) payloadLen() int { return len(b.Payload) }

func (b DataBody) encode(dst []byte) ([]byte, error) {
	dst, err := appendLength(dst, len(b.Payload))
	if err != nil {
		return nil, err
	}
	return append(dst, b.Payload...), nil
}

func decodeData(buf []byte) (Body, error) {
	return DataBody{Payload: buf}, nil
}

// CheckpointBody names the byte range [Start, End) a checkpoint covers.
type CheckpointBody struct {
	Start  uint32
	End    uint32
	Reason Reason
}

func (CheckpointBody) Type() EntryType { return Checkpoint }
func (CheckpointBody) payloadLen() int { return checkpointBodySize }

func (b CheckpointBody) encode(dst []byte) ([]byte, error) {
	var buf [checkpointBodySize]byte
	byteOrder.PutUint32(buf[0:4], b.Start)
	byteOrder.PutUint32(buf[4:8], b.End)
	buf[8] = byte(b.Reason)
	return append(dst, buf[:]...), nil
}

func decodeCheckpoint(buf []byte) (Body, error) {
	b := CheckpointBody{
		Start:  byteOrder.Uint32(buf[0:4]),
		End:    byteOrder.Uint32(buf[4:8]),
		Reason: Reason(buf[8]),
	}
	if !b.Reason.Valid() {
		return nil, fmt.Errorf("unknown checkpoint reason %d", buf[8])
	}
	if b.End < b.Start {
		return nil, fmt.Errorf("checkpoint end %d before start %d", b.End, b.Start)
	}
	return b, nil
}

// NextCaskBody is empty; the header subject names the successor.
type NextCaskBody struct{}

func (NextCaskBody) Type() EntryType { return NextCask }
func (NextCaskBody) payloadLen() int { return 0 }
func (NextCaskBody) encode(dst []byte) ([]byte, error) { return dst, nil }

// CaskHeaderBody opens every cask.  The header subject names the
// previous cask, or is null for the first cask of a store.
type CaskHeaderBody struct {
	CaskadeID    cake.Cake
	CheckpointID cake.Cake
}

func (CaskHeaderBody) Type() EntryType { return CaskHeader }
func (CaskHeaderBody) payloadLen() int { return 2 * cake.Size }

func (b CaskHeaderBody) encode(dst []byte) ([]byte, error) {
	dst = append(dst, b.CaskadeID[:]...)
	return append(dst, b.CheckpointID[:]...), nil
}

func decodeCaskHeader(buf []byte) (Body, error) {
	var b CaskHeaderBody
	copy(b.CaskadeID[:], buf[:cake.Size])
	copy(b.CheckpointID[:], buf[cake.Size:])
	return b, nil
}

// PermalinkBody points the alias in Dest at the header subject.
type PermalinkBody struct {
	Dest cake.Cake
}

func (PermalinkBody) Type() EntryType { return Permalink }
func (PermalinkBody) payloadLen() int { return cake.Size }

func (b PermalinkBody) encode(dst []byte) ([]byte, error) {
	return append(dst, b.Dest[:]...), nil
}

func decodePermalink(buf []byte) (Body, error) {
	var b PermalinkBody
	copy(b.Dest[:], buf)
	return b, nil
}

// DerivedBody records that applying Filter to the header subject
// produced Derived.
type DerivedBody struct {
	Filter  cake.Cake
	Derived cake.Cake
}

func (DerivedBody) Type() EntryType { return Derived }
func (DerivedBody) payloadLen() int { return 2 * cake.Size }

func (b DerivedBody) encode(dst []byte) ([]byte, error) {
	dst = append(dst, b.Filter[:]...)
	return append(dst, b.Derived[:]...), nil
}

func decodeDerived(buf []byte) (Body, error) {
	var b DerivedBody
	copy(b.Filter[:], buf[:cake.Size])
	copy(b.Derived[:], buf[cake.Size:])
	return b, nil
}
