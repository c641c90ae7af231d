// Package record frames the entries written to cask files.
//
// Every record is a fixed header followed by a body whose shape is fixed
// by the entry type:
//
//	header:      type(1) timestamp(8) subject(cake.Size)
//	Data:        length(4) payload(length)
//	Checkpoint:  start(4) end(4) reason(1)
//	NextCask:    (empty)
//	CaskHeader:  caskade(cake.Size) checkpoint(cake.Size)
//	Permalink:   dest(cake.Size)
//	Derived:     filter(cake.Size) derived(cake.Size)
//	Tag:         length(4) msgpack(length)
//
// Integers are big-endian.  The set of entry types is closed; adding one
// changes the on-disk format.
package record

import (
	"encoding/binary"
	"fmt"

	"github.com/t7a/caskade/cake"
)

// EntryType tags each record.
type EntryType uint8

const (
	Data EntryType = iota
	Checkpoint
	NextCask
	CaskHeader
	Permalink
	Derived
	Tag
	numTypes
)

var entryNames = [numTypes]string{"data", "checkpoint", "next_cask", "cask_header", "permalink", "derived", "tag"}

func (t EntryType) String() string {
	if t >= numTypes {
		return fmt.Sprintf("entry(%d)", uint8(t))
	}
	return entryNames[t]
}

// Valid reports whether t is a known entry type.
func (t EntryType) Valid() bool {
	return t < numTypes
}

const (
	// HeaderSize is the encoded width of Header.
	HeaderSize = 1 + 8 + cake.Size
	// LengthSize is the width of the length prefix on variable bodies.
	LengthSize = 4

	checkpointBodySize = 4 + 4 + 1

	// CheckpointRecordSize is the full width of a checkpoint record.
	CheckpointRecordSize = HeaderSize + checkpointBodySize
	// NextCaskRecordSize is the full width of a next-cask record.
	NextCaskRecordSize = HeaderSize
	// CaskHeaderRecordSize is the full width of a cask header record.
	CaskHeaderRecordSize = HeaderSize + 2*cake.Size
)

var byteOrder = binary.BigEndian

// Header precedes every body.  Time is a nanosecond count.
type Header struct {
	Type    EntryType
	Time    int64
	Subject cake.Cake
}

// CorruptHeaderError reports a header that can't be decoded.
type CorruptHeaderError struct {
	Offset int64
	Reason string
}

func (e *CorruptHeaderError) Error() string {
	return fmt.Sprintf("corrupt header at offset %d: %s", e.Offset, e.Reason)
}

// CorruptBodyError reports a body that can't be decoded.
type CorruptBodyError struct {
	Offset int64
	Type   EntryType
	Reason string
}

func (e *CorruptBodyError) Error() string {
	return fmt.Sprintf("corrupt %s body at offset %d: %s", e.Type, e.Offset, e.Reason)
}

// EncodeHeader appends the header encoding to dst.
func EncodeHeader(dst []byte, h Header) []byte {
	var buf [HeaderSize]byte
	buf[0] = byte(h.Type)
	byteOrder.PutUint64(buf[1:9], uint64(h.Time))
	copy(buf[9:], h.Subject[:])
	return append(dst, buf[:]...)
}

// DecodeHeader reads a header at buf[off:] and returns it along with
// the offset just past it.
func DecodeHeader(buf []byte, off int) (h Header, next int, err error) {
	if len(buf)-off < HeaderSize {
		return h, off, &CorruptHeaderError{Offset: int64(off), Reason: fmt.Sprintf("short buffer: %d bytes", len(buf)-off)}
	}
	t := EntryType(buf[off])
	if !t.Valid() {
		return h, off, &CorruptHeaderError{Offset: int64(off), Reason: fmt.Sprintf("unknown entry type %d", uint8(t))}
	}
	h.Type = t
	h.Time = int64(byteOrder.Uint64(buf[off+1 : off+9]))
	copy(h.Subject[:], buf[off+9:off+HeaderSize])
	return h, off + HeaderSize, nil
}

// Encode returns the full encoding of one record.
func Encode(h Header, b Body) (buf []byte, err error) {
	if b.Type() != h.Type {
		return nil, fmt.Errorf("header type %s does not match body type %s", h.Type, b.Type())
	}
	size, variable := BodySize(h.Type)
	if variable {
		size = LengthSize + b.payloadLen()
	}
	buf = make([]byte, 0, HeaderSize+size)
	buf = EncodeHeader(buf, h)
	buf, err = b.encode(buf)
	if err != nil {
		return nil, err
	}
	return
}
