// Package cake implements the identifiers used to address everything
// stored in a caskade.
//
// A Cake is a type byte followed by a fixed-width digest.  Content cakes
// are the digest of a payload and are reproducible from it; guid cakes
// embed their creation time and random bytes and are never derived from
// content.  The two families are kept apart by the type byte: content
// types are below 0x80, guid types are 0x80 and above.
package cake

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
)

const (
	// DigestSize is the width of every digest we store.
	DigestSize = 32
	// Size is the encoded width of a Cake.
	Size = 1 + DigestSize
)

// Type says what kind of entity a Cake names.
type Type uint8

const (
	// Data is plain content.
	Data Type = 0x00
	// BlockStream is a list of chunk cakes making up one large payload.
	BlockStream Type = 0x01
	// Rolling is the rolling digest recorded by a checkpoint.
	Rolling Type = 0x02

	guidBit Type = 0x80

	// Guid is a generic unique identifier.
	Guid Type = 0x80
	// Cask identifies one segment file.
	Cask Type = 0x81
	// Caskade identifies a store.
	Caskade Type = 0x82
	// Alias is a permalink name.
	Alias Type = 0x83
)

var typeNames = map[Type]string{
	Data:        "data",
	BlockStream: "blockstream",
	Rolling:     "rolling",
	Guid:        "guid",
	Cask:        "cask",
	Caskade:     "caskade",
	Alias:       "alias",
}

// IsGuid reports whether t belongs to the guid partition.
func (t Type) IsGuid() bool {
	return t&guidBit != 0
}

func (t Type) String() string {
	name, ok := typeNames[t]
	if !ok {
		return fmt.Sprintf("type(0x%02x)", uint8(t))
	}
	return name
}

// ParseType is the inverse of Type.String.
func ParseType(s string) (t Type, err error) {
	for t, name := range typeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown cake type: %q", s)
}

// Cake is a typed digest.  Two cakes are equal iff type and digest
// match, so Cake can be compared with == and used as a map key.
type Cake [Size]byte

var null Cake

// Null returns the all-zero sentinel meaning "no predecessor" or "no
// successor".
func Null() Cake {
	return null
}

// IsNull reports whether c is the sentinel.
func (c Cake) IsNull() bool {
	return c == null
}

// Type returns the type byte.
func (c Cake) Type() Type {
	return Type(c[0])
}

// Digest returns a copy of the digest bytes.
func (c Cake) Digest() []byte {
	out := make([]byte, DigestSize)
	copy(out, c[1:])
	return out
}

// FromDigest packages an already computed digest.
func FromDigest(t Type, sum []byte) (c Cake, err error) {
	if len(sum) != DigestSize {
		return c, fmt.Errorf("digest is %d bytes, expected %d", len(sum), DigestSize)
	}
	c[0] = byte(t)
	copy(c[1:], sum)
	return
}

// FromBytes hashes payload with algo and returns the content cake.  It
// is a pure function of its arguments.
func FromBytes(algo string, payload []byte, t Type) (c Cake, err error) {
	if t.IsGuid() {
		return c, fmt.Errorf("%s is not a content type", t)
	}
	sum, err := Hash(algo, payload)
	if err != nil {
		return
	}
	return FromDigest(t, sum)
}

// NewGuid returns a fresh identifier of guid type t.  The first eight
// digest bytes hold the creation time, the next eight hold seed (random
// when no seed is given) and the last sixteen are a random uuid.  Guids
// sort by creation time when compared bytewise within one type.
func NewGuid(t Type, seed ...byte) Cake {
	if !t.IsGuid() {
		panic(fmt.Sprintf("NewGuid: %s is a content type", t))
	}
	var c Cake
	c[0] = byte(t)
	binary.BigEndian.PutUint64(c[1:9], uint64(guidTime()))
	id, err := uuid.NewRandom()
	if err != nil {
		panic(err)
	}
	copy(c[17:], id[:])
	if len(seed) > 0 {
		copy(c[9:17], seed)
		return c
	}
	_, err = rand.Read(c[9:17])
	if err != nil {
		panic(err)
	}
	return c
}

var lastGuidTime int64

// guidTime returns the current time in nanoseconds, bumped if needed so
// that no two guids from this process share a timestamp.
func guidTime() int64 {
	for {
		last := atomic.LoadInt64(&lastGuidTime)
		now := time.Now().UnixNano()
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastGuidTime, last, now) {
			return now
		}
	}
}

// Time returns the creation time embedded in a guid cake.  Content
// cakes have no creation time and return the zero Time.
func (c Cake) Time() time.Time {
	if !c.Type().IsGuid() || c.IsNull() {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(c[1:9])))
}

// Compare orders cakes bytewise.
func (c Cake) Compare(o Cake) int {
	return bytes.Compare(c[:], o[:])
}

// String renders the cake in base58.
func (c Cake) String() string {
	return base58.Encode(c[:])
}

// Parse reads the base58 form produced by String.
func Parse(s string) (c Cake, err error) {
	buf, err := base58.Decode(s)
	if err != nil {
		return c, fmt.Errorf("malformed cake %q: %v", s, err)
	}
	if len(buf) != Size {
		return c, fmt.Errorf("malformed cake %q: %d bytes", s, len(buf))
	}
	copy(c[:], buf)
	return
}

// Must is Parse for literals; it panics on error.
func Must(s string) Cake {
	c, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Cake) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Cake) UnmarshalText(txt []byte) (err error) {
	*c, err = Parse(string(txt))
	return
}
