package db

import (
	"io"

	resticRabin "github.com/restic/chunker"
)

const (
	kiB = 1024
	miB = 1024 * kiB

	// defMinSize is the default minimal size of a chunk.
	defMinSize = 512 * kiB
	// defMaxSize is the default maximal size of a chunk.
	defMaxSize = 8 * miB
)

// Rabin lightly wraps restic's chunker on the slight chance that we
// might need to replace it someday.
type Rabin struct {
	Poly    resticRabin.Pol
	C       *resticRabin.Chunker
	MinSize uint
	MaxSize uint
}

func (c Rabin) Init() (res *Rabin, err error) {
	if c.MinSize == 0 {
		c.MinSize = defMinSize
	}
	if c.MaxSize == 0 {
		c.MaxSize = defMaxSize
	}
	if c.Poly == 0 {
		c.Poly, err = resticRabin.RandomPolynomial()
	}
	return &c, err
}

func (c *Rabin) Start(rd io.Reader) {
	c.C = resticRabin.NewWithBoundaries(rd, c.Poly, c.MinSize, c.MaxSize)
}

// Next returns the next chunk of the stream passed to Start, or io.EOF
// after the last one.  Chunk data aliases buf, so buf must hold at
// least MaxSize bytes and must not be reused while chunk.Data is live.
func (c *Rabin) Next(buf []byte) (chunk resticRabin.Chunk, err error) {
	return c.C.Next(buf)
}

// chunker returns a Rabin set up from the store's config.
func (cfg *Config) chunker() (*Rabin, error) {
	return Rabin{Poly: cfg.Poly, MinSize: cfg.MinChunk, MaxSize: cfg.MaxChunk}.Init()
}
