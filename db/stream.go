package db

import (
	"io"

	"github.com/pkg/errors"
	"github.com/t7a/caskade/cake"
)

// streamReader reads a block stream's chunks in order.
type streamReader struct {
	c       *Caskade
	parts   []cake.Cake
	current int
	rd      io.Reader
}

func (s *streamReader) Read(buf []byte) (n int, err error) {
	for {
		if s.rd == nil {
			if s.current >= len(s.parts) {
				return 0, io.EOF
			}
			s.rd, err = s.c.Reader(s.parts[s.current])
			if err != nil {
				return
			}
			s.current++
		}
		n, err = s.rd.Read(buf)
		if errors.Cause(err) == io.EOF {
			s.rd = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return
	}
}
