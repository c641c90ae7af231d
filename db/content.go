package db

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/caskade/cake"
	"github.com/t7a/caskade/record"
)

// WriteBytes stores payload as content of type typ and returns its
// cake.  Writing content that is already stored does nothing.  A
// payload over the config's AutoChunkCutoff is chunked and stored as a
// block stream instead, and the block stream's cake is returned.
func (c *Caskade) WriteBytes(payload []byte, typ cake.Type) (ck cake.Cake, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	err = c.writable("write")
	if err != nil {
		return
	}
	if c.cfg.AutoChunkCutoff > 0 && int64(len(payload)) > c.cfg.AutoChunkCutoff {
		return c.writeStream(bytes.NewReader(payload))
	}
	return c.writeData(payload, typ)
}

// WriteStream chunks rd and stores it as a block stream.
func (c *Caskade) WriteStream(rd io.Reader) (ck cake.Cake, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	err = c.writable("write stream")
	if err != nil {
		return
	}
	return c.writeStream(rd)
}

func (c *Caskade) writeData(payload []byte, typ cake.Type) (ck cake.Cake, err error) {
	ck, err = cake.FromBytes(c.cfg.Algo, payload, typ)
	if err != nil {
		return
	}
	if _, ok := c.ix.data[ck]; ok {
		c.metrics.dedup.Inc()
		return
	}
	_, err = c.write(record.Data, ck, record.DataBody{Payload: payload})
	return
}

func (c *Caskade) writeStream(rd io.Reader) (ck cake.Cake, err error) {
	chunker, err := c.cfg.chunker()
	if err != nil {
		return
	}
	chunker.Start(rd)
	buf := make([]byte, chunker.MaxSize)
	var list []byte
	for {
		chunk, err := chunker.Next(buf)
		if errors.Cause(err) == io.EOF {
			break
		}
		if err != nil {
			return ck, err
		}
		part, err := c.writeData(chunk.Data, cake.Data)
		if err != nil {
			return ck, err
		}
		list = append(list, part[:]...)
	}
	log.Debugf("stream of %d chunks", len(list)/cake.Size)
	return c.writeData(list, cake.BlockStream)
}

// splitCakes decodes a block stream payload.
func splitCakes(buf []byte) (parts []cake.Cake, err error) {
	if len(buf)%cake.Size != 0 {
		return nil, fmt.Errorf("block stream payload of %d bytes is not a list of cakes", len(buf))
	}
	for i := 0; i < len(buf); i += cake.Size {
		var part cake.Cake
		copy(part[:], buf[i:i+cake.Size])
		parts = append(parts, part)
	}
	return
}

// locate finds ck's payload and the cask holding it.
func (c *Caskade) locate(ck cake.Cake) (loc DataLocation, cf *CaskFile, err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	x, ok := c.ix.data[ck]
	if !ok {
		return loc, nil, &NotFoundError{Cake: ck}
	}
	return x.loc, c.byID[x.loc.Cask], nil
}

// Read returns the content named by ck.  Block streams are reassembled.
func (c *Caskade) Read(ck cake.Cake) (buf []byte, err error) {
	loc, cf, err := c.locate(ck)
	if err != nil {
		return
	}
	buf, err = cf.Fragment(loc.Offset, loc.Size)
	if err != nil {
		return
	}
	if ck.Type() != cake.BlockStream {
		return
	}
	parts, err := splitCakes(buf)
	if err != nil {
		return nil, err
	}
	var out []byte
	for _, part := range parts {
		b, err := c.Read(part)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

// Reader returns a reader over the content named by ck.  Block streams
// are read one chunk at a time.
func (c *Caskade) Reader(ck cake.Cake) (rd io.Reader, err error) {
	loc, cf, err := c.locate(ck)
	if err != nil {
		return
	}
	buf, err := cf.Fragment(loc.Offset, loc.Size)
	if err != nil {
		return
	}
	if ck.Type() != cake.BlockStream {
		return bytes.NewReader(buf), nil
	}
	parts, err := splitCakes(buf)
	if err != nil {
		return
	}
	return &streamReader{c: c, parts: parts}, nil
}

// Has reports whether content ck is stored.
func (c *Caskade) Has(ck cake.Cake) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.ix.data[ck]
	return ok
}

// Locate returns where ck's payload is stored.
func (c *Caskade) Locate(ck cake.Cake) (loc DataLocation, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	x, ok := c.ix.data[ck]
	return x.loc, ok
}

// SetPermalink points alias at content.  It reports whether anything
// was written; pointing an alias where it already points is a no-op.
func (c *Caskade) SetPermalink(content, alias cake.Cake) (changed bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	err = c.writable("permalink")
	if err != nil {
		return
	}
	if !alias.Type().IsGuid() {
		return false, fmt.Errorf("permalink alias %s is not a guid", alias)
	}
	if old, ok := c.ix.permalinks[alias]; ok && old.target == content {
		return false, nil
	}
	_, err = c.write(record.Permalink, content, record.PermalinkBody{Dest: alias})
	if err != nil {
		return
	}
	return true, nil
}

// Resolve returns the content alias currently points at.
func (c *Caskade) Resolve(alias cake.Cake) (content cake.Cake, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	x, ok := c.ix.permalinks[alias]
	return x.target, ok
}

// SaveDerived records that applying filter to src gives derived.
func (c *Caskade) SaveDerived(src, filter, derived cake.Cake) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	err = c.writable("derive")
	if err != nil {
		return
	}
	if old, ok := c.ix.derived[derivedKey{src, filter}]; ok && old.target == derived {
		return
	}
	_, err = c.write(record.Derived, src, record.DerivedBody{Filter: filter, Derived: derived})
	return
}

// Derived returns the latest derived cake for (src, filter).
func (c *Caskade) Derived(src, filter cake.Cake) (derived cake.Cake, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	x, ok := c.ix.derived[derivedKey{src, filter}]
	return x.target, ok
}

// Tag attaches tag to subject.  Tags accumulate; nothing is replaced.
func (c *Caskade) Tag(subject cake.Cake, tag record.TagInfo) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	err = c.writable("tag")
	if err != nil {
		return
	}
	if tag.Name == "" {
		return fmt.Errorf("tag name is empty")
	}
	_, err = c.write(record.Tag, subject, record.TagBody{Tag: tag})
	return
}

// Tags returns subject's tags in the order they were written.
func (c *Caskade) Tags(subject cake.Cake) (tags []record.TagInfo) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, x := range c.ix.tags[subject] {
		tags = append(tags, x.tag)
	}
	return
}

// Checkpoint writes a manual checkpoint.
func (c *Caskade) Checkpoint() (cp Checkpoint, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	err = c.writable("checkpoint")
	if err != nil {
		return
	}
	x, err := c.active.Checkpoint(c, record.Manual)
	if err != nil {
		return
	}
	return *x, nil
}
