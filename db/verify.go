package db

import (
	"fmt"
	"io"

	"github.com/t7a/caskade/cake"
	"github.com/t7a/caskade/record"
)

// Verify rereads every cask.  It rehashes each payload, recomputes
// each checkpoint's rolling digest and checks that every cask header
// carries the final checkpoint of the cask before it.  Payload
// mismatches are returned as findings; anything else stops the check
// with an error.
func (c *Caskade) Verify() (findings []*DataValidationError, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var prevFinal cake.Cake
	for _, cf := range c.casks {
		var invalid []*DataValidationError
		prevFinal, invalid, err = c.verifyCask(cf, prevFinal)
		findings = append(findings, invalid...)
		if err != nil {
			return
		}
	}
	return
}

// verifyCask checks one cask and returns the id of its last checkpoint.
func (c *Caskade) verifyCask(cf *CaskFile, prevFinal cake.Cake) (final cake.Cake, invalid []*DataValidationError, err error) {
	fh, err := cf.open()
	if err != nil {
		return
	}
	defer fh.Close()
	sc := cf.Scan(c.cfg.Algo, 0, true, nil)
	defer func() {
		sc.Close()
		invalid = sc.Invalid()
	}()
	for sc.Scan() {
		e := sc.Entry()
		switch body := e.Body.(type) {
		case record.CaskHeaderBody:
			if body.CheckpointID != prevFinal {
				return final, nil, &CaskError{Cask: cf.ID, Err: fmt.Errorf("header names checkpoint %s, previous cask ended with %s", body.CheckpointID, prevFinal)}
			}
			final = body.CheckpointID
		case record.CheckpointBody:
			h, err := cake.NewHash(c.cfg.Algo)
			if err != nil {
				return final, nil, err
			}
			start, end := int64(body.Start), int64(body.End)
			_, err = io.Copy(h, io.NewSectionReader(fh, start, end-start))
			if err != nil {
				return final, nil, err
			}
			got, err := cake.FromDigest(cake.Rolling, h.Sum(nil))
			if err != nil {
				return final, nil, err
			}
			if got != e.Header.Subject {
				return final, nil, &CaskError{Cask: cf.ID, Err: fmt.Errorf("checkpoint at %d covers [%d, %d) with digest %s, recorded %s", e.Offset, start, end, got, e.Header.Subject)}
			}
			final = got
		}
	}
	if sc.Err() != nil {
		return final, nil, &CaskError{Cask: cf.ID, Err: sc.Err()}
	}
	return
}
