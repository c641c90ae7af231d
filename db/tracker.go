package db

import (
	"hash"
	"time"

	"github.com/t7a/caskade/cake"
	"github.com/t7a/caskade/record"
)

// sealReserve is kept free at the end of every cask for the next-cask
// record and the checkpoint that seals it.
const sealReserve = record.NextCaskRecordSize + record.CheckpointRecordSize

// Tracker follows the bytes written to one cask since its last
// checkpoint.  It hashes them as they go by so the next checkpoint can
// name them.
type Tracker struct {
	algo    string
	start   int64
	current int64
	h       hash.Hash
	first   time.Time
}

// NewTracker returns a tracker for an interval beginning at start.
func NewTracker(algo string, start int64) (t *Tracker, err error) {
	h, err := cake.NewHash(algo)
	if err != nil {
		return
	}
	t = &Tracker{algo: algo, start: start, current: start, h: h}
	return
}

// Start is the offset the current interval began at.
func (t *Tracker) Start() int64 { return t.start }

// Current is the offset the next record will be written at.
func (t *Tracker) Current() int64 { return t.current }

// Update feeds the bytes of one record of type typ that were just
// written at Current.  Checkpoints and cask headers don't start the
// TTL clock.
func (t *Tracker) Update(typ record.EntryType, bufs ...[]byte) {
	for _, buf := range bufs {
		if len(buf) == 0 {
			continue
		}
		if t.first.IsZero() && typ != record.Checkpoint && typ != record.CaskHeader {
			t.first = time.Now()
		}
		// hash.Hash.Write never returns an error
		t.h.Write(buf)
		t.current += int64(len(buf))
	}
}

// WillItSpill reports whether writing incoming more bytes at now needs
// a checkpoint first, and which kind.  OnNextCask means the cask is
// full and must be rolled over.
func (t *Tracker) WillItSpill(cfg *Config, now time.Time, incoming int64) (reason record.Reason, spill bool) {
	switch {
	case cfg.MaxCaskSize > 0 && t.current+incoming+sealReserve > cfg.MaxCaskSize:
		return record.OnNextCask, true
	case cfg.CheckpointTTL > 0 && !t.first.IsZero() && now.Sub(t.first) >= cfg.CheckpointTTL:
		return record.TimeTriggered, true
	case cfg.CheckpointSize > 0 && t.current-t.start+incoming > cfg.CheckpointSize:
		return record.SizeTriggered, true
	}
	return
}

// Checkpoint closes the current interval and returns its rolling
// digest and checkpoint body.  The tracker then starts a new interval
// at Current; the checkpoint record itself belongs to that one.
func (t *Tracker) Checkpoint(reason record.Reason) (id cake.Cake, body record.CheckpointBody) {
	id, err := cake.FromDigest(cake.Rolling, t.h.Sum(nil))
	if err != nil {
		// every supported algorithm has a DigestSize sum
		panic(err)
	}
	body = record.CheckpointBody{Start: uint32(t.start), End: uint32(t.current), Reason: reason}
	t.start = t.current
	t.h.Reset()
	t.first = time.Time{}
	return
}
