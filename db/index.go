package db

import (
	"sort"

	"github.com/t7a/caskade/cake"
	"github.com/t7a/caskade/record"
)

// position orders records across the whole caskade: casks by creation,
// then offset within a cask.  Open replays newest cask first, so every
// fold compares positions instead of trusting arrival order.
type position struct {
	rank   int
	offset int64
}

func (p position) before(o position) bool {
	if p.rank != o.rank {
		return p.rank < o.rank
	}
	return p.offset < o.offset
}

type located struct {
	loc DataLocation
	pos position
}

type linked struct {
	target cake.Cake
	pos    position
}

type tagged struct {
	tag record.TagInfo
	pos position
}

type checkpointed struct {
	cp  *Checkpoint
	pos position
}

type derivedKey struct {
	src    cake.Cake
	filter cake.Cake
}

// index holds everything rebuilt from the casks on open.
type index struct {
	data        map[cake.Cake]located
	permalinks  map[cake.Cake]linked
	derived     map[derivedKey]linked
	tags        map[cake.Cake][]tagged
	checkpoints []checkpointed
}

func newIndex() *index {
	return &index{
		data:       make(map[cake.Cake]located),
		permalinks: make(map[cake.Cake]linked),
		derived:    make(map[derivedKey]linked),
		tags:       make(map[cake.Cake][]tagged),
	}
}

// fold applies one record.  The first data record for a cake wins; the
// last permalink or derived record for a key wins; tags accumulate.
// Checkpoint and cask bookkeeping records are handled by the caller.
func (ix *index) fold(e *Entry, rank int) {
	pos := position{rank, e.Offset}
	subject := e.Header.Subject
	switch body := e.Body.(type) {
	case record.DataBody:
		if e.Invalid {
			return
		}
		old, ok := ix.data[subject]
		if !ok || pos.before(old.pos) {
			ix.data[subject] = located{*e.Loc, pos}
		}
	case record.PermalinkBody:
		old, ok := ix.permalinks[body.Dest]
		if !ok || old.pos.before(pos) {
			ix.permalinks[body.Dest] = linked{subject, pos}
		}
	case record.DerivedBody:
		k := derivedKey{subject, body.Filter}
		old, ok := ix.derived[k]
		if !ok || old.pos.before(pos) {
			ix.derived[k] = linked{body.Derived, pos}
		}
	case record.TagBody:
		ix.tags[subject] = append(ix.tags[subject], tagged{body.Tag, pos})
	}
}

func (ix *index) addCheckpoint(cp *Checkpoint, rank int) {
	offset := cp.End
	if cp.virtual() {
		offset = -1
	}
	ix.checkpoints = append(ix.checkpoints, checkpointed{cp, position{rank, offset}})
}

// settle puts order-sensitive lists in write order after a replay.
func (ix *index) settle() {
	sort.SliceStable(ix.checkpoints, func(i, j int) bool {
		return ix.checkpoints[i].pos.before(ix.checkpoints[j].pos)
	})
	for _, list := range ix.tags {
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].pos.before(list[j].pos)
		})
	}
}
