package db

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/caskade/cake"
	"github.com/t7a/caskade/record"
)

// State is where a caskade is in its lifecycle.
type State int

const (
	// Active means this process holds the writer.
	Active State = iota
	// Paused means the writer was let go cleanly and may be resumed.
	Paused
	// Unclean means the last writer went away without pausing or
	// closing; Recover must run before writing.
	Unclean
	// Closed means every cask is sealed.
	Closed
)

var stateNames = []string{"active", "paused", "unclean", "closed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Caskade is a store directory: a config file and a chain of casks.
// Dir is the base directory.
type Caskade struct {
	Dir string

	cfg *Config

	// mu guards everything below.  Writers hold it for the whole
	// operation, including file I/O; lookups take it shared.
	mu       sync.RWMutex
	state    State
	casks    []*CaskFile
	byID     map[cake.Cake]*CaskFile
	active   *CaskFile
	ix       *index
	findings []*DataValidationError
	damaged  []*CaskError
	metrics  *metrics
}

func newCaskade(dir string, cfg *Config) *Caskade {
	return &Caskade{
		Dir:     dir,
		cfg:     cfg,
		byID:    make(map[cake.Cake]*CaskFile),
		ix:      newIndex(),
		metrics: newMetrics(cfg.ID),
	}
}

// Initialize creates a new caskade in dir, which must be empty or
// missing, and returns it active.  Zero fields of cfg get defaults and
// cfg.ID is always assigned fresh.
func Initialize(dir string, cfg Config) (c *Caskade, err error) {
	defer Return(&err)
	dir = filepath.Clean(dir)

	// if directory exists, make sure it's empty
	if canstat(dir) {
		var files []os.FileInfo
		files, err = ioutil.ReadDir(dir)
		Ck(err)
		if len(files) > 0 {
			return nil, &ExistsError{Path: dir}
		}
	}
	err = cfg.setDefaults()
	Ck(err)
	cfg.ID = cake.NewGuid(cake.Caskade)
	err = cfg.validate()
	if err != nil {
		return
	}
	err = os.MkdirAll(dir, 0755)
	Ck(err)
	err = cfg.save(dir)
	Ck(err)

	c = newCaskade(dir, &cfg)
	id := cake.NewGuid(cake.Cask, cfg.ID[9:17]...)
	cf, err := CreateCaskFile(c, dir, id, cake.Null(), cake.Null())
	if err != nil {
		return nil, err
	}
	c.casks = append(c.casks, cf)
	c.byID[id] = cf
	c.active = cf
	c.state = Active
	log.Infof("initialized caskade %s in %s", cfg.ID, dir)
	return
}

// Open loads an existing caskade by replaying its casks, newest first.
// No writer is attached: the result is Paused, Unclean or Closed.
func Open(dir string) (c *Caskade, err error) {
	dir = filepath.Clean(dir)
	if !canstat(dir) {
		return nil, &NotCaskadeError{Dir: dir}
	}
	cfg, err := loadConfig(dir)
	if err != nil {
		return
	}
	c = newCaskade(dir, cfg)

	files, err := ioutil.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, info := range files {
		id, sealed, ok := parseCaskName(info.Name())
		if !ok {
			continue
		}
		if _, dup := c.byID[id]; dup {
			return nil, &CorruptStoreError{Dir: dir, Reason: fmt.Sprintf("cask %s is both active and sealed", id)}
		}
		if !sealed && info.Size() < record.CaskHeaderRecordSize {
			// creation stopped before the header was complete;
			// Recover replaces it
			log.Warnf("ignoring cask %s with a %d byte header", id, info.Size())
			continue
		}
		cf := &CaskFile{ID: id, Dir: dir, sealed: sealed}
		c.casks = append(c.casks, cf)
		c.byID[id] = cf
	}
	if len(c.casks) == 0 {
		return nil, &CorruptStoreError{Dir: dir, Reason: "no casks"}
	}
	sort.Slice(c.casks, func(i, j int) bool {
		ti, tj := c.casks[i].ID.Time(), c.casks[j].ID.Time()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return c.casks[i].ID.Compare(c.casks[j].ID) < 0
	})
	for i, cf := range c.casks {
		cf.rank = i
	}

	for i := len(c.casks) - 1; i >= 0; i-- {
		err = c.replay(c.casks[i])
		if err != nil {
			return nil, err
		}
	}
	c.ix.settle()

	err = c.checkChain()
	if err != nil {
		return nil, err
	}

	var live []*CaskFile
	for _, cf := range c.casks {
		if !cf.sealed {
			live = append(live, cf)
		}
	}
	switch len(live) {
	case 0:
		tail := c.casks[len(c.casks)-1]
		switch {
		case tail.last.Reason == record.CaskadeClose && tail.Next.IsNull():
			c.state = Closed
		case tail.last.Reason == record.OnNextCask && !tail.Next.IsNull():
			// sealed for a rollover, but its successor never started
			c.active = tail
			c.state = Unclean
		default:
			return nil, &CorruptStoreError{Dir: dir, Reason: fmt.Sprintf("newest cask %s ends with %s, next %s", tail.ID, tail.last.Reason, tail.Next)}
		}
	case 1:
		c.active = live[0]
		if c.active.last.Reason == record.CaskadePause {
			c.state = Paused
		} else {
			c.state = Unclean
		}
	default:
		return nil, &CorruptStoreError{Dir: dir, Reason: fmt.Sprintf("%d unsealed casks", len(live))}
	}
	for _, f := range c.findings {
		log.Warn(f)
	}
	log.Infof("opened caskade %s: %d casks, %d objects, %s", cfg.ID, len(c.casks), len(c.ix.data), c.state)
	return
}

// replay folds one cask into the index.  In a cask that isn't sealed
// only records followed by a checkpoint count; the rest is left for
// Recover.
func (c *Caskade) replay(cf *CaskFile) (err error) {
	sc := cf.Scan(c.cfg.Algo, 0, c.cfg.ValidateOnOpen, nil)
	defer sc.Close()
	var pending []*Entry
	for sc.Scan() {
		e := sc.Entry()
		cf.lastTime = e.Header.Time
		switch body := e.Body.(type) {
		case record.CaskHeaderBody:
			if e.Offset != 0 {
				return &CaskError{Cask: cf.ID, Err: fmt.Errorf("cask header at offset %d", e.Offset)}
			}
			if body.CaskadeID != c.cfg.ID {
				return &CorruptStoreError{Dir: c.Dir, Reason: fmt.Sprintf("cask %s belongs to caskade %s", cf.ID, body.CaskadeID)}
			}
			cf.Prev = e.Header.Subject
			cp := &Checkpoint{Cask: cf.ID, ID: body.CheckpointID, Reason: record.OnCaskHeader, Time: time.Unix(0, e.Header.Time)}
			cf.last = cp
			c.ix.addCheckpoint(cp, cf.rank)
		case record.CheckpointBody:
			for _, p := range pending {
				c.ix.fold(p, cf.rank)
			}
			pending = nil
			cp := &Checkpoint{
				Cask:   cf.ID,
				ID:     e.Header.Subject,
				Start:  int64(body.Start),
				End:    int64(body.End),
				Reason: body.Reason,
				Time:   time.Unix(0, e.Header.Time),
			}
			cf.last = cp
			c.ix.addCheckpoint(cp, cf.rank)
		case record.NextCaskBody:
			cf.Next = e.Header.Subject
		case record.DataBody:
			e.Body = record.DataBody{}
			pending = append(pending, e)
		default:
			pending = append(pending, e)
		}
	}
	c.findings = append(c.findings, sc.Invalid()...)
	if cf.last == nil {
		return &CaskError{Cask: cf.ID, Err: fmt.Errorf("missing cask header")}
	}
	err = sc.Err()
	if err != nil {
		if cf.sealed {
			return &CaskError{Cask: cf.ID, Err: err}
		}
		log.Warnf("cask %s: %v", cf.ID, err)
		c.damaged = append(c.damaged, &CaskError{Cask: cf.ID, Err: err})
		err = nil
	}
	if cf.last.Reason.Seals() && !cf.sealed {
		log.Warnf("cask %s ends in a %s checkpoint but was never renamed; finishing seal", cf.ID, cf.last.Reason)
		err = cf.finishSeal()
		if err != nil {
			return
		}
	}
	if cf.sealed && (!cf.last.Reason.Seals() || len(pending) > 0) {
		return &CaskError{Cask: cf.ID, Err: fmt.Errorf("sealed cask does not end with a sealing checkpoint")}
	}
	return
}

// checkChain verifies each cask names the one before it.
func (c *Caskade) checkChain() error {
	for i, cf := range c.casks {
		prev := cake.Null()
		if i > 0 {
			prev = c.casks[i-1].ID
			if c.casks[i-1].Next != cf.ID {
				return &CorruptStoreError{Dir: c.Dir, Reason: fmt.Sprintf("cask %s is not followed by %s", prev, cf.ID)}
			}
		}
		if cf.Prev != prev {
			return &CorruptStoreError{Dir: c.Dir, Reason: fmt.Sprintf("cask %s names predecessor %s, expected %s", cf.ID, cf.Prev, prev)}
		}
	}
	return nil
}

// Config returns the store's config.  Callers must not modify it.
func (c *Caskade) Config() *Config {
	return c.cfg
}

// CaskadeID returns the id assigned on Initialize.
func (c *Caskade) CaskadeID() cake.Cake {
	return c.cfg.ID
}

func (c *Caskade) Checkpointed(cf *CaskFile, cp *Checkpoint) {
	rank := cf.rank
	if _, ok := c.byID[cf.ID]; !ok {
		// a new cask's header, announced before Rolled adds it
		rank = len(c.casks)
	}
	c.ix.addCheckpoint(cp, rank)
	c.metrics.checkpointed(cp)
}

func (c *Caskade) Rolled(cf, next *CaskFile) {
	next.rank = len(c.casks)
	c.casks = append(c.casks, next)
	c.byID[next.ID] = next
	c.active = next
	c.metrics.rollovers.Inc()
}

// State returns the current lifecycle state.
func (c *Caskade) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Findings returns the validation failures seen by Open when
// ValidateOnOpen is set.
func (c *Caskade) Findings() []*DataValidationError {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*DataValidationError(nil), c.findings...)
}

// Damaged returns the structural errors Open found after the last
// checkpoint of the active cask.  Recover fails with the same error
// until the damage is dealt with; a successful Recover clears the list.
func (c *Caskade) Damaged() []*CaskError {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*CaskError(nil), c.damaged...)
}

// Casks lists cask ids oldest first.
func (c *Caskade) Casks() (ids []cake.Cake) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, cf := range c.casks {
		ids = append(ids, cf.ID)
	}
	return
}

// Cask returns the cask with the given id.
func (c *Caskade) Cask(id cake.Cake) (cf *CaskFile, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cf, ok = c.byID[id]
	return
}

// Checkpoints lists every checkpoint in write order, including the ones
// implied by cask headers.
func (c *Caskade) Checkpoints() (cps []Checkpoint) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, x := range c.ix.checkpoints {
		cps = append(cps, *x.cp)
	}
	return
}

func (c *Caskade) writable(op string) error {
	if c.state == Active && (c.active == nil || c.active.fh == nil || c.active.last.Reason.Seals()) {
		// the writer went away partway through a seal
		c.state = Unclean
	}
	if c.state != Active {
		return &AccessError{Op: op, State: c.state}
	}
	return nil
}

// write appends one record through the active cask and folds it.
func (c *Caskade) write(typ record.EntryType, subject cake.Cake, body record.Body) (e *Entry, err error) {
	e, err = c.active.WriteEntry(c, typ, subject, body)
	if err != nil {
		if c.active.fh == nil || c.active.last.Reason.Seals() {
			c.state = Unclean
			log.Errorf("seal of cask %s did not finish: %v", c.active.ID, err)
		}
		return
	}
	c.ix.fold(e, c.byID[e.Cask].rank)
	c.metrics.wrote(e)
	return
}

func canstat(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
