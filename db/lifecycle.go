package db

import (
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/caskade/cake"
	"github.com/t7a/caskade/record"
)

// Pause writes a pause checkpoint and lets go of the writer.  The same
// or another process can pick up again with Open and Resume.
func (c *Caskade) Pause() (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	err = c.writable("pause")
	if err != nil {
		return
	}
	_, err = c.active.Checkpoint(c, record.CaskadePause)
	if err != nil {
		return
	}
	err = c.active.detach()
	if err != nil {
		return
	}
	c.state = Paused
	log.Debugf("paused caskade %s", c.cfg.ID)
	return
}

// Resume takes the writer back after a Pause.  The active cask must
// end exactly with the pause checkpoint.
func (c *Caskade) Resume() (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case Active, Closed:
		return &AccessError{Op: "resume", State: c.state}
	}
	cf := c.active
	last := cf.last
	if last.Reason != record.CaskadePause {
		return &InvalidStateError{Op: "resume", Reason: fmt.Sprintf("last checkpoint of cask %s is %s, not pause", cf.ID, last.Reason)}
	}
	size, err := cf.Size()
	if err != nil {
		return
	}
	want := last.End + record.CheckpointRecordSize
	if size != want {
		return &InvalidStateError{Op: "resume", Reason: fmt.Sprintf("cask %s is %d bytes, pause checkpoint ends at %d", cf.ID, size, want)}
	}

	// the pause record opens the interval we're resuming
	tracker, err := NewTracker(c.cfg.Algo, last.End)
	if err != nil {
		return
	}
	buf, err := cf.Fragment(last.End, record.CheckpointRecordSize)
	if err != nil {
		return
	}
	tracker.Update(record.Checkpoint, buf)

	err = cf.attach(tracker)
	if err != nil {
		return
	}
	_, err = cf.Checkpoint(c, record.CaskadeResume)
	if err != nil {
		cf.detach()
		return
	}
	c.state = Active
	log.Debugf("resumed caskade %s", c.cfg.ID)
	return
}

// Recover takes the writer back after a crash.  It waits quiet for the
// active cask to stay still, fails with *NotQuietError if it doesn't,
// then replays everything after the last checkpoint, indexes what it
// finds and writes a recover checkpoint.  Payloads that fail to hash
// to their subject are returned but don't stop recovery; a record that
// can't be framed does.  A rollover or close that stopped partway is
// finished: the seal is completed and a missing successor is created.
func (c *Caskade) Recover(quiet time.Duration) (findings []*DataValidationError, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case Active, Closed:
		return nil, &AccessError{Op: "recover", State: c.state}
	}
	cf := c.active

	if quiet > 0 {
		err = waitQuiet(cf, quiet)
		if err != nil {
			return
		}
	}

	if !cf.sealed && cf.last.Reason.Seals() {
		// sealed but not renamed
		cf.detach()
		err = cf.finishSeal()
		if err != nil {
			return
		}
	}
	if cf.sealed {
		switch cf.last.Reason {
		case record.CaskadeClose:
			c.active = nil
			c.state = Closed
			c.damaged = nil
			log.Infof("recovered caskade %s: finished close", c.cfg.ID)
		case record.OnNextCask:
			err = c.startSuccessor(cf)
			if err != nil {
				return
			}
			err = c.recovered(0, nil)
		default:
			err = &CorruptStoreError{Dir: c.Dir, Reason: fmt.Sprintf("sealed cask %s ends with %s", cf.ID, cf.last.Reason)}
		}
		return
	}

	// the last checkpoint's own record starts the interval
	last := cf.last
	start := last.End
	if last.virtual() {
		start = 0
	}
	tracker, err := NewTracker(c.cfg.Algo, start)
	if err != nil {
		return
	}
	sc := cf.Scan(c.cfg.Algo, start, true, tracker)
	defer sc.Close()
	var tail []*Entry
	for sc.Scan() {
		e := sc.Entry()
		if e.Offset == start {
			// the checkpoint (or header) Open already indexed
			continue
		}
		tail = append(tail, e)
	}
	findings = sc.Invalid()
	err = sc.Err()
	if err != nil {
		return findings, &CaskError{Cask: cf.ID, Err: err}
	}

	sealing := false
	var successor cake.Cake
	for i, e := range tail {
		cf.lastTime = e.Header.Time
		switch body := e.Body.(type) {
		case record.CheckpointBody:
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
			if i != len(tail)-1 {
				return findings, &CaskError{Cask: cf.ID, Err: fmt.Errorf("next_cask record at offset %d is not the last record", e.Offset)}
			}
			// the seal stopped before its checkpoint
			sealing = true
			successor = e.Header.Subject
		case record.CaskHeaderBody:
			return findings, &CaskError{Cask: cf.ID, Err: fmt.Errorf("unexpected %s record at offset %d", e.Header.Type, e.Offset)}
		default:
			c.ix.fold(e, cf.rank)
		}
	}

	err = cf.attach(tracker)
	if err != nil {
		return
	}
	if sealing {
		reason := record.OnNextCask
		if successor.IsNull() {
			reason = record.CaskadeClose
		}
		_, err = cf.sealTail(c, reason, successor)
		if err != nil {
			cf.detach()
			return
		}
		if successor.IsNull() {
			c.active = nil
			c.state = Closed
			c.damaged = nil
			log.Infof("recovered caskade %s: finished close", c.cfg.ID)
			return
		}
		err = c.startSuccessor(cf)
		if err != nil {
			return
		}
	}
	err = c.recovered(len(tail), findings)
	return
}

// startSuccessor creates the cask a rollover sealed cf for and makes it
// the active one.  A successor left with a partial header is replaced.
func (c *Caskade) startSuccessor(cf *CaskFile) (err error) {
	path := CaskPath(c.Dir, cf.Next, false)
	info, err := os.Stat(path)
	switch {
	case err == nil && info.Size() >= record.CaskHeaderRecordSize:
		return &CorruptStoreError{Dir: c.Dir, Reason: fmt.Sprintf("successor %s of cask %s exists but was not opened", cf.Next, cf.ID)}
	case err == nil:
		log.Warnf("removing cask %s with a %d byte header", cf.Next, info.Size())
		err = os.Remove(path)
		if err != nil {
			return
		}
	case !os.IsNotExist(err):
		return
	}
	next, err := CreateCaskFile(c, c.Dir, cf.Next, cf.ID, cf.last.ID)
	if err != nil {
		return
	}
	c.Rolled(cf, next)
	log.Infof("started cask %s after %s", next.ID, cf.ID)
	return
}

// recovered writes the recover checkpoint that hands the writer back.
func (c *Caskade) recovered(tail int, findings []*DataValidationError) (err error) {
	_, err = c.active.Checkpoint(c, record.CaskadeRecover)
	if err != nil {
		c.active.detach()
		return
	}
	c.state = Active
	c.damaged = nil
	for _, f := range findings {
		log.Warn(f)
	}
	log.Infof("recovered caskade %s: %d records after last checkpoint, %d invalid", c.cfg.ID, tail, len(findings))
	return
}

// waitQuiet fails if cf changes within quiet.
func waitQuiet(cf *CaskFile, quiet time.Duration) (err error) {
	before, err := cf.Size()
	if err != nil {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return
	}
	defer watcher.Close()
	err = watcher.Add(cf.Path())
	if err != nil {
		return
	}

	timer := time.NewTimer(quiet)
	defer timer.Stop()
	changed := false
wait:
	for {
		select {
		case ev := <-watcher.Events:
			if ev.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				changed = true
				break wait
			}
		case err = <-watcher.Errors:
			return
		case <-timer.C:
			break wait
		}
	}

	after, err := cf.Size()
	if err != nil {
		return
	}
	if changed || after != before {
		return &NotQuietError{Cask: cf.ID, Before: before, After: after}
	}
	return
}

// Close seals the active cask with a null successor.  A closed caskade
// can still be read but never written again.
func (c *Caskade) Close() (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	err = c.writable("close")
	if err != nil {
		return
	}
	_, err = c.active.Seal(c, record.CaskadeClose, cake.Null())
	if err != nil {
		return
	}
	c.active = nil
	c.state = Closed
	log.Infof("closed caskade %s", c.cfg.ID)
	return
}
