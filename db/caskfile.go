package db

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/caskade/cake"
	"github.com/t7a/caskade/record"
)

// file modes
const (
	READ  = 0444
	WRITE = 0644
)

// file name extensions
const (
	activeExt = ".active"
	sealedExt = ".cask"
)

// Context is what a cask needs from the store it belongs to.
type Context interface {
	Config() *Config
	CaskadeID() cake.Cake
	// Checkpointed is called after each checkpoint lands in cf,
	// including the implied one at the top of a new cask.
	Checkpointed(cf *CaskFile, cp *Checkpoint)
	// Rolled is called once cf is sealed and next has taken over.
	Rolled(cf, next *CaskFile)
}

// Checkpoint describes one checkpoint record.  ID is the rolling digest
// of the cask bytes in [Start, End).
type Checkpoint struct {
	Cask   cake.Cake
	ID     cake.Cake
	Start  int64
	End    int64
	Reason record.Reason
	Time   time.Time
}

// virtual reports whether cp is the checkpoint implied by a cask
// header rather than a record in the file.
func (cp *Checkpoint) virtual() bool {
	return cp.Reason == record.OnCaskHeader
}

// DataLocation says where a payload lives.  Locations are rebuilt on
// every open and never change once handed out.
type DataLocation struct {
	Cask   cake.Cake
	Offset int64
	Size   int64
}

// CaskFile is one segment of a caskade.
type CaskFile struct {
	ID   cake.Cake
	Dir  string
	Prev cake.Cake
	Next cake.Cake

	rank     int
	sealed   bool
	fresh    bool
	last     *Checkpoint
	fh       *os.File
	tracker  *Tracker
	lastTime int64
}

// CaskPath returns the path of cask id in dir.
func CaskPath(dir string, id cake.Cake, sealed bool) string {
	ext := activeExt
	if sealed {
		ext = sealedExt
	}
	return filepath.Join(dir, id.String()+ext)
}

// parseCaskName returns the id and state encoded in a cask file name.
func parseCaskName(name string) (id cake.Cake, sealed, ok bool) {
	var stem string
	switch {
	case strings.HasSuffix(name, sealedExt):
		stem, sealed = strings.TrimSuffix(name, sealedExt), true
	case strings.HasSuffix(name, activeExt):
		stem = strings.TrimSuffix(name, activeExt)
	default:
		return
	}
	id, err := cake.Parse(stem)
	if err != nil || id.Type() != cake.Cask {
		return
	}
	return id, sealed, true
}

// Path returns the file's current path.
func (cf *CaskFile) Path() string {
	return CaskPath(cf.Dir, cf.ID, cf.sealed)
}

// Sealed reports whether the cask has been closed for good.
func (cf *CaskFile) Sealed() bool {
	return cf.sealed
}

// Last returns the last checkpoint seen in the cask.
func (cf *CaskFile) Last() *Checkpoint {
	return cf.last
}

// CreateCaskFile creates a new active cask and writes its header.  The
// header names prev as predecessor and checkpointID as the digest of
// the predecessor's final interval.
func CreateCaskFile(cx Context, dir string, id, prev, checkpointID cake.Cake) (cf *CaskFile, err error) {
	cf = &CaskFile{ID: id, Dir: dir, Prev: prev}
	path := cf.Path()
	fh, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_APPEND, WRITE)
	if os.IsExist(err) {
		return nil, &ExistsError{Path: path}
	}
	if err != nil {
		return
	}
	defer func() {
		if err != nil {
			fh.Close()
			cf.fh = nil
		}
	}()
	tracker, err := NewTracker(cx.Config().Algo, 0)
	if err != nil {
		return
	}
	cf.fh = fh
	cf.tracker = tracker

	body := record.CaskHeaderBody{CaskadeID: cx.CaskadeID(), CheckpointID: checkpointID}
	buf, err := record.Encode(record.Header{Type: record.CaskHeader, Subject: prev}, body)
	if err != nil {
		return
	}
	_, err = cf.writeRecord(buf, -1)
	if err != nil {
		return
	}
	cf.fresh = true
	cp := &Checkpoint{Cask: id, ID: checkpointID, Reason: record.OnCaskHeader, Time: time.Unix(0, cf.lastTime)}
	cf.last = cp
	cx.Checkpointed(cf, cp)
	log.Debugf("created cask %s prev %s", id, prev)
	return
}

// attach opens the file for appending.  tracker must describe the
// interval ending at the current end of the file.
func (cf *CaskFile) attach(tracker *Tracker) (err error) {
	Assert(!cf.sealed, "attach to sealed cask %s", cf.ID)
	Assert(cf.fh == nil, "cask %s already attached", cf.ID)
	fh, err := os.OpenFile(cf.Path(), os.O_WRONLY|os.O_APPEND, WRITE)
	if err != nil {
		return
	}
	cf.fh = fh
	cf.tracker = tracker
	return
}

// detach closes the write handle, if any.
func (cf *CaskFile) detach() (err error) {
	if cf.fh == nil {
		return
	}
	err = cf.fh.Close()
	cf.fh = nil
	cf.tracker = nil
	return
}

// Size returns the file's current size on disk.
func (cf *CaskFile) Size() (size int64, err error) {
	info, err := os.Stat(cf.Path())
	if err != nil {
		return
	}
	return info.Size(), nil
}

// stamp sets the record timestamp in buf, keeping timestamps within a
// cask strictly increasing.
func (cf *CaskFile) stamp(buf []byte) {
	now := time.Now().UnixNano()
	if now <= cf.lastTime {
		now = cf.lastTime + 1
	}
	cf.lastTime = now
	h, _, err := record.DecodeHeader(buf, 0)
	Ck(err)
	h.Time = now
	record.EncodeHeader(buf[:0], h)
}

// AppendBuffer writes buf, one encoded record, at the end of the file
// and feeds it to the tracker.  If contentSize is not negative, buf is
// a data record and the returned location points at its payload.
func (cf *CaskFile) AppendBuffer(buf []byte, contentSize int) (loc *DataLocation, err error) {
	if cf.fh == nil {
		return nil, fmt.Errorf("cask %s is not open for writing", cf.ID)
	}
	if len(buf) < record.HeaderSize {
		return nil, fmt.Errorf("cask %s: %d bytes is shorter than a record header", cf.ID, len(buf))
	}
	offset := cf.tracker.Current()
	n, err := cf.fh.Write(buf)
	if err != nil {
		return
	}
	Assert(n == len(buf))
	cf.tracker.Update(record.EntryType(buf[0]), buf)
	if contentSize >= 0 {
		loc = &DataLocation{
			Cask:   cf.ID,
			Offset: offset + int64(len(buf)-contentSize),
			Size:   int64(contentSize),
		}
	}
	return
}

func (cf *CaskFile) writeRecord(buf []byte, contentSize int) (*DataLocation, error) {
	cf.fresh = false
	cf.stamp(buf)
	return cf.AppendBuffer(buf, contentSize)
}

// WriteEntry appends one record, taking any checkpoint it calls for
// first.  When the cask is full it is sealed, its successor is created
// and handed to cx.Rolled, and the record goes there instead.  The
// returned entry says where the record landed.
func (cf *CaskFile) WriteEntry(cx Context, typ record.EntryType, subject cake.Cake, body record.Body) (e *Entry, err error) {
	if cf.fh == nil {
		return nil, fmt.Errorf("cask %s is not open for writing", cf.ID)
	}
	buf, err := record.Encode(record.Header{Type: typ, Subject: subject}, body)
	if err != nil {
		return
	}
	cfg := cx.Config()
	size := int64(len(buf))
	reason, spill := cf.tracker.WillItSpill(cfg, time.Now(), size)
	if spill && reason == record.OnNextCask && cf.fresh {
		// a new cask takes any record; rolling over again can't help
		log.Warnf("%d byte %s record exceeds max cask size %d", size, typ, cfg.MaxCaskSize)
		spill = false
	}
	if spill {
		if reason == record.OnNextCask {
			next, err := cf.rollover(cx)
			if err != nil {
				return nil, err
			}
			return next.WriteEntry(cx, typ, subject, body)
		}
		_, err = cf.Checkpoint(cx, reason)
		if err != nil {
			return
		}
	}
	if cf.tracker.Current()+size+sealReserve > math.MaxUint32 {
		return nil, fmt.Errorf("cask %s: %d byte record would pass the 32 bit offset limit", cf.ID, size)
	}

	contentSize := -1
	if data, ok := body.(record.DataBody); ok {
		contentSize = len(data.Payload)
	}
	offset := cf.tracker.Current()
	loc, err := cf.writeRecord(buf, contentSize)
	if err != nil {
		return
	}
	e = &Entry{
		Header: record.Header{Type: typ, Time: cf.lastTime, Subject: subject},
		Body:   body,
		Cask:   cf.ID,
		Offset: offset,
		Size:   size,
		Loc:    loc,
	}
	return
}

// Checkpoint writes a checkpoint record for the bytes since the last one.
func (cf *CaskFile) Checkpoint(cx Context, reason record.Reason) (cp *Checkpoint, err error) {
	if cf.fh == nil {
		return nil, fmt.Errorf("cask %s is not open for writing", cf.ID)
	}
	id, body := cf.tracker.Checkpoint(reason)
	buf, err := record.Encode(record.Header{Type: record.Checkpoint, Subject: id}, body)
	if err != nil {
		return
	}
	_, err = cf.writeRecord(buf, -1)
	if err != nil {
		return
	}
	if cx.Config().Sync {
		err = cf.fh.Sync()
		if err != nil {
			return
		}
	}
	cp = &Checkpoint{
		Cask:   cf.ID,
		ID:     id,
		Start:  int64(body.Start),
		End:    int64(body.End),
		Reason: reason,
		Time:   time.Unix(0, cf.lastTime),
	}
	cf.last = cp
	cx.Checkpointed(cf, cp)
	log.Debugf("cask %s checkpoint %s [%d, %d) %s", cf.ID, reason, body.Start, body.End, id)
	return
}

// Seal ends the cask: it writes a next-cask record naming successor
// (null when the caskade is closing), a sealing checkpoint, and then
// renames the file and makes it read-only.
func (cf *CaskFile) Seal(cx Context, reason record.Reason, successor cake.Cake) (cp *Checkpoint, err error) {
	Assert(reason.Seals(), "%s does not seal", reason)
	buf, err := record.Encode(record.Header{Type: record.NextCask, Subject: successor}, record.NextCaskBody{})
	if err != nil {
		return
	}
	_, err = cf.writeRecord(buf, -1)
	if err != nil {
		return
	}
	return cf.sealTail(cx, reason, successor)
}

// sealTail finishes a seal whose next-cask record is already written.
func (cf *CaskFile) sealTail(cx Context, reason record.Reason, successor cake.Cake) (cp *Checkpoint, err error) {
	cp, err = cf.Checkpoint(cx, reason)
	if err != nil {
		return
	}
	err = cf.fh.Sync()
	if err != nil {
		return
	}
	err = cf.detach()
	if err != nil {
		return
	}
	cf.Next = successor
	err = cf.finishSeal()
	if err != nil {
		return
	}
	log.Infof("sealed cask %s next %s", cf.ID, successor)
	return
}

// finishSeal moves an active file whose last checkpoint seals it to its
// sealed name.
func (cf *CaskFile) finishSeal() (err error) {
	from := CaskPath(cf.Dir, cf.ID, false)
	to := CaskPath(cf.Dir, cf.ID, true)
	err = os.Rename(from, to)
	if err != nil {
		return
	}
	cf.sealed = true
	return os.Chmod(to, READ)
}

func (cf *CaskFile) rollover(cx Context) (next *CaskFile, err error) {
	id := cx.CaskadeID()
	nextID := cake.NewGuid(cake.Cask, id[9:17]...)
	cp, err := cf.Seal(cx, record.OnNextCask, nextID)
	if err != nil {
		return
	}
	next, err = CreateCaskFile(cx, cf.Dir, nextID, cf.ID, cp.ID)
	if err != nil {
		return
	}
	cx.Rolled(cf, next)
	log.Infof("rolled over from cask %s to %s", cf.ID, nextID)
	return
}

// Fragment reads size bytes at offset.  It is safe to call while the
// cask is being written or sealed.
func (cf *CaskFile) Fragment(offset, size int64) (buf []byte, err error) {
	fh, err := cf.open()
	if err != nil {
		return
	}
	defer fh.Close()
	buf = make([]byte, size)
	n, err := fh.ReadAt(buf, offset)
	if err == io.EOF && int64(n) == size {
		err = nil
	}
	if err != nil {
		return nil, err
	}
	return
}

// open opens the file for reading under whichever name it has now.
// Files only ever move from active to sealed, so trying them in that
// order can't miss one.
func (cf *CaskFile) open() (fh *os.File, err error) {
	fh, err = os.Open(CaskPath(cf.Dir, cf.ID, false))
	if os.IsNotExist(err) {
		fh, err = os.Open(CaskPath(cf.Dir, cf.ID, true))
	}
	return
}
