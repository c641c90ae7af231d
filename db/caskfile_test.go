package db

import (
	"errors"
	"os"
	"testing"

	. "github.com/stevegt/goadapt"
	"github.com/t7a/caskade/cake"
	"github.com/t7a/caskade/record"
)

// testContext stands in for a Caskade.
type testContext struct {
	cfg    *Config
	id     cake.Cake
	cps    []*Checkpoint
	rolled []*CaskFile
}

func newTestContext(cfg Config) *testContext {
	Ck(cfg.setDefaults())
	cfg.ID = cake.NewGuid(cake.Caskade)
	return &testContext{cfg: &cfg, id: cfg.ID}
}

func (cx *testContext) Config() *Config { return cx.cfg }

func (cx *testContext) CaskadeID() cake.Cake { return cx.id }

func (cx *testContext) Rolled(cf, next *CaskFile) {
	cx.rolled = append(cx.rolled, next)
}

func (cx *testContext) Checkpointed(cf *CaskFile, cp *Checkpoint) {
	cx.cps = append(cx.cps, cp)
}

func TestCaskFile(t *testing.T) {
	cx := newTestContext(Config{})
	dir := tmpdir(t)
	id := cake.NewGuid(cake.Cask)
	cf, err := CreateCaskFile(cx, dir, id, cake.Null(), cake.Null())
	tassert(t, err == nil, "CreateCaskFile: %v", err)
	tassert(t, len(cx.cps) == 1 && cx.cps[0].Reason == record.OnCaskHeader, "checkpoints %v", cx.cps)

	_, err = CreateCaskFile(cx, dir, id, cake.Null(), cake.Null())
	var ee *ExistsError
	tassert(t, errors.As(err, &ee), "expected ExistsError, got %v", err)

	val := mkbuf("payload")
	ck, err := cake.FromBytes(cx.cfg.Algo, val, cake.Data)
	Ck(err)
	e, err := cf.WriteEntry(cx, record.Data, ck, record.DataBody{Payload: val})
	tassert(t, err == nil, "WriteEntry: %v", err)
	tassert(t, e.Offset == record.CaskHeaderRecordSize, "offset %d", e.Offset)
	tassert(t, e.Loc != nil && e.Loc.Size == int64(len(val)), "loc %#v", e.Loc)
	got, err := cf.Fragment(e.Loc.Offset, e.Loc.Size)
	tassert(t, err == nil && string(got) == "payload", "Fragment %q %v", got, err)

	tag := record.TagInfo{Name: "color", Value: "blue"}
	_, err = cf.WriteEntry(cx, record.Tag, ck, record.TagBody{Tag: tag})
	Ck(err)
	cp, err := cf.Checkpoint(cx, record.Manual)
	tassert(t, err == nil, "Checkpoint: %v", err)
	tassert(t, cp.Start == 0, "start %d", cp.Start)

	// records come back in order with increasing timestamps
	var types []record.EntryType
	var last int64
	sc := cf.Scan(cx.cfg.Algo, 0, true, nil)
	for sc.Scan() {
		e := sc.Entry()
		tassert(t, e.Header.Time > last, "timestamp %d after %d", e.Header.Time, last)
		last = e.Header.Time
		types = append(types, e.Header.Type)
	}
	tassert(t, sc.Err() == nil, "Scan: %v", sc.Err())
	tassert(t, len(sc.Invalid()) == 0, "invalid %v", sc.Invalid())
	expect := []record.EntryType{record.CaskHeader, record.Data, record.Tag, record.Checkpoint}
	tassert(t, asString(types) == asString(expect), "types %v", types)

	_, err = cf.Seal(cx, record.CaskadeClose, cake.Null())
	tassert(t, err == nil, "Seal: %v", err)
	tassert(t, cf.Sealed(), "not sealed")
	info, err := os.Stat(CaskPath(dir, id, true))
	tassert(t, err == nil, "sealed file: %v", err)
	tassert(t, info.Mode().Perm() == READ, "mode %v", info.Mode())
	_, err = os.Stat(CaskPath(dir, id, false))
	tassert(t, os.IsNotExist(err), "active file still there: %v", err)

	// reads still work after the rename
	got, err = cf.Fragment(e.Loc.Offset, e.Loc.Size)
	tassert(t, err == nil && string(got) == "payload", "Fragment %q %v", got, err)
	_, err = cf.WriteEntry(cx, record.Data, ck, record.DataBody{Payload: val})
	tassert(t, err != nil, "wrote to sealed cask")
}

func TestCaskFileRollover(t *testing.T) {
	cx := newTestContext(Config{MaxCaskSize: 300})
	dir := tmpdir(t)
	cf, err := CreateCaskFile(cx, dir, cake.NewGuid(cake.Cask), cake.Null(), cake.Null())
	Ck(err)
	write := func(s string) *Entry {
		val := mkbuf(s)
		ck, err := cake.FromBytes(cx.cfg.Algo, val, cake.Data)
		Ck(err)
		e, err := cf.WriteEntry(cx, record.Data, ck, record.DataBody{Payload: val})
		tassert(t, err == nil, "WriteEntry: %v", err)
		return e
	}

	// 108 + 66 + 93 fits, a second 66 doesn't
	e := write("01234567890123456789")
	tassert(t, e.Cask == cf.ID && len(cx.rolled) == 0, "first record rolled over")
	e = write("abcdefghijabcdefghij")
	tassert(t, len(cx.rolled) == 1, "rolled %d", len(cx.rolled))
	next := cx.rolled[0]
	tassert(t, e.Cask == next.ID, "written to %s, expected %s", e.Cask, next.ID)
	tassert(t, cf.Sealed() && cf.Next == next.ID, "old cask sealed %v next %s", cf.Sealed(), cf.Next)
	tassert(t, next.Prev == cf.ID, "new cask prev %s", next.Prev)

	// seal checkpoint, then header checkpoint naming it
	n := len(cx.cps)
	tassert(t, cx.cps[n-2].Reason == record.OnNextCask, "reason %s", cx.cps[n-2].Reason)
	tassert(t, cx.cps[n-1].Reason == record.OnCaskHeader, "reason %s", cx.cps[n-1].Reason)
	tassert(t, cx.cps[n-1].ID == cx.cps[n-2].ID, "header checkpoint %s, seal %s", cx.cps[n-1].ID, cx.cps[n-2].ID)

	size, err := cf.Size()
	Ck(err)
	tassert(t, size == record.CaskHeaderRecordSize+66+sealReserve, "old cask %d bytes", size)
}

func TestScanCorrupt(t *testing.T) {
	cx := newTestContext(Config{})
	dir := tmpdir(t)
	cf, err := CreateCaskFile(cx, dir, cake.NewGuid(cake.Cask), cake.Null(), cake.Null())
	Ck(err)
	end, err := cf.Size()
	Ck(err)

	// unknown entry type
	junk := make([]byte, record.HeaderSize)
	junk[0] = 0xff
	_, err = cf.AppendBuffer(junk, -1)
	Ck(err)
	sc := cf.Scan(cx.cfg.Algo, 0, false, nil)
	n := 0
	for sc.Scan() {
		n++
	}
	tassert(t, n == 1, "scanned %d records", n)
	var he *CorruptHeaderError
	tassert(t, errors.As(sc.Err(), &he), "expected CorruptHeaderError, got %v", sc.Err())
	tassert(t, he.Offset == end, "offset %d, expected %d", he.Offset, end)

	// restart at an offset past the junk
	sc = cf.Scan(cx.cfg.Algo, end+record.HeaderSize, false, nil)
	tassert(t, !sc.Scan() && sc.Err() == nil, "scan past end: %v", sc.Err())
}

func TestScanTruncated(t *testing.T) {
	cx := newTestContext(Config{})
	dir := tmpdir(t)
	cf, err := CreateCaskFile(cx, dir, cake.NewGuid(cake.Cask), cake.Null(), cake.Null())
	Ck(err)
	val := mkbuf("a payload that will lose its tail")
	ck, err := cake.FromBytes(cx.cfg.Algo, val, cake.Data)
	Ck(err)
	_, err = cf.WriteEntry(cx, record.Data, ck, record.DataBody{Payload: val})
	Ck(err)
	size, err := cf.Size()
	Ck(err)
	err = os.Truncate(cf.Path(), size-5)
	Ck(err)

	sc := cf.Scan(cx.cfg.Algo, 0, false, nil)
	for sc.Scan() {
	}
	var be *CorruptBodyError
	tassert(t, errors.As(sc.Err(), &be), "expected CorruptBodyError, got %v", sc.Err())
	tassert(t, be.Type == record.Data, "type %s", be.Type)
}

func TestScanValidate(t *testing.T) {
	cx := newTestContext(Config{})
	dir := tmpdir(t)
	cf, err := CreateCaskFile(cx, dir, cake.NewGuid(cake.Cask), cake.Null(), cake.Null())
	Ck(err)
	val := mkbuf("honest payload")
	ck, err := cake.FromBytes(cx.cfg.Algo, val, cake.Data)
	Ck(err)
	e, err := cf.WriteEntry(cx, record.Data, ck, record.DataBody{Payload: val})
	Ck(err)
	flip(t, cf, e.Loc.Offset)

	sc := cf.Scan(cx.cfg.Algo, 0, true, nil)
	for sc.Scan() {
		if sc.Entry().Header.Type == record.Data {
			tassert(t, sc.Entry().Invalid, "entry not flagged")
		}
	}
	tassert(t, sc.Err() == nil, "Scan: %v", sc.Err())
	invalid := sc.Invalid()
	tassert(t, len(invalid) == 1, "invalid %v", invalid)
	tassert(t, invalid[0].Subject == ck && invalid[0].Offset == e.Offset, "finding %#v", invalid[0])

	// without validation nothing is flagged
	sc = cf.Scan(cx.cfg.Algo, 0, false, nil)
	for sc.Scan() {
	}
	tassert(t, sc.Err() == nil && len(sc.Invalid()) == 0, "%v %v", sc.Err(), sc.Invalid())
}

// flip inverts the byte at offset in cf.
func flip(t *testing.T, cf *CaskFile, offset int64) {
	t.Helper()
	fh, err := os.OpenFile(cf.Path(), os.O_RDWR, 0)
	Ck(err)
	defer fh.Close()
	b := make([]byte, 1)
	_, err = fh.ReadAt(b, offset)
	Ck(err)
	b[0] ^= 0xff
	_, err = fh.WriteAt(b, offset)
	Ck(err)
}

func TestParseCaskName(t *testing.T) {
	id := cake.NewGuid(cake.Cask)
	got, sealed, ok := parseCaskName(id.String() + sealedExt)
	tassert(t, ok && sealed && got == id, "sealed name: %v %v %s", ok, sealed, got)
	got, sealed, ok = parseCaskName(id.String() + activeExt)
	tassert(t, ok && !sealed && got == id, "active name: %v %v %s", ok, sealed, got)
	_, _, ok = parseCaskName(configName)
	tassert(t, !ok, "config parsed as cask")
	_, _, ok = parseCaskName(cake.NewGuid(cake.Alias).String() + sealedExt)
	tassert(t, !ok, "alias parsed as cask")
}
