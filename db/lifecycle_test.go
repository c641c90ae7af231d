package db

import (
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	. "github.com/stevegt/goadapt"
	"github.com/t7a/caskade/cake"
	"github.com/t7a/caskade/record"
)

func TestRecover(t *testing.T) {
	c := setup(t, nil)
	a, err := c.WriteBytes(mkbuf("a"), cake.Data)
	Ck(err)
	_, err = c.Checkpoint()
	Ck(err)
	b, err := c.WriteBytes(mkbuf("b"), cake.Data)
	Ck(err)
	alias := cake.NewGuid(cake.Alias)
	_, err = c.SetPermalink(b, alias)
	Ck(err)
	crash(c)

	c, err = Open(c.Dir)
	tassert(t, err == nil, "Open: %v", err)
	tassert(t, c.State() == Unclean, "state %s", c.State())
	tassert(t, c.Has(a), "checkpointed content missing")
	tassert(t, !c.Has(b), "content after the last checkpoint indexed before recovery")

	err = c.Resume()
	var ie *InvalidStateError
	tassert(t, errors.As(err, &ie), "expected InvalidStateError, got %v", err)

	findings, err := c.Recover(0)
	tassert(t, err == nil, "Recover: %v", err)
	tassert(t, len(findings) == 0, "findings %v", findings)
	tassert(t, c.State() == Active, "state %s", c.State())
	tassert(t, len(c.Damaged()) == 0, "damaged %v", c.Damaged())
	tassert(t, c.Has(b), "recovered content missing")
	target, ok := c.Resolve(alias)
	tassert(t, ok && target == b, "alias resolves to %s", target)
	cps := c.Checkpoints()
	tassert(t, cps[len(cps)-1].Reason == record.CaskadeRecover, "last checkpoint %s", cps[len(cps)-1].Reason)

	d, err := c.WriteBytes(mkbuf("d"), cake.Data)
	Ck(err)
	c = reopen(t, c)
	tassert(t, c.State() == Paused, "state %s", c.State())
	for _, k := range []cake.Cake{a, b, d} {
		tassert(t, c.Has(k), "lost %s", k)
	}
	findings, err = c.Verify()
	tassert(t, err == nil && len(findings) == 0, "Verify: %v %v", findings, err)
}

func TestRecoverFreshCask(t *testing.T) {
	c := setup(t, nil)
	a, err := c.WriteBytes(mkbuf("no checkpoint yet"), cake.Data)
	Ck(err)
	crash(c)

	c, err = Open(c.Dir)
	Ck(err)
	tassert(t, c.State() == Unclean, "state %s", c.State())
	_, err = c.Recover(0)
	tassert(t, err == nil, "Recover: %v", err)
	tassert(t, c.Has(a), "lost %s", a)
}

func TestRecoverPaused(t *testing.T) {
	c := setup(t, nil)
	c = reopen(t, c)
	tassert(t, c.State() == Paused, "state %s", c.State())
	_, err := c.Recover(0)
	tassert(t, err == nil, "Recover: %v", err)
	tassert(t, c.State() == Active, "state %s", c.State())
	_, err = c.Recover(0)
	var ae *AccessError
	tassert(t, errors.As(err, &ae), "expected AccessError, got %v", err)
}

func TestRecoverInvalidPayload(t *testing.T) {
	c := setup(t, nil)
	_, err := c.Checkpoint()
	Ck(err)
	val := mkbuf("this will rot")
	x, err := c.WriteBytes(val, cake.Data)
	Ck(err)
	loc, ok := c.Locate(x)
	tassert(t, ok, "Locate")
	cf := c.active
	crash(c)
	flip(t, cf, loc.Offset)

	c, err = Open(c.Dir)
	Ck(err)
	findings, err := c.Recover(0)
	tassert(t, err == nil, "Recover: %v", err)
	tassert(t, len(findings) == 1, "findings %v", findings)
	tassert(t, findings[0].Subject == x, "finding for %s", findings[0].Subject)
	tassert(t, !c.Has(x), "invalid payload indexed")

	// writing it again stores a good copy
	_, err = c.WriteBytes(val, cake.Data)
	Ck(err)
	got, err := c.Read(x)
	tassert(t, err == nil && string(got) == string(val), "Read %q %v", got, err)

	findings, err = c.Verify()
	tassert(t, err == nil, "Verify: %v", err)
	tassert(t, len(findings) == 1, "findings %v", findings)
}

func TestRecoverTruncated(t *testing.T) {
	c := setup(t, nil)
	_, err := c.WriteBytes(mkbuf("this record loses its tail"), cake.Data)
	Ck(err)
	path := c.active.Path()
	crash(c)
	info, err := os.Stat(path)
	Ck(err)
	Ck(os.Truncate(path, info.Size()-3))

	c, err = Open(c.Dir)
	tassert(t, err == nil, "Open: %v", err)
	tassert(t, c.State() == Unclean, "state %s", c.State())
	var be *CorruptBodyError
	damaged := c.Damaged()
	tassert(t, len(damaged) == 1, "damaged %v", damaged)
	tassert(t, damaged[0].Cask == c.active.ID, "damage reported for cask %s", damaged[0].Cask)
	tassert(t, errors.As(damaged[0], &be), "expected CorruptBodyError, got %v", damaged[0])
	_, err = c.Recover(0)
	tassert(t, errors.As(err, &be), "expected CorruptBodyError, got %v", err)
	tassert(t, c.State() == Unclean, "state %s", c.State())
}

func TestRecoverGarbage(t *testing.T) {
	c := setup(t, nil)
	path := c.active.Path()
	crash(c)
	fh, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	Ck(err)
	_, err = fh.Write(mkbuf("garbage"))
	Ck(err)
	Ck(fh.Close())

	c, err = Open(c.Dir)
	Ck(err)
	_, err = c.Recover(0)
	var he *CorruptHeaderError
	tassert(t, errors.As(err, &he), "expected CorruptHeaderError, got %v", err)
}

func TestRecoverNotQuiet(t *testing.T) {
	c := setup(t, nil)
	path := c.active.Path()
	crash(c)

	c, err := Open(c.Dir)
	Ck(err)
	timer := time.AfterFunc(100*time.Millisecond, func() {
		fh, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
		Ck(err)
		defer fh.Close()
		_, err = fh.Write(mkbuf("someone else is writing"))
		Ck(err)
	})
	defer timer.Stop()
	_, err = c.Recover(5 * time.Second)
	var nq *NotQuietError
	tassert(t, errors.As(err, &nq), "expected NotQuietError, got %v", err)
	tassert(t, c.State() == Unclean, "state %s", c.State())
}

func TestRecoverQuiet(t *testing.T) {
	c := setup(t, nil)
	crash(c)
	c, err := Open(c.Dir)
	Ck(err)
	_, err = c.Recover(50 * time.Millisecond)
	tassert(t, err == nil, "Recover: %v", err)
	tassert(t, c.State() == Active, "state %s", c.State())
}

func TestValidateOnOpen(t *testing.T) {
	c := setup(t, &Config{ValidateOnOpen: true})
	x, err := c.WriteBytes(mkbuf("checked on open"), cake.Data)
	Ck(err)
	y, err := c.WriteBytes(mkbuf("fine"), cake.Data)
	Ck(err)
	loc, _ := c.Locate(x)
	err = c.Pause()
	Ck(err)
	flip(t, c.active, loc.Offset)

	c, err = Open(c.Dir)
	tassert(t, err == nil, "Open: %v", err)
	findings := c.Findings()
	tassert(t, len(findings) == 1 && findings[0].Subject == x, "findings %v", findings)
	tassert(t, !c.Has(x), "invalid payload indexed")
	tassert(t, c.Has(y), "valid payload missing")
}

// rolled writes three records into casks that hold two, so the third
// lands in a second cask.
func rolled(t *testing.T) (c *Caskade, cks []cake.Cake) {
	c = setup(t, &Config{MaxCaskSize: 400})
	for i := 0; i < 3; i++ {
		ck, err := c.WriteBytes(mkbuf(fmt.Sprintf("%050d", i)), cake.Data)
		Ck(err)
		cks = append(cks, ck)
	}
	tassert(t, len(c.Casks()) == 2, "expected 2 casks, got %d", len(c.Casks()))
	return
}

func TestRecoverMissingSuccessor(t *testing.T) {
	for _, torn := range []bool{false, true} {
		t.Run(fmt.Sprintf("torn=%v", torn), func(t *testing.T) {
			c, cks := rolled(t)
			first := c.Casks()[0]
			next := c.active.ID
			path := c.active.Path()
			crash(c)
			if torn {
				Ck(os.Truncate(path, 10))
			} else {
				Ck(os.Remove(path))
			}

			c, err := Open(c.Dir)
			tassert(t, err == nil, "Open: %v", err)
			tassert(t, c.State() == Unclean, "state %s", c.State())
			tassert(t, len(c.Casks()) == 1, "casks %d", len(c.Casks()))
			tassert(t, c.Has(cks[0]) && c.Has(cks[1]), "sealed content missing")
			_, err = c.WriteBytes(mkbuf("too early"), cake.Data)
			var ae *AccessError
			tassert(t, errors.As(err, &ae), "expected AccessError, got %v", err)

			findings, err := c.Recover(0)
			tassert(t, err == nil, "Recover: %v", err)
			tassert(t, len(findings) == 0, "findings %v", findings)
			tassert(t, c.State() == Active, "state %s", c.State())
			ids := c.Casks()
			tassert(t, len(ids) == 2 && ids[0] == first && ids[1] == next, "casks %v", ids)

			again, err := c.WriteBytes(mkbuf(fmt.Sprintf("%050d", 2)), cake.Data)
			Ck(err)
			tassert(t, again == cks[2], "cake changed")
			c = reopen(t, c)
			tassert(t, c.State() == Paused, "state %s", c.State())
			for _, ck := range cks {
				tassert(t, c.Has(ck), "lost %s", ck)
			}
			findings, err = c.Verify()
			tassert(t, err == nil && len(findings) == 0, "Verify: %v %v", findings, err)
		})
	}
}

// appendRecord adds a record to the end of a cask behind its writer's
// back.
func appendRecord(t *testing.T, path string, h record.Header, body record.Body) {
	buf, err := record.Encode(h, body)
	Ck(err)
	fh, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	Ck(err)
	defer fh.Close()
	_, err = fh.Write(buf)
	Ck(err)
}

func TestRecoverInterruptedRollover(t *testing.T) {
	c := setup(t, nil)
	a, err := c.WriteBytes(mkbuf("a"), cake.Data)
	Ck(err)
	_, err = c.Checkpoint()
	Ck(err)
	b, err := c.WriteBytes(mkbuf("b"), cake.Data)
	Ck(err)
	old := c.active.ID
	path := c.active.Path()
	crash(c)
	id := c.CaskadeID()
	next := cake.NewGuid(cake.Cask, id[9:17]...)
	appendRecord(t, path, record.Header{Type: record.NextCask, Time: time.Now().UnixNano(), Subject: next}, record.NextCaskBody{})

	c, err = Open(c.Dir)
	tassert(t, err == nil, "Open: %v", err)
	tassert(t, c.State() == Unclean, "state %s", c.State())
	findings, err := c.Recover(0)
	tassert(t, err == nil, "Recover: %v", err)
	tassert(t, len(findings) == 0, "findings %v", findings)
	tassert(t, c.State() == Active, "state %s", c.State())
	ids := c.Casks()
	tassert(t, len(ids) == 2 && ids[0] == old && ids[1] == next, "casks %v", ids)
	cf, _ := c.Cask(old)
	tassert(t, cf.Sealed(), "old cask not sealed")
	tassert(t, cf.Last().Reason == record.OnNextCask, "old cask ends with %s", cf.Last().Reason)
	tassert(t, c.Has(b), "content before the next-cask record missing")

	d, err := c.WriteBytes(mkbuf("d"), cake.Data)
	Ck(err)
	c = reopen(t, c)
	for _, ck := range []cake.Cake{a, b, d} {
		tassert(t, c.Has(ck), "lost %s", ck)
	}
	findings, err = c.Verify()
	tassert(t, err == nil && len(findings) == 0, "Verify: %v %v", findings, err)
}

func TestRecoverInterruptedClose(t *testing.T) {
	c := setup(t, nil)
	a, err := c.WriteBytes(mkbuf("a"), cake.Data)
	Ck(err)
	path := c.active.Path()
	crash(c)
	appendRecord(t, path, record.Header{Type: record.NextCask, Time: time.Now().UnixNano(), Subject: cake.Null()}, record.NextCaskBody{})

	c, err = Open(c.Dir)
	Ck(err)
	tassert(t, c.State() == Unclean, "state %s", c.State())
	_, err = c.Recover(0)
	tassert(t, err == nil, "Recover: %v", err)
	tassert(t, c.State() == Closed, "state %s", c.State())

	c, err = Open(c.Dir)
	tassert(t, err == nil, "Open: %v", err)
	tassert(t, c.State() == Closed, "state %s", c.State())
	tassert(t, c.Has(a), "lost %s", a)
}

func TestRecoverMisplacedNextCask(t *testing.T) {
	c := setup(t, nil)
	path := c.active.Path()
	crash(c)
	appendRecord(t, path, record.Header{Type: record.NextCask, Time: time.Now().UnixNano(), Subject: cake.NewGuid(cake.Cask)}, record.NextCaskBody{})
	val := mkbuf("after the next-cask record")
	ck, err := cake.FromBytes(cake.DefaultAlgo, val, cake.Data)
	Ck(err)
	appendRecord(t, path, record.Header{Type: record.Data, Time: time.Now().UnixNano(), Subject: ck}, record.DataBody{Payload: val})

	c, err = Open(c.Dir)
	Ck(err)
	_, err = c.Recover(0)
	var ce *CaskError
	tassert(t, errors.As(err, &ce), "expected CaskError, got %v", err)
	tassert(t, c.State() == Unclean, "state %s", c.State())
}

// A seal that finishes without its successor leaves the caskade
// unclean instead of half active.
func TestSealWithoutSuccessor(t *testing.T) {
	c := setup(t, nil)
	a, err := c.WriteBytes(mkbuf("a"), cake.Data)
	Ck(err)
	_, err = c.active.Seal(c, record.OnNextCask, cake.NewGuid(cake.Cask))
	Ck(err)

	_, err = c.WriteBytes(mkbuf("b"), cake.Data)
	var ae *AccessError
	tassert(t, errors.As(err, &ae), "expected AccessError, got %v", err)
	tassert(t, ae.State == Unclean, "access error state %s", ae.State)
	tassert(t, c.State() == Unclean, "state %s", c.State())
	err = c.Pause()
	tassert(t, errors.As(err, &ae), "expected AccessError, got %v", err)

	_, err = c.Recover(0)
	tassert(t, err == nil, "Recover: %v", err)
	tassert(t, c.State() == Active, "state %s", c.State())
	tassert(t, len(c.Casks()) == 2, "casks %d", len(c.Casks()))
	b, err := c.WriteBytes(mkbuf("b"), cake.Data)
	Ck(err)

	c = reopen(t, c)
	tassert(t, c.State() == Paused, "state %s", c.State())
	tassert(t, c.Has(a) && c.Has(b), "content lost")
	findings, err := c.Verify()
	tassert(t, err == nil && len(findings) == 0, "Verify: %v %v", findings, err)
}

// A close that seals but never updates the state is finished by
// Recover.
func TestCloseLosesWriter(t *testing.T) {
	c := setup(t, nil)
	_, err := c.active.Seal(c, record.CaskadeClose, cake.Null())
	Ck(err)
	_, err = c.Checkpoint()
	var ae *AccessError
	tassert(t, errors.As(err, &ae), "expected AccessError, got %v", err)
	_, err = c.Recover(0)
	tassert(t, err == nil, "Recover: %v", err)
	tassert(t, c.State() == Closed, "state %s", c.State())
}
