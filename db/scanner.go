package db

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/t7a/caskade/cake"
	"github.com/t7a/caskade/record"
)

// Entry is one record read back from (or just written to) a cask.
type Entry struct {
	Header record.Header
	Body   record.Body
	Cask   cake.Cake
	Offset int64 // of the header
	Size   int64 // of the whole record
	// Loc is set for data records.
	Loc *DataLocation
	// Invalid is set when validation found the payload doesn't match
	// its subject.
	Invalid bool
}

// Scanner reads records sequentially from a cask, the way
// bufio.Scanner reads lines:
//
//	sc := cf.Scan(algo, 0, false, nil)
//	for sc.Scan() {
//		e := sc.Entry()
//		...
//	}
//	err := sc.Err()
//
// A structural problem stops the scan and is returned by Err.  A
// payload that fails validation does not; it is flagged on the entry
// and collected in Invalid.
type Scanner struct {
	cf       *CaskFile
	algo     string
	offset   int64
	validate bool
	tracker  *Tracker

	fh      *os.File
	size    int64
	r       *bufio.Reader
	entry   *Entry
	err     error
	done    bool
	invalid []*DataValidationError
}

// Scan returns a scanner starting at offset.  The file isn't opened
// until the first call to Scanner.Scan.  If tracker is not nil every
// byte read is fed to it.  Data payloads are skipped rather than read
// unless validating or tracking.
func (cf *CaskFile) Scan(algo string, offset int64, validate bool, tracker *Tracker) *Scanner {
	return &Scanner{cf: cf, algo: algo, offset: offset, validate: validate, tracker: tracker}
}

// Entry returns the record read by the last call to Scan.
func (s *Scanner) Entry() *Entry {
	return s.entry
}

// Err returns the error that stopped the scan, if any.
func (s *Scanner) Err() error {
	return s.err
}

// Invalid returns the validation failures seen so far.
func (s *Scanner) Invalid() []*DataValidationError {
	return s.invalid
}

// Offset is where the next record starts.
func (s *Scanner) Offset() int64 {
	return s.offset
}

// Close releases the file if the scan was abandoned before the end.
func (s *Scanner) Close() {
	if !s.done {
		s.stop(nil)
	}
}

func (s *Scanner) stop(err error) bool {
	s.err = err
	s.entry = nil
	s.done = true
	if s.fh != nil {
		s.fh.Close()
		s.fh = nil
	}
	return false
}

// Scan advances to the next record.  It returns false at the end of the
// file or on error.
func (s *Scanner) Scan() bool {
	if s.done {
		return false
	}
	if s.r == nil {
		fh, err := s.cf.open()
		if err != nil {
			return s.stop(err)
		}
		s.fh = fh
		info, err := fh.Stat()
		if err != nil {
			return s.stop(err)
		}
		s.size = info.Size()
		_, err = fh.Seek(s.offset, io.SeekStart)
		if err != nil {
			return s.stop(err)
		}
		s.r = bufio.NewReaderSize(fh, 64*kiB)
	}

	hbuf := make([]byte, record.HeaderSize)
	n, err := io.ReadFull(s.r, hbuf)
	if err == io.EOF {
		return s.stop(nil)
	}
	if err == io.ErrUnexpectedEOF {
		return s.stop(&CorruptHeaderError{Offset: s.offset, Reason: fmt.Sprintf("truncated after %d bytes", n)})
	}
	if err != nil {
		return s.stop(err)
	}
	h, _, err := record.DecodeHeader(hbuf, 0)
	if err != nil {
		var he *CorruptHeaderError
		if errors.As(err, &he) {
			he.Offset += s.offset
		}
		return s.stop(err)
	}

	bodyOffset := s.offset + record.HeaderSize
	corrupt := func(reason string) bool {
		return s.stop(&CorruptBodyError{Offset: bodyOffset, Type: h.Type, Reason: reason})
	}
	var body record.Body
	var raw []byte
	var loc *DataLocation
	size, variable := record.BodySize(h.Type)
	if variable {
		lbuf := make([]byte, record.LengthSize)
		_, err = io.ReadFull(s.r, lbuf)
		if err != nil {
			return corrupt("truncated length prefix")
		}
		length := int64(binary.BigEndian.Uint32(lbuf))
		if bodyOffset+record.LengthSize+length > s.size {
			return corrupt(fmt.Sprintf("%d byte body runs past end of file", length))
		}
		if h.Type == record.Data {
			loc = &DataLocation{Cask: s.cf.ID, Offset: bodyOffset + record.LengthSize, Size: length}
		}
		if h.Type == record.Data && !s.validate && s.tracker == nil {
			skipped, _ := s.r.Discard(int(length))
			if int64(skipped) < length {
				return corrupt(fmt.Sprintf("payload truncated: %d of %d bytes", skipped, length))
			}
			body = record.DataBody{}
			raw = lbuf
		} else {
			raw = make([]byte, record.LengthSize+length)
			copy(raw, lbuf)
			got, _ := io.ReadFull(s.r, raw[record.LengthSize:])
			if int64(got) < length {
				return corrupt(fmt.Sprintf("payload truncated: %d of %d bytes", got, length))
			}
		}
	} else {
		raw = make([]byte, size)
		got, _ := io.ReadFull(s.r, raw)
		if got < size {
			return corrupt(fmt.Sprintf("truncated: %d of %d bytes", got, size))
		}
	}
	if body == nil {
		body, _, err = record.DecodeBody(h.Type, raw, 0)
		if err != nil {
			var be *CorruptBodyError
			if errors.As(err, &be) {
				be.Offset += bodyOffset
			}
			return s.stop(err)
		}
	}

	e := &Entry{Header: h, Body: body, Cask: s.cf.ID, Offset: s.offset, Loc: loc}
	if s.tracker != nil {
		s.tracker.Update(h.Type, hbuf, raw)
	}
	if loc != nil {
		e.Size = record.HeaderSize + record.LengthSize + loc.Size
	} else {
		e.Size = record.HeaderSize + int64(len(raw))
	}
	if s.validate && h.Type == record.Data {
		s.check(e)
	}
	s.offset += e.Size
	s.entry = e
	return true
}

func (s *Scanner) check(e *Entry) {
	payload := e.Body.(record.DataBody).Payload
	typ := e.Header.Subject.Type()
	if typ.IsGuid() {
		// no payload hashes to a guid; report it under the data type
		typ = cake.Data
	}
	got, err := cake.FromBytes(s.algo, payload, typ)
	if err == nil && got == e.Header.Subject {
		return
	}
	e.Invalid = true
	s.invalid = append(s.invalid, &DataValidationError{
		Cask:    e.Cask,
		Offset:  e.Offset,
		Subject: e.Header.Subject,
		Got:     got,
	})
}
