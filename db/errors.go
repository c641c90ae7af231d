package db

import (
	"fmt"

	"github.com/t7a/caskade/cake"
	"github.com/t7a/caskade/record"
)

type (
	// CorruptHeaderError is raised when a record header can't be framed.
	CorruptHeaderError = record.CorruptHeaderError
	// CorruptBodyError is raised when a record body is short or malformed.
	CorruptBodyError = record.CorruptBodyError
)

// DataValidationError reports a data record whose payload no longer
// hashes to its subject.  It flags that one payload; replay goes on.
type DataValidationError struct {
	Cask    cake.Cake
	Offset  int64
	Subject cake.Cake
	Got     cake.Cake
}

func (e *DataValidationError) Error() string {
	return fmt.Sprintf("cask %s offset %d: content %s hashes to %s", e.Cask, e.Offset, e.Subject, e.Got)
}

// AccessError is returned by mutating calls on a store that has no
// writer attached.
type AccessError struct {
	Op    string
	State State
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("%s: caskade is %s", e.Op, e.State)
}

// NotQuietError means the active cask changed size while Recover was
// waiting for it to settle, so some other writer may still be live.
type NotQuietError struct {
	Cask          cake.Cake
	Before, After int64
}

func (e *NotQuietError) Error() string {
	return fmt.Sprintf("cask %s changed during quiet time: %d -> %d bytes", e.Cask, e.Before, e.After)
}

// NotFoundError is returned when a cake has no data location.
type NotFoundError struct {
	Cake cake.Cake
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Cake)
}

// InvalidStateError is returned when the files on disk don't match what
// an operation requires.
type InvalidStateError struct {
	Op     string
	Reason string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// ExistsError is returned when creating something that is already there.
type ExistsError struct {
	Path string
}

func (e *ExistsError) Error() string {
	return fmt.Sprintf("already exists: %s", e.Path)
}

// NotCaskadeError is returned by Open for a directory without config.
type NotCaskadeError struct {
	Dir string
}

func (e *NotCaskadeError) Error() string {
	return fmt.Sprintf("not a caskade: %s", e.Dir)
}

// CorruptStoreError reports an inconsistent set of casks.
type CorruptStoreError struct {
	Dir    string
	Reason string
}

func (e *CorruptStoreError) Error() string {
	return fmt.Sprintf("corrupt caskade %s: %s", e.Dir, e.Reason)
}

// CaskError ties a replay failure to the cask it happened in.
type CaskError struct {
	Cask cake.Cake
	Err  error
}

func (e *CaskError) Error() string {
	return fmt.Sprintf("cask %s: %v", e.Cask, e.Err)
}

func (e *CaskError) Unwrap() error {
	return e.Err
}
