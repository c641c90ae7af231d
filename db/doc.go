// Package db implements caskade, an append-only content-addressable
// store.  A caskade is a directory holding a config file and a chain of
// casks; each cask is one append-only file of framed records.
//
// Vocabulary:
//
//   - cake: typed digest naming content, or a random guid (see package cake)
//   - record: header plus typed body (see package record)
//   - cask: one segment file; "<id>.active" while writable, "<id>.cask"
//     once sealed read-only
//   - active cask: the one unsealed cask of a store; at most one exists
//   - checkpoint: record covering the bytes [start, end) of a cask since
//     the previous checkpoint, with their rolling digest as its subject
//   - rollover: sealing the active cask with a next-cask record and
//     starting its successor
//   - data location: (cask, offset, size) of a payload, rebuilt from the
//     casks on every open and never stored separately
//   - permalink: alias cake pointing at a content cake; may be repointed
//   - derived: (source, filter) -> derived content edge
//   - tag: small structured annotation on a cake
//   - block stream: payload listing the chunk cakes of content too large
//     to store in one record
//
// A store is driven by one writer.  Readers may call Read, Reader, Has
// and the other lookups concurrently with it; previously returned data
// locations never move.
//
// Lifecycle:
//
//	Initialize ---> active ---Pause--> paused ---Resume--> active
//	                  |                                      |
//	                Close                                  Close
//	                  v                                      v
//	               closed                                 closed
//
// Open returns a store with no writer attached: paused if the last
// process paused it, unclean if it didn't (call Recover), or closed.
// A store whose last writer stopped partway through a rollover is
// unclean too; Recover completes the rollover.
package db
