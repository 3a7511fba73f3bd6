// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package filemap

import (
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/must"
	"github.com/grailbio/filemap/codec"
	"github.com/grailbio/filemap/internal/mapfile"
	"github.com/grailbio/filemap/internal/multimap"
)

// maxOversize is the largest number of contiguous blocks a single
// entry may occupy. It is bounded by the free-list's run scan, which
// never needs runs longer than one word of bits.
const maxOversize = 64

const segmentHeaderBytes = 64

// Config carries the immutable geometry and the collaborator hooks of
// a map. The zero value of every field selects a usable default.
type Config[K, V any] struct {
	// Segments is the number of independently locked partitions. It
	// must be a power of two. Default 64.
	Segments int
	// EntriesPerSegment is the block count of each segment's entry
	// grid, rounded up to a multiple of 8. Default 1024.
	EntriesPerSegment int
	// EntrySize is the block size in bytes. Entries larger than one
	// block occupy up to 64 contiguous blocks. Choose it so that most
	// entries fit in one block. Default 256. Rounded up to a multiple
	// of Alignment.
	EntrySize int
	// Alignment is the required alignment of the value start within an
	// entry: 1, 2, 4 or 8. Default 1.
	Alignment int
	// MetaDataBytes reserves user metadata space at the head of every
	// entry, zeroed on allocation.
	MetaDataBytes int
	// LockTimeout bounds the wait for a segment lock. On expiry the
	// holder is presumed dead, the error sink is notified and the lock
	// is forcibly reclaimed. Default 2s.
	LockTimeout time.Duration

	// PutReturnsNull suppresses reading the previous value on Put and
	// PutIfAbsent: an overwrite, or a PutIfAbsent that finds the key
	// present, then reports no previous value. Reading the old value
	// costs a deserialization that many callers discard.
	PutReturnsNull bool
	// RemoveReturnsNull is the same economy for Remove.
	RemoveReturnsNull bool

	// Listener observes mutations; nil means no observation.
	Listener EventListener[K, V]
	// ErrorSink is notified of recovered lock failures; nil discards
	// them (lock timeouts are still logged).
	ErrorSink ErrorSink
	// DefaultValue supplies values for get-misses; nil disables the
	// behavior.
	DefaultValue DefaultValueProvider[K, V]
	// ValueFactory creates values for Acquire when the key is absent;
	// nil makes Acquire of an absent key fail with a precondition
	// error.
	ValueFactory ValueFactory[V]
}

func (c *Config[K, V]) setDefaults() {
	if c.Segments == 0 {
		c.Segments = 64
	}
	if c.EntriesPerSegment == 0 {
		c.EntriesPerSegment = 1024
	}
	if c.EntrySize == 0 {
		c.EntrySize = 256
	}
	if c.Alignment == 0 {
		c.Alignment = 1
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = 2 * time.Second
	}
	if c.Listener == nil {
		c.Listener = nopListener[K, V]{}
	}
	if c.ErrorSink == nil {
		c.ErrorSink = nopSink{}
	}
}

func (c *Config[K, V]) validate() error {
	if c.Segments&(c.Segments-1) != 0 || c.Segments < 1 {
		return errors.E(errors.Invalid, fmt.Sprintf(
			"filemap: Segments must be a power of two, got %d", c.Segments))
	}
	switch c.Alignment {
	case 1, 2, 4, 8:
	default:
		return errors.E(errors.Invalid, fmt.Sprintf(
			"filemap: Alignment must be 1, 2, 4 or 8, got %d", c.Alignment))
	}
	if c.EntrySize < 1 {
		return errors.E(errors.Invalid, fmt.Sprintf(
			"filemap: EntrySize must be positive, got %d", c.EntrySize))
	}
	if c.MetaDataBytes < 0 {
		return errors.E(errors.Invalid, fmt.Sprintf(
			"filemap: MetaDataBytes must not be negative, got %d", c.MetaDataBytes))
	}
	return nil
}

// layout is the geometry derived from a validated Config: every offset
// the engine touches is a function of these values, which is why they
// are persisted in the superblock and must match on reopen.
type layout struct {
	segments  int
	entries   int // blocks per segment
	blockSize int
	alignment int
	metaBytes int
	narrow    bool

	bits     uint   // log2(segments)
	hashMask uint64 // fingerprint mask

	// Offsets within one segment region.
	indexOff    int // hash-index slots
	presenceOff int // presence bitmap (inside the index area)
	freeOff     int // allocator bitset
	entriesOff  int // entries grid

	segmentBytes int64
	fileBytes    int64
}

func align64(n int) int { return (n + 63) &^ 63 }

func newLayout[K, V any](c Config[K, V]) layout {
	l := layout{
		segments:  c.Segments,
		entries:   (c.EntriesPerSegment + 7) &^ 7,
		blockSize: (c.EntrySize + c.Alignment - 1) &^ (c.Alignment - 1),
		alignment: c.Alignment,
		metaBytes: c.MetaDataBytes,
	}
	l.narrow = l.entries <= 1<<16
	for s := l.segments; s > 1; s >>= 1 {
		l.bits++
	}
	l.hashMask = 0xFFFFFFFF
	if l.narrow {
		l.hashMask = 0xFFFF
	}

	slotBytes := multimap.SlotBytes(l.entries, l.narrow)
	presenceBytes := multimap.PresenceBytes(l.entries)
	l.indexOff = segmentHeaderBytes
	l.presenceOff = l.indexOff + slotBytes
	l.freeOff = l.indexOff + align64(slotBytes+presenceBytes)
	l.entriesOff = l.freeOff + align64(l.entries/8)

	ss := l.entriesOff + align64(l.entries*l.blockSize)
	must.True(ss&63 == 0, "segment size must be cache-line aligned")
	// Keep segment headers out of the same L1 set: if the segment size
	// is a multiple of 4096 (or barely more), every few segments the
	// header lands in the same set. Pad so the size mod 4096 is at
	// least 64.
	if ss%4096 < 64 {
		ss += 64
	}
	l.segmentBytes = int64(ss)
	l.fileBytes = mapfile.HeaderBytes + int64(l.segments)*l.segmentBytes
	return l
}

// params returns the superblock form of the layout.
func (l layout) params() mapfile.Params {
	return mapfile.Params{
		Segments:          uint32(l.segments),
		EntriesPerSegment: uint32(l.entries),
		EntrySize:         uint32(l.blockSize),
		Alignment:         uint32(l.alignment),
		MetaDataBytes:     uint32(l.metaBytes),
		Narrow:            l.narrow,
	}
}

// segmentIndex and fingerprint split a 64-bit key hash into the
// segment route and the in-segment hash-index fingerprint.
func (l layout) segmentIndex(h uint64) int {
	return int(h & uint64(l.segments-1))
}

func (l layout) fingerprint(h uint64) uint64 {
	return (h >> l.bits) & l.hashMask
}

func (l layout) alignOff(off int) int {
	return (off + l.alignment - 1) &^ (l.alignment - 1)
}

// entryBytes returns the total entry footprint for the given key and
// value sizes: metadata, key size encoding, key, value size encoding,
// padding to align the value start, then the value itself.
func (l layout) entryBytes(enc codec.SizeEncoding, keySize, valueSize int) int {
	prefix := l.metaBytes + enc.EncodingSize(keySize) + keySize + enc.EncodingSize(valueSize)
	return l.alignOff(prefix) + valueSize
}

// inBlocks returns the block footprint of an entry of n bytes.
func (l layout) inBlocks(n int) int {
	if n <= l.blockSize {
		return 1
	}
	return (n-1)/l.blockSize + 1
}
