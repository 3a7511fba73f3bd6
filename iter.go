// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package filemap

import (
	"github.com/grailbio/base/must"
	"github.com/grailbio/filemap/internal/bitset"
)

// An Iterator walks the map's entries. Iteration order is segments
// from highest index to lowest, positions ascending within each
// segment; it reflects storage layout, not key order. The iterator
// holds no lock between calls: Next locks the segment of the candidate
// position, re-checks that the position is still occupied, and
// snapshots the entry. Entries inserted or removed during iteration
// may or may not be observed; an entry present for the whole iteration
// is yielded exactly once unless a concurrent writer relocates it.
type Iterator[K, V any] struct {
	m                *Map[K, V]
	nextSeg, nextPos int
	retSeg, retPos   int
	retKey           K
	retValue         V
}

// Iter returns an iterator over m.
func (m *Map[K, V]) Iter() *Iterator[K, V] {
	it := &Iterator[K, V]{m: m, retSeg: -1}
	it.advance(len(m.segments)-1, -1)
	return it
}

// advance positions the iterator at the first occupied position after
// pos in segment seg, moving to lower segments as they are exhausted.
func (it *Iterator[K, V]) advance(seg, pos int) {
	for seg >= 0 {
		p := it.m.segments[seg].idx.Positions().NextSet(pos + 1)
		if p != bitset.NotFound {
			it.nextSeg, it.nextPos = seg, p
			return
		}
		seg, pos = seg-1, -1
	}
	it.nextSeg, it.nextPos = -1, -1
}

// Next advances to the next entry, reporting whether one exists. The
// entry is read under its segment's lock and available from Entry
// until the next call.
func (it *Iterator[K, V]) Next() bool {
	for {
		seg, pos := it.nextSeg, it.nextPos
		if seg < 0 {
			return false
		}
		s := it.m.segments[seg]
		s.lockSeg()
		if !s.idx.Positions().IsSet(pos) {
			// Removed since the previous advance; try the next one.
			it.advance(seg, pos)
			s.unlockSeg()
			continue
		}
		it.retKey, it.retValue = s.entryAt(pos)
		it.retSeg, it.retPos = seg, pos
		it.advance(seg, pos)
		s.unlockSeg()
		return true
	}
}

// Entry returns the entry snapshotted by the last successful Next.
func (it *Iterator[K, V]) Entry() (K, V) {
	must.True(it.retSeg >= 0, "filemap: iterator Entry before Next")
	return it.retKey, it.retValue
}

// Remove removes the entry returned by the last successful Next. If
// the entry's position has since been vacated (the entry was removed
// or relocated by a concurrent writer), removal falls back to
// Map.Remove on the returned key. The narrow race in which a third
// party re-filled the same position with a different entry between
// Next and Remove is accepted: the occupying entry is removed. Closing
// it would require comparing the stored key bytes against the returned
// key on every Remove; callers that need that precision can re-check
// with Get after removing.
func (it *Iterator[K, V]) Remove() {
	must.True(it.retSeg >= 0, "filemap: iterator Remove before Next")
	s := it.m.segments[it.retSeg]
	pos := it.retPos
	s.lockSeg()
	if s.idx.Positions().IsSet(pos) {
		s.removeAt(pos, it.retKey, it.retValue)
		s.unlockSeg()
	} else {
		// The segment lock is not reentrant, so the fallback removal
		// must run unlocked; it re-routes by key.
		s.unlockSeg()
		it.m.Remove(it.retKey)
	}
	it.retSeg = -1
}
