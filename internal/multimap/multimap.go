// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package multimap implements the per-segment hash index of filemap: a
// multi-map from hash fingerprints to entry block positions, stored in
// a caller-provided memory region (usually aliasing a mapped file).
//
// The index is an open-addressed table with linear probing, kept at or
// below 50% load by construction, paired with a presence bitmap over
// block positions that supports whole-segment iteration. Lookups follow
// a search-cursor protocol: StartSearch establishes a fingerprint,
// NextPos yields candidate positions one at a time, and
// PutAfterFailedSearch, RemovePrev and ReplacePrev act on the state
// left behind by the preceding search. The cursor is only meaningful
// while the caller holds the owning segment's lock.
package multimap

import (
	"unsafe"

	"github.com/grailbio/filemap/internal/bitset"
)

// A slot stores a fingerprint in its high half and a block position in
// its low half. The all-zero slot means empty; to keep that
// unambiguous, a genuine zero fingerprint is remapped to the all-ones
// fingerprint on the way in. Distinct fingerprints mapping to the same
// stored bits only ever cause an extra key comparison upstream.

// NotFound is returned by NextPos when the search is exhausted.
const NotFound = -1

// Map is the fingerprint→position multi-map. Narrow maps use 16-bit
// fingerprints and positions (4-byte slots); wide maps use 32-bit
// halves (8-byte slots). The choice is made at construction and fixed
// for the life of the backing file.
type Map struct {
	narrow  bool
	slots32 []uint32
	slots64 []uint64
	mask    uint32 // capacity - 1
	pos     bitset.Bits

	// Search cursor. Valid between StartSearch and the end of the
	// enclosing locked operation.
	searchFP   uint64
	searchSlot uint32
	retSlot    int
}

// Capacity returns the slot count used for n entries: the next power
// of two at or above 2n, bounding load at 50%.
func Capacity(entries int) int {
	c := 1
	for c < entries*2 {
		c <<= 1
	}
	return c
}

// SlotBytes returns the byte size of the slot array for n entries.
func SlotBytes(entries int, narrow bool) int {
	if narrow {
		return Capacity(entries) * 4
	}
	return Capacity(entries) * 8
}

// PresenceBytes returns the byte size of the presence bitmap for n
// entries. n is a multiple of 8, so this is exact.
func PresenceBytes(entries int) int { return entries / 8 }

// New returns a multi-map over the provided regions. slots must be
// SlotBytes(entries, narrow) long and presence PresenceBytes(entries)
// long; both are used in place and may hold live data from a previous
// mapping of the same file.
func New(slots, presence []byte, entries int, narrow bool) *Map {
	m := &Map{
		narrow:  narrow,
		mask:    uint32(Capacity(entries) - 1),
		pos:     bitset.FromBytes(presence, entries),
		retSlot: -1,
	}
	if narrow {
		m.slots32 = unsafe.Slice((*uint32)(unsafe.Pointer(&slots[0])), len(slots)/4)
	} else {
		m.slots64 = unsafe.Slice((*uint64)(unsafe.Pointer(&slots[0])), len(slots)/8)
	}
	return m
}

func (m *Map) capacity() uint32 { return m.mask + 1 }

func (m *Map) slot(i uint32) uint64 {
	if m.narrow {
		return uint64(m.slots32[i])
	}
	return m.slots64[i]
}

func (m *Map) setSlot(i uint32, e uint64) {
	if m.narrow {
		m.slots32[i] = uint32(e)
	} else {
		m.slots64[i] = e
	}
}

func (m *Map) make(fp uint64, pos int) uint64 {
	if m.narrow {
		return fp<<16 | uint64(pos)
	}
	return fp<<32 | uint64(pos)
}

func (m *Map) fpOf(e uint64) uint64 {
	if m.narrow {
		return e >> 16
	}
	return e >> 32
}

func (m *Map) posOf(e uint64) int {
	if m.narrow {
		return int(e & 0xFFFF)
	}
	return int(e & 0xFFFFFFFF)
}

// remap substitutes the all-ones fingerprint for zero so that an empty
// slot (all zero bits) can never collide with a stored pair.
func (m *Map) remap(fp uint64) uint64 {
	if fp != 0 {
		return fp
	}
	if m.narrow {
		return 0xFFFF
	}
	return 0xFFFFFFFF
}

// StartSearch positions the cursor at the beginning of the probe
// sequence for fp.
func (m *Map) StartSearch(fp uint64) {
	m.searchFP = m.remap(fp)
	m.searchSlot = uint32(m.searchFP) & m.mask
	m.retSlot = -1
}

// NextPos returns the next position bound to the searched fingerprint,
// or NotFound when the probe sequence reaches an empty slot. On
// NotFound the cursor rests on that empty slot, which is where
// PutAfterFailedSearch inserts.
func (m *Map) NextPos() int {
	for {
		e := m.slot(m.searchSlot)
		if e == 0 {
			return NotFound
		}
		if m.fpOf(e) == m.searchFP {
			m.retSlot = int(m.searchSlot)
			m.searchSlot = (m.searchSlot + 1) & m.mask
			return m.posOf(e)
		}
		m.searchSlot = (m.searchSlot + 1) & m.mask
	}
}

// PutAfterFailedSearch binds pos to the searched fingerprint, storing
// the pair at the empty slot where the preceding NextPos stopped.
func (m *Map) PutAfterFailedSearch(pos int) {
	m.setSlot(m.searchSlot, m.make(m.searchFP, pos))
	m.pos.Set(pos)
}

// RemovePrev deletes the pair most recently returned by NextPos.
func (m *Map) RemovePrev() {
	i := uint32(m.retSlot)
	m.pos.Clear(m.posOf(m.slot(i)))
	m.shiftDelete(i)
	m.retSlot = -1
}

// ReplacePrev rebinds the pair most recently returned by NextPos to a
// new position. Used when an entry is relocated.
func (m *Map) ReplacePrev(newPos int) {
	i := uint32(m.retSlot)
	e := m.slot(i)
	m.pos.Clear(m.posOf(e))
	m.setSlot(i, m.make(m.fpOf(e), newPos))
	m.pos.Set(newPos)
}

// Remove deletes the exact (fp, pos) pair, reporting whether it was
// present. It does not use or disturb the search cursor state beyond
// resetting it.
func (m *Map) Remove(fp uint64, pos int) bool {
	f := m.remap(fp)
	i := uint32(f) & m.mask
	for {
		e := m.slot(i)
		if e == 0 {
			return false
		}
		if m.fpOf(e) == f && m.posOf(e) == pos {
			m.pos.Clear(pos)
			m.shiftDelete(i)
			m.retSlot = -1
			return true
		}
		i = (i + 1) & m.mask
	}
}

// shiftDelete removes the pair at slot i, sliding later pairs of the
// same probe chain back so that no probe sequence is broken by a hole.
func (m *Map) shiftDelete(i uint32) {
	j := i
	for {
		j = (j + 1) & m.mask
		e := m.slot(j)
		if e == 0 {
			m.setSlot(i, 0)
			return
		}
		home := uint32(m.fpOf(e)) & m.mask
		if (j-home)&m.mask >= (j-i)&m.mask {
			m.setSlot(i, e)
			i = j
		}
	}
}

// ForEach calls f for every stored (fingerprint, position) pair, in
// slot order.
func (m *Map) ForEach(f func(fp uint64, pos int)) {
	for i := uint32(0); i < m.capacity(); i++ {
		if e := m.slot(i); e != 0 {
			f(m.fpOf(e), m.posOf(e))
		}
	}
}

// Positions returns the presence bitmap over block positions. It is
// indexed by entry position, not by slot, and drives iteration.
func (m *Map) Positions() bitset.Bits { return m.pos }

// Zero empties the index and the presence bitmap.
func (m *Map) Zero() {
	if m.narrow {
		for i := range m.slots32 {
			m.slots32[i] = 0
		}
	} else {
		for i := range m.slots64 {
			m.slots64[i] = 0
		}
	}
	m.pos.Zero()
	m.retSlot = -1
}
