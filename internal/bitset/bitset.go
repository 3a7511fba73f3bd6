// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package bitset implements a bitset over a caller-provided word slice,
// with the run-allocation primitives needed by filemap's per-segment
// block free list. The words typically alias a memory-mapped file
// region, so the bitset itself holds no state beyond the slice: all
// mutations land in the backing store.
package bitset

import (
	"math/bits"
	"unsafe"
)

const wordBits = 64

// NotFound is returned by the scanning operations when no suitable
// bit or run exists.
const NotFound = -1

// Bits is a fixed-size bitset over an externally owned word slice.
// Bit i lives at words[i/64], bit i%64. The zero value is unusable;
// use New.
type Bits struct {
	words []uint64
	n     int
}

// New returns a bitset of n bits backed by words. n must not exceed
// 64*len(words); bits beyond n are never touched.
func New(words []uint64, n int) Bits {
	if n > len(words)*wordBits {
		panic("bitset: size exceeds backing words")
	}
	return Bits{words: words, n: n}
}

// FromBytes returns a bitset of n bits over the words aliasing b,
// which must be 8-byte aligned and at least (n+7)/8 bytes long,
// rounded up to whole words.
func FromBytes(b []byte, n int) Bits {
	words := unsafe.Slice((*uint64)(unsafe.Pointer(&b[0])), len(b)/8)
	return New(words, n)
}

// Size returns the number of bits.
func (b Bits) Size() int { return b.n }

// IsSet reports whether bit i is set.
func (b Bits) IsSet(i int) bool {
	return b.words[i/wordBits]&(1<<uint(i%wordBits)) != 0
}

// Set sets bit i.
func (b Bits) Set(i int) {
	b.words[i/wordBits] |= 1 << uint(i%wordBits)
}

// Clear clears bit i.
func (b Bits) Clear(i int) {
	b.words[i/wordBits] &^= 1 << uint(i%wordBits)
}

// SetRange sets bits [from, to).
func (b Bits) SetRange(from, to int) {
	b.forRange(from, to, func(w *uint64, mask uint64) { *w |= mask })
}

// ClearRange clears bits [from, to).
func (b Bits) ClearRange(from, to int) {
	b.forRange(from, to, func(w *uint64, mask uint64) { *w &^= mask })
}

// AllClear reports whether every bit in [from, to) is clear.
func (b Bits) AllClear(from, to int) bool {
	ok := true
	b.forRange(from, to, func(w *uint64, mask uint64) {
		if *w&mask != 0 {
			ok = false
		}
	})
	return ok
}

// AllSet reports whether every bit in [from, to) is set.
func (b Bits) AllSet(from, to int) bool {
	ok := true
	b.forRange(from, to, func(w *uint64, mask uint64) {
		if *w&mask != mask {
			ok = false
		}
	})
	return ok
}

// forRange applies f to each word overlapping [from, to) with the mask
// of bits of that word inside the range.
func (b Bits) forRange(from, to int, f func(w *uint64, mask uint64)) {
	if from >= to {
		return
	}
	first, last := from/wordBits, (to-1)/wordBits
	for wi := first; wi <= last; wi++ {
		mask := ^uint64(0)
		if wi == first {
			mask &= ^uint64(0) << uint(from%wordBits)
		}
		if wi == last {
			shift := uint(wordBits - 1 - (to-1)%wordBits)
			mask &= ^uint64(0) >> shift
		}
		f(&b.words[wi], mask)
	}
}

// NextSet returns the index of the first set bit at or after from, or
// NotFound.
func (b Bits) NextSet(from int) int {
	if from >= b.n {
		return NotFound
	}
	wi := from / wordBits
	w := b.words[wi] >> uint(from%wordBits)
	if w != 0 {
		i := from + trailingZeros(w)
		if i < b.n {
			return i
		}
		return NotFound
	}
	for wi++; wi*wordBits < b.n; wi++ {
		if b.words[wi] != 0 {
			i := wi*wordBits + trailingZeros(b.words[wi])
			if i < b.n {
				return i
			}
			return NotFound
		}
	}
	return NotFound
}

// SetNextNClearRun finds the first run of n contiguous clear bits
// starting at or after from, sets the run, and returns its first
// index. It returns NotFound if no such run exists in [from, Size).
// n must be in [1, 64]: a run never needs to span more than runs of
// 64 because filemap caps entry oversize at 64 blocks.
func (b Bits) SetNextNClearRun(from, n int) int {
	if n < 1 || n > wordBits {
		panic("bitset: bad run length")
	}
	pos := from
	for {
		pos = b.nextClear(pos)
		if pos == NotFound || pos+n > b.n {
			return NotFound
		}
		if b.AllClear(pos, pos+n) {
			b.SetRange(pos, pos+n)
			return pos
		}
		// Skip past the first set bit inside the candidate run.
		next := b.NextSet(pos + 1)
		if next == NotFound {
			return NotFound
		}
		pos = next + 1
	}
}

// nextClear returns the index of the first clear bit at or after from,
// or NotFound.
func (b Bits) nextClear(from int) int {
	if from >= b.n {
		return NotFound
	}
	wi := from / wordBits
	w := ^b.words[wi] >> uint(from%wordBits)
	if w != 0 {
		i := from + trailingZeros(w)
		if i < b.n {
			return i
		}
		return NotFound
	}
	for wi++; wi*wordBits < b.n; wi++ {
		if w := ^b.words[wi]; w != 0 {
			i := wi*wordBits + trailingZeros(w)
			if i < b.n {
				return i
			}
			return NotFound
		}
	}
	return NotFound
}

// Zero clears the whole bitset.
func (b Bits) Zero() {
	nwords := (b.n + wordBits - 1) / wordBits
	for i := 0; i < nwords; i++ {
		b.words[i] = 0
	}
}

func trailingZeros(w uint64) int { return bits.TrailingZeros64(w) }
