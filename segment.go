// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package filemap

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limitbuf"
	"github.com/grailbio/base/log"
	"github.com/grailbio/filemap/codec"
	"github.com/grailbio/filemap/internal/bitset"
	"github.com/grailbio/filemap/internal/multimap"
	"github.com/grailbio/filemap/internal/spinlock"
)

// shared is the state common to all segments of one map: geometry,
// codecs and collaborator hooks. Segments refer to it instead of to
// the map itself, so there is no reference cycle between the engine
// and its segments.
type shared[K, V any] struct {
	lay  layout
	kc   codec.KeyCodec[K]
	vc   codec.ValueCodec[V]
	enc  codec.SizeEncoding
	path string

	listener     EventListener[K, V]
	sink         ErrorSink
	defaultValue DefaultValueProvider[K, V]
	factory      ValueFactory[V]

	putReturnsNull    bool
	removeReturnsNull bool
	lockTimeout       time.Duration
}

// A segment owns one contiguous region of the mapped file: a 64-byte
// header (lock word, live entry count), the hash index, the block free
// list and the entries grid. All operations run under the segment's
// process-shared lock; within a segment they are totally ordered,
// across segments there is no ordering at all.
type segment[K, V any] struct {
	sh    *shared[K, V]
	index int
	bytes []byte
	lock  spinlock.L
	count *uint32
	idx   *multimap.Map
	free  bitset.Bits

	// nextPosToSearchFrom is a hint for the allocator's first-fit
	// scan. It is process-local and reset on reopen; correctness never
	// depends on it.
	nextPosToSearchFrom int
}

func newSegment[K, V any](sh *shared[K, V], index int, region []byte) *segment[K, V] {
	lay := sh.lay
	return &segment[K, V]{
		sh:    sh,
		index: index,
		bytes: region,
		lock:  spinlock.At(region),
		count: (*uint32)(unsafe.Pointer(&region[8])),
		idx: multimap.New(
			region[lay.indexOff:lay.presenceOff],
			region[lay.presenceOff:lay.freeOff],
			lay.entries, lay.narrow),
		free: bitset.FromBytes(region[lay.freeOff:lay.entriesOff], lay.entries),
	}
}

// lockSeg acquires the segment lock, recovering from presumed-dead
// holders: on timeout the error sink is notified, the lock word is
// forcibly reset, and acquisition is retried.
func (s *segment[K, V]) lockSeg() {
	for {
		if s.lock.TryLock(s.sh.lockTimeout) {
			return
		}
		holder := s.lock.Holder()
		s.sh.sink.OnLockTimeout(s.index, holder)
		log.Error.Printf("filemap: %s: segment %d: lock timeout after %s, "+
			"reclaiming from presumed-dead holder pid %d",
			s.sh.path, s.index, s.sh.lockTimeout, holder)
		s.lock.Reset()
	}
}

func (s *segment[K, V]) unlockSeg() {
	if !s.lock.Unlock() {
		s.sh.sink.OnUnlockError(s.index, errors.E(errors.Integrity, fmt.Sprintf(
			"filemap: %s: segment %d: lock word changed while held",
			s.sh.path, s.index)))
	}
}

func (s *segment[K, V]) incCount() { atomic.AddUint32(s.count, 1) }

func (s *segment[K, V]) decCount() { atomic.AddUint32(s.count, ^uint32(0)) }

func (s *segment[K, V]) resetCount() { atomic.StoreUint32(s.count, 0) }

func (s *segment[K, V]) liveCount() int {
	// A negative count means a crashed writer; clamp rather than wrap.
	n := int32(atomic.LoadUint32(s.count))
	if n < 0 {
		return 0
	}
	return int(n)
}

func (s *segment[K, V]) offsetFromPos(pos int) int {
	return s.sh.lay.entriesOff + pos*s.sh.lay.blockSize
}

func (s *segment[K, V]) posFromOffset(offset int) int {
	return (offset - s.sh.lay.entriesOff) / s.sh.lay.blockSize
}

// entry returns a cursor positioned just past the entry's metadata.
func (s *segment[K, V]) entry(offset int) cursor {
	return cursor{b: s.bytes, off: offset + s.sh.lay.metaBytes}
}

// matchKey reads the stored key length at cur and compares the stored
// key with key. On a match the cursor is advanced past the key bytes
// (to the value length); on a mismatch the cursor state is
// unspecified.
func (s *segment[K, V]) matchKey(cur *cursor, key K, keySize int) bool {
	if cur.readSize(s.sh.enc) != keySize {
		return false
	}
	if !s.sh.kc.EqualPrefix(cur.slice(keySize), key) {
		return false
	}
	cur.skip(keySize)
	return true
}

// readValueAt reads the value length at cur, aligns to the value
// start, and decodes. After the call cur rests at the value start.
func (s *segment[K, V]) readValueAt(cur *cursor, reuse V) (V, int) {
	valueSize := cur.readSize(s.sh.enc)
	cur.alignTo(s.sh.lay.alignment)
	return s.sh.vc.ReadValue(cur.slice(valueSize), reuse), valueSize
}

// allocRun finds, claims and returns the first free run of blocks
// starting at or after the search hint, wrapping to 0 once. It
// returns bitset.NotFound when no run exists. The hint advances past
// single-block allocations and past runs that started exactly at it;
// a multi-block allocation that skipped free blocks leaves the hint
// alone so those blocks stay eligible.
func (s *segment[K, V]) allocRun(blocks int) int {
	ret := s.free.SetNextNClearRun(s.nextPosToSearchFrom, blocks)
	if ret == bitset.NotFound {
		ret = s.free.SetNextNClearRun(0, blocks)
		if ret == bitset.NotFound {
			return ret
		}
		s.advanceSearchHint(ret, blocks)
	} else if blocks == 1 || s.free.IsSet(s.nextPosToSearchFrom) {
		s.advanceSearchHint(ret, blocks)
	}
	return ret
}

func (s *segment[K, V]) advanceSearchHint(allocated, blocks int) {
	if s.nextPosToSearchFrom = allocated + blocks; s.nextPosToSearchFrom >= s.free.Size() {
		s.nextPosToSearchFrom = 0
	}
}

// alloc is allocRun with the public error contract.
func (s *segment[K, V]) alloc(blocks int) (int, error) {
	if blocks > maxOversize {
		return 0, errors.E(errors.Invalid, fmt.Sprintf(
			"filemap: entry too large: needs %d blocks, %d is maximum",
			blocks, maxOversize))
	}
	ret := s.allocRun(blocks)
	if ret == bitset.NotFound {
		if blocks == 1 {
			return 0, errors.E(errors.OOM, fmt.Sprintf(
				"filemap: segment %d is full", s.index))
		}
		return 0, errors.E(errors.OOM, fmt.Sprintf(
			"filemap: segment %d has no run of %d contiguous free blocks",
			s.index, blocks))
	}
	return ret, nil
}

// freeRun releases blocks and pulls the search hint back so holes are
// refilled before fresh space is consumed.
func (s *segment[K, V]) freeRun(pos, blocks int) {
	s.free.ClearRange(pos, pos+blocks)
	if pos < s.nextPosToSearchFrom {
		s.nextPosToSearchFrom = pos
	}
}

// reallocExtend grows an allocation in place when the following blocks
// are free.
func (s *segment[K, V]) reallocExtend(pos, oldBlocks, newBlocks int) bool {
	if !s.free.AllClear(pos+oldBlocks, pos+newBlocks) {
		return false
	}
	s.free.SetRange(pos+oldBlocks, pos+newBlocks)
	return true
}

// put implements Put (replaceIfPresent true) and PutIfAbsent
// (replaceIfPresent false).
func (s *segment[K, V]) put(key K, value V, fp uint64, replaceIfPresent bool) (prev V, had bool, err error) {
	s.lockSeg()
	defer s.unlockSeg()
	keySize := s.sh.kc.Size(key)
	s.idx.StartSearch(fp)
	for pos := s.idx.NextPos(); pos != multimap.NotFound; pos = s.idx.NextPos() {
		offset := s.offsetFromPos(pos)
		cur := s.entry(offset)
		if !s.matchKey(&cur, key, keySize) {
			continue
		}
		if replaceIfPresent {
			return s.replaceValueOnPut(key, value, cur, pos, offset)
		}
		if s.sh.putReturnsNull {
			return prev, false, nil
		}
		prev, _ = s.readValueAt(&cur, prev)
		return prev, true, nil
	}
	offset, err := s.putEntry(key, keySize, value, false)
	if err != nil {
		return prev, false, err
	}
	s.incCount()
	s.sh.listener.OnPut(s.index, s.posFromOffset(offset), true, key, value)
	return prev, false, nil
}

// replaceValueOnPut overwrites the value of the entry the cursor has
// matched, reading the previous value first unless configured not to.
func (s *segment[K, V]) replaceValueOnPut(key K, value V, cur cursor, pos, offset int) (prev V, had bool, err error) {
	valueSizeOff := cur.off
	valueSize := cur.readSize(s.sh.enc)
	cur.alignTo(s.sh.lay.alignment)
	oldEntryEnd := cur.off + valueSize
	if !s.sh.putReturnsNull {
		prev = s.sh.vc.ReadValue(cur.slice(valueSize), prev)
		had = true
	}
	offset, err = s.putValue(pos, offset, valueSizeOff, oldEntryEnd, value)
	if err != nil {
		var zero V
		return zero, false, err
	}
	s.sh.listener.OnPut(s.index, s.posFromOffset(offset), false, key, value)
	return prev, had, nil
}

// putEntry writes a fresh entry for key/value and binds it into the
// hash index using the failed-search state of the enclosing search.
// When bindByteable is set and the value supports it, the value's
// storage is bound to the entry bytes instead of serializing.
func (s *segment[K, V]) putEntry(key K, keySize int, value V, bindByteable bool) (int, error) {
	valueSize := s.sh.vc.Size(value)
	total := s.sh.lay.entryBytes(s.sh.enc, keySize, valueSize)
	pos, err := s.alloc(s.sh.lay.inBlocks(total))
	if err != nil {
		return 0, err
	}
	offset := s.offsetFromPos(pos)
	s.clearMetaData(offset)
	cur := s.entry(offset)
	cur.writeSize(s.sh.enc, keySize)
	s.sh.kc.Write(cur.slice(keySize), key)
	cur.skip(keySize)
	cur.writeSize(s.sh.enc, valueSize)
	cur.alignTo(s.sh.lay.alignment)
	buf := cur.slice(valueSize)
	if b, ok := any(value).(Byteable); ok && bindByteable {
		for i := range buf {
			buf[i] = 0
		}
		b.Bind(buf)
	} else {
		s.sh.vc.Write(buf, value)
	}
	s.idx.PutAfterFailedSearch(pos)
	return offset, nil
}

func (s *segment[K, V]) clearMetaData(offset int) {
	for i := 0; i < s.sh.lay.metaBytes; i++ {
		s.bytes[offset+i] = 0
	}
}

// putValue replaces the value of the entry at pos/offset, whose value
// length field is at valueSizeOff and whose bytes end just before
// oldEntryEnd. The replacement is done in place when the block
// footprint is unchanged; shrinks release the trailing blocks; grows
// first try to extend into following free blocks and otherwise
// relocate the entry, rebinding the index through the search cursor.
// On error the entry, the free list and the index are untouched.
func (s *segment[K, V]) putValue(pos, offset, valueSizeOff, oldEntryEnd int, value V) (int, error) {
	lay := s.sh.lay
	newValueSize := s.sh.vc.Size(value)
	newValueOff := lay.alignOff(valueSizeOff + s.sh.enc.EncodingSize(newValueSize))
	newEntryEnd := newValueOff + newValueSize
	if newEntryEnd != oldEntryEnd {
		oldBlocks := lay.inBlocks(oldEntryEnd - offset)
		newBlocks := lay.inBlocks(newEntryEnd - offset)
		switch {
		case newBlocks > oldBlocks:
			if newBlocks > maxOversize {
				return 0, errors.E(errors.Invalid, fmt.Sprintf(
					"filemap: value too large: entry needs %d blocks, %d is maximum",
					newBlocks, maxOversize))
			}
			if s.reallocExtend(pos, oldBlocks, newBlocks) {
				break
			}
			var err error
			if offset, valueSizeOff, err = s.relocate(pos, offset, valueSizeOff, oldBlocks, newBlocks); err != nil {
				return 0, err
			}
		case newBlocks < oldBlocks:
			// Shrink. The search hint is deliberately not pulled back:
			// a value that was once oversized tends to grow again, and
			// keeping the trailing blocks unattractive lets it extend
			// in place next time.
			s.free.ClearRange(pos+newBlocks, pos+oldBlocks)
		}
	}
	cur := cursor{b: s.bytes, off: valueSizeOff}
	cur.writeSize(s.sh.enc, newValueSize)
	cur.alignTo(lay.alignment)
	s.sh.vc.Write(cur.slice(newValueSize), value)
	return offset, nil
}

// relocate moves the entry at pos to a fresh run of newBlocks,
// copying the metadata and key prefix and rebinding the hash index.
// The old run is fallback allocation space: if no run is free while
// the entry still holds its blocks, they are released and the search
// repeated; if that also fails the old allocation is restored and the
// entry is left exactly as it was.
func (s *segment[K, V]) relocate(pos, offset, valueSizeOff, oldBlocks, newBlocks int) (int, int, error) {
	newPos := s.allocRun(newBlocks)
	freedOld := false
	if newPos == bitset.NotFound {
		s.freeRun(pos, oldBlocks)
		freedOld = true
		newPos = s.allocRun(newBlocks)
		if newPos == bitset.NotFound {
			s.free.SetRange(pos, pos+oldBlocks)
			return 0, 0, errors.E(errors.OOM, fmt.Sprintf(
				"filemap: segment %d has no run of %d contiguous free blocks",
				s.index, newBlocks))
		}
	}
	s.sh.listener.OnRelocation(s.index, pos)
	s.idx.ReplacePrev(newPos)
	newOffset := s.offsetFromPos(newPos)
	prefix := valueSizeOff - offset
	copy(s.bytes[newOffset:newOffset+prefix], s.bytes[offset:offset+prefix])
	if !freedOld {
		s.freeRun(pos, oldBlocks)
	}
	return newOffset, newOffset + prefix, nil
}

// acquire implements Get and GetUsing (create false) and Acquire and
// AcquireUsing (create true). usingPassed distinguishes a caller-
// provided reuse value from none; Go has no null to lean on here.
func (s *segment[K, V]) acquire(key K, using V, usingPassed bool, fp uint64, create bool) (v V, ok bool, err error) {
	s.lockSeg()
	defer s.unlockSeg()
	keySize := s.sh.kc.Size(key)
	s.idx.StartSearch(fp)
	for pos := s.idx.NextPos(); pos != multimap.NotFound; pos = s.idx.NextPos() {
		offset := s.offsetFromPos(pos)
		cur := s.entry(offset)
		if !s.matchKey(&cur, key, keySize) {
			continue
		}
		v, _ = s.readValueAt(&cur, using)
		s.sh.listener.OnGet(s.index, pos, key, v)
		return v, true, nil
	}
	// Key is absent.
	if create {
		v = using
		if !usingPassed {
			if s.sh.factory == nil {
				return v, false, errors.E(errors.Precondition, fmt.Sprintf(
					"filemap: %s: Acquire needs a ValueFactory", s.sh.path))
			}
			v = s.sh.factory.New()
		}
		offset, err := s.putEntry(key, keySize, v, true)
		if err != nil {
			return v, false, err
		}
		s.incCount()
		if usingPassed {
			s.sh.listener.OnPut(s.index, s.posFromOffset(offset), true, key, v)
		}
		return v, true, nil
	}
	if s.sh.defaultValue == nil {
		return v, false, nil
	}
	v, ok = s.sh.defaultValue.DefaultValue(key, using)
	if !ok {
		return v, false, nil
	}
	// The miss-provided value is a genuine value, not a reuse
	// container: insert it and report the put.
	offset, err := s.putEntry(key, keySize, v, false)
	if err != nil {
		return v, false, err
	}
	s.incCount()
	s.sh.listener.OnPut(s.index, s.posFromOffset(offset), true, key, v)
	return v, true, nil
}

// remove implements Remove (hasExpected false) and RemoveIf
// (hasExpected true).
func (s *segment[K, V]) remove(key K, expected V, hasExpected bool, fp uint64) (removed V, ok bool) {
	s.lockSeg()
	defer s.unlockSeg()
	keySize := s.sh.kc.Size(key)
	s.idx.StartSearch(fp)
	for pos := s.idx.NextPos(); pos != multimap.NotFound; pos = s.idx.NextPos() {
		offset := s.offsetFromPos(pos)
		cur := s.entry(offset)
		if !s.matchKey(&cur, key, keySize) {
			continue
		}
		valueSize := cur.readSize(s.sh.enc)
		cur.alignTo(s.sh.lay.alignment)
		entryEnd := cur.off + valueSize
		if hasExpected || !s.sh.removeReturnsNull {
			removed = s.sh.vc.ReadValue(cur.slice(valueSize), removed)
		}
		if hasExpected && !s.sh.vc.Equal(expected, removed) {
			var zero V
			return zero, false
		}
		s.idx.RemovePrev()
		s.decCount()
		s.freeRun(pos, s.sh.lay.inBlocks(entryEnd-offset))
		s.sh.listener.OnRemove(s.index, pos, key, removed)
		if !hasExpected && s.sh.removeReturnsNull {
			return removed, false
		}
		return removed, true
	}
	return removed, false
}

// replace implements Replace (hasExpected false) and ReplaceIf
// (hasExpected true).
func (s *segment[K, V]) replace(key K, expected V, hasExpected bool, newValue V, fp uint64) (prev V, ok bool, err error) {
	s.lockSeg()
	defer s.unlockSeg()
	keySize := s.sh.kc.Size(key)
	s.idx.StartSearch(fp)
	for pos := s.idx.NextPos(); pos != multimap.NotFound; pos = s.idx.NextPos() {
		offset := s.offsetFromPos(pos)
		cur := s.entry(offset)
		if !s.matchKey(&cur, key, keySize) {
			continue
		}
		valueSizeOff := cur.off
		valueSize := cur.readSize(s.sh.enc)
		cur.alignTo(s.sh.lay.alignment)
		oldEntryEnd := cur.off + valueSize
		prev = s.sh.vc.ReadValue(cur.slice(valueSize), prev)
		if hasExpected && !s.sh.vc.Equal(expected, prev) {
			var zero V
			return zero, false, nil
		}
		offset, err = s.putValue(pos, offset, valueSizeOff, oldEntryEnd, newValue)
		if err != nil {
			var zero V
			return zero, false, err
		}
		s.sh.listener.OnPut(s.index, s.posFromOffset(offset), false, key, newValue)
		return prev, true, nil
	}
	return prev, false, nil
}

func (s *segment[K, V]) containsKey(key K, fp uint64) bool {
	s.lockSeg()
	defer s.unlockSeg()
	keySize := s.sh.kc.Size(key)
	s.idx.StartSearch(fp)
	for pos := s.idx.NextPos(); pos != multimap.NotFound; pos = s.idx.NextPos() {
		cur := s.entry(s.offsetFromPos(pos))
		if s.matchKey(&cur, key, keySize) {
			return true
		}
	}
	return false
}

func (s *segment[K, V]) clear() {
	s.lockSeg()
	defer s.unlockSeg()
	s.idx.Zero()
	s.free.Zero()
	s.nextPosToSearchFrom = 0
	s.resetCount()
}

// entryAt decodes the entry at pos. Caller holds the lock and has
// checked presence.
func (s *segment[K, V]) entryAt(pos int) (K, V) {
	cur := s.entry(s.offsetFromPos(pos))
	keySize := cur.readSize(s.sh.enc)
	key := s.sh.kc.Read(cur.slice(keySize))
	cur.skip(keySize)
	var reuse V
	value, _ := s.readValueAt(&cur, reuse)
	return key, value
}

// removeAt removes the entry at pos, recomputing its fingerprint from
// the stored key bytes. key and value are the iterator's cached entry,
// used only for the removal notification. Caller holds the lock and
// has checked presence.
func (s *segment[K, V]) removeAt(pos int, key K, value V) {
	offset := s.offsetFromPos(pos)
	cur := s.entry(offset)
	keySize := cur.readSize(s.sh.enc)
	storedKey := s.sh.kc.Read(cur.slice(keySize))
	fp := s.sh.lay.fingerprint(s.sh.kc.Hash(storedKey))
	cur.skip(keySize)
	valueSize := cur.readSize(s.sh.enc)
	cur.alignTo(s.sh.lay.alignment)
	entryEnd := cur.off + valueSize
	s.idx.Remove(fp, pos)
	s.decCount()
	s.freeRun(pos, s.sh.lay.inBlocks(entryEnd-offset))
	s.sh.listener.OnRemove(s.index, pos, key, value)
}

// checkConsistency validates the joint invariant between the free
// list, the hash index and the entry bytes: every first-block bit has
// exactly one index binding, and every entry's full block footprint is
// allocated. Failures are reported together, bounded in size.
func (s *segment[K, V]) checkConsistency() error {
	s.lockSeg()
	defer s.unlockSeg()
	report := limitbuf.NewLogger(4096)
	bad := 0
	for pos := s.free.NextSet(0); pos != bitset.NotFound; {
		n := 0
		s.idx.ForEach(func(_ uint64, p int) {
			if p == pos {
				n++
			}
		})
		if n != 1 {
			fmt.Fprintf(report, "pos %d: %d index bindings; ", pos, n)
			bad++
			pos = s.free.NextSet(pos + 1)
			continue
		}
		offset := s.offsetFromPos(pos)
		cur := s.entry(offset)
		keySize := cur.readSize(s.sh.enc)
		cur.skip(keySize)
		valueSize := cur.readSize(s.sh.enc)
		blocks := s.sh.lay.inBlocks(s.sh.lay.entryBytes(s.sh.enc, keySize, valueSize))
		if !s.free.AllSet(pos, pos+blocks) {
			fmt.Fprintf(report, "pos %d: %d-block entry with free blocks inside; ", pos, blocks)
			bad++
		}
		pos = s.free.NextSet(pos + blocks)
	}
	if bad > 0 {
		return errors.E(errors.Integrity, fmt.Sprintf(
			"filemap: %s: segment %d: %d inconsistencies: %s",
			s.sh.path, s.index, bad, report.String()))
	}
	return nil
}
