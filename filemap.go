// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package filemap

import (
	"math"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/filemap/codec"
	"github.com/grailbio/filemap/internal/mapfile"
)

// Map is a persistent, concurrent key-value map whose entire
// representation lives in a shared memory mapping of a single file.
// Processes and threads mapping the same file observe the same state.
// The address space is partitioned into independently locked segments;
// a key's hash routes it to one segment, and all operations on that
// key serialize on that segment's process-shared lock.
//
// A Map is created or reopened by Open. Geometry is fixed at creation:
// reopening requires the same Config geometry, and the map never
// resizes.
type Map[K, V any] struct {
	sh       *shared[K, V]
	file     *mapfile.File
	segments []*segment[K, V]
}

// Open creates or reopens the map backed by the file at path, using
// the provided key and value codecs. A fresh file is sized and
// initialized according to cfg; an existing file must have been
// created with the same geometry.
func Open[K, V any](path string, kc codec.KeyCodec[K], vc codec.ValueCodec[V], cfg Config[K, V]) (*Map[K, V], error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	lay := newLayout(cfg)
	file, err := mapfile.Open(path, lay.params(), lay.fileBytes)
	if err != nil {
		return nil, err
	}
	sh := &shared[K, V]{
		lay:               lay,
		kc:                kc,
		vc:                vc,
		enc:               codec.StopBit{},
		path:              path,
		listener:          cfg.Listener,
		sink:              cfg.ErrorSink,
		defaultValue:      cfg.DefaultValue,
		factory:           cfg.ValueFactory,
		putReturnsNull:    cfg.PutReturnsNull,
		removeReturnsNull: cfg.RemoveReturnsNull,
		lockTimeout:       cfg.LockTimeout,
	}
	m := &Map[K, V]{
		sh:       sh,
		file:     file,
		segments: make([]*segment[K, V], lay.segments),
	}
	for i := range m.segments {
		off := mapfile.HeaderBytes + int64(i)*lay.segmentBytes
		m.segments[i] = newSegment(sh, i, file.Data[off:off+lay.segmentBytes])
	}
	verb := "reopened"
	if file.Created {
		verb = "created"
	}
	log.Debug.Printf("filemap: %s %s: %s in %d segments of %s (%d blocks of %s)",
		verb, path, data.Size(lay.fileBytes), lay.segments,
		data.Size(lay.segmentBytes), lay.entries, data.Size(lay.blockSize))
	return m, nil
}

func (m *Map[K, V]) route(key K) (*segment[K, V], uint64) {
	h := m.sh.kc.Hash(key)
	return m.segments[m.sh.lay.segmentIndex(h)], m.sh.lay.fingerprint(h)
}

// Put associates value with key, returning the previously associated
// value, if any. The previous value is not read (and had is false even
// on overwrite) when the map was configured with PutReturnsNull. Put
// fails when the owning segment cannot fit the entry.
func (m *Map[K, V]) Put(key K, value V) (prev V, had bool, err error) {
	s, fp := m.route(key)
	return s.put(key, value, fp, true)
}

// PutIfAbsent associates value with key only if key is absent. If key
// is present, the existing value is returned and the map is unchanged.
// When the map was configured with PutReturnsNull, the existing value
// is not read and present is false in both cases.
func (m *Map[K, V]) PutIfAbsent(key K, value V) (existing V, present bool, err error) {
	s, fp := m.route(key)
	return s.put(key, value, fp, false)
}

// Get returns the value associated with key. When a
// DefaultValueProvider is configured, a miss consults it and inserts
// the provided value; insertion failures (a full segment) are logged
// and the provided value is returned uninserted.
func (m *Map[K, V]) Get(key K) (V, bool) {
	var zero V
	return m.getUsing(key, zero)
}

// GetUsing is Get with a caller-provided value to deserialize into,
// for codecs that support reuse.
func (m *Map[K, V]) GetUsing(key K, reuse V) (V, bool) {
	return m.getUsing(key, reuse)
}

func (m *Map[K, V]) getUsing(key K, reuse V) (V, bool) {
	s, fp := m.route(key)
	v, ok, err := s.acquire(key, reuse, false, fp, false)
	if err != nil {
		log.Error.Printf("filemap: %s: could not insert default value: %v", m.sh.path, err)
		return v, true
	}
	return v, ok
}

// Acquire returns the value for key, inserting a fresh one from the
// configured ValueFactory when absent. When V supports Byteable the
// inserted value is bound to the entry's bytes in the mapped file, so
// mutations of it land in the map directly.
func (m *Map[K, V]) Acquire(key K) (V, error) {
	s, fp := m.route(key)
	var zero V
	v, _, err := s.acquire(key, zero, false, fp, true)
	return v, err
}

// AcquireUsing is Acquire with a caller-provided value: on a hit it is
// the deserialization target, on a miss it is inserted as the value.
func (m *Map[K, V]) AcquireUsing(key K, using V) (V, error) {
	s, fp := m.route(key)
	v, _, err := s.acquire(key, using, true, fp, true)
	return v, err
}

// ContainsKey reports whether key is present.
func (m *Map[K, V]) ContainsKey(key K) bool {
	s, fp := m.route(key)
	return s.containsKey(key, fp)
}

// Remove removes key, returning the previously associated value, if
// any. The value is not read (and had is false even when an entry was
// removed) when the map was configured with RemoveReturnsNull.
func (m *Map[K, V]) Remove(key K) (prev V, had bool) {
	s, fp := m.route(key)
	var zero V
	return s.remove(key, zero, false, fp)
}

// RemoveIf removes key only if its current value equals expected,
// reporting whether an entry was removed.
func (m *Map[K, V]) RemoveIf(key K, expected V) bool {
	s, fp := m.route(key)
	_, ok := s.remove(key, expected, true, fp)
	return ok
}

// Replace associates value with key only if key is already present,
// returning the previous value.
func (m *Map[K, V]) Replace(key K, value V) (prev V, replaced bool, err error) {
	s, fp := m.route(key)
	var zero V
	return s.replace(key, zero, false, value, fp)
}

// ReplaceIf associates newValue with key only if the current value
// equals expected.
func (m *Map[K, V]) ReplaceIf(key K, expected, newValue V) (bool, error) {
	s, fp := m.route(key)
	_, ok, err := s.replace(key, expected, true, newValue, fp)
	return ok, err
}

// LongSize returns the number of entries as the sum of per-segment
// snapshots. Under concurrent writers it is a point-in-time
// approximation; per segment it is exact and monotonic between that
// segment's operations.
func (m *Map[K, V]) LongSize() int64 {
	var n int64
	for _, s := range m.segments {
		n += int64(s.liveCount())
	}
	return n
}

// Size is LongSize clamped to 32 bits.
func (m *Map[K, V]) Size() int {
	n := m.LongSize()
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(n)
}

// Clear removes all entries, clearing segments concurrently, each
// under its own lock. It is not atomic across segments: concurrent
// writers may repopulate cleared segments before others are cleared.
func (m *Map[K, V]) Clear() {
	_ = traverse.Each(len(m.segments), func(i int) error {
		m.segments[i].clear()
		return nil
	})
}

// CheckConsistency validates the free-list/index/entry invariants of
// every segment. It is a debugging aid: it checks segments
// concurrently, taking each segment's lock, and reads every entry.
func (m *Map[K, V]) CheckConsistency() error {
	return traverse.Each(len(m.segments), func(i int) error {
		return m.segments[i].checkConsistency()
	})
}

// Path returns the path of the backing file.
func (m *Map[K, V]) Path() string { return m.file.Path() }

// Sync flushes the mapping to stable storage.
func (m *Map[K, V]) Sync() error { return m.file.Sync() }

// Close unmaps and closes the backing file after flushing it. Close is
// idempotent; using the map after Close is undefined.
func (m *Map[K, V]) Close() error {
	if err := m.file.Sync(); err != nil {
		return err
	}
	return m.file.Close()
}
