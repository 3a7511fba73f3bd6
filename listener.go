// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package filemap

// An EventListener observes map mutations. Callbacks run while the
// owning segment's lock is held, so they must be brief and must not
// call back into the map. Callbacks identify entries by segment index
// and block position rather than by reference.
type EventListener[K, V any] interface {
	// OnPut is called after a value is written. added is true for a
	// fresh insertion and false for an overwrite.
	OnPut(seg, pos int, added bool, key K, value V)
	// OnGet is called after a lookup finds a key.
	OnGet(seg, pos int, key K, value V)
	// OnRemove is called after an entry is removed.
	OnRemove(seg, pos int, key K, value V)
	// OnRelocation is called when a growing value forces an entry to
	// move; pos is the position being vacated.
	OnRelocation(seg, pos int)
}

// An ErrorSink is notified of out-of-band failures that the map
// recovers from rather than surfacing.
type ErrorSink interface {
	// OnLockTimeout is called when a segment lock was not acquired
	// within the configured budget. holder is the pid encoded in the
	// lock word; the word is forcibly reset after this call.
	OnLockTimeout(seg int, holder uint64)
	// OnUnlockError is called when releasing a segment lock finds the
	// lock word in an unexpected state.
	OnUnlockError(seg int, err error)
}

// A DefaultValueProvider supplies the value to insert when a get-style
// acquire misses. Returning ok == false leaves the map unchanged.
type DefaultValueProvider[K, V any] interface {
	DefaultValue(key K, reuse V) (v V, ok bool)
}

// A ValueFactory creates fresh values for Acquire, which takes no
// caller-provided value.
type ValueFactory[V any] interface {
	New() V
}

// Byteable is an optional value capability: a value whose storage can
// be bound directly to the entry's bytes inside the mapped file, so
// later mutations of the value land in the map without another Put.
// Acquire and AcquireUsing bind values that implement it when they
// insert; everything else is serialized through the value codec as
// usual.
type Byteable interface {
	// Bind points the value's backing storage at buf, which aliases
	// the entry's value bytes. buf is valid until the entry is
	// removed, relocated or the map is closed.
	Bind(buf []byte)
}

type nopListener[K, V any] struct{}

func (nopListener[K, V]) OnPut(int, int, bool, K, V) {}
func (nopListener[K, V]) OnGet(int, int, K, V)       {}
func (nopListener[K, V]) OnRemove(int, int, K, V)    {}
func (nopListener[K, V]) OnRelocation(int, int)      {}

type nopSink struct{}

func (nopSink) OnLockTimeout(int, uint64) {}
func (nopSink) OnUnlockError(int, error)  {}
