// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package spinlock implements the process-shared exclusive lock used at
// the head of every filemap segment. The lock is a single 8-byte word
// at a fixed offset in a shared file mapping, so every process mapping
// the file contends on the same bits. The word holds pid<<32|1 while
// held and 0 while free; the pid lets a waiter that has exhausted its
// timeout name the (presumed dead) holder before forcibly reclaiming
// the word.
package spinlock

import (
	"os"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/retry"
)

// spinRounds is the number of tight CAS attempts made before the
// waiter starts sleeping between attempts.
const spinRounds = 1000

// waitPolicy paces a waiter that failed its initial busy spin. The cap
// keeps worst-case handoff latency well under typical lock timeouts.
var waitPolicy = retry.Backoff(time.Microsecond, 100*time.Microsecond, 2)

var lockWord = uint64(os.Getpid())<<32 | 1

// L is a lock view over an 8-byte word in a shared mapping. The word
// must be 8-byte aligned, which segment headers guarantee.
type L struct {
	word *uint64
}

// At returns a lock over the first 8 bytes of b.
func At(b []byte) L {
	return L{word: (*uint64)(unsafe.Pointer(&b[0]))}
}

// TryLock attempts to acquire the lock within timeout. It returns true
// on success; on false the caller may inspect Holder and Reset.
func (l L) TryLock(timeout time.Duration) bool {
	for i := 0; i < spinRounds; i++ {
		if atomic.CompareAndSwapUint64(l.word, 0, lockWord) {
			return true
		}
		runtime.Gosched()
	}
	ctx := backgroundcontext.Get()
	deadline := time.Now().Add(timeout)
	for retries := 0; time.Now().Before(deadline); retries++ {
		if atomic.CompareAndSwapUint64(l.word, 0, lockWord) {
			return true
		}
		if err := retry.Wait(ctx, waitPolicy, retries); err != nil {
			return false
		}
	}
	return false
}

// Unlock releases the lock. It returns false if the word did not hold
// this process's lock value, in which case the word is left untouched:
// either the lock was never held or another process forcibly reclaimed
// it after a timeout.
func (l L) Unlock() bool {
	return atomic.CompareAndSwapUint64(l.word, lockWord, 0)
}

// Holder returns the pid encoded in the current lock word, or 0 if the
// lock is free.
func (l L) Holder() uint64 {
	return atomic.LoadUint64(l.word) >> 32
}

// Reset forcibly clears the lock word. Called after a timeout when the
// holder is presumed dead.
func (l L) Reset() {
	atomic.StoreUint64(l.word, 0)
}
