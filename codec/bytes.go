// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package codec

import (
	"bytes"

	"github.com/spaolacci/murmur3"
)

// Bytes is the stock codec for []byte keys and values. Reads copy out
// of the mapped region; the returned slices are ordinary heap memory.
type Bytes struct{}

// Hash implements KeyCodec.
func (Bytes) Hash(k []byte) uint64 { return murmur3.Sum64(k) }

// Size implements KeyCodec and ValueCodec.
func (Bytes) Size(v []byte) int { return len(v) }

// Write implements KeyCodec and ValueCodec.
func (Bytes) Write(b []byte, v []byte) { copy(b, v) }

// Read implements KeyCodec.
func (Bytes) Read(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// ReadValue deserializes b into reuse when it has capacity.
func (Bytes) ReadValue(b []byte, reuse []byte) []byte {
	if cap(reuse) >= len(b) {
		reuse = reuse[:len(b)]
	} else {
		reuse = make([]byte, len(b))
	}
	copy(reuse, b)
	return reuse
}

// EqualPrefix implements KeyCodec.
func (Bytes) EqualPrefix(b []byte, k []byte) bool {
	return bytes.Equal(b[:len(k)], k)
}

// Equal implements ValueCodec.
func (Bytes) Equal(a, b []byte) bool { return bytes.Equal(a, b) }

// String is the stock codec for string keys and values.
type String struct{}

// Hash implements KeyCodec.
func (String) Hash(k string) uint64 { return murmur3.Sum64([]byte(k)) }

// Size implements KeyCodec and ValueCodec.
func (String) Size(v string) int { return len(v) }

// Write implements KeyCodec and ValueCodec.
func (String) Write(b []byte, v string) { copy(b, v) }

// Read implements KeyCodec.
func (String) Read(b []byte) string { return string(b) }

// ReadValue implements ValueCodec. reuse is ignored: strings are
// immutable.
func (String) ReadValue(b []byte, _ string) string { return string(b) }

// EqualPrefix implements KeyCodec.
func (String) EqualPrefix(b []byte, k string) bool {
	return string(b[:len(k)]) == k
}

// Equal implements ValueCodec.
func (String) Equal(a, b string) bool { return a == b }
