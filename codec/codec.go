// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package codec defines how filemap converts keys and values to and
// from the raw bytes stored in the mapped file, and how entry sizes
// are encoded. The engine is agnostic to serialization format: it
// calls these interfaces and never inspects the bytes itself.
//
// Codecs write directly into the mapped region, so implementations
// must not retain the buffers they are handed: the memory belongs to
// the file and may be concurrently remapped or reused. Implementations
// that need scratch state should pool it internally; the engine calls
// codecs from many goroutines. Apart from KeyCodec.Hash, which runs
// before the segment lock is taken, it never calls them concurrently
// for the same segment.
package codec

// A SizeEncoding encodes entry component lengths. The stock encoding
// is stop-bit (7 bits per byte, high bit marks continuation), which
// costs one byte for sizes below 128.
type SizeEncoding interface {
	// EncodingSize returns the encoded width of n in bytes.
	EncodingSize(n int) int
	// Put encodes n at the start of b and returns the encoded width.
	Put(b []byte, n int) int
	// Read decodes a size from the start of b, returning the size and
	// its encoded width.
	Read(b []byte) (n, width int)
}

// A KeyCodec serializes keys and provides the hash and equality used
// to locate them.
type KeyCodec[K any] interface {
	// Hash returns a 64-bit hash of k. The same key must always hash
	// to the same value, across processes and restarts: hashes are
	// persisted implicitly through index fingerprints.
	Hash(k K) uint64
	// Size returns the serialized size of k in bytes.
	Size(k K) int
	// Write serializes k into b, which is exactly Size(k) bytes.
	Write(b []byte, k K)
	// Read deserializes a key from b. The returned key must not alias
	// b.
	Read(b []byte) K
	// EqualPrefix reports whether the first Size(k) bytes of b are the
	// serialized form of k, without deserializing.
	EqualPrefix(b []byte, k K) bool
}

// A ValueCodec serializes values.
type ValueCodec[V any] interface {
	// Size returns the serialized size of v in bytes.
	Size(v V) int
	// Write serializes v into b, which is exactly Size(v) bytes.
	Write(b []byte, v V)
	// ReadValue deserializes a value from b, reusing the storage of
	// reuse where the implementation supports it. The returned value
	// must not alias b. (The name differs from KeyCodec.Read so one
	// type can serve as both codecs.)
	ReadValue(b []byte, reuse V) V
	// Equal reports whether two values are equal. It backs the
	// conditional remove and replace operations.
	Equal(a, b V) bool
}

// StopBit is the stock stop-bit SizeEncoding.
type StopBit struct{}

// EncodingSize implements SizeEncoding.
func (StopBit) EncodingSize(n int) int {
	size := 1
	for u := uint64(n); u >= 0x80; u >>= 7 {
		size++
	}
	return size
}

// Put implements SizeEncoding.
func (StopBit) Put(b []byte, n int) int {
	u := uint64(n)
	i := 0
	for u >= 0x80 {
		b[i] = byte(u) | 0x80
		u >>= 7
		i++
	}
	b[i] = byte(u)
	return i + 1
}

// Read implements SizeEncoding.
func (StopBit) Read(b []byte) (int, int) {
	var (
		u     uint64
		shift uint
		i     int
	)
	for {
		c := b[i]
		i++
		u |= uint64(c&0x7F) << shift
		if c < 0x80 {
			return int(u), i
		}
		shift += 7
	}
}
