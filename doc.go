// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package filemap implements an embedded, persistent, concurrent
	key-value map stored entirely in a memory-mapped file. Keys and
	values are kept as raw bytes at fixed offsets, so threads of one
	process and multiple processes mapping the same file all observe
	the same map.

	The file is divided into power-of-two segments, each protected by
	its own process-shared lock embedded in the file. Within a segment,
	entries occupy runs of fixed-size blocks handed out by a bitset
	allocator, and a compact hash index maps hash fingerprints to block
	positions. A key's 64-bit hash selects the segment and the
	fingerprint, so operations on different segments never contend.

	Maps are opened with typed key and value codecs (package codec),
	which define serialization, hashing and equality; the engine itself
	never interprets entry bytes. Geometry - segment count, blocks per
	segment, block size - is fixed when the file is created and
	persisted in its superblock; reopening verifies it. There is no
	online resize: a full segment fails its insert.

	Values may grow in place when neighboring blocks are free, and are
	otherwise relocated within their segment. Iteration, conditional
	replace and remove, reuse-friendly lookups (GetUsing), and
	bind-in-place values (Acquire with a Byteable value type) are
	supported; see Map for the operation surface.
*/
package filemap
