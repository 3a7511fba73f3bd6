// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package filemap

import "github.com/grailbio/filemap/codec"

// The entry format, starting at a block boundary, is:
//
//	- MetaDataBytes of user metadata (zeroed on allocation)
//	- encoded length of the key
//	- key bytes
//	- encoded length of the value
//	- padding so the value start satisfies the configured alignment
//	- value bytes
//
// A cursor walks that format. Offsets are relative to the segment
// region; entry starts are block-aligned and blocks are a multiple of
// the configured alignment, so relative alignment is absolute
// alignment.
type cursor struct {
	b   []byte
	off int
}

func (c *cursor) readSize(enc codec.SizeEncoding) int {
	n, w := enc.Read(c.b[c.off:])
	c.off += w
	return n
}

func (c *cursor) writeSize(enc codec.SizeEncoding, n int) {
	c.off += enc.Put(c.b[c.off:], n)
}

func (c *cursor) skip(n int) { c.off += n }

func (c *cursor) alignTo(a int) { c.off = (c.off + a - 1) &^ (a - 1) }

// slice returns the n bytes at the cursor without advancing.
func (c *cursor) slice(n int) []byte { return c.b[c.off : c.off+n] }
