// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package mapfile owns the backing store of a filemap: it creates or
// reopens the file, maps it shared, and maintains the superblock that
// pins down the map's immutable geometry. The superblock occupies the
// first page; segment data starts at HeaderBytes. All multi-byte
// fields are little-endian and the package refuses to run on
// big-endian or 32-bit platforms, since the in-file layout is the
// native layout of the processes sharing it.
package mapfile

import (
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"github.com/grailbio/base/errors"
	"golang.org/x/sys/unix"
)

// HeaderBytes is the size of the superblock region preceding segment 0.
const HeaderBytes = 4096

const (
	magic   = "flmp0001"
	version = 1

	offMagic    = 0
	offVersion  = 8
	offChecksum = 16
	offParams   = 32
	paramsLen   = 24
)

var hostIsUsable = func() bool {
	if unsafe.Sizeof(uintptr(0)) != 8 {
		return false
	}
	x := uint16(1)
	return *(*byte)(unsafe.Pointer(&x)) == 1
}()

// Params is the geometry persisted in the superblock. A reopen must
// present identical parameters; entry offsets are functions of these
// values, so a mismatch would misread every entry in the file.
type Params struct {
	Segments          uint32
	EntriesPerSegment uint32
	EntrySize         uint32
	Alignment         uint32
	MetaDataBytes     uint32
	Narrow            bool
}

func (p Params) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], p.Segments)
	binary.LittleEndian.PutUint32(b[4:], p.EntriesPerSegment)
	binary.LittleEndian.PutUint32(b[8:], p.EntrySize)
	binary.LittleEndian.PutUint32(b[12:], p.Alignment)
	binary.LittleEndian.PutUint32(b[16:], p.MetaDataBytes)
	var narrow uint32
	if p.Narrow {
		narrow = 1
	}
	binary.LittleEndian.PutUint32(b[20:], narrow)
}

func decodeParams(b []byte) Params {
	return Params{
		Segments:          binary.LittleEndian.Uint32(b[0:]),
		EntriesPerSegment: binary.LittleEndian.Uint32(b[4:]),
		EntrySize:         binary.LittleEndian.Uint32(b[8:]),
		Alignment:         binary.LittleEndian.Uint32(b[12:]),
		MetaDataBytes:     binary.LittleEndian.Uint32(b[16:]),
		Narrow:            binary.LittleEndian.Uint32(b[20:]) != 0,
	}
}

// File is a shared mapping of a filemap backing file.
type File struct {
	// Data is the whole mapping, superblock included. Segment regions
	// are subslices of it.
	Data []byte
	// Created reports whether this open initialized a fresh file, as
	// opposed to reopening existing contents.
	Created bool

	f    *os.File
	path string
}

// Open creates or reopens the file at path as a filemap store of
// exactly size bytes. A fresh (missing or empty) file is extended and
// stamped with a superblock for p. An existing file must match p and
// size exactly.
func Open(path string, p Params, size int64) (*File, error) {
	if !hostIsUsable {
		return nil, errors.E(errors.Precondition,
			"filemap: requires a 64-bit little-endian host")
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, errors.E(err, fmt.Sprintf("filemap: open %s", path))
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.E(err, fmt.Sprintf("filemap: stat %s", path))
	}
	created := info.Size() == 0
	switch {
	case created:
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, errors.E(err, fmt.Sprintf("filemap: truncate %s", path))
		}
	case info.Size() != size:
		f.Close()
		return nil, errors.E(errors.Precondition, fmt.Sprintf(
			"filemap: %s is %d bytes, geometry requires %d",
			path, info.Size(), size))
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.E(err, fmt.Sprintf("filemap: mmap %s", path))
	}
	file := &File{Data: data, Created: created, f: f, path: path}
	if created {
		file.stamp(p)
	} else if err := file.verify(p); err != nil {
		file.Close()
		return nil, err
	}
	return file, nil
}

func (f *File) stamp(p Params) {
	h := f.Data[:HeaderBytes]
	copy(h[offMagic:], magic)
	binary.LittleEndian.PutUint32(h[offVersion:], version)
	p.encode(h[offParams : offParams+paramsLen])
	sum := xxhash.Sum64(h[offParams : offParams+paramsLen])
	binary.LittleEndian.PutUint64(h[offChecksum:], sum)
}

func (f *File) verify(p Params) error {
	h := f.Data[:HeaderBytes]
	if string(h[offMagic:offMagic+len(magic)]) != magic {
		return errors.E(errors.Integrity, fmt.Sprintf(
			"filemap: %s: bad magic", f.path))
	}
	if v := binary.LittleEndian.Uint32(h[offVersion:]); v != version {
		return errors.E(errors.Precondition, fmt.Sprintf(
			"filemap: %s: version %d, want %d", f.path, v, version))
	}
	sum := xxhash.Sum64(h[offParams : offParams+paramsLen])
	if got := binary.LittleEndian.Uint64(h[offChecksum:]); got != sum {
		return errors.E(errors.Integrity, fmt.Sprintf(
			"filemap: %s: superblock checksum mismatch", f.path))
	}
	if stored := decodeParams(h[offParams : offParams+paramsLen]); stored != p {
		return errors.E(errors.Precondition, fmt.Sprintf(
			"filemap: %s: stored geometry %+v does not match %+v",
			f.path, stored, p))
	}
	return nil
}

// Path returns the path the file was opened with.
func (f *File) Path() string { return f.path }

// Sync flushes the mapping to stable storage.
func (f *File) Sync() error {
	if f.Data == nil {
		return nil
	}
	if err := unix.Msync(f.Data, unix.MS_SYNC); err != nil {
		return errors.E(err, fmt.Sprintf("filemap: msync %s", f.path))
	}
	return nil
}

// Close unmaps and closes the file. It is idempotent.
func (f *File) Close() error {
	if f.Data == nil {
		return nil
	}
	data := f.Data
	f.Data = nil
	if err := unix.Munmap(data); err != nil {
		f.f.Close()
		return errors.E(err, fmt.Sprintf("filemap: munmap %s", f.path))
	}
	if err := f.f.Close(); err != nil {
		return errors.E(err, fmt.Sprintf("filemap: close %s", f.path))
	}
	return nil
}
