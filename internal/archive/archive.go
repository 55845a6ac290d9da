// Copyright 2024 The pstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package archive defines the narrow serialization contract between
// the store and the record types kept in it.  A writer policy puts
// bytes and returns the store address of the first of them; a reader
// policy gets bytes back from an address.  Buffer-backed variants
// exist for encoding records away from the store.
package archive

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/step-security-bot/pstore/address"
	"github.com/step-security-bot/pstore/internal/varint"
)

// Getter is the read side of a database: it materializes [addr,
// addr+n) as contiguous bytes, copying through a shadow block when the
// range spans regions.
type Getter interface {
	Get(addr address.Address, n uint64) ([]byte, error)
}

// Allocator is the write side of a transaction.
type Allocator interface {
	Getter
	// Allocate reserves n bytes, first padding the write pointer to
	// align (a power of two).
	Allocate(n, align uint64) (address.Address, error)
	// GetRW returns writable bytes for a range owned by this
	// transaction.
	GetRW(addr address.Address, n uint64) ([]byte, error)
}

// TxWriter is the database writer policy: every put atomically
// allocates through the transaction and returns the address written.
type TxWriter struct {
	tx Allocator
}

func NewTxWriter(tx Allocator) *TxWriter {
	return &TxWriter{tx: tx}
}

// Put appends p and returns its address.
func (w *TxWriter) Put(p []byte) (address.Address, error) {
	addr, err := w.tx.Allocate(uint64(len(p)), 1)
	if err != nil {
		return address.Null, err
	}
	dst, err := w.tx.GetRW(addr, uint64(len(p)))
	if err != nil {
		return address.Null, err
	}
	copy(dst, p)
	return addr, nil
}

// PutAligned appends p at the given alignment.
func (w *TxWriter) PutAligned(p []byte, align uint64) (address.Address, error) {
	addr, err := w.tx.Allocate(uint64(len(p)), align)
	if err != nil {
		return address.Null, err
	}
	dst, err := w.tx.GetRW(addr, uint64(len(p)))
	if err != nil {
		return address.Null, err
	}
	copy(dst, p)
	return addr, nil
}

// PutUint64 appends an 8-byte little-endian value at 8-byte alignment.
func (w *TxWriter) PutUint64(v uint64) (address.Address, error) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return w.PutAligned(buf[:], 8)
}

// Reader is the database reader policy: sequential gets starting at a
// store address.
type Reader struct {
	db  Getter
	pos address.Address
}

func NewReader(db Getter, start address.Address) *Reader {
	return &Reader{db: db, pos: start}
}

// Pos returns the address the next get will read from.
func (r *Reader) Pos() address.Address { return r.pos }

// GetN returns the next n bytes.
func (r *Reader) GetN(n uint64) ([]byte, error) {
	b, err := r.db.Get(r.pos, n)
	if err != nil {
		return nil, err
	}
	r.pos = r.pos.Add(n)
	return b, nil
}

// GetUint64 reads an 8-byte little-endian value.
func (r *Reader) GetUint64() (uint64, error) {
	b, err := r.GetN(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// GetUint32 reads a 4-byte little-endian value.
func (r *Reader) GetUint32() (uint32, error) {
	b, err := r.GetN(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// BufferWriter is the stream writer policy, collecting bytes on the
// heap.  Puts return no address.
type BufferWriter struct {
	buf []byte
}

func (w *BufferWriter) Put(p []byte)    { w.buf = append(w.buf, p...) }
func (w *BufferWriter) PutByte(b byte)  { w.buf = append(w.buf, b) }
func (w *BufferWriter) PutUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}
func (w *BufferWriter) PutUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// BytesProduced returns the number of bytes written so far.
func (w *BufferWriter) BytesProduced() uint64 { return uint64(len(w.buf)) }

// Bytes returns the accumulated encoding.
func (w *BufferWriter) Bytes() []byte { return w.buf }

// StringEncodedSize returns the number of bytes PutString will use for
// a string of the given length: the varint length prefix (never fewer
// than two bytes, so a reader can fetch two bytes and know whether
// more follow) plus the characters.
func StringEncodedSize(n uint64) uint64 {
	prefix := uint64(varint.EncodedSize(n))
	if prefix < 2 {
		prefix = 2
	}
	return prefix + n
}

// PutString appends the length-prefixed body of s through w and
// returns its address.  Bodies are 2-byte aligned so that the low bit
// of their address stays clear for the indirect-string heap tag.
func PutString(w *TxWriter, s []byte) (address.Address, error) {
	n := uint64(len(s))
	buf := make([]byte, 0, StringEncodedSize(n))
	buf = varint.Encode(buf, n)
	for uint64(len(buf)) < 2 {
		buf = append(buf, 0)
	}
	buf = append(buf, s...)
	return w.PutAligned(buf, 2)
}

// ReadStringLength reads just the length prefix of a string body.
func ReadStringLength(db Getter, addr address.Address) (length uint64, prefix uint64, err error) {
	two, err := db.Get(addr, 2)
	if err != nil {
		return 0, 0, err
	}
	n := uint64(varint.DecodeSize(two[0]))
	enc := two
	if n > 2 {
		if enc, err = db.Get(addr, n); err != nil {
			return 0, 0, err
		}
	}
	v, consumed := varint.Decode(enc[:n])
	if consumed == 0 {
		return 0, 0, errors.Errorf("truncated string length at %#x", addr.Absolute())
	}
	if n < 2 {
		n = 2
	}
	return v, n, nil
}

// ReadString returns a view of the string body at addr.
func ReadString(db Getter, addr address.Address) ([]byte, error) {
	length, prefix, err := ReadStringLength(db, addr)
	if err != nil {
		return nil, err
	}
	return db.Get(addr.Add(prefix), length)
}
