// Copyright 2024 The pstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package repo

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/step-security-bot/pstore/address"
	"github.com/step-security-bot/pstore/internal/archive"
)

// MaxCompilationMembers is the public bound on the number of members a
// compilation record may carry.
const MaxCompilationMembers = 1<<16 - 1

var compilationSignature = [8]byte{'C', 'o', 'm', 'p', 'l', 't', 'n', 0}

// Member ties one definition name to the fragment that holds its body.
type Member struct {
	Name     address.Address // indirect-string address of the name
	Digest   Digest
	Fragment Extent
}

// Compilation records the set of definitions produced by compiling one
// translation unit for a given target triple.
type Compilation struct {
	Triple  address.Address // indirect-string address of the triple
	Members []Member
}

// memberSize is name(8) + digest(16) + extent(16).
const memberSize = 40

const compilationHeaderSize = 8 + 8 + 4 + 4

// Digest returns the content digest of the compilation's encoding.
func (c *Compilation) Digest() Digest {
	return DigestOf(c.encode())
}

func (c *Compilation) encode() []byte {
	var w archive.BufferWriter
	w.Put(compilationSignature[:])
	w.PutUint64(c.Triple.Absolute())
	w.PutUint32(uint32(len(c.Members)))
	w.PutUint32(0)
	for _, m := range c.Members {
		w.PutUint64(m.Name.Absolute())
		w.Put(m.Digest[:])
		w.PutUint64(m.Fragment.Addr.Absolute())
		w.PutUint64(m.Fragment.Size)
	}
	return w.Bytes()
}

// Store appends the compilation through tx and returns its extent.
func (c *Compilation) Store(tx Writer) (Extent, error) {
	if len(c.Members) > MaxCompilationMembers {
		return Extent{}, errors.Wrapf(ErrTooManyMembers, "%d members", len(c.Members))
	}
	enc := c.encode()
	addr, err := archive.NewTxWriter(tx).PutAligned(enc, 8)
	if err != nil {
		return Extent{}, err
	}
	return Extent{Addr: addr, Size: uint64(len(enc))}, nil
}

// LoadCompilation reads and validates a compilation from its extent.
func LoadCompilation(db Getter, ext Extent) (*Compilation, error) {
	raw, err := db.Get(ext.Addr, ext.Size)
	if err != nil {
		return nil, err
	}
	if len(raw) < compilationHeaderSize {
		return nil, errors.Wrapf(ErrBadCompilationRecord, "at %#x: %d bytes", ext.Addr.Absolute(), len(raw))
	}
	var sig [8]byte
	copy(sig[:], raw[0:8])
	if sig != compilationSignature {
		return nil, errors.Wrapf(ErrBadCompilationRecord, "at %#x: signature %q", ext.Addr.Absolute(), string(sig[:]))
	}
	count := binary.LittleEndian.Uint32(raw[16:20])
	if count > MaxCompilationMembers {
		return nil, errors.Wrapf(ErrTooManyMembers, "at %#x: %d members", ext.Addr.Absolute(), count)
	}
	if uint64(compilationHeaderSize)+uint64(count)*memberSize != ext.Size {
		return nil, errors.Wrapf(ErrBadCompilationRecord, "at %#x: %d members disagree with %d-byte extent", ext.Addr.Absolute(), count, ext.Size)
	}
	c := &Compilation{
		Triple:  address.Address(binary.LittleEndian.Uint64(raw[8:16])),
		Members: make([]Member, count),
	}
	pos := uint64(compilationHeaderSize)
	for i := range c.Members {
		m := &c.Members[i]
		m.Name = address.Address(binary.LittleEndian.Uint64(raw[pos : pos+8]))
		copy(m.Digest[:], raw[pos+8:pos+24])
		m.Fragment.Addr = address.Address(binary.LittleEndian.Uint64(raw[pos+24 : pos+32]))
		m.Fragment.Size = binary.LittleEndian.Uint64(raw[pos+32 : pos+40])
		pos += memberSize
	}
	return c, nil
}
