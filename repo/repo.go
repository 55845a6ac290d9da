// Copyright 2024 The pstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package repo defines the content-addressed record types kept in the
// store: code fragments (section-typed payloads) and compilations
// (member tables tying names to fragment digests).  The store core
// treats both as opaque extents; this package owns their wire format
// and validation.
package repo

import (
	"encoding/binary"

	"github.com/dgryski/go-farm"
	"github.com/pkg/errors"

	"github.com/step-security-bot/pstore/address"
	"github.com/step-security-bot/pstore/internal/archive"
)

var (
	ErrBadFragmentRecord    = errors.New("bad fragment record")
	ErrBadFragmentType      = errors.New("bad fragment section type")
	ErrBSSSectionTooLarge   = errors.New("bss section too large")
	ErrBadCompilationRecord = errors.New("bad compilation record")
	ErrTooManyMembers       = errors.New("too many members in compilation")
)

// Getter is the read side of a store: it materializes a byte range at
// an address.  *pstore.Database implements it.
type Getter interface {
	Get(addr address.Address, n uint64) ([]byte, error)
}

// Writer is the transaction surface records are appended through.
// *pstore.Transaction implements it.
type Writer interface {
	Getter
	Allocate(n, align uint64) (address.Address, error)
	GetRW(addr address.Address, n uint64) ([]byte, error)
}

// Digest is the 128-bit content digest used as the key of the
// fragment, compilation and debug-line indices.
type Digest [16]byte

// DigestOf fingerprints arbitrary bytes.
func DigestOf(p []byte) Digest {
	lo, hi := farm.Fingerprint128(p)
	var d Digest
	binary.LittleEndian.PutUint64(d[0:8], lo)
	binary.LittleEndian.PutUint64(d[8:16], hi)
	return d
}

// Extent locates a record in the store.
type Extent struct {
	Addr address.Address
	Size uint64
}

// SectionType tags one section of a fragment.
type SectionType uint8

const (
	SectionText SectionType = iota
	SectionData
	SectionROData
	SectionThreadData
	SectionBSS
	SectionDebug

	numSectionTypes
)

func (t SectionType) String() string {
	switch t {
	case SectionText:
		return "text"
	case SectionData:
		return "data"
	case SectionROData:
		return "rodata"
	case SectionThreadData:
		return "threaddata"
	case SectionBSS:
		return "bss"
	case SectionDebug:
		return "debug"
	}
	return "unknown"
}

// MaxBSSSize bounds the size a BSS section may declare; BSS sections
// carry no payload, so an unchecked size would let one record claim
// arbitrary zero-filled space at load time.
const MaxBSSSize = uint64(1) << 30

// Section is one typed span of a fragment.  BSS sections have a Size
// but no Payload.
type Section struct {
	Type    SectionType
	Align   uint8 // log2 of the required alignment
	Size    uint64
	Payload []byte
}

var fragmentSignature = [8]byte{'F', 'r', 'a', 'g', 'm', 'e', 'n', 't'}

// Fragment is a section-typed unit of compiler output.
type Fragment struct {
	Sections []Section
}

// sectionHeaderSize is type(1) + align(1) + pad(2) + size(4).
const sectionHeaderSize = 8

// Digest returns the content digest of the fragment's encoding.
func (f *Fragment) Digest() Digest {
	return DigestOf(f.encode())
}

func (f *Fragment) encode() []byte {
	var w archive.BufferWriter
	w.Put(fragmentSignature[:])
	w.PutUint32(uint32(len(f.Sections)))
	w.PutUint32(0)
	for _, s := range f.Sections {
		w.PutByte(byte(s.Type))
		w.PutByte(s.Align)
		w.PutByte(0)
		w.PutByte(0)
		if s.Type == SectionBSS {
			w.PutUint32(uint32(s.Size))
			continue
		}
		w.PutUint32(uint32(len(s.Payload)))
		w.Put(s.Payload)
		for w.BytesProduced()%8 != 0 {
			w.PutByte(0)
		}
	}
	return w.Bytes()
}

// Validate checks section types and bounds before a fragment is
// stored.
func (f *Fragment) Validate() error {
	for i, s := range f.Sections {
		if s.Type >= numSectionTypes {
			return errors.Wrapf(ErrBadFragmentType, "section %d type %d", i, s.Type)
		}
		if s.Type == SectionBSS {
			if s.Size > MaxBSSSize {
				return errors.Wrapf(ErrBSSSectionTooLarge, "section %d declares %d bytes", i, s.Size)
			}
			if len(s.Payload) != 0 {
				return errors.Wrapf(ErrBadFragmentRecord, "bss section %d carries a payload", i)
			}
		}
	}
	return nil
}

// Store appends the fragment through tx and returns its extent.
func (f *Fragment) Store(tx Writer) (Extent, error) {
	if err := f.Validate(); err != nil {
		return Extent{}, err
	}
	enc := f.encode()
	addr, err := archive.NewTxWriter(tx).PutAligned(enc, 8)
	if err != nil {
		return Extent{}, err
	}
	return Extent{Addr: addr, Size: uint64(len(enc))}, nil
}

// LoadFragment reads and validates a fragment from its extent.  A
// record whose embedded sizes disagree with the extent is rejected.
func LoadFragment(db Getter, ext Extent) (*Fragment, error) {
	raw, err := db.Get(ext.Addr, ext.Size)
	if err != nil {
		return nil, err
	}
	if len(raw) < 16 {
		return nil, errors.Wrapf(ErrBadFragmentRecord, "at %#x: %d bytes", ext.Addr.Absolute(), len(raw))
	}
	var sig [8]byte
	copy(sig[:], raw[0:8])
	if sig != fragmentSignature {
		return nil, errors.Wrapf(ErrBadFragmentRecord, "at %#x: signature %q", ext.Addr.Absolute(), string(sig[:]))
	}
	count := binary.LittleEndian.Uint32(raw[8:12])
	pos := uint64(16)
	f := &Fragment{Sections: make([]Section, 0, count)}
	for i := uint32(0); i < count; i++ {
		if pos+sectionHeaderSize > ext.Size {
			return nil, errors.Wrapf(ErrBadFragmentRecord, "at %#x: truncated section %d", ext.Addr.Absolute(), i)
		}
		s := Section{
			Type:  SectionType(raw[pos]),
			Align: raw[pos+1],
		}
		size := uint64(binary.LittleEndian.Uint32(raw[pos+4 : pos+8]))
		pos += sectionHeaderSize
		if s.Type >= numSectionTypes {
			return nil, errors.Wrapf(ErrBadFragmentType, "at %#x: section %d type %d", ext.Addr.Absolute(), i, s.Type)
		}
		if s.Type == SectionBSS {
			if size > MaxBSSSize {
				return nil, errors.Wrapf(ErrBSSSectionTooLarge, "at %#x: %d bytes", ext.Addr.Absolute(), size)
			}
			s.Size = size
		} else {
			if pos+size > ext.Size {
				return nil, errors.Wrapf(ErrBadFragmentRecord, "at %#x: section %d overruns extent", ext.Addr.Absolute(), i)
			}
			s.Size = size
			s.Payload = raw[pos : pos+size]
			pos += size
			pos = (pos + 7) &^ 7
		}
		f.Sections = append(f.Sections, s)
	}
	if pos > ext.Size {
		return nil, errors.Wrapf(ErrBadFragmentRecord, "at %#x: sections overrun extent", ext.Addr.Absolute())
	}
	return f, nil
}
