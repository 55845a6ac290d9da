// Copyright 2024 The pstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package head defines the store's fixed on-disk records: the file
// header (leader), the per-revision trailer, and the 24-byte header
// block that anchors each index.  All integers are little-endian.
package head

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/step-security-bot/pstore/address"
)

const (
	// HeaderSize is the total size of the leader.  It is page aligned
	// so that the footer-pointer slot never shares a page with
	// committed (protected) data.
	HeaderSize = 4096

	// FooterSlotOffset is the byte offset of the 8-byte footer-pointer
	// slot, the only mutable location in the file.
	FooterSlotOffset = 16

	// WriterLockOffset is the header byte whose byte-range lock
	// represents the writer slot.  Readers never lock it.
	WriterLockOffset = 8

	formatVersion = 2
)

var (
	headerMagic      = [8]byte{'p', 's', 't', 'o', 'r', 'e', '6', '4'}
	trailerSignature = [8]byte{'p', 'T', 'r', 'a', 'i', 'l', 'e', 'r'}

	ErrBadHeader  = errors.New("bad store header")
	ErrBadTrailer = errors.New("bad store trailer")
	ErrBadVersion = errors.New("unsupported store format version")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// IndexID names one of the store's fixed indices.  The order is the
// order of the root-address table in each trailer.
type IndexID uint8

const (
	FragmentIndex IndexID = iota
	CompilationIndex
	NameIndex
	PathIndex
	DebugLineIndex

	NumIndices = 5
)

func (id IndexID) String() string {
	switch id {
	case FragmentIndex:
		return "fragment"
	case CompilationIndex:
		return "compilation"
	case NameIndex:
		return "name"
	case PathIndex:
		return "path"
	case DebugLineIndex:
		return "debugline"
	}
	return "unknown"
}

// Header is the store leader.  Every field except the footer slot is
// written once at creation and immutable afterwards.
type Header struct {
	Magic       [8]byte
	Version     uint32
	Flags       uint32
	Footer      address.Address // mutable 8-byte slot
	ID          uuid.UUID
	CreatedAtMS uint64
}

// NewHeader builds a fresh header stamped with a random creation id.
func NewHeader(nowMS uint64) (*Header, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, errors.Wrap(err, "uuid.NewRandom")
	}
	return &Header{
		Magic:       headerMagic,
		Version:     formatVersion,
		ID:          id,
		CreatedAtMS: nowMS,
	}, nil
}

// MarshalTo writes the header into buf, which must be at least
// HeaderSize bytes.
func (h *Header) MarshalTo(buf []byte) error {
	if len(buf) < HeaderSize {
		return errors.Errorf("header buffer too short: %d < %d", len(buf), HeaderSize)
	}
	for i := range buf[:HeaderSize] {
		buf[i] = 0
	}
	copy(buf[0:8], h.Magic[:])
	binary.LittleEndian.PutUint32(buf[8:12], h.Version)
	binary.LittleEndian.PutUint32(buf[12:16], h.Flags)
	binary.LittleEndian.PutUint64(buf[16:24], h.Footer.Absolute())
	copy(buf[24:40], h.ID[:])
	binary.LittleEndian.PutUint64(buf[40:48], h.CreatedAtMS)
	binary.LittleEndian.PutUint32(buf[48:52], h.crc(buf))
	return nil
}

// crc covers every immutable field: the footer slot is excluded
// because it advances on each commit.
func (h *Header) crc(buf []byte) uint32 {
	c := crc32.Update(0, castagnoli, buf[0:16])
	return crc32.Update(c, castagnoli, buf[24:48])
}

// UnmarshalBytes parses and validates a header.
func (h *Header) UnmarshalBytes(buf []byte) error {
	if len(buf) < HeaderSize {
		return errors.Wrapf(ErrBadHeader, "short header: %d < %d", len(buf), HeaderSize)
	}
	copy(h.Magic[:], buf[0:8])
	if h.Magic != headerMagic {
		return errors.Wrapf(ErrBadHeader, "bad magic %q", string(buf[0:8]))
	}
	h.Version = binary.LittleEndian.Uint32(buf[8:12])
	if h.Version != formatVersion {
		return errors.Wrapf(ErrBadVersion, "found v%d, want v%d", h.Version, formatVersion)
	}
	h.Flags = binary.LittleEndian.Uint32(buf[12:16])
	h.Footer = address.Address(binary.LittleEndian.Uint64(buf[16:24]))
	copy(h.ID[:], buf[24:40])
	h.CreatedAtMS = binary.LittleEndian.Uint64(buf[40:48])
	if got := binary.LittleEndian.Uint32(buf[48:52]); got != h.crc(buf) {
		return errors.Wrapf(ErrBadHeader, "crc mismatch (%#x)", got)
	}
	return nil
}

// TrailerSize is the byte size of a trailer record; trailers are
// 8-byte aligned in the file.
const TrailerSize = 8 + 8 + 8 + 8 + 8*NumIndices + 4 + 4 + 8

// Trailer closes one committed revision.
type Trailer struct {
	Prev       address.Address
	Revision   uint64
	TimeMS     uint64
	Size       uint64 // bytes appended by this transaction
	IndexRoots [NumIndices]address.Address
	Signature  [8]byte
}

// NewTrailer chains a trailer onto prev.
func NewTrailer(prev address.Address, revision, timeMS, size uint64, roots [NumIndices]address.Address) *Trailer {
	return &Trailer{
		Prev:       prev,
		Revision:   revision,
		TimeMS:     timeMS,
		Size:       size,
		IndexRoots: roots,
		Signature:  trailerSignature,
	}
}

const trailerCRCOffset = 32 + 8*NumIndices

// MarshalTo writes the trailer into buf (>= TrailerSize bytes).
func (t *Trailer) MarshalTo(buf []byte) error {
	if len(buf) < TrailerSize {
		return errors.Errorf("trailer buffer too short: %d < %d", len(buf), TrailerSize)
	}
	binary.LittleEndian.PutUint64(buf[0:8], t.Prev.Absolute())
	binary.LittleEndian.PutUint64(buf[8:16], t.Revision)
	binary.LittleEndian.PutUint64(buf[16:24], t.TimeMS)
	binary.LittleEndian.PutUint64(buf[24:32], t.Size)
	for i, root := range t.IndexRoots {
		binary.LittleEndian.PutUint64(buf[32+8*i:40+8*i], root.Absolute())
	}
	crc := crc32.Checksum(buf[:trailerCRCOffset], castagnoli)
	binary.LittleEndian.PutUint32(buf[trailerCRCOffset:trailerCRCOffset+4], crc)
	binary.LittleEndian.PutUint32(buf[trailerCRCOffset+4:trailerCRCOffset+8], 0)
	copy(buf[trailerCRCOffset+8:TrailerSize], trailerSignature[:])
	return nil
}

// UnmarshalBytes parses and validates a trailer.
func (t *Trailer) UnmarshalBytes(buf []byte) error {
	if len(buf) < TrailerSize {
		return errors.Wrapf(ErrBadTrailer, "short trailer: %d < %d", len(buf), TrailerSize)
	}
	copy(t.Signature[:], buf[trailerCRCOffset+8:TrailerSize])
	if t.Signature != trailerSignature {
		return errors.Wrapf(ErrBadTrailer, "bad signature %q", string(t.Signature[:]))
	}
	if got := binary.LittleEndian.Uint32(buf[trailerCRCOffset : trailerCRCOffset+4]); got != crc32.Checksum(buf[:trailerCRCOffset], castagnoli) {
		return errors.Wrapf(ErrBadTrailer, "crc mismatch (%#x)", got)
	}
	t.Prev = address.Address(binary.LittleEndian.Uint64(buf[0:8]))
	t.Revision = binary.LittleEndian.Uint64(buf[8:16])
	t.TimeMS = binary.LittleEndian.Uint64(buf[16:24])
	t.Size = binary.LittleEndian.Uint64(buf[24:32])
	for i := range t.IndexRoots {
		t.IndexRoots[i] = address.Address(binary.LittleEndian.Uint64(buf[32+8*i : 40+8*i]))
	}
	return nil
}

// HeaderBlockSize is the exact size of a per-index header block.
const HeaderBlockSize = 24

var headerBlockBase = [7]byte{'I', 'n', 'd', 'x', 'H', 'd', 'r'}

// ErrBadHeaderBlock reports a header block whose signature does not
// match the expected index kind.
var ErrBadHeaderBlock = errors.New("bad index header block")

// HeaderBlock anchors one index: its kind, key count and root node
// address.  A trailer's root table holds header-block addresses.
type HeaderBlock struct {
	Kind IndexID
	Size uint64
	Root address.Address
}

// MarshalTo writes the block into buf (>= HeaderBlockSize bytes).
func (b *HeaderBlock) MarshalTo(buf []byte) error {
	if len(buf) < HeaderBlockSize {
		return errors.Errorf("header block buffer too short: %d < %d", len(buf), HeaderBlockSize)
	}
	copy(buf[0:7], headerBlockBase[:])
	buf[7] = byte(b.Kind)
	binary.LittleEndian.PutUint64(buf[8:16], b.Size)
	binary.LittleEndian.PutUint64(buf[16:24], b.Root.Absolute())
	return nil
}

// UnmarshalBytes parses and validates a header block for kind.
func (b *HeaderBlock) UnmarshalBytes(buf []byte, kind IndexID) error {
	if len(buf) < HeaderBlockSize {
		return errors.Wrapf(ErrBadHeaderBlock, "short block: %d < %d", len(buf), HeaderBlockSize)
	}
	var sig [7]byte
	copy(sig[:], buf[0:7])
	if sig != headerBlockBase || IndexID(buf[7]) != kind {
		return errors.Wrapf(ErrBadHeaderBlock, "signature %q kind %d (want %d)", string(buf[0:7]), buf[7], kind)
	}
	b.Kind = kind
	b.Size = binary.LittleEndian.Uint64(buf[8:16])
	b.Root = address.Address(binary.LittleEndian.Uint64(buf[16:24]))
	return nil
}
