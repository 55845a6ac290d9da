// Copyright 2024 The pstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package pstore

import (
	"encoding/binary"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/step-security-bot/pstore/address"
	"github.com/step-security-bot/pstore/internal/archive"
	"github.com/step-security-bot/pstore/internal/unsafestring"
)

// heapMask is the low bit of an in-store indirect-string payload.  Set
// means the payload is the address of an in-heap string that has been
// installed in the trie but whose body is not yet written; clear means
// the payload is the store address of the canonical body.  String
// bodies are 2-byte aligned so the bit is always free.
const heapMask = uint64(1)

// IndirectString is an interned string reference with three physical
// forms: an in-heap string not yet inserted, a store slot whose
// payload still points at the heap, and a store slot whose payload is
// the address of the unique body.  After a flush, equality between two
// in-store strings is address equality.
type IndirectString struct {
	db archive.Getter

	// isPointer selects the heap form: str points at the backing
	// string.  Otherwise payload carries the store-slot word.
	isPointer bool
	str       *string
	payload   uint64
}

// NewHeapString wraps a caller-owned string for insertion.  The
// pointer must stay alive (the Adder keeps it) until the transaction's
// strings are flushed.
func NewHeapString(s *string) IndirectString {
	return IndirectString{isPointer: true, str: s}
}

// readIndirectString loads the indirect string installed at addr.
func readIndirectString(db archive.Getter, addr address.Address) (IndirectString, error) {
	raw, err := db.Get(addr, 8)
	if err != nil {
		return IndirectString{}, err
	}
	return IndirectString{db: db, payload: binary.LittleEndian.Uint64(raw)}, nil
}

// IsInStore reports whether the canonical body has been written.
func (s IndirectString) IsInStore() bool {
	return !s.isPointer && s.payload&heapMask == 0
}

// InStoreAddress returns the body address of a flushed string.
func (s IndirectString) InStoreAddress() (address.Address, error) {
	if !s.IsInStore() {
		return address.Null, errors.Wrap(ErrBadAddress, "indirect string body not in store")
	}
	return address.Address(s.payload), nil
}

// writerActivity is implemented by the database; a heap-tagged payload
// is only meaningful while the transaction that wrote it is running.
type writerActivity interface {
	WriterActive() bool
}

// View returns the string bytes regardless of form.
//
// SAFETY: a payload with the heap bit set is the integer value of a
// *string installed earlier in the same transaction; the Adder keeps
// that pointer reachable until flush, and the collector does not move
// heap objects, so the round trip through a uintptr is stable.
// Committed revisions never contain heap-tagged payloads, and a
// tagged payload encountered outside an active transaction is treated
// as corruption rather than dereferenced.
func (s IndirectString) View() ([]byte, error) {
	if s.isPointer {
		return unsafestring.ToBytes(*s.str), nil
	}
	if s.payload&heapMask != 0 {
		if wa, ok := s.db.(writerActivity); !ok || !wa.WriterActive() {
			return nil, errors.Wrapf(ErrBadAddress, "heap-tagged payload %#x outside a transaction", s.payload)
		}
		str := (*string)(unsafe.Pointer(uintptr(s.payload &^ heapMask)))
		return unsafestring.ToBytes(*str), nil
	}
	return s.storeView()
}

// StoreView returns the body bytes, additionally checking that the
// payload really is a store address.  Reading a heap-tagged payload
// from a committed revision means the file is malformed.
func (s IndirectString) StoreView() ([]byte, error) {
	if s.isPointer || s.payload&heapMask != 0 {
		return nil, errors.Wrapf(ErrBadAddress, "indirect string payload %#x is not a store address", s.payload)
	}
	return s.storeView()
}

func (s IndirectString) storeView() ([]byte, error) {
	if s.payload == 0 {
		return nil, errors.Wrap(ErrBadAddress, "null indirect string body")
	}
	return archive.ReadString(s.db, address.Address(s.payload))
}

// String renders the string, or an empty string on a malformed
// payload.
func (s IndirectString) String() string {
	v, err := s.View()
	if err != nil {
		return ""
	}
	return string(v)
}

// Length returns the string's length in bytes.
func (s IndirectString) Length() (uint64, error) {
	if s.isPointer {
		return uint64(len(*s.str)), nil
	}
	if s.payload&heapMask != 0 {
		v, err := s.View()
		if err != nil {
			return 0, err
		}
		return uint64(len(v)), nil
	}
	length, _, err := archive.ReadStringLength(s.db, address.Address(s.payload))
	return length, err
}

// Equal compares two indirect strings.  Strings in the store are
// unique, so two in-store forms compare by address; every other
// combination compares contents.
func (s IndirectString) Equal(rhs IndirectString) bool {
	if !s.isPointer && !rhs.isPointer {
		if s.payload&heapMask == 0 && rhs.payload&heapMask == 0 {
			return s.payload == rhs.payload
		}
		if s.payload == rhs.payload {
			return true
		}
	}
	if s.isPointer && rhs.isPointer && s.str == rhs.str {
		return true
	}
	a, err := s.View()
	if err != nil {
		return false
	}
	b, err := rhs.View()
	if err != nil {
		return false
	}
	return string(a) == string(b)
}

// writeBodyAndPatch writes the body of str and repoints the in-store
// slot at it.
func writeBodyAndPatch(tx *Transaction, str *string, patch address.Address) (address.Address, error) {
	w := archive.NewTxWriter(tx)
	bodyAddr, err := archive.PutString(w, []byte(*str))
	if err != nil {
		return address.Null, err
	}
	slot, err := tx.GetRW(patch, 8)
	if err != nil {
		return address.Null, err
	}
	binary.LittleEndian.PutUint64(slot, bodyAddr.Absolute())
	return bodyAddr, nil
}

// Adder handles the two-phase insertion of strings into an index.
// Phase one installs each new string in the trie, which writes the
// indirect slot immediately; phase two (Flush) writes the bodies,
// clustered together at the end of the transaction, and patches each
// slot with its body address.
type Adder struct {
	views []adderEntry
}

type adderEntry struct {
	str   *string
	patch address.Address
}

// NewAdder creates an adder expecting roughly n strings.
func NewAdder(n int) *Adder {
	return &Adder{views: make([]adderEntry, 0, n)}
}

// Add interns s in the set.  It returns the address of the string's
// in-store slot and whether this call inserted it.
func (a *Adder) Add(tx *Transaction, set *NameSet, s *string) (address.Address, bool, error) {
	slotAddr, inserted, err := set.m.Insert(tx, NewHeapString(s), struct{}{})
	if err != nil {
		return address.Null, false, err
	}
	if inserted {
		// remember the slot so Flush can patch it
		a.views = append(a.views, adderEntry{str: s, patch: slotAddr})
	}
	return slotAddr, inserted, nil
}

// Flush writes every pending body and patches its slot.  The adder is
// reusable afterwards.
func (a *Adder) Flush(tx *Transaction) error {
	for _, e := range a.views {
		if _, err := writeBodyAndPatch(tx, e.str, e.patch); err != nil {
			return err
		}
	}
	a.views = a.views[:0]
	return nil
}

// GetString reads the canonical string whose indirect slot is at addr.
// A heap-tagged or misaligned payload in committed data fails with
// ErrBadAddress.
func GetString(db *Database, addr address.Address) (string, error) {
	ind, err := readIndirectString(db, addr)
	if err != nil {
		return "", err
	}
	v, err := ind.StoreView()
	if err != nil {
		return "", err
	}
	return string(v), nil
}
