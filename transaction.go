// Copyright 2024 The pstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package pstore

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/step-security-bot/pstore/address"
	"github.com/step-security-bot/pstore/internal/file"
	"github.com/step-security-bot/pstore/internal/head"
)

// Transaction is the writer-held scope wrapping an append-only
// sequence of allocations, terminated by Commit or Abandon.  Exactly
// one transaction exists per database across processes: the
// constructor acquires an exclusive byte-range lock on the header's
// writer slot.
type Transaction struct {
	db    *Database
	lock  *file.RangeLock
	first address.Address // logical end when the lock was taken
	done  bool

	// shadows buffer writable views that span regions; they are
	// copied back to the store at commit.
	shadows []shadowBlock
}

type shadowBlock struct {
	addr address.Address
	buf  []byte
}

// Begin starts a transaction, blocking until the writer lock is
// acquired.
func (db *Database) Begin() (*Transaction, error) {
	return db.begin(true)
}

// TryBegin starts a transaction without blocking; if another writer
// holds the lock it fails with ErrLockUnavailable.
func (db *Database) TryBegin() (*Transaction, error) {
	return db.begin(false)
}

func (db *Database) begin(blocking bool) (*Transaction, error) {
	if !db.writable {
		return nil, errors.New("database opened read-only")
	}
	db.mu.Lock()
	if db.writing {
		db.mu.Unlock()
		return nil, errors.Wrap(ErrLockUnavailable, "transaction already active in this process")
	}
	db.writing = true
	db.mu.Unlock()

	lock := file.NewRangeLock(db.h, head.WriterLockOffset, 1, file.ExclusiveWrite)
	if blocking {
		if err := lock.Lock(); err != nil {
			db.clearWriting()
			return nil, err
		}
	} else {
		ok, err := lock.TryLock()
		if err != nil {
			db.clearWriting()
			return nil, err
		}
		if !ok {
			db.log.Debug("writer lock unavailable")
			db.clearWriting()
			return nil, errors.Wrap(ErrLockUnavailable, "another writer holds the lock")
		}
	}

	// Another process may have committed while we waited; resync to
	// the footer before appending.
	footer := address.Address(db.loadFooterSlot())
	if footer != db.footer {
		fileSize, err := db.h.Size()
		if err != nil {
			_ = lock.Unlock()
			db.clearWriting()
			return nil, err
		}
		if err := db.st.MapBytes(db.size, uint64(fileSize)); err != nil {
			_ = lock.Unlock()
			db.clearWriting()
			return nil, err
		}
		if err := db.sync(footer, uint64(fileSize)); err != nil {
			_ = lock.Unlock()
			db.clearWriting()
			return nil, err
		}
	}

	tx := &Transaction{db: db, lock: lock, first: address.Address(db.size)}
	db.activeTx = tx
	db.log.Debug("transaction began", zap.Uint64("at", db.size))
	return tx, nil
}

func (db *Database) clearWriting() {
	db.mu.Lock()
	db.writing = false
	db.mu.Unlock()
}

// Size returns the number of bytes this transaction has reserved.
func (tx *Transaction) Size() uint64 {
	return tx.db.size - tx.first.Absolute()
}

// Allocate pads the write pointer to align (a power of two) and
// reserves n bytes, growing the file and the mapping set as needed.
// Implements the store's writer contract.
func (tx *Transaction) Allocate(n, align uint64) (address.Address, error) {
	if tx.done {
		return address.Null, errors.New("allocate on a finished transaction")
	}
	if align == 0 || align&(align-1) != 0 {
		return address.Null, errors.Errorf("alignment %d is not a power of two", align)
	}
	old := tx.db.size
	addr := address.Address(old).AlignedTo(align)
	newSize := addr.Absolute() + n
	if err := tx.db.st.MapBytes(old, newSize); err != nil {
		return address.Null, err
	}
	tx.db.size = newSize
	return addr, nil
}

// Get reads bytes the way the database does, but inside the
// transaction the readable range extends to everything allocated so
// far.
func (tx *Transaction) Get(addr address.Address, n uint64) ([]byte, error) {
	return tx.db.Get(addr, n)
}

// GetRW returns writable bytes for [addr, addr+n), which must already
// be reserved.  When the range spans regions a shadow block is
// returned; its contents are written back at commit.
func (tx *Transaction) GetRW(addr address.Address, n uint64) ([]byte, error) {
	if tx.done {
		return nil, errors.New("getrw on a finished transaction")
	}
	if n == 0 {
		return nil, nil
	}
	if addr.IsNull() || addr.Absolute()+n > tx.db.size {
		return nil, errors.Wrapf(ErrBadAddress, "getrw [%#x,+%d) beyond logical end %#x", addr.Absolute(), n, tx.db.size)
	}
	if !tx.db.st.RequestSpansRegions(addr, n) {
		return tx.db.st.AddressToBytes(addr, n)
	}
	// settle earlier shadows first so this snapshot sees their writes
	if err := tx.writeBackShadows(); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if err := tx.db.st.Copy(addr, n, buf, func(store, temp []byte) {
		copy(temp, store)
	}); err != nil {
		return nil, err
	}
	tx.shadows = append(tx.shadows, shadowBlock{addr: addr, buf: buf})
	return buf, nil
}

// writeBackShadows copies spanning writable blocks into the store.
func (tx *Transaction) writeBackShadows() error {
	for _, s := range tx.shadows {
		if err := tx.db.st.Copy(s.addr, uint64(len(s.buf)), s.buf, func(store, temp []byte) {
			copy(store, temp)
		}); err != nil {
			return err
		}
	}
	tx.shadows = nil
	return nil
}

// Commit publishes the transaction: dirty index roots are flushed, the
// appended range is write-protected, a trailer is appended, and the
// footer pointer is atomically advanced.  The footer store is the
// commit point; a crash anywhere before it leaves the previous
// revision intact.
func (tx *Transaction) Commit() error {
	if tx.done {
		return errors.New("commit on a finished transaction")
	}
	db := tx.db

	roots, err := db.flushIndexes(tx)
	if err != nil {
		tx.Abandon()
		return err
	}
	if err := tx.writeBackShadows(); err != nil {
		tx.Abandon()
		return err
	}

	payloadEnd := address.Address(db.size)
	if err := db.st.Protect(tx.first, payloadEnd); err != nil {
		tx.Abandon()
		return err
	}

	trailerAddr, err := tx.Allocate(head.TrailerSize, 8)
	if err != nil {
		tx.Abandon()
		return err
	}
	t := head.NewTrailer(
		db.footer,
		db.trailer.Revision+1,
		uint64(time.Now().UnixMilli()),
		payloadEnd.Absolute()-tx.first.Absolute(),
		roots,
	)
	raw, err := tx.GetRW(trailerAddr, head.TrailerSize)
	if err != nil {
		tx.Abandon()
		return err
	}
	if err := t.MarshalTo(raw); err != nil {
		tx.Abandon()
		return err
	}
	// the trailer itself may have landed in a shadow block
	if err := tx.writeBackShadows(); err != nil {
		tx.Abandon()
		return err
	}

	if err := db.h.Sync(); err != nil {
		tx.Abandon()
		return err
	}

	// The commit point: one atomic 8-byte store.
	db.storeFooterSlot(trailerAddr.Absolute())
	_ = db.h.Sync()

	db.footer = trailerAddr
	db.trailer = *t
	db.size = trailerAddr.Absolute() + head.TrailerSize
	tx.done = true
	db.activeTx = nil
	_ = tx.lock.Unlock()
	db.clearWriting()
	db.log.Info("committed",
		zap.Uint64("revision", t.Revision),
		zap.Uint64("bytes", t.Size))
	return nil
}

// Abandon rolls the transaction back: every reservation since the
// writer lock was acquired is discarded and the region set shrinks to
// the prior footer.  Safe to call after Commit (it becomes a no-op),
// so callers can defer it unconditionally.
func (tx *Transaction) Abandon() {
	if tx.done {
		return
	}
	db := tx.db
	tx.done = true
	tx.shadows = nil
	db.activeTx = nil
	db.discardDirtyIndexes()
	reserved := db.size
	db.size = tx.first.Absolute()
	// A failed commit may already have protected the doomed range;
	// undo that for this transaction's reservation only, so every
	// committed revision's pages stay read-only.
	if err := db.st.UnprotectRange(tx.first, address.Address(reserved)); err != nil {
		db.log.Warn("rollback unprotect failed", zap.Error(err))
	}
	db.st.ZeroRange(db.size, reserved)
	if err := db.st.Shrink(db.size); err != nil {
		db.log.Warn("rollback shrink failed", zap.Error(err))
	}
	if err := db.st.TruncateToPhysical(); err != nil {
		db.log.Warn("rollback truncate failed", zap.Error(err))
	}
	_ = tx.lock.Unlock()
	db.clearWriting()
	db.log.Debug("transaction abandoned", zap.Uint64("at", db.size))
}
