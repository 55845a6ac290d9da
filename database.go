// Copyright 2024 The pstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package pstore is a persistent, append-only, memory-mapped,
// content-addressed key-value store for compiler-intermediate objects.
// A single file grows monotonically; each committed transaction
// appends an immutable revision closed by a trailer, and the 8-byte
// footer pointer in the file header is the only location ever
// rewritten.  One writer at a time extends the file while any number
// of reader processes examine committed revisions.
package pstore

import (
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/step-security-bot/pstore/address"
	"github.com/step-security-bot/pstore/internal/file"
	"github.com/step-security-bot/pstore/internal/head"
	"github.com/step-security-bot/pstore/internal/region"
	"github.com/step-security-bot/pstore/internal/storage"
)

// Address re-exports the 64-bit store address type.
type Address = address.Address

// Trailer is the per-revision record closing each transaction.
type Trailer = head.Trailer

// CreateMode re-exports the file-open modes for callers of WithCreate.
type CreateMode = file.CreateMode

const (
	CreateNew    = file.CreateNew
	OpenExisting = file.OpenExisting
	OpenAlways   = file.OpenAlways
)

// Option configures Open.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	create     file.CreateMode
	writable   bool
	fullRegion uint64
	minRegion  uint64
	// test hook: force every get down the spanning-copy path
	alwaysSpanning bool
}

// WithLogger sets an optional logger for the database to use for
// progress and lifecycle events.  If not provided, no logging output
// will be produced.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithCreate selects how Open treats a missing or existing file.  The
// default is OpenAlways.
func WithCreate(mode CreateMode) Option {
	return func(o *options) { o.create = mode }
}

// ReadOnly opens the database without write access; Begin will fail.
func ReadOnly() Option {
	return func(o *options) { o.writable = false }
}

// WithRegionSizes overrides the full/min mapping sizes.  Tests use
// small regions to drive data across region boundaries.
func WithRegionSizes(full, min uint64) Option {
	return func(o *options) { o.fullRegion, o.minRegion = full, min }
}

// WithAlwaysSpanning forces every read through the chunked-copy path.
func WithAlwaysSpanning() Option {
	return func(o *options) { o.alwaysSpanning = true }
}

// Database is one open store.  A Database opened writable can run one
// transaction at a time; reads see the revision the database was
// opened (or synced) at.
type Database struct {
	log      *zap.Logger
	h        *file.Handle
	st       *storage.Storage
	header   head.Header
	writable bool

	// footer is the trailer address this view is pinned at; size is
	// the logical end of the file (footer + trailer size, plus any
	// bytes the active transaction has reserved).
	footer  address.Address
	trailer head.Trailer
	size    uint64

	mu       sync.Mutex
	writing  bool
	activeTx *Transaction
	closed   bool

	indexes indexCache

	// parent is non-nil for AtRevision views, which share storage.
	parent *Database
}

// Open opens (and by default creates) the store file at path.
func Open(path string, opts ...Option) (*Database, error) {
	o := options{
		logger:   zap.NewNop(),
		create:   file.OpenAlways,
		writable: true,
	}
	for _, opt := range opts {
		opt(&o)
	}

	h, err := file.Open(path, file.Options{Create: o.create, Writable: o.writable})
	if err != nil {
		return nil, err
	}

	size, err := h.Size()
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	if size == 0 {
		if !o.writable {
			_ = h.Close()
			return nil, errors.Errorf("%s: empty store opened read-only", path)
		}
		if err := initializeStore(h); err != nil {
			_ = h.Close()
			return nil, err
		}
	}

	factory, err := region.NewFactory(h, o.fullRegion, o.minRegion, o.writable)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	st, err := storage.New(h, factory, head.HeaderSize, o.logger)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	db := &Database{
		log:      o.logger,
		h:        h,
		st:       st,
		writable: o.writable,
	}
	st.SetAlwaysSpanning(o.alwaysSpanning)

	if err := db.loadHead(); err != nil {
		_ = st.Close()
		_ = h.Close()
		return nil, err
	}
	db.log.Info("store opened",
		zap.String("path", path),
		zap.Uint64("revision", db.trailer.Revision),
		zap.Uint64("size", db.size))
	return db, nil
}

// initializeStore writes the header and the initial empty trailer
// (revision zero) into a fresh file.
func initializeStore(h *file.Handle) error {
	hdr, err := head.NewHeader(uint64(time.Now().UnixMilli()))
	if err != nil {
		return err
	}
	hdr.Footer = address.Address(head.HeaderSize)

	buf := make([]byte, head.HeaderSize+head.TrailerSize)
	if err := hdr.MarshalTo(buf[:head.HeaderSize]); err != nil {
		return err
	}
	t := head.NewTrailer(address.Null, 0, hdr.CreatedAtMS, 0, [head.NumIndices]address.Address{})
	if err := t.MarshalTo(buf[head.HeaderSize:]); err != nil {
		return err
	}
	if _, err := h.WriteAt(buf, 0); err != nil {
		return err
	}
	return h.Sync()
}

// loadHead maps the file, validates the header, and pins the database
// at the trailer the footer pointer names.
func (db *Database) loadHead() error {
	fileSize, err := db.h.Size()
	if err != nil {
		return err
	}
	if err := db.st.MapBytes(0, uint64(fileSize)); err != nil {
		return err
	}

	hdrBytes, err := db.st.AddressToBytes(address.Null, head.HeaderSize)
	if err != nil {
		return err
	}
	if err := db.header.UnmarshalBytes(hdrBytes); err != nil {
		return err
	}

	footer := address.Address(db.loadFooterSlot())
	return db.sync(footer, uint64(fileSize))
}

// sync pins the database at the given trailer address.
func (db *Database) sync(footer address.Address, fileSize uint64) error {
	if footer.Absolute() < head.HeaderSize || footer.Absolute()+head.TrailerSize > fileSize {
		return errors.Wrapf(ErrBadAddress, "footer %#x outside file of %d bytes", footer.Absolute(), fileSize)
	}
	db.size = footer.Absolute() + head.TrailerSize
	raw, err := db.Get(footer, head.TrailerSize)
	if err != nil {
		return err
	}
	if err := db.trailer.UnmarshalBytes(raw); err != nil {
		return err
	}
	db.footer = footer
	db.indexes = indexCache{}
	return nil
}

// footerSlot returns the mapped footer-pointer word.  The slot is
// 8-byte aligned within the first page, so plain atomic loads and
// stores are the whole synchronization story between one writer and
// any number of readers.
func (db *Database) footerSlot() *uint64 {
	b, err := db.st.AddressToBytes(address.Address(head.FooterSlotOffset), 8)
	if err != nil {
		// the header is always mapped
		panic(err)
	}
	return (*uint64)(unsafe.Pointer(&b[0]))
}

func (db *Database) loadFooterSlot() uint64 {
	return atomic.LoadUint64(db.footerSlot())
}

func (db *Database) storeFooterSlot(v uint64) {
	atomic.StoreUint64(db.footerSlot(), v)
}

// Close unmaps the store and trims the file back to its logical size.
func (db *Database) Close() error {
	if db.parent != nil {
		// revision views share their parent's storage
		return nil
	}
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()
	// Another writer may have advanced the store past the revision this
	// handle is pinned at; never truncate their commits away.
	logical := db.loadFooterSlot() + head.TrailerSize
	if pinned := db.footer.Absolute() + head.TrailerSize; pinned > logical {
		logical = pinned
	}
	err := db.st.Close()
	if db.writable {
		if terr := db.st.TruncateToLogical(logical); terr != nil && err == nil {
			err = terr
		}
	}
	if cerr := db.h.Close(); cerr != nil && err == nil {
		err = cerr
	}
	db.log.Info("store closed", zap.String("path", db.h.Path()))
	return err
}

// Path returns the store file's path.
func (db *Database) Path() string { return db.h.Path() }

// WriterActive reports whether this database currently holds the
// writer lock.
func (db *Database) WriterActive() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.writing
}

// ID returns the creation id stamped into the header.
func (db *Database) ID() [16]byte { return db.header.ID }

// Revision returns the revision number this view is pinned at.
func (db *Database) Revision() uint64 { return db.trailer.Revision }

// Footer returns the address of this view's trailer.
func (db *Database) Footer() address.Address { return db.footer }

// Trailer returns a copy of this view's trailer record.
func (db *Database) Trailer() head.Trailer { return db.trailer }

// Get materializes [addr, addr+n) as contiguous bytes.  Ranges inside
// a single region alias the mapping; spanning ranges are assembled
// through a shadow copy.  Implements the store's reader contract.
func (db *Database) Get(addr address.Address, n uint64) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if addr.IsNull() || addr.Absolute()+n > db.size {
		return nil, errors.Wrapf(ErrBadAddress, "get [%#x,+%d) beyond logical end %#x", addr.Absolute(), n, db.size)
	}
	// reads must observe this transaction's buffered spanning writes
	if tx := db.activeTx; tx != nil && len(tx.shadows) > 0 {
		if err := tx.writeBackShadows(); err != nil {
			return nil, err
		}
	}
	if !db.st.RequestSpansRegions(addr, n) {
		return db.st.AddressToBytes(addr, n)
	}
	buf := make([]byte, n)
	if err := db.st.Copy(addr, n, buf, func(store, temp []byte) {
		copy(temp, store)
	}); err != nil {
		return nil, err
	}
	return buf, nil
}

// TrailerAt walks the revision chain back from HEAD to the given
// revision number.
func (db *Database) TrailerAt(rev uint64) (head.Trailer, address.Address, error) {
	t := db.trailer
	addr := db.footer
	for t.Revision > rev {
		if t.Prev.IsNull() {
			break
		}
		addr = t.Prev
		raw, err := db.Get(addr, head.TrailerSize)
		if err != nil {
			return head.Trailer{}, address.Null, err
		}
		if err := t.UnmarshalBytes(raw); err != nil {
			return head.Trailer{}, address.Null, err
		}
	}
	if t.Revision != rev {
		return head.Trailer{}, address.Null, errors.Errorf("revision %d not found (oldest seen %d)", rev, t.Revision)
	}
	return t, addr, nil
}

// WalkRevisions calls fn for every trailer from HEAD back to the
// initial empty revision, stopping early if fn returns false.
func (db *Database) WalkRevisions(fn func(t head.Trailer, addr address.Address) bool) error {
	t := db.trailer
	addr := db.footer
	for {
		if !fn(t, addr) {
			return nil
		}
		if t.Prev.IsNull() {
			return nil
		}
		addr = t.Prev
		raw, err := db.Get(addr, head.TrailerSize)
		if err != nil {
			return err
		}
		if err := t.UnmarshalBytes(raw); err != nil {
			return err
		}
	}
}

// AtRevision returns a read-only view of the database pinned at an
// older revision.  The view shares the parent's mappings; closing it
// is a no-op, and it must not outlive the parent.
func (db *Database) AtRevision(rev uint64) (*Database, error) {
	t, addr, err := db.TrailerAt(rev)
	if err != nil {
		return nil, err
	}
	view := &Database{
		log:      db.log,
		h:        db.h,
		st:       db.st,
		header:   db.header,
		writable: false,
		footer:   addr,
		trailer:  t,
		size:     addr.Absolute() + head.TrailerSize,
		parent:   db,
	}
	return view, nil
}
