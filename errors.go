// Copyright 2024 The pstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package pstore

import (
	"github.com/step-security-bot/pstore/internal/file"
	"github.com/step-security-bot/pstore/repo"
	"github.com/step-security-bot/pstore/internal/storage"
)

// Error kinds.  Callers discriminate with errors.Is; every value here
// survives the wrapping the lower layers apply.
var (
	// ErrBadAddress reports an in-store pointer that is misaligned,
	// lies outside the file, or is inconsistent with its tag.
	ErrBadAddress = storage.ErrBadAddress

	// ErrLockUnavailable reports that a non-blocking attempt to become
	// the writer found another writer holding the lock.
	ErrLockUnavailable = file.ErrLockUnavailable

	// ErrExists reports that the target of a non-replacing rename
	// already exists.
	ErrExists = file.ErrExists

	// Record-format violations surfaced by the collaborator formats
	// and propagated unchanged.
	ErrBadFragmentRecord    = repo.ErrBadFragmentRecord
	ErrBadCompilationRecord = repo.ErrBadCompilationRecord
	ErrBadFragmentType      = repo.ErrBadFragmentType
	ErrTooManyMembers       = repo.ErrTooManyMembers
	ErrBSSSectionTooLarge   = repo.ErrBSSSectionTooLarge
)
