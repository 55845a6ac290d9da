// Copyright 2024 The pstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package region

import (
	"github.com/pkg/errors"

	"github.com/step-security-bot/pstore/internal/file"
)

// Factory slices the file into mappable regions.  It prefers a single
// full-size region when the gap permits, otherwise one or more
// min-size regions, so the concatenation of all regions always covers
// [0, physical-size).
type Factory struct {
	h        *file.Handle
	full     uint64
	min      uint64
	writable bool
}

// NewFactory builds a factory over h.  min must be a multiple of
// MinSize and full a multiple of min; passing zeroes selects the
// defaults.  Tests shrink full to exercise region-boundary paths.
func NewFactory(h *file.Handle, full, min uint64, writable bool) (*Factory, error) {
	if full == 0 {
		full = FullSize
	}
	if min == 0 {
		min = MinSize
	}
	if min%MinSize != 0 || full%min != 0 {
		return nil, errors.Errorf("region sizes %d/%d not segment aligned", full, min)
	}
	return &Factory{h: h, full: full, min: min, writable: writable}, nil
}

// Init maps regions covering the file's current contents, rounding the
// physical size up to a whole number of min-size regions.
func (f *Factory) Init() ([]*Region, error) {
	size, err := f.h.Size()
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}
	physical := (uint64(size) + f.min - 1) &^ (f.min - 1)
	var regions []*Region
	return f.Add(regions, 0, physical)
}

// Add extends regions so that their concatenation covers
// [0, newSize).  oldSize must equal the current physical extent (the
// end of the last region).  The file is grown first so every mapped
// page is backed.
func (f *Factory) Add(regions []*Region, oldSize, newSize uint64) ([]*Region, error) {
	physical := oldSize
	for physical < newSize {
		step := f.min
		if newSize-physical >= f.full {
			step = f.full
		}
		// Readers map whatever the writer left; only a writer may grow
		// the file to back the new region.
		if f.writable {
			if size, err := f.h.Size(); err != nil {
				return regions, err
			} else if uint64(size) < physical+step {
				if err := f.h.Truncate(int64(physical + step)); err != nil {
					return regions, err
				}
			}
		}
		r, err := Map(f.h, physical, step, f.writable)
		if err != nil {
			return regions, err
		}
		regions = append(regions, r)
		physical += step
	}
	return regions, nil
}
