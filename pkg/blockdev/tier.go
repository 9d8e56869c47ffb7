// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package blockdev

import (
	"github.com/stratis-storage/backstore/internal/engineerr"
	"github.com/stratis-storage/backstore/pkg/segment"
	"github.com/stratis-storage/backstore/pkg/stratisuuid"
)

// MetaCarveOutSectors is the fixed initial allocation a CacheTier reserves
// for its meta_segments before any cache_segments are requested (spec.md
// §4.3: "~1 MiB initial meta carve-out").
const MetaCarveOutSectors = MiB / 512 // 1 MiB in 512-byte sectors

// DataTier holds the segments backing a pool's thin-pool data device.
type DataTier struct {
	mgr      *BlockDevMgr
	Segments []segment.BlkDevSegment
}

// NewDataTier constructs an empty data tier over mgr's devices.
func NewDataTier(mgr *BlockDevMgr) *DataTier {
	return &DataTier{mgr: mgr}
}

// Grow requests additional sectors for the data tier, appending (after
// coalescing) to its segment list. It returns the number of sectors
// actually granted, which may be less than requested.
func (t *DataTier) Grow(sectors segment.Sectors) segment.Sectors {
	got, granted := t.mgr.AllocSpace(sectors)
	t.Segments = segment.Coalesce(append(t.Segments, got...))
	return granted
}

// TotalLength is the sum of all data-tier segment lengths.
func (t *DataTier) TotalLength() segment.Sectors {
	return segment.TotalLength(t.Segments)
}

// GrowDev detects whether dev's backing device grew since it was claimed
// or last refreshed and, if so, folds the newly available capacity into
// the tier's segments. Returns true iff the tier's segments actually
// changed (spec.md §6 grow).
func (t *DataTier) GrowDev(dev stratisuuid.DevUuid) (bool, error) {
	seg, grew, err := t.mgr.GrowDev(dev)
	if err != nil || !grew {
		return false, err
	}
	t.Segments = segment.Coalesce(append(t.Segments, seg))
	return true, nil
}

// CacheTier holds the segments backing a pool's dm-cache fast-device
// (cache_segments) and its small bookkeeping carve-out (meta_segments).
type CacheTier struct {
	mgr           *BlockDevMgr
	CacheSegments []segment.BlkDevSegment
	MetaSegments  []segment.BlkDevSegment
}

// InitCache constructs a cache tier, carving out the fixed meta region
// first and then the requested cache capacity. Returns an error if the
// fixed meta carve-out alone cannot be satisfied.
func InitCache(mgr *BlockDevMgr, cacheSectors segment.Sectors) (*CacheTier, error) {
	metaSegs, metaGranted := mgr.AllocSpace(MetaCarveOutSectors)
	if metaGranted < MetaCarveOutSectors {
		return nil, engineerr.New(engineerr.Invalid, "insufficient space for the cache tier's meta carve-out")
	}

	t := &CacheTier{mgr: mgr, MetaSegments: metaSegs}
	t.Grow(cacheSectors)
	return t, nil
}

// Grow requests additional sectors of cache (fast-device) capacity.
func (t *CacheTier) Grow(sectors segment.Sectors) segment.Sectors {
	got, granted := t.mgr.AllocSpace(sectors)
	t.CacheSegments = segment.Coalesce(append(t.CacheSegments, got...))
	return granted
}

// TotalLength is the sum of all cache-segment lengths (excluding meta).
func (t *CacheTier) TotalLength() segment.Sectors {
	return segment.TotalLength(t.CacheSegments)
}
