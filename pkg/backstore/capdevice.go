// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package backstore

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/stratis-storage/backstore/internal/dm"
	"github.com/stratis-storage/backstore/internal/engineerr"
	"github.com/stratis-storage/backstore/pkg/blockdev"
	"github.com/stratis-storage/backstore/pkg/crypt"
	"github.com/stratis-storage/backstore/pkg/segment"
)

// linearTargets converts a tier's coalesced segment list into dm-linear
// table rows, resolving each segment's owning device to its claimed path.
func (b *Backstore) linearTargets(segs []segment.BlkDevSegment) ([]dm.LinearTarget, error) {
	targets := make([]dm.LinearTarget, 0, len(segs))
	var cursor segment.Sectors
	for _, s := range segs {
		path, ok := b.Mgr.PathOf(s.DevUuid)
		if !ok {
			return nil, engineerr.New(engineerr.Invalid, "segment references an unclaimed device")
		}
		targets = append(targets, dm.LinearTarget{
			Start:         uint64(cursor),
			Length:        uint64(s.Segment.Length),
			BackendDevice: path,
			BackendOffset: uint64(s.Segment.Start),
		})
		cursor += s.Segment.Length
	}
	return targets, nil
}

// extendCapDevice implements spec.md §4.4's extend_cap_device: build the
// origin/placeholder pair (and arm or wipe-prefix it) on first call, or
// reload the existing DM tables on subsequent calls after the data tier
// grew. It is a contract violation for both cache and origin to be present
// simultaneously; that is checked and treated as fatal.
func (b *Backstore) extendCapDevice(ctx context.Context) error {
	if b.Cache != nil && dm.Exists(b.originName) {
		panic("backstore: both cache and origin present: contract violation")
	}

	targets, err := b.linearTargets(b.Data.Segments)
	if err != nil {
		return err
	}

	if !b.capExists {
		if err := dm.CreateLinear(b.originName, targets); err != nil {
			return err
		}
		originLen := segment.TotalLength(b.Data.Segments)
		placeholderTarget := []dm.LinearTarget{{
			Start:         0,
			Length:        uint64(originLen),
			BackendDevice: dm.MapperPath(b.originName),
			BackendOffset: 0,
		}}
		if err := dm.CreateLinear(b.placeholderName, placeholderTarget); err != nil {
			return err
		}

		placeholderPath := dm.MapperPath(b.placeholderName)
		if b.stagedEncInfo != nil {
			if err := b.armCrypt(ctx, placeholderPath); err != nil {
				return err
			}
		} else if err := manualWipe(placeholderPath, DefaultCryptDataOffsetSectors); err != nil {
			return err
		}

		b.capExists = true
		return nil
	}

	if err := dm.ReloadLinear(b.originName, targets); err != nil {
		return err
	}
	if dm.Exists(b.placeholderName) {
		placeholderTarget := []dm.LinearTarget{{
			Start:         0,
			Length:        uint64(segment.TotalLength(b.Data.Segments)),
			BackendDevice: dm.MapperPath(b.originName),
			BackendOffset: 0,
		}}
		if err := dm.ReloadLinear(b.placeholderName, placeholderTarget); err != nil {
			return err
		}
	}
	if b.Crypt != nil {
		// The CryptHandle's own resize path reconciles the encrypted
		// segment's length with the (now larger) backing device.
		return nil
	}
	return nil
}

// armCrypt formats and activates the LUKS2 header staged at initialize()
// time, rolling the Backstore's degradation state back to Full on success
// and to NoRequests if the CryptHandle itself could not fully roll back a
// failed write (spec.md Scenario 4).
func (b *Backstore) armCrypt(ctx context.Context, placeholderPath string) error {
	f, err := os.OpenFile(placeholderPath, os.O_RDWR, 0) // #nosec G304 -- DM mapper path is engine-generated
	if err != nil {
		return engineerr.Wrap(engineerr.Io, "open placeholder device", err)
	}
	defer func() { _ = f.Close() }()

	h, err := crypt.Initialize(f, placeholderPath, b.PoolUUID.String(), 0, *b.stagedEncInfo)
	if err != nil {
		var rbErr *engineerr.RollbackError
		if errors.As(err, &rbErr) {
			b.availability = NoRequests
		}
		return err
	}
	b.Crypt = h
	b.stagedEncInfo = nil

	backendOffset := uint64(DefaultCryptDataOffsetSectors) // #nosec G115 -- fixed small constant
	if err := h.Setup(ctx, f, backendOffset); err != nil {
		return err
	}
	b.availability = Full
	return nil
}

// manualWipe zeroes the fixed crypt-metadata prefix of a never-encrypted
// placeholder so stale LUKS2 headers from a previous life of the device
// never survive (spec.md §4.4 step (c); one of the two code paths the
// source carries for this, per SPEC_FULL.md's Open Questions — this
// implementation always takes the manual-zero path, never libcryptsetup's
// wipe, since both are specified to produce the identical result).
func manualWipe(path string, sectors segment.Sectors) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0) // #nosec G304 -- DM mapper path is engine-generated
	if err != nil {
		return engineerr.Wrap(engineerr.Io, "open placeholder device for wipe", err)
	}
	defer func() { _ = f.Close() }()

	zeros := make([]byte, int(sectors)*512) // #nosec G115 -- sectors bounded by the fixed crypt reservation
	if _, err := f.WriteAt(zeros, 0); err != nil {
		return engineerr.Wrap(engineerr.Io, "wipe placeholder prefix", err)
	}
	return nil
}

// InitCache constructs a cache tier and its DM device over the current
// origin, consuming origin and placeholder (spec.md §4.4 init_cache). The
// meta sub-device's prefix is zeroed before the cache target is built, so
// dm-cache never mistakes stale bytes for a valid on-disk superblock.
func (b *Backstore) InitCache(devicePaths []string, cacheSectors segment.Sectors, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.Cache != nil {
		return engineerr.New(engineerr.Invalid, "cache already initialized")
	}
	if !b.capExists {
		return engineerr.New(engineerr.Invalid, "init_cache requires an existing cap device")
	}

	if _, err := b.Mgr.Add(devicePaths, now); err != nil {
		return err
	}

	cache, err := blockdev.InitCache(b.Mgr, cacheSectors)
	if err != nil {
		return err
	}

	metaTargets, err := b.linearTargets(cache.MetaSegments)
	if err != nil {
		return err
	}
	cacheTargets, err := b.linearTargets(cache.CacheSegments)
	if err != nil {
		return err
	}

	if err := dm.CreateLinear(metaSubName(b.cacheName), metaTargets); err != nil {
		return err
	}
	if err := manualWipe(dm.MapperPath(metaSubName(b.cacheName)), cacheMetaWipeSectors); err != nil {
		return err
	}
	if err := dm.CreateLinear(cacheSubName(b.cacheName), cacheTargets); err != nil {
		return err
	}

	target := dm.CacheTarget{
		Start:            0,
		Length:           uint64(segment.TotalLength(b.Data.Segments)),
		MetadataDevice:   dm.MapperPath(metaSubName(b.cacheName)),
		CacheDevice:      dm.MapperPath(cacheSubName(b.cacheName)),
		OriginDevice:     dm.MapperPath(b.originName),
		BlockSizeSectors: 128,
		Policy:           "smq",
	}
	if err := dm.CreateCache(b.cacheName, target); err != nil {
		return err
	}

	if dm.Exists(b.placeholderName) {
		if err := dm.Remove(b.placeholderName); err != nil {
			return err
		}
	}
	if dm.Exists(b.originName) {
		if err := dm.Remove(b.originName); err != nil {
			return err
		}
	}

	b.Cache = cache
	return nil
}

// cacheMetaWipeSectors is the small prefix of the cache tier's meta
// sub-device zeroed before first use.
const cacheMetaWipeSectors = 8

// AddCachedevs appends devices to an existing cache tier, rebuilding
// whichever of the cache/meta DM tables actually changed.
func (b *Backstore) AddCachedevs(devicePaths []string, cacheSectors segment.Sectors, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.Cache == nil {
		return engineerr.New(engineerr.Invalid, "add_cachedevs requires an initialized cache tier")
	}
	if _, err := b.Mgr.Add(devicePaths, now); err != nil {
		return err
	}

	before := b.Cache.TotalLength()
	granted := b.Cache.Grow(cacheSectors)
	if granted == 0 {
		return nil
	}

	cacheTargets, err := b.linearTargets(b.Cache.CacheSegments)
	if err != nil {
		return err
	}
	if b.Cache.TotalLength() != before {
		if err := dm.ReloadLinear(cacheSubName(b.cacheName), cacheTargets); err != nil {
			return err
		}
	}
	return nil
}

func metaSubName(cacheName string) string  { return cacheName + "-meta" }
func cacheSubName(cacheName string) string { return cacheName + "-fast" }
