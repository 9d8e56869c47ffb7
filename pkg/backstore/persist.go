// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package backstore

import (
	"time"

	"github.com/stratis-storage/backstore/pkg/metadata"
	"github.com/stratis-storage/backstore/pkg/segment"
)

// toAllocRecords/fromAllocRecords convert between backstore.Alloc and the
// wire AllocRecord, mirroring pkg/metadata's segment record pattern.
func toAllocRecords(allocs []Alloc) []metadata.AllocRecord {
	out := make([]metadata.AllocRecord, 0, len(allocs))
	for _, a := range allocs {
		out = append(out, metadata.AllocRecord{Offset: uint64(a.Offset), Length: uint64(a.Length)})
	}
	return out
}

func fromAllocRecords(recs []metadata.AllocRecord) []Alloc {
	out := make([]Alloc, 0, len(recs))
	for _, r := range recs {
		out = append(out, Alloc{Offset: segment.Sectors(r.Offset), Length: segment.Sectors(r.Length)})
	}
	return out
}

// Record assembles this backstore's current state into the wire record
// written to every device's MDA (spec.md §6).
func (b *Backstore) Record() metadata.BackstoreRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := metadata.BackstoreRecord{
		DataTier: metadata.DataTierRecord{
			Segments: metadata.EncodeSegments(b.Data.Segments),
		},
		Cap: metadata.CapRecord{
			Allocs:          toAllocRecords(b.Cap.Allocs),
			CryptMetaAllocs: toAllocRecords(b.Cap.CryptMetaAllocs),
		},
	}
	for _, bd := range b.Mgr.Devices() {
		rec.DataTier.BlockDevs = append(rec.DataTier.BlockDevs, metadata.BlockDevRecord{
			DevUUID: bd.DevUuid.String(),
			Path:    bd.Path,
		})
	}
	if b.Cache != nil {
		cacheRec := &metadata.CacheTierRecord{
			CacheSegments: metadata.EncodeSegments(b.Cache.CacheSegments),
			MetaSegments:  metadata.EncodeSegments(b.Cache.MetaSegments),
		}
		rec.CacheTier = cacheRec
	}
	return rec
}

// ApplyCapRecord restores the cap allocation ledger from a previously
// saved record, for the reload path (constructing a Backstore over devices
// that already carry pool metadata, rather than initialize()'s fresh-pool
// path).
func (b *Backstore) ApplyCapRecord(rec metadata.CapRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Cap.Allocs = fromAllocRecords(rec.Allocs)
	b.Cap.CryptMetaAllocs = fromAllocRecords(rec.CryptMetaAllocs)
}

// SaveState persists name, the backstore's own record, and the caller's
// flex-device/thin-pool records (opaque to this package) to every owned
// device's MDA at timestamp now.
func (b *Backstore) SaveState(now time.Time, poolName string, flex metadata.FlexDevRecord, thinPool metadata.ThinPoolRecord) error {
	record := &metadata.PoolRecord{
		Name:      poolName,
		PoolUUID:  b.PoolUUID.String(),
		Backstore: b.Record(),
		FlexDev:   flex,
		ThinPool:  thinPool,
	}
	data, err := metadata.Marshal(record)
	if err != nil {
		return err
	}
	return b.Mgr.SaveState(now, data)
}
