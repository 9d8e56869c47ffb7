// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

// Package metadata defines the serialized pool-metadata payload written to
// every device's MDA (spec.md §6): pool name, backstore record, flex-device
// record, and thinpool record. Representation is JSON, matching the
// teacher's own LUKS2 metadata area encoding.
package metadata

import (
	"encoding/json"
	"fmt"

	"github.com/stratis-storage/backstore/pkg/segment"
	"github.com/stratis-storage/backstore/pkg/stratisuuid"
)

// SegmentRecord is the wire form of a segment.BlkDevSegment.
type SegmentRecord struct {
	DevUUID string `json:"dev_uuid"`
	Start   uint64 `json:"start"`
	Length  uint64 `json:"length"`
}

func toRecords(segs []segment.BlkDevSegment) []SegmentRecord {
	out := make([]SegmentRecord, 0, len(segs))
	for _, s := range segs {
		out = append(out, SegmentRecord{
			DevUUID: s.DevUuid.String(),
			Start:   uint64(s.Segment.Start),
			Length:  uint64(s.Segment.Length),
		})
	}
	return out
}

func fromRecords(recs []SegmentRecord) ([]segment.BlkDevSegment, error) {
	out := make([]segment.BlkDevSegment, 0, len(recs))
	for _, r := range recs {
		devUUID, err := stratisuuid.ParseDevUuid(r.DevUUID)
		if err != nil {
			return nil, fmt.Errorf("metadata: segment dev_uuid: %w", err)
		}
		out = append(out, segment.BlkDevSegment{
			DevUuid: devUUID,
			Segment: segment.Segment{Start: segment.Sectors(r.Start), Length: segment.Sectors(r.Length)},
		})
	}
	return out, nil
}

// BlockDevRecord records one claimed device's identity, independent of
// which tier it belongs to.
type BlockDevRecord struct {
	DevUUID string `json:"dev_uuid"`
	Path    string `json:"path"`
}

// DataTierRecord is the on-disk form of a DataTier.
type DataTierRecord struct {
	BlockDevs []BlockDevRecord `json:"blockdevs"`
	Segments  []SegmentRecord  `json:"segments"`
}

// CacheTierRecord is the on-disk form of a CacheTier.
type CacheTierRecord struct {
	BlockDevs     []BlockDevRecord `json:"blockdevs"`
	CacheSegments []SegmentRecord  `json:"cache_segments"`
	MetaSegments  []SegmentRecord  `json:"meta_segments"`
}

// CapRecord is the cap device's append-only allocation ledger (spec.md §6
// CapSave): allocs for upper-layer data, crypt_meta_allocs for the LUKS2
// reservation.
type CapRecord struct {
	Allocs          []AllocRecord `json:"allocs"`
	CryptMetaAllocs []AllocRecord `json:"crypt_meta_allocs"`
}

// AllocRecord is one (offset, length) entry in a CapRecord list.
type AllocRecord struct {
	Offset uint64 `json:"offset"`
	Length uint64 `json:"length"`
}

// BackstoreRecord is the composed backstore state: data tier, optional
// cache tier, and the cap allocation ledger.
type BackstoreRecord struct {
	DataTier  DataTierRecord   `json:"data_tier"`
	CacheTier *CacheTierRecord `json:"cache_tier,omitempty"`
	Cap       CapRecord        `json:"cap"`
}

// FlexDevRecord is a pass-through record for the flex-device layer (the
// thin-pool metadata/spare devices carved from upper-layer allocs), carried
// verbatim since its contents are produced and consumed by the thin-pool
// layer above this package's scope.
type FlexDevRecord struct {
	ThinMeta  []SegmentRecord `json:"thin_meta"`
	ThinData  []SegmentRecord `json:"thin_data"`
	MDVExtra  []SegmentRecord `json:"mdv_extra,omitempty"`
}

// ThinPoolRecord is a pass-through record for the thin-pool layer's own
// bookkeeping (device IDs, filesystem records); this package does not
// interpret its contents, only preserves them across a save_state/load_state
// round trip.
type ThinPoolRecord struct {
	Raw json.RawMessage `json:"raw,omitempty"`
}

// PoolRecord is the complete payload written to every device's MDA.
type PoolRecord struct {
	Name      string         `json:"name"`
	PoolUUID  string         `json:"pool_uuid"`
	Backstore BackstoreRecord `json:"backstore"`
	FlexDev   FlexDevRecord   `json:"flex_dev"`
	ThinPool  ThinPoolRecord  `json:"thin_pool"`
}

// Marshal renders a PoolRecord as the self-describing text payload stored
// in the MDA.
func Marshal(r *PoolRecord) ([]byte, error) {
	return json.Marshal(r)
}

// Unmarshal parses a payload previously produced by Marshal.
func Unmarshal(data []byte) (*PoolRecord, error) {
	var r PoolRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("metadata: invalid pool record: %w", err)
	}
	return &r, nil
}

// EncodeSegments is the public entry point blockdev/backstore use to turn
// in-memory segment lists into their wire form.
func EncodeSegments(segs []segment.BlkDevSegment) []SegmentRecord { return toRecords(segs) }

// DecodeSegments is the inverse of EncodeSegments.
func DecodeSegments(recs []SegmentRecord) ([]segment.BlkDevSegment, error) { return fromRecords(recs) }
