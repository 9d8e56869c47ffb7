// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

// Package segment defines Segment and BlkDevSegment, the sector-range
// building blocks tiers allocate and devicemapper tables are built from.
package segment

import (
	"github.com/stratis-storage/backstore/pkg/stratisuuid"
)

// Sectors counts 512-byte sectors.
type Sectors uint64

// Segment is a half-open sector range (start, start+length) on some
// specific device.
type Segment struct {
	Start  Sectors
	Length Sectors
}

// End is the exclusive end of the range.
func (s Segment) End() Sectors {
	return s.Start + s.Length
}

// Adjacent reports whether o immediately follows s with no gap.
func (s Segment) Adjacent(o Segment) bool {
	return s.End() == o.Start
}

// BlkDevSegment is a Segment located on a specific device, owned by exactly
// one tier.
type BlkDevSegment struct {
	DevUuid stratisuuid.DevUuid
	Segment Segment
}

// Coalesce returns a new slice with adjacent same-device segments merged,
// preserving order.
// Adjacent BlkDevSegments on the same device are coalesced at the point
// they are added to a tier (spec.md §3).
func Coalesce(segs []BlkDevSegment) []BlkDevSegment {
	if len(segs) == 0 {
		return segs
	}
	out := make([]BlkDevSegment, 0, len(segs))
	out = append(out, segs[0])
	for _, s := range segs[1:] {
		last := &out[len(out)-1]
		if last.DevUuid == s.DevUuid && last.Segment.Adjacent(s.Segment) {
			last.Segment.Length += s.Segment.Length
			continue
		}
		out = append(out, s)
	}
	return out
}

// TotalLength sums the lengths of a segment list.
func TotalLength(segs []BlkDevSegment) Sectors {
	var total Sectors
	for _, s := range segs {
		total += s.Segment.Length
	}
	return total
}
