// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

// Package backstore composes a pool's data/cache tiers, its devicemapper
// stack, and its optional CryptHandle into the single logical cap device
// exposed to the layers above (spec.md §4.4).
package backstore

import (
	"fmt"

	"github.com/stratis-storage/backstore/internal/engineerr"
	"github.com/stratis-storage/backstore/pkg/segment"
)

// Alloc is one (offset, length) reservation on the cap device's linear
// address space.
type Alloc struct {
	Offset segment.Sectors
	Length segment.Sectors
}

func (a Alloc) end() segment.Sectors { return a.Offset + a.Length }

// CapSave is the portion of pool metadata describing the cap device's use:
// upper-layer allocations plus the fixed LUKS2 reservation, when present.
type CapSave struct {
	Allocs          []Alloc
	CryptMetaAllocs []Alloc
}

// cryptMetaLength sums the crypt reservation (C2/C3).
func (c *CapSave) cryptMetaLength() segment.Sectors {
	var total segment.Sectors
	for _, a := range c.CryptMetaAllocs {
		total += a.Length
	}
	return total
}

// allocsLength sums the upper-layer allocation (C3).
func (c *CapSave) allocsLength() segment.Sectors {
	var total segment.Sectors
	for _, a := range c.Allocs {
		total += a.Length
	}
	return total
}

// TotalReserved is the cap-device extent currently spoken for: crypt
// metadata plus upper-layer allocations.
func (c *CapSave) TotalReserved() segment.Sectors {
	return c.cryptMetaLength() + c.allocsLength()
}

// nextCapOffset is the cursor the next alloc() call appends at: the end of
// the sorted union of allocs and crypt_meta_allocs when unencrypted, or
// just the end of allocs when encrypted (the cap as seen by upper layers
// begins above the LUKS2 region, per spec.md §4.4).
func (c *CapSave) nextCapOffset(encrypted bool) segment.Sectors {
	if encrypted {
		return c.allocsLength()
	}
	if n := len(c.Allocs); n > 0 {
		return c.Allocs[n-1].end()
	}
	return c.cryptMetaLength()
}

// reserveCryptMeta records the single fixed-size LUKS2 reservation made at
// initialize() time; it must be the only entry and must precede all allocs
// (C2).
func (c *CapSave) reserveCryptMeta(length segment.Sectors) {
	c.CryptMetaAllocs = []Alloc{{Offset: 0, Length: length}}
}

// append records produced as the next sequential allocation(s).
func (c *CapSave) append(encrypted bool, sizes []segment.Sectors) []Alloc {
	produced := make([]Alloc, 0, len(sizes))
	offset := c.nextCapOffset(encrypted)
	for _, size := range sizes {
		a := Alloc{Offset: offset, Length: size}
		c.Allocs = append(c.Allocs, a)
		produced = append(produced, a)
		offset += size
	}
	return produced
}

// validate checks C1–C3 against tierCapacity (the data tier's total usable
// size). encrypted must match the value c.append was driven with: when
// encrypted, Allocs lives in its own address space starting at 0 (above the
// LUKS2 region, as seen by upper layers) and only C1 (contiguity) is checked
// on it; when not, CryptMetaAllocs and Allocs share one address space and are
// checked as the single contiguous union, mirroring calc_next_cap's two
// branches. A violation indicates the program has lost its data-structure
// invariants; per spec.md §4.4 ("Allocation postcondition verification")
// the caller is not expected to recover, so this panics rather than
// returning a recoverable error.
func (c *CapSave) validate(encrypted bool, tierCapacity segment.Sectors) {
	if encrypted {
		for i := 1; i < len(c.Allocs); i++ {
			if c.Allocs[i-1].end() != c.Allocs[i].Offset {
				panic(fmt.Sprintf("backstore: cap allocation invariant C1 violated: %+v", c.Allocs))
			}
		}
	} else {
		combined := append(append([]Alloc{}, c.CryptMetaAllocs...), c.Allocs...)
		for i := 1; i < len(combined); i++ {
			if combined[i-1].end() != combined[i].Offset {
				panic(fmt.Sprintf("backstore: cap allocation invariant C1 violated: %+v", combined))
			}
		}
		if len(c.CryptMetaAllocs) > 0 {
			metaEnd := c.cryptMetaLength()
			for _, a := range c.Allocs {
				if a.Offset < metaEnd {
					panic(fmt.Sprintf("backstore: cap allocation invariant C2 violated: alloc %+v precedes crypt reservation (%d sectors)", a, metaEnd))
				}
			}
		}
	}
	if c.TotalReserved() > tierCapacity {
		panic(fmt.Sprintf("backstore: cap allocation invariant C3 violated: reserved %d exceeds tier capacity %d", c.TotalReserved(), tierCapacity))
	}
}

// checkCapacity returns engineerr.Invalid (not a panic) for the
// initialize()-time crypt reservation: at that point failing to fit is an
// ordinary, expected outcome (a too-small device set), not a lost
// invariant.
func checkCapacity(reserveLength, tierCapacity segment.Sectors) error {
	if reserveLength > tierCapacity {
		return engineerr.New(engineerr.Invalid, "data tier too small to hold the LUKS2 reservation")
	}
	return nil
}
