// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

//go:build !integration

package backstore

import (
	"testing"

	"github.com/stratis-storage/backstore/pkg/segment"
)

func TestCapSaveAppendUnencrypted(t *testing.T) {
	var c CapSave
	produced := c.append(false, []segment.Sectors{100, 200})
	if len(produced) != 2 {
		t.Fatalf("expected 2 allocations, got %d", len(produced))
	}
	if produced[0].Offset != 0 || produced[0].Length != 100 {
		t.Fatalf("unexpected first alloc: %+v", produced[0])
	}
	if produced[1].Offset != 100 || produced[1].Length != 200 {
		t.Fatalf("unexpected second alloc: %+v", produced[1])
	}
	c.validate(false, 1000)
}

func TestCapSaveAppendEncryptedStartsAboveReservation(t *testing.T) {
	var c CapSave
	c.reserveCryptMeta(DefaultCryptDataOffsetSectors)
	produced := c.append(true, []segment.Sectors{50})
	if produced[0].Offset != 0 {
		t.Fatalf("expected encrypted allocs to start at 0 (above the LUKS2 region, as seen by upper layers), got %d", produced[0].Offset)
	}
	// C2: every alloc must be placed at or after the crypt reservation when
	// measured against the whole cap device, which this package tracks
	// separately from the upper-layer-relative offsets append() returns.
	if c.cryptMetaLength() != DefaultCryptDataOffsetSectors {
		t.Fatalf("expected crypt reservation of %d sectors, got %d", DefaultCryptDataOffsetSectors, c.cryptMetaLength())
	}
	// validate must take the encrypted branch here: CryptMetaAllocs ends at
	// DefaultCryptDataOffsetSectors while Allocs starts at 0, which is only
	// valid because they live in separate address spaces when encrypted.
	c.validate(true, DefaultCryptDataOffsetSectors+1000)
}

func TestCapSaveValidateEncryptedRejectsGapWithinAllocs(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected validate to panic on a C1 violation within Allocs")
		}
	}()
	var c CapSave
	c.reserveCryptMeta(DefaultCryptDataOffsetSectors)
	c.Allocs = []Alloc{{Offset: 0, Length: 50}, {Offset: 100, Length: 50}}
	c.validate(true, DefaultCryptDataOffsetSectors+1000)
}

func TestCapSaveValidatePanicsOnC3Violation(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected validate to panic on a C3 violation")
		}
	}()
	var c CapSave
	c.Allocs = []Alloc{{Offset: 0, Length: 2000}}
	c.validate(false, 1000)
}

func TestCheckCapacityRejectsUndersizedTier(t *testing.T) {
	if err := checkCapacity(100, 50); err == nil {
		t.Fatal("expected an error when the reservation exceeds tier capacity")
	}
	if err := checkCapacity(50, 100); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
