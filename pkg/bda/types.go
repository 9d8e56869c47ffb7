// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

// Package bda implements the Block Device Annex: the per-device on-disk
// header (two redundant signature blocks) plus four metadata-region (MDA)
// slots used to persist serialized pool metadata.
package bda

import (
	"time"

	"github.com/stratis-storage/backstore/pkg/stratisuuid"
)

// SectorSize is the fixed sector size the static header and MDA regions are
// addressed in.
const SectorSize = 512

// Magic is the 16-byte signature identifying a Stratis signature block.
const Magic = "!Stra0tis\x86\xff\x02^\x41rh"

const (
	// sigblock field offsets, per spec.md §4.1/§6.
	offCRC          = 0
	offMagic        = 4
	offBlkdevSize   = 20
	offSigVersion   = 28
	offPoolUUID     = 32
	offDevUUID      = 64
	offMDASize      = 96
	offReservedSize = 104
	offInitTime     = 120

	headerUsedBytes = 128
)

// Signature block offsets, in sectors, within the 16-sector static header.
const (
	Sigblock0Sector = 1
	Sigblock1Sector = 9

	// StaticHeaderSectors is the total size of the static header prefix.
	StaticHeaderSectors = 16
)

// SigblockVersion is the only recognized on-disk format version.
const SigblockVersion = 1

// DefaultReservedSectors is a small fixed reservation beyond the MDAs
// (spec.md §3: "a small fixed value, e.g. 3 MiB").
const DefaultReservedSectors = 3 * 1024 * 1024 / SectorSize

// StaticHeader is the parsed content of one signature block, common to both
// copies on a device.
type StaticHeader struct {
	BlkdevSize        uint64
	SigblockVersion   uint8
	Identifiers       stratisuuid.StratisIdentifiers
	MDASize           uint64 // sectors
	ReservedSize      uint64 // sectors
	InitializationTime time.Time
}

// Equal compares two headers for the field-wise equality the repair
// protocol relies on (spec.md §4.1 outcome 1).
func (h *StaticHeader) Equal(o *StaticHeader) bool {
	if h == nil || o == nil {
		return h == o
	}
	return h.BlkdevSize == o.BlkdevSize &&
		h.SigblockVersion == o.SigblockVersion &&
		h.Identifiers == o.Identifiers &&
		h.MDASize == o.MDASize &&
		h.ReservedSize == o.ReservedSize &&
		h.InitializationTime.Unix() == o.InitializationTime.Unix()
}
