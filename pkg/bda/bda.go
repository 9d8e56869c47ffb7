// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package bda

import (
	"io"
	"time"

	"github.com/stratis-storage/backstore/pkg/stratisuuid"
)

// RWDevice is the minimal device interface the BDA operates on: a backing
// store addressable at absolute byte offsets. *os.File satisfies this.
type RWDevice interface {
	io.ReaderAt
	io.WriterAt
}

// BDA is the parsed per-device Stratis annex: the static header plus its
// MDA region.
type BDA struct {
	Header *StaticHeader
	MDA    *MDA
}

// Initialize writes a fresh static header and zeroed MDA region to dev;
// mdaSizeBytes is the size of the whole MDA region, split across its four
// slots.
func Initialize(dev RWDevice, ids stratisuuid.StratisIdentifiers, blkdevSizeSectors uint64, mdaSizeBytes uint64, now time.Time) (*BDA, error) {
	h := &StaticHeader{
		BlkdevSize:          blkdevSizeSectors,
		SigblockVersion:     SigblockVersion,
		Identifiers:         ids,
		MDASize:             mdaSizeBytes / SectorSize,
		ReservedSize:        DefaultReservedSectors,
		InitializationTime: now,
	}
	if err := WriteStaticHeader(dev, h); err != nil {
		return nil, err
	}

	mdaBase := int64(StaticHeaderSectors) * SectorSize
	mda, err := NewMDA(dev, dev, mdaBase, mdaSizeBytes)
	if err != nil {
		return nil, err
	}
	return &BDA{Header: h, MDA: mda}, nil
}

// Load reads and repairs a device's static header (invariant H1), then
// attaches its MDA region. Returns (nil, nil) if the device is not a
// Stratis device (neither signature block carries the magic).
func Load(dev RWDevice) (*BDA, error) {
	h, err := RepairSigblocks(dev, dev)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, nil
	}
	mdaBase := int64(StaticHeaderSectors) * SectorSize
	mda, err := NewMDA(dev, dev, mdaBase, h.MDASize*SectorSize)
	if err != nil {
		return nil, err
	}
	return &BDA{Header: h, MDA: mda}, nil
}

// Wipe zeroes the static header region, which alone is sufficient to make
// the device classify as not-Stratis on the next Load (P1). The MDA slots
// are left as they are; WipeWithMDA also zeroes them.
func Wipe(dev RWDevice) error {
	if err := WipeStaticHeader(dev); err != nil {
		return err
	}

	// The MDA size is recorded in the header; callers that hold the parsed
	// header (BlockDevMgr.destroy_all) use WipeWithMDA instead.
	return nil
}

// WipeWithMDA zeroes the static header and the full MDA region described by
// h, for callers (BlockDevMgr.destroy_all) that still have the parsed
// header in hand.
func WipeWithMDA(dev RWDevice, h *StaticHeader) error {
	if err := WipeStaticHeader(dev); err != nil {
		return err
	}
	if h == nil {
		return nil
	}
	mdaBytes := h.MDASize * SectorSize
	zeros := make([]byte, mdaBytes)
	_, err := dev.WriteAt(zeros, int64(StaticHeaderSectors)*SectorSize) // #nosec G115 -- StaticHeaderSectors is a small constant
	return err
}
