// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

// Package blockdev implements BlockDevMgr and the data/cache tiers it feeds:
// the layer that owns physical devices on behalf of one pool and carves
// linear segments out of them (spec.md §4.2/§4.3).
package blockdev

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/stratis-storage/backstore/internal/engineerr"
	"github.com/stratis-storage/backstore/pkg/bda"
	"github.com/stratis-storage/backstore/pkg/segment"
	"github.com/stratis-storage/backstore/pkg/stratisuuid"
)

// MiB, GiB in bytes.
const (
	MiB = 1024 * 1024
	GiB = 1024 * MiB
)

// DefaultMinDevSizeMiB is the minimum device size BlockDevMgr accepts
// (spec.md §4.2): 1 GiB.
const DefaultMinDevSizeMiB = 1024

// DefaultMDASizeBytes is the metadata region carved out per device,
// divisible by 4 as bda.NewMDA requires.
const DefaultMDASizeBytes = 4 * MiB

// BlockDev is one physical device claimed by a pool: its annex plus the
// sector range available for tier allocation.
type BlockDev struct {
	Path     string
	DevUuid  stratisuuid.DevUuid
	BDA      *bda.BDA
	dev      bda.RWDevice
	sizeSect segment.Sectors

	// used tracks sectors already handed out by AllocSpace, starting
	// immediately after the static header + MDA + reserved region.
	used segment.Sectors

	// userInfo is a free-text, operator-settable label (spec.md §4.2
	// set_blockdev_user_info); empty string means unset.
	userInfo string
}

// UserInfo returns the device's operator-settable label, or "" if unset.
func (b *BlockDev) UserInfo() string { return b.userInfo }

// SetUserInfo replaces the device's label, returning true iff it actually
// changed (spec.md §4.2: set_blockdev_user_info reports whether the
// blockdev was changed).
func (b *BlockDev) SetUserInfo(userInfo string) bool {
	if b.userInfo == userInfo {
		return false
	}
	b.userInfo = userInfo
	return true
}

// dataStart is the first sector available for tier allocation: past the
// static header, the MDA region, and the fixed reserved tail.
func (b *BlockDev) dataStart() segment.Sectors {
	headerSectors := segment.Sectors(bda.StaticHeaderSectors)
	mdaSectors := segment.Sectors(b.BDA.Header.MDASize)
	reserved := segment.Sectors(b.BDA.Header.ReservedSize)
	return headerSectors + mdaSectors + reserved
}

// Capacity is the number of sectors available to tiers on this device.
func (b *BlockDev) Capacity() segment.Sectors {
	start := b.dataStart()
	if b.sizeSect <= start {
		return 0
	}
	return b.sizeSect - start
}

// refreshSize re-queries the device's current on-disk size and reports how
// many sectors its capacity grew by since it was last claimed or refreshed
// (0 if unchanged or shrunk). It never shrinks sizeSect: a device observed
// smaller than last recorded is left as-is, since Stratis never tracks a
// shrink.
func (b *BlockDev) refreshSize() (segment.Sectors, error) {
	f, ok := b.dev.(*os.File)
	if !ok {
		return 0, nil
	}
	size, err := deviceSizeBytes(f)
	if err != nil {
		return 0, engineerr.Wrap(engineerr.Io, "stat "+b.Path, err)
	}
	sect := segment.Sectors(uint64(size) / bda.SectorSize) // #nosec G115 -- size validated non-negative by deviceSizeBytes
	if sect <= b.sizeSect {
		return 0, nil
	}
	delta := sect - b.sizeSect
	b.sizeSect = sect
	return delta, nil
}

// alloc carves up to want sectors from the unused tail of the device,
// returning fewer if the device cannot satisfy the whole request.
func (b *BlockDev) alloc(want segment.Sectors) segment.BlkDevSegment {
	avail := b.Capacity() - b.used
	got := want
	if got > avail {
		got = avail
	}
	seg := segment.BlkDevSegment{
		DevUuid: b.DevUuid,
		Segment: segment.Segment{Start: b.dataStart() + b.used, Length: got},
	}
	b.used += got
	return seg
}

// openDevice opens path for read/write access as BlockDevMgr requires.
func openDevice(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0) // #nosec G304 -- device path supplied by the pool operator
	if err != nil {
		return nil, engineerr.Wrap(engineerr.Io, "open device "+path, err)
	}
	return f, nil
}

// deviceSizeBytes returns the size of a block device or regular file,
// preferring the BLKGETSIZE64 ioctl and falling back to stat for files
// (loopback devices under test).
func deviceSizeBytes(f *os.File) (int64, error) {
	var size int64
	// #nosec G103 -- unsafe.Pointer required for the ioctl syscall
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size)))
	if errno == 0 {
		return size, nil
	}
	stat, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("blockdev: stat fallback failed: %w", err)
	}
	return stat.Size(), nil
}
