// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package blockdev

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/stratis-storage/backstore/internal/engineerr"
	"github.com/stratis-storage/backstore/internal/envcfg"
	"github.com/stratis-storage/backstore/pkg/bda"
	"github.com/stratis-storage/backstore/pkg/segment"
	"github.com/stratis-storage/backstore/pkg/stratisuuid"
)

// BlockDevMgr owns every physical device claimed by one pool, handing out
// segments to the data and cache tiers above it (spec.md §4.2).
type BlockDevMgr struct {
	mu       sync.Mutex
	PoolUuid stratisuuid.PoolUuid
	devs     map[stratisuuid.DevUuid]*BlockDev
	order    []stratisuuid.DevUuid // insertion order, for deterministic iteration
	Log      *log.Logger
}

func (m *BlockDevMgr) logger() *log.Logger {
	if m.Log != nil {
		return m.Log
	}
	return log.Default()
}

func minDevSizeBytes() int64 {
	if mib, ok := envcfg.MinDevSizeMiB(); ok {
		return int64(mib) * MiB // #nosec G115 -- mib bounded by config input
	}
	return DefaultMinDevSizeMiB * MiB
}

// Initialize formats a brand-new set of devices for poolUUID, rejecting any
// device that fails UnownedDeviceCheck or is smaller than the minimum size.
func Initialize(poolUUID stratisuuid.PoolUuid, paths []string, now time.Time) (*BlockDevMgr, error) {
	m := &BlockDevMgr{
		PoolUuid: poolUUID,
		devs:     make(map[stratisuuid.DevUuid]*BlockDev),
	}
	if _, err := m.claim(paths, now); err != nil {
		return nil, err
	}
	return m, nil
}

// Add claims additional devices for an already-initialized pool, returning
// the newly added device UUIDs.
func (m *BlockDevMgr) Add(paths []string, now time.Time) ([]stratisuuid.DevUuid, error) {
	return m.claim(paths, now)
}

// claim formats each of paths in turn. If any device fails, every device
// already initialized earlier in this same batch is wiped (header + MDA
// zeroed) and its handle closed before the error is returned, so a partial
// failure never leaves live Stratis signatures the caller believes were
// never written (spec.md §4.2).
func (m *BlockDevMgr) claim(paths []string, now time.Time) ([]stratisuuid.DevUuid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	minSize := minDevSizeBytes()
	added := make([]stratisuuid.DevUuid, 0, len(paths))
	claimed := make([]*BlockDev, 0, len(paths))

	rollback := func() {
		for _, bd := range claimed {
			if err := bda.WipeWithMDA(bd.dev, bd.BDA.Header); err != nil {
				m.logger().Printf("blockdev: rollback wipe of %s failed: %v", bd.Path, err)
			}
			if closer, ok := bd.dev.(interface{ Close() error }); ok {
				_ = closer.Close()
			}
			delete(m.devs, bd.DevUuid)
		}
		m.order = m.order[:len(m.order)-len(claimed)]
	}

	for _, path := range paths {
		if err := UnownedDeviceCheck(path); err != nil {
			rollback()
			return nil, err
		}

		f, err := openDevice(path)
		if err != nil {
			rollback()
			return nil, err
		}

		size, err := deviceSizeBytes(f)
		if err != nil {
			_ = f.Close()
			rollback()
			return nil, engineerr.Wrap(engineerr.Io, "stat "+path, err)
		}
		if size < minSize {
			_ = f.Close()
			rollback()
			return nil, engineerr.New(engineerr.Invalid,
				fmt.Sprintf("device %s is %d bytes, below the %d byte minimum", path, size, minSize))
		}

		devUUID := stratisuuid.NewDev()
		ids := stratisuuid.StratisIdentifiers{PoolUuid: m.PoolUuid, DevUuid: devUUID}
		sectors := uint64(size) / bda.SectorSize // #nosec G115 -- size validated non-negative by deviceSizeBytes

		annex, err := bda.Initialize(f, ids, sectors, DefaultMDASizeBytes, now)
		if err != nil {
			_ = f.Close()
			rollback()
			return nil, engineerr.Wrap(engineerr.Io, "initialize BDA on "+path, err)
		}

		bd := &BlockDev{
			Path:     path,
			DevUuid:  devUUID,
			BDA:      annex,
			dev:      f,
			sizeSect: segment.Sectors(sectors),
		}
		m.devs[devUUID] = bd
		m.order = append(m.order, devUUID)
		added = append(added, devUUID)
		claimed = append(claimed, bd)
	}

	m.logger().Printf("blockdev: claimed %d device(s) for pool %s", len(added), m.PoolUuid)
	return added, nil
}

// AllocSpace carves `want` sectors of linear space from the pool's devices,
// in device-insertion order, returning the coalesced segment list and the
// number of sectors actually granted (which may be less than want if the
// pool is out of space).
func (m *BlockDevMgr) AllocSpace(want segment.Sectors) ([]segment.BlkDevSegment, segment.Sectors) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var segs []segment.BlkDevSegment
	remaining := want
	for _, id := range m.order {
		if remaining == 0 {
			break
		}
		bd := m.devs[id]
		avail := bd.Capacity() - bd.used
		if avail == 0 {
			continue
		}
		segs = append(segs, bd.alloc(remaining))
		remaining -= segs[len(segs)-1].Segment.Length
	}
	segs = segment.Coalesce(segs)
	return segs, want - remaining
}

// SaveState persists data to every device's MDA, at timestamp now. All
// devices must accept the write for the call to succeed; spec.md §4.2 does
// not require atomicity across devices, only that a failure is reported.
func (m *BlockDevMgr) SaveState(now time.Time, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.order {
		bd := m.devs[id]
		if err := bd.BDA.MDA.SaveState(now, data); err != nil {
			return engineerr.Wrap(engineerr.Io, "save_state on "+bd.Path, err)
		}
	}
	return nil
}

// Teardown releases in-memory device handles without altering on-disk
// state (the pool may be reattached later).
func (m *BlockDevMgr) Teardown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, id := range m.order {
		bd := m.devs[id]
		if closer, ok := bd.dev.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// DestroyAll wipes the BDA (header + MDA) of every owned device, making
// them unrecognizable as Stratis devices (P1), then tears down handles.
func (m *BlockDevMgr) DestroyAll() error {
	m.mu.Lock()
	devs := make([]*BlockDev, 0, len(m.order))
	for _, id := range m.order {
		devs = append(devs, m.devs[id])
	}
	m.mu.Unlock()

	for _, bd := range devs {
		if err := bda.WipeWithMDA(bd.dev, bd.BDA.Header); err != nil {
			return engineerr.Wrap(engineerr.Io, "destroy_all wipe of "+bd.Path, err)
		}
	}
	return m.Teardown()
}

// Devices returns the claimed devices in insertion order.
func (m *BlockDevMgr) Devices() []*BlockDev {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*BlockDev, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.devs[id])
	}
	return out
}

// PathOf returns the claimed device path backing id, for callers (the
// backstore's cap-device assembly) that need to build DM table rows
// naming the physical backend device.
func (m *BlockDevMgr) PathOf(id stratisuuid.DevUuid) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bd, ok := m.devs[id]
	if !ok {
		return "", false
	}
	return bd.Path, true
}

// GrowDev re-queries dev's current on-disk size and, if it grew since it
// was last claimed or refreshed, carves the new capacity into a fresh
// segment on that same device (spec.md §6 grow's per-device size check).
// Returns the produced segment and whether the device actually grew.
func (m *BlockDevMgr) GrowDev(dev stratisuuid.DevUuid) (segment.BlkDevSegment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bd, ok := m.devs[dev]
	if !ok {
		return segment.BlkDevSegment{}, false, engineerr.New(engineerr.NotFound, "no such device")
	}
	delta, err := bd.refreshSize()
	if err != nil || delta == 0 {
		return segment.BlkDevSegment{}, false, err
	}
	return bd.alloc(delta), true, nil
}

// SetBlockdevUserInfo sets dev's operator-settable label, reporting whether
// it actually changed (spec.md §4.2 set_blockdev_user_info).
func (m *BlockDevMgr) SetBlockdevUserInfo(dev stratisuuid.DevUuid, userInfo string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bd, ok := m.devs[dev]
	if !ok {
		return false, engineerr.New(engineerr.NotFound, "no such device")
	}
	return bd.SetUserInfo(userInfo), nil
}

// TotalCapacity sums unallocated sectors across all owned devices.
func (m *BlockDevMgr) TotalCapacity() segment.Sectors {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total segment.Sectors
	for _, id := range m.order {
		bd := m.devs[id]
		total += bd.Capacity() - bd.used
	}
	return total
}
