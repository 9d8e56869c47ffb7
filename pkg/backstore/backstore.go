// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package backstore

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/stratis-storage/backstore/internal/dm"
	"github.com/stratis-storage/backstore/internal/engineerr"
	"github.com/stratis-storage/backstore/pkg/blockdev"
	"github.com/stratis-storage/backstore/pkg/crypt"
	"github.com/stratis-storage/backstore/pkg/segment"
	"github.com/stratis-storage/backstore/pkg/stratisuuid"
)

// DefaultCryptDataOffsetSectors is the fixed-size LUKS2 reservation made at
// initialize() time when encryption is requested, derived from the crypt
// package's own on-disk layout so the two packages can never disagree
// about how much space the header+keyslot region needs.
const DefaultCryptDataOffsetSectors = segment.Sectors(crypt.MetaReservationBytes / 512)

// ActionAvailability reports what a Backstore can still be asked to do
// after a partial failure, supplementing the dropped original
// action_availability() accessor (spec.md §6).
type ActionAvailability int

const (
	// Full: no degradation, every operation is available.
	Full ActionAvailability = iota
	// NoRequests: a prior operation failed and its rollback also failed, so
	// the backstore declines new mutating requests until an operator
	// re-examines state.
	NoRequests
	// NoPropagate: an operation completed but its result should not be
	// propagated upward (e.g. a rollback succeeded data-wise but left
	// metadata in a state the caller must re-read before trusting it).
	NoPropagate
)

func (a ActionAvailability) String() string {
	switch a {
	case Full:
		return "Full"
	case NoRequests:
		return "NoRequests"
	case NoPropagate:
		return "NoPropagate"
	default:
		return "Unknown"
	}
}

// Backstore composes a pool's data/cache tiers, its devicemapper stack, and
// its optional CryptHandle (spec.md §4.4).
type Backstore struct {
	mu sync.Mutex

	PoolUUID stratisuuid.PoolUuid
	Mgr      *blockdev.BlockDevMgr
	Data     *blockdev.DataTier
	Cache    *blockdev.CacheTier
	Cap      CapSave

	stagedEncInfo *crypt.InputEncryptionInfo
	Crypt         *crypt.CryptHandle

	originName      string
	placeholderName string
	cacheName       string
	capExists       bool

	availability ActionAvailability

	Log *log.Logger
}

func (b *Backstore) logger() *log.Logger {
	if b.Log != nil {
		return b.Log
	}
	return log.Default()
}

// ActionAvailabilityOf reports the backstore's current degradation state.
func (b *Backstore) ActionAvailabilityOf() ActionAvailability {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.availability
}

// Initialize sets up the data tier over devices, reserves crypt metadata
// space if encInfo is supplied, and stages encInfo without writing a LUKS2
// header or creating any DM device (spec.md §4.4 step 1–3).
func Initialize(poolUUID stratisuuid.PoolUuid, devicePaths []string, encInfo *crypt.InputEncryptionInfo, now time.Time) (*Backstore, error) {
	mgr, err := blockdev.Initialize(poolUUID, devicePaths, now)
	if err != nil {
		return nil, err
	}

	id := poolUUID.String()
	b := &Backstore{
		PoolUUID:        poolUUID,
		Mgr:             mgr,
		Data:            blockdev.NewDataTier(mgr),
		originName:      "stratis-" + id + "-origin",
		placeholderName: "stratis-" + id + "-placeholder",
		cacheName:       "stratis-" + id + "-cache",
		availability:    Full,
	}

	if encInfo != nil {
		if err := checkCapacity(DefaultCryptDataOffsetSectors, mgr.TotalCapacity()); err != nil {
			return nil, err
		}
		b.Cap.reserveCryptMeta(DefaultCryptDataOffsetSectors)
		b.Data.Grow(DefaultCryptDataOffsetSectors)
		staged := *encInfo
		b.stagedEncInfo = &staged
	}

	return b, nil
}

// AvailableInBackstore is the data tier capacity not yet spoken for by
// either crypt metadata or upper-layer allocations.
func (b *Backstore) AvailableInBackstore() segment.Sectors {
	capacity := b.Mgr.TotalCapacity() + b.Data.TotalLength()
	reserved := b.Cap.TotalReserved()
	if reserved > capacity {
		return 0
	}
	return capacity - reserved
}

// Alloc grows the data tier by sum(sizes) and returns the produced
// (offset, length) cap-device extents, or ok=false if insufficient space
// (spec.md §4.4's "no space" outcome, which is not an error).
func (b *Backstore) Alloc(ctx context.Context, sizes []segment.Sectors) ([]Alloc, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var want segment.Sectors
	for _, s := range sizes {
		want += s
	}
	if b.AvailableInBackstore() < want {
		return nil, false, nil
	}

	grown := b.Data.Grow(want)
	if grown != want {
		return nil, false, engineerr.New(engineerr.Invalid, "data tier grew by an unexpected amount")
	}

	if err := b.extendCapDevice(ctx); err != nil {
		return nil, false, err
	}

	encrypted := b.Crypt != nil
	produced := b.Cap.append(encrypted, sizes)
	b.Cap.validate(encrypted, b.Mgr.TotalCapacity()+b.Data.TotalLength())

	return produced, true, nil
}

// Grow re-queries devUUID's current on-disk size and, if it grew since
// being claimed, folds the extra capacity into the data tier and reloads
// the cap device's tables over the larger segment set. Reports true iff
// the data tier's segments actually changed (spec.md §6 grow).
func (b *Backstore) Grow(ctx context.Context, devUUID stratisuuid.DevUuid) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	changed, err := b.Data.GrowDev(devUUID)
	if err != nil || !changed {
		return false, err
	}
	if b.capExists {
		if err := b.extendCapDevice(ctx); err != nil {
			return false, err
		}
	}
	return true, nil
}

// AddDatadevs claims additional devices for the data tier (spec.md §4.4
// add_datadevs). The data tier always exists once the backstore does, so
// unlike AddCachedevs there is nothing to construct first; the newly
// claimed capacity only becomes visible to Alloc, not folded into any
// existing cap device table until the next Alloc or Grow call, matching
// the upstream add_datadevs (which likewise defers extend_cap_device).
func (b *Backstore) AddDatadevs(devicePaths []string, now time.Time) ([]stratisuuid.DevUuid, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Mgr.Add(devicePaths, now)
}

// SetBlockdevUserInfo sets a device's operator-settable label, reporting
// whether it actually changed (spec.md §4.4 set_blockdev_user_info).
func (b *Backstore) SetBlockdevUserInfo(devUUID stratisuuid.DevUuid, userInfo string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Mgr.SetBlockdevUserInfo(devUUID, userInfo)
}

// Destroy wipes the LUKS2 header and keyslot region (if armed), removes all
// DM devices, and wipes every owned device's BDA. The CryptHandle's
// Teardown drops the in-memory volume key; the volume key is never stored
// in the kernel keyring, so nothing is removed from it.
func (b *Backstore) Destroy() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.Crypt != nil {
		if err := b.Crypt.Teardown(); err != nil {
			return err
		}
		if dm.Exists(b.placeholderName) {
			if err := manualWipe(dm.MapperPath(b.placeholderName), DefaultCryptDataOffsetSectors); err != nil {
				return err
			}
		}
	}
	for _, name := range []string{b.placeholderName, b.cacheName, b.originName} {
		if dm.Exists(name) {
			if err := dm.Remove(name); err != nil {
				return err
			}
		}
	}
	if err := b.Mgr.DestroyAll(); err != nil {
		return err
	}
	b.capExists = false
	return nil
}

// Teardown removes DM devices without wiping headers; the CryptHandle's
// Teardown drops the in-memory volume key. The volume key is never stored
// in the kernel keyring, so nothing is removed from it.
func (b *Backstore) Teardown() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.Crypt != nil {
		if err := b.Crypt.Teardown(); err != nil {
			return err
		}
	}
	for _, name := range []string{b.placeholderName, b.cacheName, b.originName} {
		if dm.Exists(name) {
			if err := dm.Remove(name); err != nil {
				return err
			}
		}
	}
	b.capExists = false
	return b.Mgr.Teardown()
}
