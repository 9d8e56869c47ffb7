// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

// Package liminal implements the discovery-side pool assembler: devices
// arrive one at a time, in no particular order, and are staged until enough
// of a pool's membership is present to read its metadata and register it
// (spec.md §4.6).
package liminal

import (
	"fmt"
	"os"
	"sync"

	"github.com/stratis-storage/backstore/pkg/bda"
	"github.com/stratis-storage/backstore/pkg/identify"
	"github.com/stratis-storage/backstore/pkg/metadata"
	"github.com/stratis-storage/backstore/pkg/stratisuuid"
)

// SetUpPool is a successfully assembled pool, as registered by
// try_setup_pool: the decoded metadata record plus the device paths it was
// read from, for downstream pool-management code to finish reconstructing a
// live Backstore from.
type SetUpPool struct {
	PoolUUID    stratisuuid.PoolUuid
	Record      *metadata.PoolRecord
	DevicePaths []string
}

// Pools is the registry of already-assembled pools, keyed by name, that
// try_setup_pool consults to reject a naming conflict.
type Pools struct {
	mu      sync.Mutex
	byName  map[string]*SetUpPool
	byUUID  map[stratisuuid.PoolUuid]*SetUpPool
}

// NewPools constructs an empty pool registry.
func NewPools() *Pools {
	return &Pools{
		byName: make(map[string]*SetUpPool),
		byUUID: make(map[stratisuuid.PoolUuid]*SetUpPool),
	}
}

func (p *Pools) has(uuid stratisuuid.PoolUuid) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.byUUID[uuid]
	return ok
}

func (p *Pools) register(pool *SetUpPool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, conflict := p.byName[pool.Record.Name]; conflict {
		return fmt.Errorf("liminal: pool name %q already registered", pool.Record.Name)
	}
	p.byName[pool.Record.Name] = pool
	p.byUUID[pool.PoolUUID] = pool
	return nil
}

// DiscoveryEvent is one device arriving at the liminal assembler: its path
// and the udev-equivalent properties observed for it.
type DiscoveryEvent struct {
	Path string
	Env  identify.Env
}

// LiminalDevices holds, per pool UUID, the set of devices discovered so far
// that claim membership in that pool but have not yet been assembled into a
// registered pool.
type LiminalDevices struct {
	mu      sync.Mutex
	staged  map[stratisuuid.PoolUuid]map[string]struct{} // pool uuid -> set of device paths
}

// NewLiminalDevices constructs an empty staging area.
func NewLiminalDevices() *LiminalDevices {
	return &LiminalDevices{staged: make(map[stratisuuid.PoolUuid]map[string]struct{})}
}

// BlockEvaluate handles one discovery event: identify the device; if it
// already belongs to an assembled pool, ignore it; otherwise stage it and
// attempt TrySetupPool. Discovery errors never propagate past this call —
// an unreadable device is simply dropped rather than blocking the rest of
// assembly (spec.md §4.6's "discovery errors never propagate" rule).
func (l *LiminalDevices) BlockEvaluate(pools *Pools, event DiscoveryEvent) {
	id, err := identify.IdentifyBlockDevice(event.Path, event.Env)
	if err != nil || id.Kind != identify.Stratis {
		return
	}

	poolUUID := id.Stratis.Identifiers.PoolUuid
	if pools.has(poolUUID) {
		return
	}

	l.mu.Lock()
	set, ok := l.staged[poolUUID]
	if !ok {
		set = make(map[string]struct{})
		l.staged[poolUUID] = set
	}
	set[event.Path] = struct{}{}
	paths := make([]string, 0, len(set))
	for p := range set {
		paths = append(paths, p)
	}
	l.mu.Unlock()

	l.TrySetupPool(pools, poolUUID, paths)
}

// TrySetupPool attempts to read the newest pool metadata across the
// candidate device paths. If none is readable (not enough devices present
// yet), the devices stay staged and nothing is returned. If metadata is
// readable and does not conflict with an already-registered pool name, the
// pool is registered and its staged devices are dropped. Any other failure
// (a naming conflict, a decode error) also leaves the devices staged for a
// later discovery event to retry.
func (l *LiminalDevices) TrySetupPool(pools *Pools, poolUUID stratisuuid.PoolUuid, devicePaths []string) (*SetUpPool, bool) {
	record, ok := newestMetadata(devicePaths)
	if !ok {
		return nil, false
	}

	pool := &SetUpPool{
		PoolUUID:    poolUUID,
		Record:      record,
		DevicePaths: devicePaths,
	}
	if err := pools.register(pool); err != nil {
		return nil, false
	}

	l.mu.Lock()
	delete(l.staged, poolUUID)
	l.mu.Unlock()

	return pool, true
}

// newestMetadata reads every device's MDA and returns the decoded record
// carried by whichever copy reports the most recent save_state timestamp.
// ok is false if no candidate device yields a readable record at all.
func newestMetadata(devicePaths []string) (rec *metadata.PoolRecord, ok bool) {
	var best *metadata.PoolRecord
	var bestTime int64 = -1

	for _, path := range devicePaths {
		f, err := os.Open(path) // #nosec G304 -- path from device discovery, not user input
		if err != nil {
			continue
		}
		annex, err := bda.Load(f)
		if err != nil || annex == nil {
			_ = f.Close()
			continue
		}
		data, err := annex.MDA.LoadState()
		_ = f.Close()
		if err != nil || data == nil {
			continue
		}
		pr, err := metadata.Unmarshal(data)
		if err != nil {
			continue
		}
		ts := annex.Header.InitializationTime.Unix()
		if ts > bestTime {
			bestTime = ts
			best = pr
		}
	}

	if best == nil {
		return nil, false
	}
	return best, true
}
