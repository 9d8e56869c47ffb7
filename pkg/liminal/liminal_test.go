// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

//go:build !integration

package liminal

import (
	"os"
	"testing"
	"time"

	"github.com/stratis-storage/backstore/pkg/bda"
	"github.com/stratis-storage/backstore/pkg/identify"
	"github.com/stratis-storage/backstore/pkg/metadata"
	"github.com/stratis-storage/backstore/pkg/stratisuuid"
)

func makeStratisDevice(t *testing.T, poolUUID stratisuuid.PoolUuid, record *metadata.PoolRecord) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "liminal-*.img")
	if err != nil {
		t.Fatal(err)
	}
	path := f.Name()
	if err := f.Truncate(8 * 1024 * 1024); err != nil {
		t.Fatal(err)
	}

	ids := stratisuuid.StratisIdentifiers{PoolUuid: poolUUID, DevUuid: stratisuuid.NewDev()}
	annex, err := bda.Initialize(f, ids, 16384, 4*1024*1024, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	if record != nil {
		data, err := metadata.Marshal(record)
		if err != nil {
			t.Fatal(err)
		}
		if err := annex.MDA.SaveState(time.Now(), data); err != nil {
			t.Fatal(err)
		}
	}
	_ = f.Close()
	return path
}

func TestBlockEvaluateStaysLiminalWithoutMetadata(t *testing.T) {
	poolUUID := stratisuuid.NewPool()
	path := makeStratisDevice(t, poolUUID, nil)

	pools := NewPools()
	l := NewLiminalDevices()
	l.BlockEvaluate(pools, DiscoveryEvent{Path: path, Env: identify.Env{}})

	if pools.has(poolUUID) {
		t.Fatal("pool should not be set up without readable metadata")
	}
}

func TestBlockEvaluateAssemblesPoolOnceMetadataReadable(t *testing.T) {
	poolUUID := stratisuuid.NewPool()
	record := &metadata.PoolRecord{Name: "mypool", PoolUUID: poolUUID.String()}
	path := makeStratisDevice(t, poolUUID, record)

	pools := NewPools()
	l := NewLiminalDevices()
	l.BlockEvaluate(pools, DiscoveryEvent{Path: path, Env: identify.Env{}})

	if !pools.has(poolUUID) {
		t.Fatal("expected pool to be set up once metadata was readable")
	}
}

func TestBlockEvaluateIgnoresAlreadySetUpPool(t *testing.T) {
	poolUUID := stratisuuid.NewPool()
	record := &metadata.PoolRecord{Name: "mypool", PoolUUID: poolUUID.String()}
	path1 := makeStratisDevice(t, poolUUID, record)

	pools := NewPools()
	l := NewLiminalDevices()
	l.BlockEvaluate(pools, DiscoveryEvent{Path: path1, Env: identify.Env{}})
	if !pools.has(poolUUID) {
		t.Fatal("expected first device to assemble the pool")
	}

	// A second device claiming the same already-assembled pool UUID must be
	// ignored rather than re-evaluated.
	path2 := makeStratisDevice(t, poolUUID, record)
	l.BlockEvaluate(pools, DiscoveryEvent{Path: path2, Env: identify.Env{}})

	l.mu.Lock()
	_, staged := l.staged[poolUUID]
	l.mu.Unlock()
	if staged {
		t.Fatal("device claiming an already-assembled pool should not be staged")
	}
}

func TestRegisterRejectsNameConflict(t *testing.T) {
	pools := NewPools()
	uuidA := stratisuuid.NewPool()
	uuidB := stratisuuid.NewPool()

	if err := pools.register(&SetUpPool{PoolUUID: uuidA, Record: &metadata.PoolRecord{Name: "dup"}}); err != nil {
		t.Fatalf("unexpected error registering first pool: %v", err)
	}
	if err := pools.register(&SetUpPool{PoolUUID: uuidB, Record: &metadata.PoolRecord{Name: "dup"}}); err == nil {
		t.Fatal("expected a naming conflict error")
	}
}
