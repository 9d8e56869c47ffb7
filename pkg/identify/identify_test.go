// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

//go:build !integration

package identify

import (
	"os"
	"testing"
	"time"

	"github.com/stratis-storage/backstore/pkg/bda"
	"github.com/stratis-storage/backstore/pkg/stratisuuid"
)

func makeLoopbackFile(t *testing.T, sizeBytes int64) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "identify-*.img")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.Close() }()
	if err := f.Truncate(sizeBytes); err != nil {
		t.Fatal(err)
	}
	return f.Name()
}

func TestIdentifyBlockDeviceMultipathDominates(t *testing.T) {
	path := makeLoopbackFile(t, 8*1024*1024)

	id, err := IdentifyBlockDevice(path, Env{"DM_MULTIPATH_DEVICE_PATH": "1"})
	if err != nil {
		t.Fatalf("IdentifyBlockDevice: %v", err)
	}
	if id.Kind != MultipathMember {
		t.Fatalf("expected MultipathMember, got %s", id.Kind)
	}
}

func TestIdentifyBlockDeviceStratis(t *testing.T) {
	path := makeLoopbackFile(t, 8*1024*1024)

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	ids := stratisuuid.StratisIdentifiers{PoolUuid: stratisuuid.NewPool(), DevUuid: stratisuuid.NewDev()}
	if _, err := bda.Initialize(f, ids, 16384, 4*1024*1024, time.Now()); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	id, err := IdentifyBlockDevice(path, Env{})
	if err != nil {
		t.Fatalf("IdentifyBlockDevice: %v", err)
	}
	if id.Kind != Stratis {
		t.Fatalf("expected Stratis, got %s", id.Kind)
	}
	if id.Stratis.Identifiers.PoolUuid != ids.PoolUuid {
		t.Fatalf("expected matching pool uuid, got %v", id.Stratis.Identifiers.PoolUuid)
	}
}

func TestIdentifyBlockDeviceUnownedVsForeign(t *testing.T) {
	path := makeLoopbackFile(t, 8*1024*1024)

	id, err := IdentifyBlockDevice(path, Env{})
	if err != nil {
		t.Fatalf("IdentifyBlockDevice: %v", err)
	}
	if id.Kind != Unowned {
		t.Fatalf("expected Unowned for a bare unpartitioned device, got %s", id.Kind)
	}

	id, err = IdentifyBlockDevice(path, Env{"ID_FS_USAGE": "filesystem"})
	if err != nil {
		t.Fatalf("IdentifyBlockDevice: %v", err)
	}
	if id.Kind != Foreign {
		t.Fatalf("expected Foreign when filesystem usage is declared, got %s", id.Kind)
	}
}
