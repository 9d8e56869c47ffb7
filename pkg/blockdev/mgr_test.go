// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

//go:build !integration

package blockdev

import (
	"os"
	"testing"
	"time"

	"github.com/stratis-storage/backstore/internal/envcfg"
	"github.com/stratis-storage/backstore/pkg/stratisuuid"
)

// makeLoopbackFile creates a regular file of the given size to stand in for
// a block device; BLKGETSIZE64 fails on it and deviceSizeBytes falls back
// to stat, exactly as it does for the teacher's loopback-file tests.
func makeLoopbackFile(t *testing.T, sizeBytes int64) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "blockdev-*.img")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.Close() }()
	if err := f.Truncate(sizeBytes); err != nil {
		t.Fatal(err)
	}
	return f.Name()
}

func withSmallMinSize(t *testing.T) {
	t.Helper()
	t.Setenv(envcfg.EnvMinDevSizeMiB, "1")
}

func TestInitializeClaimsDevices(t *testing.T) {
	withSmallMinSize(t)
	path := makeLoopbackFile(t, 8*MiB)

	mgr, err := Initialize(stratisuuid.NewPool(), []string{path}, time.Now())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if len(mgr.Devices()) != 1 {
		t.Fatalf("expected 1 claimed device, got %d", len(mgr.Devices()))
	}
}

func TestInitializeRejectsUndersizedDevice(t *testing.T) {
	path := makeLoopbackFile(t, 4*MiB) // below the 1 GiB default minimum

	if _, err := Initialize(stratisuuid.NewPool(), []string{path}, time.Now()); err == nil {
		t.Fatalf("expected rejection of an undersized device")
	}
}

func TestInitializeRejectsAlreadyOwnedDevice(t *testing.T) {
	withSmallMinSize(t)
	path := makeLoopbackFile(t, 8*MiB)

	if _, err := Initialize(stratisuuid.NewPool(), []string{path}, time.Now()); err != nil {
		t.Fatalf("first Initialize: %v", err)
	}
	if _, err := Initialize(stratisuuid.NewPool(), []string{path}, time.Now()); err == nil {
		t.Fatalf("expected rejection of a device already owned by a Stratis pool")
	}
}

func TestAllocSpaceAcrossDevicesAndSaveState(t *testing.T) {
	withSmallMinSize(t)
	p1 := makeLoopbackFile(t, 8*MiB)
	p2 := makeLoopbackFile(t, 8*MiB)

	mgr, err := Initialize(stratisuuid.NewPool(), []string{p1, p2}, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	total := mgr.TotalCapacity()
	if total == 0 {
		t.Fatalf("expected nonzero capacity across two devices")
	}

	segs, granted := mgr.AllocSpace(total)
	if granted != total {
		t.Fatalf("expected to grant the full requested amount, got %d of %d", granted, total)
	}
	if len(segs) == 0 {
		t.Fatalf("expected at least one segment")
	}

	if err := mgr.SaveState(time.Now(), []byte(`{"name":"p"}`)); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
}

func TestClaimRollsBackEarlierDevicesOnMidBatchFailure(t *testing.T) {
	withSmallMinSize(t) // 1 MiB minimum
	p1 := makeLoopbackFile(t, 8*MiB)
	p2 := makeLoopbackFile(t, 512*1024) // below the 1 MiB minimum just set

	if _, err := Initialize(stratisuuid.NewPool(), []string{p1, p2}, time.Now()); err == nil {
		t.Fatalf("expected rejection of the undersized second device")
	}

	// p1 was claimed (BDA written) before p2 failed; it must be wiped along
	// with the rest of the failed batch rather than left as a live Stratis
	// signature the caller believes was never initialized.
	if _, err := Initialize(stratisuuid.NewPool(), []string{p1}, time.Now()); err != nil {
		t.Fatalf("expected p1 to be reinitializable after rollback, got: %v", err)
	}
}

func TestDestroyAllWipesDevices(t *testing.T) {
	withSmallMinSize(t)
	path := makeLoopbackFile(t, 8*MiB)

	mgr, err := Initialize(stratisuuid.NewPool(), []string{path}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.DestroyAll(); err != nil {
		t.Fatalf("DestroyAll: %v", err)
	}

	// A second Initialize attempt on the same path must now succeed, since
	// the device no longer carries a Stratis header.
	if _, err := Initialize(stratisuuid.NewPool(), []string{path}, time.Now()); err != nil {
		t.Fatalf("reinitialize after DestroyAll: %v", err)
	}
}
