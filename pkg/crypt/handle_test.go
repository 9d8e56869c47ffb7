// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

//go:build !integration

package crypt

import (
	"context"
	"os"
	"os/exec"
	"testing"
)

// tempDevice stands in for the cap device's underlying file: plain
// ReadAt/WriteAt, same as the teacher's loopback-file test doubles.
func tempDevice(t *testing.T, size int64) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "crypt-*.img")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(size); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

// stageKeyringSecret adds secret under description to the session keyring,
// skipping the test when the kernel keyring is unavailable (e.g. a
// restricted container without CAP_SYS_ADMIN-adjacent keyring access).
func stageKeyringSecret(t *testing.T, description string, secret []byte) {
	t.Helper()
	if err := keyringStore(description, secret); err != nil {
		t.Skipf("session keyring unavailable: %v", err)
	}
	t.Cleanup(func() { _ = keyringRemove(description) })
}

func requireClevis(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("clevis"); err != nil {
		t.Skip("clevis binary not present")
	}
}

func TestInitializeKeyringBindAndUnlock(t *testing.T) {
	desc := "stratis-backstore-test-" + t.Name()
	stageKeyringSecret(t, desc, []byte("correct horse battery staple"))

	dev := tempDevice(t, 16*MiBForTest)
	kd := desc
	h, err := Initialize(dev, "/dev/test-cap", "pool-uuid-1", 0, InputEncryptionInfo{KeyDescription: &kd})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !h.Info().HasKeyring() {
		t.Fatal("expected keyring mechanism bound")
	}
	if h.State() != StateUnarmed {
		t.Fatalf("expected Unarmed after Initialize, got %v", h.State())
	}

	_, meta, err := ReadHeader(dev, 0)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}

	volumeKey, err := h.unlock(context.Background(), dev, meta)
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if len(volumeKey) != keySizeBytes {
		t.Fatalf("unexpected volume key length %d", len(volumeKey))
	}
}

func TestInitializeRequiresAMechanism(t *testing.T) {
	dev := tempDevice(t, 16*MiBForTest)
	_, err := Initialize(dev, "/dev/test-cap", "pool-uuid-2", 0, InputEncryptionInfo{})
	if err == nil {
		t.Fatal("expected error binding zero mechanisms")
	}
}

func TestBindRebindUnbindKeyring(t *testing.T) {
	requireClevis(t)

	descA := "stratis-backstore-test-a-" + t.Name()
	descB := "stratis-backstore-test-b-" + t.Name()
	stageKeyringSecret(t, descA, []byte("first secret"))
	stageKeyringSecret(t, descB, []byte("second secret"))

	dev := tempDevice(t, 16*MiBForTest)
	kd := descA
	h, err := Initialize(dev, "/dev/test-cap", "pool-uuid-3", 0, InputEncryptionInfo{KeyDescription: &kd})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// Simulate the armed state Setup would normally produce (Setup itself
	// requires a live device-mapper, which this unit test avoids).
	_, meta, err := ReadHeader(dev, 0)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	volumeKey, err := h.unlock(context.Background(), dev, meta)
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	h.volumeKey = volumeKey
	h.state = StateArmedActive

	if err := h.BindClevis(dev, "null", nil); err != nil {
		t.Fatalf("BindClevis: %v", err)
	}
	if !h.Info().HasClevis() {
		t.Fatal("expected clevis mechanism bound")
	}

	changed, err := h.UnbindKeyring(dev)
	if err != nil {
		t.Fatalf("UnbindKeyring: %v", err)
	}
	if !changed {
		t.Fatal("expected UnbindKeyring to report a change")
	}
	if h.Info().HasKeyring() {
		t.Fatal("expected keyring mechanism unbound")
	}

	// Already unbound: must report no change rather than re-wiping.
	changed, err = h.UnbindKeyring(dev)
	if err != nil {
		t.Fatalf("UnbindKeyring (already unbound): %v", err)
	}
	if changed {
		t.Fatal("expected UnbindKeyring to report no change when already unbound")
	}

	// Only one mechanism remains: unbinding it must be refused.
	if _, err := h.UnbindClevis(dev); err == nil {
		t.Fatal("expected UnbindClevis to refuse removing the last mechanism")
	}

	if err := h.RebindClevis(dev); err != nil {
		t.Fatalf("RebindClevis: %v", err)
	}
}

func TestUnbindRefusesLastMechanism(t *testing.T) {
	desc := "stratis-backstore-test-last-" + t.Name()
	stageKeyringSecret(t, desc, []byte("only secret"))

	dev := tempDevice(t, 16*MiBForTest)
	kd := desc
	h, err := Initialize(dev, "/dev/test-cap", "pool-uuid-4", 0, InputEncryptionInfo{KeyDescription: &kd})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := h.UnbindKeyring(dev); err == nil {
		t.Fatal("expected UnbindKeyring to refuse removing the last mechanism")
	}
}

func TestRebindKeyringRotatesSecret(t *testing.T) {
	descOld := "stratis-backstore-test-old-" + t.Name()
	descNew := "stratis-backstore-test-new-" + t.Name()
	stageKeyringSecret(t, descOld, []byte("old secret"))
	stageKeyringSecret(t, descNew, []byte("new secret"))

	dev := tempDevice(t, 16*MiBForTest)
	kd := descOld
	h, err := Initialize(dev, "/dev/test-cap", "pool-uuid-5", 0, InputEncryptionInfo{KeyDescription: &kd})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	_, meta, err := ReadHeader(dev, 0)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	volumeKey, err := h.unlock(context.Background(), dev, meta)
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	h.volumeKey = volumeKey
	h.state = StateArmedActive

	if err := h.RebindKeyring(dev, descNew); err != nil {
		t.Fatalf("RebindKeyring: %v", err)
	}

	_, meta2, err := ReadHeader(dev, 0)
	if err != nil {
		t.Fatalf("ReadHeader after rebind: %v", err)
	}
	unlocked, err := h.unlock(context.Background(), dev, meta2)
	if err != nil {
		t.Fatalf("unlock after rebind: %v", err)
	}
	if string(unlocked) != string(volumeKey) {
		t.Fatal("expected the same volume key to survive rebind_keyring")
	}
}

// MiBForTest avoids importing pkg/blockdev just for a byte constant.
const MiBForTest = 1024 * 1024
