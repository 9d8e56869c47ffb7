// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

//go:build !integration

package bda

import (
	"bytes"
	"testing"
	"time"
)

func newTestMDA(t *testing.T) *MDA {
	t.Helper()
	dev := newMemDevice(16 * 1024)
	mda, err := NewMDA(dev, dev, 0, 16384)
	if err != nil {
		t.Fatalf("NewMDA: %v", err)
	}
	return mda
}

// P3/P4: strictly increasing timestamps accepted and retrievable; a
// timestamp <= current newest is rejected.
func TestSaveLoadStateIncreasingTimestamps(t *testing.T) {
	m := newTestMDA(t)
	base := time.Now().Truncate(time.Second)

	payloads := [][]byte{[]byte("v1"), []byte("v2-longer"), []byte("v3")}
	for i, p := range payloads {
		ts := base.Add(time.Duration(i) * time.Second)
		if err := m.SaveState(ts, p); err != nil {
			t.Fatalf("SaveState(%d): %v", i, err)
		}
		got, err := m.LoadState()
		if err != nil {
			t.Fatalf("LoadState(%d): %v", i, err)
		}
		if !bytes.Equal(got, p) {
			t.Fatalf("LoadState(%d) = %q, want %q", i, got, p)
		}
	}

	// P4: a write at or before the current newest is rejected.
	if err := m.SaveState(base, []byte("stale")); err == nil {
		t.Fatalf("expected rejection of a non-increasing timestamp")
	}
}

func TestSaveStateRejectsOversizePayload(t *testing.T) {
	m := newTestMDA(t)
	big := make([]byte, m.DataCapacity()+1)
	if err := m.SaveState(time.Now(), big); err == nil {
		t.Fatalf("expected rejection of an over-capacity payload")
	}
}

// Corrupting the data bytes of the newest primary slot leaves its shadow
// intact, so LoadState falls back to the shadow and still returns the
// saved payload.
func TestLoadStateFallsBackToShadowOnPrimaryCorruption(t *testing.T) {
	m := newTestMDA(t)
	ts := time.Now().Truncate(time.Second)
	if err := m.SaveState(ts, []byte("payload")); err != nil {
		t.Fatal(err)
	}

	newest := m.newestPrimary()
	// Corrupt the primary's data bytes without touching its shadow.
	corrupt := make([]byte, 8)
	if _, err := m.w.WriteAt(corrupt, m.slotOffset(newest)+RegionHeaderSize); err != nil {
		t.Fatal(err)
	}

	got, err := m.LoadState()
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if !bytes.Equal(got, []byte("payload")) {
		t.Fatalf("got %q, want fallback to shadow data", got)
	}
}
