// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

//go:build !integration

package bda

import (
	"bytes"
	"testing"
	"time"

	"github.com/stratis-storage/backstore/pkg/stratisuuid"
)

// memDevice is an in-memory RWDevice standing in for a loopback file.
type memDevice struct {
	buf []byte
}

func newMemDevice(size int) *memDevice {
	return &memDevice{buf: make([]byte, size)}
}

func (m *memDevice) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off) >= len(m.buf) {
		return 0, io_EOF()
	}
	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, io_EOF()
	}
	return n, nil
}

func (m *memDevice) WriteAt(p []byte, off int64) (int, error) {
	need := int(off) + len(p)
	if need > len(m.buf) {
		grown := make([]byte, need)
		copy(grown, m.buf)
		m.buf = grown
	}
	n := copy(m.buf[off:], p)
	return n, nil
}

func io_EOF() error { return errEOF{} }

type errEOF struct{}

func (errEOF) Error() string { return "EOF" }

func testHeader(t time.Time) *StaticHeader {
	return &StaticHeader{
		BlkdevSize:         2097152,
		SigblockVersion:    SigblockVersion,
		Identifiers: stratisuuid.StratisIdentifiers{
			PoolUuid: stratisuuid.NewPool(),
			DevUuid:  stratisuuid.NewDev(),
		},
		MDASize:             16384 / SectorSize,
		ReservedSize:        DefaultReservedSectors,
		InitializationTime: t.Truncate(time.Second),
	}
}

// P2: parse(serialize(h)) == h
func TestSerializeParseRoundTrip(t *testing.T) {
	h := testHeader(time.Now())
	buf := h.Serialize()
	got, err := parseSigblock(buf)
	if err != nil {
		t.Fatalf("parseSigblock: %v", err)
	}
	if got == nil || !got.Equal(h) {
		t.Fatalf("round-trip mismatch: got %+v want %+v", got, h)
	}
}

func TestRepairSigblocksBothAgree(t *testing.T) {
	dev := newMemDevice(StaticHeaderSectors * SectorSize)
	h := testHeader(time.Now())
	if err := WriteStaticHeader(dev, h); err != nil {
		t.Fatal(err)
	}
	got, err := RepairSigblocks(dev, dev)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || !got.Equal(h) {
		t.Fatalf("mismatch")
	}
}

// Scenario 2 / P5: torn header recovery.
func TestRepairSigblocksTornHeader(t *testing.T) {
	dev := newMemDevice(StaticHeaderSectors * SectorSize)
	h := testHeader(time.Now())
	if err := WriteStaticHeader(dev, h); err != nil {
		t.Fatal(err)
	}

	// Zero out the first sigblock sector to simulate a torn write.
	zeros := make([]byte, SectorSize)
	if _, err := dev.WriteAt(zeros, Sigblock0Sector*SectorSize); err != nil {
		t.Fatal(err)
	}

	got, err := RepairSigblocks(dev, dev)
	if err != nil {
		t.Fatalf("RepairSigblocks: %v", err)
	}
	if got == nil || !got.Equal(h) {
		t.Fatalf("expected recovered header, got %+v", got)
	}

	sector0 := make([]byte, SectorSize)
	sector1 := make([]byte, SectorSize)
	if _, err := dev.ReadAt(sector0, Sigblock0Sector*SectorSize); err != nil {
		t.Fatal(err)
	}
	if _, err := dev.ReadAt(sector1, Sigblock1Sector*SectorSize); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(sector0, sector1) {
		t.Fatalf("sector 1 was not repaired to match sector 9")
	}
}

// P6: both magic regions corrupted -> setup returns nil, not an error.
func TestRepairSigblocksBothCorrupt(t *testing.T) {
	dev := newMemDevice(StaticHeaderSectors * SectorSize)
	got, err := RepairSigblocks(dev, dev)
	if err != nil {
		t.Fatalf("expected no error for an uninitialized device, got %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil header for a non-Stratis device, got %+v", got)
	}
}

func TestRepairSigblocksDisagreeSameTime(t *testing.T) {
	dev := newMemDevice(StaticHeaderSectors * SectorSize)
	now := time.Now().Truncate(time.Second)
	h0 := testHeader(now)
	h1 := testHeader(now)
	h1.Identifiers.DevUuid = stratisuuid.NewDev() // differs, same timestamp

	if _, err := dev.WriteAt(h0.Serialize(), Sigblock0Sector*SectorSize); err != nil {
		t.Fatal(err)
	}
	if _, err := dev.WriteAt(h1.Serialize(), Sigblock1Sector*SectorSize); err != nil {
		t.Fatal(err)
	}

	if _, err := RepairSigblocks(dev, dev); err == nil {
		t.Fatalf("expected disagreement error")
	}
}

// P1: after initialize + wipe, reading identifiers yields nil.
func TestWipeYieldsNotStratis(t *testing.T) {
	dev := newMemDevice(64 * 1024)
	h := testHeader(time.Now())
	bdaObj, err := Initialize(dev, h.Identifiers, h.BlkdevSize, 16384, h.InitializationTime)
	if err != nil {
		t.Fatal(err)
	}
	if bdaObj == nil {
		t.Fatal("expected non-nil BDA")
	}

	if err := Wipe(dev); err != nil {
		t.Fatal(err)
	}

	got, err := Load(dev)
	if err != nil {
		t.Fatalf("Load after wipe: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil BDA after wipe, got %+v", got)
	}
}
