// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package bda

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"time"
)

// RegionHeaderSize is the fixed 32-byte MDA region header (spec.md §6).
const RegionHeaderSize = 32

const (
	rhOffCRC        = 0
	rhOffDataCRC    = 4
	rhOffUsedLength = 8
	rhOffSeconds    = 16
	rhOffNanos      = 24
	rhOffHdrVersion = 28
	rhOffMetaVer    = 29
)

// RegionHeaderVersion/MetadataVersion are the only recognized values
// written by this implementation.
const (
	RegionHeaderVersion = 1
	MetadataVersion     = 1
)

// NumMDASlots is the number of MDA slots per device: two primaries plus a
// shadow copy of each.
const NumMDASlots = 4

// Primary slot indices; their shadow counterparts are primary+2.
const (
	slotPrimary0 = 0
	slotPrimary1 = 1
	slotShadow0  = 2
	slotShadow1  = 3
)

type regionHeader struct {
	dataCRC    uint32
	usedLength uint64
	seconds    int64
	nanos      uint32
}

func (rh *regionHeader) serialize() []byte {
	buf := make([]byte, RegionHeaderSize)
	binary.LittleEndian.PutUint32(buf[rhOffDataCRC:], rh.dataCRC)
	binary.LittleEndian.PutUint64(buf[rhOffUsedLength:], rh.usedLength)
	binary.LittleEndian.PutUint64(buf[rhOffSeconds:], uint64(rh.seconds)) // #nosec G115 -- seconds is always non-negative wall-clock time
	binary.LittleEndian.PutUint32(buf[rhOffNanos:], rh.nanos)
	buf[rhOffHdrVersion] = RegionHeaderVersion
	buf[rhOffMetaVer] = MetadataVersion

	crc := crc32.Checksum(buf[rhOffDataCRC:], castagnoli)
	binary.LittleEndian.PutUint32(buf[rhOffCRC:], crc)
	return buf
}

func parseRegionHeader(buf []byte) (*regionHeader, error) {
	if len(buf) != RegionHeaderSize {
		return nil, fmt.Errorf("bda: region header must be %d bytes", RegionHeaderSize)
	}
	if isAllZero(buf) {
		// A slot that has never been written reads back as all zeros; its
		// "seconds == 0" is the never-written marker (spec.md §6) and
		// carries no CRC to validate.
		return &regionHeader{}, nil
	}
	storedCRC := binary.LittleEndian.Uint32(buf[rhOffCRC:])
	computedCRC := crc32.Checksum(buf[rhOffDataCRC:], castagnoli)
	if storedCRC != computedCRC {
		return nil, fmt.Errorf("bda: region header CRC mismatch")
	}
	rh := &regionHeader{
		dataCRC:    binary.LittleEndian.Uint32(buf[rhOffDataCRC:]),
		usedLength: binary.LittleEndian.Uint64(buf[rhOffUsedLength:]),
		seconds:    int64(binary.LittleEndian.Uint64(buf[rhOffSeconds:])), // #nosec G115 -- round-trips a previously stored non-negative seconds value
		nanos:      binary.LittleEndian.Uint32(buf[rhOffNanos:]),
	}
	return rh, nil
}

func (rh *regionHeader) neverWritten() bool {
	return rh.seconds == 0
}

func isAllZero(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}

// MDA manages the four metadata slots of one device. base is the byte
// offset of the MDA area from the start of the device; slotSize is the size
// in bytes of each of the four equal slots (mda_size / 4).
type MDA struct {
	rw       io.ReaderAt
	w        io.WriterAt
	base     int64
	slotSize int64

	// newest tracks the last-updated time accepted for each primary slot
	// (index 0 or 1), per H2.
	newestTime [2]time.Time
}

// NewMDA constructs an MDA manager over the region [base, base+mdaSizeBytes)
// of rw/w. mdaSizeBytes must be divisible by 4 (spec.md §3).
func NewMDA(rw io.ReaderAt, w io.WriterAt, base int64, mdaSizeBytes uint64) (*MDA, error) {
	if mdaSizeBytes%4 != 0 {
		return nil, fmt.Errorf("bda: mda_size must be divisible by 4, got %d", mdaSizeBytes)
	}
	m := &MDA{rw: rw, w: w, base: base, slotSize: int64(mdaSizeBytes / NumMDASlots)} // #nosec G115 -- mdaSizeBytes bounded by device size
	for i := 0; i < 2; i++ {
		rh, data, err := m.readSlot(i)
		if err == nil && data != nil {
			m.newestTime[i] = time.Unix(rh.seconds, int64(rh.nanos))
		}
	}
	return m, nil
}

func (m *MDA) slotOffset(slot int) int64 {
	return m.base + int64(slot)*m.slotSize
}

// DataCapacity is the largest payload save_state can accept in one slot.
func (m *MDA) DataCapacity() int64 {
	return m.slotSize - RegionHeaderSize
}

func (m *MDA) readSlot(primary int) (*regionHeader, []byte, error) {
	slot := primary // primary0 -> slot 0, primary1 -> slot 1
	hdrBuf := make([]byte, RegionHeaderSize)
	if _, err := m.rw.ReadAt(hdrBuf, m.slotOffset(slot)); err != nil {
		return nil, nil, err
	}
	rh, err := parseRegionHeader(hdrBuf)
	if err != nil {
		return nil, nil, err
	}
	if rh.neverWritten() {
		return rh, nil, nil
	}
	data := make([]byte, rh.usedLength)
	if _, err := m.rw.ReadAt(data, m.slotOffset(slot)+RegionHeaderSize); err != nil {
		return nil, nil, err
	}
	computed := crc32.Checksum(data, castagnoli)
	if computed != rh.dataCRC {
		return nil, nil, fmt.Errorf("bda: MDA data CRC mismatch in slot %d", slot)
	}
	return rh, data, nil
}

// newestPrimary returns the index (0 or 1) of the primary slot holding the
// greatest timestamp; ties resolve to slot 1 (spec.md §3 MDA invariants).
func (m *MDA) newestPrimary() int {
	if m.newestTime[1].After(m.newestTime[0]) || m.newestTime[1].Equal(m.newestTime[0]) {
		return 1
	}
	return 0
}

func (m *MDA) olderPrimary() int {
	return 1 - m.newestPrimary()
}

// SaveState implements spec.md §4.1 save_state(timestamp, bytes): writes to
// the older primary slot and its shadow, enforcing H2/H3.
func (m *MDA) SaveState(ts time.Time, data []byte) error {
	if len(data) > int(m.DataCapacity()) {
		return fmt.Errorf("bda: metadata payload exceeds MDA slot capacity")
	}
	// Invariant H2: reject a write whose timestamp is not strictly newer
	// than the currently-newest recorded timestamp.
	var newest time.Time
	if m.newestTime[0].After(m.newestTime[1]) {
		newest = m.newestTime[0]
	} else {
		newest = m.newestTime[1]
	}
	if !newest.IsZero() && !ts.After(newest) {
		return fmt.Errorf("bda: overwriting newer data")
	}

	older := m.olderPrimary()
	shadow := older + 2

	rh := &regionHeader{
		dataCRC:    crc32.Checksum(data, castagnoli),
		usedLength: uint64(len(data)), // #nosec G115 -- len() is always non-negative
		seconds:    ts.Unix(),
		nanos:      uint32(ts.Nanosecond()), // #nosec G115 -- Nanosecond() is in [0, 1e9)
	}
	payload := append(rh.serialize(), data...)

	if _, err := m.w.WriteAt(payload, m.slotOffset(older)); err != nil {
		return err
	}
	if err := dataSync(m.w); err != nil {
		return err
	}
	if _, err := m.w.WriteAt(payload, m.slotOffset(shadow)); err != nil {
		return err
	}
	if err := dataSync(m.w); err != nil {
		return err
	}

	// Only update the in-memory last-updated time for this slot on success.
	m.newestTime[older] = ts
	return nil
}

// LoadState implements spec.md §4.1 load_state(): returns the bytes from the
// newest primary, falling back to its shadow on CRC failure.
func (m *MDA) LoadState() ([]byte, error) {
	newest := m.newestPrimary()
	_, data, err := m.readSlot(newest)
	if err == nil && data != nil {
		return data, nil
	}
	_, shadowData, shadowErr := m.readShadow(newest)
	if shadowErr == nil && shadowData != nil {
		return shadowData, nil
	}
	if err != nil {
		return nil, fmt.Errorf("bda: both primary and shadow failed: primary=%v shadow=%v", err, shadowErr)
	}
	return nil, fmt.Errorf("bda: no metadata has ever been written")
}

func (m *MDA) readShadow(primary int) (*regionHeader, []byte, error) {
	slot := primary + 2
	hdrBuf := make([]byte, RegionHeaderSize)
	if _, err := m.rw.ReadAt(hdrBuf, m.slotOffset(slot)); err != nil {
		return nil, nil, err
	}
	rh, err := parseRegionHeader(hdrBuf)
	if err != nil {
		return nil, nil, err
	}
	if rh.neverWritten() {
		return rh, nil, nil
	}
	data := make([]byte, rh.usedLength)
	if _, err := m.rw.ReadAt(data, m.slotOffset(slot)+RegionHeaderSize); err != nil {
		return nil, nil, err
	}
	computed := crc32.Checksum(data, castagnoli)
	if computed != rh.dataCRC {
		return nil, nil, fmt.Errorf("bda: shadow MDA data CRC mismatch in slot %d", slot)
	}
	return rh, data, nil
}

// dataSync flushes a writer if it exposes a Sync method (as *os.File does);
// it is a no-op otherwise (e.g. for in-memory test buffers).
func dataSync(w io.WriterAt) error {
	type syncer interface {
		Sync() error
	}
	if s, ok := w.(syncer); ok {
		return s.Sync()
	}
	return nil
}
