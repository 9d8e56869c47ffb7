// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package crypt

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// BinaryHeader is the 4096-byte LUKS2 binary header, stored at the base
// offset of the crypt metadata region and mirrored at BackupOffset.
type BinaryHeader struct {
	MagicField [6]byte
	Version    uint16
	HeaderSize uint64
	SequenceID uint64
	Label      [48]byte
	ChecksumAlgorithm [32]byte
	Salt       [64]byte
	UUID       [40]byte
	Subsystem  [48]byte
	HeaderOffset uint64
	_          [184]byte
	Checksum   [64]byte
	_          [3584]byte
}

// RWDevice is the minimal device interface crypt operates on, matching the
// one bda already defines — callers pass the cap device's underlying file
// with the crypt metadata region living at some fixed sector offset.
type RWDevice interface {
	io.ReaderAt
	io.WriterAt
}

// newBinaryHeader constructs a fresh header with a random salt and UUID.
func newBinaryHeader() (*BinaryHeader, error) {
	h := &BinaryHeader{Version: Version, SequenceID: 1}
	copy(h.MagicField[:], Magic)
	copy(h.ChecksumAlgorithm[:], "sha256")
	copy(h.UUID[:], uuid.New().String())
	if _, err := rand.Read(h.Salt[:]); err != nil {
		return nil, fmt.Errorf("crypt: header salt: %w", err)
	}
	return h, nil
}

// WriteHeader serializes hdr+metadata at base and at base+BackupOffset.
func WriteHeader(w io.WriterAt, base int64, hdr *BinaryHeader, metadata *Metadata) error {
	jsonData, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("crypt: marshal metadata: %w", err)
	}
	jsonSize := nextPowerOf2(len(jsonData) + 1)
	if jsonSize < DefaultJSONLen {
		jsonSize = DefaultJSONLen
	}
	hdr.HeaderSize = uint64(BinaryHdrSize + jsonSize) // #nosec G115 -- bounded by LUKS2 header-size limits

	padding := make([]byte, jsonSize-len(jsonData))

	primary := *hdr
	primary.HeaderOffset = 0
	if err := writeOneHeader(w, base, &primary, jsonData, padding, jsonSize); err != nil {
		return err
	}

	backup := *hdr
	backup.HeaderOffset = BackupOffset
	if err := writeOneHeader(w, base+BackupOffset, &backup, jsonData, padding, jsonSize); err != nil {
		return err
	}
	return nil
}

func writeOneHeader(w io.WriterAt, offset int64, hdr *BinaryHeader, jsonData, padding []byte, jsonSize int) error {
	if err := setChecksum(hdr, jsonData, padding); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, hdr); err != nil {
		return fmt.Errorf("crypt: encode binary header: %w", err)
	}
	buf.Write(jsonData)
	buf.Write(padding)
	if _, err := w.WriteAt(buf.Bytes(), offset); err != nil {
		return fmt.Errorf("crypt: write header at %d: %w", offset, err)
	}
	return nil
}

func setChecksum(hdr *BinaryHeader, jsonData, padding []byte) error {
	tmp := *hdr
	tmp.Checksum = [64]byte{}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, &tmp); err != nil {
		return fmt.Errorf("crypt: checksum encode: %w", err)
	}
	buf.Write(jsonData)
	buf.Write(padding)
	sum := sha256.Sum256(buf.Bytes())
	copy(hdr.Checksum[:], sum[:])
	return nil
}

// ReadHeader reads and validates the primary header at base; on checksum
// or magic failure it retries the backup at base+BackupOffset.
func ReadHeader(r io.ReaderAt, base int64) (*BinaryHeader, *Metadata, error) {
	hdr, meta, err := readOneHeader(r, base)
	if err == nil {
		return hdr, meta, nil
	}
	backupHdr, backupMeta, backupErr := readOneHeader(r, base+BackupOffset)
	if backupErr != nil {
		return nil, nil, fmt.Errorf("crypt: both primary and backup headers invalid: %v, %v", err, backupErr)
	}
	return backupHdr, backupMeta, nil
}

func readOneHeader(r io.ReaderAt, offset int64) (*BinaryHeader, *Metadata, error) {
	raw := make([]byte, BinaryHdrSize)
	if _, err := r.ReadAt(raw, offset); err != nil {
		return nil, nil, fmt.Errorf("crypt: read header: %w", err)
	}
	var hdr BinaryHeader
	if err := binary.Read(bytes.NewReader(raw), binary.BigEndian, &hdr); err != nil {
		return nil, nil, fmt.Errorf("crypt: decode header: %w", err)
	}
	if !bytes.Equal(hdr.MagicField[:], []byte(Magic)) {
		return nil, nil, fmt.Errorf("crypt: bad magic at offset %d", offset)
	}
	if hdr.Version != Version {
		return nil, nil, fmt.Errorf("crypt: unsupported version %d", hdr.Version)
	}

	jsonSize, err := safeUint64ToInt(hdr.HeaderSize)
	if err != nil {
		return nil, nil, err
	}
	jsonSize -= BinaryHdrSize
	jsonData := make([]byte, jsonSize)
	if _, err := r.ReadAt(jsonData, offset+BinaryHdrSize); err != nil {
		return nil, nil, fmt.Errorf("crypt: read metadata: %w", err)
	}

	if err := verifyChecksum(&hdr, jsonData); err != nil {
		return nil, nil, err
	}

	if idx := bytes.IndexByte(jsonData, 0); idx != -1 {
		jsonData = jsonData[:idx]
	}
	var meta Metadata
	if err := json.Unmarshal(jsonData, &meta); err != nil {
		return nil, nil, fmt.Errorf("crypt: invalid metadata JSON: %w", err)
	}
	return &hdr, &meta, nil
}

func verifyChecksum(hdr *BinaryHeader, jsonDataWithPadding []byte) error {
	tmp := *hdr
	stored := tmp.Checksum
	tmp.Checksum = [64]byte{}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, &tmp); err != nil {
		return fmt.Errorf("crypt: checksum re-encode: %w", err)
	}
	buf.Write(jsonDataWithPadding)
	sum := sha256.Sum256(buf.Bytes())
	if !bytes.Equal(sum[:], stored[:32]) {
		return fmt.Errorf("crypt: header checksum mismatch")
	}
	return nil
}
