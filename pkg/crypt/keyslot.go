// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package crypt

import (
	"crypto/aes"
	"fmt"
	"strconv"

	"golang.org/x/crypto/xts"
)

// KeyslotAreaBase is the byte offset, relative to the crypt metadata
// region's base, where the first keyslot's key-material area starts: past
// both the primary and backup binary-header+JSON areas.
const KeyslotAreaBase = 2 * BackupOffset

// keySizeBytes is the volume key size this package always uses: 64 bytes
// (512 bits), matching DefaultKeySizeBit.
const keySizeBytes = DefaultKeySizeBit / 8

// slotAreaSize is the fixed per-slot key-material area size: AF-split
// expansion of one key, rounded up to the nearest sector.
const slotAreaSize = keySizeBytes * AFStripes

// MetaReservationBytes is the total size of the crypt metadata region: both
// header+JSON copies plus both fixed keyslot areas. Callers that reserve
// space for a not-yet-armed CryptHandle (pkg/backstore's
// crypt_meta_allocs) size that reservation from this constant.
const MetaReservationBytes = KeyslotAreaBase + 2*slotAreaSize

// slotOffset returns the absolute device offset of keyslot index i's area.
func slotOffset(base int64, i int) int64 {
	return base + KeyslotAreaBase + int64(i)*slotAreaSize // #nosec G115 -- i bounded by a small fixed slot count
}

// bindKeyslot derives a KDF key from secret, AF-splits volumeKey, encrypts
// it, and writes it to keyslot index i; it also records the digest used to
// confirm future unlock attempts without exposing the key itself.
func bindKeyslot(w RWDevice, base int64, i int, secret, volumeKey []byte) (*Keyslot, *Digest, error) {
	kdf, err := newArgon2KDF(FormatOptions{})
	if err != nil {
		return nil, nil, err
	}

	derived, err := deriveKey(secret, kdf, keySizeBytes)
	if err != nil {
		return nil, nil, err
	}
	defer clearBytes(derived)

	split, err := afSplit(volumeKey, AFStripes, "sha256")
	if err != nil {
		return nil, nil, err
	}
	defer clearBytes(split)

	encrypted, err := xtsCrypt(split, derived, true)
	if err != nil {
		return nil, nil, err
	}

	off := slotOffset(base, i)
	if _, err := w.WriteAt(encrypted, off); err != nil {
		return nil, nil, fmt.Errorf("crypt: write keyslot %d: %w", i, err)
	}

	ks := &Keyslot{
		Type:    "luks2",
		KeySize: keySizeBytes,
		Area: &KeyslotArea{
			Type:       "raw",
			KeySize:    keySizeBytes,
			Offset:     strconv.FormatInt(off, 10),
			Size:       strconv.Itoa(len(encrypted)),
			Encryption: DefaultCipher + "-" + DefaultCipherMode,
		},
		KDF: kdf,
		AF:  &AntiForensic{Type: "luks1", Stripes: AFStripes, Hash: "sha256"},
	}

	digest, err := computeDigest(volumeKey)
	if err != nil {
		return nil, nil, err
	}
	return ks, digest, nil
}

// unlockKeyslot recovers the volume key from keyslot ks using secret,
// returning an error if secret does not derive the key the digest
// describes.
func unlockKeyslot(r RWDevice, ks *Keyslot, secret []byte, digest *Digest) ([]byte, error) {
	derived, err := deriveKey(secret, ks.KDF, keySizeBytes)
	if err != nil {
		return nil, err
	}
	defer clearBytes(derived)

	off, err := strconv.ParseInt(ks.Area.Offset, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("crypt: invalid keyslot offset: %w", err)
	}
	size, err := strconv.Atoi(ks.Area.Size)
	if err != nil {
		return nil, fmt.Errorf("crypt: invalid keyslot size: %w", err)
	}

	encrypted := make([]byte, size)
	if _, err := r.ReadAt(encrypted, off); err != nil {
		return nil, fmt.Errorf("crypt: read keyslot area: %w", err)
	}

	split, err := xtsCrypt(encrypted, derived, false)
	if err != nil {
		return nil, err
	}
	defer clearBytes(split)

	volumeKey, err := afMerge(split, ks.AF.Stripes, keySizeBytes, ks.AF.Hash)
	if err != nil {
		return nil, err
	}

	if digest != nil {
		if !verifyDigest(volumeKey, digest) {
			clearBytes(volumeKey)
			return nil, fmt.Errorf("crypt: candidate key does not match digest")
		}
	}
	return volumeKey, nil
}

func xtsCrypt(data, key []byte, encrypt bool) ([]byte, error) {
	cipher, err := xts.NewCipher(aes.NewCipher, key)
	if err != nil {
		return nil, fmt.Errorf("crypt: XTS cipher: %w", err)
	}

	const sectorSize = 512
	out := make([]byte, len(data))
	numSectors := (len(data) + sectorSize - 1) / sectorSize
	for i := 0; i < numSectors; i++ {
		start := i * sectorSize
		end := start + sectorSize
		if end > len(data) {
			end = len(data)
		}
		sector := make([]byte, sectorSize)
		copy(sector, data[start:end])
		outSector := make([]byte, sectorSize)
		if encrypt {
			cipher.Encrypt(outSector, sector, uint64(i)) // #nosec G115 -- loop bounded by data length
		} else {
			cipher.Decrypt(outSector, sector, uint64(i)) // #nosec G115 -- loop bounded by data length
		}
		copy(out[start:end], outSector[:end-start])
		clearBytes(sector)
		clearBytes(outSector)
	}
	return out, nil
}

func computeDigest(volumeKey []byte) (*Digest, error) {
	salt, err := randomBytes(32)
	if err != nil {
		return nil, err
	}
	iterations := 600000
	kdf := &KDF{Type: KDFPBKDF2, Salt: encodeBase64(salt), Iterations: &iterations}
	sum, err := deriveKey(volumeKey, kdf, 32)
	if err != nil {
		return nil, err
	}
	defer clearBytes(sum)
	return &Digest{
		Type:       KDFPBKDF2,
		Hash:       "sha256",
		Iterations: iterations,
		Salt:       kdf.Salt,
		Digest:     encodeBase64(sum),
	}, nil
}

func verifyDigest(volumeKey []byte, digest *Digest) bool {
	kdf := &KDF{Type: digest.Type, Salt: digest.Salt, Iterations: &digest.Iterations}
	sum, err := deriveKey(volumeKey, kdf, 32)
	if err != nil {
		return false
	}
	defer clearBytes(sum)
	want, err := decodeBase64(digest.Digest)
	if err != nil {
		return false
	}
	if len(sum) != len(want) {
		return false
	}
	var diff byte
	for i := range sum {
		diff |= sum[i] ^ want[i]
	}
	return diff == 0
}
