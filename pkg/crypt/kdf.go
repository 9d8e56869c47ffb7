// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package crypt

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

// KDF type names recognized in a keyslot's "kdf" object.
const (
	KDFArgon2id = "argon2id"
	KDFPBKDF2   = "pbkdf2"
)

// Argon2 defaults match cryptsetup's LUKS2 upper defaults (1 GiB memory,
// 4 threads, 4 iterations); newArgon2KDF uses them for any FormatOptions
// field left at zero.
const (
	DefaultArgon2Time    = 4
	DefaultArgon2MemKiB  = 1048576 // 1 GiB
	DefaultArgon2Threads = 4
)

// deriveKey derives a raw key of keySize bytes from a secret (a passphrase,
// or the fixed-length key material backing a keyring/Clevis binding) using
// the parameters recorded in kdf.
func deriveKey(secret []byte, kdf *KDF, keySize int) ([]byte, error) {
	salt, err := decodeBase64(kdf.Salt)
	if err != nil {
		return nil, fmt.Errorf("crypt: invalid KDF salt: %w", err)
	}

	switch kdf.Type {
	case KDFArgon2id:
		if kdf.Time == nil || kdf.Memory == nil || kdf.CPUs == nil {
			return nil, fmt.Errorf("crypt: argon2id KDF missing time/memory/cpus")
		}
		cpus := *kdf.CPUs
		if cpus < 1 || cpus > 255 {
			return nil, fmt.Errorf("crypt: argon2id cpus out of range")
		}
		return argon2.IDKey(secret, salt, uint32(*kdf.Time), uint32(*kdf.Memory), uint8(cpus), uint32(keySize)), nil // #nosec G115 -- bounds checked above
	case KDFPBKDF2:
		if kdf.Iterations == nil {
			return nil, fmt.Errorf("crypt: pbkdf2 KDF missing iterations")
		}
		return pbkdf2.Key(secret, salt, *kdf.Iterations, keySize, sha256.New), nil
	default:
		return nil, fmt.Errorf("crypt: unsupported KDF type %q", kdf.Type)
	}
}

// newArgon2KDF builds a fresh argon2id KDF record with a random salt, the
// form every bind_* operation uses by default.
func newArgon2KDF(opts FormatOptions) (*KDF, error) {
	salt, err := randomBytes(32)
	if err != nil {
		return nil, err
	}

	t := opts.Argon2Time
	if t == 0 {
		t = DefaultArgon2Time
	}
	mem := opts.Argon2MemoryKiB
	if mem == 0 {
		mem = DefaultArgon2MemKiB
	}
	threads := opts.Argon2Threads
	if threads == 0 {
		threads = DefaultArgon2Threads
	}

	return &KDF{
		Type:   KDFArgon2id,
		Salt:   encodeBase64(salt),
		Time:   &t,
		Memory: &mem,
		CPUs:   &threads,
	}, nil
}
