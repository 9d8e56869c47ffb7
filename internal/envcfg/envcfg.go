// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

// Package envcfg reads the fixed set of environment variables the engine
// recognizes for test-mode configuration. There is no command-line flag
// surface at this layer; flags belong to the external CLI collaborator.
package envcfg

import (
	"os"
	"strconv"
)

const (
	// EnvTestMode is read by TestMode. No package in this module calls
	// TestMode, so setting it changes no engine behavior.
	EnvTestMode = "STRATIS_BACKSTORE_TEST_MODE"

	// EnvMinDevSizeMiB overrides the minimum device size enforced by
	// BlockDevMgr.initialize/add, in MiB. Test-only.
	EnvMinDevSizeMiB = "STRATIS_BACKSTORE_MIN_DEV_SIZE_MIB"

	// EnvCryptMetaOffsetSectors is read by CryptMetaOffsetSectors, in
	// sectors. No package in this module calls CryptMetaOffsetSectors;
	// backstore.DefaultCryptDataOffsetSectors is a compiled-in constant
	// that this variable does not change.
	EnvCryptMetaOffsetSectors = "STRATIS_BACKSTORE_CRYPT_META_OFFSET_SECTORS"
)

// TestMode reports whether the engine is running under the test-mode
// environment variable.
func TestMode() bool {
	return boolEnv(EnvTestMode)
}

// MinDevSizeMiB returns the configured minimum device size override, or
// ok=false if unset or unparsable.
func MinDevSizeMiB() (mib uint64, ok bool) {
	return uintEnv(EnvMinDevSizeMiB)
}

// CryptMetaOffsetSectors returns the configured crypt metadata offset
// override, or ok=false if unset or unparsable.
func CryptMetaOffsetSectors() (sectors uint64, ok bool) {
	return uintEnv(EnvCryptMetaOffsetSectors)
}

func boolEnv(name string) bool {
	v, ok := os.LookupEnv(name)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

func uintEnv(name string) (uint64, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
