// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package crypt

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// keyringDescription returns the kernel keyring key description a pool's
// volume key is staged under: "stratis-backstore-<pool_uuid>".
func keyringDescription(poolUUID string) string {
	return "stratis-backstore-" + poolUUID
}

// keyringStore adds key to the kernel's session keyring under description,
// replacing any existing key with that description (the kernel keyring
// semantics already overwrite on matching type+description).
func keyringStore(description string, key []byte) error {
	id, err := unix.AddKey("user", description, key, unix.KEY_SPEC_SESSION_KEYRING)
	if err != nil {
		return fmt.Errorf("crypt: keyctl add_key %q: %w", description, err)
	}
	_ = id
	return nil
}

// keyringLoad retrieves the key staged under description, returning
// engineerr.NotFound-shaped behavior via a plain error when absent (the
// caller is expected to treat a lookup failure as "binding unavailable",
// not corruption).
func keyringLoad(description string) ([]byte, error) {
	id, err := unix.KeyctlSearch(unix.KEY_SPEC_SESSION_KEYRING, "user", description)
	if err != nil {
		return nil, fmt.Errorf("crypt: keyring key %q not found: %w", description, err)
	}

	// Two-phase KeyctlBuffer: first call with a nil/zero buffer to size it,
	// matching the idiomatic keyctl(2) KEYCTL_READ usage pattern.
	size, err := unix.KeyctlBuffer(unix.KEYCTL_READ, id, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("crypt: keyctl read size: %w", err)
	}
	buf := make([]byte, size)
	n, err := unix.KeyctlBuffer(unix.KEYCTL_READ, id, buf, 0)
	if err != nil {
		return nil, fmt.Errorf("crypt: keyctl read: %w", err)
	}
	return buf[:n], nil
}

// StageKeyringSecret adds a passphrase to the kernel session keyring under
// description, for an operator (or the debug CLI) to do ahead of a
// keyring-only setup() — spec.md §4.5 requires the key description to
// already be resident in the process keyring before setup is attempted.
func StageKeyringSecret(description string, secret []byte) error {
	return keyringStore(description, secret)
}

// keyringRemove revokes the key staged under description; a
// missing key is not an error since unbind is idempotent at this layer.
func keyringRemove(description string) error {
	id, err := unix.KeyctlSearch(unix.KEY_SPEC_SESSION_KEYRING, "user", description)
	if err != nil {
		return nil
	}
	if _, err := unix.KeyctlInt(unix.KEYCTL_REVOKE, id, 0, 0, 0); err != nil {
		return fmt.Errorf("crypt: keyctl revoke %q: %w", description, err)
	}
	return nil
}
