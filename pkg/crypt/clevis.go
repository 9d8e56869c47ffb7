// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package crypt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

// clevisEncrypt wraps secret in a JWE using the named pin (e.g. "tang",
// "tpm2") and its config, by invoking the clevis(1) binary. Clevis itself
// is an external collaborator (spec.md §1): this package never
// reimplements Tang/TPM2 key wrapping, only shells out to the documented
// CLI the way the rest of the system already treats Clevis.
func clevisEncrypt(ctx context.Context, pin string, config json.RawMessage, secret []byte) (string, error) {
	cfg := config
	if len(cfg) == 0 {
		cfg = json.RawMessage("{}")
	}
	cmd := exec.CommandContext(ctx, "clevis", "encrypt", pin, string(cfg)) // #nosec G204 -- pin/config are engine-chosen, not attacker input
	cmd.Stdin = bytes.NewReader(secret)

	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("crypt: clevis encrypt (%s): %w: %s", pin, err, stderr.String())
	}
	return out.String(), nil
}

// clevisDecrypt recovers the secret previously wrapped by clevisEncrypt.
// Network-backed pins (tang) may block on a pledge server round trip;
// callers pass a context with an appropriate deadline.
func clevisDecrypt(ctx context.Context, jwe string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "clevis", "decrypt") // #nosec G204 -- fixed argument list
	cmd.Stdin = bytes.NewReader([]byte(jwe))

	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("crypt: clevis decrypt: %w: %s", err, stderr.String())
	}
	return out.Bytes(), nil
}
