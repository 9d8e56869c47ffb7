// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package backstore

import (
	"context"
	"os"

	"github.com/stratis-storage/backstore/internal/engineerr"
	"github.com/stratis-storage/backstore/pkg/crypt"
)

// withCryptDevice opens the armed CryptHandle's physical path for the
// duration of one bind/unbind/rebind call; the file descriptor is never
// held across a suspension point (spec.md §5 resource policy).
func (b *Backstore) withCryptDevice(fn func(f *os.File) error) error {
	if b.Crypt == nil {
		return engineerr.New(engineerr.Invalid, "backstore has no armed encryption layer")
	}
	f, err := os.OpenFile(b.Crypt.PhysicalPath, os.O_RDWR, 0) // #nosec G304 -- engine-tracked physical path
	if err != nil {
		return engineerr.Wrap(engineerr.Io, "open cap physical device", err)
	}
	defer func() { _ = f.Close() }()
	return fn(f)
}

// withCryptDeviceBool is withCryptDevice for the unbind operations, which
// additionally report whether anything actually changed.
func (b *Backstore) withCryptDeviceBool(fn func(f *os.File) (bool, error)) (bool, error) {
	if b.Crypt == nil {
		return false, engineerr.New(engineerr.Invalid, "backstore has no armed encryption layer")
	}
	f, err := os.OpenFile(b.Crypt.PhysicalPath, os.O_RDWR, 0) // #nosec G304 -- engine-tracked physical path
	if err != nil {
		return false, engineerr.Wrap(engineerr.Io, "open cap physical device", err)
	}
	defer func() { _ = f.Close() }()
	return fn(f)
}

// BindKeyring adds a keyring-backed keyslot, per spec.md §4.5.
func (b *Backstore) BindKeyring(keyDescription string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.withCryptDevice(func(f *os.File) error {
		return b.Crypt.BindKeyring(f, keyDescription)
	})
}

// UnbindKeyring removes the keyring keyslot, reporting false if it was
// already unbound.
func (b *Backstore) UnbindKeyring() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.withCryptDeviceBool(func(f *os.File) (bool, error) {
		return b.Crypt.UnbindKeyring(f)
	})
}

// RebindKeyring swaps the keyring keyslot's passphrase in place.
func (b *Backstore) RebindKeyring(newKeyDescription string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.withCryptDevice(func(f *os.File) error {
		return b.Crypt.RebindKeyring(f, newKeyDescription)
	})
}

// BindClevis adds a Clevis-backed keyslot.
func (b *Backstore) BindClevis(pin string, config []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.withCryptDevice(func(f *os.File) error {
		return b.Crypt.BindClevis(f, pin, config)
	})
}

// UnbindClevis removes the Clevis keyslot, reporting false if it was
// already unbound.
func (b *Backstore) UnbindClevis() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.withCryptDeviceBool(func(f *os.File) (bool, error) {
		return b.Crypt.UnbindClevis(f)
	})
}

// RebindClevis re-derives the Clevis passphrase against the current tang
// advertisement. ctx bounds any network round trip Clevis performs.
func (b *Backstore) RebindClevis(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_ = ctx
	return b.withCryptDevice(func(f *os.File) error {
		return b.Crypt.RebindClevis(f)
	})
}

// EncryptionInfo returns the armed handle's current bound mechanisms, or
// nil if the backstore has no encryption layer.
func (b *Backstore) EncryptionInfo() *crypt.EncryptionInfoView {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Crypt == nil {
		return nil
	}
	info := b.Crypt.Info()
	return &crypt.EncryptionInfoView{
		HasKeyring: info.HasKeyring(),
		HasClevis:  info.HasClevis(),
	}
}
