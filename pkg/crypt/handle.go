// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package crypt

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/stratis-storage/backstore/internal/dm"
	"github.com/stratis-storage/backstore/internal/engineerr"
)

// State is a CryptHandle's binding lifecycle position (spec.md §4.5):
// Unarmed (header exists, no DM mapping), ArmedActive (mapping live), or
// ArmedInactive (mapping torn down but the key material remains valid).
type State int

const (
	StateUnarmed State = iota
	StateArmedActive
	StateArmedInactive
)

// Fixed keyslot indices: the keyring and Clevis bindings never share a
// slot, so each mechanism's bind/unbind/rebind only ever touches its own
// index.
const (
	slotKeyring = 0
	slotClevis  = 1
)

// CryptHandle manages the LUKS2 layer of one pool's cap device: its
// EncryptionInfo, the physical (cap) path, and the DM name the decrypted
// device is activated under.
type CryptHandle struct {
	mu sync.Mutex

	PoolUUID      string
	PhysicalPath  string
	MapperName    string
	MetaBaseBytes int64

	state State
	info  EncryptionInfo

	volumeKey []byte // held only while ArmedActive or ArmedInactive

	Log *log.Logger
}

func (h *CryptHandle) logger() *log.Logger {
	if h.Log != nil {
		return h.Log
	}
	return log.Default()
}

// State reports the handle's current lifecycle position.
func (h *CryptHandle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Info returns a copy of the handle's current EncryptionInfo.
func (h *CryptHandle) Info() EncryptionInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.info
}

// Initialize formats a fresh LUKS2 header on dev at metaBaseBytes, binding
// the mechanism(s) named in in. On success the handle is Unarmed: no DM
// device exists yet (spec.md §4.4 step 3).
func Initialize(dev RWDevice, physicalPath string, poolUUID string, metaBaseBytes int64, in InputEncryptionInfo) (*CryptHandle, error) {
	if in.KeyDescription == nil && in.ClevisPin == nil {
		return nil, engineerr.New(engineerr.Invalid, "at least one unlock mechanism is required")
	}

	volumeKey, err := randomBytes(keySizeBytes)
	if err != nil {
		return nil, err
	}
	defer clearBytes(volumeKey)

	hdr, err := newBinaryHeader()
	if err != nil {
		return nil, err
	}
	meta := &Metadata{
		Keyslots: map[string]*Keyslot{},
		Tokens:   map[string]*Token{},
		Segments: map[string]*Segment{"0": {
			Type:       "crypt",
			Offset:     fmt.Sprintf("%d", KeyslotAreaBase+2*slotAreaSize),
			Size:       "dynamic",
			IVTweak:    "0",
			Encryption: DefaultCipher + "-" + DefaultCipherMode,
			SectorSize: DefaultSectorSize,
		}},
		Digests: map[string]*Digest{},
		Config:  &Config{},
	}

	h := &CryptHandle{
		PoolUUID:      poolUUID,
		PhysicalPath:  physicalPath,
		MapperName:    "stratis-" + poolUUID,
		MetaBaseBytes: metaBaseBytes,
		state:         StateUnarmed,
	}

	if in.KeyDescription != nil {
		if err := h.bindKeyringSlot(dev, meta, *in.KeyDescription, volumeKey); err != nil {
			return nil, err
		}
		h.info.KeyDescription = in.KeyDescription
	}
	if in.ClevisPin != nil {
		if err := h.bindClevisSlot(dev, meta, *in.ClevisPin, in.ClevisConfig, volumeKey); err != nil {
			return nil, err
		}
		h.info.ClevisPin = in.ClevisPin
		h.info.ClevisConfig = in.ClevisConfig
	}

	if err := WriteHeader(dev, metaBaseBytes, hdr, meta); err != nil {
		return nil, engineerr.Wrap(engineerr.Io, "write LUKS2 header", err)
	}

	return h, nil
}

// bindKeyringSlot loads the secret staged under keyDescription and binds
// volumeKey into the keyring keyslot.
func (h *CryptHandle) bindKeyringSlot(dev RWDevice, meta *Metadata, keyDescription string, volumeKey []byte) error {
	secret, err := keyringLoad(keyDescription)
	if err != nil {
		return engineerr.Wrap(engineerr.NotFound, "keyring key "+keyDescription, err)
	}
	defer clearBytes(secret)

	ks, digest, err := bindKeyslot(dev, h.MetaBaseBytes, slotKeyring, secret, volumeKey)
	if err != nil {
		return engineerr.Wrap(engineerr.Crypt, "bind keyring keyslot", err)
	}
	meta.Keyslots["0"] = ks
	meta.Digests["0"] = digest
	meta.Tokens["0"] = &Token{Type: "stratis-keyring", Keyslots: []string{"0"}, KeyringDescription: keyDescription}
	return nil
}

func (h *CryptHandle) bindClevisSlot(dev RWDevice, meta *Metadata, pin string, config []byte, volumeKey []byte) error {
	passphrase, err := randomBytes(32)
	if err != nil {
		return err
	}
	defer clearBytes(passphrase)

	jwe, err := clevisEncrypt(context.Background(), pin, config, passphrase)
	if err != nil {
		return engineerr.Wrap(engineerr.Crypt, "clevis encrypt", err)
	}

	ks, digest, err := bindKeyslot(dev, h.MetaBaseBytes, slotClevis, passphrase, volumeKey)
	if err != nil {
		return engineerr.Wrap(engineerr.Crypt, "bind clevis keyslot", err)
	}
	meta.Keyslots["1"] = ks
	meta.Digests["1"] = digest
	meta.Tokens["1"] = &Token{Type: "stratis-clevis", Keyslots: []string{"1"}, ClevisPin: pin, ClevisConfig: config, ClevisJWE: jwe}
	return nil
}

// Setup unlocks the volume key through whichever mechanism is bound
// (keyring preferred; Clevis otherwise) and activates the crypt DM
// mapping, moving the handle to ArmedActive.
func (h *CryptHandle) Setup(ctx context.Context, dev RWDevice, backendOffsetSectors uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, meta, err := ReadHeader(dev, h.MetaBaseBytes)
	if err != nil {
		return engineerr.Wrap(engineerr.Crypt, "read LUKS2 header", err)
	}

	// The segment is dynamic: the mapping spans dev from
	// backendOffsetSectors to its current end.
	var lengthSectors uint64
	if s, ok := dev.(io.Seeker); ok {
		end, serr := s.Seek(0, io.SeekEnd)
		if serr != nil {
			return engineerr.Wrap(engineerr.Io, "size LUKS2 backing device", serr)
		}
		if total := uint64(end) / 512; total > backendOffsetSectors { // #nosec G115 -- Seek end offset is non-negative
			lengthSectors = total - backendOffsetSectors
		}
	}

	volumeKey, err := h.unlock(ctx, dev, meta)
	if err != nil {
		return err
	}

	seg := meta.Segments["0"]
	mapping := dm.CryptMapping{
		Name:          h.MapperName,
		UUID:          "CRYPT-LUKS2-" + h.PoolUUID,
		BackendDevice: h.PhysicalPath,
		BackendOffset: backendOffsetSectors,
		Length:        lengthSectors,
		Encryption:    seg.Encryption,
		Key:           hex.EncodeToString(volumeKey),
		SectorSize:    uint64(seg.SectorSize), // #nosec G115 -- sector size is validated (512 or 4096)
	}
	if err := mapping.Create(); err != nil {
		clearBytes(volumeKey)
		return err
	}

	h.volumeKey = volumeKey
	h.state = StateArmedActive
	h.logger().Printf("crypt: armed %s for pool %s", h.MapperName, h.PoolUUID)
	return nil
}

func (h *CryptHandle) unlock(ctx context.Context, dev RWDevice, meta *Metadata) ([]byte, error) {
	if ks, ok := meta.Keyslots["0"]; ok {
		if tok, ok := meta.Tokens["0"]; ok && tok.Type == "stratis-keyring" {
			secret, err := keyringLoad(tok.KeyringDescription)
			if err == nil {
				defer clearBytes(secret)
				if key, err := unlockKeyslot(dev, ks, secret, meta.Digests["0"]); err == nil {
					return key, nil
				}
			}
		}
	}
	if ks, ok := meta.Keyslots["1"]; ok {
		if tok, ok := meta.Tokens["1"]; ok && tok.Type == "stratis-clevis" {
			passphrase, err := clevisDecrypt(ctx, tok.ClevisJWE)
			if err == nil {
				defer clearBytes(passphrase)
				if key, err := unlockKeyslot(dev, ks, passphrase, meta.Digests["1"]); err == nil {
					return key, nil
				}
			}
		}
	}
	return nil, engineerr.New(engineerr.Crypt, "no bound mechanism could unlock the volume key")
}

// Teardown removes the active DM mapping without discarding bound keyslots,
// moving the handle to ArmedInactive.
func (h *CryptHandle) Teardown() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateArmedActive {
		return nil
	}
	if err := dm.Remove(h.MapperName); err != nil {
		return err
	}
	clearBytes(h.volumeKey)
	h.volumeKey = nil
	h.state = StateArmedInactive
	return nil
}

// BindKeyring adds a keyring-backed keyslot using the secret staged under
// keyDescription. On failure after a partial write, it attempts to erase
// the partial keyslot; if that compensating wipe also fails the caller
// receives an engineerr.RollbackError so an operator can intervene
// manually (spec.md §4.5/Scenario 4).
func (h *CryptHandle) BindKeyring(dev RWDevice, keyDescription string) (err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.volumeKey == nil {
		return engineerr.New(engineerr.Invalid, "bind_keyring requires an armed handle")
	}

	_, meta, rerr := ReadHeader(dev, h.MetaBaseBytes)
	if rerr != nil {
		return engineerr.Wrap(engineerr.Crypt, "read header before bind_keyring", rerr)
	}

	defer func() {
		if err != nil {
			if rbErr := wipeSlotArea(dev, h.MetaBaseBytes, slotKeyring); rbErr != nil {
				err = &engineerr.RollbackError{Causal: err, Rollback: rbErr}
			}
		}
	}()

	if err = h.bindKeyringSlot(dev, meta, keyDescription, h.volumeKey); err != nil {
		return err
	}
	hdr, _, _ := ReadHeader(dev, h.MetaBaseBytes)
	if err = WriteHeader(dev, h.MetaBaseBytes, hdr, meta); err != nil {
		return engineerr.Wrap(engineerr.Io, "persist bind_keyring", err)
	}
	h.info.KeyDescription = &keyDescription
	return nil
}

// UnbindKeyring removes the keyring keyslot, returning false without
// touching the header if it is already unbound, and refusing if no other
// mechanism remains bound (a pool must always stay unlockable by at least
// one mechanism).
func (h *CryptHandle) UnbindKeyring(dev RWDevice) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.info.HasKeyring() {
		return false, nil
	}
	if !h.info.HasClevis() {
		return false, engineerr.New(engineerr.Invalid, "cannot unbind the only remaining unlock mechanism")
	}

	_, meta, err := ReadHeader(dev, h.MetaBaseBytes)
	if err != nil {
		return false, engineerr.Wrap(engineerr.Crypt, "read header before unbind_keyring", err)
	}
	delete(meta.Keyslots, "0")
	delete(meta.Digests, "0")
	delete(meta.Tokens, "0")
	if err := wipeSlotArea(dev, h.MetaBaseBytes, slotKeyring); err != nil {
		return false, engineerr.Wrap(engineerr.Io, "wipe keyring keyslot area", err)
	}
	hdr, _, _ := ReadHeader(dev, h.MetaBaseBytes)
	if err := WriteHeader(dev, h.MetaBaseBytes, hdr, meta); err != nil {
		return false, engineerr.Wrap(engineerr.Io, "persist unbind_keyring", err)
	}
	h.info.KeyDescription = nil
	return true, nil
}

// RebindKeyring re-derives the keyring keyslot against a (possibly
// rotated) key staged under a new description, replacing the existing
// slot in place; it is not idempotent across the metadata timestamp, only
// across the derived key.
func (h *CryptHandle) RebindKeyring(dev RWDevice, newKeyDescription string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.volumeKey == nil {
		return engineerr.New(engineerr.Invalid, "rebind_keyring requires an armed handle")
	}
	_, meta, err := ReadHeader(dev, h.MetaBaseBytes)
	if err != nil {
		return engineerr.Wrap(engineerr.Crypt, "read header before rebind_keyring", err)
	}
	if err := h.bindKeyringSlot(dev, meta, newKeyDescription, h.volumeKey); err != nil {
		return err
	}
	hdr, _, _ := ReadHeader(dev, h.MetaBaseBytes)
	if err := WriteHeader(dev, h.MetaBaseBytes, hdr, meta); err != nil {
		return engineerr.Wrap(engineerr.Io, "persist rebind_keyring", err)
	}
	h.info.KeyDescription = &newKeyDescription
	return nil
}

// BindClevis adds a Clevis-backed keyslot for the given pin/config.
func (h *CryptHandle) BindClevis(dev RWDevice, pin string, config []byte) (err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.volumeKey == nil {
		return engineerr.New(engineerr.Invalid, "bind_clevis requires an armed handle")
	}
	_, meta, rerr := ReadHeader(dev, h.MetaBaseBytes)
	if rerr != nil {
		return engineerr.Wrap(engineerr.Crypt, "read header before bind_clevis", rerr)
	}

	defer func() {
		if err != nil {
			if rbErr := wipeSlotArea(dev, h.MetaBaseBytes, slotClevis); rbErr != nil {
				err = &engineerr.RollbackError{Causal: err, Rollback: rbErr}
			}
		}
	}()

	if err = h.bindClevisSlot(dev, meta, pin, config, h.volumeKey); err != nil {
		return err
	}
	hdr, _, _ := ReadHeader(dev, h.MetaBaseBytes)
	if err = WriteHeader(dev, h.MetaBaseBytes, hdr, meta); err != nil {
		return engineerr.Wrap(engineerr.Io, "persist bind_clevis", err)
	}
	h.info.ClevisPin = &pin
	h.info.ClevisConfig = config
	return nil
}

// UnbindClevis removes the Clevis keyslot, returning false without
// touching the header if it is already unbound, and refusing if no other
// mechanism remains bound.
func (h *CryptHandle) UnbindClevis(dev RWDevice) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.info.HasClevis() {
		return false, nil
	}
	if !h.info.HasKeyring() {
		return false, engineerr.New(engineerr.Invalid, "cannot unbind the only remaining unlock mechanism")
	}
	_, meta, err := ReadHeader(dev, h.MetaBaseBytes)
	if err != nil {
		return false, engineerr.Wrap(engineerr.Crypt, "read header before unbind_clevis", err)
	}
	delete(meta.Keyslots, "1")
	delete(meta.Digests, "1")
	delete(meta.Tokens, "1")
	if err := wipeSlotArea(dev, h.MetaBaseBytes, slotClevis); err != nil {
		return false, engineerr.Wrap(engineerr.Io, "wipe clevis keyslot area", err)
	}
	hdr, _, _ := ReadHeader(dev, h.MetaBaseBytes)
	if err := WriteHeader(dev, h.MetaBaseBytes, hdr, meta); err != nil {
		return false, engineerr.Wrap(engineerr.Io, "persist unbind_clevis", err)
	}
	h.info.ClevisPin = nil
	h.info.ClevisConfig = nil
	return true, nil
}

// RebindClevis re-derives the Clevis passphrase against the (possibly
// rotated) tang advertisement; it refuses if slot 1 holds a keyring
// binding (it never should, by construction, but the check documents the
// invariant), and is not idempotent: each call generates a fresh passphrase
// and JWE, rewrites keyslot 1 and rewrites the header.
func (h *CryptHandle) RebindClevis(dev RWDevice) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.volumeKey == nil {
		return engineerr.New(engineerr.Invalid, "rebind_clevis requires an armed handle")
	}
	if h.info.ClevisPin == nil {
		return engineerr.New(engineerr.Invalid, "no clevis binding to rebind")
	}
	_, meta, err := ReadHeader(dev, h.MetaBaseBytes)
	if err != nil {
		return engineerr.Wrap(engineerr.Crypt, "read header before rebind_clevis", err)
	}
	if tok, ok := meta.Tokens["1"]; ok && tok.Type != "stratis-clevis" {
		return engineerr.New(engineerr.Invalid, "slot 1 does not hold a clevis binding")
	}

	if err := h.bindClevisSlot(dev, meta, *h.info.ClevisPin, h.info.ClevisConfig, h.volumeKey); err != nil {
		return err
	}
	hdr, _, _ := ReadHeader(dev, h.MetaBaseBytes)
	if err := WriteHeader(dev, h.MetaBaseBytes, hdr, meta); err != nil {
		return engineerr.Wrap(engineerr.Io, "persist rebind_clevis", err)
	}
	return nil
}

// wipeSlotArea zeroes a keyslot's key-material area, used both for
// deliberate unbind and for best-effort rollback of a partial bind.
func wipeSlotArea(w RWDevice, base int64, slot int) error {
	zeros := make([]byte, slotAreaSize)
	_, err := w.WriteAt(zeros, slotOffset(base, slot))
	return err
}
