// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

// Package identify classifies a block device as Stratis, LUKS-over-Stratis,
// a multipath member, foreign, or unowned (spec.md §4.6).
package identify

import (
	"fmt"
	"os"

	"github.com/stratis-storage/backstore/pkg/bda"
	"github.com/stratis-storage/backstore/pkg/crypt"
	"github.com/stratis-storage/backstore/pkg/stratisuuid"
)

// Kind is the classification outcome of IdentifyBlockDevice.
type Kind int

const (
	Unowned Kind = iota
	Stratis
	Luks
	MultipathMember
	Foreign
)

func (k Kind) String() string {
	switch k {
	case Unowned:
		return "Unowned"
	case Stratis:
		return "Stratis"
	case Luks:
		return "Luks"
	case MultipathMember:
		return "MultipathMember"
	case Foreign:
		return "Foreign"
	default:
		return "Unknown"
	}
}

// StratisInfo identifies a device already belonging to a Stratis pool.
type StratisInfo struct {
	Identifiers stratisuuid.StratisIdentifiers
}

// LuksInfo identifies a device carrying a LUKS2-compatible crypt header
// whose backing pool membership is not otherwise confirmed (e.g. the
// placeholder is readable but the enclosing BDA copies are not).
type LuksInfo struct {
	HasKeyring bool
	HasClevis  bool
}

// Identity is the classification result: exactly one of Stratis/Luks is
// non-nil when Kind is the matching value.
type Identity struct {
	Kind    Kind
	Stratis *StratisInfo
	Luks    *LuksInfo
}

// Env is the udev-equivalent property set for one block device, keyed the
// same way github.com/pilebones/go-udev/crawler.Device reports them (its
// Env map, e.g. FS_TYPE/DM_MULTIPATH_DEVICE_PATH/ID_PART_TABLE_TYPE/
// ID_PART_ENTRY_DISK/ID_FS_USAGE) — this package takes the map directly
// rather than the crawler type so it has no hard dependency on a live udev
// crawl and can be driven by a recorded event.
type Env map[string]string

// IdentifyBlockDevice classifies path using env's platform hints and, when
// necessary, confirming reads of on-device metadata. Precedence:
// multipath-member, then Stratis, then LUKS-over-Stratis, otherwise
// unowned if the device looks like bare unpartitioned space, else foreign
// (spec.md §4.6).
func IdentifyBlockDevice(path string, env Env) (Identity, error) {
	if env["DM_MULTIPATH_DEVICE_PATH"] != "" {
		return Identity{Kind: MultipathMember}, nil
	}

	f, err := os.Open(path) // #nosec G304 -- path comes from device discovery, not user input
	if err != nil {
		return Identity{}, fmt.Errorf("identify: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	h, err := bda.RepairSigblocks(f, nil)
	if err != nil {
		return Identity{}, fmt.Errorf("identify: reading signature blocks on %s: %w", path, err)
	}
	if h != nil {
		return Identity{
			Kind: Stratis,
			Stratis: &StratisInfo{
				Identifiers: h.Identifiers,
			},
		}, nil
	}

	if _, meta, err := crypt.ReadHeader(f, 0); err == nil {
		info := &LuksInfo{}
		for _, tok := range meta.Tokens {
			switch tok.Type {
			case "stratis-keyring":
				info.HasKeyring = true
			case "stratis-clevis":
				info.HasClevis = true
			}
		}
		return Identity{Kind: Luks, Luks: info}, nil
	}

	noPartTable := env["ID_PART_TABLE_TYPE"] == ""
	isPartitionEntry := env["ID_PART_ENTRY_DISK"] != ""
	noFSUsage := env["ID_FS_USAGE"] == ""
	if (noPartTable || isPartitionEntry) && noFSUsage {
		return Identity{Kind: Unowned}, nil
	}
	return Identity{Kind: Foreign}, nil
}
