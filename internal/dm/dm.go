// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

// Package dm wraps device-mapper table construction for the backstore's
// three DM-produced objects: the linear cap-device origin/placeholder, the
// dm-cache fast-device assembly, and the LUKS2 crypt mapping.
//
// anatol/devmapper.go's public surface (confirmed against the pack's
// anatol/luks.go reference) exposes devmapper.CryptTable plus the
// name-only devmapper.CreateAndLoad/Remove/InfoByName calls the teacher
// already uses for its crypt mapping; it has no linear or cache table type.
// Rather than invent an API that library doesn't expose, linear and cache
// tables are assembled as dmsetup(8) table lines and loaded with the
// dmsetup CLI, the same "shell out to the documented external interface"
// approach pkg/crypt/clevis.go uses for Clevis.
package dm

import (
	"bytes"
	"fmt"
	"os/exec"

	"github.com/anatol/devmapper.go"

	"github.com/stratis-storage/backstore/internal/engineerr"
)

// Sectors is a 512-byte sector count, matching devmapper.go's own units.
type Sectors = uint64

// LinearTarget is one row of a dm-linear table: `start length linear
// backend_device backend_offset`.
type LinearTarget struct {
	Start         Sectors
	Length        Sectors
	BackendDevice string
	BackendOffset Sectors
}

func (t LinearTarget) tableLine() string {
	return fmt.Sprintf("%d %d linear %s %d", t.Start, t.Length, t.BackendDevice, t.BackendOffset)
}

// CreateLinear creates a new DM device called name with a (possibly
// multi-row) linear table; ReloadLinear replaces the table of an existing
// device.
func CreateLinear(name string, targets []LinearTarget) error {
	var buf bytes.Buffer
	for _, t := range targets {
		fmt.Fprintln(&buf, t.tableLine())
	}
	return dmsetupCreate(name, buf.Bytes())
}

// CacheTarget describes the dm-cache target row assembled for a pool's
// cache tier (spec.md §4.3): a metadata device, a fast cache device, and
// the slow origin device it accelerates.
type CacheTarget struct {
	Start          Sectors
	Length         Sectors
	MetadataDevice string
	CacheDevice    string
	OriginDevice   string
	// BlockSizeSectors is the cache block size; dm-cache requires it to
	// evenly divide Length.
	BlockSizeSectors Sectors
	// Policy is the dm-cache replacement policy name, e.g. "smq".
	Policy string
}

func (t CacheTarget) tableLine() string {
	return fmt.Sprintf("%d %d cache %s %s %s %d 0 %s 0",
		t.Start, t.Length, t.MetadataDevice, t.CacheDevice, t.OriginDevice,
		t.BlockSizeSectors, t.Policy)
}

// CreateCache loads a dm-cache table under name.
func CreateCache(name string, t CacheTarget) error {
	var buf bytes.Buffer
	fmt.Fprintln(&buf, t.tableLine())
	return dmsetupCreate(name, buf.Bytes())
}

func dmsetupCreate(name string, table []byte) error {
	cmd := exec.Command("dmsetup", "create", name) // #nosec G204 -- name is engine-generated, not attacker input
	cmd.Stdin = bytes.NewReader(table)
	if out, err := cmd.CombinedOutput(); err != nil {
		return engineerr.Wrap(engineerr.DM, "dmsetup create "+name+": "+string(out), err)
	}
	return nil
}

// ReloadLinear implements the engine's scoped table-reload discipline
// (spec.md §5 "Scoped acquisition"): load the new table into the inactive
// slot, then resume; if load fails the previously active table is left
// untouched and the device stays usable.
func ReloadLinear(name string, targets []LinearTarget) error {
	var buf bytes.Buffer
	for _, t := range targets {
		fmt.Fprintln(&buf, t.tableLine())
	}
	return reloadAndResume(name, buf.Bytes())
}

// ReloadCache reloads a dm-cache table in place.
func ReloadCache(name string, t CacheTarget) error {
	var buf bytes.Buffer
	fmt.Fprintln(&buf, t.tableLine())
	return reloadAndResume(name, buf.Bytes())
}

func reloadAndResume(name string, table []byte) error {
	load := exec.Command("dmsetup", "load", name) // #nosec G204 -- name is engine-generated
	load.Stdin = bytes.NewReader(table)
	if out, err := load.CombinedOutput(); err != nil {
		return engineerr.Wrap(engineerr.DM, "dmsetup load "+name+": "+string(out), err)
	}
	resume := exec.Command("dmsetup", "resume", name) // #nosec G204 -- name is engine-generated
	if out, err := resume.CombinedOutput(); err != nil {
		return engineerr.Wrap(engineerr.DM, "dmsetup resume "+name+": "+string(out), err)
	}
	return nil
}

// CryptMapping is the LUKS2 crypt target built on top of a data device,
// reusing the teacher's devmapper.CryptTable/CreateAndLoad call site
// (pkg/luks2/unlock.go) directly since it is already the grounded,
// library-native path.
type CryptMapping struct {
	Name          string
	UUID          string
	BackendDevice string
	BackendOffset uint64 // sectors
	Length        uint64 // sectors
	Encryption    string
	Key           string // hex-encoded
	IVTweak       uint64
	SectorSize    uint64
}

// Create loads the crypt mapping, producing /dev/mapper/<Name> once the
// kernel has processed it.
func (c CryptMapping) Create() error {
	table := devmapper.CryptTable{
		Start:         0,
		Length:        c.Length,
		BackendDevice: c.BackendDevice,
		BackendOffset: c.BackendOffset,
		Encryption:    c.Encryption,
		Key:           c.Key,
		IVTweak:       c.IVTweak,
		SectorSize:    c.SectorSize,
	}
	if err := devmapper.CreateAndLoad(c.Name, c.UUID, 0, table); err != nil {
		return engineerr.Wrap(engineerr.DM, "create crypt mapping "+c.Name, err)
	}
	return nil
}

// Remove tears down any DM device by name, crypt or table-line built alike
// (devmapper.Remove operates purely on the name).
func Remove(name string) error {
	if err := devmapper.Remove(name); err != nil {
		return engineerr.Wrap(engineerr.DM, "remove DM device "+name, err)
	}
	return nil
}

// Exists reports whether a DM device by that name is currently loaded.
func Exists(name string) bool {
	_, err := devmapper.InfoByName(name)
	return err == nil
}

// MapperPath returns the conventional /dev/mapper path for a DM device
// name.
func MapperPath(name string) string {
	return "/dev/mapper/" + name
}
