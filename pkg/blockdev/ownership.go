// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package blockdev

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/stratis-storage/backstore/internal/engineerr"
	"github.com/stratis-storage/backstore/pkg/bda"
)

// UnownedDeviceCheck rejects a device that is already claimed by something
// this engine must not overwrite: a multipath member, or an existing
// Stratis BDA. BlockDevMgr.claim calls it for allocation-time rejection;
// the identify pipeline does not call it and reads the BDA through
// bda.RepairSigblocks itself.
func UnownedDeviceCheck(path string) error {
	if isMultipathMember(path) {
		return engineerr.New(engineerr.Busy, "device "+path+" is a multipath member")
	}

	f, err := os.Open(path) // #nosec G304 -- device path supplied by the pool operator
	if err != nil {
		return engineerr.Wrap(engineerr.Io, "open "+path+" for ownership check", err)
	}
	defer func() { _ = f.Close() }()

	header, err := bda.RepairSigblocks(f, nil)
	if err != nil {
		// A device with a corrupt-but-present Stratis magic is treated as
		// owned: it is unsafe to silently reinitialize over it.
		return engineerr.Wrap(engineerr.Busy, "device "+path+" carries a damaged Stratis header", err)
	}
	if header != nil {
		return engineerr.New(engineerr.AlreadyExists, "device "+path+" already belongs to a Stratis pool")
	}
	return nil
}

// isMultipathMember reports whether the device at path appears under a
// dm-multipath holder in sysfs. Best-effort: a device whose sysfs entry
// cannot be resolved (e.g. a loopback file used in tests) is treated as not
// a multipath member rather than erroring the whole check.
func isMultipathMember(path string) bool {
	base := filepath.Base(path)
	holders, err := os.ReadDir("/sys/class/block/" + base + "/holders")
	if err != nil {
		return false
	}
	for _, h := range holders {
		if strings.HasPrefix(h.Name(), "dm-") {
			return true
		}
	}
	return false
}
