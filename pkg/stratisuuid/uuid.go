// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

// Package stratisuuid defines the PoolUuid/DevUuid identifier types and the
// StratisIdentifiers pair written into every BDA and LUKS2 token.
package stratisuuid

import (
	"github.com/google/uuid"
)

// PoolUuid uniquely identifies a pool. Generated once at pool creation.
type PoolUuid uuid.UUID

// DevUuid uniquely identifies a device within a pool. Generated once when
// the device is claimed for the pool.
type DevUuid uuid.UUID

// NewPool generates a fresh PoolUuid.
func NewPool() PoolUuid {
	return PoolUuid(uuid.New())
}

// NewDev generates a fresh DevUuid.
func NewDev() DevUuid {
	return DevUuid(uuid.New())
}

// String renders the lowercase-hex-no-dashes form stored on disk (BDA §4.1,
// 32 bytes).
func (p PoolUuid) String() string {
	return hexNoDashes(uuid.UUID(p))
}

func (d DevUuid) String() string {
	return hexNoDashes(uuid.UUID(d))
}

func hexNoDashes(u uuid.UUID) string {
	var buf [32]byte
	const hextable = "0123456789abcdef"
	raw := u[:]
	for i, b := range raw {
		buf[i*2] = hextable[b>>4]
		buf[i*2+1] = hextable[b&0x0f]
	}
	return string(buf[:])
}

// ParsePoolUuid parses the 32-byte lowercase-hex-no-dashes on-disk form.
func ParsePoolUuid(s string) (PoolUuid, error) {
	u, err := parseHexNoDashes(s)
	if err != nil {
		return PoolUuid{}, err
	}
	return PoolUuid(u), nil
}

// ParseDevUuid parses the 32-byte lowercase-hex-no-dashes on-disk form.
func ParseDevUuid(s string) (DevUuid, error) {
	u, err := parseHexNoDashes(s)
	if err != nil {
		return DevUuid{}, err
	}
	return DevUuid(u), nil
}

func parseHexNoDashes(s string) (uuid.UUID, error) {
	if len(s) != 32 {
		return uuid.UUID{}, errInvalidLength(len(s))
	}
	// Reassemble as dashed form and defer to google/uuid's parser, which
	// already validates hex digits.
	dashed := s[0:8] + "-" + s[8:12] + "-" + s[12:16] + "-" + s[16:20] + "-" + s[20:32]
	return uuid.Parse(dashed)
}

type lengthError int

func errInvalidLength(n int) error {
	return lengthError(n)
}

func (e lengthError) Error() string {
	return "stratisuuid: invalid identifier length"
}

// StratisIdentifiers is the (PoolUuid, DevUuid) identity pair written into
// every BDA and into LUKS2 tokens.
type StratisIdentifiers struct {
	PoolUuid PoolUuid
	DevUuid  DevUuid
}
