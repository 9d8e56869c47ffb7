// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package crypt

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"hash"
)

// afSplit performs LUKS1-style anti-forensic information splitting: it
// diffuses a key across `stripes` pseudo-random blocks such that recovering
// it requires every stripe, so that a partially-overwritten keyslot area
// cannot leak a working key.
func afSplit(data []byte, stripes int, hashAlgo string) ([]byte, error) {
	if stripes <= 0 {
		return nil, fmt.Errorf("crypt: AF stripes must be positive")
	}

	blockSize := len(data)
	result := make([]byte, blockSize*stripes)

	randomSize := blockSize * (stripes - 1)
	if _, err := rand.Read(result[:randomSize]); err != nil {
		return nil, fmt.Errorf("crypt: AF split random fill: %w", err)
	}

	hashFunc, err := afHashFunc(hashAlgo)
	if err != nil {
		return nil, err
	}

	buffer := make([]byte, blockSize)
	defer clearBytes(buffer)
	for i := 0; i < stripes-1; i++ {
		block := result[i*blockSize : (i+1)*blockSize]
		xorBytes(block, buffer, buffer)
		diffuse(buffer, hashFunc, blockSize)
	}
	xorBytes(data, buffer, result[randomSize:])

	return result, nil
}

// afMerge recovers the original key from its AF-split stripes.
func afMerge(splitData []byte, stripes int, blockSize int, hashAlgo string) ([]byte, error) {
	if len(splitData) != blockSize*stripes {
		return nil, fmt.Errorf("crypt: AF merge: wrong split data size")
	}

	hashFunc, err := afHashFunc(hashAlgo)
	if err != nil {
		return nil, err
	}

	buffer := make([]byte, blockSize)
	defer clearBytes(buffer)
	for i := 0; i < stripes-1; i++ {
		block := splitData[i*blockSize : (i+1)*blockSize]
		xorBytes(block, buffer, buffer)
		diffuse(buffer, hashFunc, blockSize)
	}

	result := make([]byte, blockSize)
	xorBytes(splitData[(stripes-1)*blockSize:], buffer, result)
	return result, nil
}

func diffuse(data []byte, hashFunc func() hash.Hash, blockSize int) {
	h := hashFunc()
	digestSize := h.Size()
	numBlocks := blockSize / digestSize

	result := make([]byte, 0, blockSize)
	for i := 0; i < numBlocks; i++ {
		block := data[i*digestSize : (i+1)*digestSize]
		result = append(result, hashBlock(block, h, i)...)
	}
	if remainder := blockSize % digestSize; remainder != 0 {
		lastBlock := data[blockSize-remainder:]
		hashed := hashBlock(lastBlock, h, numBlocks)
		result = append(result, hashed[:remainder]...)
	}

	copy(data, result)
	clearBytes(result)
}

func hashBlock(block []byte, h hash.Hash, iv int) []byte {
	h.Reset()
	ivBytes := make([]byte, 4)
	defer clearBytes(ivBytes)
	binary.BigEndian.PutUint32(ivBytes, uint32(iv)) // #nosec G115 -- iv bounded by stripe count
	h.Write(ivBytes)
	h.Write(block)
	return h.Sum(nil)
}

func xorBytes(a, b, dest []byte) {
	for i := range dest {
		dest[i] = a[i] ^ b[i]
	}
}

func afHashFunc(name string) (func() hash.Hash, error) {
	switch name {
	case "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("crypt: unsupported AF hash algorithm %q", name)
	}
}
