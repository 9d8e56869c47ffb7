// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

//go:build !integration

package metadata

import (
	"testing"

	"github.com/stratis-storage/backstore/pkg/segment"
	"github.com/stratis-storage/backstore/pkg/stratisuuid"
)

func TestSegmentRecordRoundTrip(t *testing.T) {
	segs := []segment.BlkDevSegment{
		{DevUuid: stratisuuid.NewDev(), Segment: segment.Segment{Start: 0, Length: 100}},
		{DevUuid: stratisuuid.NewDev(), Segment: segment.Segment{Start: 100, Length: 50}},
	}
	recs := EncodeSegments(segs)
	got, err := DecodeSegments(recs)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(segs) {
		t.Fatalf("length mismatch: got %d want %d", len(got), len(segs))
	}
	for i := range segs {
		if got[i] != segs[i] {
			t.Fatalf("segment %d mismatch: got %+v want %+v", i, got[i], segs[i])
		}
	}
}

func TestPoolRecordMarshalRoundTrip(t *testing.T) {
	r := &PoolRecord{
		Name:     "mypool",
		PoolUUID: stratisuuid.NewPool().String(),
		Backstore: BackstoreRecord{
			DataTier: DataTierRecord{
				BlockDevs: []BlockDevRecord{{DevUUID: stratisuuid.NewDev().String(), Path: "/dev/sdb"}},
			},
			Cap: CapRecord{
				CryptMetaAllocs: []AllocRecord{{Offset: 0, Length: 32768}},
			},
		},
	}

	buf, err := Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Unmarshal(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != r.Name || got.PoolUUID != r.PoolUUID {
		t.Fatalf("mismatch: got %+v", got)
	}
	if len(got.Backstore.Cap.CryptMetaAllocs) != 1 || got.Backstore.Cap.CryptMetaAllocs[0].Length != 32768 {
		t.Fatalf("cap record mismatch: got %+v", got.Backstore.Cap)
	}
}
