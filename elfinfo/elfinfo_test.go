// Copyright The fdoprof Authors
// SPDX-License-Identifier: Apache-2.0

package elfinfo

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fdo-tools/fdoprof/libfdo"
)

func buildNote(name string, noteType uint32, desc []byte) []byte {
	nameBytes := append([]byte(name), 0)
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(nameBytes)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(desc)))
	binary.LittleEndian.PutUint32(buf[8:12], noteType)
	buf = append(buf, nameBytes...)
	for len(buf)%4 != 0 {
		buf = append(buf, 0)
	}
	buf = append(buf, desc...)
	for len(buf)%4 != 0 {
		buf = append(buf, 0)
	}
	return buf
}

func TestParseBuildIDNote(t *testing.T) {
	id := []byte{0xde, 0xad, 0xbe, 0xef, 0x01}
	data := buildNote("GNU", ntGNUBuildID, id)

	got, err := parseBuildIDNote(data)
	require.NoError(t, err)
	assert.Equal(t, "deadbeef01", got)
}

func TestParseBuildIDNoteSkipsForeignNotes(t *testing.T) {
	data := buildNote("Linux", 0x100, []byte{1, 2, 3, 4})
	data = append(data, buildNote("GNU", ntGNUBuildID, []byte{0xab, 0xcd})...)

	got, err := parseBuildIDNote(data)
	require.NoError(t, err)
	assert.Equal(t, "abcd", got)
}

func TestParseBuildIDNoteErrors(t *testing.T) {
	_, err := parseBuildIDNote(nil)
	assert.ErrorIs(t, err, errNoBuildIDNote)

	_, err = parseBuildIDNote(buildNote("Linux", 0x100, []byte{1}))
	assert.ErrorIs(t, err, errNoBuildIDNote)

	// descsz pointing past the buffer.
	bad := buildNote("GNU", ntGNUBuildID, []byte{1, 2, 3, 4})
	binary.LittleEndian.PutUint32(bad[4:8], 4096)
	_, err = parseBuildIDNote(bad)
	assert.Error(t, err)
}

func TestLookupLine(t *testing.T) {
	lines := []lineEntry{
		{addr: 0x1000, file: "a.cmir", line: 1},
		{addr: 0x1010, file: "a.cmir", line: 2},
		{addr: 0x1020, endSeq: true},
		{addr: 0x2000, file: "b.cmir", line: 7},
		// Duplicate rows on one address; the first stored wins.
		{addr: 0x2010, file: "b.cmir", line: 8},
		{addr: 0x2010, file: "b.cmir", line: 9},
		{addr: 0x2040, endSeq: true},
	}

	tests := map[string]struct {
		addr      libfdo.Address
		want      LineRecord
		ok        bool
		ambiguous bool
	}{
		"first row":      {addr: 0x1000, want: LineRecord{File: "a.cmir", Line: 1}, ok: true},
		"mid row":        {addr: 0x100f, want: LineRecord{File: "a.cmir", Line: 1}, ok: true},
		"second row":     {addr: 0x1010, want: LineRecord{File: "a.cmir", Line: 2}, ok: true},
		"past endseq":    {addr: 0x1030, ok: false},
		"before all":     {addr: 0x800, ok: false},
		"second cu":      {addr: 0x2000, want: LineRecord{File: "b.cmir", Line: 7}, ok: true},
		"after last seq": {addr: 0x3000, ok: false},
		"duplicate rows": {addr: 0x2010, want: LineRecord{File: "b.cmir", Line: 8},
			ok: true, ambiguous: true},
		"past duplicate rows": {addr: 0x2018, want: LineRecord{File: "b.cmir", Line: 8},
			ok: true, ambiguous: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			rec, ok, ambiguous := lookupLine(lines, tc.addr)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.ambiguous, ambiguous)
			if tc.ok {
				assert.Equal(t, tc.want, rec)
			}
		})
	}
}

func TestLookupLineAmbiguousEndSeq(t *testing.T) {
	// The first stored row of an ambiguous run is a terminator: the
	// tie-break still picks it, so the address resolves to nothing.
	lines := []lineEntry{
		{addr: 0x1000, file: "a.cmir", line: 1},
		{addr: 0x1010, endSeq: true},
		{addr: 0x1010, file: "a.cmir", line: 2},
		{addr: 0x1040, endSeq: true},
	}
	_, ok, ambiguous := lookupLine(lines, 0x1010)
	assert.False(t, ok)
	assert.True(t, ambiguous)
}

func TestStaticFacade(t *testing.T) {
	m := libfdo.NewIntervalMap(1)
	require.NoError(t, m.Add(libfdo.FuncInterval{Name: "f", Start: 0x1000, End: 0x1100}))
	require.NoError(t, m.Finalize())

	s := &Static{
		Intervals: m,
		Lines: map[libfdo.Address]LineRecord{
			0x1004: {File: "u.cmir", Line: 3},
			0x1008: {File: "u.cmir", Line: 4},
		},
		Ambiguous: map[libfdo.Address]bool{0x1008: true},
		ID:        "cafe",
	}

	fi, ok := s.FunctionContaining(0x1004)
	require.True(t, ok)
	assert.Equal(t, "f", fi.Name)
	_, ok = s.FunctionContaining(0x2000)
	assert.False(t, ok)

	res, ambiguous := s.ResolveAll([]libfdo.Address{0x1004, 0x1008, 0x9999})
	assert.Len(t, res, 2)
	assert.Equal(t, uint64(1), ambiguous)
	assert.Equal(t, "cafe", s.BuildID())
}
