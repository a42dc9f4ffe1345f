// Copyright The fdoprof Authors
// SPDX-License-Identifier: Apache-2.0

package decode

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fdo-tools/fdoprof/aggregate"
	"github.com/fdo-tools/fdoprof/elfinfo"
	"github.com/fdo-tools/fdoprof/libfdo"
	"github.com/fdo-tools/fdoprof/perfscript"
)

// testFacade resolves two functions:
//
//	camlFoo__f: [0x400480, 0x400500)
//	camlBar__g: [0x400600, 0x400700)
func testFacade(t *testing.T) *elfinfo.Static {
	t.Helper()
	m := libfdo.NewIntervalMap(2)
	require.NoError(t, m.Add(libfdo.FuncInterval{Name: "camlFoo__f", Start: 0x400480, End: 0x400500}))
	require.NoError(t, m.Add(libfdo.FuncInterval{Name: "camlBar__g", Start: 0x400600, End: 0x400700}))
	require.NoError(t, m.Finalize())
	return &elfinfo.Static{
		Intervals: m,
		Lines: map[libfdo.Address]elfinfo.LineRecord{
			0x400484: {File: "foo.cmir", Line: 3},
			0x400610: {File: "bar.cmir", Line: 8},
			// Wrong extension: never a linear-IR id.
			0x400620: {File: "bar.ml", Line: 12},
			// Unit not matching the function name prefix.
			0x400630: {File: "other.cmir", Line: 2},
		},
		ID: "b1d5",
	}
}

func aggregateLines(t *testing.T, lines ...string) *aggregate.Profile {
	t.Helper()
	a := aggregate.NewAggregator("", libfdo.Saturate)
	r := perfscript.NewReader(strings.NewReader(strings.Join(lines, "\n")), perfscript.PidFilter{})
	require.NoError(t, a.ReadAll(r))
	return a.Profile()
}

func TestDecodeResolvesLocations(t *testing.T) {
	agg := aggregateLines(t, "7 0x400484")
	p, stats, err := Decode(agg, testFacade(t), Config{})
	require.NoError(t, err)
	assert.Zero(t, stats.UnresolvedAddrs)

	require.Len(t, p.Addr2Loc, 1)
	loc := p.Addr2Loc[0x400484]
	require.NotNil(t, loc.Rel)
	assert.Equal(t, uint64(4), loc.Rel.Offset)

	f, ok := p.FunctionByName("camlFoo__f")
	require.True(t, ok)
	assert.Equal(t, loc.Rel.FuncID, f.ID)
	assert.Equal(t, uint64(1), f.Count)
	assert.True(t, f.HasLinearIDs)
	require.NotNil(t, loc.Dbg)
	assert.Equal(t, "foo.cmir", loc.Dbg.File)
	assert.Equal(t, 3, loc.Dbg.Line)
	assert.Equal(t, "b1d5", p.BuildID)
}

func TestDecodeStubLocation(t *testing.T) {
	agg := aggregateLines(t, "7 0x900000")
	p, stats, err := Decode(agg, testFacade(t), Config{})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), stats.UnresolvedAddrs)
	require.Len(t, p.Addr2Loc, 1)
	loc := p.Addr2Loc[0x900000]
	assert.Nil(t, loc.Rel)
	assert.Nil(t, loc.Dbg)
	// No function is created for an unresolved address.
	assert.Empty(t, p.Functions)
}

func TestDecodeNonLinearDebugLines(t *testing.T) {
	agg := aggregateLines(t, "7 0x400620", "7 0x400630")
	p, _, err := Decode(agg, testFacade(t), Config{})
	require.NoError(t, err)

	assert.Nil(t, p.Addr2Loc[0x400620].Dbg)
	assert.Nil(t, p.Addr2Loc[0x400630].Dbg)
	f, ok := p.FunctionByName("camlBar__g")
	require.True(t, ok)
	assert.False(t, f.HasLinearIDs)
	assert.Equal(t, uint64(2), f.Count)
}

func TestDecodeInterproceduralBranchChargesBoth(t *testing.T) {
	// Branch from camlFoo__f into camlBar__g, sampled in camlBar__g.
	agg := aggregateLines(t, "7 0x400610 0x4804f0/0x400600/M/X/A/1")
	delete(agg.Branches, aggregate.BranchKey{From: 0x4804f0, To: 0x400600})
	delete(agg.Mispredicts, aggregate.BranchKey{From: 0x4804f0, To: 0x400600})
	key := aggregate.BranchKey{From: 0x4004f0, To: 0x400600}
	agg.Branches[key] = 3
	agg.Mispredicts[key] = 1

	p, _, err := Decode(agg, testFacade(t), Config{})
	require.NoError(t, err)

	f, ok := p.FunctionByName("camlFoo__f")
	require.True(t, ok)
	g, ok := p.FunctionByName("camlBar__g")
	require.True(t, ok)

	// Both sides of the interprocedural edge carry its weight.
	assert.Equal(t, uint64(3), f.Count)
	assert.Equal(t, uint64(4), g.Count) // 3 from the edge, 1 from the sample
	assert.Equal(t, uint64(3), f.Agg.Branches[key])
	assert.Equal(t, uint64(3), g.Agg.Branches[key])
	assert.Equal(t, uint64(1), f.Agg.Mispredicts[key])
	assert.Equal(t, uint64(1), g.Agg.Mispredicts[key])
}

func TestDecodeAddrSetCardinality(t *testing.T) {
	agg := aggregateLines(t,
		"7 0x400484 0x4004f0/0x400600/P/X/A/1",
		"7 0x400610 0x400650/0x400604/P/X/A/2 0x4004f0/0x400600/P/X/A/1",
	)
	p, _, err := Decode(agg, testFacade(t), Config{})
	require.NoError(t, err)

	want := map[libfdo.Address]struct{}{}
	for addr := range agg.Instructions {
		want[addr] = struct{}{}
	}
	for _, table := range []map[aggregate.BranchKey]uint64{
		agg.Branches, agg.Traces, agg.MalformedTraces,
	} {
		for key := range table {
			want[key.From] = struct{}{}
			want[key.To] = struct{}{}
		}
	}
	assert.Len(t, p.Addr2Loc, len(want))

	// Every charged address lies inside its function's bounds.
	for addr, loc := range p.Addr2Loc {
		if loc.Rel == nil {
			continue
		}
		f := p.Functions[loc.Rel.FuncID]
		assert.GreaterOrEqual(t, addr, f.Start)
		assert.Less(t, addr, f.Finish)
		assert.Equal(t, uint64(addr-f.Start), loc.Rel.Offset)
	}
}

func TestDecodeTracesDoNotAddToCount(t *testing.T) {
	// Trace inside camlBar__g: branch lands at 0x400610, next branch
	// leaves from 0x400650.
	agg := aggregateLines(t, "7 0x400660 0x400650/0x400620/P/X/A/1 0x4004f0/0x400610/P/X/A/2")

	p, _, err := Decode(agg, testFacade(t), Config{})
	require.NoError(t, err)

	g, ok := p.FunctionByName("camlBar__g")
	require.True(t, ok)
	traceKey := aggregate.BranchKey{From: 0x400610, To: 0x400650}
	assert.Equal(t, uint64(1), g.Agg.Traces[traceKey])

	// count = 1 sample + 2 branches charged to g (one interprocedural,
	// one intra); the trace adds nothing.
	assert.Equal(t, uint64(3), g.Count)
}

func TestDecodeMalformedTraceChargedToFunction(t *testing.T) {
	// Chronological: branch to 0x400650, then branch from 0x400610:
	// backwards fall-through inside camlBar__g.
	agg := aggregateLines(t, "7 0x400660 0x400610/0x400620/P/X/A/1 0x4004f0/0x400650/P/X/A/2")

	p, _, err := Decode(agg, testFacade(t), Config{})
	require.NoError(t, err)

	g, ok := p.FunctionByName("camlBar__g")
	require.True(t, ok)
	assert.Equal(t, uint64(1), g.MalformedTraces)
	assert.Empty(t, g.Agg.Traces)
}

func TestDecodeCountsAmbiguousDebugLines(t *testing.T) {
	facade := testFacade(t)
	facade.Ambiguous = map[libfdo.Address]bool{0x400484: true}

	agg := aggregateLines(t, "7 0x400484")
	p, stats, err := Decode(agg, facade, Config{})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), stats.AmbiguousDebugLines)
	// The tie-break still yields a usable linear-IR line.
	require.NotNil(t, p.Addr2Loc[0x400484].Dbg)
}

func TestDecodeCountSumInvariant(t *testing.T) {
	agg := aggregateLines(t,
		"7 0x400484 0x4004f0/0x400600/P/X/A/1",
		"7 0x400610 0x400650/0x400604/M/X/A/2 0x4004f0/0x400600/P/X/A/1",
		"7 0x900000 0x4004f0/0x900000/P/X/A/1",
	)
	p, _, err := Decode(agg, testFacade(t), Config{})
	require.NoError(t, err)

	var funcTotal, branchTotal, instrTotal uint64
	for _, f := range p.Functions {
		funcTotal += f.Count
	}
	for _, n := range agg.Branches {
		branchTotal += n
	}
	for _, n := range agg.Instructions {
		instrTotal += n
	}
	// Interprocedural branches are double-charged by design, so the
	// function totals are bounded by twice the branch weight plus the
	// instruction weight.
	assert.LessOrEqual(t, funcTotal, 2*branchTotal+instrTotal)
}

func TestDecodeBoundaryDrift(t *testing.T) {
	m := libfdo.NewIntervalMap(2)
	// Two local symbols with the same name and different bounds.
	require.NoError(t, m.Add(libfdo.FuncInterval{Name: "local_helper", Start: 0x1000, End: 0x1100}))
	require.NoError(t, m.Add(libfdo.FuncInterval{Name: "local_helper", Start: 0x2000, End: 0x2100}))
	require.NoError(t, m.Finalize())
	facade := &elfinfo.Static{Intervals: m}

	agg := aggregateLines(t, "7 0x1004", "7 0x2004")

	_, _, err := Decode(agg, facade, Config{})
	var drift *BoundaryDriftError
	require.ErrorAs(t, err, &drift)
	assert.Equal(t, "local_helper", drift.Name)

	// With IgnoreLocalDup the conflicting address degrades to a stub.
	p, stats, err := Decode(agg, facade, Config{IgnoreLocalDup: true})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.CoalescedDups)
	assert.Len(t, p.Functions, 1)
}

func TestDecodeBuildIDMismatch(t *testing.T) {
	agg := aggregateLines(t, "7 0x400484")
	agg.BuildID = "feed"
	_, _, err := Decode(agg, testFacade(t), Config{})
	assert.ErrorIs(t, err, ErrBuildIDMismatch)
}

func TestMatchesLinearIR(t *testing.T) {
	assert.True(t, matchesLinearIR("camlFoo__f", "dir/camlFoo.cmir", ".cmir"))
	assert.True(t, matchesLinearIR("camlFoo__f", "camlfoo.cmir", ".cmir"))
	assert.False(t, matchesLinearIR("camlFoo__f", "camlFoo.ml", ".cmir"))
	assert.False(t, matchesLinearIR("camlBar__g", "camlFoo.cmir", ".cmir"))
	assert.False(t, matchesLinearIR("f", ".cmir", ".cmir"))
}
