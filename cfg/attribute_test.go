// Copyright The fdoprof Authors
// SPDX-License-Identifier: Apache-2.0

package cfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fdo-tools/fdoprof/aggregate"
	"github.com/fdo-tools/fdoprof/digest"
	"github.com/fdo-tools/fdoprof/libfdo"
	"github.com/fdo-tools/fdoprof/profile"
)

// testCfg builds the layout L0 L1 L2 with
//
//	L0 (lines 1,2): branch -> L1 (fall-through), L2
//	L1 (lines 3,4): jump -> L2
//	L2 (line 5):    return
func testCfg(t *testing.T) *CfgWithLayout {
	t.Helper()
	cl, err := NewCfgWithLayout("camlFoo__f", []*Block{
		{Label: 0, Term: TermBranch, Lines: []int{1, 2}, Succs: []Label{1, 2}, Fallthrough: 1},
		{Label: 1, Term: TermJump, Lines: []int{3, 4}, Succs: []Label{2}, Fallthrough: NoLabel},
		{Label: 2, Term: TermReturn, Lines: []int{5}, Fallthrough: NoLabel},
	}, []Label{0, 1, 2})
	require.NoError(t, err)
	return cl
}

// testProfile lays camlFoo__f out at [0x1000, 0x1100) with one address
// per linear id, plus a callee camlBar__g at [0x2000, 0x2100).
func testProfile(t *testing.T) *profile.Profile {
	t.Helper()
	cfg, err := digest.NewConfig(digest.Config{Func: true, Unit: true})
	require.NoError(t, err)
	p := profile.New(libfdo.Saturate, cfg)

	f := &profile.FuncRecord{
		ID: 0, Name: "camlFoo__f", Start: 0x1000, Finish: 0x1100,
		HasLinearIDs: true, Agg: aggregate.NewProfile(libfdo.Saturate),
	}
	g := &profile.FuncRecord{
		ID: 1, Name: "camlBar__g", Start: 0x2000, Finish: 0x2100,
		HasLinearIDs: false, Agg: aggregate.NewProfile(libfdo.Saturate),
	}
	p.Functions[0] = f
	p.Functions[1] = g
	p.Name2ID[f.Name] = 0
	p.Name2ID[g.Name] = 1

	addLoc := func(addr libfdo.Address, fn *profile.FuncRecord, line int) {
		loc := &profile.Location{
			Addr: addr,
			Rel:  &profile.Rel{FuncID: fn.ID, Offset: uint64(addr - fn.Start), Label: profile.NoLabel},
		}
		if line > 0 {
			loc.Dbg = &profile.DebugLoc{File: "foo.cmir", Line: line}
		}
		p.Addr2Loc[addr] = loc
	}
	for line := 1; line <= 5; line++ {
		addLoc(libfdo.Address(0x1000+8*(line-1)), f, line)
	}
	addLoc(0x2000, g, 0)
	return p
}

func funcRecord(t *testing.T, p *profile.Profile, name string) *profile.FuncRecord {
	t.Helper()
	f, ok := p.FunctionByName(name)
	require.True(t, ok)
	return f
}

func TestAttributeEntryCounts(t *testing.T) {
	p := testProfile(t)
	f := funcRecord(t, p, "camlFoo__f")
	f.Count = 12
	f.Agg.Instructions[0x1000] = 7 // line 1, block L0
	f.Agg.Instructions[0x1010] = 5 // line 3, block L1

	infos, _, ok, err := Attribute(p, testCfg(t))
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, uint64(7), infos[0].Entry)
	assert.Equal(t, uint64(5), infos[1].Entry)
	assert.Zero(t, infos[2].Entry)

	// Attribution back-fills the CFG labels of the locations it used.
	assert.Equal(t, 0, p.Addr2Loc[0x1000].Rel.Label)
	assert.Equal(t, 1, p.Addr2Loc[0x1010].Rel.Label)
}

func TestAttributeTerminatorSampleCreditsSingleEdge(t *testing.T) {
	p := testProfile(t)
	f := funcRecord(t, p, "camlFoo__f")
	f.Count = 3
	f.Agg.Instructions[0x1018] = 3 // line 4: terminator of L1, single successor

	infos, _, ok, err := Attribute(p, testCfg(t))
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, uint64(3), infos[1].Entry)
	require.Len(t, infos[1].Successors, 1)
	assert.Equal(t, Label(2), infos[1].Successors[0].Target)
	assert.Equal(t, uint64(3), infos[1].Successors[0].Taken)
}

func TestAttributeIntraBranch(t *testing.T) {
	p := testProfile(t)
	f := funcRecord(t, p, "camlFoo__f")
	f.Count = 9
	key := aggregate.BranchKey{From: 0x1008, To: 0x1020} // L0 terminator -> L2
	f.Agg.Branches[key] = 9
	f.Agg.Mispredicts[key] = 2

	infos, _, ok, err := Attribute(p, testCfg(t))
	require.NoError(t, err)
	require.True(t, ok)

	succ := infos[0].Successors
	require.Len(t, succ, 2)
	assert.Equal(t, Label(1), succ[0].Target)
	assert.Zero(t, succ[0].Taken)
	assert.Equal(t, Label(2), succ[1].Target)
	assert.Equal(t, uint64(9), succ[1].Taken)
	assert.Equal(t, uint64(2), succ[1].Mispredicts)
}

func TestAttributeBranchWithoutEdgeIsDropped(t *testing.T) {
	p := testProfile(t)
	f := funcRecord(t, p, "camlFoo__f")
	f.Count = 4
	// L2 has no successors; a branch out of it matches no edge.
	f.Agg.Branches[aggregate.BranchKey{From: 0x1020, To: 0x1000}] = 4

	infos, stats, ok, err := Attribute(p, testCfg(t))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, infos[2].Successors)
	assert.Equal(t, uint64(1), stats.DroppedEdges)
	assert.Zero(t, f.MalformedTraces)
}

func TestAttributeFallthroughTrace(t *testing.T) {
	p := testProfile(t)
	f := funcRecord(t, p, "camlFoo__f")
	f.Count = 6
	// Entered at line 1 (L0), next branch left from line 4 (L1):
	// one fall-through step L0 -> L1.
	f.Agg.Traces[aggregate.BranchKey{From: 0x1000, To: 0x1018}] = 6

	infos, _, ok, err := Attribute(p, testCfg(t))
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, uint64(6), infos[0].Successors[0].Taken)
	assert.Zero(t, f.MalformedTraces)
}

func TestAttributeTraceWithinOneBlock(t *testing.T) {
	p := testProfile(t)
	f := funcRecord(t, p, "camlFoo__f")
	f.Count = 2
	f.Agg.Traces[aggregate.BranchKey{From: 0x1000, To: 0x1008}] = 2

	infos, _, ok, err := Attribute(p, testCfg(t))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Zero(t, infos[0].Successors[0].Taken)
	assert.Zero(t, f.MalformedTraces)
}

func TestAttributeMalformedTrace(t *testing.T) {
	p := testProfile(t)
	f := funcRecord(t, p, "camlFoo__f")
	f.Count = 5
	// L1 -> L2 is a jump, not a fall-through.
	f.Agg.Traces[aggregate.BranchKey{From: 0x1010, To: 0x1020}] = 5

	infos, _, ok, err := Attribute(p, testCfg(t))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Zero(t, infos[1].Successors[0].Taken)
	assert.Equal(t, uint64(5), f.MalformedTraces)
}

func TestAttributeCallEdge(t *testing.T) {
	p := testProfile(t)
	f := funcRecord(t, p, "camlFoo__f")
	f.Count = 8
	f.Agg.Branches[aggregate.BranchKey{From: 0x1018, To: 0x2000}] = 8

	infos, _, ok, err := Attribute(p, testCfg(t))
	require.NoError(t, err)
	require.True(t, ok)

	require.Len(t, infos[1].Calls, 1)
	assert.Equal(t, "camlBar__g", infos[1].Calls[0].Callee)
	assert.Equal(t, uint64(8), infos[1].Calls[0].Count)
}

func TestAttributePreconditions(t *testing.T) {
	cl := testCfg(t)

	// Unknown function.
	p := testProfile(t)
	unknown, err := NewCfgWithLayout("missing", []*Block{
		{Label: 0, Term: TermReturn, Lines: []int{1}, Fallthrough: NoLabel},
	}, []Label{0})
	require.NoError(t, err)
	infos, _, ok, err := Attribute(p, unknown)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, infos)

	// Zero count.
	_, _, ok, err = Attribute(p, cl)
	require.NoError(t, err)
	assert.False(t, ok)

	// No linear ids.
	f := funcRecord(t, p, "camlFoo__f")
	f.Count = 1
	f.HasLinearIDs = false
	_, _, ok, err = Attribute(p, cl)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewCfgWithLayoutValidation(t *testing.T) {
	ret := func(label Label, lines ...int) *Block {
		return &Block{Label: label, Term: TermReturn, Lines: lines, Fallthrough: NoLabel}
	}

	_, err := NewCfgWithLayout("f", []*Block{ret(0, 1), ret(0, 2)}, []Label{0, 0})
	assert.Error(t, err, "duplicate label")

	_, err = NewCfgWithLayout("f", []*Block{ret(0, 1), ret(1, 1)}, []Label{0, 1})
	assert.Error(t, err, "duplicate linear id")

	_, err = NewCfgWithLayout("f", []*Block{
		{Label: 0, Term: TermJump, Lines: []int{1}, Succs: []Label{9}, Fallthrough: NoLabel},
	}, []Label{0})
	assert.Error(t, err, "unknown successor")

	_, err = NewCfgWithLayout("f", []*Block{
		{Label: 0, Term: TermBranch, Lines: []int{1}, Succs: []Label{0}, Fallthrough: 5},
	}, []Label{0})
	assert.Error(t, err, "fall-through not a successor")

	_, err = NewCfgWithLayout("f", []*Block{ret(0, 1)}, []Label{})
	assert.Error(t, err, "layout size mismatch")

	_, err = NewCfgWithLayout("f", []*Block{ret(0, 1), ret(1, 2)}, []Label{0, 9})
	assert.Error(t, err, "layout references unknown block")
}
