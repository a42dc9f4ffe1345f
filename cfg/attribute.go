// Copyright The fdoprof Authors
// SPDX-License-Identifier: Apache-2.0

package cfg // import "github.com/fdo-tools/fdoprof/cfg"

import (
	log "github.com/sirupsen/logrus"

	"github.com/fdo-tools/fdoprof/libfdo"
	"github.com/fdo-tools/fdoprof/profile"
)

// SuccessorInfo is one outgoing edge of a block with its observed
// weight.
type SuccessorInfo struct {
	Target      Label
	Taken       uint64
	Mispredicts uint64
}

// CallSite aggregates the interprocedural branches leaving a block.
type CallSite struct {
	Callee string
	Count  uint64
}

// BlockInfo is the attribution result for one basic block.
type BlockInfo struct {
	Term TerminatorKind
	// Entry is the execution weight charged to the block.
	Entry uint64
	// Successors lists the block's CFG edges in successor order.
	Successors []SuccessorInfo
	// Calls lists interprocedural targets reached from this block.
	Calls []CallSite
}

func (bi *BlockInfo) successor(target Label) *SuccessorInfo {
	for i := range bi.Successors {
		if bi.Successors[i].Target == target {
			return &bi.Successors[i]
		}
	}
	return nil
}

func (bi *BlockInfo) callSite(callee string) *CallSite {
	for i := range bi.Calls {
		if bi.Calls[i].Callee == callee {
			return &bi.Calls[i]
		}
	}
	bi.Calls = append(bi.Calls, CallSite{Callee: callee})
	return &bi.Calls[len(bi.Calls)-1]
}

// Stats carries the attributor's diagnostics counters.
type Stats struct {
	// DroppedEdges counts intra-function branches discarded because the
	// CFG has no edge between their endpoint blocks.
	DroppedEdges uint64
}

// Attribute computes block-level and edge-level execution counts for the
// named function from its per-function counters. It returns ok=false
// without error when the profile has nothing to attribute: the function
// is absent, has no samples, or carries no linear-IR ids.
//
// Attribution also fills in the CFG labels of the function's locations
// and accumulates unattributable fall-through traces into the function's
// malformed-trace counter.
func Attribute(p *profile.Profile, cl *CfgWithLayout) (map[Label]*BlockInfo, *Stats, bool, error) {
	f, ok := p.FunctionByName(cl.Name)
	if !ok || f.Count == 0 || !f.HasLinearIDs {
		return nil, nil, false, nil
	}
	stats := &Stats{}

	infos := make(map[Label]*BlockInfo, len(cl.layout))
	for _, label := range cl.layout {
		block := cl.blocks[label]
		info := &BlockInfo{
			Term:       block.Term,
			Successors: make([]SuccessorInfo, len(block.Succs)),
		}
		for i, succ := range block.Succs {
			info.Successors[i].Target = succ
		}
		infos[label] = info
	}

	// blockOf resolves an address to its basic block through the
	// location's linear-IR debug line.
	blockOf := func(addr libfdo.Address) (*Block, *profile.Location, bool) {
		loc, ok := p.Addr2Loc[addr]
		if !ok || loc.Dbg == nil {
			return nil, loc, false
		}
		block, ok := cl.BlockForLine(loc.Dbg.Line)
		if !ok {
			return nil, loc, false
		}
		return block, loc, true
	}

	for addr, n := range f.Agg.Instructions {
		block, loc, ok := blockOf(addr)
		if !ok {
			continue
		}
		if loc.Rel != nil {
			loc.Rel.Label = int(block.Label)
		}
		info := infos[block.Label]
		var err error
		if info.Entry, err = libfdo.AddCounts(info.Entry, n, p.Policy); err != nil {
			return nil, nil, false, err
		}
		// A sample on the terminator of a single-successor block also
		// witnesses the edge.
		if term, ok := block.TerminatorLine(); ok &&
			loc.Dbg.Line == term && len(block.Succs) == 1 {
			succ := info.successor(block.Succs[0])
			if succ.Taken, err = libfdo.AddCounts(succ.Taken, n, p.Policy); err != nil {
				return nil, nil, false, err
			}
		}
	}

	for key, n := range f.Agg.Traces {
		fromBlock, _, fromOK := blockOf(key.From)
		toBlock, _, toOK := blockOf(key.To)
		if !fromOK || !toOK {
			f.MalformedTraces += n
			continue
		}
		if fromBlock.Label == toBlock.Label {
			// Straight-line execution within one block.
			continue
		}
		if fromBlock.Fallthrough != toBlock.Label {
			f.MalformedTraces += n
			continue
		}
		succ := infos[fromBlock.Label].successor(toBlock.Label)
		var err error
		if succ.Taken, err = libfdo.AddCounts(succ.Taken, n, p.Policy); err != nil {
			return nil, nil, false, err
		}
	}

	for key, n := range f.Agg.Branches {
		mispredicts := f.Agg.Mispredicts[key]
		fromFunc := locFunc(p, key.From)
		toFunc := locFunc(p, key.To)

		if fromFunc == f && toFunc == f {
			fromBlock, _, fromOK := blockOf(key.From)
			toBlock, _, toOK := blockOf(key.To)
			if !fromOK || !toOK {
				continue
			}
			succ := infos[fromBlock.Label].successor(toBlock.Label)
			if succ == nil {
				stats.DroppedEdges++
				log.Debugf("%s: no CFG edge %d->%d for branch %v",
					cl.Name, fromBlock.Label, toBlock.Label, key)
				continue
			}
			var err error
			if succ.Taken, err = libfdo.AddCounts(succ.Taken, n, p.Policy); err != nil {
				return nil, nil, false, err
			}
			if succ.Mispredicts, err = libfdo.AddCounts(
				succ.Mispredicts, mispredicts, p.Policy); err != nil {
				return nil, nil, false, err
			}
			continue
		}

		if fromFunc == f && toFunc != nil {
			// Outgoing interprocedural branch: a call edge.
			fromBlock, _, ok := blockOf(key.From)
			if !ok {
				continue
			}
			site := infos[fromBlock.Label].callSite(toFunc.Name)
			var err error
			if site.Count, err = libfdo.AddCounts(site.Count, n, p.Policy); err != nil {
				return nil, nil, false, err
			}
		}
		// Incoming interprocedural branches carry no block-local
		// information beyond the entry counts already charged.
	}

	if stats.DroppedEdges > 0 {
		log.Debugf("%s: dropped %d branches with no matching CFG edge",
			cl.Name, stats.DroppedEdges)
	}
	return infos, stats, true, nil
}

func locFunc(p *profile.Profile, addr libfdo.Address) *profile.FuncRecord {
	loc, ok := p.Addr2Loc[addr]
	if !ok || loc.Rel == nil {
		return nil
	}
	return p.Functions[loc.Rel.FuncID]
}
