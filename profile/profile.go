// Copyright The fdoprof Authors
// SPDX-License-Identifier: Apache-2.0

// Package profile holds the decoded profile: sample counts attributed to
// source-level functions, address-to-location tables, and the content
// digests guarding against source drift. It also provides the textual
// and binary persisted forms, merge, and trim.
package profile // import "github.com/fdo-tools/fdoprof/profile"

import (
	"sort"

	"github.com/fdo-tools/fdoprof/aggregate"
	"github.com/fdo-tools/fdoprof/digest"
	"github.com/fdo-tools/fdoprof/libfdo"
)

// NoLabel marks a location whose CFG label is not known.
const NoLabel = -1

// Rel places an address inside a resolved function.
type Rel struct {
	// FuncID is the dense id of the enclosing function.
	FuncID int
	// Offset is the address' distance from the function start.
	Offset uint64
	// Label is the CFG block label, once attribution has run; NoLabel
	// otherwise.
	Label int
}

// DebugLoc is the linear-IR debug line record of an address. It is only
// set when the debug file name carries the compiler's linear-IR
// extension and matches the function's owning unit.
type DebugLoc struct {
	File string
	Line int
}

// Location describes one sampled address.
type Location struct {
	Addr libfdo.Address
	Rel  *Rel
	Dbg  *DebugLoc
}

// FuncRecord is the per-function slice of the decoded profile.
type FuncRecord struct {
	ID   int
	Name string
	// [Start, Finish) are the symbol bounds in the profiled binary.
	Start  libfdo.Address
	Finish libfdo.Address
	// HasLinearIDs is set when at least one address in the function
	// resolved to a linear-IR debug line.
	HasLinearIDs bool
	// Count is the total weight charged to this function.
	Count uint64
	// MalformedTraces counts fall-through traces that could not be
	// attributed to this function's CFG.
	MalformedTraces uint64
	// Agg mirrors the aggregated counter tables restricted to this
	// function's address range.
	Agg *aggregate.Profile
}

// Profile is the decoded, serializable profile.
type Profile struct {
	Addr2Loc  map[libfdo.Address]*Location
	Name2ID   map[string]int
	Functions map[int]*FuncRecord
	CRCs      *digest.Registry
	BuildID   string
	Policy    libfdo.OverflowPolicy
}

// New returns an empty decoded profile whose digest registry uses cfg.
func New(policy libfdo.OverflowPolicy, cfg digest.Config) *Profile {
	return &Profile{
		Addr2Loc:  make(map[libfdo.Address]*Location),
		Name2ID:   make(map[string]int),
		Functions: make(map[int]*FuncRecord),
		CRCs:      digest.NewRegistry(cfg),
		Policy:    policy,
	}
}

// FunctionByName looks a function record up by linker symbol name.
func (p *Profile) FunctionByName(name string) (*FuncRecord, bool) {
	id, ok := p.Name2ID[name]
	if !ok {
		return nil, false
	}
	f, ok := p.Functions[id]
	return f, ok
}

// SortedFunctions returns the function records ordered by id.
func (p *Profile) SortedFunctions() []*FuncRecord {
	out := make([]*FuncRecord, 0, len(p.Functions))
	for _, f := range p.Functions {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TotalCount returns the sum of all function counts.
func (p *Profile) TotalCount() uint64 {
	var total uint64
	for _, f := range p.Functions {
		total += f.Count
	}
	return total
}
