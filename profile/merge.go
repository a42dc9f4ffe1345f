// Copyright The fdoprof Authors
// SPDX-License-Identifier: Apache-2.0

package profile // import "github.com/fdo-tools/fdoprof/profile"

import (
	"errors"
	"fmt"

	"github.com/fdo-tools/fdoprof/aggregate"
	"github.com/fdo-tools/fdoprof/libfdo"
)

// ErrBuildIDMismatch is returned when merging decoded profiles recorded
// from different binaries.
var ErrBuildIDMismatch = errors.New("build-id mismatch")

// ErrLocationConflict is returned when merged profiles disagree on the
// function placement of an address.
var ErrLocationConflict = errors.New("conflicting address locations")

func cloneAgg(src *aggregate.Profile, policy libfdo.OverflowPolicy) *aggregate.Profile {
	dst := aggregate.NewProfile(policy)
	dst.BuildID = src.BuildID
	for addr, n := range src.Instructions {
		dst.Instructions[addr] = n
	}
	for _, pair := range []struct {
		dst, src map[aggregate.BranchKey]uint64
	}{
		{dst.Branches, src.Branches},
		{dst.Mispredicts, src.Mispredicts},
		{dst.Traces, src.Traces},
		{dst.MalformedTraces, src.MalformedTraces},
	} {
		for key, n := range pair.src {
			pair.dst[key] = n
		}
	}
	return dst
}

// Merge folds other into p. Function identity is the linker symbol
// name; other's dense ids are remapped into p's id space. Counters sum
// pointwise under p's overflow policy. Unless ignoreBuildID is set,
// both profiles must identify the same binary.
func (p *Profile) Merge(other *Profile, ignoreBuildID bool) error {
	if !ignoreBuildID && p.BuildID != "" && other.BuildID != "" && p.BuildID != other.BuildID {
		return fmt.Errorf("%w: %q vs %q", ErrBuildIDMismatch, p.BuildID, other.BuildID)
	}
	if p.BuildID == "" {
		p.BuildID = other.BuildID
	}

	nextID := 0
	for id := range p.Functions {
		if id >= nextID {
			nextID = id + 1
		}
	}

	// Maps other's ids to p's ids.
	remap := make(map[int]int, len(other.Functions))
	for _, of := range other.SortedFunctions() {
		if existing, ok := p.FunctionByName(of.Name); ok {
			if existing.Start != of.Start || existing.Finish != of.Finish {
				return fmt.Errorf("function %q bounds differ between profiles: "+
					"[%v, %v) vs [%v, %v)", of.Name,
					existing.Start, existing.Finish, of.Start, of.Finish)
			}
			remap[of.ID] = existing.ID
			var err error
			if existing.Count, err = libfdo.AddCounts(existing.Count, of.Count, p.Policy); err != nil {
				return err
			}
			if existing.MalformedTraces, err = libfdo.AddCounts(
				existing.MalformedTraces, of.MalformedTraces, p.Policy); err != nil {
				return err
			}
			existing.HasLinearIDs = existing.HasLinearIDs || of.HasLinearIDs
			if err := existing.Agg.Merge(of.Agg, true); err != nil {
				return err
			}
			continue
		}

		id := nextID
		nextID++
		remap[of.ID] = id
		clone := &FuncRecord{
			ID:              id,
			Name:            of.Name,
			Start:           of.Start,
			Finish:          of.Finish,
			HasLinearIDs:    of.HasLinearIDs,
			Count:           of.Count,
			MalformedTraces: of.MalformedTraces,
			Agg:             cloneAgg(of.Agg, p.Policy),
		}
		p.Functions[id] = clone
		p.Name2ID[of.Name] = id
	}

	for addr, oloc := range other.Addr2Loc {
		existing, ok := p.Addr2Loc[addr]
		if !ok {
			clone := &Location{Addr: oloc.Addr}
			if oloc.Rel != nil {
				clone.Rel = &Rel{
					FuncID: remap[oloc.Rel.FuncID],
					Offset: oloc.Rel.Offset,
					Label:  oloc.Rel.Label,
				}
			}
			if oloc.Dbg != nil {
				dbg := *oloc.Dbg
				clone.Dbg = &dbg
			}
			p.Addr2Loc[addr] = clone
			continue
		}
		// Entries present on both sides must agree on rel.
		if existing.Rel != nil && oloc.Rel != nil {
			if existing.Rel.FuncID != remap[oloc.Rel.FuncID] ||
				existing.Rel.Offset != oloc.Rel.Offset {
				return fmt.Errorf("%w: %v", ErrLocationConflict, addr)
			}
		} else if (existing.Rel == nil) != (oloc.Rel == nil) {
			return fmt.Errorf("%w: %v resolved on one side only", ErrLocationConflict, addr)
		}
		if existing.Dbg == nil && oloc.Dbg != nil {
			dbg := *oloc.Dbg
			existing.Dbg = &dbg
		}
	}

	if p.CRCs != nil && other.CRCs != nil {
		return p.CRCs.Merge(other.CRCs)
	}
	return nil
}
