// Copyright The fdoprof Authors
// SPDX-License-Identifier: Apache-2.0

// Package aggregate accumulates raw LBR samples into dense counters keyed
// by instruction address, branch edge and inferred fall-through trace.
package aggregate // import "github.com/fdo-tools/fdoprof/aggregate"

import (
	"errors"
	"fmt"

	"github.com/fdo-tools/fdoprof/libfdo"
)

// ErrBuildIDMismatch is returned when merging profiles recorded from
// different binaries.
var ErrBuildIDMismatch = errors.New("build-id mismatch")

// BranchKey identifies one (from, to) address pair.
type BranchKey struct {
	From libfdo.Address
	To   libfdo.Address
}

func (k BranchKey) String() string {
	return fmt.Sprintf("%v->%v", k.From, k.To)
}

// Profile is the aggregated raw profile: pure counter tables, no
// symbolic information yet.
type Profile struct {
	// Instructions counts samples per sampled instruction pointer.
	Instructions map[libfdo.Address]uint64
	// Branches counts taken branches per (from, to) edge.
	Branches map[BranchKey]uint64
	// Mispredicts counts mispredicted executions of edges; its key set
	// is a subset of Branches.
	Mispredicts map[BranchKey]uint64
	// Traces counts inferred straight-line fall-throughs between
	// consecutive LBR entries, keyed by (previous target, next source).
	Traces map[BranchKey]uint64
	// MalformedTraces holds backwards fall-throughs (prev.to >= cur.from).
	// They never enter Traces; decoding charges them to the enclosing
	// function's malformed-trace counter.
	MalformedTraces map[BranchKey]uint64
	// BuildID identifies the profiled binary, when known.
	BuildID string
	// Policy selects counter overflow behavior.
	Policy libfdo.OverflowPolicy
}

// NewProfile returns an empty aggregated profile.
func NewProfile(policy libfdo.OverflowPolicy) *Profile {
	return &Profile{
		Instructions:    make(map[libfdo.Address]uint64),
		Branches:        make(map[BranchKey]uint64),
		Mispredicts:     make(map[BranchKey]uint64),
		Traces:          make(map[BranchKey]uint64),
		MalformedTraces: make(map[BranchKey]uint64),
		Policy:          policy,
	}
}

// TotalSamples returns the sum of all instruction counts.
func (p *Profile) TotalSamples() uint64 {
	var total uint64
	for _, n := range p.Instructions {
		total += n
	}
	return total
}

func addTo[K comparable](m map[K]uint64, k K, n uint64, policy libfdo.OverflowPolicy) error {
	sum, err := libfdo.AddCounts(m[k], n, policy)
	if err != nil {
		return err
	}
	m[k] = sum
	return nil
}

// Merge adds other's counters into p. Unless ignoreBuildID is set, both
// profiles must identify the same binary; a build-id present on only one
// side is adopted.
func (p *Profile) Merge(other *Profile, ignoreBuildID bool) error {
	if !ignoreBuildID && p.BuildID != "" && other.BuildID != "" && p.BuildID != other.BuildID {
		return fmt.Errorf("%w: %q vs %q", ErrBuildIDMismatch, p.BuildID, other.BuildID)
	}
	if p.BuildID == "" {
		p.BuildID = other.BuildID
	}
	for addr, n := range other.Instructions {
		if err := addTo(p.Instructions, addr, n, p.Policy); err != nil {
			return err
		}
	}
	for _, tables := range []struct {
		dst, src map[BranchKey]uint64
	}{
		{p.Branches, other.Branches},
		{p.Mispredicts, other.Mispredicts},
		{p.Traces, other.Traces},
		{p.MalformedTraces, other.MalformedTraces},
	} {
		for key, n := range tables.src {
			if err := addTo(tables.dst, key, n, p.Policy); err != nil {
				return err
			}
		}
	}
	return nil
}
