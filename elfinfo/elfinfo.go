// Copyright The fdoprof Authors
// SPDX-License-Identifier: Apache-2.0

// Package elfinfo answers the decoder's questions about the profiled
// binary: which function symbol interval contains an address, what
// debug line record an address maps to, and the binary's build-id.
package elfinfo // import "github.com/fdo-tools/fdoprof/elfinfo"

import (
	"github.com/fdo-tools/fdoprof/libfdo"
)

// LineRecord is the debug line information attached to one address.
type LineRecord struct {
	File string
	Line int
}

// Facade is the query surface the decoder needs from an ELF binary.
type Facade interface {
	// FunctionContaining returns the function symbol interval enclosing
	// addr, if any.
	FunctionContaining(addr libfdo.Address) (*libfdo.FuncInterval, bool)

	// ResolveAll maps every resolvable address in addrs to its debug
	// line record. Addresses without line information are absent from
	// the result. The second return counts addresses whose resolution
	// had to tie-break between several line records (first stored wins).
	ResolveAll(addrs []libfdo.Address) (map[libfdo.Address]LineRecord, uint64)

	// BuildID returns the binary's build-id, or "" if it has none.
	BuildID() string
}

// Static is a Facade backed by in-memory tables. It serves tests and
// callers that obtained symbol data elsewhere.
type Static struct {
	Intervals *libfdo.IntervalMap
	Lines     map[libfdo.Address]LineRecord
	// Ambiguous marks addresses whose line record was a tie-break pick.
	Ambiguous map[libfdo.Address]bool
	ID        string
}

var _ Facade = &Static{}

func (s *Static) FunctionContaining(addr libfdo.Address) (*libfdo.FuncInterval, bool) {
	if s.Intervals == nil {
		return nil, false
	}
	return s.Intervals.Containing(addr)
}

func (s *Static) ResolveAll(addrs []libfdo.Address) (map[libfdo.Address]LineRecord, uint64) {
	out := make(map[libfdo.Address]LineRecord, len(addrs))
	var ambiguous uint64
	for _, addr := range addrs {
		if s.Ambiguous[addr] {
			ambiguous++
		}
		if rec, ok := s.Lines[addr]; ok {
			out[addr] = rec
		}
	}
	return out, ambiguous
}

func (s *Static) BuildID() string {
	return s.ID
}
