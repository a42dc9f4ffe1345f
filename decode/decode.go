// Copyright The fdoprof Authors
// SPDX-License-Identifier: Apache-2.0

// Package decode turns an aggregated raw profile into a decoded profile:
// every sampled address is mapped through the ELF function symbols and
// debug lines to a location, functions are interned under dense ids, and
// the counter tables are partitioned per function.
package decode // import "github.com/fdo-tools/fdoprof/decode"

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"

	"github.com/fdo-tools/fdoprof/aggregate"
	"github.com/fdo-tools/fdoprof/digest"
	"github.com/fdo-tools/fdoprof/elfinfo"
	"github.com/fdo-tools/fdoprof/libfdo"
	"github.com/fdo-tools/fdoprof/profile"
)

// DefaultLinearExt is the file extension the compiler gives the linear
// IR artifacts whose labels survive into debug line records.
const DefaultLinearExt = ".cmir"

// ErrOffsetTooLarge is returned when a function-relative offset does not
// fit in a machine int.
var ErrOffsetTooLarge = errors.New("function offset too large")

// ErrBuildIDMismatch is returned when the aggregated profile and the
// ELF binary identify different builds.
var ErrBuildIDMismatch = errors.New("profile build-id does not match binary")

// BoundaryDriftError reports re-observing a symbol with different
// bounds, which means the binary drifted under the profile.
type BoundaryDriftError struct {
	Name                  string
	OldStart, OldFinish   libfdo.Address
	SeenStart, SeenFinish libfdo.Address
}

func (e *BoundaryDriftError) Error() string {
	return fmt.Sprintf("function boundary drift for %q: had [%v, %v), saw [%v, %v)",
		e.Name, e.OldStart, e.OldFinish, e.SeenStart, e.SeenFinish)
}

// Config controls decoding.
type Config struct {
	// LinearExt is the expected linear-IR debug file extension.
	// Empty selects DefaultLinearExt.
	LinearExt string
	// IgnoreLocalDup coalesces locally-duplicated non-unique function
	// names instead of failing with a boundary drift error. Conflicting
	// addresses resolve to stub locations.
	IgnoreLocalDup bool
	// DigestConfig configures the profile's digest registry.
	DigestConfig digest.Config
}

// Stats carries the decoder's diagnostics counters.
type Stats struct {
	// UnresolvedAddrs counts addresses outside every function interval.
	UnresolvedAddrs uint64
	// CoalescedDups counts addresses dropped to stubs by IgnoreLocalDup.
	CoalescedDups uint64
	// AmbiguousDebugLines counts addresses whose debug line was a
	// tie-break among several records (first stored wins).
	AmbiguousDebugLines uint64
}

// Decode builds the decoded profile for one aggregated profile against
// one binary.
func Decode(agg *aggregate.Profile, elf elfinfo.Facade, cfg Config) (*profile.Profile, *Stats, error) {
	if cfg.LinearExt == "" {
		cfg.LinearExt = DefaultLinearExt
	}
	if !cfg.DigestConfig.Func && !cfg.DigestConfig.Unit {
		cfg.DigestConfig = digest.Config{Func: true, Unit: true}
	}

	buildID := agg.BuildID
	if elfID := elf.BuildID(); elfID != "" {
		if buildID != "" && buildID != elfID {
			return nil, nil, fmt.Errorf("%w: profile %q, binary %q",
				ErrBuildIDMismatch, buildID, elfID)
		}
		buildID = elfID
	}

	p := profile.New(agg.Policy, cfg.DigestConfig)
	p.BuildID = buildID
	stats := &Stats{}

	addrs := collectAddrs(agg)
	lines, ambiguous := elf.ResolveAll(addrs)
	stats.AmbiguousDebugLines = ambiguous

	dupWarned := make(map[string]struct{})
	for _, addr := range addrs {
		loc := &profile.Location{Addr: addr}
		p.Addr2Loc[addr] = loc

		fi, ok := elf.FunctionContaining(addr)
		if !ok {
			stats.UnresolvedAddrs++
			continue
		}
		offset := uint64(addr - fi.Start)
		if offset > math.MaxInt {
			return nil, nil, fmt.Errorf("%w: %v in %q", ErrOffsetTooLarge, addr, fi.Name)
		}

		f, err := internFunction(p, fi, cfg, dupWarned, stats)
		if err != nil {
			return nil, nil, err
		}
		if f == nil {
			// Coalesced local duplicate; leave the stub location.
			continue
		}
		loc.Rel = &profile.Rel{FuncID: f.ID, Offset: offset, Label: profile.NoLabel}

		if rec, ok := lines[addr]; ok && matchesLinearIR(f.Name, rec.File, cfg.LinearExt) {
			loc.Dbg = &profile.DebugLoc{File: rec.File, Line: rec.Line}
			f.HasLinearIDs = true
		}
	}

	if err := partition(p, agg); err != nil {
		return nil, nil, err
	}

	if stats.UnresolvedAddrs > 0 {
		log.Debugf("%d addresses outside all function symbols", stats.UnresolvedAddrs)
	}
	if stats.AmbiguousDebugLines > 0 {
		log.Debugf("%d ambiguous debug-line records", stats.AmbiguousDebugLines)
	}
	return p, stats, nil
}

// collectAddrs gathers every address appearing as a sampled ip, branch
// endpoint or trace endpoint, deduplicated and sorted for deterministic
// interning order.
func collectAddrs(agg *aggregate.Profile) []libfdo.Address {
	set := make(map[libfdo.Address]struct{},
		len(agg.Instructions)+2*len(agg.Branches))
	for addr := range agg.Instructions {
		set[addr] = struct{}{}
	}
	for _, table := range []map[aggregate.BranchKey]uint64{
		agg.Branches, agg.Traces, agg.MalformedTraces,
	} {
		for key := range table {
			set[key.From] = struct{}{}
			set[key.To] = struct{}{}
		}
	}
	addrs := maps.Keys(set)
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

// internFunction returns the record for the interval's symbol, creating
// it on first sight. A nil record (no error) means the address was
// coalesced away under IgnoreLocalDup.
func internFunction(p *profile.Profile, fi *libfdo.FuncInterval, cfg Config,
	dupWarned map[string]struct{}, stats *Stats) (*profile.FuncRecord, error) {
	if id, ok := p.Name2ID[fi.Name]; ok {
		f := p.Functions[id]
		if f.Name != fi.Name || f.Start != fi.Start || f.Finish != fi.End {
			if cfg.IgnoreLocalDup {
				if _, warned := dupWarned[fi.Name]; !warned {
					dupWarned[fi.Name] = struct{}{}
					log.Warnf("coalescing duplicated local symbol %q", fi.Name)
				}
				stats.CoalescedDups++
				return nil, nil
			}
			return nil, &BoundaryDriftError{
				Name:     fi.Name,
				OldStart: f.Start, OldFinish: f.Finish,
				SeenStart: fi.Start, SeenFinish: fi.End,
			}
		}
		return f, nil
	}

	id := len(p.Functions)
	f := &profile.FuncRecord{
		ID:     id,
		Name:   fi.Name,
		Start:  fi.Start,
		Finish: fi.End,
		Agg:    aggregate.NewProfile(p.Policy),
	}
	p.Functions[id] = f
	p.Name2ID[fi.Name] = id
	return f, nil
}

// matchesLinearIR accepts a debug line only when its file carries the
// linear-IR extension and names the unit the function belongs to, per
// its symbol name prefix.
func matchesLinearIR(funcName, file, ext string) bool {
	base := filepath.Base(file)
	if !strings.HasSuffix(base, ext) {
		return false
	}
	unit := strings.ToLower(strings.TrimSuffix(base, ext))
	if unit == "" {
		return false
	}
	// Symbol names carry the owning unit as a prefix, possibly behind
	// the compiler's "caml" mangling prefix.
	name := strings.ToLower(funcName)
	return strings.HasPrefix(name, unit) || strings.HasPrefix(name, "caml"+unit)
}

// funcOf resolves the function record an address was attributed to.
func funcOf(p *profile.Profile, addr libfdo.Address) *profile.FuncRecord {
	loc, ok := p.Addr2Loc[addr]
	if !ok || loc.Rel == nil {
		return nil
	}
	return p.Functions[loc.Rel.FuncID]
}

// addExn inserts a key that must not already be present; a duplicate
// indicates a decoder bug.
func addExn[K comparable](m map[K]uint64, k K, n uint64) error {
	if _, dup := m[k]; dup {
		return fmt.Errorf("internal: duplicate key %v in per-function table", k)
	}
	m[k] = n
	return nil
}

// partition distributes the aggregated counters to per-function
// sub-tables, charging interprocedural branches to both endpoints.
func partition(p *profile.Profile, agg *aggregate.Profile) error {
	for addr, n := range agg.Instructions {
		f := funcOf(p, addr)
		if f == nil {
			continue
		}
		var err error
		if f.Count, err = libfdo.AddCounts(f.Count, n, p.Policy); err != nil {
			return err
		}
		if err := addExn(f.Agg.Instructions, addr, n); err != nil {
			return err
		}
	}

	for key, n := range agg.Branches {
		mispredicts := agg.Mispredicts[key]
		for _, f := range endpointFuncs(p, key) {
			var err error
			if f.Count, err = libfdo.AddCounts(f.Count, n, p.Policy); err != nil {
				return err
			}
			if err := addExn(f.Agg.Branches, key, n); err != nil {
				return err
			}
			if mispredicts > 0 {
				if err := addExn(f.Agg.Mispredicts, key, mispredicts); err != nil {
					return err
				}
			}
		}
	}

	// Traces follow the same attribution but do not add to the function
	// count; branches already carry that weight.
	for key, n := range agg.Traces {
		for _, f := range endpointFuncs(p, key) {
			if err := addExn(f.Agg.Traces, key, n); err != nil {
				return err
			}
		}
	}

	// A malformed trace charges exactly one function: the one enclosing
	// its start, falling back to the one enclosing its end.
	for key, n := range agg.MalformedTraces {
		f := funcOf(p, key.From)
		if f == nil {
			f = funcOf(p, key.To)
		}
		if f == nil {
			continue
		}
		var err error
		if f.MalformedTraces, err = libfdo.AddCounts(f.MalformedTraces, n, p.Policy); err != nil {
			return err
		}
		if err := addExn(f.Agg.MalformedTraces, key, n); err != nil {
			return err
		}
	}
	return nil
}

// endpointFuncs returns the distinct functions an edge is charged to:
// none, the single resolved endpoint, one shared function, or both for
// interprocedural edges.
func endpointFuncs(p *profile.Profile, key aggregate.BranchKey) []*profile.FuncRecord {
	fa := funcOf(p, key.From)
	fb := funcOf(p, key.To)
	switch {
	case fa == nil && fb == nil:
		return nil
	case fa == nil:
		return []*profile.FuncRecord{fb}
	case fb == nil || fa == fb:
		return []*profile.FuncRecord{fa}
	default:
		return []*profile.FuncRecord{fa, fb}
	}
}
