// Copyright The fdoprof Authors
// SPDX-License-Identifier: Apache-2.0

package profile // import "github.com/fdo-tools/fdoprof/profile"

import (
	"math"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

// TrimPredicate filters the surviving function set. Predicates are
// applied in sequence; earlier predicates reduce the candidate set for
// later ones.
type TrimPredicate interface {
	// apply receives functions sorted by count descending (ties broken
	// by ascending id) and returns the surviving prefix or subset.
	apply(funcs []*FuncRecord) []*FuncRecord
}

// Top keeps the N functions with the highest counts.
type Top struct {
	N int
}

func (t Top) apply(funcs []*FuncRecord) []*FuncRecord {
	if t.N < len(funcs) {
		return funcs[:t.N]
	}
	return funcs
}

// TopPercent keeps the top P percent of functions by rank.
type TopPercent struct {
	Percent float64
}

func (t TopPercent) apply(funcs []*FuncRecord) []*FuncRecord {
	keep := int(math.Ceil(t.Percent / 100 * float64(len(funcs))))
	if keep < len(funcs) {
		return funcs[:keep]
	}
	return funcs
}

// TopPercentSamples keeps the smallest count-descending prefix covering
// at least P percent of the total sample count.
type TopPercentSamples struct {
	Percent float64
}

func (t TopPercentSamples) apply(funcs []*FuncRecord) []*FuncRecord {
	var total uint64
	for _, f := range funcs {
		total += f.Count
	}
	want := t.Percent / 100 * float64(total)
	var cumulative uint64
	for i, f := range funcs {
		cumulative += f.Count
		if float64(cumulative) >= want {
			return funcs[:i+1]
		}
	}
	return funcs
}

// MinSamples drops functions sampled fewer than Min times.
type MinSamples struct {
	Min uint64
}

func (m MinSamples) apply(funcs []*FuncRecord) []*FuncRecord {
	out := funcs[:0]
	for _, f := range funcs {
		if f.Count >= m.Min {
			out = append(out, f)
		}
	}
	return out
}

// Trim applies the predicates in order and removes everything referring
// to dropped functions: function records, name2id entries, addr2loc
// entries and digest registry entries.
func Trim(p *Profile, specs []TrimPredicate) {
	survivors := p.SortedFunctions()
	sort.SliceStable(survivors, func(i, j int) bool {
		if survivors[i].Count != survivors[j].Count {
			return survivors[i].Count > survivors[j].Count
		}
		return survivors[i].ID < survivors[j].ID
	})

	for _, spec := range specs {
		survivors = spec.apply(survivors)
	}

	keep := make(map[int]struct{}, len(survivors))
	for _, f := range survivors {
		keep[f.ID] = struct{}{}
	}

	dropped := 0
	for id, f := range p.Functions {
		if _, ok := keep[id]; ok {
			continue
		}
		delete(p.Functions, id)
		delete(p.Name2ID, f.Name)
		dropped++
	}
	for addr, loc := range p.Addr2Loc {
		if loc.Rel == nil {
			continue
		}
		if _, ok := keep[loc.Rel.FuncID]; !ok {
			delete(p.Addr2Loc, addr)
		}
	}

	if p.CRCs != nil {
		p.CRCs.Trim(digestKeepSet(p))
	}
	if dropped > 0 {
		log.Infof("trim dropped %d functions, %d remain", dropped, len(p.Functions))
	}
}

// digestKeepSet names everything the trimmed profile still references:
// surviving functions and the compilation units their debug lines point
// into.
func digestKeepSet(p *Profile) map[string]struct{} {
	keep := make(map[string]struct{}, len(p.Name2ID))
	for name := range p.Name2ID {
		keep[name] = struct{}{}
	}
	for _, loc := range p.Addr2Loc {
		if loc.Dbg == nil {
			continue
		}
		base := filepath.Base(loc.Dbg.File)
		if ext := filepath.Ext(base); ext != "" {
			base = strings.TrimSuffix(base, ext)
		}
		keep[base] = struct{}{}
	}
	return keep
}
