// Copyright The fdoprof Authors
// SPDX-License-Identifier: Apache-2.0

// Package hotlayout orders the profiled functions for the linker script
// fragment that pins hot code into a contiguous text segment.
package hotlayout // import "github.com/fdo-tools/fdoprof/hotlayout"

import (
	"bufio"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"strings"

	"github.com/zeebo/xxh3"

	"github.com/fdo-tools/fdoprof/profile"
)

// Sentinel is the template line the emitted fragment replaces.
const Sentinel = "INCLUDE linker-script-hot"

// Strategy selects the emission order. It is a closed set of variants;
// callers construct one of the types below rather than branching on
// strings.
type Strategy interface {
	// order permutes funcs, which arrive sorted by count descending
	// with ties broken by ascending id.
	order(funcs []*profile.FuncRecord, inputNames []string)
}

// ExecCountDesc keeps the default order: count descending, ties broken
// by ascending id. This is stable and deterministic.
type ExecCountDesc struct{}

func (ExecCountDesc) order([]*profile.FuncRecord, []string) {}

// InSrcOrder lays functions out by their original address order.
type InSrcOrder struct{}

func (InSrcOrder) order(funcs []*profile.FuncRecord, _ []string) {
	sort.SliceStable(funcs, func(i, j int) bool {
		return funcs[i].Start < funcs[j].Start
	})
}

// HotColdJump alternates the hottest and coldest remaining functions,
// for experiments that maximize jump distance between neighbors.
type HotColdJump struct{}

func (HotColdJump) order(funcs []*profile.FuncRecord, _ []string) {
	src := make([]*profile.FuncRecord, len(funcs))
	copy(src, funcs)
	lo, hi := 0, len(src)-1
	for i := range funcs {
		if i%2 == 0 {
			funcs[i] = src[lo]
			lo++
		} else {
			funcs[i] = src[hi]
			hi--
		}
	}
}

// Random shuffles under a PRNG seeded from Seed and the sorted input
// file names, so the same inputs reproduce the same layout regardless
// of argv order.
type Random struct {
	Seed uint64
}

func (r Random) order(funcs []*profile.FuncRecord, inputNames []string) {
	sorted := make([]string, len(inputNames))
	copy(sorted, inputNames)
	sort.Strings(sorted)
	h := xxh3.HashString(strings.Join(sorted, "\x00"))

	rng := rand.New(rand.NewSource(int64(h ^ r.Seed)))
	rng.Shuffle(len(funcs), func(i, j int) {
		funcs[i], funcs[j] = funcs[j], funcs[i]
	})
}

// Order returns the function symbol names of p in emission order.
func Order(p *profile.Profile, strategy Strategy, inputNames []string) []string {
	funcs := p.SortedFunctions()
	sort.SliceStable(funcs, func(i, j int) bool {
		if funcs[i].Count != funcs[j].Count {
			return funcs[i].Count > funcs[j].Count
		}
		return funcs[i].ID < funcs[j].ID
	})
	strategy.order(funcs, inputNames)

	names := make([]string, len(funcs))
	for i, f := range funcs {
		names[i] = f.Name
	}
	return names
}

// WriteFragment writes one symbol per line, in emission order.
func WriteFragment(w io.Writer, names []string) error {
	bw := bufio.NewWriter(w)
	for _, name := range names {
		if _, err := fmt.Fprintln(bw, name); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Substitute copies the linker script template to w, replacing the
// sentinel line with the fragment.
func Substitute(template io.Reader, w io.Writer, names []string) error {
	bw := bufio.NewWriter(w)
	sc := bufio.NewScanner(template)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == Sentinel {
			for _, name := range names {
				if _, err := fmt.Fprintln(bw, name); err != nil {
					return err
				}
			}
			continue
		}
		if _, err := fmt.Fprintln(bw, line); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return bw.Flush()
}
