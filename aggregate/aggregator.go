// Copyright The fdoprof Authors
// SPDX-License-Identifier: Apache-2.0

package aggregate // import "github.com/fdo-tools/fdoprof/aggregate"

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/fdo-tools/fdoprof/libfdo"
	"github.com/fdo-tools/fdoprof/perfscript"
)

// Aggregator consumes samples one at a time and folds them into a
// Profile. Aggregation is commutative across samples; within one
// sample's branch stack chronological order is respected.
type Aggregator struct {
	profile   *Profile
	warnedDup bool
}

// NewAggregator returns an aggregator feeding a fresh profile.
func NewAggregator(buildID string, policy libfdo.OverflowPolicy) *Aggregator {
	p := NewProfile(policy)
	p.BuildID = buildID
	return &Aggregator{profile: p}
}

// Profile returns the profile aggregated so far.
func (a *Aggregator) Profile() *Profile {
	return a.profile
}

// ReadAll drains the reader into the aggregator.
func (a *Aggregator) ReadAll(r *perfscript.Reader) error {
	for r.Next() {
		if err := a.AddSample(r.Sample()); err != nil {
			return err
		}
	}
	return r.Err()
}

// AddSample folds one sample into the profile.
func (a *Aggregator) AddSample(s *perfscript.Sample) error {
	p := a.profile
	if err := addTo(p.Instructions, s.IP, 1, p.Policy); err != nil {
		return err
	}

	var prev *perfscript.BranchRecord
	for i := range s.BrStack {
		cur := &s.BrStack[i]
		isLast := i == len(s.BrStack)-1

		if prev != nil && prev.StackIndex != cur.StackIndex+1 {
			return fmt.Errorf("non-contiguous LBR stack indices %d, %d",
				prev.StackIndex, cur.StackIndex)
		}

		if prev != nil && prev.From == cur.From && prev.To == cur.To {
			if isLast {
				// The sampler occasionally repeats the most recent LBR
				// entry; drop the duplicate tail.
				continue
			}
			if !a.warnedDup {
				a.warnedDup = true
				log.Warnf("duplicated non-tail LBR entry %v/%v", cur.From, cur.To)
			}
		}

		key := BranchKey{From: cur.From, To: cur.To}
		if err := addTo(p.Branches, key, 1, p.Policy); err != nil {
			return err
		}
		if cur.Mispredict == perfscript.Mispredicted {
			if err := addTo(p.Mispredicts, key, 1, p.Policy); err != nil {
				return err
			}
		}

		if prev != nil {
			trace := BranchKey{From: prev.To, To: cur.From}
			if prev.To >= cur.From {
				// Backwards fall-through: hardware glitch or trace
				// through self-modifying code. Kept aside so decoding
				// can charge the enclosing function.
				if err := addTo(p.MalformedTraces, trace, 1, p.Policy); err != nil {
					return err
				}
			} else if err := addTo(p.Traces, trace, 1, p.Policy); err != nil {
				return err
			}
		}
		prev = cur
	}
	return nil
}
