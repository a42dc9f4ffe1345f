// Copyright The fdoprof Authors
// SPDX-License-Identifier: Apache-2.0

// Package perfscript parses the textual LBR sample stream produced by
// `perf script -F pid,ip,brstack`.
package perfscript // import "github.com/fdo-tools/fdoprof/perfscript"

import (
	"github.com/fdo-tools/fdoprof/libfdo"
)

// Mispredict is the branch prediction outcome recorded by the hardware
// for one LBR entry.
type Mispredict uint8

const (
	// MispredictUnsupported means the hardware did not report prediction
	// information for this entry ("-").
	MispredictUnsupported Mispredict = iota
	// Mispredicted means the branch was mispredicted ("M").
	Mispredicted
	// Predicted means the branch was predicted correctly ("P").
	Predicted
)

// BranchRecord is one entry of a sample's LBR stack.
type BranchRecord struct {
	From libfdo.Address
	To   libfdo.Address
	// Mispredict is the prediction outcome for this branch.
	Mispredict Mispredict
	// StackIndex is the position in the hardware stack; 0 is the most
	// recent entry.
	StackIndex int
}

// Sample is one observation from the sampler: the sampled instruction
// pointer plus the branch stack leading up to it.
//
// BrStack is stored in chronological order: the raw stream lists entries
// most-recent-first and the reader reverses them on ingest, so
// BrStack[0] carries the highest StackIndex.
type Sample struct {
	Pid     uint32
	IP      libfdo.Address
	BrStack []BranchRecord
}

// PidFilter restricts which processes' samples are accepted.
// The zero value accepts every pid.
type PidFilter struct {
	allowed map[uint32]struct{}
}

// AllowPids returns a filter accepting only the given pids.
// With no arguments the returned filter accepts everything.
func AllowPids(pids ...uint32) PidFilter {
	if len(pids) == 0 {
		return PidFilter{}
	}
	allowed := make(map[uint32]struct{}, len(pids))
	for _, pid := range pids {
		allowed[pid] = struct{}{}
	}
	return PidFilter{allowed: allowed}
}

// Accepts reports whether samples from pid pass the filter.
func (f PidFilter) Accepts(pid uint32) bool {
	if f.allowed == nil {
		return true
	}
	_, ok := f.allowed[pid]
	return ok
}
