// Copyright The fdoprof Authors
// SPDX-License-Identifier: Apache-2.0

package perfscript // import "github.com/fdo-tools/fdoprof/perfscript"

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/fdo-tools/fdoprof/libfdo"
)

// BadSampleFormatError describes a malformed raw sample line. These are
// non-fatal: the reader logs them, bumps its ignored counter and moves on.
type BadSampleFormatError struct {
	Line   int
	Reason string
}

func (e *BadSampleFormatError) Error() string {
	return fmt.Sprintf("bad sample format at line %d: %s", e.Line, e.Reason)
}

// Reader lazily yields samples from a perf-script text stream, suitable
// for one-pass aggregation. Use as:
//
//	r := perfscript.NewReader(f, filter)
//	for r.Next() {
//		use(r.Sample())
//	}
//	if err := r.Err(); err != nil { ... }
type Reader struct {
	scanner *bufio.Scanner
	filter  PidFilter
	lineNo  int
	ignored uint64
	sample  Sample
	err     error
}

// NewReader wraps the raw sample stream r. Samples whose pid is rejected
// by the filter are skipped without being counted as ignored.
func NewReader(r io.Reader, filter PidFilter) *Reader {
	sc := bufio.NewScanner(r)
	// brstack lines for deep LBR stacks exceed the default token size.
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Reader{scanner: sc, filter: filter}
}

// Next advances to the next accepted, well-formed sample.
func (r *Reader) Next() bool {
	for r.scanner.Scan() {
		r.lineNo++
		line := strings.TrimSpace(r.scanner.Text())
		if line == "" {
			continue
		}
		sample, err := parseLine(line, r.lineNo)
		if err != nil {
			r.ignored++
			log.Warnf("ignoring sample: %v", err)
			continue
		}
		if !r.filter.Accepts(sample.Pid) {
			continue
		}
		r.sample = *sample
		return true
	}
	r.err = r.scanner.Err()
	return false
}

// Sample returns the sample produced by the last successful Next call.
func (r *Reader) Sample() *Sample {
	return &r.sample
}

// Err returns the first I/O error encountered, if any. Malformed lines
// are not errors; see Ignored.
func (r *Reader) Err() error {
	return r.err
}

// Ignored returns the number of malformed lines skipped so far.
func (r *Reader) Ignored() uint64 {
	return r.ignored
}

func parseLine(line string, lineNo int) (*Sample, error) {
	tokens := strings.Fields(line)
	if len(tokens) < 2 {
		return nil, &BadSampleFormatError{Line: lineNo,
			Reason: fmt.Sprintf("expected at least pid and ip, got %d tokens", len(tokens))}
	}

	pid, err := strconv.ParseUint(tokens[0], 10, 32)
	if err != nil {
		return nil, &BadSampleFormatError{Line: lineNo,
			Reason: fmt.Sprintf("bad pid %q", tokens[0])}
	}
	ip, err := libfdo.ParseAddress(tokens[1])
	if err != nil {
		return nil, &BadSampleFormatError{Line: lineNo,
			Reason: fmt.Sprintf("bad ip %q", tokens[1])}
	}

	branchTokens := tokens[2:]
	sample := &Sample{
		Pid:     uint32(pid),
		IP:      ip,
		BrStack: make([]BranchRecord, 0, len(branchTokens)),
	}

	// The stream lists LBR entries most-recent-first; reverse on ingest
	// so the slice iterates chronologically.
	for i := len(branchTokens) - 1; i >= 0; i-- {
		br, err := parseBranch(branchTokens[i], lineNo)
		if err != nil {
			return nil, err
		}
		br.StackIndex = i
		sample.BrStack = append(sample.BrStack, br)
	}
	return sample, nil
}

// parseBranch parses one "from/to/M|P|-/X|-/A|-/cycles" token. The
// transaction and abort flags and the cycle count are validated and
// discarded.
func parseBranch(token string, lineNo int) (BranchRecord, error) {
	bad := func(reason string) (BranchRecord, error) {
		return BranchRecord{}, &BadSampleFormatError{Line: lineNo,
			Reason: fmt.Sprintf("branch token %q: %s", token, reason)}
	}

	parts := strings.Split(token, "/")
	if len(parts) != 6 {
		return bad(fmt.Sprintf("expected 6 fields, got %d", len(parts)))
	}
	from, err := libfdo.ParseAddress(parts[0])
	if err != nil {
		return bad("bad from address")
	}
	to, err := libfdo.ParseAddress(parts[1])
	if err != nil {
		return bad("bad to address")
	}

	var mispredict Mispredict
	switch parts[2] {
	case "M":
		mispredict = Mispredicted
	case "P":
		mispredict = Predicted
	case "-":
		mispredict = MispredictUnsupported
	default:
		return bad(fmt.Sprintf("bad mispredict flag %q", parts[2]))
	}
	if parts[3] != "X" && parts[3] != "-" {
		return bad(fmt.Sprintf("bad in-transaction flag %q", parts[3]))
	}
	if parts[4] != "A" && parts[4] != "-" {
		return bad(fmt.Sprintf("bad abort flag %q", parts[4]))
	}
	if _, err := strconv.ParseUint(parts[5], 10, 64); err != nil {
		return bad(fmt.Sprintf("bad cycle count %q", parts[5]))
	}

	return BranchRecord{From: from, To: to, Mispredict: mispredict}, nil
}
