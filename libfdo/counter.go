// Copyright The fdoprof Authors
// SPDX-License-Identifier: Apache-2.0

package libfdo // import "github.com/fdo-tools/fdoprof/libfdo"

import (
	"errors"
	"math"
)

// OverflowPolicy selects how 64-bit sample counter additions behave when
// the sum does not fit.
type OverflowPolicy uint8

const (
	// Saturate clamps overflowing sums at math.MaxUint64.
	Saturate OverflowPolicy = iota
	// Abort makes overflowing sums return ErrCounterOverflow.
	Abort
)

// ErrCounterOverflow is returned by AddCounts under the Abort policy.
var ErrCounterOverflow = errors.New("sample counter overflow")

// AddCounts adds two sample counts under the given overflow policy.
func AddCounts(a, b uint64, policy OverflowPolicy) (uint64, error) {
	if a > math.MaxUint64-b {
		if policy == Abort {
			return 0, ErrCounterOverflow
		}
		return math.MaxUint64, nil
	}
	return a + b, nil
}
