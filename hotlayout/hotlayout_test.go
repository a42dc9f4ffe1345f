// Copyright The fdoprof Authors
// SPDX-License-Identifier: Apache-2.0

package hotlayout

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fdo-tools/fdoprof/aggregate"
	"github.com/fdo-tools/fdoprof/digest"
	"github.com/fdo-tools/fdoprof/libfdo"
	"github.com/fdo-tools/fdoprof/profile"
)

func testProfile(t *testing.T) *profile.Profile {
	t.Helper()
	cfg, err := digest.NewConfig(digest.Config{Func: true})
	require.NoError(t, err)
	p := profile.New(libfdo.Saturate, cfg)

	for i, spec := range []struct {
		name  string
		start libfdo.Address
		count uint64
	}{
		{"alpha", 0x3000, 10},
		{"beta", 0x1000, 50},
		{"gamma", 0x2000, 10},
		{"delta", 0x4000, 0},
	} {
		p.Functions[i] = &profile.FuncRecord{
			ID: i, Name: spec.name, Start: spec.start,
			Finish: spec.start + 0x100, Count: spec.count,
			Agg: aggregate.NewProfile(libfdo.Saturate),
		}
		p.Name2ID[spec.name] = i
	}
	return p
}

func TestExecCountDesc(t *testing.T) {
	// beta is hottest; alpha and gamma tie and fall back to id order.
	names := Order(testProfile(t), ExecCountDesc{}, nil)
	assert.Equal(t, []string{"beta", "alpha", "gamma", "delta"}, names)
}

func TestInSrcOrder(t *testing.T) {
	names := Order(testProfile(t), InSrcOrder{}, nil)
	assert.Equal(t, []string{"beta", "gamma", "alpha", "delta"}, names)
}

func TestHotColdJump(t *testing.T) {
	names := Order(testProfile(t), HotColdJump{}, nil)
	assert.Equal(t, []string{"beta", "delta", "alpha", "gamma"}, names)
}

func TestRandomIsDeterministic(t *testing.T) {
	inputs := []string{"b.perf", "a.perf"}
	first := Order(testProfile(t), Random{Seed: 42}, inputs)
	second := Order(testProfile(t), Random{Seed: 42}, inputs)
	assert.Equal(t, first, second)

	// Argv order of the inputs must not matter.
	swapped := Order(testProfile(t), Random{Seed: 42}, []string{"a.perf", "b.perf"})
	assert.Equal(t, first, swapped)

	// All functions survive the shuffle.
	assert.ElementsMatch(t, []string{"alpha", "beta", "gamma", "delta"}, first)
}

func TestWriteFragment(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFragment(&buf, []string{"beta", "alpha"}))
	assert.Equal(t, "beta\nalpha\n", buf.String())
}

func TestSubstitute(t *testing.T) {
	template := strings.Join([]string{
		"SECTIONS {",
		"  .text.hot : {",
		"    INCLUDE linker-script-hot",
		"  }",
		"}",
	}, "\n")

	var buf bytes.Buffer
	require.NoError(t, Substitute(strings.NewReader(template), &buf, []string{"beta", "alpha"}))
	assert.Equal(t, strings.Join([]string{
		"SECTIONS {",
		"  .text.hot : {",
		"beta",
		"alpha",
		"  }",
		"}",
	}, "\n")+"\n", buf.String())
}

func TestEmissionIsByteStable(t *testing.T) {
	p := testProfile(t)
	var a, b bytes.Buffer
	require.NoError(t, WriteFragment(&a, Order(p, ExecCountDesc{}, nil)))
	require.NoError(t, WriteFragment(&b, Order(p, ExecCountDesc{}, nil)))
	assert.Equal(t, a.Bytes(), b.Bytes())
}
