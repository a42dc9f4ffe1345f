// Copyright The fdoprof Authors
// SPDX-License-Identifier: Apache-2.0

package digest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, onMismatch Policy) Config {
	t.Helper()
	cfg, err := NewConfig(Config{Func: true, Unit: true, OnMismatch: onMismatch})
	require.NoError(t, err)
	return cfg
}

func TestConfigRequiresAKind(t *testing.T) {
	_, err := NewConfig(Config{})
	assert.Error(t, err)

	cfg, err := NewConfig(Config{Unit: true})
	require.NoError(t, err)
	assert.True(t, cfg.Tracks(KindUnit))
	assert.False(t, cfg.Tracks(KindFunc))
}

func TestAddAndCheck(t *testing.T) {
	r := NewRegistry(testConfig(t, PolicyFail))
	d1 := Of([]byte("block L1\nblock L2\n"), false)
	d2 := Of([]byte("something else"), false)

	require.NoError(t, r.Add("camlFoo__bar", KindFunc, d1))
	assert.Equal(t, CheckOK, r.Check("camlFoo__bar", KindFunc, d1))
	assert.Equal(t, CheckMismatch, r.Check("camlFoo__bar", KindFunc, d2))
	assert.Equal(t, CheckMissing, r.Check("camlFoo__bar", KindUnit, d1))
	assert.Equal(t, CheckMissing, r.Check("other", KindFunc, d1))
}

func TestAddDuplicate(t *testing.T) {
	d1 := Of([]byte("a"), false)
	d2 := Of([]byte("b"), false)

	// Identical re-add is a no-op.
	r := NewRegistry(testConfig(t, PolicyFail))
	require.NoError(t, r.Add("f", KindFunc, d1))
	require.NoError(t, r.Add("f", KindFunc, d1))
	assert.Equal(t, 1, r.Len())

	// Fail policy rejects a differing digest.
	assert.Error(t, r.Add("f", KindFunc, d2))

	// Skip policy drops the entry.
	r = NewRegistry(testConfig(t, PolicySkip))
	require.NoError(t, r.Add("f", KindFunc, d1))
	require.NoError(t, r.Add("f", KindFunc, d2))
	assert.Equal(t, 0, r.Len())

	// UseAnyway keeps the first digest.
	r = NewRegistry(testConfig(t, PolicyUseAnyway))
	require.NoError(t, r.Add("f", KindFunc, d1))
	require.NoError(t, r.Add("f", KindFunc, d2))
	got, ok := r.Get("f", KindFunc)
	require.True(t, ok)
	assert.Equal(t, d1, got)
}

func TestTrim(t *testing.T) {
	r := NewRegistry(testConfig(t, PolicyFail))
	require.NoError(t, r.Add("keep", KindFunc, Of([]byte("k"), false)))
	require.NoError(t, r.Add("keep", KindUnit, Of([]byte("ku"), false)))
	require.NoError(t, r.Add("drop", KindFunc, Of([]byte("d"), false)))

	r.Trim(map[string]struct{}{"keep": {}})
	assert.Equal(t, 2, r.Len())
	_, ok := r.Get("drop", KindFunc)
	assert.False(t, ok)
}

func TestIgnoreDbgStripsAnnotations(t *testing.T) {
	plain := []byte("L1: add r0 r1\nL2: ret\n")
	annotated := []byte("L1: add r0 r1 [dbg foo.cmir:3]\nL2: ret [dbg foo.cmir:4]\n")

	assert.NotEqual(t, Of(plain, false), Of(annotated, false))
	assert.Equal(t, Of(plain, true), Of(annotated, true))
}

func TestDigestRoundTrip(t *testing.T) {
	d := Of([]byte("payload"), false)
	parsed, err := ParseDigest(d.String())
	require.NoError(t, err)
	assert.Equal(t, d, parsed)

	_, err = ParseDigest("nothex")
	assert.Error(t, err)
	_, err = ParseDigest("abcd")
	assert.Error(t, err)
}
