// Copyright The fdoprof Authors
// SPDX-License-Identifier: Apache-2.0

// Package digest tracks MD5 content digests of compilation units and
// individual IR functions. Digests are stored with each profile and
// checked on consumption to detect source drift between profile
// creation and use.
package digest // import "github.com/fdo-tools/fdoprof/digest"

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
)

// Size is the length of a digest in bytes.
const Size = md5.Size

// Digest is a 16-byte MD5 content hash.
type Digest [Size]byte

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// ParseDigest decodes the hex form produced by Digest.String.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("bad digest %q: %w", s, err)
	}
	if len(b) != Size {
		return d, fmt.Errorf("bad digest %q: want %d bytes, got %d", s, Size, len(b))
	}
	copy(d[:], b)
	return d, nil
}

// Kind distinguishes what a digest covers.
type Kind uint8

const (
	// KindFunc digests a single IR function.
	KindFunc Kind = iota
	// KindUnit digests a whole compilation unit.
	KindUnit
)

func (k Kind) String() string {
	switch k {
	case KindFunc:
		return "func"
	case KindUnit:
		return "unit"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Policy resolves digest conflicts and absences.
type Policy uint8

const (
	// PolicyFail aborts the operation.
	PolicyFail Policy = iota
	// PolicySkip drops the conflicting entry.
	PolicySkip
	// PolicyUseAnyway proceeds with a diagnostic.
	PolicyUseAnyway
)

func (p Policy) String() string {
	switch p {
	case PolicyFail:
		return "fail"
	case PolicySkip:
		return "skip"
	case PolicyUseAnyway:
		return "use-anyway"
	}
	return fmt.Sprintf("policy(%d)", uint8(p))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "func":
		return KindFunc, nil
	case "unit":
		return KindUnit, nil
	}
	return 0, fmt.Errorf("unknown digest kind %q", s)
}

// ParsePolicy is the inverse of Policy.String.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "fail":
		return PolicyFail, nil
	case "skip":
		return PolicySkip, nil
	case "use-anyway":
		return PolicyUseAnyway, nil
	}
	return 0, fmt.Errorf("unknown digest policy %q", s)
}

// Config selects which digest kinds a profile requires and how
// absences and mismatches are resolved.
type Config struct {
	Func       bool
	Unit       bool
	IgnoreDbg  bool
	OnMissing  Policy
	OnMismatch Policy
}

// NewConfig validates that at least one digest kind is enabled.
func NewConfig(cfg Config) (Config, error) {
	if !cfg.Func && !cfg.Unit {
		return Config{}, errors.New("digest config enables neither function nor unit digests")
	}
	return cfg, nil
}

// Tracks reports whether the config requires digests of the given kind.
func (c Config) Tracks(kind Kind) bool {
	switch kind {
	case KindFunc:
		return c.Func
	case KindUnit:
		return c.Unit
	}
	return false
}

// dbgAnnotation matches the debug annotations the IR printer attaches to
// instructions, e.g. "[dbg foo.cmir:42]".
var dbgAnnotation = regexp.MustCompile(`\s*\[dbg [^\]]*\]`)

// Of hashes the rendered IR text. With ignoreDbg set, debug annotations
// are stripped first so that recompiling with different line directives
// does not invalidate the digest.
func Of(data []byte, ignoreDbg bool) Digest {
	if ignoreDbg {
		data = dbgAnnotation.ReplaceAll(data, nil)
	}
	return md5.Sum(data)
}
