// Copyright The fdoprof Authors
// SPDX-License-Identifier: Apache-2.0

package digest // import "github.com/fdo-tools/fdoprof/digest"

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
)

// Key identifies one registry entry.
type Key struct {
	Name string
	Kind Kind
}

// CheckResult is the outcome of comparing an expected digest against the
// registry.
type CheckResult uint8

const (
	CheckOK CheckResult = iota
	CheckMissing
	CheckMismatch
)

// Registry holds the digests recorded with a profile.
type Registry struct {
	cfg     Config
	entries map[Key]Digest
}

// NewRegistry returns an empty registry under the given (validated)
// config.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, entries: make(map[Key]Digest)}
}

// Config returns the registry's configuration.
func (r *Registry) Config() Config {
	return r.cfg
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Get returns the digest stored for (name, kind).
func (r *Registry) Get(name string, kind Kind) (Digest, bool) {
	d, ok := r.entries[Key{Name: name, Kind: kind}]
	return d, ok
}

// Keys returns all entry keys, unordered.
func (r *Registry) Keys() []Key {
	return maps.Keys(r.entries)
}

// Add inserts a digest. Re-adding an identical digest is a no-op;
// a differing digest is resolved by the mismatch policy.
func (r *Registry) Add(name string, kind Kind, d Digest) error {
	key := Key{Name: name, Kind: kind}
	old, ok := r.entries[key]
	if !ok {
		r.entries[key] = d
		return nil
	}
	if old == d {
		return nil
	}
	switch r.cfg.OnMismatch {
	case PolicyFail:
		return fmt.Errorf("digest mismatch for %s %q: %v vs %v", kind, name, old, d)
	case PolicySkip:
		log.Warnf("digest mismatch for %s %q, dropping entry", kind, name)
		delete(r.entries, key)
	case PolicyUseAnyway:
		log.Warnf("digest mismatch for %s %q, keeping first", kind, name)
	}
	return nil
}

// Check compares an expected digest against the registry. The caller
// applies its configured policy to Missing and Mismatch results.
func (r *Registry) Check(name string, kind Kind, expected Digest) CheckResult {
	old, ok := r.entries[Key{Name: name, Kind: kind}]
	if !ok {
		return CheckMissing
	}
	if old != expected {
		return CheckMismatch
	}
	return CheckOK
}

// Trim removes entries whose name is not in keep.
func (r *Registry) Trim(keep map[string]struct{}) {
	for key := range r.entries {
		if _, ok := keep[key.Name]; !ok {
			delete(r.entries, key)
		}
	}
}

// Merge unions other into r. Conflicting digests are resolved by r's
// mismatch policy via Add.
func (r *Registry) Merge(other *Registry) error {
	for key, d := range other.entries {
		if err := r.Add(key.Name, key.Kind, d); err != nil {
			return err
		}
	}
	return nil
}
