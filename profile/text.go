// Copyright The fdoprof Authors
// SPDX-License-Identifier: Apache-2.0

// Textual (sexp) persisted form of aggregated and decoded profiles.
package profile // import "github.com/fdo-tools/fdoprof/profile"

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/exp/maps"

	"github.com/fdo-tools/fdoprof/aggregate"
	"github.com/fdo-tools/fdoprof/digest"
	"github.com/fdo-tools/fdoprof/libfdo"
)

const (
	kindDecoded    = "decoded"
	kindAggregated = "aggregated"
)

func policyName(p libfdo.OverflowPolicy) string {
	if p == libfdo.Abort {
		return "abort"
	}
	return "saturate"
}

func parseOverflowPolicy(s string) (libfdo.OverflowPolicy, error) {
	switch s {
	case "saturate":
		return libfdo.Saturate, nil
	case "abort":
		return libfdo.Abort, nil
	}
	return 0, fmt.Errorf("unknown overflow policy %q", s)
}

// sortedAddrs returns the map keys in ascending address order so the
// textual form is deterministic.
func sortedAddrs[V any](m map[libfdo.Address]V) []libfdo.Address {
	keys := maps.Keys(m)
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func sortedBranchKeys(m map[aggregate.BranchKey]uint64) []aggregate.BranchKey {
	keys := maps.Keys(m)
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].From != keys[j].From {
			return keys[i].From < keys[j].From
		}
		return keys[i].To < keys[j].To
	})
	return keys
}

func branchTableToSexp(name string, m map[aggregate.BranchKey]uint64) *sexp {
	entries := make([]*sexp, 0, len(m))
	for _, key := range sortedBranchKeys(m) {
		entries = append(entries, newList(
			newList(atomHex(uint64(key.From)), atomHex(uint64(key.To))),
			atomU64(m[key])))
	}
	return kv(name, newList(entries...))
}

func branchTableFromSexp(s *sexp, name string) (map[aggregate.BranchKey]uint64, error) {
	vals, err := s.fieldValue(name)
	if err != nil {
		return nil, err
	}
	items, err := vals.expectList()
	if err != nil {
		return nil, err
	}
	out := make(map[aggregate.BranchKey]uint64, len(items))
	for _, item := range items {
		pair, err := item.expectList()
		if err != nil || len(pair) != 2 {
			return nil, fmt.Errorf("table %q: malformed entry", name)
		}
		addrs, err := pair[0].expectList()
		if err != nil || len(addrs) != 2 {
			return nil, fmt.Errorf("table %q: malformed edge key", name)
		}
		from, err := parseAddrAtom(addrs[0])
		if err != nil {
			return nil, err
		}
		to, err := parseAddrAtom(addrs[1])
		if err != nil {
			return nil, err
		}
		count, err := parseU64Atom(pair[1])
		if err != nil {
			return nil, err
		}
		key := aggregate.BranchKey{From: from, To: to}
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("table %q: duplicate key %v", name, key)
		}
		out[key] = count
	}
	return out, nil
}

func unquoteMaybe(s string) (string, error) {
	if strings.HasPrefix(s, `"`) {
		return strconv.Unquote(s)
	}
	return s, nil
}

func parseAddrAtom(s *sexp) (libfdo.Address, error) {
	a, err := s.expectAtom()
	if err != nil {
		return 0, err
	}
	return libfdo.ParseAddress(a)
}

func parseU64Atom(s *sexp) (uint64, error) {
	a, err := s.expectAtom()
	if err != nil {
		return 0, err
	}
	var n uint64
	if _, err := fmt.Sscanf(a, "%d", &n); err != nil {
		return 0, fmt.Errorf("bad count %q: %w", a, err)
	}
	return n, nil
}

func aggToSexp(a *aggregate.Profile) *sexp {
	instructions := make([]*sexp, 0, len(a.Instructions))
	for _, addr := range sortedAddrs(a.Instructions) {
		instructions = append(instructions,
			newList(atomHex(uint64(addr)), atomU64(a.Instructions[addr])))
	}
	return newList(
		kv("buildid", atomStr(a.BuildID)),
		kv("instructions", newList(instructions...)),
		branchTableToSexp("branches", a.Branches),
		branchTableToSexp("mispredicts", a.Mispredicts),
		branchTableToSexp("traces", a.Traces),
		branchTableToSexp("malformed_traces", a.MalformedTraces),
	)
}

func aggFromSexp(s *sexp, policy libfdo.OverflowPolicy) (*aggregate.Profile, error) {
	a := aggregate.NewProfile(policy)
	var err error
	if a.BuildID, err = s.fieldString("buildid"); err != nil {
		return nil, err
	}

	instVals, err := s.fieldValue("instructions")
	if err != nil {
		return nil, err
	}
	items, err := instVals.expectList()
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		pair, err := item.expectList()
		if err != nil || len(pair) != 2 {
			return nil, fmt.Errorf("instructions: malformed entry")
		}
		addr, err := parseAddrAtom(pair[0])
		if err != nil {
			return nil, err
		}
		count, err := parseU64Atom(pair[1])
		if err != nil {
			return nil, err
		}
		if _, dup := a.Instructions[addr]; dup {
			return nil, fmt.Errorf("instructions: duplicate address %v", addr)
		}
		a.Instructions[addr] = count
	}

	if a.Branches, err = branchTableFromSexp(s, "branches"); err != nil {
		return nil, err
	}
	if a.Mispredicts, err = branchTableFromSexp(s, "mispredicts"); err != nil {
		return nil, err
	}
	if a.Traces, err = branchTableFromSexp(s, "traces"); err != nil {
		return nil, err
	}
	if a.MalformedTraces, err = branchTableFromSexp(s, "malformed_traces"); err != nil {
		return nil, err
	}
	return a, nil
}

func crcsToSexp(r *digest.Registry) *sexp {
	cfg := r.Config()
	keys := r.Keys()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Name != keys[j].Name {
			return keys[i].Name < keys[j].Name
		}
		return keys[i].Kind < keys[j].Kind
	})
	entries := make([]*sexp, 0, len(keys))
	for _, key := range keys {
		d, _ := r.Get(key.Name, key.Kind)
		entries = append(entries, newList(
			kv("name", atomStr(key.Name)),
			kv("kind", newAtom(key.Kind.String())),
			kv("digest", atomStr(d.String()))))
	}
	return newList(
		kv("func", atomBool(cfg.Func)),
		kv("unit", atomBool(cfg.Unit)),
		kv("ignore_dbg", atomBool(cfg.IgnoreDbg)),
		kv("on_missing", newAtom(cfg.OnMissing.String())),
		kv("on_mismatch", newAtom(cfg.OnMismatch.String())),
		kv("entries", newList(entries...)),
	)
}

func crcsFromSexp(s *sexp) (*digest.Registry, error) {
	var cfg digest.Config
	var err error
	if cfg.Func, err = s.fieldBool("func"); err != nil {
		return nil, err
	}
	if cfg.Unit, err = s.fieldBool("unit"); err != nil {
		return nil, err
	}
	if cfg.IgnoreDbg, err = s.fieldBool("ignore_dbg"); err != nil {
		return nil, err
	}
	var str string
	if str, err = s.fieldString("on_missing"); err != nil {
		return nil, err
	}
	if cfg.OnMissing, err = digest.ParsePolicy(str); err != nil {
		return nil, err
	}
	if str, err = s.fieldString("on_mismatch"); err != nil {
		return nil, err
	}
	if cfg.OnMismatch, err = digest.ParsePolicy(str); err != nil {
		return nil, err
	}
	cfg, err = digest.NewConfig(cfg)
	if err != nil {
		return nil, err
	}

	reg := digest.NewRegistry(cfg)
	entriesVal, err := s.fieldValue("entries")
	if err != nil {
		return nil, err
	}
	entries, err := entriesVal.expectList()
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		name, err := entry.fieldString("name")
		if err != nil {
			return nil, err
		}
		kindStr, err := entry.fieldString("kind")
		if err != nil {
			return nil, err
		}
		kind, err := digest.ParseKind(kindStr)
		if err != nil {
			return nil, err
		}
		dStr, err := entry.fieldString("digest")
		if err != nil {
			return nil, err
		}
		d, err := digest.ParseDigest(dStr)
		if err != nil {
			return nil, err
		}
		if err := reg.Add(name, kind, d); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func locToSexp(loc *Location) *sexp {
	fields := []*sexp{kv("addr", atomHex(uint64(loc.Addr)))}
	if loc.Rel != nil {
		relFields := []*sexp{
			kv("id", atomInt(loc.Rel.FuncID)),
			kv("offset", atomU64(loc.Rel.Offset)),
		}
		if loc.Rel.Label != NoLabel {
			relFields = append(relFields, kv("label", atomInt(loc.Rel.Label)))
		}
		fields = append(fields, kv("rel", newList(relFields...)))
	}
	if loc.Dbg != nil {
		fields = append(fields, kv("dbg", newList(
			kv("file", atomStr(loc.Dbg.File)),
			kv("line", atomInt(loc.Dbg.Line)))))
	}
	return newList(fields...)
}

func locFromSexp(s *sexp) (*Location, error) {
	loc := &Location{}
	addr, err := s.fieldU64("addr")
	if err != nil {
		return nil, err
	}
	loc.Addr = libfdo.Address(addr)

	if relField, ok := s.field("rel"); ok {
		if len(relField.list) != 2 {
			return nil, fmt.Errorf("malformed rel field")
		}
		relBody := relField.list[1]
		id, err := relBody.fieldInt("id")
		if err != nil {
			return nil, err
		}
		offset, err := relBody.fieldU64("offset")
		if err != nil {
			return nil, err
		}
		label := NoLabel
		if _, ok := relBody.field("label"); ok {
			if label, err = relBody.fieldInt("label"); err != nil {
				return nil, err
			}
		}
		loc.Rel = &Rel{FuncID: id, Offset: offset, Label: label}
	}
	if dbgField, ok := s.field("dbg"); ok {
		if len(dbgField.list) != 2 {
			return nil, fmt.Errorf("malformed dbg field")
		}
		dbgBody := dbgField.list[1]
		file, err := dbgBody.fieldString("file")
		if err != nil {
			return nil, err
		}
		line, err := dbgBody.fieldInt("line")
		if err != nil {
			return nil, err
		}
		loc.Dbg = &DebugLoc{File: file, Line: line}
	}
	return loc, nil
}

func funcToSexp(f *FuncRecord) *sexp {
	return newList(
		kv("id", atomInt(f.ID)),
		kv("name", atomStr(f.Name)),
		kv("start", atomHex(uint64(f.Start))),
		kv("finish", atomHex(uint64(f.Finish))),
		kv("has_linearids", atomBool(f.HasLinearIDs)),
		kv("count", atomU64(f.Count)),
		kv("malformed_traces", atomU64(f.MalformedTraces)),
		kv("agg", aggToSexp(f.Agg)),
	)
}

func funcFromSexp(s *sexp, policy libfdo.OverflowPolicy) (*FuncRecord, error) {
	f := &FuncRecord{}
	var err error
	if f.ID, err = s.fieldInt("id"); err != nil {
		return nil, err
	}
	if f.Name, err = s.fieldString("name"); err != nil {
		return nil, err
	}
	start, err := s.fieldU64("start")
	if err != nil {
		return nil, err
	}
	f.Start = libfdo.Address(start)
	finish, err := s.fieldU64("finish")
	if err != nil {
		return nil, err
	}
	f.Finish = libfdo.Address(finish)
	if f.HasLinearIDs, err = s.fieldBool("has_linearids"); err != nil {
		return nil, err
	}
	if f.Count, err = s.fieldU64("count"); err != nil {
		return nil, err
	}
	if f.MalformedTraces, err = s.fieldU64("malformed_traces"); err != nil {
		return nil, err
	}
	aggVal, err := s.fieldValue("agg")
	if err != nil {
		return nil, err
	}
	if f.Agg, err = aggFromSexp(aggVal, policy); err != nil {
		return nil, err
	}
	return f, nil
}

// ToSexp renders the decoded profile as a symbolic-expression tree.
func ToSexp(p *Profile) string {
	locs := make([]*sexp, 0, len(p.Addr2Loc))
	for _, addr := range sortedAddrs(p.Addr2Loc) {
		locs = append(locs, locToSexp(p.Addr2Loc[addr]))
	}

	funcs := make([]*sexp, 0, len(p.Functions))
	for _, f := range p.SortedFunctions() {
		funcs = append(funcs, funcToSexp(f))
	}

	names := maps.Keys(p.Name2ID)
	sort.Strings(names)
	name2id := make([]*sexp, 0, len(names))
	for _, name := range names {
		name2id = append(name2id, newList(atomStr(name), atomInt(p.Name2ID[name])))
	}

	root := newList(
		kv("kind", newAtom(kindDecoded)),
		kv("policy", newAtom(policyName(p.Policy))),
		kv("buildid", atomStr(p.BuildID)),
		kv("addr2loc", newList(locs...)),
		kv("name2id", newList(name2id...)),
		kv("functions", newList(funcs...)),
		kv("crcs", crcsToSexp(p.CRCs)),
	)
	return root.String()
}

// OfSexp parses the textual form produced by ToSexp.
func OfSexp(text string) (*Profile, error) {
	root, err := parseSexp(text)
	if err != nil {
		return nil, err
	}
	kind, err := root.fieldString("kind")
	if err != nil {
		return nil, err
	}
	if kind != kindDecoded {
		return nil, fmt.Errorf("expected decoded profile, got %q", kind)
	}

	policyStr, err := root.fieldString("policy")
	if err != nil {
		return nil, err
	}
	policy, err := parseOverflowPolicy(policyStr)
	if err != nil {
		return nil, err
	}

	p := &Profile{
		Addr2Loc:  make(map[libfdo.Address]*Location),
		Name2ID:   make(map[string]int),
		Functions: make(map[int]*FuncRecord),
		Policy:    policy,
	}
	if p.BuildID, err = root.fieldString("buildid"); err != nil {
		return nil, err
	}

	locsVal, err := root.fieldValue("addr2loc")
	if err != nil {
		return nil, err
	}
	locs, err := locsVal.expectList()
	if err != nil {
		return nil, err
	}
	for _, item := range locs {
		loc, err := locFromSexp(item)
		if err != nil {
			return nil, err
		}
		if _, dup := p.Addr2Loc[loc.Addr]; dup {
			return nil, fmt.Errorf("addr2loc: duplicate address %v", loc.Addr)
		}
		p.Addr2Loc[loc.Addr] = loc
	}

	namesVal, err := root.fieldValue("name2id")
	if err != nil {
		return nil, err
	}
	names, err := namesVal.expectList()
	if err != nil {
		return nil, err
	}
	for _, item := range names {
		pair, err := item.expectList()
		if err != nil || len(pair) != 2 {
			return nil, fmt.Errorf("name2id: malformed entry")
		}
		nameAtom, err := pair[0].expectAtom()
		if err != nil {
			return nil, err
		}
		name := nameAtom
		if unquoted, uerr := unquoteMaybe(nameAtom); uerr == nil {
			name = unquoted
		}
		id, err := parseU64Atom(pair[1])
		if err != nil {
			return nil, err
		}
		p.Name2ID[name] = int(id)
	}

	funcsVal, err := root.fieldValue("functions")
	if err != nil {
		return nil, err
	}
	funcs, err := funcsVal.expectList()
	if err != nil {
		return nil, err
	}
	for _, item := range funcs {
		f, err := funcFromSexp(item, policy)
		if err != nil {
			return nil, err
		}
		if _, dup := p.Functions[f.ID]; dup {
			return nil, fmt.Errorf("functions: duplicate id %d", f.ID)
		}
		p.Functions[f.ID] = f
	}

	crcsVal, err := root.fieldValue("crcs")
	if err != nil {
		return nil, err
	}
	if p.CRCs, err = crcsFromSexp(crcsVal); err != nil {
		return nil, err
	}
	return p, nil
}

// WriteTextual writes the decoded profile's sexp form to w.
func WriteTextual(w io.Writer, p *Profile) error {
	_, err := io.WriteString(w, ToSexp(p))
	return err
}

// ReadTextual parses a decoded profile from its sexp form.
func ReadTextual(r io.Reader) (*Profile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return OfSexp(string(data))
}

// WriteAggregatedText writes an aggregated raw profile's sexp form.
func WriteAggregatedText(w io.Writer, a *aggregate.Profile) error {
	root := newList(
		kv("kind", newAtom(kindAggregated)),
		kv("policy", newAtom(policyName(a.Policy))),
		kv("agg", aggToSexp(a)),
	)
	_, err := io.WriteString(w, root.String())
	return err
}

// ReadAggregatedText parses an aggregated raw profile from its sexp form.
func ReadAggregatedText(r io.Reader) (*aggregate.Profile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	root, err := parseSexp(string(data))
	if err != nil {
		return nil, err
	}
	kind, err := root.fieldString("kind")
	if err != nil {
		return nil, err
	}
	if kind != kindAggregated {
		return nil, fmt.Errorf("expected aggregated profile, got %q", kind)
	}
	policyStr, err := root.fieldString("policy")
	if err != nil {
		return nil, err
	}
	policy, err := parseOverflowPolicy(policyStr)
	if err != nil {
		return nil, err
	}
	aggVal, err := root.fieldValue("agg")
	if err != nil {
		return nil, err
	}
	return aggFromSexp(aggVal, policy)
}
