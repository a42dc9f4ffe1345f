// Copyright The fdoprof Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/peterbourgon/ff/v3"

	"github.com/fdo-tools/fdoprof/decode"
	"github.com/fdo-tools/fdoprof/digest"
	"github.com/fdo-tools/fdoprof/hotlayout"
	"github.com/fdo-tools/fdoprof/libfdo"
	"github.com/fdo-tools/fdoprof/perfscript"
	"github.com/fdo-tools/fdoprof/profile"
)

// envVarPrefix lets every flag be set as FDOPROF_<FLAG> in the
// environment.
const envVarPrefix = "FDOPROF"

// Help strings for command line arguments
var (
	outputHelp        = "Output file. Defaults to stdout."
	formatHelp        = "Output format: text or binary."
	overflowHelp      = "Counter overflow policy: saturate or abort."
	verboseHelp       = "Enable verbose logging."
	pidsHelp          = "Comma-separated list of pids to accept; empty accepts all."
	binaryHelp        = "Profiled ELF binary to decode against."
	writeAggHelp      = "Also write the aggregated raw profile to this file."
	readAggHelp       = "Read a previously aggregated raw profile instead of perf-script input."
	extHelp           = "Expected linear-IR debug file extension."
	ignoreLocalHelp   = "Coalesce locally-duplicated function symbols instead of failing."
	crcFuncHelp       = "Track per-function digests."
	crcUnitHelp       = "Track per-unit digests."
	ignoreDbgHelp     = "Strip debug annotations before hashing IR."
	onMissingHelp     = "Policy for missing digests: fail, skip or use-anyway."
	onMismatchHelp    = "Policy for mismatched digests: fail, skip or use-anyway."
	ignoreBuildIDHelp = "Merge profiles even when their build-ids differ."
	trimHelp          = "Ordered trim spec, e.g. 'min-samples=100,top=10,top-percent=50,top-percent-samples=99'."
	strategyHelp      = "Layout strategy: exec-count, random, in-src-order or hot-cold-jump."
	seedHelp          = "Seed for the random layout strategy."
	templateHelp      = "Linker script template; its 'INCLUDE linker-script-hot' line is replaced."
	demangleHelp      = "Demangle function names in the report."
)

func parseFlags(fs *flag.FlagSet, args []string) error {
	return ff.Parse(fs, args, ff.WithEnvVarPrefix(envVarPrefix))
}

type commonArgs struct {
	verbose  bool
	output   string
	format   string
	overflow string
}

func (c *commonArgs) register(fs *flag.FlagSet) {
	fs.BoolVar(&c.verbose, "v", false, verboseHelp)
	fs.StringVar(&c.output, "o", "", outputHelp)
	fs.StringVar(&c.format, "format", "text", formatHelp)
	fs.StringVar(&c.overflow, "overflow", "saturate", overflowHelp)
}

func (c *commonArgs) overflowPolicy() (libfdo.OverflowPolicy, error) {
	switch c.overflow {
	case "saturate":
		return libfdo.Saturate, nil
	case "abort":
		return libfdo.Abort, nil
	}
	return 0, fmt.Errorf("unknown overflow policy %q", c.overflow)
}

func (c *commonArgs) checkFormat() error {
	if c.format != "text" && c.format != "binary" {
		return fmt.Errorf("unknown format %q", c.format)
	}
	return nil
}

type decodeArgs struct {
	commonArgs
	binary         string
	pids           string
	writeAgg       string
	readAgg        string
	linearExt      string
	ignoreLocalDup bool

	crcFunc    bool
	crcUnit    bool
	ignoreDbg  bool
	onMissing  string
	onMismatch string

	inputs []string
}

func parseDecodeArgs(args []string) (*decodeArgs, error) {
	var da decodeArgs
	fs := flag.NewFlagSet("fdoprof decode", flag.ContinueOnError)
	da.register(fs)
	fs.StringVar(&da.binary, "binary", "", binaryHelp)
	fs.StringVar(&da.pids, "pids", "", pidsHelp)
	fs.StringVar(&da.writeAgg, "write-aggregated", "", writeAggHelp)
	fs.StringVar(&da.readAgg, "read-aggregated", "", readAggHelp)
	fs.StringVar(&da.linearExt, "ext", decode.DefaultLinearExt, extHelp)
	fs.BoolVar(&da.ignoreLocalDup, "ignore-local-dup", false, ignoreLocalHelp)
	fs.BoolVar(&da.crcFunc, "crc-func", true, crcFuncHelp)
	fs.BoolVar(&da.crcUnit, "crc-unit", true, crcUnitHelp)
	fs.BoolVar(&da.ignoreDbg, "ignore-dbg", false, ignoreDbgHelp)
	fs.StringVar(&da.onMissing, "on-missing", "fail", onMissingHelp)
	fs.StringVar(&da.onMismatch, "on-mismatch", "fail", onMismatchHelp)

	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	da.inputs = fs.Args()

	if da.binary == "" {
		return nil, errors.New("decode requires -binary")
	}
	// Reading back an aggregated profile while also writing one is a
	// contradiction; reject it instead of silently preferring the read.
	if da.readAgg != "" && da.writeAgg != "" {
		return nil, errors.New("-read-aggregated and -write-aggregated conflict")
	}
	if da.readAgg == "" && len(da.inputs) == 0 {
		return nil, errors.New("decode requires perf-script input files or -read-aggregated")
	}
	if da.readAgg != "" && len(da.inputs) > 0 {
		return nil, errors.New("perf-script inputs conflict with -read-aggregated")
	}
	if err := da.checkFormat(); err != nil {
		return nil, err
	}
	return &da, nil
}

func (da *decodeArgs) pidFilter() (perfscript.PidFilter, error) {
	if da.pids == "" {
		return perfscript.PidFilter{}, nil
	}
	var pids []uint32
	for _, tok := range strings.Split(da.pids, ",") {
		pid, err := strconv.ParseUint(strings.TrimSpace(tok), 10, 32)
		if err != nil {
			return perfscript.PidFilter{}, fmt.Errorf("bad pid %q", tok)
		}
		pids = append(pids, uint32(pid))
	}
	return perfscript.AllowPids(pids...), nil
}

func (da *decodeArgs) digestConfig() (digest.Config, error) {
	onMissing, err := digest.ParsePolicy(da.onMissing)
	if err != nil {
		return digest.Config{}, err
	}
	onMismatch, err := digest.ParsePolicy(da.onMismatch)
	if err != nil {
		return digest.Config{}, err
	}
	return digest.NewConfig(digest.Config{
		Func:       da.crcFunc,
		Unit:       da.crcUnit,
		IgnoreDbg:  da.ignoreDbg,
		OnMissing:  onMissing,
		OnMismatch: onMismatch,
	})
}

type mergeArgs struct {
	commonArgs
	ignoreBuildID bool
	aggregated    bool
	inputs        []string
}

func parseMergeArgs(args []string) (*mergeArgs, error) {
	var ma mergeArgs
	fs := flag.NewFlagSet("fdoprof merge", flag.ContinueOnError)
	ma.register(fs)
	fs.BoolVar(&ma.ignoreBuildID, "ignore-buildid", false, ignoreBuildIDHelp)
	fs.BoolVar(&ma.aggregated, "aggregated", false,
		"Merge aggregated raw profiles instead of decoded profiles.")

	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	ma.inputs = fs.Args()
	if len(ma.inputs) < 2 {
		return nil, errors.New("merge requires at least two input profiles")
	}
	if err := ma.checkFormat(); err != nil {
		return nil, err
	}
	return &ma, nil
}

type trimArgs struct {
	commonArgs
	input string
	specs []profile.TrimPredicate
}

func parseTrimArgs(args []string) (*trimArgs, error) {
	var ta trimArgs
	var spec string
	fs := flag.NewFlagSet("fdoprof trim", flag.ContinueOnError)
	ta.register(fs)
	fs.StringVar(&ta.input, "i", "", "Input decoded profile.")
	fs.StringVar(&spec, "trim", "", trimHelp)

	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	if ta.input == "" {
		return nil, errors.New("trim requires -i")
	}
	if spec == "" {
		return nil, errors.New("trim requires -trim")
	}
	var err error
	if ta.specs, err = parseTrimSpec(spec); err != nil {
		return nil, err
	}
	if err := ta.checkFormat(); err != nil {
		return nil, err
	}
	return &ta, nil
}

// parseTrimSpec parses an ordered comma-separated predicate list.
// Predicates apply in the order written.
func parseTrimSpec(spec string) ([]profile.TrimPredicate, error) {
	var out []profile.TrimPredicate
	for _, tok := range strings.Split(spec, ",") {
		name, value, found := strings.Cut(strings.TrimSpace(tok), "=")
		if !found {
			return nil, fmt.Errorf("trim predicate %q lacks a value", tok)
		}
		switch name {
		case "top":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("bad top count %q", value)
			}
			out = append(out, profile.Top{N: n})
		case "top-percent":
			p, err := parsePercent(value)
			if err != nil {
				return nil, err
			}
			out = append(out, profile.TopPercent{Percent: p})
		case "top-percent-samples":
			p, err := parsePercent(value)
			if err != nil {
				return nil, err
			}
			out = append(out, profile.TopPercentSamples{Percent: p})
		case "min-samples":
			k, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("bad sample count %q", value)
			}
			out = append(out, profile.MinSamples{Min: k})
		default:
			return nil, fmt.Errorf("unknown trim predicate %q", name)
		}
	}
	return out, nil
}

func parsePercent(value string) (float64, error) {
	p, err := strconv.ParseFloat(value, 64)
	if err != nil || p < 0 || p > 100 {
		return 0, fmt.Errorf("bad percentage %q", value)
	}
	return p, nil
}

type hotLayoutArgs struct {
	commonArgs
	input    string
	template string
	strategy hotlayout.Strategy
	inputs   []string
}

func parseHotLayoutArgs(args []string) (*hotLayoutArgs, error) {
	var ha hotLayoutArgs
	var strategy string
	var seed uint64
	fs := flag.NewFlagSet("fdoprof hot-layout", flag.ContinueOnError)
	ha.register(fs)
	fs.StringVar(&ha.input, "i", "", "Input decoded profile.")
	fs.StringVar(&strategy, "strategy", "exec-count", strategyHelp)
	fs.Uint64Var(&seed, "seed", 0, seedHelp)
	fs.StringVar(&ha.template, "template", "", templateHelp)

	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	ha.inputs = fs.Args()
	if ha.input == "" {
		return nil, errors.New("hot-layout requires -i")
	}

	switch strategy {
	case "exec-count":
		ha.strategy = hotlayout.ExecCountDesc{}
	case "random":
		ha.strategy = hotlayout.Random{Seed: seed}
	case "in-src-order":
		ha.strategy = hotlayout.InSrcOrder{}
	case "hot-cold-jump":
		ha.strategy = hotlayout.HotColdJump{}
	default:
		return nil, fmt.Errorf("unknown layout strategy %q", strategy)
	}
	return &ha, nil
}

type dumpArgs struct {
	commonArgs
	input    string
	demangle bool
}

func parseDumpArgs(args []string) (*dumpArgs, error) {
	var du dumpArgs
	fs := flag.NewFlagSet("fdoprof dump", flag.ContinueOnError)
	du.register(fs)
	fs.StringVar(&du.input, "i", "", "Input decoded profile.")
	fs.BoolVar(&du.demangle, "demangle", false, demangleHelp)

	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	if du.input == "" {
		return nil, errors.New("dump requires -i")
	}
	return &du, nil
}
