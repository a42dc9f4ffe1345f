// Copyright The fdoprof Authors
// SPDX-License-Identifier: Apache-2.0

// fdoprof decodes hardware-sampled LBR profiles against the profiled
// ELF binary and emits the artifacts that drive feedback-directed
// recompilation: a decoded profile and a hot-functions linker script
// fragment.
package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/ianlancetaylor/demangle"
	log "github.com/sirupsen/logrus"

	"github.com/fdo-tools/fdoprof/aggregate"
	"github.com/fdo-tools/fdoprof/decode"
	"github.com/fdo-tools/fdoprof/elfinfo"
	"github.com/fdo-tools/fdoprof/hotlayout"
	"github.com/fdo-tools/fdoprof/perfscript"
	"github.com/fdo-tools/fdoprof/profile"
)

type exitCode int

const (
	exitSuccess exitCode = 0
	// exitFailure covers user-facing errors: bad input, missing files,
	// digest mismatches under the fail policy.
	exitFailure exitCode = 1
	// exitInternal covers invariant violations inside the decoder.
	exitInternal exitCode = 2
)

const usageMessage = `Usage: fdoprof <command> [flags] [inputs...]

Commands:
  decode      aggregate perf-script samples and decode them against a binary
  merge       merge profiles of the same kind
  trim        apply cutoff filters to a decoded profile
  hot-layout  emit the hot-functions linker script fragment
  dump        print a human-readable profile summary
`

func main() {
	os.Exit(int(mainWithExitCode()))
}

func mainWithExitCode() exitCode {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usageMessage)
		return exitFailure
	}

	var err error
	switch os.Args[1] {
	case "decode":
		err = cmdDecode(os.Args[2:])
	case "merge":
		err = cmdMerge(os.Args[2:])
	case "trim":
		err = cmdTrim(os.Args[2:])
	case "hot-layout":
		err = cmdHotLayout(os.Args[2:])
	case "dump":
		err = cmdDump(os.Args[2:])
	case "-h", "-help", "--help":
		fmt.Print(usageMessage)
		return exitSuccess
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usageMessage)
		return exitFailure
	}

	if err == nil {
		return exitSuccess
	}
	log.Errorf("%v", err)
	if isInternal(err) {
		return exitInternal
	}
	return exitFailure
}

// isInternal classifies invariant violations that indicate a decoder
// bug rather than bad user input.
func isInternal(err error) bool {
	return errors.Is(err, decode.ErrOffsetTooLarge) ||
		strings.HasPrefix(err.Error(), "internal:")
}

func setupLogging(verbose bool) {
	if verbose {
		log.SetLevel(log.DebugLevel)
	}
}

// openOutput returns the output writer and a close function.
func openOutput(path string) (io.Writer, func() error, error) {
	if path == "" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}

func writeProfileFile(path, format string, p *profile.Profile) error {
	w, closeFn, err := openOutput(path)
	if err != nil {
		return err
	}
	if format == "binary" {
		err = profile.WriteBinary(w, p)
	} else {
		err = profile.WriteTextual(w, p)
	}
	if cerr := closeFn(); err == nil {
		err = cerr
	}
	return err
}

// readProfileFile auto-detects the binary envelope by its magic.
func readProfileFile(path string) (*profile.Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if bytes.HasPrefix(data, []byte("FDOPROF")) {
		return profile.ReadBinary(bytes.NewReader(data))
	}
	return profile.ReadTextual(bytes.NewReader(data))
}

func readAggregatedFile(path string) (*aggregate.Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if bytes.HasPrefix(data, []byte("FDOPROF")) {
		return profile.ReadAggregatedBinary(bytes.NewReader(data))
	}
	return profile.ReadAggregatedText(bytes.NewReader(data))
}

func cmdDecode(args []string) error {
	da, err := parseDecodeArgs(args)
	if err != nil {
		return err
	}
	setupLogging(da.verbose)

	policy, err := da.overflowPolicy()
	if err != nil {
		return err
	}
	digestCfg, err := da.digestConfig()
	if err != nil {
		return err
	}
	filter, err := da.pidFilter()
	if err != nil {
		return err
	}

	elf, err := elfinfo.Open(da.binary)
	if err != nil {
		return err
	}
	defer elf.Close()

	var agg *aggregate.Profile
	if da.readAgg != "" {
		if agg, err = readAggregatedFile(da.readAgg); err != nil {
			return err
		}
	} else {
		aggregator := aggregate.NewAggregator(elf.BuildID(), policy)
		for _, input := range da.inputs {
			if err := aggregateFile(aggregator, input, filter); err != nil {
				return err
			}
		}
		agg = aggregator.Profile()
	}

	if da.writeAgg != "" {
		if err := writeAggregatedFile(da.writeAgg, da.format, agg); err != nil {
			return err
		}
	}

	p, stats, err := decode.Decode(agg, elf, decode.Config{
		LinearExt:      da.linearExt,
		IgnoreLocalDup: da.ignoreLocalDup,
		DigestConfig:   digestCfg,
	})
	if err != nil {
		return err
	}
	log.Infof("decoded %d samples into %d functions (%d unresolved addresses)",
		agg.TotalSamples(), len(p.Functions), stats.UnresolvedAddrs)

	return writeProfileFile(da.output, da.format, p)
}

// aggregateFile feeds one perf-script file to the aggregator, closing
// the handle on all paths.
func aggregateFile(aggregator *aggregate.Aggregator, path string,
	filter perfscript.PidFilter) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := perfscript.NewReader(bufio.NewReader(f), filter)
	if err := aggregator.ReadAll(r); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if ignored := r.Ignored(); ignored > 0 {
		log.Warnf("%s: ignored %d malformed sample lines", path, ignored)
	}
	return nil
}

func writeAggregatedFile(path, format string, agg *aggregate.Profile) error {
	w, closeFn, err := openOutput(path)
	if err != nil {
		return err
	}
	if format == "binary" {
		err = profile.WriteAggregatedBinary(w, agg)
	} else {
		err = profile.WriteAggregatedText(w, agg)
	}
	if cerr := closeFn(); err == nil {
		err = cerr
	}
	return err
}

func cmdMerge(args []string) error {
	ma, err := parseMergeArgs(args)
	if err != nil {
		return err
	}
	setupLogging(ma.verbose)

	if ma.aggregated {
		base, err := readAggregatedFile(ma.inputs[0])
		if err != nil {
			return err
		}
		for _, input := range ma.inputs[1:] {
			next, err := readAggregatedFile(input)
			if err != nil {
				return err
			}
			if err := base.Merge(next, ma.ignoreBuildID); err != nil {
				return fmt.Errorf("%s: %w", input, err)
			}
		}
		return writeAggregatedFile(ma.output, ma.format, base)
	}

	base, err := readProfileFile(ma.inputs[0])
	if err != nil {
		return err
	}
	for _, input := range ma.inputs[1:] {
		next, err := readProfileFile(input)
		if err != nil {
			return err
		}
		if err := base.Merge(next, ma.ignoreBuildID); err != nil {
			return fmt.Errorf("%s: %w", input, err)
		}
	}
	return writeProfileFile(ma.output, ma.format, base)
}

func cmdTrim(args []string) error {
	ta, err := parseTrimArgs(args)
	if err != nil {
		return err
	}
	setupLogging(ta.verbose)

	p, err := readProfileFile(ta.input)
	if err != nil {
		return err
	}
	profile.Trim(p, ta.specs)
	return writeProfileFile(ta.output, ta.format, p)
}

func cmdHotLayout(args []string) error {
	ha, err := parseHotLayoutArgs(args)
	if err != nil {
		return err
	}
	setupLogging(ha.verbose)

	p, err := readProfileFile(ha.input)
	if err != nil {
		return err
	}
	names := hotlayout.Order(p, ha.strategy, append([]string{ha.input}, ha.inputs...))

	w, closeFn, err := openOutput(ha.output)
	if err != nil {
		return err
	}
	if ha.template != "" {
		tmpl, terr := os.Open(ha.template)
		if terr != nil {
			_ = closeFn()
			return terr
		}
		err = hotlayout.Substitute(tmpl, w, names)
		_ = tmpl.Close()
	} else {
		err = hotlayout.WriteFragment(w, names)
	}
	if cerr := closeFn(); err == nil {
		err = cerr
	}
	return err
}

func cmdDump(args []string) error {
	du, err := parseDumpArgs(args)
	if err != nil {
		return err
	}
	setupLogging(du.verbose)

	p, err := readProfileFile(du.input)
	if err != nil {
		return err
	}

	w, closeFn, err := openOutput(du.output)
	if err != nil {
		return err
	}
	err = dumpProfile(w, p, du.demangle)
	if cerr := closeFn(); err == nil {
		err = cerr
	}
	return err
}

// dumpProfile prints the per-function summary, hottest first.
func dumpProfile(w io.Writer, p *profile.Profile, demangleNames bool) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "buildid: %s\n", orDash(p.BuildID))
	fmt.Fprintf(bw, "functions: %d, total samples: %d, digests: %d\n\n",
		len(p.Functions), p.TotalCount(), p.CRCs.Len())

	funcs := p.SortedFunctions()
	sort.SliceStable(funcs, func(i, j int) bool {
		if funcs[i].Count != funcs[j].Count {
			return funcs[i].Count > funcs[j].Count
		}
		return funcs[i].ID < funcs[j].ID
	})

	for _, f := range funcs {
		name := f.Name
		if demangleNames {
			name = demangle.Filter(name)
		}
		fmt.Fprintf(bw, "%12d  %s", f.Count, name)
		if f.MalformedTraces > 0 {
			fmt.Fprintf(bw, "  (malformed traces: %d)", f.MalformedTraces)
		}
		if !f.HasLinearIDs {
			fmt.Fprintf(bw, "  (no linear ids)")
		}
		fmt.Fprintln(bw)
	}
	return bw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
