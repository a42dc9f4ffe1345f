// Copyright The fdoprof Authors
// SPDX-License-Identifier: Apache-2.0

package elfinfo // import "github.com/fdo-tools/fdoprof/elfinfo"

import (
	"debug/dwarf"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"sort"

	lru "github.com/elastic/go-freelru"
	log "github.com/sirupsen/logrus"

	"github.com/fdo-tools/fdoprof/libfdo"
)

// lineCacheSize bounds the address-to-line LRU. Profiles rarely touch
// more distinct addresses than this; past that the DWARF table lookup
// is repeated.
const lineCacheSize = 65536

// File implements Facade on top of an ELF binary with debug line
// information.
type File struct {
	ef        *elf.File
	closer    io.Closer
	intervals *libfdo.IntervalMap
	buildID   string

	lines     []lineEntry
	linesErr  error
	linesRead bool
	lineCache *lru.LRU[libfdo.Address, cachedLine]
}

// cachedLine remembers a lookup result, including whether several line
// rows shared the resolved address. An empty rec.File marks a cached
// negative result.
type cachedLine struct {
	rec       LineRecord
	ambiguous bool
}

var _ Facade = &File{}

// Open loads the function symbol intervals and build-id of the ELF
// binary at path. Debug line tables are loaded lazily on first
// ResolveAll.
func Open(path string) (*File, error) {
	ef, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	f, err := newFile(ef, ef)
	if err != nil {
		_ = ef.Close()
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return f, nil
}

func newFile(ef *elf.File, closer io.Closer) (*File, error) {
	f := &File{ef: ef, closer: closer}

	if err := f.loadIntervals(); err != nil {
		return nil, err
	}
	f.buildID = readGNUBuildID(ef)

	cache, err := lru.New[libfdo.Address, cachedLine](lineCacheSize, libfdo.Address.Hash32)
	if err != nil {
		return nil, err
	}
	f.lineCache = cache
	return f, nil
}

// Close releases the underlying file handle.
func (f *File) Close() error {
	if f.closer == nil {
		return nil
	}
	err := f.closer.Close()
	f.closer = nil
	return err
}

func (f *File) FunctionContaining(addr libfdo.Address) (*libfdo.FuncInterval, bool) {
	return f.intervals.Containing(addr)
}

func (f *File) BuildID() string {
	return f.buildID
}

func (f *File) ResolveAll(addrs []libfdo.Address) (map[libfdo.Address]LineRecord, uint64) {
	out := make(map[libfdo.Address]LineRecord, len(addrs))
	var ambiguous uint64
	for _, addr := range addrs {
		rec, ok, amb := f.resolveLine(addr)
		if amb {
			ambiguous++
		}
		if ok {
			out[addr] = rec
		}
	}
	return out, ambiguous
}

func (f *File) resolveLine(addr libfdo.Address) (LineRecord, bool, bool) {
	if c, ok := f.lineCache.Get(addr); ok {
		return c.rec, c.rec.File != "", c.ambiguous
	}
	if !f.linesRead {
		f.linesRead = true
		f.linesErr = f.loadLines()
		if f.linesErr != nil {
			log.Warnf("no debug line info: %v", f.linesErr)
		}
	}
	rec, ok, ambiguous := lookupLine(f.lines, addr)
	// Negative results are cached as an empty record.
	f.lineCache.Add(addr, cachedLine{rec: rec, ambiguous: ambiguous})
	return rec, ok, ambiguous
}

// loadIntervals builds the function interval map from the symbol
// tables. Zero-sized and undefined symbols are skipped; exact duplicate
// symbols (common with aliased locals) are coalesced by the map.
func (f *File) loadIntervals() error {
	f.intervals = libfdo.NewIntervalMap(1024)

	// Aliased symbols share an address range under different names; the
	// first name seen wins so the interval map stays disjoint.
	type addrRange struct {
		start, end libfdo.Address
	}
	seen := make(map[addrRange]struct{})
	addSyms := func(syms []elf.Symbol) {
		for _, sym := range syms {
			if elf.ST_TYPE(sym.Info) != elf.STT_FUNC ||
				sym.Size == 0 || sym.Section == elf.SHN_UNDEF {
				continue
			}
			fi := libfdo.FuncInterval{
				Name:  sym.Name,
				Start: libfdo.Address(sym.Value),
				End:   libfdo.Address(sym.Value + sym.Size),
			}
			if _, dup := seen[addrRange{fi.Start, fi.End}]; dup {
				continue
			}
			seen[addrRange{fi.Start, fi.End}] = struct{}{}
			if err := f.intervals.Add(fi); err != nil {
				log.Debugf("skipping symbol: %v", err)
			}
		}
	}

	syms, err := f.ef.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return fmt.Errorf("read symbol table: %w", err)
	}
	addSyms(syms)
	dynsyms, err := f.ef.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return fmt.Errorf("read dynamic symbol table: %w", err)
	}
	addSyms(dynsyms)

	if err := f.intervals.Finalize(); err != nil {
		return fmt.Errorf("function symbols: %w", err)
	}
	return nil
}

// lineEntry is one row of the flattened DWARF line program.
// endSeq rows terminate a range: addresses at or past them up to the
// next row have no line information.
type lineEntry struct {
	addr   libfdo.Address
	file   string
	line   int
	endSeq bool
}

func (f *File) loadLines() error {
	dw, err := f.ef.DWARF()
	if err != nil {
		return fmt.Errorf("read DWARF: %w", err)
	}

	reader := dw.Reader()
	for {
		entry, err := reader.Next()
		if err != nil {
			return fmt.Errorf("walk DWARF: %w", err)
		}
		if entry == nil {
			break
		}
		if entry.Tag != dwarf.TagCompileUnit {
			reader.SkipChildren()
			continue
		}
		lr, err := dw.LineReader(entry)
		if err != nil || lr == nil {
			continue
		}
		var le dwarf.LineEntry
		for {
			if err := lr.Next(&le); err != nil {
				if err != io.EOF {
					log.Warnf("line program: %v", err)
				}
				break
			}
			e := lineEntry{addr: libfdo.Address(le.Address), endSeq: le.EndSequence}
			if !le.EndSequence && le.File != nil {
				e.file = le.File.Name
				e.line = le.Line
			}
			f.lines = append(f.lines, e)
		}
		reader.SkipChildren()
	}

	sort.SliceStable(f.lines, func(i, j int) bool {
		return f.lines[i].addr < f.lines[j].addr
	})
	return nil
}

// lookupLine finds the line row covering addr: the last row at or below
// addr. When that row is a sequence terminator, addr has no line
// information. When several rows map the same address the first stored
// wins; ambiguous reports that the tie-break fired.
func lookupLine(lines []lineEntry, addr libfdo.Address) (rec LineRecord, ok, ambiguous bool) {
	i := sort.Search(len(lines), func(i int) bool {
		return lines[i].addr > addr
	})
	if i == 0 {
		return LineRecord{}, false, false
	}
	// The stable sort keeps equal-address rows in append order; walk
	// back to the first one.
	first := i - 1
	for first > 0 && lines[first-1].addr == lines[i-1].addr {
		first--
	}
	ambiguous = first != i-1
	e := lines[first]
	if e.endSeq || e.file == "" {
		return LineRecord{}, false, ambiguous
	}
	return LineRecord{File: e.file, Line: e.line}, true, ambiguous
}

// readGNUBuildID extracts the GNU build-id note, if present.
func readGNUBuildID(ef *elf.File) string {
	sec := ef.Section(".note.gnu.build-id")
	if sec == nil {
		return ""
	}
	data, err := sec.Data()
	if err != nil {
		return ""
	}
	id, err := parseBuildIDNote(data)
	if err != nil {
		log.Debugf("build-id note: %v", err)
		return ""
	}
	return id
}
