// Copyright The fdoprof Authors
// SPDX-License-Identifier: Apache-2.0

// Binary persisted form: an 8-byte magic, a format version and a payload
// kind, followed by the zstd-compressed, length-prefixed record data.
package profile // import "github.com/fdo-tools/fdoprof/profile"

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/klauspost/compress/zstd"

	"github.com/fdo-tools/fdoprof/aggregate"
	"github.com/fdo-tools/fdoprof/digest"
	"github.com/fdo-tools/fdoprof/libfdo"
)

// binMagic uniquely identifies fdoprof binary profiles.
const binMagic = "FDOPROF0"

// binVersion is the current binary format version.
const binVersion = uint32(1)

const (
	binKindAggregated = uint8(1)
	binKindDecoded    = uint8(2)
)

// ErrIncompatibleVersion is returned when reading a binary profile
// written by a different format version.
var ErrIncompatibleVersion = errors.New("incompatible binary profile version")

type binWriter struct {
	buf bytes.Buffer
}

func (w *binWriter) u8(v uint8) { w.buf.WriteByte(v) }

func (w *binWriter) boolean(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *binWriter) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *binWriter) str(s string) {
	w.u64(uint64(len(s)))
	w.buf.WriteString(s)
}

type binReader struct {
	data []byte
	pos  int
	err  error
}

func (r *binReader) fail(what string) {
	if r.err == nil {
		r.err = fmt.Errorf("truncated binary profile reading %s", what)
	}
}

func (r *binReader) u8(what string) uint8 {
	if r.err != nil {
		return 0
	}
	if r.pos+1 > len(r.data) {
		r.fail(what)
		return 0
	}
	v := r.data[r.pos]
	r.pos++
	return v
}

func (r *binReader) boolean(what string) bool {
	return r.u8(what) != 0
}

func (r *binReader) u64(what string) uint64 {
	if r.err != nil {
		return 0
	}
	if r.pos+8 > len(r.data) {
		r.fail(what)
		return 0
	}
	v := binary.LittleEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v
}

func (r *binReader) str(what string) string {
	n := r.u64(what)
	if r.err != nil {
		return ""
	}
	if n > uint64(len(r.data)-r.pos) {
		r.fail(what)
		return ""
	}
	s := string(r.data[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s
}

func (r *binReader) bytes(n int, what string) []byte {
	if r.err != nil {
		return nil
	}
	if r.pos+n > len(r.data) {
		r.fail(what)
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func writeAggPayload(w *binWriter, a *aggregate.Profile) {
	w.str(a.BuildID)
	w.u64(uint64(len(a.Instructions)))
	for _, addr := range sortedAddrs(a.Instructions) {
		w.u64(uint64(addr))
		w.u64(a.Instructions[addr])
	}
	for _, table := range []map[aggregate.BranchKey]uint64{
		a.Branches, a.Mispredicts, a.Traces, a.MalformedTraces,
	} {
		w.u64(uint64(len(table)))
		for _, key := range sortedBranchKeys(table) {
			w.u64(uint64(key.From))
			w.u64(uint64(key.To))
			w.u64(table[key])
		}
	}
}

func readAggPayload(r *binReader, policy libfdo.OverflowPolicy) *aggregate.Profile {
	a := aggregate.NewProfile(policy)
	a.BuildID = r.str("buildid")
	n := r.u64("instruction count")
	for i := uint64(0); i < n && r.err == nil; i++ {
		addr := libfdo.Address(r.u64("instruction address"))
		a.Instructions[addr] = r.u64("instruction count")
	}
	for _, table := range []map[aggregate.BranchKey]uint64{
		a.Branches, a.Mispredicts, a.Traces, a.MalformedTraces,
	} {
		n := r.u64("edge table size")
		for i := uint64(0); i < n && r.err == nil; i++ {
			key := aggregate.BranchKey{
				From: libfdo.Address(r.u64("edge from")),
				To:   libfdo.Address(r.u64("edge to")),
			}
			table[key] = r.u64("edge count")
		}
	}
	return a
}

func writeEnvelope(w io.Writer, kind uint8, payload []byte) error {
	header := make([]byte, 0, len(binMagic)+5)
	header = append(header, binMagic...)
	header = binary.LittleEndian.AppendUint32(header, binVersion)
	header = append(header, kind)
	if _, err := w.Write(header); err != nil {
		return err
	}
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	if _, err := zw.Write(payload); err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}

func readEnvelope(r io.Reader, wantKind uint8) ([]byte, error) {
	header := make([]byte, len(binMagic)+5)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read binary profile header: %w", err)
	}
	if string(header[:len(binMagic)]) != binMagic {
		return nil, errors.New("not a binary profile (bad magic)")
	}
	version := binary.LittleEndian.Uint32(header[len(binMagic):])
	if version != binVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, version, binVersion)
	}
	kind := header[len(binMagic)+4]
	if kind != wantKind {
		return nil, fmt.Errorf("wrong binary profile kind %d, want %d", kind, wantKind)
	}

	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// WriteBinary writes the decoded profile in binary form.
func WriteBinary(w io.Writer, p *Profile) error {
	bw := &binWriter{}
	bw.u8(uint8(p.Policy))
	bw.str(p.BuildID)

	bw.u64(uint64(len(p.Addr2Loc)))
	for _, addr := range sortedAddrs(p.Addr2Loc) {
		loc := p.Addr2Loc[addr]
		bw.u64(uint64(loc.Addr))
		var flags uint8
		if loc.Rel != nil {
			flags |= 1
		}
		if loc.Dbg != nil {
			flags |= 2
		}
		bw.u8(flags)
		if loc.Rel != nil {
			bw.u64(uint64(loc.Rel.FuncID))
			bw.u64(loc.Rel.Offset)
			// Shifted by one so NoLabel maps to zero.
			bw.u64(uint64(int64(loc.Rel.Label) + 1))
		}
		if loc.Dbg != nil {
			bw.str(loc.Dbg.File)
			bw.u64(uint64(loc.Dbg.Line))
		}
	}

	funcs := p.SortedFunctions()
	bw.u64(uint64(len(funcs)))
	for _, f := range funcs {
		bw.u64(uint64(f.ID))
		bw.str(f.Name)
		bw.u64(uint64(f.Start))
		bw.u64(uint64(f.Finish))
		bw.boolean(f.HasLinearIDs)
		bw.u64(f.Count)
		bw.u64(f.MalformedTraces)
		writeAggPayload(bw, f.Agg)
	}

	cfg := p.CRCs.Config()
	bw.boolean(cfg.Func)
	bw.boolean(cfg.Unit)
	bw.boolean(cfg.IgnoreDbg)
	bw.u8(uint8(cfg.OnMissing))
	bw.u8(uint8(cfg.OnMismatch))
	keys := p.CRCs.Keys()
	bw.u64(uint64(len(keys)))
	sortDigestKeys(keys)
	for _, key := range keys {
		d, _ := p.CRCs.Get(key.Name, key.Kind)
		bw.str(key.Name)
		bw.u8(uint8(key.Kind))
		bw.buf.Write(d[:])
	}

	return writeEnvelope(w, binKindDecoded, bw.buf.Bytes())
}

// ReadBinary reads a decoded profile written by WriteBinary.
func ReadBinary(rd io.Reader) (*Profile, error) {
	payload, err := readEnvelope(rd, binKindDecoded)
	if err != nil {
		return nil, err
	}
	r := &binReader{data: payload}

	policy := libfdo.OverflowPolicy(r.u8("overflow policy"))
	p := &Profile{
		Addr2Loc:  make(map[libfdo.Address]*Location),
		Name2ID:   make(map[string]int),
		Functions: make(map[int]*FuncRecord),
		Policy:    policy,
	}
	p.BuildID = r.str("buildid")

	nLocs := r.u64("addr2loc size")
	for i := uint64(0); i < nLocs && r.err == nil; i++ {
		loc := &Location{Addr: libfdo.Address(r.u64("location address"))}
		flags := r.u8("location flags")
		if flags&1 != 0 {
			rel := &Rel{
				FuncID: int(r.u64("rel id")),
				Offset: r.u64("rel offset"),
			}
			rel.Label = int(int64(r.u64("rel label")) - 1)
			loc.Rel = rel
		}
		if flags&2 != 0 {
			loc.Dbg = &DebugLoc{
				File: r.str("dbg file"),
				Line: int(r.u64("dbg line")),
			}
		}
		p.Addr2Loc[loc.Addr] = loc
	}

	nFuncs := r.u64("function count")
	if nFuncs > math.MaxUint32 {
		return nil, errors.New("implausible function count")
	}
	for i := uint64(0); i < nFuncs && r.err == nil; i++ {
		f := &FuncRecord{
			ID:   int(r.u64("function id")),
			Name: r.str("function name"),
		}
		f.Start = libfdo.Address(r.u64("function start"))
		f.Finish = libfdo.Address(r.u64("function finish"))
		f.HasLinearIDs = r.boolean("has_linearids")
		f.Count = r.u64("function count")
		f.MalformedTraces = r.u64("malformed traces")
		f.Agg = readAggPayload(r, policy)
		if r.err != nil {
			break
		}
		p.Functions[f.ID] = f
		p.Name2ID[f.Name] = f.ID
	}

	var cfg digest.Config
	cfg.Func = r.boolean("crc config func")
	cfg.Unit = r.boolean("crc config unit")
	cfg.IgnoreDbg = r.boolean("crc config ignore_dbg")
	cfg.OnMissing = digest.Policy(r.u8("crc on_missing"))
	cfg.OnMismatch = digest.Policy(r.u8("crc on_mismatch"))
	if r.err == nil {
		validated, err := digest.NewConfig(cfg)
		if err != nil {
			return nil, err
		}
		p.CRCs = digest.NewRegistry(validated)
		nCRCs := r.u64("crc entry count")
		for i := uint64(0); i < nCRCs && r.err == nil; i++ {
			name := r.str("crc name")
			kind := digest.Kind(r.u8("crc kind"))
			var d digest.Digest
			copy(d[:], r.bytes(digest.Size, "crc digest"))
			if r.err == nil {
				if err := p.CRCs.Add(name, kind, d); err != nil {
					return nil, err
				}
			}
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return p, nil
}

// WriteAggregatedBinary writes an aggregated raw profile in binary form.
func WriteAggregatedBinary(w io.Writer, a *aggregate.Profile) error {
	bw := &binWriter{}
	bw.u8(uint8(a.Policy))
	writeAggPayload(bw, a)
	return writeEnvelope(w, binKindAggregated, bw.buf.Bytes())
}

// ReadAggregatedBinary reads a profile written by WriteAggregatedBinary.
func ReadAggregatedBinary(rd io.Reader) (*aggregate.Profile, error) {
	payload, err := readEnvelope(rd, binKindAggregated)
	if err != nil {
		return nil, err
	}
	r := &binReader{data: payload}
	policy := libfdo.OverflowPolicy(r.u8("overflow policy"))
	a := readAggPayload(r, policy)
	if r.err != nil {
		return nil, r.err
	}
	return a, nil
}

func sortDigestKeys(keys []digest.Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Name != keys[j].Name {
			return keys[i].Name < keys[j].Name
		}
		return keys[i].Kind < keys[j].Kind
	})
}
