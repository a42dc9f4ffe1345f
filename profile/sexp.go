// Copyright The fdoprof Authors
// SPDX-License-Identifier: Apache-2.0

// Minimal symbolic-expression tree used by the textual profile form.
package profile // import "github.com/fdo-tools/fdoprof/profile"

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// sexp is either an atom or a list, never both.
type sexp struct {
	atom   string
	isAtom bool
	list   []*sexp
}

func newAtom(s string) *sexp {
	return &sexp{atom: s, isAtom: true}
}

func newList(items ...*sexp) *sexp {
	return &sexp{list: items}
}

// kv builds the ubiquitous (name value...) pair.
func kv(name string, values ...*sexp) *sexp {
	return newList(append([]*sexp{newAtom(name)}, values...)...)
}

func atomU64(v uint64) *sexp { return newAtom(strconv.FormatUint(v, 10)) }
func atomInt(v int) *sexp    { return newAtom(strconv.Itoa(v)) }
func atomHex(v uint64) *sexp { return newAtom("0x" + strconv.FormatUint(v, 16)) }
func atomBool(v bool) *sexp  { return newAtom(strconv.FormatBool(v)) }
func atomStr(s string) *sexp { return newAtom(strconv.Quote(s)) }

func (s *sexp) writeTo(sb *strings.Builder, indent int) {
	if s.isAtom {
		sb.WriteString(s.atom)
		return
	}
	sb.WriteByte('(')
	for i, item := range s.list {
		if i > 0 {
			// Break long lists one item per line for readability.
			if len(s.list) > 4 || !item.isAtom && len(item.list) > 3 {
				sb.WriteByte('\n')
				sb.WriteString(strings.Repeat(" ", indent+1))
			} else {
				sb.WriteByte(' ')
			}
		}
		item.writeTo(sb, indent+1)
	}
	sb.WriteByte(')')
}

func (s *sexp) String() string {
	var sb strings.Builder
	s.writeTo(&sb, 0)
	sb.WriteByte('\n')
	return sb.String()
}

// sexp accessors; all return errors rather than panic so that malformed
// textual profiles surface as decode failures.

func (s *sexp) expectList() ([]*sexp, error) {
	if s.isAtom {
		return nil, fmt.Errorf("expected list, got atom %q", s.atom)
	}
	return s.list, nil
}

func (s *sexp) expectAtom() (string, error) {
	if !s.isAtom {
		return "", fmt.Errorf("expected atom, got %d-element list", len(s.list))
	}
	return s.atom, nil
}

// field finds the (name ...) entry in a list of key-value pairs.
func (s *sexp) field(name string) (*sexp, bool) {
	for _, item := range s.list {
		if item.isAtom || len(item.list) < 1 {
			continue
		}
		if item.list[0].isAtom && item.list[0].atom == name {
			return item, true
		}
	}
	return nil, false
}

// fieldValues returns the values of a (name v1 v2 ...) entry.
func (s *sexp) fieldValues(name string) ([]*sexp, error) {
	f, ok := s.field(name)
	if !ok {
		return nil, fmt.Errorf("missing field %q", name)
	}
	return f.list[1:], nil
}

// fieldValue returns the single value of a (name value) entry.
func (s *sexp) fieldValue(name string) (*sexp, error) {
	vals, err := s.fieldValues(name)
	if err != nil {
		return nil, err
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("field %q: expected one value, got %d", name, len(vals))
	}
	return vals[0], nil
}

func (s *sexp) fieldU64(name string) (uint64, error) {
	v, err := s.fieldValue(name)
	if err != nil {
		return 0, err
	}
	a, err := v.expectAtom()
	if err != nil {
		return 0, fmt.Errorf("field %q: %w", name, err)
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(a, "0x"), parseBase(a), 64)
	if err != nil {
		return 0, fmt.Errorf("field %q: %w", name, err)
	}
	return n, nil
}

func parseBase(a string) int {
	if strings.HasPrefix(a, "0x") {
		return 16
	}
	return 10
}

func (s *sexp) fieldInt(name string) (int, error) {
	n, err := s.fieldU64(name)
	return int(n), err
}

func (s *sexp) fieldBool(name string) (bool, error) {
	v, err := s.fieldValue(name)
	if err != nil {
		return false, err
	}
	a, err := v.expectAtom()
	if err != nil {
		return false, err
	}
	b, err := strconv.ParseBool(a)
	if err != nil {
		return false, fmt.Errorf("field %q: %w", name, err)
	}
	return b, nil
}

func (s *sexp) fieldString(name string) (string, error) {
	v, err := s.fieldValue(name)
	if err != nil {
		return "", err
	}
	a, err := v.expectAtom()
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(a, `"`) {
		return strconv.Unquote(a)
	}
	return a, nil
}

// parseSexp reads a single expression from input.
func parseSexp(input string) (*sexp, error) {
	p := &sexpParser{input: input}
	s, err := p.parse()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return nil, fmt.Errorf("trailing data at offset %d", p.pos)
	}
	return s, nil
}

type sexpParser struct {
	input string
	pos   int
}

func (p *sexpParser) skipSpace() {
	for p.pos < len(p.input) && unicode.IsSpace(rune(p.input[p.pos])) {
		p.pos++
	}
}

func (p *sexpParser) parse() (*sexp, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return nil, fmt.Errorf("unexpected end of input")
	}
	switch p.input[p.pos] {
	case '(':
		p.pos++
		out := newList()
		for {
			p.skipSpace()
			if p.pos >= len(p.input) {
				return nil, fmt.Errorf("unterminated list")
			}
			if p.input[p.pos] == ')' {
				p.pos++
				return out, nil
			}
			item, err := p.parse()
			if err != nil {
				return nil, err
			}
			out.list = append(out.list, item)
		}
	case ')':
		return nil, fmt.Errorf("unexpected ')' at offset %d", p.pos)
	case '"':
		return p.parseQuoted()
	default:
		return p.parseAtom()
	}
}

func (p *sexpParser) parseQuoted() (*sexp, error) {
	start := p.pos
	p.pos++
	for p.pos < len(p.input) {
		switch p.input[p.pos] {
		case '\\':
			p.pos += 2
		case '"':
			p.pos++
			return newAtom(p.input[start:p.pos]), nil
		default:
			p.pos++
		}
	}
	return nil, fmt.Errorf("unterminated string at offset %d", start)
}

func (p *sexpParser) parseAtom() (*sexp, error) {
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if c == '(' || c == ')' || c == '"' || unicode.IsSpace(rune(c)) {
			break
		}
		p.pos++
	}
	if p.pos == start {
		return nil, fmt.Errorf("empty atom at offset %d", start)
	}
	return newAtom(p.input[start:p.pos]), nil
}
