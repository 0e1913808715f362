// Package cpc holds the Cooperative Patent Classification value types shared
// by the parsers, the validator and the merger.
package cpc

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// Symbol is a normalized CPC classification symbol, e.g. "A01B1/00".
// The zero value is not a valid symbol; build one with Normalize.
type Symbol struct {
	canonical string
	section   byte
	class     int
	subclass  byte
	hasGroup  bool
	group     int
	subgroup  string
}

// MalformedSymbolError reports raw text that does not follow the CPC grammar.
type MalformedSymbolError struct {
	Raw string
}

func (e *MalformedSymbolError) Error() string {
	return fmt.Sprintf("malformed cpc symbol %q", e.Raw)
}

// section letter, two class digits, then optionally a subclass letter which
// may itself be followed by group/subgroup.
var symbolPattern = regexp.MustCompile(`^([A-Z])([0-9]{2})(?:([A-Z])(?:([0-9]{1,3})/([0-9]{2,}))?)?$`)

var foldPool = sync.Pool{
	New: func() any {
		return transform.Chain(norm.NFKC, width.Fold)
	},
}

// Normalize canonicalizes a raw symbol. Whitespace anywhere in the input is
// dropped, full-width forms are folded to ASCII and letters are upper-cased,
// so "a01b1 / 00" and "A01B   1/00" both become "A01B1/00".
func Normalize(raw string) (Symbol, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Symbol{}, &MalformedSymbolError{Raw: raw}
	}

	tr := foldPool.Get().(transform.Transformer)
	folded, _, err := transform.String(tr, s)
	tr.Reset()
	foldPool.Put(tr)
	if err != nil {
		return Symbol{}, &MalformedSymbolError{Raw: raw}
	}

	compact := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToUpper(r)
	}, folded)

	m := symbolPattern.FindStringSubmatch(compact)
	if m == nil {
		return Symbol{}, &MalformedSymbolError{Raw: raw}
	}

	sym := Symbol{section: m[1][0]}
	sym.class, _ = strconv.Atoi(m[2])
	if m[3] != "" {
		sym.subclass = m[3][0]
	}
	if m[4] != "" {
		sym.hasGroup = true
		sym.group, _ = strconv.Atoi(m[4])
		sym.subgroup = m[5]
	}
	sym.canonical = sym.format()
	return sym, nil
}

// MustNormalize is Normalize for literals known to be valid. It panics on error.
func MustNormalize(raw string) Symbol {
	sym, err := Normalize(raw)
	if err != nil {
		panic(err)
	}
	return sym
}

func (s Symbol) format() string {
	var b strings.Builder
	b.WriteByte(s.section)
	fmt.Fprintf(&b, "%02d", s.class)
	if s.subclass != 0 {
		b.WriteByte(s.subclass)
	}
	if s.hasGroup {
		b.WriteString(strconv.Itoa(s.group))
		b.WriteByte('/')
		b.WriteString(s.subgroup)
	}
	return b.String()
}

// String returns the canonical form.
func (s Symbol) String() string { return s.canonical }

// MarshalText implements encoding.TextMarshaler.
func (s Symbol) MarshalText() ([]byte, error) { return []byte(s.canonical), nil }

// UnmarshalText normalizes text into s.
func (s *Symbol) UnmarshalText(text []byte) error {
	sym, err := Normalize(string(text))
	if err != nil {
		return err
	}
	*s = sym
	return nil
}

// IsZero reports whether s was never normalized.
func (s Symbol) IsZero() bool { return s.canonical == "" }

// Section returns the section letter, e.g. "A".
func (s Symbol) Section() string {
	if s.IsZero() {
		return ""
	}
	return string(s.section)
}

// Class returns the class prefix, e.g. "A01".
func (s Symbol) Class() string {
	if s.IsZero() {
		return ""
	}
	return fmt.Sprintf("%c%02d", s.section, s.class)
}

// Subclass returns the subclass prefix, e.g. "A01B", or "" for class-level symbols.
func (s Symbol) Subclass() string {
	if s.subclass == 0 {
		return ""
	}
	return s.Class() + string(s.subclass)
}

// IsGroup reports whether the symbol carries a group/subgroup part.
func (s Symbol) IsGroup() bool { return s.hasGroup }

// IsMainGroup reports whether the symbol is a main group ("/00").
func (s Symbol) IsMainGroup() bool {
	return s.hasGroup && strings.Trim(s.subgroup, "0") == ""
}

// Compare orders symbols the way the CPC scheme lists them: section letter,
// class number, subclass letter, group number, then subgroup read as a
// decimal fraction (1/02 < 1/021 < 1/03). Missing parts sort first.
func Compare(a, b Symbol) int {
	if c := cmpInt(int(a.section), int(b.section)); c != 0 {
		return c
	}
	if c := cmpInt(a.class, b.class); c != 0 {
		return c
	}
	if c := cmpInt(int(a.subclass), int(b.subclass)); c != 0 {
		return c
	}
	if a.hasGroup != b.hasGroup {
		if a.hasGroup {
			return 1
		}
		return -1
	}
	if c := cmpInt(a.group, b.group); c != 0 {
		return c
	}
	if c := compareFraction(a.subgroup, b.subgroup); c != 0 {
		return c
	}
	return strings.Compare(a.canonical, b.canonical)
}

func compareFraction(a, b string) int {
	n := max(len(a), len(b))
	pa := a + strings.Repeat("0", n-len(a))
	pb := b + strings.Repeat("0", n-len(b))
	if c := strings.Compare(pa, pb); c != 0 {
		return c
	}
	return cmpInt(len(a), len(b))
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
