package cpc

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// SchemaVersion identifies a bulk-data release, e.g. "202505".
type SchemaVersion string

// ParseSchemaVersion checks a YYYYMM release token.
func ParseSchemaVersion(s string) (SchemaVersion, error) {
	s = strings.TrimSpace(s)
	if len(s) != 6 {
		return "", fmt.Errorf("schema version %q: want YYYYMM", s)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return "", fmt.Errorf("schema version %q: want YYYYMM", s)
		}
	}
	if month := int(s[4]-'0')*10 + int(s[5]-'0'); month < 1 || month > 12 {
		return "", fmt.Errorf("schema version %q: month out of range", s)
	}
	return SchemaVersion(s), nil
}

func (v SchemaVersion) String() string { return string(v) }

// TitleRecord is one (symbol, title) pair from the title list.
type TitleRecord struct {
	Symbol Symbol
	Title  string
}

// DefinitionRecord is one description fragment from the definitions file.
// A symbol may have several fragments.
type DefinitionRecord struct {
	Symbol      Symbol
	Description string
}

// OutputRow is the unit written to the exported table.
type OutputRow struct {
	Symbol        Symbol
	Title         string
	Description   string
	SchemaVersion SchemaVersion
	IsValid       bool
}

// Flatten NFC-normalizes text and collapses every whitespace run, including
// newlines, to a single space.
func Flatten(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

// ValidityRecord is one row of the CPC validity file. A symbol with a
// ValidTo date has been withdrawn from the scheme.
type ValidityRecord struct {
	Symbol    Symbol
	ValidFrom string
	ValidTo   string
}

// Retired reports whether the row closes the symbol's validity.
func (r ValidityRecord) Retired() bool { return r.ValidTo != "" }

// SymbolListRecord is one row of the CPC symbol list. Status is the
// publication state as written in the file, empty when the row has none.
type SymbolListRecord struct {
	Symbol Symbol
	Status string
}

// Published reports whether the row keeps the symbol in force. A row
// without a status is taken as published.
func (r SymbolListRecord) Published() bool {
	return r.Status == "" || strings.EqualFold(r.Status, "published")
}
