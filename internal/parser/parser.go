package parser

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/dgallion1/cpcetl/internal/cpc"
)

// Source names used in errors and stats.
const (
	SourceTitleList   = "title list"
	SourceDefinitions = "definitions"
	SourceValidity    = "validity"
	SourceSymbolList  = "symbol list"
)

// TitleParser turns a title-list document into TitleRecords.
type TitleParser interface {
	Parse(r io.Reader) *Stream[cpc.TitleRecord]
}

// SupportedExtensions lists the archive member extensions the title list can come in.
var SupportedExtensions = map[string]bool{
	".xml": true,
	".txt": true,
}

// TitleParserFor returns the title parser for an archive member name.
func TitleParserFor(filename string) (TitleParser, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".xml":
		return NewTitleListParser(), nil
	case ".txt":
		return &TitleTextParser{}, nil
	default:
		return nil, fmt.Errorf("unsupported title list member: %s", filename)
	}
}

// IsSupportedExtension checks if a member name can be parsed.
func IsSupportedExtension(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return SupportedExtensions[ext]
}

// StructuralParseError means the document cannot be trusted at all: it is
// not well-formed XML, is empty, has the wrong root, or lacks the elements
// the format requires. It aborts the run.
type StructuralParseError struct {
	Source string
	Reason string
	Err    error
}

func (e *StructuralParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Source, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Source, e.Reason)
}

func (e *StructuralParseError) Unwrap() error { return e.Err }

// IsStructural reports whether err is, or wraps, a StructuralParseError.
func IsStructural(err error) bool {
	var sErr *StructuralParseError
	return errors.As(err, &sErr)
}
