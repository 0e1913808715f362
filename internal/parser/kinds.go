package parser

import (
	"encoding/xml"
	"io"
	"strings"

	"github.com/dgallion1/cpcetl/internal/cpc"
	"golang.org/x/net/html/charset"
)

// elementKind tags the XML elements the parsers care about. Anything not
// listed is kindOther and is walked through without special handling.
type elementKind int

const (
	kindOther elementKind = iota
	kindTitleItem
	kindGroupHeader
	kindSymbol
	kindTitleText
	kindTitlePart
	kindDefinitionScope
	kindDescriptionFragment
)

var titleListKinds = map[string]elementKind{
	"classification-item":   kindTitleItem,
	"title-item":            kindTitleItem,
	"item":                  kindTitleItem,
	"classification-symbol": kindSymbol,
	"class-title":           kindTitleText,
	"title":                 kindTitleText,
	"title-part":            kindTitlePart,
	"guidance-heading":      kindGroupHeader,
	"heading":               kindGroupHeader,
}

var definitionKinds = map[string]elementKind{
	"definition-item":       kindDefinitionScope,
	"class-definition":      kindDefinitionScope,
	"classification-symbol": kindSymbol,
	"definition-statement":  kindDescriptionFragment,
	"definition":            kindDescriptionFragment,
	"text":                  kindDescriptionFragment,
	"paragraph-text":        kindDescriptionFragment,
	"note":                  kindDescriptionFragment,
}

// DefaultTitleRoots are the accepted root elements of a title-list document.
var DefaultTitleRoots = []string{"class-scheme", "classification-scheme", "title-list"}

// DefaultDefinitionRoots are the accepted root elements of a definitions document.
var DefaultDefinitionRoots = []string{"definitions", "class-definitions", "definition-set"}

// blockElements get a space at their boundaries when text is flattened, so
// "<p>Hand tools</p><note>Including</note>" reads "Hand tools Including".
var blockElements = map[string]bool{
	"p":                    true,
	"br":                   true,
	"li":                   true,
	"note":                 true,
	"text":                 true,
	"paragraph-text":       true,
	"section-body":         true,
	"definition":           true,
	"definition-statement": true,
	"table":                true,
	"row":                  true,
	"entry":                true,
}

func newDecoder(r io.Reader) *xml.Decoder {
	dec := xml.NewDecoder(r)
	dec.CharsetReader = charset.NewReaderLabel
	return dec
}

func attr(se xml.StartElement, names ...string) (string, bool) {
	for _, name := range names {
		for _, a := range se.Attr {
			if a.Name.Local == name {
				return a.Value, true
			}
		}
	}
	return "", false
}

func hasRoot(roots []string, name string) bool {
	for _, r := range roots {
		if r == name {
			return true
		}
	}
	return false
}

// readText consumes tokens up to the end of the element whose start was just
// read and returns its character data. Block elements contribute a space at
// their boundaries.
func readText(dec *xml.Decoder) (string, error) {
	var buf strings.Builder
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if blockElements[t.Name.Local] {
				buf.WriteByte(' ')
			}
		case xml.EndElement:
			depth--
			if blockElements[t.Name.Local] {
				buf.WriteByte(' ')
			}
		case xml.CharData:
			buf.Write(t)
		}
	}
	return buf.String(), nil
}

// readTitle is readText for title elements: each title-part is flattened on
// its own and the parts are joined with "; ", the CPC convention.
func readTitle(dec *xml.Decoder) (string, error) {
	var parts []string
	var cur strings.Builder
	flush := func() {
		if t := cpc.Flatten(cur.String()); t != "" {
			parts = append(parts, t)
		}
		cur.Reset()
	}

	depth, partDepth := 1, 0
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if partDepth == 0 && titleListKinds[t.Name.Local] == kindTitlePart {
				flush()
				partDepth = depth
			}
		case xml.EndElement:
			if depth == partDepth {
				flush()
				partDepth = 0
			}
			depth--
		case xml.CharData:
			cur.Write(t)
		}
	}
	flush()
	return strings.Join(parts, "; "), nil
}
