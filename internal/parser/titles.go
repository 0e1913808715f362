package parser

import (
	"encoding/xml"
	"errors"
	"io"

	"github.com/dgallion1/cpcetl/internal/cpc"
)

// TitleListParser parses title-list / scheme XML. Each classification item
// yields one candidate; its symbol comes from a "symbol" attribute or a
// classification-symbol child, its title from a "title" attribute or a
// class-title child. Nested items are separate candidates.
type TitleListParser struct {
	Roots []string
}

// NewTitleListParser returns a parser accepting DefaultTitleRoots.
func NewTitleListParser() *TitleListParser {
	return &TitleListParser{Roots: DefaultTitleRoots}
}

type titleFrame struct {
	rawSymbol string
	title     string
	emitted   bool
}

func (p *TitleListParser) Parse(r io.Reader) *Stream[cpc.TitleRecord] {
	return newStream(SourceTitleList, func(emit func(cpc.TitleRecord) bool, st *Stats) error {
		dec := newDecoder(r)

		var stack []*titleFrame
		rootSeen := false
		items := 0

		// flush emits a frame once its title is known: when the title
		// element closes, a child item opens, or the item itself closes.
		flush := func(f *titleFrame) bool {
			if f.emitted {
				return true
			}
			f.emitted = true
			sym, err := cpc.Normalize(f.rawSymbol)
			if err != nil {
				st.Malformed++
				return true
			}
			title := cpc.Flatten(f.title)
			if title == "" {
				st.Empty++
			}
			st.Parsed++
			return emit(cpc.TitleRecord{Symbol: sym, Title: title})
		}

		for {
			tok, err := dec.Token()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return &StructuralParseError{Source: SourceTitleList, Reason: "malformed xml", Err: err}
			}

			switch t := tok.(type) {
			case xml.StartElement:
				if !rootSeen {
					if !hasRoot(p.Roots, t.Name.Local) {
						return &StructuralParseError{Source: SourceTitleList, Reason: "unexpected root element <" + t.Name.Local + ">"}
					}
					rootSeen = true
					continue
				}

				switch titleListKinds[t.Name.Local] {
				case kindTitleItem:
					if len(stack) > 0 && !flush(stack[len(stack)-1]) {
						return errStopped
					}
					items++
					f := &titleFrame{}
					f.rawSymbol, _ = attr(t, "symbol", "classification-symbol")
					f.title, _ = attr(t, "title")
					stack = append(stack, f)

				case kindGroupHeader:
					st.Headers++
					if err := dec.Skip(); err != nil {
						return &StructuralParseError{Source: SourceTitleList, Reason: "malformed xml", Err: err}
					}

				case kindSymbol:
					text, err := readText(dec)
					if err != nil {
						return &StructuralParseError{Source: SourceTitleList, Reason: "malformed xml", Err: err}
					}
					if len(stack) > 0 && stack[len(stack)-1].rawSymbol == "" {
						stack[len(stack)-1].rawSymbol = text
					}

				case kindTitleText:
					text, err := readTitle(dec)
					if err != nil {
						return &StructuralParseError{Source: SourceTitleList, Reason: "malformed xml", Err: err}
					}
					if len(stack) == 0 {
						continue
					}
					top := stack[len(stack)-1]
					if top.title == "" {
						top.title = text
					}
					if top.rawSymbol != "" && !flush(top) {
						return errStopped
					}
				}

			case xml.EndElement:
				if titleListKinds[t.Name.Local] != kindTitleItem || len(stack) == 0 {
					continue
				}
				top := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				if !flush(top) {
					return errStopped
				}
			}
		}

		if !rootSeen {
			return &StructuralParseError{Source: SourceTitleList, Reason: "empty document"}
		}
		if items == 0 {
			return &StructuralParseError{Source: SourceTitleList, Reason: "no classification items"}
		}
		return nil
	})
}
