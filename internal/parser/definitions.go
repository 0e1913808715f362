package parser

import (
	"encoding/xml"
	"errors"
	"io"
	"strings"

	"github.com/dgallion1/cpcetl/internal/cpc"
)

// DefinitionsParser parses definitions XML. Scopes (definition-item,
// class-definition) nest; each description fragment is attributed to the
// innermost open scope with a valid symbol and emitted as its own
// DefinitionRecord. Fragments of the same symbol are not merged here.
type DefinitionsParser struct {
	Roots []string
}

// NewDefinitionsParser returns a parser accepting DefaultDefinitionRoots.
func NewDefinitionsParser() *DefinitionsParser {
	return &DefinitionsParser{Roots: DefaultDefinitionRoots}
}

func (p *DefinitionsParser) Parse(r io.Reader) *Stream[cpc.DefinitionRecord] {
	return newStream(SourceDefinitions, func(emit func(cpc.DefinitionRecord) bool, st *Stats) error {
		m := &definitionsMachine{roots: p.Roots, st: st, emit: emit}
		dec := newDecoder(r)
		for {
			tok, err := dec.Token()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return &StructuralParseError{Source: SourceDefinitions, Reason: "malformed xml", Err: err}
			}
			if err := m.step(dec, tok); err != nil {
				return err
			}
		}
		return m.finish()
	})
}

type defState int

const (
	stateDocument defState = iota // before the root element
	stateBody                     // inside the root, no open scope
	stateScope                    // inside at least one scope, between fragments
	stateFragment                 // collecting a description fragment
)

type symbolStatus int

const (
	symbolPending symbolStatus = iota
	symbolValid
	symbolMalformed
)

type scopeFrame struct {
	symbol cpc.Symbol
	status symbolStatus
}

type definitionsMachine struct {
	roots []string
	st    *Stats
	emit  func(cpc.DefinitionRecord) bool

	state  defState
	scopes []scopeFrame
	seen   int

	fragDepth int
	frag      strings.Builder
}

func (m *definitionsMachine) step(dec *xml.Decoder, tok xml.Token) error {
	switch m.state {
	case stateDocument:
		se, ok := tok.(xml.StartElement)
		if !ok {
			return nil
		}
		if !hasRoot(m.roots, se.Name.Local) {
			return &StructuralParseError{Source: SourceDefinitions, Reason: "unexpected root element <" + se.Name.Local + ">"}
		}
		m.state = stateBody
		return nil

	case stateFragment:
		return m.stepFragment(tok)
	}

	switch t := tok.(type) {
	case xml.StartElement:
		switch definitionKinds[t.Name.Local] {
		case kindDefinitionScope:
			m.openScope(t)
		case kindSymbol:
			text, err := readText(dec)
			if err != nil {
				return &StructuralParseError{Source: SourceDefinitions, Reason: "malformed xml", Err: err}
			}
			m.resolveSymbol(text)
		case kindDescriptionFragment:
			m.state = stateFragment
			m.fragDepth = 1
			m.frag.Reset()
		}
	case xml.EndElement:
		if definitionKinds[t.Name.Local] == kindDefinitionScope && len(m.scopes) > 0 {
			m.scopes = m.scopes[:len(m.scopes)-1]
			if len(m.scopes) == 0 {
				m.state = stateBody
			}
		}
	}
	return nil
}

func (m *definitionsMachine) openScope(se xml.StartElement) {
	m.seen++
	frame := scopeFrame{status: symbolPending}
	if raw, ok := attr(se, "symbol", "classification-symbol"); ok {
		frame = m.normalize(raw)
	}
	m.scopes = append(m.scopes, frame)
	m.state = stateScope
}

// resolveSymbol settles the innermost scope's symbol from a
// classification-symbol child. The first symbol a scope sees wins.
func (m *definitionsMachine) resolveSymbol(raw string) {
	if len(m.scopes) == 0 {
		return
	}
	top := &m.scopes[len(m.scopes)-1]
	if top.status != symbolPending {
		return
	}
	*top = m.normalize(raw)
}

func (m *definitionsMachine) normalize(raw string) scopeFrame {
	sym, err := cpc.Normalize(raw)
	if err != nil {
		m.st.Malformed++
		return scopeFrame{status: symbolMalformed}
	}
	return scopeFrame{symbol: sym, status: symbolValid}
}

func (m *definitionsMachine) stepFragment(tok xml.Token) error {
	switch t := tok.(type) {
	case xml.StartElement:
		m.fragDepth++
		if blockElements[t.Name.Local] {
			m.frag.WriteByte(' ')
		}
	case xml.CharData:
		m.frag.Write(t)
	case xml.EndElement:
		m.fragDepth--
		if m.fragDepth > 0 {
			if blockElements[t.Name.Local] {
				m.frag.WriteByte(' ')
			}
			return nil
		}
		if len(m.scopes) > 0 {
			m.state = stateScope
		} else {
			m.state = stateBody
		}
		if !m.finishFragment() {
			return errStopped
		}
	}
	return nil
}

func (m *definitionsMachine) finishFragment() bool {
	text := cpc.Flatten(m.frag.String())
	m.frag.Reset()

	sym, ok := m.owner()
	if !ok {
		m.st.Orphaned++
		return true
	}
	if text == "" {
		m.st.Empty++
		return true
	}
	m.st.Parsed++
	return m.emit(cpc.DefinitionRecord{Symbol: sym, Description: text})
}

// owner returns the symbol of the innermost open scope that has a valid
// one. Scopes without a symbol, or with a malformed one, defer to the
// scope enclosing them.
func (m *definitionsMachine) owner() (cpc.Symbol, bool) {
	for i := len(m.scopes) - 1; i >= 0; i-- {
		if m.scopes[i].status == symbolValid {
			return m.scopes[i].symbol, true
		}
	}
	return cpc.Symbol{}, false
}

func (m *definitionsMachine) finish() error {
	if m.state == stateDocument {
		return &StructuralParseError{Source: SourceDefinitions, Reason: "empty document"}
	}
	if m.seen == 0 {
		return &StructuralParseError{Source: SourceDefinitions, Reason: "no definition scopes"}
	}
	return nil
}
