/*
Copyright MatrixInfer-AI Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package recognizer

import (
	"sync"

	"matrixinfer.ai/inferengine/pkg/types"
)

// Symbol is one slot of a Grammar: either a fixed literal string that
// must match exactly, or a repeatable pattern matched against a Regex
// sub-recognizer.
type Symbol struct {
	Literal string
	// Pattern, when non-empty, is a regular expression this slot must
	// satisfy; Repeat allows it to consume one-or-more characters
	// before the grammar advances to the next symbol.
	Pattern string
	Repeat  bool
}

// Grammar is an ordered sequence of Symbols — a constrained subset of
// the cfg(grammar) constraint kind (§6) covering linear/concatenated
// structure (e.g. a fixed JSON skeleton with typed holes) rather than
// arbitrary recursive context-free grammars, which would need an
// Earley-style parser this package does not implement.
type Grammar struct {
	mu       sync.Mutex
	symbols  []Symbol
	pos      int
	sub      *Regex // active sub-recognizer for the current Pattern symbol
	terminal bool
}

// NewGrammar compiles a Grammar from its symbol sequence.
func NewGrammar(symbols []Symbol) (*Grammar, error) {
	g := &Grammar{symbols: symbols}
	if len(symbols) == 0 {
		g.terminal = true
		return g, nil
	}
	if err := g.enterSymbol(0); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Grammar) enterSymbol(idx int) error {
	g.pos = idx
	g.sub = nil
	if idx >= len(g.symbols) {
		g.terminal = true
		return nil
	}
	sym := g.symbols[idx]
	if sym.Pattern != "" {
		sub, err := NewRegex(sym.Pattern)
		if err != nil {
			return err
		}
		g.sub = sub
	}
	return nil
}

func (g *Grammar) AllowedMask(vocabSize int, decoder Decoder) []bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	mask := make([]bool, vocabSize)
	if g.pos >= len(g.symbols) {
		return mask
	}
	sym := g.symbols[g.pos]
	if sym.Pattern != "" {
		return g.sub.AllowedMask(vocabSize, decoder)
	}
	for tok := 0; tok < vocabSize; tok++ {
		cont := decoder.DecodeByte(types.Token(tok))
		if len(cont) > 0 && len(cont) <= len(sym.Literal) && sym.Literal[:len(cont)] == string(cont) {
			mask[tok] = true
		}
	}
	return mask
}

func (g *Grammar) Advance(tok types.Token, decoder Decoder) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pos >= len(g.symbols) {
		return ErrNotAllowed{Token: tok}
	}
	sym := g.symbols[g.pos]
	if sym.Pattern != "" {
		if err := g.sub.Advance(tok, decoder); err != nil {
			return err
		}
		if sym.Repeat && !g.sub.Terminal() {
			return nil
		}
		return g.enterSymbol(g.pos + 1)
	}

	cont := decoder.DecodeByte(tok)
	if len(cont) == 0 || len(cont) > len(sym.Literal) || sym.Literal[:len(cont)] != string(cont) {
		return ErrNotAllowed{Token: tok}
	}
	sym.Literal = sym.Literal[len(cont):]
	g.symbols[g.pos] = sym
	if sym.Literal == "" {
		return g.enterSymbol(g.pos + 1)
	}
	return nil
}

func (g *Grammar) Terminal() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.terminal
}

// Clone copies the symbol table (Advance mutates a symbol's remaining
// Literal in place) and the active sub-recognizer, so the clone can
// advance independently of g from this point on.
func (g *Grammar) Clone() Recognizer {
	g.mu.Lock()
	defer g.mu.Unlock()

	clone := &Grammar{
		symbols:  append([]Symbol(nil), g.symbols...),
		pos:      g.pos,
		terminal: g.terminal,
	}
	if g.sub != nil {
		clone.sub = g.sub.Clone().(*Regex)
	}
	return clone
}
