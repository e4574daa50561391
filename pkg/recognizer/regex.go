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
	"fmt"
	"sync"

	"github.com/dlclark/regexp2"

	"matrixinfer.ai/inferengine/pkg/types"
)

// ErrNotAllowed is returned by Advance when the caller tries to commit
// a token the recognizer had not allowed.
type ErrNotAllowed struct {
	Token types.Token
}

func (e ErrNotAllowed) Error() string {
	return fmt.Sprintf("recognizer: token %d is not allowed in the current state", e.Token)
}

// Regex constrains generated text to (a prefix of) a regular
// expression, using regexp2 for backreference support regexp's RE2
// engine can't offer. Prefix feasibility is approximated by testing
// whether a match begins at offset 0 of the accumulated text — true
// incremental automaton-based prefix tracking is out of scope here.
type Regex struct {
	mu       sync.Mutex
	anchored *regexp2.Regexp
	full     *regexp2.Regexp
	matched  []byte
	terminal bool
}

// NewRegex compiles pattern for constrained decoding.
func NewRegex(pattern string) (*Regex, error) {
	anchored, err := regexp2.Compile("^(?:"+pattern+")", regexp2.None)
	if err != nil {
		return nil, fmt.Errorf("recognizer: invalid regex %q: %w", pattern, err)
	}
	full, err := regexp2.Compile("^(?:"+pattern+")$", regexp2.None)
	if err != nil {
		return nil, fmt.Errorf("recognizer: invalid regex %q: %w", pattern, err)
	}
	return &Regex{anchored: anchored, full: full}, nil
}

func (r *Regex) couldMatch(candidate string) bool {
	m, err := r.anchored.FindStringMatch(candidate)
	return err == nil && m != nil && m.Index == 0
}

func (r *Regex) AllowedMask(vocabSize int, decoder Decoder) []bool {
	r.mu.Lock()
	base := string(r.matched)
	r.mu.Unlock()

	mask := make([]bool, vocabSize)
	for tok := 0; tok < vocabSize; tok++ {
		cont := decoder.DecodeByte(types.Token(tok))
		if len(cont) == 0 {
			continue
		}
		mask[tok] = r.couldMatch(base + string(cont))
	}
	return mask
}

func (r *Regex) Advance(tok types.Token, decoder Decoder) error {
	cont := decoder.DecodeByte(tok)

	r.mu.Lock()
	defer r.mu.Unlock()
	candidate := string(r.matched) + string(cont)
	if !r.couldMatch(candidate) {
		return ErrNotAllowed{Token: tok}
	}
	r.matched = append(r.matched, cont...)
	m, err := r.full.FindStringMatch(string(r.matched))
	r.terminal = err == nil && m != nil
	return nil
}

func (r *Regex) Terminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminal
}

// Clone copies the accumulated match state; the compiled patterns
// themselves are immutable after NewRegex and safe to share.
func (r *Regex) Clone() Recognizer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &Regex{
		anchored: r.anchored,
		full:     r.full,
		matched:  append([]byte(nil), r.matched...),
		terminal: r.terminal,
	}
}
