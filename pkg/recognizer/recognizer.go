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

// Package recognizer implements the generation-time constraint types
// named in §6 ("constraint ∈ {none, regex(str), cfg(grammar)}"): a
// state machine that masks disallowed tokens before sampling and
// advances on the token actually sampled (§9: "Recognizer integration").
package recognizer

import "matrixinfer.ai/inferengine/pkg/types"

// Decoder resolves a token id to its text bytes, same contract as
// pkg/sampler.Decoder, so this package doesn't import the tokenizer.
type Decoder interface {
	DecodeByte(types.Token) []byte
}

// Recognizer is the abstraction the scheduler drives at §4.5 step 4
// (mask before sampling) and step 5 (advance after sampling).
type Recognizer interface {
	// AllowedMask reports, for every token id in [0, vocabSize), whether
	// sampling it would keep the generated text acceptable.
	AllowedMask(vocabSize int, decoder Decoder) []bool
	// Advance commits tok to the recognizer's internal state. It
	// returns an error if tok was not actually allowed (a caller bug,
	// since the scheduler must mask before sampling).
	Advance(tok types.Token, decoder Decoder) error
	// Terminal reports whether the recognizer has reached an accepting
	// state from which no further tokens are required.
	Terminal() bool
	// Clone returns an independent copy of the recognizer's current
	// state; mutating the clone via Advance must never affect the
	// original, needed when n_choices forks a sequence mid-generation
	// (§6) and each sibling must advance its own copy from that point.
	Clone() Recognizer
}

// None is the unconstrained recognizer (constraint = none): every
// token is always allowed and it is never terminal on its own account.
type None struct{}

func (None) AllowedMask(vocabSize int, _ Decoder) []bool {
	mask := make([]bool, vocabSize)
	for i := range mask {
		mask[i] = true
	}
	return mask
}

func (None) Advance(types.Token, Decoder) error { return nil }

func (None) Terminal() bool { return false }

func (None) Clone() Recognizer { return None{} }
