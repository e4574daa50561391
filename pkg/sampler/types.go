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

package sampler

import "matrixinfer.ai/inferengine/pkg/types"

// Token is a vocabulary entry id, re-exported from pkg/types for
// convenience at sampler call sites.
type Token = types.Token

// Params are the immutable per-sequence sampling parameters (§3).
// Temperature == nil means argmax/deterministic decoding. StopTokens,
// StopStrs and MaxLength flow straight into sequence.Config at
// admission; NChoices is consumed by the scheduler's fork-based
// n_choices fan-out rather than by the sampler itself.
type Params struct {
	Temperature     *float32
	TopK            int
	TopP            float32
	RepeatPenalty   float32
	PresencePenalty float32
	LogitBias       map[Token]float32
	TopNLogprobs    int
	Seed            uint64

	// MaxLength caps total committed tokens (prompt + generated); 0
	// defers to the server's configured ceiling.
	MaxLength int
	// StopTokens ends generation the step a listed token is committed.
	StopTokens []Token
	// StopStrs ends generation once decoded output contains any entry.
	StopStrs []string
	// NChoices requests n parallel completions of the same prompt,
	// forked off the primary sequence's prefix once it is prefilled.
	NChoices int
}

// argmaxThreshold is the point below which temperature is treated as
// deterministic (§4.2 step 2).
const argmaxThreshold = 1e-7

func (p Params) isArgmax() bool {
	return p.Temperature == nil || *p.Temperature < argmaxThreshold
}

func (p Params) hasPenalties() bool {
	return p.RepeatPenalty != 0 || p.PresencePenalty != 0
}

// Decoder resolves a token id to its text bytes; implemented by
// pkg/tokenizer so the sampler never depends on the tokenizer's
// internal vocabulary representation.
type Decoder interface {
	DecodeByte(Token) []byte
}

// Alternative is one entry of a top-N log-probability listing.
type Alternative struct {
	Token        Token
	Logprob      float64
	DecodedBytes []byte
}

// Result is the output of one sampling call (§3: Sampling result).
type Result struct {
	Token        Token
	Logprob      float64
	DecodedBytes []byte
	Alternatives []Alternative
}
