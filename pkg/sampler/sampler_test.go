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

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func logf32(x float64) float32 { return float32(math.Log(x)) }

// S1: argmax deterministic.
func TestSampleArgmaxDeterministic(t *testing.T) {
	s := New(1)
	logits := []float32{1.0, 5.0, 3.0, 2.0}
	res, err := s.Sample(logits, Params{}, nil, nil, false)
	require.NoError(t, err)
	assert.Equal(t, Token(1), res.Token)
	assert.InDelta(t, -0.0212, res.Logprob, 1e-3)
}

// S2: presence penalty shifts the argmax pick.
func TestSamplePresencePenalty(t *testing.T) {
	s := New(1)
	logits := []float32{2.0, 2.0}
	params := Params{PresencePenalty: 0.5, RepeatPenalty: 0.0}
	res, err := s.Sample(logits, params, []Token{0}, nil, false)
	require.NoError(t, err)
	assert.Equal(t, Token(1), res.Token)
}

// S3: top-p cutoff leaves only the top token.
func TestSampleTopPCutoff(t *testing.T) {
	s := New(1)
	logits := []float32{logf32(0.5), logf32(0.3), logf32(0.2)}
	temp := float32(1.0)
	params := Params{Temperature: &temp, TopP: 0.6}
	res, err := s.Sample(logits, params, nil, nil, false)
	require.NoError(t, err)
	assert.Equal(t, Token(0), res.Token)
}

func TestSampleMissingPenaltyContext(t *testing.T) {
	s := New(1)
	_, err := s.Sample([]float32{1, 2}, Params{RepeatPenalty: 0.2}, nil, nil, false)
	require.Error(t, err)
	assert.IsType(t, ErrMissingContext{}, err)
}

func TestSampleBiasIndexOutOfBounds(t *testing.T) {
	s := New(1)
	params := Params{LogitBias: map[Token]float32{5: 1.0}}
	_, err := s.Sample([]float32{1, 2}, params, nil, nil, false)
	require.Error(t, err)
	assert.IsType(t, ErrBiasIndexOOB{}, err)
}

// Property: sampler purity — identical inputs produce identical outputs.
func TestSamplerPurity(t *testing.T) {
	logits := []float32{0.1, 0.4, 0.9, -0.2, 2.0}
	temp := float32(0.8)
	params := Params{Temperature: &temp, TopK: 3, TopP: 0.9}

	s1 := New(42)
	r1, err := s1.Sample(logits, params, nil, nil, false)
	require.NoError(t, err)

	s2 := New(42)
	r2, err := s2.Sample(logits, params, nil, nil, false)
	require.NoError(t, err)

	assert.Equal(t, r1.Token, r2.Token)
	assert.Equal(t, r1.Logprob, r2.Logprob)
}

// Property: top-p monotonicity — shrinking top_p can only shrink support.
func TestTopPMonotonicSupport(t *testing.T) {
	probs := []float32{0.4, 0.3, 0.2, 0.1}
	toIndexed := func() []indexedProb {
		out := make([]indexedProb, len(probs))
		for i, p := range probs {
			out[i] = indexedProb{idx: i, prob: p}
		}
		return out
	}

	wide := toIndexed()
	applyTopP(wide, 0.95)
	narrow := toIndexed()
	applyTopP(narrow, 0.5)

	supportSize := func(s []indexedProb) int {
		n := 0
		for _, ip := range s {
			if ip.prob > 0 {
				n++
			}
		}
		return n
	}

	assert.LessOrEqual(t, supportSize(narrow), supportSize(wide))
}

func TestTopNLogprobs(t *testing.T) {
	s := New(7)
	logits := []float32{1.0, 5.0, 3.0, 2.0}
	res, err := s.Sample(logits, Params{TopNLogprobs: 2}, nil, nil, true)
	require.NoError(t, err)
	require.Len(t, res.Alternatives, 2)
	assert.Equal(t, Token(1), res.Alternatives[0].Token)
	assert.Equal(t, Token(2), res.Alternatives[1].Token)
}
