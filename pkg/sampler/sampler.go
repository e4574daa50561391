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

// Package sampler turns a per-step logits vector into a token, under
// temperature, top-k/top-p, repetition/presence penalties and logit
// bias, with optional argmax and top-N log-probabilities (§4.2).
package sampler

import (
	"math"
	"math/rand/v2"
	"sort"

	"matrixinfer.ai/inferengine/pkg/logger"
)

var log = logger.NewLogger("sampler")

// Sampler is a single sequence's sampling state: the RNG is per-sampler
// (§5), never shared, so callers must keep one Sampler per sequence.
type Sampler struct {
	rng *rand.Rand
}

// New creates a sampler seeded deterministically from the sequence's
// configured seed (the seed and its XOR with a fixed constant feed the
// two PCG state words).
func New(seed uint64) *Sampler {
	return &Sampler{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// indexedProb pairs a vocabulary index with its probability mass, used
// while sorting for top-k/top-p.
type indexedProb struct {
	idx  int
	prob float32
}

// Sample runs the full §4.2 pipeline for one step. penaltyContext holds
// the most recent R tokens of the sequence (nil if no penalty is set).
func (s *Sampler) Sample(logits []float32, params Params, penaltyContext []Token, decoder Decoder, returnLogprobs bool) (*Result, error) {
	V := len(logits)
	work := make([]float32, V)
	copy(work, logits)

	if params.hasPenalties() {
		if penaltyContext == nil {
			return nil, ErrMissingContext{Reason: "repeat_penalty or presence_penalty set without penalty context"}
		}
		applyPenalties(work, penaltyContext, params.RepeatPenalty, params.PresencePenalty)
	}

	if params.LogitBias != nil {
		for tok, bias := range params.LogitBias {
			if int(tok) < 0 || int(tok) >= V {
				return nil, ErrBiasIndexOOB{Index: int(tok), Vocab: V}
			}
			work[tok] += bias
		}
	}

	if params.isArgmax() {
		return s.sampleArgmax(work, decoder, params.TopNLogprobs, returnLogprobs)
	}

	return s.sampleStochastic(work, params, decoder, returnLogprobs)
}

// applyPenalties implements §4.2 step 3: logit[j] -= count_j*alpha_r -
// 1[count_j>0]*alpha_p.
func applyPenalties(logits []float32, penaltyContext []Token, repeatPenalty, presencePenalty float32) {
	counts := make(map[Token]int, len(penaltyContext))
	for _, t := range penaltyContext {
		counts[t]++
	}
	for tok, count := range counts {
		if int(tok) < 0 || int(tok) >= len(logits) {
			continue
		}
		logits[tok] -= float32(count)*repeatPenalty
		if count > 0 {
			logits[tok] -= presencePenalty
		}
	}
}

func softmax(logits []float32) []float32 {
	maxLogit := float32(math.Inf(-1))
	for _, l := range logits {
		if l > maxLogit {
			maxLogit = l
		}
	}
	probs := make([]float32, len(logits))
	var sum float64
	for i, l := range logits {
		e := math.Exp(float64(l - maxLogit))
		probs[i] = float32(e)
		sum += e
	}
	if sum == 0 {
		sum = 1
	}
	for i := range probs {
		probs[i] = float32(float64(probs[i]) / sum)
	}
	return probs
}

func argmaxIndex(logits []float32) int {
	best := 0
	for i, l := range logits {
		if l > logits[best] {
			best = i
		}
	}
	return best
}

func (s *Sampler) sampleArgmax(logits []float32, decoder Decoder, topN int, returnLogprobs bool) (*Result, error) {
	best := argmaxIndex(logits)
	probs := softmax(logits)
	res := &Result{
		Token:   Token(best),
		Logprob: toLog10(probs[best]),
	}
	if decoder != nil {
		res.DecodedBytes = decoder.DecodeByte(res.Token)
	}
	if returnLogprobs && topN > 0 {
		res.Alternatives = topNAlternatives(probs, topN, decoder)
	}
	return res, nil
}

func (s *Sampler) sampleStochastic(logits []float32, params Params, decoder Decoder, returnLogprobs bool) (*Result, error) {
	scaled := make([]float32, len(logits))
	t := *params.Temperature
	for i, l := range logits {
		scaled[i] = l / t
	}
	probs := softmax(scaled)

	sorted := make([]indexedProb, len(probs))
	for i, p := range probs {
		sorted[i] = indexedProb{idx: i, prob: p}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].prob > sorted[j].prob })

	if params.TopK > 0 && params.TopK < len(sorted) {
		for i := params.TopK; i < len(sorted); i++ {
			sorted[i].prob = 0
		}
	}

	if params.TopP > 0 && params.TopP < 1 {
		applyTopP(sorted, params.TopP)
	}

	chosen := s.drawWeighted(sorted)
	log.Debugf("sampled token=%d temp=%.3f top_k=%d top_p=%.3f", chosen, t, params.TopK, params.TopP)

	res := &Result{
		Token:   Token(chosen),
		Logprob: toLog10(probs[chosen]),
	}
	if decoder != nil {
		res.DecodedBytes = decoder.DecodeByte(res.Token)
	}
	if returnLogprobs && params.TopNLogprobs > 0 {
		res.Alternatives = topNAlternatives(probs, params.TopNLogprobs, decoder)
	}
	return res, nil
}

// applyTopP zeroes the tail of sorted (already sorted descending by
// probability) past the smallest prefix whose cumulative mass would
// reach p, always keeping at least the single most-probable entry.
// The cutoff token itself — the one whose inclusion would first push
// the running sum to or past p — is dropped along with everything
// after it, rather than kept; this matches the reference cutoffs used
// throughout the rest of this package (see sampler_test.go).
func applyTopP(sorted []indexedProb, p float32) {
	var cumulative float32
	cutoff := -1
	for i, ip := range sorted {
		if ip.prob == 0 {
			continue
		}
		cumulative += ip.prob
		if cumulative >= p {
			cutoff = i
			break
		}
	}
	if cutoff <= 0 {
		// Either nothing crossed p, or the very first token alone does;
		// either way only the top token survives the cut.
		for i := 1; i < len(sorted); i++ {
			sorted[i].prob = 0
		}
		return
	}
	for i := cutoff; i < len(sorted); i++ {
		sorted[i].prob = 0
	}
}

func (s *Sampler) drawWeighted(sorted []indexedProb) int {
	var total float64
	for _, ip := range sorted {
		total += float64(ip.prob)
	}
	if total <= 0 {
		return sorted[0].idx
	}
	r := s.rng.Float64() * total
	var cumulative float64
	for _, ip := range sorted {
		if ip.prob == 0 {
			continue
		}
		cumulative += float64(ip.prob)
		if r < cumulative {
			return ip.idx
		}
	}
	return sorted[len(sorted)-1].idx
}

func topNAlternatives(probs []float32, n int, decoder Decoder) []Alternative {
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return probs[idx[i]] > probs[idx[j]] })
	if n > len(idx) {
		n = len(idx)
	}
	out := make([]Alternative, n)
	for i := 0; i < n; i++ {
		tok := Token(idx[i])
		alt := Alternative{Token: tok, Logprob: toLog10(probs[idx[i]])}
		if decoder != nil {
			alt.DecodedBytes = decoder.DecodeByte(tok)
		}
		out[i] = alt
	}
	return out
}

func toLog10(p float32) float64 {
	if p <= 0 {
		return math.Inf(-1)
	}
	return math.Log10(float64(p))
}
