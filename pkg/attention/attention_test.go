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

package attention

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matrixinfer.ai/inferengine/pkg/kvcache"
	"matrixinfer.ai/inferengine/pkg/types"
)

func testCache(numBlocks int) *kvcache.Manager {
	return kvcache.NewManager(kvcache.Config{
		NumLayers: 1,
		NumBlocks: numBlocks,
		BlockSize: 4,
		KVHeads:   1,
		HeadDim:   2,
		Layout:    kvcache.FullPrecision,
	})
}

func tokens(n int) []types.Token {
	out := make([]types.Token, n)
	for i := range out {
		out[i] = types.Token(i + 1)
	}
	return out
}

func positions(n int) []types.Position {
	out := make([]types.Position, n)
	for i := range out {
		out[i] = types.Position(i)
	}
	return out
}

func TestStepWritesThenReadsBackSameSeqContext(t *testing.T) {
	cache := testCache(4)
	seq := kvcache.SeqID("s1")
	require.NoError(t, cache.Allocate(seq, 8))

	exec := NewExecutor(cache)
	ev := FakeLayerEvaluator{QWeight: 1, KWeight: 1, VWeight: 1}
	cfg := LayerConfig{HiddenSize: 2, NumHeads: 1, KVHeads: 1, HeadDim: 2}

	hidden := []float32{1, 0}
	out, err := exec.Step(StepInput{
		Seq:       seq,
		Layer:     0,
		Hidden:    hidden,
		NumTokens: 1,
		Positions: positions(1),
		NewTokens: tokens(1),
		Config:    cfg,
		Mask:      MaskConfig{Causal: true},
	}, ev)
	require.NoError(t, err)
	assert.Len(t, out, 2)

	// A single-token context attending to itself returns exactly V.
	assert.InDelta(t, float64(1), float64(out[0]), 1e-4)
}

func TestStepCausalMaskHidesFutureTokens(t *testing.T) {
	cache := testCache(4)
	seq := kvcache.SeqID("s1")
	require.NoError(t, cache.Allocate(seq, 8))
	exec := NewExecutor(cache)
	ev := FakeLayerEvaluator{QWeight: 1, KWeight: 1, VWeight: 1}
	cfg := LayerConfig{HiddenSize: 2, NumHeads: 1, KVHeads: 1, HeadDim: 2}

	// First token, distinct V.
	_, err := exec.Step(StepInput{
		Seq: seq, Layer: 0, Hidden: []float32{1, 0}, NumTokens: 1,
		Positions: positions(1), NewTokens: tokens(1), Config: cfg,
		Mask: MaskConfig{Causal: true},
	}, ev)
	require.NoError(t, err)

	// Second token with a very different hidden state; since Q·K for a
	// zero-rotation offset dominates the softmax on its own position
	// when K differs sharply, verify no error and correct output shape
	// rather than an exact value (the point is the pipeline runs, not a
	// hand re-derivation of softmax weights).
	out, err := exec.Step(StepInput{
		Seq: seq, Layer: 0, Hidden: []float32{0, 5}, NumTokens: 1,
		Positions: []types.Position{1}, NewTokens: tokens(1)[:1], Config: cfg,
		Mask: MaskConfig{Causal: true},
	}, ev)
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestMaskAllowsCausal(t *testing.T) {
	m := MaskConfig{Causal: true}
	assert.True(t, maskAllows(m, 2, 0, 5))
	assert.True(t, maskAllows(m, 2, 2, 5))
	assert.False(t, maskAllows(m, 2, 3, 5))
}

func TestMaskAllowsSlidingWindow(t *testing.T) {
	m := MaskConfig{Causal: true, Window: 2}
	assert.True(t, maskAllows(m, 5, 4, 10))
	assert.False(t, maskAllows(m, 5, 3, 10))
	assert.False(t, maskAllows(m, 5, 2, 10))
}

func TestMaskAllowsCrossIgnoresCausality(t *testing.T) {
	m := MaskConfig{Cross: true, CrossLength: 3}
	assert.True(t, maskAllows(m, 0, 2, 10))
	assert.False(t, maskAllows(m, 0, 3, 10))
}

func TestSoftCapBiasesTowardUniformAttention(t *testing.T) {
	cfg := LayerConfig{NumHeads: 1, KVHeads: 1, HeadDim: 2}
	capped := cfg
	capped.SoftCap = 1

	// Two context positions with a huge raw dot-product gap: uncapped
	// softmax collapses almost entirely onto position 1; soft-capping
	// (a ← c·tanh(a/c)) bounds |a| by c, keeping some weight on
	// position 0 instead of discarding it.
	q := []float32{1, 0}
	k := []float32{1, 0, 100, 0}
	v := []float32{10, 0, 0, 10}

	uncapped := computeAttention(q, k, v, 1, 2, cfg, MaskConfig{Causal: true})
	withCap := computeAttention(q, k, v, 1, 2, capped, MaskConfig{Causal: true})

	assert.Less(t, uncapped[0], float32(0.01), "uncapped softmax should put ~all weight on position 1")
	assert.Greater(t, withCap[0], uncapped[0], "soft-capping should restore weight onto position 0")
}

func TestRMSNormalizeHeadsUnitRMS(t *testing.T) {
	q := []float32{3, 4}
	rmsNormalizeHeads(q, 1, 1, 2)
	var sumSq float64
	for _, x := range q {
		sumSq += float64(x) * float64(x)
	}
	rms := math.Sqrt(sumSq / 2)
	assert.InDelta(t, 1.0, rms, 1e-3)
}
