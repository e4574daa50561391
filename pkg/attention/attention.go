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

// Package attention implements the §4.4 per-layer, per-step attention
// contract. Projection, rotary embedding and the raw matmul kernel are
// external collaborators behind the LayerEvaluator interface (§1 places
// device/tensor kernels out of scope; §9's capability-set design note
// is why the scheduler and this package never see a concrete model
// architecture). What lives here is the orchestration: handing
// (K, V, slot mapping) to pkg/kvcache, gathering the block table back,
// composing the causal/sliding/cross-attention mask, and applying
// attention-logit soft-capping.
//
// One discrepancy is called out rather than silently reproduced: the
// source names a cross-attention normalization step "k_norm" while it
// actually normalizes q, flagged in the originating spec as a likely
// bug. LayerConfig.NormalizeQueryInCrossAttention names the field for
// what it does; this package normalizes q only when a model config sets
// it, and never under the misleading "k_norm" name.
package attention

import (
	"math"

	"matrixinfer.ai/inferengine/pkg/kvcache"
	"matrixinfer.ai/inferengine/pkg/logger"
	"matrixinfer.ai/inferengine/pkg/types"
)

var log = logger.NewLogger("attention")

// LayerEvaluator is the set of per-layer operators this package treats
// as an external collaborator (§4.4 steps 1, 2, 6): Q/K/V projection,
// rotary position embedding, and the output projection back to hidden
// size. A real implementation wraps a tensor kernel; FakeLayerEvaluator
// (fake.go) does real float32 math over small tensors for tests.
type LayerEvaluator interface {
	// Project maps hidden ([numTokens, hiddenSize]) to q
	// ([numTokens, numHeads*headDim]), k and v (each
	// [numTokens, kvHeads*headDim]).
	Project(hidden []float32, numTokens, hiddenSize int) (q, k, v []float32)
	// RotaryEmbed applies rotary position embedding to q and k in place,
	// using positions supplied by the scheduler (§4.4 step 2).
	RotaryEmbed(q, k []float32, positions []types.Position, headDim int)
	// OutputProject maps attnOut ([numTokens, numHeads*headDim]) back to
	// hidden size (§4.4 step 6).
	OutputProject(attnOut []float32, numTokens, hiddenSize int) []float32
}

// LayerConfig is the static shape and behavior of one layer.
type LayerConfig struct {
	HiddenSize int
	NumHeads   int
	KVHeads    int
	HeadDim    int

	// SoftCap, when non-zero, enables §4.4 step 5's attention-logit
	// soft-capping: a ← SoftCap · tanh(a / SoftCap).
	SoftCap float32

	// NormalizeQueryInCrossAttention enables the q-normalization
	// described above, applied before rotary embedding's downstream
	// dot-product. Left false reproduces plain cross-attention.
	NormalizeQueryInCrossAttention bool
}

// MaskConfig selects which masks §4.4 step 4 composes for this call.
// Causal and Window apply to self-attention over the gathered context;
// Cross marks this call as the cross-attention branch, over a context
// of CrossLength positions that are never causally restricted.
type MaskConfig struct {
	Causal      bool
	Window      int // 0 disables sliding-window trimming
	Cross       bool
	CrossLength int
}

// StepInput is everything one Executor.Step call needs for one layer,
// one step, one sequence.
type StepInput struct {
	Seq       kvcache.SeqID
	Layer     int
	Hidden    []float32 // [NumTokens, LayerConfig.HiddenSize]
	NumTokens int
	Positions []types.Position
	// NewTokens are the token ids landing this step, for kvcache.Write's
	// bookkeeping; its length must equal NumTokens.
	NewTokens []types.Token
	Config    LayerConfig
	Mask      MaskConfig
}

// Executor is the per-worker orchestrator wired to one kvcache.Manager
// (§4.3/§4.4 together: it is the executor's job to hand new K/V to the
// block manager and read the committed view back for the matmul).
type Executor struct {
	cache *kvcache.Manager
}

// NewExecutor wires an Executor to the block manager it persists K/V
// into and gathers context from.
func NewExecutor(cache *kvcache.Manager) *Executor {
	return &Executor{cache: cache}
}

// Step runs the full §4.4 per-layer contract: project, rotary-embed,
// persist K/V, gather the full context, compute
// softmax(QKᵀ/√d)·V with soft-capping and mask composition, and project
// back to hidden size. It returns the next hidden-state tensor
// ([NumTokens, HiddenSize]).
func (e *Executor) Step(in StepInput, ev LayerEvaluator) ([]float32, error) {
	q, k, v := ev.Project(in.Hidden, in.NumTokens, in.Config.HiddenSize)
	ev.RotaryEmbed(q, k, in.Positions, in.Config.HeadDim)

	if in.Config.NormalizeQueryInCrossAttention && in.Mask.Cross {
		rmsNormalizeHeads(q, in.NumTokens, in.Config.NumHeads, in.Config.HeadDim)
	}

	if _, err := e.cache.Write(in.Seq, in.Layer, in.NewTokens, k, v); err != nil {
		return nil, err
	}

	view, err := e.cache.GatherForAttention(in.Seq, in.Mask.Window)
	if err != nil {
		return nil, err
	}
	fullK, fullV := e.cache.ReadLayer(in.Layer, view.Blocks, view.TotalLength, view.ContextLength)

	out := computeAttention(q, fullK, fullV, in.NumTokens, view.ContextLength, in.Config, in.Mask)
	return ev.OutputProject(out, in.NumTokens, in.Config.HiddenSize), nil
}

// computeAttention evaluates softmax(QKᵀ/√d)·V per head, composing the
// requested masks and applying soft-capping between the scaled
// dot-product and the mask-add (§4.4 step 5).
func computeAttention(q, k, v []float32, numTokens, ctxLen int, cfg LayerConfig, mask MaskConfig) []float32 {
	numHeads, kvHeads, headDim := cfg.NumHeads, cfg.KVHeads, cfg.HeadDim
	groupSize := numHeads / kvHeads
	if groupSize == 0 {
		groupSize = 1
	}
	scale := float32(1.0 / math.Sqrt(float64(headDim)))

	out := make([]float32, numTokens*numHeads*headDim)
	scores := make([]float32, ctxLen)

	for t := 0; t < numTokens; t++ {
		queryPos := ctxLen - numTokens + t // this token's absolute position within the gathered context
		for h := 0; h < numHeads; h++ {
			kvHead := h / groupSize
			qOff := (t*numHeads + h) * headDim

			for c := 0; c < ctxLen; c++ {
				kOff := (c*kvHeads + kvHead) * headDim
				var dot float32
				for d := 0; d < headDim; d++ {
					dot += q[qOff+d] * k[kOff+d]
				}
				a := dot * scale
				if cfg.SoftCap != 0 {
					a = cfg.SoftCap * float32(math.Tanh(float64(a/cfg.SoftCap)))
				}
				if !maskAllows(mask, queryPos, c, ctxLen) {
					a = float32(math.Inf(-1))
				}
				scores[c] = a
			}

			softmaxInPlace(scores)

			vOff0 := kvHead * headDim
			for d := 0; d < headDim; d++ {
				var acc float32
				for c := 0; c < ctxLen; c++ {
					acc += scores[c] * v[c*kvHeads*headDim+vOff0+d]
				}
				out[qOff+d] = acc
			}
		}
	}
	return out
}

// maskAllows composes the causal and sliding-window masks (§4.4 step
// 4). Cross-attention positions are never causally restricted: the
// cross context is a fixed, fully-visible set (e.g. encoder states),
// not a running generation the causal mask would apply to.
func maskAllows(mask MaskConfig, queryPos, keyPos, ctxLen int) bool {
	if mask.Cross {
		return keyPos < mask.CrossLength
	}
	if mask.Causal && keyPos > queryPos {
		return false
	}
	if mask.Window > 0 && queryPos-keyPos >= mask.Window {
		return false
	}
	return true
}

func softmaxInPlace(scores []float32) {
	max := float32(math.Inf(-1))
	for _, s := range scores {
		if s > max {
			max = s
		}
	}
	if math.IsInf(float64(max), -1) {
		for i := range scores {
			scores[i] = 0
		}
		return
	}
	var sum float32
	for i, s := range scores {
		e := float32(math.Exp(float64(s - max)))
		scores[i] = e
		sum += e
	}
	if sum == 0 {
		return
	}
	for i := range scores {
		scores[i] /= sum
	}
}

// rmsNormalizeHeads RMS-normalizes q per (token, head) slice, in place,
// over the head_dim axis — the actual effect of the source's
// misleadingly-named "k_norm" step in cross-attention.
func rmsNormalizeHeads(q []float32, numTokens, numHeads, headDim int) {
	const eps = 1e-6
	for t := 0; t < numTokens; t++ {
		for h := 0; h < numHeads; h++ {
			off := (t*numHeads + h) * headDim
			var sumSq float32
			for d := 0; d < headDim; d++ {
				sumSq += q[off+d] * q[off+d]
			}
			rms := float32(math.Sqrt(float64(sumSq)/float64(headDim) + eps))
			for d := 0; d < headDim; d++ {
				q[off+d] /= rms
			}
		}
	}
}
