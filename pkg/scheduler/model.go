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

package scheduler

import (
	"matrixinfer.ai/inferengine/pkg/kvcache"
	"matrixinfer.ai/inferengine/pkg/sequence"
	"matrixinfer.ai/inferengine/pkg/types"
)

// Model is the capability set the scheduler is allowed to see (§9:
// "the scheduler uses only the capability set {embed, forward(batched
// inputs) → logits, kv-cache layout parameters, ISQ tensor
// enumerator}... do not leak architecture details into the
// scheduler"). Every concrete model (dense, MoE, multi-modal) satisfies
// this interface without the scheduler ever knowing which.
type Model interface {
	// Embed maps raw input tokens to the model's hidden-state width, the
	// first step of a prompt or decode forward pass.
	Embed(tokens []types.Token) []float32

	// Forward runs one batched step (prefill or decode) across every
	// sequence in batch and returns each sequence's final-position
	// logits, in the same order as batch.Sequences.
	Forward(batch BatchInput) (BatchOutput, error)

	// KVCacheLayout reports the block-manager shape parameters this
	// model needs (§4.3), so the scheduler can size pkg/kvcache without
	// hardcoding any one architecture's dimensions.
	KVCacheLayout() kvcache.Config

	// ISQTensors enumerates the names of tensors eligible for in-situ
	// quantization, a capability surface the scheduler exposes to
	// callers (e.g. a memory-pressure policy) without interpreting it
	// itself — quantization kernels are out of scope (§1).
	ISQTensors() []string
}

// BatchInput is the scheduler's per-step forward request: one entry per
// selected sequence, built at §4.5 step 3.
type BatchInput struct {
	Sequences []*sequence.Sequence
	// NewTokens holds, per sequence, the token ids being fed this step:
	// the full prompt on first admission, or the single last-sampled
	// token on every decode step after.
	NewTokens [][]types.Token
	// Positions holds, per sequence, the absolute position of each of
	// NewTokens[i] within that sequence's logical token stream.
	Positions [][]types.Position
}

// BatchOutput is Forward's result: one logits vector per sequence, in
// BatchInput.Sequences order.
type BatchOutput struct {
	Logits [][]float32
}
