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

package speculative

import (
	"matrixinfer.ai/inferengine/pkg/kvcache"
	"matrixinfer.ai/inferengine/pkg/types"
)

// fakeModel is a SpeculativeModel test double: its logits don't depend
// on accumulated KV state (ResetCache/RewindCache are no-ops recorded
// for assertions), only on next, a scripted queue of logits vectors
// handed out one per input position per ForwardAllPositions call. This
// isolates the Driver's rejection-sampling arithmetic from any need for
// a real model or real KV-cache continuity.
type fakeModel struct {
	vocab   int
	next    [][]float32
	resets  int
	rewinds int
}

func newFakeModel(vocab int, logitsPerPosition ...[]float32) *fakeModel {
	return &fakeModel{vocab: vocab, next: logitsPerPosition}
}

func (f *fakeModel) VocabSize() int { return f.vocab }

func (f *fakeModel) ForwardAllPositions(tokens []types.Token, positions []types.Position, _ kvcache.SeqID) ([][]float32, error) {
	out := make([][]float32, len(tokens))
	for i := range tokens {
		if len(f.next) == 0 {
			out[i] = make([]float32, f.vocab)
			continue
		}
		out[i] = f.next[0]
		f.next = f.next[1:]
	}
	return out, nil
}

func (f *fakeModel) ResetCache(kvcache.SeqID)      { f.resets++ }
func (f *fakeModel) RewindCache(kvcache.SeqID, int) { f.rewinds++ }
