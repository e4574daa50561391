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

	"matrixinfer.ai/inferengine/pkg/types"
)

// FakeLayerEvaluator is a small, real (not mocked-out) LayerEvaluator
// used by tests: Project scales the hidden state by fixed scalar
// weights so results are easy to hand-check, RotaryEmbed rotates each (x, y)
// pair of a head by a position-dependent angle exactly like a real
// rotary embedding would, and OutputProject is the identity truncated
// or zero-padded to hidden size.
type FakeLayerEvaluator struct {
	// QWeight, KWeight, VWeight scale every hidden element uniformly
	// when projecting. Q/K/V come out the same width as hidden (callers
	// size HiddenSize == NumHeads*HeadDim == KVHeads*HeadDim), which
	// keeps the math exact and hand-checkable while still exercising
	// the full matmul/softmax/mask pipeline downstream.
	QWeight, KWeight, VWeight float32
}

func (f FakeLayerEvaluator) Project(hidden []float32, numTokens, hiddenSize int) (q, k, v []float32) {
	qw := f.QWeight
	if qw == 0 {
		qw = 1
	}
	kw := f.KWeight
	if kw == 0 {
		kw = 1
	}
	vw := f.VWeight
	if vw == 0 {
		vw = 1
	}
	q = make([]float32, len(hidden))
	k = make([]float32, len(hidden))
	v = make([]float32, len(hidden))
	for i, h := range hidden {
		q[i] = h * qw
		k[i] = h * kw
		v[i] = h * vw
	}
	return q, k, v
}

func (FakeLayerEvaluator) RotaryEmbed(q, k []float32, positions []types.Position, headDim int) {
	rotateInPlace(q, positions, headDim)
	rotateInPlace(k, positions, headDim)
}

func rotateInPlace(x []float32, positions []types.Position, headDim int) {
	half := headDim / 2
	if half == 0 {
		return
	}
	perToken := len(x) / len(positions)
	for t, pos := range positions {
		base := t * perToken
		for start := 0; start+headDim <= perToken; start += headDim {
			for d := 0; d < half; d++ {
				freq := 1.0 / math.Pow(10000.0, 2.0*float64(d)/float64(headDim))
				theta := float64(pos) * freq
				cos := float32(math.Cos(theta))
				sin := float32(math.Sin(theta))
				i0, i1 := base+start+d, base+start+half+d
				x0, x1 := x[i0], x[i1]
				x[i0] = x0*cos - x1*sin
				x[i1] = x0*sin + x1*cos
			}
		}
	}
}

func (FakeLayerEvaluator) OutputProject(attnOut []float32, numTokens, hiddenSize int) []float32 {
	out := make([]float32, numTokens*hiddenSize)
	perToken := len(attnOut) / numTokens
	for t := 0; t < numTokens; t++ {
		n := hiddenSize
		if n > perToken {
			n = perToken
		}
		copy(out[t*hiddenSize:t*hiddenSize+n], attnOut[t*perToken:t*perToken+n])
	}
	return out
}
