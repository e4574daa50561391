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

package main

import (
	"matrixinfer.ai/inferengine/pkg/config"
	"matrixinfer.ai/inferengine/pkg/kvcache"
	"matrixinfer.ai/inferengine/pkg/scheduler"
	"matrixinfer.ai/inferengine/pkg/types"
)

// placeholderModel satisfies scheduler.Model without ever loading
// weights: it always favors the tokenizer's first id, which is enough
// to exercise intake, scheduling, sampling, and stop-condition logic
// end to end. Model-weight loading and device placement are this
// spec's explicit Non-goal; a real architecture would replace this
// with a wired checkpoint loader, not a change to any of the packages
// it talks to.
type placeholderModel struct {
	vocabSize int
	layout    kvcache.Config
}

func newPlaceholderModel(cfg *config.Config, vocabSize int) *placeholderModel {
	return &placeholderModel{
		vocabSize: vocabSize,
		layout: kvcache.Config{
			NumLayers: cfg.NumLayers,
			NumBlocks: cfg.NumBlocks,
			BlockSize: cfg.BlockSize,
			KVHeads:   1,
			HeadDim:   1,
		},
	}
}

func (m *placeholderModel) Embed(tokens []types.Token) []float32 {
	return make([]float32, len(tokens))
}

func (m *placeholderModel) Forward(batch scheduler.BatchInput) (scheduler.BatchOutput, error) {
	out := make([][]float32, len(batch.Sequences))
	for i := range batch.Sequences {
		logits := make([]float32, m.vocabSize)
		out[i] = logits
	}
	return scheduler.BatchOutput{Logits: out}, nil
}

func (m *placeholderModel) KVCacheLayout() kvcache.Config {
	return m.layout
}

func (m *placeholderModel) ISQTensors() []string {
	return nil
}
