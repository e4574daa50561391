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

package apiserver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matrixinfer.ai/inferengine/pkg/chattemplate"
	"matrixinfer.ai/inferengine/pkg/config"
	"matrixinfer.ai/inferengine/pkg/kvcache"
	"matrixinfer.ai/inferengine/pkg/scheduler"
	"matrixinfer.ai/inferengine/pkg/tokenizer"
	"matrixinfer.ai/inferengine/pkg/types"
)

const chatMLTemplate = `{% for message in messages %}` +
	`{{ '<|im_start|>' + message['role'] + '\n' + message['content'] + '<|im_end|>' + '\n' }}` +
	`{% endfor %}` +
	`{% if add_generation_prompt %}{{ '<|im_start|>assistant\n' }}{% endif %}`

type echoModel struct{}

func (echoModel) Embed(tokens []types.Token) []float32 { return nil }

func (echoModel) Forward(batch scheduler.BatchInput) (scheduler.BatchOutput, error) {
	out := make([][]float32, len(batch.Sequences))
	for i := range batch.Sequences {
		logits := make([]float32, 32)
		logits[5] = 100
		out[i] = logits
	}
	return scheduler.BatchOutput{Logits: out}, nil
}

func (echoModel) KVCacheLayout() kvcache.Config {
	return kvcache.Config{NumLayers: 1, NumBlocks: 32, BlockSize: 8, KVHeads: 1, HeadDim: 2}
}

func (echoModel) ISQTensors() []string { return nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	tok, err := tokenizer.New("")
	require.NoError(t, err)

	e := chattemplate.NewEvaluator()
	tpl, err := e.Compile(chatMLTemplate)
	require.NoError(t, err)

	cache := kvcache.NewManager(kvcache.Config{NumLayers: 1, NumBlocks: 32, BlockSize: 8, KVHeads: 1, HeadDim: 2})
	sch := scheduler.New(scheduler.Config{Model: echoModel{}, Cache: cache, Decoder: tok, MaxBatch: 4, BlockSize: 8})

	return &Server{
		Scheduler: sch,
		Tokenizer: tok,
		Template:  tpl,
		MaxLength: 10,
	}
}

func TestSubmitAdmitsAndStreamsChunks(t *testing.T) {
	s := newTestServer(t)
	req := Request{
		ID:           "r1",
		UserID:       "user-a",
		Messages:     []chattemplate.Message{{Role: "user", Content: "hi"}},
		ResponseSink: make(chan Event, 8),
	}

	err := s.Submit(req, "")
	require.NoError(t, err)

	_, err = s.Scheduler.Step()
	require.NoError(t, err)

	select {
	case ev := <-req.ResponseSink:
		assert.Equal(t, EventChunk, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected a chunk event")
	}
}

func TestSubmitRejectsOversizedPromptViaScheduler(t *testing.T) {
	s := newTestServer(t)
	huge := ""
	for i := 0; i < 500; i++ {
		huge += "word "
	}
	req := Request{
		ID:           "r2",
		UserID:       "user-a",
		Messages:     []chattemplate.Message{{Role: "user", Content: huge}},
		ResponseSink: make(chan Event, 1),
	}
	err := s.Submit(req, "")
	assert.ErrorIs(t, err, scheduler.ErrRejected)
}

func TestRateLimiterRejectsOverBudgetInput(t *testing.T) {
	rl := NewRateLimiter(&config.RateLimitConfig{InputTokensPerSecond: 1, OutputTokensPerSecond: 1, Burst: 1})
	err := rl.AllowInput(1)
	require.NoError(t, err)
	err = rl.AllowInput(100)
	assert.Error(t, err)
}

func TestNewAuthenticatorNilWhenUnconfigured(t *testing.T) {
	a := NewAuthenticator(nil, nil)
	assert.Nil(t, a)
	assert.NoError(t, a.Verify("anything")) // nil Authenticator never blocks
}
