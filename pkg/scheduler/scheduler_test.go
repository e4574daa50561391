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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matrixinfer.ai/inferengine/pkg/kvcache"
	"matrixinfer.ai/inferengine/pkg/recognizer"
	"matrixinfer.ai/inferengine/pkg/sampler"
	"matrixinfer.ai/inferengine/pkg/sequence"
	"matrixinfer.ai/inferengine/pkg/types"
)

const vocabSize = 8

// byteModel is a trivial Model double: it always predicts token 1
// (byte 0x01 under byteDecoder), ignoring its inputs, so tests can drive the step loop
// deterministically without a real forward pass.
type byteModel struct {
	forwardCalls int
}

func (m *byteModel) Embed(tokens []types.Token) []float32 {
	out := make([]float32, len(tokens))
	for i, t := range tokens {
		out[i] = float32(t)
	}
	return out
}

func (m *byteModel) Forward(batch BatchInput) (BatchOutput, error) {
	m.forwardCalls++
	out := make([][]float32, len(batch.Sequences))
	for i := range batch.Sequences {
		logits := make([]float32, vocabSize)
		logits[1] = 100
		out[i] = logits
	}
	return BatchOutput{Logits: out}, nil
}

func (m *byteModel) KVCacheLayout() kvcache.Config {
	return kvcache.Config{NumLayers: 1, NumBlocks: 8, BlockSize: 4, KVHeads: 1, HeadDim: 2}
}

func (m *byteModel) ISQTensors() []string { return nil }

type byteDecoder struct{}

func (byteDecoder) DecodeByte(tok types.Token) []byte { return []byte{byte(tok)} }

func newTestScheduler(maxBatch, numBlocks int) (*Scheduler, *kvcache.Manager, *byteModel) {
	model := &byteModel{}
	cache := kvcache.NewManager(kvcache.Config{NumLayers: 1, NumBlocks: numBlocks, BlockSize: 4, KVHeads: 1, HeadDim: 2})
	sch := New(Config{Model: model, Cache: cache, Decoder: byteDecoder{}, MaxBatch: maxBatch, BlockSize: 4})
	return sch, cache, model
}

func submitSeq(sch *Scheduler, maxLen int, prompt []types.Token) *sequence.Sequence {
	seq := sequence.New(sequence.NewID(), sequence.Config{
		Recognizer: recognizer.None{},
		MaxLength:  maxLen,
		SinkBuffer: 16,
	})
	if err := sch.Submit(seq, "user-a", prompt, 42); err != nil {
		panic(err)
	}
	return seq
}

func drainOne(t *testing.T, seq *sequence.Sequence) sequence.Chunk {
	t.Helper()
	select {
	case c := <-seq.OutputSink():
		return c
	default:
		t.Fatal("expected a chunk on the sink")
		return sequence.Chunk{}
	}
}

func TestStepAdmitsAndGeneratesOneToken(t *testing.T) {
	sch, _, model := newTestScheduler(4, 16)
	seq := submitSeq(sch, 10, []types.Token{2, 3})

	finished, err := sch.Step()
	require.NoError(t, err)
	assert.Empty(t, finished)
	assert.Equal(t, 1, model.forwardCalls)
	assert.Equal(t, sequence.Running, seq.State())

	chunk := drainOne(t, seq)
	assert.Equal(t, types.Token(1), chunk.Tokens[0])
	assert.False(t, chunk.Done)
}

func TestStepFinishesOnMaxLength(t *testing.T) {
	sch, _, _ := newTestScheduler(4, 16)
	seq := submitSeq(sch, 1, []types.Token{2, 3})

	_, err := sch.Step()
	require.NoError(t, err)

	chunk := drainOne(t, seq)
	assert.True(t, chunk.Done)
	assert.Equal(t, sequence.StopMaxLength, chunk.Reason)
	assert.Equal(t, sequence.Finished, seq.State())
}

func TestStepContinuesDecodeAcrossMultipleSteps(t *testing.T) {
	sch, _, _ := newTestScheduler(4, 16)
	seq := submitSeq(sch, 5, []types.Token{2, 3})

	_, err := sch.Step()
	require.NoError(t, err)
	drainOne(t, seq)
	assert.Equal(t, 3, seq.Position()) // 2 prompt tokens + 1 generated

	_, err = sch.Step()
	require.NoError(t, err)
	drainOne(t, seq)
	assert.Equal(t, 4, seq.Position())
}

func TestStepEvictsUnderBlockPressure(t *testing.T) {
	// blockSize=4, numBlocks=2 → only 8 slots total; two 6-token prompts
	// cannot both fit, forcing the second admission to evict the first.
	sch, cache, _ := newTestScheduler(4, 2)
	first := submitSeq(sch, 20, []types.Token{1, 2, 3, 4, 5, 6})
	second := submitSeq(sch, 20, []types.Token{1, 2, 3, 4, 5, 6})

	_, err := sch.Step()
	require.NoError(t, err)

	// Exactly one of the two made it through this step; the other was
	// evicted back to Paused with its blocks freed.
	pausedCount, runningCount := 0, 0
	for _, s := range []*sequence.Sequence{first, second} {
		switch s.State() {
		case sequence.Paused:
			pausedCount++
		case sequence.Running:
			runningCount++
		}
	}
	assert.Equal(t, 1, pausedCount)
	assert.Equal(t, 1, runningCount)
	assert.LessOrEqual(t, cache.TotalRefcount(), int64(8)) // the evicted sequence's blocks were actually freed
}

func TestSubmitRejectsPromptThatCanNeverFit(t *testing.T) {
	sch, _, _ := newTestScheduler(4, 2) // 2 blocks * 4 slots = 8 tokens max, ever
	seq := sequence.New(sequence.NewID(), sequence.Config{SinkBuffer: 1})
	prompt := make([]types.Token, 9)
	err := sch.Submit(seq, "user-a", prompt, 1)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestAdmissionQueueFairnessOrdersAcrossUsers(t *testing.T) {
	q := NewAdmissionQueue()
	heavy := sequence.New(sequence.NewID(), sequence.Config{})
	light := sequence.New(sequence.NewID(), sequence.Config{})

	q.RecordUsage("heavy-user", 1000)
	q.Submit(heavy, "heavy-user")
	q.Submit(light, "light-user")

	first := q.Next()
	assert.Equal(t, light.ID, first.ID, "the user with less recorded usage goes first")
}

func TestSampleOneMasksDisallowedTokensViaRecognizer(t *testing.T) {
	sch, _, _ := newTestScheduler(4, 16)
	seq := sequence.New(sequence.NewID(), sequence.Config{
		Recognizer: mustRegex(t, `[\x02]`), // only byte 0x02 is allowed
		MaxLength:  10,
		SinkBuffer: 4,
	})
	st := &admitted{sampler: sampler.New(7)}
	logits := make([]float32, vocabSize)
	logits[1] = 100 // token 1 would win on raw logits alone

	result, err := sch.sampleOne(seq, st, logits)
	require.NoError(t, err)
	assert.Equal(t, types.Token(2), result.Token)
}

func TestSubmitChoicesForksSiblingsSharingThePrompt(t *testing.T) {
	sch, cache, _ := newTestScheduler(4, 16)
	seq := sequence.New(sequence.NewID(), sequence.Config{
		Recognizer: recognizer.None{},
		MaxLength:  10,
		SinkBuffer: 16,
	})
	choices, err := sch.SubmitChoices(seq, "user-a", []types.Token{2, 3}, 42, 3)
	require.NoError(t, err)

	_, err = sch.Step()
	require.NoError(t, err)

	var siblings []*sequence.Sequence
	for sib := range choices {
		siblings = append(siblings, sib)
	}
	require.Len(t, siblings, 2, "n=3 forks exactly 2 siblings off the primary")

	for _, sib := range siblings {
		assert.Equal(t, sequence.Running, sib.State())
		assert.Equal(t, 2, sib.Position(), "a sibling starts with only the prompt committed, never the primary's own sampled token")
	}

	// The primary's own prompt+1 generated token and each sibling's
	// prompt-only history all still trace back to the same forked
	// blocks, so refcount accounting reflects one shared tree rather
	// than three independent allocations.
	assert.Greater(t, cache.TotalRefcount(), int64(0))
}

func TestForkedSiblingGeneratesItsOwnNextTokenIndependently(t *testing.T) {
	sch, _, model := newTestScheduler(4, 16)
	seq := sequence.New(sequence.NewID(), sequence.Config{
		Recognizer: recognizer.None{},
		MaxLength:  10,
		SinkBuffer: 16,
	})
	choices, err := sch.SubmitChoices(seq, "user-a", []types.Token{2, 3}, 42, 2)
	require.NoError(t, err)
	_, err = sch.Step()
	require.NoError(t, err)
	drainOne(t, seq)

	var sib *sequence.Sequence
	for s := range choices {
		sib = s
	}
	require.NotNil(t, sib)

	callsBefore := model.forwardCalls
	_, err = sch.Step()
	require.NoError(t, err)
	assert.Greater(t, model.forwardCalls, callsBefore, "the sibling's own decode step runs a real forward pass, not a cached replay")

	chunk := drainOne(t, sib)
	assert.Equal(t, types.Token(1), chunk.Tokens[0])
	assert.Equal(t, 3, sib.Position())
}

func mustRegex(t *testing.T, pattern string) *recognizer.Regex {
	t.Helper()
	r, err := recognizer.NewRegex(pattern)
	require.NoError(t, err)
	return r
}
