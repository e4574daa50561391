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

// Package scheduler is Component G: the single-worker-goroutine step
// loop of §4.5, selecting a batch of sequences, invoking the model,
// sampling, appending tokens, checking stop conditions, and emitting
// output chunks. It never sees a concrete model architecture, only the
// §9 capability-set Model interface.
package scheduler

import (
	"errors"
	"math"
	"sync"
	"time"

	"matrixinfer.ai/inferengine/pkg/kvcache"
	"matrixinfer.ai/inferengine/pkg/logger"
	"matrixinfer.ai/inferengine/pkg/sampler"
	"matrixinfer.ai/inferengine/pkg/sequence"
	"matrixinfer.ai/inferengine/pkg/types"
)

var log = logger.NewLogger("scheduler")

// ErrRejected is returned by Submit when the admission queue has no
// path to ever run the request — no free blocks exist even after
// eviction (§7: OutOfMemory with no eviction target → ValidationError).
var ErrRejected = errors.New("scheduler: request rejected, no capacity available")

// admitted records per-sequence bookkeeping the step loop needs beyond
// what pkg/sequence itself tracks: which user to charge fairness usage
// to, when it was admitted (for eviction's "most-recently-admitted"
// rule), its prompt (consumed once, on first admission or re-admission
// after eviction), and the decoded-text accumulator CheckStop's
// stop-string matching needs.
type admitted struct {
	userID       string
	admittedAt   time.Time
	promptTokens []types.Token
	decoded      string
	sampler      *sampler.Sampler

	// pendingChoices, choiceSeed and choiceSink are only set on an
	// n_choices primary's own admitted entry; forkChoices consumes and
	// zeroes pendingChoices the step it runs.
	pendingChoices int
	choiceSeed     uint64
	choiceSink     chan *sequence.Sequence
}

// Config bundles a Scheduler's fixed collaborators.
type Config struct {
	Model     Model
	Cache     *kvcache.Manager
	Decoder   sampler.Decoder
	MaxBatch  int
	BlockSize int
}

// Scheduler drives one model's step loop over however many sequences
// are admitted (§4.5, §5: single worker goroutine, suspension only at
// channel boundaries — Step is meant to be called in a loop from one
// goroutine, never concurrently with itself).
type Scheduler struct {
	mu sync.Mutex

	model     Model
	cache     *kvcache.Manager
	decoder   sampler.Decoder
	maxBatch  int
	blockSize int

	admission *AdmissionQueue
	running   []*sequence.Sequence
	state     map[sequence.SeqID]*admitted
}

// New constructs a Scheduler ready to accept Submit calls.
func New(cfg Config) *Scheduler {
	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = 1
	}
	return &Scheduler{
		model:     cfg.Model,
		cache:     cfg.Cache,
		decoder:   cfg.Decoder,
		maxBatch:  maxBatch,
		blockSize: cfg.BlockSize,
		admission: NewAdmissionQueue(),
		state:     make(map[sequence.SeqID]*admitted),
	}
}

// Submit enqueues seq (already Waiting, per pkg/sequence.New) under
// userID for future admission by Step's select phase. It fails fast
// with ErrRejected when the prompt alone could never fit even after
// evicting every other sequence (§7: OutOfMemory with no eviction
// target → reject rather than queue forever).
func (sch *Scheduler) Submit(seq *sequence.Sequence, userID string, prompt []types.Token, seed uint64) error {
	_, err := sch.SubmitChoices(seq, userID, prompt, seed, 1)
	return err
}

// SubmitChoices admits seq as the primary of an n_choices request: once
// seq's prompt is prefilled and its own first decode token sampled,
// n-1 siblings are forked off its cache blocks and fast-tracked to
// Running (§6: "emits n parallel sequences sharing the prompt via
// fork"). The returned channel delivers each sibling as it is created
// and is closed once all n-1 have been (or n < 2, in which case it is
// closed empty immediately).
func (sch *Scheduler) SubmitChoices(seq *sequence.Sequence, userID string, prompt []types.Token, seed uint64, n int) (<-chan *sequence.Sequence, error) {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	blocksNeeded := (len(prompt) + sch.cache.BlockSize() - 1) / sch.cache.BlockSize()
	if blocksNeeded > sch.cache.Capacity() {
		return nil, ErrRejected
	}

	pending := n - 1
	if pending < 0 {
		pending = 0
	}
	choices := make(chan *sequence.Sequence, pending)
	if pending == 0 {
		close(choices)
	}

	sch.state[seq.ID] = &admitted{
		userID:         userID,
		promptTokens:   prompt,
		sampler:        sampler.New(seed),
		pendingChoices: pending,
		choiceSeed:     seed,
		choiceSink:     choices,
	}
	sch.admission.Submit(seq, userID)
	return choices, nil
}

// Step runs one full §4.5 iteration: select, allocate, forward, sample,
// append & check, emit. It returns the sequences that finished this
// step (already transitioned to Finished and had their sink closed).
func (sch *Scheduler) Step() ([]*sequence.Sequence, error) {
	sch.mu.Lock()
	batch, newTokens, positions := sch.selectAndAllocate()
	sch.mu.Unlock()

	if len(batch) == 0 {
		return nil, nil
	}

	out, err := sch.model.Forward(BatchInput{Sequences: batch, NewTokens: newTokens, Positions: positions})
	if err != nil {
		return nil, err
	}

	sch.mu.Lock()
	defer sch.mu.Unlock()

	finished := make([]*sequence.Sequence, 0)
	for i, seq := range batch {
		st := sch.state[seq.ID]
		result, err := sch.sampleOne(seq, st, out.Logits[i])
		if err != nil {
			seq.Finish(sequence.StopError)
			sch.retire(seq)
			finished = append(finished, seq)
			continue
		}

		// Fork any pending n_choices siblings now, strictly before the
		// primary commits or advances on result.Token: the prompt is
		// fully written to cache (this step's Forward call did that)
		// and seq's recognizer is still in its post-prompt,
		// pre-decode state, which is exactly what a fresh sibling
		// needs to clone (§4.5, §6). retire() below has not yet had a
		// chance to free these blocks out from under a fork either.
		if st.pendingChoices > 0 {
			sch.forkChoices(seq, st)
		}

		seq.AddToken(result.Token)
		if seq.Recognizer() != nil {
			_ = seq.Recognizer().Advance(result.Token, sch.decoder)
		}

		st.decoded += string(result.DecodedBytes)

		reason := seq.CheckStop(result.Token, st.decoded)
		seq.OutputSink() <- sequence.Chunk{
			Tokens:   []types.Token{result.Token},
			Bytes:    result.DecodedBytes,
			Logprobs: []sampler.Result{*result},
			Done:     reason != sequence.StopNone,
			Reason:   reason,
		}

		if reason != sequence.StopNone {
			seq.Finish(reason)
			sch.admission.RecordUsage(st.userID, seq.Position())
			sch.retire(seq)
			finished = append(finished, seq)
		}
	}
	return finished, nil
}

// selectAndAllocate is §4.5 steps 1–2, run under sch.mu.
func (sch *Scheduler) selectAndAllocate() ([]*sequence.Sequence, [][]types.Token, [][]types.Position) {
	var batch []*sequence.Sequence
	var newTokens [][]types.Token
	var positions [][]types.Position

	// Continuing decode-phase sequences keep their slot every step;
	// only out-of-memory pressure evicts them (handled below). evict()
	// maintains sch.running itself as sequences drop out, so this walks
	// a snapshot rather than sch.running directly — a sequence evicted
	// by a later iteration is dropped from batch by the final state
	// filter at the bottom of this function, not by mutating sch.running
	// here.
	snapshot := append([]*sequence.Sequence(nil), sch.running...)
	for _, seq := range snapshot {
		if seq.State() != sequence.Running {
			continue
		}
		if !sch.tryAllocate(seq, seq.Position()+1) {
			sch.evict(seq)
			continue
		}
		tok := seq.GetTokens()
		batch = append(batch, seq)
		newTokens = append(newTokens, []types.Token{tok[len(tok)-1]})
		positions = append(positions, []types.Position{types.Position(len(tok) - 1)})
	}

	// Prefer prompt-phase admission until max_batch is reached (§4.5
	// step 1: "prefer prompt-phase sequences until they have caught
	// up"); every freshly admitted sequence runs its whole prompt as
	// one prefill step, so it "catches up" to the decode-phase cohort
	// within this same Step call.
	for len(batch) < sch.maxBatch {
		seq := sch.admission.Next()
		if seq == nil {
			break
		}
		st := sch.state[seq.ID]
		if !sch.tryAllocate(seq, len(st.promptTokens)) { // total target equals the whole prompt, whether fresh or re-run after eviction
			sch.admission.Requeue(seq)
			break
		}
		if seq.Position() == 0 {
			// First admission ever: commit the prompt now so position
			// tracking, CheckStop's max-length check, and a future
			// eviction's re-prefill all see prompt tokens as part of the
			// sequence's own committed history (§4.7).
			for _, tok := range st.promptTokens {
				seq.AddToken(tok)
			}
		}
		seq.SetState(sequence.Running)
		st.admittedAt = time.Now()
		sch.running = append(sch.running, seq)

		positionsForPrompt := make([]types.Position, len(st.promptTokens))
		for i := range positionsForPrompt {
			positionsForPrompt[i] = types.Position(i)
		}
		batch = append(batch, seq)
		newTokens = append(newTokens, st.promptTokens)
		positions = append(positions, positionsForPrompt)
	}

	// A sequence added earlier in this same call can still be evicted
	// later (a subsequent admission's tryAllocate may need its blocks),
	// so drop anything no longer Running before handing the batch to
	// Forward.
	finalBatch := batch[:0]
	finalTokens := newTokens[:0]
	finalPositions := positions[:0]
	for i, seq := range batch {
		if seq.State() != sequence.Running {
			continue
		}
		finalBatch = append(finalBatch, seq)
		finalTokens = append(finalTokens, newTokens[i])
		finalPositions = append(finalPositions, positions[i])
	}
	return finalBatch, finalTokens, finalPositions
}

// tryAllocate ensures seq's block table can hold totalTokens tokens in
// total, evicting the most-recently-admitted running sequence on
// overflow until it fits or nothing is left to evict (§4.5 step 1, §7:
// OutOfMemory → evict).
func (sch *Scheduler) tryAllocate(seq *sequence.Sequence, totalTokens int) bool {
	for {
		err := sch.cache.Allocate(seq.BlockTable(), totalTokens)
		if err == nil {
			return true
		}
		victim := sch.mostRecentlyAdmitted(seq)
		if victim == nil {
			return false
		}
		sch.evict(victim)
	}
}

// mostRecentlyAdmitted finds the latest-admitted Running sequence other
// than exclude, the eviction target §4.5 step 1 names.
func (sch *Scheduler) mostRecentlyAdmitted(exclude *sequence.Sequence) *sequence.Sequence {
	var victim *sequence.Sequence
	var latest time.Time
	for _, seq := range sch.running {
		if seq == exclude || seq.State() != sequence.Running {
			continue
		}
		st := sch.state[seq.ID]
		if victim == nil || st.admittedAt.After(latest) {
			victim = seq
			latest = st.admittedAt
		}
	}
	return victim
}

// evict moves seq to Paused and frees its blocks, re-queuing it to
// resume later by re-running its prompt (§4.5 step 1): prefix-shared
// blocks it no longer owns will simply be re-allocated fresh, since
// this reference implementation has no cross-sequence prefix cache
// beyond what pkg/kvcache's optional distributed directory offers.
func (sch *Scheduler) evict(seq *sequence.Sequence) {
	seq.SetState(sequence.Paused)
	sch.cache.Free(seq.BlockTable())

	still := sch.running[:0]
	for _, s := range sch.running {
		if s.ID != seq.ID {
			still = append(still, s)
		}
	}
	sch.running = still

	st := sch.state[seq.ID]
	st.promptTokens = seq.GetTokens()
	log.WithField("seq", seq.ID).Info("evicted sequence for capacity")
	sch.admission.Requeue(seq)
}

// sampleOne is §4.5 step 4: mask disallowed tokens via the recognizer,
// then run the sampler pipeline.
func (sch *Scheduler) sampleOne(seq *sequence.Sequence, st *admitted, logits []float32) (*sampler.Result, error) {
	if rec := seq.Recognizer(); rec != nil {
		mask := rec.AllowedMask(len(logits), sch.decoder)
		for i, allowed := range mask {
			if !allowed {
				logits[i] = float32(math.Inf(-1))
			}
		}
	}
	penaltyCtx := seq.LogprobWindow(penaltyWindow)
	return st.sampler.Sample(logits, seq.Params(), toSamplerTokens(penaltyCtx), sch.decoder, seq.Params().TopNLogprobs > 0)
}

// forkChoices builds st.pendingChoices siblings of parent, one per
// remaining choice, then closes st.choiceSink. Each sibling shares the
// prompt's cache blocks via kvcache.Manager.ForkRewind, replays only
// the prompt tokens (never parent's own sampled tokens) so its
// committed history matches exactly what those shared blocks hold, and
// is registered directly into sch.running — it piggybacks on capacity
// the primary already reserved rather than competing for fresh
// admission through sch.admission.
func (sch *Scheduler) forkChoices(parent *sequence.Sequence, st *admitted) {
	n := st.pendingChoices
	st.pendingChoices = 0
	sink := st.choiceSink
	defer close(sink)

	for i := 0; i < n; i++ {
		sib := parent.Fork(sequence.NewID())
		if err := sch.cache.ForkRewind(parent.BlockTable(), sib.BlockTable()); err != nil {
			log.WithError(err).WithField("parent", parent.ID).Warn("n_choices fork failed")
			continue
		}
		for _, tok := range st.promptTokens {
			sib.AddToken(tok)
		}
		sib.SetState(sequence.Running)

		sch.state[sib.ID] = &admitted{
			userID:       st.userID,
			admittedAt:   time.Now(),
			promptTokens: st.promptTokens,
			sampler:      sampler.New(st.choiceSeed + uint64(i) + 1),
		}
		sch.running = append(sch.running, sib)
		sink <- sib
	}
}

// retire drops per-sequence bookkeeping once a sequence is Finished.
func (sch *Scheduler) retire(seq *sequence.Sequence) {
	sch.cache.Free(seq.BlockTable())
	delete(sch.state, seq.ID)
	still := sch.running[:0]
	for _, s := range sch.running {
		if s.ID != seq.ID {
			still = append(still, s)
		}
	}
	sch.running = still
}

func toSamplerTokens(toks []types.Token) []sampler.Token {
	out := make([]sampler.Token, len(toks))
	for i, t := range toks {
		out[i] = sampler.Token(t)
	}
	return out
}

// penaltyWindow bounds how much recent history repeat/presence
// penalties scan, matching the sampler's own §4.2 contract.
const penaltyWindow = 256

// PendingCount reports how many sequences are queued or admitted,
// for metrics and backpressure decisions.
func (sch *Scheduler) PendingCount() int {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	return sch.admission.Len() + len(sch.running)
}
