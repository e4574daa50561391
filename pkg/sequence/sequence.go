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

// Package sequence is Component F: the per-request generation state the
// scheduler advances one step at a time (§4.7).
package sequence

import (
	"sync"

	"github.com/google/uuid"

	"matrixinfer.ai/inferengine/pkg/kvcache"
	"matrixinfer.ai/inferengine/pkg/recognizer"
	"matrixinfer.ai/inferengine/pkg/sampler"
	"matrixinfer.ai/inferengine/pkg/types"
)

// State is a sequence's position in the generation state machine.
type State int

const (
	Waiting State = iota
	Running
	Paused
	Finished
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// StopReason names why a Finished sequence stopped.
type StopReason int

const (
	StopNone StopReason = iota
	StopMaxLength
	StopToken
	StopString
	StopRecognizer
	StopCancelled
	StopError
)

func (r StopReason) String() string {
	switch r {
	case StopMaxLength:
		return "max_length"
	case StopToken:
		return "stop_token"
	case StopString:
		return "stop_string"
	case StopRecognizer:
		return "recognizer"
	case StopCancelled:
		return "cancelled"
	case StopError:
		return "error"
	default:
		return "none"
	}
}

// Chunk is one emitted slice of generation output (§6: Response events).
type Chunk struct {
	Tokens   []types.Token
	Bytes    []byte
	Logprobs []sampler.Result
	Done     bool
	Reason   StopReason
}

// OutputSink is where a sequence's chunks are delivered; closing it
// from the consumer side is how a client disconnect is observed (§5).
type OutputSink chan Chunk

// Sequence is one generation request's mutable state (§3, §4.7).
type Sequence struct {
	ID SeqID

	mu sync.Mutex

	params     sampler.Params
	recognizer recognizer.Recognizer

	// committed is the canonical, externally-visible token list.
	committed []types.Token
	// tmp holds the speculative driver's uncommitted proposal tail
	// (§4.7: "the tmp/prefill distinction exists so the speculative
	// driver can rewind cheaply").
	tmp []types.Token
	// prefillSaved snapshots committed during the verify path so
	// ResetPrefillTokens can rewind after a rejected proposal.
	prefillSaved []types.Token

	blockTable kvcache.SeqID
	state      State
	stopReason StopReason

	maxLength  int
	stopTokens map[types.Token]bool
	stopStrs   []string

	position int
	sink     OutputSink
}

// SeqID is a sequence's unique identifier.
type SeqID string

// NewID mints a fresh sequence id.
func NewID() SeqID { return SeqID(uuid.NewString()) }

// Config bundles everything New needs beyond the id.
type Config struct {
	Params     sampler.Params
	Recognizer recognizer.Recognizer
	MaxLength  int
	StopTokens []types.Token
	StopStrs   []string
	SinkBuffer int
}

// New constructs a Waiting sequence with its own block table id equal
// to its sequence id (the two id spaces happen to coincide 1:1, since
// every sequence owns exactly one block table).
func New(id SeqID, cfg Config) *Sequence {
	stopTokens := make(map[types.Token]bool, len(cfg.StopTokens))
	for _, t := range cfg.StopTokens {
		stopTokens[t] = true
	}
	bufSize := cfg.SinkBuffer
	if bufSize <= 0 {
		bufSize = 16
	}
	rec := cfg.Recognizer
	if rec == nil {
		rec = recognizer.None{}
	}
	return &Sequence{
		ID:         id,
		params:     cfg.Params,
		recognizer: rec,
		blockTable: kvcache.SeqID(id),
		state:      Waiting,
		maxLength:  cfg.MaxLength,
		stopTokens: stopTokens,
		stopStrs:   cfg.StopStrs,
		sink:       make(OutputSink, bufSize),
	}
}

// BlockTable is the id this sequence's block table is registered under
// in pkg/kvcache.
func (s *Sequence) BlockTable() kvcache.SeqID { return s.blockTable }

// Fork builds a sibling sequence for n_choices fan-out: same sampling
// params, max length and stop conditions as s, but Waiting and with no
// committed tokens of its own — the caller is responsible for replaying
// s's prompt onto it and forking its cache blocks (§6: n_choices "emits
// n parallel sequences sharing the prompt via fork"). The recognizer is
// cloned, not shared: recognizer.Grammar and recognizer.Regex carry
// mutable match-position state that Advance mutates in place, so two
// siblings sharing one recognizer would corrupt each other's state the
// moment their sampled tokens diverge. The caller must fork before s's
// own recognizer advances past the point siblings are meant to start
// from, or the clone starts one token ahead of what the sibling has
// actually committed.
func (s *Sequence) Fork(id SeqID) *Sequence {
	s.mu.Lock()
	defer s.mu.Unlock()

	stopTokens := make(map[types.Token]bool, len(s.stopTokens))
	for tok := range s.stopTokens {
		stopTokens[tok] = true
	}
	var rec recognizer.Recognizer
	if s.recognizer != nil {
		rec = s.recognizer.Clone()
	}
	return &Sequence{
		ID:         id,
		params:     s.params,
		recognizer: rec,
		blockTable: kvcache.SeqID(id),
		state:      Waiting,
		maxLength:  s.maxLength,
		stopTokens: stopTokens,
		stopStrs:   append([]string(nil), s.stopStrs...),
		sink:       make(OutputSink, cap(s.sink)),
	}
}

// Params returns the immutable sampling parameters.
func (s *Sequence) Params() sampler.Params { return s.params }

// State returns the current generation state.
func (s *Sequence) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState transitions the sequence's state machine position.
func (s *Sequence) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// AddToken appends a committed token (§4.7).
func (s *Sequence) AddToken(tok types.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = append(s.committed, tok)
	s.position++
}

// AddTmpToken appends to the speculative proposal tail without
// committing it (§4.7).
func (s *Sequence) AddTmpToken(tok types.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tmp = append(s.tmp, tok)
}

// RemoveTmpToken drops the most recently proposed tmp token, used when
// a draft step is discarded without ever reaching verify.
func (s *Sequence) RemoveTmpToken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tmp) > 0 {
		s.tmp = s.tmp[:len(s.tmp)-1]
	}
}

// TmpTokens returns the current proposal tail.
func (s *Sequence) TmpTokens() []types.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Token, len(s.tmp))
	copy(out, s.tmp)
	return out
}

// ClearTmpTokens discards the proposal tail (§4.6 step 6, "commit").
func (s *Sequence) ClearTmpTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tmp = s.tmp[:0]
}

// SetPrefillTokens snapshots committed for the verify path's rewind
// point (§4.7).
func (s *Sequence) SetPrefillTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefillSaved = append([]types.Token(nil), s.committed...)
}

// ResetPrefillTokens restores committed to the last SetPrefillTokens
// snapshot, used when a speculative proposal is entirely rejected and
// the target's rewind must be mirrored in the sequence's own state.
func (s *Sequence) ResetPrefillTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = append([]types.Token(nil), s.prefillSaved...)
	s.position = len(s.committed)
}

// GetTokens returns the full committed token list (§4.7).
func (s *Sequence) GetTokens() []types.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Token, len(s.committed))
	copy(out, s.committed)
	return out
}

// Position is the number of committed tokens.
func (s *Sequence) Position() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// LogprobWindow returns the last n committed tokens, used as the
// sampler's penalty context.
func (s *Sequence) LogprobWindow(n int) []types.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.committed) {
		n = len(s.committed)
	}
	start := len(s.committed) - n
	out := make([]types.Token, n)
	copy(out, s.committed[start:])
	return out
}

// Recognizer returns the sequence's constraint recognizer (never nil;
// an unconstrained sequence gets recognizer.None{}).
func (s *Sequence) Recognizer() recognizer.Recognizer { return s.recognizer }

// StopReasons reports why the sequence finished (StopNone if still
// active).
func (s *Sequence) StopReasons() StopReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopReason
}

// OutputSink is the channel the scheduler emits chunks on and the
// response-delivery task reads from.
func (s *Sequence) OutputSink() OutputSink { return s.sink }

// CheckStop evaluates §4.5 step 5's stop conditions against the most
// recently committed token and its decoded text, returning the
// triggered reason (StopNone if none fired).
func (s *Sequence) CheckStop(lastToken types.Token, decodedSoFar string) StopReason {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxLength > 0 && len(s.committed) >= s.maxLength {
		return StopMaxLength
	}
	if s.stopTokens[lastToken] {
		return StopToken
	}
	for _, str := range s.stopStrs {
		if str != "" && containsSuffix(decodedSoFar, str) {
			return StopString
		}
	}
	if s.recognizer != nil && s.recognizer.Terminal() {
		return StopRecognizer
	}
	return StopNone
}

func containsSuffix(haystack, needle string) bool {
	if len(needle) == 0 || len(haystack) < len(needle) {
		return false
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

// Finish transitions the sequence to Finished{reason} and emits a final
// chunk before closing the sink (§4.5 step 5, §6).
func (s *Sequence) Finish(reason StopReason) {
	s.mu.Lock()
	s.state = Finished
	s.stopReason = reason
	sink := s.sink
	s.mu.Unlock()

	sink <- Chunk{Done: true, Reason: reason}
	close(sink)
}
