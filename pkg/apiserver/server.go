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
	"sync"

	"matrixinfer.ai/inferengine/pkg/chattemplate"
	"matrixinfer.ai/inferengine/pkg/metrics"
	"matrixinfer.ai/inferengine/pkg/recognizer"
	"matrixinfer.ai/inferengine/pkg/scheduler"
	"matrixinfer.ai/inferengine/pkg/sequence"
	"matrixinfer.ai/inferengine/pkg/tokenizer"
)

// Server is the intake boundary in front of a pkg/scheduler.Scheduler:
// it renders a Request's messages to a prompt, tokenizes it, applies
// rate limiting and optional auth, and submits a new sequence.
type Server struct {
	Scheduler *scheduler.Scheduler
	Tokenizer *tokenizer.Tokenizer
	Template  *chattemplate.Template
	Limiter   *RateLimiter
	Global    *GlobalRateLimiter
	Auth      *Authenticator
	Metrics   *metrics.Metrics
	// MaxLength is the operator-configured ceiling on total committed
	// tokens; a request's own sampling_params.max_length may set a
	// smaller value, but never a larger one (0 means "no ceiling", and
	// a zero request value defers entirely to this field).
	MaxLength int
}

// Submit admits req: optionally verifying bearerToken, rendering and
// tokenizing its messages, rate-limiting on the resulting prompt
// length, and handing the new sequence (and, for n_choices > 1, its
// forked siblings) to the scheduler. The returned error is one of
// ErrUnauthenticated, ErrRateLimitExceeded, a chat-template render error
// (chattemplate.TemplateError), or scheduler.ErrRejected;
// Request.ResponseSink only ever carries per-step events once Submit
// has already succeeded.
func (s *Server) Submit(req Request, bearerToken string) error {
	if err := s.Auth.Verify(bearerToken); err != nil {
		return err
	}

	prompt, err := s.Template.Render(chattemplate.Input{
		Messages:            req.Messages,
		Tools:               req.Tools,
		AddGenerationPrompt: true,
	})
	if err != nil {
		return err
	}
	promptTokens := s.Tokenizer.Encode(prompt)

	if err := s.Limiter.AllowInput(len(promptTokens)); err != nil {
		return err
	}
	if err := s.Global.AllowInput(req.UserID, len(promptTokens)); err != nil {
		return err
	}

	constraint := req.Constraint
	if constraint == nil {
		constraint = recognizer.None{}
	}
	seq := sequence.New(sequence.NewID(), sequence.Config{
		Params:     req.SamplingParams,
		Recognizer: constraint,
		MaxLength:  effectiveMaxLength(s.MaxLength, req.SamplingParams.MaxLength),
		StopTokens: req.SamplingParams.StopTokens,
		StopStrs:   req.SamplingParams.StopStrs,
		SinkBuffer: 32,
	})

	choices, err := s.Scheduler.SubmitChoices(seq, req.UserID, promptTokens, req.SamplingParams.Seed, req.SamplingParams.NChoices)
	if err != nil {
		if s.Metrics != nil {
			s.Metrics.RecordRejectedRequest()
		}
		return err
	}

	go s.stream(seq, choices, req)
	return nil
}

// effectiveMaxLength applies serverCap as a ceiling over requested: a
// non-positive requested value defers entirely to serverCap, and a
// requested value above a positive serverCap is clamped down to it
// (§6: max_length is per-request, but the operator's own limit is
// never relaxed by a client's request).
func effectiveMaxLength(serverCap, requested int) int {
	if requested <= 0 {
		return serverCap
	}
	if serverCap > 0 && requested > serverCap {
		return serverCap
	}
	return requested
}

// stream relays seq's own output, plus every n_choices sibling forked
// off it as choices delivers them, into req.ResponseSink — each tagged
// with its ChoiceIndex — closing the sink only once every choice
// (present and still-forking) has finished.
func (s *Server) stream(seq *sequence.Sequence, choices <-chan *sequence.Sequence, req Request) {
	var wg sync.WaitGroup
	wg.Add(1)
	go s.pumpChoice(0, seq, req, &wg)

	idx := 1
	for sib := range choices {
		wg.Add(1)
		go s.pumpChoice(idx, sib, req, &wg)
		idx++
	}

	wg.Wait()
	req.ResponseSink <- Event{Kind: EventDone}
	close(req.ResponseSink)
}

// pumpChoice relays one sequence's output sink into the request's
// Event channel, tagged choiceIndex, until that sequence finishes.
func (s *Server) pumpChoice(choiceIndex int, seq *sequence.Sequence, req Request, wg *sync.WaitGroup) {
	defer wg.Done()
	for chunk := range seq.OutputSink() {
		req.ResponseSink <- Event{
			Kind: EventChunk,
			Chunk: ChunkPayload{
				ChoiceIndex: choiceIndex,
				Text:        string(chunk.Bytes),
				Done:        chunk.Done,
				Reason:      chunk.Reason.String(),
				Logprobs:    chunk.Logprobs,
			},
		}
		if s.Limiter != nil {
			s.Limiter.RecordOutput(len(chunk.Tokens))
		}
		if s.Global != nil {
			s.Global.RecordOutput(req.UserID, len(chunk.Tokens))
		}
		if s.Metrics != nil {
			s.Metrics.RecordTokensGenerated(len(chunk.Tokens))
		}
	}
}
