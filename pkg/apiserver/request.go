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

// Package apiserver is the request intake and response surface (§6):
// in-process Request/Response-event types, admission rate limiting, and
// optional bearer-token verification, ahead of pkg/scheduler.Submit. No
// wire protocol lives here — that framing is explicitly out of scope —
// only the Go-level contract a transport layer would sit on top of.
package apiserver

import (
	"matrixinfer.ai/inferengine/pkg/chattemplate"
	"matrixinfer.ai/inferengine/pkg/recognizer"
	"matrixinfer.ai/inferengine/pkg/sampler"
)

// Request is one generation request, everything pkg/scheduler.Submit
// and pkg/sequence.New need to admit it.
type Request struct {
	ID               string
	UserID           string
	Messages         []chattemplate.Message
	Tools            []chattemplate.Tool
	SamplingParams   sampler.Params
	Constraint       recognizer.Recognizer
	AdapterSelection string
	ReturnLogprobs   bool
	IsStreaming      bool
	ResponseSink     chan Event
}

// EventKind discriminates the Response event union (§6).
type EventKind int

const (
	EventChunk EventKind = iota
	EventDone
	EventModelError
	EventValidationError
	EventInternalError
)

// Event is one entry in a request's response stream. Exactly one of
// the payload fields is meaningful, selected by Kind.
type Event struct {
	Kind  EventKind
	Chunk ChunkPayload
	Err   error
}

// ChunkPayload carries one step's worth of generated output for one
// choice of an n_choices request (ChoiceIndex 0 for the primary, 1..n-1
// for each forked sibling, in the order they were created).
type ChunkPayload struct {
	ChoiceIndex int
	Text        string
	Done        bool
	Reason      string
	Logprobs    []sampler.Result
}
