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

package sampler

import "fmt"

// ErrMissingContext is raised when a penalty is configured but no penalty
// context was supplied. It is a programming error (§7): fatal, never
// recovered from at the sequence level.
type ErrMissingContext struct {
	Reason string
}

func (e ErrMissingContext) Error() string {
	return fmt.Sprintf("sampler: missing penalty context: %s", e.Reason)
}

// ErrBiasIndexOOB is raised when a logit_bias entry names a vocabulary
// index outside [0, V). Propagated to the caller as a per-sequence
// ModelError (§7), not fatal to the worker.
type ErrBiasIndexOOB struct {
	Index int
	Vocab int
}

func (e ErrBiasIndexOOB) Error() string {
	return fmt.Sprintf("sampler: logit bias index %d out of range [0,%d)", e.Index, e.Vocab)
}
