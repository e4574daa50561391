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

package kvcache

import "fmt"

// ErrOutOfMemory is returned by Allocate when the free-list cannot
// satisfy a request and no eviction target exists (§4.3).
type ErrOutOfMemory struct {
	Seq           SeqID
	BlocksNeeded  int
	BlocksFree    int
}

func (e ErrOutOfMemory) Error() string {
	return fmt.Sprintf("kvcache: out of memory for seq %s: need %d blocks, %d free", e.Seq, e.BlocksNeeded, e.BlocksFree)
}

// ErrUnsupportedLayout is returned by Write when the manager's layout
// is FP8, which is not implemented (SPEC_FULL.md §5).
type ErrUnsupportedLayout struct {
	Layout Layout
}

func (e ErrUnsupportedLayout) Error() string {
	return fmt.Sprintf("kvcache: layout %s is not implemented", e.Layout)
}

// ErrUnknownSequence is returned when an operation names a seq id with
// no block table.
type ErrUnknownSequence struct {
	Seq SeqID
}

func (e ErrUnknownSequence) Error() string {
	return fmt.Sprintf("kvcache: unknown sequence %s", e.Seq)
}
