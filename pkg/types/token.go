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

// Package types holds the handful of primitive types shared across every
// runtime subsystem, so that tokenizer, sampler, kvcache, sequence and
// scheduler can all speak about tokens and positions without importing
// each other.
package types

// Token is a vocabulary entry id (§3: Token).
type Token uint32

// Position is a zero-based logical offset into a sequence's token list.
type Position uint32
