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

// Package tokenizer is Component A: a bidirectional map between text
// and token ids that also exposes the vocabulary and special-token
// decoding the chat template evaluator needs (§4.1).
package tokenizer

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkoukk/tiktoken-go"
	tiktokenloader "github.com/pkoukk/tiktoken-go-loader"

	"matrixinfer.ai/inferengine/pkg/logger"
	"matrixinfer.ai/inferengine/pkg/types"
)

var log = logger.NewLogger("tokenizer")

const defaultEncoding = "cl100k_base"

// decodeCacheSize bounds the per-token byte-decode LRU; single-token
// decodes dominate per-step sampler cost, so a modest cache pays for
// itself after a handful of steps.
const decodeCacheSize = 8192

// Tokenizer adapts a tiktoken BPE encoding to the Component A contract.
type Tokenizer struct {
	encoding    *tiktoken.Tiktoken
	decodeCache *lru.Cache[types.Token, []byte]
	vocabSize   int
}

// New loads the named offline encoding (defaulting to cl100k_base when
// encodingName is empty) via the offline BPE loader, so no network
// access is required at steady state.
func New(encodingName string) (*Tokenizer, error) {
	if encodingName == "" {
		encodingName = defaultEncoding
	}
	tiktoken.SetBpeLoader(tiktokenloader.NewOfflineLoader())
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, ErrVocabBootstrap{Cause: err}
	}
	cache, err := lru.New[types.Token, []byte](decodeCacheSize)
	if err != nil {
		return nil, ErrVocabBootstrap{Cause: err}
	}
	log.Infof("loaded tokenizer encoding %q", encodingName)
	return &Tokenizer{
		encoding:    enc,
		decodeCache: cache,
		vocabSize:   enc.MaxTokenValue() + 1,
	}, nil
}

// Encode tokenizes text into ids. Special tokens embedded in the text
// (e.g. a rendered chat template's <|im_start|>) are honored.
func (t *Tokenizer) Encode(text string) []types.Token {
	ids := t.encoding.Encode(text, []string{"all"}, nil)
	out := make([]types.Token, len(ids))
	for i, id := range ids {
		out[i] = types.Token(id)
	}
	return out
}

// Decode renders a full token sequence back to text.
func (t *Tokenizer) Decode(tokens []types.Token) string {
	ids := make([]int, len(tokens))
	for i, tok := range tokens {
		ids[i] = int(tok)
	}
	return t.encoding.Decode(ids)
}

// DecodeByte returns the raw bytes a single token decodes to, cached
// since the sampler calls this once per step for the chosen token (and
// again per alternative when top-N log-probabilities are requested).
func (t *Tokenizer) DecodeByte(tok types.Token) []byte {
	if cached, ok := t.decodeCache.Get(tok); ok {
		return cached
	}
	decoded := []byte(t.encoding.Decode([]int{int(tok)}))
	t.decodeCache.Add(tok, decoded)
	return decoded
}

// VocabSize returns the number of ids in the vocabulary.
func (t *Tokenizer) VocabSize() int {
	return t.vocabSize
}

// Lookup resolves a literal string (e.g. "<|im_end|>") to its token id,
// used by the chat template evaluator to resolve EOS/BOS candidates
// (§4.1). ok is false if the string does not round-trip to a single
// token in this vocabulary.
func (t *Tokenizer) Lookup(s string) (types.Token, bool) {
	ids := t.encoding.Encode(s, []string{"all"}, nil)
	if len(ids) != 1 {
		return 0, false
	}
	return types.Token(ids[0]), true
}
