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

package chattemplate

import "matrixinfer.ai/inferengine/pkg/types"

// Vocabulary is the subset of pkg/tokenizer's contract stop-token
// resolution needs.
type Vocabulary interface {
	Lookup(s string) (types.Token, bool)
	Decode(tokens []types.Token) string
}

// alternateEndMarkers is the fixed allow-list of end-of-turn strings
// recognized across common chat formats, consulted only when present
// in the active vocabulary (§4.1).
var alternateEndMarkers = []string{
	"<|im_end|>",
	"<end_of_turn>",
	"<|eot_id|>",
	"<|endoftext|>",
}

// ResolveEOS computes the union of (a) the template-declared eos_token,
// (b) alternateEndMarkers that exist in vocab, and (c) the eos_token_id
// values from a generation config, returning the resolved set of stop
// token ids. Only (a) is looked up and can fail: a declared eos_token
// absent from vocab is a fatal configuration error (§4.1). Missing
// alternate markers are skipped, and the generation-config ids are
// added as given, without being decoded or checked against vocab.
func ResolveEOS(vocab Vocabulary, declaredEOS string, generationConfigEOSIDs []types.Token) ([]types.Token, error) {
	seen := map[types.Token]bool{}
	var out []types.Token

	add := func(tok types.Token) {
		if !seen[tok] {
			seen[tok] = true
			out = append(out, tok)
		}
	}

	if declaredEOS != "" {
		tok, ok := vocab.Lookup(declaredEOS)
		if !ok {
			return nil, ErrUnresolvedStopToken{Candidate: declaredEOS}
		}
		add(tok)
	}
	for _, marker := range alternateEndMarkers {
		if tok, ok := vocab.Lookup(marker); ok {
			add(tok)
		}
	}
	for _, id := range generationConfigEOSIDs {
		add(id)
	}
	return out, nil
}

// ResolveBOS resolves the begin-of-stream token like ResolveEOS resolves
// end-of-stream (§4.1: "BOS tokens are resolved analogously"), except
// that there is no alternate-marker step: only the declared bos_token
// and the generation-config ids contribute.
func ResolveBOS(vocab Vocabulary, declaredBOS string, generationConfigBOSIDs []types.Token) ([]types.Token, error) {
	seen := map[types.Token]bool{}
	var out []types.Token
	add := func(tok types.Token) {
		if !seen[tok] {
			seen[tok] = true
			out = append(out, tok)
		}
	}
	if declaredBOS != "" {
		tok, ok := vocab.Lookup(declaredBOS)
		if !ok {
			return nil, ErrUnresolvedStopToken{Candidate: declaredBOS}
		}
		add(tok)
	}
	for _, id := range generationConfigBOSIDs {
		add(id)
	}
	return out, nil
}
