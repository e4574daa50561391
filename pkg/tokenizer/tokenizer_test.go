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

package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTokenizer(t *testing.T) *Tokenizer {
	t.Helper()
	tok, err := New("")
	require.NoError(t, err)
	return tok
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tok := newTestTokenizer(t)
	text := "the quick brown fox jumps over the lazy dog"
	ids := tok.Encode(text)
	require.NotEmpty(t, ids)
	assert.Equal(t, text, tok.Decode(ids))
}

func TestDecodeByteCached(t *testing.T) {
	tok := newTestTokenizer(t)
	ids := tok.Encode("hello")
	require.NotEmpty(t, ids)
	first := tok.DecodeByte(ids[0])
	second := tok.DecodeByte(ids[0])
	assert.Equal(t, first, second)
}

func TestLookupRoundTrip(t *testing.T) {
	tok := newTestTokenizer(t)
	ids := tok.Encode("hello")
	require.Len(t, ids, 1, "single common word should be a single token in cl100k_base")
	got, ok := tok.Lookup(tok.Decode(ids))
	require.True(t, ok)
	assert.Equal(t, ids[0], got)
}

func TestVocabSizePositive(t *testing.T) {
	tok := newTestTokenizer(t)
	assert.Greater(t, tok.VocabSize(), 0)
}
