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

package recognizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matrixinfer.ai/inferengine/pkg/types"
)

// byteVocab maps id i to the single byte i, covering 0..255; it lets
// tests drive recognizers one byte at a time without a real tokenizer.
type byteVocab struct{}

func (byteVocab) DecodeByte(tok types.Token) []byte { return []byte{byte(tok)} }

func tokenFor(b byte) types.Token { return types.Token(b) }

func TestNoneRecognizerAlwaysAllowsAndNeverTerminal(t *testing.T) {
	n := None{}
	mask := n.AllowedMask(4, byteVocab{})
	for _, ok := range mask {
		assert.True(t, ok)
	}
	assert.False(t, n.Terminal())
}

func TestRegexAcceptsMatchingDigitsAndRejectsLetters(t *testing.T) {
	r, err := NewRegex(`[0-9]+`)
	require.NoError(t, err)

	mask := r.AllowedMask(256, byteVocab{})
	assert.True(t, mask['5'])
	assert.False(t, mask['a'])

	require.NoError(t, r.Advance(tokenFor('4'), byteVocab{}))
	require.NoError(t, r.Advance(tokenFor('2'), byteVocab{}))
	assert.True(t, r.Terminal())
}

func TestRegexRejectsDisallowedToken(t *testing.T) {
	r, err := NewRegex(`[0-9]+`)
	require.NoError(t, err)
	err = r.Advance(tokenFor('a'), byteVocab{})
	require.Error(t, err)
	assert.IsType(t, ErrNotAllowed{}, err)
}

func TestGrammarLiteralThenPattern(t *testing.T) {
	g, err := NewGrammar([]Symbol{
		{Literal: "ok:"},
		{Pattern: `[0-9]`, Repeat: true},
	})
	require.NoError(t, err)

	for _, b := range []byte("ok:") {
		require.NoError(t, g.Advance(tokenFor(b), byteVocab{}))
		assert.False(t, g.Terminal())
	}

	mask := g.AllowedMask(256, byteVocab{})
	assert.True(t, mask['7'])
	assert.False(t, mask['x'])

	require.NoError(t, g.Advance(tokenFor('7'), byteVocab{}))
	assert.True(t, g.Terminal())
}

func TestEmptyGrammarIsImmediatelyTerminal(t *testing.T) {
	g, err := NewGrammar(nil)
	require.NoError(t, err)
	assert.True(t, g.Terminal())
}
