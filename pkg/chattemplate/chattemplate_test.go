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

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matrixinfer.ai/inferengine/pkg/types"
)

const chatMLTemplate = `{% for message in messages %}` +
	`{{ '<|im_start|>' + message['role'] + '\n' + message['content'] + '<|im_end|>' + '\n' }}` +
	`{% endfor %}` +
	`{% if add_generation_prompt %}{{ '<|im_start|>assistant\n' }}{% endif %}`

func TestRenderChatMLConversation(t *testing.T) {
	e := NewEvaluator()
	out, err := e.Render(chatMLTemplate, Input{
		Messages: []Message{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "hello"},
		},
		AddGenerationPrompt: true,
	})
	require.NoError(t, err)
	assert.Equal(t,
		"<|im_start|>system\nbe terse<|im_end|>\n"+
			"<|im_start|>user\nhello<|im_end|>\n"+
			"<|im_start|>assistant\n",
		out)
}

func TestRenderRaisesException(t *testing.T) {
	e := NewEvaluator()
	tmpl := `{% if messages[0]['role'] != 'system' %}{{ raise_exception('first message must be system') }}{% endif %}`
	_, err := e.Render(tmpl, Input{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.Error(t, err)
	assert.IsType(t, TemplateError{}, err)
}

func TestTojsonEscapesHTMLSensitiveChars(t *testing.T) {
	out, err := tojson(map[string]string{"a": "<b>&'x'"})
	require.NoError(t, err)
	assert.Contains(t, out, "\\u003c")
	assert.Contains(t, out, "\\u003e")
	assert.Contains(t, out, "\\u0026")
	assert.Contains(t, out, "\\u0027")
	assert.NotContains(t, out, "<b>")
}

func TestCompileCachesByTemplateHash(t *testing.T) {
	e := NewEvaluator()
	t1, err := e.Compile(chatMLTemplate)
	require.NoError(t, err)
	t2, err := e.Compile(chatMLTemplate)
	require.NoError(t, err)
	assert.Same(t, t1, t2)
}

type fakeVocab struct {
	byString map[string]types.Token
}

func (f fakeVocab) Lookup(s string) (types.Token, bool) {
	tok, ok := f.byString[s]
	return tok, ok
}

func (f fakeVocab) Decode(tokens []types.Token) string { return "" }

func TestResolveEOSUnionRule(t *testing.T) {
	vocab := fakeVocab{byString: map[string]types.Token{
		"<|endoftext|>": 0,
		"<|im_end|>":    1,
	}}
	ids, err := ResolveEOS(vocab, "<|endoftext|>", []types.Token{2})
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.Token{0, 1, 2}, ids)
}

func TestResolveEOSMissingDeclaredTokenIsFatal(t *testing.T) {
	vocab := fakeVocab{byString: map[string]types.Token{}}
	_, err := ResolveEOS(vocab, "<|missing|>", nil)
	require.Error(t, err)
	assert.IsType(t, ErrUnresolvedStopToken{}, err)
}
