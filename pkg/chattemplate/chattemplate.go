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
	"strings"
	"sync"

	"github.com/cespare/xxhash"
	lru "github.com/hashicorp/golang-lru/v2"

	"matrixinfer.ai/inferengine/pkg/logger"
)

var log = logger.NewLogger("chattemplate")

// Template is a parsed, render-ready prompt template.
type Template struct {
	nodes []node
}

// compiledCacheSize bounds the parsed-template LRU; a worker typically
// serves one or a handful of distinct template strings for the
// lifetime of the process.
const compiledCacheSize = 32

// Evaluator compiles and renders templates, caching parses by the
// xxhash of the template source so Render can be called once per
// request without re-parsing every time (§3.2).
type Evaluator struct {
	mu    sync.Mutex
	cache *lru.Cache[uint64, *Template]
}

// NewEvaluator constructs an Evaluator with its compiled-template cache.
func NewEvaluator() *Evaluator {
	cache, err := lru.New[uint64, *Template](compiledCacheSize)
	if err != nil {
		// Only occurs for a non-positive size, which compiledCacheSize never is.
		panic(err)
	}
	return &Evaluator{cache: cache}
}

// Compile parses template source into a Template, consulting the
// compiled-template cache first.
func (e *Evaluator) Compile(src string) (*Template, error) {
	key := xxhash.Sum64String(src)

	e.mu.Lock()
	if t, ok := e.cache.Get(key); ok {
		e.mu.Unlock()
		return t, nil
	}
	e.mu.Unlock()

	nodes, err := parse(src)
	if err != nil {
		return nil, err
	}
	t := &Template{nodes: nodes}

	e.mu.Lock()
	e.cache.Add(key, t)
	e.mu.Unlock()
	return t, nil
}

// Render compiles src (or reuses the cached parse) and renders it
// against in, exactly matching spec.md §4.1's
// render(messages, tools, add_generation_prompt, bos, eos, unk, template)
// contract.
func (e *Evaluator) Render(src string, in Input) (string, error) {
	tmpl, err := e.Compile(src)
	if err != nil {
		return "", err
	}
	return tmpl.Render(in)
}

// Render executes an already-compiled template against in.
func (t *Template) Render(in Input) (string, error) {
	ex, err := newExecutor(in.toBindings())
	if err != nil {
		return "", err
	}
	var out strings.Builder
	if err := ex.exec(t.nodes, &out); err != nil {
		log.Debugf("template render failed: %v", err)
		return "", err
	}
	return out.String(), nil
}
