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
	"fmt"
	"regexp"
	"strings"

	"github.com/dop251/goja"
)

// executor walks a parsed node tree, evaluating leaf expressions on a
// single goja runtime that forbids every host primitive except the
// string/collection helpers and filters this package registers
// (no require, no os/net access — §9).
type executor struct {
	vm *goja.Runtime
}

func newExecutor(bindings map[string]interface{}) (*executor, error) {
	vm := goja.New()
	registerBuiltins(vm)
	for k, v := range bindings {
		if err := vm.Set(k, v); err != nil {
			return nil, TemplateError{Msg: "binding context variable " + k, Cause: err}
		}
	}
	return &executor{vm: vm}, nil
}

func (e *executor) exec(nodes []node, out *strings.Builder) error {
	for _, n := range nodes {
		if err := e.execOne(n, out); err != nil {
			return err
		}
	}
	return nil
}

func (e *executor) execOne(n node, out *strings.Builder) error {
	switch v := n.(type) {
	case textNode:
		out.WriteString(v.text)
		return nil
	case exprNode:
		val, err := e.eval(v.expr)
		if err != nil {
			return err
		}
		out.WriteString(stringify(val))
		return nil
	case setNode:
		val, err := e.eval(v.expr)
		if err != nil {
			return err
		}
		return e.vm.Set(v.varName, val)
	case forNode:
		return e.execFor(v, out)
	case ifNode:
		return e.execIf(v, out)
	default:
		return TemplateError{Msg: fmt.Sprintf("unhandled node type %T", n)}
	}
}

func (e *executor) execFor(n forNode, out *strings.Builder) error {
	iter, err := e.eval(n.iterExpr)
	if err != nil {
		return err
	}
	items, err := toSlice(iter)
	if err != nil {
		return TemplateError{Msg: "for loop over non-iterable " + n.iterExpr, Cause: err}
	}
	for i, item := range items {
		if err := e.vm.Set(n.varName, item); err != nil {
			return err
		}
		loopCtx := map[string]interface{}{
			"index":    i + 1,
			"index0":   i,
			"first":    i == 0,
			"last":     i == len(items)-1,
			"length":   len(items),
			"revindex": len(items) - i,
		}
		if err := e.vm.Set("loop", loopCtx); err != nil {
			return err
		}
		if err := e.exec(n.body, out); err != nil {
			return err
		}
	}
	return nil
}

func (e *executor) execIf(n ifNode, out *strings.Builder) error {
	for _, br := range n.branches {
		if br.cond == "" {
			return e.exec(br.body, out)
		}
		val, err := e.eval(br.cond)
		if err != nil {
			return err
		}
		if truthy(val) {
			return e.exec(br.body, out)
		}
	}
	return nil
}

func (e *executor) eval(expr string) (val goja.Value, rerr error) {
	defer func() {
		if r := recover(); r != nil {
			if raised, ok := r.(raisedException); ok {
				rerr = TemplateError{Msg: raised.msg}
				return
			}
			panic(r)
		}
	}()
	js := transpileExpr(expr)
	val, err := e.vm.RunString(js)
	if err != nil {
		if ex, ok := err.(*goja.Exception); ok {
			if te, ok := ex.Value().Export().(string); ok {
				return nil, TemplateError{Msg: te}
			}
		}
		return nil, TemplateError{Msg: "evaluating expression: " + expr, Cause: err}
	}
	return val, nil
}

var (
	reAnd        = regexp.MustCompile(`\band\b`)
	reOr         = regexp.MustCompile(`\bor\b`)
	reNot        = regexp.MustCompile(`\bnot\s+`)
	reIsNotNone  = regexp.MustCompile(`\bis\s+not\s+none\b`)
	reIsNone     = regexp.MustCompile(`\bis\s+none\b`)
	reIsDefined  = regexp.MustCompile(`\bis\s+defined\b`)
	reIsNotDef   = regexp.MustCompile(`\bis\s+not\s+defined\b`)
	reTrue       = regexp.MustCompile(`\bTrue\b`)
	reFalse      = regexp.MustCompile(`\bFalse\b`)
	reNoneWord   = regexp.MustCompile(`\bNone\b`)
	reStrip      = regexp.MustCompile(`\.strip\(\)`)
	reLStrip     = regexp.MustCompile(`\.lstrip\(\)`)
	reRStrip     = regexp.MustCompile(`\.rstrip\(\)`)
	reStartsWith = regexp.MustCompile(`\.startswith\(`)
	reEndsWith   = regexp.MustCompile(`\.endswith\(`)
	reIn         = regexp.MustCompile(`(\S+)\s+in\s+(\S+)`)
	rePipe       = regexp.MustCompile(`\s*\|\s*`)
)

// transpileExpr rewrites the subset of Jinja/Python expression syntax
// this evaluator supports (word operators, string-method names, the
// `~` concatenation operator, and `| filter` chains) into JavaScript
// that goja can run directly. It does not attempt full Python
// semantics — e.g. `.replace()` keeps JS's single-match behavior
// rather than Python's replace-all.
func transpileExpr(expr string) string {
	segments := splitFilterChain(expr)
	base := transpileTerm(segments[0])
	for _, seg := range segments[1:] {
		name, args := splitFilterCall(seg)
		if args == "" {
			base = fmt.Sprintf("%s(%s)", name, base)
		} else {
			base = fmt.Sprintf("%s(%s, %s)", name, base, transpileTerm(args))
		}
	}
	return base
}

func transpileTerm(s string) string {
	s = reIsNotDef.ReplaceAllString(s, "!== undefined")
	s = reIsNotNone.ReplaceAllString(s, "!== null")
	s = reIsNone.ReplaceAllString(s, "=== null")
	s = reIsDefined.ReplaceAllString(s, "!== undefined")
	s = reAnd.ReplaceAllString(s, "&&")
	s = reOr.ReplaceAllString(s, "||")
	s = reNot.ReplaceAllString(s, "!")
	s = reTrue.ReplaceAllString(s, "true")
	s = reFalse.ReplaceAllString(s, "false")
	s = reNoneWord.ReplaceAllString(s, "null")
	s = reStrip.ReplaceAllString(s, ".trim()")
	s = reLStrip.ReplaceAllString(s, ".trimStart()")
	s = reRStrip.ReplaceAllString(s, ".trimEnd()")
	s = reStartsWith.ReplaceAllString(s, ".startsWith(")
	s = reEndsWith.ReplaceAllString(s, ".endsWith(")
	s = strings.ReplaceAll(s, "~", "+")
	s = reIn.ReplaceAllString(s, "__in($1, $2)")
	return s
}

// splitFilterChain splits "a.b | f(x) | g" on top-level pipes, leaving
// pipes inside parens/brackets/strings untouched.
func splitFilterChain(expr string) []string {
	var parts []string
	depth := 0
	inStr := byte(0)
	start := 0
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case inStr != 0:
			if c == inStr {
				inStr = 0
			}
		case c == '\'' || c == '"':
			inStr = c
		case c == '(' || c == '[':
			depth++
		case c == ')' || c == ']':
			depth--
		case c == '|' && depth == 0:
			parts = append(parts, strings.TrimSpace(expr[start:i]))
			start = i + 1
		}
	}
	parts = append(parts, strings.TrimSpace(expr[start:]))
	return parts
}

func splitFilterCall(seg string) (name, args string) {
	if i := strings.IndexByte(seg, '('); i >= 0 && strings.HasSuffix(seg, ")") {
		return strings.TrimSpace(seg[:i]), seg[i+1 : len(seg)-1]
	}
	return strings.TrimSpace(seg), ""
}
