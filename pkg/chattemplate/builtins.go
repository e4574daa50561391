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
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/dop251/goja"
	"github.com/dustin/go-humanize"
)

// registerBuiltins installs the fixed function/filter table (§4.1) and
// nothing else — no require, no os/net/fs access, so a template cannot
// reach outside its own render call.
func registerBuiltins(vm *goja.Runtime) {
	vm.Set("tojson", tojson)
	vm.Set("raise_exception", raiseException)
	vm.Set("length", jLength)
	vm.Set("upper", func(s string) string { return strings.ToUpper(s) })
	vm.Set("lower", func(s string) string { return strings.ToLower(s) })
	vm.Set("trim", func(s string) string { return strings.TrimSpace(s) })
	vm.Set("join", jJoin)
	vm.Set("default", jDefault)
	vm.Set("range", jRange)
	vm.Set("__in", jIn)
	vm.Set("filesizeformat", jFilesizeformat)
}

// tojson mirrors the reference filter: JSON-encode the value, then
// escape '<', '>', '&', '\'' to their unicode-escape forms so the
// output is safe to embed in both HTML and JSON contexts (§4.1).
func tojson(v interface{}, indent ...int) (string, error) {
	var (
		raw []byte
		err error
	)
	if len(indent) > 0 && indent[0] > 0 {
		raw, err = json.MarshalIndent(v, "", strings.Repeat(" ", indent[0]))
	} else {
		raw, err = json.Marshal(v)
	}
	if err != nil {
		return "", err
	}
	s := string(raw)
	s = strings.ReplaceAll(s, "<", "\\u003c")
	s = strings.ReplaceAll(s, ">", "\\u003e")
	s = strings.ReplaceAll(s, "&", "\\u0026")
	s = strings.ReplaceAll(s, "'", "\\u0027")
	return s, nil
}

// raisedException is panicked by raise_exception and recovered in
// executor.eval, since a plain Go panic from a vm.Set-bound function
// unwinds straight through goja's call machinery rather than becoming
// a catchable *goja.Exception.
type raisedException struct{ msg string }

func raiseException(msg string) {
	panic(raisedException{msg})
}

func jLength(v interface{}) int {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len()
	default:
		return 0
	}
}

func jJoin(list interface{}, sep string) string {
	rv := reflect.ValueOf(list)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return fmt.Sprint(list)
	}
	parts := make([]string, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		parts[i] = fmt.Sprint(rv.Index(i).Interface())
	}
	return strings.Join(parts, sep)
}

func jDefault(v interface{}, fallback interface{}) interface{} {
	if v == nil {
		return fallback
	}
	return v
}

func jRange(n int) []interface{} {
	out := make([]interface{}, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// jFilesizeformat mirrors the reference filter used by templates that
// render tool/model metadata (e.g. a model card's context window or
// checkpoint size) in human-readable form.
func jFilesizeformat(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

func jIn(needle, haystack interface{}) bool {
	rv := reflect.ValueOf(haystack)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if reflect.DeepEqual(rv.Index(i).Interface(), needle) {
				return true
			}
		}
		return false
	case reflect.Map:
		for _, k := range rv.MapKeys() {
			if reflect.DeepEqual(k.Interface(), needle) {
				return true
			}
		}
		return false
	case reflect.String:
		s, ok := needle.(string)
		return ok && strings.Contains(rv.String(), s)
	default:
		return false
	}
}

func truthy(v goja.Value) bool {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return false
	}
	return v.ToBoolean()
}

func stringify(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

func toSlice(v goja.Value) ([]interface{}, error) {
	exported := v.Export()
	rv := reflect.ValueOf(exported)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("value of kind %s is not iterable", rv.Kind())
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}
