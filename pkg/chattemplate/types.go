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

// Package chattemplate is Component B: a sandboxed evaluator that
// renders a structured conversation (plus tool schemas) through a
// Jinja-flavored prompt template into the single string the tokenizer
// consumes (§4.1).
package chattemplate

// Message is one turn of a conversation (§3: Chat message). Content
// holds either a plain string or, for multi-modal turns, a slice of
// structured parts; both render through tojson the same as any other
// value the template touches.
type Message struct {
	Role       string
	Content    interface{}
	Name       string
	ToolCallID string
	ToolCalls  []interface{}
}

// Tool describes a function the model may call.
type Tool struct {
	Name        string
	Description string
	Parameters  interface{}
}

// Input bundles everything Render needs (§4.1: "Chat template inputs").
type Input struct {
	Messages          []Message
	Tools             []Tool
	AddGenerationPrompt bool
	BOSToken          string
	EOSToken          string
	UnkToken          string
}

func (in Input) toBindings() map[string]interface{} {
	msgs := make([]interface{}, len(in.Messages))
	for i, m := range in.Messages {
		entry := map[string]interface{}{
			"role":    m.Role,
			"content": m.Content,
		}
		if m.Name != "" {
			entry["name"] = m.Name
		}
		if m.ToolCallID != "" {
			entry["tool_call_id"] = m.ToolCallID
		}
		if len(m.ToolCalls) > 0 {
			entry["tool_calls"] = m.ToolCalls
		}
		msgs[i] = entry
	}
	tools := make([]interface{}, len(in.Tools))
	for i, tl := range in.Tools {
		tools[i] = map[string]interface{}{
			"name":        tl.Name,
			"description": tl.Description,
			"parameters":  tl.Parameters,
		}
	}
	return map[string]interface{}{
		"messages":              msgs,
		"tools":                 tools,
		"add_generation_prompt": in.AddGenerationPrompt,
		"bos_token":             in.BOSToken,
		"eos_token":             in.EOSToken,
		"unk_token":             in.UnkToken,
	}
}
