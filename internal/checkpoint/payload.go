package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Payload is the verbatim JSON text a tool returned. It is stored as a
// string so that even unparseable output round-trips through every backend.
//
// Tools report their fields at different depths: at the top level, under an
// MCP "result" or "structuredContent" object, or as JSON inside the first
// text content item. Lookups walk those layers in that order.
type Payload string

// Object decodes the top level of the payload. It fails with
// ErrMalformedPayload when the payload is not a JSON object.
func (p Payload) Object() (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(p), &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedPayload)
	}
	return obj, nil
}

// Valid reports whether the payload is a JSON object.
func (p Payload) Valid() bool {
	_, err := p.Object()
	return err == nil
}

// layers returns every object a field may live in, outermost first.
func (p Payload) layers() []map[string]json.RawMessage {
	top, err := p.Object()
	if err != nil {
		return nil
	}
	layers := []map[string]json.RawMessage{top}
	for _, key := range []string{"result", "structuredContent"} {
		if inner := asObject(top[key]); inner != nil {
			layers = append(layers, inner)
		}
	}
	if text := p.Text(); text != "" {
		var inner map[string]json.RawMessage
		if json.Unmarshal([]byte(text), &inner) == nil && inner != nil {
			layers = append(layers, inner)
		}
	}
	return layers
}

// Lookup returns the first non-null value stored under key in any layer.
func (p Payload) Lookup(key string) (json.RawMessage, bool) {
	layer, ok := p.Carrier(key)
	if !ok {
		return nil, false
	}
	return layer[key], true
}

// Carrier returns the first layer holding a non-null value under key.
func (p Payload) Carrier(key string) (map[string]json.RawMessage, bool) {
	for _, layer := range p.layers() {
		if v, ok := layer[key]; ok && !isNull(v) {
			return layer, true
		}
	}
	return nil, false
}

// String returns the string stored under key, or "".
func (p Payload) String(key string) string {
	v, ok := p.Lookup(key)
	if !ok {
		return ""
	}
	var s string
	if json.Unmarshal(v, &s) != nil {
		return ""
	}
	return s
}

// ExecutionID returns the correlation id embedded by the tool, if any.
func (p Payload) ExecutionID() string { return p.String("executionId") }

// ToolOutput returns the structured output meant for the client.
func (p Payload) ToolOutput() (json.RawMessage, bool) { return p.Lookup("tool_output") }

// Text returns the display text: a top-level "text" field or the first
// text item of an MCP content array.
func (p Payload) Text() string {
	top, err := p.Object()
	if err != nil {
		return ""
	}
	if v, ok := top["text"]; ok {
		var s string
		if json.Unmarshal(v, &s) == nil && s != "" {
			return s
		}
	}
	if s := contentText(top["content"]); s != "" {
		return s
	}
	if res := asObject(top["result"]); res != nil {
		return contentText(res["content"])
	}
	return ""
}

// With returns a copy of the payload with fields set at the top level.
// Every other key is carried over unchanged.
func (p Payload) With(fields map[string]any) (Payload, error) {
	obj, err := p.Object()
	if err != nil {
		return p, err
	}
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return p, fmt.Errorf("marshal payload field %s: %w", k, err)
		}
		obj[k] = raw
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return p, fmt.Errorf("marshal payload: %w", err)
	}
	return Payload(out), nil
}

// Compact returns the payload re-encoded without insignificant whitespace,
// or the raw text when it is not valid JSON.
func (p Payload) Compact() string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(p)); err != nil {
		return string(p)
	}
	return buf.String()
}

func contentText(raw json.RawMessage) string {
	var items []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &items) != nil {
		return ""
	}
	for _, it := range items {
		if it.Type == "text" {
			return it.Text
		}
	}
	return ""
}

func asObject(raw json.RawMessage) map[string]json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var obj map[string]json.RawMessage
	if json.Unmarshal(raw, &obj) != nil {
		return nil
	}
	return obj
}

func isNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}
