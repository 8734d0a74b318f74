package fhir

import (
	"encoding/json"
	"fmt"
)

// Document is a resource as a generic JSON tree. Nested objects are
// map[string]any and arrays are []any, as produced by encoding/json.
type Document map[string]any

// ParseDocument decodes a JSON object into a Document.
func ParseDocument(data []byte) (Document, error) {
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return d, nil
}

// ToDocument converts any JSON-marshalable value into a Document, turning
// typed values (structs, typed slices) into their generic form.
func ToDocument(v any) (Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return ParseDocument(data)
}

// ResourceType returns the resourceType field, or "" when missing.
func (d Document) ResourceType() string {
	s, _ := d["resourceType"].(string)
	return s
}

// ID returns the id field, or "" when missing.
func (d Document) ID() string {
	s, _ := d["id"].(string)
	return s
}

// Clone returns a deep copy of the generic parts of the tree.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return deepCopy(d).(Document)
}

// Get walks path, where each step is a string key or an int index.
func (d Document) Get(path ...any) (any, bool) {
	var node any = d
	for _, step := range path {
		switch s := step.(type) {
		case string:
			m, ok := asMap(node)
			if !ok {
				return nil, false
			}
			node, ok = m[s]
			if !ok {
				return nil, false
			}
		case int:
			arr, ok := node.([]any)
			if !ok || s < 0 || s >= len(arr) {
				return nil, false
			}
			node = arr[s]
		default:
			return nil, false
		}
	}
	return node, true
}

// String returns the string at path, or "" when missing or not a string.
func (d Document) String(path ...any) string {
	v, ok := d.Get(path...)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Set stores value at path. Every step before the last must already exist.
func (d Document) Set(value any, path ...any) error {
	if len(path) == 0 {
		return fmt.Errorf("set: empty path")
	}
	parent, ok := d.Get(path[:len(path)-1]...)
	if !ok {
		return fmt.Errorf("set %v: parent not found", path)
	}
	switch s := path[len(path)-1].(type) {
	case string:
		m, ok := asMap(parent)
		if !ok {
			return fmt.Errorf("set %v: parent is not an object", path)
		}
		m[s] = value
	case int:
		arr, ok := parent.([]any)
		if !ok || s < 0 || s >= len(arr) {
			return fmt.Errorf("set %v: index out of range", path)
		}
		arr[s] = value
	default:
		return fmt.Errorf("set %v: invalid path step %T", path, s)
	}
	return nil
}

// Prune deletes the subtree at path. Array elements are removed and the
// array shortened. A missing path is a no-op and reports false.
func Prune(d Document, path ...any) bool {
	if len(path) == 0 {
		return false
	}
	_, removed := prune(map[string]any(d), path)
	return removed
}

func prune(node any, path []any) (any, bool) {
	switch s := path[0].(type) {
	case string:
		m, ok := asMap(node)
		if !ok {
			return node, false
		}
		child, ok := m[s]
		if !ok {
			return node, false
		}
		if len(path) == 1 {
			delete(m, s)
			return node, true
		}
		updated, removed := prune(child, path[1:])
		m[s] = updated
		return node, removed
	case int:
		arr, ok := node.([]any)
		if !ok || s < 0 || s >= len(arr) {
			return node, false
		}
		if len(path) == 1 {
			out := make([]any, 0, len(arr)-1)
			out = append(out, arr[:s]...)
			return append(out, arr[s+1:]...), true
		}
		updated, removed := prune(arr[s], path[1:])
		arr[s] = updated
		return arr, removed
	}
	return node, false
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Document:
		return m, true
	}
	return nil, false
}

func deepCopy(v any) any {
	switch val := v.(type) {
	case Document:
		out := make(Document, len(val))
		for k, child := range val {
			out[k] = deepCopy(child)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = deepCopy(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = deepCopy(child)
		}
		return out
	default:
		return v
	}
}
