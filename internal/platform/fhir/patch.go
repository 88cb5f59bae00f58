package fhir

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// ContentTypeJSONPatch is the only patch format accepted by the patch interaction.
const ContentTypeJSONPatch = "application/json-patch+json"

// PatchOperation represents a single JSON Patch operation (RFC 6902).
type PatchOperation struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value,omitempty"`
	From  string      `json:"from,omitempty"`
}

// ParseJSONPatch parses a JSON Patch document from raw JSON.
func ParseJSONPatch(data []byte) ([]PatchOperation, error) {
	var ops []PatchOperation
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, fmt.Errorf("invalid JSON Patch document: %w", err)
	}
	for i, op := range ops {
		if op.Op == "" {
			return nil, fmt.Errorf("patch operation %d: missing 'op' field", i)
		}
		if op.Path == "" {
			return nil, fmt.Errorf("patch operation %d: missing 'path' field", i)
		}
	}
	return ops, nil
}

// PatchFromBinary extracts a JSON Patch document from a Binary resource, the
// form a PATCH entry takes inside a transaction or batch Bundle.
func PatchFromBinary(resource map[string]interface{}) ([]PatchOperation, error) {
	if ResourceTypeOf(resource) != "Binary" {
		return nil, fmt.Errorf("a PATCH entry must carry a Binary resource, got %q", ResourceTypeOf(resource))
	}
	if ct, _ := resource["contentType"].(string); ct != ContentTypeJSONPatch {
		return nil, fmt.Errorf("unsupported patch content type %q", ct)
	}
	data, _ := resource["data"].(string)
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode Binary.data: %w", err)
	}
	return ParseJSONPatch(raw)
}

// ApplyJSONPatch applies a JSON Patch to a copy of the resource. The input
// map is never modified.
func ApplyJSONPatch(resource map[string]interface{}, ops []PatchOperation) (map[string]interface{}, error) {
	var doc interface{} = DeepCopy(resource)

	for i, op := range ops {
		var err error
		switch op.Op {
		case "add":
			doc, err = pointerAdd(doc, splitPointer(op.Path), deepCopyValue(op.Value))
		case "remove":
			doc, _, err = pointerRemove(doc, splitPointer(op.Path))
		case "replace":
			doc, _, err = pointerRemove(doc, splitPointer(op.Path))
			if err == nil {
				doc, err = pointerAdd(doc, splitPointer(op.Path), deepCopyValue(op.Value))
			}
		case "move":
			var v interface{}
			doc, v, err = pointerRemove(doc, splitPointer(op.From))
			if err == nil {
				doc, err = pointerAdd(doc, splitPointer(op.Path), v)
			}
		case "copy":
			var v interface{}
			v, err = pointerGet(doc, splitPointer(op.From))
			if err == nil {
				doc, err = pointerAdd(doc, splitPointer(op.Path), deepCopyValue(v))
			}
		case "test":
			var v interface{}
			v, err = pointerGet(doc, splitPointer(op.Path))
			if err == nil && !jsonEqual(v, op.Value) {
				err = fmt.Errorf("test failed at %s", op.Path)
			}
		default:
			err = fmt.Errorf("unknown patch operation: %s", op.Op)
		}
		if err != nil {
			return nil, fmt.Errorf("patch operation %d (%s) failed: %w", i, op.Op, err)
		}
	}

	out, ok := doc.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("patch result is not a JSON object")
	}
	return out, nil
}

func splitPointer(path string) []string {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	parts := strings.Split(path, "/")
	for i, p := range parts {
		p = strings.ReplaceAll(p, "~1", "/")
		parts[i] = strings.ReplaceAll(p, "~0", "~")
	}
	return parts
}

func pointerGet(doc interface{}, tokens []string) (interface{}, error) {
	cur := doc
	for _, tok := range tokens {
		switch c := cur.(type) {
		case map[string]interface{}:
			next, ok := c[tok]
			if !ok {
				return nil, fmt.Errorf("path not found: %s", tok)
			}
			cur = next
		case []interface{}:
			idx, err := arrayIndex(tok, len(c), false)
			if err != nil {
				return nil, err
			}
			cur = c[idx]
		default:
			return nil, fmt.Errorf("cannot traverse into non-container at: %s", tok)
		}
	}
	return cur, nil
}

// pointerAdd returns the (possibly replaced) container after setting value at
// the pointer. Arrays are rebuilt because append may reallocate.
func pointerAdd(doc interface{}, tokens []string, value interface{}) (interface{}, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("cannot replace root document")
	}
	tok := tokens[0]
	switch c := doc.(type) {
	case map[string]interface{}:
		if len(tokens) == 1 {
			c[tok] = value
			return c, nil
		}
		child, ok := c[tok]
		if !ok {
			return nil, fmt.Errorf("path not found: %s", tok)
		}
		updated, err := pointerAdd(child, tokens[1:], value)
		if err != nil {
			return nil, err
		}
		c[tok] = updated
		return c, nil
	case []interface{}:
		if len(tokens) == 1 {
			if tok == "-" {
				return append(c, value), nil
			}
			idx, err := arrayIndex(tok, len(c), true)
			if err != nil {
				return nil, err
			}
			out := make([]interface{}, 0, len(c)+1)
			out = append(out, c[:idx]...)
			out = append(out, value)
			return append(out, c[idx:]...), nil
		}
		idx, err := arrayIndex(tok, len(c), false)
		if err != nil {
			return nil, err
		}
		updated, err := pointerAdd(c[idx], tokens[1:], value)
		if err != nil {
			return nil, err
		}
		c[idx] = updated
		return c, nil
	default:
		return nil, fmt.Errorf("cannot traverse into non-container at: %s", tok)
	}
}

func pointerRemove(doc interface{}, tokens []string) (interface{}, interface{}, error) {
	if len(tokens) == 0 {
		return nil, nil, fmt.Errorf("cannot remove root document")
	}
	tok := tokens[0]
	switch c := doc.(type) {
	case map[string]interface{}:
		child, ok := c[tok]
		if !ok {
			return nil, nil, fmt.Errorf("path not found: %s", tok)
		}
		if len(tokens) == 1 {
			delete(c, tok)
			return c, child, nil
		}
		updated, removed, err := pointerRemove(child, tokens[1:])
		if err != nil {
			return nil, nil, err
		}
		c[tok] = updated
		return c, removed, nil
	case []interface{}:
		idx, err := arrayIndex(tok, len(c), false)
		if err != nil {
			return nil, nil, err
		}
		if len(tokens) == 1 {
			removed := c[idx]
			out := make([]interface{}, 0, len(c)-1)
			out = append(out, c[:idx]...)
			return append(out, c[idx+1:]...), removed, nil
		}
		updated, removed, err := pointerRemove(c[idx], tokens[1:])
		if err != nil {
			return nil, nil, err
		}
		c[idx] = updated
		return c, removed, nil
	default:
		return nil, nil, fmt.Errorf("cannot traverse into non-container at: %s", tok)
	}
}

func arrayIndex(tok string, length int, allowEnd bool) (int, error) {
	idx, err := strconv.Atoi(tok)
	if err != nil {
		return 0, fmt.Errorf("invalid array index: %s", tok)
	}
	limit := length
	if allowEnd {
		limit = length + 1
	}
	if idx < 0 || idx >= limit {
		return 0, fmt.Errorf("array index out of bounds: %d", idx)
	}
	return idx, nil
}

// jsonEqual compares two values after normalising them through JSON, so that
// numeric types decoded differently still compare equal.
func jsonEqual(a, b interface{}) bool {
	var na, nb interface{}
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	_ = json.Unmarshal(ra, &na)
	_ = json.Unmarshal(rb, &nb)
	return reflect.DeepEqual(na, nb)
}
