package utils

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractField returns the value at a dot-separated field path inside a JSON
// document, rendered as a string. ok is false when the path is absent or the
// document is not valid JSON. Scalar values only; objects and arrays at the
// leaf are not supported.
func ExtractField(doc []byte, path string) (string, bool) {
	if len(doc) == 0 || path == "" {
		return "", false
	}
	var m map[string]any
	if err := json.Unmarshal(doc, &m); err != nil {
		return "", false
	}
	parts := strings.Split(path, ".")
	var cur any = m
	for _, p := range parts {
		obj, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = obj[p]
		if !ok {
			return "", false
		}
	}
	switch v := cur.(type) {
	case string:
		return v, true
	case float64:
		// JSON numbers arrive as float64; render integers without a decimal.
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v)), true
		}
		return fmt.Sprintf("%g", v), true
	case bool:
		return fmt.Sprintf("%t", v), true
	case nil:
		return "", false
	default:
		return "", false
	}
}
