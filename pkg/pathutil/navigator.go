package pathutil

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Get navigates a dotted path inside an arbitrary JSON-compatible value.
// Paths accept dot notation ("device.id"), slash notation ("/device/id")
// and numeric array indices ("items.0.name").
// An empty path returns the whole value.
func Get(data any, path string) (any, bool) {
	path = normalize(path)
	if path == "" {
		return data, data != nil
	}

	// Fast path for plain maps with an exact key, including keys that contain dots
	if m, ok := data.(map[string]any); ok {
		if v, exists := m[path]; exists {
			return v, true
		}
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, false
	}
	return GetBytes(raw, path)
}

// GetBytes navigates a dotted path inside raw JSON
func GetBytes(raw []byte, path string) (any, bool) {
	path = normalize(path)
	if len(raw) == 0 {
		return nil, false
	}
	if path == "" {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, false
		}
		return v, true
	}

	result := gjson.GetBytes(raw, toGJSONPath(path))
	if !result.Exists() {
		return nil, false
	}
	return result.Value(), true
}

// Set writes value at a dotted path inside a JSON document and returns the new document.
// A nil or empty document starts from "{}".
func Set(doc []byte, path string, value any) ([]byte, error) {
	if len(doc) == 0 {
		doc = []byte("{}")
	}
	return sjson.SetBytes(doc, toGJSONPath(normalize(path)), value)
}

// normalize converts slash notation to dot notation
func normalize(path string) string {
	path = strings.TrimSpace(path)
	path = strings.TrimPrefix(path, "/")
	if strings.Contains(path, "/") {
		path = strings.ReplaceAll(path, "/", ".")
	}
	return path
}

// toGJSONPath escapes characters gjson treats as path syntax so that keys
// such as "$system" or "a-b" are matched literally.
func toGJSONPath(path string) string {
	var b strings.Builder
	b.Grow(len(path))
	for i := 0; i < len(path); i++ {
		c := path[i]
		switch c {
		case '*', '?', '|', '#', '@', '!', '=', '<', '>', '%', '\\':
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}
