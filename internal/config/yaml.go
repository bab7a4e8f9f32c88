package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// coerceToJSONBytes converts YAML to JSON so one strict decoder
// (DisallowUnknownFields) serves both formats. Files without a .json/.yaml
// extension are sniffed: an object literal is JSON, anything else YAML.
//
// Returns (jsonBytes, format, err) where format is "json" or "yaml".
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return data, "json", nil
	case ".yaml", ".yml":
	default:
		if t := bytes.TrimSpace(data); len(t) > 0 && t[0] == '{' {
			return data, "json", nil
		}
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, "yaml", fmt.Errorf("yaml unmarshal: %w", err)
	}
	if v == nil {
		// Empty document: all defaults.
		return []byte("{}"), "yaml", nil
	}
	j, err := json.Marshal(normalizeYAML(v))
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, "yaml", nil
}

// normalizeYAML makes every map key a string so the result can be
// JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = normalizeYAML(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}
