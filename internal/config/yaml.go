package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

type format string

const (
	formatJSON format = "json"
	formatYAML format = "yaml"
)

func formatOf(path string) format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return formatYAML
	default:
		return formatJSON
	}
}

// coerceToJSONBytes turns a YAML document into JSON so both formats go
// through the same strict decoder. JSON input is returned unchanged. An empty
// file decodes as an empty object.
func coerceToJSONBytes(path string, data []byte) ([]byte, format, error) {
	f := formatOf(path)
	if len(bytes.TrimSpace(data)) == 0 {
		return []byte("{}"), f, nil
	}
	if f == formatJSON {
		return data, f, nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, f, fmt.Errorf("yaml unmarshal: %w", err)
	}
	if v == nil {
		return []byte("{}"), f, nil
	}
	j, err := json.Marshal(normalizeYAML(v))
	if err != nil {
		return nil, f, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, f, nil
}

// normalizeYAML stringifies map keys so the tree can be JSON-marshaled.
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
