package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// decode parses a config file. YAML (.yaml/.yml) is first converted to JSON so
// both formats share one strict decoder that rejects unknown keys.
func decode(path string, data []byte) (*Config, error) {
	if isYAML(path) {
		var tree any
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return nil, &Error{Err: fmt.Errorf("yaml: %w", err)}
		}
		b, err := json.Marshal(stringKeys(tree))
		if err != nil {
			return nil, &Error{Err: fmt.Errorf("yaml: %w", err)}
		}
		data = b
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, &Error{Err: err}
	}
	switch err := dec.Decode(&struct{}{}); {
	case err == nil:
		return nil, &Error{Err: errors.New("trailing data after config document")}
	case !errors.Is(err, io.EOF):
		return nil, &Error{Err: err}
	}
	return &cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// stringKeys rewrites map keys to strings so the tree can be JSON-encoded.
// Ids must be quoted in YAML: an unquoted 1234 decodes as a number and the
// string fields reject it.
func stringKeys(v any) any {
	switch x := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[fmt.Sprint(k)] = stringKeys(val)
		}
		return out
	case map[string]any:
		for k, val := range x {
			x[k] = stringKeys(val)
		}
		return x
	case []any:
		for i, val := range x {
			x[i] = stringKeys(val)
		}
		return x
	}
	return v
}
