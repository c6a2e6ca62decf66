package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

type format string

const (
	formatJSON format = "json"
	formatYAML format = "yaml"
)

// formatOf picks the decoder by extension. Anything that is not .yaml/.yml
// is read as JSON.
func formatOf(path string) format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return formatYAML
	}
	return formatJSON
}

// readStrict decodes the file at path into out.
func readStrict(path string, out any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return decodeStrict(formatOf(path), b, out)
}

// decodeStrict rejects unknown fields and trailing data. YAML goes through
// JSON first so both formats get the same checks and the same json tags.
func decodeStrict(f format, data []byte, out any) error {
	if f == formatYAML {
		jb, err := yamlToJSON(data)
		if err != nil {
			return err
		}
		data = jb
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%s: %w", f, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return fmt.Errorf("%s: trailing data", f)
		}
		return fmt.Errorf("%s: %w", f, err)
	}
	return nil
}

// yamlToJSON accepts a single YAML document. An empty file yields null.
func yamlToJSON(data []byte) ([]byte, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))

	var doc any
	if err := dec.Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	var next any
	if err := dec.Decode(&next); err != io.EOF {
		if err == nil {
			return nil, errors.New("yaml: trailing data (more than one document)")
		}
		return nil, fmt.Errorf("yaml: %w", err)
	}

	out, err := json.Marshal(stringKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("yaml: convert to json: %w", err)
	}
	return out, nil
}

// stringKeys turns maps with non-string keys (`1: x`, `true: y`) into
// map[string]any so encoding/json accepts them.
func stringKeys(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, e := range x {
			x[k] = stringKeys(e)
		}
		return x
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[fmt.Sprint(k)] = stringKeys(e)
		}
		return m
	case []any:
		for i, e := range x {
			x[i] = stringKeys(e)
		}
		return x
	}
	return v
}
