package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/staticimp/staticimp/pkg/config"
)

// Serializer reads and writes field mappings in one format.
type Serializer interface {
	// Parse reads a mapping of field name to value.
	Parse(r io.Reader) (map[string]any, error)
	// Serialize writes an entry file.
	Serialize(fields map[string]any) ([]byte, error)
}

// SerializerFor returns the serializer of a configured format.
func SerializerFor(f config.Format) (Serializer, error) {
	switch f {
	case config.FormatJSON, "":
		return NewJSONSerializer(true), nil
	case config.FormatYAML:
		return NewYAMLSerializer(true), nil
	}
	return nil, fmt.Errorf("%w: unknown format %q", ErrInvalidConfig, f)
}

// JSONSerializer handles JSON bodies and entry files.
type JSONSerializer struct {
	// Strict keeps numbers as json.Number to avoid precision loss.
	Strict bool
}

// NewJSONSerializer creates a JSON serializer.
func NewJSONSerializer(strict bool) *JSONSerializer {
	return &JSONSerializer{Strict: strict}
}

func (s *JSONSerializer) Parse(r io.Reader) (map[string]any, error) {
	dec := json.NewDecoder(r)
	if s.Strict {
		dec.UseNumber()
	}
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: invalid json: %v", ErrMalformedBody, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after json object", ErrMalformedBody)
	}
	return payload, nil
}

func (s *JSONSerializer) Serialize(fields map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(fields); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// YAMLSerializer handles YAML bodies and entry files.
type YAMLSerializer struct {
	// Strict turns parsed numbers into json.Number, matching the JSON serializer.
	Strict bool
}

// NewYAMLSerializer creates a YAML serializer.
func NewYAMLSerializer(strict bool) *YAMLSerializer {
	return &YAMLSerializer{Strict: strict}
}

func (s *YAMLSerializer) Parse(r io.Reader) (map[string]any, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := yaml.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: invalid yaml: %v", ErrMalformedBody, err)
	}
	if s.Strict {
		payload, _ = normalizeNumbers(payload).(map[string]any)
	}
	return payload, nil
}

func (s *YAMLSerializer) Serialize(fields map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(plainNumbers(fields)); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// normalizeNumbers rewrites numeric YAML scalars as json.Number.
func normalizeNumbers(val any) any {
	switch v := val.(type) {
	case map[string]any:
		m := make(map[string]any, len(v))
		for k, val := range v {
			m[k] = normalizeNumbers(val)
		}
		return m
	case []any:
		l := make([]any, len(v))
		for i, val := range v {
			l[i] = normalizeNumbers(val)
		}
		return l
	case int:
		return json.Number(fmt.Sprintf("%d", v))
	case int64:
		return json.Number(fmt.Sprintf("%d", v))
	case uint64:
		return json.Number(fmt.Sprintf("%d", v))
	case float64:
		return json.Number(fmt.Sprintf("%v", v))
	default:
		return v
	}
}

// plainNumbers turns json.Number back into a YAML number node so that it is
// not written as a quoted string.
func plainNumbers(val any) any {
	switch v := val.(type) {
	case map[string]any:
		m := make(map[string]any, len(v))
		for k, val := range v {
			m[k] = plainNumbers(val)
		}
		return m
	case []any:
		l := make([]any, len(v))
		for i, val := range v {
			l[i] = plainNumbers(val)
		}
		return l
	case json.Number:
		return &yaml.Node{Kind: yaml.ScalarNode, Value: v.String()}
	default:
		return v
	}
}

func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
