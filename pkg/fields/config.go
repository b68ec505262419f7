package fields

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/staticimp/staticimp/pkg/placeholder"
)

// ErrInvalidRules is returned by Config.Validate.
var ErrInvalidRules = errors.New("invalid field rules")

// Config holds the validation and mutation rules of an entry type.
//
//   - Allowed: fields accepted from the submission
//   - Required: fields that must be present and non-empty (subset of Allowed)
//   - Extra: generated fields, rendered in declaration order
//   - Transforms: transforms applied after generation, in declaration order
//   - IgnoreUnknown: filter fields outside Allowed instead of rejecting them
type Config struct {
	Allowed       []string        `yaml:"allowed" json:"allowed"`
	Required      []string        `yaml:"required,omitempty" json:"required,omitempty"`
	Extra         Extras          `yaml:"extra,omitempty" json:"extra,omitempty"`
	Transforms    []TransformRule `yaml:"transforms,omitempty" json:"transforms,omitempty"`
	IgnoreUnknown bool            `yaml:"ignore_unknown,omitempty" json:"ignore_unknown,omitempty"`
}

// TransformRule names a transform to run on a field.
type TransformRule struct {
	Field     string `yaml:"field" json:"field"`
	Transform string `yaml:"transform" json:"transform"`
}

// Extra is one generated field.
type Extra struct {
	Name     string
	Template string
}

// Extras is an ordered mapping of generated field name to template.
// In YAML it is written as a mapping; declaration order is kept.
type Extras []Extra

// UnmarshalYAML keeps mapping order, which a Go map would lose.
func (e *Extras) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: extra must be a mapping of field name to template", node.Line)
	}
	out := make(Extras, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		var tmpl string
		switch val.Kind {
		case yaml.ScalarNode:
			tmpl = val.Value
		case yaml.MappingNode:
			// long form: {value: "..."}
			var long struct {
				Value string `yaml:"value"`
			}
			if err := val.Decode(&long); err != nil {
				return err
			}
			tmpl = long.Value
		default:
			return fmt.Errorf("line %d: extra %q must be a template string", val.Line, key.Value)
		}
		out = append(out, Extra{Name: key.Value, Template: tmpl})
	}
	*e = out
	return nil
}

// MarshalYAML writes the extras back as an ordered mapping.
func (e Extras) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, x := range e {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: x.Name},
			&yaml.Node{Kind: yaml.ScalarNode, Value: x.Template, Style: yaml.DoubleQuotedStyle},
		)
	}
	return node, nil
}

// MarshalJSON writes the extras as a JSON object in declaration order.
func (e Extras) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, x := range e {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(x.Name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(x.Template)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object keeping key order.
func (e *Extras) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("extra must be an object of field name to template")
	}
	var out Extras
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		var tmpl string
		if err := dec.Decode(&tmpl); err != nil {
			return fmt.Errorf("extra %v: %w", keyTok, err)
		}
		out = append(out, Extra{Name: keyTok.(string), Template: tmpl})
	}
	*e = out
	return nil
}

// Validate checks the invariants of the rules. Required fields and transform
// targets must be declared, extra names unique and templates well formed.
func (c Config) Validate() error {
	allowed := make(map[string]struct{}, len(c.Allowed))
	for _, f := range c.Allowed {
		allowed[f] = struct{}{}
	}
	for _, f := range c.Required {
		if _, ok := allowed[f]; !ok {
			return fmt.Errorf("%w: required field %q is not in allowed", ErrInvalidRules, f)
		}
	}

	seen := make(map[string]struct{}, len(c.Extra))
	for _, x := range c.Extra {
		if x.Name == "" {
			return fmt.Errorf("%w: extra field with empty name", ErrInvalidRules)
		}
		if _, dup := seen[x.Name]; dup {
			return fmt.Errorf("%w: extra field %q declared twice", ErrInvalidRules, x.Name)
		}
		seen[x.Name] = struct{}{}
		if err := placeholder.Check(x.Template); err != nil {
			return fmt.Errorf("extra field %q: %w", x.Name, err)
		}
	}

	for i, t := range c.Transforms {
		if t.Field == "" {
			return fmt.Errorf("%w: transform #%d has no field", ErrInvalidRules, i)
		}
		if _, ok := LookupTransform(t.Transform); !ok {
			return fmt.Errorf("transform #%d on %q: %w %q", i, t.Field, ErrUnknownTransform, t.Transform)
		}
		_, isAllowed := allowed[t.Field]
		_, isExtra := seen[t.Field]
		if !isAllowed && !isExtra {
			return fmt.Errorf("%w: transform #%d: %w %q", ErrInvalidRules, i, ErrUnknownTransformTarget, t.Field)
		}
	}
	return nil
}
