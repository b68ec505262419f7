package placeholder

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lestrrat-go/strftime"
)

// Namespaces understood by Scope.
const (
	NamespaceGenerated = "@"
	NamespaceField     = "field"
	NamespaceParams    = "params"

	// Aliases kept for configuration written against the older names.
	namespaceFieldAlias  = "fields"
	namespaceParamsAlias = "options"
)

// DefaultTimestampFormat is the strftime pattern for {@timestamp}:
// compact ISO 8601 with milliseconds (%L).
const DefaultTimestampFormat = "%Y%m%dT%H%M%S.%LZ"

// generated lists the keys of the "@" namespace and whether each accepts a
// format argument.
var generated = map[string]bool{
	"id":         false,
	"timestamp":  true,
	"date":       true,
	"branch":     false,
	"project":    false,
	"entry_type": false,
}

// IsKnownNamespace reports whether ns is a namespace Scope can resolve.
func IsKnownNamespace(ns string) bool {
	switch ns {
	case NamespaceGenerated, NamespaceField, namespaceFieldAlias, NamespaceParams, namespaceParamsAlias:
		return true
	}
	return false
}

// GeneratedKeys returns the keys of the "@" namespace, sorted.
func GeneratedKeys() []string {
	keys := make([]string, 0, len(generated))
	for k := range generated {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Scope is the evaluation context of one submission.
// It is a value type: stages that add fields work on copies.
type Scope struct {
	ID              string
	Time            time.Time
	TimestampFormat string
	Branch          string
	Project         string
	EntryType       string
	Fields          map[string]any
	Params          map[string]string
}

// WithFields returns a copy of s that resolves field.* against fields.
func (s Scope) WithFields(fields map[string]any) Scope {
	s.Fields = fields
	return s
}

// Resolve implements Context.
func (s Scope) Resolve(v Variable) (string, error) {
	switch v.Namespace {
	case NamespaceGenerated:
		return s.resolveGenerated(v)
	case NamespaceField, namespaceFieldAlias:
		if v.HasFormat {
			return "", &SyntaxError{Reason: fmt.Sprintf("%s does not take a format", v)}
		}
		val, ok := lookupPath(s.Fields, v.Key)
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnresolvedPlaceholder, v)
		}
		return FormatValue(val), nil
	case NamespaceParams, namespaceParamsAlias:
		if v.HasFormat {
			return "", &SyntaxError{Reason: fmt.Sprintf("%s does not take a format", v)}
		}
		val, ok := s.Params[v.Key]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnresolvedPlaceholder, v)
		}
		return val, nil
	}
	return "", fmt.Errorf("%w %q in %s", ErrUnknownNamespace, v.Namespace, v)
}

func (s Scope) resolveGenerated(v Variable) (string, error) {
	takesFormat, ok := generated[v.Key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnresolvedPlaceholder, v)
	}
	if v.HasFormat && !takesFormat {
		return "", &SyntaxError{Reason: fmt.Sprintf("%s does not take a format", v)}
	}

	switch v.Key {
	case "id":
		return s.ID, nil
	case "branch":
		return s.Branch, nil
	case "project":
		return s.Project, nil
	case "entry_type":
		return s.EntryType, nil
	}

	// timestamp and date
	layout := s.TimestampFormat
	if layout == "" {
		layout = DefaultTimestampFormat
	}
	if v.HasFormat {
		layout = v.Format
	}
	out, err := FormatTime(layout, s.Time)
	if err != nil {
		return "", &SyntaxError{Reason: fmt.Sprintf("%s: %v", v, err)}
	}
	return out, nil
}

// FormatTime renders t (in UTC) with a strftime pattern. %L is milliseconds.
func FormatTime(layout string, t time.Time) (string, error) {
	return strftime.Format(layout, t.UTC(), strftime.WithMilliseconds('L'))
}

// lookupPath finds key in fields, falling back to a dotted walk into nested
// maps ("author.name") when there is no exact match.
func lookupPath(fields map[string]any, key string) (any, bool) {
	if val, ok := fields[key]; ok {
		return val, true
	}
	parts := strings.Split(key, ".")
	if len(parts) < 2 {
		return nil, false
	}
	var cur any = fields
	for _, p := range parts {
		switch m := cur.(type) {
		case map[string]any:
			next, ok := m[p]
			if !ok {
				return nil, false
			}
			cur = next
		case map[string]string:
			next, ok := m[p]
			if !ok {
				return nil, false
			}
			cur = next
		default:
			return nil, false
		}
	}
	return cur, true
}

// FormatValue converts a field value to the text written into templates.
// Structured values are encoded as compact JSON.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	case fmt.Stringer:
		return val.String()
	case map[string]any, []any, map[string]string, []string:
		b, err := json.Marshal(val)
		if err == nil {
			return string(b)
		}
	}
	return fmt.Sprintf("%v", v)
}
