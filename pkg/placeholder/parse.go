// Package placeholder implements the template mini-language used throughout
// staticimp configuration.
//
// A template is literal text with `{...}` placeholders:
//
//	comments/{params.slug}/{@date:%Y-%m-%d}-{@id}.yml
//
// A placeholder body is `name[:format]`. The name selects a namespace
// (`@` for generated values, `field` for submitted fields, `params` for URL
// query parameters) and a key inside it. `{{` and `}}` produce literal braces.
//
// Rendering is a pure function of the template and a Context. Resolved values
// are written verbatim and never expanded again.
package placeholder

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformedPlaceholder is returned for unbalanced or invalid placeholder syntax.
	ErrMalformedPlaceholder = errors.New("malformed placeholder")
	// ErrUnresolvedPlaceholder is returned when a key does not exist in its namespace.
	ErrUnresolvedPlaceholder = errors.New("unresolved placeholder")
	// ErrUnknownNamespace is returned when the placeholder names a namespace the context does not have.
	ErrUnknownNamespace = errors.New("unknown namespace")
)

// SyntaxError describes a malformed template.
type SyntaxError struct {
	Offset int
	Reason string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("malformed placeholder at offset %d: %s", e.Offset, e.Reason)
}

// Unwrap lets errors.Is match ErrMalformedPlaceholder.
func (e *SyntaxError) Unwrap() error {
	return ErrMalformedPlaceholder
}

// TokenKind distinguishes literal text from placeholders.
type TokenKind int

const (
	TokenLiteral TokenKind = iota
	TokenPlaceholder
)

// Variable is the parsed body of a placeholder.
type Variable struct {
	Raw       string // body as written, without braces
	Namespace string // "@", "field", "params", ...
	Key       string
	Format    string
	HasFormat bool
}

func (v Variable) String() string {
	return "{" + v.Raw + "}"
}

// Token is one element of a parsed template.
type Token struct {
	Kind   TokenKind
	Text   string // literal text (unescaped) for TokenLiteral
	Var    Variable
	Offset int
}

// Parse scans a template into literal and placeholder tokens.
func Parse(s string) ([]Token, error) {
	var (
		tokens  []Token
		lit     strings.Builder
		litFrom int
	)

	flush := func() {
		if lit.Len() > 0 {
			tokens = append(tokens, Token{Kind: TokenLiteral, Text: lit.String(), Offset: litFrom})
			lit.Reset()
		}
	}

	for i := 0; i < len(s); {
		c := s[i]
		switch c {
		case '{':
			if i+1 < len(s) && s[i+1] == '{' {
				if lit.Len() == 0 {
					litFrom = i
				}
				lit.WriteByte('{')
				i += 2
				continue
			}
			end := -1
			for j := i + 1; j < len(s); j++ {
				if s[j] == '{' {
					return nil, &SyntaxError{Offset: j, Reason: "unexpected '{' inside placeholder"}
				}
				if s[j] == '}' {
					end = j
					break
				}
			}
			if end < 0 {
				return nil, &SyntaxError{Offset: i, Reason: "unterminated placeholder"}
			}
			v, err := parseVariable(s[i+1:end], i)
			if err != nil {
				return nil, err
			}
			flush()
			tokens = append(tokens, Token{Kind: TokenPlaceholder, Var: v, Offset: i})
			i = end + 1
		case '}':
			if i+1 < len(s) && s[i+1] == '}' {
				if lit.Len() == 0 {
					litFrom = i
				}
				lit.WriteByte('}')
				i += 2
				continue
			}
			return nil, &SyntaxError{Offset: i, Reason: "unmatched '}'"}
		default:
			if lit.Len() == 0 {
				litFrom = i
			}
			lit.WriteByte(c)
			i++
		}
	}
	flush()
	return tokens, nil
}

// parseVariable splits `name[:format]` and the name into namespace and key.
func parseVariable(body string, offset int) (Variable, error) {
	v := Variable{Raw: body}
	if strings.TrimSpace(body) == "" {
		return v, &SyntaxError{Offset: offset, Reason: "empty placeholder"}
	}

	name := body
	if idx := strings.IndexByte(body, ':'); idx >= 0 {
		name = body[:idx]
		v.Format = body[idx+1:]
		v.HasFormat = true
	}
	if name == "" {
		return v, &SyntaxError{Offset: offset, Reason: "missing variable name"}
	}
	if strings.ContainsAny(name, " \t\r\n") {
		return v, &SyntaxError{Offset: offset, Reason: fmt.Sprintf("invalid variable name %q", name)}
	}

	if strings.HasPrefix(name, NamespaceGenerated) {
		v.Namespace = NamespaceGenerated
		v.Key = name[len(NamespaceGenerated):]
	} else if idx := strings.IndexByte(name, '.'); idx >= 0 {
		v.Namespace = name[:idx]
		v.Key = name[idx+1:]
	} else {
		v.Namespace = name
	}

	if v.Key == "" && IsKnownNamespace(v.Namespace) {
		return v, &SyntaxError{Offset: offset, Reason: fmt.Sprintf("missing key in %q", name)}
	}
	return v, nil
}
