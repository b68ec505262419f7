package placeholder

import (
	"fmt"
	"strings"
)

// Context resolves variables for a render. Implementations must be read-only
// for the duration of a render.
type Context interface {
	Resolve(v Variable) (string, error)
}

// Template is a parsed template that can be rendered many times.
type Template struct {
	raw    string
	tokens []Token
}

// Compile parses s into a reusable Template.
func Compile(s string) (*Template, error) {
	tokens, err := Parse(s)
	if err != nil {
		return nil, err
	}
	return &Template{raw: s, tokens: tokens}, nil
}

// MustCompile is like Compile but panics on malformed input.
func MustCompile(s string) *Template {
	t, err := Compile(s)
	if err != nil {
		panic(err)
	}
	return t
}

// String returns the template source.
func (t *Template) String() string {
	return t.raw
}

// Variables returns every placeholder in source order.
func (t *Template) Variables() []Variable {
	var vars []Variable
	for _, tok := range t.tokens {
		if tok.Kind == TokenPlaceholder {
			vars = append(vars, tok.Var)
		}
	}
	return vars
}

// IsLiteral reports whether the template contains no placeholders.
func (t *Template) IsLiteral() bool {
	for _, tok := range t.tokens {
		if tok.Kind == TokenPlaceholder {
			return false
		}
	}
	return true
}

// Render resolves every placeholder against ctx and concatenates the result.
func (t *Template) Render(ctx Context) (string, error) {
	var sb strings.Builder
	sb.Grow(len(t.raw))
	for _, tok := range t.tokens {
		if tok.Kind == TokenLiteral {
			sb.WriteString(tok.Text)
			continue
		}
		if ctx == nil {
			return "", fmt.Errorf("%w: %s", ErrUnresolvedPlaceholder, tok.Var)
		}
		val, err := ctx.Resolve(tok.Var)
		if err != nil {
			return "", err
		}
		sb.WriteString(val)
	}
	return sb.String(), nil
}

// Render compiles and renders s in one step.
func Render(s string, ctx Context) (string, error) {
	t, err := Compile(s)
	if err != nil {
		return "", err
	}
	return t.Render(ctx)
}

// Check parses s and verifies that every placeholder names a known namespace.
// It is used to reject bad templates when configuration is loaded.
func Check(s string) error {
	t, err := Compile(s)
	if err != nil {
		return err
	}
	for _, v := range t.Variables() {
		if !IsKnownNamespace(v.Namespace) {
			return fmt.Errorf("%w %q in %s", ErrUnknownNamespace, v.Namespace, v)
		}
		if v.Namespace == NamespaceGenerated {
			if _, ok := generated[v.Key]; !ok {
				return fmt.Errorf("%w: %s", ErrUnresolvedPlaceholder, v)
			}
			if v.HasFormat && !generated[v.Key] {
				return &SyntaxError{Reason: fmt.Sprintf("%s does not take a format", v)}
			}
		} else if v.HasFormat {
			return &SyntaxError{Reason: fmt.Sprintf("%s does not take a format", v)}
		}
	}
	return nil
}
