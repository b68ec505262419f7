package fields_test

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/staticimp/staticimp/pkg/fields"
	"github.com/staticimp/staticimp/pkg/placeholder"
)

const commentRules = `
allowed: [name, email, website, comment, reply_to]
required: [name, email, comment]
extra:
  _id: "{@id}"
  date: "{@timestamp}"
transforms:
  - field: email
    transform: md5
`

func loadRules(t *testing.T, src string) fields.Config {
	t.Helper()
	var cfg fields.Config
	require.NoError(t, yaml.Unmarshal([]byte(src), &cfg))
	require.NoError(t, cfg.Validate())
	return cfg
}

func scope() placeholder.Scope {
	return placeholder.Scope{
		ID:        "4f1c2a",
		Time:      time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Branch:    "main",
		EntryType: "comment",
		Params:    map[string]string{"slug": "post-1"},
	}
}

func TestPipeline_CommentScenario(t *testing.T) {
	p := fields.New(loadRules(t, commentRules))

	res, err := p.Run(scope(), map[string]any{
		"name":    "A",
		"email":   "b@x.com",
		"comment": "hi",
	})
	require.NoError(t, err)

	assert.Equal(t, "4f1c2a", res.Fields["_id"])
	assert.Equal(t, "20240102T030405.000Z", res.Fields["date"])
	assert.Equal(t, "A", res.Fields["name"])
	assert.Equal(t, "hi", res.Fields["comment"])
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}$`), res.Fields["email"])
	assert.NotEqual(t, "b@x.com", res.Fields["email"])
	assert.NotContains(t, res.Fields, "website")

	require.Len(t, res.Stages, 3)
	assert.Equal(t, []string{fields.StageValidate, fields.StageGenerate, fields.StageTransform},
		[]string{res.Stages[0].Name, res.Stages[1].Name, res.Stages[2].Name})
	assert.Equal(t, p.Stages(), []string{res.Stages[0].Name, res.Stages[1].Name, res.Stages[2].Name})
	assert.Equal(t, "b@x.com", res.Stages[1].Fields["email"], "generate stage snapshot keeps the raw value")
}

func TestPipeline_MissingRequiredStopsBeforeGeneration(t *testing.T) {
	p := fields.New(loadRules(t, commentRules))

	res, err := p.Run(scope(), map[string]any{"name": "A", "email": "b@x.com"})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, fields.ErrMissingRequiredField)

	var stageErr *fields.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, fields.StageValidate, stageErr.Stage)
}

func TestValidate(t *testing.T) {
	cfg := loadRules(t, commentRules)

	tests := []struct {
		name    string
		ignore  bool
		input   map[string]any
		want    map[string]any
		wantErr error
	}{
		{
			name:  "only allowed fields",
			input: map[string]any{"name": "A", "email": "e", "comment": "c", "website": "w"},
			want:  map[string]any{"name": "A", "email": "e", "comment": "c", "website": "w"},
		},
		{
			name:    "unknown field rejected",
			input:   map[string]any{"name": "A", "email": "e", "comment": "c", "admin": "yes"},
			wantErr: fields.ErrFieldNotAllowed,
		},
		{
			name:   "unknown field filtered",
			ignore: true,
			input:  map[string]any{"name": "A", "email": "e", "comment": "c", "admin": "yes"},
			want:   map[string]any{"name": "A", "email": "e", "comment": "c"},
		},
		{
			name:    "empty required",
			input:   map[string]any{"name": "", "email": "e", "comment": "c"},
			wantErr: fields.ErrMissingRequiredField,
		},
		{
			name:    "required checked before allowed",
			input:   map[string]any{"admin": "yes"},
			wantErr: fields.ErrMissingRequiredField,
		},
		{
			name:    "nil submission",
			input:   nil,
			wantErr: fields.ErrMissingRequiredField,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := cfg
			c.IgnoreUnknown = tt.ignore
			got, err := fields.ValidateStage{Config: c}.Apply(scope(), tt.input)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGenerate_OrderIsObservable(t *testing.T) {
	cfg := loadRules(t, `
allowed: [a]
extra:
  a_plus: "{field.a}+1"
  b: "[{field.a_plus}]"
  a: "over"
`)
	res, err := fields.New(cfg).Run(scope(), map[string]any{"a": "1"})
	require.NoError(t, err)

	assert.Equal(t, "1+1", res.Fields["a_plus"])
	assert.Equal(t, "[1+1]", res.Fields["b"])
	assert.Equal(t, "over", res.Fields["a"], "generation overwrites submitted values")
}

func TestGenerate_ForwardReferenceFails(t *testing.T) {
	cfg := loadRules(t, `
allowed: []
extra:
  b: "{field.c}"
  c: "x"
`)
	_, err := fields.New(cfg).Run(scope(), map[string]any{})
	assert.ErrorIs(t, err, placeholder.ErrUnresolvedPlaceholder)
}

func TestGenerate_DoesNotMutateInput(t *testing.T) {
	input := map[string]any{"a": "1"}
	_, err := fields.GenerateStage{Extra: fields.Extras{{Name: "x", Template: "{field.a}"}}}.Apply(scope(), input)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": "1"}, input)
}

func TestTransform(t *testing.T) {
	cfg := loadRules(t, `
allowed: [title, body, secret]
transforms:
  - {field: title, transform: slugify}
  - {field: body, transform: base85_encode}
  - {field: body, transform: base85decode}
  - {field: secret, transform: sha256}
`)
	res, err := fields.New(cfg).Run(scope(), map[string]any{
		"title":  "Hello, World!",
		"body":   "round trip",
		"secret": "",
	})
	require.NoError(t, err)
	assert.Equal(t, "hello-world", res.Fields["title"])
	assert.Equal(t, "round trip", res.Fields["body"])
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", res.Fields["secret"])
}

func TestTransform_Errors(t *testing.T) {
	t.Run("missing target", func(t *testing.T) {
		stage := fields.TransformStage{Rules: []fields.TransformRule{{Field: "nope", Transform: "md5"}}}
		_, err := stage.Apply(scope(), map[string]any{"a": "x"})
		assert.ErrorIs(t, err, fields.ErrUnknownTransformTarget)
	})

	t.Run("unknown kind", func(t *testing.T) {
		stage := fields.TransformStage{Rules: []fields.TransformRule{{Field: "a", Transform: "rot13"}}}
		_, err := stage.Apply(scope(), map[string]any{"a": "x"})
		assert.ErrorIs(t, err, fields.ErrUnknownTransform)
	})

	t.Run("malformed base85", func(t *testing.T) {
		stage := fields.TransformStage{Rules: []fields.TransformRule{{Field: "a", Transform: "base85decode"}}}
		_, err := stage.Apply(scope(), map[string]any{"a": "~~~~~"})
		assert.ErrorIs(t, err, fields.ErrInvalidEncoding)
	})
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantErr error
	}{
		{"required outside allowed", "allowed: [a]\nrequired: [b]\n", fields.ErrInvalidRules},
		{"unknown transform", "allowed: [a]\ntransforms: [{field: a, transform: rot13}]\n", fields.ErrUnknownTransform},
		{"transform without field", "allowed: [a]\ntransforms: [{transform: md5}]\n", fields.ErrInvalidRules},
		{"transform on undeclared field", "allowed: [a]\ntransforms: [{field: b, transform: md5}]\n", fields.ErrUnknownTransformTarget},
		{"malformed extra", "allowed: [a]\nextra: {x: \"{field.a\"}\n", placeholder.ErrMalformedPlaceholder},
		{"unknown namespace in extra", "allowed: [a]\nextra: {x: \"{nope.a}\"}\n", placeholder.ErrUnknownNamespace},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg fields.Config
			require.NoError(t, yaml.Unmarshal([]byte(tt.src), &cfg))
			assert.ErrorIs(t, cfg.Validate(), tt.wantErr)
		})
	}

	t.Run("transform on extra field", func(t *testing.T) {
		var cfg fields.Config
		require.NoError(t, yaml.Unmarshal([]byte("allowed: [a]\nextra: {slug: \"{field.a}\"}\ntransforms: [{field: slug, transform: slugify}]\n"), &cfg))
		assert.NoError(t, cfg.Validate())
	})
}

func TestExtras_KeepOrder(t *testing.T) {
	var cfg fields.Config
	require.NoError(t, yaml.Unmarshal([]byte("extra:\n  z: \"1\"\n  a: \"2\"\n  m:\n    value: \"3\"\n"), &cfg))
	require.Len(t, cfg.Extra, 3)
	assert.Equal(t, []string{"z", "a", "m"}, []string{cfg.Extra[0].Name, cfg.Extra[1].Name, cfg.Extra[2].Name})
	assert.Equal(t, "3", cfg.Extra[2].Template)

	out, err := cfg.Extra.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"z":"1","a":"2","m":"3"}`, string(out))

	var back fields.Extras
	require.NoError(t, back.UnmarshalJSON(out))
	assert.Equal(t, cfg.Extra, back)
}

func TestTransformKinds(t *testing.T) {
	assert.Equal(t, []string{"base85decode", "base85encode", "md5", "sha256", "slugify"}, fields.TransformKinds())
}
