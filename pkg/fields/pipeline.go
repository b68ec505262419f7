package fields

import (
	"errors"
	"fmt"
	"maps"
	"sort"

	"github.com/staticimp/staticimp/pkg/placeholder"
)

var (
	// ErrFieldNotAllowed is returned when a submission carries a field outside allowed.
	ErrFieldNotAllowed = errors.New("field not allowed")
	// ErrMissingRequiredField is returned when a required field is absent or empty.
	ErrMissingRequiredField = errors.New("missing required field")
	// ErrUnknownTransformTarget is returned when a transform names a field that does not exist.
	ErrUnknownTransformTarget = errors.New("unknown transform target")
)

// Stage names, in execution order.
const (
	StageValidate  = "validate"
	StageGenerate  = "generate"
	StageTransform = "transform"
)

// Stage is one step of the pipeline. A stage receives the fields produced by
// the previous stage and returns a new mapping; it must not mutate its input.
type Stage interface {
	Name() string
	Apply(scope placeholder.Scope, fields map[string]any) (map[string]any, error)
}

// StageResult records the output of a stage.
type StageResult struct {
	Name   string         `json:"name" yaml:"name"`
	Fields map[string]any `json:"fields" yaml:"fields"`
}

// Result is the outcome of a successful pipeline run.
type Result struct {
	Fields map[string]any
	Stages []StageResult
}

// StageError wraps the error of a failing stage.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return e.Stage + ": " + e.Err.Error() }

func (e *StageError) Unwrap() error { return e.Err }

// Pipeline runs an ordered list of stages.
type Pipeline struct {
	stages []Stage
}

// New returns the validate, generate, transform pipeline for cfg.
// The caller is expected to have checked cfg with Validate.
func New(cfg Config) *Pipeline {
	return NewWithStages(
		ValidateStage{Config: cfg},
		GenerateStage{Extra: cfg.Extra},
		TransformStage{Rules: cfg.Transforms},
	)
}

// NewWithStages builds a pipeline from explicit stages.
func NewWithStages(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages}
}

// Stages returns the stage names in execution order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// Run executes the stages in order. The first failing stage stops the run;
// the returned error is a *StageError.
func (p *Pipeline) Run(scope placeholder.Scope, submitted map[string]any) (*Result, error) {
	res := &Result{Stages: make([]StageResult, 0, len(p.stages))}
	current := submitted
	for _, s := range p.stages {
		next, err := s.Apply(scope, current)
		if err != nil {
			return nil, &StageError{Stage: s.Name(), Err: err}
		}
		res.Stages = append(res.Stages, StageResult{Name: s.Name(), Fields: maps.Clone(next)})
		current = next
	}
	res.Fields = current
	return res, nil
}

// ValidateStage checks required and allowed fields.
type ValidateStage struct {
	Config Config
}

func (ValidateStage) Name() string { return StageValidate }

// Apply checks required fields first, then rejects (or, with IgnoreUnknown,
// drops) fields outside allowed. Only allowed fields are returned.
func (v ValidateStage) Apply(_ placeholder.Scope, fields map[string]any) (map[string]any, error) {
	for _, name := range v.Config.Required {
		if isEmpty(fields[name]) {
			return nil, fmt.Errorf("%w: %q", ErrMissingRequiredField, name)
		}
	}

	allowed := make(map[string]struct{}, len(v.Config.Allowed))
	for _, name := range v.Config.Allowed {
		allowed[name] = struct{}{}
	}

	out := make(map[string]any, len(fields))
	var rejected []string
	for name, val := range fields {
		if _, ok := allowed[name]; !ok {
			rejected = append(rejected, name)
			continue
		}
		out[name] = val
	}
	if len(rejected) > 0 && !v.Config.IgnoreUnknown {
		sort.Strings(rejected)
		return nil, fmt.Errorf("%w: %q", ErrFieldNotAllowed, rejected[0])
	}
	return out, nil
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	}
	return false
}

// GenerateStage renders extra fields in declaration order. Each template sees
// the fields produced so far, including earlier extras.
type GenerateStage struct {
	Extra Extras
}

func (GenerateStage) Name() string { return StageGenerate }

func (g GenerateStage) Apply(scope placeholder.Scope, fields map[string]any) (map[string]any, error) {
	out := maps.Clone(fields)
	if out == nil {
		out = make(map[string]any, len(g.Extra))
	}
	for _, x := range g.Extra {
		val, err := placeholder.Render(x.Template, scope.WithFields(out))
		if err != nil {
			return nil, fmt.Errorf("extra field %q: %w", x.Name, err)
		}
		out[x.Name] = val
	}
	return out, nil
}

// TransformStage applies transforms in declaration order, replacing values in place.
type TransformStage struct {
	Rules []TransformRule
}

func (TransformStage) Name() string { return StageTransform }

func (t TransformStage) Apply(_ placeholder.Scope, fields map[string]any) (map[string]any, error) {
	out := maps.Clone(fields)
	for _, rule := range t.Rules {
		fn, ok := LookupTransform(rule.Transform)
		if !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownTransform, rule.Transform)
		}
		cur, ok := out[rule.Field]
		if !ok {
			return nil, fmt.Errorf("%w: %s on %q", ErrUnknownTransformTarget, rule.Transform, rule.Field)
		}
		val, err := fn(placeholder.FormatValue(cur))
		if err != nil {
			return nil, fmt.Errorf("%s on %q: %w", rule.Transform, rule.Field, err)
		}
		out[rule.Field] = val
	}
	return out, nil
}
