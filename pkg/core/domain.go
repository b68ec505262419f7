// Package core holds the domain of staticimp: submissions, resolved entries,
// the backend capability port and the entry orchestrator.
package core

import (
	"maps"
	"sort"
	"time"

	"github.com/staticimp/staticimp/pkg/config"
	"github.com/staticimp/staticimp/pkg/fields"
)

// Submission is one inbound request, already decomposed by the transport.
type Submission struct {
	Backend   string
	Project   string
	Branch    string
	EntryType string
	Params    map[string]string
	Fields    map[string]any
}

// ResolvedEntry is the field mapping produced by the field pipeline.
// It is immutable: accessors return copies.
type ResolvedEntry struct {
	fields map[string]any
}

// NewResolvedEntry copies m into a new entry.
func NewResolvedEntry(m map[string]any) ResolvedEntry {
	return ResolvedEntry{fields: maps.Clone(m)}
}

// Fields returns a copy of the field mapping.
func (e ResolvedEntry) Fields() map[string]any {
	out := maps.Clone(e.fields)
	if out == nil {
		out = map[string]any{}
	}
	return out
}

// Get returns a single field value.
func (e ResolvedEntry) Get(name string) (any, bool) {
	v, ok := e.fields[name]
	return v, ok
}

// Names returns the field names, sorted.
func (e ResolvedEntry) Names() []string {
	names := make([]string, 0, len(e.fields))
	for k := range e.fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of fields.
func (e ResolvedEntry) Len() int { return len(e.fields) }

// MarshalJSON writes the field mapping.
func (e ResolvedEntry) MarshalJSON() ([]byte, error) {
	return marshalJSON(e.Fields())
}

// MarshalYAML writes the field mapping.
func (e ResolvedEntry) MarshalYAML() (interface{}, error) {
	return e.Fields(), nil
}

// State is a step of the submission state machine.
type State string

const (
	StateReceived    State = "received"
	StateValidated   State = "validated"
	StateGenerated   State = "generated"
	StateTransformed State = "transformed"
	StateRouted      State = "routed"
	StateCommitted   State = "committed"
	StateRejected    State = "rejected"
	StateDebug       State = "debug"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateRejected || s == StateDebug
}

// Transition is one entry of a submission trail.
type Transition struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
}

// Result is the outcome of processing a submission.
type Result struct {
	ID    string `json:"id"`
	State State  `json:"state"`
	// Trail lists every state the submission went through, in order.
	Trail []Transition `json:"trail"`

	Entry ResolvedEntry `json:"entry"`
	// Stages holds the field mapping after each pipeline stage.
	Stages []fields.StageResult `json:"stages,omitempty"`

	// Set when committed.
	Path          string              `json:"path,omitempty"`
	Branch        string              `json:"branch,omitempty"`
	Commit        *CommitResult       `json:"commit,omitempty"`
	ReviewBranch  string              `json:"review_branch,omitempty"`
	MergeRequest  *MergeRequestResult `json:"merge_request,omitempty"`
	BranchExisted bool                `json:"branch_existed,omitempty"`

	// Set in debug mode. Secrets appear as ciphertext only.
	Config *config.EntryTypeConfig `json:"config,omitempty"`

	// Err is the rejection cause when State is StateRejected.
	Err error `json:"-"`
}

// States returns the trail as a list of states.
func (r *Result) States() []State {
	out := make([]State, len(r.Trail))
	for i, t := range r.Trail {
		out[i] = t.State
	}
	return out
}

func (r *Result) enter(s State, now time.Time) {
	r.State = s
	r.Trail = append(r.Trail, Transition{State: s, At: now})
}
