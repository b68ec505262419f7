package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/staticimp/staticimp/pkg/config"
	"github.com/staticimp/staticimp/pkg/fields"
	"github.com/staticimp/staticimp/pkg/placeholder"
	"github.com/staticimp/staticimp/pkg/vault"
)

// Caller input errors.
var (
	ErrMalformedBody     = errors.New("malformed body")
	ErrUnknownBackend    = errors.New("unknown backend")
	ErrUnknownEntryType  = errors.New("unknown entry type")
	ErrEntryTypeDisabled = errors.New("entry type disabled")
	ErrBranchNotAllowed  = errors.New("branch not allowed")
	ErrProjectNotAllowed = errors.New("project not allowed")

	ErrFieldNotAllowed      = fields.ErrFieldNotAllowed
	ErrMissingRequiredField = fields.ErrMissingRequiredField
)

// Configuration errors.
var (
	ErrInvalidConfig          = config.ErrInvalidConfig
	ErrUnresolvedPlaceholder  = placeholder.ErrUnresolvedPlaceholder
	ErrMalformedPlaceholder   = placeholder.ErrMalformedPlaceholder
	ErrUnknownNamespace       = placeholder.ErrUnknownNamespace
	ErrUnknownTransformTarget = fields.ErrUnknownTransformTarget
	ErrUnknownTransform       = fields.ErrUnknownTransform
	ErrInvalidEncoding        = fields.ErrInvalidEncoding
)

// Backend errors, returned (wrapped) by Backend implementations.
var (
	ErrConflict      = errors.New("conflict")
	ErrAuthFailed    = errors.New("authentication failed")
	ErrNotFound      = errors.New("not found")
	ErrUnavailable   = errors.New("backend unavailable")
	ErrAlreadyExists = errors.New("already exists")
)

// Cryptographic errors.
var ErrDecryptionFailed = vault.ErrDecryptionFailed

// ErrPartialCommit is matched by *PartialCommitError.
var ErrPartialCommit = errors.New("entry committed to review branch but merge request failed")

// PartialCommitError reports a review submission whose content reached the
// review branch while opening the merge request failed.
type PartialCommitError struct {
	ReviewBranch string
	Commit       CommitResult
	Err          error
}

func (e *PartialCommitError) Error() string {
	return fmt.Sprintf("%s (branch %s): %v", ErrPartialCommit, e.ReviewBranch, e.Err)
}

// Unwrap exposes both ErrPartialCommit and the backend failure.
func (e *PartialCommitError) Unwrap() []error {
	return []error{ErrPartialCommit, e.Err}
}

// Category groups errors by who is responsible for them.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryInput
	CategoryConfig
	CategoryBackend
	CategoryCrypto
)

func (c Category) String() string {
	switch c {
	case CategoryInput:
		return "input"
	case CategoryConfig:
		return "config"
	case CategoryBackend:
		return "backend"
	case CategoryCrypto:
		return "crypto"
	}
	return "unknown"
}

var categories = []struct {
	cat  Category
	errs []error
}{
	{CategoryCrypto, []error{ErrDecryptionFailed, vault.ErrClosed, vault.ErrInvalidKey}},
	{CategoryBackend, []error{ErrPartialCommit, ErrConflict, ErrAuthFailed, ErrNotFound, ErrUnavailable, ErrAlreadyExists, context.DeadlineExceeded}},
	{CategoryInput, []error{ErrFieldNotAllowed, ErrMissingRequiredField, ErrMalformedBody, ErrUnknownBackend, ErrUnknownEntryType, ErrEntryTypeDisabled, ErrBranchNotAllowed, ErrProjectNotAllowed}},
	{CategoryConfig, []error{ErrInvalidConfig, ErrUnresolvedPlaceholder, ErrMalformedPlaceholder, ErrUnknownNamespace, ErrUnknownTransformTarget, ErrUnknownTransform, ErrInvalidEncoding}},
}

// Classify returns the category of err. Crypto wins over everything so that
// decryption failures are never reported with detail.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	for _, c := range categories {
		for _, target := range c.errs {
			if errors.Is(err, target) {
				return c.cat
			}
		}
	}
	return CategoryUnknown
}

// Retryable reports whether the caller may retry the same submission.
func Retryable(err error) bool {
	if errors.Is(err, ErrPartialCommit) {
		return false
	}
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrAlreadyExists) || errors.Is(err, context.DeadlineExceeded)
}
