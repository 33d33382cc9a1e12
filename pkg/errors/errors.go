// Package errors is the error taxonomy shared by the repair subsystem.
//
// Components return the sentinel errors below wrapped with context via fmt.Errorf;
// the orchestrator additionally classifies them with Wrap so operator surfaces can
// map a failure to an exit code or HTTP status without string matching.
package errors

import (
	"errors"
)

var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrIllegalTransition    = errors.New("illegal authority transition")
	ErrBaseManifestNotFound = errors.New("base manifest not found")
	ErrNotFound             = errors.New("not found")
	ErrAlreadyExists        = errors.New("already exists")
	ErrChecksumMismatch     = errors.New("checksum mismatch")
	ErrExpired              = errors.New("pending repair expired")
	ErrNotPending           = errors.New("repair is not pending")
	ErrBlocked              = errors.New("repair blocked by policy")
	ErrConflict             = errors.New("concurrent modification")
	ErrStoreUnavailable     = errors.New("store unavailable")
)

type Category string

const (
	CategoryInvalidInput      Category = "invalid_input"
	CategoryIllegalTransition Category = "illegal_transition"
	CategoryNotFound          Category = "not_found"
	CategoryIntegrity         Category = "integrity"
	CategoryExpired           Category = "expired"
	CategoryPolicyBlocked     Category = "policy_blocked"
	CategoryStateContention   Category = "state_contention"
	CategoryIOFailure         Category = "io_failure"
)

type classifiedError struct {
	category  Category
	code      string
	hint      string
	retryable bool
	cause     error
}

func (e *classifiedError) Error() string {
	if e.cause == nil {
		return "unknown error"
	}
	return e.cause.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.cause
}

// Wrap attaches a category, a stable machine code and an operator hint to cause.
func Wrap(cause error, category Category, code, hint string, retryable bool) error {
	if cause == nil {
		return nil
	}
	return &classifiedError{
		category:  category,
		code:      code,
		hint:      hint,
		retryable: retryable,
		cause:     cause,
	}
}

// Classify wraps err with the category implied by the sentinel it carries.
// Errors that are already classified are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var classified *classifiedError
	if errors.As(err, &classified) {
		return err
	}
	switch {
	case errors.Is(err, ErrInvalidInput):
		return Wrap(err, CategoryInvalidInput, "invalid_input", "fix the request fields and resubmit", false)
	case errors.Is(err, ErrIllegalTransition):
		return Wrap(err, CategoryIllegalTransition, "illegal_transition", "check the manifest's current authority state", false)
	case errors.Is(err, ErrNotPending):
		return Wrap(err, CategoryIllegalTransition, "not_pending", "only PENDING_MERGE repairs can be approved or rejected", false)
	case errors.Is(err, ErrBaseManifestNotFound):
		return Wrap(err, CategoryNotFound, "base_manifest_not_found", "supply the job id of a registered primary job", false)
	case errors.Is(err, ErrNotFound):
		return Wrap(err, CategoryNotFound, "not_found", "", false)
	case errors.Is(err, ErrChecksumMismatch):
		return Wrap(err, CategoryIntegrity, "checksum_mismatch", "treat the artifact as tampered; do not repair it automatically", false)
	case errors.Is(err, ErrExpired):
		return Wrap(err, CategoryExpired, "expired", "submit a fresh repair instead of retrying the approval", false)
	case errors.Is(err, ErrBlocked):
		return Wrap(err, CategoryPolicyBlocked, "blocked", "", false)
	case errors.Is(err, ErrConflict):
		return Wrap(err, CategoryStateContention, "conflict", "reload the manifest and retry", true)
	case errors.Is(err, ErrAlreadyExists):
		return Wrap(err, CategoryStateContention, "already_exists", "", false)
	case errors.Is(err, ErrStoreUnavailable):
		return Wrap(err, CategoryIOFailure, "store_unavailable", "retry once the store is reachable", true)
	}
	return Wrap(err, CategoryIOFailure, "internal", "", false)
}

func CategoryOf(err error) Category {
	var classified *classifiedError
	if errors.As(Classify(err), &classified) {
		return classified.category
	}
	return ""
}

func CodeOf(err error) string {
	var classified *classifiedError
	if errors.As(Classify(err), &classified) {
		return classified.code
	}
	return ""
}

func HintOf(err error) string {
	var classified *classifiedError
	if errors.As(Classify(err), &classified) {
		return classified.hint
	}
	return ""
}

func RetryableOf(err error) bool {
	var classified *classifiedError
	if errors.As(Classify(err), &classified) {
		return classified.retryable
	}
	return false
}

// Exit codes for operator tooling.
const (
	ExitOK                = 0
	ExitInternal          = 1
	ExitInvalidInput      = 2
	ExitBlocked           = 3
	ExitPendingHuman      = 4
	ExitNotFound          = 5
	ExitExpired           = 6
	ExitIllegalTransition = 7
	ExitChecksumMismatch  = 8
	ExitConflict          = 9
)

// ExitCodeOf maps err to an operator exit code. A nil error is ExitOK.
func ExitCodeOf(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrInvalidInput):
		return ExitInvalidInput
	case errors.Is(err, ErrBlocked):
		return ExitBlocked
	case errors.Is(err, ErrBaseManifestNotFound), errors.Is(err, ErrNotFound):
		return ExitNotFound
	case errors.Is(err, ErrExpired):
		return ExitExpired
	case errors.Is(err, ErrIllegalTransition), errors.Is(err, ErrNotPending):
		return ExitIllegalTransition
	case errors.Is(err, ErrChecksumMismatch):
		return ExitChecksumMismatch
	case errors.Is(err, ErrConflict), errors.Is(err, ErrAlreadyExists):
		return ExitConflict
	}
	return ExitInternal
}
