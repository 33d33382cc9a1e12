package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, CategoryIOFailure, "x", "", false))
}

func TestClassifyKeepsSentinel(t *testing.T) {
	err := fmt.Errorf("approve repair-1: %w", ErrExpired)
	classified := Classify(err)

	assert.True(t, errors.Is(classified, ErrExpired))
	assert.Equal(t, CategoryExpired, CategoryOf(err))
	assert.Equal(t, "expired", CodeOf(err))
	assert.NotEmpty(t, HintOf(err))
	assert.False(t, RetryableOf(err))
	assert.Equal(t, err.Error(), classified.Error())
}

func TestClassifyIsIdempotent(t *testing.T) {
	err := Wrap(ErrConflict, CategoryStateContention, "custom", "", true)
	assert.Same(t, err, Classify(err))
	assert.Equal(t, "custom", CodeOf(err))
	assert.True(t, RetryableOf(err))
}

func TestExitCodeOf(t *testing.T) {
	cases := map[error]int{
		nil:                     ExitOK,
		ErrInvalidInput:         ExitInvalidInput,
		ErrBlocked:              ExitBlocked,
		ErrBaseManifestNotFound: ExitNotFound,
		ErrNotFound:             ExitNotFound,
		ErrExpired:              ExitExpired,
		ErrIllegalTransition:    ExitIllegalTransition,
		ErrNotPending:           ExitIllegalTransition,
		ErrChecksumMismatch:     ExitChecksumMismatch,
		ErrConflict:             ExitConflict,
		errors.New("disk full"): ExitInternal,
	}
	for err, want := range cases {
		wrapped := err
		if err != nil {
			wrapped = fmt.Errorf("op: %w", err)
		}
		assert.Equal(t, want, ExitCodeOf(wrapped), "error %v", err)
	}
}

func TestUnclassifiedDefaultsToInternal(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, CategoryIOFailure, CategoryOf(err))
	assert.Equal(t, "internal", CodeOf(err))
}
