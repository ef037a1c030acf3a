// Package errors holds the error types shared by the image features and the
// job runner.
package errors

import (
	"errors"
	"fmt"
)

// ErrSessionMissing indicates the session record disappeared or lost its
// payload mid-flow (cleared by the janitor or a cancellation).
var ErrSessionMissing = errors.New("session missing")

// StepError is a failed feature step that carries the text shown to the user.
type StepError struct {
	Feature string // e.g. "colorize"
	Step    string // e.g. "generate_image"
	Text    string // safe to send in a LINE message
	Cause   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s/%s: %v", e.Feature, e.Step, e.Cause)
}

func (e *StepError) Unwrap() error {
	return e.Cause
}

// Step wraps cause with the feature step and user-facing text.
// It returns nil when cause is nil.
func Step(feature, step string, cause error, text string) error {
	if cause == nil {
		return nil
	}
	return &StepError{Feature: feature, Step: step, Text: text, Cause: cause}
}

// UserText returns the text of the outermost StepError in err's chain.
func UserText(err error) (string, bool) {
	var se *StepError
	if errors.As(err, &se) && se.Text != "" {
		return se.Text, true
	}
	return "", false
}
