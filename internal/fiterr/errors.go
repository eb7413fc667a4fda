// Package fiterr defines the error kinds shared by the fitting pipeline.
// Callers discriminate with errors.As; everything else is wrapped context.
package fiterr

import (
	"fmt"
	"strings"
)

// ConfigurationError indicates an unusable runtime configuration, such as an
// empty device list for a nonempty workload or a malformed override key.
// It is fatal to the current run.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Message
}

// Configurationf builds a ConfigurationError from a format string.
func Configurationf(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// InsufficientDataError indicates that a model's required protocol columns
// cannot be resolved, neither as real nor as virtual columns. The batch layer
// catches it, logs it and continues with the next model.
type InsufficientDataError struct {
	Model   string
	Missing []string
}

func (e *InsufficientDataError) Error() string {
	if len(e.Missing) == 0 {
		return fmt.Sprintf("insufficient data for model %s", e.Model)
	}
	return fmt.Sprintf("insufficient data for model %s: missing columns %s",
		e.Model, strings.Join(e.Missing, ", "))
}

// ResourceExhaustionError indicates the per-chunk resource budget cannot hold
// even a minimum-size chunk. Fatal to the current run.
type ResourceExhaustionError struct {
	Requested int64
	Budget    int64
}

func (e *ResourceExhaustionError) Error() string {
	return fmt.Sprintf("resource exhaustion: smallest chunk needs %d bytes, budget is %d bytes",
		e.Requested, e.Budget)
}

// PartialFailureError reports that one or more workers in a chunk failed.
// The chunk is not marked complete and its output is not merged. Aborts the
// current model's run but not the overall batch.
type PartialFailureError struct {
	Model  string
	Chain  []string
	Causes []error
}

func (e *PartialFailureError) Error() string {
	msg := fmt.Sprintf("partial failure in model %s (chain %s): %d worker(s) failed",
		e.Model, strings.Join(e.Chain, "/"), len(e.Causes))
	if len(e.Causes) > 0 {
		msg += ": " + e.Causes[0].Error()
	}
	return msg
}

// Unwrap exposes the first worker failure for errors.Is chains.
func (e *PartialFailureError) Unwrap() error {
	if len(e.Causes) == 0 {
		return nil
	}
	return e.Causes[0]
}
