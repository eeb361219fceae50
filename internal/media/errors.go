// SPDX-License-Identifier: MIT

package media

import (
	"errors"
	"fmt"
)

// ErrorClass partitions pipeline failures by how the dispatcher reacts.
type ErrorClass string

const (
	ClassTransient       ErrorClass = "transient"
	ClassContentRejected ErrorClass = "content_rejected"
	ClassNotAvailableYet ErrorClass = "not_available_yet"
	ClassPermanent       ErrorClass = "permanent"
	ClassConfig          ErrorClass = "config"
	ClassInternal        ErrorClass = "internal"
)

// Store-level sentinel errors.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// PipelineError carries the failure class plus, for content rejections, the
// blacklist reason for the offending stream.
type PipelineError struct {
	Class  ErrorClass
	Reason BlacklistReason
	Err    error
}

func (e *PipelineError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s): %v", e.Class, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	return &PipelineError{Class: ClassTransient, Err: err}
}

// ContentRejected wraps err as a logical stream/item mismatch.
func ContentRejected(reason BlacklistReason, err error) error {
	return &PipelineError{Class: ClassContentRejected, Reason: reason, Err: err}
}

// NotAvailableYet wraps err as an uncached-debrid failure.
func NotAvailableYet(err error) error {
	return &PipelineError{Class: ClassNotAvailableYet, Reason: ReasonNotCached, Err: err}
}

// Permanent wraps err as unrecoverable for autonomous scheduling.
func Permanent(err error) error {
	return &PipelineError{Class: ClassPermanent, Err: err}
}

// ConfigError wraps err as a service credential/config failure.
func ConfigError(err error) error {
	return &PipelineError{Class: ClassConfig, Err: err}
}

// Internal wraps err as a programmer error / invariant violation.
func Internal(err error) error {
	return &PipelineError{Class: ClassInternal, Err: err}
}

// ClassOf extracts the error class; unclassified errors count as transient so
// unknown failures stay retryable rather than poisoning items.
func ClassOf(err error) ErrorClass {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ClassTransient
}

// ReasonOf extracts the blacklist reason from a content rejection, if any.
func ReasonOf(err error) BlacklistReason {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return ""
}
