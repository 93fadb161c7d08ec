// Package dberr defines the error taxonomy shared by routing, execution and storage.
package dberr

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nimburion/docroute/pkg/document"
)

// NotFoundError reports an absent point-lookup target or an empty partition map.
// For point lookups the engine turns it into an empty page; it is never fatal.
type NotFoundError struct {
	ID           string
	PartitionKey string
	Resource     string
}

func (e *NotFoundError) Error() string {
	if e.Resource != "" && e.ID == "" {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("document %q not found in partition key %q", e.ID, e.PartitionKey)
}

// ConflictError rejects a create whose id already exists in its logical partition.
type ConflictError struct {
	ID           string
	PartitionKey string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("document %q already exists in partition key %q", e.ID, e.PartitionKey)
}

// PartitionUnavailableError is a transient, per-partition failure. Round trips
// failing with it are retried with backoff.
type PartitionUnavailableError struct {
	Partition string
	Attempts  int
	Err       error
}

func (e *PartitionUnavailableError) Error() string {
	msg := fmt.Sprintf("partition %s unavailable", e.Partition)
	if e.Attempts > 0 {
		msg = fmt.Sprintf("%s after %d attempts", msg, e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PartitionUnavailableError) Unwrap() error {
	return e.Err
}

// Unavailable wraps err as a PartitionUnavailableError for the given partition.
func Unavailable(partition string, err error) *PartitionUnavailableError {
	return &PartitionUnavailableError{Partition: partition, Err: err}
}

// InvalidPredicateError rejects a malformed predicate before any round trip.
type InvalidPredicateError struct {
	Field  string
	Reason string
}

func (e *InvalidPredicateError) Error() string {
	if e.Field == "" {
		return "invalid predicate: " + e.Reason
	}
	return fmt.Sprintf("invalid predicate: %s: %s", e.Field, e.Reason)
}

// InvalidPredicate builds an InvalidPredicateError.
func InvalidPredicate(field, reason string) *InvalidPredicateError {
	return &InvalidPredicateError{Field: field, Reason: reason}
}

// ConfigurationError rejects an invalid combination of settings at call setup.
type ConfigurationError struct {
	Setting string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Setting, e.Reason)
}

// InvalidConfiguration builds a ConfigurationError.
func InvalidConfiguration(setting, reason string) *ConfigurationError {
	return &ConfigurationError{Setting: setting, Reason: reason}
}

// PartialResultsError is returned at the end of a fan-out when some partitions
// stayed unreachable after retries. Documents holds everything delivered by the
// sequence so far; Continuation resumes only the work that was not covered.
type PartialResultsError struct {
	Unavailable  []string
	Documents    []document.Document
	Cost         float64
	Continuation string
	Causes       map[string]error
}

func (e *PartialResultsError) Error() string {
	ids := append([]string(nil), e.Unavailable...)
	sort.Strings(ids)
	return fmt.Sprintf("partial results: %d documents returned, partitions unavailable: [%s]",
		len(e.Documents), strings.Join(ids, ", "))
}

// Unwrap exposes the per-partition causes.
func (e *PartialResultsError) Unwrap() []error {
	out := make([]error, 0, len(e.Causes))
	for _, id := range e.Unavailable {
		if err, ok := e.Causes[id]; ok && err != nil {
			out = append(out, err)
		}
	}
	return out
}

// IsNotFound reports whether err is, or wraps, a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsConflict reports whether err is, or wraps, a ConflictError.
func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

// IsUnavailable reports whether err is, or wraps, a PartitionUnavailableError.
func IsUnavailable(err error) bool {
	var target *PartitionUnavailableError
	return errors.As(err, &target)
}

// IsPartial reports whether err is, or wraps, a PartialResultsError.
func IsPartial(err error) bool {
	var target *PartialResultsError
	return errors.As(err, &target)
}

// IsInvalidPredicate reports whether err is, or wraps, an InvalidPredicateError.
func IsInvalidPredicate(err error) bool {
	var target *InvalidPredicateError
	return errors.As(err, &target)
}

// IsConfiguration reports whether err is, or wraps, a ConfigurationError.
func IsConfiguration(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}
