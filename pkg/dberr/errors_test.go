package dberr

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/nimburion/docroute/pkg/document"
)

func TestHelpersSeeThroughWrapping(t *testing.T) {
	cause := errors.New("connection reset")
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"not found", &NotFoundError{ID: "1", PartitionKey: "Sweets"}, IsNotFound},
		{"conflict", &ConflictError{ID: "1", PartitionKey: "Sweets"}, IsConflict},
		{"unavailable", Unavailable("3", cause), IsUnavailable},
		{"partial", &PartialResultsError{Unavailable: []string{"1"}}, IsPartial},
		{"predicate", InvalidPredicate("id", "must not be empty"), IsInvalidPredicate},
		{"configuration", InvalidConfiguration("max_item_count", "must be positive"), IsConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("execute: %w", tt.err)
			if !tt.check(wrapped) {
				t.Fatalf("helper did not match wrapped %T", tt.err)
			}
			if tt.check(cause) {
				t.Fatal("helper matched an unrelated error")
			}
		})
	}
}

func TestPartitionUnavailable_Unwrap(t *testing.T) {
	cause := errors.New("throttled")
	err := &PartitionUnavailableError{Partition: "2", Attempts: 3, Err: cause}
	if !errors.Is(err, cause) {
		t.Fatal("expected cause to be reachable")
	}
	if !strings.Contains(err.Error(), "after 3 attempts") {
		t.Fatalf("unexpected message: %s", err)
	}
}

func TestPartialResults_ListsPartitionsAndCauses(t *testing.T) {
	c1, c2 := Unavailable("4", errors.New("a")), Unavailable("1", errors.New("b"))
	err := &PartialResultsError{
		Unavailable: []string{"4", "1"},
		Documents:   []document.Document{{ID: "x"}},
		Causes:      map[string]error{"4": c1, "1": c2},
	}
	if !strings.Contains(err.Error(), "[1, 4]") || !strings.Contains(err.Error(), "1 documents") {
		t.Fatalf("unexpected message: %s", err)
	}
	if !errors.Is(err, c1) || !errors.Is(err, c2) {
		t.Fatal("expected every cause to be reachable")
	}
	if !IsUnavailable(err) {
		t.Fatal("partial results must expose unavailable causes")
	}
}
