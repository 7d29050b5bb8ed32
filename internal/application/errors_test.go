package application

import (
	"strings"
	"testing"
	"time"

	"github.com/example/labreserve/internal/scheduler"
)

func TestValidationError_Error(t *testing.T) {
	t.Parallel()

	var err *ValidationError
	if err.Error() != "" {
		t.Fatalf("expected empty string for nil error, got %q", err.Error())
	}

	empty := &ValidationError{}
	if got := empty.Error(); got != "validation failed" {
		t.Fatalf("expected generic message for empty error, got %q", got)
	}

	withFields := &ValidationError{FieldErrors: map[string]string{"purpose": "required", "date": "invalid"}}
	if got := withFields.Error(); got != "validation failed: date, purpose" {
		t.Fatalf("expected sorted field list, got %q", got)
	}
}

func TestValidationError_HasErrors(t *testing.T) {
	t.Parallel()

	if (&ValidationError{}).HasErrors() {
		t.Fatalf("expected HasErrors to report false for empty error")
	}
	if !(&ValidationError{FieldErrors: map[string]string{"field": "bad"}}).HasErrors() {
		t.Fatalf("expected HasErrors to report true when fields are present")
	}
}

func TestValidationError_AddMergeAndPrefix(t *testing.T) {
	t.Parallel()

	base := &ValidationError{}
	base.add("first", "value")
	base.merge(&ValidationError{FieldErrors: map[string]string{"second": "another"}})
	base.merge(nil)
	if len(base.FieldErrors) != 2 {
		t.Fatalf("expected two fields, got %v", base.FieldErrors)
	}

	scoped := prefixed("users[1]", base)
	if scoped.FieldErrors["users[1].first"] != "value" || scoped.FieldErrors["users[1].second"] != "another" {
		t.Fatalf("expected prefixed fields, got %v", scoped.FieldErrors)
	}
	if prefixed("users[0]", &ValidationError{}) != nil {
		t.Fatalf("expected nil for an empty error")
	}
}

func TestConflictErrorDoesNotNameHolder(t *testing.T) {
	t.Parallel()

	err := &ConflictError{
		LabID:   "lab-a",
		LabName: "Robotics Lab",
		Date:    time.Date(2024, time.January, 3, 0, 0, 0, 0, time.UTC),
		With:    scheduler.Busy{Type: scheduler.ConflictTypeReservation, Start: 600, End: 660},
	}
	got := err.Error()
	if got != "Robotics Lab is not available on 2024-01-03 between 10:00 and 11:00" {
		t.Fatalf("unexpected message %q", got)
	}

	err.LabName = ""
	if !strings.HasPrefix(err.Error(), "lab-a ") {
		t.Fatalf("expected lab id fallback, got %q", err.Error())
	}
}
