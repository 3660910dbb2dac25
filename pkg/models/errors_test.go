package models

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestNewError(t *testing.T) {
	err := NewError(ErrNotFound, "section not found")

	if err.Code != ErrNotFound {
		t.Errorf("Code mismatch: got %s, want %s", err.Code, ErrNotFound)
	}
	if err.Message != "section not found" {
		t.Errorf("Message mismatch: got %s", err.Message)
	}
	if err.Cause != nil {
		t.Error("Cause should be nil")
	}
	if err.Details != nil {
		t.Error("Details should be nil")
	}
}

func TestCcsError_Error(t *testing.T) {
	err := NewError(ErrNotFound, "section not found")

	errStr := err.Error()
	if !strings.Contains(errStr, string(ErrNotFound)) {
		t.Errorf("Error string should contain code: %s", errStr)
	}
	if !strings.Contains(errStr, "section not found") {
		t.Errorf("Error string should contain message: %s", errStr)
	}
}

func TestCcsError_ErrorWithCause(t *testing.T) {
	cause := errors.New("underlying error")
	err := NewError(ErrParse, "bad document").WithCause(cause)

	if !strings.Contains(err.Error(), "underlying error") {
		t.Errorf("Error string should contain cause: %s", err.Error())
	}
}

func TestCcsError_On(t *testing.T) {
	err := NewError(ErrLockTimeout, "timed out").On("profile", "switch")

	if err.Details["resource"] != "profile" {
		t.Error("Details should contain resource")
	}
	if err.Details["operation"] != "switch" {
		t.Error("Details should contain operation")
	}
}

func TestCcsError_Unwrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := Wrap(ErrParse, "bad document", cause)

	if err.Unwrap() != cause {
		t.Error("Unwrap should return cause")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find cause")
	}
}

func TestErrorsIs_MatchesCode(t *testing.T) {
	err := fmt.Errorf("switch: %w", NewError(ErrDisabled, "section b is disabled"))

	if !errors.Is(err, NewError(ErrDisabled, "")) {
		t.Error("errors.Is should match on code")
	}
	if errors.Is(err, NewError(ErrNotFound, "")) {
		t.Error("errors.Is should not match a different code")
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(errors.New("plain")); got != ErrInternal {
		t.Errorf("plain error should map to E_INTERNAL, got %s", got)
	}
	wrapped := fmt.Errorf("ctx: %w", NewError(ErrInUse, "in use"))
	if got := CodeOf(wrapped); got != ErrInUse {
		t.Errorf("wrapped code mismatch: got %s", got)
	}
	if IsCode(nil, ErrInUse) {
		t.Error("nil error should match no code")
	}
}

func TestExitCode_Distinct(t *testing.T) {
	codes := []ErrorCode{
		ErrNotFound,
		ErrDuplicateName,
		ErrInUse,
		ErrDisabled,
		ErrParse,
		ErrLockTimeout,
		ErrMigrationConflict,
		ErrWriteVerificationFailed,
		ErrValidation,
	}

	seen := make(map[int]ErrorCode)
	for _, code := range codes {
		exit := ExitCode(NewError(code, "x"))
		if exit <= 1 {
			t.Errorf("%s should map to a specific exit code, got %d", code, exit)
		}
		if prev, ok := seen[exit]; ok {
			t.Errorf("%s and %s share exit code %d", code, prev, exit)
		}
		seen[exit] = code
	}

	if ExitCode(nil) != 0 {
		t.Error("nil error should exit 0")
	}
	if ExitCode(errors.New("boom")) != 1 {
		t.Error("unknown error should exit 1")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := map[ErrorCode]int{
		ErrNotFound:      http.StatusNotFound,
		ErrDuplicateName: http.StatusConflict,
		ErrValidation:    http.StatusBadRequest,
		ErrLockTimeout:   http.StatusServiceUnavailable,
		ErrInternal:      http.StatusInternalServerError,
	}
	for code, want := range tests {
		if got := HTTPStatus(NewError(code, "x")); got != want {
			t.Errorf("%s: got %d, want %d", code, got, want)
		}
	}
}
