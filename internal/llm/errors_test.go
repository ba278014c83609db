package llm

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodedErrorMessage(t *testing.T) {
	err := Coded(CodeAPIKeyRequired, "no key for user %s", "alice")
	want := "API_KEY_REQUIRED: no key for user alice"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestCodedWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := CodedWrap(CodeAllServicesFailed, cause, "everything failed")

	if !errors.Is(err, cause) {
		t.Fatal("wrapped cause lost from the chain")
	}
	if CodeOf(err) != CodeAllServicesFailed {
		t.Fatalf("CodeOf = %s, want ALL_SERVICES_FAILED", CodeOf(err))
	}
}

func TestCodeOfThroughWrapping(t *testing.T) {
	inner := Coded(CodeSafetyBlocked, "blocked")
	outer := fmt.Errorf("call failed: %w", inner)

	if CodeOf(outer) != CodeSafetyBlocked {
		t.Fatalf("CodeOf = %s, want SAFETY_BLOCKED", CodeOf(outer))
	}
	if !IsCode(outer, CodeSafetyBlocked) {
		t.Fatal("IsCode should see through fmt.Errorf wrapping")
	}
}

func TestCodeOfUncodedDefaultsToPipelineCritical(t *testing.T) {
	if got := CodeOf(errors.New("boom")); got != CodePipelineCritical {
		t.Fatalf("CodeOf = %s, want PIPELINE_CRITICAL", got)
	}
}
