package core

import (
	"errors"
	"testing"
)

func TestHeadMovedErrorMessage(t *testing.T) {
	e := &HeadMoved{Expected: ComputeHash(HashTypeHeader, []byte("a")), Observed: ComputeHash(HashTypeHeader, []byte("b"))}
	if e.Error() == "" {
		t.Fatalf("expected a non-empty error message")
	}
}

func TestWorkflowRunErrorUnwraps(t *testing.T) {
	cause := errors.New("boom")
	wrapped := &WorkflowRunError{Workflow: "publish", Cause: cause}
	if !errors.Is(wrapped, cause) {
		t.Fatalf("WorkflowRunError must unwrap to its cause for errors.Is")
	}
}

func TestInvalidAsRecoverable(t *testing.T) {
	var err error = &Invalid{Reason: "bad signature"}
	var inv *Invalid
	if !errors.As(err, &inv) {
		t.Fatalf("expected errors.As to recover *Invalid")
	}
	if inv.Reason != "bad signature" {
		t.Fatalf("unexpected reason: %s", inv.Reason)
	}
}

func TestAwaitingDepsAsRecoverable(t *testing.T) {
	dep := ComputeHash(HashTypeHeader, []byte("dep"))
	var err error = &AwaitingDeps{Hashes: []Hash{dep}}
	var ad *AwaitingDeps
	if !errors.As(err, &ad) {
		t.Fatalf("expected errors.As to recover *AwaitingDeps")
	}
	if len(ad.Hashes) != 1 || !ad.Hashes[0].Equal(dep) {
		t.Fatalf("unexpected hashes: %v", ad.Hashes)
	}
}

func TestSentinelErrorsAreDistinct(t *testing.T) {
	if errors.Is(ErrNotFound, ErrTimeout) {
		t.Fatalf("distinct sentinels must not satisfy errors.Is against each other")
	}
}
