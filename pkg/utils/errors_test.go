package utils

import (
	"errors"
	"testing"
)

func TestWrapNilReturnsNil(t *testing.T) {
	if err := Wrap(nil, "load config"); err != nil {
		t.Fatalf("expected Wrap(nil, ...) to return nil, got %v", err)
	}
}

func TestWrapPrependsMessageAndPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(cause, "load config")
	if err == nil {
		t.Fatalf("expected a non-nil wrapped error")
	}
	if err.Error() != "load config: disk full" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find the wrapped cause")
	}
}
