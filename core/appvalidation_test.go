package core

import (
	"context"
	"errors"
	"testing"
)

func TestAppValidatorNilCallbackAcceptsEverything(t *testing.T) {
	v := NewAppValidator(newFakeDeps(), nil)
	entry := AppEntry{Payload: []byte("x"), Visibility: Public}
	h := HeaderCreate{EntryType: "post", EntryHash: HashEntry(entry), Visibility: Public}
	op := OpStoreElement{opCommon{Sig: SignedHeader{Header: h}, Entry_: entry}}

	status, err := v.Validate(context.Background(), op)
	if err != nil || status != ValidationValid {
		t.Fatalf("expected a nil callback to accept unconditionally, got status=%v err=%v", status, err)
	}
}

func TestAppValidatorTranslatesInvalid(t *testing.T) {
	cb := func(ctx context.Context, op DhtOp, deps DepResolver) error {
		return &Invalid{Reason: "rule violated"}
	}
	v := NewAppValidator(newFakeDeps(), cb)
	status, err := v.Validate(context.Background(), OpStoreElement{})
	if status != ValidationRejected {
		t.Fatalf("status = %v, want Rejected", status)
	}
	if _, ok := err.(*Invalid); !ok {
		t.Fatalf("expected *Invalid to pass through unwrapped, got %T", err)
	}
}

func TestAppValidatorTranslatesAwaitingDeps(t *testing.T) {
	dep := ComputeHash(HashTypeHeader, []byte("dep"))
	cb := func(ctx context.Context, op DhtOp, deps DepResolver) error {
		return &AwaitingDeps{Hashes: []Hash{dep}}
	}
	v := NewAppValidator(newFakeDeps(), cb)
	status, err := v.Validate(context.Background(), OpStoreElement{})
	if status != ValidationPending {
		t.Fatalf("status = %v, want Pending", status)
	}
	if _, ok := err.(*AwaitingDeps); !ok {
		t.Fatalf("expected *AwaitingDeps to pass through unwrapped, got %T", err)
	}
}

func TestAppValidatorWrapsArbitraryError(t *testing.T) {
	cb := func(ctx context.Context, op DhtOp, deps DepResolver) error {
		return errors.New("zome panicked")
	}
	v := NewAppValidator(newFakeDeps(), cb)
	status, err := v.Validate(context.Background(), OpStoreElement{})
	if status != ValidationRejected {
		t.Fatalf("status = %v, want Rejected", status)
	}
	inv, ok := err.(*Invalid)
	if !ok {
		t.Fatalf("expected an arbitrary callback error to be wrapped as *Invalid, got %T", err)
	}
	if inv.Reason != "zome panicked" {
		t.Fatalf("unexpected wrapped reason: %s", inv.Reason)
	}
}
