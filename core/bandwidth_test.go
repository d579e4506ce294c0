package core

import (
	"context"
	"testing"
	"time"
)

func TestBandwidthThrottleAwaitWithinBurst(t *testing.T) {
	b := NewBandwidthThrottle(10, 10, 1000)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.Await(ctx, DirectionOutbound, 100); err != nil {
		t.Fatalf("expected a small request within burst to succeed: %v", err)
	}
}

func TestBandwidthThrottleAwaitExceedsBurstLetsThrough(t *testing.T) {
	b := NewBandwidthThrottle(1, 1, 100) // burst = 200
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := b.Await(ctx, DirectionOutbound, 100000); err != nil {
		t.Fatalf("a request exceeding burst capacity must be let through unthrottled, got: %v", err)
	}
}

func TestBandwidthThrottleDirectionsIndependent(t *testing.T) {
	b := NewBandwidthThrottle(1, 100, 1000) // burst 2000 each
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, ok := b.Reserve(DirectionOutbound, 1500); !ok {
		t.Fatalf("expected outbound reservation to succeed within its own burst")
	}
	// Draining the outbound bucket should not affect inbound's independent budget.
	if wait, ok := b.Reserve(DirectionInbound, 1500); !ok || wait > 0 {
		t.Fatalf("inbound bucket should be unaffected by outbound consumption, got wait=%v ok=%v", wait, ok)
	}
	_ = ctx
}

func TestGossipDirectionString(t *testing.T) {
	if DirectionInbound.String() != "inbound" {
		t.Fatalf("unexpected inbound string")
	}
	if DirectionOutbound.String() != "outbound" {
		t.Fatalf("unexpected outbound string")
	}
}
