package core

import (
	"context"
	"testing"
	"time"
)

func testCellConfig() CellConfig {
	return CellConfig{
		Space:                "test-space",
		Dna:                  ComputeHash(HashTypeDna, []byte("dna")),
		ChainOrdering:        Strict,
		Arc:                  FullArc(0),
		CacheTTL:             time.Minute,
		ValidationBaseDelay:  time.Millisecond,
		ValidationCapDelay:   5 * time.Millisecond,
		ValidationMaxRetries: 2,
		PeerConnectErrorTTL:  time.Minute,
		Gossip: GossipEngineConfig{
			RecentRegionSize:     DefaultRecentRegionSize,
			HistoricalRegionSize: DefaultHistoricalRegionSize,
		},
	}
}

func TestJoinCellRunsGenesisOnce(t *testing.T) {
	ks := NewInMemoryKeystore()
	c, err := JoinCell(context.Background(), testCellConfig(), ks, nil, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("JoinCell: %v", err)
	}
	defer c.Shutdown(context.Background())

	_, length := c.Authored().Head()
	if length != 4 {
		t.Fatalf("expected 4 genesis records (Dna, AgentValidationPkg, agent entry, InitZomesComplete), got %d", length)
	}
}

func TestJoinCellAccessorsExposeCollaborators(t *testing.T) {
	ks := NewInMemoryKeystore()
	c, err := JoinCell(context.Background(), testCellConfig(), ks, nil, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("JoinCell: %v", err)
	}
	defer c.Shutdown(context.Background())

	if c.Agent().IsZero() {
		t.Fatalf("expected a non-zero agent key")
	}
	if c.Authored() == nil || c.Dht() == nil || c.Peers() == nil || c.Cascade() == nil {
		t.Fatalf("expected every collaborator accessor to return a non-nil value")
	}
	if c.Signals() == nil {
		t.Fatalf("expected a non-nil signal channel")
	}
}

func TestCallZomeWithoutModuleReturnsError(t *testing.T) {
	ks := NewInMemoryKeystore()
	c, err := JoinCell(context.Background(), testCellConfig(), ks, nil, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("JoinCell: %v", err)
	}
	defer c.Shutdown(context.Background())

	if _, err := c.CallZome(context.Background(), "myzome", "my_fn", nil); err == nil {
		t.Fatalf("expected an error calling into a cell with no zome module loaded")
	}
}

func TestShutdownClosesSignalsAndRejectsFurtherCalls(t *testing.T) {
	ks := NewInMemoryKeystore()
	c, err := JoinCell(context.Background(), testCellConfig(), ks, nil, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("JoinCell: %v", err)
	}

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	// Idempotent: a second Shutdown must not hang or error.
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}

	if _, ok := <-c.Signals(); ok {
		t.Fatalf("expected the signal channel to be closed after shutdown")
	}
	if _, err := c.CallZome(context.Background(), "myzome", "my_fn", nil); err != ErrShutdown {
		t.Fatalf("expected ErrShutdown after shutdown, got %v", err)
	}
}

func TestHandlePublishOpsStagesIntoDht(t *testing.T) {
	ks := NewInMemoryKeystore()
	c, err := JoinCell(context.Background(), testCellConfig(), ks, nil, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("JoinCell: %v", err)
	}
	defer c.Shutdown(context.Background())

	op := storeElementOp(1)
	if ok := c.handlePublishOps(context.Background(), []DhtOp{op}); !ok {
		t.Fatalf("expected handlePublishOps to report success")
	}
	if !c.Dht().Has(opKey(op)) {
		t.Fatalf("expected the published op to be staged in the dht store")
	}
}

func TestHandleGossipRoundTripBuildsServerSession(t *testing.T) {
	ks := NewInMemoryKeystore()
	c, err := JoinCell(context.Background(), testCellConfig(), ks, nil, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("JoinCell: %v", err)
	}
	defer c.Shutdown(context.Background())

	op := storeElementOp(1)
	c.Dht().Stage(op)

	accept, err := c.handleGossipInitiate(context.Background(), GossipInitiate{
		SessionID: "sess-1",
		Loop:      LoopRecent,
		ArcSet:    DhtArcSet{FullArc(0)},
	})
	if err != nil {
		t.Fatalf("handleGossipInitiate: %v", err)
	}
	if accept.SessionID != "sess-1" {
		t.Fatalf("expected the accept to echo the session id")
	}

	fps, err := c.handleGossipRegions(context.Background(), GossipRegionFingerprints{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("handleGossipRegions: %v", err)
	}
	if len(fps.Fingerprints) == 0 {
		t.Fatalf("expected at least one region fingerprint once an op is staged")
	}

	if _, err := c.handleGossipRegions(context.Background(), GossipRegionFingerprints{SessionID: "no-such-session"}); err == nil {
		t.Fatalf("expected an error for an unknown gossip session")
	}
}
