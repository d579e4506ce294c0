package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errConnectionRefused = errors.New("connection refused")

type fakePeerBook struct {
	candidates []AgentInfo
	infos      []AgentInfo
	metrics    []GossipMetric
}

func (b *fakePeerBook) CandidatesForArc(arc DhtArc, exclude AgentPubKey) []AgentInfo {
	return b.candidates
}
func (b *fakePeerBook) AllAgentInfo() []AgentInfo { return b.infos }
func (b *fakePeerBook) RecordMetric(m GossipMetric) {
	b.metrics = append(b.metrics, m)
}

// fakeGossipTransport plays the role of the remote peer's responder side
// (the logic cell.go wires to OnGossipInitiate/OnGossipRegions/...), driven
// directly against a DhtStore rather than over the wire.
type fakeGossipTransport struct {
	mu              sync.Mutex
	serverArc       DhtArc
	serverDht       *DhtStore
	sessions        map[string]*RegionSet
	receivedBatches [][]DhtOp
}

func newFakeGossipTransport(arc DhtArc, dht *DhtStore) *fakeGossipTransport {
	return &fakeGossipTransport{serverArc: arc, serverDht: dht, sessions: make(map[string]*RegionSet)}
}

func (f *fakeGossipTransport) SendInitiate(ctx context.Context, peer AgentPubKey, msg GossipInitiate) (*GossipAccept, error) {
	overlap := overlapOf(f.serverArc, msg.ArcSet)
	regions := NewRegionSet(DefaultRecentRegionSize, overlap, f.serverDht.AllLight())
	f.mu.Lock()
	f.sessions[msg.SessionID] = regions
	f.mu.Unlock()
	return &GossipAccept{SessionID: msg.SessionID, ArcSet: DhtArcSet{f.serverArc}}, nil
}

func (f *fakeGossipTransport) SendRegionFingerprints(ctx context.Context, peer AgentPubKey, msg GossipRegionFingerprints) (*GossipRegionFingerprints, error) {
	f.mu.Lock()
	regions := f.sessions[msg.SessionID]
	f.mu.Unlock()
	fps := make(map[RegionCoord]RegionFingerprint, len(regions.Coords()))
	for _, c := range regions.Coords() {
		fps[c] = regions.Fingerprint(c)
	}
	return &GossipRegionFingerprints{SessionID: msg.SessionID, Fingerprints: fps}, nil
}

func (f *fakeGossipTransport) SendOpBloom(ctx context.Context, peer AgentPubKey, msg GossipOpBloom) ([]DhtOp, error) {
	f.mu.Lock()
	regions := f.sessions[msg.SessionID]
	f.mu.Unlock()
	var candidates []*IntegratedOp
	for _, light := range regions.OpsIn(msg.Coord) {
		if rec, ok := f.serverDht.Lookup(light.OpHash); ok {
			candidates = append(candidates, rec)
		}
	}
	return missingFromBloom(candidates, msg.Bloom)
}

func (f *fakeGossipTransport) SendOpBatch(ctx context.Context, peer AgentPubKey, msg GossipOpBatch) error {
	f.mu.Lock()
	f.receivedBatches = append(f.receivedBatches, msg.Ops)
	f.mu.Unlock()
	for _, op := range msg.Ops {
		f.serverDht.Stage(op)
	}
	return nil
}

func TestGossipEngineRunRoundPullsMissingOpsFromPeer(t *testing.T) {
	serverDht := NewDhtStore()
	op, _ := integratedStoreElement(t, serverDht, 1, ValidationValid)
	transport := newFakeGossipTransport(FullArc(0), serverDht)

	clientDht := NewDhtStore()
	serverAgent := ComputeHash(HashTypeAgent, append(make([]byte, DigestLength-1), 1))
	peerBook := &fakePeerBook{candidates: []AgentInfo{{Agent: serverAgent, Arc: FullArc(0)}}}

	engine := NewGossipEngine(
		ComputeHash(HashTypeAgent, make([]byte, DigestLength)),
		FullArc(0),
		peerBook,
		clientDht,
		transport,
		GossipEngineConfig{
			Space:                 "test",
			RecentBandwidthMbps:   1000,
			HistoricalBandwidthMbps: 1000,
			MaxMessageBytes:       1 << 20,
			RecentRegionSize:      DefaultRecentRegionSize,
			HistoricalRegionSize:  DefaultRecentRegionSize,
			StageTimeout:          time.Second,
			MaxRecentSessions:     1,
			MaxHistoricalSessions: 1,
		},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := engine.RunRound(ctx, LoopRecent); err != nil {
		t.Fatalf("RunRound: %v", err)
	}

	if !clientDht.Has(opKey(op)) {
		t.Fatalf("expected the op the server held and the client lacked to be pulled into the client's store")
	}
	if len(peerBook.metrics) != 1 || peerBook.metrics[0].Kind != MetricQuickGossip {
		t.Fatalf("expected a MetricQuickGossip recorded on success, got %+v", peerBook.metrics)
	}
}

func TestGossipEngineRunRoundNoPeersReturnsErrNoPeers(t *testing.T) {
	engine := NewGossipEngine(
		ComputeHash(HashTypeAgent, make([]byte, DigestLength)),
		FullArc(0),
		&fakePeerBook{},
		NewDhtStore(),
		nil,
		GossipEngineConfig{MaxRecentSessions: 1, MaxHistoricalSessions: 1},
	)
	if err := engine.RunRound(context.Background(), LoopRecent); err != ErrNoPeers {
		t.Fatalf("expected ErrNoPeers with no candidates, got %v", err)
	}
}

func TestGossipEngineRunRoundRecordsConnectErrorOnFailure(t *testing.T) {
	serverAgent := ComputeHash(HashTypeAgent, append(make([]byte, DigestLength-1), 1))
	peerBook := &fakePeerBook{candidates: []AgentInfo{{Agent: serverAgent, Arc: FullArc(0)}}}
	// Exercise the failure path with a transport that errors on SendInitiate.
	engine := NewGossipEngine(
		ComputeHash(HashTypeAgent, make([]byte, DigestLength)),
		FullArc(0),
		peerBook,
		NewDhtStore(),
		erroringGossipTransport{},
		GossipEngineConfig{MaxRecentSessions: 1, MaxHistoricalSessions: 1},
	)
	if err := engine.RunRound(context.Background(), LoopRecent); err == nil {
		t.Fatalf("expected the transport error to propagate")
	}
	if len(peerBook.metrics) != 1 || peerBook.metrics[0].Kind != MetricConnectError {
		t.Fatalf("expected a MetricConnectError recorded on failure, got %+v", peerBook.metrics)
	}
}

type erroringGossipTransport struct{}

func (erroringGossipTransport) SendInitiate(ctx context.Context, peer AgentPubKey, msg GossipInitiate) (*GossipAccept, error) {
	return nil, errConnectionRefused
}
func (erroringGossipTransport) SendRegionFingerprints(ctx context.Context, peer AgentPubKey, msg GossipRegionFingerprints) (*GossipRegionFingerprints, error) {
	return nil, errConnectionRefused
}
func (erroringGossipTransport) SendOpBloom(ctx context.Context, peer AgentPubKey, msg GossipOpBloom) ([]DhtOp, error) {
	return nil, errConnectionRefused
}
func (erroringGossipTransport) SendOpBatch(ctx context.Context, peer AgentPubKey, msg GossipOpBatch) error {
	return errConnectionRefused
}

func TestGossipEngineAdmitSessionLimitsConcurrency(t *testing.T) {
	engine := NewGossipEngine(
		ComputeHash(HashTypeAgent, make([]byte, DigestLength)),
		FullArc(0),
		&fakePeerBook{},
		NewDhtStore(),
		nil,
		GossipEngineConfig{MaxRecentSessions: 1, MaxHistoricalSessions: 1},
	)
	if !engine.admitSession(LoopRecent) {
		t.Fatalf("expected a free session slot to admit")
	}
	engine.activeSessions["occupied"] = &GossipSession{Loop: LoopRecent}
	if engine.admitSession(LoopRecent) {
		t.Fatalf("expected the recent loop's single slot to be exhausted")
	}
	if !engine.admitSession(LoopHistorical) {
		t.Fatalf("expected the historical loop's slot to be independent of the recent loop's")
	}
}

func TestGossipRoundStateString(t *testing.T) {
	cases := map[GossipRoundState]string{
		RoundIdle:             "Idle",
		RoundInitiated:        "Initiated",
		RoundAgentsExchanged:  "AgentsExchanged",
		RoundRegionsExchanged: "RegionsExchanged",
		RoundOpsStreaming:     "OpsStreaming",
		RoundDone:             "Done",
		RoundErrored:          "Errored",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("%v.String() = %q, want %q", int(state), got, want)
		}
	}
}

func TestGossipRoundStateTerminal(t *testing.T) {
	if RoundOpsStreaming.Terminal() {
		t.Fatalf("OpsStreaming must not be terminal")
	}
	if !RoundDone.Terminal() || !RoundErrored.Terminal() {
		t.Fatalf("Done and Errored must both be terminal")
	}
}

func TestOverlapOfClampsToSelfWhenPeerOverlaps(t *testing.T) {
	self := DhtArc{Center: 100, HalfLength: 10}
	got := overlapOf(self, DhtArcSet{{Center: 105, HalfLength: 10}})
	if got != self {
		t.Fatalf("expected overlapOf to return self's own arc, got %+v", got)
	}
}

func TestOverlapOfReturnsEmptyWhenNoPeerArcOverlaps(t *testing.T) {
	self := DhtArc{Center: 100, HalfLength: 10}
	got := overlapOf(self, DhtArcSet{{Center: 1_000_000, HalfLength: 5}})
	if got.Coverage() != 0 {
		t.Fatalf("expected an empty arc when no peer arc overlaps self, got %+v", got)
	}
}

func TestChunkOpsSplitsIntoFixedSizeBatches(t *testing.T) {
	ops := make([]DhtOp, 5)
	for i := range ops {
		ops[i] = storeElementOp(uint32(i + 1))
	}
	chunks := chunkOps(ops, 2)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks of size 2,2,1, got %d", len(chunks))
	}
	if len(chunks[0]) != 2 || len(chunks[1]) != 2 || len(chunks[2]) != 1 {
		t.Fatalf("unexpected chunk sizes: %v", []int{len(chunks[0]), len(chunks[1]), len(chunks[2])})
	}
}

func TestMissingFromBloomFiltersKnownOps(t *testing.T) {
	dht := NewDhtStore()
	known, _ := integratedStoreElement(t, dht, 1, ValidationValid)
	unknown, _ := integratedStoreElement(t, dht, 2, ValidationValid)

	knownLight := Light(known)
	peerBloom := buildOpBloom([]DhtOpLight{knownLight})

	knownRec, _ := dht.Lookup(opKey(known))
	unknownRec, _ := dht.Lookup(opKey(unknown))

	missing, err := missingFromBloom([]*IntegratedOp{knownRec, unknownRec}, peerBloom)
	if err != nil {
		t.Fatalf("missingFromBloom: %v", err)
	}
	if len(missing) != 1 {
		t.Fatalf("expected exactly the op absent from the peer's bloom to be reported missing, got %d", len(missing))
	}
}

func TestGossipLoopString(t *testing.T) {
	if LoopRecent.String() != "recent" {
		t.Fatalf("unexpected LoopRecent string")
	}
	if LoopHistorical.String() != "historical" {
		t.Fatalf("unexpected LoopHistorical string")
	}
}
