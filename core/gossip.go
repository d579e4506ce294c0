package core

import (
	"context"
	"fmt"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"
)

// GossipLoop distinguishes the two independently-throttled gossip loops of
// §4.8: recent, which exchanges new ops at high bandwidth, and historical,
// which exchanges everything older at a lower budget.
type GossipLoop int

const (
	LoopRecent GossipLoop = iota
	LoopHistorical
)

func (l GossipLoop) String() string {
	if l == LoopHistorical {
		return "historical"
	}
	return "recent"
}

// GossipRoundState is the per-session state machine of §4.9: Idle ->
// Initiated -> AgentsExchanged -> RegionsExchanged -> OpsStreaming ->
// Done|Errored. A session timeout in any non-terminal state transitions to
// Errored and releases the peer slot.
type GossipRoundState int

const (
	RoundIdle GossipRoundState = iota
	RoundInitiated
	RoundAgentsExchanged
	RoundRegionsExchanged
	RoundOpsStreaming
	RoundDone
	RoundErrored
)

func (s GossipRoundState) String() string {
	switch s {
	case RoundInitiated:
		return "Initiated"
	case RoundAgentsExchanged:
		return "AgentsExchanged"
	case RoundRegionsExchanged:
		return "RegionsExchanged"
	case RoundOpsStreaming:
		return "OpsStreaming"
	case RoundDone:
		return "Done"
	case RoundErrored:
		return "Errored"
	default:
		return "Idle"
	}
}

func (s GossipRoundState) Terminal() bool { return s == RoundDone || s == RoundErrored }

// GossipMetricKind names the p2p_metric kinds recorded at session end
// (§4.9/§7.3 supplemented queries).
type GossipMetricKind int

const (
	MetricQuickGossip GossipMetricKind = iota
	MetricSlowGossip
	MetricConnectError
	MetricReachabilityCheck
)

// GossipMetric is one recorded p2p_metric(agent, kind, moment) row.
type GossipMetric struct {
	Agent      AgentPubKey
	Kind       GossipMetricKind
	MomentUnix int64
}

// GossipInitiate is the wire message that opens a round (§4.8 step 1).
type GossipInitiate struct {
	SessionID   string
	Space       string
	Loop        GossipLoop
	ArcSet      DhtArcSet
	AgentsBloom []byte // serialized bloom.BloomFilter over known agents' public keys
}

// GossipAccept is B's response (§4.8 step 2).
type GossipAccept struct {
	SessionID   string
	ArcSet      DhtArcSet
	AgentsBloom []byte
}

// GossipRegionFingerprints carries one side's per-region fingerprints for
// reconciliation (§4.8 step 4).
type GossipRegionFingerprints struct {
	SessionID    string
	Fingerprints map[RegionCoord]RegionFingerprint
}

// GossipOpBloom requests the ops in a mismatched region, carrying the
// sender's bloom filter over the op hashes it already holds there.
type GossipOpBloom struct {
	SessionID string
	Coord     RegionCoord
	Bloom     []byte
}

// GossipOpBatch carries up to gossipOpBatchSize of the missing ops
// themselves (§4.8 step 5).
type GossipOpBatch struct {
	SessionID string
	Ops       []DhtOp
}

// GossipError terminates a session (§4.8 step 6).
type GossipError struct {
	SessionID string
	Reason    string
}

// GossipTransport is the wire collaborator a gossip session sends stage
// messages through; wired to the libp2p stream transport in network.go.
type GossipTransport interface {
	SendInitiate(ctx context.Context, peer AgentPubKey, msg GossipInitiate) (*GossipAccept, error)
	SendRegionFingerprints(ctx context.Context, peer AgentPubKey, msg GossipRegionFingerprints) (*GossipRegionFingerprints, error)
	SendOpBloom(ctx context.Context, peer AgentPubKey, msg GossipOpBloom) ([]DhtOp, error)
	SendOpBatch(ctx context.Context, peer AgentPubKey, msg GossipOpBatch) error
}

// PeerBook is the `p2p` persisted table's read surface the gossip engine
// needs: candidate selection and agent-info enumeration for bloom
// construction.
type PeerBook interface {
	CandidatesForArc(arc DhtArc, exclude AgentPubKey) []AgentInfo
	AllAgentInfo() []AgentInfo
	RecordMetric(m GossipMetric)
}

// GossipSession tracks one in-flight round's state machine and timing.
type GossipSession struct {
	ID        string
	Loop      GossipLoop
	Peer      AgentPubKey
	State     GossipRoundState
	StartedAt time.Time
}

// GossipEngine drives the recent and historical gossip loops: peer
// selection over arcs, the Initiate/Accept/region/op-transfer stages, and
// bandwidth-throttled op streaming (§4.8).
type GossipEngine struct {
	space     string
	self      AgentPubKey
	selfArc   DhtArc
	peerBook  PeerBook
	dht       *DhtStore
	transport GossipTransport

	recentThrottle     *BandwidthThrottle
	historicalThrottle *BandwidthThrottle
	recentSchedule     RegionSize
	historicalSchedule RegionSize

	stageTimeout   time.Duration
	sessionTimeout time.Duration

	maxRecentSessions     int
	maxHistoricalSessions int
	activeSessions        map[string]*GossipSession
}

// GossipEngineConfig collects the tunables NewGossipEngine needs,
// mirroring the config.Gossip section of SPEC_FULL.md's ambient stack.
type GossipEngineConfig struct {
	Space                   string
	RecentBandwidthMbps     float64
	HistoricalBandwidthMbps float64
	MaxMessageBytes         int
	RecentRegionSize        RegionSize
	HistoricalRegionSize    RegionSize
	StageTimeout            time.Duration
	MaxRecentSessions       int
	MaxHistoricalSessions   int
}

// NewGossipEngine constructs a gossip engine for self, storing arc selfArc,
// over dht, exchanging with peers through transport and peerBook.
func NewGossipEngine(self AgentPubKey, selfArc DhtArc, peerBook PeerBook, dht *DhtStore, transport GossipTransport, cfg GossipEngineConfig) *GossipEngine {
	return &GossipEngine{
		space:                 cfg.Space,
		self:                  self,
		selfArc:               selfArc,
		peerBook:              peerBook,
		dht:                   dht,
		transport:             transport,
		recentThrottle:        NewBandwidthThrottle(cfg.RecentBandwidthMbps, cfg.RecentBandwidthMbps, cfg.MaxMessageBytes),
		historicalThrottle:    NewBandwidthThrottle(cfg.HistoricalBandwidthMbps, cfg.HistoricalBandwidthMbps, cfg.MaxMessageBytes),
		recentSchedule:        cfg.RecentRegionSize,
		historicalSchedule:    cfg.HistoricalRegionSize,
		stageTimeout:          cfg.StageTimeout,
		sessionTimeout:        5 * cfg.StageTimeout,
		maxRecentSessions:     cfg.MaxRecentSessions,
		maxHistoricalSessions: cfg.MaxHistoricalSessions,
		activeSessions:        make(map[string]*GossipSession),
	}
}

// RunRound picks a peer whose arc overlaps self's and drives one full
// gossip round against it for the given loop, recording metrics on exit.
func (g *GossipEngine) RunRound(ctx context.Context, loop GossipLoop) error {
	if !g.admitSession(loop) {
		return fmt.Errorf("gossip: no free %s session slot", loop)
	}
	candidates := g.peerBook.CandidatesForArc(g.selfArc, g.self)
	if len(candidates) == 0 {
		return ErrNoPeers
	}
	peer := candidates[0].Agent

	sess := &GossipSession{ID: uuid.NewString(), Loop: loop, Peer: peer, State: RoundIdle, StartedAt: time.Now()}
	g.activeSessions[sess.ID] = sess
	defer delete(g.activeSessions, sess.ID)

	ctx, cancel := context.WithTimeout(ctx, g.sessionTimeout)
	defer cancel()

	err := g.runSession(ctx, sess)
	if err != nil {
		sess.State = RoundErrored
		g.peerBook.RecordMetric(GossipMetric{Agent: peer, Kind: MetricConnectError, MomentUnix: time.Now().Unix()})
		return err
	}
	sess.State = RoundDone
	kind := MetricQuickGossip
	if loop == LoopHistorical {
		kind = MetricSlowGossip
	}
	g.peerBook.RecordMetric(GossipMetric{Agent: peer, Kind: kind, MomentUnix: time.Now().Unix()})
	return nil
}

func (g *GossipEngine) admitSession(loop GossipLoop) bool {
	max := g.maxRecentSessions
	if loop == LoopHistorical {
		max = g.maxHistoricalSessions
	}
	count := 0
	for _, s := range g.activeSessions {
		if s.Loop == loop {
			count++
		}
	}
	return count < max
}

func (g *GossipEngine) runSession(ctx context.Context, sess *GossipSession) error {
	sess.State = RoundInitiated
	agentsBloom := buildAgentBloom(g.peerBook.AllAgentInfo())
	accept, err := g.transport.SendInitiate(ctx, sess.Peer, GossipInitiate{
		SessionID:   sess.ID,
		Space:       g.space,
		Loop:        sess.Loop,
		ArcSet:      DhtArcSet{g.selfArc},
		AgentsBloom: agentsBloom,
	})
	if err != nil {
		return fmt.Errorf("initiate: %w", err)
	}
	sess.State = RoundAgentsExchanged

	overlap := overlapOf(g.selfArc, accept.ArcSet)
	schedule := g.recentSchedule
	throttle := g.recentThrottle
	if sess.Loop == LoopHistorical {
		schedule = g.historicalSchedule
		throttle = g.historicalThrottle
	}

	mine := NewRegionSet(schedule, overlap, g.dht.AllLight())
	myFingerprints := make(map[RegionCoord]RegionFingerprint, len(mine.Coords()))
	for _, c := range mine.Coords() {
		myFingerprints[c] = mine.Fingerprint(c)
	}

	theirs, err := g.transport.SendRegionFingerprints(ctx, sess.Peer, GossipRegionFingerprints{
		SessionID:    sess.ID,
		Fingerprints: myFingerprints,
	})
	if err != nil {
		return fmt.Errorf("region fingerprints: %w", err)
	}
	sess.State = RoundRegionsExchanged

	var mismatched []RegionCoord
	for coord, fp := range myFingerprints {
		if theirFp, ok := theirs.Fingerprints[coord]; !ok || !fp.Equal(theirFp) {
			mismatched = append(mismatched, coord)
		}
	}

	sess.State = RoundOpsStreaming
	for _, coord := range mismatched {
		ops := mine.OpsIn(coord)
		localBloom := buildOpBloom(ops)
		missing, err := g.transport.SendOpBloom(ctx, sess.Peer, GossipOpBloom{
			SessionID: sess.ID,
			Coord:     coord,
			Bloom:     localBloom,
		})
		if err != nil {
			return fmt.Errorf("op bloom: %w", err)
		}
		if len(missing) == 0 {
			continue
		}
		for _, batch := range chunkOps(missing, gossipOpBatchSize) {
			size := estimateOpBatchBytes(batch)
			if err := throttle.Await(ctx, DirectionOutbound, size); err != nil {
				return fmt.Errorf("bandwidth throttle: %w", err)
			}
			if err := g.transport.SendOpBatch(ctx, sess.Peer, GossipOpBatch{SessionID: sess.ID, Ops: batch}); err != nil {
				return fmt.Errorf("op batch: %w", err)
			}
			for _, op := range batch {
				g.dht.Stage(op)
			}
		}
	}

	return nil
}

const gossipOpBatchSize = 32

func chunkOps(ops []DhtOp, size int) [][]DhtOp {
	var out [][]DhtOp
	for i := 0; i < len(ops); i += size {
		end := i + size
		if end > len(ops) {
			end = len(ops)
		}
		out = append(out, ops[i:end])
	}
	return out
}

func estimateOpBatchBytes(ops []DhtOp) int {
	total := 0
	for range ops {
		total += 512 // rough per-op wire estimate; real size is measured at encode time
	}
	return total
}

// overlapOf resolves the arc overlap between self and a peer's advertised
// arc set, clamping to self's own arc: gossip never reconciles outside
// what self itself stores.
func overlapOf(self DhtArc, peerArcs DhtArcSet) DhtArc {
	for _, a := range peerArcs {
		if a.Overlaps(self) {
			return self
		}
	}
	return EmptyArc(self.Center)
}

func buildAgentBloom(infos []AgentInfo) []byte {
	filter := bloom.NewWithEstimates(uint(len(infos))+1, 0.01)
	for _, info := range infos {
		filter.Add(info.Agent.Bytes())
	}
	out, _ := filter.MarshalJSON()
	return out
}

func buildOpBloom(ops []DhtOpLight) []byte {
	filter := bloom.NewWithEstimates(uint(len(ops))+1, 0.01)
	for _, op := range ops {
		filter.Add(op.OpHash.Bytes())
	}
	out, _ := filter.MarshalJSON()
	return out
}

// missingFromBloom filters candidates down to those not represented in a
// peer's serialized bloom filter — the responder to an OpBloom request
// resolves the DhtOps it returns this way; the initiator then passes them
// on through SendOpBatch.
func missingFromBloom(candidates []*IntegratedOp, peerBloomJSON []byte) ([]DhtOp, error) {
	filter := &bloom.BloomFilter{}
	if err := filter.UnmarshalJSON(peerBloomJSON); err != nil {
		return nil, fmt.Errorf("unmarshal peer bloom: %w", err)
	}
	var missing []DhtOp
	for _, c := range candidates {
		if !filter.Test(c.Light.OpHash.Bytes()) {
			missing = append(missing, c.Op)
		}
	}
	return missing, nil
}
