package core

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/sirupsen/logrus"
)

// cellProtocolID is the libp2p stream protocol every request/response
// message in §4.9's wire surface (Call, Get, GetLinks, GetAgentActivity,
// PublishOps, Gossip) travels over. WireNotify has a kind value but no
// handler: dispatch rejects it as an unhandled kind.
const cellProtocolID protocol.ID = "/cellcore/cell/1.0.0"

// WireKind discriminates the envelope's payload.
type WireKind int

const (
	WireCall WireKind = iota
	WireNotify
	WireGet
	WireGetLinks
	WireGetAgentActivity
	WirePublishOps
	WireGossipInitiate
	WireGossipRegions
	WireGossipOpBloom
	WireGossipOpBatch
)

// WireEnvelope is the single message shape every request crossing
// cellProtocolID uses; Payload is gob-decoded according to Kind.
type WireEnvelope struct {
	Kind    WireKind
	Payload []byte
}

// WireCallRequest invokes a remote zome function (§4 "Call"). Caller
// identifies the invoking agent so an Assigned-access grant can check it
// against the grant's assignee list; Cap is the claim the caller presents.
type WireCallRequest struct {
	Zome     string
	Function string
	Args     []byte
	Caller   AgentPubKey
	Cap      CapClaimEntry
}

// WireCallResponse carries a remote zome call's result or error string.
type WireCallResponse struct {
	Result []byte
	Err    string
}

// WireGetRequest resolves one cascade address from a remote authority.
type WireGetRequest struct {
	Addr Hash
}

// WireGetResponse carries the resolved Element, if any.
type WireGetResponse struct {
	Found bool
	El    Element
}

// WireGetLinksRequest/Response carry a cascade GetLinks round-trip.
type WireGetLinksRequest struct{ Base Hash }
type WireGetLinksResponse struct{ Links []HeaderCreateLink }

// WireGetAgentActivityRequest/Response carry a cascade GetAgentActivity
// round-trip.
type WireGetAgentActivityRequest struct{ Agent AgentPubKey }
type WireGetAgentActivityResponse struct{ Activity []Element }

// WirePublishOpsRequest fans freshly authored ops out to an authority
// (§5 publish workflow).
type WirePublishOpsRequest struct{ Ops []DhtOp }
type WirePublishOpsResponse struct{ Accepted bool }

// GossipOpBloomResponse answers a GossipOpBloom request with the ops the
// responder holds that the requester's bloom filter did not match.
type GossipOpBloomResponse struct{ Ops []DhtOp }

// GossipOpBatchResponse acknowledges a GossipOpBatch.
type GossipOpBatchResponse struct{ Accepted bool }

// streamTransport drives request/response RPC over libp2p streams using
// cellProtocolID: open a stream, gob-encode the request envelope, gob-
// decode the response. Every exported method here implements one leg of
// Publisher, RemoteFetcher or GossipTransport.
type streamTransport struct {
	host     libp2pStreamHost
	peers    *PeerStore
	timeout  time.Duration
	handlers StreamHandlerFuncs
}

// libp2pStreamHost narrows the host.Host surface streamTransport needs.
type libp2pStreamHost interface {
	NewStream(ctx context.Context, p peer.ID, pids ...protocol.ID) (network.Stream, error)
	SetStreamHandler(pid protocol.ID, handler network.StreamHandler)
}

// NewStreamTransport wraps host for RPC-style cell protocol traffic,
// resolving AgentPubKeys to libp2p peers through peers, with deadline
// timeout on every round-trip.
func NewStreamTransport(host libp2pStreamHost, peers *PeerStore, timeout time.Duration) *streamTransport {
	t := &streamTransport{host: host, peers: peers, timeout: timeout}
	host.SetStreamHandler(cellProtocolID, t.handleStream)
	return t
}

// resolvePeerID maps an AgentPubKey to a libp2p peer.ID via the first
// reachable URL in its advertised AgentInfo — the p2p table's URL list is
// exactly the indirection Cell Core needs since an AgentPubKey (a raw
// ed25519 public key) and a libp2p peer ID are different identity spaces.
func (t *streamTransport) resolvePeerID(agent AgentPubKey) (peer.ID, error) {
	for _, info := range t.peers.AllAgentInfo() {
		if !info.Agent.Equal(agent) {
			continue
		}
		for _, url := range info.URLs {
			if pi, err := peer.AddrInfoFromString(url); err == nil {
				return pi.ID, nil
			}
		}
	}
	return "", fmt.Errorf("no reachable address for agent %s", agent)
}

// authoritiesFor returns candidate agents holding authority for loc,
// nearest first, for fan-out reads/publishes (§4.4 step 5, §4.8 peer
// selection).
func (t *streamTransport) authoritiesFor(loc uint32, exclude AgentPubKey) []AgentInfo {
	return t.peers.CandidatesForArc(DhtArc{Center: loc, HalfLength: 1}, exclude)
}

// StreamHandlerFuncs collects the local callbacks an incoming stream
// dispatches to, so streamTransport stays decoupled from Cell internals.
type StreamHandlerFuncs struct {
	OnCall              func(ctx context.Context, req WireCallRequest) WireCallResponse
	OnGet               func(ctx context.Context, addr Hash) (*Element, bool)
	OnGetLinks          func(ctx context.Context, base Hash) []HeaderCreateLink
	OnGetAgentActivity  func(ctx context.Context, agent AgentPubKey) []Element
	OnPublishOps        func(ctx context.Context, ops []DhtOp) bool
	OnGossipInitiate    func(ctx context.Context, msg GossipInitiate) (*GossipAccept, error)
	OnGossipRegions     func(ctx context.Context, msg GossipRegionFingerprints) (*GossipRegionFingerprints, error)
	OnGossipOpBloom     func(ctx context.Context, msg GossipOpBloom) ([]DhtOp, error)
	OnGossipOpBatch     func(ctx context.Context, msg GossipOpBatch) error
}

// Bind wires the local callbacks handleStream dispatches incoming
// requests to.
func (t *streamTransport) Bind(handlers StreamHandlerFuncs) { t.handlers = handlers }

func (t *streamTransport) handleStream(s network.Stream) {
	defer s.Close()
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	var env WireEnvelope
	if err := gob.NewDecoder(bufio.NewReader(s)).Decode(&env); err != nil {
		logrus.Warnf("cell protocol: decode envelope: %v", err)
		return
	}

	resp, err := t.dispatch(ctx, env)
	if err != nil {
		logrus.Warnf("cell protocol: dispatch %d: %v", env.Kind, err)
		return
	}
	if err := gob.NewEncoder(s).Encode(resp); err != nil {
		logrus.Warnf("cell protocol: encode response: %v", err)
	}
}

func (t *streamTransport) dispatch(ctx context.Context, env WireEnvelope) (WireEnvelope, error) {
	switch env.Kind {
	case WireCall:
		var req WireCallRequest
		if err := DecodeValue(env.Payload, &req); err != nil {
			return WireEnvelope{}, err
		}
		resp := t.handlers.OnCall(ctx, req)
		return encodeEnvelope(WireCall, resp)
	case WireGet:
		var req WireGetRequest
		if err := DecodeValue(env.Payload, &req); err != nil {
			return WireEnvelope{}, err
		}
		el, found := t.handlers.OnGet(ctx, req.Addr)
		resp := WireGetResponse{Found: found}
		if found {
			resp.El = *el
		}
		return encodeEnvelope(WireGet, resp)
	case WireGetLinks:
		var req WireGetLinksRequest
		if err := DecodeValue(env.Payload, &req); err != nil {
			return WireEnvelope{}, err
		}
		links := t.handlers.OnGetLinks(ctx, req.Base)
		return encodeEnvelope(WireGetLinks, WireGetLinksResponse{Links: links})
	case WireGetAgentActivity:
		var req WireGetAgentActivityRequest
		if err := DecodeValue(env.Payload, &req); err != nil {
			return WireEnvelope{}, err
		}
		activity := t.handlers.OnGetAgentActivity(ctx, req.Agent)
		return encodeEnvelope(WireGetAgentActivity, WireGetAgentActivityResponse{Activity: activity})
	case WirePublishOps:
		var req WirePublishOpsRequest
		if err := DecodeValue(env.Payload, &req); err != nil {
			return WireEnvelope{}, err
		}
		ok := t.handlers.OnPublishOps(ctx, req.Ops)
		return encodeEnvelope(WirePublishOps, WirePublishOpsResponse{Accepted: ok})
	case WireGossipInitiate:
		var msg GossipInitiate
		if err := DecodeValue(env.Payload, &msg); err != nil {
			return WireEnvelope{}, err
		}
		accept, err := t.handlers.OnGossipInitiate(ctx, msg)
		if err != nil {
			return WireEnvelope{}, err
		}
		return encodeEnvelope(WireGossipInitiate, accept)
	case WireGossipRegions:
		var msg GossipRegionFingerprints
		if err := DecodeValue(env.Payload, &msg); err != nil {
			return WireEnvelope{}, err
		}
		fps, err := t.handlers.OnGossipRegions(ctx, msg)
		if err != nil {
			return WireEnvelope{}, err
		}
		return encodeEnvelope(WireGossipRegions, fps)
	case WireGossipOpBloom:
		var msg GossipOpBloom
		if err := DecodeValue(env.Payload, &msg); err != nil {
			return WireEnvelope{}, err
		}
		ops, err := t.handlers.OnGossipOpBloom(ctx, msg)
		if err != nil {
			return WireEnvelope{}, err
		}
		return encodeEnvelope(WireGossipOpBloom, GossipOpBloomResponse{Ops: ops})
	case WireGossipOpBatch:
		var msg GossipOpBatch
		if err := DecodeValue(env.Payload, &msg); err != nil {
			return WireEnvelope{}, err
		}
		err := t.handlers.OnGossipOpBatch(ctx, msg)
		return encodeEnvelope(WireGossipOpBatch, GossipOpBatchResponse{Accepted: err == nil})
	default:
		return WireEnvelope{}, fmt.Errorf("unhandled wire kind %d", env.Kind)
	}
}

func encodeEnvelope(kind WireKind, v interface{}) (WireEnvelope, error) {
	b, err := EncodeValue(v)
	if err != nil {
		return WireEnvelope{}, err
	}
	return WireEnvelope{Kind: kind, Payload: b}, nil
}

// roundTrip opens a stream to peerID, sends req under kind, and decodes
// out from the single response envelope.
func (t *streamTransport) roundTrip(ctx context.Context, peerID peer.ID, kind WireKind, req, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	s, err := t.host.NewStream(ctx, peerID, cellProtocolID)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer s.Close()

	env, err := encodeEnvelope(kind, req)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(s).Encode(env); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	var respEnv WireEnvelope
	if err := gob.NewDecoder(bufio.NewReader(s)).Decode(&respEnv); err != nil {
		if err == io.EOF {
			return fmt.Errorf("peer closed stream without responding")
		}
		return fmt.Errorf("decode response: %w", err)
	}
	return DecodeValue(respEnv.Payload, out)
}

// FetchElement implements RemoteFetcher: it tries each authority for
// addr's location in proximity order until one responds or the candidate
// list is exhausted (§5 cascade fetch "(min_peers, timeout)").
func (t *streamTransport) FetchElement(ctx context.Context, addr Hash) (*Element, bool, error) {
	var lastErr error
	for _, info := range t.authoritiesFor(addr.Location, AgentPubKey{}) {
		peerID, err := t.resolvePeerID(info.Agent)
		if err != nil {
			lastErr = err
			continue
		}
		var resp WireGetResponse
		if err := t.roundTrip(ctx, peerID, WireGet, WireGetRequest{Addr: addr}, &resp); err != nil {
			lastErr = err
			continue
		}
		if !resp.Found {
			continue
		}
		return &resp.El, true, nil
	}
	if lastErr != nil {
		return nil, false, lastErr
	}
	return nil, false, nil
}

// FetchLinks implements RemoteFetcher.
func (t *streamTransport) FetchLinks(ctx context.Context, base Hash) ([]HeaderCreateLink, error) {
	var lastErr error
	for _, info := range t.authoritiesFor(base.Location, AgentPubKey{}) {
		peerID, err := t.resolvePeerID(info.Agent)
		if err != nil {
			lastErr = err
			continue
		}
		var resp WireGetLinksResponse
		if err := t.roundTrip(ctx, peerID, WireGetLinks, WireGetLinksRequest{Base: base}, &resp); err != nil {
			lastErr = err
			continue
		}
		return resp.Links, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, nil
}

// FetchAgentActivity implements RemoteFetcher.
func (t *streamTransport) FetchAgentActivity(ctx context.Context, agent AgentPubKey) ([]Element, error) {
	var lastErr error
	for _, info := range t.authoritiesFor(agent.Location, agent) {
		peerID, err := t.resolvePeerID(info.Agent)
		if err != nil {
			lastErr = err
			continue
		}
		var resp WireGetAgentActivityResponse
		if err := t.roundTrip(ctx, peerID, WireGetAgentActivity, WireGetAgentActivityRequest{Agent: agent}, &resp); err != nil {
			lastErr = err
			continue
		}
		return resp.Activity, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, nil
}

// Publish implements Publisher: fan out ops to every authority of each
// op's own basis location (§4.4 step 5).
func (t *streamTransport) Publish(ctx context.Context, ops []DhtOp) error {
	byAuthority := make(map[peer.ID][]DhtOp)
	for _, op := range ops {
		for _, info := range t.authoritiesFor(op.Basis().Location, AgentPubKey{}) {
			peerID, err := t.resolvePeerID(info.Agent)
			if err != nil {
				continue
			}
			byAuthority[peerID] = append(byAuthority[peerID], op)
		}
	}
	var lastErr error
	for peerID, opsForPeer := range byAuthority {
		var resp WirePublishOpsResponse
		if err := t.roundTrip(ctx, peerID, WirePublishOps, WirePublishOpsRequest{Ops: opsForPeer}, &resp); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// SendInitiate implements GossipTransport.
func (t *streamTransport) SendInitiate(ctx context.Context, agent AgentPubKey, msg GossipInitiate) (*GossipAccept, error) {
	peerID, err := t.resolvePeerID(agent)
	if err != nil {
		return nil, err
	}
	var resp GossipAccept
	if err := t.roundTrip(ctx, peerID, WireGossipInitiate, msg, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendRegionFingerprints implements GossipTransport.
func (t *streamTransport) SendRegionFingerprints(ctx context.Context, agent AgentPubKey, msg GossipRegionFingerprints) (*GossipRegionFingerprints, error) {
	peerID, err := t.resolvePeerID(agent)
	if err != nil {
		return nil, err
	}
	var resp GossipRegionFingerprints
	if err := t.roundTrip(ctx, peerID, WireGossipRegions, msg, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendOpBloom implements GossipTransport.
func (t *streamTransport) SendOpBloom(ctx context.Context, agent AgentPubKey, msg GossipOpBloom) ([]DhtOp, error) {
	peerID, err := t.resolvePeerID(agent)
	if err != nil {
		return nil, err
	}
	var resp GossipOpBloomResponse
	if err := t.roundTrip(ctx, peerID, WireGossipOpBloom, msg, &resp); err != nil {
		return nil, err
	}
	return resp.Ops, nil
}

// SendOpBatch implements GossipTransport.
func (t *streamTransport) SendOpBatch(ctx context.Context, agent AgentPubKey, msg GossipOpBatch) error {
	peerID, err := t.resolvePeerID(agent)
	if err != nil {
		return err
	}
	var resp GossipOpBatchResponse
	return t.roundTrip(ctx, peerID, WireGossipOpBatch, msg, &resp)
}
