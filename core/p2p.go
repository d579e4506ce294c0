package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"
)

// AgentInfo is the signed p2p record announcing where an agent can be
// reached and what it stores (§3 `p2p` table / §4 "p2p"): space, agent,
// URL list, signed-at/expires-at, and a declared storage arc.
type AgentInfo struct {
	Space     string
	Agent     AgentPubKey
	URLs      []string
	SignedAt  time.Time
	ExpiresAt time.Time
	Arc       DhtArc
	Signature []byte
}

// Expired reports whether this record is past its expires_at.
func (a AgentInfo) Expired(now time.Time) bool { return now.After(a.ExpiresAt) }

// CanonicalBytes returns the bytes an AgentInfo's signature covers.
func (a AgentInfo) CanonicalBytes() ([]byte, error) {
	cp := a
	cp.Signature = nil
	return EncodeValue(cp)
}

// PeerStore is the `p2p` persisted table: every known AgentInfo for the
// local space, plus the connect-error/reachability metrics gossip peer
// selection excludes on (§4.8 "exclude agents with unexpired recent
// ConnectError metric").
type PeerStore struct {
	mu      sync.RWMutex
	infos   map[Hash]AgentInfo
	metrics map[Hash][]GossipMetric

	// connectErrorTTL bounds how long a ConnectError metric excludes a
	// peer from candidate selection.
	connectErrorTTL time.Duration
	now             func() time.Time
}

// NewPeerStore constructs an empty peer store excluding peers with a
// ConnectError metric younger than connectErrorTTL.
func NewPeerStore(connectErrorTTL time.Duration) *PeerStore {
	return &PeerStore{
		infos:           make(map[Hash]AgentInfo),
		metrics:         make(map[Hash][]GossipMetric),
		connectErrorTTL: connectErrorTTL,
		now:             time.Now,
	}
}

// Upsert records info, replacing any existing entry for the same agent
// with a newer signed_at.
func (p *PeerStore) Upsert(info AgentInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.infos[info.Agent]; ok && existing.SignedAt.After(info.SignedAt) {
		return
	}
	p.infos[info.Agent] = info
}

// AllAgentInfo returns every unexpired known AgentInfo.
func (p *PeerStore) AllAgentInfo() []AgentInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	now := p.now()
	out := make([]AgentInfo, 0, len(p.infos))
	for _, info := range p.infos {
		if !info.Expired(now) {
			out = append(out, info)
		}
	}
	return out
}

// CandidatesForArc implements PeerBook: agents whose arc contains/overlaps
// arc, excluding self and any agent with an unexpired ConnectError metric,
// ordered by proximity of their arc center to arc's own (§4.8 peer
// selection).
func (p *PeerStore) CandidatesForArc(arc DhtArc, exclude AgentPubKey) []AgentInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	now := p.now()
	var out []AgentInfo
	for _, info := range p.infos {
		if info.Expired(now) || info.Agent.Equal(exclude) {
			continue
		}
		if !info.Arc.Overlaps(arc) {
			continue
		}
		if p.hasRecentConnectErrorLocked(info.Agent, now) {
			continue
		}
		out = append(out, info)
	}
	sortAgentInfoByProximity(out, arc.Center)
	return out
}

func sortAgentInfoByProximity(infos []AgentInfo, center uint32) {
	for i := 1; i < len(infos); i++ {
		for j := i; j > 0; j-- {
			di := DhtArc{Center: center}.DistanceTo(infos[j].Arc.Center)
			dj := DhtArc{Center: center}.DistanceTo(infos[j-1].Arc.Center)
			if di < dj {
				infos[j], infos[j-1] = infos[j-1], infos[j]
			} else {
				break
			}
		}
	}
}

func (p *PeerStore) hasRecentConnectErrorLocked(agent AgentPubKey, now time.Time) bool {
	for _, m := range p.metrics[agent] {
		if m.Kind != MetricConnectError {
			continue
		}
		age := now.Sub(time.Unix(m.MomentUnix, 0))
		if age >= 0 && age < p.connectErrorTTL {
			return true
		}
	}
	return false
}

// RecordMetric implements PeerBook.
func (p *PeerStore) RecordMetric(m GossipMetric) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics[m.Agent] = append(p.metrics[m.Agent], m)
}

// MetricsFor returns every recorded metric for agent, for the supplemented
// "ops whose basis..."/"agent infos whose arc overlaps..." query surface
// (§7.3).
func (p *PeerStore) MetricsFor(agent AgentPubKey) []GossipMetric {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]GossipMetric(nil), p.metrics[agent]...)
}

// P2PNode wraps a libp2p host providing pubsub topic broadcast and mDNS
// peer discovery for one space, mirroring the teacher's Node but scoped to
// gossip/zome-call transport rather than a general message bus.
type P2PNode struct {
	host   host.Host
	pubsub *pubsub.PubSub
	topics map[string]*pubsub.Topic
	subs   map[string]*pubsub.Subscription
	mu     sync.Mutex

	space  string
	ctx    context.Context
	cancel context.CancelFunc
}

// Host returns the underlying libp2p host, for wiring NewStreamTransport
// (§6 wire protocol) onto the same connection the gossip/discovery layer
// uses.
func (n *P2PNode) Host() host.Host { return n.host }

// NewP2PNode bootstraps a libp2p host listening on listenAddr, joins
// pubsub, connects to bootstrapPeers, and starts mDNS discovery tagged
// discoveryTag.
func NewP2PNode(parent context.Context, space, listenAddr, discoveryTag string, bootstrapPeers []string) (*P2PNode, error) {
	ctx, cancel := context.WithCancel(parent)

	h, err := libp2p.New(libp2p.ListenAddrStrings(listenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("create pubsub: %w", err)
	}

	n := &P2PNode{
		host:   h,
		pubsub: ps,
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*pubsub.Subscription),
		space:  space,
		ctx:    ctx,
		cancel: cancel,
	}

	for _, addr := range bootstrapPeers {
		pi, err := peer.AddrInfoFromString(addr)
		if err != nil {
			logrus.Warnf("p2p: invalid bootstrap addr %s: %v", addr, err)
			continue
		}
		if err := h.Connect(ctx, *pi); err != nil {
			logrus.Warnf("p2p: bootstrap connect %s: %v", addr, err)
		}
	}

	mdns.NewMdnsService(h, discoveryTag, n)

	return n, nil
}

var _ mdns.Notifee = (*P2PNode)(nil)

// HandlePeerFound implements mdns.Notifee: connect to a peer discovered on
// the local network, skipping self.
func (n *P2PNode) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	if err := n.host.Connect(n.ctx, info); err != nil {
		logrus.Warnf("p2p: connect to discovered peer %s: %v", info.ID, err)
		return
	}
	logrus.Infof("p2p: connected to peer %s via mDNS", info.ID)
}

// topicFor returns (joining if needed) the pubsub topic for name.
func (n *P2PNode) topicFor(name string) (*pubsub.Topic, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.topics[name]; ok {
		return t, nil
	}
	t, err := n.pubsub.Join(name)
	if err != nil {
		return nil, fmt.Errorf("join topic %s: %w", name, err)
	}
	n.topics[name] = t
	return t, nil
}

// Publish broadcasts data on the space's gossip topic.
func (n *P2PNode) Publish(ctx context.Context, data []byte) error {
	t, err := n.topicFor(n.gossipTopic())
	if err != nil {
		return err
	}
	return t.Publish(ctx, data)
}

// Subscribe returns a channel of raw messages on the space's gossip topic.
func (n *P2PNode) Subscribe() (<-chan []byte, error) {
	topicName := n.gossipTopic()
	t, err := n.topicFor(topicName)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	sub, ok := n.subs[topicName]
	if !ok {
		sub, err = t.Subscribe()
		if err != nil {
			n.mu.Unlock()
			return nil, fmt.Errorf("subscribe topic %s: %w", topicName, err)
		}
		n.subs[topicName] = sub
	}
	n.mu.Unlock()

	out := make(chan []byte)
	go func() {
		defer close(out)
		for {
			msg, err := sub.Next(n.ctx)
			if err != nil {
				return
			}
			select {
			case out <- msg.Data:
			case <-n.ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (n *P2PNode) gossipTopic() string { return "cellcore-gossip-" + n.space }

// Close tears down the host and cancels the node's context.
func (n *P2PNode) Close() error {
	n.cancel()
	return n.host.Close()
}
