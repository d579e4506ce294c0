package core

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// CellConfig collects the tunables JoinCell needs beyond its collaborators,
// mirroring pkg/config.Config's Network/Gossip/Validation/Storage sections.
type CellConfig struct {
	Space         string
	Dna           DnaHash
	ChainOrdering ChainTopOrdering
	Arc           DhtArc
	CacheTTL      time.Duration

	ValidationBaseDelay  time.Duration
	ValidationCapDelay   time.Duration
	ValidationMaxRetries int

	Gossip                   GossipEngineConfig
	PeerConnectErrorTTL      time.Duration
	RecentGossipInterval     time.Duration
	HistoricalGossipInterval time.Duration
}

// gossipServerSession is the responder side's per-session state between an
// accepted Initiate and the op-transfer stages that follow it — the
// initiator tracks its own session in GossipEngine.activeSessions, but a
// peer answering stage requests needs the region set it computed at Accept
// time to stay fixed for the rest of the round.
type gossipServerSession struct {
	loop    GossipLoop
	regions *RegionSet
}

// Cell is one running instance of a DNA for one agent: the source chain,
// the four persisted tables, the five-workflow pipeline, the cascade read
// path, and (when networked) the gossip engine and wire transport, wired
// together per §2 and §6.
type Cell struct {
	log *logrus.Entry

	agent AgentPubKey
	cfg   CellConfig

	keystore Keystore
	chain    *SourceChain
	authored *AuthoredStore
	dht      *DhtStore
	cache    *CacheStore
	peers    *PeerStore
	cascade  *Cascade

	transport *streamTransport
	p2p       *P2PNode
	gossip    *GossipEngine
	workflows *Workflows

	ribosomeModule WasmModule
	dispatch       HostDispatch
	signals        chan []byte

	gossipMu       sync.Mutex
	gossipSessions map[string]*gossipServerSession

	mu       sync.Mutex
	shutdown bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// noopPublisher discards published ops: the fallback Publisher for a cell
// started without a network layer (single-process tests, an agent not yet
// connected to any peers).
type noopPublisher struct{}

func (noopPublisher) Publish(ctx context.Context, ops []DhtOp) error { return nil }

// JoinCell brings up a Cell for agent: opens (or genesis-initializes) its
// source chain, wires the four stores, the validation pipeline and the
// five workflows, and — when p2p is non-nil — the wire transport and
// gossip engine (§2 "join", §6). module and validationCB may be nil for a
// DNA with no zome code: with both nil, app validation accepts every op,
// and with a nil module every zome call returns an error.
func JoinCell(parent context.Context, cfg CellConfig, keystore Keystore, membraneProof []byte, module WasmModule, validationCB ValidationCallback, p2p *P2PNode, log *logrus.Logger) (*Cell, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	agent, err := keystore.NewAgent(parent)
	if err != nil {
		return nil, fmt.Errorf("generate agent key: %w", err)
	}

	c := &Cell{
		log:            log.WithField("cell", cfg.Space),
		agent:          agent,
		cfg:            cfg,
		keystore:       keystore,
		authored:       NewAuthoredStore(),
		dht:            NewDhtStore(),
		cache:          NewCacheStore(cfg.CacheTTL),
		peers:          NewPeerStore(cfg.PeerConnectErrorTTL),
		ribosomeModule: module,
		signals:        make(chan []byte, 64),
		gossipSessions: make(map[string]*gossipServerSession),
	}
	c.dispatch = &cellDispatch{cell: c}
	c.chain = NewSourceChain(agent, cfg.Dna, keystore, c.authored)

	var cascadeRemote RemoteFetcher
	var publisher Publisher = noopPublisher{}
	var gossipTransport GossipTransport
	if p2p != nil {
		c.p2p = p2p
		c.transport = NewStreamTransport(p2p.Host(), c.peers, cfg.Gossip.StageTimeout)
		c.transport.Bind(StreamHandlerFuncs{
			OnCall:             c.handleCall,
			OnGet:              c.handleGet,
			OnGetLinks:         c.handleGetLinks,
			OnGetAgentActivity: c.handleGetAgentActivity,
			OnPublishOps:       c.handlePublishOps,
			OnGossipInitiate:   c.handleGossipInitiate,
			OnGossipRegions:    c.handleGossipRegions,
			OnGossipOpBloom:    c.handleGossipOpBloom,
			OnGossipOpBatch:    c.handleGossipOpBatch,
		})
		cascadeRemote = c.transport
		publisher = c.transport
		gossipTransport = c.transport
	}
	c.cascade = NewCascade(c.authored, c.dht, c.cache, cascadeRemote)

	if gossipTransport != nil {
		c.gossip = NewGossipEngine(agent, cfg.Arc, c.peers, c.dht, gossipTransport, cfg.Gossip)
	}

	if err := c.genesis(parent, membraneProof); err != nil {
		return nil, fmt.Errorf("genesis: %w", err)
	}

	sysV := NewSysValidator(c.cascade, cfg.Dna)
	appCB := validationCB
	if appCB == nil && module != nil {
		appCB = RibosomeValidationCallback(module, c.dispatch)
	}
	appV := NewAppValidator(c.cascade, appCB)

	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel
	c.workflows = StartWorkflows(ctx, c.authored, c.dht, publisher, sysV, appV,
		cfg.ValidationBaseDelay, cfg.ValidationCapDelay, cfg.ValidationMaxRetries)

	if c.gossip != nil {
		c.startGossipLoops(ctx)
	}

	return c, nil
}

// genesis commits the four genesis headers (Dna, AgentValidationPkg,
// Create(AgentEntry), InitZomesComplete) if the chain is empty, running the
// zome's genesis_self_check and init callbacks around them when a module is
// loaded (§2, supplemented genesis-self-check detail in SPEC_FULL.md). A
// callback export a DNA simply doesn't define is indistinguishable, through
// the minimal WasmModule interface, from one that trapped; both are logged
// and treated as a pass, matching a DNA with no validation rules at all.
func (c *Cell) genesis(ctx context.Context, membraneProof []byte) error {
	if _, length := c.authored.Head(); length > 0 {
		return nil
	}

	if c.ribosomeModule != nil {
		rib := NewRibosome(HostContextGenesisSelfCheck, c.dispatch, c.ribosomeModule)
		arg, err := EncodeValue(membraneProof)
		if err != nil {
			return fmt.Errorf("encode membrane proof: %w", err)
		}
		out, err := rib.RunZomeFunction(ctx, "genesis_self_check", arg)
		if err != nil {
			c.log.WithError(err).Debug("genesis_self_check not defined or failed, treating as pass")
		} else if len(out) > 0 {
			return &Invalid{Reason: string(out)}
		}
	}

	if _, err := c.commit(ctx, NewDnaBuilder(c.cfg.Dna), nil); err != nil {
		return fmt.Errorf("commit Dna header: %w", err)
	}
	if _, err := c.commit(ctx, NewAgentValidationPkgBuilder(membraneProof), nil); err != nil {
		return fmt.Errorf("commit AgentValidationPkg header: %w", err)
	}
	agentEntry := AgentEntry{PubKey: c.agent}
	entryHash := HashEntry(agentEntry)
	if _, err := c.commit(ctx, NewCreateBuilder("agent", entryHash, Public), agentEntry); err != nil {
		return fmt.Errorf("commit agent entry: %w", err)
	}

	if c.ribosomeModule != nil {
		rib := NewRibosome(HostContextInit, c.dispatch, c.ribosomeModule)
		if _, err := rib.RunZomeFunction(ctx, "init", nil); err != nil {
			c.log.WithError(err).Debug("init not defined or failed, treating as pass")
		}
	}
	if _, err := c.commit(ctx, NewInitZomesCompleteBuilder(), nil); err != nil {
		return fmt.Errorf("commit InitZomesComplete header: %w", err)
	}
	return nil
}

// commit puts and immediately flushes one header, then triggers the
// produce_dht_ops workflow — every zome call and genesis step is a single
// synchronous chain write (§4.1, §4.3).
func (c *Cell) commit(ctx context.Context, builder HeaderBuilder, entry Entry) (Hash, error) {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return Hash{}, ErrShutdown
	}
	c.mu.Unlock()

	hh, err := c.chain.Put(ctx, builder, entry, c.cfg.ChainOrdering)
	if err != nil {
		return Hash{}, err
	}
	if err := c.chain.Flush(ctx, c.cfg.ChainOrdering); err != nil {
		return Hash{}, err
	}
	if c.workflows != nil {
		c.workflows.ProduceDhtOpsTrig.Trigger()
	}
	return hh, nil
}

// CallZome runs a local zome function through the ribosome, enforcing
// zome-call host permissions (§4.2).
func (c *Cell) CallZome(ctx context.Context, zome, function string, args []byte) ([]byte, error) {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil, ErrShutdown
	}
	c.mu.Unlock()

	if c.ribosomeModule == nil {
		return nil, fmt.Errorf("cell %s: no zome module loaded", c.cfg.Space)
	}
	rib := NewRibosome(HostContextZomeCall, c.dispatch, c.ribosomeModule)
	return rib.RunZomeFunction(ctx, zome+"."+function, args)
}

// Cascade exposes the cell's multi-tier read path for callers outside the
// ribosome (CLI, admin surfaces).
func (c *Cell) Cascade() *Cascade { return c.cascade }

// Agent returns this cell's agent key.
func (c *Cell) Agent() AgentPubKey { return c.agent }

// Authored exposes the local source chain's authored records, for
// `cellcore chain query` and similar read-only inspection surfaces.
func (c *Cell) Authored() *AuthoredStore { return c.authored }

// Dht exposes the local DHT authority store, for `cellcore gossip status`
// and cascade inspection.
func (c *Cell) Dht() *DhtStore { return c.dht }

// Peers exposes the p2p AgentInfo store, for `cellcore gossip status`.
func (c *Cell) Peers() *PeerStore { return c.peers }

// Signals returns the channel emit_signal publishes app signals to.
func (c *Cell) Signals() <-chan []byte { return c.signals }

func (c *Cell) emitSignal(payload []byte) {
	select {
	case c.signals <- payload:
	default:
		c.log.Warn("signal dropped: receiver not keeping up")
	}
}

// startGossipLoops runs the recent and historical gossip loops on their own
// tickers, each independently throttled (§4.8). A round's failure is
// logged, not fatal — gossip degrades to retry-next-tick rather than
// participating in the workflow retry/WorkflowRunError path.
func (c *Cell) startGossipLoops(ctx context.Context) {
	c.wg.Add(2)
	go c.runGossipLoop(ctx, LoopRecent, c.cfg.RecentGossipInterval)
	go c.runGossipLoop(ctx, LoopHistorical, c.cfg.HistoricalGossipInterval)
}

func (c *Cell) runGossipLoop(ctx context.Context, loop GossipLoop, interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.gossip.RunRound(ctx, loop); err != nil {
				c.log.WithError(err).WithField("loop", loop).Debug("gossip round did not complete")
			}
		}
	}
}

// Shutdown cancels every background loop and blocks until they exit (§5
// cancellation policy: in-flight DB transactions finish — chain.Flush is
// already synchronous with commit, so there is nothing left in flight by
// the time this returns for them — and in-progress call_zome returns
// ErrShutdown on its next attempt rather than mid-call).
func (c *Cell) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil
	}
	c.shutdown = true
	c.mu.Unlock()

	if c.workflows != nil {
		c.workflows.Stop()
	}
	if c.cancel != nil {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	close(c.signals)
	if c.p2p != nil {
		return c.p2p.Close()
	}
	return nil
}

// --- incoming wire request handlers, bound to the transport in JoinCell ---

func (c *Cell) handleCall(ctx context.Context, req WireCallRequest) WireCallResponse {
	author, err := c.chain.ValidCapGrant(GrantedFunction{Zome: req.Zome, Function: req.Function}, req.Caller, req.Cap.Secret)
	if err != nil {
		return WireCallResponse{Err: err.Error()}
	}
	if author == nil {
		return WireCallResponse{Err: "capability not granted"}
	}
	out, err := c.CallZome(ctx, req.Zome, req.Function, req.Args)
	if err != nil {
		return WireCallResponse{Err: err.Error()}
	}
	return WireCallResponse{Result: out}
}

func (c *Cell) handleGet(ctx context.Context, addr Hash) (*Element, bool) {
	el, err := c.cascade.GetElement(ctx, addr)
	if err != nil {
		return nil, false
	}
	return el, true
}

func (c *Cell) handleGetLinks(ctx context.Context, base Hash) []HeaderCreateLink {
	links, _ := c.cascade.GetLinks(ctx, base)
	return links
}

func (c *Cell) handleGetAgentActivity(ctx context.Context, agent AgentPubKey) []Element {
	activity, _ := c.cascade.GetAgentActivity(ctx, agent)
	return activity
}

func (c *Cell) handlePublishOps(ctx context.Context, ops []DhtOp) bool {
	for _, op := range ops {
		c.dht.Stage(op)
	}
	if c.workflows != nil {
		c.workflows.SysValidateTrig.Trigger()
	}
	return true
}

func (c *Cell) handleGossipInitiate(ctx context.Context, msg GossipInitiate) (*GossipAccept, error) {
	overlap := overlapOf(c.cfg.Arc, msg.ArcSet)
	schedule := c.cfg.Gossip.RecentRegionSize
	if msg.Loop == LoopHistorical {
		schedule = c.cfg.Gossip.HistoricalRegionSize
	}
	regions := NewRegionSet(schedule, overlap, c.dht.AllLight())

	c.gossipMu.Lock()
	c.gossipSessions[msg.SessionID] = &gossipServerSession{loop: msg.Loop, regions: regions}
	c.gossipMu.Unlock()

	return &GossipAccept{
		SessionID:   msg.SessionID,
		ArcSet:      DhtArcSet{c.cfg.Arc},
		AgentsBloom: buildAgentBloom(c.peers.AllAgentInfo()),
	}, nil
}

func (c *Cell) handleGossipRegions(ctx context.Context, msg GossipRegionFingerprints) (*GossipRegionFingerprints, error) {
	sess, ok := c.gossipSession(msg.SessionID)
	if !ok {
		return nil, fmt.Errorf("gossip: unknown session %s", msg.SessionID)
	}
	fps := make(map[RegionCoord]RegionFingerprint, len(sess.regions.Coords()))
	for _, coord := range sess.regions.Coords() {
		fps[coord] = sess.regions.Fingerprint(coord)
	}
	return &GossipRegionFingerprints{SessionID: msg.SessionID, Fingerprints: fps}, nil
}

func (c *Cell) handleGossipOpBloom(ctx context.Context, msg GossipOpBloom) ([]DhtOp, error) {
	sess, ok := c.gossipSession(msg.SessionID)
	if !ok {
		return nil, fmt.Errorf("gossip: unknown session %s", msg.SessionID)
	}
	var candidates []*IntegratedOp
	for _, light := range sess.regions.OpsIn(msg.Coord) {
		if rec, ok := c.dht.Lookup(light.OpHash); ok {
			candidates = append(candidates, rec)
		}
	}
	return missingFromBloom(candidates, msg.Bloom)
}

func (c *Cell) handleGossipOpBatch(ctx context.Context, msg GossipOpBatch) error {
	for _, op := range msg.Ops {
		c.dht.Stage(op)
	}
	if c.workflows != nil {
		c.workflows.SysValidateTrig.Trigger()
	}
	c.gossipMu.Lock()
	delete(c.gossipSessions, msg.SessionID)
	c.gossipMu.Unlock()
	return nil
}

func (c *Cell) gossipSession(id string) (*gossipServerSession, bool) {
	c.gossipMu.Lock()
	defer c.gossipMu.Unlock()
	sess, ok := c.gossipSessions[id]
	return sess, ok
}

// --- HostDispatch, binding the ribosome's host functions to this cell ---

// cellDispatch implements HostDispatch against one Cell's chain, cascade
// and keystore (§4.2).
type cellDispatch struct {
	cell *Cell
}

func (d *cellDispatch) Create(ctx context.Context, builder HeaderBuilder, entry Entry) (Hash, error) {
	return d.cell.commit(ctx, builder, entry)
}

func (d *cellDispatch) Update(ctx context.Context, builder HeaderBuilder, entry Entry) (Hash, error) {
	return d.cell.commit(ctx, builder, entry)
}

func (d *cellDispatch) Delete(ctx context.Context, builder HeaderBuilder) (Hash, error) {
	return d.cell.commit(ctx, builder, nil)
}

func (d *cellDispatch) CreateLink(ctx context.Context, builder HeaderBuilder) (Hash, error) {
	return d.cell.commit(ctx, builder, nil)
}

func (d *cellDispatch) DeleteLink(ctx context.Context, builder HeaderBuilder) (Hash, error) {
	return d.cell.commit(ctx, builder, nil)
}

func (d *cellDispatch) Get(ctx context.Context, addr Hash) (*Element, error) {
	return d.cell.cascade.GetElement(ctx, addr)
}

func (d *cellDispatch) GetDetails(ctx context.Context, addr Hash) (*Details, error) {
	return d.cell.cascade.GetDetails(ctx, addr)
}

func (d *cellDispatch) GetLinks(ctx context.Context, base Hash) ([]HeaderCreateLink, error) {
	return d.cell.cascade.GetLinks(ctx, base)
}

func (d *cellDispatch) GetAgentActivity(ctx context.Context, agent AgentPubKey) ([]Element, error) {
	return d.cell.cascade.GetAgentActivity(ctx, agent)
}

// mustGetShortCircuit builds the WasmHostShortCircuit a must_get_* host
// function raises when its target is not yet locally resolvable, carrying
// the single unresolved hash as the guest-visible dependency list.
func mustGetShortCircuit(hash Hash) error {
	payload, err := EncodeValue([]Hash{hash})
	if err != nil {
		return err
	}
	return &WasmHostShortCircuit{Payload: payload}
}

func (d *cellDispatch) MustGetEntry(ctx context.Context, hash Hash) (Entry, error) {
	entry, ok := d.cell.cascade.GetEntry(ctx, hash)
	if !ok {
		return nil, mustGetShortCircuit(hash)
	}
	return entry, nil
}

func (d *cellDispatch) MustGetHeader(ctx context.Context, hash Hash) (Header, error) {
	header, ok := d.cell.cascade.GetHeader(ctx, hash)
	if !ok {
		return nil, mustGetShortCircuit(hash)
	}
	return header, nil
}

func (d *cellDispatch) MustGetValidRecord(ctx context.Context, hash Hash) (*Element, error) {
	el, err := d.cell.cascade.GetElement(ctx, hash)
	if err != nil {
		return nil, mustGetShortCircuit(hash)
	}
	return el, nil
}

func (d *cellDispatch) Sign(ctx context.Context, data []byte) ([]byte, error) {
	return d.cell.keystore.Sign(ctx, d.cell.agent, data)
}

func (d *cellDispatch) VerifySignature(pub AgentPubKey, sig, data []byte) bool {
	return VerifyRaw(authorPubKeyBytes(pub), sig, data)
}

func (d *cellDispatch) EmitSignal(payload []byte) { d.cell.emitSignal(payload) }

func (d *cellDispatch) SysTime() int64 { return time.Now().UnixNano() }

func (d *cellDispatch) AgentInfo() AgentPubKey { return d.cell.agent }

func (d *cellDispatch) Query(ctx context.Context, filter QueryFilter) ([]Element, error) {
	return d.cell.chain.Query(filter), nil
}

func (d *cellDispatch) RandomBytes(ctx context.Context, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("random_bytes: %w", err)
	}
	return buf, nil
}

func (d *cellDispatch) DnaInfo() DnaInfo {
	return DnaInfo{Hash: d.cell.cfg.Dna, Space: d.cell.cfg.Space}
}

func (d *cellDispatch) ZomeInfo(zome string) ZomeInfo {
	return ZomeInfo{Name: zome, Agent: d.cell.agent}
}

func (d *cellDispatch) Trace(zome, message string) {
	d.cell.log.WithField("zome", zome).Debug(message)
}
