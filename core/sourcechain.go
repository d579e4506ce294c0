package core

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ChainTopOrdering selects how SourceChain.Flush reacts when the persisted
// chain head moved out from under an in-progress scratch (§4.1).
type ChainTopOrdering int

const (
	// Strict propagates HeadMoved to the caller, which re-drives the zome
	// call from scratch against the new head.
	Strict ChainTopOrdering = iota
	// Relaxed rebases the scratch onto the observed head (re-seq, re-link,
	// re-sign) and retries the commit once.
	Relaxed
)

// HeaderBuilder fills in a header's variant-specific fields given the
// common (author, timestamp, seq, prev) fields SourceChain.Put resolves.
// Concrete builders are small closures; see NewCreateBuilder et al. below.
type HeaderBuilder func(c common) Header

// NewDnaBuilder returns the genesis Dna header builder (seq 0, no prev).
func NewDnaBuilder(dna DnaHash) HeaderBuilder {
	return func(c common) Header {
		return HeaderDna{Author: c.Author, Timestamp: c.Timestamp, DnaHash: dna}
	}
}

// NewAgentValidationPkgBuilder returns the seq-1 genesis header builder.
func NewAgentValidationPkgBuilder(proof []byte) HeaderBuilder {
	return func(c common) Header {
		return HeaderAgentValidationPkg{common: c, MembraneProof: proof}
	}
}

// NewInitZomesCompleteBuilder returns the InitZomesComplete header builder.
func NewInitZomesCompleteBuilder() HeaderBuilder {
	return func(c common) Header { return HeaderInitZomesComplete{common: c} }
}

// NewCreateBuilder returns a Create header builder for a new entry.
func NewCreateBuilder(entryType string, entryHash Hash, vis EntryVisibility) HeaderBuilder {
	return func(c common) Header {
		return HeaderCreate{common: c, EntryType: entryType, EntryHash: entryHash, Visibility: vis}
	}
}

// NewUpdateBuilder returns an Update header builder superseding an
// existing (header, entry) pair.
func NewUpdateBuilder(entryType string, entryHash Hash, vis EntryVisibility, originalHeader, originalEntry Hash) HeaderBuilder {
	return func(c common) Header {
		return HeaderUpdate{
			common: c, EntryType: entryType, EntryHash: entryHash, Visibility: vis,
			OriginalHeader: originalHeader, OriginalEntry: originalEntry,
		}
	}
}

// NewDeleteBuilder returns a Delete header builder tombstoning a header.
func NewDeleteBuilder(deletesHeader, deletesEntry Hash) HeaderBuilder {
	return func(c common) Header {
		return HeaderDelete{common: c, DeletesHeader: deletesHeader, DeletesEntry: deletesEntry}
	}
}

// NewCreateLinkBuilder returns a CreateLink header builder.
func NewCreateLinkBuilder(base, target Hash, zomeID, linkType uint8, tag []byte) HeaderBuilder {
	return func(c common) Header {
		return HeaderCreateLink{common: c, Base: base, Target: target, ZomeID: zomeID, LinkType: linkType, Tag: tag}
	}
}

// NewDeleteLinkBuilder returns a DeleteLink header builder.
func NewDeleteLinkBuilder(linkAddHeader, base Hash) HeaderBuilder {
	return func(c common) Header {
		return HeaderDeleteLink{common: c, LinkAddHeader: linkAddHeader, Base: base}
	}
}

// pendingItem is one not-yet-flushed write in the scratch.
type pendingItem struct {
	Signed SignedHeader
	Entry  Entry
}

// SourceChain serializes and persists all headers produced by one local
// agent. It enforces chain-head integrity under concurrent writers and
// produces signed hash-linked headers (§4.1).
type SourceChain struct {
	mu sync.Mutex

	agent    AgentPubKey
	dna      DnaHash
	keystore Keystore
	store    *AuthoredStore
	now      func() time.Time

	// Immutable snapshot captured at construction / last successful flush.
	persistedHead Hash
	persistedLen  uint32

	scratch []pendingItem
}

// NewSourceChain opens a source chain for agent against store, snapshotting
// the store's current head.
func NewSourceChain(agent AgentPubKey, dna DnaHash, keystore Keystore, store *AuthoredStore) *SourceChain {
	head, length := store.Head()
	return &SourceChain{
		agent:         agent,
		dna:           dna,
		keystore:      keystore,
		store:         store,
		now:           time.Now,
		persistedHead: head,
		persistedLen:  length,
	}
}

// headAndLen returns the (head, len) the next Put should build against:
// the tip of scratch if non-empty, else the persisted snapshot.
func (sc *SourceChain) headAndLen() (Hash, uint32) {
	if len(sc.scratch) == 0 {
		return sc.persistedHead, sc.persistedLen
	}
	last := sc.scratch[len(sc.scratch)-1]
	h, _ := HashHeader(last.Signed.Header)
	return h, sc.persistedLen + uint32(len(sc.scratch))
}

// Put resolves prev_header/seq from scratch∪persisted (whichever has the
// greater seq), fills the common fields, hashes, signs via the keystore,
// and appends to scratch. Pure in-memory aside from the keystore call —
// flush is the only I/O.
func (sc *SourceChain) Put(ctx context.Context, builder HeaderBuilder, entry Entry, _ ChainTopOrdering) (Hash, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	prevHash, length := sc.headAndLen()
	c := common{
		Author:    sc.agent,
		Timestamp: sc.now(),
		Seq:       length,
		Prev:      prevHash,
	}
	h := builder(c)

	hh, err := HashHeader(h)
	if err != nil {
		return Hash{}, err
	}
	sig, err := sc.keystore.Sign(ctx, sc.agent, hh.Bytes())
	if err != nil {
		return Hash{}, fmt.Errorf("sign header: %w", err)
	}

	sc.scratch = append(sc.scratch, pendingItem{
		Signed: SignedHeader{Header: h, Signature: sig},
		Entry:  entry,
	})
	return hh, nil
}

// QueryFilter narrows SourceChain.Query's results.
type QueryFilter struct {
	SeqLo, SeqHi   *uint32
	HeaderType     *HeaderType
	EntryType      *string
	IncludeEntries bool
}

func (f QueryFilter) matches(h Header) bool {
	seq := h.GetSeq()
	if f.SeqLo != nil && seq < *f.SeqLo {
		return false
	}
	if f.SeqHi != nil && seq > *f.SeqHi {
		return false
	}
	if f.HeaderType != nil && h.Type() != *f.HeaderType {
		return false
	}
	if f.EntryType != nil {
		switch v := h.(type) {
		case HeaderCreate:
			if v.EntryType != *f.EntryType {
				return false
			}
		case HeaderUpdate:
			if v.EntryType != *f.EntryType {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Element is the (signed_header, optional_entry) tuple served by Query,
// get and the cascade.
type Element struct {
	Signed SignedHeader
	Entry  Entry
}

// Query unions persisted rows and scratch, ordered by seq ascending,
// filtered per f.
func (sc *SourceChain) Query(f QueryFilter) []Element {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	var out []Element
	for _, r := range sc.store.All() {
		if f.matches(r.Signed.Header) {
			el := Element{Signed: r.Signed}
			if f.IncludeEntries {
				el.Entry = r.EntryVal
			}
			out = append(out, el)
		}
	}
	for _, p := range sc.scratch {
		if f.matches(p.Signed.Header) {
			el := Element{Signed: p.Signed}
			if f.IncludeEntries {
				el.Entry = p.Entry
			}
			out = append(out, el)
		}
	}
	return out
}

// Flush commits scratch to the persistent store in one transaction. If the
// head-CAS fails, Strict ordering propagates HeadMoved; Relaxed ordering
// rebases the scratch onto the observed head (re-seq, re-link, re-sign)
// and retries once.
func (sc *SourceChain) Flush(ctx context.Context, ordering ChainTopOrdering) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if len(sc.scratch) == 0 {
		return nil
	}

	items := make([]AuthoredRecord, len(sc.scratch))
	for i, p := range sc.scratch {
		items[i] = AuthoredRecord{Signed: p.Signed, EntryVal: p.Entry}
	}

	newHead, newLen, err := sc.store.CommitScratch(sc.persistedHead, sc.persistedLen, items)
	if err == nil {
		sc.persistedHead, sc.persistedLen = newHead, newLen
		sc.scratch = nil
		return nil
	}

	var moved *HeadMoved
	if !asHeadMoved(err, &moved) {
		return err
	}
	if ordering == Strict {
		return err
	}

	// Relaxed: rebase the pending headers onto the observed head and retry
	// once.
	observedHead := moved.Observed
	observedLen, err2 := sc.lenAtHead(observedHead)
	if err2 != nil {
		return err2
	}
	if err := sc.rebase(ctx, observedHead, observedLen); err != nil {
		return err
	}

	items = make([]AuthoredRecord, len(sc.scratch))
	for i, p := range sc.scratch {
		items[i] = AuthoredRecord{Signed: p.Signed, EntryVal: p.Entry}
	}
	newHead, newLen, err = sc.store.CommitScratch(sc.persistedHead, sc.persistedLen, items)
	if err != nil {
		return err
	}
	sc.persistedHead, sc.persistedLen = newHead, newLen
	sc.scratch = nil
	return nil
}

func asHeadMoved(err error, out **HeadMoved) bool {
	hm, ok := err.(*HeadMoved)
	if !ok {
		return false
	}
	*out = hm
	return true
}

// lenAtHead finds the seq+1 of the record whose header hash is head, by
// scanning the persisted store (small chains only; fine for this scale).
func (sc *SourceChain) lenAtHead(head Hash) (uint32, error) {
	all := sc.store.All()
	for _, r := range all {
		hh, _ := HashHeader(r.Signed.Header)
		if hh.Equal(head) {
			return r.Signed.Header.GetSeq() + 1, nil
		}
	}
	return 0, fmt.Errorf("rebase: observed head %s not found in authored store", head)
}

// rebase re-seqs, re-links and re-signs every scratch item onto a new
// chain tip, preserving each item's original entry and header content
// otherwise (only common fields change).
func (sc *SourceChain) rebase(ctx context.Context, newHead Hash, newLen uint32) error {
	sc.persistedHead = newHead
	sc.persistedLen = newLen

	old := sc.scratch
	sc.scratch = nil
	prev := newHead
	seq := newLen
	for _, p := range old {
		h := rebuild(p.Signed.Header, common{
			Author:    sc.agent,
			Timestamp: p.Signed.Header.GetTimestamp(),
			Seq:       seq,
			Prev:      prev,
		})
		hh, err := HashHeader(h)
		if err != nil {
			return err
		}
		sig, err := sc.keystore.Sign(ctx, sc.agent, hh.Bytes())
		if err != nil {
			return err
		}
		sc.scratch = append(sc.scratch, pendingItem{Signed: SignedHeader{Header: h, Signature: sig}, Entry: p.Entry})
		prev = hh
		seq++
	}
	return nil
}

// rebuild clones h with its common fields replaced by c, keeping every
// variant-specific field untouched.
func rebuild(h Header, c common) Header {
	switch v := h.(type) {
	case HeaderAgentValidationPkg:
		v.common = c
		return v
	case HeaderInitZomesComplete:
		v.common = c
		return v
	case HeaderCreate:
		v.common = c
		return v
	case HeaderUpdate:
		v.common = c
		return v
	case HeaderDelete:
		v.common = c
		return v
	case HeaderCreateLink:
		v.common = c
		return v
	case HeaderDeleteLink:
		v.common = c
		return v
	case HeaderOpenChain:
		v.common = c
		return v
	case HeaderCloseChain:
		v.common = c
		return v
	default:
		return h
	}
}

// ChainAuthor identifies who a resolved capability grant authorizes a call
// as: either the chain's own owner, or the grantor behind a matching
// CapGrant entry.
type ChainAuthor struct {
	Agent   AgentPubKey
	IsOwner bool
}

// ValidCapGrant resolves whether caller may invoke function on this chain's
// owning agent, returning the authorizing ChainAuthor when so (§4.1).
// Authorship implies full authority; otherwise the most recent non-deleted
// CapGrant entry whose access matches is used.
func (sc *SourceChain) ValidCapGrant(function GrantedFunction, caller AgentPubKey, secret CapSecret) (*ChainAuthor, error) {
	if caller.Equal(sc.agent) {
		return &ChainAuthor{Agent: sc.agent, IsOwner: true}, nil
	}

	entryType := "cap_grant"
	els := sc.Query(QueryFilter{EntryType: &entryType, IncludeEntries: true})
	deleted := sc.deletedHeaderSet()

	for i := len(els) - 1; i >= 0; i-- {
		el := els[i]
		hh, _ := HashHeader(el.Signed.Header)
		if deleted[hh] {
			continue
		}
		grant, ok := el.Entry.(CapGrantEntry)
		if !ok || !grant.HasFunction(function.Zome, function.Function) {
			continue
		}
		if grant.Permits(caller, secret) {
			return &ChainAuthor{Agent: sc.agent, IsOwner: false}, nil
		}
	}
	return nil, nil
}

func (sc *SourceChain) deletedHeaderSet() map[Hash]bool {
	out := map[Hash]bool{}
	dt := HeaderTypeDelete
	for _, el := range sc.Query(QueryFilter{HeaderType: &dt}) {
		if d, ok := el.Signed.Header.(HeaderDelete); ok {
			out[d.DeletesHeader] = true
		}
	}
	return out
}
