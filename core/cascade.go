package core

import "context"

// RemoteFetcher is the network collaborator the cascade falls through to
// once every local tier misses, wired to the wire protocol in network.go.
type RemoteFetcher interface {
	FetchElement(ctx context.Context, addr Hash) (*Element, bool, error)
	FetchLinks(ctx context.Context, base Hash) ([]HeaderCreateLink, error)
	FetchAgentActivity(ctx context.Context, agent AgentPubKey) ([]Element, error)
}

// Cascade is the multi-tier read path of §4.7: authored chain, then local
// dht authority, then cache, then network — returning on the first tier
// that resolves addr, and back-filling the cache on a network hit so the
// next local read is free.
type Cascade struct {
	authored *AuthoredStore
	dht      *DhtStore
	cache    *CacheStore
	remote   RemoteFetcher
}

// NewCascade constructs a cascade over the given tiers. remote may be nil
// for a cell with no network layer (e.g. single-agent tests).
func NewCascade(authored *AuthoredStore, dht *DhtStore, cache *CacheStore, remote RemoteFetcher) *Cascade {
	return &Cascade{authored: authored, dht: dht, cache: cache, remote: remote}
}

// GetElement resolves addr (an entry or header hash) through every tier in
// order, returning the first hit. A DhtOp store's record at addr is only a
// hit if not ValidationRejected — rejected ops are still held (for their
// RegisterAgentActivity/fork-evidence value) but never served as content.
func (c *Cascade) GetElement(ctx context.Context, addr Hash) (*Element, error) {
	if el, ok := c.fromAuthored(addr); ok {
		return el, nil
	}
	if el, ok := c.fromDht(addr); ok {
		return el, nil
	}
	if el, ok := c.cache.GetElement(addr); ok {
		return el, nil
	}
	if c.remote == nil {
		return nil, ErrNotFound
	}
	el, ok, err := c.remote.FetchElement(ctx, addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	c.cache.PutElement(addr, el)
	return el, nil
}

// GetHeader implements DepResolver for system/app validation's must_get_header
// dependency checks, resolving through the same tier order as GetElement.
func (c *Cascade) GetHeader(ctx context.Context, hash Hash) (Header, bool) {
	el, err := c.GetElement(ctx, hash)
	if err != nil {
		return nil, false
	}
	return el.Signed.Header, true
}

// GetEntry implements DepResolver for must_get_entry dependency checks.
func (c *Cascade) GetEntry(ctx context.Context, hash Hash) (Entry, bool) {
	el, err := c.GetElement(ctx, hash)
	if err != nil || el.Entry == nil {
		return nil, false
	}
	return el.Entry, true
}

func (c *Cascade) fromAuthored(addr Hash) (*Element, bool) {
	for _, r := range c.authored.All() {
		hh, _ := HashHeader(r.Signed.Header)
		if hh.Equal(addr) || (r.EntryVal != nil && HashEntry(r.EntryVal).Equal(addr)) {
			return &Element{Signed: r.Signed, Entry: r.EntryVal}, true
		}
	}
	return nil, false
}

func (c *Cascade) fromDht(addr Hash) (*Element, bool) {
	for _, rec := range c.dht.ByBasis(addr) {
		if rec.Status == ValidationRejected || !rec.Integrated {
			continue
		}
		if so, ok := rec.Op.(OpStoreElement); ok {
			return &Element{Signed: so.Sig, Entry: so.Entry_}, true
		}
		if se, ok := rec.Op.(OpStoreEntry); ok {
			return &Element{Signed: se.Sig, Entry: se.Entry_}, true
		}
	}
	return nil, false
}

// GetLinks resolves every live (non-deleted) CreateLink header based at
// base, applying RegisterRemoveLink tombstones across whichever tier
// supplied the raw rows.
func (c *Cascade) GetLinks(ctx context.Context, base Hash) ([]HeaderCreateLink, error) {
	removed := map[Hash]bool{}
	var adds []HeaderCreateLink

	for _, rec := range c.dht.ByBasis(base) {
		if rec.Status == ValidationRejected || !rec.Integrated {
			continue
		}
		switch op := rec.Op.(type) {
		case OpRegisterAddLink:
			if h, ok := op.Sig.Header.(HeaderCreateLink); ok {
				adds = append(adds, h)
			}
		case OpRegisterRemoveLink:
			if h, ok := op.Sig.Header.(HeaderDeleteLink); ok {
				removed[h.LinkAddHeader] = true
			}
		}
	}

	if len(adds) == 0 && c.remote != nil {
		remoteAdds, err := c.remote.FetchLinks(ctx, base)
		if err != nil {
			return nil, err
		}
		adds = remoteAdds
	}

	var out []HeaderCreateLink
	for _, h := range adds {
		hh, _ := HashHeader(h)
		if !removed[hh] {
			out = append(out, h)
		}
	}
	return out, nil
}

// LinkRemoved implements DepResolver for sys validation's DeleteLink check
// (§4.5 step 5): reports whether a RegisterRemoveLink op already exists for
// the CreateLink at addHeader, based at base.
func (c *Cascade) LinkRemoved(ctx context.Context, base, addHeader Hash) bool {
	for _, rec := range c.dht.ByBasis(base) {
		if rec.Status == ValidationRejected || !rec.Integrated {
			continue
		}
		op, ok := rec.Op.(OpRegisterRemoveLink)
		if !ok {
			continue
		}
		h, ok := op.Sig.Header.(HeaderDeleteLink)
		if ok && h.LinkAddHeader.Equal(addHeader) {
			return true
		}
	}
	return false
}

// Details is the result of a get_details host call (§4.2): the element a
// plain Get would return, its raw validation verdict, and any headers that
// delete it. Unlike GetElement, a rejected op is still surfaced here
// instead of being filtered out (§8 S5 "a rejected op must still be
// visible via get_details"; S4 "get_details returns both the original
// header and the delete header").
type Details struct {
	Element *Element
	Status  ValidationStatus
	Deletes []HeaderDelete
}

// GetDetails resolves addr like GetElement, but through a record's raw
// status rather than filtering rejected ops out, and with any delete
// headers registered against it folded in.
func (c *Cascade) GetDetails(ctx context.Context, addr Hash) (*Details, error) {
	if el, ok := c.fromAuthored(addr); ok {
		return &Details{Element: el, Status: ValidationValid, Deletes: c.deletesOf(addr)}, nil
	}

	for _, rec := range c.dht.ByBasis(addr) {
		var el *Element
		switch op := rec.Op.(type) {
		case OpStoreElement:
			el = &Element{Signed: op.Sig, Entry: op.Entry_}
		case OpStoreEntry:
			el = &Element{Signed: op.Sig, Entry: op.Entry_}
		default:
			continue
		}
		return &Details{Element: el, Status: rec.Status, Deletes: c.deletesOf(addr)}, nil
	}

	if el, ok := c.cache.GetElement(addr); ok {
		return &Details{Element: el, Status: ValidationValid, Deletes: c.deletesOf(addr)}, nil
	}

	if c.remote == nil {
		return nil, ErrNotFound
	}
	el, ok, err := c.remote.FetchElement(ctx, addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	c.cache.PutElement(addr, el)
	return &Details{Element: el, Status: ValidationValid, Deletes: c.deletesOf(addr)}, nil
}

// deletesOf collects every HeaderDelete registered against addr via
// RegisterDeletedBy, skipping rejected ops.
func (c *Cascade) deletesOf(addr Hash) []HeaderDelete {
	var out []HeaderDelete
	for _, rec := range c.dht.ByBasis(addr) {
		if rec.Status == ValidationRejected {
			continue
		}
		op, ok := rec.Op.(OpRegisterDeletedBy)
		if !ok {
			continue
		}
		if h, ok := op.Sig.Header.(HeaderDelete); ok {
			out = append(out, h)
		}
	}
	return out
}

// GetAgentActivity resolves the full RegisterAgentActivity-indexed header
// sequence for agent, preferring the local dht index and falling through
// to the network for chains this node holds no authority slice of.
func (c *Cascade) GetAgentActivity(ctx context.Context, agent AgentPubKey) ([]Element, error) {
	var out []Element
	for _, rec := range c.dht.ByBasis(agent) {
		if rec.Status == ValidationRejected || !rec.Integrated {
			continue
		}
		if _, ok := rec.Op.(OpRegisterAgentActivity); ok {
			out = append(out, Element{Signed: rec.Op.SignedHeader()})
		}
	}
	if len(out) > 0 || c.remote == nil {
		return out, nil
	}
	return c.remote.FetchAgentActivity(ctx, agent)
}
