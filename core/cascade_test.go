package core

import (
	"context"
	"testing"
	"time"
)

type fakeRemote struct {
	elements map[Hash]*Element
	links    []HeaderCreateLink
	fetched  int
}

func (f *fakeRemote) FetchElement(ctx context.Context, addr Hash) (*Element, bool, error) {
	f.fetched++
	el, ok := f.elements[addr]
	return el, ok, nil
}

func (f *fakeRemote) FetchLinks(ctx context.Context, base Hash) ([]HeaderCreateLink, error) {
	return f.links, nil
}

func (f *fakeRemote) FetchAgentActivity(ctx context.Context, agent AgentPubKey) ([]Element, error) {
	return nil, nil
}

func integratedStoreElement(t *testing.T, dht *DhtStore, seq uint32, status ValidationStatus) (DhtOp, Hash) {
	t.Helper()
	entry := AppEntry{Payload: []byte{byte(seq)}, Visibility: Public}
	sig := SignedHeader{Header: HeaderCreate{common: common{Seq: seq}, EntryType: "post", EntryHash: HashEntry(entry), Visibility: Public}}
	op := OpStoreElement{opCommon{Sig: sig, Entry_: entry}}
	dht.Stage(op)
	rec, _ := dht.Lookup(opKey(op))
	dht.SetStatus(rec, status)
	dht.MarkIntegrated(rec)
	return op, op.Basis()
}

func TestCascadeResolvesFromAuthoredTierFirst(t *testing.T) {
	authored := NewAuthoredStore()
	rec := authoredRecordAt(1)
	head, length := authored.Head()
	if _, _, err := authored.CommitScratch(head, length, []AuthoredRecord{rec}); err != nil {
		t.Fatalf("CommitScratch: %v", err)
	}
	hh, _ := HashHeader(rec.Signed.Header)

	c := NewCascade(authored, NewDhtStore(), NewCacheStore(time.Minute), nil)
	el, err := c.GetElement(context.Background(), hh)
	if err != nil {
		t.Fatalf("GetElement: %v", err)
	}
	if el.Entry == nil {
		t.Fatalf("expected the authored record's entry to come back")
	}
}

func TestCascadeFallsThroughToDhtTier(t *testing.T) {
	dht := NewDhtStore()
	_, basis := integratedStoreElement(t, dht, 1, ValidationValid)

	c := NewCascade(NewAuthoredStore(), dht, NewCacheStore(time.Minute), nil)
	el, err := c.GetElement(context.Background(), basis)
	if err != nil {
		t.Fatalf("expected dht tier to resolve the op, got: %v", err)
	}
	if el == nil {
		t.Fatalf("expected a non-nil element")
	}
}

func TestCascadeSkipsRejectedDhtOps(t *testing.T) {
	dht := NewDhtStore()
	_, basis := integratedStoreElement(t, dht, 1, ValidationRejected)

	c := NewCascade(NewAuthoredStore(), dht, NewCacheStore(time.Minute), nil)
	_, err := c.GetElement(context.Background(), basis)
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for a rejected op with no remote fallback, got: %v", err)
	}
}

func TestCascadeFallsThroughToCacheTier(t *testing.T) {
	cache := NewCacheStore(time.Minute)
	addr := ComputeHash(HashTypeHeader, []byte("cached"))
	want := &Element{Signed: SignedHeader{Header: HeaderCreate{common: common{}}}}
	cache.PutElement(addr, want)

	c := NewCascade(NewAuthoredStore(), NewDhtStore(), cache, nil)
	got, err := c.GetElement(context.Background(), addr)
	if err != nil {
		t.Fatalf("GetElement: %v", err)
	}
	if got != want {
		t.Fatalf("expected the exact cached element back")
	}
}

func TestCascadeNetworkHitBackfillsCache(t *testing.T) {
	addr := ComputeHash(HashTypeHeader, []byte("remote-only"))
	want := &Element{Signed: SignedHeader{Header: HeaderCreate{common: common{}}}}
	remote := &fakeRemote{elements: map[Hash]*Element{addr: want}}
	cache := NewCacheStore(time.Minute)

	c := NewCascade(NewAuthoredStore(), NewDhtStore(), cache, remote)
	got, err := c.GetElement(context.Background(), addr)
	if err != nil {
		t.Fatalf("GetElement: %v", err)
	}
	if got != want {
		t.Fatalf("expected the remote-fetched element back")
	}
	if remote.fetched != 1 {
		t.Fatalf("expected exactly one remote fetch")
	}

	// A repeat read should be served from cache without hitting the network again.
	if _, err := c.GetElement(context.Background(), addr); err != nil {
		t.Fatalf("GetElement (cached): %v", err)
	}
	if remote.fetched != 1 {
		t.Fatalf("expected the second read to be served from cache, not the network")
	}
}

func TestCascadeGetElementMissReturnsErrNotFound(t *testing.T) {
	c := NewCascade(NewAuthoredStore(), NewDhtStore(), NewCacheStore(time.Minute), nil)
	_, err := c.GetElement(context.Background(), ComputeHash(HashTypeHeader, []byte("nowhere")))
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCascadeGetLinksAppliesRemoveTombstone(t *testing.T) {
	dht := NewDhtStore()
	base := ComputeHash(HashTypeEntry, []byte("base"))
	target := ComputeHash(HashTypeEntry, []byte("target"))
	addSig := SignedHeader{Header: HeaderCreateLink{common: common{Seq: 1}, Base: base, Target: target}}
	addOp := OpRegisterAddLink{opCommon{Sig: addSig}, base}
	dht.Stage(addOp)
	addRec, _ := dht.Lookup(opKey(addOp))
	dht.SetStatus(addRec, ValidationValid)
	dht.MarkIntegrated(addRec)

	addHash, _ := HashHeader(addSig.Header)
	removeSig := SignedHeader{Header: HeaderDeleteLink{common: common{Seq: 2}, LinkAddHeader: addHash, Base: base}}
	removeOp := OpRegisterRemoveLink{opCommon{Sig: removeSig}, base}
	dht.Stage(removeOp)
	removeRec, _ := dht.Lookup(opKey(removeOp))
	dht.SetStatus(removeRec, ValidationValid)
	dht.MarkIntegrated(removeRec)

	c := NewCascade(NewAuthoredStore(), dht, NewCacheStore(time.Minute), nil)
	links, err := c.GetLinks(context.Background(), base)
	if err != nil {
		t.Fatalf("GetLinks: %v", err)
	}
	if len(links) != 0 {
		t.Fatalf("expected the deleted link to be tombstoned out, got %d", len(links))
	}
}

func TestCascadeGetLinksFallsThroughToRemoteWhenEmpty(t *testing.T) {
	base := ComputeHash(HashTypeEntry, []byte("base"))
	wantLink := HeaderCreateLink{common: common{Seq: 1}, Base: base}
	remote := &fakeRemote{links: []HeaderCreateLink{wantLink}}

	c := NewCascade(NewAuthoredStore(), NewDhtStore(), NewCacheStore(time.Minute), remote)
	links, err := c.GetLinks(context.Background(), base)
	if err != nil {
		t.Fatalf("GetLinks: %v", err)
	}
	if len(links) != 1 {
		t.Fatalf("expected the remote-fetched link to be returned when local is empty")
	}
}
