package core

import "sync"

// AuthoredRecord is one committed (header, entry?) pair as held in the
// `authored` table (§3/§6), plus the DhtOps it decomposed into and whether
// those ops have been published yet.
type AuthoredRecord struct {
	Signed    SignedHeader
	EntryVal  Entry
	Ops       []DhtOpLight
	Published bool
	Receipts  []ValidationReceipt
}

// AuthoredStore is the `authored` persisted table: records written by the
// local agent. Single-writer (the source chain's Flush), snapshot reads
// for everyone else — matching the "single-writer per workflow" policy in
// §5 of spec.md.
//
// Grounded in the WAL/snapshot shape of the teacher's core/ledger.go, but
// simplified to an in-memory slice behind a mutex: this exercise's four
// stores are small enough that no embedded KV/SQL driver from the example
// pack is a good fit (see DESIGN.md), and the head-of-chain CAS below is
// the one piece of that pattern spec.md actually requires.
type AuthoredStore struct {
	mu      sync.Mutex
	records []AuthoredRecord
}

// NewAuthoredStore constructs an empty authored store.
func NewAuthoredStore() *AuthoredStore {
	return &AuthoredStore{}
}

// Head returns the hash of the last committed header and the chain length,
// or the zero hash and 0 if the chain is empty.
func (s *AuthoredStore) Head() (Hash, uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headLocked()
}

func (s *AuthoredStore) headLocked() (Hash, uint32) {
	if len(s.records) == 0 {
		return Hash{}, 0
	}
	last := s.records[len(s.records)-1]
	h, _ := HashHeader(last.Signed.Header)
	return h, uint32(len(s.records))
}

// CommitScratch is the head-CAS transaction at the center of §4.1: it
// re-reads the persisted head under the store's lock and only appends if it
// still matches expectedHead/expectedLen, exactly as the flush transaction
// described in SourceChain.Flush requires.
func (s *AuthoredStore) CommitScratch(expectedHead Hash, expectedLen uint32, items []AuthoredRecord) (Hash, uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	observedHead, observedLen := s.headLocked()
	if observedLen != expectedLen || observedHead != expectedHead {
		return Hash{}, 0, &HeadMoved{Expected: expectedHead, Observed: observedHead}
	}
	s.records = append(s.records, items...)
	newHead, newLen := s.headLocked()
	return newHead, newLen, nil
}

// All returns a snapshot copy of every committed record, seq-ascending.
func (s *AuthoredStore) All() []AuthoredRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuthoredRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Unpublished returns records not yet marked published, whether or not their
// ops have been produced, in seq order — the publish workflow's work queue.
func (s *AuthoredStore) Unpublished() []AuthoredRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AuthoredRecord
	for _, r := range s.records {
		if !r.Published {
			out = append(out, r)
		}
	}
	return out
}

// MarkPublished flips the Published flag for the record whose header hash
// matches, and returns whether a match was found.
func (s *AuthoredStore) MarkPublished(headerHash Hash, published bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.records {
		hh, _ := HashHeader(s.records[i].Signed.Header)
		if hh.Equal(headerHash) {
			s.records[i].Published = published
			return true
		}
	}
	return false
}

// SetOps records the decomposed DhtOps for the record at headerHash, once
// produce_dht_ops has run for it.
func (s *AuthoredStore) SetOps(headerHash Hash, ops []DhtOpLight) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.records {
		hh, _ := HashHeader(s.records[i].Signed.Header)
		if hh.Equal(headerHash) {
			s.records[i].Ops = ops
			return true
		}
	}
	return false
}

// Undecomposed returns committed records that have not yet been run
// through produce_dht_ops (Ops is nil), in seq order.
func (s *AuthoredStore) Undecomposed() []AuthoredRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AuthoredRecord
	for _, r := range s.records {
		if r.Ops == nil {
			out = append(out, r)
		}
	}
	return out
}

// AddReceipt appends a validation receipt to the record for headerHash.
func (s *AuthoredStore) AddReceipt(headerHash Hash, r ValidationReceipt) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.records {
		hh, _ := HashHeader(s.records[i].Signed.Header)
		if hh.Equal(headerHash) {
			s.records[i].Receipts = append(s.records[i].Receipts, r)
			return true
		}
	}
	return false
}
