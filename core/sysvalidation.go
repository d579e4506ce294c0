package core

import "context"

// DepResolver looks up headers/entries a validation callback must_get to
// check structural dependencies, backed by the cascade in production and
// by a single store in tests.
type DepResolver interface {
	GetHeader(ctx context.Context, hash Hash) (Header, bool)
	GetEntry(ctx context.Context, hash Hash) (Entry, bool)
	// LinkRemoved reports whether a RegisterRemoveLink op already exists
	// for the CreateLink at addHeader, based at base (§4.5 step 5: a
	// DeleteLink can't tombstone a link that's already tombstoned).
	LinkRemoved(ctx context.Context, base, addHeader Hash) bool
}

// SysValidator runs the context-free structural checks §4.5 requires
// before an op is ever handed to app validation: signature, hash-link
// integrity, and header/entry internal consistency.
type SysValidator struct {
	deps DepResolver
	dna  DnaHash
}

// NewSysValidator constructs a system validator resolving dependencies
// through deps, checking any Dna header it sees against dna (§4.5 step 3).
func NewSysValidator(deps DepResolver, dna DnaHash) *SysValidator {
	return &SysValidator{deps: deps, dna: dna}
}

// Validate checks op's header signature, its prev_header link (when
// resolvable) and type-specific structural invariants, returning
// AwaitingDeps if a referenced header/entry is not yet held locally.
func (v *SysValidator) Validate(ctx context.Context, op DhtOp) (ValidationStatus, error) {
	sig := op.SignedHeader()
	hh, err := HashHeader(sig.Header)
	if err != nil {
		return ValidationRejected, &Invalid{Reason: "header does not hash: " + err.Error()}
	}
	if !VerifyRaw(authorPubKeyBytes(sig.Header.GetAuthor()), sig.Signature, hh.Bytes()) {
		return ValidationRejected, &Invalid{Reason: "signature does not verify against author"}
	}

	if err := v.checkPrevHeader(ctx, sig.Header); err != nil {
		return ValidationRejected, err
	}

	if entry := op.OpEntry(); entry != nil {
		if err := v.checkEntryHash(sig.Header, entry); err != nil {
			return ValidationRejected, err
		}
	}

	switch h := sig.Header.(type) {
	case HeaderDna:
		if !h.DnaHash.Equal(v.dna) {
			return ValidationRejected, &Invalid{Reason: "dna_hash does not match this cell's DNA"}
		}
	case HeaderUpdate:
		orig, ok := v.deps.GetHeader(ctx, h.OriginalHeader)
		if !ok {
			return ValidationPending, &AwaitingDeps{Hashes: []Hash{h.OriginalHeader}}
		}
		if !IsUpdatable(orig.Type()) {
			return ValidationRejected, &Invalid{Reason: "update target is not an updatable header type"}
		}
	case HeaderDelete:
		target, ok := v.deps.GetHeader(ctx, h.DeletesHeader)
		if !ok {
			return ValidationPending, &AwaitingDeps{Hashes: []Hash{h.DeletesHeader}}
		}
		if !IsDeletable(target.Type()) {
			return ValidationRejected, &Invalid{Reason: "delete target is not a deletable header type"}
		}
	case HeaderDeleteLink:
		if _, ok := v.deps.GetHeader(ctx, h.LinkAddHeader); !ok {
			return ValidationPending, &AwaitingDeps{Hashes: []Hash{h.LinkAddHeader}}
		}
		if v.deps.LinkRemoved(ctx, h.Base, h.LinkAddHeader) {
			return ValidationRejected, &Invalid{Reason: "link already removed by a prior DeleteLink"}
		}
	}

	return ValidationValid, nil
}

// checkPrevHeader verifies prev_header, when not genesis and when the
// predecessor is already known, actually precedes this header in seq.
// An unresolvable predecessor is not an error here — RegisterAgentActivity
// ops are exactly what lets an authority backfill a chain out of order.
func (v *SysValidator) checkPrevHeader(ctx context.Context, h Header) error {
	prev := h.GetPrevHeader()
	if prev == nil {
		return nil
	}
	prevHeader, ok := v.deps.GetHeader(ctx, *prev)
	if !ok {
		return nil
	}
	if prevHeader.GetSeq()+1 != h.GetSeq() {
		return &Invalid{Reason: "prev_header seq does not precede this header"}
	}
	if !prevHeader.GetAuthor().Equal(h.GetAuthor()) {
		return &Invalid{Reason: "prev_header author mismatch"}
	}
	if h.GetTimestamp().Before(prevHeader.GetTimestamp()) {
		return &Invalid{Reason: "timestamp precedes prev_header's timestamp"}
	}
	return nil
}

// checkEntryHash verifies the header's declared entry hash matches the
// entry's actual content hash (invariant 4).
func (v *SysValidator) checkEntryHash(h Header, entry Entry) error {
	var declared Hash
	switch hh := h.(type) {
	case HeaderCreate:
		declared = hh.EntryHash
	case HeaderUpdate:
		declared = hh.EntryHash
	default:
		return nil
	}
	actual := HashEntry(entry)
	if !actual.Equal(declared) {
		return &Invalid{Reason: "entry hash does not match header's declared entry_hash"}
	}
	return nil
}

// authorPubKeyBytes recovers the raw ed25519 public key bytes an
// AgentPubKey addresses. An AgentPubKey's digest is the raw key itself
// (see ComputeHash), so this is a plain field access.
func authorPubKeyBytes(agent AgentPubKey) []byte {
	return agent.Digest[:]
}
