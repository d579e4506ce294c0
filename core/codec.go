package core

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// Cell Core serializes headers, entries, DhtOps and wire messages with
// encoding/gob: every variant is a concrete struct registered once at
// package init, and interface-typed fields (Header, Entry, DhtOp) round
// trip through gob's own type registry. This matches the "blob" column
// types named in the persisted schema (§6) without requiring a
// hand-rolled binary format.
func init() {
	gob.Register(HeaderDna{})
	gob.Register(HeaderAgentValidationPkg{})
	gob.Register(HeaderInitZomesComplete{})
	gob.Register(HeaderCreate{})
	gob.Register(HeaderUpdate{})
	gob.Register(HeaderDelete{})
	gob.Register(HeaderCreateLink{})
	gob.Register(HeaderDeleteLink{})
	gob.Register(HeaderOpenChain{})
	gob.Register(HeaderCloseChain{})

	gob.Register(AgentEntry{})
	gob.Register(AppEntry{})
	gob.Register(CapClaimEntry{})
	gob.Register(CapGrantEntry{})

	gob.Register(OpStoreElement{})
	gob.Register(OpStoreEntry{})
	gob.Register(OpRegisterAgentActivity{})
	gob.Register(OpRegisterUpdatedContent{})
	gob.Register(OpRegisterUpdatedElement{})
	gob.Register(OpRegisterDeletedBy{})
	gob.Register(OpRegisterDeletedEntryHeader{})
	gob.Register(OpRegisterAddLink{})
	gob.Register(OpRegisterRemoveLink{})
}

// EncodeValue gob-encodes an arbitrary value (typically a Header, Entry,
// DhtOp or wire message) to bytes.
func EncodeValue(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeValue gob-decodes bytes produced by EncodeValue into *out (typically
// a pointer to an interface variable).
func DecodeValue(b []byte, out interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// HashHeader computes a header's content hash from its canonical encoding.
// Invariant 3 (§8): hash(decode(encode(h))) == hash(h).
func HashHeader(h Header) (Hash, error) {
	b, err := EncodeValue(h)
	if err != nil {
		return Hash{}, err
	}
	return ComputeHash(HashTypeHeader, b), nil
}

// HashEntry computes an entry's content hash from its canonical bytes.
// Invariant 4 (§8): hash(e) == h.entry_hash for StoreEntry ops.
func HashEntry(e Entry) Hash {
	return ComputeHash(HashTypeEntry, e.Bytes())
}
