package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// HashType tags the kind of value a Hash addresses. The tag is carried as
// part of the wire encoding so that a bare 37-byte blob can be routed to the
// right decoder without extra context.
type HashType byte

const (
	HashTypeAgent HashType = iota
	HashTypeDna
	HashTypeEntry
	HashTypeHeader
	HashTypeDhtOp
	HashTypeWasm
	HashTypeNetId
	HashTypeExternal
)

func (t HashType) String() string {
	switch t {
	case HashTypeAgent:
		return "Agent"
	case HashTypeDna:
		return "Dna"
	case HashTypeEntry:
		return "Entry"
	case HashTypeHeader:
		return "Header"
	case HashTypeDhtOp:
		return "DhtOp"
	case HashTypeWasm:
		return "Wasm"
	case HashTypeNetId:
		return "NetId"
	case HashTypeExternal:
		return "External"
	default:
		return fmt.Sprintf("HashType(%d)", byte(t))
	}
}

// IsAnyDht reports whether t is one of the AnyDht composite's members
// (Entry or Header) — the two hash kinds that can be the basis of a
// content-addressed DHT op.
func (t HashType) IsAnyDht() bool {
	return t == HashTypeEntry || t == HashTypeHeader
}

// IsAnyLinkable reports whether t is one of the AnyLinkable composite's
// members (Entry, Header or External) — anything a CreateLink base/target
// may point at.
func (t HashType) IsAnyLinkable() bool {
	return t == HashTypeEntry || t == HashTypeHeader || t == HashTypeExternal
}

const (
	// DigestLength is the width of the raw content digest.
	DigestLength = 32
	// LocationLength is the width of the folded location suffix.
	LocationLength = 4
	// TypeTagLength is the width of the leading type tag.
	TypeTagLength = 1
	// HashLength is the width of a Hash's wire encoding: tag + digest + location.
	HashLength = TypeTagLength + DigestLength + LocationLength
)

// Hash is the 37-byte content address used throughout Cell Core: a type
// tag, a 32-byte digest, and a 4-byte location suffix folded from the
// digest. The location maps every value onto the circular 2^32 address
// space the sharded gossip engine shards over.
type Hash struct {
	Type     HashType
	Digest   [DigestLength]byte
	Location uint32
}

// FoldLocation computes the 4-byte location suffix for a digest by XOR
// folding its 32 bytes into a little-endian uint32, 4 bytes at a time.
// This is the "location" referenced throughout §3/§4.8: the address a
// DhtOp's basis resolves to on the 2^32 ring.
func FoldLocation(digest [DigestLength]byte) uint32 {
	var loc [LocationLength]byte
	for i, b := range digest {
		loc[i%LocationLength] ^= b
	}
	return binary.LittleEndian.Uint32(loc[:])
}

// ComputeHash hashes data with SHA-256 and wraps the digest as a Hash of
// the given type, with its location suffix folded in.
//
// Agent is the one exception: an AgentPubKey's digest IS the agent's raw
// ed25519 public key, not a hash of it — signature verification against an
// untrusted remote author needs the actual key, and a one-way SHA-256 of
// it could never be recovered for that purpose. A 32-byte ed25519 key and
// a SHA-256 digest are the same width, so this falls out of the same Hash
// shape with no wire-format change.
func ComputeHash(t HashType, data []byte) Hash {
	if t == HashTypeAgent && len(data) == DigestLength {
		var digest [DigestLength]byte
		copy(digest[:], data)
		return Hash{Type: t, Digest: digest, Location: FoldLocation(digest)}
	}
	digest := sha256.Sum256(data)
	return Hash{Type: t, Digest: digest, Location: FoldLocation(digest)}
}

// Bytes encodes the hash as its 37-byte wire form: 1-byte type tag, 32-byte
// digest, 4-byte little-endian location.
func (h Hash) Bytes() []byte {
	out := make([]byte, 0, HashLength)
	out = append(out, byte(h.Type))
	out = append(out, h.Digest[:]...)
	loc := make([]byte, LocationLength)
	binary.LittleEndian.PutUint32(loc, h.Location)
	return append(out, loc...)
}

// DecodeHash parses a hash from its wire form and verifies the embedded
// location suffix matches the digest it was folded from.
func DecodeHash(b []byte) (Hash, error) {
	if len(b) != HashLength {
		return Hash{}, fmt.Errorf("decode hash: want %d bytes, got %d", HashLength, len(b))
	}
	var h Hash
	h.Type = HashType(b[0])
	copy(h.Digest[:], b[1:1+DigestLength])
	h.Location = binary.LittleEndian.Uint32(b[1+DigestLength:])
	if want := FoldLocation(h.Digest); want != h.Location {
		return Hash{}, fmt.Errorf("decode hash: location mismatch: want %d, got %d", want, h.Location)
	}
	return h, nil
}

// String renders the hash as its type name followed by the hex digest,
// e.g. "Header:deadbeef...".
func (h Hash) String() string {
	return fmt.Sprintf("%s:%s", h.Type, hex.EncodeToString(h.Digest[:]))
}

// IsZero reports whether h is the zero value (never a valid content hash).
func (h Hash) IsZero() bool {
	return h.Digest == [DigestLength]byte{} && h.Location == 0 && h.Type == HashTypeAgent
}

// Equal reports whether two hashes address the same type and digest.
func (h Hash) Equal(o Hash) bool {
	return h.Type == o.Type && h.Digest == o.Digest
}

// AgentPubKey is an agent's identity within a space: its raw ed25519
// public signing key in the digest slot, typed as an Agent hash (see
// ComputeHash).
type AgentPubKey = Hash

// DnaHash identifies the DNA (application definition) a cell runs.
type DnaHash = Hash
