package core

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
)

// Keystore is the external signing collaborator assumed by §1: an async
// sign/verify service Cell Core never implements key-custody logic for
// itself. Production deployments back this with a lair-keystore-style
// out-of-process signer; InMemoryKeystore below is the in-process
// implementation used by genesis, tests and single-process deployments.
type Keystore interface {
	Sign(ctx context.Context, agent AgentPubKey, data []byte) ([]byte, error)
	Verify(pub AgentPubKey, sig, data []byte) bool
	// NewAgent generates and stores a fresh keypair, returning its public
	// key as an AgentPubKey hash.
	NewAgent(ctx context.Context) (AgentPubKey, error)
}

// InMemoryKeystore holds ed25519 keypairs in process memory, keyed by the
// AgentPubKey hash of the public key bytes.
type InMemoryKeystore struct {
	mu   sync.RWMutex
	keys map[Hash]ed25519.PrivateKey
}

// NewInMemoryKeystore constructs an empty keystore.
func NewInMemoryKeystore() *InMemoryKeystore {
	return &InMemoryKeystore{keys: make(map[Hash]ed25519.PrivateKey)}
}

// NewAgent generates an ed25519 keypair and registers it under its
// AgentPubKey, which carries the raw public key bytes (see ComputeHash).
func (k *InMemoryKeystore) NewAgent(ctx context.Context) (AgentPubKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Hash{}, fmt.Errorf("generate agent key: %w", err)
	}
	agent := ComputeHash(HashTypeAgent, pub)
	k.mu.Lock()
	k.keys[agent] = priv
	k.mu.Unlock()
	return agent, nil
}

// Sign signs data with the named agent's private key. The context is
// accepted (and ignored beyond cancellation) to preserve the async
// sign(agent, bytes) -> signature interface assumed by §1; a remote
// keystore would honor ctx for cancellation/deadlines across the wire.
func (k *InMemoryKeystore) Sign(ctx context.Context, agent AgentPubKey, data []byte) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	k.mu.RLock()
	priv, ok := k.keys[agent]
	k.mu.RUnlock()
	if !ok {
		return nil, ErrKeyNotFound
	}
	return ed25519.Sign(priv, data), nil
}

// Verify checks a signature against the agent's registered public key.
func (k *InMemoryKeystore) Verify(pub AgentPubKey, sig, data []byte) bool {
	k.mu.RLock()
	priv, ok := k.keys[pub]
	k.mu.RUnlock()
	if !ok {
		return false
	}
	return ed25519.Verify(priv.Public().(ed25519.PublicKey), sig, data)
}

// VerifyRaw verifies a signature given the raw ed25519 public key bytes,
// for agents not registered with this keystore instance (e.g. a remote
// peer's author key observed over the wire).
func VerifyRaw(rawPub, sig, data []byte) bool {
	if len(rawPub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(rawPub), sig, data)
}
