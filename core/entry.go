package core

// EntryVisibility controls whether an App entry's bytes are fanned out to
// the DHT as a StoreEntry op or kept off the wire entirely.
type EntryVisibility int

const (
	Public EntryVisibility = iota
	Private
)

func (v EntryVisibility) String() string {
	if v == Private {
		return "Private"
	}
	return "Public"
}

// EntryKind discriminates the Entry variants.
type EntryKind int

const (
	EntryKindAgent EntryKind = iota
	EntryKindApp
	EntryKindCapClaim
	EntryKindCapGrant
)

// Entry is the content carried by Create/Update headers. Implemented by
// AgentEntry, AppEntry, CapClaimEntry and CapGrantEntry.
type Entry interface {
	EntryKind() EntryKind
	// Bytes returns the canonical serialization hashed to produce the
	// entry's content hash (invariant 4: hash(e) == h.entry_hash).
	Bytes() []byte
	// VisibilityOf returns the entry's fan-out visibility. Agent, CapClaim
	// and CapGrant entries are always Public; App entries carry their own.
	VisibilityOf() EntryVisibility
}

// AgentEntry is committed at chain seq 2 during genesis; its content hash
// (HashEntry) is the SHA-256 of the agent key's wire form, typed as an
// Entry hash.
type AgentEntry struct {
	PubKey AgentPubKey
}

func (e AgentEntry) EntryKind() EntryKind          { return EntryKindAgent }
func (e AgentEntry) Bytes() []byte                 { return e.PubKey.Bytes() }
func (e AgentEntry) VisibilityOf() EntryVisibility { return Public }

// AppEntry is an application-defined entry. Visibility is declared by the
// zome's entry-type definition at commit time.
type AppEntry struct {
	Payload    []byte
	Visibility EntryVisibility
}

func (e AppEntry) EntryKind() EntryKind          { return EntryKindApp }
func (e AppEntry) Bytes() []byte                 { return e.Payload }
func (e AppEntry) VisibilityOf() EntryVisibility { return e.Visibility }

// CapSecret is the shared-secret string gating Transferable/Assigned grants.
type CapSecret string

// CapAccessKind discriminates the three capability-grant access levels.
type CapAccessKind int

const (
	CapUnrestricted CapAccessKind = iota
	CapTransferable
	CapAssigned
)

// CapAccess describes who may invoke a granted zome function.
type CapAccess struct {
	Kind      CapAccessKind
	Secret    CapSecret      // Transferable, Assigned
	Assignees []AgentPubKey  // Assigned only
}

// GrantedFunction names a single zome/function pair a CapGrant authorizes.
type GrantedFunction struct {
	Zome     string
	Function string
}

// CapGrantEntry authorizes other agents to invoke a caller's zome
// functions. See SourceChain.ValidCapGrant for resolution order.
type CapGrantEntry struct {
	Tag       string
	Access    CapAccess
	Functions []GrantedFunction
}

func (e CapGrantEntry) EntryKind() EntryKind          { return EntryKindCapGrant }
func (e CapGrantEntry) Bytes() []byte                 { return []byte(e.Tag) }
func (e CapGrantEntry) VisibilityOf() EntryVisibility { return Public }

// CapClaimEntry is the corresponding claim an invoking agent holds and
// presents (grantor, secret) on a remote call.
type CapClaimEntry struct {
	Tag     string
	Grantor AgentPubKey
	Secret  CapSecret
}

func (e CapClaimEntry) EntryKind() EntryKind          { return EntryKindCapClaim }
func (e CapClaimEntry) Bytes() []byte                 { return []byte(e.Tag) }
func (e CapClaimEntry) VisibilityOf() EntryVisibility { return Public }

// HasFunction reports whether a grant authorizes the given zome function.
func (e CapGrantEntry) HasFunction(zome, fn string) bool {
	for _, f := range e.Functions {
		if f.Zome == zome && f.Function == fn {
			return true
		}
	}
	return false
}

// Permits reports whether caller with secret satisfies this grant's access
// policy (§4.1 cap-grant resolution).
func (e CapGrantEntry) Permits(caller AgentPubKey, secret CapSecret) bool {
	switch e.Access.Kind {
	case CapUnrestricted:
		return true
	case CapTransferable:
		return e.Access.Secret == secret
	case CapAssigned:
		if e.Access.Secret != secret {
			return false
		}
		for _, a := range e.Access.Assignees {
			if a.Equal(caller) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
