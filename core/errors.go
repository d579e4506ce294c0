package core

import (
	"errors"
	"fmt"
)

// Error kinds, grouped by layer per spec.md §7. Most are small struct types
// so callers can errors.As() to recover structured fields; the handful with
// no payload are sentinel errors.

// --- ChainIntegrity ---

// ErrChainEmpty is returned when an operation expects at least a genesis
// header and finds none.
var ErrChainEmpty = errors.New("chain empty")

// ErrGenesisNotComplete is returned when a zome call or join reaches the
// workflow layer before genesis (Dna/AgentValidationPkg/Create-AgentKey)
// has been committed.
var ErrGenesisNotComplete = errors.New("genesis not complete")

// ErrPrevHeaderMismatch indicates a header's prev_header does not hash the
// preceding header in the chain it was validated against.
var ErrPrevHeaderMismatch = errors.New("prev_header mismatch")

// HeadMoved is returned by SourceChain.Flush when the persisted chain head
// advanced past the snapshot a scratch was built against (§4.1 head-CAS).
type HeadMoved struct {
	Expected Hash
	Observed Hash
}

func (e *HeadMoved) Error() string {
	return fmt.Sprintf("chain head moved: expected %s, observed %s", e.Expected, e.Observed)
}

// --- Serialization ---

// ErrDecode and ErrUnexpectedType cover gob decode/type-assertion failures
// surfaced while replaying or decoding wire messages.
var (
	ErrEncode         = errors.New("encode error")
	ErrDecode         = errors.New("decode error")
	ErrUnexpectedType = errors.New("unexpected type")
)

// --- Persistence ---

var (
	ErrDatabaseBusy    = errors.New("database busy")
	ErrDatabaseCorrupt = errors.New("database corrupt")
	ErrNotFound        = errors.New("not found")
)

// --- Network ---

var (
	ErrTimeout          = errors.New("timeout")
	ErrNoPeers          = errors.New("no peers")
	ErrPeerDisconnected = errors.New("peer disconnected")
	ErrMessageTooLarge  = errors.New("message too large")
)

// --- Validation ---

// Invalid is a terminal app/sys-validation rejection with a human-readable
// reason; ops carrying it are persisted with ValidationRejected.
type Invalid struct {
	Reason string
}

func (e *Invalid) Error() string { return "invalid: " + e.Reason }

// AwaitingDeps is not propagated to callers (§7): the validation workflow
// parks the op carrying it and re-triggers when the named hashes arrive.
type AwaitingDeps struct {
	Hashes []Hash
}

func (e *AwaitingDeps) Error() string {
	return fmt.Sprintf("awaiting %d dependencies", len(e.Hashes))
}

// --- Host ---

// HostFnPermissions is returned when a host function's required permission
// is not granted by the current HostContext.
type HostFnPermissions struct {
	Zome   string
	Fn     string
	HostFn string
}

func (e *HostFnPermissions) Error() string {
	return fmt.Sprintf("host fn %s not permitted for %s.%s", e.HostFn, e.Zome, e.Fn)
}

// WasmError wraps a guest trap or explicit error return.
type WasmError struct {
	Message string
}

func (e *WasmError) Error() string { return "wasm error: " + e.Message }

// WasmHostShortCircuit is not an error: it is a non-local return used by
// deterministic must_get_* host functions to hand UnresolvedDependencies
// back to the guest without a normal return value. Callers type-switch for
// it rather than treating it as failure.
type WasmHostShortCircuit struct {
	Payload []byte
}

func (e *WasmHostShortCircuit) Error() string { return "wasm host short-circuit" }

// --- Keystore ---

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrKeyNotFound      = errors.New("key not found")
	ErrKeystoreDown     = errors.New("keystore down")
)

// --- Lifecycle ---

var (
	ErrShutdown          = errors.New("shutdown")
	ErrCellWithoutGenesis = errors.New("cell without genesis")
)

// WorkflowRunError is the fatal error a workflow surfaces after exhausting
// its retry budget (§7): the cell transitions to a degraded state where
// reads keep working but writes fail fast.
type WorkflowRunError struct {
	Workflow string
	Cause    error
}

func (e *WorkflowRunError) Error() string {
	return fmt.Sprintf("workflow %s failed: %v", e.Workflow, e.Cause)
}

func (e *WorkflowRunError) Unwrap() error { return e.Cause }
