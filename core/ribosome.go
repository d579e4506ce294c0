package core

import (
	"context"
	"fmt"
)

// HostContext names the calling context a ribosome invocation runs under,
// fixing which host functions it may call (§4.2). Zome init and validation
// callbacks run with reduced permissions so that, e.g., a validation
// callback can never commit a new entry.
type HostContext int

const (
	HostContextZomeCall HostContext = iota
	HostContextInit
	HostContextValidate
	HostContextValidationPackage
	HostContextGenesisSelfCheck
	HostContextMigrate
	HostContextPostCommit
)

func (c HostContext) String() string {
	switch c {
	case HostContextZomeCall:
		return "ZomeCall"
	case HostContextInit:
		return "Init"
	case HostContextValidate:
		return "Validate"
	case HostContextValidationPackage:
		return "ValidationPackage"
	case HostContextGenesisSelfCheck:
		return "GenesisSelfCheck"
	case HostContextMigrate:
		return "Migrate"
	case HostContextPostCommit:
		return "PostCommit"
	default:
		return "Unknown"
	}
}

// HostFn names one host function the guest may import.
type HostFn string

const (
	HostFnCreate            HostFn = "create"
	HostFnUpdate            HostFn = "update"
	HostFnDelete            HostFn = "delete"
	HostFnCreateLink        HostFn = "create_link"
	HostFnDeleteLink        HostFn = "delete_link"
	HostFnGet               HostFn = "get"
	HostFnGetDetails        HostFn = "get_details"
	HostFnGetLinks          HostFn = "get_links"
	HostFnGetAgentActivity  HostFn = "get_agent_activity"
	HostFnMustGetEntry      HostFn = "must_get_entry"
	HostFnMustGetHeader     HostFn = "must_get_header"
	HostFnMustGetValidRecord HostFn = "must_get_valid_record"
	HostFnQuery             HostFn = "query"
	HostFnCallRemote        HostFn = "call_remote"
	HostFnSign              HostFn = "sign"
	HostFnVerifySignature   HostFn = "verify_signature"
	HostFnEmitSignal        HostFn = "emit_signal"
	HostFnSysTime           HostFn = "sys_time"
	HostFnAgentInfo         HostFn = "agent_info"
	HostFnRandomBytes       HostFn = "random_bytes"
	HostFnDnaInfo           HostFn = "dna_info"
	HostFnZomeInfo          HostFn = "zome_info"
	HostFnTrace             HostFn = "trace"
)

// permissionTable fixes, per §4.2, which host functions each HostContext
// may call. Absence from a context's set is a HostFnPermissions error at
// dispatch time, not a guest-visible trap — the ribosome checks before
// ever entering wasm.
var permissionTable = map[HostContext]map[HostFn]bool{
	HostContextZomeCall: {
		HostFnCreate: true, HostFnUpdate: true, HostFnDelete: true,
		HostFnCreateLink: true, HostFnDeleteLink: true,
		HostFnGet: true, HostFnGetDetails: true, HostFnGetLinks: true, HostFnGetAgentActivity: true,
		HostFnMustGetEntry: true, HostFnMustGetHeader: true, HostFnMustGetValidRecord: true,
		HostFnQuery: true, HostFnCallRemote: true, HostFnSign: true, HostFnVerifySignature: true,
		HostFnEmitSignal: true, HostFnSysTime: true, HostFnAgentInfo: true,
		HostFnRandomBytes: true, HostFnDnaInfo: true, HostFnZomeInfo: true, HostFnTrace: true,
	},
	HostContextInit: {
		HostFnCreate: true, HostFnCreateLink: true,
		HostFnGet: true, HostFnGetDetails: true, HostFnGetLinks: true, HostFnQuery: true,
		HostFnSysTime: true, HostFnAgentInfo: true,
		HostFnDnaInfo: true, HostFnZomeInfo: true, HostFnTrace: true,
	},
	HostContextValidate: {
		HostFnGet: true, HostFnGetDetails: true, HostFnGetLinks: true, HostFnGetAgentActivity: true,
		HostFnMustGetEntry: true, HostFnMustGetHeader: true, HostFnMustGetValidRecord: true,
		HostFnVerifySignature: true, HostFnSysTime: true,
		HostFnDnaInfo: true, HostFnZomeInfo: true, HostFnTrace: true,
	},
	HostContextValidationPackage: {
		HostFnGet: true, HostFnGetAgentActivity: true, HostFnQuery: true, HostFnSysTime: true,
		HostFnDnaInfo: true, HostFnZomeInfo: true, HostFnTrace: true,
	},
	// Deny-all: EntryDefs, MigrateAgent and GenesisSelfCheck run before the
	// chain or any DHT authority exists for this agent, so no host call is
	// safe to permit (§4.2).
	HostContextGenesisSelfCheck: {},
	HostContextMigrate:          {},
	// PostCommit runs after a commit has already landed on the chain: reads
	// and keystore/network calls are safe, but it may not write a second
	// commit from within the callback (§4.2).
	HostContextPostCommit: {
		HostFnGet: true, HostFnGetDetails: true, HostFnGetLinks: true, HostFnGetAgentActivity: true,
		HostFnMustGetEntry: true, HostFnMustGetHeader: true, HostFnMustGetValidRecord: true,
		HostFnQuery: true, HostFnCallRemote: true, HostFnSign: true, HostFnVerifySignature: true,
		HostFnEmitSignal: true, HostFnSysTime: true, HostFnAgentInfo: true,
		HostFnDnaInfo: true, HostFnZomeInfo: true, HostFnTrace: true,
	},
}

// Permits reports whether ctx may call fn.
func (c HostContext) Permits(fn HostFn) bool {
	return permissionTable[c][fn]
}

// WasmModule is the minimal surface the ribosome needs from a compiled
// guest module; RibosomeEngine implementations adapt a concrete wasm
// runtime (wasmer-go in production) to it.
type WasmModule interface {
	// CallFunction invokes a named export with a single serialized
	// argument and returns its serialized result.
	CallFunction(ctx context.Context, name string, arg []byte) ([]byte, error)
}

// DnaInfo is the static descriptor a zome call reads back via dna_info:
// the DNA this cell runs and the network space it joined under.
type DnaInfo struct {
	Hash  DnaHash
	Space string
}

// ZomeInfo is the static descriptor a zome call reads back via zome_info:
// which zome is running and the agent key it's running as.
type ZomeInfo struct {
	Name  string
	Agent AgentPubKey
}

// HostDispatch is the callback surface behind the host functions:
// Ribosome.Call invokes it once the HostContext permits the call, and
// cellDispatch (in cell.go) wires each method to the source chain, cascade
// and keystore.
type HostDispatch interface {
	Create(ctx context.Context, builder HeaderBuilder, entry Entry) (Hash, error)
	Update(ctx context.Context, builder HeaderBuilder, entry Entry) (Hash, error)
	Delete(ctx context.Context, builder HeaderBuilder) (Hash, error)
	CreateLink(ctx context.Context, builder HeaderBuilder) (Hash, error)
	DeleteLink(ctx context.Context, builder HeaderBuilder) (Hash, error)
	Get(ctx context.Context, addr Hash) (*Element, error)
	GetDetails(ctx context.Context, addr Hash) (*Details, error)
	GetLinks(ctx context.Context, base Hash) ([]HeaderCreateLink, error)
	GetAgentActivity(ctx context.Context, agent AgentPubKey) ([]Element, error)
	MustGetEntry(ctx context.Context, hash Hash) (Entry, error)
	MustGetHeader(ctx context.Context, hash Hash) (Header, error)
	MustGetValidRecord(ctx context.Context, hash Hash) (*Element, error)
	Query(ctx context.Context, filter QueryFilter) ([]Element, error)
	Sign(ctx context.Context, data []byte) ([]byte, error)
	VerifySignature(pub AgentPubKey, sig, data []byte) bool
	EmitSignal(payload []byte)
	SysTime() int64
	AgentInfo() AgentPubKey
	RandomBytes(ctx context.Context, n int) ([]byte, error)
	DnaInfo() DnaInfo
	ZomeInfo(zome string) ZomeInfo
	Trace(zome, message string)
}

// Ribosome binds a HostContext's permission set to a HostDispatch and runs
// guest calls against a WasmModule, rejecting any host import the context
// forbids before it ever reaches wasm (§4.2).
type Ribosome struct {
	ctx      HostContext
	dispatch HostDispatch
	module   WasmModule
}

// NewRibosome constructs a ribosome for one zome call/callback invocation.
func NewRibosome(hc HostContext, dispatch HostDispatch, module WasmModule) *Ribosome {
	return &Ribosome{ctx: hc, dispatch: dispatch, module: module}
}

// Call invokes fn, first checking it is permitted under this ribosome's
// HostContext and returning a HostFnPermissions error if not.
func (r *Ribosome) Call(ctx context.Context, zome, function string, fn HostFn, invoke func(HostDispatch) (interface{}, error)) (interface{}, error) {
	if !r.ctx.Permits(fn) {
		return nil, &HostFnPermissions{Zome: zome, Fn: function, HostFn: string(fn)}
	}
	return invoke(r.dispatch)
}

// RunZomeFunction invokes a guest export by name with the given serialized
// argument, surfacing guest traps as WasmError.
func (r *Ribosome) RunZomeFunction(ctx context.Context, name string, arg []byte) ([]byte, error) {
	out, err := r.module.CallFunction(ctx, name, arg)
	if err != nil {
		return nil, &WasmError{Message: fmt.Sprintf("%s: %v", name, err)}
	}
	return out, nil
}
