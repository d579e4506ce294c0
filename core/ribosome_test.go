package core

import (
	"context"
	"errors"
	"testing"
)

type stubDispatch struct {
	signed []byte
}

func (s *stubDispatch) Create(ctx context.Context, builder HeaderBuilder, entry Entry) (Hash, error) {
	return Hash{}, nil
}
func (s *stubDispatch) Update(ctx context.Context, builder HeaderBuilder, entry Entry) (Hash, error) {
	return Hash{}, nil
}
func (s *stubDispatch) Delete(ctx context.Context, builder HeaderBuilder) (Hash, error) {
	return Hash{}, nil
}
func (s *stubDispatch) CreateLink(ctx context.Context, builder HeaderBuilder) (Hash, error) {
	return Hash{}, nil
}
func (s *stubDispatch) DeleteLink(ctx context.Context, builder HeaderBuilder) (Hash, error) {
	return Hash{}, nil
}
func (s *stubDispatch) Get(ctx context.Context, addr Hash) (*Element, error) { return nil, nil }
func (s *stubDispatch) GetDetails(ctx context.Context, addr Hash) (*Details, error) {
	return nil, nil
}
func (s *stubDispatch) GetLinks(ctx context.Context, base Hash) ([]HeaderCreateLink, error) {
	return nil, nil
}
func (s *stubDispatch) GetAgentActivity(ctx context.Context, agent AgentPubKey) ([]Element, error) {
	return nil, nil
}
func (s *stubDispatch) MustGetEntry(ctx context.Context, hash Hash) (Entry, error) { return nil, nil }
func (s *stubDispatch) MustGetHeader(ctx context.Context, hash Hash) (Header, error) {
	return nil, nil
}
func (s *stubDispatch) MustGetValidRecord(ctx context.Context, hash Hash) (*Element, error) {
	return nil, nil
}
func (s *stubDispatch) Query(ctx context.Context, filter QueryFilter) ([]Element, error) {
	return nil, nil
}
func (s *stubDispatch) Sign(ctx context.Context, data []byte) ([]byte, error) { return s.signed, nil }
func (s *stubDispatch) VerifySignature(pub AgentPubKey, sig, data []byte) bool { return true }
func (s *stubDispatch) EmitSignal(payload []byte)                             {}
func (s *stubDispatch) SysTime() int64                                        { return 0 }
func (s *stubDispatch) AgentInfo() AgentPubKey                                { return Hash{} }
func (s *stubDispatch) RandomBytes(ctx context.Context, n int) ([]byte, error) {
	return make([]byte, n), nil
}
func (s *stubDispatch) DnaInfo() DnaInfo          { return DnaInfo{} }
func (s *stubDispatch) ZomeInfo(zome string) ZomeInfo { return ZomeInfo{Name: zome} }
func (s *stubDispatch) Trace(zome, message string)    {}

func TestHostContextPermitsMatchesPermissionTable(t *testing.T) {
	if !HostContextZomeCall.Permits(HostFnCreate) {
		t.Fatalf("zome calls must be able to create entries")
	}
	if HostContextValidate.Permits(HostFnCreate) {
		t.Fatalf("validation callbacks must never be able to commit a new entry")
	}
	if !HostContextValidate.Permits(HostFnMustGetValidRecord) {
		t.Fatalf("validation callbacks must be able to resolve dependencies")
	}
	if HostContextGenesisSelfCheck.Permits(HostFnGet) {
		t.Fatalf("genesis self-check must not be able to read network state")
	}
	if HostContextGenesisSelfCheck.Permits(HostFnSysTime) {
		t.Fatalf("genesis self-check must be deny-all, not just deny-read")
	}
	if !HostContextPostCommit.Permits(HostFnGet) {
		t.Fatalf("post_commit must be able to read")
	}
	if HostContextPostCommit.Permits(HostFnCreate) {
		t.Fatalf("post_commit must not be able to write a second commit")
	}
}

func TestRibosomeCallRejectsForbiddenHostFn(t *testing.T) {
	r := NewRibosome(HostContextValidate, &stubDispatch{}, nil)
	_, err := r.Call(context.Background(), "myzome", "validate", HostFnCreate, func(d HostDispatch) (interface{}, error) {
		return d.Create(context.Background(), nil, nil)
	})
	var perm *HostFnPermissions
	if !errors.As(err, &perm) {
		t.Fatalf("expected a HostFnPermissions error, got %v", err)
	}
	if perm.Zome != "myzome" || perm.Fn != "validate" || perm.HostFn != string(HostFnCreate) {
		t.Fatalf("unexpected HostFnPermissions fields: %+v", perm)
	}
}

func TestRibosomeCallInvokesDispatchWhenPermitted(t *testing.T) {
	r := NewRibosome(HostContextZomeCall, &stubDispatch{signed: []byte("sig")}, nil)
	out, err := r.Call(context.Background(), "myzome", "do_thing", HostFnSign, func(d HostDispatch) (interface{}, error) {
		return d.Sign(context.Background(), []byte("data"))
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	sig, ok := out.([]byte)
	if !ok || string(sig) != "sig" {
		t.Fatalf("expected the dispatch's signature bytes to flow back through Call, got %v", out)
	}
}

type stubWasmModule struct {
	result []byte
	err    error
}

func (m stubWasmModule) CallFunction(ctx context.Context, name string, arg []byte) ([]byte, error) {
	return m.result, m.err
}

func TestRunZomeFunctionReturnsGuestOutput(t *testing.T) {
	r := NewRibosome(HostContextZomeCall, &stubDispatch{}, stubWasmModule{result: []byte("ok")})
	out, err := r.RunZomeFunction(context.Background(), "my_fn", []byte("arg"))
	if err != nil {
		t.Fatalf("RunZomeFunction: %v", err)
	}
	if string(out) != "ok" {
		t.Fatalf("expected the guest's serialized result, got %q", out)
	}
}

func TestRunZomeFunctionWrapsGuestTrapAsWasmError(t *testing.T) {
	r := NewRibosome(HostContextZomeCall, &stubDispatch{}, stubWasmModule{err: errors.New("trap")})
	_, err := r.RunZomeFunction(context.Background(), "my_fn", nil)
	var wasmErr *WasmError
	if !errors.As(err, &wasmErr) {
		t.Fatalf("expected a WasmError, got %v", err)
	}
}

func TestHostContextStringCoversAllValues(t *testing.T) {
	cases := map[HostContext]string{
		HostContextZomeCall:          "ZomeCall",
		HostContextInit:              "Init",
		HostContextValidate:          "Validate",
		HostContextValidationPackage: "ValidationPackage",
		HostContextGenesisSelfCheck:  "GenesisSelfCheck",
		HostContextMigrate:           "Migrate",
		HostContextPostCommit:        "PostCommit",
	}
	for hc, want := range cases {
		if got := hc.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", hc, got, want)
		}
	}
}

func TestWasmHostShortCircuitCarriesPayload(t *testing.T) {
	sc := &WasmHostShortCircuit{Payload: []byte("deps")}
	if sc.Error() == "" {
		t.Fatalf("expected a non-empty error message")
	}
	if string(sc.Payload) != "deps" {
		t.Fatalf("expected the payload to survive construction")
	}
}
