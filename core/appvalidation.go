package core

import "context"

// ValidationCallback is a zome's app validation entry point: given the op
// under validation and a DepResolver scoped to HostContextValidate, it
// returns nil to accept, *Invalid to reject, or *AwaitingDeps to park.
// Concretely this runs a guest wasm export through a Ribosome; tests and
// simple zomes can also supply a native func directly.
type ValidationCallback func(ctx context.Context, op DhtOp, deps DepResolver) error

// AppValidator runs a zome's validation callback over each op, translating
// its verdict into the terminal ValidationStatus the workflow records
// (§4.6). A nil callback accepts everything — the default for DNAs that
// declare no validation rules.
type AppValidator struct {
	deps     DepResolver
	callback ValidationCallback
}

// NewAppValidator constructs an app validator. If cb is nil, every op is
// accepted unconditionally.
func NewAppValidator(deps DepResolver, cb ValidationCallback) *AppValidator {
	return &AppValidator{deps: deps, callback: cb}
}

// Validate runs the zome's validation callback, or accepts unconditionally
// if none was supplied.
func (v *AppValidator) Validate(ctx context.Context, op DhtOp) (ValidationStatus, error) {
	if v.callback == nil {
		return ValidationValid, nil
	}
	if err := v.callback(ctx, op, v.deps); err != nil {
		if _, ok := err.(*AwaitingDeps); ok {
			return ValidationPending, err
		}
		if _, ok := err.(*Invalid); ok {
			return ValidationRejected, err
		}
		return ValidationRejected, &Invalid{Reason: err.Error()}
	}
	return ValidationValid, nil
}

// RibosomeValidationCallback adapts a compiled zome's "validate" export to
// a ValidationCallback by running it through a Ribosome scoped to
// HostContextValidate, deserializing its WasmHostShortCircuit payload (if
// any) as the dependency list of a parked op.
func RibosomeValidationCallback(module WasmModule, dispatch HostDispatch) ValidationCallback {
	return func(ctx context.Context, op DhtOp, deps DepResolver) error {
		rib := NewRibosome(HostContextValidate, dispatch, module)
		arg, err := EncodeValue(Light(op))
		if err != nil {
			return &Invalid{Reason: "encode op for validation: " + err.Error()}
		}
		out, err := rib.RunZomeFunction(ctx, "validate", arg)
		if err != nil {
			if sc, ok := err.(*WasmHostShortCircuit); ok {
				var hashes []Hash
				if decErr := DecodeValue(sc.Payload, &hashes); decErr == nil {
					return &AwaitingDeps{Hashes: hashes}
				}
			}
			return err
		}
		if len(out) > 0 {
			return &Invalid{Reason: string(out)}
		}
		return nil
	}
}
