package core

import (
	"context"
	"fmt"
	"sync"

	wasmer "github.com/wasmerio/wasmer-go/wasmer"
)

// WasmerModule adapts a compiled wasmer-go instance to the WasmModule
// surface the ribosome calls through (§4.2's host-call trampoline).
//
// Guest exports follow a ptr<<32|len calling convention: the host writes
// the serialized argument into the guest's exported linear memory via its
// "cell_alloc" export, calls the named export with the packed
// pointer/length as a single i64, and reads the packed pointer/length it
// returns back out of the same memory.
type WasmerModule struct {
	mu       sync.Mutex
	instance *wasmer.Instance
	memory   *wasmer.Memory
	alloc    wasmer.NativeFunction
}

// NewWasmerModule compiles and instantiates a guest zome from its wasm
// bytecode. The module must export linear memory named "memory" and a
// "cell_alloc" function taking a byte length and returning a pointer into
// that memory, the convention zome call arguments and results are
// marshaled across.
func NewWasmerModule(wasmBytes []byte) (*WasmerModule, error) {
	engine := wasmer.NewEngine()
	store := wasmer.NewStore(engine)

	module, err := wasmer.NewModule(store, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compile wasm module: %w", err)
	}

	importObject := wasmer.NewImportObject()
	instance, err := wasmer.NewInstance(module, importObject)
	if err != nil {
		return nil, fmt.Errorf("instantiate wasm module: %w", err)
	}

	memory, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return nil, fmt.Errorf("guest module exports no memory: %w", err)
	}
	alloc, err := instance.Exports.GetFunction("cell_alloc")
	if err != nil {
		return nil, fmt.Errorf("guest module exports no cell_alloc: %w", err)
	}

	return &WasmerModule{instance: instance, memory: memory, alloc: alloc}, nil
}

// CallFunction invokes a named zome export with a single serialized
// argument, writing it into guest memory first and reading the guest's
// serialized result back out once the export returns.
func (m *WasmerModule) CallFunction(ctx context.Context, name string, arg []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	argPtr, err := m.writeBytes(arg)
	if err != nil {
		return nil, err
	}

	fn, err := m.instance.Exports.GetFunction(name)
	if err != nil {
		return nil, fmt.Errorf("guest export %q not found: %w", name, err)
	}

	raw, err := fn(int64(packPtrLen(argPtr, uint32(len(arg)))))
	if err != nil {
		return nil, err
	}
	packed, ok := raw.(int64)
	if !ok {
		return nil, fmt.Errorf("guest export %q returned %T, want i64", name, raw)
	}
	outPtr, outLen := unpackPtrLen(uint64(packed))
	return m.readBytes(outPtr, outLen)
}

func (m *WasmerModule) writeBytes(data []byte) (uint32, error) {
	if len(data) == 0 {
		return 0, nil
	}
	out, err := m.alloc(int32(len(data)))
	if err != nil {
		return 0, fmt.Errorf("cell_alloc: %w", err)
	}
	ptr, ok := out.(int32)
	if !ok {
		return 0, fmt.Errorf("cell_alloc returned %T, want i32", out)
	}
	mem := m.memory.Data()
	if int(ptr)+len(data) > len(mem) {
		return 0, fmt.Errorf("cell_alloc returned an out-of-bounds pointer")
	}
	copy(mem[ptr:], data)
	return uint32(ptr), nil
}

func (m *WasmerModule) readBytes(ptr, length uint32) ([]byte, error) {
	mem := m.memory.Data()
	if uint64(ptr)+uint64(length) > uint64(len(mem)) {
		return nil, fmt.Errorf("guest result out of bounds: ptr=%d len=%d memory=%d", ptr, length, len(mem))
	}
	out := make([]byte, length)
	copy(out, mem[ptr:ptr+length])
	return out, nil
}

func packPtrLen(ptr, length uint32) uint64 { return uint64(ptr)<<32 | uint64(length) }

func unpackPtrLen(packed uint64) (ptr, length uint32) {
	return uint32(packed >> 32), uint32(packed)
}
