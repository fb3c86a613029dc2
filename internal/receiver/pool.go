package receiver

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/zeebo/blake3"
)

var (
	// ErrModuleNotFound is returned when a module ID is not found in the pool.
	ErrModuleNotFound = errors.New("module not found")

	// ErrGasExhausted is returned when execution runs out of gas.
	ErrGasExhausted = errors.New("gas exhausted")

	// ErrMemoryAccess is returned when a host call gets a pointer outside guest memory.
	ErrMemoryAccess = errors.New("guest memory access out of range")

	// ErrNoEntryPoint is returned when a module does not export execute.
	ErrNoEntryPoint = errors.New("execute function not exported")
)

// ModuleID is the blake3 hash of a module's wasm bytes.
type ModuleID [32]byte

// String returns the hex form.
func (id ModuleID) String() string {
	return hex.EncodeToString(id[:])
}

// Pool manages compiled receiver modules.
// Modules are compiled once and instantiated per call, so calls may run concurrently.
type Pool struct {
	runtime wazero.Runtime                    // runtime is the wazero runtime instance
	modules map[ModuleID]wazero.CompiledModule // modules maps blake3 hash to compiled module
	mu      sync.RWMutex                      // mu protects modules map
}

// NewPool creates a pool with the env host module instantiated.
// Calls are interrupted when their context is done.
func NewPool(ctx context.Context) (*Pool, error) {
	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))

	if err := instantiateHost(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("build host module:\n%w", err)
	}

	return &Pool{
		runtime: runtime,
		modules: make(map[ModuleID]wazero.CompiledModule),
	}, nil
}

// Load compiles and stores a module, returning its id.
// Loading the same bytes twice is a no-op.
func (p *Pool) Load(ctx context.Context, wasmBytes []byte) (ModuleID, error) {
	id := ModuleID(blake3.Sum256(wasmBytes))

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.modules[id]; exists {
		return id, nil
	}

	compiled, err := p.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return ModuleID{}, fmt.Errorf("compile module:\n%w", err)
	}

	if _, ok := compiled.ExportedFunctions()["execute"]; !ok {
		compiled.Close(ctx)
		return ModuleID{}, ErrNoEntryPoint
	}

	p.modules[id] = compiled

	return id, nil
}

// Execute runs a module with the given input and gas limit.
// Returns the output bytes and the amount of gas consumed.
func (p *Pool) Execute(ctx context.Context, id ModuleID, input []byte, gasLimit uint64) ([]byte, uint64, error) {
	p.mu.RLock()
	compiled, exists := p.modules[id]
	p.mu.RUnlock()

	if !exists {
		return nil, 0, ErrModuleNotFound
	}

	exec := &execContext{
		input:    input,
		gasLimit: gasLimit,
	}

	ctx = withExecContext(ctx, exec)

	// Anonymous instances so the same module can run concurrently.
	instance, err := p.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, exec.gasUsed, fmt.Errorf("instantiate module:\n%w", err)
	}
	defer instance.Close(ctx)

	return callExecute(ctx, instance, exec)
}

// callExecute calls the execute function on the instance.
func callExecute(ctx context.Context, instance api.Module, exec *execContext) ([]byte, uint64, error) {
	executeFn := instance.ExportedFunction("execute")
	if executeFn == nil {
		return nil, exec.gasUsed, ErrNoEntryPoint
	}

	if _, err := executeFn.Call(ctx); err != nil {
		if exec.gasExhausted {
			return nil, exec.gasUsed, ErrGasExhausted
		}

		if exec.fault != nil {
			return nil, exec.gasUsed, exec.fault
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, exec.gasUsed, fmt.Errorf("execute: %w", ctxErr)
		}

		return nil, exec.gasUsed, fmt.Errorf("execute: %w", err)
	}

	return exec.output, exec.gasUsed, nil
}

// Unload removes a module from the pool.
func (p *Pool) Unload(ctx context.Context, id ModuleID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if compiled, exists := p.modules[id]; exists {
		compiled.Close(ctx)
		delete(p.modules, id)
	}
}

// Close releases all resources held by the pool.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, compiled := range p.modules {
		compiled.Close(ctx)
		delete(p.modules, id)
	}

	return p.runtime.Close(ctx)
}
