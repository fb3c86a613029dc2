package receiver

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// execContext holds the execution state for a single receiver call.
type execContext struct {
	input        []byte // input is the FlatBuffers-encoded Delivery
	output       []byte // output is what the module wrote, expected to be the ack sentinel
	gasLimit     uint64 // gasLimit is the maximum gas allowed
	gasUsed      uint64 // gasUsed tracks consumed gas
	gasExhausted bool   // gasExhausted is true if gas limit was exceeded
	fault        error  // fault is set when a host call touched memory out of range
}

type execKey struct{}

func withExecContext(ctx context.Context, exec *execContext) context.Context {
	return context.WithValue(ctx, execKey{}, exec)
}

func execFrom(ctx context.Context) *execContext {
	exec, _ := ctx.Value(execKey{}).(*execContext)
	return exec
}

// instantiateHost creates the shared "env" module. Host functions find the
// state of the current call through the call context.
func instantiateHost(ctx context.Context, runtime wazero.Runtime) error {
	_, err := runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, cost uint32) {
			hostGas(execFrom(ctx), cost)
		}).
		Export("gas").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context) uint32 {
			return hostInputLen(execFrom(ctx))
		}).
		Export("input_len").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr uint32) {
			hostReadInput(execFrom(ctx), m.Memory(), ptr)
		}).
		Export("read_input").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr, length uint32) {
			hostWriteOutput(execFrom(ctx), m.Memory(), ptr, length)
		}).
		Export("write_output").
		Instantiate(ctx)

	return err
}

// hostGas handles gas metering.
// Panics if gas limit is exceeded to abort execution.
func hostGas(exec *execContext, cost uint32) {
	if exec == nil {
		return
	}

	exec.gasUsed += uint64(cost)

	if exec.gasUsed > exec.gasLimit {
		exec.gasExhausted = true
		panic(ErrGasExhausted)
	}
}

// hostInputLen returns the length of the input buffer.
func hostInputLen(exec *execContext) uint32 {
	if exec == nil {
		return 0
	}

	return uint32(len(exec.input))
}

// hostReadInput copies the input buffer into guest memory at ptr.
func hostReadInput(exec *execContext, memory api.Memory, ptr uint32) {
	if exec == nil || memory == nil || len(exec.input) == 0 {
		return
	}

	if !memory.Write(ptr, exec.input) {
		exec.fault = fmt.Errorf("%w: read_input at %d, %d bytes", ErrMemoryAccess, ptr, len(exec.input))
		panic(exec.fault)
	}
}

// hostWriteOutput copies length bytes at ptr out of guest memory.
func hostWriteOutput(exec *execContext, memory api.Memory, ptr, length uint32) {
	if exec == nil || memory == nil || length == 0 {
		return
	}

	data, ok := memory.Read(ptr, length)
	if !ok {
		exec.fault = fmt.Errorf("%w: write_output at %d, %d bytes", ErrMemoryAccess, ptr, length)
		panic(exec.fault)
	}

	exec.output = make([]byte, length)
	copy(exec.output, data)
}
