// Package receiver runs final message receivers as sandboxed WASM modules.
//
// A receiver module imports the env host functions and exports execute(). It
// reads a FlatBuffers Delivery with input_len/read_input and acknowledges the
// message by writing the ack sentinel with write_output.
package receiver

import (
	"context"
	"fmt"
	"os"

	"Confluence/internal/execution"
	"Confluence/internal/logger"
	"Confluence/internal/message"
)

// DefaultGasLimit is the gas budget of one receiver call.
const DefaultGasLimit = 1_000_000

// WASMReceiver adapts a loaded module to execution.Receiver.
type WASMReceiver struct {
	pool     *Pool    // pool holds the compiled module
	module   ModuleID // module is the receiver's code
	gasLimit uint64   // gasLimit bounds each call
}

// NewWASMReceiver binds a loaded module.
func NewWASMReceiver(pool *Pool, module ModuleID, gasLimit uint64) *WASMReceiver {
	if gasLimit == 0 {
		gasLimit = DefaultGasLimit
	}

	return &WASMReceiver{pool: pool, module: module, gasLimit: gasLimit}
}

// Module returns the receiver's module id.
func (r *WASMReceiver) Module() ModuleID {
	return r.module
}

// ExecuteMessage implements execution.Receiver.
func (r *WASMReceiver) ExecuteMessage(ctx context.Context, d *execution.Delivery) ([]byte, error) {
	input := message.EncodeDelivery(d.MessageID, &message.Message{
		SourceNetwork: d.SourceNetwork,
		Sender:        d.Sender,
		Payload:       d.Payload,
		Attributes:    d.Attributes,
	})

	output, gasUsed, err := r.pool.Execute(ctx, r.module, input, r.gasLimit)
	if err != nil {
		return nil, fmt.Errorf("receiver module %s:\n%w", r.module.String()[:8], err)
	}

	logger.Debug("wasm receiver executed", "module", r.module.String()[:8], "message", d.MessageID, "gas", gasUsed)

	return output, nil
}

// LoadFile compiles a wasm file into pool and binds it at address on router.
func LoadFile(ctx context.Context, pool *Pool, router *execution.Router, address, path string, gasLimit uint64) (ModuleID, error) {
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return ModuleID{}, fmt.Errorf("read receiver %s:\n%w", path, err)
	}

	id, err := pool.Load(ctx, wasmBytes)
	if err != nil {
		return ModuleID{}, fmt.Errorf("load receiver %s:\n%w", path, err)
	}

	router.Register(address, NewWASMReceiver(pool, id, gasLimit))

	logger.Info("receiver loaded", "address", address, "module", id.String()[:8])

	return id, nil
}
