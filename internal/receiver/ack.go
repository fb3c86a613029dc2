package receiver

import (
	"context"
	"fmt"

	"Confluence/internal/execution"
	"Confluence/internal/logger"
)

var wasmHeader = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// constantModule assembles a module whose execute writes out (len < 64)
// through write_output and returns.
func constantModule(out []byte) []byte {
	n := byte(len(out))

	m := append([]byte{}, wasmHeader...)
	// types: (i32,i32)->() and ()->()
	m = append(m, 0x01, 0x09, 0x02, 0x60, 0x02, 0x7f, 0x7f, 0x00, 0x60, 0x00, 0x00)
	// import env.write_output as func 0
	m = append(m, 0x02, 0x14, 0x01, 0x03, 'e', 'n', 'v', 0x0c)
	m = append(m, []byte("write_output")...)
	m = append(m, 0x00, 0x00)
	// func 1 has type 1
	m = append(m, 0x03, 0x02, 0x01, 0x01)
	// one page of memory
	m = append(m, 0x05, 0x03, 0x01, 0x00, 0x01)
	// export execute and memory
	m = append(m, 0x07, 0x14, 0x02, 0x07)
	m = append(m, []byte("execute")...)
	m = append(m, 0x00, 0x01, 0x06)
	m = append(m, []byte("memory")...)
	m = append(m, 0x02, 0x00)
	// execute: write_output(0, n)
	m = append(m, 0x0a, 0x0a, 0x01, 0x08, 0x00, 0x41, 0x00, 0x41, n, 0x10, 0x00, 0x0b)
	// data at offset 0
	m = append(m, 0x0b, 6+n, 0x01, 0x00, 0x41, 0x00, 0x0b, n)
	m = append(m, out...)

	return m
}

// AckModule returns a receiver module that acknowledges every delivery.
func AckModule() []byte {
	return constantModule(execution.AckSentinel)
}

// LoadAck binds an acknowledging module at address on router.
// Development nodes use it to stand in for real receivers.
func LoadAck(ctx context.Context, pool *Pool, router *execution.Router, address string) (ModuleID, error) {
	id, err := pool.Load(ctx, AckModule())
	if err != nil {
		return ModuleID{}, fmt.Errorf("load ack receiver:\n%w", err)
	}

	router.Register(address, NewWASMReceiver(pool, id, DefaultGasLimit))

	logger.Info("ack receiver loaded", "address", address, "module", id.String()[:8])

	return id, nil
}
