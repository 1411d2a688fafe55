package engine

import "context"

// Transport is the byte-stream endpoint contract of §6.1. The engine
// never assumes anything about the concrete medium (serial, USB-CDC,
// a TCP socket in a test harness) beyond this interface. Read and
// Write may be invoked concurrently by separate goroutines; the
// engine itself serializes its own writes with the pending mutex but
// does not assume the transport needs that serialization.
type Transport interface {
	// Read returns 0..n bytes read from the stream. A zero-length,
	// nil-error result means no data arrived within the transport's
	// own read timeout — it is not EOF.
	Read(ctx context.Context, n int) ([]byte, error)

	// Write returns the number of bytes actually written; callers
	// treat a short write as non-fatal (the spec calls flush
	// "attempted but non-fatal").
	Write(ctx context.Context, data []byte) (int, error)

	// Flush requests any buffered output be pushed to the wire.
	Flush(ctx context.Context) error

	Close() error
}
