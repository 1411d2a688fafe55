// Package transport provides the byte-stream I/O primitive the
// engine reads from and writes to (§6.1). It carries none of the
// framing protocol's own logic — that lives entirely in pkg/frame and
// pkg/engine — it only knows how to move bytes across a serial link.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tarm/serial"
)

// Serial is a byte-stream Transport backed by a UART/USB-CDC serial
// port. Concurrent Read and Write are supported: the underlying port
// handle is safe for one reader and one writer at a time, matching
// how the engine uses it (one receive worker, one send-path critical
// section).
type Serial struct {
	port       *serial.Port
	writeMu    sync.Mutex
	readTimeout time.Duration
}

// Config mirrors the subset of serial.Config the engine cares about.
type Config struct {
	DevicePath  string
	BaudRate    int
	ReadTimeout time.Duration
}

// Open opens the serial port. Failures surface as an open_failed
// error per §6.1.
func Open(cfg Config) (*Serial, error) {
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 100 * time.Millisecond
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.DevicePath,
		Baud:        cfg.BaudRate,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: readTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: open_failed: %w", err)
	}

	return &Serial{port: port, readTimeout: readTimeout}, nil
}

// Read returns up to n bytes. An empty, nil-error result means no
// data arrived within the port's read timeout.
func (s *Serial) Read(ctx context.Context, n int) ([]byte, error) {
	buf := make([]byte, n)
	read, err := s.port.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("transport: io_error: %w", err)
	}
	return buf[:read], nil
}

// Write serializes concurrent writers onto the port and returns the
// number of bytes written.
func (s *Serial) Write(ctx context.Context, data []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	n, err := s.port.Write(data)
	if err != nil {
		return n, fmt.Errorf("transport: io_error: %w", err)
	}
	return n, nil
}

// Flush pushes any buffered output. tarm/serial writes synchronously,
// so this is a no-op kept to satisfy the contract.
func (s *Serial) Flush(ctx context.Context) error {
	return s.port.Flush()
}

func (s *Serial) Close() error {
	return s.port.Close()
}
