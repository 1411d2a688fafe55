// Package engine implements the protocol engine (§4, §5): the
// concurrent state machine that frame-parses a bidirectional byte
// stream, correlates command requests to ACK/NACK responses by
// sequence number with per-request timeouts, and multiplexes STREAM
// frames into a bounded queue with an optional fan-out callback.
package engine

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/librescoot/mcu-link/pkg/frame"
	"github.com/librescoot/mcu-link/pkg/schema"
)

const (
	// DefaultReadChunk is K in §4.6 step 1: the per-iteration read size.
	DefaultReadChunk = 256
	// DefaultStreamCapacity is the stream queue's default capacity (§3).
	DefaultStreamCapacity = 200
	// DefaultCommandTimeout is used when a caller doesn't specify one.
	DefaultCommandTimeout = 2 * time.Second
)

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithSink attaches a best-effort observability collaborator (§6.3).
func WithSink(sink CommandSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithStreamCapacity overrides the stream queue's capacity.
func WithStreamCapacity(n int) Option {
	return func(e *Engine) { e.streamCap = n }
}

// WithOnStream registers a fan-out callback invoked for every STREAM
// frame in addition to the queue. Exceptions (panics) are isolated
// (§4.6 step 2, §9 "Stream callback dispatch").
func WithOnStream(cb func(*frame.Frame)) Option {
	return func(e *Engine) { e.onStream = cb }
}

// WithOnOther registers a callback for frames of an "Other" type.
func WithOnOther(cb func(*frame.Frame)) Option {
	return func(e *Engine) { e.onOther = cb }
}

// WithReadChunk overrides K, the per-iteration transport read size.
func WithReadChunk(n int) Option {
	return func(e *Engine) { e.readChunk = n }
}

// WithDefaultTimeout overrides the timeout used when SendAsync is
// called without an explicit one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Engine) { e.defaultTimeout = d }
}

// WithLogger overrides the engine's logger (default: log.Default()).
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine is the protocol engine. Construct with New, then StartRx
// before issuing commands — responses can only be observed while the
// receive worker is running.
type Engine struct {
	catalog   *schema.Catalog
	transport Transport
	sink      CommandSink
	logger    *log.Logger

	readChunk      int
	streamCap      int
	defaultTimeout time.Duration
	onStream       func(*frame.Frame)
	onOther        func(*frame.Frame)

	// mu is the pending mutex of §5: it guards the sequence counter,
	// the pending table, and the send path's critical section (header
	// build + table insert + transport write), in that order, so an
	// ACK can never arrive for a seq not yet visible to the worker.
	mu      sync.Mutex
	seq     uint32
	pending map[uint32]*PendingCommand

	streamCh chan *frame.Frame
	parser   *frame.Parser

	stopCh  chan struct{}
	stopped chan struct{}
	running bool
	rxMu    sync.Mutex
}

// New builds an Engine bound to a schema catalog and a transport.
func New(catalog *schema.Catalog, transport Transport, opts ...Option) *Engine {
	e := &Engine{
		catalog:        catalog,
		transport:      transport,
		readChunk:      DefaultReadChunk,
		streamCap:      DefaultStreamCapacity,
		defaultTimeout: DefaultCommandTimeout,
		pending:        make(map[uint32]*PendingCommand),
		logger:         log.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.streamCh = make(chan *frame.Frame, e.streamCap)
	e.parser = frame.NewParser(catalog)
	return e
}

// nextSeq allocates the next sequence number. Caller must hold mu.
func (e *Engine) nextSeq() uint32 {
	e.seq++
	if e.seq == 0 {
		e.seq = 1
	}
	return e.seq
}

// SendAsync encodes and writes a command, returning immediately with
// a PendingCommand whose future resolves when an ACK/NACK arrives,
// the command times out, or the write itself fails (§4.5).
func (e *Engine) SendAsync(ctx context.Context, cmdName string, args map[string]interface{}, timeout time.Duration) (*PendingCommand, error) {
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	cmd, ok := e.catalog.Command(cmdName)
	if !ok {
		return nil, fmt.Errorf("%w: unknown command %q", schema.ErrBadSchema, cmdName)
	}
	cmdID, ok := e.catalog.Resolve(cmd.CmdID, 0)
	if !ok {
		return nil, fmt.Errorf("%w: command %q has an unresolvable cmd_id", schema.ErrBadSchema, cmdName)
	}

	payload, err := e.catalog.EncodeCommandPayload(cmdName, args)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	seq := e.nextSeq()

	frameBytes, err := frame.BuildCommandFrame(e.catalog, uint32(cmdID), seq, payload, uint32(time.Now().UnixMilli()))
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}

	pc := newPendingCommand(seq, cmdName, timeout)
	// Insert before write (§4.5 step 5): the pending entry must be
	// observable to the receive worker before the bytes hit the wire.
	e.pending[seq] = pc
	e.emitSink(SinkEvent{Name: cmdName, Kind: SinkSend, RequestID: seq, Args: args, Ts: pc.CreatedAt})

	_, writeErr := e.transport.Write(ctx, frameBytes)
	if writeErr != nil {
		delete(e.pending, seq)
		e.mu.Unlock()
		pc.resolve(CommandResult{Status: StatusSendFailed})
		e.emitSink(SinkEvent{Name: cmdName, Kind: SinkSendFailed, RequestID: seq, Ts: time.Now()})
		return pc, nil
	}

	if flushErr := e.transport.Flush(ctx); flushErr != nil {
		e.logger.Printf("engine: flush after write failed (non-fatal): %v", flushErr)
	}
	e.mu.Unlock()

	return pc, nil
}

// SendSync sends a command and waits up to timeout for its outcome.
func (e *Engine) SendSync(ctx context.Context, cmdName string, args map[string]interface{}, timeout time.Duration) (CommandResult, error) {
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	pc, err := e.SendAsync(ctx, cmdName, args, timeout)
	if err != nil {
		return CommandResult{}, err
	}
	result, ok := pc.Wait(timeout)
	if !ok {
		return CommandResult{Status: StatusTimeout}, nil
	}
	return result, nil
}

// TryGetStream pops the oldest queued STREAM frame, waiting up to
// timeout. timeout<=0 means non-blocking.
func (e *Engine) TryGetStream(timeout time.Duration) (*frame.Frame, bool) {
	if timeout <= 0 {
		select {
		case fr := <-e.streamCh:
			return fr, true
		default:
			return nil, false
		}
	}
	select {
	case fr := <-e.streamCh:
		return fr, true
	case <-time.After(timeout):
		return nil, false
	}
}

func (e *Engine) emitSink(event SinkEvent) {
	if e.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Printf("engine: command sink panicked: %v", r)
		}
	}()
	if event.Ts.IsZero() {
		event.Ts = time.Now()
	}
	e.sink.Observe(event)
}

func (e *Engine) decodeAckPayload(cmdName string, fr *frame.Frame) map[string]interface{} {
	payload, err := e.catalog.DecodeResponseByName(cmdName, fr.Payload)
	if err != nil {
		// Decode-failure policy (§4.6): the wire was valid; only the
		// schema interpretation failed. Still report status ok.
		return map[string]interface{}{"raw": hex.EncodeToString(fr.Payload)}
	}
	return payload
}
