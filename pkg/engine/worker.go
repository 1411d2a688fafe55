package engine

import (
	"context"
	"time"

	"github.com/librescoot/mcu-link/pkg/frame"
)

// StartRx starts the receive worker if it is not already running.
// Idempotent (§4.5).
func (e *Engine) StartRx(ctx context.Context) {
	e.rxMu.Lock()
	defer e.rxMu.Unlock()
	if e.running {
		return
	}
	e.stopCh = make(chan struct{})
	e.stopped = make(chan struct{})
	e.running = true
	go e.rxLoop(ctx)
}

// StopRx signals the receive worker to exit and waits for it to do
// so. Idempotent.
func (e *Engine) StopRx() {
	e.rxMu.Lock()
	if !e.running {
		e.rxMu.Unlock()
		return
	}
	stopped := e.stopped
	close(e.stopCh)
	e.running = false
	e.rxMu.Unlock()
	<-stopped
}

func (e *Engine) rxLoop(ctx context.Context) {
	defer close(e.stopped)

	for {
		select {
		case <-e.stopCh:
			e.resolveAllPending(StatusTimeout)
			return
		default:
		}

		data, err := e.transport.Read(ctx, e.readChunk)
		if err != nil {
			e.logger.Printf("engine: transport read failed, stopping receive worker: %v", err)
			e.resolveAllPending(StatusSendFailed)
			return
		}

		if len(data) > 0 {
			e.parser.Feed(data)
		}

		for {
			fr, ok := e.parser.GetFrame()
			if !ok {
				break
			}
			e.dispatch(fr)
		}

		e.sweepTimeouts()
	}
}

func (e *Engine) dispatch(fr *frame.Frame) {
	switch fr.Kind {
	case frame.KindAck, frame.KindNack:
		e.mu.Lock()
		pc, found := e.pending[fr.Seq]
		if found {
			delete(e.pending, fr.Seq)
		}
		e.mu.Unlock()
		if !found {
			// Out-of-spec behavior inherited deliberately (§9): a
			// response for a seq no longer pending (already swept,
			// or never ours) is silently dropped.
			return
		}
		e.resolveResponse(pc, fr)

	case frame.KindStream:
		select {
		case e.streamCh <- fr:
		default:
			e.logger.Printf("engine: stream queue full (cap=%d), dropping frame seq=%d", e.streamCap, fr.Seq)
		}
		e.invokeOnStream(fr)

	default:
		if e.onOther != nil {
			e.invokeOnOther(fr)
		}
	}
}

func (e *Engine) resolveResponse(pc *PendingCommand, fr *frame.Frame) {
	rtt := time.Since(pc.CreatedAt)
	if fr.Kind == frame.KindAck {
		payload := e.decodeAckPayload(pc.CmdName, fr)
		pc.resolve(CommandResult{Status: StatusOK, Payload: payload})
		e.emitSink(SinkEvent{Name: pc.CmdName, Kind: SinkOK, RequestID: fr.Seq, Response: payload, RTTMs: float64(rtt.Microseconds()) / 1000.0})
		return
	}

	code := uint8(0)
	if len(fr.Payload) > 0 {
		code = fr.Payload[0]
	}
	name, ok := e.catalog.ErrorName(code)
	if !ok {
		name = "UNKNOWN"
	}
	cmdErr := &CommandError{Code: code, Name: name}
	pc.resolve(CommandResult{Status: StatusFail, Error: cmdErr})
	e.emitSink(SinkEvent{Name: pc.CmdName, Kind: SinkFail, RequestID: fr.Seq, Error: cmdErr, RTTMs: float64(rtt.Microseconds()) / 1000.0})
}

func (e *Engine) invokeOnStream(fr *frame.Frame) {
	if e.onStream == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Printf("engine: stream callback panicked (isolated): %v", r)
		}
	}()
	e.onStream(fr)
}

func (e *Engine) invokeOnOther(fr *frame.Frame) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Printf("engine: other-frame callback panicked (isolated): %v", r)
		}
	}()
	e.onOther(fr)
}

// sweepTimeouts resolves every pending entry past its deadline as
// timeout (§4.6 step 3). Single-threaded by construction: only the
// receive worker calls this, so no entry is ever swept twice.
func (e *Engine) sweepTimeouts() {
	now := time.Now()
	var expired []*PendingCommand

	e.mu.Lock()
	for seq, pc := range e.pending {
		if pc.expired(now) {
			expired = append(expired, pc)
			delete(e.pending, seq)
		}
	}
	e.mu.Unlock()

	for _, pc := range expired {
		pc.resolve(CommandResult{Status: StatusTimeout})
		e.emitSink(SinkEvent{Name: pc.CmdName, Kind: SinkTimeout, RequestID: pc.Seq})
	}
}

// resolveAllPending is used on worker shutdown (§5 "Global"): any
// still-pending command is resolved with status, clearing the table.
func (e *Engine) resolveAllPending(status CommandStatus) {
	e.mu.Lock()
	pending := e.pending
	e.pending = make(map[uint32]*PendingCommand)
	e.mu.Unlock()

	for _, pc := range pending {
		pc.resolve(CommandResult{Status: status})
		e.emitSink(SinkEvent{Name: pc.CmdName, Kind: SinkEventKind(status), RequestID: pc.Seq})
	}
}
