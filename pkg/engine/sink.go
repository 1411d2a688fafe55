package engine

import "time"

// SinkEventKind enumerates the observability events a CommandSink
// receives (§6.3).
type SinkEventKind string

const (
	SinkSend        SinkEventKind = "send"
	SinkOK          SinkEventKind = "ok"
	SinkFail        SinkEventKind = "fail"
	SinkTimeout     SinkEventKind = "timeout"
	SinkSendFailed  SinkEventKind = "send_failed"
	SinkException   SinkEventKind = "exception"
)

// SinkEvent is one best-effort observability record. Payload mirrors
// whatever is relevant to Kind: send carries Args, ok carries
// Response, fail carries Error.
type SinkEvent struct {
	Name      string
	Kind      SinkEventKind
	RequestID uint32
	Args      map[string]interface{}
	Response  map[string]interface{}
	Error     *CommandError
	RTTMs     float64
	Ts        time.Time
}

// CommandSink is a nullable observability collaborator. A nil Sink is
// always valid: the engine checks before calling it. A non-nil sink's
// own panics must never affect engine state — the engine recovers
// around every call.
type CommandSink interface {
	Observe(event SinkEvent)
}
