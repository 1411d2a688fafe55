// Package frame implements the stateful resync byte-stream parser
// that turns a raw transport stream into typed protocol frames, and
// the codec side that builds outbound CMD frames for the engine to
// write (§4.4, §6.4).
package frame

// Kind distinguishes how the engine dispatches a parsed Frame.
type Kind int

const (
	KindCommand Kind = iota
	KindAck
	KindNack
	KindStream
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindAck:
		return "ack"
	case KindNack:
		return "nack"
	case KindStream:
		return "stream"
	default:
		return "other"
	}
}

// Frame is one parsed wire frame. All variants share the header
// fields; FrameType carries the schema frame-catalog name the type
// code resolved to ("ACK", "NACK", "STREAM", or whatever else the
// catalog declares).
type Frame struct {
	Kind      Kind
	FrameType string
	TypeCode  uint8
	CmdID     uint32
	Seq       uint32
	TsMs      uint32
	Payload   []byte
}

func kindForFrameType(name string) Kind {
	switch name {
	case "ACK":
		return KindAck
	case "NACK":
		return KindNack
	case "STREAM":
		return KindStream
	case "CMD":
		return KindCommand
	default:
		return KindOther
	}
}
