package schema

import "fmt"

// Catalog is the read-only, process-lifetime schema contract (§6.2):
// constants, frame catalog, header layout, command table, payload
// types and the error table, plus the indices derived from them.
// Construct one with LoadDir; a zero-value Catalog is not usable.
type Catalog struct {
	constants    *Constants
	headerFields []HeaderField
	headerSize   int
	frames       map[string]*FrameDef
	payloadTypes map[string]*PayloadTypeDef
	commands     map[string]*CommandDef
	errorsByCode map[uint8]string

	framesByCode   map[uint8]*FrameDef
	commandsByID   map[uint32]*CommandDef
}

// index builds the by-code / by-id reverse lookups after loading.
func (c *Catalog) index() {
	c.framesByCode = make(map[uint8]*FrameDef, len(c.frames))
	for _, f := range c.frames {
		c.framesByCode[f.Code] = f
	}
	c.commandsByID = make(map[uint32]*CommandDef, len(c.commands))
	for _, cmd := range c.commands {
		id, ok := c.Resolve(cmd.CmdID, 0)
		if ok {
			c.commandsByID[uint32(id)] = cmd
		}
	}
}

// Constants returns the loaded constants table.
func (c *Catalog) Constants() *Constants { return c.constants }

// HeaderFields returns the ordered header layout.
func (c *Catalog) HeaderFields() []HeaderField { return c.headerFields }

// HeaderSize returns the packed byte width of the header.
func (c *Catalog) HeaderSize() int { return c.headerSize }

// Frame looks up a frame catalog entry by name (e.g. "ACK", "CMD").
func (c *Catalog) Frame(name string) (*FrameDef, bool) {
	f, ok := c.frames[name]
	return f, ok
}

// FrameByCode looks up a frame catalog entry by its wire type code.
func (c *Catalog) FrameByCode(code uint8) (*FrameDef, bool) {
	f, ok := c.framesByCode[code]
	return f, ok
}

// Command looks up a command definition by name.
func (c *Catalog) Command(name string) (*CommandDef, bool) {
	cmd, ok := c.commands[name]
	return cmd, ok
}

// CommandByID looks up a command definition by its resolved numeric id.
func (c *Catalog) CommandByID(id uint32) (*CommandDef, bool) {
	cmd, ok := c.commandsByID[id]
	return cmd, ok
}

// PayloadType looks up a named, reusable payload type.
func (c *Catalog) PayloadType(name string) (*PayloadTypeDef, bool) {
	pt, ok := c.payloadTypes[name]
	return pt, ok
}

// ErrorName maps a NACK error code to its schema-declared name,
// reporting ok=false for an unrecognized code.
func (c *Catalog) ErrorName(code uint8) (string, bool) {
	name, ok := c.errorsByCode[code]
	return name, ok
}

// Resolve resolves a schema Value against the constants table. A
// literal resolves to itself; a "constants:<name>" reference resolves
// via Constants.Lookup, falling back to def when the name is absent.
func (c *Catalog) Resolve(v Value, def int64) (int64, bool) {
	if v.isLiteral {
		return v.literal, true
	}
	if v.constRef == "" {
		return def, false
	}
	if n, ok := c.constants.Lookup(v.constRef); ok {
		return n, true
	}
	return def, false
}

// ValidatePayloadLen reports whether a payload of the given length is
// in-bounds for the named frame type, per its min_payload/max_payload.
func (c *Catalog) ValidatePayloadLen(frameType string, length int) bool {
	f, ok := c.frames[frameType]
	if !ok {
		return false
	}
	min, _ := c.Resolve(f.MinPayload, 0)
	max, _ := c.Resolve(f.MaxPayload, int64(c.constants.MaxPayload))
	return int64(length) >= min && int64(length) <= max
}

func (c *Catalog) fieldListFor(fields []Field, payloadType string) ([]Field, error) {
	if payloadType != "" {
		pt, ok := c.PayloadType(payloadType)
		if !ok {
			return nil, fmt.Errorf("%w: unknown payload_type %q", ErrBadSchema, payloadType)
		}
		return pt.Fields, nil
	}
	return fields, nil
}
