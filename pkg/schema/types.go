// Package schema models the wire protocol metadata consumed by the
// protocol engine: constants, frame catalog, header layout, command
// definitions, payload types and the error table. None of it is
// hand-coded — it is parsed once at startup from a directory of YAML
// files and treated as immutable for the life of the process.
package schema

import "fmt"

// Primitive is one of the scalar wire types the header and payload
// codecs know how to pack/unpack. Everything is little-endian.
type Primitive string

const (
	Uint8  Primitive = "uint8"
	Int8   Primitive = "int8"
	Uint16 Primitive = "uint16"
	Int16  Primitive = "int16"
	Uint32 Primitive = "uint32"
	Int32  Primitive = "int32"
)

// Size returns the on-wire byte width of the primitive, or 0 if p is
// not a recognized primitive type.
func (p Primitive) Size() int {
	switch p {
	case Uint8, Int8:
		return 1
	case Uint16, Int16:
		return 2
	case Uint32, Int32:
		return 4
	default:
		return 0
	}
}

func (p Primitive) Valid() bool { return p.Size() > 0 }

// Value is a schema scalar that is either a literal integer or a
// symbolic reference of the form "constants:<name>". It resolves
// against a Catalog's constants table at decode/encode time.
type Value struct {
	literal   int64
	isLiteral bool
	constRef  string
}

// LiteralValue builds a Value that always resolves to n.
func LiteralValue(n int64) Value { return Value{literal: n, isLiteral: true} }

// ConstRefValue builds a Value that resolves against constants[name].
func ConstRefValue(name string) Value { return Value{constRef: name} }

func (v Value) String() string {
	if v.isLiteral {
		return fmt.Sprintf("%d", v.literal)
	}
	if v.constRef != "" {
		return "constants:" + v.constRef
	}
	return "<unset>"
}

// FieldKind tags the shape of a payload field: a scalar primitive, a
// tail byte slice, a packed array of fixed-size structs, or a
// reference to a named, reusable payload type.
type FieldKind int

const (
	FieldScalar FieldKind = iota
	FieldBytes
	FieldArray
	FieldPayloadRef
)

// StructDef is the fixed field list packed tightly per array entry.
type StructDef struct {
	Fields []Field
}

// Size returns the byte width of one struct entry, or an error if the
// struct contains a field whose width isn't fixed (array/bytes/ref).
func (s *StructDef) Size() (int, error) {
	total := 0
	for _, f := range s.Fields {
		if f.Kind != FieldScalar {
			return 0, fmt.Errorf("schema: array struct field %q must be a scalar primitive", f.Name)
		}
		total += f.Primitive.Size()
	}
	return total, nil
}

// Field is one entry of a command payload, response payload, or named
// payload type's field list.
type Field struct {
	Name        string
	Kind        FieldKind
	Primitive   Primitive  // valid when Kind == FieldScalar
	Items       *StructDef // valid when Kind == FieldArray
	PayloadType string     // valid when Kind == FieldPayloadRef
	Default     *Value     // optional encode-time default (literal or constants ref)
}

// FrameDef describes one entry of the frame catalog: its wire type
// code and the payload length bounds enforced for frames of that type.
type FrameDef struct {
	Name       string
	Code       uint8
	MinPayload Value
	MaxPayload Value
}

// HeaderField is one ordered entry of the wire header layout.
type HeaderField struct {
	Name string
	Type Primitive
}

// CommandDef describes a named command: its numeric id, the fields
// used to encode an outbound command payload, and how to decode the
// matching ACK's response payload.
type CommandDef struct {
	Name                string
	CmdID               Value
	Payload             []Field
	ResponsePayload     []Field // set when response_payload is an inline field list
	ResponsePayloadType string  // set when response_payload is {payload_type: name}
	RequiresStreaming   bool
}

// PayloadTypeDef is a named, reusable field list referenced from
// command definitions or other payload types via FieldPayloadRef.
type PayloadTypeDef struct {
	Name   string
	Fields []Field
}

// CRCParams parameterizes the CRC-16 computation (§4.2): seed and
// polynomial, MSB-first, reflect-none.
type CRCParams struct {
	Seed uint16
	Poly uint16
}

// Constants holds the required scalar constants plus any additional
// named scalars declared in constants.yml, reachable via Lookup for
// "constants:<name>" resolution.
type Constants struct {
	Magic           uint16
	MaxPayload      int
	CmdNone         uint32
	ProtocolVersion int
	CRC             CRCParams

	extra map[string]int64
}

// Lookup resolves a named constant, including the required ones
// listed above and any extra scalars carried from constants.yml.
func (c *Constants) Lookup(name string) (int64, bool) {
	switch name {
	case "magic":
		return int64(c.Magic), true
	case "max_payload":
		return int64(c.MaxPayload), true
	case "cmd_none":
		return int64(c.CmdNone), true
	case "protocol_version":
		return int64(c.ProtocolVersion), true
	case "crc.seed":
		return int64(c.CRC.Seed), true
	case "crc.poly":
		return int64(c.CRC.Poly), true
	}
	v, ok := c.extra[name]
	return v, ok
}
