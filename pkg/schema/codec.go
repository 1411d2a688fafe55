package schema

import (
	"encoding/binary"
	"fmt"
)

// HeaderValues is the decoded/encoded form of a wire header: one
// entry per declared header field, values held as signed 64-bit so a
// single map serves every primitive width.
type HeaderValues map[string]int64

// BuildHeader packs fields into wire bytes in the schema's declared
// header order (§4.1). Every declared field name must be present.
func (c *Catalog) BuildHeader(fields HeaderValues) ([]byte, error) {
	buf := make([]byte, 0, c.headerSize)
	for _, hf := range c.headerFields {
		v, ok := fields[hf.Name]
		if !ok {
			return nil, fmt.Errorf("%w: header field %q", ErrArgMissing, hf.Name)
		}
		b, err := encodeScalar(hf.Type, v)
		if err != nil {
			return nil, fmt.Errorf("header field %q: %w", hf.Name, err)
		}
		buf = append(buf, b...)
	}
	return buf, nil
}

// ParseHeader unpacks wire bytes into a field map in declared order.
// The input length must equal the declared header size exactly.
func (c *Catalog) ParseHeader(data []byte) (HeaderValues, error) {
	if len(data) != c.headerSize {
		return nil, ErrHeaderSizeMismatch
	}
	out := make(HeaderValues, len(c.headerFields))
	offset := 0
	for _, hf := range c.headerFields {
		size := hf.Type.Size()
		out[hf.Name] = decodeScalarSigned(hf.Type, data[offset:offset+size])
		offset += size
	}
	return out, nil
}

// CRC16 computes the schema-parameterized CRC over an arbitrary byte
// span: MSB-first, 8 shifts per byte, reflect-none (§4.2). With
// seed=0xFFFF poly=0x1021 this is the canonical CCITT-FALSE variant.
func (c *Catalog) CRC16(data []byte) uint16 {
	crc := c.constants.CRC.Seed
	poly := c.constants.CRC.Poly
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ poly
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

func encodeScalar(p Primitive, v int64) ([]byte, error) {
	switch p {
	case Uint8:
		return []byte{byte(uint8(v))}, nil
	case Int8:
		return []byte{byte(int8(v))}, nil
	case Uint16:
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(v))
		return b, nil
	case Int16:
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(int16(v)))
		return b, nil
	case Uint32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(v))
		return b, nil
	case Int32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(int32(v)))
		return b, nil
	default:
		return nil, fmt.Errorf("%w: unknown primitive %q", ErrBadSchema, p)
	}
}

// decodeScalarSigned decodes a primitive into an int64, sign-extending
// signed primitives and zero-extending unsigned ones.
func decodeScalarSigned(p Primitive, data []byte) int64 {
	switch p {
	case Uint8:
		return int64(data[0])
	case Int8:
		return int64(int8(data[0]))
	case Uint16:
		return int64(binary.LittleEndian.Uint16(data))
	case Int16:
		return int64(int16(binary.LittleEndian.Uint16(data)))
	case Uint32:
		return int64(binary.LittleEndian.Uint32(data))
	case Int32:
		return int64(int32(binary.LittleEndian.Uint32(data)))
	default:
		return 0
	}
}

// --- payload field-list codec (§4.3) ---

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case uint8:
		return int64(n), true
	case int8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case int16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// decodeFields walks a field list against data starting at offset 0,
// returning the decoded value map and the number of bytes consumed.
// A bytes or array field consumes the remainder of data and ends the
// walk (§4.3): producers are expected to place them last.
func (c *Catalog) decodeFields(fields []Field, data []byte) (map[string]interface{}, int, error) {
	result := make(map[string]interface{}, len(fields))
	offset := 0
	for _, f := range fields {
		switch f.Kind {
		case FieldScalar:
			size := f.Primitive.Size()
			if offset+size > len(data) {
				return nil, offset, fmt.Errorf("%w: field %q", ErrPayloadTooShort, f.Name)
			}
			result[f.Name] = decodeScalarSigned(f.Primitive, data[offset:offset+size])
			offset += size

		case FieldBytes:
			result[f.Name] = append([]byte(nil), data[offset:]...)
			return result, len(data), nil

		case FieldArray:
			itemSize, err := f.Items.Size()
			if err != nil {
				return nil, offset, err
			}
			var entries []map[string]interface{}
			rem := data[offset:]
			for itemSize > 0 && len(rem) >= itemSize {
				entry, _, err := c.decodeFields(f.Items.Fields, rem[:itemSize])
				if err != nil {
					return nil, offset, err
				}
				entries = append(entries, entry)
				rem = rem[itemSize:]
			}
			result[f.Name] = entries
			return result, len(data), nil

		case FieldPayloadRef:
			subFields, err := c.fieldListFor(nil, f.PayloadType)
			if err != nil {
				return nil, offset, err
			}
			sub, consumed, err := c.decodeFields(subFields, data[offset:])
			if err != nil {
				return nil, offset, err
			}
			result[f.Name] = sub
			offset += consumed

		default:
			return nil, offset, fmt.Errorf("%w: unknown field kind for %q", ErrBadSchema, f.Name)
		}
	}
	return result, offset, nil
}

// encodeFields packs a value map into bytes per a field list, in
// declared order, applying each field's schema default when the
// caller supplies no value.
func (c *Catalog) encodeFields(fields []Field, args map[string]interface{}) ([]byte, error) {
	var buf []byte
	for _, f := range fields {
		v, present := args[f.Name]
		if !present && f.Default != nil {
			n, _ := c.Resolve(*f.Default, 0)
			v = n
			present = true
		}

		switch f.Kind {
		case FieldScalar:
			if !present {
				return nil, fmt.Errorf("%w: %q", ErrArgMissing, f.Name)
			}
			n, ok := toInt64(v)
			if !ok {
				return nil, fmt.Errorf("%w: field %q value %v is not numeric", ErrBadSchema, f.Name, v)
			}
			b, err := encodeScalar(f.Primitive, n)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", f.Name, err)
			}
			buf = append(buf, b...)

		case FieldBytes:
			if !present {
				return nil, fmt.Errorf("%w: %q", ErrArgMissing, f.Name)
			}
			b, ok := v.([]byte)
			if !ok {
				return nil, fmt.Errorf("%w: field %q must be a byte slice", ErrBadSchema, f.Name)
			}
			buf = append(buf, b...)

		case FieldArray:
			entries, ok := v.([]map[string]interface{})
			if !ok && present {
				return nil, fmt.Errorf("%w: field %q must be a list of entries", ErrBadSchema, f.Name)
			}
			for _, entry := range entries {
				b, err := c.encodeFields(f.Items.Fields, entry)
				if err != nil {
					return nil, fmt.Errorf("field %q entry: %w", f.Name, err)
				}
				buf = append(buf, b...)
			}

		case FieldPayloadRef:
			subFields, err := c.fieldListFor(nil, f.PayloadType)
			if err != nil {
				return nil, err
			}
			sub, _ := v.(map[string]interface{})
			b, err := c.encodeFields(subFields, sub)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", f.Name, err)
			}
			buf = append(buf, b...)

		default:
			return nil, fmt.Errorf("%w: unknown field kind for %q", ErrBadSchema, f.Name)
		}
	}
	return buf, nil
}

// EncodeCommandPayload encodes a command's outbound payload from
// caller-supplied args, applying schema defaults for omitted fields
// and validating the result against the CMD frame's payload bounds
// (§4.5 step 1).
func (c *Catalog) EncodeCommandPayload(cmdName string, args map[string]interface{}) ([]byte, error) {
	cmd, ok := c.Command(cmdName)
	if !ok {
		return nil, fmt.Errorf("%w: unknown command %q", ErrBadSchema, cmdName)
	}
	payload, err := c.encodeFields(cmd.Payload, args)
	if err != nil {
		return nil, err
	}
	if !c.ValidatePayloadLen("CMD", len(payload)) {
		return nil, fmt.Errorf("%w: command %q payload length %d", ErrPayloadOutOfRange, cmdName, len(payload))
	}
	return payload, nil
}

// DecodeResponse decodes an ACK payload for the command identified by
// cmd_id, using its response_payload field list (inline or via a
// payload_type reference).
func (c *Catalog) DecodeResponse(cmdID uint32, data []byte) (map[string]interface{}, error) {
	cmd, ok := c.CommandByID(cmdID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown cmd_id %d", ErrBadSchema, cmdID)
	}
	fields, err := c.fieldListFor(cmd.ResponsePayload, cmd.ResponsePayloadType)
	if err != nil {
		return nil, err
	}
	result, _, err := c.decodeFields(fields, data)
	return result, err
}

// DecodeResponseByName decodes an ACK payload using the response
// schema of the command named cmdName, independent of whatever
// cmd_id the device echoed back on the wire (§4.6: a pending command
// is resolved against the schema it was sent under, not a possibly
// wrong or zero echoed cmd_id).
func (c *Catalog) DecodeResponseByName(cmdName string, data []byte) (map[string]interface{}, error) {
	cmd, ok := c.Command(cmdName)
	if !ok {
		return nil, fmt.Errorf("%w: unknown command %q", ErrBadSchema, cmdName)
	}
	fields, err := c.fieldListFor(cmd.ResponsePayload, cmd.ResponsePayloadType)
	if err != nil {
		return nil, err
	}
	result, _, err := c.decodeFields(fields, data)
	return result, err
}

// DecodePayload decodes data against a standalone, named payload type
// — used by session-layer sensor decoding (§2, Sensor Reading Decoder).
func (c *Catalog) DecodePayload(payloadType string, data []byte) (map[string]interface{}, error) {
	pt, ok := c.PayloadType(payloadType)
	if !ok {
		return nil, fmt.Errorf("%w: unknown payload_type %q", ErrBadSchema, payloadType)
	}
	result, _, err := c.decodeFields(pt.Fields, data)
	return result, err
}
