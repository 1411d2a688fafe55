package schema

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// requiredFiles are the YAML documents every catalog must be built
// from. payload_types.yml is optional: a catalog with no named,
// reusable payload types simply omits it.
var requiredFiles = []string{
	"constants.yml",
	"header.yml",
	"frames.yml",
	"commands.yml",
	"errors.yml",
}

const payloadTypesFile = "payload_types.yml"

// LoadDir builds a Catalog from a directory containing the schema's
// YAML documents. It is the only supported way to obtain a Catalog;
// the result is treated as immutable for the life of the process.
func LoadDir(dir string) (*Catalog, error) {
	raw := make(map[string]map[string]interface{}, len(requiredFiles)+1)

	for _, name := range requiredFiles {
		doc, err := loadYAMLFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("schema: loading %s: %w", name, err)
		}
		raw[name] = doc
	}

	if doc, err := loadYAMLFile(filepath.Join(dir, payloadTypesFile)); err == nil {
		raw[payloadTypesFile] = doc
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("schema: loading %s: %w", payloadTypesFile, err)
	}

	return buildCatalog(raw)
}

func loadYAMLFile(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return doc, nil
}

// --- generic-map helpers shared by buildCatalog ---

func asMap(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	if ok {
		return m, true
	}
	// yaml.v3 decodes nested mapping nodes into map[string]interface{}
	// directly when the target is interface{}, but guard against the
	// map[interface{}]interface{} shape some decoders produce.
	if raw, ok := v.(map[interface{}]interface{}); ok {
		out := make(map[string]interface{}, len(raw))
		for k, val := range raw {
			out[fmt.Sprintf("%v", k)] = val
		}
		return out, true
	}
	return nil, false
}

func asSlice(v interface{}) ([]interface{}, bool) {
	s, ok := v.([]interface{})
	return s, ok
}

func asString(v interface{}) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// parseValue turns a raw YAML scalar into a Value: either a literal
// integer or, when the scalar is the string "constants:<name>", a
// symbolic reference resolved later against the catalog's constants.
func parseValue(v interface{}) (Value, error) {
	if s, ok := asString(v); ok {
		const prefix = "constants:"
		if len(s) > len(prefix) && s[:len(prefix)] == prefix {
			return ConstRefValue(s[len(prefix):]), nil
		}
		return Value{}, fmt.Errorf("schema: unrecognized string value %q", s)
	}
	if n, ok := asInt(v); ok {
		return LiteralValue(n), nil
	}
	return Value{}, fmt.Errorf("schema: value %v is neither an integer nor a constants: reference", v)
}

func parsePrimitive(v interface{}) (Primitive, error) {
	s, ok := asString(v)
	if !ok {
		return "", fmt.Errorf("schema: primitive type must be a string, got %v", v)
	}
	p := Primitive(s)
	if !p.Valid() {
		return "", fmt.Errorf("%w: unknown primitive %q", ErrBadSchema, s)
	}
	return p, nil
}

// parseFieldList parses an ordered list of field specs. Each entry is
// a single-key map naming the field, whose value is either a bare
// primitive-type string (scalar shorthand) or a mapping describing
// bytes/array/payload_type.
func parseFieldList(raw interface{}) ([]Field, error) {
	items, ok := asSlice(raw)
	if !ok {
		if raw == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: field list must be a sequence", ErrBadSchema)
	}

	fields := make([]Field, 0, len(items))
	for _, item := range items {
		entry, ok := asMap(item)
		if !ok || len(entry) != 1 {
			return nil, fmt.Errorf("%w: field entry must be a single-key mapping", ErrBadSchema)
		}
		for name, spec := range entry {
			f, err := parseField(name, spec)
			if err != nil {
				return nil, err
			}
			fields = append(fields, f)
		}
	}
	return fields, nil
}

func parseField(name string, spec interface{}) (Field, error) {
	if s, ok := asString(spec); ok {
		if s == "bytes" {
			return Field{Name: name, Kind: FieldBytes}, nil
		}
		p, err := parsePrimitive(s)
		if err != nil {
			return Field{}, err
		}
		return Field{Name: name, Kind: FieldScalar, Primitive: p}, nil
	}

	m, ok := asMap(spec)
	if !ok {
		return Field{}, fmt.Errorf("%w: field %q has unrecognized spec", ErrBadSchema, name)
	}

	if typeName, ok := asString(m["payload_type"]); ok {
		return Field{Name: name, Kind: FieldPayloadRef, PayloadType: typeName}, nil
	}

	if itemsSpec, ok := m["items"]; ok {
		structSpec, ok := asMap(itemsSpec)
		if !ok {
			return Field{}, fmt.Errorf("%w: array field %q missing items.fields", ErrBadSchema, name)
		}
		innerFields, err := parseFieldList(structSpec["fields"])
		if err != nil {
			return Field{}, fmt.Errorf("array field %q: %w", name, err)
		}
		return Field{Name: name, Kind: FieldArray, Items: &StructDef{Fields: innerFields}}, nil
	}

	return Field{}, fmt.Errorf("%w: field %q has unrecognized mapping spec", ErrBadSchema, name)
}

func buildCatalog(raw map[string]map[string]interface{}) (*Catalog, error) {
	c := &Catalog{}

	if err := c.loadConstants(raw["constants.yml"]); err != nil {
		return nil, err
	}
	if err := c.loadHeader(raw["header.yml"]); err != nil {
		return nil, err
	}
	if err := c.loadFrames(raw["frames.yml"]); err != nil {
		return nil, err
	}
	if err := c.loadPayloadTypes(raw[payloadTypesFile]); err != nil {
		return nil, err
	}
	if err := c.loadCommands(raw["commands.yml"]); err != nil {
		return nil, err
	}
	if err := c.loadErrors(raw["errors.yml"]); err != nil {
		return nil, err
	}

	c.index()
	return c, nil
}

func (c *Catalog) loadConstants(doc map[string]interface{}) error {
	c.constants = &Constants{extra: map[string]int64{}}

	req := func(key string) (int64, error) {
		v, ok := doc[key]
		if !ok {
			return 0, fmt.Errorf("%w: constants.%s is required", ErrBadSchema, key)
		}
		n, ok := asInt(v)
		if !ok {
			return 0, fmt.Errorf("%w: constants.%s must be an integer", ErrBadSchema, key)
		}
		return n, nil
	}

	magic, err := req("magic")
	if err != nil {
		return err
	}
	c.constants.Magic = uint16(magic)

	maxPayload, err := req("max_payload")
	if err != nil {
		return err
	}
	c.constants.MaxPayload = int(maxPayload)

	cmdNone, err := req("cmd_none")
	if err != nil {
		return err
	}
	c.constants.CmdNone = uint32(cmdNone)

	ver, err := req("protocol_version")
	if err != nil {
		return err
	}
	c.constants.ProtocolVersion = int(ver)

	crcDoc, ok := asMap(doc["crc"])
	if !ok {
		return fmt.Errorf("%w: constants.crc is required", ErrBadSchema)
	}
	seed, ok := asInt(crcDoc["seed"])
	if !ok {
		return fmt.Errorf("%w: constants.crc.seed must be an integer", ErrBadSchema)
	}
	poly, ok := asInt(crcDoc["poly"])
	if !ok {
		return fmt.Errorf("%w: constants.crc.poly must be an integer", ErrBadSchema)
	}
	c.constants.CRC = CRCParams{Seed: uint16(seed), Poly: uint16(poly)}

	for key, v := range doc {
		if key == "magic" || key == "max_payload" || key == "cmd_none" || key == "protocol_version" || key == "crc" {
			continue
		}
		if n, ok := asInt(v); ok {
			c.constants.extra[key] = n
		}
	}
	return nil
}

func (c *Catalog) loadHeader(doc map[string]interface{}) error {
	fieldsRaw, ok := asSlice(doc["fields"])
	if !ok {
		return fmt.Errorf("%w: header.fields must be a sequence", ErrBadSchema)
	}
	fields := make([]HeaderField, 0, len(fieldsRaw))
	for _, item := range fieldsRaw {
		entry, ok := asMap(item)
		if !ok || len(entry) != 1 {
			return fmt.Errorf("%w: header field entry must be a single-key mapping", ErrBadSchema)
		}
		for name, typ := range entry {
			p, err := parsePrimitive(typ)
			if err != nil {
				return fmt.Errorf("header field %q: %w", name, err)
			}
			fields = append(fields, HeaderField{Name: name, Type: p})
		}
	}
	c.headerFields = fields
	size := 0
	for _, f := range fields {
		size += f.Type.Size()
	}
	c.headerSize = size
	return nil
}

func (c *Catalog) loadFrames(doc map[string]interface{}) error {
	c.frames = make(map[string]*FrameDef, len(doc))
	for name, v := range doc {
		m, ok := asMap(v)
		if !ok {
			return fmt.Errorf("%w: frames.%s must be a mapping", ErrBadSchema, name)
		}
		code, ok := asInt(m["code"])
		if !ok {
			return fmt.Errorf("%w: frames.%s.code must be an integer", ErrBadSchema, name)
		}
		minV, err := parseValue(m["min_payload"])
		if err != nil {
			return fmt.Errorf("frames.%s.min_payload: %w", name, err)
		}
		maxV, err := parseValue(m["max_payload"])
		if err != nil {
			return fmt.Errorf("frames.%s.max_payload: %w", name, err)
		}
		c.frames[name] = &FrameDef{Name: name, Code: uint8(code), MinPayload: minV, MaxPayload: maxV}
	}
	for _, want := range []string{"ACK", "NACK", "STREAM", "CMD"} {
		if _, ok := c.frames[want]; !ok {
			return fmt.Errorf("%w: frame catalog missing required entry %q", ErrBadSchema, want)
		}
	}
	return nil
}

func (c *Catalog) loadPayloadTypes(doc map[string]interface{}) error {
	c.payloadTypes = make(map[string]*PayloadTypeDef, len(doc))
	for name, v := range doc {
		m, ok := asMap(v)
		if !ok {
			return fmt.Errorf("%w: payload_types.%s must be a mapping", ErrBadSchema, name)
		}
		fields, err := parseFieldList(m["fields"])
		if err != nil {
			return fmt.Errorf("payload_types.%s: %w", name, err)
		}
		c.payloadTypes[name] = &PayloadTypeDef{Name: name, Fields: fields}
	}
	return nil
}

func (c *Catalog) loadCommands(doc map[string]interface{}) error {
	c.commands = make(map[string]*CommandDef, len(doc))
	for name, v := range doc {
		m, ok := asMap(v)
		if !ok {
			return fmt.Errorf("%w: commands.%s must be a mapping", ErrBadSchema, name)
		}
		cmdID, err := parseValue(m["cmd_id"])
		if err != nil {
			return fmt.Errorf("commands.%s.cmd_id: %w", name, err)
		}
		payload, err := parseFieldList(m["payload"])
		if err != nil {
			return fmt.Errorf("commands.%s.payload: %w", name, err)
		}
		def := &CommandDef{Name: name, CmdID: cmdID, Payload: payload}

		if rp, ok := m["response_payload"]; ok {
			if rpMap, ok := asMap(rp); ok {
				if typeName, ok := asString(rpMap["payload_type"]); ok {
					def.ResponsePayloadType = typeName
				} else {
					return fmt.Errorf("%w: commands.%s.response_payload mapping must be payload_type", ErrBadSchema, name)
				}
			} else {
				fields, err := parseFieldList(rp)
				if err != nil {
					return fmt.Errorf("commands.%s.response_payload: %w", name, err)
				}
				def.ResponsePayload = fields
			}
		}

		if req, ok := m["requires_streaming"].(bool); ok {
			def.RequiresStreaming = req
		}

		c.commands[name] = def
	}
	return nil
}

func (c *Catalog) loadErrors(doc map[string]interface{}) error {
	c.errorsByCode = make(map[uint8]string, len(doc))
	for name, v := range doc {
		n, ok := asInt(v)
		if !ok {
			return fmt.Errorf("%w: errors.%s must be an integer", ErrBadSchema, name)
		}
		c.errorsByCode[uint8(n)] = name
	}
	return nil
}
