package sensor

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFile builds a sensor Catalog from a sensors.yml document: a
// mapping of sensor name to {type_id, payload_type, channels}.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sensor: reading %s: %w", path, err)
	}
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("sensor: parsing %s: %w", path, err)
	}

	sensors := make([]*Sensor, 0, len(doc))
	for name, v := range doc {
		m, ok := asMap(v)
		if !ok {
			return nil, fmt.Errorf("sensor: %s must be a mapping", name)
		}
		s, err := parseSensor(name, m)
		if err != nil {
			return nil, fmt.Errorf("sensor: %s: %w", name, err)
		}
		sensors = append(sensors, s)
	}
	return newCatalog(sensors), nil
}

func parseSensor(name string, m map[string]interface{}) (*Sensor, error) {
	typeID, ok := asInt(m["type_id"])
	if !ok {
		return nil, fmt.Errorf("type_id is required")
	}
	payloadType, ok := m["payload_type"].(string)
	if !ok {
		return nil, fmt.Errorf("payload_type is required")
	}

	chanList, ok := asSlice(m["channels"])
	if !ok {
		return nil, fmt.Errorf("channels must be a sequence")
	}

	channels := make([]Channel, 0, len(chanList))
	for _, item := range chanList {
		entry, ok := asMap(item)
		if !ok || len(entry) != 1 {
			return nil, fmt.Errorf("channel entry must be a single-key mapping")
		}
		for chName, spec := range entry {
			ch, err := parseChannel(chName, spec)
			if err != nil {
				return nil, fmt.Errorf("channel %q: %w", chName, err)
			}
			channels = append(channels, ch)
		}
	}

	return &Sensor{
		TypeID:      uint8(typeID),
		Name:        name,
		PayloadType: payloadType,
		Channels:    channels,
	}, nil
}

func parseChannel(name string, spec interface{}) (Channel, error) {
	m, ok := asMap(spec)
	if !ok {
		return Channel{}, fmt.Errorf("must be a mapping")
	}

	if op, ok := m["operation"].(string); ok {
		deps, _ := asStringSlice(m["deps"])
		factor, _ := asFloat(m["factor"])
		return Channel{
			Name:      name,
			Kind:      Computed,
			Operation: Operation(op),
			Deps:      deps,
			Factor:    factor,
		}, nil
	}

	field, ok := m["field"].(string)
	if !ok {
		field = name
	}
	scale, hasScale := asFloat(m["scale"])
	if !hasScale {
		scale = 1
	}
	lsb, hasLSB := asFloat(m["lsb"])
	if !hasLSB {
		lsb = 1
	}

	return Channel{
		Name:  name,
		Kind:  Measured,
		Field: field,
		Scale: scale,
		LSB:   lsb,
	}, nil
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	if m, ok := v.(map[string]interface{}); ok {
		return m, true
	}
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

func asInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func asStringSlice(v interface{}) ([]string, bool) {
	s, ok := v.([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(s))
	for _, item := range s {
		str, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, str)
	}
	return out, true
}
