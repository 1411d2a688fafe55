package sensor

import (
	"fmt"

	"github.com/librescoot/mcu-link/pkg/schema"
)

// Sensor is one entry of the static sensor-type catalog: the type id
// a GET_SENSORS/STREAM frame resolves a runtime instance to, the
// schema payload_type that describes its raw wire fields, and its
// ordered channel list.
type Sensor struct {
	TypeID      uint8
	Name        string
	PayloadType string
	Channels    []Channel
}

// Reading is one decoded STREAM payload: every channel's physical
// value, keyed by channel name.
type Reading map[string]float64

// DecodePayload decodes the bytes following a STREAM frame's
// runtime-id prefix into channel readings, resolving measured
// channels from the catalog-decoded raw fields and then computed
// channels in declared order.
func (s *Sensor) DecodePayload(catalog *schema.Catalog, payload []byte) (Reading, error) {
	raw, err := catalog.DecodePayload(s.PayloadType, payload)
	if err != nil {
		return nil, fmt.Errorf("sensor %q: %w", s.Name, err)
	}

	reading := make(Reading, len(s.Channels))
	for _, ch := range s.Channels {
		switch ch.Kind {
		case Measured:
			v, ok := raw[ch.Field]
			if !ok {
				return nil, fmt.Errorf("sensor %q: channel %q references unknown field %q", s.Name, ch.Name, ch.Field)
			}
			n, ok := toFloat(v)
			if !ok {
				return nil, fmt.Errorf("sensor %q: channel %q field %q is not numeric", s.Name, ch.Name, ch.Field)
			}
			reading[ch.Name] = n * ch.LSB * ch.Scale

		case Computed:
			vals := make([]float64, 0, len(ch.Deps))
			for _, dep := range ch.Deps {
				v, ok := reading[dep]
				if !ok {
					return nil, fmt.Errorf("sensor %q: channel %q depends on undecoded channel %q", s.Name, ch.Name, dep)
				}
				vals = append(vals, v)
			}
			result, err := apply(ch.Operation, vals)
			if err != nil {
				return nil, fmt.Errorf("sensor %q: channel %q: %w", s.Name, ch.Name, err)
			}
			reading[ch.Name] = result * ch.factor()
		}
	}
	return reading, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// Catalog is the immutable set of known sensor types, indexed by the
// type id a device reports for each of its runtime sensor instances.
type Catalog struct {
	byTypeID map[uint8]*Sensor
	byName   map[string]*Sensor
}

func newCatalog(sensors []*Sensor) *Catalog {
	c := &Catalog{
		byTypeID: make(map[uint8]*Sensor, len(sensors)),
		byName:   make(map[string]*Sensor, len(sensors)),
	}
	for _, s := range sensors {
		c.byTypeID[s.TypeID] = s
		c.byName[s.Name] = s
	}
	return c
}

func (c *Catalog) ByTypeID(id uint8) (*Sensor, bool) {
	s, ok := c.byTypeID[id]
	return s, ok
}

func (c *Catalog) ByName(name string) (*Sensor, bool) {
	s, ok := c.byName[name]
	return s, ok
}

func (c *Catalog) Len() int { return len(c.byTypeID) }
