package sensor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/librescoot/mcu-link/pkg/schema"
)

const fixtureConstants = `
magic: 43981
max_payload: 32
cmd_none: 0
protocol_version: 1
crc:
  seed: 65535
  poly: 4129
`

const fixtureHeader = `
fields:
  - magic: uint16
  - type: uint8
  - ver: uint8
  - len: uint16
  - cmd_id: uint8
  - rsv: uint8
  - seq: uint32
  - ts_ms: uint32
`

const fixtureFrames = `
ACK:
  code: 1
  min_payload: 0
  max_payload: constants:max_payload
NACK:
  code: 2
  min_payload: 1
  max_payload: 1
STREAM:
  code: 3
  min_payload: 0
  max_payload: constants:max_payload
CMD:
  code: 0
  min_payload: 0
  max_payload: constants:max_payload
`

const fixtureCommands = `
PING:
  cmd_id: 1
  payload: []
  response_payload:
    - ok: uint8
`

const fixtureErrors = `
BAD_ARG: 2
`

const fixturePayloadTypes = `
temp_humidity:
  fields:
    - raw_temp: int16
    - raw_hum: uint16
`

func newFixtureCatalog(t *testing.T) *schema.Catalog {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"constants.yml":     fixtureConstants,
		"header.yml":        fixtureHeader,
		"frames.yml":        fixtureFrames,
		"commands.yml":      fixtureCommands,
		"errors.yml":        fixtureErrors,
		"payload_types.yml": fixturePayloadTypes,
	}
	for name, contents := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644); err != nil {
			t.Fatalf("writing fixture %s: %v", name, err)
		}
	}
	cat, err := schema.LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	return cat
}

func TestDecodePayloadMeasuredAndComputed(t *testing.T) {
	cat := newFixtureCatalog(t)

	s := &Sensor{
		TypeID:      1,
		Name:        "temp_humidity",
		PayloadType: "temp_humidity",
		Channels: []Channel{
			{Name: "temp_c", Kind: Measured, Field: "raw_temp", Scale: 0.1, LSB: 1},
			{Name: "hum_pct", Kind: Measured, Field: "raw_hum", Scale: 0.01, LSB: 1},
			{Name: "heat_index", Kind: Computed, Operation: OpAdd, Deps: []string{"temp_c", "hum_pct"}},
		},
	}

	// raw_temp = 235 (int16 LE) -> 23.5C; raw_hum = 6000 (uint16 LE) -> 60.0%
	payload := []byte{0xEB, 0x00, 0x70, 0x17}
	reading, err := s.DecodePayload(cat, payload)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}

	if got := reading["temp_c"]; got != 23.5 {
		t.Errorf("temp_c = %v, want 23.5", got)
	}
	if got := reading["hum_pct"]; got != 60.0 {
		t.Errorf("hum_pct = %v, want 60.0", got)
	}
	if got := reading["heat_index"]; got != 83.5 {
		t.Errorf("heat_index = %v, want 83.5", got)
	}
}

func TestDecodePayloadUnknownFieldErrors(t *testing.T) {
	cat := newFixtureCatalog(t)
	s := &Sensor{
		TypeID:      1,
		PayloadType: "temp_humidity",
		Channels:    []Channel{{Name: "bogus", Kind: Measured, Field: "does_not_exist", Scale: 1}},
	}
	if _, err := s.DecodePayload(cat, []byte{0x00, 0x00, 0x00, 0x00}); err == nil {
		t.Fatal("expected an error for a channel referencing an unknown field")
	}
}

func TestDecodePayloadDivideByZeroComputed(t *testing.T) {
	cat := newFixtureCatalog(t)
	s := &Sensor{
		TypeID:      1,
		PayloadType: "temp_humidity",
		Channels: []Channel{
			{Name: "a", Kind: Measured, Field: "raw_temp", Scale: 1},
			{Name: "zero", Kind: Measured, Field: "raw_hum", Scale: 0},
			{Name: "ratio", Kind: Computed, Operation: OpDivide, Deps: []string{"a", "zero"}},
		},
	}
	if _, err := s.DecodePayload(cat, []byte{0x05, 0x00, 0xFF, 0xFF}); err == nil {
		t.Fatal("expected a divide-by-zero error")
	}
}

func TestCatalogIndexesByTypeIDAndName(t *testing.T) {
	c := newCatalog([]*Sensor{
		{TypeID: 1, Name: "temp_humidity"},
		{TypeID: 2, Name: "imu"},
	})
	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", c.Len())
	}
	if s, ok := c.ByTypeID(2); !ok || s.Name != "imu" {
		t.Fatalf("ByTypeID(2) = %#v, %v", s, ok)
	}
	if s, ok := c.ByName("temp_humidity"); !ok || s.TypeID != 1 {
		t.Fatalf("ByName(temp_humidity) = %#v, %v", s, ok)
	}
	if _, ok := c.ByTypeID(99); ok {
		t.Fatal("expected ByTypeID(99) to miss")
	}
}
