package frame

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/librescoot/mcu-link/pkg/schema"
)

const fixtureConstants = `
magic: 43981
max_payload: 16
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
UNKNOWN: 255
`

func newFixtureCatalog(t *testing.T) *schema.Catalog {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"constants.yml": fixtureConstants,
		"header.yml":    fixtureHeader,
		"frames.yml":    fixtureFrames,
		"commands.yml":  fixtureCommands,
		"errors.yml":    fixtureErrors,
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

// buildRawFrame assembles header+payload+crc bytes for an arbitrary
// frame-catalog type, for tests that need frame types BuildCommandFrame
// doesn't build (ACK/NACK/STREAM).
func buildRawFrame(t *testing.T, cat *schema.Catalog, typeName string, cmdID, seq uint32, payload []byte) []byte {
	t.Helper()
	fd, ok := cat.Frame(typeName)
	if !ok {
		t.Fatalf("no frame catalog entry %q", typeName)
	}
	header, err := cat.BuildHeader(schema.HeaderValues{
		"magic":  int64(cat.Constants().Magic),
		"type":   int64(fd.Code),
		"ver":    0,
		"len":    int64(len(payload)),
		"cmd_id": int64(cmdID),
		"rsv":    0,
		"seq":    int64(seq),
		"ts_ms":  0,
	})
	if err != nil {
		t.Fatalf("BuildHeader: %v", err)
	}
	buf := append(header, payload...)
	crc := cat.CRC16(buf)
	crcBytes := make([]byte, 2)
	binary.LittleEndian.PutUint16(crcBytes, crc)
	return append(buf, crcBytes...)
}

func TestParserBasicAckRoundTrip(t *testing.T) {
	cat := newFixtureCatalog(t)
	p := NewParser(cat)

	raw := buildRawFrame(t, cat, "ACK", 1, 7, []byte{0x01, 0x02})
	p.Feed(raw)

	fr, ok := p.GetFrame()
	if !ok {
		t.Fatal("expected a frame")
	}
	if fr.Kind != KindAck || fr.Seq != 7 || string(fr.Payload) != "\x01\x02" {
		t.Fatalf("got %+v", fr)
	}
	if _, ok := p.GetFrame(); ok {
		t.Fatal("expected no second frame")
	}
}

func TestParserResyncOnGarbage(t *testing.T) {
	cat := newFixtureCatalog(t)
	p := NewParser(cat)

	garbage := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	raw := buildRawFrame(t, cat, "STREAM", 0, 1, []byte{0xAA, 0xBB})
	p.Feed(append(append([]byte{}, garbage...), raw...))

	fr, ok := p.GetFrame()
	if !ok {
		t.Fatal("expected a frame after garbage prefix")
	}
	if fr.Kind != KindStream || fr.Seq != 1 {
		t.Fatalf("got %+v", fr)
	}
}

func TestParserPartialMagicRetained(t *testing.T) {
	cat := newFixtureCatalog(t)
	p := NewParser(cat)

	magic := make([]byte, 2)
	binary.LittleEndian.PutUint16(magic, cat.Constants().Magic)

	// Feed only the first byte of magic: must not be consumed.
	p.Feed(magic[:1])
	if _, ok := p.GetFrame(); ok {
		t.Fatal("no frame should be available yet")
	}
	if p.Buffered() != 1 {
		t.Fatalf("Buffered() = %d, want 1 (partial magic retained)", p.Buffered())
	}

	// Completing the magic plus a full valid frame must now parse.
	raw := buildRawFrame(t, cat, "ACK", 0, 9, nil)
	p.Feed(raw[1:]) // raw[0] is magic[0], already fed above
	fr, ok := p.GetFrame()
	if !ok {
		t.Fatal("expected a frame once magic completes")
	}
	if fr.Seq != 9 {
		t.Fatalf("got seq %d, want 9", fr.Seq)
	}
}

func TestParserCRCMismatchDiscardsAndResyncs(t *testing.T) {
	cat := newFixtureCatalog(t)
	p := NewParser(cat)

	bad := buildRawFrame(t, cat, "ACK", 0, 1, []byte{0x01})
	bad[len(bad)-1] ^= 0xFF // corrupt the CRC's high byte

	good := buildRawFrame(t, cat, "ACK", 0, 2, []byte{0x02})
	p.Feed(append(bad, good...))

	fr, ok := p.GetFrame()
	if !ok {
		t.Fatal("expected the second, valid frame to surface")
	}
	if fr.Seq != 2 {
		t.Fatalf("got seq %d, want 2 (first frame's CRC mismatch should have been discarded)", fr.Seq)
	}
}

func TestParserPayloadTooLargeDiscarded(t *testing.T) {
	cat := newFixtureCatalog(t)
	p := NewParser(cat)

	// max_payload is 16; hand-craft a header claiming len=200 (global
	// bound violation, independent of any particular frame type).
	header, err := cat.BuildHeader(schema.HeaderValues{
		"magic": int64(cat.Constants().Magic), "type": 1, "ver": 0,
		"len": 200, "cmd_id": 0, "rsv": 0, "seq": 5, "ts_ms": 0,
	})
	if err != nil {
		t.Fatalf("BuildHeader: %v", err)
	}
	good := buildRawFrame(t, cat, "ACK", 0, 6, nil)
	p.Feed(append(header, good...))

	fr, ok := p.GetFrame()
	if !ok {
		t.Fatal("expected the following valid frame to surface")
	}
	if fr.Seq != 6 {
		t.Fatalf("got seq %d, want 6", fr.Seq)
	}
}

func TestParserPayloadBoundsViolationDropsWholeFrame(t *testing.T) {
	cat := newFixtureCatalog(t)
	p := NewParser(cat)

	// NACK's max_payload is 1; a structurally valid, CRC-correct frame
	// with a 2-byte payload must be dropped in its entirety (§4.4 step 7).
	oversized := buildRawFrame(t, cat, "NACK", 0, 1, []byte{0x01, 0x02})
	good := buildRawFrame(t, cat, "NACK", 0, 2, []byte{0x03})
	p.Feed(append(oversized, good...))

	fr, ok := p.GetFrame()
	if !ok {
		t.Fatal("expected the following valid frame to surface")
	}
	if fr.Seq != 2 {
		t.Fatalf("got seq %d, want 2", fr.Seq)
	}
}

func TestBuildCommandFrameRoundTripsThroughParser(t *testing.T) {
	cat := newFixtureCatalog(t)
	payload := []byte{0xDE, 0xAD}
	raw, err := BuildCommandFrame(cat, 1, 42, payload, 1000)
	if err != nil {
		t.Fatalf("BuildCommandFrame: %v", err)
	}

	p := NewParser(cat)
	p.Feed(raw)
	fr, ok := p.GetFrame()
	if !ok {
		t.Fatal("expected a frame")
	}
	if fr.Kind != KindCommand || fr.CmdID != 1 || fr.Seq != 42 || string(fr.Payload) != string(payload) {
		t.Fatalf("got %+v", fr)
	}
}
