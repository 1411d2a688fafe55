package frame

import (
	"encoding/binary"

	"github.com/librescoot/mcu-link/pkg/schema"
)

// Parser is the stateful resync parser of §4.4. It owns an unbounded
// byte buffer; Feed appends incoming bytes and GetFrame drains as
// many complete frames as are currently available. A Parser is not
// safe for concurrent use — the engine's receive worker owns it
// exclusively (§5).
type Parser struct {
	catalog *schema.Catalog
	buf     []byte
	magic   []byte
}

// NewParser builds a Parser bound to a schema catalog.
func NewParser(catalog *schema.Catalog) *Parser {
	m := make([]byte, 2)
	binary.LittleEndian.PutUint16(m, catalog.Constants().Magic)
	return &Parser{catalog: catalog, magic: m}
}

// Feed appends newly read bytes to the parse buffer.
func (p *Parser) Feed(data []byte) {
	p.buf = append(p.buf, data...)
}

// Buffered reports how many bytes are currently held, unparsed.
func (p *Parser) Buffered() int { return len(p.buf) }

// GetFrame attempts to extract one complete frame from the buffer,
// resynchronizing on garbage as needed. Call it repeatedly until it
// reports false; a false result with no error means "not enough data
// yet", not an error condition.
func (p *Parser) GetFrame() (*Frame, bool) {
	headerSize := p.catalog.HeaderSize()
	maxPayload := p.catalog.Constants().MaxPayload

	for {
		if len(p.buf) < headerSize {
			return nil, false
		}

		idx := indexOf(p.buf, p.magic)
		if idx < 0 {
			// Magic not found anywhere in the buffer. Retain only the
			// final byte: it may be the first half of a magic that
			// straddles this feed boundary (testable boundary: a
			// lone leading magic byte must never be consumed).
			if len(p.buf) > 1 {
				p.buf = p.buf[len(p.buf)-1:]
			}
			return nil, false
		}
		if idx > 0 {
			p.buf = p.buf[idx:]
		}
		if len(p.buf) < headerSize {
			return nil, false
		}

		hdr, err := p.catalog.ParseHeader(p.buf[:headerSize])
		if err != nil {
			// Header-shaped but unparseable: advance by one byte so a
			// magic starting at the next position is still reachable.
			p.discard(1)
			continue
		}

		length := int(hdr["len"])
		if length > maxPayload {
			p.discard(2)
			continue
		}

		total := headerSize + length + 2
		if len(p.buf) < total {
			return nil, false
		}

		computedCRC := p.catalog.CRC16(p.buf[:headerSize+length])
		wireCRC := uint16(p.buf[headerSize+length]) | uint16(p.buf[headerSize+length+1])<<8
		if computedCRC != wireCRC {
			p.discard(2)
			continue
		}

		typeCode := uint8(hdr["type"])
		frameDef, known := p.catalog.FrameByCode(typeCode)
		var frameName string
		if known {
			frameName = frameDef.Name
		}
		if !known || !p.catalog.ValidatePayloadLen(frameName, length) {
			// Structurally valid but out of contract for its type:
			// the whole frame is consumed, not just two bytes (§4.4
			// tie-break rule for step 7).
			p.discard(total)
			continue
		}

		payload := make([]byte, length)
		copy(payload, p.buf[headerSize:headerSize+length])
		p.discard(total)

		return &Frame{
			Kind:      kindForFrameType(frameName),
			FrameType: frameName,
			TypeCode:  typeCode,
			CmdID:     uint32(hdr["cmd_id"]),
			Seq:       uint32(hdr["seq"]),
			TsMs:      uint32(hdr["ts_ms"]),
			Payload:   payload,
		}, true
	}
}

func (p *Parser) discard(n int) {
	if n > len(p.buf) {
		n = len(p.buf)
	}
	p.buf = p.buf[n:]
}

// indexOf returns the first index of needle within haystack, or -1.
func indexOf(haystack, needle []byte) int {
	if len(needle) == 0 || len(haystack) < len(needle) {
		return -1
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
