package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/librescoot/mcu-link/pkg/schema"
)

// BuildCommandFrame builds the wire bytes for an outbound CMD frame
// (§4.5 step 4): header + payload + little-endian CRC. tsMs is the
// caller's current time in milliseconds, truncated to 32 bits.
func BuildCommandFrame(catalog *schema.Catalog, cmdID uint32, seq uint32, payload []byte, tsMs uint32) ([]byte, error) {
	cmdFrame, ok := catalog.Frame("CMD")
	if !ok {
		return nil, fmt.Errorf("%w: frame catalog has no CMD entry", schema.ErrBadSchema)
	}

	header, err := catalog.BuildHeader(schema.HeaderValues{
		"magic":  int64(catalog.Constants().Magic),
		"type":   int64(cmdFrame.Code),
		"ver":    0,
		"len":    int64(len(payload)),
		"cmd_id": int64(cmdID),
		"rsv":    0,
		"seq":    int64(seq),
		"ts_ms":  int64(tsMs),
	})
	if err != nil {
		return nil, err
	}

	frameBytes := make([]byte, 0, len(header)+len(payload)+2)
	frameBytes = append(frameBytes, header...)
	frameBytes = append(frameBytes, payload...)

	crc := catalog.CRC16(frameBytes)
	crcBytes := make([]byte, 2)
	binary.LittleEndian.PutUint16(crcBytes, crc)
	frameBytes = append(frameBytes, crcBytes...)

	return frameBytes, nil
}
