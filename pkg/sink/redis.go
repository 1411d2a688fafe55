// Package sink provides CommandSink implementations the engine can be
// wired to for observability (§6.3). RedisSink is the one this
// repository ships: it CBOR-encodes each event and publishes it on a
// Redis channel, mirroring the Redis-as-message-bus pattern the rest
// of this codebase's Redis client uses for state and pub/sub.
package sink

import (
	"log"

	"github.com/fxamacker/cbor/v2"

	"github.com/librescoot/mcu-link/pkg/engine"
	mcuredis "github.com/librescoot/mcu-link/pkg/redis"
)

// wireEvent is the CBOR-encoded shape of a SinkEvent. Errors and
// durations are flattened to primitives so non-Go consumers (anything
// subscribing to the Redis channel) don't need engine's types.
type wireEvent struct {
	Name      string                 `cbor:"name"`
	Kind      string                 `cbor:"kind"`
	RequestID uint32                 `cbor:"request_id"`
	Args      map[string]interface{} `cbor:"args,omitempty"`
	Response  map[string]interface{} `cbor:"response,omitempty"`
	ErrorCode uint8                  `cbor:"error_code,omitempty"`
	ErrorName string                 `cbor:"error_name,omitempty"`
	RTTMs     float64                `cbor:"rtt_ms,omitempty"`
	TsUnixMs  int64                  `cbor:"ts_unix_ms"`
}

// RedisSink publishes every command-sink event to a fixed Redis
// channel, best-effort: publish failures are logged, never returned,
// since a sink may never affect engine state (§6.3).
type RedisSink struct {
	client  *mcuredis.Client
	channel string
	logger  *log.Logger
}

// NewRedisSink builds a sink that publishes to channel on client.
func NewRedisSink(client *mcuredis.Client, channel string, logger *log.Logger) *RedisSink {
	if logger == nil {
		logger = log.Default()
	}
	return &RedisSink{client: client, channel: channel, logger: logger}
}

func (s *RedisSink) Observe(event engine.SinkEvent) {
	w := wireEvent{
		Name:      event.Name,
		Kind:      string(event.Kind),
		RequestID: event.RequestID,
		Args:      event.Args,
		Response:  event.Response,
		RTTMs:     event.RTTMs,
		TsUnixMs:  event.Ts.UnixMilli(),
	}
	if event.Error != nil {
		w.ErrorCode = event.Error.Code
		w.ErrorName = event.Error.Name
	}

	data, err := cbor.Marshal(w)
	if err != nil {
		s.logger.Printf("sink: failed to encode event for %s: %v", event.Name, err)
		return
	}

	if err := s.client.Publish(s.channel, string(data)); err != nil {
		s.logger.Printf("sink: failed to publish event for %s: %v", event.Name, err)
	}
}
