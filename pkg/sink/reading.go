package sink

import (
	"log"
	"strconv"

	"github.com/fxamacker/cbor/v2"

	mcuredis "github.com/librescoot/mcu-link/pkg/redis"
	"github.com/librescoot/mcu-link/pkg/sensor"
)

// ReadingSink receives decoded sensor readings. cmd/mcu-link wires it
// to DeviceSession.SubscribeReadings, which delivers readings decoded
// from STREAM frames; readings returned by an on-demand ReadSensor
// call are not passed to subscribers. Like CommandSink, it is
// best-effort.
type ReadingSink interface {
	OnReading(runtimeID uint8, reading sensor.Reading)
	Close() error
}

// RedisReadingSink publishes decoded readings to a Redis channel
// keyed by sensor runtime id, CBOR-encoded.
type RedisReadingSink struct {
	client       *mcuredis.Client
	channelBase  string
	logger       *log.Logger
}

func NewRedisReadingSink(client *mcuredis.Client, channelBase string, logger *log.Logger) *RedisReadingSink {
	if logger == nil {
		logger = log.Default()
	}
	return &RedisReadingSink{client: client, channelBase: channelBase, logger: logger}
}

func (s *RedisReadingSink) OnReading(runtimeID uint8, reading sensor.Reading) {
	data, err := cbor.Marshal(reading)
	if err != nil {
		s.logger.Printf("sink: failed to encode reading for runtime_id=%d: %v", runtimeID, err)
		return
	}
	channel := channelForRuntime(s.channelBase, runtimeID)
	if err := s.client.Publish(channel, string(data)); err != nil {
		s.logger.Printf("sink: failed to publish reading for runtime_id=%d: %v", runtimeID, err)
	}
}

func (s *RedisReadingSink) Close() error { return nil }

func channelForRuntime(base string, runtimeID uint8) string {
	return base + ":" + strconv.Itoa(int(runtimeID))
}
