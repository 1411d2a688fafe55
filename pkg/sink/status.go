package sink

import (
	"fmt"
	"log"
	"strconv"

	mcuredis "github.com/librescoot/mcu-link/pkg/redis"
	"github.com/librescoot/mcu-link/pkg/session"
)

// StatusSink mirrors a DeviceSession's status snapshot so anything
// polling Redis (rather than subscribing to the reading/command
// channels) can see transport/MCU/sensor health without holding a
// reference to the session itself.
type StatusSink struct {
	client *mcuredis.Client
	key    string
	logger *log.Logger
}

// NewStatusSink builds a sink that mirrors status into the Redis hash
// named key.
func NewStatusSink(client *mcuredis.Client, key string, logger *log.Logger) *StatusSink {
	if logger == nil {
		logger = log.Default()
	}
	return &StatusSink{client: client, key: key, logger: logger}
}

// Publish writes st's fields into the hash and publishes the
// transport/MCU availability transitions, so a watcher doesn't have to
// poll to notice a disconnect.
func (s *StatusSink) Publish(st session.SessionStatus) {
	if err := s.client.WriteAndPublishString(s.key, "transport_connected", strconv.FormatBool(st.Transport.Connected)); err != nil {
		s.logger.Printf("sink: failed to write transport_connected: %v", err)
	}
	if err := s.client.WriteString(s.key, "transport_driver", st.Transport.Driver); err != nil {
		s.logger.Printf("sink: failed to write transport_driver: %v", err)
	}
	if err := s.client.WriteAndPublishString(s.key, "mcu_available", strconv.FormatBool(st.Mcu.Available)); err != nil {
		s.logger.Printf("sink: failed to write mcu_available: %v", err)
	}
	if st.Mcu.UptimeS != nil {
		if err := s.client.WriteString(s.key, "mcu_uptime_s", strconv.FormatFloat(*st.Mcu.UptimeS, 'f', 3, 64)); err != nil {
			s.logger.Printf("sink: failed to write mcu_uptime_s: %v", err)
		}
	}
	if st.Mcu.LastError != "" {
		if err := s.client.WriteString(s.key, "mcu_last_error", st.Mcu.LastError); err != nil {
			s.logger.Printf("sink: failed to write mcu_last_error: %v", err)
		}
	} else if _, err := s.client.HDel(s.key, "mcu_last_error"); err != nil {
		s.logger.Printf("sink: failed to clear mcu_last_error: %v", err)
	}
	if err := s.client.WriteString(s.key, "sensor_count", strconv.Itoa(len(st.Sensors))); err != nil {
		s.logger.Printf("sink: failed to write sensor_count: %v", err)
	}
	for _, sensorState := range st.Sensors {
		field := fmt.Sprintf("sensor.%d.streaming", sensorState.RuntimeID)
		if err := s.client.WriteString(s.key, field, strconv.FormatBool(sensorState.Streaming)); err != nil {
			s.logger.Printf("sink: failed to write %s: %v", field, err)
		}
	}
}
