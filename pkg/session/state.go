package session

import "time"

// TransportState is a snapshot of the transport's connection status.
type TransportState struct {
	Connected    bool
	Driver       string
	KeyParam     string
	LastError    string
}

// McuState is a snapshot of whether the MCU is currently responding.
type McuState struct {
	Available  bool
	LastSeen   *time.Duration // time since the last exchange, including a failed PING; nil if none
	UptimeS    *float64
	LastError  string
}

// SensorState is a snapshot of one discovered sensor's runtime status.
type SensorState struct {
	RuntimeID uint8
	TypeID    uint8
	Name      string
	Streaming bool
	PeriodMs  *int
	LastError string
}

// SessionStatus is a full, immutable point-in-time view of a
// DeviceSession, safe to share across goroutines.
type SessionStatus struct {
	Transport TransportState
	Mcu       McuState
	Sensors   []SensorState
}
