package session

import (
	"context"
	"fmt"
	"time"

	"github.com/librescoot/mcu-link/pkg/engine"
)

// SensorInfo is one entry of a GET_SENSORS response.
type SensorInfo struct {
	RuntimeID uint8
	TypeID    uint8
}

// McuClient is the typed, user-facing command surface over the raw
// protocol engine (§4.5's send_sync, given names and shapes).
type McuClient struct {
	eng     *engine.Engine
	timeout time.Duration
}

// NewMcuClient wraps an engine with typed command methods.
func NewMcuClient(eng *engine.Engine, timeout time.Duration) *McuClient {
	return &McuClient{eng: eng, timeout: timeout}
}

func (c *McuClient) requireOK(ctx context.Context, cmdName string, args map[string]interface{}) (engine.CommandResult, error) {
	result, err := c.eng.SendSync(ctx, cmdName, args, c.timeout)
	if err != nil {
		return result, err
	}
	switch result.Status {
	case engine.StatusOK:
		return result, nil
	case engine.StatusTimeout:
		return result, &CommandTimeoutError{Cmd: cmdName, TimeoutMs: c.timeout.Milliseconds()}
	case engine.StatusSendFailed:
		return result, &SendFailedError{Cmd: cmdName}
	case engine.StatusFail:
		code, name := uint8(0), ""
		if result.Error != nil {
			code, name = result.Error.Code, result.Error.Name
		}
		return result, &CommandFailedError{Cmd: cmdName, Status: string(result.Status), Code: code, Name: name}
	default:
		return result, &CommandFailedError{Cmd: cmdName, Status: string(result.Status)}
	}
}

// Ping reports whether the MCU answered PING with an ACK.
func (c *McuClient) Ping(ctx context.Context) bool {
	result, err := c.eng.SendSync(ctx, "PING", nil, c.timeout)
	return err == nil && result.Status == engine.StatusOK
}

// GetSensors discovers the sensors currently known to the MCU.
func (c *McuClient) GetSensors(ctx context.Context) ([]SensorInfo, error) {
	result, err := c.requireOK(ctx, "GET_SENSORS", nil)
	if err != nil {
		return nil, err
	}
	rawList, _ := result.Payload["sensors"].([]map[string]interface{})
	out := make([]SensorInfo, 0, len(rawList))
	for _, s := range rawList {
		runtimeID, _ := toInt(s["sensor_runtime_id"])
		typeID, _ := toInt(s["type_id"])
		out = append(out, SensorInfo{RuntimeID: uint8(runtimeID), TypeID: uint8(typeID)})
	}
	return out, nil
}

func (c *McuClient) SetPeriod(ctx context.Context, runtimeID uint8, periodMs int) error {
	_, err := c.requireOK(ctx, "SET_PERIOD", map[string]interface{}{
		"sensor_runtime_id": int64(runtimeID),
		"period_ms":         int64(periodMs),
	})
	return err
}

func (c *McuClient) GetPeriod(ctx context.Context, runtimeID uint8) (int, error) {
	result, err := c.requireOK(ctx, "GET_PERIOD", map[string]interface{}{"sensor_runtime_id": int64(runtimeID)})
	if err != nil {
		return 0, err
	}
	periodMs, _ := toInt(result.Payload["period_ms"])
	return int(periodMs), nil
}

func (c *McuClient) StartStream(ctx context.Context, runtimeID uint8) error {
	_, err := c.requireOK(ctx, "START_STREAM", map[string]interface{}{"sensor_runtime_id": int64(runtimeID)})
	return err
}

func (c *McuClient) StopStream(ctx context.Context, runtimeID uint8) error {
	_, err := c.requireOK(ctx, "STOP_STREAM", map[string]interface{}{"sensor_runtime_id": int64(runtimeID)})
	return err
}

// ReadSensor polls a sensor's current raw payload bytes on demand.
func (c *McuClient) ReadSensor(ctx context.Context, runtimeID uint8) ([]byte, error) {
	result, err := c.requireOK(ctx, "READ_SENSOR", map[string]interface{}{"sensor_runtime_id": int64(runtimeID)})
	if err != nil {
		return nil, err
	}
	raw, ok := result.Payload["raw_readings"].([]byte)
	if !ok {
		return nil, fmt.Errorf("session: READ_SENSOR response has no raw_readings field")
	}
	return raw, nil
}

func (c *McuClient) GetUptime(ctx context.Context) (int64, error) {
	result, err := c.requireOK(ctx, "GET_UPTIME", nil)
	if err != nil {
		return 0, err
	}
	uptimeMs, _ := toInt(result.Payload["uptime_ms"])
	return uptimeMs, nil
}

func toInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}
