package session

import "fmt"

// CommandFailedError wraps a NACK or unknown-status command outcome.
type CommandFailedError struct {
	Cmd    string
	Status string
	Code   uint8
	Name   string
}

func (e *CommandFailedError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s failed: %s (code %d)", e.Cmd, e.Name, e.Code)
	}
	return fmt.Sprintf("%s failed: status=%s", e.Cmd, e.Status)
}

// CommandTimeoutError reports a command that never received a
// response within its timeout.
type CommandTimeoutError struct {
	Cmd       string
	TimeoutMs int64
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %dms", e.Cmd, e.TimeoutMs)
}

// SendFailedError reports a command whose bytes never reached the wire.
type SendFailedError struct {
	Cmd string
}

func (e *SendFailedError) Error() string {
	return fmt.Sprintf("%s send failed", e.Cmd)
}

// McuNotRespondingError is raised by Start when the initial PING
// after opening the transport gets no reply.
type McuNotRespondingError struct {
	Hint string
}

func (e *McuNotRespondingError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("mcu not responding (PING failed): %s", e.Hint)
	}
	return "mcu not responding (PING failed)"
}

// ErrNotStarted reports a session that has not been started.
// DeviceSession methods do not check for it or return it: an
// operation invoked before Start is sent to the engine as-is.
var ErrNotStarted = fmt.Errorf("session: not started")
