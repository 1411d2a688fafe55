// Package session is the collaborator layer the protocol engine is
// deliberately blind to (§2): sensor discovery, lifecycle tracking,
// and decoding STREAM payloads into named channel readings. It talks
// to the engine only through McuClient, Engine.TryGetStream, and
// Engine.StartRx/StopRx.
package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/librescoot/mcu-link/pkg/engine"
	"github.com/librescoot/mcu-link/pkg/frame"
	"github.com/librescoot/mcu-link/pkg/schema"
	"github.com/librescoot/mcu-link/pkg/sensor"
)

// ReadingCallback receives one decoded STREAM reading.
type ReadingCallback func(runtimeID uint8, reading sensor.Reading)

// RawStreamCallback receives the raw STREAM frame, fanned out before
// it is decoded — useful for tracing/debug hooks (device_session.py's
// subscribe_raw_stream).
type RawStreamCallback func(fr *frame.Frame)

// DeviceSession wires a protocol engine, a schema catalog, and a
// sensor catalog into the high-level, stateful view of one MCU.
type DeviceSession struct {
	catalog *schema.Catalog
	sensors *sensor.Catalog
	eng     *engine.Engine
	client  *McuClient
	log     *log.Logger

	driverName string
	keyParam   string

	mu            sync.RWMutex
	started       bool
	transportErr  string
	mcuErr        string
	mcuLastSeen   time.Time
	mcuUptimeMs   int64
	runtimeToType map[uint8]uint8
	sensorStates  map[uint8]SensorState

	nextSubID    int
	readingCbs   map[int]ReadingCallback
	rawStreamCbs map[int]RawStreamCallback

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Config configures a new DeviceSession.
type Config struct {
	Catalog     *schema.Catalog
	Sensors     *sensor.Catalog
	Engine      *engine.Engine
	CmdTimeout  time.Duration
	DriverName  string
	KeyParam    string
	Logger      *log.Logger
}

// New builds a DeviceSession. Call Start before issuing any commands.
func New(cfg Config) *DeviceSession {
	timeout := cfg.CmdTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &DeviceSession{
		catalog:       cfg.Catalog,
		sensors:       cfg.Sensors,
		eng:           cfg.Engine,
		client:        NewMcuClient(cfg.Engine, timeout),
		log:           logger,
		driverName:    cfg.DriverName,
		keyParam:      cfg.KeyParam,
		runtimeToType: make(map[uint8]uint8),
		sensorStates:  make(map[uint8]SensorState),
		readingCbs:    make(map[int]ReadingCallback),
		rawStreamCbs:  make(map[int]RawStreamCallback),
	}
}

// Start opens the receive worker, pings the MCU, and refreshes the
// sensor catalog. It mirrors the original's start() ordering: open,
// then ping, then discover. A failed PING is recorded onto the
// session's MCU state and returned as McuNotRespondingError; a failed
// initial discovery is only logged and does not fail Start.
func (s *DeviceSession) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.transportErr = ""
	s.mcuErr = ""
	s.mu.Unlock()

	s.eng.StartRx(ctx)

	if !s.client.Ping(ctx) {
		s.mu.Lock()
		s.mcuErr = "MCU not responding (PING failed)"
		s.mcuLastSeen = time.Now()
		s.mu.Unlock()
		s.log.Printf("session: MCU_PING_FAILED")
		return &McuNotRespondingError{Hint: "check firmware is running and baudrate/protocol match"}
	}
	s.markMcuOK()

	s.mu.Lock()
	s.started = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	if _, err := s.RefreshSensors(ctx); err != nil {
		s.log.Printf("session: initial sensor refresh failed: %v", err)
	}

	s.wg.Add(1)
	go s.streamPump()

	return nil
}

// Stop halts the stream pump and the engine's receive worker.
func (s *DeviceSession) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.eng.StopRx()

	s.mu.Lock()
	s.runtimeToType = make(map[uint8]uint8)
	s.sensorStates = make(map[uint8]SensorState)
	s.mu.Unlock()
}

// Status returns a point-in-time, thread-safe snapshot.
func (s *DeviceSession) Status() SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lastSeen *time.Duration
	var uptimeS *float64
	if !s.mcuLastSeen.IsZero() {
		d := time.Since(s.mcuLastSeen)
		lastSeen = &d
		total := float64(s.mcuUptimeMs)/1000.0 + d.Seconds()
		uptimeS = &total
	}

	sensors := make([]SensorState, 0, len(s.sensorStates))
	for _, st := range s.sensorStates {
		sensors = append(sensors, st)
	}

	return SessionStatus{
		Transport: TransportState{
			Connected: s.started,
			Driver:    s.driverName,
			KeyParam:  s.keyParam,
			LastError: s.transportErr,
		},
		Mcu: McuState{
			Available: s.started && s.mcuErr == "" && !s.mcuLastSeen.IsZero(),
			LastSeen:  lastSeen,
			UptimeS:   uptimeS,
			LastError: s.mcuErr,
		},
		Sensors: sensors,
	}
}

// RefreshSensors re-runs discovery and merges it into sensor state,
// preserving each sensor's streaming/period bookkeeping across calls.
func (s *DeviceSession) RefreshSensors(ctx context.Context) ([]SensorState, error) {
	infos, err := s.client.GetSensors(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	oldStates := s.sensorStates
	runtimeToType := make(map[uint8]uint8, len(infos))
	newStates := make(map[uint8]SensorState, len(infos))
	for _, info := range infos {
		runtimeToType[info.RuntimeID] = info.TypeID
		name := ""
		if meta, ok := s.sensors.ByTypeID(info.TypeID); ok {
			name = meta.Name
		}
		old, hadOld := oldStates[info.RuntimeID]
		st := SensorState{RuntimeID: info.RuntimeID, TypeID: info.TypeID, Name: name}
		if hadOld {
			st.Streaming = old.Streaming
			st.PeriodMs = old.PeriodMs
		}
		newStates[info.RuntimeID] = st
	}
	s.runtimeToType = runtimeToType
	s.sensorStates = newStates
	s.mu.Unlock()

	s.markMcuOK()

	out := make([]SensorState, 0, len(newStates))
	for _, st := range newStates {
		out = append(out, st)
	}
	return out, nil
}

func (s *DeviceSession) Ping(ctx context.Context) bool {
	ok := s.client.Ping(ctx)
	if ok {
		s.markMcuOK()
	} else {
		s.mu.Lock()
		s.mcuLastSeen = time.Now()
		s.mcuErr = "PING returned not-ok"
		s.mu.Unlock()
	}
	return ok
}

func (s *DeviceSession) SetPeriod(ctx context.Context, runtimeID uint8, periodMs int) error {
	if err := s.client.SetPeriod(ctx, runtimeID, periodMs); err != nil {
		return err
	}
	s.updateSensorState(runtimeID, func(st *SensorState) { st.PeriodMs = &periodMs })
	s.markMcuOK()
	return nil
}

func (s *DeviceSession) StartStream(ctx context.Context, runtimeID uint8) error {
	if err := s.client.StartStream(ctx, runtimeID); err != nil {
		return err
	}
	s.updateSensorState(runtimeID, func(st *SensorState) { st.Streaming = true })
	s.markMcuOK()
	return nil
}

func (s *DeviceSession) StopStream(ctx context.Context, runtimeID uint8) error {
	if err := s.client.StopStream(ctx, runtimeID); err != nil {
		return err
	}
	s.updateSensorState(runtimeID, func(st *SensorState) { st.Streaming = false })
	s.markMcuOK()
	return nil
}

func (s *DeviceSession) GetUptime(ctx context.Context) (int64, error) {
	uptimeMs, err := s.client.GetUptime(ctx)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.mcuLastSeen = time.Now()
	s.mcuErr = ""
	s.mcuUptimeMs = uptimeMs
	s.mu.Unlock()
	return uptimeMs, nil
}

// ReadSensor polls a sensor on demand and decodes its payload.
func (s *DeviceSession) ReadSensor(ctx context.Context, runtimeID uint8) (sensor.Reading, error) {
	raw, err := s.client.ReadSensor(ctx, runtimeID)
	if err != nil {
		return nil, err
	}
	meta := s.resolveSensorMeta(runtimeID)
	if meta == nil {
		s.log.Printf("session: unknown sensor runtime_id=%d", runtimeID)
		return nil, nil
	}
	reading, err := meta.DecodePayload(s.catalog, raw)
	if err != nil {
		s.updateSensorState(runtimeID, func(st *SensorState) { st.LastError = err.Error() })
		s.markMcuOK()
		return nil, err
	}
	s.markMcuOK()
	return reading, nil
}

// SubscribeReadings registers cb for every decoded STREAM reading.
// The returned func unsubscribes it.
func (s *DeviceSession) SubscribeReadings(cb ReadingCallback) func() {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.readingCbs[id] = cb
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.readingCbs, id)
		s.mu.Unlock()
	}
}

// SubscribeRawStream registers cb for every raw STREAM frame, fanned
// out before it is decoded. The returned func unsubscribes it.
func (s *DeviceSession) SubscribeRawStream(cb RawStreamCallback) func() {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.rawStreamCbs[id] = cb
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.rawStreamCbs, id)
		s.mu.Unlock()
	}
}

// streamPump drains the engine's stream queue and fans decoded
// readings out to subscribers. Runs until Stop closes stopCh.
func (s *DeviceSession) streamPump() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		fr, ok := s.eng.TryGetStream(200 * time.Millisecond)
		if !ok {
			continue
		}
		s.mu.RLock()
		rawCbs := make([]RawStreamCallback, 0, len(s.rawStreamCbs))
		for _, cb := range s.rawStreamCbs {
			rawCbs = append(rawCbs, cb)
		}
		s.mu.RUnlock()
		for _, cb := range rawCbs {
			s.invokeRawStreamCallback(cb, fr)
		}

		if len(fr.Payload) == 0 {
			s.log.Printf("session: STREAM frame has empty payload, dropping")
			continue
		}

		runtimeID := fr.Payload[0]
		rest := fr.Payload[1:]

		meta := s.resolveSensorMeta(runtimeID)
		if meta == nil {
			s.log.Printf("session: stream for unknown runtime_id=%d; type_id mapping missing", runtimeID)
			continue
		}

		reading, err := meta.DecodePayload(s.catalog, rest)
		if err != nil {
			s.updateSensorState(runtimeID, func(st *SensorState) { st.LastError = "decode_failed: " + err.Error() })
			continue
		}

		s.mu.RLock()
		cbs := make([]ReadingCallback, 0, len(s.readingCbs))
		for _, cb := range s.readingCbs {
			cbs = append(cbs, cb)
		}
		s.mu.RUnlock()

		s.markMcuOK()

		for _, cb := range cbs {
			s.invokeReadingCallback(cb, runtimeID, reading)
		}
	}
}

func (s *DeviceSession) invokeReadingCallback(cb ReadingCallback, runtimeID uint8, reading sensor.Reading) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Printf("session: reading callback panicked (isolated): %v", r)
		}
	}()
	cb(runtimeID, reading)
}

func (s *DeviceSession) invokeRawStreamCallback(cb RawStreamCallback, fr *frame.Frame) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Printf("session: raw stream callback panicked (isolated): %v", r)
		}
	}()
	cb(fr)
}

func (s *DeviceSession) resolveSensorMeta(runtimeID uint8) *sensor.Sensor {
	s.mu.RLock()
	typeID, ok := s.runtimeToType[runtimeID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	meta, ok := s.sensors.ByTypeID(typeID)
	if !ok {
		return nil
	}
	return meta
}

func (s *DeviceSession) updateSensorState(runtimeID uint8, mutate func(*SensorState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sensorStates[runtimeID]
	if !ok {
		return
	}
	mutate(&st)
	s.sensorStates[runtimeID] = st
}

func (s *DeviceSession) markMcuOK() {
	s.mu.Lock()
	s.mcuLastSeen = time.Now()
	s.mcuErr = ""
	s.mu.Unlock()
}
