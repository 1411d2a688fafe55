package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/librescoot/mcu-link/pkg/engine"
	mcuredis "github.com/librescoot/mcu-link/pkg/redis"
	"github.com/librescoot/mcu-link/pkg/schema"
	"github.com/librescoot/mcu-link/pkg/sensor"
	"github.com/librescoot/mcu-link/pkg/session"
	"github.com/librescoot/mcu-link/pkg/sink"
	"github.com/librescoot/mcu-link/pkg/transport"
)

var (
	serialDevice = flag.String("serial", "/dev/ttyACM0", "Serial device path")
	baudRate     = flag.Int("baud", 115200, "Serial baud rate")
	schemaDir    = flag.String("schema-dir", "/etc/mcu-link/schema", "Directory containing the protocol schema YAML files")
	sensorsFile  = flag.String("sensors-file", "/etc/mcu-link/sensors.yml", "Path to the sensor catalog YAML file")
	cmdTimeout   = flag.Duration("cmd-timeout", time.Second, "Default command timeout")
	redisAddr    = flag.String("redis-addr", "localhost:6379", "Redis server address")
	redisPass    = flag.String("redis-pass", "", "Redis password")
	redisDB      = flag.Int("redis-db", 0, "Redis database number")
	sinkChannel  = flag.String("command-sink-channel", "mcu-link:commands", "Redis channel for command sink events")
	readingChan  = flag.String("reading-sink-channel", "mcu-link:readings", "Redis channel prefix for decoded sensor readings")
	statusKey    = flag.String("status-key", "mcu-link:status", "Redis hash key for the mirrored session status")
	statusPeriod = flag.Duration("status-period", 2*time.Second, "How often to mirror session status into Redis")
)

func main() {
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("Starting mcu-link")
	log.Printf("Serial device: %s", *serialDevice)
	log.Printf("Baud rate: %d", *baudRate)
	log.Printf("Schema directory: %s", *schemaDir)
	log.Printf("Redis address: %s", *redisAddr)

	redisClient, err := mcuredis.New(*redisAddr, *redisPass, *redisDB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Printf("Connected to Redis")

	catalog, err := schema.LoadDir(*schemaDir)
	if err != nil {
		log.Fatalf("Failed to load protocol schema: %v", err)
	}
	log.Printf("Loaded protocol schema from %s", *schemaDir)

	sensorCatalog, err := sensor.LoadFile(*sensorsFile)
	if err != nil {
		log.Fatalf("Failed to load sensor catalog: %v", err)
	}
	log.Printf("Loaded %d sensor type(s) from %s", sensorCatalog.Len(), *sensorsFile)

	port, err := transport.Open(transport.Config{
		DevicePath: *serialDevice,
		BaudRate:   *baudRate,
	})
	if err != nil {
		log.Fatalf("Failed to open serial transport: %v", err)
	}
	defer port.Close()
	log.Printf("Opened serial transport on %s", *serialDevice)

	cmdSink := sink.NewRedisSink(redisClient, *sinkChannel, nil)
	readingSink := sink.NewRedisReadingSink(redisClient, *readingChan, nil)
	statusSink := sink.NewStatusSink(redisClient, *statusKey, nil)

	eng := engine.New(catalog, port,
		engine.WithSink(cmdSink),
		engine.WithDefaultTimeout(*cmdTimeout),
	)

	sess := session.New(session.Config{
		Catalog:    catalog,
		Sensors:    sensorCatalog,
		Engine:     eng,
		CmdTimeout: *cmdTimeout,
		DriverName: "serial",
		KeyParam:   *serialDevice,
	})

	unsubscribe := sess.SubscribeReadings(func(runtimeID uint8, reading sensor.Reading) {
		readingSink.OnReading(runtimeID, reading)
	})
	defer unsubscribe()

	ctx := context.Background()
	log.Printf("Starting device session...")
	if err := sess.Start(ctx); err != nil {
		log.Fatalf("Failed to start device session: %v", err)
	}
	log.Printf("Device session started")

	statusStop := make(chan struct{})
	go runStatusMirror(sess, statusSink, *statusPeriod, statusStop)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Printf("Shutting down...")
	close(statusStop)
	sess.Stop()
}

// runStatusMirror periodically publishes the session's status snapshot
// to Redis until stop is closed.
func runStatusMirror(sess *session.DeviceSession, statusSink *sink.StatusSink, period time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			statusSink.Publish(sess.Status())
		}
	}
}
