package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/hearthwire/hearth-core/internal/infrastructure/config"
)

var (
	// ErrDisabled indicates telemetry is turned off in config.
	ErrDisabled = errors.New("telemetry: disabled in configuration")

	// ErrConnectionFailed indicates the InfluxDB server could not be reached.
	ErrConnectionFailed = errors.New("telemetry: connection failed")

	// ErrNotConnected indicates the writer has been closed.
	ErrNotConnected = errors.New("telemetry: not connected")
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPingTimeout    = 5 * time.Second
)

// Writer records hearth's time-series telemetry in InfluxDB: device
// attribute events as they arrive, rule cycle outcomes, and scene
// applications.
//
// Writes are non-blocking and batched; a telemetry outage never stalls
// event dispatch or rule execution. All methods are safe for concurrent
// use.
type Writer struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI

	connected bool
	mu        sync.RWMutex

	onError func(err error)
}

// Connect creates a telemetry writer, verifying connectivity with a ping.
func Connect(cfg config.InfluxDBConfig) (*Writer, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 10
	}

	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*1000),
	)

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	w := &Writer{
		client:    client,
		writeAPI:  client.WriteAPI(cfg.Org, cfg.Bucket),
		connected: true,
	}
	go w.handleWriteErrors(w.writeAPI.Errors())
	return w, nil
}

func (w *Writer) handleWriteErrors(errorsCh <-chan error) {
	for err := range errorsCh {
		w.mu.RLock()
		callback := w.onError
		w.mu.RUnlock()
		if callback != nil {
			callback(err)
		}
	}
}

// SetOnError sets a callback for asynchronous write failures.
func (w *Writer) SetOnError(callback func(err error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onError = callback
}

// IsConnected returns the last known connection state.
func (w *Writer) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connected
}

// WriteDeviceEvent records one device attribute event. Numeric values
// are written as a float field; everything else as its string form.
func (w *Writer) WriteDeviceEvent(deviceID, attribute string, value any) {
	if !w.IsConnected() {
		return
	}

	fields := map[string]interface{}{}
	if f, ok := toFloat(value); ok {
		fields["value"] = f
	} else {
		fields["value_str"] = fmt.Sprintf("%v", value)
	}

	w.writeAPI.WritePoint(write.NewPoint(
		"device_events",
		map[string]string{"device_id": deviceID, "attribute": attribute},
		fields,
		time.Now(),
	))
}

// WriteRuleCycle records a rule cycle outcome (fired, timed_out,
// action_completed, action_failed and friends).
func (w *Writer) WriteRuleCycle(ruleName, outcome string, success bool) {
	if !w.IsConnected() {
		return
	}

	ok := 0.0
	if success {
		ok = 1.0
	}
	w.writeAPI.WritePoint(write.NewPoint(
		"rule_cycles",
		map[string]string{"rule": ruleName, "outcome": outcome},
		map[string]interface{}{"success": ok},
		time.Now(),
	))
}

// WriteSceneApplied records a scene application and how many commands failed.
func (w *Writer) WriteSceneApplied(sceneName string, failedCommands int) {
	if !w.IsConnected() {
		return
	}

	w.writeAPI.WritePoint(write.NewPoint(
		"scene_applications",
		map[string]string{"scene": sceneName},
		map[string]interface{}{"failed_commands": failedCommands},
		time.Now(),
	))
}

// HealthCheck pings the InfluxDB server.
func (w *Writer) HealthCheck(ctx context.Context) error {
	if !w.IsConnected() {
		return ErrNotConnected
	}

	checkCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	healthy, err := w.client.Ping(checkCtx)
	if err != nil {
		return fmt.Errorf("telemetry health check: %w", err)
	}
	if !healthy {
		return fmt.Errorf("telemetry health check: server not healthy")
	}
	return nil
}

// Flush blocks until buffered points are written.
func (w *Writer) Flush() {
	if w.IsConnected() {
		w.writeAPI.Flush()
	}
}

// Close flushes pending writes and shuts the client down.
func (w *Writer) Close() error {
	if w.client == nil {
		return nil
	}

	w.mu.Lock()
	w.connected = false
	w.mu.Unlock()

	w.writeAPI.Flush()
	w.client.Close()
	return nil
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
