// Hearth Core - home automation rule engine
//
// hearthd connects a home-control hub's device API and MQTT event
// stream to a scriptable rule engine: rules wait on device conditions,
// scenes capture device states, and every outcome lands in the audit
// trail. The HTTP API manages rules and scenes and feeds live events
// to clients over WebSocket.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/hearthwire/hearth-core/migrations"

	"github.com/hearthwire/hearth-core/internal/api"
	"github.com/hearthwire/hearth-core/internal/audit"
	"github.com/hearthwire/hearth-core/internal/automation"
	"github.com/hearthwire/hearth-core/internal/hub"
	"github.com/hearthwire/hearth-core/internal/infrastructure/config"
	"github.com/hearthwire/hearth-core/internal/infrastructure/database"
	"github.com/hearthwire/hearth-core/internal/infrastructure/logging"
	"github.com/hearthwire/hearth-core/internal/infrastructure/mqtt"
	"github.com/hearthwire/hearth-core/internal/rules"
	"github.com/hearthwire/hearth-core/internal/scenes"
	"github.com/hearthwire/hearth-core/internal/script"
	"github.com/hearthwire/hearth-core/internal/telemetry"
	"github.com/hearthwire/hearth-core/internal/timers"
)

// Version information - set at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Hearth Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)

	// Database and migrations.
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	// MQTT broker carries the hub's device event stream.
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	mqttClient.SetLogger(log)
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// Telemetry is optional.
	var telemetryWriter *telemetry.Writer
	telemetryWriter, err = telemetry.Connect(cfg.InfluxDB)
	switch {
	case errors.Is(err, telemetry.ErrDisabled):
		telemetryWriter = nil
		log.Info("telemetry disabled")
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
		defer func() {
			log.Info("closing telemetry")
			if closeErr := telemetryWriter.Close(); closeErr != nil {
				log.Error("error closing telemetry", "error", closeErr)
			}
		}()
		telemetryWriter.SetOnError(func(err error) {
			log.Error("telemetry write error", "error", err)
		})
		log.Info("telemetry connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	// Hub device API client.
	hubClient := hub.NewClient(cfg.Hub)
	hubClient.SetLogger(log)

	// Scene manager.
	sceneMgr, err := scenes.NewManager(ctx, scenes.NewRepository(db), hubClient)
	if err != nil {
		return fmt.Errorf("loading scenes: %w", err)
	}
	sceneMgr.SetLogger(log)

	// Rule engine: timers, condition engine, coordinator.
	timerSvc := timers.New(cfg.Rules.MaxTimers)
	timerSvc.SetLogger(log)
	defer timerSvc.Stop()

	engine := rules.NewEngine(timerSvc)
	engine.SetLogger(log)

	auditRecorder := audit.NewRecorder(db)
	auditRecorder.SetLogger(log)
	auditLog := &auditFanout{recorder: auditRecorder, telemetry: telemetryWriter}

	coordinator := rules.NewCoordinator(rules.Deps{
		Engine: engine,
		Hub:    hubClient,
		Scenes: sceneMgr,
		Audit:  auditLog,
		Logger: log,
	})
	defer coordinator.Stop()

	ruleMgr := automation.NewManager(
		rules.NewRepository(db),
		coordinator,
		script.NewRunner(cfg.ScriptTimeout()),
	)
	ruleMgr.SetLogger(log)

	// HTTP API and WebSocket event feed.
	apiServer, err := api.New(api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Security: cfg.Security,
		Logger:   log,
		Rules:    ruleMgr,
		Scenes:   sceneMgr,
		Devices:  hubClient,
		Audit:    auditRecorder,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := apiServer.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()
	auditLog.events = apiServer.EventHub()

	// Rules install only after the audit fan-out is fully wired, so the
	// first cycles already reach the event feed.
	if err := ruleMgr.ReloadAll(ctx); err != nil {
		return fmt.Errorf("reloading rules: %w", err)
	}

	// Device event stream fans out to the rule engine, the WebSocket
	// feed, and telemetry.
	sink := &fanoutSink{sinks: []hub.EventSink{engine, apiServer}}
	if telemetryWriter != nil {
		sink.sinks = append(sink.sinks, telemetrySink{telemetryWriter})
	}
	stream := hub.NewStream(mqttClient, sink, byte(cfg.MQTT.QoS))
	stream.SetLogger(log)
	if err := stream.Start(); err != nil {
		return fmt.Errorf("starting hub event stream: %w", err)
	}
	defer func() {
		if stopErr := stream.Stop(); stopErr != nil {
			log.Error("error stopping hub event stream", "error", stopErr)
		}
	}()
	log.Info("hub event stream started")

	if err := healthCheck(ctx, db, mqttClient, telemetryWriter); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	log.Info("Hearth Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses the HEARTH_CONFIG environment variable if set.
func getConfigPath() string {
	if path := os.Getenv("HEARTH_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, telemetryWriter *telemetry.Writer) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if telemetryWriter != nil {
		if err := telemetryWriter.HealthCheck(ctx); err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
	}
	return nil
}

// fanoutSink delivers each hub event to every registered sink, in order.
// The rule engine must come first so rule evaluation never trails the
// broadcast feed.
type fanoutSink struct {
	sinks []hub.EventSink
}

func (f *fanoutSink) OnDeviceEvent(deviceID, attribute string, value hub.Value) {
	for _, s := range f.sinks {
		s.OnDeviceEvent(deviceID, attribute, value)
	}
}

// telemetrySink adapts the telemetry writer to the hub event sink.
type telemetrySink struct {
	w *telemetry.Writer
}

func (t telemetrySink) OnDeviceEvent(deviceID, attribute string, value hub.Value) {
	t.w.WriteDeviceEvent(deviceID, attribute, value)
}

// auditFanout records audit events and mirrors rule and scene outcomes
// to telemetry and the WebSocket feed. Recording never blocks rule
// execution; all downstream writers are asynchronous.
type auditFanout struct {
	recorder  audit.Logger
	telemetry *telemetry.Writer
	events    *api.Hub
}

func (a *auditFanout) Record(ctx context.Context, e audit.Event) {
	a.recorder.Record(ctx, e)

	switch e.Type {
	case audit.TypeExecution:
		if a.telemetry != nil {
			a.telemetry.WriteRuleCycle(e.RuleName, e.Action, e.Success)
		}
		if a.events != nil {
			a.events.Broadcast(api.ChannelRuleCycle, map[string]any{
				"rule":    e.RuleName,
				"outcome": e.Action,
				"success": e.Success,
			})
		}
	case audit.TypeScene:
		if a.telemetry != nil && e.Action == "applied" {
			failed := 0
			if !e.Success {
				failed = 1
			}
			a.telemetry.WriteSceneApplied(e.SceneName, failed)
		}
	}
}
