// Gray Logic AVR - Denon/Marantz receiver bridge
//
// This is the main entry point for the receiver bridge. It connects
// network AV receivers (AVR control on port 23, HEOS CLI on port 1255) to
// the Gray Logic MQTT bus and serves a small HTTP/WebSocket API for panels.
//
// For the topic layout, see: internal/bridges/denon/doc.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/nerrad567/gray-logic-avr/migrations"

	"github.com/nerrad567/gray-logic-avr/internal/api"
	"github.com/nerrad567/gray-logic-avr/internal/bridges/denon"
	"github.com/nerrad567/gray-logic-avr/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-avr/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-avr/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-avr/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-avr/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Gray Logic AVR bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := config.Path()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	if !cfg.Protocols.Denon.Enabled {
		return fmt.Errorf("protocols.denon.enabled is false, nothing to bridge")
	}
	bridgeCfg, err := bridgeConfig(cfg.Protocols.Denon)
	if err != nil {
		return fmt.Errorf("building bridge config: %w", err)
	}

	// Open database
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
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	store := denon.NewSQLiteStateStore(db.DB)

	// The broker publishes the offline status if the bridge vanishes.
	lwt, err := json.Marshal(denon.NewLWTMessage(bridgeCfg.BridgeID))
	if err != nil {
		return fmt.Errorf("encoding last will: %w", err)
	}

	mqttClient, err := mqtt.Connect(cfg.MQTT, &mqtt.Will{
		Topic:    denon.HealthTopic(),
		Payload:  lwt,
		QoS:      1,
		Retained: true,
	})
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.Component("mqtt"))
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	hub := api.NewHub(cfg.WebSocket, log.Component("websocket"))
	go hub.Run(ctx)

	bridge, err := startBridge(ctx, bridgeCfg, bridgeSinks{
		mqtt:   mqttClient,
		store:  store,
		influx: influxClient,
		hub:    hub,
	}, log)
	if err != nil {
		return fmt.Errorf("starting receiver bridge: %w", err)
	}
	defer func() {
		log.Info("stopping receiver bridge")
		bridge.Stop()
	}()

	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
		// Replace the retained last will with the current status.
		if pubErr := bridge.Health().PublishNow(); pubErr != nil {
			log.Warn("republishing health failed", "error", pubErr)
		}
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	if cfg.API.Enabled {
		checks := map[string]api.HealthChecker{
			"database": db,
			"mqtt":     mqttClient,
		}
		if influxClient != nil {
			checks["influxdb"] = influxClient
		}

		server, apiErr := api.New(api.Deps{
			Config:    cfg.API,
			WS:        cfg.WebSocket,
			Logger:    log.Component("api"),
			Receivers: bridge,
			History:   store,
			Checks:    checks,
			Hub:       hub,
			Version:   version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if apiErr := server.Start(ctx); apiErr != nil {
			return fmt.Errorf("starting API server: %w", apiErr)
		}
		defer func() {
			log.Info("stopping API server")
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error stopping API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API server disabled")
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order: API, bridge, InfluxDB, MQTT,
	// database. The bridge publishes its stopping status before MQTT closes.

	log.Info("Gray Logic AVR bridge stopped")
	return nil
}

// bridgeConfig converts the YAML bridge section into the bridge's config.
func bridgeConfig(cfg config.DenonConfig) (*denon.Config, error) {
	out := &denon.Config{
		BridgeID:        cfg.BridgeID,
		Version:         version,
		HealthInterval:  cfg.HealthInterval,
		CallbackTimeout: cfg.CallbackTimeout,
		ProbeTimeout:    cfg.ProbeTimeout,
		Receivers:       make([]denon.ReceiverConfig, 0, len(cfg.Receivers)),
	}

	for _, rc := range cfg.Receivers {
		mode, err := denon.ParseControlMode(rc.ControlMode)
		if err != nil {
			return nil, fmt.Errorf("receiver %s: %w", rc.ID, err)
		}
		out.Receivers = append(out.Receivers, denon.ReceiverConfig{
			ID:              rc.ID,
			Name:            rc.Name,
			Host:            rc.Host,
			Serial:          rc.Serial,
			ControlMode:     mode,
			ConnectTimeout:  rc.ConnectTimeout(),
			ResponseTimeout: rc.ResponseTimeout(),
			VolumeLimit:     rc.VolumeLimit,
			VolumeStep:      rc.VolumeStep,
		})
	}
	return out, nil
}

// bridgeSinks are the infrastructure clients the bridge publishes to.
// influx is nil when InfluxDB is disabled.
type bridgeSinks struct {
	mqtt   *mqtt.Client
	store  *denon.SQLiteStateStore
	influx *influxdb.Client
	hub    *api.Hub
}

// startBridge creates and starts the receiver bridge.
//
// Parameters:
//   - ctx: Context for capability probing and connection
//   - cfg: Bridge configuration
//   - sinks: MQTT, storage, metrics and WebSocket sinks
//   - log: Logger instance
//
// Returns:
//   - *denon.Bridge: Running bridge
//   - error: If the bridge cannot be created or started
func startBridge(ctx context.Context, cfg *denon.Config, sinks bridgeSinks, log *logging.Logger) (*denon.Bridge, error) {
	opts := denon.BridgeOptions{
		Config:      cfg,
		MQTTClient:  &mqttBridgeAdapter{client: sinks.mqtt},
		Logger:      log.Component("denon"),
		Store:       sinks.store,
		Broadcaster: sinks.hub,
	}
	// A nil *influxdb.Client must not become a non-nil interface.
	if sinks.influx != nil {
		opts.Metrics = sinks.influx
	}

	bridge, err := denon.NewBridge(opts)
	if err != nil {
		return nil, fmt.Errorf("creating bridge: %w", err)
	}
	if err := bridge.Start(ctx); err != nil {
		bridge.Stop()
		return nil, err
	}
	log.Info("receiver bridge started",
		"bridge_id", cfg.BridgeID,
		"receivers", len(cfg.Receivers),
	)
	return bridge, nil
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the bridge's
// MQTTClient interface. Bridge handlers do not return errors.
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

// Publish implements denon.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements denon.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected implements denon.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}
