// Gray Logic Appliance Bridge
//
// This is the main entry point for the appliance bridge. It keeps a local
// state cache for each configured WiFi appliance (heaters, fans,
// dehumidifiers) and exposes them on the Gray Logic MQTT bus:
//   - Retained state on graylogic/state/appliance/{device_id}
//   - Commands on graylogic/command/appliance/{device_id}
//   - Requests on graylogic/request/appliance/{request_id}
//
// State snapshots and command outcomes are kept in SQLite. The HTTP API
// (REST view, WebSocket state feed, Prometheus endpoint) and InfluxDB
// telemetry are optional.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/gray-logic-appliance/internal/api"
	"github.com/nerrad567/gray-logic-appliance/internal/bridges/appliance"
	"github.com/nerrad567/gray-logic-appliance/internal/devicestate"
	"github.com/nerrad567/gray-logic-appliance/internal/history"
	"github.com/nerrad567/gray-logic-appliance/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-appliance/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-appliance/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-appliance/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-appliance/internal/infrastructure/metrics"
	"github.com/nerrad567/gray-logic-appliance/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-appliance/migrations"
)

// Version information - set at build time via ldflags
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
// Deferred closes run in reverse order of opening.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Gray Logic appliance bridge",
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
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(ctx, cfg.Database)
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

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	mqttClient, err := mqtt.Connect(ctx, cfg.MQTT)
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
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// A nil *influxdb.Client must not reach the bridge as a non-nil interface.
	var telemetry appliance.Telemetry
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
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		telemetry = influxClient
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	cacheMetrics := devicestate.NewMetrics()
	bridgeMetrics := appliance.NewMetrics()
	registry := metrics.NewRegistry(append(cacheMetrics.Collectors(), bridgeMetrics.Collectors()...)...)

	repo := history.NewSQLiteRepository(db.DB)

	if cfg.Appliances.Enabled {
		bridge, startErr := startApplianceBridge(ctx, cfg, bridgeDeps{
			mqtt:          mqttClient,
			repo:          repo,
			telemetry:     telemetry,
			cacheMetrics:  cacheMetrics,
			bridgeMetrics: bridgeMetrics,
		}, log)
		if startErr != nil {
			return fmt.Errorf("starting appliance bridge: %w", startErr)
		}
		defer func() {
			log.Info("stopping appliance bridge")
			bridge.Stop()
		}()
	} else {
		log.Info("appliance bridge disabled")
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer, err = startAPIServer(ctx, cfg, mqttClient, repo, registry, log)
		if err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API server disabled")
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient, apiServer); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	return nil
}

// getConfigPath returns GRAYLOGIC_CONFIG if set, otherwise the default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

type bridgeDeps struct {
	mqtt          *mqtt.Client
	repo          *history.SQLiteRepository
	telemetry     appliance.Telemetry
	cacheMetrics  *devicestate.Metrics
	bridgeMetrics *appliance.Metrics
}

// startApplianceBridge loads the device list and starts the bridge.
func startApplianceBridge(ctx context.Context, cfg *config.Config, deps bridgeDeps, log *logging.Logger) (*appliance.Bridge, error) {
	bridgeCfg, err := appliance.LoadConfig(cfg.Appliances.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("loading appliance config: %w", err)
	}
	log.Info("appliance config loaded",
		"path", cfg.Appliances.ConfigFile,
		"devices", len(bridgeCfg.Devices),
	)

	bridge, err := appliance.NewBridge(appliance.BridgeOptions{
		Config:       bridgeCfg,
		MQTTClient:   deps.mqtt,
		Recorder:     deps.repo,
		Retention:    cfg.HistoryRetention(),
		Telemetry:    deps.telemetry,
		CacheMetrics: deps.cacheMetrics,
		Metrics:      deps.bridgeMetrics,
		Version:      version,
		Logger:       log.Component("appliance"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating bridge: %w", err)
	}

	if err := bridge.Start(ctx); err != nil {
		bridge.Stop()
		return nil, fmt.Errorf("starting bridge: %w", err)
	}
	log.Info("appliance bridge started", "bridge_id", bridgeCfg.Bridge.ID)

	return bridge, nil
}

// startAPIServer starts the REST view, WebSocket feed and metrics endpoint.
func startAPIServer(ctx context.Context, cfg *config.Config, mqttClient *mqtt.Client, repo *history.SQLiteRepository, registry *prometheus.Registry, log *logging.Logger) (*api.Server, error) {
	server, err := api.New(api.Deps{
		Config:    cfg.API,
		WebSocket: cfg.WebSocket,
		Metrics:   cfg.Metrics,
		Logger:    log.Component("api"),
		MQTT:      mqttClient,
		History:   repo,
		Registry:  registry,
		Version:   version,
	})
	if err != nil {
		return nil, fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return nil, err
	}
	return server, nil
}

// healthCheck verifies every infrastructure connection. influxClient and
// apiServer may be nil when disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client, apiServer *api.Server) error {
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

	if apiServer != nil {
		if err := apiServer.HealthCheck(ctx); err != nil {
			return fmt.Errorf("api: %w", err)
		}
	}

	return nil
}
