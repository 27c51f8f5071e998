package app

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/free-drones/drone-interactive-map-sub000/internal/net/queue"
	"github.com/free-drones/drone-interactive-map-sub000/internal/net/ws"
	"github.com/free-drones/drone-interactive-map-sub000/internal/observability"
	"github.com/free-drones/drone-interactive-map-sub000/internal/telemetry"
	"github.com/free-drones/drone-interactive-map-sub000/logging"
)

const (
	DefaultAddress = "localhost"
	DefaultPort    = 8080
)

type Config struct {
	Logger           telemetry.Logger
	Endpoint         ws.Endpoint
	RequestTimeout   time.Duration
	ViewPollInterval time.Duration
	// AliveInterval is the check_alive cadence. Zero disables the heartbeat.
	AliveInterval time.Duration
	Logging       logging.Config
	Observability observability.Config
}

func DefaultConfig() Config {
	return Config{
		Endpoint:         ws.Endpoint{Address: DefaultAddress, Port: DefaultPort},
		RequestTimeout:   queue.DefaultTimeout,
		ViewPollInterval: 2 * time.Second,
		AliveInterval:    30 * time.Second,
		Logging:          logging.DefaultConfig(),
	}
}

// ApplyEnv overlays IMM_* environment variables on cfg. Invalid values are
// logged and ignored.
func ApplyEnv(cfg Config, logger telemetry.Logger) Config {
	logger = telemetry.OrDefault(logger)

	if raw := os.Getenv("IMM_SERVER_ADDRESS"); raw != "" {
		cfg.Endpoint.Address = raw
	}
	if raw := os.Getenv("IMM_SERVER_PORT"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil && value > 0 && value < 65536 {
			cfg.Endpoint.Port = value
		} else {
			logger.Printf("invalid IMM_SERVER_PORT=%q", raw)
		}
	}
	if raw, ok := os.LookupEnv("IMM_NAMESPACE"); ok {
		cfg.Endpoint.Namespace = raw
	}
	if raw := os.Getenv("IMM_REQUEST_TIMEOUT_MS"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil && value > 0 {
			cfg.RequestTimeout = time.Duration(value) * time.Millisecond
		} else {
			logger.Printf("invalid IMM_REQUEST_TIMEOUT_MS=%q", raw)
		}
	}
	if raw := os.Getenv("IMM_VIEW_POLL_MS"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil && value > 0 {
			cfg.ViewPollInterval = time.Duration(value) * time.Millisecond
		} else {
			logger.Printf("invalid IMM_VIEW_POLL_MS=%q", raw)
		}
	}
	if raw := os.Getenv("IMM_ALIVE_INTERVAL_MS"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil && value >= 0 {
			cfg.AliveInterval = time.Duration(value) * time.Millisecond
		} else {
			logger.Printf("invalid IMM_ALIVE_INTERVAL_MS=%q", raw)
		}
	}
	if raw, ok := os.LookupEnv("IMM_METRICS_ADDR"); ok {
		cfg.Observability.MetricsAddr = raw
	}
	if raw := os.Getenv("IMM_LOG_JSON_PATH"); raw != "" {
		cfg.Logging.JSON.FilePath = raw
		if !cfg.Logging.HasSink("json") {
			cfg.Logging.EnabledSinks = append(cfg.Logging.EnabledSinks, "json")
		}
	}
	if raw := os.Getenv("IMM_LOG_SINKS"); raw != "" {
		var enabled []string
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				enabled = append(enabled, name)
			}
		}
		cfg.Logging.EnabledSinks = enabled
	}
	if raw := os.Getenv("IMM_LOG_VERBOSE"); raw != "" {
		if value, err := strconv.ParseBool(raw); err == nil {
			cfg.Logging.Console.Verbose = value
		} else {
			logger.Printf("invalid IMM_LOG_VERBOSE=%q: %v", raw, err)
		}
	}

	cfg.Observability.Tracing = observability.TracingConfigFromEnv()
	return cfg
}
