package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	dronemap "github.com/free-drones/drone-interactive-map-sub000"
	"github.com/free-drones/drone-interactive-map-sub000/internal/emulator"
	"github.com/free-drones/drone-interactive-map-sub000/internal/geo"
	"github.com/free-drones/drone-interactive-map-sub000/internal/net/proto"
	"github.com/free-drones/drone-interactive-map-sub000/internal/observability"
	"github.com/free-drones/drone-interactive-map-sub000/internal/telemetry"
	"github.com/free-drones/drone-interactive-map-sub000/logging"
	loggingSinks "github.com/free-drones/drone-interactive-map-sub000/logging/sinks"
)

// Run connects a client and keeps it alive until ctx is cancelled. When view
// is non-nil the client polls it for pictures.
func Run(ctx context.Context, cfg Config, view *geo.View) error {
	telemetryLogger := telemetry.OrDefault(cfg.Logger)

	router, closeRouter, err := newRouter(cfg.Logging, telemetryLogger)
	if err != nil {
		return err
	}
	defer closeRouter()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Observability.Tracing, telemetryLogger)
	if err != nil {
		return fmt.Errorf("failed to initialise tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, telemetryLogger)

	metrics, err := observability.NewClientCollector(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	client := dronemap.New(dronemap.Config{
		Endpoint:     cfg.Endpoint,
		Timeout:      cfg.RequestTimeout,
		WriteTimeout: 5 * time.Second,
		Logger:       telemetryLogger,
		Publisher:    router,
		Metrics:      metrics,
		Tracer:       otel.Tracer(observability.TracerName),
		Hooks: dronemap.Hooks{
			OnMessage: func(m dronemap.Message) {
				telemetryLogger.Printf("[%s] %s: %s", m.Kind, m.Heading, m.Body)
			},
		},
	})
	if err := client.Open(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer client.Shutdown()

	if err := client.Connect(ctx, func(id int) {
		telemetryLogger.Printf("connected as client %d", id)
	}); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if addr := cfg.Observability.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		g.Go(func() error {
			return serveHTTP(gctx, &http.Server{Addr: addr, Handler: mux}, telemetryLogger)
		})
	}

	if cfg.AliveInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(cfg.AliveInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
				}
				if !client.Connected() {
					if gctx.Err() != nil {
						return nil
					}
					return errors.New("connection to map service lost")
				}
				if err := client.CheckAlive(gctx, nil); err != nil {
					telemetryLogger.Printf("check_alive: %v", err)
				}
			}
		})
	}

	if view != nil {
		v := *view
		g.Go(func() error {
			err := client.PollViews(gctx, cfg.ViewPollInterval, func() (geo.View, bool) { return v, true })
			if gctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		client.Close()
		return nil
	})

	return g.Wait()
}

// EmulatorConfig configures the stand-in map service.
type EmulatorConfig struct {
	Logger    telemetry.Logger
	Addr      string
	Namespace string
	// DroneInterval is the new_drones push cadence. Zero disables the fleet.
	DroneInterval time.Duration
	Drones        int
	Emulator      emulator.Config
}

// RunEmulator serves the emulator until ctx is cancelled.
func RunEmulator(ctx context.Context, cfg EmulatorConfig) error {
	telemetryLogger := telemetry.OrDefault(cfg.Logger)

	emuCfg := cfg.Emulator
	if emuCfg.Logger == nil {
		emuCfg.Logger = standardLogger(telemetryLogger)
	}
	fleet := syntheticFleet(cfg.Drones)
	if emuCfg.Drones == nil {
		emuCfg.Drones = fleet
	}
	emu := emulator.New(emuCfg)
	defer emu.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/"+trimSlash(cfg.Namespace), emu.Handle)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serveHTTP(gctx, &http.Server{Addr: cfg.Addr, Handler: mux}, telemetryLogger)
	})

	if cfg.DroneInterval > 0 && len(fleet) > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(cfg.DroneInterval)
			defer ticker.Stop()
			for step := 1; ; step++ {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
				}
				if err := emu.PushDrones(advanceFleet(fleet, step)); err != nil {
					telemetryLogger.Printf("failed to push drones: %v", err)
				}
			}
		})
	}

	return g.Wait()
}

func serveHTTP(ctx context.Context, srv *http.Server, logger telemetry.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server on %s failed: %w", srv.Addr, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down %s: %w", srv.Addr, err)
		}
		return nil
	}
}

func newRouter(cfg logging.Config, telemetryLogger telemetry.Logger) (*logging.Router, func(), error) {
	fallbackLogger := standardLogger(telemetryLogger)

	var sinks []logging.NamedSink
	var jsonFile *os.File
	if cfg.HasSink("console") {
		sinks = append(sinks, logging.NamedSink{Name: "console", Sink: loggingSinks.NewConsoleSink(os.Stdout, cfg.Console)})
	}
	if cfg.HasSink("json") && cfg.JSON.FilePath != "" {
		file, err := os.OpenFile(cfg.JSON.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open json log %s: %w", cfg.JSON.FilePath, err)
		}
		jsonFile = file
		sinks = append(sinks, logging.NamedSink{Name: "json", Sink: loggingSinks.NewJSON(file, cfg.JSON.FlushInterval)})
	}

	router, err := logging.NewRouter(cfg, logging.SystemClock{}, fallbackLogger, sinks)
	if err != nil {
		if jsonFile != nil {
			jsonFile.Close()
		}
		return nil, nil, fmt.Errorf("failed to construct logging router: %w", err)
	}

	closeRouter := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if cerr := router.Close(ctx); cerr != nil {
			telemetryLogger.Printf("failed to close logging router: %v", cerr)
		}
		if jsonFile != nil {
			jsonFile.Close()
		}
	}
	return router, closeRouter, nil
}

func standardLogger(logger telemetry.Logger) *log.Logger {
	if provider, ok := logger.(interface{ StandardLogger() *log.Logger }); ok {
		if candidate := provider.StandardLogger(); candidate != nil {
			return candidate
		}
	}
	return log.Default()
}

func trimSlash(s string) string {
	for len(s) > 0 && s[0] == '/' {
		s = s[1:]
	}
	return s
}

// syntheticFleet places n drones around Linköping.
func syntheticFleet(n int) map[string]proto.Drone {
	if n <= 0 {
		return nil
	}
	fleet := make(map[string]proto.Drone, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("drone%d", i+1)
		fleet[id] = proto.Drone{
			ID:       id,
			Location: proto.Coordinate{Lat: 58.3949 + 0.002*float64(i), Long: 15.5757},
			Mode:     proto.ModeManual,
			Battery:  1,
		}
	}
	return fleet
}

// advanceFleet moves every drone a step along a small circle and drains its battery.
func advanceFleet(fleet map[string]proto.Drone, step int) map[string]proto.Drone {
	out := make(map[string]proto.Drone, len(fleet))
	angle := float64(step) * math.Pi / 30
	for id, d := range fleet {
		d.Location.Lat += 0.001 * math.Sin(angle)
		d.Location.Long += 0.001 * math.Cos(angle)
		d.Battery = math.Max(0, d.Battery-0.001*float64(step))
		out[id] = d
	}
	return out
}
