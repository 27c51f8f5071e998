package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/free-drones/drone-interactive-map-sub000/internal/app"
	"github.com/free-drones/drone-interactive-map-sub000/internal/geo"
	"github.com/free-drones/drone-interactive-map-sub000/internal/telemetry"
)

var (
	address     string
	port        int
	namespace   string
	timeout     time.Duration
	metricsAddr string
	viewCorners []float64

	emulatorAddr  string
	droneCount    int
	droneInterval time.Duration
	etaSeconds    int64
)

var rootCmd = &cobra.Command{
	Use:          "imm-client",
	Short:        "Interactive drone map client",
	Long:         `Connects to the drone map service over a websocket and keeps the session alive.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the map service",
	RunE:  runClient,
}

var emulateCmd = &cobra.Command{
	Use:   "emulate",
	Short: "Serve a local stand-in for the map service",
	RunE:  runEmulator,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&namespace, "namespace", "n", "", "Websocket path on the server")

	runCmd.Flags().StringVarP(&address, "address", "a", "", "Map service host")
	runCmd.Flags().IntVarP(&port, "port", "p", 0, "Map service port")
	runCmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Per request timeout")
	runCmd.Flags().StringVar(&metricsAddr, "metrics", "", "Address for the prometheus endpoint")
	runCmd.Flags().Float64SliceVar(&viewCorners, "view", nil, "Poll pictures for a view given as lat1,lng1,lat2,lng2")

	emulateCmd.Flags().StringVar(&emulatorAddr, "listen", ":8080", "Listen address")
	emulateCmd.Flags().IntVar(&droneCount, "drones", 3, "Number of synthetic drones")
	emulateCmd.Flags().DurationVar(&droneInterval, "drone-interval", 2*time.Second, "Interval between new_drones pushes")
	emulateCmd.Flags().Int64Var(&etaSeconds, "eta", 30, "Queue ETA reported in seconds")

	rootCmd.AddCommand(runCmd, emulateCmd)
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("failed to load .env: %v", err)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runClient(cmd *cobra.Command, _ []string) error {
	logger := telemetry.WrapLogger(log.Default())
	cfg := app.ApplyEnv(app.DefaultConfig(), logger)
	cfg.Logger = logger

	flags := cmd.Flags()
	if flags.Changed("address") {
		cfg.Endpoint.Address = address
	}
	if flags.Changed("port") {
		cfg.Endpoint.Port = port
	}
	if flags.Changed("namespace") {
		cfg.Endpoint.Namespace = namespace
	}
	if flags.Changed("timeout") {
		cfg.RequestTimeout = timeout
	}
	if flags.Changed("metrics") {
		cfg.Observability.MetricsAddr = metricsAddr
	}

	view, err := parseView(viewCorners)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return app.Run(ctx, cfg, view)
}

func runEmulator(cmd *cobra.Command, _ []string) error {
	logger := telemetry.WrapLogger(log.Default())
	cfg := app.EmulatorConfig{
		Logger:        logger,
		Addr:          emulatorAddr,
		Namespace:     namespace,
		Drones:        droneCount,
		DroneInterval: droneInterval,
	}
	cfg.Emulator.ETA = etaSeconds

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return app.RunEmulator(ctx, cfg)
}

// parseView turns two opposite corners into a view. No corners means no
// polling.
func parseView(corners []float64) (*geo.View, error) {
	if len(corners) == 0 {
		return nil, nil
	}
	if len(corners) != 4 {
		return nil, fmt.Errorf("--view needs 4 numbers, got %d", len(corners))
	}

	a := geo.Coordinate{Lat: corners[0], Lng: corners[1]}
	b := geo.Coordinate{Lat: corners[2], Lng: corners[3]}
	north, south := max(a.Lat, b.Lat), min(a.Lat, b.Lat)
	west, east := min(a.Lng, b.Lng), max(a.Lng, b.Lng)

	view := geo.View{
		UpLeft:    geo.Coordinate{Lat: north, Lng: west},
		UpRight:   geo.Coordinate{Lat: north, Lng: east},
		DownLeft:  geo.Coordinate{Lat: south, Lng: west},
		DownRight: geo.Coordinate{Lat: south, Lng: east},
		Center:    geo.Coordinate{Lat: (north + south) / 2, Lng: (west + east) / 2},
	}
	if !view.Valid() {
		return nil, fmt.Errorf("--view has non-finite corners")
	}
	return &view, nil
}
