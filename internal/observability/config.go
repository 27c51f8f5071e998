package observability

// Config captures opt-in observability toggles wired into the client.
type Config struct {
	// MetricsAddr serves /metrics when non-empty, e.g. ":9102".
	MetricsAddr string
	Tracing     TracingConfig
}
