package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/free-drones/drone-interactive-map-sub000/logging"
)

type ConsoleSink struct {
	logger  *log.Logger
	verbose bool
}

func NewConsoleSink(w io.Writer, cfg logging.ConsoleConfig) *ConsoleSink {
	return &ConsoleSink{logger: log.New(w, "", log.LstdFlags), verbose: cfg.Verbose}
}

func (s *ConsoleSink) Write(event logging.Event) error {
	if s.logger == nil {
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] actor=%s severity=%s", event.Type, formatEntity(event.Actor), event.Severity)
	if event.Channel != "" {
		fmt.Fprintf(&b, " channel=%s", event.Channel)
	}
	if event.RequestID != "" {
		fmt.Fprintf(&b, " request=%s", event.RequestID)
	}
	b.WriteString(formatTargets(event.Targets))
	if s.verbose {
		b.WriteString(formatJSON("payload", event.Payload))
		if len(event.Extra) > 0 {
			b.WriteString(formatJSON("extra", event.Extra))
		}
	}
	s.logger.Print(b.String())
	return nil
}

func (s *ConsoleSink) Close(context.Context) error {
	return nil
}

func formatEntity(ref logging.EntityRef) string {
	if ref.ID == "" {
		return string(ref.Kind)
	}
	if ref.Kind == "" {
		return ref.ID
	}
	return fmt.Sprintf("%s:%s", ref.Kind, ref.ID)
}

func formatTargets(targets []logging.EntityRef) string {
	if len(targets) == 0 {
		return ""
	}
	parts := make([]string, 0, len(targets))
	for _, target := range targets {
		parts = append(parts, formatEntity(target))
	}
	return " targets=" + strings.Join(parts, ",")
}

func formatJSON(key string, value any) string {
	if value == nil {
		return ""
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf(" %s=%v", key, value)
	}
	return fmt.Sprintf(" %s=%s", key, data)
}
