package notify

import (
	"context"
	"log/slog"

	"github.com/fleetwatch/fleetwatch/internal/events"
)

// LogNotifier writes every event as a structured log line. It is always
// enabled and serves as a guaranteed notification record.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier creates a notifier that logs events using structured logging.
func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// Name returns the provider name for logging.
func (l *LogNotifier) Name() string { return "log" }

// Send writes the event fields as structured key-value pairs at Info level.
func (l *LogNotifier) Send(_ context.Context, evt events.Event) error {
	l.log.Info("fleet event",
		"type", string(evt.Type),
		"machine", evt.MachineID,
		"node", evt.NodeID,
		"message", evt.Message,
		"timestamp", evt.Timestamp.String(),
	)
	return nil
}
