package eventbus

import (
	"context"
	"log/slog"

	"github.com/procflow/procflow/pkg/events"
)

// Relay is an event-dispatcher listener that forwards every engine event onto
// the bus. Publish failures are logged and dropped: observers must never be
// able to abort the traversal that produced the event.
type Relay struct {
	bus    EventBus
	logger *slog.Logger
}

func NewRelay(bus EventBus, logger *slog.Logger) *Relay {
	return &Relay{
		bus:    bus,
		logger: logger.With("module", "event_relay"),
	}
}

func (r *Relay) OnEvent(ctx context.Context, event events.Event) {
	err := r.bus.Publish(ctx, string(event.GetType()), event)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to relay engine event", "event_type", event.GetType(), "error", err)
	}
}
