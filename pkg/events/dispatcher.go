package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Listener observes engine events. Listeners run synchronously in
// registration order and cannot alter control flow: returned errors are
// logged and swallowed, panics are recovered.
type Listener interface {
	OnEvent(ctx context.Context, event Event)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(ctx context.Context, event Event)

func (f ListenerFunc) OnEvent(ctx context.Context, event Event) {
	f(ctx, event)
}

// Dispatcher fans engine events out to registered listeners. Registration
// happens at configuration time; the listener list is append-only and must
// not be modified during dispatch.
type Dispatcher struct {
	logger    *slog.Logger
	listeners []Listener
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		logger: logger.With("module", "event_dispatcher"),
	}
}

// Register appends a listener. Not safe for concurrent use with Dispatch;
// wire all listeners before the engine starts.
func (d *Dispatcher) Register(listener Listener) {
	d.listeners = append(d.listeners, listener)
}

// Dispatch delivers event to every listener in registration order.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) {
	for _, listener := range d.listeners {
		d.deliver(ctx, listener, event)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, listener Listener, event Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.ErrorContext(ctx, "Event listener panicked", "event_type", event.GetType(), "panic", r)
		}
	}()

	listener.OnEvent(ctx, event)
}

// Stamp fills the common fields of a BaseEvent in place.
func Stamp(base *BaseEvent, eventType EventType, processInstanceID string, now time.Time) {
	base.ID = "evt-" + uuid.New().String()[:8]
	base.Type = eventType
	base.Timestamp = now
	base.ProcessInstanceID = processInstanceID
}
