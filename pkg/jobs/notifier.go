package jobs

import (
	"context"
	"log/slog"

	"github.com/procflow/procflow/pkg/events"
	"github.com/redis/go-redis/v9"
)

// DefaultNotifyChannel is the pub/sub channel job-scheduled notifications go
// out on.
const DefaultNotifyChannel = "procflow:jobs:scheduled"

// Notifier wakes acquirers on other nodes when a job is scheduled, cutting
// the latency of the idle poll interval. Notifications are best effort; the
// poll loop remains the source of truth.
type Notifier struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

func NewNotifier(client *redis.Client, channel string, logger *slog.Logger) *Notifier {
	if channel == "" {
		channel = DefaultNotifyChannel
	}

	return &Notifier{
		client:  client,
		channel: channel,
		logger:  logger.With("module", "job_notifier"),
	}
}

// Listener adapts the notifier to the event dispatcher: every job-scheduled
// event publishes a notification.
func (n *Notifier) Listener() events.Listener {
	return events.ListenerFunc(func(ctx context.Context, event events.Event) {
		if event.GetType() != events.JobScheduledEvent {
			return
		}

		err := n.client.Publish(ctx, n.channel, "scheduled").Err()
		if err != nil {
			n.logger.WarnContext(ctx, "Failed to publish job notification", "error", err)
		}
	})
}

// Subscribe invokes wake for every notification until ctx is done.
func (n *Notifier) Subscribe(ctx context.Context, wake func()) {
	pubsub := n.client.Subscribe(ctx, n.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}

			wake()
		}
	}
}
