package events

import (
	"context"
	"testing"
	"time"

	"github.com/procflow/procflow/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_DeliversInRegistrationOrder(t *testing.T) {
	dispatcher := NewDispatcher(log.WithModule("test"))

	var order []string

	dispatcher.Register(ListenerFunc(func(_ context.Context, _ Event) {
		order = append(order, "first")
	}))
	dispatcher.Register(ListenerFunc(func(_ context.Context, _ Event) {
		order = append(order, "second")
	}))

	event := ProcessStarted{ProcessDefinitionID: "def-1"}
	Stamp(&event.BaseEvent, ProcessStartedEvent, "exec-1", time.Now())

	dispatcher.Dispatch(context.Background(), event)

	assert.Equal(t, []string{"first", "second"}, order)
}

func TestDispatcher_PanickingListenerDoesNotStopDelivery(t *testing.T) {
	dispatcher := NewDispatcher(log.WithModule("test"))

	delivered := false

	dispatcher.Register(ListenerFunc(func(_ context.Context, _ Event) {
		panic("listener bug")
	}))
	dispatcher.Register(ListenerFunc(func(_ context.Context, _ Event) {
		delivered = true
	}))

	event := ProcessCompleted{ProcessDefinitionID: "def-1"}
	Stamp(&event.BaseEvent, ProcessCompletedEvent, "exec-1", time.Now())

	require.NotPanics(t, func() {
		dispatcher.Dispatch(context.Background(), event)
	})
	assert.True(t, delivered)
}

func TestStamp_FillsBaseFields(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	event := ActivityStarted{ExecutionID: "exec-1", ActivityID: "task"}
	Stamp(&event.BaseEvent, ActivityStartedEvent, "exec-1", now)

	assert.NotEmpty(t, event.ID)
	assert.Equal(t, ActivityStartedEvent, event.Type)
	assert.Equal(t, now, event.Timestamp)
	assert.Equal(t, "exec-1", event.ProcessInstanceID)
}
