package jobs

import (
	"context"
	"testing"

	"github.com/procflow/procflow/pkg/models"
	"github.com/procflow/procflow/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerRegistry_RejectsDuplicateRegistration(t *testing.T) {
	registry := NewHandlerRegistry()

	noop := HandlerFunc{
		HandlerType: "noop",
		Fn: func(_ context.Context, _ persistence.Tx, _ *models.Job) error {
			return nil
		},
	}

	require.NoError(t, registry.Register(noop))
	require.Error(t, registry.Register(noop))

	_, err := registry.Get("noop")
	require.NoError(t, err)

	_, err = registry.Get("missing")
	require.Error(t, err)

	assert.Equal(t, []string{"noop"}, registry.Types())
}
