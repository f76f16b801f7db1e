package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/procflow/procflow/pkg/persistence"
	"github.com/procflow/procflow/pkg/persistence/memory"
	"github.com/procflow/procflow/pkg/persistence/postgresql"
)

// NewStore creates the entity store for a database URL. An empty URL or the
// memory:// scheme selects the in-memory store; postgres runs its migrations
// on startup.
func NewStore(ctx context.Context, logger *slog.Logger, databaseURL string) persistence.Store {
	switch parseStoreProvider(databaseURL) {
	case "postgres", "postgresql":
		store, err := postgresql.NewStore(ctx, logger, databaseURL)
		if err != nil {
			panic(err)
		}

		return store
	default:
		return memory.NewStore()
	}
}

func parseStoreProvider(databaseURL string) string {
	provider, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "memory"
	}

	return provider
}
