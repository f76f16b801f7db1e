package definition

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/procflow/procflow/pkg/models"
	"github.com/procflow/procflow/pkg/persistence"
)

// DefaultCacheSize bounds the definition cache when no size is configured.
const DefaultCacheSize = 128

// Cache is the bounded, least-recently-used process-definition cache. A
// definition id maps to exactly one immutable parsed graph forever (ids are
// never reused across redeployments), so a cached entry can never be stale
// and concurrent population on miss is harmless: last writer wins with
// identical content.
type Cache struct {
	store persistence.Store
	lru   *lru.Cache[string, *models.ProcessDefinition]
}

func NewCache(store persistence.Store, size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}

	cache, err := lru.New[string, *models.ProcessDefinition](size)
	if err != nil {
		return nil, err
	}

	return &Cache{
		store: store,
		lru:   cache,
	}, nil
}

// Resolve returns the executable graph for a definition id, populating the
// cache on miss. A second lookup after the load covers the concurrent-miss
// race without holding any lock across the store read.
func (c *Cache) Resolve(ctx context.Context, definitionID string) (*models.ProcessDefinition, error) {
	if definitionID == "" {
		return nil, persistence.NewEntityError("Resolve", "", persistence.ErrIllegalArgument)
	}

	if definition, ok := c.lru.Get(definitionID); ok {
		return definition, nil
	}

	definition, err := c.store.Read().DefinitionByID(ctx, definitionID)
	if err != nil {
		return nil, err
	}

	if cached, ok := c.lru.Get(definitionID); ok {
		return cached, nil
	}

	c.lru.Add(definitionID, definition)

	return definition, nil
}

// ResolveLatestByKey resolves the current version of a process key. The
// lookup always consults the store (the latest version changes on redeploy)
// but the graph itself is served from the cache by id.
func (c *Cache) ResolveLatestByKey(ctx context.Context, key string) (*models.ProcessDefinition, error) {
	if key == "" {
		return nil, persistence.NewEntityError("ResolveLatestByKey", "", persistence.ErrIllegalArgument)
	}

	latest, err := c.store.Read().LatestDefinitionByKey(ctx, key)
	if err != nil {
		return nil, err
	}

	return c.Resolve(ctx, latest.ID)
}

// Put seeds the cache, used right after deployment.
func (c *Cache) Put(definition *models.ProcessDefinition) {
	c.lru.Add(definition.ID, definition)
}

// Len reports the number of cached graphs.
func (c *Cache) Len() int {
	return c.lru.Len()
}
