package definition

import (
	"context"
	"testing"
	"time"

	"github.com/procflow/procflow/pkg/clock"
	"github.com/procflow/procflow/pkg/log"
	"github.com/procflow/procflow/pkg/persistence/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDeployer(store *memory.Store) (*Deployer, *clock.FakeClock) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	return NewDeployer(store, NewParser(), clk, log.WithModule("test")), clk
}

func TestDeployer_AssignsIncreasingVersions(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	deployer, clk := newTestDeployer(store)

	resources := map[string][]byte{"order.json": []byte(validResource)}

	_, first, err := deployer.Deploy(ctx, "orders", resources, DeployOptions{})
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, 1, first[0].Version)

	clk.Advance(time.Minute)

	_, second, err := deployer.Deploy(ctx, "orders", resources, DeployOptions{})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, 2, second[0].Version)

	// Redeploying never reuses a definition id.
	assert.NotEqual(t, first[0].ID, second[0].ID)

	latest, err := store.Read().LatestDefinitionByKey(ctx, "order-fulfillment")
	require.NoError(t, err)
	assert.Equal(t, second[0].ID, latest.ID)
}

func TestDeployer_FiltersDuplicateResources(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	deployer, clk := newTestDeployer(store)

	resources := map[string][]byte{"order.json": []byte(validResource)}

	deployment, _, err := deployer.Deploy(ctx, "orders", resources, DeployOptions{FilterDuplicates: true})
	require.NoError(t, err)

	clk.Advance(time.Minute)

	again, definitions, err := deployer.Deploy(ctx, "orders", resources, DeployOptions{FilterDuplicates: true})
	require.NoError(t, err)
	assert.Equal(t, deployment.ID, again.ID)
	require.Len(t, definitions, 1)
	assert.Equal(t, 1, definitions[0].Version)
}

func TestDeployer_RejectsEmptyDeployment(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	deployer, _ := newTestDeployer(store)

	_, _, err := deployer.Deploy(ctx, "orders", nil, DeployOptions{})
	require.Error(t, err)
}

func TestCache_ServesImmutableGraphsByID(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	deployer, _ := newTestDeployer(store)

	_, definitions, err := deployer.Deploy(ctx, "orders", map[string][]byte{"order.json": []byte(validResource)}, DeployOptions{})
	require.NoError(t, err)

	cache, err := NewCache(store, 2)
	require.NoError(t, err)

	resolved, err := cache.Resolve(ctx, definitions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, definitions[0].ID, resolved.ID)
	assert.Equal(t, 1, cache.Len())

	// Subsequent resolves hit the cache and return the same graph.
	again, err := cache.Resolve(ctx, definitions[0].ID)
	require.NoError(t, err)
	assert.Same(t, resolved, again)
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	deployer, clk := newTestDeployer(store)

	var ids []string

	for range 3 {
		_, definitions, err := deployer.Deploy(ctx, "orders", map[string][]byte{"order.json": []byte(validResource)}, DeployOptions{})
		require.NoError(t, err)

		ids = append(ids, definitions[0].ID)

		clk.Advance(time.Minute)
	}

	cache, err := NewCache(store, 2)
	require.NoError(t, err)

	for _, id := range ids {
		_, err := cache.Resolve(ctx, id)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, cache.Len())

	resolved, err := cache.ResolveLatestByKey(ctx, "order-fulfillment")
	require.NoError(t, err)
	assert.Equal(t, ids[2], resolved.ID)
}
