package definition

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/procflow/procflow/pkg/clock"
	"github.com/procflow/procflow/pkg/models"
	"github.com/procflow/procflow/pkg/persistence"
)

// Deployer persists deployments and the process definitions parsed from
// their resources. Deploying is idempotent when duplicate filtering is
// enabled: a redeployment whose resources are byte-identical to the latest
// deployment of the same name creates no new rows.
type Deployer struct {
	store  persistence.Store
	parser *Parser
	clock  clock.Clock
	logger *slog.Logger
}

// DeployOptions control one Deploy call.
type DeployOptions struct {
	// FilterDuplicates short-circuits when the latest deployment with the
	// same name carries byte-identical resources.
	FilterDuplicates bool
}

func NewDeployer(store persistence.Store, parser *Parser, clk clock.Clock, logger *slog.Logger) *Deployer {
	return &Deployer{
		store:  store,
		parser: parser,
		clock:  clk,
		logger: logger.With("module", "deployer"),
	}
}

// Deploy parses every resource, assigns each definition the next version for
// its key and persists everything in one transaction. Definition ids are
// never reused: each deployed version gets a fresh id.
func (d *Deployer) Deploy(ctx context.Context, name string, resources map[string][]byte, opts DeployOptions) (*models.Deployment, []*models.ProcessDefinition, error) {
	if name == "" {
		return nil, nil, persistence.NewEntityError("Deploy", "", persistence.ErrIllegalArgument)
	}

	if len(resources) == 0 {
		return nil, nil, fmt.Errorf("deployment %s: %w: no resources", name, persistence.ErrIllegalArgument)
	}

	deployment := &models.Deployment{
		ID:         "dep-" + uuid.New().String()[:8],
		Name:       name,
		Resources:  resources,
		DeployTime: d.clock.Now(),
	}

	if opts.FilterDuplicates {
		existing, err := d.store.Read().LatestDeploymentByName(ctx, name)
		if err == nil && existing.SameResources(deployment) {
			d.logger.InfoContext(ctx, "Deployment unchanged, filtering duplicate", "deployment_id", existing.ID, "name", name)

			definitions, err := d.definitionsOf(ctx, existing.ID)
			if err != nil {
				return nil, nil, err
			}

			return existing, definitions, nil
		}
	}

	tx, err := d.store.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	definitions := make([]*models.ProcessDefinition, 0, len(resources))

	for resourceName, content := range resources {
		parsed, err := d.parser.Parse(resourceName, content)
		if err != nil {
			return nil, nil, err
		}

		version := 1

		latest, err := tx.LatestDefinitionByKey(ctx, parsed.Key)
		if err == nil {
			version = latest.Version + 1
		}

		parsed.ID = fmt.Sprintf("%s:%d:%s", parsed.Key, version, uuid.New().String()[:8])
		parsed.Version = version
		parsed.DeploymentID = deployment.ID
		parsed.CreatedAt = deployment.DeployTime

		err = d.parser.ValidateDefinition(parsed)
		if err != nil {
			return nil, nil, fmt.Errorf("resource %s: %w", resourceName, err)
		}

		err = tx.SaveDefinition(ctx, parsed)
		if err != nil {
			return nil, nil, err
		}

		definitions = append(definitions, parsed)
	}

	err = tx.SaveDeployment(ctx, deployment)
	if err != nil {
		return nil, nil, err
	}

	err = tx.Commit(ctx)
	if err != nil {
		return nil, nil, err
	}

	d.logger.InfoContext(ctx, "Deployment completed", "deployment_id", deployment.ID, "name", name, "definitions", len(definitions))

	return deployment, definitions, nil
}

func (d *Deployer) definitionsOf(ctx context.Context, deploymentID string) ([]*models.ProcessDefinition, error) {
	all, err := d.store.Read().Definitions(ctx)
	if err != nil {
		return nil, err
	}

	var result []*models.ProcessDefinition

	for _, definition := range all {
		if definition.DeploymentID == deploymentID {
			result = append(result, definition)
		}
	}

	return result, nil
}
