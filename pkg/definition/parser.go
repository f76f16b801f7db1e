package definition

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/procflow/procflow/pkg/models"
)

// Parser turns a raw JSON process-definition resource into an executable
// graph. Parsed graphs are immutable: callers must never mutate the returned
// definition.
type Parser struct {
	validate *validator.Validate
}

func NewParser() *Parser {
	return &Parser{
		validate: validator.New(),
	}
}

// Parse validates and decodes one resource. The returned definition has no
// ID, version or deployment assigned yet; the deployer fills those in.
func (p *Parser) Parse(resourceName string, content []byte) (*models.ProcessDefinition, error) {
	err := validateResourceSchema(content)
	if err != nil {
		return nil, fmt.Errorf("resource %s: %w", resourceName, err)
	}

	var definition models.ProcessDefinition

	err = json.Unmarshal(content, &definition)
	if err != nil {
		return nil, fmt.Errorf("resource %s: failed to decode: %w", resourceName, err)
	}

	err = p.checkGraph(&definition)
	if err != nil {
		return nil, fmt.Errorf("resource %s: %w", resourceName, err)
	}

	return &definition, nil
}

// checkGraph enforces the structural invariants the interpreter relies on.
func (p *Parser) checkGraph(definition *models.ProcessDefinition) error {
	nodes := make(map[string]*models.Node, len(definition.Nodes))

	starts := 0

	for _, node := range definition.Nodes {
		if _, exists := nodes[node.ID]; exists {
			return fmt.Errorf("duplicate node id %q", node.ID)
		}

		nodes[node.ID] = node

		if node.Kind == models.NodeKindStart {
			starts++
		}

		if node.Kind == models.NodeKindTimerCatch && node.Timer == nil {
			return fmt.Errorf("timer-catch node %q has no timer configuration", node.ID)
		}

		for _, boundary := range node.BoundaryTimers {
			err := checkTimerSpec(boundary.Timer)
			if err != nil {
				return fmt.Errorf("boundary timer %q on node %q: %w", boundary.ID, node.ID, err)
			}
		}

		if node.Timer != nil {
			err := checkTimerSpec(*node.Timer)
			if err != nil {
				return fmt.Errorf("node %q: %w", node.ID, err)
			}
		}
	}

	if starts != 1 {
		return fmt.Errorf("process %q must have exactly one start node, found %d", definition.Key, starts)
	}

	transitionIDs := make(map[string]bool, len(definition.Transitions))

	for _, transition := range definition.Transitions {
		if transitionIDs[transition.ID] {
			return fmt.Errorf("duplicate transition id %q", transition.ID)
		}

		transitionIDs[transition.ID] = true

		if nodes[transition.SourceID] == nil {
			return fmt.Errorf("transition %q references unknown source node %q", transition.ID, transition.SourceID)
		}

		if nodes[transition.TargetID] == nil {
			return fmt.Errorf("transition %q references unknown target node %q", transition.ID, transition.TargetID)
		}
	}

	return nil
}

func checkTimerSpec(spec models.TimerSpec) error {
	if spec.Duration == "" && spec.Cycle == "" {
		return fmt.Errorf("timer requires a duration or a cycle")
	}

	if spec.Duration != "" {
		_, err := time.ParseDuration(spec.Duration)
		if err != nil {
			return fmt.Errorf("invalid timer duration %q: %w", spec.Duration, err)
		}
	}

	return nil
}

// ValidateDefinition runs the struct-tag validation on a fully assembled
// definition right before it is persisted.
func (p *Parser) ValidateDefinition(definition *models.ProcessDefinition) error {
	return p.validate.Struct(definition)
}
