// Package definition handles deployment of process-definition resources:
// schema validation, parsing into immutable executable graphs, duplicate
// filtering and the bounded definition cache the interpreter resolves
// against.
package definition

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// resourceSchema validates the JSON shape of a process-definition resource
// before parsing. Structural graph checks (dangling transitions, missing
// start node) happen in the parser.
const resourceSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["key", "nodes"],
	"properties": {
		"key": {"type": "string", "minLength": 3},
		"name": {"type": "string"},
		"nodes": {
			"type": "array",
			"minItems": 2,
			"items": {
				"type": "object",
				"required": ["id", "kind"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"name": {"type": "string"},
					"kind": {
						"type": "string",
						"enum": [
							"start", "end", "service-task", "receive-task",
							"exclusive-gateway", "parallel-gateway", "timer-catch"
						]
					},
					"async": {"type": "boolean"},
					"handler_type": {"type": "string"},
					"handler_config": {"type": "string"},
					"timer": {
						"type": "object",
						"properties": {
							"duration": {"type": "string"},
							"cycle": {"type": "string"}
						}
					},
					"boundary_timers": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["id", "timer"],
							"properties": {
								"id": {"type": "string"},
								"timer": {"type": "object"},
								"transition_id": {"type": "string"}
							}
						}
					}
				}
			}
		},
		"transitions": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "source_id", "target_id"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"name": {"type": "string"},
					"source_id": {"type": "string", "minLength": 1},
					"target_id": {"type": "string", "minLength": 1},
					"condition": {"type": "string"}
				}
			}
		}
	}
}`

// validateResourceSchema checks content against the resource schema and
// returns a descriptive error listing every violation.
func validateResourceSchema(content []byte) error {
	schemaLoader := gojsonschema.NewStringLoader(resourceSchema)
	documentLoader := gojsonschema.NewBytesLoader(content)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("failed to validate resource: %w", err)
	}

	if result.Valid() {
		return nil
	}

	message := "resource failed schema validation:"
	for _, violation := range result.Errors() {
		message += "\n  - " + violation.String()
	}

	return fmt.Errorf("%s", message)
}
