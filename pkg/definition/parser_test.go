package definition

import (
	"testing"

	"github.com/procflow/procflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validResource = `{
	"key": "order-fulfillment",
	"name": "Order Fulfillment",
	"nodes": [
		{"id": "start", "kind": "start"},
		{"id": "reserve", "kind": "service-task", "handler_type": "reserve-stock"},
		{"id": "end", "kind": "end"}
	],
	"transitions": [
		{"id": "t1", "source_id": "start", "target_id": "reserve"},
		{"id": "t2", "source_id": "reserve", "target_id": "end"}
	]
}`

func TestParser_ParseValidResource(t *testing.T) {
	parser := NewParser()

	definition, err := parser.Parse("order.json", []byte(validResource))
	require.NoError(t, err)

	assert.Equal(t, "order-fulfillment", definition.Key)
	assert.Len(t, definition.Nodes, 3)
	assert.Len(t, definition.Transitions, 2)
	require.NotNil(t, definition.InitialNode())
	assert.Equal(t, "start", definition.InitialNode().ID)
}

func TestParser_RejectsUnknownNodeKind(t *testing.T) {
	parser := NewParser()

	_, err := parser.Parse("bad.json", []byte(`{
		"key": "broken",
		"nodes": [
			{"id": "start", "kind": "start"},
			{"id": "x", "kind": "subprocess"}
		]
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema validation")
}

func TestParser_RejectsDuplicateNodeIDs(t *testing.T) {
	parser := NewParser()

	_, err := parser.Parse("bad.json", []byte(`{
		"key": "broken",
		"nodes": [
			{"id": "start", "kind": "start"},
			{"id": "start", "kind": "end"}
		]
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate node id")
}

func TestParser_RequiresExactlyOneStart(t *testing.T) {
	parser := NewParser()

	_, err := parser.Parse("bad.json", []byte(`{
		"key": "broken",
		"nodes": [
			{"id": "a", "kind": "service-task"},
			{"id": "b", "kind": "end"}
		]
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one start node")
}

func TestParser_RejectsDanglingTransition(t *testing.T) {
	parser := NewParser()

	_, err := parser.Parse("bad.json", []byte(`{
		"key": "broken",
		"nodes": [
			{"id": "start", "kind": "start"},
			{"id": "end", "kind": "end"}
		],
		"transitions": [
			{"id": "t1", "source_id": "start", "target_id": "nowhere"}
		]
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown target node")
}

func TestParser_RejectsInvalidTimer(t *testing.T) {
	parser := NewParser()

	_, err := parser.Parse("bad.json", []byte(`{
		"key": "broken",
		"nodes": [
			{"id": "start", "kind": "start"},
			{"id": "wait", "kind": "timer-catch", "timer": {"duration": "not-a-duration"}},
			{"id": "end", "kind": "end"}
		]
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid timer duration")
}

func TestParser_RejectsTimerCatchWithoutTimer(t *testing.T) {
	parser := NewParser()

	_, err := parser.Parse("bad.json", []byte(`{
		"key": "broken",
		"nodes": [
			{"id": "start", "kind": "start"},
			{"id": "wait", "kind": "timer-catch"},
			{"id": "end", "kind": "end"}
		]
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no timer configuration")
}

func TestDefinition_OutgoingPreservesDeclarationOrder(t *testing.T) {
	definition := &models.ProcessDefinition{
		Nodes: []*models.Node{
			{ID: "fork", Kind: models.NodeKindParallelGateway},
			{ID: "a", Kind: models.NodeKindServiceTask},
			{ID: "b", Kind: models.NodeKindServiceTask},
		},
		Transitions: []*models.Transition{
			{ID: "t-b", SourceID: "fork", TargetID: "b"},
			{ID: "t-a", SourceID: "fork", TargetID: "a"},
		},
	}

	outgoing := definition.Outgoing("fork")
	require.Len(t, outgoing, 2)
	assert.Equal(t, "t-b", outgoing[0].ID)
	assert.Equal(t, "t-a", outgoing[1].ID)
}
