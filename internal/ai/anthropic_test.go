package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDecisionDirect(t *testing.T) {
	d, err := parseDecision(`{"type":"direct_response","glassesDisplay":"4","webviewContent":"**4**"}`)
	require.NoError(t, err)
	assert.Equal(t, DecisionDirectResponse, d.Type)
	assert.Equal(t, "4", d.GlassesDisplay)
}

func TestParseDecisionSpawn(t *testing.T) {
	d, err := parseDecision(`{"type":"spawn_agent","goal":"list files","workingDirectory":"/home","rationale":"local fs"}`)
	require.NoError(t, err)
	assert.Equal(t, DecisionSpawnAgent, d.Type)
	assert.Equal(t, "list files", d.Goal)
	assert.Equal(t, "/home", d.WorkingDirectory)
}

func TestParseDecisionWithProse(t *testing.T) {
	d, err := parseDecision("Here is my decision:\n```json\n{\"type\":\"clarifying_question\",\"glassesDisplay\":\"Open what?\",\"webviewContent\":\"?\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, DecisionClarifyingQuestion, d.Type)
}

func TestParseDecisionRejectsUnknownType(t *testing.T) {
	_, err := parseDecision(`{"type":"launch_missiles"}`)
	assert.Error(t, err)
}

func TestParseDecisionRejectsIncomplete(t *testing.T) {
	_, err := parseDecision(`{"type":"spawn_agent"}`)
	assert.Error(t, err, "spawn without goal")

	_, err = parseDecision(`{"type":"direct_response"}`)
	assert.Error(t, err, "direct without glasses text")
}

func TestParseDecisionRejectsGarbage(t *testing.T) {
	_, err := parseDecision("I cannot decide right now")
	assert.Error(t, err)
}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, extractJSON("noise {\"a\":1} trailing"))
	assert.Equal(t, "no braces here", extractJSON("no braces here"))
}

func TestObservationTerminal(t *testing.T) {
	assert.False(t, Observation{State: ObserverWorking}.Terminal())
	assert.False(t, Observation{State: ObserverAwaitingInput}.Terminal())
	assert.True(t, Observation{State: ObserverSuccess}.Terminal())
	assert.True(t, Observation{State: ObserverFailure}.Terminal())
}
