package models_test

import (
	"testing"
	"time"

	"github.com/loomhq/loom/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowExecutionStatusTransitions(t *testing.T) {
	t.Parallel()

	terminal := []models.WorkflowExecutionStatus{
		models.WorkflowExecutionStatusSucceeded,
		models.WorkflowExecutionStatusPartialSucceeded,
		models.WorkflowExecutionStatusFailed,
		models.WorkflowExecutionStatusStopped,
	}

	for _, status := range terminal {
		assert.True(t, status.IsTerminal(), "%s should be terminal", status)
		assert.False(t, status.CanTransitionTo(models.WorkflowExecutionStatusRunning))
	}

	assert.False(t, models.WorkflowExecutionStatusRunning.IsTerminal())
	assert.False(t, models.WorkflowExecutionStatusPaused.IsTerminal())

	assert.True(t, models.WorkflowExecutionStatusRunning.CanTransitionTo(models.WorkflowExecutionStatusPaused))
	assert.True(t, models.WorkflowExecutionStatusRunning.CanTransitionTo(models.WorkflowExecutionStatusSucceeded))
	assert.True(t, models.WorkflowExecutionStatusPaused.CanTransitionTo(models.WorkflowExecutionStatusRunning))
	assert.False(t, models.WorkflowExecutionStatusPaused.CanTransitionTo(models.WorkflowExecutionStatusFailed))
}

func TestNodeExecutionFinishFreezesElapsedTime(t *testing.T) {
	t.Parallel()

	created := time.Now().UTC()
	finished := created.Add(1500 * time.Millisecond)

	exec := &models.NodeExecution{CreatedAt: created, Status: models.NodeExecutionStatusRunning}
	exec.Finish(models.NodeExecutionStatusSucceeded, finished)

	require.NotNil(t, exec.FinishedAt)
	assert.InDelta(t, 1.5, exec.ElapsedTime, 1e-9)

	// The measurement is frozen: finishing fields do not drift afterwards.
	recorded := exec.ElapsedTime
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, recorded, exec.ElapsedTime)
}

func TestNewGraphSnapshotsDefinition(t *testing.T) {
	t.Parallel()

	definition := []byte(`{"nodes":[{"id":"n1","type":"llm"}],"edges":[{"source":"n1","target":"n2"}]}`)

	graph, err := models.NewGraph(definition)
	require.NoError(t, err)

	// Mutating the caller's bytes must not affect the snapshot.
	definition[2] = 'X'
	assert.NotEqual(t, definition[2], graph.Definition[2])
}

func TestNewGraphRejectsInvalidDefinition(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		definition string
	}{
		{"missing edges", `{"nodes":[]}`},
		{"node without id", `{"nodes":[{"type":"llm"}],"edges":[]}`},
		{"edge without target", `{"nodes":[],"edges":[{"source":"a"}]}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := models.NewGraph([]byte(tc.definition))
			assert.Error(t, err)
		})
	}
}

func TestExtractFiles(t *testing.T) {
	t.Parallel()

	file := map[string]any{
		models.FileIdentityKey: models.FileIdentity,
		"url":                  "https://example.com/report.pdf",
	}

	outputs := map[string]any{
		"text":   "done",
		"single": file,
		"many":   []any{file, map[string]any{"url": "not-a-file"}},
		"plain":  map[string]any{"k": "v"},
	}

	files := models.ExtractFiles(outputs)
	assert.Len(t, files, 2)

	for _, f := range files {
		assert.Equal(t, models.FileIdentity, f[models.FileIdentityKey])
	}

	assert.Nil(t, models.ExtractFiles(nil))
}

func TestEmptyUsage(t *testing.T) {
	t.Parallel()

	usage := models.EmptyUsage()
	require.NotNil(t, usage)
	assert.Zero(t, usage.TotalTokens)
	assert.Equal(t, "USD", usage.Currency)

	usage.Add(&models.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15, TotalPrice: 0.01})
	assert.Equal(t, int64(15), usage.TotalTokens)
	assert.InDelta(t, 0.01, usage.TotalPrice, 1e-9)
}
