package harness

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fecore/internal/ir"
	"github.com/roach88/fecore/internal/livesync"
	"github.com/roach88/fecore/internal/remote"
)

func loadTestScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario("testdata/scenarios/" + name + ".yaml")
	require.NoError(t, err)
	return s
}

func runScenario(t *testing.T, s *Scenario) *Result {
	t.Helper()
	result, err := Run(context.Background(), s, t.TempDir())
	require.NoError(t, err)
	return result
}

func TestRun_TwoDeviceEcho(t *testing.T) {
	result := RunWithGolden(t, loadTestScenario(t, "two_device_echo"))

	// Each device's own pushes came back over realtime and were dropped.
	assert.Positive(t, result.Stats["a"].Suppressed)
	assert.Positive(t, result.Stats["b"].Suppressed)
	assert.Equal(t, int64(2), result.Stats["a"].Pushed)
	assert.Equal(t, int64(1), result.Stats["b"].Pushed)
}

func TestRun_OfflineDrain(t *testing.T) {
	result := runScenario(t, loadTestScenario(t, "offline_drain"))
	require.True(t, result.Pass, "errors: %v", result.Errors)

	assert.Equal(t, []string{"c1", "c2", "c3", "-c1"}, pushedIDs(result.Pushes, "fe_cards", "a"))
	assert.Positive(t, result.Stats["a"].Failures)
	assert.Equal(t, result.States["a"], result.States["b"])
	assert.Len(t, result.States["b"]["card"], 2)
}

func TestRun_RelayOutage(t *testing.T) {
	result := runScenario(t, loadTestScenario(t, "relay_outage"))
	require.True(t, result.Pass, "errors: %v", result.Errors)

	assert.Equal(t, "team", result.Stats["a"].PartitionID)
	assert.Equal(t, "a", result.Stats["a"].DeviceID)
	// The restart re-announces the partition.
	assert.Equal(t, []string{"team", "team", "team"}, pushedIDs(result.Pushes, "fe_worlds", ""))
}

func TestRun_SnapshotRetention(t *testing.T) {
	result := runScenario(t, loadTestScenario(t, "snapshot_retention"))
	require.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Len(t, result.States["a"]["card"], 4)
}

func TestRun_FailedAssertionsAreReported(t *testing.T) {
	s, err := LoadScenario(writeScenario(t, `
name: failing
description: "expects a record that is never written"
devices: [a]
partition: p1
timeout: 100ms
steps:
  - device: a
    put: {type: card, id: c1, data: {title: A}}
assertions:
  - {type: record, device: a, record_type: card, id: c1, expect: {title: Z}}
  - {type: absent, device: a, record_type: card, id: c1}
`))
	require.NoError(t, err)

	result := runScenario(t, s)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], `field "title" = "A", want "Z"`)
	assert.Contains(t, result.Errors[1], "device a still has card/c1")
}

func TestRun_AwaitTimeoutFailsStep(t *testing.T) {
	s, err := LoadScenario(writeScenario(t, `
name: stuck
description: "await on a push that is always rejected"
devices: [a]
partition: p1
timeout: 100ms
steps:
  - fail_pushes: [c1]
  - device: a
    put: {type: card, id: c1, data: {title: A}}
  - await:
      - {type: remote_row, table: fe_cards, id: c1, expect: {title: A}}
assertions:
  - type: converged
`))
	require.NoError(t, err)

	_, err = Run(context.Background(), s, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "steps[2]: await timed out")
	assert.Contains(t, err.Error(), "replica has no fe_cards/c1")
}

func TestRun_ExpectErrorMismatch(t *testing.T) {
	s, err := LoadScenario(writeScenario(t, `
name: no_error
description: "a valid put declared as failing"
devices: [a]
partition: p1
steps:
  - device: a
    put: {type: card, id: c1, data: {title: A}}
    expect_error: INVALID_ACTION
assertions:
  - type: converged
`))
	require.NoError(t, err)

	_, err = Run(context.Background(), s, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected error INVALID_ACTION, mutation succeeded")
}

func TestMatchSubset(t *testing.T) {
	actual := map[string]any{
		"title":      "A",
		"updated_at": json.Number("5"),
		"tags":       []any{"x", "y"},
	}

	assert.NoError(t, matchSubset(actual, map[string]any{"title": "A", "updated_at": 5}))
	assert.NoError(t, matchSubset(actual, map[string]any{"tags": []any{"x", "y"}}))
	assert.NoError(t, matchSubset(actual, nil))

	assert.ErrorContains(t, matchSubset(actual, map[string]any{"title": "B"}), `field "title"`)
	assert.ErrorContains(t, matchSubset(actual, map[string]any{"laneId": "l1"}), `field "laneId" missing`)
	assert.ErrorContains(t, matchSubset(actual, map[string]any{"updated_at": "5"}), `want "5"`)
}

func TestPushedIDs(t *testing.T) {
	pushes := []remote.Push{
		{Op: ir.OpPut, Table: "fe_cards", Row: remote.Row{"id": "c1", "updated_device": "a"}},
		{Op: ir.OpPut, Table: "fe_lanes", Row: remote.Row{"id": "l1", "updated_device": "a"}},
		{Op: ir.OpPut, Table: "fe_cards", Row: remote.Row{"id": "c2", "updated_device": "b"}},
		{Op: ir.OpDelete, Table: "fe_cards", Row: remote.Row{"id": "c1", "updated_device": "a"}},
	}

	assert.Equal(t, []string{"c1", "c2", "-c1"}, pushedIDs(pushes, "fe_cards", ""))
	assert.Equal(t, []string{"c1", "-c1"}, pushedIDs(pushes, "fe_cards", "a"))
	assert.Equal(t, []string{}, pushedIDs(pushes, "fe_worlds", ""))
}

func TestExpectCode(t *testing.T) {
	invalid := ir.Errorf(ir.CodeInvalidAction, "mutate", "bad")

	assert.NoError(t, expectCode("", nil))
	assert.NoError(t, expectCode("INVALID_ACTION", invalid))
	assert.ErrorIs(t, expectCode("", invalid), invalid)
	assert.ErrorContains(t, expectCode("INVALID_ACTION", nil), "mutation succeeded")
	assert.ErrorContains(t, expectCode("APPEND_FAILURE", invalid), "expected error APPEND_FAILURE")
}

func TestResult(t *testing.T) {
	r := NewResult()
	assert.True(t, r.Pass)
	r.AddError("boom")
	assert.False(t, r.Pass)
	assert.Equal(t, []string{"boom"}, r.Errors)
	assert.Empty(t, r.Stats)
	r.Stats["a"] = livesync.Stats{Status: livesync.StatusLive}
	assert.Len(t, r.Stats, 1)
}
