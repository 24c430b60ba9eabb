package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fecore/internal/ir"
)

// toCanonicalMap converts the deterministic part of a result (pushes and
// final states) into a generic map for canonical JSON serialization.
// Stats are left out: retry counts depend on timing.
func toCanonicalMap(name string, r *Result) map[string]any {
	pushes := make([]any, len(r.Pushes))
	for i, p := range r.Pushes {
		pushes[i] = map[string]any{
			"op":    string(p.Op),
			"table": p.Table,
			"row":   map[string]any(p.Row),
		}
	}

	states := make(map[string]any, len(r.States))
	for id, st := range r.States {
		states[id] = st
	}

	return map[string]any{
		"scenario": name,
		"pushes":   pushes,
		"state":    states,
	}
}

// RunWithGolden runs a scenario, requires it to pass, and compares its
// pushes and final states against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) *Result {
	t.Helper()

	result, err := Run(context.Background(), scenario, t.TempDir())
	require.NoError(t, err)
	require.True(t, result.Pass, "scenario %s failed: %v", scenario.Name, result.Errors)

	AssertGolden(t, scenario.Name, result)
	return result
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	data, err := ir.MarshalCanonical(toCanonicalMap(name, result))
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
}
