package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dasv/internal/config"
	"github.com/sells-group/dasv/internal/provider"
)

func TestRunBatch_IsolatesFailures(t *testing.T) {
	subjects := func(price float64) map[string]map[string]provider.FixtureValue {
		return map[string]map[string]provider.FixtureValue{
			"XYZ": quotes(price, 5),
			"ABC": quotes(price*2, 4),
			"NEG": quotes(-1, 1),
		}
	}
	env := newTestEnv(t, testSettings(), config.DefaultGateRules(), nil,
		fixture("alpha", subjects(100)),
		fixture("beta", subjects(100.1)),
		fixture("gamma", subjects(100.2)),
	)

	res := env.p.RunBatch(context.Background(), []string{"XYZ", "NEG", "ABC"}, params(), 2)
	require.Len(t, res, 3)

	assert.Equal(t, "XYZ", res[0].SubjectID)
	assert.NoError(t, res[0].Err)
	require.NotNil(t, res[0].Outcome)
	assert.Equal(t, StateDone, res[0].Outcome.State)

	assert.Equal(t, "NEG", res[1].SubjectID)
	assert.ErrorIs(t, res[1].Err, ErrSchemaViolation)
	assert.NotEmpty(t, res[1].Error)
	require.NotNil(t, res[1].Outcome)
	assert.Equal(t, StateHalted, res[1].Outcome.State)

	assert.Equal(t, "ABC", res[2].SubjectID)
	assert.NoError(t, res[2].Err)
}

func TestRunBatch_SubjectsGetOwnRuns(t *testing.T) {
	runs := newTestRuns(t)
	subjects := map[string]map[string]provider.FixtureValue{
		"XYZ": quotes(100, 5),
		"ABC": quotes(50, 2),
	}
	env := newTestEnv(t, testSettings(), config.DefaultGateRules(), runs,
		fixture("alpha", subjects),
		fixture("beta", subjects),
		fixture("gamma", subjects),
	)
	ctx := context.Background()

	p := params()
	p.RunID = "shared-run"
	res := env.p.RunBatch(ctx, []string{"XYZ", "ABC"}, p, 2)
	require.Len(t, res, 2)

	ids := make(map[string]bool)
	for _, r := range res {
		require.NoError(t, r.Err)
		require.NotNil(t, r.Outcome)
		assert.NotEqual(t, "shared-run", r.Outcome.RunID)
		assert.NotEmpty(t, r.Outcome.RunID)
		ids[r.Outcome.RunID] = true

		run, err := runs.GetRun(ctx, r.Outcome.RunID)
		require.NoError(t, err)
		assert.Equal(t, r.SubjectID, run.SubjectID)
	}
	assert.Len(t, ids, 2)
}

func TestRunBatch_Empty(t *testing.T) {
	env := newTestEnv(t, testSettings(), config.DefaultGateRules(), nil, priceFixtures(100, 100, 100)...)
	assert.Empty(t, env.p.RunBatch(context.Background(), nil, params(), 4))
}
