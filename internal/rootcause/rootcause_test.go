package rootcause

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		msg  string
		want Category
	}{
		{"context deadline exceeded", CategoryTimeout},
		{"HTTP 429 Too Many Requests", CategoryTimeout},
		{"open /etc/shadow: permission denied", CategoryPermissionDenied},
		{"invalid argument: missing field url", CategoryInputValidation},
		{"dial tcp 10.0.0.1:443: connection refused", CategoryExternalDependency},
		{"expected 3 rows, got 2", CategoryLogicError},
		{"timeout after 4000ms", CategoryTimeout},
		{"GET /v1: 403", CategoryPermissionDenied},
		{"upstream returned 503", CategoryExternalDependency},
		{"expected id 14039, got 7", CategoryLogicError},
		{"Malformed JSON at offset 3", CategoryInputValidation},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.msg), tc.msg)
	}
}

func TestSymptomsOf(t *testing.T) {
	assert.Equal(t, []string{"timed out", "503"}, symptomsOf("request timed out (HTTP 503)"))
	assert.Empty(t, symptomsOf("expected 3 rows, got 2"))
}

func TestSignature(t *testing.T) {
	assert.Equal(t, "timeout:web_search", Signature(CategoryTimeout, "web_search"))
	assert.Equal(t, "logic_error:oracle", Signature(CategoryLogicError, ""))
	c, tool := SplitSignature("timeout:web_search")
	assert.Equal(t, CategoryTimeout, c)
	assert.Equal(t, "web_search", tool)
}

func signals(tool string, msgs ...string) []Signal {
	out := make([]Signal, len(msgs))
	for i, m := range msgs {
		out[i] = NewSignal("A", tool, m, i+1, time.Now())
	}
	return out
}

func TestAnalyze_ClustersOnCommonSymptom(t *testing.T) {
	a := NewAnalyzer(nil, nil)
	rc := a.Analyze(context.Background(), signals("web_search",
		"request timed out after 30s",
		"request timed out after 31s",
		"request timed out after 29s",
	))
	assert.Equal(t, CategoryTimeout, rc.Category)
	assert.Equal(t, "timeout:web_search", rc.Signature)
	assert.Contains(t, rc.Evidence, "timed out")
	assert.Equal(t, []string{StrategyIncreaseTimeout, StrategyBackoff}, rc.ProposedStrategies)
	assert.False(t, rc.Known)
}

func TestAnalyze_DefaultsToLogicError(t *testing.T) {
	a := NewAnalyzer(nil, nil)
	rc := a.Analyze(context.Background(), signals("shell", "expected 3 rows, got 2", "expected 3 rows, got 1"))
	assert.Equal(t, CategoryLogicError, rc.Category)
	assert.Equal(t, []string{StrategyNarrowScope}, rc.ProposedStrategies)
	require.Len(t, rc.Evidence, 1)
	assert.Contains(t, rc.Evidence[0], "2x")

	empty := a.Analyze(context.Background(), nil)
	assert.Equal(t, CategoryLogicError, empty.Category)
}

func TestAnalyze_NoSharedSymptomFallsBack(t *testing.T) {
	a := NewAnalyzer(nil, nil)
	rc := a.Analyze(context.Background(), []Signal{
		{Tool: "x", Category: CategoryTimeout, Message: "something odd"},
		{Tool: "x", Category: CategoryTimeout, Message: "another thing"},
	})
	assert.Equal(t, CategoryLogicError, rc.Category)
}

func TestPatternStore_CrossRunSolutionReuse(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	// First run: three timeouts, then increase_timeout fixes it.
	first := NewAnalyzer(store, nil)
	rc := first.Analyze(ctx, signals("web_search", "timeout", "timeout", "timeout"))
	require.Equal(t, "timeout:web_search", rc.Signature)
	_, err := store.RecordPattern(ctx, rc.Signature, rc.Category)
	require.NoError(t, err)
	_, ok, _ := store.GetSolution(ctx, rc.Signature)
	assert.False(t, ok, "an untried strategy is not a solution")
	require.NoError(t, store.RecordSuccess(ctx, rc.Signature, StrategyIncreaseTimeout))

	// Second run reuses the proven strategy.
	second := NewAnalyzer(store, nil)
	rc2 := second.Analyze(ctx, signals("web_search", "deadline exceeded while waiting", "deadline exceeded while waiting"))
	assert.True(t, rc2.Known)
	assert.Equal(t, StrategyIncreaseTimeout, rc2.ProposedStrategies[0])

	sol, ok, err := store.GetSolution(ctx, "timeout:web_search")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StrategyIncreaseTimeout, sol)
}

func TestPatternStore_Counts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for i := 0; i < 3; i++ {
		_, err := store.RecordPattern(ctx, "external_dependency:http_get", CategoryExternalDependency)
		require.NoError(t, err)
	}
	require.NoError(t, store.RecordSuccess(ctx, "external_dependency:http_get", StrategySwitchTool))
	require.NoError(t, store.RecordSuccess(ctx, "external_dependency:http_get", StrategyBackoff))
	require.NoError(t, store.RecordSuccess(ctx, "external_dependency:http_get", StrategyBackoff))

	p, ok, err := store.Get(ctx, "external_dependency:http_get")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, p.Occurrences)
	assert.Equal(t, "http_get", p.Tool)
	best, _ := p.Best()
	assert.Equal(t, StrategyBackoff, best)

	list, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
