package context

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ctxbudget/internal/observability"
	tokenutil "ctxbudget/internal/shared/token"
)

// wordCounter meters one token per whitespace-separated word.
type wordCounter struct{}

func (wordCounter) Count(text string) int { return len(strings.Fields(text)) }

func (wordCounter) Truncate(text string, maxTokens int) string {
	words := strings.Fields(text)
	if maxTokens <= 0 {
		return ""
	}
	if len(words) > maxTokens {
		words = words[:maxTokens]
	}
	return strings.Join(words, " ")
}

func words(n int) string {
	return strings.TrimSpace(strings.Repeat("w ", n))
}

func TestPlanFitsBlocksToZoneGrants(t *testing.T) {
	planner := NewPlanner(NewZoneBudgetAllocator(scenarioConfig()), WithTokenCounter(wordCounter{}))

	plan := planner.Plan(context.Background(), PlanRequest{
		SessionID:   "s1",
		TotalBudget: 100,
		Blocks: []Block{
			{Source: SourceIdentity, Text: words(20)},
			{Source: SourceStaticTruth, Text: words(20)},
			{Source: SourceDerivedFacts, Text: words(10)},
			{Source: SourceRecallMemory, Text: words(120)},
			{Source: SourceExternalRecall, Text: words(80)},
		},
	})

	require.True(t, plan.Allocation.Accepted)
	assert.False(t, plan.Shed)
	assert.Equal(t, 50, plan.Allocation.Granted(ZoneMemoryRecall))

	require.Len(t, plan.Blocks, 4)
	assert.Equal(t, SourceRecallMemory, plan.Blocks[3].Source)
	assert.Equal(t, 50, plan.Blocks[3].Tokens)
	assert.True(t, plan.Blocks[3].Truncated)
	assert.Equal(t, []Source{SourceExternalRecall}, plan.Dropped)

	total := 0
	for _, block := range plan.Blocks {
		total += block.Tokens
	}
	assert.LessOrEqual(t, total, 100)
	assert.NotContains(t, plan.Render(), "\n\n\n")
}

func TestPlanShedsDegradableBlocksOnFloorUnmet(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewContextMetricsWithRegisterer(reg)
	allocator := NewZoneBudgetAllocator(ZoneBudgetConfig{
		ZoneIdentity:     {Min: 10, Max: 20},
		ZoneMemoryRecall: {Min: 20, Max: 100},
	})
	planner := NewPlanner(allocator, WithTokenCounter(wordCounter{}), WithPlannerMetrics(metrics))

	plan := planner.Plan(context.Background(), PlanRequest{
		TotalBudget: 15,
		Blocks: []Block{
			{Source: SourceIdentity, Text: words(12)},
			{Source: SourceRecallMemory, Text: words(40)},
		},
	})

	require.True(t, plan.Allocation.Accepted)
	assert.True(t, plan.Shed)
	assert.Equal(t, []Source{SourceRecallMemory}, plan.Dropped)
	require.Len(t, plan.Blocks, 1)
	assert.Equal(t, 12, plan.Blocks[0].Tokens)

	count, err := testutil.GatherAndCount(reg, "ctxbudget_context_degraded_source_drop_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPlanRejectedWhenNothingToShed(t *testing.T) {
	allocator := NewZoneBudgetAllocator(ZoneBudgetConfig{ZoneIdentity: {Min: 50, Max: 100}})
	planner := NewPlanner(allocator, WithTokenCounter(wordCounter{}))

	plan := planner.Plan(context.Background(), PlanRequest{
		TotalBudget: 10,
		Blocks:      []Block{{Source: SourceIdentity, Text: words(60)}},
	})

	assert.False(t, plan.Allocation.Accepted)
	assert.Equal(t, ReasonFloorUnmet, plan.Allocation.Reason)
	assert.False(t, plan.Shed)
	assert.Empty(t, plan.Blocks)
	assert.Empty(t, plan.Render())
}

func TestPlanSplitsZoneGrantInInputOrder(t *testing.T) {
	allocator := NewZoneBudgetAllocator(ZoneBudgetConfig{ZoneTruth: {Min: 0, Max: 15}})
	planner := NewPlanner(allocator, WithTokenCounter(wordCounter{}))

	plan := planner.Plan(context.Background(), PlanRequest{
		TotalBudget: 100,
		Blocks: []Block{
			{Source: SourceStaticTruth, Text: words(10)},
			{Source: SourceDerivedFacts, Text: words(10)},
		},
	})

	require.Len(t, plan.Blocks, 2)
	assert.Equal(t, 10, plan.Blocks[0].Tokens)
	assert.False(t, plan.Blocks[0].Truncated)
	assert.Equal(t, 5, plan.Blocks[1].Tokens)
	assert.True(t, plan.Blocks[1].Truncated)
}

func TestPlanKeepsEmptyBlocks(t *testing.T) {
	planner := NewPlanner(NewZoneBudgetAllocator(scenarioConfig()), WithTokenCounter(wordCounter{}))
	plan := planner.Plan(context.Background(), PlanRequest{
		TotalBudget: 10,
		Blocks:      []Block{{Source: SourceTaskState, Text: ""}},
	})
	require.True(t, plan.Allocation.Accepted)
	require.Len(t, plan.Blocks, 1)
	assert.Zero(t, plan.Blocks[0].Tokens)
	assert.Empty(t, plan.Dropped)
}

// sloppyCounter keeps one word more than asked when truncating.
type sloppyCounter struct{ wordCounter }

func (c sloppyCounter) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	return c.wordCounter.Truncate(text, maxTokens+1)
}

func TestPlanTruncationStaysWithinBudget(t *testing.T) {
	allocator := NewZoneBudgetAllocator(ZoneBudgetConfig{ZoneIdentity: {Min: 0, Max: 100}})
	counters := map[string]TokenCounter{
		"heuristic": tokenutil.NewMeter("none"),
		"sloppy":    sloppyCounter{},
	}
	for name, counter := range counters {
		t.Run(name, func(t *testing.T) {
			planner := NewPlanner(allocator, WithTokenCounter(counter))
			plan := planner.Plan(context.Background(), PlanRequest{
				TotalBudget: 2,
				Blocks:      []Block{{Source: SourceIdentity, Text: "a b c d e f g h"}},
			})

			require.True(t, plan.Allocation.Accepted)
			require.Len(t, plan.Blocks, 1)
			block := plan.Blocks[0]
			assert.True(t, block.Truncated)
			assert.LessOrEqual(t, block.Tokens, 2)
			assert.Equal(t, counter.Count(block.Text), block.Tokens)
			assert.NotEmpty(t, strings.TrimSpace(block.Text))
		})
	}
}
