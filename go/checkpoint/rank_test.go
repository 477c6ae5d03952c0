package checkpoint

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crunchdao/coordinator-node-starter/go/contract"
	"github.com/crunchdao/coordinator-node-starter/go/store"
)

func rankStore(t *testing.T) *store.Store {
	t.Helper()
	var st, err = store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func rankBuilder(t *testing.T, st *store.Store, direction string) *Builder {
	t.Helper()
	var c = contract.DefaultContract()
	if direction != "" {
		c.Aggregation.RankingDirection = direction
	}
	require.NoError(t, c.Freeze())
	return &Builder{store: st, contract: c}
}

func putSnapshot(t *testing.T, st *store.Store, modelID string, value float64, count int, at time.Time) {
	t.Helper()
	var id = fmt.Sprintf("snap-%s-%d", modelID, at.UnixNano())
	var _, err = st.UpsertSnapshot(context.Background(), contract.Snapshot{
		ID:              id,
		ModelID:         modelID,
		PeriodStart:     at.Add(-time.Hour),
		PeriodEnd:       at,
		PredictionCount: count,
		ResultSummary:   contract.JSONMap{"value": value},
		ContentHash:     "hash-" + id,
		CreatedAt:       at,
	})
	require.NoError(t, err)
}

func TestRankPeriodWeightsByPredictionCount(t *testing.T) {
	var ctx = context.Background()
	var st = rankStore(t)
	var b = rankBuilder(t, st, "")

	var from = time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)
	var to = from.Add(time.Hour)

	// One lucky snapshot does not beat steady volume: the plain mean
	// would put m-hi first, the weighted mean does not.
	putSnapshot(t, st, "m-hi", 1.0, 1, from.Add(10*time.Minute))
	putSnapshot(t, st, "m-hi", 0.0, 99, from.Add(20*time.Minute))
	putSnapshot(t, st, "m-lo", 0.4, 50, from.Add(10*time.Minute))
	putSnapshot(t, st, "m-lo", 0.4, 50, from.Add(20*time.Minute))

	entries, err := b.rankPeriod(ctx, from, to)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "m-lo", entries[0].ModelID)
	require.Equal(t, 1, entries[0].Rank)
	require.InDelta(t, 0.4, entries[0].Score, 1e-9)
	require.Equal(t, 100, entries[0].PredictionCount)
	require.Equal(t, "m-hi", entries[1].ModelID)
	require.Equal(t, 2, entries[1].Rank)
	require.InDelta(t, 0.01, entries[1].Score, 1e-9)
}

func TestRankPeriodWindowAndExclusions(t *testing.T) {
	var ctx = context.Background()
	var st = rankStore(t)
	var b = rankBuilder(t, st, "")

	var from = time.Date(2026, 4, 11, 0, 0, 0, 0, time.UTC)
	var to = from.Add(time.Hour)

	putSnapshot(t, st, "m-a", 9.0, 10, from.Add(-10*time.Minute))
	putSnapshot(t, st, "m-a", 0.2, 10, from.Add(30*time.Minute))
	putSnapshot(t, st, "m-a", 9.0, 10, to.Add(time.Hour))
	putSnapshot(t, st, contract.EnsembleModelID("blend"), 5.0, 10, from.Add(30*time.Minute))
	// Only pre-period history: drops out entirely.
	putSnapshot(t, st, "m-old", 1.0, 10, from.Add(-20*time.Minute))

	entries, err := b.rankPeriod(ctx, from, to)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "m-a", entries[0].ModelID)
	require.InDelta(t, 0.2, entries[0].Score, 1e-9)
	require.Equal(t, 10, entries[0].PredictionCount)
}

func TestRankPeriodZeroCountsAndTies(t *testing.T) {
	var ctx = context.Background()
	var st = rankStore(t)
	var b = rankBuilder(t, st, "")

	var from = time.Date(2026, 4, 12, 0, 0, 0, 0, time.UTC)
	var to = from.Add(time.Hour)

	// Zero prediction counts weight as one snapshot each.
	putSnapshot(t, st, "m-z", 0.2, 0, from.Add(5*time.Minute))
	putSnapshot(t, st, "m-z", 0.4, 0, from.Add(10*time.Minute))
	putSnapshot(t, st, "m-b", 0.3, 10, from.Add(5*time.Minute))
	putSnapshot(t, st, "m-a", 0.3, 10, from.Add(5*time.Minute))

	entries, err := b.rankPeriod(ctx, from, to)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// All three score 0.3, so rank order falls back to model id.
	for i, want := range []string{"m-a", "m-b", "m-z"} {
		require.Equal(t, want, entries[i].ModelID)
		require.Equal(t, i+1, entries[i].Rank)
		require.InDelta(t, 0.3, entries[i].Score, 1e-9)
	}
	require.Equal(t, 0, entries[2].PredictionCount)
}

func TestRankPeriodAscending(t *testing.T) {
	var ctx = context.Background()
	var st = rankStore(t)
	var b = rankBuilder(t, st, "asc")

	var from = time.Date(2026, 4, 13, 0, 0, 0, 0, time.UTC)
	putSnapshot(t, st, "m-a", 0.5, 10, from.Add(5*time.Minute))
	putSnapshot(t, st, "m-b", 0.1, 10, from.Add(5*time.Minute))

	entries, err := b.rankPeriod(ctx, from, from.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "m-b", entries[0].ModelID)
	require.Equal(t, "m-a", entries[1].ModelID)
}
