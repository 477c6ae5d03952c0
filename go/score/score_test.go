package score_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crunchdao/coordinator-node-starter/go/bus"
	"github.com/crunchdao/coordinator-node-starter/go/contract"
	"github.com/crunchdao/coordinator-node-starter/go/score"
	"github.com/crunchdao/coordinator-node-starter/go/store"
)

func init() {
	contract.RegisterScoring("test.panic_scoring", func(output, actuals contract.JSONMap) (contract.Score, error) {
		panic("scorer exploded")
	})
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	var st, err = store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func frozenContract(t *testing.T, ensembles ...contract.EnsembleConfig) *contract.Contract {
	t.Helper()
	var c = contract.DefaultContract()
	c.Ensembles = ensembles
	require.NoError(t, c.Freeze())
	return c
}

func testModel(id string) contract.Model {
	var now = time.Now().UTC()
	return contract.Model{
		ID:           id,
		Name:         "model " + id,
		PlayerID:     "player-" + id,
		PlayerName:   "Player " + id,
		DeploymentID: "dep-" + id,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func seedConfig(t *testing.T, st *store.Store) contract.ScheduledPredictionConfig {
	t.Helper()
	var cfg = contract.ScheduledPredictionConfig{
		ID:       "cfg-1",
		ScopeKey: "BTCUSDT_3600s_600s",
		Scope: contract.PredictionScope{
			Subject:        "BTCUSDT",
			HorizonSeconds: 3600,
			StepSeconds:    600,
		},
		Schedule:            contract.Schedule{EverySeconds: 600},
		Active:              true,
		ResolveAfterSeconds: 3600,
	}
	require.NoError(t, st.UpsertPredictionConfig(context.Background(), cfg))
	return cfg
}

func seedCandle(t *testing.T, st *store.Store, subject string, ts int64, close float64) {
	t.Helper()
	var scope = contract.FeedScope{Source: "binance", Subject: subject, Kind: "candle", Granularity: "1m"}
	var _, err = st.InsertFeedRecords(context.Background(), []contract.FeedRecord{{
		ID:          contract.NewFeedRecordID(scope, ts),
		Source:      scope.Source,
		Subject:     scope.Subject,
		Kind:        scope.Kind,
		Granularity: scope.Granularity,
		TsEvent:     ts,
		TsIngested:  time.Unix(ts, 0).UTC(),
		Values:      contract.JSONMap{"open": close, "high": close, "low": close, "close": close, "volume": 1.0},
	}})
	require.NoError(t, err)
}

func seedInput(t *testing.T, st *store.Store, id string, cfg contract.ScheduledPredictionConfig, performedAt, resolvableAt time.Time) {
	t.Helper()
	require.NoError(t, st.InsertInput(context.Background(), contract.Input{
		ID:           id,
		ConfigID:     cfg.ID,
		Scope:        cfg.Scope,
		RawInput:     contract.JSONMap{"symbol": cfg.Scope.Subject},
		PerformedAt:  performedAt,
		ResolvableAt: resolvableAt,
		Status:       contract.InputReceived,
	}))
}

func seedPending(t *testing.T, st *store.Store, id, modelID, inputID string, cfg contract.ScheduledPredictionConfig, output contract.JSONMap, performedAt time.Time) {
	t.Helper()
	require.NoError(t, st.UpsertModel(context.Background(), testModel(modelID)))
	require.NoError(t, st.InsertPredictions(context.Background(), []contract.Prediction{{
		ID:              id,
		ModelID:         modelID,
		InputID:         inputID,
		ConfigID:        cfg.ID,
		ScopeKey:        cfg.ScopeKey,
		Scope:           cfg.Scope,
		InferenceOutput: output,
		Status:          contract.PredictionPending,
		PerformedAt:     performedAt,
	}}))
}

func TestEngineFullPass(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t)
	var cfg = seedConfig(t, st)

	var now = time.Now().UTC()
	var resolvableAt = now.Add(-10 * time.Minute)
	var performedAt = resolvableAt.Add(-time.Hour)

	// Price moves 100 -> 110 inside the resolution window: return 0.1.
	seedCandle(t, st, "BTCUSDT", resolvableAt.Unix(), 100)
	seedCandle(t, st, "BTCUSDT", resolvableAt.Unix()+300, 105)
	seedCandle(t, st, "BTCUSDT", resolvableAt.Unix()+540, 110)

	seedInput(t, st, "in-1", cfg, performedAt, resolvableAt)
	seedPending(t, st, "p-a", "m-a", "in-1", cfg, contract.JSONMap{"value": 0.5}, performedAt)
	seedPending(t, st, "p-b", "m-b", "in-1", cfg, contract.JSONMap{"value": -0.25}, performedAt)

	var events = bus.New()
	defer events.Close()
	var committed, cancel = events.Subscribe(bus.TopicCycleCommitted, "test", 4)
	defer cancel()

	var engine = score.NewEngine(st, frozenContract(t, contract.EnsembleConfig{
		Name: "blend", Strategy: "equal_weight",
	}), nil, events, score.EngineConfig{})

	report, err := engine.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Resolved)
	require.Equal(t, 2, report.Scored)
	require.Zero(t, report.Failed)
	require.Equal(t, 1, report.EnsemblePredicted)
	require.Equal(t, 3, report.Snapshots)
	require.Equal(t, 3, report.Ranked)
	require.NotEmpty(t, report.CycleID)
	require.NotEmpty(t, report.ChainedRoot)

	input, err := st.InputByID(ctx, "in-1")
	require.NoError(t, err)
	require.Equal(t, contract.InputResolved, input.Status)
	ret, ok := input.Actuals.Float("return")
	require.True(t, ok)
	require.InDelta(t, 0.1, ret, 1e-9)

	// Two member predictions plus the synthetic ensemble row.
	preds, err := st.PredictionsByInput(ctx, "in-1")
	require.NoError(t, err)
	require.Len(t, preds, 3)
	var byModel = map[string]contract.Prediction{}
	for _, p := range preds {
		byModel[p.ModelID] = p
	}

	require.Equal(t, contract.PredictionScored, byModel["m-a"].Status)
	require.InDelta(t, 0.1, byModel["m-a"].Score.Val, 1e-9)
	require.Equal(t, contract.PredictionScored, byModel["m-b"].Status)
	require.InDelta(t, -0.1, byModel["m-b"].Score.Val, 1e-9)

	var ensembleID = contract.EnsembleModelID("blend")
	var synth = byModel[ensembleID]
	require.Equal(t, contract.PredictionScored, synth.Status)
	require.Equal(t, "blend", synth.Meta["ensemble_name"])
	combined, ok := synth.Signal()
	require.True(t, ok)
	require.InDelta(t, 0.125, combined, 1e-9)
	require.InDelta(t, 0.1, synth.Score.Val, 1e-9)

	// Snapshots carry the aggregate plus the enriched metric set.
	snap, found, err := st.LatestSnapshotByModel(ctx, "m-a")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 1, snap.PredictionCount)
	require.NotEmpty(t, snap.ContentHash)
	require.Equal(t, performedAt.Unix(), snap.PeriodStart.Unix())
	val, ok := snap.ResultSummary.Float("value")
	require.True(t, ok)
	require.InDelta(t, 0.1, val, 1e-9)
	require.Contains(t, snap.ResultSummary, "ic")
	require.Contains(t, snap.ResultSummary, "fnc")

	ensSnap, found, err := st.LatestSnapshotByModel(ctx, ensembleID)
	require.NoError(t, err)
	require.True(t, found)
	ensVal, ok := ensSnap.ResultSummary.Float("value")
	require.True(t, ok)
	require.InDelta(t, 0.1, ensVal, 1e-9)

	cycle, err := st.LatestMerkleCycle(ctx)
	require.NoError(t, err)
	require.NotNil(t, cycle)
	require.Equal(t, report.CycleID, cycle.ID)
	require.Equal(t, report.ChainedRoot, cycle.ChainedRoot)
	require.Equal(t, 3, cycle.SnapshotCount)
	require.Nil(t, cycle.PreviousCycleID)

	// m-a and the ensemble tie at 0.1; the tie breaks on model id.
	board, err := st.LatestLeaderboard(ctx)
	require.NoError(t, err)
	require.NotNil(t, board)
	require.Len(t, board.Entries, 3)
	require.Equal(t, []string{ensembleID, "m-a", "m-b"}, []string{
		board.Entries[0].ModelID, board.Entries[1].ModelID, board.Entries[2].ModelID,
	})
	require.Equal(t, 1, board.Entries[0].Rank)
	require.Equal(t, 3, board.Entries[2].Rank)
	require.InDelta(t, -0.1, board.Entries[2].Score, 1e-9)
	require.Contains(t, board.Entries[1].Metrics, "ic")

	model, err := st.ModelByID(ctx, "m-a")
	require.NoError(t, err)
	require.NotNil(t, model.OverallScore)
	require.InDelta(t, 0.1, *model.OverallScore, 1e-9)

	ensModel, err := st.ModelByID(ctx, ensembleID)
	require.NoError(t, err)
	require.Equal(t, true, ensModel.Meta["ensemble"])

	select {
	case msg := <-committed:
		var event = msg.Payload.(bus.CycleCommittedEvent)
		require.Equal(t, report.CycleID, event.CycleID)
		require.Equal(t, 3, event.SnapshotCount)
	default:
		t.Fatal("no cycle event published")
	}

	// A second pass finds nothing to do but still advances the chain.
	second, err := engine.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, second.Resolved)
	require.Zero(t, second.Scored)
	require.Zero(t, second.Snapshots)
	require.NotEmpty(t, second.CycleID)
	require.NotEqual(t, report.CycleID, second.CycleID)

	cycle, err = st.LatestMerkleCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, second.CycleID, cycle.ID)
	require.Zero(t, cycle.SnapshotCount)
	require.NotNil(t, cycle.PreviousCycleID)
	require.Equal(t, report.CycleID, *cycle.PreviousCycleID)
	require.Equal(t, report.ChainedRoot, *cycle.PreviousCycleRoot)

	preds, err = st.PredictionsByInput(ctx, "in-1")
	require.NoError(t, err)
	require.Len(t, preds, 3)
}

func TestEngineSentinelAndRetry(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t)
	var cfg = seedConfig(t, st)
	var now = time.Now().UTC()

	// No feed data at all: the stale input exhausts its TTL, the fresh
	// one stays queued for the next pass.
	seedInput(t, st, "in-stale", cfg, now.Add(-3*time.Hour), now.Add(-2*time.Hour))
	seedPending(t, st, "p-stale", "m-a", "in-stale", cfg, contract.JSONMap{"value": 0.5}, now.Add(-3*time.Hour))
	seedInput(t, st, "in-fresh", cfg, now.Add(-65*time.Minute), now.Add(-5*time.Minute))

	var engine = score.NewEngine(st, frozenContract(t), nil, nil, score.EngineConfig{})
	report, err := engine.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Resolved)
	require.Zero(t, report.Scored)
	require.Equal(t, 1, report.Failed)
	require.Zero(t, report.Snapshots)
	require.NotEmpty(t, report.CycleID)

	stale, err := st.InputByID(ctx, "in-stale")
	require.NoError(t, err)
	require.Equal(t, contract.InputResolved, stale.Status)
	require.True(t, stale.IsSentinel())

	fresh, err := st.InputByID(ctx, "in-fresh")
	require.NoError(t, err)
	require.Equal(t, contract.InputReceived, fresh.Status)

	preds, err := st.PredictionsByInput(ctx, "in-stale")
	require.NoError(t, err)
	require.Len(t, preds, 1)
	require.Equal(t, contract.PredictionFailed, preds[0].Status)
	require.NotNil(t, preds[0].Score)
	require.False(t, preds[0].Score.Success)
	require.Equal(t, contract.ReasonNoGroundTruth, preds[0].Score.FailedReason)

	// Nothing scored, so no snapshots and no leaderboard.
	board, err := st.LatestLeaderboard(ctx)
	require.NoError(t, err)
	require.Nil(t, board)
}

func TestEngineFailedOutputIsolated(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t)
	var cfg = seedConfig(t, st)
	var now = time.Now().UTC()
	var resolvableAt = now.Add(-10 * time.Minute)

	seedCandle(t, st, "BTCUSDT", resolvableAt.Unix(), 100)
	seedCandle(t, st, "BTCUSDT", resolvableAt.Unix()+540, 110)
	seedInput(t, st, "in-1", cfg, resolvableAt.Add(-time.Hour), resolvableAt)
	seedPending(t, st, "p-good", "m-good", "in-1", cfg, contract.JSONMap{"value": 0.5}, resolvableAt.Add(-time.Hour))
	seedPending(t, st, "p-bad", "m-bad", "in-1", cfg, contract.JSONMap{"note": "not numeric"}, resolvableAt.Add(-time.Hour))

	var engine = score.NewEngine(st, frozenContract(t), nil, nil, score.EngineConfig{})
	report, err := engine.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Scored)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, 1, report.Snapshots)

	preds, err := st.PredictionsByInput(ctx, "in-1")
	require.NoError(t, err)
	var byModel = map[string]contract.Prediction{}
	for _, p := range preds {
		byModel[p.ModelID] = p
	}
	require.Equal(t, contract.PredictionScored, byModel["m-good"].Status)
	require.Equal(t, contract.PredictionFailed, byModel["m-bad"].Status)
	require.Equal(t, "no numeric signal in output", byModel["m-bad"].Score.FailedReason)

	// Only the scored model earns a snapshot.
	_, found, err := st.LatestSnapshotByModel(ctx, "m-bad")
	require.NoError(t, err)
	require.False(t, found)
}

func TestEnginePanickingScorer(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t)
	var cfg = seedConfig(t, st)
	var now = time.Now().UTC()
	var resolvableAt = now.Add(-10 * time.Minute)

	seedCandle(t, st, "BTCUSDT", resolvableAt.Unix(), 100)
	seedCandle(t, st, "BTCUSDT", resolvableAt.Unix()+540, 110)
	seedInput(t, st, "in-1", cfg, resolvableAt.Add(-time.Hour), resolvableAt)
	seedPending(t, st, "p-a", "m-a", "in-1", cfg, contract.JSONMap{"value": 0.5}, resolvableAt.Add(-time.Hour))

	var c = contract.DefaultContract()
	c.Callables.Scoring = "test.panic_scoring"
	require.NoError(t, c.Freeze())

	var engine = score.NewEngine(st, c, nil, nil, score.EngineConfig{})
	report, err := engine.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)

	preds, err := st.PredictionsByInput(ctx, "in-1")
	require.NoError(t, err)
	require.Equal(t, contract.PredictionFailed, preds[0].Status)
	require.Contains(t, preds[0].Score.FailedReason, "scoring panic")
}

func TestEngineLeaseExclusion(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t)
	var c = frozenContract(t)

	var first = score.NewEngine(st, c, nil, nil, score.EngineConfig{})
	var second = score.NewEngine(st, c, nil, nil, score.EngineConfig{})

	r1, err := first.RunOnce(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, r1.CycleID)

	// The lease is still held by the first owner, so the second engine
	// backs off without touching the chain.
	r2, err := second.RunOnce(ctx)
	require.NoError(t, err)
	require.Empty(t, r2.CycleID)

	cycle, err := st.LatestMerkleCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, r1.CycleID, cycle.ID)

	// The holder itself re-acquires freely.
	r3, err := first.RunOnce(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, r3.CycleID)
	require.NotEqual(t, r1.CycleID, r3.CycleID)
}
