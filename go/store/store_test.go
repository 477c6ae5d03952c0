package store

import (
	"context"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"

	"github.com/crunchdao/coordinator-node-starter/go/contract"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	var s, err = Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var testScope = contract.FeedScope{
	Source: "binance", Subject: "BTCUSDT", Kind: "candle", Granularity: "1m",
}

func testFeedRecord(ts int64, close float64) contract.FeedRecord {
	return contract.FeedRecord{
		ID:          contract.NewFeedRecordID(testScope, ts),
		Source:      testScope.Source,
		Subject:     testScope.Subject,
		Kind:        testScope.Kind,
		Granularity: testScope.Granularity,
		TsEvent:     ts,
		TsIngested:  time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		Values:      contract.JSONMap{"open": close - 1, "high": close + 1, "low": close - 2, "close": close, "volume": 10.0},
	}
}

func TestFeedRecordsDedupeAndWindow(t *testing.T) {
	var ctx = context.Background()
	var s = openTestStore(t)

	var batch = []contract.FeedRecord{
		testFeedRecord(100, 50000),
		testFeedRecord(160, 50010),
		testFeedRecord(220, 50020),
	}
	var inserted, err = s.InsertFeedRecords(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, 3, inserted)

	// Replaying the same event timestamps inserts nothing.
	inserted, err = s.InsertFeedRecords(ctx, []contract.FeedRecord{
		testFeedRecord(160, 99999),
		testFeedRecord(280, 50030),
	})
	require.NoError(t, err)
	require.Equal(t, 1, inserted)

	window, err := s.FeedWindow(ctx, testScope, 100, 220)
	require.NoError(t, err)
	require.Len(t, window, 3)
	require.Equal(t, int64(100), window[0].TsEvent)
	require.Equal(t, int64(220), window[2].TsEvent)
	// The original record for ts 160 survived the replay.
	var price, ok = window[1].Price()
	require.True(t, ok)
	require.Equal(t, 50010.0, price)

	latest, err := s.LatestFeedRecords(ctx, testScope, 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	require.Equal(t, int64(280), latest[0].TsEvent)

	n, err := s.CountFeedRecords(ctx, testScope)
	require.NoError(t, err)
	require.Equal(t, int64(4), n)

	pruned, err := s.PruneFeedRecords(ctx, 200)
	require.NoError(t, err)
	require.Equal(t, int64(2), pruned)
	n, err = s.CountFeedRecords(ctx, testScope)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestWatermarkIsMonotonic(t *testing.T) {
	var ctx = context.Background()
	var s = openTestStore(t)
	var at = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	var ts, err = s.Watermark(ctx, testScope)
	require.NoError(t, err)
	require.Zero(t, ts)

	require.NoError(t, s.AdvanceWatermark(ctx, testScope, 500, at))
	require.NoError(t, s.AdvanceWatermark(ctx, testScope, 400, at.Add(time.Minute)))

	ts, err = s.Watermark(ctx, testScope)
	require.NoError(t, err)
	require.Equal(t, int64(500), ts)

	require.NoError(t, s.AdvanceWatermark(ctx, testScope, 600, at.Add(2*time.Minute)))
	ts, err = s.Watermark(ctx, testScope)
	require.NoError(t, err)
	require.Equal(t, int64(600), ts)

	states, err := s.ListIngestionStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.Equal(t, int64(600), states[0].LastEventTs)
}

func seedConfig(t *testing.T, s *Store) contract.ScheduledPredictionConfig {
	t.Helper()
	var cfg = contract.ScheduledPredictionConfig{
		ID:       "btc-1h",
		ScopeKey: "BTCUSDT_3600s_600s",
		Scope: contract.PredictionScope{
			Subject: "BTCUSDT", HorizonSeconds: 3600, StepSeconds: 600, LookbackSeconds: 7200,
		},
		Schedule: contract.Schedule{EverySeconds: 600},
		Active:   true,
	}
	require.NoError(t, s.UpsertPredictionConfig(context.Background(), cfg))
	return cfg
}

func TestInputLifecycle(t *testing.T) {
	var ctx = context.Background()
	var s = openTestStore(t)
	var cfg = seedConfig(t, s)
	var at = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	var input = contract.Input{
		ID:           contract.NewInputID(at),
		ConfigID:     cfg.ID,
		Scope:        cfg.Scope,
		RawInput:     contract.JSONMap{"asof_ts": float64(at.Unix())},
		PerformedAt:  at,
		ResolvableAt: at.Add(time.Hour),
		Status:       contract.InputReceived,
	}
	require.NoError(t, s.InsertInput(ctx, input))

	loaded, err := s.InputByID(ctx, input.ID)
	require.NoError(t, err)
	require.Equal(t, contract.InputReceived, loaded.Status)
	require.Equal(t, cfg.Scope, loaded.Scope)
	require.True(t, loaded.ResolvableAt.Equal(input.ResolvableAt))

	_, err = s.InputByID(ctx, "INP_missing")
	require.ErrorIs(t, err, ErrNotFound)

	// Not due before resolvable_at.
	due, err := s.DueInputs(ctx, at.Add(30*time.Minute), 10)
	require.NoError(t, err)
	require.Empty(t, due)

	due, err = s.DueInputs(ctx, at.Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, s.ResolveInput(ctx, input.ID, contract.JSONMap{"resolved_price": 50100.0}))
	var second = s.ResolveInput(ctx, input.ID, contract.JSONMap{"resolved_price": 1.0})
	require.ErrorIs(t, second, ErrConflict)

	loaded, err = s.InputByID(ctx, input.ID)
	require.NoError(t, err)
	require.Equal(t, contract.InputResolved, loaded.Status)
	require.Equal(t, 50100.0, loaded.Actuals["resolved_price"])
}

func TestPredictionLifecycle(t *testing.T) {
	var ctx = context.Background()
	var s = openTestStore(t)
	var cfg = seedConfig(t, s)
	var at = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	var input = contract.Input{
		ID: contract.NewInputID(at), ConfigID: cfg.ID, Scope: cfg.Scope,
		RawInput: contract.JSONMap{}, PerformedAt: at, ResolvableAt: at.Add(time.Hour),
		Status: contract.InputReceived,
	}
	var preds = []contract.Prediction{
		{
			ID:      contract.NewPredictionID(contract.PredictionPending, "model-a", cfg.ScopeKey, at),
			ModelID: "model-a",
			InputID: input.ID, ConfigID: cfg.ID, ScopeKey: cfg.ScopeKey, Scope: cfg.Scope,
			InferenceOutput: contract.JSONMap{"value": 0.4}, ExecTimeUs: 1200,
			Status: contract.PredictionPending, PerformedAt: at,
		},
		{
			ID:      contract.NewPredictionID(contract.PredictionAbsent, "model-b", cfg.ScopeKey, at),
			ModelID: "model-b",
			InputID: input.ID, ConfigID: cfg.ID, ScopeKey: cfg.ScopeKey, Scope: cfg.Scope,
			Status: contract.PredictionAbsent, PerformedAt: at,
		},
	}
	require.NoError(t, s.WithTx(ctx, func(q *Queries) error {
		if err := q.InsertInput(ctx, input); err != nil {
			return err
		}
		return q.InsertPredictions(ctx, preds)
	}))

	// The resolved input shows up in the scoring queue.
	require.NoError(t, s.ResolveInput(ctx, input.ID, contract.JSONMap{"resolved_price": 1.0}))
	queue, err := s.ResolvedInputsWithPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queue, 1)

	pending, err := s.PendingPredictionsByInput(ctx, input.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "model-a", pending[0].ModelID)

	var score = &contract.Score{ID: contract.NewScoreID(preds[0].ID), Val: 0.8, Success: true, Extra: contract.JSONMap{"hit": true}}
	updated, err := s.FinishPrediction(ctx, preds[0].ID, contract.PredictionScored, score)
	require.NoError(t, err)
	require.True(t, updated)

	// A second finish attempt is a no-op, not an error.
	updated, err = s.FinishPrediction(ctx, preds[0].ID, contract.PredictionFailed, nil)
	require.NoError(t, err)
	require.False(t, updated)

	all, err := s.PredictionsByInput(ctx, input.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, contract.PredictionScored, all[0].Status)
	require.NotNil(t, all[0].Score)
	require.Equal(t, 0.8, all[0].Score.Val)
	require.True(t, all[0].Score.Success)
	require.Nil(t, all[1].Score)

	// Scored window covers SCORED rows, excludes ABSENT ones.
	scored, err := s.ScoredPredictionsInWindow(ctx, "model-a", at.Add(-time.Hour), at)
	require.NoError(t, err)
	require.Len(t, scored, 1)
	models, err := s.ModelIDsScoredInWindow(ctx, at.Add(-time.Hour), at)
	require.NoError(t, err)
	require.Equal(t, []string{"model-a"}, models)

	counts, err := s.PredictionCountsByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), counts[contract.PredictionScored])
	require.Equal(t, int64(1), counts[contract.PredictionAbsent])

	queue, err = s.ResolvedInputsWithPending(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, queue)
}

func TestSnapshotUpsertKeepsRowID(t *testing.T) {
	var ctx = context.Background()
	var s = openTestStore(t)
	var end = time.Date(2026, 8, 1, 13, 0, 0, 0, time.UTC)

	var snap = contract.Snapshot{
		ID: contract.NewSnapshotID("model-a", end), ModelID: "model-a",
		PeriodStart: end.Add(-time.Hour), PeriodEnd: end,
		PredictionCount: 5, ResultSummary: contract.JSONMap{"value": 0.5},
		ContentHash: "h1", CreatedAt: end,
	}
	stored, err := s.UpsertSnapshot(ctx, snap)
	require.NoError(t, err)
	require.Equal(t, snap.ID, stored.ID)

	var replay = snap
	replay.ID = "SNAP_other"
	replay.PredictionCount = 6
	replay.ContentHash = "h2"
	stored, err = s.UpsertSnapshot(ctx, replay)
	require.NoError(t, err)
	require.Equal(t, snap.ID, stored.ID, "replayed pass keeps the original row id")
	require.Equal(t, 6, stored.PredictionCount)
	require.Equal(t, "h2", stored.ContentHash)

	latest, ok, err := s.LatestSnapshotByModel(ctx, "model-a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, snap.ID, latest.ID)

	_, ok, err = s.LatestSnapshotByModel(ctx, "model-z")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMerkleCyclePersistence(t *testing.T) {
	var ctx = context.Background()
	var s = openTestStore(t)
	var at = time.Date(2026, 8, 1, 14, 0, 0, 0, time.UTC)

	var latest, err = s.LatestMerkleCycle(ctx)
	require.NoError(t, err)
	require.Nil(t, latest)

	var cycle = contract.MerkleCycle{
		ID: contract.NewCycleID(at), SnapshotsRoot: "root1", ChainedRoot: "chain1",
		SnapshotCount: 1, CreatedAt: at,
	}
	var nodes = []contract.MerkleNode{{
		ID: contract.NewMerkleNodeID(cycle.ID, 0, 0), CycleID: &cycle.ID,
		Level: 0, Position: 0, Hash: "root1",
		SnapshotID: lo.ToPtr("SNAP_1"), SnapshotContentHash: lo.ToPtr("root1"), CreatedAt: at,
	}}
	require.NoError(t, s.WithTx(ctx, func(q *Queries) error {
		return q.InsertMerkleCycle(ctx, cycle, nodes)
	}))

	latest, err = s.LatestMerkleCycle(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	require.Equal(t, cycle.ID, latest.ID)
	require.Nil(t, latest.CheckpointID)

	leaf, err := s.NodeBySnapshotID(ctx, "SNAP_1")
	require.NoError(t, err)
	require.NotNil(t, leaf)
	require.Equal(t, "root1", leaf.Hash)

	missing, err := s.NodeBySnapshotID(ctx, "SNAP_none")
	require.NoError(t, err)
	require.Nil(t, missing)

	// Checkpoint coverage: stamp the cycle, persist the settlement leaf.
	var cp = contract.Checkpoint{
		ID: contract.NewCheckpointID(at.Add(time.Hour)), PeriodStart: at.Add(-time.Hour),
		PeriodEnd: at.Add(time.Hour), MerkleRoot: "chain1",
		EmissionPayload: contract.EmissionPayload{}, Status: contract.CheckpointPending,
		CycleCount: 1, CreatedAt: at.Add(time.Hour),
	}
	require.NoError(t, s.WithTx(ctx, func(q *Queries) error {
		if err := q.InsertCheckpoint(ctx, cp); err != nil {
			return err
		}
		if err := q.InsertMerkleNodes(ctx, []contract.MerkleNode{{
			ID: contract.NewMerkleNodeID(cp.ID, 0, 0), CheckpointID: &cp.ID,
			Level: 0, Position: 0, Hash: "chain1", CreatedAt: at.Add(time.Hour),
		}}); err != nil {
			return err
		}
		return q.AssignCyclesToCheckpoint(ctx, []string{cycle.ID}, cp.ID)
	}))

	uncovered, err := s.UncheckpointedCycles(ctx)
	require.NoError(t, err)
	require.Empty(t, uncovered)

	ckLeaf, err := s.CheckpointLeafByHash(ctx, "chain1")
	require.NoError(t, err)
	require.NotNil(t, ckLeaf)
	require.Equal(t, cp.ID, *ckLeaf.CheckpointID)
}

func TestCheckpointStatusMachine(t *testing.T) {
	var ctx = context.Background()
	var s = openTestStore(t)
	var at = time.Date(2026, 8, 1, 15, 0, 0, 0, time.UTC)

	var cp = contract.Checkpoint{
		ID: contract.NewCheckpointID(at), PeriodStart: at.Add(-24 * time.Hour), PeriodEnd: at,
		MerkleRoot: "root", EmissionPayload: contract.EmissionPayload{
			CruncherRewards: []contract.CruncherReward{{CruncherIndex: 0, RewardPct: contract.Frac64Multiplier}},
		},
		Status: contract.CheckpointPending, CycleCount: 2, CreatedAt: at,
	}
	require.NoError(t, s.InsertCheckpoint(ctx, cp))

	// Jumping straight to CLAIMABLE is rejected.
	var _, err = s.AdvanceCheckpoint(ctx, cp.ID, contract.CheckpointClaimable, nil)
	require.ErrorIs(t, err, ErrConflict)

	got, err := s.AdvanceCheckpoint(ctx, cp.ID, contract.CheckpointSubmitted, lo.ToPtr("0xabc"))
	require.NoError(t, err)
	require.Equal(t, contract.CheckpointSubmitted, got.Status)
	require.Equal(t, "0xabc", *got.TxHash)
	require.NotNil(t, got.EmittedAt)

	// Confirming twice conflicts.
	_, err = s.AdvanceCheckpoint(ctx, cp.ID, contract.CheckpointSubmitted, lo.ToPtr("0xdef"))
	require.ErrorIs(t, err, ErrConflict)

	got, err = s.AdvanceCheckpoint(ctx, cp.ID, contract.CheckpointClaimable, nil)
	require.NoError(t, err)
	require.Equal(t, "0xabc", *got.TxHash, "tx hash survives later advances")

	got, err = s.AdvanceCheckpoint(ctx, cp.ID, contract.CheckpointPaid, nil)
	require.NoError(t, err)
	require.Equal(t, contract.CheckpointPaid, got.Status)

	_, err = s.AdvanceCheckpoint(ctx, "CKP_missing", contract.CheckpointSubmitted, nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestModelRegistryPreservesScores(t *testing.T) {
	var ctx = context.Background()
	var s = openTestStore(t)
	var at = time.Date(2026, 8, 1, 16, 0, 0, 0, time.UTC)

	var m = contract.Model{
		ID: "model-a", Name: "alpha", PlayerID: "p1", PlayerName: "Player One",
		DeploymentID: "d1", CreatedAt: at, UpdatedAt: at,
	}
	require.NoError(t, s.UpsertModel(ctx, m))
	require.NoError(t, s.SetModelScores(ctx, m.ID, 0.42, contract.JSONMap{"BTCUSDT_3600s_600s": 0.42}, at))

	// Registry refresh with new deployment keeps the scores.
	m.DeploymentID = "d2"
	m.UpdatedAt = at.Add(time.Hour)
	require.NoError(t, s.UpsertModel(ctx, m))

	got, err := s.ModelByID(ctx, "model-a")
	require.NoError(t, err)
	require.Equal(t, "d2", got.DeploymentID)
	require.NotNil(t, got.OverallScore)
	require.Equal(t, 0.42, *got.OverallScore)
	require.Equal(t, 0.42, got.ScoresByScope["BTCUSDT_3600s_600s"])

	models, err := s.ListModels(ctx)
	require.NoError(t, err)
	require.Len(t, models, 1)
}

func TestBackfillAdmissionIsExclusive(t *testing.T) {
	var ctx = context.Background()
	var s = openTestStore(t)
	var at = time.Date(2026, 8, 1, 17, 0, 0, 0, time.UTC)

	var job = contract.BackfillJob{
		ID: contract.NewBackfillJobID(), Source: "binance", Subject: "BTCUSDT",
		Kind: "candle", Granularity: "1m", StartTs: 1000, EndTs: 2000, CursorTs: 1000,
		Status: contract.JobPending, CreatedAt: at, UpdatedAt: at,
	}
	require.NoError(t, s.CreateBackfillJob(ctx, job))

	var dup = job
	dup.ID = contract.NewBackfillJobID()
	require.ErrorIs(t, s.CreateBackfillJob(ctx, dup), ErrJobAlreadyRunning)

	require.NoError(t, s.StartBackfillJob(ctx, job.ID, at))
	require.ErrorIs(t, s.StartBackfillJob(ctx, job.ID, at), ErrConflict)

	require.NoError(t, s.UpdateBackfillProgress(ctx, job.ID, 1500, 500, 1, at.Add(time.Minute)))
	got, err := s.BackfillJobByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1500), got.CursorTs)
	require.InDelta(t, 50.0, got.ProgressPct(), 0.01)

	require.NoError(t, s.CompleteBackfillJob(ctx, job.ID, at.Add(2*time.Minute)))
	got, err = s.BackfillJobByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, contract.JobCompleted, got.Status)
	require.Equal(t, 100.0, got.ProgressPct())

	// With the first job terminal, admission reopens.
	require.NoError(t, s.CreateBackfillJob(ctx, dup))
	active, err := s.ActiveBackfillJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	require.Equal(t, dup.ID, active.ID)

	require.NoError(t, s.StartBackfillJob(ctx, dup.ID, at))
	require.NoError(t, s.FailBackfillJob(ctx, dup.ID, "source unavailable", at))
	got, err = s.BackfillJobByID(ctx, dup.ID)
	require.NoError(t, err)
	require.Equal(t, contract.JobFailed, got.Status)
	require.Equal(t, "source unavailable", *got.Error)
}

func TestLeases(t *testing.T) {
	var ctx = context.Background()
	var s = openTestStore(t)
	var now = time.Date(2026, 8, 1, 18, 0, 0, 0, time.UTC)
	var ttl = 30 * time.Second

	var ok, err = s.AcquireLease(ctx, "score-engine", "node-a", ttl, now)
	require.NoError(t, err)
	require.True(t, ok)

	// Another owner cannot take a live lease.
	ok, err = s.AcquireLease(ctx, "score-engine", "node-b", ttl, now.Add(10*time.Second))
	require.NoError(t, err)
	require.False(t, ok)

	// The holder re-acquires and renews freely.
	ok, err = s.AcquireLease(ctx, "score-engine", "node-a", ttl, now.Add(10*time.Second))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.RenewLease(ctx, "score-engine", "node-a", now.Add(20*time.Second))
	require.NoError(t, err)
	require.True(t, ok)

	// A dead heartbeat lets a new owner steal the lease.
	ok, err = s.AcquireLease(ctx, "score-engine", "node-b", ttl, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.RenewLease(ctx, "score-engine", "node-a", now.Add(2*time.Minute))
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.ReleaseLease(ctx, "score-engine", "node-b"))
	ok, err = s.AcquireLease(ctx, "score-engine", "node-c", ttl, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLeaderboards(t *testing.T) {
	var ctx = context.Background()
	var s = openTestStore(t)
	var at = time.Date(2026, 8, 1, 19, 0, 0, 0, time.UTC)

	var latest, err = s.LatestLeaderboard(ctx)
	require.NoError(t, err)
	require.Nil(t, latest)

	var lb = contract.Leaderboard{
		ID: contract.NewLeaderboardID(at),
		Entries: contract.LeaderboardEntries{
			{Rank: 1, ModelID: "model-a", Score: 0.9, Metrics: contract.JSONMap{"score_recent": 0.9}},
			{Rank: 2, ModelID: "model-b", Score: 0.7},
		},
		CreatedAt: at,
	}
	require.NoError(t, s.InsertLeaderboard(ctx, lb))

	latest, err = s.LatestLeaderboard(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	require.Len(t, latest.Entries, 2)
	require.Equal(t, "model-a", latest.Entries[0].ModelID)
	require.Equal(t, 0.9, latest.Entries[0].Metrics["score_recent"])
}

func TestActiveConfigOrdering(t *testing.T) {
	var ctx = context.Background()
	var s = openTestStore(t)

	for _, cfg := range []contract.ScheduledPredictionConfig{
		{ID: "c-late", ScopeKey: "ETHUSDT_3600s_600s", Scope: contract.PredictionScope{Subject: "ETHUSDT", HorizonSeconds: 3600, StepSeconds: 600}, Schedule: contract.Schedule{EverySeconds: 600}, Active: true, Order: 2},
		{ID: "c-first", ScopeKey: "BTCUSDT_3600s_600s", Scope: contract.PredictionScope{Subject: "BTCUSDT", HorizonSeconds: 3600, StepSeconds: 600}, Schedule: contract.Schedule{EverySeconds: 600}, Active: true, Order: 1},
		{ID: "c-off", ScopeKey: "SOLUSDT_3600s_600s", Scope: contract.PredictionScope{Subject: "SOLUSDT", HorizonSeconds: 3600, StepSeconds: 600}, Schedule: contract.Schedule{EverySeconds: 600}, Active: false, Order: 0},
	} {
		require.NoError(t, s.UpsertPredictionConfig(ctx, cfg))
	}

	var active, err = s.ActivePredictionConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	require.Equal(t, "c-first", active[0].ID)
	require.Equal(t, "c-late", active[1].ID)
	require.Equal(t, contract.Schedule{EverySeconds: 600}, active[0].Schedule)

	all, err := s.ListPredictionConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
}
