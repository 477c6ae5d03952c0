package reports_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/crunchdao/coordinator-node-starter/go/bus"
	"github.com/crunchdao/coordinator-node-starter/go/contract"
	"github.com/crunchdao/coordinator-node-starter/go/ingest"
	"github.com/crunchdao/coordinator-node-starter/go/merkle"
	"github.com/crunchdao/coordinator-node-starter/go/reports"
	"github.com/crunchdao/coordinator-node-starter/go/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	var st, err = store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testHandler(t *testing.T, deps reports.Deps) http.Handler {
	t.Helper()
	return reports.NewServer(deps, reports.Config{}).Handler()
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	var w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func send(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf []byte
	if body != nil {
		var err error
		buf, err = json.Marshal(body)
		require.NoError(t, err)
	}
	var w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, target, bytes.NewReader(buf)))
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

// unmarshalKey decodes one named key of a list response into out.
func unmarshalKey(t *testing.T, w *httptest.ResponseRecorder, key string, out any) {
	t.Helper()
	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	require.Contains(t, body, key)
	require.NoError(t, json.Unmarshal(body[key], out))
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body = decode(t, w)
	var errObj, ok = body["error"].(map[string]any)
	require.True(t, ok, w.Body.String())
	var code, _ = errObj["code"].(string)
	return code
}

func TestHealthz(t *testing.T) {
	var st = openTestStore(t)
	var h = testHandler(t, reports.Deps{Store: st})

	var w = get(t, h, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ok", decode(t, w)["status"])

	require.NoError(t, st.Close())
	w = get(t, h, "/healthz")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsRoute(t *testing.T) {
	var h = testHandler(t, reports.Deps{Store: openTestStore(t)})
	var w = get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "# HELP")
}

func TestLeaderboardFilterKeepsRanks(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t)
	var h = testHandler(t, reports.Deps{Store: st})

	var w = get(t, h, "/reports/leaderboard")
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "not_found", errCode(t, w))

	require.NoError(t, st.InsertLeaderboard(ctx, contract.Leaderboard{
		ID: "lb-1",
		Entries: contract.LeaderboardEntries{
			{Rank: 1, ModelID: contract.EnsembleModelID("blend"), Score: 0.9},
			{Rank: 2, ModelID: "model-a", Score: 0.8},
			{Rank: 3, ModelID: "model-b", Score: 0.7},
		},
		CreatedAt: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}))

	w = get(t, h, "/reports/leaderboard")
	require.Equal(t, http.StatusOK, w.Code)
	var full contract.Leaderboard
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &full))
	require.Equal(t, "lb-1", full.ID)
	require.Len(t, full.Entries, 3)

	w = get(t, h, "/reports/leaderboard?include_ensembles=false")
	require.Equal(t, http.StatusOK, w.Code)
	var filtered contract.Leaderboard
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &filtered))
	require.Len(t, filtered.Entries, 2)
	// Ranks survive the filter so the board still shows where the
	// ensemble sat.
	require.Equal(t, 2, filtered.Entries[0].Rank)
	require.Equal(t, "model-a", filtered.Entries[0].ModelID)
}

func TestModelsEndpoint(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t)
	var h = testHandler(t, reports.Deps{Store: st})

	var w = get(t, h, "/reports/models")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"models":[]}`, w.Body.String())

	var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	for _, id := range []string{"model-a", "model-b"} {
		require.NoError(t, st.UpsertModel(ctx, contract.Model{
			ID: id, Name: id, CreatedAt: now, UpdatedAt: now,
		}))
	}
	w = get(t, h, "/reports/models")
	require.Equal(t, http.StatusOK, w.Code)
	var models []contract.Model
	unmarshalKey(t, w, "models", &models)
	require.Len(t, models, 2)
}

func TestSnapshotsQueryWindow(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t)
	var h = testHandler(t, reports.Deps{Store: st})
	var base = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		var at = base.Add(time.Duration(i) * time.Hour)
		var _, err = st.UpsertSnapshot(ctx, contract.Snapshot{
			ID:              fmt.Sprintf("snap-a-%d", i),
			ModelID:         "model-a",
			PeriodStart:     at.Add(-time.Hour),
			PeriodEnd:       at,
			PredictionCount: 5,
			ResultSummary:   contract.JSONMap{"value": 0.1 * float64(i)},
			ContentHash:     fmt.Sprintf("hash-a-%d", i),
			CreatedAt:       at,
		})
		require.NoError(t, err)
	}
	var _, err = st.UpsertSnapshot(ctx, contract.Snapshot{
		ID: "snap-b-0", ModelID: "model-b",
		PeriodStart: base.Add(-time.Hour), PeriodEnd: base,
		ResultSummary: contract.JSONMap{"value": 0.5},
		ContentHash:   "hash-b-0", CreatedAt: base,
	})
	require.NoError(t, err)

	var w = get(t, h, "/reports/snapshots")
	require.Equal(t, http.StatusOK, w.Code)
	var snaps []contract.Snapshot
	unmarshalKey(t, w, "snapshots", &snaps)
	require.Len(t, snaps, 4)

	w = get(t, h, "/reports/snapshots?model_id=model-a&limit=2")
	unmarshalKey(t, w, "snapshots", &snaps)
	require.Len(t, snaps, 2)
	require.Equal(t, "snap-a-2", snaps[0].ID)

	// since is exclusive, until inclusive
	w = get(t, h, fmt.Sprintf("/reports/snapshots?since=%d&until=%d", base.Unix(), base.Add(time.Hour).Unix()))
	unmarshalKey(t, w, "snapshots", &snaps)
	require.Len(t, snaps, 1)
	require.Equal(t, "snap-a-1", snaps[0].ID)

	w = get(t, h, "/reports/snapshots?since=bogus")
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "invalid_request", errCode(t, w))
}

func TestPredictionsStatusFilter(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t)
	var h = testHandler(t, reports.Deps{Store: st})
	var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	var scope = contract.PredictionScope{Subject: "btcusdt", HorizonSeconds: 300, StepSeconds: 60}

	require.NoError(t, st.UpsertPredictionConfig(ctx, contract.ScheduledPredictionConfig{
		ID: "cfg-1", ScopeKey: scope.Key(), Scope: scope,
		Schedule: contract.Schedule{EverySeconds: 60}, Active: true,
	}))
	require.NoError(t, st.InsertInput(ctx, contract.Input{
		ID: "in-1", ConfigID: "cfg-1", Scope: scope,
		RawInput:    contract.JSONMap{"last_price": 100.0},
		PerformedAt: now, ResolvableAt: now.Add(5 * time.Minute),
		Status: contract.InputReceived,
	}))
	require.NoError(t, st.InsertPredictions(ctx, []contract.Prediction{
		{
			ID: "p-1", ModelID: "model-a", InputID: "in-1", ConfigID: "cfg-1",
			ScopeKey: scope.Key(), Scope: scope, Status: contract.PredictionScored,
			Score: &contract.Score{Val: 0.4, Success: true}, PerformedAt: now,
		},
		{
			ID: "p-2", ModelID: "model-a", InputID: "in-1", ConfigID: "cfg-1",
			ScopeKey: scope.Key(), Scope: scope, Status: contract.PredictionPending,
			PerformedAt: now.Add(time.Minute),
		},
		{
			ID: "p-3", ModelID: "model-b", InputID: "in-1", ConfigID: "cfg-1",
			ScopeKey: scope.Key(), Scope: scope, Status: contract.PredictionScored,
			Score: &contract.Score{Val: 0.2, Success: true}, PerformedAt: now,
		},
	}))

	var w = get(t, h, "/reports/predictions")
	require.Equal(t, http.StatusOK, w.Code)
	var preds []contract.Prediction
	unmarshalKey(t, w, "predictions", &preds)
	require.Len(t, preds, 3)

	w = get(t, h, "/reports/predictions?model_id=model-a&status=SCORED")
	unmarshalKey(t, w, "predictions", &preds)
	require.Len(t, preds, 1)
	require.Equal(t, "p-1", preds[0].ID)

	w = get(t, h, "/reports/predictions?status=bogus")
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "invalid_request", errCode(t, w))
}

func TestFeedsRecent(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t)
	var h = testHandler(t, reports.Deps{Store: st})
	var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	var scope = contract.FeedScope{Source: "binance", Subject: "btcusdt", Kind: "candle", Granularity: "1m"}

	var recs []contract.FeedRecord
	for i := int64(0); i < 3; i++ {
		var ts = 1000 + 60*i
		recs = append(recs, contract.FeedRecord{
			ID: contract.NewFeedRecordID(scope, ts), Source: scope.Source,
			Subject: scope.Subject, Kind: scope.Kind, Granularity: scope.Granularity,
			TsEvent: ts, TsIngested: now,
			Values: contract.JSONMap{"close": 100.0 + float64(i)},
		})
	}
	var other = contract.FeedScope{Source: "binance", Subject: "ethusdt", Kind: "candle", Granularity: "1m"}
	recs = append(recs, contract.FeedRecord{
		ID: contract.NewFeedRecordID(other, 1000), Source: other.Source,
		Subject: other.Subject, Kind: other.Kind, Granularity: other.Granularity,
		TsEvent: 1000, TsIngested: now,
		Values: contract.JSONMap{"close": 50.0},
	})
	var n, err = st.InsertFeedRecords(ctx, recs)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	var w = get(t, h, "/reports/feeds")
	require.Equal(t, http.StatusOK, w.Code)
	var out []contract.FeedRecord
	unmarshalKey(t, w, "records", &out)
	require.Len(t, out, 4)

	w = get(t, h, "/reports/feeds?subject=btcusdt&limit=2")
	unmarshalKey(t, w, "records", &out)
	require.Len(t, out, 2)
	require.Equal(t, int64(1120), out[0].TsEvent)
}

func TestCheckpointLifecycleRoutes(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t)
	var h = testHandler(t, reports.Deps{Store: st})
	var base = time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC)

	var payload = contract.EmissionPayload{
		Crunch:                 "crunch-pubkey",
		CruncherRewards:        []contract.CruncherReward{{CruncherIndex: 0, RewardPct: contract.Frac64Multiplier}},
		ComputeProviderRewards: []contract.ProviderReward{},
		DataProviderRewards:    []contract.ProviderReward{},
	}
	for i, id := range []string{"CKP_a", "CKP_b"} {
		require.NoError(t, st.InsertCheckpoint(ctx, contract.Checkpoint{
			ID:          id,
			PeriodStart: base.Add(time.Duration(i) * time.Hour),
			PeriodEnd:   base.Add(time.Duration(i+1) * time.Hour),
			MerkleRoot:  "root-" + id, EmissionPayload: payload,
			Status: contract.CheckpointPending, CycleCount: 1,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	var w = get(t, h, "/reports/checkpoints")
	require.Equal(t, http.StatusOK, w.Code)
	var list []contract.Checkpoint
	unmarshalKey(t, w, "checkpoints", &list)
	require.Len(t, list, 2)
	require.Equal(t, "CKP_b", list[0].ID)

	w = get(t, h, "/reports/checkpoints/latest")
	require.Equal(t, http.StatusOK, w.Code)
	var latest contract.Checkpoint
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &latest))
	require.Equal(t, "CKP_b", latest.ID)

	w = get(t, h, "/reports/checkpoints/CKP_a/payload")
	require.Equal(t, http.StatusOK, w.Code)
	var full contract.Checkpoint
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &full))
	require.Equal(t, "root-CKP_a", full.MerkleRoot)
	require.NoError(t, full.EmissionPayload.Validate())

	w = get(t, h, "/reports/checkpoints/CKP_a/emission")
	require.Equal(t, http.StatusOK, w.Code)
	var emission contract.EmissionPayload
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &emission))
	require.Equal(t, "crunch-pubkey", emission.Crunch)
	require.Equal(t, contract.Frac64Multiplier, emission.CruncherRewards[0].RewardPct)

	w = get(t, h, "/reports/checkpoints/nope/payload")
	require.Equal(t, http.StatusNotFound, w.Code)

	w = send(t, h, http.MethodPost, "/reports/checkpoints/CKP_a/confirm", map[string]any{})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = send(t, h, http.MethodPost, "/reports/checkpoints/CKP_a/confirm", map[string]any{"tx_hash": "0xabc"})
	require.Equal(t, http.StatusOK, w.Code)
	var confirmed contract.Checkpoint
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &confirmed))
	require.Equal(t, contract.CheckpointSubmitted, confirmed.Status)
	require.NotNil(t, confirmed.TxHash)
	require.Equal(t, "0xabc", *confirmed.TxHash)

	// The status machine is one-way; a second confirm cannot re-submit.
	w = send(t, h, http.MethodPost, "/reports/checkpoints/CKP_a/confirm", map[string]any{"tx_hash": "0xdef"})
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "conflict", errCode(t, w))

	w = send(t, h, http.MethodPatch, "/reports/checkpoints/CKP_a/status", map[string]any{"status": "CLAIMABLE"})
	require.Equal(t, http.StatusOK, w.Code)
	var advanced contract.Checkpoint
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &advanced))
	require.Equal(t, contract.CheckpointClaimable, advanced.Status)

	w = send(t, h, http.MethodPatch, "/reports/checkpoints/CKP_a/status", map[string]any{"status": "SETTLED"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = send(t, h, http.MethodPatch, "/reports/checkpoints/CKP_a/status", map[string]any{"status": "PENDING"})
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestCycleRoutesAndProof(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t)
	var h = testHandler(t, reports.Deps{Store: st})
	var at = time.Date(2026, 5, 3, 9, 0, 0, 0, time.UTC)

	var cycle1, nodes1, err = merkle.BuildCycle(nil, []contract.Snapshot{
		{ID: "snap-a", ModelID: "model-a", ContentHash: "ch-a"},
		{ID: "snap-b", ModelID: "model-b", ContentHash: "ch-b"},
	}, at)
	require.NoError(t, err)
	require.NoError(t, st.InsertMerkleCycle(ctx, cycle1, nodes1))

	cycle2, nodes2, err := merkle.BuildCycle(&cycle1, nil, at.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, st.InsertMerkleCycle(ctx, cycle2, nodes2))

	var w = get(t, h, "/reports/merkle/cycles")
	require.Equal(t, http.StatusOK, w.Code)
	var cycles []contract.MerkleCycle
	unmarshalKey(t, w, "cycles", &cycles)
	require.Len(t, cycles, 2)
	require.Equal(t, cycle2.ID, cycles[0].ID)

	w = get(t, h, "/reports/merkle/cycles/"+cycle1.ID)
	require.Equal(t, http.StatusOK, w.Code)
	var one contract.MerkleCycle
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &one))
	require.Equal(t, cycle1.ChainedRoot, one.ChainedRoot)

	w = get(t, h, "/reports/merkle/cycles/nope")
	require.Equal(t, http.StatusNotFound, w.Code)

	w = get(t, h, "/reports/merkle/proof")
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = get(t, h, "/reports/merkle/proof?snapshot_id=unknown")
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "not_committed", errCode(t, w))

	w = get(t, h, "/reports/merkle/proof?snapshot_id=snap-a")
	require.Equal(t, http.StatusOK, w.Code)
	var proof merkle.Proof
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &proof))
	require.Equal(t, "snap-a", proof.SnapshotID)
	require.Equal(t, "ch-a", proof.SnapshotContentHash)
	require.Equal(t, cycle1.ID, proof.CycleID)
	require.Equal(t, cycle1.ChainedRoot, proof.CycleRoot)
	require.Nil(t, proof.CheckpointID)
	require.True(t, proof.Verify())
}

func TestBackfillAdmissionAndJobs(t *testing.T) {
	var st = openTestStore(t)
	var body = map[string]any{
		"source": "binance", "subject": "btcusdt", "kind": "candle",
		"granularity": "1m", "start_ts": 1000, "end_ts": 2000,
	}

	var h = testHandler(t, reports.Deps{Store: st})
	var w = send(t, h, http.MethodPost, "/reports/backfill", body)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	h = testHandler(t, reports.Deps{Store: st, Backfiller: ingest.NewBackfiller(st, nil, nil, 0)})

	w = send(t, h, http.MethodPost, "/reports/backfill", map[string]any{"source": "binance"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = send(t, h, http.MethodPost, "/reports/backfill", map[string]any{
		"source": "binance", "subject": "btcusdt", "kind": "candle",
		"granularity": "1m", "start_ts": 2000, "end_ts": 1000,
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = send(t, h, http.MethodPost, "/reports/backfill", body)
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp struct {
		Job struct {
			ID          string  `json:"id"`
			Status      string  `json:"status"`
			ProgressPct float64 `json:"progress_pct"`
		} `json:"job"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Job.ID)
	require.Equal(t, "pending", resp.Job.Status)
	require.Zero(t, resp.Job.ProgressPct)

	// Admission is exclusive while a job is pending or running.
	w = send(t, h, http.MethodPost, "/reports/backfill", body)
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "job_already_running", errCode(t, w))

	w = get(t, h, "/reports/backfill/jobs")
	require.Equal(t, http.StatusOK, w.Code)
	var jobs []map[string]any
	unmarshalKey(t, w, "jobs", &jobs)
	require.Len(t, jobs, 1)
	require.Contains(t, jobs[0], "progress_pct")

	w = get(t, h, "/reports/backfill/jobs/"+resp.Job.ID)
	require.Equal(t, http.StatusOK, w.Code)

	w = get(t, h, "/reports/backfill/jobs/nope")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestLakeRoutes(t *testing.T) {
	var st = openTestStore(t)

	var h = testHandler(t, reports.Deps{Store: st})
	var w = get(t, h, "/data/backfill/index")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var lake = ingest.NewLake(t.TempDir())
	var scope = contract.FeedScope{Source: "binance", Subject: "btcusdt", Kind: "candle", Granularity: "1m"}
	var ts = time.Date(2026, 5, 4, 0, 30, 0, 0, time.UTC).Unix()
	var _, err = lake.Append([]contract.FeedRecord{{
		ID: contract.NewFeedRecordID(scope, ts), Source: scope.Source,
		Subject: scope.Subject, Kind: scope.Kind, Granularity: scope.Granularity,
		TsEvent: ts, Values: contract.JSONMap{"close": 101.5},
	}})
	require.NoError(t, err)

	h = testHandler(t, reports.Deps{Store: st, Lake: lake})
	w = get(t, h, "/data/backfill/index")
	require.Equal(t, http.StatusOK, w.Code)
	var files []ingest.LakeFile
	unmarshalKey(t, w, "files", &files)
	require.Len(t, files, 1)
	require.Equal(t, "binance/btcusdt/candle/1m/2026-05-04.parquet", files[0].Path)
	require.Equal(t, int64(1), files[0].Records)

	w = get(t, h, "/data/backfill/"+files[0].Path)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotZero(t, w.Body.Len())

	w = get(t, h, "/data/backfill/binance/nope.parquet")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestFeedTailWithoutBus(t *testing.T) {
	var h = testHandler(t, reports.Deps{Store: openTestStore(t)})
	var w = get(t, h, "/reports/feeds/tail")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestFeedTailStreams(t *testing.T) {
	var st = openTestStore(t)
	var events = bus.New()
	defer events.Close()
	var h = testHandler(t, reports.Deps{Store: st, Events: events})

	var srv = httptest.NewServer(h)
	defer srv.Close()

	var url = "ws" + strings.TrimPrefix(srv.URL, "http") + "/reports/feeds/tail"
	var conn, resp, err = websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// The handler subscribes only after the upgrade completes, so keep
	// publishing until the first frame lands.
	var stop = make(chan struct{})
	defer close(stop)
	go func() {
		var tick = time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				events.Publish(bus.TopicFeedAdvanced, bus.FeedAdvanceEvent{
					ScopeKey: "binance/btcusdt/candle/1m", TsEvent: 1700000000, Records: 3,
				})
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame struct {
		Topic   string               `json:"topic"`
		Payload bus.FeedAdvanceEvent `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, bus.TopicFeedAdvanced, frame.Topic)
	require.Equal(t, "binance/btcusdt/candle/1m", frame.Payload.ScopeKey)
	require.Equal(t, 3, frame.Payload.Records)
}
