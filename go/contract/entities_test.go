package contract

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFeedScopeKeyRoundTrip(t *testing.T) {
	var scope = FeedScope{Source: "binance", Subject: "btcusdt", Kind: "candle", Granularity: "1m"}
	require.Equal(t, "binance/btcusdt/candle/1m", scope.Key())

	parsed, err := ParseFeedScope(scope.Key())
	require.NoError(t, err)
	require.Equal(t, scope, parsed)

	for _, malformed := range []string{"", "a/b/c", "a/b/c/d/e", "a//c/d"} {
		_, err := ParseFeedScope(malformed)
		require.Error(t, err, malformed)
	}
}

func TestGranularitySeconds(t *testing.T) {
	var cases = map[string]int64{
		"30s": 30,
		"1m":  60,
		"5m":  300,
		"1h":  3600,
		"2d":  172800,
		"":    0,
		"m":   0,
		"5x":  0,
		"-1m": 0,
	}
	for token, want := range cases {
		require.Equal(t, want, GranularitySeconds(token), token)
	}
}

func TestFeedRecordPricePrefersClose(t *testing.T) {
	var v, ok = FeedRecord{Values: JSONMap{"close": 2.5, "price": 9.0}}.Price()
	require.True(t, ok)
	require.Equal(t, 2.5, v)

	v, ok = FeedRecord{Values: JSONMap{"price": 9}}.Price()
	require.True(t, ok)
	require.Equal(t, 9.0, v)

	_, ok = FeedRecord{Values: JSONMap{"bid": 1.0}}.Price()
	require.False(t, ok)
}

func TestBackfillJobProgress(t *testing.T) {
	var job = BackfillJob{StartTs: 100, EndTs: 300, CursorTs: 200, Status: JobRunning}
	require.Equal(t, 50.0, job.ProgressPct())

	// The estimate clamps to [0, 100] whatever the cursor says.
	job.CursorTs = 900
	require.Equal(t, 100.0, job.ProgressPct())
	job.CursorTs = 0
	require.Equal(t, 0.0, job.ProgressPct())

	job = BackfillJob{StartTs: 100, EndTs: 300, Status: JobCompleted}
	require.Equal(t, 100.0, job.ProgressPct())

	job = BackfillJob{StartTs: 100, EndTs: 100, CursorTs: 100, Status: JobRunning}
	require.Equal(t, 0.0, job.ProgressPct())
}

func TestInputSentinel(t *testing.T) {
	require.False(t, Input{}.IsSentinel())
	require.False(t, Input{Actuals: JSONMap{"return": 0.1}}.IsSentinel())
	require.True(t, Input{Actuals: JSONMap{SentinelNoGroundTruth: true}}.IsSentinel())
}

func TestEnsembleModelIDs(t *testing.T) {
	var id = EnsembleModelID("alpha")
	require.Equal(t, "__ensemble_alpha__", id)
	require.True(t, IsEnsembleModelID(id))
	require.True(t, Model{ID: id}.IsEnsemble())

	require.False(t, IsEnsembleModelID("model-a"))
	require.False(t, IsEnsembleModelID("__ensemble_half"))
}

func TestIdentifierFormats(t *testing.T) {
	var at = time.Date(2026, 8, 24, 10, 30, 45, 123_456_789, time.UTC)

	require.Equal(t, "INP_20260824_103045.123", NewInputID(at))
	require.Equal(t, "PRE_model-a_btc_usdt_300s_60s_20260824_103045.123",
		NewPredictionID(PredictionPending, "model-a", "btc/usdt_300s_60s", at))
	require.Equal(t, "ABS_model-a_x_20260824_103045.123",
		NewPredictionID(PredictionAbsent, "model-a", "x", at))
	require.Equal(t, "SCR_PRE_p", NewScoreID("PRE_p"))
	require.Equal(t, "SNAP_model-a_20260824_103045", NewSnapshotID("model-a", at))
	require.Equal(t, "CYC_20260824_103045_123456", NewCycleID(at))
	require.Equal(t, "CKP_20260824_103045", NewCheckpointID(at))
	require.Equal(t, "LB_20260824_103045.123", NewLeaderboardID(at))
	require.Equal(t, "MRK_CYC_x_2_7", NewMerkleNodeID("CYC_x", 2, 7))
	require.Equal(t, "binance_btcusdt_candle_1m_60",
		NewFeedRecordID(FeedScope{Source: "binance", Subject: "btcusdt", Kind: "candle", Granularity: "1m"}, 60))

	// Zoned inputs normalize to UTC.
	var cest = time.Date(2026, 8, 24, 12, 30, 45, 0, time.FixedZone("CEST", 2*3600))
	require.Equal(t, "CKP_20260824_103045", NewCheckpointID(cest))

	require.NotEqual(t, NewBackfillJobID(), NewBackfillJobID())
}

func TestPredictionStatusParsing(t *testing.T) {
	for _, s := range []PredictionStatus{PredictionPending, PredictionScored, PredictionFailed, PredictionAbsent} {
		parsed, err := ParsePredictionStatus(string(s))
		require.NoError(t, err)
		require.Equal(t, s, parsed)
	}
	var _, err = ParsePredictionStatus("scored")
	require.Error(t, err)

	require.False(t, PredictionPending.Terminal())
	require.True(t, PredictionScored.Terminal())
	require.True(t, PredictionFailed.Terminal())
	require.True(t, PredictionAbsent.Terminal())
}

func TestCheckpointStatusAdvancesOneWay(t *testing.T) {
	require.True(t, CheckpointPending.CanAdvanceTo(CheckpointSubmitted))
	require.True(t, CheckpointSubmitted.CanAdvanceTo(CheckpointClaimable))
	require.True(t, CheckpointClaimable.CanAdvanceTo(CheckpointPaid))

	require.False(t, CheckpointPending.CanAdvanceTo(CheckpointClaimable))
	require.False(t, CheckpointSubmitted.CanAdvanceTo(CheckpointPending))
	require.False(t, CheckpointPaid.CanAdvanceTo(CheckpointSubmitted))

	var _, err = ParseCheckpointStatus("PAID")
	require.NoError(t, err)
	_, err = ParseCheckpointStatus("SETTLED")
	require.Error(t, err)
}
