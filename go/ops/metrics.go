package ops

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FeedRecordsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_feed_records_ingested_total",
		Help: "Feed records persisted per scope, deduplicated.",
	}, []string{"scope"})

	FeedPollErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_feed_poll_errors_total",
		Help: "Feed poll attempts that exhausted their retries.",
	}, []string{"scope"})

	FeedWatermark = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "coordinator_feed_watermark_seconds",
		Help: "Event time of the newest persisted record per scope, unix seconds.",
	}, []string{"scope"})

	BackfillRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_backfill_records_total",
		Help: "Historical records loaded by backfill jobs per scope.",
	}, []string{"scope"})

	PredictionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_predictions_created_total",
		Help: "Prediction rows created per terminal tick classification.",
	}, []string{"status"})

	PredictCyclesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_predict_cycles_skipped_total",
		Help: "Scheduled fires skipped because the feed window was empty.",
	}, []string{"scope"})

	PredictTickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coordinator_predict_tick_duration_seconds",
		Help:    "Wall time of one scheduled prediction fan-out.",
		Buckets: prometheus.DefBuckets,
	}, []string{"scope"})

	ModelsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coordinator_models_live",
		Help: "Models currently in the live set.",
	})

	ModelEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_model_evictions_total",
		Help: "Models evicted from the live set after consecutive call failures or timeouts.",
	})

	ScorePasses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_score_passes_total",
		Help: "Completed score engine passes.",
	})

	ScorePassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "coordinator_score_pass_duration_seconds",
		Help:    "Wall time of one full score pass.",
		Buckets: prometheus.DefBuckets,
	})

	ScoresComputed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_scores_computed_total",
		Help: "Scores written per outcome.",
	}, []string{"outcome"})

	SnapshotsCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_snapshots_committed_total",
		Help: "Model period snapshots committed to merkle cycles.",
	})

	CheckpointsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_checkpoints_created_total",
		Help: "Settlement checkpoints created.",
	})

	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coordinator_websocket_clients",
		Help: "Connected feed tail websocket clients.",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_http_requests_total",
		Help: "Reporting API requests by route and status class.",
	}, []string{"route", "code"})
)
