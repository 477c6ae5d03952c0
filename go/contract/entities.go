// Package contract holds the shared vocabulary of the coordinator:
// persisted entities and their status machines, the competition contract
// with its callable slots, and the frac64 emission encoding. Every other
// package speaks in these types; none of them import anything above this
// layer.
package contract

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// FeedScope identifies one ingestion stream of the external data source.
type FeedScope struct {
	Source      string `db:"source" json:"source" yaml:"source"`
	Subject     string `db:"subject" json:"subject" yaml:"subject"`
	Kind        string `db:"kind" json:"kind" yaml:"kind"`
	Granularity string `db:"granularity" json:"granularity" yaml:"granularity"`
}

// Key renders the scope as its canonical path form,
// source/subject/kind/granularity.
func (s FeedScope) Key() string {
	return fmt.Sprintf("%s/%s/%s/%s", s.Source, s.Subject, s.Kind, s.Granularity)
}

func (s FeedScope) String() string { return s.Key() }

// ParseFeedScope parses the canonical path form produced by Key.
func ParseFeedScope(key string) (FeedScope, error) {
	var parts = strings.Split(key, "/")
	if len(parts) != 4 {
		return FeedScope{}, fmt.Errorf("malformed feed scope %q", key)
	}
	for _, p := range parts {
		if p == "" {
			return FeedScope{}, fmt.Errorf("malformed feed scope %q", key)
		}
	}
	return FeedScope{Source: parts[0], Subject: parts[1], Kind: parts[2], Granularity: parts[3]}, nil
}

// GranularitySeconds maps a granularity token ("1m", "5m", "1h", "1d", ...)
// to its interval in seconds. Unknown tokens return zero.
func GranularitySeconds(granularity string) int64 {
	if granularity == "" {
		return 0
	}
	var unit = granularity[len(granularity)-1]
	var n int64
	if _, err := fmt.Sscanf(granularity[:len(granularity)-1], "%d", &n); err != nil || n <= 0 {
		return 0
	}
	switch unit {
	case 's':
		return n
	case 'm':
		return n * 60
	case 'h':
		return n * 3600
	case 'd':
		return n * 86400
	default:
		return 0
	}
}

// FeedRecord is one observation on the tape. The tuple
// (source, subject, kind, granularity, ts_event) is unique; records are
// never mutated and only retention may delete them.
type FeedRecord struct {
	ID          string    `db:"id" json:"id"`
	Source      string    `db:"source" json:"source"`
	Subject     string    `db:"subject" json:"subject"`
	Kind        string    `db:"kind" json:"kind"`
	Granularity string    `db:"granularity" json:"granularity"`
	TsEvent     int64     `db:"ts_event" json:"ts_event"`
	TsIngested  time.Time `db:"ts_ingested" json:"ts_ingested"`
	Values      JSONMap   `db:"values" json:"values"`
	Meta        JSONMap   `db:"meta" json:"meta"`
}

// Scope returns the record's feed scope tuple.
func (r FeedRecord) Scope() FeedScope {
	return FeedScope{Source: r.Source, Subject: r.Subject, Kind: r.Kind, Granularity: r.Granularity}
}

// Price extracts the record's settlement price, preferring a candle close
// over a raw tick price.
func (r FeedRecord) Price() (float64, bool) {
	for _, key := range []string{"close", "price"} {
		if v, ok := r.Values[key]; ok {
			if f, ok := toFloat(v); ok {
				return f, true
			}
		}
	}
	return 0, false
}

// FeedIngestionState is the per-scope watermark row. LastEventTs only ever
// moves forward.
type FeedIngestionState struct {
	Source      string    `db:"source" json:"source"`
	Subject     string    `db:"subject" json:"subject"`
	Kind        string    `db:"kind" json:"kind"`
	Granularity string    `db:"granularity" json:"granularity"`
	LastEventTs int64     `db:"last_event_ts" json:"last_event_ts"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// BackfillJob tracks one historical export into the parquet lake. At most
// one job is running system-wide; the cursor makes it resumable.
type BackfillJob struct {
	ID             string    `db:"id" json:"id"`
	Source         string    `db:"source" json:"source"`
	Subject        string    `db:"subject" json:"subject"`
	Kind           string    `db:"kind" json:"kind"`
	Granularity    string    `db:"granularity" json:"granularity"`
	StartTs        int64     `db:"start_ts" json:"start_ts"`
	EndTs          int64     `db:"end_ts" json:"end_ts"`
	CursorTs       int64     `db:"cursor_ts" json:"cursor_ts"`
	RecordsWritten int64     `db:"records_written" json:"records_written"`
	PagesFetched   int64     `db:"pages_fetched" json:"pages_fetched"`
	Status         JobStatus `db:"status" json:"status"`
	Error          *string   `db:"error" json:"error,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// ProgressPct estimates job completion from the cursor position.
func (j BackfillJob) ProgressPct() float64 {
	if j.Status == JobCompleted {
		return 100
	}
	var total = j.EndTs - j.StartTs
	if total <= 0 {
		return 0
	}
	var pct = float64(j.CursorTs-j.StartTs) / float64(total) * 100
	return min(100, max(0, pct))
}

// PredictionScope is the tuple a ScheduledPredictionConfig instantiates:
// which subject to predict, how far ahead, and how often.
type PredictionScope struct {
	Subject             string `json:"subject" yaml:"subject"`
	HorizonSeconds      int64  `json:"horizon_seconds" yaml:"horizon_seconds"`
	StepSeconds         int64  `json:"step_seconds" yaml:"step_seconds"`
	LookbackSeconds     int64  `json:"lookback_seconds,omitempty" yaml:"lookback_seconds"`
	ResolveGraceSeconds int64  `json:"resolve_grace_seconds,omitempty" yaml:"resolve_grace_seconds"`
}

// Key renders the scope as subject_horizon_step, the form used inside
// prediction identifiers.
func (s PredictionScope) Key() string {
	return fmt.Sprintf("%s_%ds_%ds", s.Subject, s.HorizonSeconds, s.StepSeconds)
}

// Schedule declares when a prediction config fires: a fixed interval, a
// cron expression, or (additionally) on every feed advance for its subject.
type Schedule struct {
	EverySeconds  int64  `json:"every_seconds,omitempty" yaml:"every_seconds"`
	Cron          string `json:"cron,omitempty" yaml:"cron"`
	OnFeedAdvance bool   `json:"on_feed_advance,omitempty" yaml:"on_feed_advance"`
}

// ScheduledPredictionConfig is a declarative prediction schedule.
type ScheduledPredictionConfig struct {
	ID                  string          `db:"id" json:"id" yaml:"id"`
	ScopeKey            string          `db:"scope_key" json:"scope_key" yaml:"scope_key"`
	Scope               PredictionScope `db:"scope" json:"scope" yaml:"scope"`
	Schedule            Schedule        `db:"schedule" json:"schedule" yaml:"schedule"`
	Active              bool            `db:"active" json:"active" yaml:"active"`
	Order               int             `db:"ord" json:"order" yaml:"order"`
	ResolveAfterSeconds int64           `db:"resolve_after_seconds" json:"resolve_after_seconds" yaml:"resolve_after_seconds"`
}

// Input is one firing of a config: the materialized inference input handed
// to every model, later resolved against ground truth.
type Input struct {
	ID           string          `db:"id" json:"id"`
	ConfigID     string          `db:"config_id" json:"config_id"`
	Scope        PredictionScope `db:"scope" json:"scope"`
	RawInput     JSONMap         `db:"raw_input" json:"raw_input"`
	PerformedAt  time.Time       `db:"performed_at" json:"performed_at"`
	ResolvableAt time.Time       `db:"resolvable_at" json:"resolvable_at"`
	Actuals      JSONMap         `db:"actuals" json:"actuals,omitempty"`
	Status       InputStatus     `db:"status" json:"status"`
}

// SentinelNoGroundTruth marks an Input resolved past its TTL without
// actuals. Its predictions fail with ReasonNoGroundTruth.
const SentinelNoGroundTruth = "__no_ground_truth__"

// IsSentinel reports whether the input was force-resolved without actuals.
func (i Input) IsSentinel() bool {
	if i.Actuals == nil {
		return false
	}
	_, ok := i.Actuals[SentinelNoGroundTruth]
	return ok
}

// Score is the outcome of scoring one prediction, nested under it.
type Score struct {
	ID           string  `json:"id,omitempty"`
	Val          float64 `json:"value"`
	Success      bool    `json:"success"`
	FailedReason string  `json:"failed_reason,omitempty"`
	Extra        JSONMap `json:"extra,omitempty"`
}

// Prediction is one model's answer to one Input. ABSENT rows exist so that
// a model's silence is still accounted for.
type Prediction struct {
	ID              string           `db:"id" json:"id"`
	ModelID         string           `db:"model_id" json:"model_id"`
	InputID         string           `db:"input_id" json:"input_id"`
	ConfigID        string           `db:"config_id" json:"config_id"`
	ScopeKey        string           `db:"scope_key" json:"scope_key"`
	Scope           PredictionScope  `db:"scope" json:"scope"`
	InferenceOutput JSONMap          `db:"inference_output" json:"inference_output"`
	ExecTimeUs      int64            `db:"exec_time_us" json:"exec_time_us"`
	Status          PredictionStatus `db:"status" json:"status"`
	Score           *Score           `db:"score" json:"score,omitempty"`
	Meta            JSONMap          `db:"meta" json:"meta,omitempty"`
	PerformedAt     time.Time        `db:"performed_at" json:"performed_at"`
}

// Signal extracts the prediction's numeric signal from its output, probing
// the conventional keys in order and falling back to the first numeric
// value found.
func (p Prediction) Signal() (float64, bool) {
	return ExtractSignal(p.InferenceOutput)
}

// ExtractSignal probes an inference output for its numeric signal.
// Key precedence is fixed so that every consumer ranks the same way.
func ExtractSignal(output JSONMap) (float64, bool) {
	if output == nil {
		return 0, false
	}
	for _, key := range []string{"value", "expected_return", "signal", "prediction"} {
		if v, ok := output[key]; ok {
			if f, ok := toFloat(v); ok {
				return f, true
			}
		}
	}
	for _, v := range output {
		if f, ok := toFloat(v); ok {
			return f, true
		}
	}
	return 0, false
}

// Snapshot is the per-model summary written by each score cycle. Its
// content hash is the Merkle leaf for the cycle's tree.
type Snapshot struct {
	ID              string    `db:"id" json:"id"`
	ModelID         string    `db:"model_id" json:"model_id"`
	PeriodStart     time.Time `db:"period_start" json:"period_start"`
	PeriodEnd       time.Time `db:"period_end" json:"period_end"`
	PredictionCount int       `db:"prediction_count" json:"prediction_count"`
	ResultSummary   JSONMap   `db:"result_summary" json:"result_summary"`
	ContentHash     string    `db:"content_hash" json:"content_hash"`
	Meta            JSONMap   `db:"meta" json:"meta,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// MerkleCycle commits one score cycle's snapshots and chains to the
// previous cycle. Any retroactive edit of an earlier snapshot breaks every
// chained root after it.
type MerkleCycle struct {
	ID                string    `db:"id" json:"id"`
	PreviousCycleID   *string   `db:"previous_cycle_id" json:"previous_cycle_id,omitempty"`
	PreviousCycleRoot *string   `db:"previous_cycle_root" json:"previous_cycle_root,omitempty"`
	SnapshotsRoot     string    `db:"snapshots_root" json:"snapshots_root"`
	ChainedRoot       string    `db:"chained_root" json:"chained_root"`
	SnapshotCount     int       `db:"snapshot_count" json:"snapshot_count"`
	CheckpointID      *string   `db:"checkpoint_id" json:"checkpoint_id,omitempty"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}

// MerkleNode is one node of a persisted cycle or checkpoint tree. Leaves
// copy the snapshot content hash so proofs outlive snapshot retention.
type MerkleNode struct {
	ID                  string    `db:"id" json:"id"`
	CycleID             *string   `db:"cycle_id" json:"cycle_id,omitempty"`
	CheckpointID        *string   `db:"checkpoint_id" json:"checkpoint_id,omitempty"`
	Level               int       `db:"level" json:"level"`
	Position            int       `db:"position" json:"position"`
	Hash                string    `db:"hash" json:"hash"`
	LeftChildID         *string   `db:"left_child_id" json:"left_child_id,omitempty"`
	RightChildID        *string   `db:"right_child_id" json:"right_child_id,omitempty"`
	SnapshotID          *string   `db:"snapshot_id" json:"snapshot_id,omitempty"`
	SnapshotContentHash *string   `db:"snapshot_content_hash" json:"snapshot_content_hash,omitempty"`
	CreatedAt           time.Time `db:"created_at" json:"created_at"`
}

// Checkpoint aggregates the cycles of one settlement period into the
// payload handed to the external signer.
type Checkpoint struct {
	ID              string           `db:"id" json:"id"`
	PeriodStart     time.Time        `db:"period_start" json:"period_start"`
	PeriodEnd       time.Time        `db:"period_end" json:"period_end"`
	MerkleRoot      string           `db:"merkle_root" json:"merkle_root"`
	EmissionPayload EmissionPayload  `db:"emission_payload" json:"emission_payload"`
	Status          CheckpointStatus `db:"status" json:"status"`
	TxHash          *string          `db:"tx_hash" json:"tx_hash,omitempty"`
	CycleCount      int              `db:"cycle_count" json:"cycle_count"`
	CreatedAt       time.Time        `db:"created_at" json:"created_at"`
	EmittedAt       *time.Time       `db:"emitted_at" json:"emitted_at,omitempty"`
}

// EnsemblePrefix namespaces virtual ensemble models inside the model_id
// space; they are first-class everywhere downstream of prediction.
const EnsemblePrefix = "__ensemble_"

// EnsembleModelID forms the reserved model id for a named ensemble.
func EnsembleModelID(name string) string { return EnsemblePrefix + name + "__" }

// IsEnsembleModelID reports whether a model id names a virtual ensemble.
func IsEnsembleModelID(id string) bool {
	return strings.HasPrefix(id, EnsemblePrefix) && strings.HasSuffix(id, "__")
}

// Model is a registered participant model, or a virtual ensemble.
type Model struct {
	ID            string    `db:"id" json:"id"`
	Name          string    `db:"name" json:"name"`
	PlayerID      string    `db:"player_id" json:"player_id"`
	PlayerName    string    `db:"player_name" json:"player_name"`
	DeploymentID  string    `db:"deployment_id" json:"deployment_id"`
	OverallScore  *float64  `db:"overall_score" json:"overall_score,omitempty"`
	ScoresByScope JSONMap   `db:"scores_by_scope" json:"scores_by_scope,omitempty"`
	Meta          JSONMap   `db:"meta" json:"meta,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// IsEnsemble reports whether the model is virtual.
func (m Model) IsEnsemble() bool { return IsEnsembleModelID(m.ID) }

// LeaderboardEntry is one ranked row of a leaderboard.
type LeaderboardEntry struct {
	Rank    int     `json:"rank"`
	ModelID string  `json:"model_id"`
	Score   float64 `json:"score"`
	Metrics JSONMap `json:"metrics,omitempty"`
}

// LeaderboardEntries is the JSON-encoded ranking column.
type LeaderboardEntries []LeaderboardEntry

// Leaderboard is an immutable ranking built at the end of a score cycle.
type Leaderboard struct {
	ID        string             `db:"id" json:"id"`
	Entries   LeaderboardEntries `db:"entries" json:"entries"`
	CreatedAt time.Time          `db:"created_at" json:"created_at"`
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
