package contract

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Identifier constructors. IDs are opaque strings downstream; the embedded
// timestamps exist for operators reading raw tables, not for parsing.

const (
	idStampSecond = "20060102_150405"
	idStampMilli  = "20060102_150405.000"
)

// NewInputID returns INP_<UTC ms timestamp>.
func NewInputID(t time.Time) string {
	return "INP_" + t.UTC().Format(idStampMilli)
}

// NewPredictionID returns PRE_<model>_<scope>_<UTC ms timestamp>, or an
// ABS_ id for a model that never answered. Scope key characters outside
// [alnum - _] are flattened to underscores.
func NewPredictionID(status PredictionStatus, modelID, scopeKey string, t time.Time) string {
	var prefix = "PRE"
	if status == PredictionAbsent {
		prefix = "ABS"
	}
	return fmt.Sprintf("%s_%s_%s_%s", prefix, modelID, safeKey(scopeKey), t.UTC().Format(idStampMilli))
}

// NewScoreID derives the score id from its prediction.
func NewScoreID(predictionID string) string { return "SCR_" + predictionID }

// NewSnapshotID returns SNAP_<model>_<UTC second timestamp>.
func NewSnapshotID(modelID string, t time.Time) string {
	return fmt.Sprintf("SNAP_%s_%s", modelID, t.UTC().Format(idStampSecond))
}

// NewCycleID returns CYC_<UTC microsecond timestamp>.
func NewCycleID(t time.Time) string {
	var u = t.UTC()
	return fmt.Sprintf("CYC_%s_%06d", u.Format(idStampSecond), u.Nanosecond()/1000)
}

// NewCheckpointID returns CKP_<UTC second timestamp>.
func NewCheckpointID(t time.Time) string {
	return "CKP_" + t.UTC().Format(idStampSecond)
}

// NewMerkleNodeID names a node by its owning tree and coordinates.
func NewMerkleNodeID(ownerID string, level, position int) string {
	return fmt.Sprintf("MRK_%s_%d_%d", ownerID, level, position)
}

// NewLeaderboardID returns LB_<UTC ms timestamp>.
func NewLeaderboardID(t time.Time) string {
	return "LB_" + t.UTC().Format(idStampMilli)
}

// NewBackfillJobID returns a fresh random job id.
func NewBackfillJobID() string { return uuid.NewString() }

// NewFeedRecordID names a record by its unique tuple, so replays collide
// on the primary key as well as the unique index.
func NewFeedRecordID(scope FeedScope, tsEvent int64) string {
	return fmt.Sprintf("%s_%s_%s_%s_%d", scope.Source, scope.Subject, scope.Kind, scope.Granularity, tsEvent)
}

func safeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, key)
}
