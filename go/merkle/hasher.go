// Package merkle implements the coordinator's tamper evidence: canonical
// snapshot hashing, binary Merkle trees over snapshot content hashes,
// cycle-to-cycle chaining, and inclusion proofs that span the cycle tree,
// the chain step, and the checkpoint tree.
//
// All hashes are lowercase hex SHA-256. Interior hashing concatenates the
// two child hex strings and hashes their UTF-8 bytes, so any
// implementation with a SHA-256 primitive can reproduce every root from
// the persisted hex values alone.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crunchdao/coordinator-node-starter/go/contract"
)

// HashConcat hashes two hex digests: SHA-256 of the concatenated strings.
func HashConcat(left, right string) string {
	var sum = sha256.Sum256([]byte(left + right))
	return hex.EncodeToString(sum[:])
}

// EmptyRoot is the root of a tree with no leaves, SHA-256 of the empty
// string. A score cycle that produced no snapshots still commits with
// this root so the chain keeps advancing.
func EmptyRoot() string {
	var sum = sha256.Sum256(nil)
	return hex.EncodeToString(sum[:])
}

// ChainRoot folds the previous cycle's chained root with this cycle's
// snapshots root. The first cycle chains over the empty string.
func ChainRoot(previousChainedRoot, snapshotsRoot string) string {
	return HashConcat(previousChainedRoot, snapshotsRoot)
}

type snapshotDigest struct {
	ModelID         string           `json:"model_id"`
	PeriodEnd       string           `json:"period_end"`
	PeriodStart     string           `json:"period_start"`
	PredictionCount int              `json:"prediction_count"`
	ResultSummary   contract.JSONMap `json:"result_summary"`
}

// CanonicalSnapshotHash computes the deterministic content hash of a
// snapshot: SHA-256 over sorted-key, no-whitespace JSON with ISO-8601
// period bounds. Struct fields above are declared in key-sorted order and
// map keys marshal sorted, so the encoding is canonical.
func CanonicalSnapshotHash(modelID string, periodStart, periodEnd time.Time, predictionCount int, resultSummary contract.JSONMap) (string, error) {
	if resultSummary == nil {
		resultSummary = contract.JSONMap{}
	}
	var raw, err = json.Marshal(snapshotDigest{
		ModelID:         modelID,
		PeriodEnd:       isoUTC(periodEnd),
		PeriodStart:     isoUTC(periodStart),
		PredictionCount: predictionCount,
		ResultSummary:   resultSummary,
	})
	if err != nil {
		return "", fmt.Errorf("encoding snapshot digest: %w", err)
	}
	var sum = sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// SnapshotHash is CanonicalSnapshotHash over an assembled Snapshot.
func SnapshotHash(s contract.Snapshot) (string, error) {
	return CanonicalSnapshotHash(s.ModelID, s.PeriodStart, s.PeriodEnd, s.PredictionCount, s.ResultSummary)
}

// isoUTC renders ISO-8601 with an explicit +00:00 offset, microseconds
// only when non-zero.
func isoUTC(t time.Time) string {
	var u = t.UTC()
	if u.Nanosecond() == 0 {
		return u.Format("2006-01-02T15:04:05") + "+00:00"
	}
	return u.Format("2006-01-02T15:04:05.000000") + "+00:00"
}
