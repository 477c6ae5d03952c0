package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/crunchdao/coordinator-node-starter/go/contract"
)

// The bare conflict clause also absorbs the primary key collision, the
// record id being derived from the same unique tuple.
const insertFeedRecord = `
INSERT INTO feed_records (id, source, subject, kind, granularity, ts_event, ts_ingested, "values", meta)
VALUES (:id, :source, :subject, :kind, :granularity, :ts_event, :ts_ingested, :values, :meta)
ON CONFLICT DO NOTHING`

// InsertFeedRecords appends records to the tape, silently skipping event
// timestamps the scope already holds. Returns the number actually
// inserted.
func (q *Queries) InsertFeedRecords(ctx context.Context, records []contract.FeedRecord) (int, error) {
	var inserted int
	for _, r := range records {
		var res, err = sqlx.NamedExecContext(ctx, q.ext, insertFeedRecord, r)
		if err != nil {
			return inserted, fmt.Errorf("inserting feed record %s: %w", r.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, err
		}
		inserted += int(n)
	}
	return inserted, nil
}

// AdvanceWatermark moves the scope's ingestion watermark forward. A
// stale timestamp leaves the stored watermark untouched.
func (q *Queries) AdvanceWatermark(ctx context.Context, scope contract.FeedScope, lastEventTs int64, at time.Time) error {
	var _, err = q.ext.ExecContext(ctx, `
INSERT INTO feed_ingestion_state (source, subject, kind, granularity, last_event_ts, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (source, subject, kind, granularity) DO UPDATE SET
    last_event_ts = excluded.last_event_ts,
    updated_at = excluded.updated_at
WHERE excluded.last_event_ts > feed_ingestion_state.last_event_ts`,
		scope.Source, scope.Subject, scope.Kind, scope.Granularity, lastEventTs, at)
	if err != nil {
		return fmt.Errorf("advancing watermark for %s: %w", scope, err)
	}
	return nil
}

// Watermark returns the scope's last ingested event timestamp, zero when
// the scope has never ingested.
func (q *Queries) Watermark(ctx context.Context, scope contract.FeedScope) (int64, error) {
	var ts int64
	var err = sqlx.GetContext(ctx, q.ext, &ts, `
SELECT last_event_ts FROM feed_ingestion_state
WHERE source = ? AND subject = ? AND kind = ? AND granularity = ?`,
		scope.Source, scope.Subject, scope.Kind, scope.Granularity)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading watermark for %s: %w", scope, err)
	}
	return ts, nil
}

// FeedWindow returns the scope's records with ts_event in [fromTs, toTs],
// ascending.
func (q *Queries) FeedWindow(ctx context.Context, scope contract.FeedScope, fromTs, toTs int64) ([]contract.FeedRecord, error) {
	var out []contract.FeedRecord
	var err = sqlx.SelectContext(ctx, q.ext, &out, `
SELECT * FROM feed_records
WHERE source = ? AND subject = ? AND kind = ? AND granularity = ?
  AND ts_event >= ? AND ts_event <= ?
ORDER BY ts_event ASC`,
		scope.Source, scope.Subject, scope.Kind, scope.Granularity, fromTs, toTs)
	if err != nil {
		return nil, fmt.Errorf("loading feed window for %s: %w", scope, err)
	}
	return out, nil
}

// SubjectWindow returns every record for a subject, across kinds and
// granularities, with ts_event in [fromTs, toTs], ascending.
func (q *Queries) SubjectWindow(ctx context.Context, subject string, fromTs, toTs int64) ([]contract.FeedRecord, error) {
	var out []contract.FeedRecord
	var err = sqlx.SelectContext(ctx, q.ext, &out, `
SELECT * FROM feed_records
WHERE subject = ? AND ts_event >= ? AND ts_event <= ?
ORDER BY ts_event ASC`,
		subject, fromTs, toTs)
	if err != nil {
		return nil, fmt.Errorf("loading subject window for %s: %w", subject, err)
	}
	return out, nil
}

// LatestFeedRecords returns the scope's newest records, descending by
// event time.
func (q *Queries) LatestFeedRecords(ctx context.Context, scope contract.FeedScope, limit int) ([]contract.FeedRecord, error) {
	var out []contract.FeedRecord
	var err = sqlx.SelectContext(ctx, q.ext, &out, `
SELECT * FROM feed_records
WHERE source = ? AND subject = ? AND kind = ? AND granularity = ?
ORDER BY ts_event DESC LIMIT ?`,
		scope.Source, scope.Subject, scope.Kind, scope.Granularity, limit)
	if err != nil {
		return nil, fmt.Errorf("loading latest records for %s: %w", scope, err)
	}
	return out, nil
}

// RecentFeedRecords returns the newest records, descending by event
// time. Subject "" means all subjects.
func (q *Queries) RecentFeedRecords(ctx context.Context, subject string, limit int) ([]contract.FeedRecord, error) {
	var out []contract.FeedRecord
	var err error
	if subject == "" {
		err = sqlx.SelectContext(ctx, q.ext, &out, `
SELECT * FROM feed_records ORDER BY ts_event DESC LIMIT ?`, limit)
	} else {
		err = sqlx.SelectContext(ctx, q.ext, &out, `
SELECT * FROM feed_records WHERE subject = ? ORDER BY ts_event DESC LIMIT ?`,
			subject, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("listing recent records: %w", err)
	}
	return out, nil
}

// ListIngestionStates returns every scope's watermark row.
func (q *Queries) ListIngestionStates(ctx context.Context) ([]contract.FeedIngestionState, error) {
	var out []contract.FeedIngestionState
	var err = sqlx.SelectContext(ctx, q.ext, &out, `
SELECT * FROM feed_ingestion_state ORDER BY source, subject, kind, granularity`)
	if err != nil {
		return nil, fmt.Errorf("listing ingestion states: %w", err)
	}
	return out, nil
}

// CountFeedRecords counts the scope's persisted records.
func (q *Queries) CountFeedRecords(ctx context.Context, scope contract.FeedScope) (int64, error) {
	var n int64
	var err = sqlx.GetContext(ctx, q.ext, &n, `
SELECT COUNT(*) FROM feed_records
WHERE source = ? AND subject = ? AND kind = ? AND granularity = ?`,
		scope.Source, scope.Subject, scope.Kind, scope.Granularity)
	if err != nil {
		return 0, fmt.Errorf("counting records for %s: %w", scope, err)
	}
	return n, nil
}

// PruneFeedRecords deletes records with ts_event strictly before
// cutoffTs, returning the number removed. Watermarks are not rewound.
func (q *Queries) PruneFeedRecords(ctx context.Context, cutoffTs int64) (int64, error) {
	var res, err = q.ext.ExecContext(ctx, `DELETE FROM feed_records WHERE ts_event < ?`, cutoffTs)
	if err != nil {
		return 0, fmt.Errorf("pruning feed records: %w", err)
	}
	return res.RowsAffected()
}
