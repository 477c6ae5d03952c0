package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	log "github.com/sirupsen/logrus"

	"github.com/crunchdao/coordinator-node-starter/go/contract"
	"github.com/crunchdao/coordinator-node-starter/go/feeds"
	"github.com/crunchdao/coordinator-node-starter/go/ops"
	"github.com/crunchdao/coordinator-node-starter/go/store"
)

// SourceOpener resolves a source name to a usable feed source.
type SourceOpener func(name string) (feeds.Source, error)

// Backfiller executes admitted backfill jobs: it pages history out of a
// feed source into the store and the parquet lake, advancing the job
// cursor after every page so an interrupted job resumes where it left
// off.
type Backfiller struct {
	store    *store.Store
	open     SourceOpener
	lake     *Lake
	pageSize int
	jobs     chan string
}

func NewBackfiller(st *store.Store, open SourceOpener, lake *Lake, pageSize int) *Backfiller {
	if pageSize <= 0 {
		pageSize = defaultBatchLimit
	}
	return &Backfiller{
		store:    st,
		open:     open,
		lake:     lake,
		pageSize: pageSize,
		jobs:     make(chan string, 8),
	}
}

// Enqueue hands a created job to the worker loop. Returns false when
// the queue is saturated; the job stays pending and is picked up by the
// next resume sweep.
func (b *Backfiller) Enqueue(jobID string) bool {
	select {
	case b.jobs <- jobID:
		return true
	default:
		return false
	}
}

// Run consumes enqueued jobs until the context ends. On startup it
// resumes any job left pending or running by a previous process.
func (b *Backfiller) Run(ctx context.Context) error {
	if job, err := b.store.ActiveBackfillJob(ctx); err != nil {
		log.WithError(err).Warn("backfill resume sweep failed")
	} else if job != nil {
		b.runJob(ctx, job.ID)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case jobID := <-b.jobs:
			b.runJob(ctx, jobID)
		}
	}
}

func (b *Backfiller) runJob(ctx context.Context, jobID string) {
	if err := b.Execute(ctx, jobID); err != nil && ctx.Err() == nil {
		log.WithError(err).WithField("job_id", jobID).Error("backfill job failed")
	}
}

// Execute runs one job to completion. The job must be pending or
// running; terminal jobs fail with ErrConflict. Page errors mark the
// job failed and are returned.
func (b *Backfiller) Execute(ctx context.Context, jobID string) error {
	var job, err = b.store.BackfillJobByID(ctx, jobID)
	if err != nil {
		return err
	}
	switch job.Status {
	case contract.JobPending:
		if err := b.store.StartBackfillJob(ctx, jobID, time.Now().UTC()); err != nil {
			return err
		}
	case contract.JobRunning:
		// resuming after an interruption
	default:
		return fmt.Errorf("backfill job %s already %s: %w", jobID, job.Status, store.ErrConflict)
	}

	source, err := b.open(job.Source)
	if err != nil {
		return b.fail(ctx, jobID, err)
	}

	var scope = contract.FeedScope{
		Source:      job.Source,
		Subject:     job.Subject,
		Kind:        job.Kind,
		Granularity: job.Granularity,
	}
	var written = job.RecordsWritten
	var pages = job.PagesFetched
	// Sources return records strictly after the cursor, so starting one
	// second early keeps start_ts itself in range.
	var cursor = job.CursorTs
	if cursor < job.StartTs {
		cursor = job.StartTs - 1
	}

	for cursor < job.EndTs {
		page, err := b.fetchPage(ctx, source, scope, cursor, job.EndTs)
		if err != nil {
			return b.fail(ctx, jobID, err)
		}
		pages++
		if len(page) == 0 {
			break
		}

		if _, err := b.store.InsertFeedRecords(ctx, page); err != nil {
			return b.fail(ctx, jobID, err)
		}
		if b.lake != nil {
			if _, err := b.lake.Append(page); err != nil {
				return b.fail(ctx, jobID, err)
			}
		}
		written += int64(len(page))

		var maxTs = page[0].TsEvent
		for _, r := range page {
			if r.TsEvent > maxTs {
				maxTs = r.TsEvent
			}
		}
		if maxTs <= cursor {
			break
		}
		cursor = maxTs

		var now = time.Now().UTC()
		if err := b.store.AdvanceWatermark(ctx, scope, maxTs, now); err != nil {
			return b.fail(ctx, jobID, err)
		}
		if err := b.store.UpdateBackfillProgress(ctx, jobID, cursor, written, pages, now); err != nil {
			return b.fail(ctx, jobID, err)
		}
		ops.BackfillRecords.WithLabelValues(scope.Key()).Add(float64(len(page)))
		log.WithFields(log.Fields{
			"job_id":  jobID,
			"scope":   scope.Key(),
			"records": len(page),
			"cursor":  cursor,
		}).Info("backfill page loaded")
	}

	if err := b.store.UpdateBackfillProgress(ctx, jobID, cursor, written, pages, time.Now().UTC()); err != nil {
		return b.fail(ctx, jobID, err)
	}
	if err := b.store.CompleteBackfillJob(ctx, jobID, time.Now().UTC()); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"job_id":  jobID,
		"records": written,
		"pages":   pages,
	}).Info("backfill job completed")
	return nil
}

func (b *Backfiller) fetchPage(ctx context.Context, source feeds.Source, scope contract.FeedScope, fromTs, toTs int64) ([]contract.FeedRecord, error) {
	var page []contract.FeedRecord
	var err = retry.Do(
		func() error {
			var fetchErr error
			page, fetchErr = source.Fetch(ctx, scope, fromTs, toTs, b.pageSize)
			return fetchErr
		},
		retry.Context(ctx),
		retry.Attempts(fetchAttempts),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	return page, err
}

func (b *Backfiller) fail(ctx context.Context, jobID string, cause error) error {
	if err := b.store.FailBackfillJob(ctx, jobID, cause.Error(), time.Now().UTC()); err != nil {
		log.WithError(err).WithField("job_id", jobID).Warn("could not mark backfill job failed")
	}
	return cause
}
