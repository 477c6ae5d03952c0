// Package ingest keeps the feed tape moving: per-scope poll workers
// append source records to the store, backfill jobs load history into
// the parquet lake, and the retention pruner trims the hot window.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"github.com/crunchdao/coordinator-node-starter/go/bus"
	"github.com/crunchdao/coordinator-node-starter/go/contract"
	"github.com/crunchdao/coordinator-node-starter/go/feeds"
	"github.com/crunchdao/coordinator-node-starter/go/ops"
	"github.com/crunchdao/coordinator-node-starter/go/store"
)

const (
	defaultBatchLimit = 500
	seenCacheSize     = 4096
	fetchAttempts     = 3
)

// WorkerConfig configures one scope's poll loop.
type WorkerConfig struct {
	Scope contract.FeedScope
	// PollInterval defaults to the scope granularity, floored at one
	// second.
	PollInterval time.Duration
	// BatchLimit caps one fetch page.
	BatchLimit int
}

func (c WorkerConfig) pollInterval() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	if secs := contract.GranularitySeconds(c.Scope.Granularity); secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Second
}

func (c WorkerConfig) batchLimit() int {
	if c.BatchLimit > 0 {
		return c.BatchLimit
	}
	return defaultBatchLimit
}

// Worker polls one feed scope and appends to the tape. Records the
// store already has are dropped by the unique index; a small id cache
// keeps overlapping source pages from even reaching the store.
type Worker struct {
	store  *store.Store
	source feeds.Source
	events *bus.Bus
	cfg    WorkerConfig
	seen   *lru.Cache[string, struct{}]
}

func NewWorker(st *store.Store, source feeds.Source, events *bus.Bus, cfg WorkerConfig) (*Worker, error) {
	var seen, err = lru.New[string, struct{}](seenCacheSize)
	if err != nil {
		return nil, err
	}
	return &Worker{store: st, source: source, events: events, cfg: cfg, seen: seen}, nil
}

// Run polls until the context ends. Poll failures are logged and
// counted, never fatal; the next tick retries from the watermark.
func (w *Worker) Run(ctx context.Context) error {
	var scope = w.cfg.Scope
	log.WithFields(log.Fields{
		"scope":    scope.Key(),
		"interval": w.cfg.pollInterval(),
	}).Info("feed worker starting")

	var ticker = time.NewTicker(w.cfg.pollInterval())
	defer ticker.Stop()
	for {
		if _, err := w.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			ops.FeedPollErrors.WithLabelValues(scope.Key()).Inc()
			log.WithError(err).WithField("scope", scope.Key()).Warn("feed poll failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce fetches past the watermark and persists what is new,
// returning the number of records appended.
func (w *Worker) PollOnce(ctx context.Context) (int, error) {
	var scope = w.cfg.Scope
	var watermark, err = w.store.Watermark(ctx, scope)
	if err != nil {
		return 0, err
	}

	var fetched []contract.FeedRecord
	err = retry.Do(
		func() error {
			var fetchErr error
			fetched, fetchErr = w.source.Fetch(ctx, scope, watermark, 0, w.cfg.batchLimit())
			return fetchErr
		},
		retry.Context(ctx),
		retry.Attempts(fetchAttempts),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return 0, fmt.Errorf("fetching %s: %w", scope, err)
	}

	var fresh = fetched[:0]
	for _, r := range fetched {
		if _, ok := w.seen.Get(r.ID); ok {
			continue
		}
		fresh = append(fresh, r)
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	inserted, err := w.store.InsertFeedRecords(ctx, fresh)
	if err != nil {
		return 0, fmt.Errorf("persisting %s: %w", scope, err)
	}
	var maxTs = fresh[len(fresh)-1].TsEvent
	for _, r := range fresh {
		if r.TsEvent > maxTs {
			maxTs = r.TsEvent
		}
		w.seen.Add(r.ID, struct{}{})
	}
	if err := w.store.AdvanceWatermark(ctx, scope, maxTs, time.Now().UTC()); err != nil {
		return inserted, err
	}

	ops.FeedRecordsIngested.WithLabelValues(scope.Key()).Add(float64(inserted))
	ops.FeedWatermark.WithLabelValues(scope.Key()).Set(float64(maxTs))
	if inserted > 0 {
		w.events.Publish(bus.TopicFeedAdvanced, bus.FeedAdvanceEvent{
			ScopeKey: scope.Key(),
			TsEvent:  maxTs,
			Records:  inserted,
		})
		log.WithFields(log.Fields{
			"scope":     scope.Key(),
			"records":   inserted,
			"watermark": maxTs,
		}).Debug("feed advanced")
	}
	return inserted, nil
}
