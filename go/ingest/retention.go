package ingest

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/crunchdao/coordinator-node-starter/go/store"
)

// Retainer deletes feed records older than the retention window. The
// parquet lake is never pruned; it is the durable copy.
type Retainer struct {
	store    *store.Store
	ttl      time.Duration
	interval time.Duration
}

func NewRetainer(st *store.Store, ttl time.Duration) *Retainer {
	return &Retainer{store: st, ttl: ttl, interval: time.Hour}
}

// Run prunes once at startup and then hourly until the context ends. A
// non-positive TTL disables pruning entirely.
func (r *Retainer) Run(ctx context.Context) error {
	if r.ttl <= 0 {
		log.Info("feed retention disabled")
		<-ctx.Done()
		return nil
	}
	var ticker = time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if err := r.PruneOnce(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("feed retention pass failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PruneOnce deletes everything older than now minus the TTL.
func (r *Retainer) PruneOnce(ctx context.Context) error {
	var cutoff = time.Now().UTC().Add(-r.ttl).Unix()
	var deleted, err = r.store.PruneFeedRecords(ctx, cutoff)
	if err != nil {
		return err
	}
	if deleted > 0 {
		log.WithFields(log.Fields{"deleted": deleted, "cutoff": cutoff}).Info("pruned feed records")
	}
	return nil
}
