// Package checkpoint rolls committed score cycles up into settlement
// checkpoints. Each build covers every cycle since the previous
// checkpoint: a second-level Merkle tree over the cycles' chained roots,
// a prediction-weighted period ranking of the real models, and the
// frac64 emission payload handed to the external signer.
package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"github.com/crunchdao/coordinator-node-starter/go/bus"
	"github.com/crunchdao/coordinator-node-starter/go/contract"
	"github.com/crunchdao/coordinator-node-starter/go/merkle"
	"github.com/crunchdao/coordinator-node-starter/go/ops"
	"github.com/crunchdao/coordinator-node-starter/go/store"
)

// BuilderConfig tunes the checkpoint cadence.
type BuilderConfig struct {
	CronSpec  string        // standard five-field cron; overrides Interval
	Interval  time.Duration // fallback cadence, default 24h
	LeaseTTL  time.Duration // period lock expiry, default 15m
	Providers contract.EmissionProviders
}

func (c BuilderConfig) interval() time.Duration {
	if c.Interval > 0 {
		return c.Interval
	}
	return 24 * time.Hour
}

func (c BuilderConfig) leaseTTL() time.Duration {
	if c.LeaseTTL > 0 {
		return c.LeaseTTL
	}
	return 15 * time.Minute
}

// Report summarizes one checkpoint build.
type Report struct {
	CheckpointID string
	MerkleRoot   string
	Cycles       int
	Ranked       int
}

// Builder produces checkpoints on a cron or interval cadence.
type Builder struct {
	store    *store.Store
	contract *contract.Contract
	events   *bus.Bus
	cfg      BuilderConfig
	sched    cron.Schedule
	owner    string
}

// NewBuilder assembles a builder. A bad cron expression fails here, at
// wiring time, not on the first fire.
func NewBuilder(st *store.Store, c *contract.Contract, events *bus.Bus, cfg BuilderConfig) (*Builder, error) {
	var b = &Builder{store: st, contract: c, events: events, cfg: cfg, owner: uuid.NewString()}
	if cfg.CronSpec != "" {
		var sched, err = cron.ParseStandard(cfg.CronSpec)
		if err != nil {
			return nil, fmt.Errorf("parsing checkpoint cron %q: %w", cfg.CronSpec, err)
		}
		b.sched = sched
	}
	return b, nil
}

func (b *Builder) next(now time.Time) time.Time {
	if b.sched != nil {
		return b.sched.Next(now)
	}
	return now.Add(b.cfg.interval())
}

// Run fires builds on the configured cadence until the context ends.
func (b *Builder) Run(ctx context.Context) error {
	log.WithFields(log.Fields{
		"cron":     b.cfg.CronSpec,
		"interval": b.cfg.interval(),
	}).Info("checkpoint builder started")

	var timer = time.NewTimer(time.Until(b.next(time.Now().UTC())))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			if _, err := b.RunOnce(ctx, time.Now().UTC()); err != nil && ctx.Err() == nil {
				log.WithError(err).Error("checkpoint build failed")
			}
			timer.Reset(time.Until(b.next(time.Now().UTC())))
		}
	}
}

// RunOnce builds one checkpoint covering every cycle the previous
// checkpoint left uncovered. It returns a zero report when there is
// nothing to cover or another builder holds the period. An emission
// payload violating the frac64 invariant aborts before anything is
// written.
func (b *Builder) RunOnce(ctx context.Context, now time.Time) (Report, error) {
	var report Report

	prev, err := b.store.LatestCheckpoint(ctx)
	if err != nil {
		return report, err
	}

	// The advisory lock keys on the period's lower bound, so builders
	// racing on the same period contend on one lease row. The lease is
	// never released: a finished period's lock simply ages out while the
	// next period locks under a new key.
	var periodKey int64
	if prev != nil {
		periodKey = prev.PeriodEnd.UTC().Unix()
	}
	acquired, err := b.store.AcquireLease(ctx, fmt.Sprintf("checkpoint-%d", periodKey), b.owner, b.cfg.leaseTTL(), now)
	if err != nil {
		return report, err
	}
	if !acquired {
		log.Debug("checkpoint period locked elsewhere, build skipped")
		return report, nil
	}

	cycles, err := b.store.UncheckpointedCycles(ctx)
	if err != nil {
		return report, err
	}
	if len(cycles) == 0 {
		log.Debug("no cycles to checkpoint")
		return report, nil
	}

	var periodStart = cycles[0].CreatedAt
	if prev != nil {
		periodStart = prev.PeriodEnd
	}

	entries, err := b.rankPeriod(ctx, periodStart, now)
	if err != nil {
		return report, err
	}
	payload, err := b.contract.Resolved().BuildEmission(entries, b.cfg.Providers)
	if err != nil {
		return report, fmt.Errorf("building emission payload: %w", err)
	}
	if err := payload.Validate(); err != nil {
		return report, fmt.Errorf("emission payload rejected: %w", err)
	}

	var checkpointID = contract.NewCheckpointID(now)
	var root, nodes = merkle.BuildCheckpointTree(checkpointID, cycles, now)
	var cycleIDs = lo.Map(cycles, func(c contract.MerkleCycle, _ int) string { return c.ID })

	err = b.store.WithTx(ctx, func(q *store.Queries) error {
		if err := q.InsertCheckpoint(ctx, contract.Checkpoint{
			ID:              checkpointID,
			PeriodStart:     periodStart,
			PeriodEnd:       now,
			MerkleRoot:      root,
			EmissionPayload: payload,
			Status:          contract.CheckpointPending,
			CycleCount:      len(cycles),
			CreatedAt:       now,
		}); err != nil {
			return err
		}
		if err := q.AssignCyclesToCheckpoint(ctx, cycleIDs, checkpointID); err != nil {
			return err
		}
		return q.InsertMerkleNodes(ctx, nodes)
	})
	if err != nil {
		return report, err
	}

	ops.CheckpointsCreated.Inc()
	if b.events != nil {
		b.events.Publish(bus.TopicCheckpointCreated, bus.CheckpointCreatedEvent{
			CheckpointID: checkpointID,
			MerkleRoot:   root,
		})
	}
	log.WithFields(log.Fields{
		"checkpoint_id": checkpointID,
		"cycles":        len(cycles),
		"models":        len(entries),
		"merkle_root":   root,
	}).Info("checkpoint created")

	report = Report{CheckpointID: checkpointID, MerkleRoot: root, Cycles: len(cycles), Ranked: len(entries)}
	return report, nil
}

// rankPeriod aggregates each real model's snapshots over the period,
// weighting the summary value by prediction count, and ranks the result
// by the contract's direction. Virtual ensembles hold snapshots too but
// never earn emission. Ties break on model id so replays rank
// identically.
func (b *Builder) rankPeriod(ctx context.Context, from, to time.Time) ([]contract.RankedEntry, error) {
	modelIDs, err := b.store.SnapshotModelIDs(ctx)
	if err != nil {
		return nil, err
	}
	var agg = b.contract.Aggregation

	type standing struct {
		modelID string
		score   float64
		count   int
		summary contract.JSONMap
	}
	var standings []standing
	for _, id := range modelIDs {
		if contract.IsEnsembleModelID(id) {
			continue
		}
		snaps, err := b.store.SnapshotsByModelSince(ctx, id, from)
		if err != nil {
			return nil, err
		}

		var weighted, weightSum float64
		var count int
		var summary contract.JSONMap
		for _, s := range snaps {
			if s.CreatedAt.After(to) {
				continue
			}
			var v, _ = s.ResultSummary.Float(agg.SummaryKey)
			var w = float64(s.PredictionCount)
			if w <= 0 {
				w = 1
			}
			weighted += v * w
			weightSum += w
			count += s.PredictionCount
			summary = s.ResultSummary
		}
		if weightSum == 0 {
			continue
		}
		standings = append(standings, standing{modelID: id, score: weighted / weightSum, count: count, summary: summary})
	}

	sort.SliceStable(standings, func(i, j int) bool {
		if standings[i].score != standings[j].score {
			if agg.RankingDirection == "asc" {
				return standings[i].score < standings[j].score
			}
			return standings[i].score > standings[j].score
		}
		return standings[i].modelID < standings[j].modelID
	})

	var entries = make([]contract.RankedEntry, 0, len(standings))
	for i, s := range standings {
		entries = append(entries, contract.RankedEntry{
			Rank:            i + 1,
			ModelID:         s.modelID,
			Score:           s.score,
			PredictionCount: s.count,
			ResultSummary:   s.summary,
		})
	}
	return entries, nil
}
