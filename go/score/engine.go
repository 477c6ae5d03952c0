// Package score closes the competition loop. Each pass resolves ground
// truth on due inputs, scores the pending predictions of resolved inputs,
// folds the results into per-model snapshots enriched with cross-model
// metrics, builds configured ensembles, commits the pass's Merkle cycle,
// and rebuilds the leaderboard. Everything downstream of scoring commits
// in one transaction, so a crashed pass replays cleanly.
package score

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/crunchdao/coordinator-node-starter/go/bus"
	"github.com/crunchdao/coordinator-node-starter/go/contract"
	"github.com/crunchdao/coordinator-node-starter/go/merkle"
	"github.com/crunchdao/coordinator-node-starter/go/ops"
	"github.com/crunchdao/coordinator-node-starter/go/store"
)

// leaseName keys the heartbeat row that keeps score passes single flight
// across processes.
const leaseName = "score-engine"

// EngineConfig tunes the score pass.
type EngineConfig struct {
	Interval   time.Duration // pass cadence, default 60s
	LeaseTTL   time.Duration // heartbeat lease expiry, default 5m
	ResolveTTL time.Duration // ground truth wait before the sentinel, default 1h
	BatchLimit int           // inputs pulled per phase per pass, default 256
}

func (c EngineConfig) interval() time.Duration {
	if c.Interval > 0 {
		return c.Interval
	}
	return time.Minute
}

func (c EngineConfig) leaseTTL() time.Duration {
	if c.LeaseTTL > 0 {
		return c.LeaseTTL
	}
	return 5 * time.Minute
}

func (c EngineConfig) resolveTTL() time.Duration {
	if c.ResolveTTL > 0 {
		return c.ResolveTTL
	}
	return time.Hour
}

func (c EngineConfig) batchLimit() int {
	if c.BatchLimit > 0 {
		return c.BatchLimit
	}
	return 256
}

// PassReport summarizes one score pass.
type PassReport struct {
	Resolved          int
	Scored            int
	Failed            int
	EnsemblePredicted int
	Snapshots         int
	Ranked            int
	CycleID           string
	ChainedRoot       string
}

// Engine runs the score pass. Exactly one engine instance makes progress
// at a time; the rest bounce off the heartbeat lease.
type Engine struct {
	store    *store.Store
	contract *contract.Contract
	registry *Registry
	events   *bus.Bus
	cfg      EngineConfig
	owner    string
}

// NewEngine assembles an engine. A nil registry gets the built-in metric
// set; events may be nil when nothing listens for cycle commits.
func NewEngine(st *store.Store, c *contract.Contract, registry *Registry, events *bus.Bus, cfg EngineConfig) *Engine {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Engine{
		store:    st,
		contract: c,
		registry: registry,
		events:   events,
		cfg:      cfg,
		owner:    uuid.NewString(),
	}
}

// Run executes passes on the configured cadence until the context ends.
func (e *Engine) Run(ctx context.Context) error {
	log.WithFields(log.Fields{
		"interval": e.cfg.interval(),
		"owner":    e.owner,
	}).Info("score engine started")

	var ticker = time.NewTicker(e.cfg.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.releaseLease()
			return nil
		case <-ticker.C:
			if _, err := e.RunOnce(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Error("score pass failed")
			}
		}
	}
}

func (e *Engine) releaseLease() {
	var ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.ReleaseLease(ctx, leaseName, e.owner); err != nil {
		log.WithError(err).Warn("releasing score lease failed")
	}
}

// RunOnce executes one pass. It returns a zero report without error when
// another engine holds the lease. Phase A commits per input; everything
// from scoring through the leaderboard commits in a single transaction
// with the Merkle cycle, so a pass either lands whole or replays.
func (e *Engine) RunOnce(ctx context.Context) (PassReport, error) {
	var now = time.Now().UTC()
	var report PassReport

	acquired, err := e.store.AcquireLease(ctx, leaseName, e.owner, e.cfg.leaseTTL(), now)
	if err != nil {
		return report, err
	}
	if !acquired {
		log.Debug("score lease held elsewhere, pass skipped")
		return report, nil
	}

	var started = time.Now()
	defer func() {
		ops.ScorePassDuration.Observe(time.Since(started).Seconds())
	}()
	ops.ScorePasses.Inc()

	report.Resolved, err = e.resolveDue(ctx, now)
	if err != nil {
		return report, err
	}

	err = e.store.WithTx(ctx, func(q *store.Queries) error {
		return e.pass(ctx, q, now, &report)
	})
	if err != nil {
		return report, err
	}

	if e.events != nil && report.CycleID != "" {
		e.events.Publish(bus.TopicCycleCommitted, bus.CycleCommittedEvent{
			CycleID:       report.CycleID,
			ChainedRoot:   report.ChainedRoot,
			SnapshotCount: report.Snapshots,
		})
	}
	if report.Scored+report.Failed+report.Resolved > 0 {
		log.WithFields(log.Fields{
			"resolved":  report.Resolved,
			"scored":    report.Scored,
			"failed":    report.Failed,
			"ensembles": report.EnsemblePredicted,
			"snapshots": report.Snapshots,
			"cycle_id":  report.CycleID,
		}).Info("score pass committed")
	}
	return report, nil
}

// resolveDue stamps ground truth onto inputs past their horizon. Each
// input commits on its own: resolution is one-way, so a pass dying
// halfway never loses work. An input that outwaits the TTL resolves with
// the sentinel and its predictions fail on the next phase.
func (e *Engine) resolveDue(ctx context.Context, now time.Time) (int, error) {
	var due, err = e.store.DueInputs(ctx, now, e.cfg.batchLimit())
	if err != nil {
		return 0, err
	}

	var callables = e.contract.Resolved()
	var resolved int
	for _, input := range due {
		var from = input.ResolvableAt.UTC().Unix()
		window, err := e.store.SubjectWindow(ctx, input.Scope.Subject, from, from+resolveGrace(input.Scope))
		if err != nil {
			return resolved, err
		}

		actuals, err := callables.ResolveGroundTruth(input.Scope, window)
		if err != nil {
			log.WithError(err).WithField("input_id", input.ID).Warn("ground truth resolution failed")
			continue
		}
		if actuals == nil {
			if now.Sub(input.ResolvableAt) < e.cfg.resolveTTL() {
				continue
			}
			actuals = contract.JSONMap{contract.SentinelNoGroundTruth: true}
			log.WithField("input_id", input.ID).Warn("input passed resolution TTL without ground truth")
		}
		if err := e.store.ResolveInput(ctx, input.ID, actuals); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return resolved, err
		}
		resolved++
	}
	if resolved > 0 {
		log.WithField("inputs", resolved).Info("resolved ground truth")
	}
	return resolved, nil
}

// resolveGrace is the resolution window span past resolvable_at. One 1m
// candle must fit; feeds on slower cadences set resolve_grace_seconds on
// the scope.
func resolveGrace(scope contract.PredictionScope) int64 {
	if scope.ResolveGraceSeconds > 0 {
		return scope.ResolveGraceSeconds
	}
	if scope.StepSeconds > 60 {
		return scope.StepSeconds
	}
	return 60
}

// scoredRow pairs a prediction flipped to SCORED this pass with its
// score.
type scoredRow struct {
	pred  contract.Prediction
	score contract.Score
}

// modelGroup accumulates one model's slice of the pass.
type modelGroup struct {
	preds       []contract.Prediction
	scores      []contract.Score
	summary     contract.JSONMap
	periodStart time.Time
}

// pass runs phases B through G inside one transaction.
func (e *Engine) pass(ctx context.Context, q *store.Queries, now time.Time, report *PassReport) error {
	rows, inputs, err := e.scorePending(ctx, q, report)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		// A quiet pass still commits a cycle: the chain distinguishes
		// "ran and scored nothing" from "never ran".
		return e.commitCycle(ctx, q, nil, now, report)
	}

	var groups = map[string]*modelGroup{}
	for _, row := range rows {
		var g = groups[row.pred.ModelID]
		if g == nil {
			g = &modelGroup{periodStart: row.pred.PerformedAt}
			groups[row.pred.ModelID] = g
		}
		g.preds = append(g.preds, row.pred)
		g.scores = append(g.scores, row.score)
		if row.pred.PerformedAt.Before(g.periodStart) {
			g.periodStart = row.pred.PerformedAt
		}
	}

	var callables = e.contract.Resolved()
	for id, g := range groups {
		if g.summary, err = callables.AggregateSnapshot(g.scores); err != nil {
			return fmt.Errorf("aggregating snapshot for %s: %w", id, err)
		}
	}

	var mctx = Context{
		WindowEnd:           now,
		AllModelPredictions: map[string][]contract.Prediction{},
		EnsemblePredictions: map[string][]contract.Prediction{},
	}
	for id, g := range groups {
		mctx.AllModelPredictions[id] = g.preds
		if mctx.WindowStart.IsZero() || g.periodStart.Before(mctx.WindowStart) {
			mctx.WindowStart = g.periodStart
		}
	}

	// Core enrichment first; tier-3 metrics wait for the ensembles so
	// they see this pass's synthetic signals.
	var coreMetrics = lo.Without(e.contract.Metrics, Tier3Metrics...)
	for id, g := range groups {
		maps.Copy(g.summary, e.registry.Compute(coreMetrics, g.preds, g.scores, mctx.forModel(id)))
	}

	ensembles, err := e.buildEnsembles(ctx, q, groups, inputs, &mctx, now, report)
	if err != nil {
		return err
	}
	if len(mctx.EnsemblePredictions) > 0 {
		for id, g := range groups {
			maps.Copy(g.summary, e.registry.Compute(Tier3Metrics, g.preds, g.scores, mctx.forModel(id)))
		}
		var allMetrics = append(append([]string{}, coreMetrics...), Tier3Metrics...)
		for _, ens := range ensembles {
			maps.Copy(ens.summary, e.registry.Compute(allMetrics, ens.preds, ens.scores, mctx.forModel(ens.modelID)))
		}
	}

	var snapshots []contract.Snapshot
	for _, id := range sortedKeys(groups) {
		var g = groups[id]
		stored, err := e.writeSnapshot(ctx, q, id, g.periodStart, now, len(g.scores), g.summary)
		if err != nil {
			return err
		}
		snapshots = append(snapshots, stored)
	}
	for _, ens := range ensembles {
		stored, err := e.writeSnapshot(ctx, q, ens.modelID, ens.periodStart, now, len(ens.scores), ens.summary)
		if err != nil {
			return err
		}
		snapshots = append(snapshots, stored)
	}

	if err := e.commitCycle(ctx, q, snapshots, now, report); err != nil {
		return err
	}

	report.Ranked, err = e.rebuildLeaderboard(ctx, q, now)
	return err
}

// scorePending flips the pending predictions of resolved inputs to their
// terminal status and returns the rows that scored, plus the inputs they
// came from.
func (e *Engine) scorePending(ctx context.Context, q *store.Queries, report *PassReport) ([]scoredRow, map[string]contract.Input, error) {
	inputs, err := q.ResolvedInputsWithPending(ctx, e.cfg.batchLimit())
	if err != nil {
		return nil, nil, err
	}

	var rows []scoredRow
	var byID = make(map[string]contract.Input, len(inputs))
	for _, input := range inputs {
		byID[input.ID] = input
		preds, err := q.PendingPredictionsByInput(ctx, input.ID)
		if err != nil {
			return nil, nil, err
		}
		for _, pred := range preds {
			var status, score = e.scoreOne(input, pred)
			moved, err := q.FinishPrediction(ctx, pred.ID, status, &score)
			if err != nil {
				return nil, nil, err
			}
			if !moved {
				continue
			}
			if status == contract.PredictionScored {
				pred.Status = status
				pred.Score = &score
				rows = append(rows, scoredRow{pred: pred, score: score})
				report.Scored++
				ops.ScoresComputed.WithLabelValues("scored").Inc()
			} else {
				report.Failed++
				ops.ScoresComputed.WithLabelValues("failed").Inc()
			}
		}
	}
	return rows, byID, nil
}

// scoreOne maps one pending prediction to its terminal status. Scoring
// failures never propagate: errors and panics become FAILED scores
// carrying the reason.
func (e *Engine) scoreOne(input contract.Input, pred contract.Prediction) (contract.PredictionStatus, contract.Score) {
	if input.IsSentinel() {
		return contract.PredictionFailed, contract.Score{
			ID:           contract.NewScoreID(pred.ID),
			Success:      false,
			FailedReason: contract.ReasonNoGroundTruth,
		}
	}

	var score, err = e.safeScore(pred.InferenceOutput, input.Actuals)
	if err != nil {
		log.WithError(err).WithField("prediction_id", pred.ID).Warn("scoring failed")
		return contract.PredictionFailed, contract.Score{
			ID:           contract.NewScoreID(pred.ID),
			Success:      false,
			FailedReason: err.Error(),
		}
	}
	score.ID = contract.NewScoreID(pred.ID)
	if !score.Success {
		return contract.PredictionFailed, score
	}
	return contract.PredictionScored, score
}

func (e *Engine) safeScore(output, actuals contract.JSONMap) (s contract.Score, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("scoring panic: %v", p)
		}
	}()
	return e.contract.Resolved().Score(output, actuals)
}

// ensembleGroup is one ensemble's slice of the pass.
type ensembleGroup struct {
	modelID     string
	preds       []contract.Prediction
	scores      []contract.Score
	summary     contract.JSONMap
	periodStart time.Time
}

// buildEnsembles filters the member pool, weighs it, persists synthetic
// predictions for each configured ensemble, and scores them against the
// same actuals as their members. The context gains each ensemble's
// signal series for tier-3 metrics.
func (e *Engine) buildEnsembles(ctx context.Context, q *store.Queries, groups map[string]*modelGroup, inputs map[string]contract.Input, mctx *Context, now time.Time, report *PassReport) ([]*ensembleGroup, error) {
	if len(e.contract.Ensembles) == 0 {
		return nil, nil
	}

	var byModel = make(map[string][]contract.Prediction, len(groups))
	var metricsByModel = make(map[string]map[string]float64, len(groups))
	for id, g := range groups {
		byModel[id] = g.preds
		metricsByModel[id] = numericFields(g.summary)
	}

	var callables = e.contract.Resolved()
	var out []*ensembleGroup
	for _, cfg := range e.contract.Ensembles {
		var members = applyModelFilter(cfg.ModelFilter, metricsByModel, byModel)
		if len(members) == 0 {
			log.WithField("ensemble", cfg.Name).Info("no members after filtering")
			continue
		}
		var weights = ensembleWeights(cfg.Strategy, members)
		var synths = buildEnsemblePredictions(cfg, weights, members, now)
		if len(synths) == 0 {
			continue
		}

		var ens = &ensembleGroup{modelID: contract.EnsembleModelID(cfg.Name), periodStart: now}
		for i := range synths {
			var input, ok = inputs[synths[i].InputID]
			if !ok {
				continue
			}
			var status, score = e.scoreOne(input, synths[i])
			synths[i].Status = status
			synths[i].Score = &score
			report.EnsemblePredicted++
			if status == contract.PredictionScored {
				ens.preds = append(ens.preds, synths[i])
				ens.scores = append(ens.scores, score)
				ops.ScoresComputed.WithLabelValues("scored").Inc()
			} else {
				ops.ScoresComputed.WithLabelValues("failed").Inc()
			}
		}
		if err := q.InsertPredictions(ctx, synths); err != nil {
			return nil, err
		}
		if len(ens.scores) == 0 {
			continue
		}

		var err error
		if ens.summary, err = callables.AggregateSnapshot(ens.scores); err != nil {
			return nil, fmt.Errorf("aggregating ensemble %s: %w", cfg.Name, err)
		}
		if err := q.UpsertModel(ctx, contract.Model{
			ID:        ens.modelID,
			Name:      cfg.Name,
			Meta:      contract.JSONMap{"ensemble": true, "strategy": cfg.Strategy},
			CreatedAt: now,
			UpdatedAt: now,
		}); err != nil {
			return nil, err
		}

		mctx.EnsemblePredictions[cfg.Name] = ens.preds
		out = append(out, ens)
		log.WithFields(log.Fields{
			"ensemble":    cfg.Name,
			"members":     len(weights),
			"predictions": len(synths),
		}).Info("ensemble built")
	}
	return out, nil
}

// writeSnapshot hashes and upserts one model's period summary.
func (e *Engine) writeSnapshot(ctx context.Context, q *store.Queries, modelID string, periodStart, now time.Time, count int, summary contract.JSONMap) (contract.Snapshot, error) {
	var hash, err = merkle.CanonicalSnapshotHash(modelID, periodStart, now, count, summary)
	if err != nil {
		return contract.Snapshot{}, err
	}
	stored, err := q.UpsertSnapshot(ctx, contract.Snapshot{
		ID:              contract.NewSnapshotID(modelID, now),
		ModelID:         modelID,
		PeriodStart:     periodStart,
		PeriodEnd:       now,
		PredictionCount: count,
		ResultSummary:   summary,
		ContentHash:     hash,
		CreatedAt:       now,
	})
	if err != nil {
		return contract.Snapshot{}, err
	}
	ops.SnapshotsCommitted.Inc()
	return stored, nil
}

// commitCycle chains this pass's snapshots onto the Merkle history.
func (e *Engine) commitCycle(ctx context.Context, q *store.Queries, snapshots []contract.Snapshot, now time.Time, report *PassReport) error {
	var prev, err = q.LatestMerkleCycle(ctx)
	if err != nil {
		return err
	}
	cycle, nodes, err := merkle.BuildCycle(prev, snapshots, now)
	if err != nil {
		return err
	}
	if err := q.InsertMerkleCycle(ctx, cycle, nodes); err != nil {
		return err
	}
	report.CycleID = cycle.ID
	report.ChainedRoot = cycle.ChainedRoot
	report.Snapshots = len(snapshots)
	return nil
}

// rebuildLeaderboard ranks every model holding snapshots: rolling window
// means of the summary key, the latest snapshot's metric values, ordered
// by the contract's ranking key. Ties break on model id so reruns rank
// identically.
func (e *Engine) rebuildLeaderboard(ctx context.Context, q *store.Queries, now time.Time) (int, error) {
	var modelIDs, err = q.SnapshotModelIDs(ctx)
	if err != nil {
		return 0, err
	}
	var agg = e.contract.Aggregation

	type ranking struct {
		modelID string
		value   float64
		metrics contract.JSONMap
		windows contract.JSONMap
	}
	var rankings = make([]ranking, 0, len(modelIDs))
	for _, id := range modelIDs {
		var metrics = contract.JSONMap{}
		var windows = contract.JSONMap{}
		for name, w := range agg.Windows {
			snaps, err := q.SnapshotsByModelSince(ctx, id, now.Add(-w.Duration()))
			if err != nil {
				return 0, err
			}
			var vals []float64
			for _, s := range snaps {
				if v, ok := s.ResultSummary.Float(agg.SummaryKey); ok {
					vals = append(vals, v)
				}
			}
			var mean float64
			if len(vals) > 0 {
				mean = stat.Mean(vals, nil)
			}
			metrics[name] = mean
			windows[name] = mean
		}

		latest, ok, err := q.LatestSnapshotByModel(ctx, id)
		if err != nil {
			return 0, err
		}
		if ok {
			for _, name := range append(append([]string{}, e.contract.Metrics...), Tier3Metrics...) {
				if _, present := metrics[name]; present {
					continue
				}
				if v, okF := latest.ResultSummary.Float(name); okF {
					metrics[name] = v
				}
			}
		}

		var value, _ = metrics.Float(agg.RankingKey)
		rankings = append(rankings, ranking{modelID: id, value: value, metrics: metrics, windows: windows})
	}

	sort.SliceStable(rankings, func(i, j int) bool {
		if rankings[i].value != rankings[j].value {
			if agg.RankingDirection == "asc" {
				return rankings[i].value < rankings[j].value
			}
			return rankings[i].value > rankings[j].value
		}
		return rankings[i].modelID < rankings[j].modelID
	})

	var entries = make(contract.LeaderboardEntries, 0, len(rankings))
	for i, r := range rankings {
		entries = append(entries, contract.LeaderboardEntry{
			Rank:    i + 1,
			ModelID: r.modelID,
			Score:   r.value,
			Metrics: r.metrics,
		})
		if err := q.SetModelScores(ctx, r.modelID, r.value, r.windows, now); err != nil {
			return 0, err
		}
	}
	if err := q.InsertLeaderboard(ctx, contract.Leaderboard{
		ID:        contract.NewLeaderboardID(now),
		Entries:   entries,
		CreatedAt: now,
	}); err != nil {
		return 0, err
	}
	return len(entries), nil
}

// numericFields flattens a summary's numeric values for filter checks.
func numericFields(summary contract.JSONMap) map[string]float64 {
	var out = make(map[string]float64, len(summary))
	for key := range summary {
		if v, ok := summary.Float(key); ok {
			out[key] = v
		}
	}
	return out
}
