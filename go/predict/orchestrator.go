package predict

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/crunchdao/coordinator-node-starter/go/bus"
	"github.com/crunchdao/coordinator-node-starter/go/contract"
	"github.com/crunchdao/coordinator-node-starter/go/ops"
	"github.com/crunchdao/coordinator-node-starter/go/store"
)

// Fallback raw window when a scope declares no lookback: two hours
// covers the default candle builder's 120-bar window at 1m granularity.
const defaultLookbackSeconds = 7200

// OrchestratorConfig bounds one cycle's fan-out.
type OrchestratorConfig struct {
	PredictTimeout time.Duration // per model call deadline, default 30s
	MaxConcurrent  int           // fan-out pool size, default 16
	TickPeriod     time.Duration // scheduler resolution, default 1s
}

func (c OrchestratorConfig) predictTimeout() time.Duration {
	if c.PredictTimeout > 0 {
		return c.PredictTimeout
	}
	return 30 * time.Second
}

func (c OrchestratorConfig) maxConcurrent() int {
	if c.MaxConcurrent > 0 {
		return c.MaxConcurrent
	}
	return 16
}

func (c OrchestratorConfig) tickPeriod() time.Duration {
	if c.TickPeriod > 0 {
		return c.TickPeriod
	}
	return time.Second
}

// LiveSet is the slice of the runner the orchestrator fans out over.
type LiveSet interface {
	Live() []contract.Model
	RecordSuccess(modelID string)
	RecordFailure(modelID string) bool
	RecordTimeout(modelID string) bool
}

// CycleReport summarizes one RunCycle evaluation.
type CycleReport struct {
	Fired   int
	Skipped int
	Inputs  int
	Pending int
	Failed  int
	Absent  int
}

func (r *CycleReport) merge(other CycleReport) {
	r.Fired += other.Fired
	r.Skipped += other.Skipped
	r.Inputs += other.Inputs
	r.Pending += other.Pending
	r.Failed += other.Failed
	r.Absent += other.Absent
}

// Orchestrator evaluates schedules and fires prediction cycles. One
// fire builds the inference input, fans out to every live model under a
// per-call deadline, classifies outcomes, and commits the input with
// all predictions in a single transaction.
type Orchestrator struct {
	store    *store.Store
	contract *contract.Contract
	invoker  Invoker
	models   LiveSet
	events   *bus.Bus
	cfg      OrchestratorConfig

	mu       sync.Mutex
	nextRun  map[string]time.Time
	crons    map[string]cron.Schedule
	cronNext map[string]time.Time
	lastFeed map[string]time.Time
}

func NewOrchestrator(st *store.Store, c *contract.Contract, invoker Invoker, models LiveSet, events *bus.Bus, cfg OrchestratorConfig) *Orchestrator {
	return &Orchestrator{
		store:    st,
		contract: c,
		invoker:  invoker,
		models:   models,
		events:   events,
		cfg:      cfg,
		nextRun:  map[string]time.Time{},
		crons:    map[string]cron.Schedule{},
		cronNext: map[string]time.Time{},
		lastFeed: map[string]time.Time{},
	}
}

// Run evaluates schedules on the tick period and fires event-driven
// cycles on feed advances until the context ends.
func (o *Orchestrator) Run(ctx context.Context) error {
	var msgs <-chan bus.Message
	if o.events != nil {
		var cancel func()
		msgs, cancel = o.events.Subscribe(bus.TopicFeedAdvanced, "predict-orchestrator", 16)
		defer cancel()
	}
	var ticker = time.NewTicker(o.cfg.tickPeriod())
	defer ticker.Stop()
	log.Info("predict orchestrator started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := o.RunCycle(ctx, time.Now().UTC()); err != nil && ctx.Err() == nil {
				log.WithError(err).Error("prediction cycle failed")
			}
		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			if evt, ok := msg.Payload.(bus.FeedAdvanceEvent); ok {
				o.HandleFeedAdvance(ctx, evt)
			}
		}
	}
}

// RunCycle fires every active config whose schedule is due at now.
// Failures are per-config: one broken config never blocks the others.
func (o *Orchestrator) RunCycle(ctx context.Context, now time.Time) (CycleReport, error) {
	var report CycleReport
	var configs, err = o.store.ActivePredictionConfigs(ctx)
	if err != nil {
		return report, err
	}
	var errs []error
	for _, cfg := range configs {
		if !o.due(cfg, now) {
			continue
		}
		report.Fired++
		var one, fireErr = o.fire(ctx, cfg, now)
		report.merge(one)
		if fireErr != nil {
			errs = append(errs, fmt.Errorf("config %s: %w", cfg.ID, fireErr))
			log.WithError(fireErr).WithField("config_id", cfg.ID).Error("prediction fire failed")
		}
	}
	return report, errors.Join(errs...)
}

// due evaluates interval and cron schedules, advancing their state when
// the config fires. First sight of an interval config fires
// immediately; first sight of a cron config schedules its next
// occurrence.
func (o *Orchestrator) due(cfg contract.ScheduledPredictionConfig, now time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if every := cfg.Schedule.EverySeconds; every > 0 {
		var next, seen = o.nextRun[cfg.ID]
		if !seen || !now.Before(next) {
			o.nextRun[cfg.ID] = now.Add(time.Duration(every) * time.Second)
			return true
		}
	}
	if expr := cfg.Schedule.Cron; expr != "" {
		var sched, seen = o.crons[cfg.ID]
		if !seen {
			var parsed, err = cron.ParseStandard(expr)
			if err != nil {
				log.WithError(err).WithFields(log.Fields{"config_id": cfg.ID, "cron": expr}).Error("unparseable cron expression")
				o.crons[cfg.ID] = nil
				return false
			}
			o.crons[cfg.ID] = parsed
			o.cronNext[cfg.ID] = parsed.Next(now)
			return false
		}
		if sched == nil {
			return false
		}
		if !now.Before(o.cronNext[cfg.ID]) {
			o.cronNext[cfg.ID] = sched.Next(now)
			return true
		}
	}
	return false
}

// HandleFeedAdvance fires configs that opted into event-driven
// scheduling for the advanced subject, debounced to the scope's step.
func (o *Orchestrator) HandleFeedAdvance(ctx context.Context, evt bus.FeedAdvanceEvent) {
	var scope, err = contract.ParseFeedScope(evt.ScopeKey)
	if err != nil {
		return
	}
	configs, err := o.store.ActivePredictionConfigs(ctx)
	if err != nil {
		log.WithError(err).Warn("loading configs for feed-advance fire")
		return
	}
	var now = time.Now().UTC()
	for _, cfg := range configs {
		if !cfg.Schedule.OnFeedAdvance || cfg.Scope.Subject != scope.Subject {
			continue
		}
		if !o.feedFireDue(cfg, now) {
			continue
		}
		if _, err := o.fire(ctx, cfg, now); err != nil {
			log.WithError(err).WithField("config_id", cfg.ID).Error("feed-advance fire failed")
		}
	}
}

func (o *Orchestrator) feedFireDue(cfg contract.ScheduledPredictionConfig, now time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	var step = time.Duration(cfg.Scope.StepSeconds) * time.Second
	if step <= 0 {
		step = time.Second
	}
	if last, ok := o.lastFeed[cfg.ID]; ok && now.Sub(last) < step {
		return false
	}
	o.lastFeed[cfg.ID] = now
	return true
}

func (o *Orchestrator) fire(ctx context.Context, cfg contract.ScheduledPredictionConfig, now time.Time) (CycleReport, error) {
	var report CycleReport
	var started = time.Now()
	defer func() {
		ops.PredictTickDuration.WithLabelValues(cfg.ScopeKey).Observe(time.Since(started).Seconds())
	}()

	var lookback = cfg.Scope.LookbackSeconds
	if lookback <= 0 {
		lookback = defaultLookbackSeconds
	}
	var window, err = o.store.SubjectWindow(ctx, cfg.Scope.Subject, now.Unix()-lookback, now.Unix())
	if err != nil {
		return report, err
	}
	if len(window) == 0 {
		report.Skipped++
		ops.PredictCyclesSkipped.WithLabelValues(cfg.ScopeKey).Inc()
		log.WithFields(log.Fields{"config_id": cfg.ID, "subject": cfg.Scope.Subject}).Info("empty feed window, cycle skipped")
		return report, nil
	}

	raw, err := o.contract.Resolved().BuildInput(window, cfg.Scope, now.Unix())
	if err != nil {
		return report, fmt.Errorf("building inference input: %w", err)
	}

	var input = contract.Input{
		ID:           contract.NewInputID(now),
		ConfigID:     cfg.ID,
		Scope:        cfg.Scope,
		RawInput:     raw,
		PerformedAt:  now,
		ResolvableAt: now.Add(time.Duration(cfg.Scope.HorizonSeconds) * time.Second),
		Status:       contract.InputReceived,
	}

	var models = o.models.Live()
	var predictions = make([]contract.Prediction, len(models))
	var g errgroup.Group
	g.SetLimit(o.cfg.maxConcurrent())
	for i, m := range models {
		i, m := i, m
		g.Go(func() error {
			predictions[i] = o.invoke(ctx, m, cfg, input, now)
			return nil
		})
	}
	_ = g.Wait()

	err = o.store.WithTx(ctx, func(q *store.Queries) error {
		if err := q.InsertInput(ctx, input); err != nil {
			return err
		}
		if len(predictions) > 0 {
			return q.InsertPredictions(ctx, predictions)
		}
		return nil
	})
	if err != nil {
		return report, err
	}

	report.Inputs++
	for _, p := range predictions {
		ops.PredictionsCreated.WithLabelValues(string(p.Status)).Inc()
		switch p.Status {
		case contract.PredictionPending:
			report.Pending++
		case contract.PredictionFailed:
			report.Failed++
		case contract.PredictionAbsent:
			report.Absent++
		}
	}
	log.WithFields(log.Fields{
		"config_id": cfg.ID,
		"input_id":  input.ID,
		"models":    len(models),
		"pending":   report.Pending,
		"failed":    report.Failed,
		"absent":    report.Absent,
	}).Info("prediction cycle committed")
	return report, nil
}

// invoke calls one model and classifies the outcome. Tick primes the
// model with the same input; a tick failure classifies like a predict
// failure.
func (o *Orchestrator) invoke(ctx context.Context, m contract.Model, cfg contract.ScheduledPredictionConfig, input contract.Input, now time.Time) contract.Prediction {
	var callCtx, cancel = callContext(ctx, o.cfg.predictTimeout())
	defer cancel()

	var started = time.Now()
	var output contract.JSONMap
	var err = o.invoker.Tick(callCtx, m.ID, input.RawInput)
	if err == nil {
		output, err = o.invoker.Predict(callCtx, m.ID, input.RawInput)
	}
	var execUs = time.Since(started).Microseconds()

	var status contract.PredictionStatus
	var meta contract.JSONMap
	switch {
	case err == nil:
		var normalized, verr = o.contract.Resolved().ValidateOutput(output)
		if verr != nil {
			status = contract.PredictionFailed
			meta = contract.JSONMap{"failed_reason": verr.Error()}
			output = contract.JSONMap{"_validation_error": verr.Error(), "raw_output": output}
			o.models.RecordFailure(m.ID)
		} else {
			status = contract.PredictionPending
			output = normalized
			o.models.RecordSuccess(m.ID)
		}
	case errors.Is(err, context.DeadlineExceeded):
		status = contract.PredictionFailed
		meta = contract.JSONMap{"failed_reason": contract.ReasonTimeout}
		o.models.RecordTimeout(m.ID)
	case errors.Is(err, ErrUnreachable):
		status = contract.PredictionAbsent
		o.models.RecordFailure(m.ID)
	default:
		status = contract.PredictionFailed
		meta = contract.JSONMap{"failed_reason": err.Error()}
		o.models.RecordFailure(m.ID)
	}

	return contract.Prediction{
		ID:              contract.NewPredictionID(status, m.ID, cfg.ScopeKey, now),
		ModelID:         m.ID,
		InputID:         input.ID,
		ConfigID:        cfg.ID,
		ScopeKey:        cfg.ScopeKey,
		Scope:           cfg.Scope,
		InferenceOutput: output,
		ExecTimeUs:      execUs,
		Status:          status,
		Meta:            meta,
		PerformedAt:     now,
	}
}
