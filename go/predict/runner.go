package predict

import (
	"context"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/crunchdao/coordinator-node-starter/go/contract"
	"github.com/crunchdao/coordinator-node-starter/go/ops"
	"github.com/crunchdao/coordinator-node-starter/go/store"
)

// RunnerConfig bounds the live set's failure tolerance.
type RunnerConfig struct {
	SyncInterval           time.Duration // default 30s
	MaxConsecutiveFailures int           // default 5
	MaxConsecutiveTimeouts int           // default 5
}

func (c RunnerConfig) syncInterval() time.Duration {
	if c.SyncInterval > 0 {
		return c.SyncInterval
	}
	return 30 * time.Second
}

func (c RunnerConfig) failureLimit() int {
	if c.MaxConsecutiveFailures > 0 {
		return c.MaxConsecutiveFailures
	}
	return 5
}

func (c RunnerConfig) timeoutLimit() int {
	if c.MaxConsecutiveTimeouts > 0 {
		return c.MaxConsecutiveTimeouts
	}
	return 5
}

type modelState struct {
	model    contract.Model
	failures int
	timeouts int
}

// Runner tracks which models are live. The sync loop mirrors the runner
// node's listing into the registry; the orchestrator reports per-call
// outcomes, and a model whose consecutive failures or timeouts cross
// the limit is evicted until the listing drops and re-announces it.
type Runner struct {
	store  *store.Store
	lister ModelLister
	cfg    RunnerConfig

	mu      sync.Mutex
	live    map[string]*modelState
	evicted map[string]string // model id -> eviction reason
}

func NewRunner(st *store.Store, lister ModelLister, cfg RunnerConfig) *Runner {
	return &Runner{
		store:   st,
		lister:  lister,
		cfg:     cfg,
		live:    map[string]*modelState{},
		evicted: map[string]string{},
	}
}

// Run syncs immediately and then on the configured interval.
func (r *Runner) Run(ctx context.Context) error {
	var ticker = time.NewTicker(r.cfg.syncInterval())
	defer ticker.Stop()
	for {
		if err := r.Sync(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("model sync failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sync refreshes the live set from the runner node listing and upserts
// every listed model into the registry.
func (r *Runner) Sync(ctx context.Context) error {
	var listed, err = r.lister.ListModels(ctx)
	if err != nil {
		return err
	}
	var now = time.Now().UTC()
	for i := range listed {
		var m = listed[i]
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		m.UpdatedAt = now
		if err := r.store.UpsertModel(ctx, m); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var seen = make(map[string]bool, len(listed))
	for _, m := range listed {
		seen[m.ID] = true
		if _, quarantined := r.evicted[m.ID]; quarantined {
			continue
		}
		if state, ok := r.live[m.ID]; ok {
			state.model = m
			continue
		}
		r.live[m.ID] = &modelState{model: m}
		log.WithField("model_id", m.ID).Info("model joined live set")
	}
	for id := range r.live {
		if !seen[id] {
			delete(r.live, id)
			log.WithField("model_id", id).Info("model left live set")
		}
	}
	// A model the listing dropped may re-register later with a clean
	// slate.
	for id := range r.evicted {
		if !seen[id] {
			delete(r.evicted, id)
		}
	}
	ops.ModelsLive.Set(float64(len(r.live)))
	return nil
}

// Live returns the live models sorted by id.
func (r *Runner) Live() []contract.Model {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out = make([]contract.Model, 0, len(r.live))
	for _, state := range r.live {
		out = append(out, state.model)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RecordSuccess resets the model's failure counters.
func (r *Runner) RecordSuccess(modelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok := r.live[modelID]; ok {
		state.failures = 0
		state.timeouts = 0
	}
}

// RecordFailure counts one failure and reports whether it evicted the
// model.
func (r *Runner) RecordFailure(modelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	var state, ok = r.live[modelID]
	if !ok {
		return false
	}
	state.failures++
	if state.failures >= r.cfg.failureLimit() {
		r.evictLocked(modelID, "consecutive failures")
		return true
	}
	return false
}

// RecordTimeout counts one deadline miss and reports whether it evicted
// the model.
func (r *Runner) RecordTimeout(modelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	var state, ok = r.live[modelID]
	if !ok {
		return false
	}
	state.timeouts++
	if state.timeouts >= r.cfg.timeoutLimit() {
		r.evictLocked(modelID, "consecutive timeouts")
		return true
	}
	return false
}

func (r *Runner) evictLocked(modelID, reason string) {
	delete(r.live, modelID)
	r.evicted[modelID] = reason
	ops.ModelEvictions.Inc()
	ops.ModelsLive.Set(float64(len(r.live)))
	log.WithFields(log.Fields{"model_id": modelID, "reason": reason}).Warn("model evicted")
}

// Evicted returns the quarantine roster, for the reports surface.
func (r *Runner) Evicted() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out = make(map[string]string, len(r.evicted))
	for id, reason := range r.evicted {
		out[id] = reason
	}
	return out
}
