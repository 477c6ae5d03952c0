package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/crunchdao/coordinator-node-starter/go/bus"
	"github.com/crunchdao/coordinator-node-starter/go/checkpoint"
	"github.com/crunchdao/coordinator-node-starter/go/contract"
	"github.com/crunchdao/coordinator-node-starter/go/feeds"
	"github.com/crunchdao/coordinator-node-starter/go/ingest"
	"github.com/crunchdao/coordinator-node-starter/go/ops"
	"github.com/crunchdao/coordinator-node-starter/go/predict"
	"github.com/crunchdao/coordinator-node-starter/go/reports"
	"github.com/crunchdao/coordinator-node-starter/go/score"
	"github.com/crunchdao/coordinator-node-starter/go/store"
)

// service is one supervised worker loop.
type service struct {
	name string
	run  func(context.Context) error
}

// Runtime is the assembled node: one store, one event bus, and every
// worker loop wired to the frozen contract.
type Runtime struct {
	cfg      Config
	contract *contract.Contract

	lock     *flock.Flock
	store    *store.Store
	events   *bus.Bus
	lake     *ingest.Lake
	journal  *ops.ServiceJournal
	services []service

	backfiller *ingest.Backfiller
}

// New assembles a runtime from validated configuration. It acquires
// the data-dir lock, loads the contract, opens the store, and
// constructs every service; nothing runs until Run is called.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	// One node per data dir. A second process must fail loudly rather
	// than interleave sqlite writes and lake appends with the first.
	var lock = flock.New(filepath.Join(cfg.Node.DataDir, "coordinator.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking data dir: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("data dir %s is held by another coordinator", cfg.Node.DataDir)
	}

	var r = &Runtime{cfg: cfg, lock: lock}
	if err := r.assemble(ctx); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Runtime) assemble(ctx context.Context) error {
	var cfg = r.cfg

	if _, err := ops.TeeProcessLog(cfg.Node.DataDir); err != nil {
		return err
	}
	journal, err := ops.OpenServiceJournal(cfg.Node.DataDir)
	if err != nil {
		return err
	}
	r.journal = journal

	c, err := LoadContract(cfg.Node.ContractFile)
	if err != nil {
		return err
	}
	r.contract = c

	st, err := store.Open(ctx, cfg.DatabasePath())
	if err != nil {
		return err
	}
	r.store = st

	if err := SeedPredictionConfigs(ctx, st, c, cfg.FeedScopes()); err != nil {
		return err
	}

	r.events = bus.New()
	r.lake = ingest.NewLake(cfg.LakeRoot())

	source, err := feeds.Open(cfg.Feed.Source, cfg.sourceConfig())
	if err != nil {
		return err
	}
	for _, scope := range cfg.FeedScopes() {
		worker, err := ingest.NewWorker(st, source, r.events, ingest.WorkerConfig{
			Scope:        scope,
			PollInterval: seconds(cfg.Feed.PollSeconds),
		})
		if err != nil {
			return err
		}
		r.addService("feed-worker/"+scope.Subject, worker.Run)
	}

	r.backfiller = ingest.NewBackfiller(st, func(name string) (feeds.Source, error) {
		return feeds.Open(name, cfg.sourceConfig())
	}, r.lake, 0)
	r.addService("backfiller", r.backfiller.Run)
	r.addService("warm-up", r.warmUp)
	r.addService("retention", ingest.NewRetainer(st, time.Duration(cfg.Feed.RecordTTLDays)*24*time.Hour).Run)

	var client = predict.NewClient(cfg.Model.RunnerNodeHost, cfg.Model.RunnerNodePort)
	var runner = predict.NewRunner(st, client, predict.RunnerConfig{
		MaxConsecutiveFailures: cfg.Model.ConsecutiveFailureLimit,
		MaxConsecutiveTimeouts: cfg.Model.ConsecutiveTimeoutLimit,
	})
	r.addService("model-sync", runner.Run)
	r.addService("predict-orchestrator", predict.NewOrchestrator(st, c, client, runner, r.events, predict.OrchestratorConfig{
		PredictTimeout: seconds(cfg.Model.RunnerTimeoutSeconds),
	}).Run)

	r.addService("score-engine", score.NewEngine(st, c, score.NewRegistry(), r.events, score.EngineConfig{
		Interval: seconds(cfg.Score.IntervalSeconds),
	}).Run)

	builder, err := checkpoint.NewBuilder(st, c, r.events, checkpoint.BuilderConfig{
		CronSpec: cfg.Checkpoint.Cron,
		Interval: seconds(cfg.Checkpoint.IntervalSeconds),
		Providers: contract.EmissionProviders{
			Crunch:          cfg.Crunch.Pubkey,
			ComputeProvider: cfg.Providers.ComputePubkey,
			DataProvider:    cfg.Providers.DataPubkey,
		},
	})
	if err != nil {
		return err
	}
	r.addService("checkpoint-builder", builder.Run)

	r.addService("reporting-api", reports.NewServer(reports.Deps{
		Store:      st,
		Lake:       r.lake,
		Backfiller: r.backfiller,
		Events:     r.events,
	}, reports.Config{
		Addr:           fmt.Sprintf(":%d", cfg.API.Port),
		APIKey:         cfg.API.Key,
		JWTSecret:      cfg.API.JWTSecret,
		ReadAuth:       cfg.API.ReadAuth,
		PublicPrefixes: splitList(cfg.API.PublicPrefixes),
		AdminPrefixes:  splitList(cfg.API.AdminPrefixes),
	}).Run)

	return nil
}

func (r *Runtime) addService(name string, run func(context.Context) error) {
	r.services = append(r.services, service{name: name, run: run})
}

// Run starts every service and blocks until the context ends or a
// service fails. A clean context cancellation is not an error.
func (r *Runtime) Run(ctx context.Context) error {
	log.WithFields(log.Fields{
		"crunch":   r.cfg.Crunch.ID,
		"source":   r.cfg.Feed.Source,
		"subjects": splitList(r.cfg.Feed.Subjects),
		"data_dir": r.cfg.Node.DataDir,
		"services": len(r.services),
	}).Info("coordinator starting")

	var group, gctx = errgroup.WithContext(ctx)
	for _, svc := range r.services {
		r.spawn(group, gctx, svc)
	}

	var err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("coordinator stopped on failure")
		return err
	}
	log.Info("coordinator stopped")
	return nil
}

func (r *Runtime) spawn(group *errgroup.Group, ctx context.Context, svc service) {
	r.journal.Started(svc.name)
	group.Go(func() error {
		var err = svc.run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.journal.Failed(svc.name, err)
			return fmt.Errorf("%s: %w", svc.name, err)
		}
		r.journal.Stopped(svc.name)
		return nil
	})
}

// warmUp admits one backfill job covering the configured span for each
// scope that has never ingested, running them serially because job
// admission is exclusive. Scopes with a watermark are left to their
// pollers.
func (r *Runtime) warmUp(ctx context.Context) error {
	if r.cfg.Feed.BackfillMinutes <= 0 {
		return nil
	}
	var span = time.Duration(r.cfg.Feed.BackfillMinutes) * time.Minute
	for _, scope := range r.cfg.FeedScopes() {
		var watermark, err = r.store.Watermark(ctx, scope)
		if err != nil {
			return err
		}
		if watermark > 0 {
			continue
		}
		var now = time.Now().UTC()
		var job = contract.BackfillJob{
			ID:          contract.NewBackfillJobID(),
			Source:      scope.Source,
			Subject:     scope.Subject,
			Kind:        scope.Kind,
			Granularity: scope.Granularity,
			StartTs:     now.Add(-span).Unix(),
			EndTs:       now.Unix(),
			Status:      contract.JobPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := r.store.CreateBackfillJob(ctx, job); err != nil {
			if errors.Is(err, store.ErrJobAlreadyRunning) {
				log.WithField("scope", scope.Key()).Info("backfill already active, warm-up yields")
				return nil
			}
			return err
		}
		r.backfiller.Enqueue(job.ID)
		log.WithFields(log.Fields{
			"scope":   scope.Key(),
			"job_id":  job.ID,
			"minutes": r.cfg.Feed.BackfillMinutes,
		}).Info("warm-up backfill admitted")
		if err := r.awaitJob(ctx, job.ID); err != nil {
			return err
		}
	}
	return nil
}

// awaitJob polls until the job reaches a terminal status. A failed
// warm-up is logged, not fatal; the poller still fills forward.
func (r *Runtime) awaitJob(ctx context.Context, jobID string) error {
	var ticker = time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			var job, err = r.store.BackfillJobByID(ctx, jobID)
			if err != nil {
				return err
			}
			switch job.Status {
			case contract.JobCompleted:
				return nil
			case contract.JobFailed:
				log.WithField("job_id", jobID).Warn("warm-up backfill failed")
				return nil
			}
		}
	}
}

// RunBackfill admits one job over the configured feed scope for subject
// and executes it synchronously, returning the terminal job row.
func (r *Runtime) RunBackfill(ctx context.Context, subject string, startTs, endTs int64) (contract.BackfillJob, error) {
	var now = time.Now().UTC()
	var job = contract.BackfillJob{
		ID:          contract.NewBackfillJobID(),
		Source:      r.cfg.Feed.Source,
		Subject:     subject,
		Kind:        r.cfg.Feed.Kind,
		Granularity: r.cfg.Feed.Granularity,
		StartTs:     startTs,
		EndTs:       endTs,
		Status:      contract.JobPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.CreateBackfillJob(ctx, job); err != nil {
		return job, err
	}
	if err := r.backfiller.Execute(ctx, job.ID); err != nil {
		return job, err
	}
	return r.store.BackfillJobByID(ctx, job.ID)
}

// Close releases everything New acquired. Safe to call on a partially
// assembled runtime.
func (r *Runtime) Close() error {
	if r.events != nil {
		r.events.Close()
	}
	var firstErr error
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			firstErr = err
		}
	}
	if r.journal != nil {
		if err := r.journal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.lock != nil {
		if err := r.lock.Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
