// Package coordinator assembles the competition node: it parses
// configuration, loads and freezes the contract, opens the store and
// parquet lake behind a data-dir lock, and supervises every worker
// loop under one errgroup until signaled to exit.
package coordinator

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"github.com/crunchdao/coordinator-node-starter/go/contract"
	"github.com/crunchdao/coordinator-node-starter/go/feeds"
	"github.com/crunchdao/coordinator-node-starter/go/ops"
)

// Config is the node's full configuration. Fields bind to flags and
// environment variables through go-flags tags; zero values defer to
// each service's own defaults.
type Config struct {
	Crunch struct {
		ID     string `long:"id" env:"ID" default:"local-crunch" description:"Competition identifier" validate:"required"`
		Pubkey string `long:"pubkey" env:"PUBKEY" description:"Crunch settlement pubkey stamped on emission payloads"`
	} `group:"Crunch" namespace:"crunch" env-namespace:"CRUNCH"`

	Feed struct {
		Source          string `long:"source" env:"SOURCE" default:"binance" description:"Feed source adapter name" validate:"required"`
		Subjects        string `long:"subjects" env:"SUBJECTS" default:"btcusdt" description:"Comma-separated subjects to ingest" validate:"required"`
		Kind            string `long:"kind" env:"KIND" default:"candle" description:"Feed record kind" validate:"required"`
		Granularity     string `long:"granularity" env:"GRANULARITY" default:"1m" description:"Feed granularity" validate:"required"`
		PollSeconds     int    `long:"poll-seconds" env:"POLL_SECONDS" default:"0" description:"Poll cadence; zero derives it from the granularity" validate:"gte=0"`
		BackfillMinutes int    `long:"backfill-minutes" env:"BACKFILL_MINUTES" default:"0" description:"History to warm up on the first boot of a scope" validate:"gte=0"`
		RecordTTLDays   int    `long:"record-ttl-days" env:"RECORD_TTL_DAYS" default:"90" description:"Feed record retention; zero keeps everything" validate:"gte=0"`
		ReplayDir       string `long:"replay-dir" env:"REPLAY_DIR" description:"Fixture directory of the replay source; defaults under the data dir"`
	} `group:"Feed" namespace:"feed" env-namespace:"FEED"`

	Score struct {
		IntervalSeconds int `long:"interval-seconds" env:"INTERVAL_SECONDS" default:"60" description:"Score pass cadence" validate:"gte=1"`
	} `group:"Score" namespace:"score" env-namespace:"SCORE"`

	Checkpoint struct {
		Cron            string `long:"cron" env:"CRON" description:"Five-field cron schedule; overrides the interval"`
		IntervalSeconds int    `long:"interval-seconds" env:"INTERVAL_SECONDS" default:"86400" description:"Checkpoint cadence when no cron is set" validate:"gte=1"`
	} `group:"Checkpoint" namespace:"checkpoint" env-namespace:"CHECKPOINT"`

	Model struct {
		RunnerNodeHost          string `long:"runner-node-host" env:"RUNNER_NODE_HOST" default:"127.0.0.1" description:"Model runner node host" validate:"required"`
		RunnerNodePort          int    `long:"runner-node-port" env:"RUNNER_NODE_PORT" default:"8091" description:"Model runner node port" validate:"gte=1,lte=65535"`
		RunnerTimeoutSeconds    int    `long:"runner-timeout-seconds" env:"RUNNER_TIMEOUT_SECONDS" default:"30" description:"Per-model predict deadline" validate:"gte=1"`
		ConsecutiveFailureLimit int    `long:"consecutive-failure-limit" env:"CONSECUTIVE_FAILURE_LIMIT" default:"5" description:"Failures before a model is evicted from the live set" validate:"gte=1"`
		ConsecutiveTimeoutLimit int    `long:"consecutive-timeout-limit" env:"CONSECUTIVE_TIMEOUT_LIMIT" default:"5" description:"Timeouts before a model is evicted from the live set" validate:"gte=1"`
	} `group:"Model" namespace:"model" env-namespace:"MODEL"`

	API struct {
		Port           int    `long:"port" env:"PORT" default:"8090" description:"Reporting API listen port; zero binds an ephemeral one" validate:"gte=0,lte=65535"`
		Key            string `long:"key" env:"KEY" description:"Static API key; empty with no JWT secret leaves the API open"`
		JWTSecret      string `long:"jwt-secret" env:"JWT_SECRET" description:"HS256 secret accepting signed bearer tokens"`
		ReadAuth       bool   `long:"read-auth" env:"READ_AUTH" description:"Require auth on GET routes outside the public prefixes"`
		PublicPrefixes string `long:"public-prefixes" env:"PUBLIC_PREFIXES" default:"/healthz,/metrics" description:"Path prefixes that never require auth"`
		AdminPrefixes  string `long:"admin-prefixes" env:"ADMIN_PREFIXES" default:"/reports/backfill" description:"Path prefixes that always require auth"`
	} `group:"API" namespace:"api" env-namespace:"API"`

	Providers struct {
		ComputePubkey string `long:"compute-provider-pubkey" env:"COMPUTE_PROVIDER_PUBKEY" description:"Compute provider settlement pubkey"`
		DataPubkey    string `long:"data-provider-pubkey" env:"DATA_PROVIDER_PUBKEY" description:"Data provider settlement pubkey"`
	} `group:"Providers" namespace:"providers"`

	Node struct {
		DataDir      string `long:"data-dir" env:"DATA_DIR" default:"data" description:"State directory holding the store, lake and journals" validate:"required"`
		ContractFile string `long:"contract" env:"CONTRACT_FILE" description:"Contract YAML overlaying the built-in defaults"`
	} `group:"Node" namespace:"node"`

	Log ops.LogConfig `group:"Logging"`
}

var validate = validator.New()

// Validate fails fast on out-of-range values so a misconfigured node
// never reaches the store.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if len(splitList(c.Feed.Subjects)) == 0 {
		return fmt.Errorf("invalid configuration: feed subjects must name at least one subject")
	}
	return nil
}

// FeedScopes returns one ingestion scope per configured subject.
func (c *Config) FeedScopes() []contract.FeedScope {
	return lo.Map(splitList(c.Feed.Subjects), func(subject string, _ int) contract.FeedScope {
		return contract.FeedScope{
			Source:      c.Feed.Source,
			Subject:     subject,
			Kind:        c.Feed.Kind,
			Granularity: c.Feed.Granularity,
		}
	})
}

// DatabasePath is the sqlite store location under the data dir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Node.DataDir, "coordinator.db")
}

// LakeRoot is the parquet lake location under the data dir, matching
// the /data/backfill serving prefix of the reporting API.
func (c *Config) LakeRoot() string {
	return filepath.Join(c.Node.DataDir, "backfill")
}

// sourceConfig carries the source knobs every feeds.Open shares. The
// replay fixture directory defaults under the data dir; a missing
// fixture there is an empty feed, so non-replay sources are unaffected.
func (c *Config) sourceConfig() feeds.Config {
	var replayDir = c.Feed.ReplayDir
	if replayDir == "" {
		replayDir = filepath.Join(c.Node.DataDir, "replay")
	}
	return feeds.Config{ReplayDir: replayDir}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
