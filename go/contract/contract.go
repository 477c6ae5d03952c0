package contract

import (
	"fmt"
	"time"
)

// AggregationWindow is a rolling window over snapshot history.
type AggregationWindow struct {
	Hours int `json:"hours" yaml:"hours" validate:"gte=1"`
}

// Duration returns the window span.
func (w AggregationWindow) Duration() time.Duration {
	return time.Duration(w.Hours) * time.Hour
}

// Aggregation declares how per-model scores roll up and how the
// leaderboard ranks. SummaryKey names the snapshot summary field the
// windows average; RankingKey may name a window, a summary field, or a
// metric.
type Aggregation struct {
	Windows          map[string]AggregationWindow `json:"windows" yaml:"windows"`
	SummaryKey       string                       `json:"summary_key" yaml:"summary_key"`
	RankingKey       string                       `json:"ranking_key" yaml:"ranking_key"`
	RankingDirection string                       `json:"ranking_direction" yaml:"ranking_direction" validate:"oneof=asc desc"`
}

// DefaultAggregation mirrors the protocol defaults: 24 h / 72 h / 168 h
// windows over the mean score value, ranked by the 24 h window descending.
func DefaultAggregation() Aggregation {
	return Aggregation{
		Windows: map[string]AggregationWindow{
			"score_recent": {Hours: 24},
			"score_steady": {Hours: 72},
			"score_anchor": {Hours: 168},
		},
		SummaryKey:       "value",
		RankingKey:       "score_recent",
		RankingDirection: "desc",
	}
}

// ModelFilter restricts which real models feed an ensemble. Zero value
// means no filtering.
type ModelFilter struct {
	TopN      int     `json:"top_n,omitempty" yaml:"top_n"`
	MinMetric string  `json:"min_metric,omitempty" yaml:"min_metric"`
	Threshold float64 `json:"threshold,omitempty" yaml:"threshold"`
}

// EnsembleConfig declares one virtual meta-model.
type EnsembleConfig struct {
	Name        string       `json:"name" yaml:"name" validate:"required"`
	Strategy    string       `json:"strategy" yaml:"strategy" validate:"oneof=inverse_variance equal_weight"`
	ModelFilter *ModelFilter `json:"model_filter,omitempty" yaml:"model_filter"`
}

// CallableBindings names the contract's behavior slots. Names resolve
// against the registry when the contract is loaded; a missing required
// slot is a startup failure, never a runtime one.
type CallableBindings struct {
	InputBuilder       string `json:"input_builder" yaml:"input_builder" validate:"required"`
	OutputValidator    string `json:"output_validator" yaml:"output_validator" validate:"required"`
	Scoring            string `json:"scoring" yaml:"scoring" validate:"required"`
	ResolveGroundTruth string `json:"resolve_ground_truth" yaml:"resolve_ground_truth" validate:"required"`
	AggregateSnapshot  string `json:"aggregate_snapshot,omitempty" yaml:"aggregate_snapshot"`
	BuildEmission      string `json:"build_emission,omitempty" yaml:"build_emission"`
}

// Contract is the single declaration of a competition's shapes and
// behavior. Workers read it once at startup; it never mutates afterwards.
type Contract struct {
	Aggregation       Aggregation                 `json:"aggregation" yaml:"aggregation"`
	Metrics           []string                    `json:"metrics" yaml:"metrics"`
	Ensembles         []EnsembleConfig            `json:"ensembles,omitempty" yaml:"ensembles"`
	Callables         CallableBindings            `json:"callables" yaml:"callables"`
	PredictionConfigs []ScheduledPredictionConfig `json:"prediction_configs,omitempty" yaml:"prediction_configs"`

	resolved *Callables
}

// DefaultContract binds every slot to its built-in and enables the core
// metric set.
func DefaultContract() *Contract {
	return &Contract{
		Aggregation: DefaultAggregation(),
		Metrics: []string{
			"ic", "ic_sharpe", "hit_rate", "mean_return",
			"max_drawdown", "sortino_ratio", "turnover", "model_correlation",
		},
		Callables: CallableBindings{
			InputBuilder:       "builtin.candle_input_builder",
			OutputValidator:    "builtin.range_output_validator",
			Scoring:            "builtin.return_scoring",
			ResolveGroundTruth: "builtin.price_resolve",
			AggregateSnapshot:  "builtin.mean_snapshot",
			BuildEmission:      "builtin.tier_emission",
		},
	}
}

// Freeze resolves all callable bindings against the registry and checks
// the aggregation declaration. It must be called once before any worker
// starts; every failure is reported at once.
func (c *Contract) Freeze() error {
	var resolved, err = c.Callables.Resolve()
	if err != nil {
		return err
	}
	if c.Aggregation.RankingDirection != "asc" && c.Aggregation.RankingDirection != "desc" {
		return fmt.Errorf("aggregation ranking_direction %q: want asc or desc", c.Aggregation.RankingDirection)
	}
	if c.Aggregation.SummaryKey == "" {
		return fmt.Errorf("aggregation summary_key must be set")
	}
	for name, w := range c.Aggregation.Windows {
		if w.Hours < 1 {
			return fmt.Errorf("aggregation window %q: hours must be >= 1", name)
		}
	}
	for _, e := range c.Ensembles {
		if e.Strategy != "inverse_variance" && e.Strategy != "equal_weight" {
			return fmt.Errorf("ensemble %q: unknown strategy %q", e.Name, e.Strategy)
		}
	}
	c.resolved = resolved
	return nil
}

// Resolved returns the frozen callable set. It panics if Freeze was never
// called; that is a wiring bug, not a runtime condition.
func (c *Contract) Resolved() *Callables {
	if c.resolved == nil {
		panic("contract: Resolved called before Freeze")
	}
	return c.resolved
}
