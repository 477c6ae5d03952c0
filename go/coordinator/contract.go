package coordinator

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/crunchdao/coordinator-node-starter/go/contract"
	"github.com/crunchdao/coordinator-node-starter/go/store"
)

// LoadContract builds the competition contract: the compiled-in
// defaults, overlaid by the YAML file at path when one is configured,
// validated and frozen against the callable registry. Any failure here
// stops the node before a single worker starts.
func LoadContract(path string) (*contract.Contract, error) {
	var c = contract.DefaultContract()
	if path != "" {
		var raw, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading contract file: %w", err)
		}
		if err := yaml.Unmarshal(raw, c); err != nil {
			return nil, fmt.Errorf("parsing contract file %s: %w", path, err)
		}
	}
	if err := validate.Struct(c); err != nil {
		return nil, fmt.Errorf("invalid contract: %w", err)
	}
	if err := c.Freeze(); err != nil {
		return nil, fmt.Errorf("freezing contract: %w", err)
	}
	return c, nil
}

// SeedPredictionConfigs writes the contract's declared schedules to the
// store so the orchestrator finds them on its first tick. A contract
// that declares none gets one default schedule per feed scope: a five
// minute horizon stepped every minute, fired on feed advance. IDs
// default to the scope key, so contracts declaring two schedules over
// the same scope must name them explicitly.
func SeedPredictionConfigs(ctx context.Context, st *store.Store, c *contract.Contract, scopes []contract.FeedScope) error {
	var configs = c.PredictionConfigs
	if len(configs) == 0 {
		configs = defaultPredictionConfigs(scopes)
	}
	for i, cfg := range configs {
		if cfg.ScopeKey == "" {
			cfg.ScopeKey = cfg.Scope.Key()
		}
		if cfg.ID == "" {
			cfg.ID = cfg.ScopeKey
		}
		if cfg.Order == 0 {
			cfg.Order = i + 1
		}
		if err := st.UpsertPredictionConfig(ctx, cfg); err != nil {
			return fmt.Errorf("seeding prediction config %s: %w", cfg.ID, err)
		}
	}
	return nil
}

func defaultPredictionConfigs(scopes []contract.FeedScope) []contract.ScheduledPredictionConfig {
	var out = make([]contract.ScheduledPredictionConfig, len(scopes))
	for i, scope := range scopes {
		var ps = contract.PredictionScope{
			Subject:        scope.Subject,
			HorizonSeconds: 300,
			StepSeconds:    60,
		}
		out[i] = contract.ScheduledPredictionConfig{
			ID:       ps.Key(),
			ScopeKey: ps.Key(),
			Scope:    ps,
			Schedule: contract.Schedule{EverySeconds: 60, OnFeedAdvance: true},
			Active:   true,
			Order:    i + 1,
		}
	}
	return out
}
