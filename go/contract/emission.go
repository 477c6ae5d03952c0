package contract

import (
	"fmt"
	"math"
)

// Frac64Multiplier is 100% in the on-chain fixed-point reward encoding.
const Frac64Multiplier uint64 = 1_000_000_000

// PctToFrac64 converts a percentage in [0,100] to frac64.
func PctToFrac64(pct float64) uint64 {
	return uint64(math.Round(pct / 100.0 * float64(Frac64Multiplier)))
}

// RankedEntry is one model's aggregated standing over a checkpoint period,
// the input to emission builders. Rank is 1-based.
type RankedEntry struct {
	Rank            int     `json:"rank"`
	ModelID         string  `json:"model_id"`
	Score           float64 `json:"score"`
	PredictionCount int     `json:"prediction_count"`
	ResultSummary   JSONMap `json:"result_summary,omitempty"`
}

// EmissionProviders carries the pass-through settlement pubkeys.
type EmissionProviders struct {
	Crunch          string
	ComputeProvider string
	DataProvider    string
}

// CruncherReward allocates frac64 reward to the model at cruncher_index in
// the ranked order. The on-chain AddressIndexMap resolves indexes to
// wallets; the coordinator never sees those.
type CruncherReward struct {
	CruncherIndex int    `json:"cruncher_index"`
	RewardPct     uint64 `json:"reward_pct"`
}

// ProviderReward allocates frac64 reward to an infrastructure provider.
type ProviderReward struct {
	Provider  string `json:"provider"`
	RewardPct uint64 `json:"reward_pct"`
}

// EmissionPayload is the protocol-format checkpoint payload handed to the
// external signer.
type EmissionPayload struct {
	Crunch                 string           `json:"crunch"`
	CruncherRewards        []CruncherReward `json:"cruncher_rewards"`
	ComputeProviderRewards []ProviderReward `json:"compute_provider_rewards"`
	DataProviderRewards    []ProviderReward `json:"data_provider_rewards"`
}

// Validate enforces the settlement invariant: a non-empty reward list sums
// to exactly Frac64Multiplier.
func (p EmissionPayload) Validate() error {
	if len(p.CruncherRewards) == 0 {
		return nil
	}
	var sum uint64
	for _, r := range p.CruncherRewards {
		sum += r.RewardPct
	}
	if sum != Frac64Multiplier {
		return fmt.Errorf("cruncher rewards sum %d, want %d", sum, Frac64Multiplier)
	}
	return nil
}

// BuildEmissionFunc turns the period's ranking into a settlement payload.
type BuildEmissionFunc func(entries []RankedEntry, providers EmissionProviders) (EmissionPayload, error)

type emissionTier struct {
	fromRank, toRank int
	pct              float64
}

// Default tier schedule: 1st 35%, ranks 2-5 10% each, 6-10 5% each.
var defaultTiers = []emissionTier{
	{1, 1, 35.0},
	{2, 5, 10.0},
	{6, 10, 5.0},
}

// TierEmission is the default BuildEmission. Unclaimed tier mass (fewer
// than ten ranked models) is redistributed equally across all ranked
// entries; frac64 rounding drift is absorbed by rank 1 so the total is
// exact.
func TierEmission(entries []RankedEntry, providers EmissionProviders) (EmissionPayload, error) {
	var rawPcts = make([]float64, len(entries))
	for i, entry := range entries {
		for _, tier := range defaultTiers {
			if entry.Rank >= tier.fromRank && entry.Rank <= tier.toRank {
				rawPcts[i] = tier.pct
				break
			}
		}
	}

	var totalRaw float64
	for _, p := range rawPcts {
		totalRaw += p
	}
	if totalRaw < 100.0 && len(entries) > 0 {
		var each = (100.0 - totalRaw) / float64(len(entries))
		for i := range rawPcts {
			rawPcts[i] += each
		}
	}

	return finishEmission(rawPcts, providers), nil
}

// ContributionWeightedEmission blends rank (50%), ensemble contribution
// (30%) and diversity (20%, via low model_correlation) into the reward
// split, with a 1% floor per model.
func ContributionWeightedEmission(entries []RankedEntry, providers EmissionProviders) (EmissionPayload, error) {
	const (
		rankWeight         = 0.5
		contributionWeight = 0.3
		diversityWeight    = 0.2
		minPct             = 1.0
	)
	var n = len(entries)
	if n == 0 {
		return finishEmission(nil, providers), nil
	}

	var inverseRanks = make([]float64, n)
	var contributions = make([]float64, n)
	var diversities = make([]float64, n)
	for i, entry := range entries {
		var rank = entry.Rank
		if rank == 0 {
			rank = n
		}
		inverseRanks[i] = 1.0 / float64(rank)
		var contribution, correlation float64
		if entry.ResultSummary != nil {
			contribution, _ = entry.ResultSummary.Float("contribution")
			correlation, _ = entry.ResultSummary.Float("model_correlation")
		}
		contributions[i] = contribution
		diversities[i] = 1.0 - correlation
	}

	var rankScores = normalizeUnit(inverseRanks)
	var contributionScores = normalizeUnit(contributions)
	var diversityScores = normalizeUnit(diversities)

	var composite = make([]float64, n)
	var totalComposite float64
	for i := range composite {
		composite[i] = rankWeight*rankScores[i] + contributionWeight*contributionScores[i] + diversityWeight*diversityScores[i]
		totalComposite += composite[i]
	}

	var rawPcts = make([]float64, n)
	if totalComposite < 1e-12 {
		for i := range rawPcts {
			rawPcts[i] = 100.0 / float64(n)
		}
	} else {
		for i := range rawPcts {
			rawPcts[i] = math.Max(minPct, composite[i]/totalComposite*100.0)
		}
	}

	var pctSum float64
	for _, p := range rawPcts {
		pctSum += p
	}
	for i := range rawPcts {
		rawPcts[i] = rawPcts[i] / pctSum * 100.0
	}

	return finishEmission(rawPcts, providers), nil
}

// finishEmission converts percentages to frac64, absorbs rounding drift
// into the first entry, and attaches provider pass-through rewards.
func finishEmission(rawPcts []float64, providers EmissionProviders) EmissionPayload {
	var frac64Values = make([]uint64, len(rawPcts))
	var sum int64
	for i, p := range rawPcts {
		frac64Values[i] = PctToFrac64(p)
		sum += int64(frac64Values[i])
	}
	if len(frac64Values) > 0 {
		// Rounding drift lands on rank 1; it can be negative.
		frac64Values[0] = uint64(int64(frac64Values[0]) + int64(Frac64Multiplier) - sum)
	}

	var rewards = make([]CruncherReward, len(frac64Values))
	for i, v := range frac64Values {
		rewards[i] = CruncherReward{CruncherIndex: i, RewardPct: v}
	}

	var payload = EmissionPayload{
		Crunch:                 providers.Crunch,
		CruncherRewards:        rewards,
		ComputeProviderRewards: []ProviderReward{},
		DataProviderRewards:    []ProviderReward{},
	}
	if providers.ComputeProvider != "" {
		payload.ComputeProviderRewards = []ProviderReward{{Provider: providers.ComputeProvider, RewardPct: Frac64Multiplier}}
	}
	if providers.DataProvider != "" {
		payload.DataProviderRewards = []ProviderReward{{Provider: providers.DataProvider, RewardPct: Frac64Multiplier}}
	}
	return payload
}

func normalizeUnit(values []float64) []float64 {
	var n = len(values)
	var out = make([]float64, n)
	if n == 0 {
		return out
	}
	var mn, mx = values[0], values[0]
	for _, v := range values[1:] {
		mn = math.Min(mn, v)
		mx = math.Max(mx, v)
	}
	if mx-mn < 1e-12 {
		for i := range out {
			out[i] = 1.0 / float64(n)
		}
		return out
	}
	for i, v := range values {
		out[i] = (v - mn) / (mx - mn)
	}
	return out
}
