package score

import (
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"
	"gonum.org/v1/gonum/stat"

	"github.com/crunchdao/coordinator-node-starter/go/contract"
)

// applyModelFilter prunes the member pool per the ensemble's filter.
// MinMetric drops models below the threshold, then TopN keeps the best
// ranked by their "value" summary field. A nil filter keeps everyone.
func applyModelFilter(filter *contract.ModelFilter, metrics map[string]map[string]float64, byModel map[string][]contract.Prediction) map[string][]contract.Prediction {
	if filter == nil {
		return byModel
	}

	var kept = make(map[string][]contract.Prediction, len(byModel))
	for id, preds := range byModel {
		if filter.MinMetric != "" && metrics[id][filter.MinMetric] < filter.Threshold {
			continue
		}
		kept[id] = preds
	}

	if filter.TopN > 0 && len(kept) > filter.TopN {
		var ranked = sortedKeys(kept)
		sort.SliceStable(ranked, func(a, b int) bool {
			return metrics[ranked[a]]["value"] > metrics[ranked[b]]["value"]
		})
		kept = lo.PickByKeys(kept, ranked[:filter.TopN])
	}
	return kept
}

// ensembleWeights dispatches on the configured strategy. Unknown names
// fall back to inverse variance, the protocol default.
func ensembleWeights(strategy string, byModel map[string][]contract.Prediction) map[string]float64 {
	if strategy == "equal_weight" {
		return equalWeights(byModel)
	}
	return inverseVarianceWeights(byModel)
}

// inverseVarianceWeights weights each member by the inverse variance of
// its signal series, normalized to sum to one. A member with fewer than
// two signals or a degenerate variance carries raw weight one; when the
// whole pool degenerates, members split equally.
func inverseVarianceWeights(byModel map[string][]contract.Prediction) map[string]float64 {
	var raw = make(map[string]float64, len(byModel))
	for id, preds := range byModel {
		var vals = signalValues(preds)
		if len(vals) < 2 {
			raw[id] = 1
			continue
		}
		var variance = stat.PopVariance(vals, nil)
		if variance < 1e-12 {
			raw[id] = 1
		} else {
			raw[id] = 1 / variance
		}
	}

	var total float64
	for _, w := range raw {
		total += w
	}
	if total < 1e-12 {
		return equalShare(raw)
	}
	for id := range raw {
		raw[id] /= total
	}
	return raw
}

// equalWeights assigns 1/N to every member.
func equalWeights(byModel map[string][]contract.Prediction) map[string]float64 {
	var out = make(map[string]float64, len(byModel))
	for id := range byModel {
		out[id] = 0
	}
	return equalShare(out)
}

func equalShare[V any](members map[string]V) map[string]float64 {
	var out = make(map[string]float64, len(members))
	if len(members) == 0 {
		return out
	}
	var share = 1 / float64(len(members))
	for id := range members {
		out[id] = share
	}
	return out
}

// buildEnsemblePredictions groups the members' predictions by
// (input, scope) and emits one synthetic prediction per group: the
// weighted mean of the member signals, attributed to the ensemble's
// virtual model. Ids are deterministic per group so a replayed pass
// collides instead of duplicating.
func buildEnsemblePredictions(cfg contract.EnsembleConfig, weights map[string]float64, byModel map[string][]contract.Prediction, now time.Time) []contract.Prediction {
	var virtualID = contract.EnsembleModelID(cfg.Name)

	type groupKey struct {
		inputID  string
		scopeKey string
	}
	var groups = map[groupKey]map[string]contract.Prediction{}
	for modelID, preds := range byModel {
		if _, ok := weights[modelID]; !ok {
			continue
		}
		for _, p := range preds {
			var key = groupKey{inputID: p.InputID, scopeKey: p.ScopeKey}
			if groups[key] == nil {
				groups[key] = map[string]contract.Prediction{}
			}
			groups[key][modelID] = p
		}
	}

	var keys = lo.Keys(groups)
	sort.Slice(keys, func(a, b int) bool {
		if keys[a].inputID != keys[b].inputID {
			return keys[a].inputID < keys[b].inputID
		}
		return keys[a].scopeKey < keys[b].scopeKey
	})

	var weightsMeta = make(contract.JSONMap, len(weights))
	for id, w := range weights {
		weightsMeta[id] = w
	}

	var out = make([]contract.Prediction, 0, len(keys))
	for _, key := range keys {
		var members = groups[key]
		var weightedSum, weightSum float64
		for modelID, pred := range members {
			var val, ok = contract.ExtractSignal(pred.InferenceOutput)
			if !ok {
				continue
			}
			weightedSum += weights[modelID] * val
			weightSum += weights[modelID]
		}
		if weightSum < 1e-12 {
			continue
		}

		var sample = members[sortedKeys(members)[0]]
		out = append(out, contract.Prediction{
			ID:              fmt.Sprintf("PRE_%s_%s_%s", virtualID, key.inputID, key.scopeKey),
			ModelID:         virtualID,
			InputID:         key.inputID,
			ConfigID:        sample.ConfigID,
			ScopeKey:        key.scopeKey,
			Scope:           sample.Scope,
			InferenceOutput: contract.JSONMap{"value": weightedSum / weightSum},
			Status:          contract.PredictionPending,
			Meta:            contract.JSONMap{"ensemble_name": cfg.Name, "weights": weightsMeta},
			PerformedAt:     now,
		})
	}
	return out
}
