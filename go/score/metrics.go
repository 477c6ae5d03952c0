package score

import (
	"math"
	"sort"
	"time"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/crunchdao/coordinator-node-starter/go/contract"
)

// MetricFn computes one named metric for a model over the pass window.
// Implementations must tolerate short or empty series; the registry maps
// panics and non-finite results to zero.
type MetricFn func(predictions []contract.Prediction, scores []contract.Score, mctx *Context) float64

// Context is the cross-model state shared by every metric evaluation of
// one score pass, built once so correlation metrics do not re-fetch.
type Context struct {
	ModelID     string
	WindowStart time.Time
	WindowEnd   time.Time

	// AllModelPredictions holds this pass's scored predictions of every
	// real model, keyed by model id.
	AllModelPredictions map[string][]contract.Prediction
	// EnsemblePredictions holds synthetic predictions keyed by ensemble
	// name, populated once ensembles have been built.
	EnsemblePredictions map[string][]contract.Prediction
}

// forModel points a shared context at one model.
func (c Context) forModel(modelID string) *Context {
	c.ModelID = modelID
	return &c
}

// Tier3Metrics are the ensemble-aware metrics appended to the contract's
// list when ensembles are populated.
var Tier3Metrics = []string{"fnc", "contribution", "ensemble_correlation"}

// Registry resolves metric names to implementations. NewRegistry returns
// one with every built-in registered; custom metrics register at startup,
// before the engine runs.
type Registry struct {
	fns map[string]MetricFn
}

// NewRegistry builds a registry holding all built-in metrics.
func NewRegistry() *Registry {
	var r = &Registry{fns: map[string]MetricFn{}}
	r.Register("ic", IC)
	r.Register("ic_sharpe", ICSharpe)
	r.Register("hit_rate", HitRate)
	r.Register("mean_return", MeanReturn)
	r.Register("max_drawdown", MaxDrawdown)
	r.Register("sortino_ratio", SortinoRatio)
	r.Register("turnover", Turnover)
	r.Register("model_correlation", ModelCorrelation)
	r.Register("fnc", FNC)
	r.Register("contribution", Contribution)
	r.Register("ensemble_correlation", EnsembleCorrelation)
	return r
}

// Register adds or replaces a named metric.
func (r *Registry) Register(name string, fn MetricFn) {
	r.fns[name] = fn
}

// Available lists the registered metric names, sorted.
func (r *Registry) Available() []string {
	return sortedKeys(r.fns)
}

// Compute evaluates the requested metrics against one model's slice of
// the pass. Unregistered names are skipped with a warning; a panicking
// metric records zero rather than poisoning the pass.
func (r *Registry) Compute(names []string, predictions []contract.Prediction, scores []contract.Score, mctx *Context) contract.JSONMap {
	var out = make(contract.JSONMap, len(names))
	for _, name := range names {
		var fn, ok = r.fns[name]
		if !ok {
			log.WithField("metric", name).Warn("metric not registered, skipping")
			continue
		}
		out[name] = r.one(name, fn, predictions, scores, mctx)
	}
	return out
}

func (r *Registry) one(name string, fn MetricFn, predictions []contract.Prediction, scores []contract.Score, mctx *Context) (v float64) {
	defer func() {
		if p := recover(); p != nil {
			log.WithFields(log.Fields{"metric": name, "panic": p}).Warn("metric computation failed")
			v = 0
		}
	}()
	v = fn(predictions, scores, mctx)
	// Summaries are stored as JSON, which cannot carry NaN or Inf.
	if math.IsNaN(v) || math.IsInf(v, 0) {
		v = 0
	}
	return v
}

// IC is the information coefficient: Spearman rank correlation of the
// model's signals against realized returns.
func IC(predictions []contract.Prediction, scores []contract.Score, _ *Context) float64 {
	return spearman(signalValues(predictions), actualReturns(scores))
}

// ICSharpe rewards IC consistency: the window splits into chunks and the
// result is mean(chunk ICs) / stddev(chunk ICs). Fewer than two usable
// chunks score zero; identical chunk ICs saturate against the epsilon
// guard instead of dividing by zero.
func ICSharpe(predictions []contract.Prediction, scores []contract.Score, _ *Context) float64 {
	var preds = signalValues(predictions)
	var rets = actualReturns(scores)
	var n = min(len(preds), len(rets))
	if n < 4 {
		return 0
	}

	var chunk = max(2, n/max(3, n/10))
	var ics []float64
	for start := 0; start+chunk <= n; start += chunk {
		ics = append(ics, spearman(preds[start:start+chunk], rets[start:start+chunk]))
	}
	if len(ics) < 2 {
		return 0
	}

	var mean = stat.Mean(ics, nil)
	var std = stat.PopStdDev(ics, nil)
	if std < 1e-12 {
		if math.Abs(mean) <= 1e-12 {
			return 0
		}
		return mean / 1e-12
	}
	return mean / std
}

// HitRate is the fraction of predictions whose sign matches the realized
// return's sign. Zero counts as positive on both sides.
func HitRate(predictions []contract.Prediction, scores []contract.Score, _ *Context) float64 {
	var preds = signalValues(predictions)
	var rets = actualReturns(scores)
	var n = min(len(preds), len(rets))
	if n == 0 {
		return 0
	}
	var hits int
	for i := 0; i < n; i++ {
		if (preds[i] >= 0) == (rets[i] >= 0) {
			hits++
		}
	}
	return float64(hits) / float64(n)
}

// MeanReturn is the average realized return of the long-short strategy
// the signals imply: long on a non-negative signal, short otherwise.
func MeanReturn(predictions []contract.Prediction, scores []contract.Score, _ *Context) float64 {
	var rets = strategyReturns(signalValues(predictions), actualReturns(scores))
	if len(rets) == 0 {
		return 0
	}
	return stat.Mean(rets, nil)
}

// MaxDrawdown is the worst peak-to-trough excursion of the cumulative
// score series, zero or negative.
func MaxDrawdown(_ []contract.Prediction, scores []contract.Score, _ *Context) float64 {
	var vals = scoreValues(scores)
	if len(vals) < 2 {
		return 0
	}
	var cumulative, peak, maxDD float64
	for _, v := range vals {
		cumulative += v
		if cumulative > peak {
			peak = cumulative
		}
		if dd := cumulative - peak; dd < maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// SortinoRatio is mean strategy return over downside deviation; only
// negative returns count against it. A window with no downside saturates
// on the sign of the mean.
func SortinoRatio(predictions []contract.Prediction, scores []contract.Score, _ *Context) float64 {
	var rets = strategyReturns(signalValues(predictions), actualReturns(scores))
	if len(rets) < 2 {
		return 0
	}
	var mean = stat.Mean(rets, nil)

	var downsideSq []float64
	for _, r := range rets {
		if r < 0 {
			downsideSq = append(downsideSq, r*r)
		}
	}
	if len(downsideSq) == 0 {
		if mean == 0 {
			return 0
		}
		return mean / 1e-9
	}
	var deviation = math.Sqrt(stat.Mean(downsideSq, nil))
	if deviation < 1e-12 {
		return 0
	}
	return mean / deviation
}

// Turnover is the mean absolute change between consecutive signals.
func Turnover(predictions []contract.Prediction, _ []contract.Score, _ *Context) float64 {
	var vals = signalValues(predictions)
	if len(vals) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(vals); i++ {
		sum += math.Abs(vals[i] - vals[i-1])
	}
	return sum / float64(len(vals)-1)
}

// ModelCorrelation is the mean pairwise Spearman correlation of this
// model's signals against every other real model's.
func ModelCorrelation(predictions []contract.Prediction, _ []contract.Score, mctx *Context) float64 {
	var mine = signalValues(predictions)
	if len(mine) < 2 {
		return 0
	}
	var sum float64
	var pairs int
	for _, otherID := range sortedKeys(mctx.AllModelPredictions) {
		if otherID == mctx.ModelID || contract.IsEnsembleModelID(otherID) {
			continue
		}
		var other = signalValues(mctx.AllModelPredictions[otherID])
		if len(other) < 2 {
			continue
		}
		sum += spearman(mine, other)
		pairs++
	}
	if pairs == 0 {
		return 0
	}
	return sum / float64(pairs)
}

// EnsembleCorrelation is the model's Spearman correlation against the
// first ensemble carrying a usable signal series.
func EnsembleCorrelation(predictions []contract.Prediction, _ []contract.Score, mctx *Context) float64 {
	var mine = signalValues(predictions)
	if len(mine) < 2 {
		return 0
	}
	for _, name := range sortedKeys(mctx.EnsemblePredictions) {
		var ens = signalValues(mctx.EnsemblePredictions[name])
		if len(ens) < 2 {
			continue
		}
		return spearman(mine, ens)
	}
	return 0
}

// Contribution approximates leave-one-out value: the first ensemble's IC
// minus the IC of an equal-weight ensemble of every other real model.
// Positive means this model helps the ensemble.
func Contribution(predictions []contract.Prediction, scores []contract.Score, mctx *Context) float64 {
	var mine = signalValues(predictions)
	if len(mine) < 2 {
		return 0
	}

	var names = sortedKeys(mctx.EnsemblePredictions)
	if len(names) == 0 {
		return 0
	}
	var ensVals = signalValues(mctx.EnsemblePredictions[names[0]])
	if len(ensVals) < 2 {
		return 0
	}

	var otherIDs []string
	for _, id := range sortedKeys(mctx.AllModelPredictions) {
		if id != mctx.ModelID && !contract.IsEnsembleModelID(id) {
			otherIDs = append(otherIDs, id)
		}
	}
	if len(otherIDs) == 0 {
		return 0
	}

	var n = min(len(mine), len(ensVals))
	var loo = make([]float64, n)
	for _, id := range otherIDs {
		var vals = signalValues(mctx.AllModelPredictions[id])
		for i := 0; i < min(len(vals), n); i++ {
			loo[i] += vals[i] / float64(len(otherIDs))
		}
	}

	var rets = actualReturns(scores)
	if len(rets) < 2 {
		return 0
	}
	return spearman(ensVals[:n], rets) - spearman(loo, rets)
}

// FNC is feature-neutral correlation: the model's IC after subtracting
// the mean signal across all real models. With a single model it reduces
// to plain IC.
func FNC(predictions []contract.Prediction, scores []contract.Score, mctx *Context) float64 {
	var mine = signalValues(predictions)
	if len(mine) < 2 {
		return 0
	}
	var rets = actualReturns(scores)
	var n = min(len(mine), len(rets))
	if n < 2 {
		return 0
	}

	var realIDs []string
	for _, id := range sortedKeys(mctx.AllModelPredictions) {
		if !contract.IsEnsembleModelID(id) {
			realIDs = append(realIDs, id)
		}
	}
	if len(realIDs) <= 1 {
		return spearman(mine[:n], rets[:n])
	}

	var meanSignal = make([]float64, n)
	for _, id := range realIDs {
		var vals = signalValues(mctx.AllModelPredictions[id])
		for i := 0; i < min(len(vals), n); i++ {
			meanSignal[i] += vals[i] / float64(len(realIDs))
		}
	}
	var residuals = make([]float64, n)
	for i := 0; i < n; i++ {
		residuals[i] = mine[i] - meanSignal[i]
	}
	return spearman(residuals, rets[:n])
}

// spearman is the rank correlation of two aligned series, Pearson over
// average-tie ranks. Degenerate series correlate at zero.
func spearman(x, y []float64) float64 {
	var n = min(len(x), len(y))
	if n < 2 {
		return 0
	}
	var rx = averageRanks(x[:n])
	var ry = averageRanks(y[:n])
	if stat.StdDev(rx, nil) < 1e-12 || stat.StdDev(ry, nil) < 1e-12 {
		return 0
	}
	return stat.Correlation(rx, ry, nil)
}

// averageRanks assigns zero-based ranks with ties sharing their average
// position.
func averageRanks(values []float64) []float64 {
	var n = len(values)
	var idx = make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return values[idx[a]] < values[idx[b]] })

	var ranks = make([]float64, n)
	for start := 0; start < n; {
		var end = start + 1
		for end < n && values[idx[end]] == values[idx[start]] {
			end++
		}
		var tied = float64(start+end-1) / 2
		for k := start; k < end; k++ {
			ranks[idx[k]] = tied
		}
		start = end
	}
	return ranks
}

// signalValues extracts each prediction's numeric signal, skipping
// predictions without one.
func signalValues(predictions []contract.Prediction) []float64 {
	var out = make([]float64, 0, len(predictions))
	for _, p := range predictions {
		if v, ok := p.Signal(); ok {
			out = append(out, v)
		}
	}
	return out
}

// scoreValues is the primary score value series.
func scoreValues(scores []contract.Score) []float64 {
	return lo.Map(scores, func(s contract.Score, _ int) float64 { return s.Val })
}

// actualReturns extracts the realized return the ground truth resolver
// attached to each score. Scores without one contribute zero, keeping the
// series aligned with the prediction series.
func actualReturns(scores []contract.Score) []float64 {
	var out = make([]float64, 0, len(scores))
	for _, s := range scores {
		var v float64
		for _, key := range []string{"actual_return", "return"} {
			if f, ok := s.Extra.Float(key); ok {
				v = f
				break
			}
		}
		out = append(out, v)
	}
	return out
}

// strategyReturns converts aligned signals and realized returns into the
// long-short strategy return series.
func strategyReturns(preds, rets []float64) []float64 {
	var n = min(len(preds), len(rets))
	var out = make([]float64, n)
	for i := 0; i < n; i++ {
		if preds[i] >= 0 {
			out[i] = rets[i]
		} else {
			out[i] = -rets[i]
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	var keys = lo.Keys(m)
	sort.Strings(keys)
	return keys
}
