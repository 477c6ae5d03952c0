package contract

import (
	"fmt"
	"math"
	"sort"
)

// Built-in callables. Deployments override these by registering their own
// implementations and binding them in the contract file.

func init() {
	RegisterInputBuilder("builtin.candle_input_builder", CandleInputBuilder)
	RegisterOutputValidator("builtin.range_output_validator", RangeOutputValidator)
	RegisterScoring("builtin.return_scoring", ReturnScoring)
	RegisterResolveGroundTruth("builtin.price_resolve", PriceResolve)
	RegisterAggregateSnapshot("builtin.mean_snapshot", MeanSnapshot)
	RegisterBuildEmission("builtin.tier_emission", TierEmission)
	RegisterBuildEmission("builtin.contribution_weighted_emission", ContributionWeightedEmission)
}

// defaultCandleWindow caps candles_1m in the inference input.
const defaultCandleWindow = 120

// multiTF lists the higher timeframes aggregated from 1m candles:
// (target minutes, bar count).
var multiTF = [][2]int{
	{5, 60},  // 5 hours
	{15, 40}, // 10 hours
	{60, 24}, // 1 day
}

// CandleInputBuilder builds the default inference input: the subject's
// recent candles at 1m plus rolled-up 5m/15m/1h bars, and the latest
// order book and funding records when the feed carries them.
func CandleInputBuilder(window []FeedRecord, scope PredictionScope, now int64) (JSONMap, error) {
	var candles []JSONMap
	var orderbook, funding JSONMap

	for _, r := range window {
		switch r.Kind {
		case "depth":
			orderbook = r.Values
			continue
		case "funding":
			funding = r.Values
			continue
		}
		var price, ok = r.Price()
		if !ok {
			continue
		}
		var bar = JSONMap{
			"ts":     r.TsEvent,
			"open":   price,
			"high":   price,
			"low":    price,
			"close":  price,
			"volume": 0.0,
		}
		if r.Kind == "candle" {
			for _, field := range []string{"open", "high", "low", "close"} {
				if v, ok := r.Values.Float(field); ok {
					bar[field] = v
				}
			}
			if v, ok := r.Values.Float("volume"); ok {
				bar["volume"] = v
			}
		}
		candles = append(candles, bar)
	}

	sort.Slice(candles, func(i, j int) bool {
		return candles[i]["ts"].(int64) < candles[j]["ts"].(int64)
	})

	var asof = now
	if len(candles) > 0 {
		asof = candles[len(candles)-1]["ts"].(int64)
	}

	var result = JSONMap{
		"symbol":     scope.Subject,
		"asof_ts":    asof,
		"candles_1m": tail(candles, defaultCandleWindow),
	}
	for _, tf := range multiTF {
		var targetMinutes, count = tf[0], tf[1]
		var key = fmt.Sprintf("candles_%dm", targetMinutes)
		if targetMinutes >= 60 {
			key = fmt.Sprintf("candles_%dh", targetMinutes/60)
		}
		result[key] = aggregateCandles(candles, targetMinutes, count)
	}
	if orderbook != nil {
		result["orderbook"] = orderbook
	}
	if funding != nil {
		result["funding"] = funding
	}
	return result, nil
}

// aggregateCandles rolls 1m bars into target-minute bars by flooring each
// timestamp to the interval boundary. At most maxOutput bars, oldest
// first.
func aggregateCandles(candles []JSONMap, targetMinutes, maxOutput int) []JSONMap {
	if len(candles) == 0 {
		return []JSONMap{}
	}
	if targetMinutes <= 1 {
		return tail(candles, maxOutput)
	}

	var intervalS = int64(targetMinutes) * 60
	var buckets = map[int64]JSONMap{}
	var order []int64

	for _, c := range candles {
		var ts, _ = c.Float("ts")
		var bucketTs = (int64(ts) / intervalS) * intervalS
		var bar, ok = buckets[bucketTs]
		if !ok {
			buckets[bucketTs] = JSONMap{
				"ts":     bucketTs,
				"open":   c["open"],
				"high":   c["high"],
				"low":    c["low"],
				"close":  c["close"],
				"volume": c["volume"],
			}
			order = append(order, bucketTs)
			continue
		}
		var high, _ = bar.Float("high")
		var low, _ = bar.Float("low")
		var cHigh, _ = c.Float("high")
		var cLow, _ = c.Float("low")
		var vol, _ = bar.Float("volume")
		var cVol, _ = c.Float("volume")
		bar["high"] = math.Max(high, cHigh)
		bar["low"] = math.Min(low, cLow)
		bar["close"] = c["close"]
		bar["volume"] = vol + cVol
	}

	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	var bars = make([]JSONMap, 0, len(order))
	for _, ts := range order {
		bars = append(bars, buckets[ts])
	}
	return tail(bars, maxOutput)
}

func tail(bars []JSONMap, n int) []JSONMap {
	if bars == nil {
		return []JSONMap{}
	}
	if len(bars) <= n {
		return bars
	}
	return bars[len(bars)-n:]
}

// RangeOutputValidator accepts outputs whose signal is a finite number in
// [-1, 1] and normalizes it under the "value" key.
func RangeOutputValidator(output JSONMap) (JSONMap, error) {
	var signal, ok = ExtractSignal(output)
	if !ok {
		return nil, fmt.Errorf("output has no numeric signal")
	}
	if math.IsNaN(signal) || math.IsInf(signal, 0) {
		return nil, fmt.Errorf("output signal is not finite")
	}
	if signal < -1 || signal > 1 {
		return nil, fmt.Errorf("output signal %v outside [-1, 1]", signal)
	}
	var validated = output.Clone()
	validated["value"] = signal
	return validated, nil
}

// ReturnScoring scores direction capture: the realized return signed by
// the prediction's direction, so long calls earn positive score on up
// moves and negative on down moves.
func ReturnScoring(output JSONMap, actuals JSONMap) (Score, error) {
	var signal, ok = ExtractSignal(output)
	if !ok {
		return Score{Success: false, FailedReason: "no numeric signal in output"}, nil
	}
	var ret, retOK = actuals.Float("return")
	if !retOK {
		return Score{Success: false, FailedReason: "no realized return in actuals"}, nil
	}

	var direction float64
	switch {
	case signal > 0:
		direction = 1
	case signal < 0:
		direction = -1
	}
	var value = direction * ret
	return Score{
		Val:     value,
		Success: true,
		Extra: JSONMap{
			"signal": signal,
			"return": ret,
			"hit":    value > 0,
		},
	}, nil
}

// PriceResolve derives actuals by comparing the first and last price in
// the resolution window. An empty or price-less window is "not yet".
func PriceResolve(scope PredictionScope, window []FeedRecord) (JSONMap, error) {
	if len(window) == 0 {
		return nil, nil
	}
	var entryPrice, entryOK = window[0].Price()
	var resolvedPrice, resolvedOK = window[len(window)-1].Price()
	if !entryOK || !resolvedOK {
		return nil, nil
	}
	return JSONMap{
		"entry_price":    entryPrice,
		"resolved_price": resolvedPrice,
		"return":         (resolvedPrice - entryPrice) / math.Max(math.Abs(entryPrice), 1e-9),
		"direction_up":   resolvedPrice > entryPrice,
	}, nil
}

// MeanSnapshot averages every numeric score field over the period;
// booleans count as 0/1 so "success" becomes the period's success rate.
func MeanSnapshot(scores []Score) (JSONMap, error) {
	if len(scores) == 0 {
		return JSONMap{}, nil
	}
	var totals = map[string]float64{}
	var counts = map[string]int{}
	var add = func(key string, v float64) {
		totals[key] += v
		counts[key]++
	}

	for _, s := range scores {
		add("value", s.Val)
		if s.Success {
			add("success", 1)
		} else {
			add("success", 0)
		}
		for k, v := range s.Extra {
			if f, ok := toFloat(v); ok {
				add(k, f)
			} else if b, ok := v.(bool); ok {
				if b {
					add(k, 1)
				} else {
					add(k, 0)
				}
			}
		}
	}

	var summary = make(JSONMap, len(totals))
	for k, total := range totals {
		summary[k] = total / float64(counts[k])
	}
	return summary, nil
}
