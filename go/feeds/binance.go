package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/crunchdao/coordinator-node-starter/go/contract"
)

const (
	binanceDefaultBaseURL = "https://api.binance.com"
	binanceMaxLimit       = 1000
)

func init() {
	Register("binance", func(cfg Config) (Source, error) {
		var base = cfg.BaseURL
		if base == "" {
			base = binanceDefaultBaseURL
		}
		return &binanceSource{baseURL: base, client: cfg.httpClient()}, nil
	})
}

// binanceSource serves candle scopes from the spot klines endpoint and
// depth scopes from the order book snapshot endpoint.
type binanceSource struct {
	baseURL string
	client  *http.Client
}

func (b *binanceSource) Name() string { return "binance" }

func (b *binanceSource) Fetch(ctx context.Context, scope contract.FeedScope, fromTs, toTs int64, limit int) ([]contract.FeedRecord, error) {
	switch scope.Kind {
	case "candle":
		return b.fetchKlines(ctx, scope, fromTs, toTs, limit)
	case "depth":
		return b.fetchDepth(ctx, scope)
	default:
		return nil, fmt.Errorf("binance source does not serve kind %q", scope.Kind)
	}
}

func (b *binanceSource) fetchKlines(ctx context.Context, scope contract.FeedScope, fromTs, toTs int64, limit int) ([]contract.FeedRecord, error) {
	if limit <= 0 || limit > binanceMaxLimit {
		limit = binanceMaxLimit
	}
	var params = url.Values{}
	params.Set("symbol", scope.Subject)
	params.Set("interval", scope.Granularity)
	params.Set("limit", strconv.Itoa(limit))
	if fromTs > 0 {
		// startTime is inclusive in milliseconds; ask from the next second.
		params.Set("startTime", strconv.FormatInt((fromTs+1)*1000, 10))
	}
	if toTs > 0 {
		params.Set("endTime", strconv.FormatInt(toTs*1000, 10))
	}

	var raw json.RawMessage
	if err := b.getJSON(ctx, "/api/v3/klines", params, &raw); err != nil {
		return nil, err
	}
	var rows [][]klineField
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("decoding klines for %s: %w", scope, err)
	}

	var nowMs = time.Now().UnixMilli()
	var ingested = time.Now().UTC()
	var out = make([]contract.FeedRecord, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			return nil, fmt.Errorf("malformed kline row for %s: %d fields", scope, len(row))
		}
		var openMs, err = row[0].Int64()
		if err != nil {
			return nil, fmt.Errorf("malformed kline open time for %s: %w", scope, err)
		}
		closeMs, err := row[6].Int64()
		if err != nil {
			return nil, fmt.Errorf("malformed kline close time for %s: %w", scope, err)
		}
		// The newest kline is still forming until its close time passes.
		if closeMs > nowMs {
			continue
		}
		var tsEvent = openMs / 1000
		if tsEvent <= fromTs {
			continue
		}

		var values = contract.JSONMap{}
		for i, key := range []string{"open", "high", "low", "close", "volume"} {
			f, err := row[i+1].Float64()
			if err != nil {
				return nil, fmt.Errorf("malformed kline %s for %s: %w", key, scope, err)
			}
			values[key] = f
		}
		out = append(out, contract.FeedRecord{
			ID:          contract.NewFeedRecordID(scope, tsEvent),
			Source:      scope.Source,
			Subject:     scope.Subject,
			Kind:        scope.Kind,
			Granularity: scope.Granularity,
			TsEvent:     tsEvent,
			TsIngested:  ingested,
			Values:      values,
			Meta:        contract.JSONMap{"close_time_ms": closeMs},
		})
	}
	return out, nil
}

// klineField is one cell of a kline row. Timestamps arrive as JSON
// numbers while prices and volumes arrive quoted, so both shapes decode
// into the same type.
type klineField string

func (f *klineField) UnmarshalJSON(data []byte) error {
	var s = string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	*f = klineField(s)
	return nil
}

func (f klineField) Int64() (int64, error) { return strconv.ParseInt(string(f), 10, 64) }

func (f klineField) Float64() (float64, error) { return strconv.ParseFloat(string(f), 64) }

type binanceDepth struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

func (b *binanceSource) fetchDepth(ctx context.Context, scope contract.FeedScope) ([]contract.FeedRecord, error) {
	var params = url.Values{}
	params.Set("symbol", scope.Subject)
	params.Set("limit", "100")

	var depth binanceDepth
	if err := b.getJSON(ctx, "/api/v3/depth", params, &depth); err != nil {
		return nil, err
	}
	var bids, err = parseLevels(depth.Bids)
	if err != nil {
		return nil, fmt.Errorf("malformed depth bids for %s: %w", scope, err)
	}
	asks, err := parseLevels(depth.Asks)
	if err != nil {
		return nil, fmt.Errorf("malformed depth asks for %s: %w", scope, err)
	}

	var now = time.Now().UTC()
	return []contract.FeedRecord{{
		ID:          contract.NewFeedRecordID(scope, now.Unix()),
		Source:      scope.Source,
		Subject:     scope.Subject,
		Kind:        scope.Kind,
		Granularity: scope.Granularity,
		TsEvent:     now.Unix(),
		TsIngested:  now,
		Values:      contract.JSONMap{"bids": bids, "asks": asks},
		Meta:        contract.JSONMap{"last_update_id": depth.LastUpdateID},
	}}, nil
}

func parseLevels(levels [][2]string) ([]any, error) {
	var out = make([]any, 0, len(levels))
	for _, lv := range levels {
		var price, err = strconv.ParseFloat(lv[0], 64)
		if err != nil {
			return nil, err
		}
		qty, err := strconv.ParseFloat(lv[1], 64)
		if err != nil {
			return nil, err
		}
		out = append(out, []any{price, qty})
	}
	return out, nil
}

func (b *binanceSource) getJSON(ctx context.Context, path string, params url.Values, dst any) error {
	var u = b.baseURL + path + "?" + params.Encode()
	var req, err = http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request %s: %w", path, err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body, _ = io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
