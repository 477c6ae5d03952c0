package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crunchdao/coordinator-node-starter/go/contract"
)

func TestOpenUnknownSource(t *testing.T) {
	var _, err = Open("martian", Config{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "martian")
}

func TestNamesIncludeBuiltins(t *testing.T) {
	var names = Names()
	require.Contains(t, names, "binance")
	require.Contains(t, names, "replay")
}

func klineRow(openSec int64, open, high, low, close, volume float64, closedSec int64) []any {
	return []any{
		openSec * 1000,
		fmt.Sprintf("%f", open), fmt.Sprintf("%f", high), fmt.Sprintf("%f", low),
		fmt.Sprintf("%f", close), fmt.Sprintf("%f", volume),
		closedSec*1000 - 1,
		"0", 10, "0", "0", "0",
	}
}

func TestBinanceKlines(t *testing.T) {
	var now = time.Now().Unix()
	var gotQuery map[string]string
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/klines", r.URL.Path)
		gotQuery = map[string]string{}
		for k := range r.URL.Query() {
			gotQuery[k] = r.URL.Query().Get(k)
		}
		var rows = [][]any{
			klineRow(now-300, 100, 110, 90, 105, 12, now-240),
			klineRow(now-240, 105, 115, 95, 108, 9, now-180),
			// Still-forming candle, close time in the future.
			klineRow(now-60, 108, 120, 100, 118, 3, now+60),
		}
		require.NoError(t, json.NewEncoder(w).Encode(rows))
	}))
	defer server.Close()

	var src, err = Open("binance", Config{BaseURL: server.URL})
	require.NoError(t, err)
	require.Equal(t, "binance", src.Name())

	var scope = contract.FeedScope{Source: "binance", Subject: "BTCUSDT", Kind: "candle", Granularity: "1m"}
	records, err := src.Fetch(context.Background(), scope, now-360, 0, 500)
	require.NoError(t, err)

	require.Equal(t, "BTCUSDT", gotQuery["symbol"])
	require.Equal(t, "1m", gotQuery["interval"])
	require.Equal(t, "500", gotQuery["limit"])
	require.Equal(t, fmt.Sprint((now-360+1)*1000), gotQuery["startTime"])

	require.Len(t, records, 2, "the open candle is dropped")
	require.Equal(t, now-300, records[0].TsEvent)
	require.Equal(t, 105.0, records[0].Values["close"])
	require.Equal(t, 12.0, records[0].Values["volume"])
	require.Equal(t, scope.Key(), records[0].Scope().Key())
	var price, ok = records[1].Price()
	require.True(t, ok)
	require.Equal(t, 108.0, price)
}

func TestBinanceKlinesSkipBoundary(t *testing.T) {
	var now = time.Now().Unix()
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var rows = [][]any{
			klineRow(now-600, 1, 1, 1, 1, 1, now-540),
			klineRow(now-540, 2, 2, 2, 2, 2, now-480),
		}
		require.NoError(t, json.NewEncoder(w).Encode(rows))
	}))
	defer server.Close()

	var src, _ = Open("binance", Config{BaseURL: server.URL})
	var scope = contract.FeedScope{Source: "binance", Subject: "BTCUSDT", Kind: "candle", Granularity: "1m"}

	// fromTs equal to the first row's open time excludes it.
	var records, err = src.Fetch(context.Background(), scope, now-600, 0, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, now-540, records[0].TsEvent)
}

func TestBinanceErrorStatus(t *testing.T) {
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":-1121,"msg":"Invalid symbol."}`, http.StatusBadRequest)
	}))
	defer server.Close()

	var src, _ = Open("binance", Config{BaseURL: server.URL})
	var scope = contract.FeedScope{Source: "binance", Subject: "NOPE", Kind: "candle", Granularity: "1m"}
	var _, err = src.Fetch(context.Background(), scope, 0, 0, 10)
	require.Error(t, err)
	require.Contains(t, err.Error(), "400")
}

func TestBinanceDepth(t *testing.T) {
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/depth", r.URL.Path)
		require.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		_, _ = w.Write([]byte(`{"lastUpdateId":7,"bids":[["50000.5","1.2"]],"asks":[["50001.0","0.8"],["50002.0","2.0"]]}`))
	}))
	defer server.Close()

	var src, _ = Open("binance", Config{BaseURL: server.URL})
	var scope = contract.FeedScope{Source: "binance", Subject: "BTCUSDT", Kind: "depth", Granularity: "1m"}
	var records, err = src.Fetch(context.Background(), scope, 0, 0, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)

	var bids = records[0].Values["bids"].([]any)
	require.Len(t, bids, 1)
	require.Equal(t, []any{50000.5, 1.2}, bids[0])
	var asks = records[0].Values["asks"].([]any)
	require.Len(t, asks, 2)
	require.Equal(t, int64(7), records[0].Meta["last_update_id"])
}

func TestBinanceUnsupportedKind(t *testing.T) {
	var src, _ = Open("binance", Config{BaseURL: "http://unused"})
	var scope = contract.FeedScope{Source: "binance", Subject: "BTCUSDT", Kind: "funding", Granularity: "8h"}
	var _, err = src.Fetch(context.Background(), scope, 0, 0, 10)
	require.Error(t, err)
	require.Contains(t, err.Error(), "funding")
}

func TestReplaySource(t *testing.T) {
	var dir = t.TempDir()
	var scope = contract.FeedScope{Source: "replay", Subject: "BTCUSDT", Kind: "candle", Granularity: "1m"}

	var fixture = "" +
		`{"ts_event":300,"values":{"close":3.0}}` + "\n" +
		`{"ts_event":100,"values":{"close":1.0}}` + "\n" +
		"\n" +
		`{"ts_event":200,"values":{"close":2.0},"meta":{"note":"x"}}` + "\n"
	require.NoError(t, os.WriteFile(FixtureFile(dir, scope), []byte(fixture), 0o644))

	var src, err = Open("replay", Config{ReplayDir: dir})
	require.NoError(t, err)

	records, err := src.Fetch(context.Background(), scope, 0, 0, 10)
	require.NoError(t, err)
	require.Len(t, records, 3, "blank lines are skipped")
	// Out of order fixtures come back sorted.
	require.Equal(t, int64(100), records[0].TsEvent)
	require.Equal(t, int64(300), records[2].TsEvent)

	// Watermark and range filters.
	records, err = src.Fetch(context.Background(), scope, 100, 200, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, int64(200), records[0].TsEvent)
	require.Equal(t, "x", records[0].Meta["note"])

	// Limit caps the oldest-first page.
	records, err = src.Fetch(context.Background(), scope, 0, 0, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, int64(200), records[1].TsEvent)

	// A scope without a fixture is an empty feed.
	var other = contract.FeedScope{Source: "replay", Subject: "ETHUSDT", Kind: "candle", Granularity: "1m"}
	records, err = src.Fetch(context.Background(), other, 0, 0, 10)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestReplayRequiresDir(t *testing.T) {
	var _, err = Open("replay", Config{})
	require.Error(t, err)
}
