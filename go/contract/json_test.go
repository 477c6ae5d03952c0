package contract

import (
	"encoding/json"
	"testing"

	"github.com/nsf/jsondiff"
	"github.com/stretchr/testify/require"
)

func TestJSONMapStoresCanonicalJSON(t *testing.T) {
	var m = JSONMap{"b": 2, "a": 1, "nested": JSONMap{"y": 1.5, "x": "s"}}
	var stored, err = m.Value()
	require.NoError(t, err)
	require.Equal(t, `{"a":1,"b":2,"nested":{"x":"s","y":1.5}}`, string(stored.([]byte)))

	// Key order and whitespace never matter to the stored document.
	var opts = jsondiff.DefaultConsoleOptions()
	var mode, _ = jsondiff.Compare(stored.([]byte), []byte(`{
		"nested": {"x": "s", "y": 1.5},
		"b": 2,
		"a": 1
	}`), &opts)
	require.Equal(t, jsondiff.FullMatch, mode)

	var decoded JSONMap
	require.NoError(t, decoded.Scan(stored))
	require.Equal(t, 2.0, decoded["b"])
}

func TestJSONScanSources(t *testing.T) {
	var m JSONMap
	require.NoError(t, m.Scan(nil))
	require.Nil(t, m)
	require.NoError(t, m.Scan(""))
	require.Nil(t, m)
	require.NoError(t, m.Scan(`{"k":1}`))
	require.Equal(t, 1.0, m["k"])
	require.NoError(t, m.Scan([]byte(`{"k":2}`)))
	require.Equal(t, 2.0, m["k"])
	require.Error(t, m.Scan(42))

	var nilMap JSONMap
	v, err := nilMap.Value()
	require.NoError(t, err)
	require.Nil(t, v)

	var score *Score
	sv, err := score.Value()
	require.NoError(t, err)
	require.Nil(t, sv)

	// A nil ranking still stores as an empty list, never as NULL.
	var entries LeaderboardEntries
	ev, err := entries.Value()
	require.NoError(t, err)
	require.Equal(t, "[]", string(ev.([]byte)))
}

func TestJSONMapFloatAndClone(t *testing.T) {
	var m = JSONMap{"i": 7, "n": json.Number("2.5"), "s": "text"}

	var f, ok = m.Float("i")
	require.True(t, ok)
	require.Equal(t, 7.0, f)
	f, ok = m.Float("n")
	require.True(t, ok)
	require.Equal(t, 2.5, f)
	_, ok = m.Float("s")
	require.False(t, ok)
	_, ok = m.Float("absent")
	require.False(t, ok)

	var c = m.Clone()
	c["i"] = 8
	require.Equal(t, 7, m["i"])
	require.Nil(t, JSONMap(nil).Clone())
}
