package contract

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONMap is a free-form JSON object column. Values round-trip through the
// store as TEXT holding compact JSON; map keys marshal in sorted order, so
// the stored form is canonical.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	return scanJSON(m, src)
}

// Float reads a numeric field, tolerating the integer widths the JSON
// decoder and YAML loader produce.
func (m JSONMap) Float(key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

// Clone returns a shallow copy, or nil for a nil map.
func (m JSONMap) Clone() JSONMap {
	if m == nil {
		return nil
	}
	var out = make(JSONMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func scanJSON(dst any, src any) error {
	switch t := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(t) == 0 {
			return nil
		}
		return json.Unmarshal(t, dst)
	case string:
		if t == "" {
			return nil
		}
		return json.Unmarshal([]byte(t), dst)
	default:
		return fmt.Errorf("cannot scan %T into JSON column", src)
	}
}

func (s PredictionScope) Value() (driver.Value, error) { return json.Marshal(s) }
func (s *PredictionScope) Scan(src any) error          { return scanJSON(s, src) }

func (s Schedule) Value() (driver.Value, error) { return json.Marshal(s) }
func (s *Schedule) Scan(src any) error          { return scanJSON(s, src) }

func (s *Score) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}
func (s *Score) Scan(src any) error { return scanJSON(s, src) }

func (p EmissionPayload) Value() (driver.Value, error) { return json.Marshal(p) }
func (p *EmissionPayload) Scan(src any) error          { return scanJSON(p, src) }

func (e LeaderboardEntries) Value() (driver.Value, error) {
	if e == nil {
		return json.Marshal([]LeaderboardEntry{})
	}
	return json.Marshal(e)
}
func (e *LeaderboardEntries) Scan(src any) error { return scanJSON(e, src) }
