package ingest

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	log "github.com/sirupsen/logrus"

	"github.com/crunchdao/coordinator-node-starter/go/contract"
)

// Columns every row carries; remaining value keys travel in the meta
// JSON column.
var standardValueColumns = []string{"open", "high", "low", "close", "volume"}

const recordMetaKey = "_record_meta"

type lakeRow struct {
	TsEvent     int64    `parquet:"ts_event"`
	Source      string   `parquet:"source"`
	Subject     string   `parquet:"subject"`
	Kind        string   `parquet:"kind"`
	Granularity string   `parquet:"granularity"`
	Open        *float64 `parquet:"open,optional"`
	High        *float64 `parquet:"high,optional"`
	Low         *float64 `parquet:"low,optional"`
	Close       *float64 `parquet:"close,optional"`
	Volume      *float64 `parquet:"volume,optional"`
	Meta        string   `parquet:"meta"`
}

// Lake persists feed history as daily parquet files laid out
// <root>/<source>/<subject>/<kind>/<granularity>/YYYY-MM-DD.parquet.
// Appends merge into the day file keeping the last row per ts_event, so
// re-running a backfill over the same range is idempotent.
type Lake struct {
	root string
}

func NewLake(root string) *Lake { return &Lake{root: root} }

func (l *Lake) Root() string { return l.root }

// LakeFile is one manifest entry, path relative to the lake root.
type LakeFile struct {
	Path      string `json:"path"`
	Records   int64  `json:"records"`
	SizeBytes int64  `json:"size_bytes"`
	Date      string `json:"date"`
}

// Append writes records into their day files, merging with whatever is
// already there. Returns the number of records written.
func (l *Lake) Append(records []contract.FeedRecord) (int, error) {
	var grouped = map[string][]contract.FeedRecord{}
	for _, r := range records {
		var day = time.Unix(r.TsEvent, 0).UTC().Format("2006-01-02")
		var path = l.dayPath(r.Scope(), day)
		grouped[path] = append(grouped[path], r)
	}
	for path, recs := range grouped {
		if err := l.mergeDay(path, recs); err != nil {
			return 0, err
		}
	}
	return len(records), nil
}

func (l *Lake) dayPath(scope contract.FeedScope, day string) string {
	return filepath.Join(l.root, scope.Source, scope.Subject, scope.Kind, scope.Granularity, day+".parquet")
}

func (l *Lake) mergeDay(path string, records []contract.FeedRecord) error {
	var byTs = map[int64]lakeRow{}
	if _, statErr := os.Stat(path); statErr == nil {
		if existing, err := parquet.ReadFile[lakeRow](path); err == nil {
			for _, row := range existing {
				byTs[row.TsEvent] = row
			}
		} else {
			log.WithError(err).WithField("path", path).Warn("unreadable lake file, overwriting")
		}
	}
	for _, r := range records {
		byTs[r.TsEvent] = recordRow(r)
	}

	var rows = make([]lakeRow, 0, len(byTs))
	for _, row := range byTs {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].TsEvent < rows[j].TsEvent })

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var tmp = path + ".tmp"
	if err := parquet.WriteFile(tmp, rows); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}

// Read returns the scope's records with fromTs <= ts_event <= toTs,
// ascending. A toTs of zero means no upper bound.
func (l *Lake) Read(scope contract.FeedScope, fromTs, toTs int64) ([]contract.FeedRecord, error) {
	var dir = filepath.Join(l.root, scope.Source, scope.Subject, scope.Kind, scope.Granularity)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []contract.FeedRecord
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".parquet") {
			continue
		}
		if skip := dayOutOfRange(strings.TrimSuffix(entry.Name(), ".parquet"), fromTs, toTs); skip {
			continue
		}
		rows, err := parquet.ReadFile[lakeRow](filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", entry.Name(), err)
		}
		for _, row := range rows {
			if row.TsEvent < fromTs || (toTs > 0 && row.TsEvent > toTs) {
				continue
			}
			out = append(out, rowRecord(row))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TsEvent < out[j].TsEvent })
	return out, nil
}

func dayOutOfRange(day string, fromTs, toTs int64) bool {
	var start, err = time.Parse("2006-01-02", day)
	if err != nil {
		return false
	}
	var dayStart = start.Unix()
	var dayEnd = dayStart + 86400
	if dayEnd <= fromTs {
		return true
	}
	return toTs > 0 && dayStart > toTs
}

// Manifest walks the lake and describes every parquet file. Files that
// cannot be opened are skipped with a warning rather than failing the
// whole listing.
func (l *Lake) Manifest() ([]LakeFile, error) {
	var out []LakeFile
	var walkErr = filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == l.root {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".parquet") {
			return nil
		}
		var entry, statErr = l.describe(path)
		if statErr != nil {
			log.WithError(statErr).WithField("path", path).Warn("skipping unreadable lake file")
			return nil
		}
		out = append(out, entry)
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}
	return out, nil
}

func (l *Lake) describe(path string) (LakeFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return LakeFile{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return LakeFile{}, err
	}
	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return LakeFile{}, err
	}
	rel, err := filepath.Rel(l.root, path)
	if err != nil {
		return LakeFile{}, err
	}
	return LakeFile{
		Path:      filepath.ToSlash(rel),
		Records:   pf.NumRows(),
		SizeBytes: info.Size(),
		Date:      strings.TrimSuffix(filepath.Base(path), ".parquet"),
	}, nil
}

// Resolve maps a manifest path back to an absolute file path, refusing
// anything that escapes the lake root.
func (l *Lake) Resolve(rel string) (string, bool) {
	var abs = filepath.Join(l.root, filepath.FromSlash(rel))
	root, err := filepath.Abs(l.root)
	if err != nil {
		return "", false
	}
	full, err := filepath.Abs(abs)
	if err != nil {
		return "", false
	}
	if !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", false
	}
	if !strings.HasSuffix(full, ".parquet") {
		return "", false
	}
	if _, err := os.Stat(full); err != nil {
		return "", false
	}
	return full, true
}

func recordRow(r contract.FeedRecord) lakeRow {
	var row = lakeRow{
		TsEvent:     r.TsEvent,
		Source:      r.Source,
		Subject:     r.Subject,
		Kind:        r.Kind,
		Granularity: r.Granularity,
		Open:        floatColumn(r.Values, "open"),
		High:        floatColumn(r.Values, "high"),
		Low:         floatColumn(r.Values, "low"),
		Close:       floatColumn(r.Values, "close"),
		Volume:      floatColumn(r.Values, "volume"),
	}
	var extra = contract.JSONMap{}
	for k, v := range r.Values {
		if !isStandardColumn(k) {
			extra[k] = v
		}
	}
	if len(r.Meta) > 0 {
		extra[recordMetaKey] = r.Meta
	}
	if len(extra) == 0 {
		row.Meta = "{}"
	} else {
		var buf, err = json.Marshal(extra)
		if err != nil {
			row.Meta = "{}"
		} else {
			row.Meta = string(buf)
		}
	}
	return row
}

func rowRecord(row lakeRow) contract.FeedRecord {
	var scope = contract.FeedScope{
		Source:      row.Source,
		Subject:     row.Subject,
		Kind:        row.Kind,
		Granularity: row.Granularity,
	}
	var values = contract.JSONMap{}
	for col, ptr := range map[string]*float64{
		"open": row.Open, "high": row.High, "low": row.Low,
		"close": row.Close, "volume": row.Volume,
	} {
		if ptr != nil {
			values[col] = *ptr
		}
	}
	var meta contract.JSONMap
	var extra contract.JSONMap
	if err := json.Unmarshal([]byte(row.Meta), &extra); err == nil {
		for k, v := range extra {
			if k == recordMetaKey {
				if m, ok := v.(map[string]any); ok {
					meta = contract.JSONMap(m)
				}
				continue
			}
			values[k] = v
		}
	}
	return contract.FeedRecord{
		ID:          contract.NewFeedRecordID(scope, row.TsEvent),
		Source:      row.Source,
		Subject:     row.Subject,
		Kind:        row.Kind,
		Granularity: row.Granularity,
		TsEvent:     row.TsEvent,
		Values:      values,
		Meta:        meta,
	}
}

func floatColumn(values contract.JSONMap, key string) *float64 {
	var v, ok = values[key]
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case float64:
		return &t
	case float32:
		var f = float64(t)
		return &f
	case int:
		var f = float64(t)
		return &f
	case int64:
		var f = float64(t)
		return &f
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return &f
		}
	}
	return nil
}

func isStandardColumn(key string) bool {
	for _, col := range standardValueColumns {
		if key == col {
			return true
		}
	}
	return false
}
