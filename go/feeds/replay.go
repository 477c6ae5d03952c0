package feeds

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/crunchdao/coordinator-node-starter/go/contract"
)

func init() {
	Register("replay", func(cfg Config) (Source, error) {
		if cfg.ReplayDir == "" {
			return nil, fmt.Errorf("replay source requires a fixture directory")
		}
		return &replaySource{dir: cfg.ReplayDir}, nil
	})
}

// replaySource serves records from JSONL fixtures, one file per scope,
// for deterministic development and tests. A missing fixture is an
// empty feed, not an error, so scopes can be configured ahead of their
// data.
type replaySource struct {
	dir string
}

func (r *replaySource) Name() string { return "replay" }

type replayLine struct {
	TsEvent int64            `json:"ts_event"`
	Values  contract.JSONMap `json:"values"`
	Meta    contract.JSONMap `json:"meta,omitempty"`
}

// FixtureFile returns the fixture path for a scope under dir.
func FixtureFile(dir string, scope contract.FeedScope) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s_%s.jsonl", scope.Subject, scope.Kind, scope.Granularity))
}

func (r *replaySource) Fetch(ctx context.Context, scope contract.FeedScope, fromTs, toTs int64, limit int) ([]contract.FeedRecord, error) {
	var path = FixtureFile(r.dir, scope)
	var file, err = os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening replay fixture %s: %w", path, err)
	}
	defer file.Close()

	var ingested = time.Now().UTC()
	var out []contract.FeedRecord
	var scanner = bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var line replayLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			return nil, fmt.Errorf("parsing %s line %d: %w", path, lineNo, err)
		}
		if line.TsEvent <= fromTs || (toTs > 0 && line.TsEvent > toTs) {
			continue
		}
		out = append(out, contract.FeedRecord{
			ID:          contract.NewFeedRecordID(scope, line.TsEvent),
			Source:      scope.Source,
			Subject:     scope.Subject,
			Kind:        scope.Kind,
			Granularity: scope.Granularity,
			TsEvent:     line.TsEvent,
			TsIngested:  ingested,
			Values:      line.Values,
			Meta:        line.Meta,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].TsEvent < out[j].TsEvent })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
