// Package feeds defines the external data source abstraction and its
// implementations. A Source pulls observations for one feed scope;
// sources register themselves by name, database/sql driver style, and
// the ingestion layer opens them by the scope's source component.
package feeds

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/crunchdao/coordinator-node-starter/go/contract"
)

// Source pulls observations for feed scopes of one upstream system.
type Source interface {
	// Name returns the registered source name.
	Name() string

	// Fetch returns records with ts_event strictly after fromTs,
	// ascending, at most limit. A toTs of zero means "up to now".
	// Sources must never return records for a different scope.
	Fetch(ctx context.Context, scope contract.FeedScope, fromTs, toTs int64, limit int) ([]contract.FeedRecord, error)
}

// Config carries the source-independent knobs a factory may use.
type Config struct {
	// BaseURL overrides the source's default endpoint, mainly for tests.
	BaseURL string
	// Timeout bounds one upstream request. Zero means 10s.
	Timeout time.Duration
	// Client overrides the HTTP client entirely.
	Client *http.Client
	// ReplayDir is the fixture directory of the replay source.
	ReplayDir string
}

func (c Config) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	var timeout = c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// Factory builds a source from configuration.
type Factory func(cfg Config) (Source, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a source factory available under name. Registering
// twice or with a nil factory panics, as with database/sql drivers.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if factory == nil {
		panic("feeds: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("feeds: Register called twice for source " + name)
	}
	registry[name] = factory
}

// Open builds the named source.
func Open(name string, cfg Config) (Source, error) {
	registryMu.RLock()
	var factory, ok = registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown feed source %q (have %v)", name, Names())
	}
	return factory(cfg)
}

// Names lists the registered sources, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	var out = make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
