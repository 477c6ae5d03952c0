package contract

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Callable signatures. The dynamic string-path dispatch of earlier
// deployments becomes an explicit registry: implementations register under
// a name at init time and contracts bind slots to names; resolution
// happens once, before workers start.

// InferenceInputBuilder turns a raw feed window into the inference input
// handed to every model. It must be a pure function of its arguments.
type InferenceInputBuilder func(window []FeedRecord, scope PredictionScope, now int64) (JSONMap, error)

// InferenceOutputValidator checks and normalizes a model's output.
// A non-nil error marks the prediction FAILED with the error text.
type InferenceOutputValidator func(output JSONMap) (JSONMap, error)

// ScoringFunction scores one prediction against resolved actuals. An error
// return is equivalent to Score{Success: false}.
type ScoringFunction func(output JSONMap, actuals JSONMap) (Score, error)

// ResolveGroundTruthFunc derives actuals from the resolution feed window.
// Returning (nil, nil) means "not resolvable yet, retry".
type ResolveGroundTruthFunc func(scope PredictionScope, window []FeedRecord) (JSONMap, error)

// AggregateSnapshotFunc folds a cycle's scores into the snapshot summary.
type AggregateSnapshotFunc func(scores []Score) (JSONMap, error)

// Callables is a contract's frozen behavior set.
type Callables struct {
	BuildInput         InferenceInputBuilder
	ValidateOutput     InferenceOutputValidator
	Score              ScoringFunction
	ResolveGroundTruth ResolveGroundTruthFunc
	AggregateSnapshot  AggregateSnapshotFunc
	BuildEmission      BuildEmissionFunc
}

type registry struct {
	mu                 sync.Mutex
	inputBuilders      map[string]InferenceInputBuilder
	outputValidators   map[string]InferenceOutputValidator
	scoringFuncs       map[string]ScoringFunction
	groundTruthFuncs   map[string]ResolveGroundTruthFunc
	snapshotAggregates map[string]AggregateSnapshotFunc
	emissionBuilders   map[string]BuildEmissionFunc
}

var reg = &registry{
	inputBuilders:      map[string]InferenceInputBuilder{},
	outputValidators:   map[string]InferenceOutputValidator{},
	scoringFuncs:       map[string]ScoringFunction{},
	groundTruthFuncs:   map[string]ResolveGroundTruthFunc{},
	snapshotAggregates: map[string]AggregateSnapshotFunc{},
	emissionBuilders:   map[string]BuildEmissionFunc{},
}

func register[T any](m map[string]T, kind, name string, fn T) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if name == "" {
		panic(fmt.Sprintf("contract: empty %s name", kind))
	}
	if _, dup := m[name]; dup {
		panic(fmt.Sprintf("contract: %s %q registered twice", kind, name))
	}
	m[name] = fn
}

// RegisterInputBuilder registers an input builder. It panics on duplicate
// names, like database/sql driver registration.
func RegisterInputBuilder(name string, fn InferenceInputBuilder) {
	register(reg.inputBuilders, "input builder", name, fn)
}

// RegisterOutputValidator registers an output validator.
func RegisterOutputValidator(name string, fn InferenceOutputValidator) {
	register(reg.outputValidators, "output validator", name, fn)
}

// RegisterScoring registers a scoring function.
func RegisterScoring(name string, fn ScoringFunction) {
	register(reg.scoringFuncs, "scoring function", name, fn)
}

// RegisterResolveGroundTruth registers a ground truth resolver.
func RegisterResolveGroundTruth(name string, fn ResolveGroundTruthFunc) {
	register(reg.groundTruthFuncs, "ground truth resolver", name, fn)
}

// RegisterAggregateSnapshot registers a snapshot aggregator.
func RegisterAggregateSnapshot(name string, fn AggregateSnapshotFunc) {
	register(reg.snapshotAggregates, "snapshot aggregator", name, fn)
}

// RegisterBuildEmission registers an emission builder.
func RegisterBuildEmission(name string, fn BuildEmissionFunc) {
	register(reg.emissionBuilders, "emission builder", name, fn)
}

func lookup[T any](m map[string]T, slot, name string, missing *[]string) T {
	var zero T
	if name == "" {
		return zero
	}
	if fn, ok := m[name]; ok {
		return fn
	}
	var known = make([]string, 0, len(m))
	for k := range m {
		known = append(known, k)
	}
	sort.Strings(known)
	*missing = append(*missing, fmt.Sprintf("%s %q (registered: %s)", slot, name, strings.Join(known, ", ")))
	return zero
}

// Resolve maps the bindings onto registered implementations. Optional
// slots fall back to the built-in defaults; every unresolvable binding is
// reported in one error.
func (b CallableBindings) Resolve() (*Callables, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	var missing []string
	var out = &Callables{
		BuildInput:         lookup(reg.inputBuilders, "input_builder", b.InputBuilder, &missing),
		ValidateOutput:     lookup(reg.outputValidators, "output_validator", b.OutputValidator, &missing),
		Score:              lookup(reg.scoringFuncs, "scoring", b.Scoring, &missing),
		ResolveGroundTruth: lookup(reg.groundTruthFuncs, "resolve_ground_truth", b.ResolveGroundTruth, &missing),
		AggregateSnapshot:  lookup(reg.snapshotAggregates, "aggregate_snapshot", b.AggregateSnapshot, &missing),
		BuildEmission:      lookup(reg.emissionBuilders, "build_emission", b.BuildEmission, &missing),
	}

	// Required slots must be bound at all.
	for _, req := range []struct {
		slot, name string
	}{
		{"input_builder", b.InputBuilder},
		{"output_validator", b.OutputValidator},
		{"scoring", b.Scoring},
		{"resolve_ground_truth", b.ResolveGroundTruth},
	} {
		if req.name == "" {
			missing = append(missing, fmt.Sprintf("%s is required but unbound", req.slot))
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("unresolvable contract callables: %s", strings.Join(missing, "; "))
	}

	if out.AggregateSnapshot == nil {
		out.AggregateSnapshot = MeanSnapshot
	}
	if out.BuildEmission == nil {
		out.BuildEmission = TierEmission
	}
	return out, nil
}
