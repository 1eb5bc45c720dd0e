package collab

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
)

type Preview struct {
	Before   []Operation `json:"before"`
	After    []Operation `json:"after"`
	Affected []string    `json:"affected"`
}

// Resolution is the terminal outcome of resolving a conflict.
type Resolution struct {
	Success              bool        `json:"success"`
	ResolvedOperation    *Operation  `json:"resolved_operation,omitempty"`
	MergedOperations     []Operation `json:"merged_operations,omitempty"`
	RequiresManualReview bool        `json:"requires_manual_review"`
	Explanation          string      `json:"explanation"`
	Preview              Preview     `json:"preview"`
	Strategy             string      `json:"strategy"`
}

// Resolver is a registry of resolution strategies keyed by name.
type Resolver struct {
	mu              sync.RWMutex
	strategies      map[string]Strategy
	policies        []PathPolicy
	defaultStrategy string
	logger          *slog.Logger
}

type ResolverOption func(*Resolver)

func WithDefaultStrategy(name string) ResolverOption {
	return func(r *Resolver) {
		if name != "" {
			r.defaultStrategy = name
		}
	}
}

func WithPolicies(policies ...PathPolicy) ResolverOption {
	return func(r *Resolver) {
		r.policies = append(r.policies, policies...)
	}
}

func WithResolverLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewResolver returns a resolver with the built-in strategies registered.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		strategies:      make(map[string]Strategy),
		defaultStrategy: StrategySmartMerge,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, s := range []Strategy{lastWriteWins{}, firstWriteWins{}, smartMerge{}, threeWayMerge{}, manual{}} {
		r.strategies[s.Name()] = s
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces a strategy.
func (r *Resolver) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
}

// Strategies returns the registered strategy names, sorted.
func (r *Resolver) Strategies() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve runs the named strategy. manualChoice is the id of the operation
// to keep and is only read by the manual strategy; pass "" for none.
func (r *Resolver) Resolve(conflict *Conflict, strategy, manualChoice string) (Resolution, error) {
	if conflict == nil {
		return Resolution{}, ErrNilConflict
	}
	r.mu.RLock()
	s, ok := r.strategies[strategy]
	r.mu.RUnlock()
	if !ok {
		return Resolution{}, fmt.Errorf("%q: %w", strategy, ErrUnknownStrategy)
	}

	res, err := s.Resolve(conflict, manualChoice)
	if err != nil {
		return Resolution{}, err
	}
	res.Strategy = s.Name()
	r.logger.Debug("conflict resolved",
		"conflict", conflict.ID,
		"kind", conflict.Kind.String(),
		"strategy", res.Strategy,
		"success", res.Success,
		"manual_review", res.RequiresManualReview,
	)
	return res, nil
}

// ResolveAuto picks the strategy from the first path policy matching the
// conflict, falling back to the default strategy.
func (r *Resolver) ResolveAuto(conflict *Conflict) (Resolution, error) {
	if conflict == nil {
		return Resolution{}, ErrNilConflict
	}
	return r.Resolve(conflict, r.StrategyFor(conflict), "")
}

func (r *Resolver) StrategyFor(conflict *Conflict) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.policies {
		if p.MatchConflict(conflict) {
			return p.Strategy
		}
	}
	return r.defaultStrategy
}
