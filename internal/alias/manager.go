package alias

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// ErrSwapRejected wraps a failed atomic alias update. Nothing was applied.
var ErrSwapRejected = errors.New("alias update rejected")

// ActionType is an alias mutation kind.
type ActionType string

// Alias mutation kinds.
const (
	ActionAdd    ActionType = "add"
	ActionRemove ActionType = "remove"
)

// Action is one element of an atomic alias update.
type Action struct {
	Type  ActionType `json:"type"`
	Index string     `json:"index"`
	Alias string     `json:"alias"`
}

// Backend is the search cluster surface the manager needs. UpdateAliases
// must apply all actions atomically or none.
type Backend interface {
	ListIndices(ctx context.Context, prefix string) ([]string, error)
	AliasTargets(ctx context.Context, alias string) ([]string, error)
	UpdateAliases(ctx context.Context, actions []Action) error
}

// Publisher announces completed swaps.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Result describes what a swap did for one logical index.
type Result struct {
	Logical  string   `json:"logical"`
	Alias    string   `json:"alias"`
	Previous []string `json:"previous,omitempty"`
	Target   string   `json:"target,omitempty"`
	Actions  []Action `json:"actions,omitempty"`
	// Changed is true when an update batch was applied.
	Changed bool `json:"changed"`
	// Skipped is true when no generation exists for the logical index.
	Skipped bool `json:"skipped"`
}

// SwappedEvent is published after a successful alias move.
type SwappedEvent struct {
	Event    string   `json:"event"`
	Alias    string   `json:"alias"`
	Target   string   `json:"target"`
	Previous []string `json:"previous,omitempty"`
}

// Config configures a Manager.
type Config struct {
	Prefix string
	// Logical lists the logical indices SwapAll handles.
	Logical   []string
	Publisher Publisher
	Topic     string
	Logger    *zap.Logger
	// Observe, when set, receives the outcome of every Swap call.
	Observe func(Result, error)
}

// Manager swaps aliases for a fixed set of logical indices.
type Manager struct {
	backend Backend
	cfg     Config
	logger  *zap.Logger
}

// NewManager validates cfg and returns a Manager.
func NewManager(backend Backend, cfg Config) (*Manager, error) {
	if backend == nil {
		return nil, fmt.Errorf("alias manager requires a backend")
	}
	if cfg.Prefix == "" {
		return nil, fmt.Errorf("alias manager requires an index prefix")
	}
	if cfg.Topic == "" {
		cfg.Topic = "alias_swapped"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{backend: backend, cfg: cfg, logger: logger}, nil
}

// Logical returns the tracked logical index names.
func (m *Manager) Logical() []string {
	return append([]string(nil), m.cfg.Logical...)
}

// Swap points the alias of logical at its newest generation in one atomic
// update. It is a no-op when the alias already targets exactly that
// generation, and skipped when no generation exists.
func (m *Manager) Swap(ctx context.Context, logical string) (Result, error) {
	return m.SwapTo(ctx, logical, "")
}

// SwapTo points the alias of logical at the generation built under version.
// An empty version selects the newest generation. It is skipped when that
// generation does not exist, and it never moves an alias from a newer
// generation back to an older one.
func (m *Manager) SwapTo(ctx context.Context, logical, version string) (Result, error) {
	res, err := m.swap(ctx, logical, version)
	if m.cfg.Observe != nil {
		m.cfg.Observe(res, err)
	}
	return res, err
}

func (m *Manager) swap(ctx context.Context, logical, version string) (Result, error) {
	aliasName := Name(m.cfg.Prefix, logical)
	res := Result{Logical: logical, Alias: aliasName}

	indices, err := m.backend.ListIndices(ctx, aliasName+"_")
	if err != nil {
		return res, fmt.Errorf("list indices for %s: %w", aliasName, err)
	}
	newest, ok := m.pick(logical, version, indices)
	if !ok {
		res.Skipped = true
		m.logger.Warn("no generation to swap to", zap.String("alias", aliasName), zap.String("version", version))
		return res, nil
	}
	res.Target = newest.Index

	current, err := m.backend.AliasTargets(ctx, aliasName)
	if err != nil {
		return res, fmt.Errorf("resolve alias %s: %w", aliasName, err)
	}
	sort.Strings(current)
	res.Previous = current
	if len(current) == 1 && current[0] == newest.Index {
		return res, nil
	}
	if len(current) == 1 {
		if gen, ok := ParseGeneration(m.cfg.Prefix, logical, current[0]); ok && Older(newest.Version, gen.Version) {
			res.Target = current[0]
			m.logger.Info("alias already on a newer generation",
				zap.String("alias", aliasName),
				zap.String("current", current[0]),
				zap.String("requested", newest.Index),
			)
			return res, nil
		}
	}

	actions := make([]Action, 0, len(current)+1)
	for _, idx := range current {
		actions = append(actions, Action{Type: ActionRemove, Index: idx, Alias: aliasName})
	}
	actions = append(actions, Action{Type: ActionAdd, Index: newest.Index, Alias: aliasName})
	if err := m.backend.UpdateAliases(ctx, actions); err != nil {
		return res, fmt.Errorf("%w: %s -> %s: %w", ErrSwapRejected, aliasName, newest.Index, err)
	}
	res.Actions = actions
	res.Changed = true
	m.logger.Info("alias swapped",
		zap.String("alias", aliasName),
		zap.String("target", newest.Index),
		zap.Strings("previous", current),
	)
	m.announce(ctx, res)
	return res, nil
}

func (m *Manager) pick(logical, version string, indices []string) (Generation, bool) {
	if version == "" {
		return Newest(m.cfg.Prefix, logical, indices)
	}
	for _, idx := range indices {
		if gen, ok := ParseGeneration(m.cfg.Prefix, logical, idx); ok && gen.Version == version {
			return gen, true
		}
	}
	return Generation{}, false
}

func (m *Manager) announce(ctx context.Context, res Result) {
	if m.cfg.Publisher == nil {
		return
	}
	_, err := m.cfg.Publisher.Publish(ctx, m.cfg.Topic, SwappedEvent{
		Event:    "alias_swapped",
		Alias:    res.Alias,
		Target:   res.Target,
		Previous: res.Previous,
	})
	if err != nil {
		m.logger.Warn("publish alias swap failed", zap.String("alias", res.Alias), zap.Error(err))
	}
}

// SwapAllResults swaps every tracked logical index to its newest generation.
// A failure on one index does not stop the others; failures are returned
// joined.
func (m *Manager) SwapAllResults(ctx context.Context) ([]Result, error) {
	return m.swapAll(ctx, "")
}

// SwapAllTo swaps every tracked logical index to the generation built under
// version.
func (m *Manager) SwapAllTo(ctx context.Context, version string) error {
	_, err := m.swapAll(ctx, version)
	return err
}

func (m *Manager) swapAll(ctx context.Context, version string) ([]Result, error) {
	results := make([]Result, 0, len(m.cfg.Logical))
	var errs []error
	for _, logical := range m.cfg.Logical {
		res, err := m.SwapTo(ctx, logical, version)
		if err != nil {
			m.logger.Error("alias swap failed", zap.String("logical", logical), zap.Error(err))
			errs = append(errs, err)
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// SwapAll is SwapAllResults without the per-index detail.
func (m *Manager) SwapAll(ctx context.Context) error {
	_, err := m.SwapAllResults(ctx)
	return err
}
