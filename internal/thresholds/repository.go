package thresholds

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrNotFound is returned when no thresholds are stored for a symbol.
var ErrNotFound = errors.New("thresholds: not found")

// Repository stores thresholds per symbol and kind.
type Repository interface {
	Get(ctx context.Context, symbol string, kind Kind) (Config, error)
	Put(ctx context.Context, symbol string, kind Kind, cfg Config) error
}

// NormalizeSymbol upper-cases and trims a ticker.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Memory is an in-process Repository.
type Memory struct {
	mu   sync.RWMutex
	sets map[string]map[Kind]Config
}

// NewMemory constructs an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{sets: make(map[string]map[Kind]Config)}
}

// Get returns the stored config or ErrNotFound.
func (m *Memory) Get(_ context.Context, symbol string, kind Kind) (Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byKind, ok := m.sets[NormalizeSymbol(symbol)]
	if !ok {
		return Config{}, ErrNotFound
	}
	cfg, ok := byKind[kind]
	if !ok {
		return Config{}, ErrNotFound
	}
	return cfg, nil
}

// Put stores a config, replacing any previous value.
func (m *Memory) Put(_ context.Context, symbol string, kind Kind, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sym := NormalizeSymbol(symbol)
	if _, ok := m.sets[sym]; !ok {
		m.sets[sym] = make(map[Kind]Config)
	}
	m.sets[sym][kind] = cfg
	return nil
}

// Resolver routes each kind to its own repository and falls back to defaults.
type Resolver struct {
	notification Repository
	highlight    Repository
	fallback     Config
}

// NewResolver wires the two independent stores. Neither may be nil.
func NewResolver(notification, highlight Repository, fallback Config) *Resolver {
	return &Resolver{notification: notification, highlight: highlight, fallback: fallback}
}

func (r *Resolver) repo(kind Kind) (Repository, error) {
	switch kind {
	case KindNotification:
		return r.notification, nil
	case KindHighlight:
		return r.highlight, nil
	default:
		return nil, fmt.Errorf("unknown threshold kind %q", kind)
	}
}

// Get returns the thresholds for symbol and kind, or the fallback when unset.
func (r *Resolver) Get(ctx context.Context, symbol string, kind Kind) (Config, error) {
	repo, err := r.repo(kind)
	if err != nil {
		return Config{}, err
	}
	cfg, err := repo.Get(ctx, symbol, kind)
	if errors.Is(err, ErrNotFound) {
		return r.fallback, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("get %s thresholds for %s: %w", kind, NormalizeSymbol(symbol), err)
	}
	return cfg, nil
}

// Put stores thresholds for symbol and kind.
func (r *Resolver) Put(ctx context.Context, symbol string, kind Kind, cfg Config) error {
	repo, err := r.repo(kind)
	if err != nil {
		return err
	}
	if err := repo.Put(ctx, symbol, kind, cfg); err != nil {
		return fmt.Errorf("put %s thresholds for %s: %w", kind, NormalizeSymbol(symbol), err)
	}
	return nil
}

// Copy duplicates the thresholds of one kind onto the other for a symbol.
// It is the only path by which the two sets are ever aligned.
func (r *Resolver) Copy(ctx context.Context, symbol string, from, to Kind) (Config, error) {
	if from == to {
		return Config{}, fmt.Errorf("source and destination kinds are both %q", from)
	}
	cfg, err := r.Get(ctx, symbol, from)
	if err != nil {
		return Config{}, err
	}
	if err := r.Put(ctx, symbol, to, cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var _ Repository = (*Memory)(nil)
var _ Repository = (*Resolver)(nil)
