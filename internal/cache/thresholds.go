package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"flow-alerts/internal/thresholds"
)

// ThresholdRepository keeps thresholds in Redis so several devices observing
// the same symbol share one notification set.
//
// Key schema:
//
//	thresholds:{kind}:{SYMBOL} - hash with field "data" containing JSON
type ThresholdRepository struct {
	rdb *redis.Client
}

// NewThresholdRepository creates a repository backed by the given Client.
func NewThresholdRepository(c *Client) *ThresholdRepository {
	return &ThresholdRepository{rdb: c.rdb}
}

func thresholdKey(kind thresholds.Kind, symbol string) string {
	return "thresholds:" + string(kind) + ":" + thresholds.NormalizeSymbol(symbol)
}

// Get returns the stored config or thresholds.ErrNotFound.
func (r *ThresholdRepository) Get(ctx context.Context, symbol string, kind thresholds.Kind) (thresholds.Config, error) {
	key := thresholdKey(kind, symbol)
	data, err := r.rdb.HGet(ctx, key, "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return thresholds.Config{}, thresholds.ErrNotFound
	}
	if err != nil {
		return thresholds.Config{}, fmt.Errorf("redis: get %s: %w", key, err)
	}
	return decodeThresholds(data)
}

// Put validates and stores a config.
func (r *ThresholdRepository) Put(ctx context.Context, symbol string, kind thresholds.Kind, cfg thresholds.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("redis: marshal thresholds: %w", err)
	}
	key := thresholdKey(kind, symbol)
	if err := r.rdb.HSet(ctx, key, "data", data).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", key, err)
	}
	return nil
}

func decodeThresholds(data []byte) (thresholds.Config, error) {
	var cfg thresholds.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return thresholds.Config{}, fmt.Errorf("redis: unmarshal thresholds: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return thresholds.Config{}, err
	}
	return cfg, nil
}

var _ thresholds.Repository = (*ThresholdRepository)(nil)
