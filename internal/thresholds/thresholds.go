// Package thresholds holds per-symbol alert thresholds and the evaluator that
// classifies a summary record against them.
package thresholds

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"flow-alerts/internal/summary"
)

// Kind distinguishes the two independent threshold sets kept per symbol.
type Kind string

const (
	// KindNotification governs push alerts and may be synchronised remotely.
	KindNotification Kind = "notification"
	// KindHighlight governs local visual classification only.
	KindHighlight Kind = "highlight"
)

// ParseKind resolves a user supplied kind name.
func ParseKind(v string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "notification", "notify", "push":
		return KindNotification, nil
	case "highlight", "local":
		return KindHighlight, nil
	default:
		return "", fmt.Errorf("unknown threshold kind %q", v)
	}
}

// Config is a named set of comparison thresholds.
type Config struct {
	Enabled     bool            `json:"enabled" mapstructure:"enabled"`
	CallRatio   decimal.Decimal `json:"call_ratio" mapstructure:"call_ratio"`
	PutRatio    decimal.Decimal `json:"put_ratio" mapstructure:"put_ratio"`
	CallPremium decimal.Decimal `json:"call_premium" mapstructure:"call_premium"`
	PutPremium  decimal.Decimal `json:"put_premium" mapstructure:"put_premium"`
	PremiumGate decimal.Decimal `json:"premium_gate" mapstructure:"premium_gate"`
}

// Default returns the thresholds used when nothing is configured for a symbol.
func Default() Config {
	return Config{
		Enabled:     true,
		CallRatio:   decimal.NewFromInt(40),
		PutRatio:    decimal.RequireFromString("0.5"),
		CallPremium: decimal.NewFromInt(1_000_000),
		PutPremium:  decimal.NewFromInt(500_000),
		PremiumGate: decimal.NewFromInt(1_000_000),
	}
}

// Validate rejects negative thresholds.
func (c Config) Validate() error {
	fields := map[string]decimal.Decimal{
		"call_ratio":   c.CallRatio,
		"put_ratio":    c.PutRatio,
		"call_premium": c.CallPremium,
		"put_premium":  c.PutPremium,
		"premium_gate": c.PremiumGate,
	}
	for name, v := range fields {
		if v.IsNegative() {
			return fmt.Errorf("%s cannot be negative", name)
		}
	}
	return nil
}

// Class is the outcome of Evaluate.
type Class int

const (
	ClassNone Class = iota
	ClassCallRatioExceeded
	ClassPutRatioBelow
	ClassBothPremiumsExceeded
	ClassCallPremiumExceeded
	ClassPutPremiumExceeded
)

func (c Class) String() string {
	switch c {
	case ClassCallRatioExceeded:
		return "call_ratio_exceeded"
	case ClassPutRatioBelow:
		return "put_ratio_below"
	case ClassBothPremiumsExceeded:
		return "both_premiums_exceeded"
	case ClassCallPremiumExceeded:
		return "call_premium_exceeded"
	case ClassPutPremiumExceeded:
		return "put_premium_exceeded"
	default:
		return "none"
	}
}

// MarshalText encodes the class by name.
func (c Class) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Evaluate classifies a record. Ratio rules take priority over premium rules
// when the aggregate premium gate is met; the first match wins.
func Evaluate(rec summary.Record, cfg Config) Class {
	if !cfg.Enabled {
		return ClassNone
	}

	gateMet := rec.TotalPremium.GreaterThanOrEqual(cfg.PremiumGate)
	if gateMet && rec.CallPutRatio.GreaterThanOrEqual(cfg.CallRatio) {
		return ClassCallRatioExceeded
	}
	if gateMet && rec.CallPutRatio.LessThanOrEqual(cfg.PutRatio) {
		return ClassPutRatioBelow
	}

	callExceeded := rec.CallPremium.GreaterThanOrEqual(cfg.CallPremium)
	putExceeded := rec.PutPremium.GreaterThanOrEqual(cfg.PutPremium)
	switch {
	case callExceeded && putExceeded:
		return ClassBothPremiumsExceeded
	case callExceeded:
		return ClassCallPremiumExceeded
	case putExceeded:
		return ClassPutPremiumExceeded
	default:
		return ClassNone
	}
}
