package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"flow-alerts/internal/summary"
)

func TestStoreWithoutPool(t *testing.T) {
	var s *Store
	ctx := context.Background()

	if err := s.UpsertSummary(ctx, SummaryRecord{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("UpsertSummary() error = %v, want ErrNotConfigured", err)
	}
	if _, err := s.ListRecentAlerts(ctx, 5); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("ListRecentAlerts() error = %v, want ErrNotConfigured", err)
	}
	if _, _, err := s.TryAdvisoryLock(ctx, 1); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("TryAdvisoryLock() error = %v, want ErrNotConfigured", err)
	}
	if err := NewStore(nil).EnsureSchema(ctx); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("EnsureSchema() error = %v, want ErrNotConfigured", err)
	}
	s.Close()
}

func TestSummaryRecordConversion(t *testing.T) {
	start := time.Date(2025, 3, 3, 14, 30, 0, 0, time.UTC)
	rec := summary.Record{
		PeriodStart:  start,
		PeriodEnd:    start.Add(5 * time.Minute),
		CallPremium:  decimal.RequireFromString("1158667.03"),
		PutPremium:   decimal.NewFromInt(72771),
		TotalPremium: decimal.RequireFromString("1231438.03"),
		CallPutRatio: decimal.RequireFromString("15.92"),
		CallVolume:   1200,
		PutVolume:    80,
	}

	archived := NewSummaryRecord("AAPL", "2025-03-03", rec, "call_premium_exceeded", start)
	if archived.Symbol != "AAPL" || archived.Highlight != "call_premium_exceeded" {
		t.Fatalf("unexpected archive row: %+v", archived)
	}
	back := archived.Record()
	if !back.PeriodStart.Equal(rec.PeriodStart) || !back.CallPremium.Equal(rec.CallPremium) || back.PutVolume != rec.PutVolume {
		t.Fatalf("Record() = %+v, want %+v", back, rec)
	}
}

func TestParseDecimals(t *testing.T) {
	got, err := parseDecimals(map[string]string{"a": "1.50", "b": "-2"})
	if err != nil {
		t.Fatalf("parseDecimals() error = %v", err)
	}
	if !got["a"].Equal(decimal.RequireFromString("1.5")) || !got["b"].Equal(decimal.NewFromInt(-2)) {
		t.Fatalf("parseDecimals() = %v", got)
	}
	if _, err := parseDecimals(map[string]string{"bad": "x"}); err == nil {
		t.Fatal("expected parse error")
	}
}
