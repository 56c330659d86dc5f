package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"flow-alerts/internal/summary"
)

// SummaryRecord is an archived flow bucket of one subscription.
type SummaryRecord struct {
	Symbol       string
	FeedDate     string
	PeriodStart  time.Time
	PeriodEnd    time.Time
	CallPremium  decimal.Decimal
	PutPremium   decimal.Decimal
	TotalPremium decimal.Decimal
	CallPutRatio decimal.Decimal
	CallVolume   int64
	PutVolume    int64
	Highlight    string
	ReceivedAt   time.Time
	CreatedAt    time.Time
}

// NewSummaryRecord wraps a decoded record for archiving.
func NewSummaryRecord(symbol, feedDate string, rec summary.Record, highlight string, receivedAt time.Time) SummaryRecord {
	return SummaryRecord{
		Symbol:       symbol,
		FeedDate:     feedDate,
		PeriodStart:  rec.PeriodStart,
		PeriodEnd:    rec.PeriodEnd,
		CallPremium:  rec.CallPremium,
		PutPremium:   rec.PutPremium,
		TotalPremium: rec.TotalPremium,
		CallPutRatio: rec.CallPutRatio,
		CallVolume:   rec.CallVolume,
		PutVolume:    rec.PutVolume,
		Highlight:    highlight,
		ReceivedAt:   receivedAt,
	}
}

// Record returns the decoded form.
func (s SummaryRecord) Record() summary.Record {
	return summary.Record{
		PeriodStart:  s.PeriodStart,
		PeriodEnd:    s.PeriodEnd,
		CallPremium:  s.CallPremium,
		PutPremium:   s.PutPremium,
		TotalPremium: s.TotalPremium,
		CallPutRatio: s.CallPutRatio,
		CallVolume:   s.CallVolume,
		PutVolume:    s.PutVolume,
	}
}

// AlertRecord captures an emitted alert for de-duplication/auditing.
type AlertRecord struct {
	ID           int64
	AlertID      string
	Symbol       string
	PeriodStart  time.Time
	Class        string
	CallPutRatio decimal.Decimal
	CallPremium  decimal.Decimal
	PutPremium   decimal.Decimal
	Channels     []string
	CreatedAt    time.Time
}
