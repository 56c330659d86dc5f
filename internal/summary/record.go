package summary

import (
	"time"

	"github.com/shopspring/decimal"
)

// Record is one fixed-length bucket of aggregated option flow.
type Record struct {
	PeriodStart  time.Time       `json:"period_start"`
	PeriodEnd    time.Time       `json:"period_end"`
	CallPremium  decimal.Decimal `json:"call_premium"`
	PutPremium   decimal.Decimal `json:"put_premium"`
	TotalPremium decimal.Decimal `json:"total_premium"`
	CallPutRatio decimal.Decimal `json:"call_put_ratio"`
	CallVolume   int64           `json:"call_volume"`
	PutVolume    int64           `json:"put_volume"`
}

// Duration returns the bucket length.
func (r Record) Duration() time.Duration {
	return r.PeriodEnd.Sub(r.PeriodStart)
}
