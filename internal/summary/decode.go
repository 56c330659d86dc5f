package summary

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrDecodeNoise marks a frame that is neither a record nor an auth rejection.
	ErrDecodeNoise = errors.New("summary: undecodable frame")
	// ErrAuthPayload marks a frame in which the server rejected the credential.
	ErrAuthPayload = errors.New("summary: auth failure payload")
)

// timestampLayouts are tried in order; the offset is mandatory in all of them.
var timestampLayouts = []string{
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05Z0700",
}

type wireRecord struct {
	PeriodStart  *string          `json:"period_start"`
	PeriodEnd    *string          `json:"period_end"`
	CallPremium  *decimal.Decimal `json:"call_premium"`
	PutPremium   *decimal.Decimal `json:"put_premium"`
	TotalPremium *decimal.Decimal `json:"total_premium"`
	CallPutRatio *decimal.Decimal `json:"call_put_ratio"`
	CallVolume   *int64           `json:"call_volume"`
	PutVolume    *int64           `json:"put_volume"`
}

// Decode parses a single wire line into a Record. Failures wrap either
// ErrAuthPayload or ErrDecodeNoise.
func Decode(line []byte) (Record, error) {
	line = bytes.TrimSpace(line)
	rec, err := decodeRecord(line)
	if err == nil {
		return rec, nil
	}
	if IsAuthPayload(line) {
		return Record{}, fmt.Errorf("%w: %s", ErrAuthPayload, truncate(line, 160))
	}
	return Record{}, fmt.Errorf("%w: %v", ErrDecodeNoise, err)
}

func decodeRecord(line []byte) (Record, error) {
	if len(line) == 0 {
		return Record{}, errors.New("empty frame")
	}

	var wire wireRecord
	if err := json.Unmarshal(line, &wire); err != nil {
		return Record{}, fmt.Errorf("unmarshal: %w", err)
	}

	if err := wire.requireFields(); err != nil {
		return Record{}, err
	}

	start, err := ParseTimestamp(*wire.PeriodStart)
	if err != nil {
		return Record{}, fmt.Errorf("period_start: %w", err)
	}
	end, err := ParseTimestamp(*wire.PeriodEnd)
	if err != nil {
		return Record{}, fmt.Errorf("period_end: %w", err)
	}
	if !start.Before(end) {
		return Record{}, fmt.Errorf("period_start %s not before period_end %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	return Record{
		PeriodStart:  start,
		PeriodEnd:    end,
		CallPremium:  *wire.CallPremium,
		PutPremium:   *wire.PutPremium,
		TotalPremium: *wire.TotalPremium,
		CallPutRatio: *wire.CallPutRatio,
		CallVolume:   *wire.CallVolume,
		PutVolume:    *wire.PutVolume,
	}, nil
}

func (w wireRecord) requireFields() error {
	var missing []string
	if w.PeriodStart == nil {
		missing = append(missing, "period_start")
	}
	if w.PeriodEnd == nil {
		missing = append(missing, "period_end")
	}
	if w.CallPremium == nil {
		missing = append(missing, "call_premium")
	}
	if w.PutPremium == nil {
		missing = append(missing, "put_premium")
	}
	if w.TotalPremium == nil {
		missing = append(missing, "total_premium")
	}
	if w.CallPutRatio == nil {
		missing = append(missing, "call_put_ratio")
	}
	if w.CallVolume == nil {
		missing = append(missing, "call_volume")
	}
	if w.PutVolume == nil {
		missing = append(missing, "put_volume")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing fields: %s", strings.Join(missing, ","))
	}
	return nil
}

// ParseTimestamp accepts ISO-8601 timestamps with an explicit offset, with or
// without fractional seconds, and returns the instant in UTC.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp %q", value)
}

func truncate(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
