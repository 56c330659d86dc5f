package config

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the wire format of the subscription date.
const DateLayout = "2006-01-02"

// Location resolves the timezone used for automatic dates.
func (f FeedConfig) Location() (*time.Location, error) {
	if f.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(f.Timezone)
	if err != nil {
		return nil, fmt.Errorf("feed.timezone: %w", err)
	}
	return loc, nil
}

// Resolved returns a copy with the symbol normalised and an empty date
// replaced by the calendar day of now in the feed timezone.
func (f FeedConfig) Resolved(now time.Time) FeedConfig {
	out := f
	out.Host = strings.TrimSpace(f.Host)
	out.Symbol = strings.ToUpper(strings.TrimSpace(f.Symbol))
	if strings.TrimSpace(f.Date) == "" {
		loc, err := f.Location()
		if err != nil {
			loc = time.UTC
		}
		out.Date = now.In(loc).Format(DateLayout)
	}
	return out
}

// SameTopology reports whether two resolved feeds address the same subscription.
func (f FeedConfig) SameTopology(other FeedConfig) bool {
	return f.Host == other.Host &&
		f.Port == other.Port &&
		f.Insecure == other.Insecure &&
		f.Symbol == other.Symbol &&
		f.Date == other.Date
}
