package stream

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"flow-alerts/internal/config"
)

// AnalyzePath is the streaming endpoint path.
const AnalyzePath = "/analyze"

// Target identifies one subscription. Two targets that are not Equal can never
// share a connection.
type Target struct {
	Host          string
	Port          int
	Insecure      bool
	Symbol        string
	Date          string
	HasCredential bool
}

// TargetFor derives the subscription key from resolved feed settings.
func TargetFor(feed config.FeedConfig, hasCredential bool) Target {
	return Target{
		Host:          strings.TrimSpace(feed.Host),
		Port:          feed.Port,
		Insecure:      feed.Insecure,
		Symbol:        strings.ToUpper(strings.TrimSpace(feed.Symbol)),
		Date:          strings.TrimSpace(feed.Date),
		HasCredential: hasCredential,
	}
}

// Equal reports whether both targets address the same subscription.
func (t Target) Equal(o Target) bool {
	return t == o
}

// Scheme picks wss for remote hosts and ws for loopback or when forced insecure.
func (t Target) Scheme() string {
	if t.Insecure || isLoopback(t.Host) {
		return "ws"
	}
	return "wss"
}

// URL builds the streaming endpoint. Errors wrap ErrInvalidEndpoint.
func (t Target) URL() (*url.URL, error) {
	host := strings.Trim(t.Host, "[]")
	if host == "" {
		return nil, fmt.Errorf("%w: host is empty", ErrInvalidEndpoint)
	}
	if strings.ContainsAny(host, "/?#@ ") || strings.Contains(host, "://") {
		return nil, fmt.Errorf("%w: host %q must be a bare hostname", ErrInvalidEndpoint, t.Host)
	}
	if t.Port < 0 || t.Port > 65535 {
		return nil, fmt.Errorf("%w: port %d out of range", ErrInvalidEndpoint, t.Port)
	}
	if t.Symbol == "" {
		return nil, fmt.Errorf("%w: symbol is empty", ErrInvalidEndpoint)
	}
	if _, err := time.Parse(config.DateLayout, t.Date); err != nil {
		return nil, fmt.Errorf("%w: date %q: %v", ErrInvalidEndpoint, t.Date, err)
	}

	authority := host
	if strings.Contains(host, ":") {
		authority = "[" + host + "]"
	}
	if t.Port > 0 {
		authority = net.JoinHostPort(host, strconv.Itoa(t.Port))
	}

	q := url.Values{}
	q.Set("date", t.Date)
	q.Set("ticker", t.Symbol)

	return &url.URL{
		Scheme:   t.Scheme(),
		Host:     authority,
		Path:     AnalyzePath,
		RawQuery: q.Encode(),
	}, nil
}

func isLoopback(host string) bool {
	host = strings.Trim(strings.ToLower(host), "[]")
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
