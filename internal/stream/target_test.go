package stream

import (
	"errors"
	"testing"

	"flow-alerts/internal/config"
)

func TestTargetURL(t *testing.T) {
	tests := []struct {
		name string
		feed config.FeedConfig
		want string
	}{
		{
			name: "remote host uses tls",
			feed: config.FeedConfig{Host: "feed.example.com", Symbol: "aapl", Date: "2025-03-03"},
			want: "wss://feed.example.com/analyze?date=2025-03-03&ticker=AAPL",
		},
		{
			name: "loopback with port",
			feed: config.FeedConfig{Host: "127.0.0.1", Port: 8000, Symbol: "SPY", Date: "2025-03-03"},
			want: "ws://127.0.0.1:8000/analyze?date=2025-03-03&ticker=SPY",
		},
		{
			name: "forced insecure",
			feed: config.FeedConfig{Host: "10.0.0.5", Port: 9000, Insecure: true, Symbol: "QQQ", Date: "2025-01-02"},
			want: "ws://10.0.0.5:9000/analyze?date=2025-01-02&ticker=QQQ",
		},
		{
			name: "ipv6 loopback",
			feed: config.FeedConfig{Host: "::1", Port: 8000, Symbol: "SPY", Date: "2025-03-03"},
			want: "ws://[::1]:8000/analyze?date=2025-03-03&ticker=SPY",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := TargetFor(tt.feed, true).URL()
			if err != nil {
				t.Fatalf("URL() error = %v", err)
			}
			if got := u.String(); got != tt.want {
				t.Fatalf("URL() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestTargetURLRejectsInvalidEndpoint(t *testing.T) {
	cases := map[string]config.FeedConfig{
		"empty host":  {Symbol: "SPY", Date: "2025-03-03"},
		"scheme":      {Host: "https://feed.example.com", Symbol: "SPY", Date: "2025-03-03"},
		"port":        {Host: "localhost", Port: 70000, Symbol: "SPY", Date: "2025-03-03"},
		"no symbol":   {Host: "localhost", Date: "2025-03-03"},
		"bad date":    {Host: "localhost", Symbol: "SPY", Date: "03/03/2025"},
		"no date set": {Host: "localhost", Symbol: "SPY"},
	}
	for name, feed := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := TargetFor(feed, true).URL(); !errors.Is(err, ErrInvalidEndpoint) {
				t.Fatalf("URL() error = %v, want ErrInvalidEndpoint", err)
			}
		})
	}
}

func TestTargetEqual(t *testing.T) {
	base := TargetFor(config.FeedConfig{Host: "localhost", Port: 8000, Symbol: "spy", Date: "2025-03-03"}, true)
	same := TargetFor(config.FeedConfig{Host: " localhost ", Port: 8000, Symbol: "SPY", Date: "2025-03-03"}, true)
	if !base.Equal(same) {
		t.Fatal("normalised targets should be equal")
	}

	changes := []Target{base, base, base, base}
	changes[0].Symbol = "QQQ"
	changes[1].Date = "2025-03-04"
	changes[2].Port = 8001
	changes[3].HasCredential = false
	for i, c := range changes {
		if base.Equal(c) {
			t.Fatalf("change %d should force a new connection", i)
		}
	}
}
