package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type stubSource struct {
	token string
	err   error
}

func (s stubSource) Fetch(context.Context) (string, error) { return s.token, s.err }
func (s stubSource) Name() string                          { return "stub" }

func waitAuth(t *testing.T, ch <-chan bool, want bool) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("期望认证状态 %v, 实际 %v", want, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for auth state %v", want)
	}
}

func TestProviderSignInAndFailure(t *testing.T) {
	p := NewProvider(stubSource{token: " tok "}, time.Second, zerolog.Nop())
	ch, cancel := p.Subscribe()
	defer cancel()

	if p.IsAuthenticated() {
		t.Fatal("provider should start unauthenticated")
	}

	p.SignIn(context.Background())
	waitAuth(t, ch, true)

	token, ok := p.Credential()
	if !ok || token != "tok" {
		t.Fatalf("unexpected credential %q", token)
	}

	p.OnAuthFailure()
	waitAuth(t, ch, false)
	if p.IsAuthenticated() {
		t.Fatal("credential should be invalidated")
	}
}

func TestProviderSignInError(t *testing.T) {
	p := NewProvider(stubSource{err: errors.New("boom")}, time.Second, zerolog.Nop())
	ch, cancel := p.Subscribe()
	defer cancel()

	p.SignIn(context.Background())
	waitAuth(t, ch, false)
}

func TestProviderRefusesRejectedToken(t *testing.T) {
	t.Setenv("FLOWWATCH_TEST_TOKEN", "stale")
	p := NewProvider(EnvSource{Key: "FLOWWATCH_TEST_TOKEN"}, time.Second, zerolog.Nop())
	p.Seed("stale")
	ch, cancel := p.Subscribe()
	defer cancel()

	p.OnAuthFailure()
	waitAuth(t, ch, false)

	p.SignIn(context.Background())
	waitAuth(t, ch, false)
	if p.IsAuthenticated() {
		t.Fatal("被拒绝的凭证不应重新生效")
	}

	t.Setenv("FLOWWATCH_TEST_TOKEN", "fresh")
	p.SignIn(context.Background())
	waitAuth(t, ch, true)
	if token, _ := p.Credential(); token != "fresh" {
		t.Fatalf("credential = %q, want fresh", token)
	}
}

type gatedSource struct {
	calls   atomic.Int32
	release chan struct{}
}

func (g *gatedSource) Fetch(ctx context.Context) (string, error) {
	if g.calls.Add(1) == 1 {
		select {
		case <-g.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return "", errors.New("first attempt fails")
	}
	return "second", nil
}

func (g *gatedSource) Name() string { return "gated" }

func TestProviderRunsSignInRequestedDuringAttempt(t *testing.T) {
	src := &gatedSource{release: make(chan struct{})}
	p := NewProvider(src, time.Second, zerolog.Nop())
	ch, cancel := p.Subscribe()
	defer cancel()

	p.SignIn(context.Background())
	p.SignIn(context.Background())
	p.SignIn(context.Background())
	close(src.release)

	waitAuth(t, ch, false)
	waitAuth(t, ch, true)
	if n := src.calls.Load(); n != 2 {
		t.Fatalf("fetch calls = %d, 期望 2", n)
	}
}

func TestEnvSource(t *testing.T) {
	t.Setenv("FLOWWATCH_TEST_TOKEN", "abc")
	token, err := EnvSource{Key: "FLOWWATCH_TEST_TOKEN"}.Fetch(context.Background())
	if err != nil || token != "abc" {
		t.Fatalf("unexpected %q %v", token, err)
	}

	t.Setenv("FLOWWATCH_TEST_TOKEN", "")
	if _, err := (EnvSource{Key: "FLOWWATCH_TEST_TOKEN"}).Fetch(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("empty env should yield ErrNoCredential, got %v", err)
	}
}

func TestTokenEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req tokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		if req.ClientID != "id" || req.GrantType != "client_credentials" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_client"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "jwt"})
	}))
	defer srv.Close()

	src := NewTokenEndpoint(TokenEndpointOptions{URL: srv.URL, ClientID: "id", ClientSecret: "secret"})
	token, err := src.Fetch(context.Background())
	if err != nil || token != "jwt" {
		t.Fatalf("unexpected %q %v", token, err)
	}

	bad := NewTokenEndpoint(TokenEndpointOptions{URL: srv.URL, ClientID: "other"})
	if _, err := bad.Fetch(context.Background()); err == nil {
		t.Fatal("401 应返回错误")
	}
}
