package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvSource reads the token from an environment variable, re-reading the
// optional dotenv file first so a rotated token is picked up on every sign-in.
type EnvSource struct {
	Key     string
	EnvFile string
}

// Fetch returns the token currently held in the environment.
func (s EnvSource) Fetch(_ context.Context) (string, error) {
	if s.EnvFile != "" {
		if err := godotenv.Overload(s.EnvFile); err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("load %s: %w", s.EnvFile, err)
		}
	}
	token := strings.TrimSpace(os.Getenv(s.Key))
	if token == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrNoCredential, s.Key)
	}
	return token, nil
}

// Name identifies the source in logs.
func (s EnvSource) Name() string {
	return "env"
}

// TokenEndpointOptions parameterise a client-credentials token exchange.
type TokenEndpointOptions struct {
	URL          string
	ClientID     string
	ClientSecret string
	Audience     string
	Timeout      time.Duration
}

// TokenEndpoint exchanges client credentials for a bearer token over HTTP.
type TokenEndpoint struct {
	opts   TokenEndpointOptions
	client *http.Client
}

// NewTokenEndpoint constructs a token endpoint source.
func NewTokenEndpoint(opts TokenEndpointOptions) *TokenEndpoint {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TokenEndpoint{opts: opts, client: &http.Client{Timeout: timeout}}
}

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Audience     string `json:"audience,omitempty"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

// Fetch performs the exchange.
func (t *TokenEndpoint) Fetch(ctx context.Context) (string, error) {
	if t.opts.URL == "" {
		return "", fmt.Errorf("%w: token url not configured", ErrNoCredential)
	}

	body, err := json.Marshal(tokenRequest{
		GrantType:    "client_credentials",
		ClientID:     t.opts.ClientID,
		ClientSecret: t.opts.ClientSecret,
		Audience:     t.opts.Audience,
	})
	if err != nil {
		return "", fmt.Errorf("marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.opts.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send token request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}

	var parsed tokenResponse
	_ = json.Unmarshal(payload, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if parsed.Description != "" {
			return "", fmt.Errorf("token endpoint error (%d): %s", resp.StatusCode, parsed.Description)
		}
		if parsed.Error != "" {
			return "", fmt.Errorf("token endpoint error (%d): %s", resp.StatusCode, parsed.Error)
		}
		return "", fmt.Errorf("token endpoint error (%d)", resp.StatusCode)
	}

	token := parsed.AccessToken
	if token == "" {
		token = parsed.IDToken
	}
	if token == "" {
		return "", fmt.Errorf("%w: token endpoint returned no token", ErrNoCredential)
	}
	return token, nil
}

// Name identifies the source in logs.
func (t *TokenEndpoint) Name() string {
	return "token_endpoint"
}

var _ Source = EnvSource{}
var _ Source = (*TokenEndpoint)(nil)
