// Package auth supplies the bearer credential used by the feed connection.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrNoCredential is returned by a Source that has nothing to offer.
var ErrNoCredential = errors.New("auth: no credential available")

// Source obtains a fresh bearer token.
type Source interface {
	Fetch(ctx context.Context) (string, error)
	Name() string
}

// Provider caches a credential and reports authentication changes to subscribers.
type Provider struct {
	source  Source
	timeout time.Duration
	logger  zerolog.Logger

	mu        sync.RWMutex
	token     string
	rejected  string
	signingIn bool
	pending   bool
	subs      map[int]chan bool
	nextID    int
}

// NewProvider constructs a provider around source. The provider starts
// unauthenticated until SignIn succeeds or Seed is called.
func NewProvider(source Source, timeout time.Duration, logger zerolog.Logger) *Provider {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Provider{
		source:  source,
		timeout: timeout,
		logger:  logger.With().Str("component", "auth").Str("source", source.Name()).Logger(),
		subs:    make(map[int]chan bool),
	}
}

// Seed installs a credential without contacting the source.
func (p *Provider) Seed(token string) {
	p.mu.Lock()
	p.rejected = ""
	p.mu.Unlock()
	p.setToken(strings.TrimSpace(token))
}

// IsAuthenticated reports whether a credential is held.
func (p *Provider) IsAuthenticated() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token != ""
}

// Credential returns the current bearer token.
func (p *Provider) Credential() (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token, p.token != ""
}

// OnAuthFailure discards the credential after the server rejected it. The
// same token is refused if a later sign-in hands it back.
func (p *Provider) OnAuthFailure() {
	p.logger.Warn().Msg("credential rejected; invalidating")
	p.mu.Lock()
	if p.token != "" {
		p.rejected = p.token
	}
	p.token = ""
	p.mu.Unlock()
	p.broadcast(false)
}

// SignIn asynchronously acquires a new credential. A call made while an
// attempt is in flight runs one more attempt afterwards; the outcome is
// observed through Subscribe.
func (p *Provider) SignIn(ctx context.Context) {
	p.mu.Lock()
	if p.signingIn {
		p.pending = true
		p.mu.Unlock()
		return
	}
	p.signingIn = true
	p.mu.Unlock()

	go p.signInLoop(ctx)
}

func (p *Provider) signInLoop(ctx context.Context) {
	for {
		if err := p.signIn(ctx); err != nil {
			p.logger.Error().Err(err).Msg("sign-in failed")
			p.broadcast(false)
		}

		p.mu.Lock()
		if !p.pending || ctx.Err() != nil {
			p.signingIn = false
			p.pending = false
			p.mu.Unlock()
			return
		}
		p.pending = false
		p.mu.Unlock()
	}
}

func (p *Provider) signIn(ctx context.Context) error {
	fetchCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	token, err := p.source.Fetch(fetchCtx)
	if err != nil {
		return err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: %s returned an empty token", ErrNoCredential, p.source.Name())
	}

	p.mu.RLock()
	stale := token == p.rejected
	p.mu.RUnlock()
	if stale {
		return fmt.Errorf("%w: %s returned the credential that was just rejected", ErrNoCredential, p.source.Name())
	}

	p.logger.Info().Msg("signed in")
	p.setToken(token)
	return nil
}

// Subscribe returns a channel receiving the authentication state after every
// change, and a function that releases the subscription.
func (p *Provider) Subscribe() (<-chan bool, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++
	ch := make(chan bool, 4)
	p.subs[id] = ch

	cancel := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if _, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

func (p *Provider) setToken(token string) {
	p.mu.Lock()
	p.token = token
	p.mu.Unlock()
	p.broadcast(token != "")
}

func (p *Provider) broadcast(authenticated bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, ch := range p.subs {
		select {
		case ch <- authenticated:
		default:
			// subscriber is behind; it will read the latest value via IsAuthenticated
		}
	}
}
