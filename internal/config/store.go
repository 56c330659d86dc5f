package config

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Store is the live configuration source. It hands out the current feed
// settings and notifies subscribers whenever the subscription topology changes,
// whether through the config file, an automatic date rollover or SetFeed.
type Store struct {
	logger zerolog.Logger
	now    func() time.Time
	v      *viper.Viper

	mu        sync.RWMutex
	cfg       *Config
	raw       FeedConfig
	published FeedConfig
	subs      map[int]chan FeedConfig
	nextID    int
}

// NewStore wraps an already loaded configuration.
func NewStore(cfg *Config, logger zerolog.Logger) *Store {
	s := &Store{
		logger: logger.With().Str("component", "config_store").Logger(),
		now:    time.Now,
		cfg:    cfg,
		raw:    cfg.Feed,
		subs:   make(map[int]chan FeedConfig),
	}
	s.published = s.raw.Resolved(s.now())
	return s
}

// Open loads path and watches it for changes.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	s := NewStore(cfg, logger)
	s.v = v
	return s, nil
}

// Watch starts following the config file. It is a no-op when no file was read.
func (s *Store) Watch() {
	if s.v == nil || s.v.ConfigFileUsed() == "" {
		return
	}
	s.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(s.v)
		if err != nil {
			s.logger.Error().Err(err).Str("file", e.Name).Msg("ignoring invalid config change")
			return
		}
		s.logger.Info().Str("file", e.Name).Msg("config reloaded")
		s.apply(cfg, cfg.Feed)
	})
	s.v.WatchConfig()
}

// Config returns the most recently loaded configuration.
func (s *Store) Config() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Feed returns the resolved feed settings.
func (s *Store) Feed() FeedConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.published
}

// SetFeed replaces the feed settings programmatically.
func (s *Store) SetFeed(feed FeedConfig) {
	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()
	s.apply(cfg, feed)
}

// Refresh re-resolves automatic fields (the session date) at now.
func (s *Store) Refresh(now time.Time) {
	s.mu.Lock()
	resolved := s.raw.Resolved(now)
	changed := !resolved.SameTopology(s.published)
	s.published = resolved
	s.mu.Unlock()

	if changed {
		s.logger.Info().Str("date", resolved.Date).Msg("session date rolled over")
		s.broadcast(resolved)
	}
}

// Subscribe registers for topology changes.
func (s *Store) Subscribe() (<-chan FeedConfig, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan FeedConfig, 1)
	s.subs[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

func (s *Store) apply(cfg *Config, feed FeedConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.raw = feed
	resolved := feed.Resolved(s.now())
	changed := !resolved.SameTopology(s.published)
	s.published = resolved
	s.mu.Unlock()

	if changed {
		s.logger.Info().
			Str("host", resolved.Host).
			Int("port", resolved.Port).
			Str("symbol", resolved.Symbol).
			Str("date", resolved.Date).
			Msg("feed topology changed")
		s.broadcast(resolved)
	}
}

func (s *Store) broadcast(feed FeedConfig) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		// coalesce: a lagging subscriber only needs the latest feed
		select {
		case ch <- feed:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- feed:
			default:
			}
		}
	}
}
