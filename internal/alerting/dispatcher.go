package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// DispatcherOptions bound alert delivery.
type DispatcherOptions struct {
	// Cooldown is the minimum spacing between alerts of the same symbol and
	// class once the burst is spent. Zero disables the cooldown.
	Cooldown time.Duration
	Burst    int
	Timeout  time.Duration
	Channels []string
}

// Dispatcher 以 fire-and-forget 方式投递告警，调用方不会被阻塞。
type Dispatcher struct {
	notifier Notifier
	opts     DispatcherOptions
	logger   zerolog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	wg       sync.WaitGroup
}

// NewDispatcher wraps notifier. A nil notifier yields a dispatcher that drops
// every alert.
func NewDispatcher(notifier Notifier, opts DispatcherOptions, logger zerolog.Logger) *Dispatcher {
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Dispatcher{
		notifier: notifier,
		opts:     opts,
		logger:   logger.With().Str("component", "alert_dispatcher").Logger(),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Dispatch hands the alert to a background delivery. It reports whether the
// alert was accepted; delivery failures are logged and never returned.
func (d *Dispatcher) Dispatch(note Notification) bool {
	if d == nil || d.notifier == nil {
		return false
	}
	if !d.allow(note) {
		d.logger.Debug().Str("symbol", note.Symbol).Str("class", note.Class.String()).Msg("alert suppressed by cooldown")
		return false
	}

	if note.ID == "" {
		note.ID = uuid.NewString()
	}
	if note.RaisedAt.IsZero() {
		note.RaisedAt = time.Now().UTC()
	}
	if len(note.Channels) == 0 {
		note.Channels = d.opts.Channels
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), d.opts.Timeout)
		defer cancel()

		if err := d.notifier.Notify(ctx, note); err != nil {
			d.logger.Error().Err(err).
				Str("alert_id", note.ID).
				Str("symbol", note.Symbol).
				Str("class", note.Class.String()).
				Msg("failed to dispatch alert")
		}
	}()
	return true
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}

func (d *Dispatcher) allow(note Notification) bool {
	if d.opts.Cooldown <= 0 {
		return true
	}
	key := note.Symbol + "|" + note.Class.String()

	d.mu.Lock()
	defer d.mu.Unlock()

	lim, ok := d.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(d.opts.Cooldown), d.opts.Burst)
		d.limiters[key] = lim
	}
	return lim.Allow()
}
