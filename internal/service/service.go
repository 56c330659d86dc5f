package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"flow-alerts/internal/alerting"
	"flow-alerts/internal/records"
	"flow-alerts/internal/storage"
	"flow-alerts/internal/stream"
	"flow-alerts/internal/summary"
	"flow-alerts/internal/thresholds"
)

// ThresholdSource resolves the thresholds of a symbol.
type ThresholdSource interface {
	Get(ctx context.Context, symbol string, kind thresholds.Kind) (thresholds.Config, error)
}

// Options tune the pipeline.
type Options struct {
	QueueSize     int
	LookupTimeout time.Duration
	LockKey       int64
	AlertsEnabled bool
}

type job struct {
	symbol     string
	date       string
	rec        summary.Record
	highlight  thresholds.Class
	receivedAt time.Time
}

// Stats counts pipeline activity since start.
type Stats struct {
	Received  int64
	Processed int64
	Dropped   int64
	Alerts    int64
}

// Pipeline 是连接管理器的记录接收端：写入内存存储，异步评估告警并归档。
type Pipeline struct {
	opts       Options
	store      *records.Store
	thresholds ThresholdSource
	dispatcher *alerting.Dispatcher
	summaries  storage.SummaryStore
	alertStore storage.AlertStore
	locker     storage.AdvisoryLocker
	logger     zerolog.Logger

	queue chan job

	received  atomic.Int64
	processed atomic.Int64
	dropped   atomic.Int64
	alerts    atomic.Int64
}

// New constructs the record pipeline. The archive, alert store and dispatcher
// are optional.
func New(opts Options, store *records.Store, source ThresholdSource, dispatcher *alerting.Dispatcher, summaries storage.SummaryStore, alertStore storage.AlertStore, logger zerolog.Logger) *Pipeline {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 2 * time.Second
	}

	var locker storage.AdvisoryLocker
	if l, ok := summaries.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Pipeline{
		opts:       opts,
		store:      store,
		thresholds: source,
		dispatcher: dispatcher,
		summaries:  summaries,
		alertStore: alertStore,
		locker:     locker,
		logger:     logger.With().Str("component", "pipeline").Logger(),
		queue:      make(chan job, opts.QueueSize),
	}
}

// Reset clears the in-memory records.
func (p *Pipeline) Reset() {
	p.store.Reset()
	p.logger.Debug().Msg("record store cleared")
}

// Add stores a record and queues it for alert evaluation and archiving under
// the subscription that produced it. It never blocks on the network.
func (p *Pipeline) Add(target stream.Target, rec summary.Record) {
	p.received.Add(1)
	symbol := thresholds.NormalizeSymbol(target.Symbol)

	highlight := thresholds.ClassNone
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.LookupTimeout)
	if cfg, err := p.thresholds.Get(ctx, symbol, thresholds.KindHighlight); err == nil {
		highlight = thresholds.Evaluate(rec, cfg)
	}
	cancel()

	p.store.Add(rec)

	select {
	case p.queue <- job{symbol: symbol, date: target.Date, rec: rec, highlight: highlight, receivedAt: time.Now().UTC()}:
	default:
		p.dropped.Add(1)
		p.logger.Warn().Time("period_start", rec.PeriodStart).Msg("pipeline queue full; skipping alert evaluation and archive")
	}
}

// Run drains the queue until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j := <-p.queue:
			if err := p.process(ctx, j); err != nil {
				p.logger.Error().Err(err).Str("symbol", j.symbol).Time("period_start", j.rec.PeriodStart).Msg("failed to process record")
			}
			p.processed.Add(1)
		}
	}
}

// Stats returns activity counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Received:  p.received.Load(),
		Processed: p.processed.Load(),
		Dropped:   p.dropped.Load(),
		Alerts:    p.alerts.Load(),
	}
}

// Classify evaluates rec against the notification thresholds of symbol.
func (p *Pipeline) Classify(ctx context.Context, symbol string, rec summary.Record) (thresholds.Class, thresholds.Config, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, p.opts.LookupTimeout)
	defer cancel()

	cfg, err := p.thresholds.Get(lookupCtx, symbol, thresholds.KindNotification)
	if err != nil {
		return thresholds.ClassNone, thresholds.Config{}, fmt.Errorf("resolve thresholds: %w", err)
	}
	return thresholds.Evaluate(rec, cfg), cfg, nil
}

func (p *Pipeline) process(ctx context.Context, j job) error {
	if p.summaries != nil {
		archived := storage.NewSummaryRecord(j.symbol, j.date, j.rec, j.highlight.String(), j.receivedAt)
		if err := p.summaries.UpsertSummary(ctx, archived); err != nil {
			p.logger.Error().Err(err).Time("period_start", j.rec.PeriodStart).Msg("failed to archive summary")
		}
	}

	if !p.opts.AlertsEnabled || p.dispatcher == nil {
		return nil
	}

	class, cfg, err := p.Classify(ctx, j.symbol, j.rec)
	if err != nil {
		return err
	}
	if class == thresholds.ClassNone {
		return nil
	}

	unlock, proceed, err := p.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		p.logger.Debug().Str("symbol", j.symbol).Msg("skip alert because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	_, err = p.Alert(ctx, j.symbol, j.date, j.rec, class, cfg)
	return err
}

// Alert audits and dispatches one classified record. It reports whether the
// alert was handed to the dispatcher.
func (p *Pipeline) Alert(ctx context.Context, symbol, date string, rec summary.Record, class thresholds.Class, cfg thresholds.Config) (bool, error) {
	note := alerting.Notification{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Date:       date,
		Class:      class,
		Record:     rec,
		Thresholds: cfg,
		RaisedAt:   time.Now().UTC(),
	}

	if p.alertStore != nil {
		audit := storage.AlertRecord{
			AlertID:      note.ID,
			Symbol:       symbol,
			PeriodStart:  rec.PeriodStart,
			Class:        class.String(),
			CallPutRatio: rec.CallPutRatio,
			CallPremium:  rec.CallPremium,
			PutPremium:   rec.PutPremium,
		}
		_, err := p.alertStore.InsertAlert(ctx, audit)
		switch {
		case errors.Is(err, storage.ErrDuplicateAlert):
			p.logger.Debug().Str("symbol", symbol).Str("class", class.String()).Time("period_start", rec.PeriodStart).Msg("alert already sent for bucket")
			return false, nil
		case err != nil:
			p.logger.Error().Err(err).Str("symbol", symbol).Msg("failed to persist alert record")
		}
	}

	if !p.dispatcher.Dispatch(note) {
		return false, nil
	}
	p.alerts.Add(1)
	p.logger.Info().
		Str("symbol", symbol).
		Str("class", class.String()).
		Str("call_put_ratio", rec.CallPutRatio.String()).
		Time("period_start", rec.PeriodStart).
		Msg("alert dispatched")
	return true, nil
}

func (p *Pipeline) acquireLock(ctx context.Context) (func(), bool, error) {
	if p.opts.LockKey == 0 || p.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := p.locker.TryAdvisoryLock(ctx, p.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

var _ stream.Sink = (*Pipeline)(nil)
