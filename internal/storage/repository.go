package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrDuplicateAlert indicates the alert was already recorded for the bucket.
	ErrDuplicateAlert = errors.New("storage: alert already recorded")
)

const (
	upsertSummarySQL = `INSERT INTO flow_summaries (
        symbol,
        feed_date,
        period_start,
        period_end,
        call_premium,
        put_premium,
        total_premium,
        call_put_ratio,
        call_volume,
        put_volume,
        highlight,
        received_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
    )
    ON CONFLICT (symbol, period_start) DO UPDATE
    SET
        feed_date      = EXCLUDED.feed_date,
        period_end     = EXCLUDED.period_end,
        call_premium   = EXCLUDED.call_premium,
        put_premium    = EXCLUDED.put_premium,
        total_premium  = EXCLUDED.total_premium,
        call_put_ratio = EXCLUDED.call_put_ratio,
        call_volume    = EXCLUDED.call_volume,
        put_volume     = EXCLUDED.put_volume,
        highlight      = EXCLUDED.highlight,
        received_at    = EXCLUDED.received_at;`

	summaryColumns = `
        symbol,
        feed_date,
        period_start,
        period_end,
        call_premium::text,
        put_premium::text,
        total_premium::text,
        call_put_ratio::text,
        call_volume,
        put_volume,
        highlight,
        received_at,
        created_at`

	listSummariesBetweenSQL = `SELECT` + summaryColumns + `
    FROM flow_summaries
    WHERE symbol = $1
      AND period_start >= $2
      AND period_start < $3
    ORDER BY period_start;`

	listRecentSummariesSQL = `SELECT` + summaryColumns + `
    FROM flow_summaries
    WHERE symbol = $1
    ORDER BY period_start DESC
    LIMIT $2;`

	countSummariesSQL = `SELECT COUNT(*) FROM flow_summaries;`

	insertAlertSQL = `INSERT INTO flow_alerts (
        alert_id,
        symbol,
        period_start,
        class,
        call_put_ratio,
        call_premium,
        put_premium,
        channels
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (symbol, period_start, class) DO NOTHING
    RETURNING id, alert_id, symbol, period_start, class, call_put_ratio::text, call_premium::text, put_premium::text, channels, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        alert_id,
        symbol,
        period_start,
        class,
        call_put_ratio::text,
        call_premium::text,
        put_premium::text,
        channels,
        created_at
    FROM flow_alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM flow_alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SummaryStore defines operations for archived flow buckets.
type SummaryStore interface {
	UpsertSummary(ctx context.Context, rec SummaryRecord) error
	ListSummariesBetween(ctx context.Context, symbol string, from, to time.Time) ([]SummaryRecord, error)
	ListRecentSummaries(ctx context.Context, symbol string, limit int) ([]SummaryRecord, error)
	CountSummaries(ctx context.Context) (int64, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to summaries and alerts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a
// release func. The lock is held on a dedicated connection until released.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertSummary persists or updates an archived bucket.
func (s *Store) UpsertSummary(ctx context.Context, rec SummaryRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	highlight := rec.Highlight
	if highlight == "" {
		highlight = "none"
	}

	_, execErr := pool.Exec(ctx, upsertSummarySQL,
		rec.Symbol,
		rec.FeedDate,
		rec.PeriodStart,
		rec.PeriodEnd,
		rec.CallPremium.String(),
		rec.PutPremium.String(),
		rec.TotalPremium.String(),
		rec.CallPutRatio.String(),
		rec.CallVolume,
		rec.PutVolume,
		highlight,
		rec.ReceivedAt,
	)
	if execErr != nil {
		return fmt.Errorf("upsert summary: %w", execErr)
	}
	return nil
}

// ListSummariesBetween lists a symbol's buckets within a time window, oldest first.
func (s *Store) ListSummariesBetween(ctx context.Context, symbol string, from, to time.Time) ([]SummaryRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSummariesBetweenSQL, symbol, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list summaries between: %w", queryErr)
	}
	defer rows.Close()

	return collectSummaries(rows, 0)
}

// ListRecentSummaries lists a symbol's most recent buckets, newest first.
func (s *Store) ListRecentSummaries(ctx context.Context, symbol string, limit int) ([]SummaryRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSummariesSQL, symbol, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent summaries: %w", queryErr)
	}
	defer rows.Close()

	return collectSummaries(rows, limit)
}

// CountSummaries counts archived buckets.
func (s *Store) CountSummaries(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSummariesSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count summaries: %w", scanErr)
	}
	return count, nil
}

// InsertAlert persists an alert emission. Each symbol, bucket and class is
// recorded once; repeats return ErrDuplicateAlert.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	channels := alert.Channels
	if channels == nil {
		channels = []string{}
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.AlertID,
		alert.Symbol,
		alert.PeriodStart,
		alert.Class,
		alert.CallPutRatio.String(),
		alert.CallPremium.String(),
		alert.PutPremium.String(),
		channels,
	)

	rec, scanErr := scanAlert(row)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return AlertRecord{}, ErrDuplicateAlert
	}
	if scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		rec, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

func collectSummaries(rows pgx.Rows, capacity int) ([]SummaryRecord, error) {
	out := make([]SummaryRecord, 0, capacity)
	for rows.Next() {
		rec, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanSummary(row pgx.Row) (SummaryRecord, error) {
	var (
		rec                                 SummaryRecord
		callStr, putStr, totalStr, ratioStr string
	)
	if err := row.Scan(
		&rec.Symbol,
		&rec.FeedDate,
		&rec.PeriodStart,
		&rec.PeriodEnd,
		&callStr,
		&putStr,
		&totalStr,
		&ratioStr,
		&rec.CallVolume,
		&rec.PutVolume,
		&rec.Highlight,
		&rec.ReceivedAt,
		&rec.CreatedAt,
	); err != nil {
		return SummaryRecord{}, err
	}

	values, err := parseDecimals(map[string]string{
		"call premium":   callStr,
		"put premium":    putStr,
		"total premium":  totalStr,
		"call/put ratio": ratioStr,
	})
	if err != nil {
		return SummaryRecord{}, err
	}
	rec.CallPremium = values["call premium"]
	rec.PutPremium = values["put premium"]
	rec.TotalPremium = values["total premium"]
	rec.CallPutRatio = values["call/put ratio"]
	return rec, nil
}

func scanAlert(row pgx.Row) (AlertRecord, error) {
	var (
		rec                       AlertRecord
		ratioStr, callStr, putStr string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.AlertID,
		&rec.Symbol,
		&rec.PeriodStart,
		&rec.Class,
		&ratioStr,
		&callStr,
		&putStr,
		&rec.Channels,
		&rec.CreatedAt,
	); err != nil {
		return AlertRecord{}, err
	}

	values, err := parseDecimals(map[string]string{
		"call/put ratio": ratioStr,
		"call premium":   callStr,
		"put premium":    putStr,
	})
	if err != nil {
		return AlertRecord{}, err
	}
	rec.CallPutRatio = values["call/put ratio"]
	rec.CallPremium = values["call premium"]
	rec.PutPremium = values["put premium"]
	return rec, nil
}

func parseDecimals(raw map[string]string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(raw))
	for name, v := range raw {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		out[name] = d
	}
	return out, nil
}

var (
	_ SummaryStore   = (*Store)(nil)
	_ AlertStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
