package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"flow-alerts/internal/storage"
	"flow-alerts/internal/thresholds"
)

// bucketWidth is the nominal feed bucket length used to size default windows.
const bucketWidth = 5 * time.Minute

// Export renders archived summaries as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)
	symbol := a.resolveSymbol(opts.Symbol)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * bucketWidth)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	rows, err := store.ListSummariesBetween(ctx, symbol, from, to)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		a.Logger.Info().Str("symbol", symbol).Msg("no summaries found for export window")
		return nil
	}

	downsampled := downsampleSummaries(rows, opts.MaxPoints)
	a.Logger.Info().Str("symbol", symbol).Int("total", len(rows)).Int("exported", len(downsampled)).Msg("exporting summaries")

	if opts.CSVPath != "" {
		if err := writeSummariesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSummariesPNG(opts.PNGPath, symbol, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func (a *App) resolveSymbol(override string) string {
	if override != "" {
		return thresholds.NormalizeSymbol(override)
	}
	return thresholds.NormalizeSymbol(a.Config.Feed.Symbol)
}

func downsampleSummaries(rows []storage.SummaryRecord, max int) []storage.SummaryRecord {
	if max <= 0 || len(rows) <= max {
		return rows
	}
	if max == 1 {
		return rows[len(rows)-1:]
	}

	result := make([]storage.SummaryRecord, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func writeSummariesCSV(path string, rows []storage.SummaryRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"symbol", "feed_date", "period_start", "period_end", "call_premium", "put_premium", "total_premium", "call_put_ratio", "call_volume", "put_volume", "highlight"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, row := range rows {
		record := []string{
			row.Symbol,
			row.FeedDate,
			row.PeriodStart.UTC().Format(time.RFC3339),
			row.PeriodEnd.UTC().Format(time.RFC3339),
			row.CallPremium.String(),
			row.PutPremium.String(),
			row.TotalPremium.String(),
			row.CallPutRatio.String(),
			strconv.FormatInt(row.CallVolume, 10),
			strconv.FormatInt(row.PutVolume, 10),
			row.Highlight,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeSummariesPNG(path, symbol string, rows []storage.SummaryRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(rows))
	calls := make([]float64, len(rows))
	puts := make([]float64, len(rows))
	ratio := make([]float64, len(rows))

	for i, row := range rows {
		x[i] = row.PeriodStart
		calls[i] = row.CallPremium.InexactFloat64()
		puts[i] = row.PutPremium.InexactFloat64()
		ratio[i] = row.CallPutRatio.InexactFloat64()
	}

	premiumFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	ratioFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Title:  symbol + " option flow",
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Premium",
			ValueFormatter: premiumFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Call/Put ratio",
			ValueFormatter: ratioFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Call premium",
				XValues: x,
				YValues: calls,
			},
			chart.TimeSeries{
				Name:    "Put premium",
				XValues: x,
				YValues: puts,
			},
			chart.TimeSeries{
				Name:    "Call/Put ratio",
				XValues: x,
				YValues: ratio,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
