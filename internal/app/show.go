package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"flow-alerts/internal/storage"
)

// Show prints recent archived summaries or alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show summaries")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if opts.Alerts {
		alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
		if err != nil {
			return err
		}
		return printAlerts(os.Stdout, alerts)
	}

	rows, err := store.ListRecentSummaries(ctx, a.resolveSymbol(opts.Symbol), opts.Limit)
	if err != nil {
		return err
	}
	return printSummaries(os.Stdout, rows)
}

func printSummaries(out io.Writer, rows []storage.SummaryRecord) error {
	if len(rows) == 0 {
		fmt.Fprintln(out, "no summaries found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Period (UTC)\tCall Premium\tPut Premium\tTotal\tC/P Ratio\tCall Vol\tPut Vol\tHighlight")

	for _, row := range rows {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			formatPeriod(row.PeriodStart, row.PeriodEnd),
			formatDecimal(row.CallPremium, 0),
			formatDecimal(row.PutPremium, 0),
			formatDecimal(row.TotalPremium, 0),
			formatDecimal(row.CallPutRatio, 2),
			row.CallVolume,
			row.PutVolume,
			sanitizeInline(row.Highlight),
		)
	}

	return writer.Flush()
}

func printAlerts(out io.Writer, alerts []storage.AlertRecord) error {
	if len(alerts) == 0 {
		fmt.Fprintln(out, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Raised (UTC)\tSymbol\tPeriod Start\tClass\tC/P Ratio\tCall Premium\tPut Premium\tChannels")

	for _, alert := range alerts {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			alert.CreatedAt.UTC().Format(time.RFC3339),
			alert.Symbol,
			alert.PeriodStart.UTC().Format(time.RFC3339),
			alert.Class,
			formatDecimal(alert.CallPutRatio, 2),
			formatDecimal(alert.CallPremium, 0),
			formatDecimal(alert.PutPremium, 0),
			strings.Join(alert.Channels, ","),
		)
	}

	return writer.Flush()
}

func formatPeriod(start, end time.Time) string {
	return start.UTC().Format("2006-01-02 15:04") + "-" + end.UTC().Format("15:04")
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
