package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"flow-alerts/internal/thresholds"
)

// ShowThresholds prints both threshold sets of a symbol.
func (a *App) ShowThresholds(ctx context.Context, symbol string) error {
	resolver, closeCache, err := a.openResolver(ctx)
	if err != nil {
		return err
	}
	defer closeCache()

	symbol = a.resolveSymbol(symbol)
	notification, err := resolver.Get(ctx, symbol, thresholds.KindNotification)
	if err != nil {
		return err
	}
	highlight, err := resolver.Get(ctx, symbol, thresholds.KindHighlight)
	if err != nil {
		return err
	}
	return printThresholds(os.Stdout, symbol, notification, highlight)
}

// CopyThresholds aligns one threshold set of a symbol with the other.
func (a *App) CopyThresholds(ctx context.Context, symbol, from, to string) error {
	src, err := thresholds.ParseKind(from)
	if err != nil {
		return err
	}
	dst, err := thresholds.ParseKind(to)
	if err != nil {
		return err
	}

	resolver, closeCache, err := a.openResolver(ctx)
	if err != nil {
		return err
	}
	defer closeCache()

	symbol = a.resolveSymbol(symbol)
	cfg, err := resolver.Copy(ctx, symbol, src, dst)
	if err != nil {
		return err
	}
	a.Logger.Info().Str("symbol", symbol).Str("from", string(src)).Str("to", string(dst)).Msg("thresholds copied")

	if dst == thresholds.KindHighlight || a.Config.Redis.Addr == "" {
		a.Logger.Warn().Str("kind", string(dst)).Msg("destination thresholds are held in memory; the copy lasts only for this process")
	}
	return printThresholds(os.Stdout, symbol, cfg, cfg)
}

func (a *App) openResolver(ctx context.Context) (*thresholds.Resolver, func(), error) {
	rc, err := a.openCache(ctx)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {}
	if rc != nil {
		closer = func() { _ = rc.Close() }
	}
	resolver, err := a.newResolver(ctx, rc)
	if err != nil {
		closer()
		return nil, nil, err
	}
	return resolver, closer, nil
}

func printThresholds(out io.Writer, symbol string, notification, highlight thresholds.Config) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "%s\tNotification\tHighlight\n", symbol)
	fmt.Fprintf(writer, "enabled\t%t\t%t\n", notification.Enabled, highlight.Enabled)
	fmt.Fprintf(writer, "call_ratio\t%s\t%s\n", notification.CallRatio, highlight.CallRatio)
	fmt.Fprintf(writer, "put_ratio\t%s\t%s\n", notification.PutRatio, highlight.PutRatio)
	fmt.Fprintf(writer, "call_premium\t%s\t%s\n", notification.CallPremium, highlight.CallPremium)
	fmt.Fprintf(writer, "put_premium\t%s\t%s\n", notification.PutPremium, highlight.PutPremium)
	fmt.Fprintf(writer, "premium_gate\t%s\t%s\n", notification.PremiumGate, highlight.PremiumGate)
	return writer.Flush()
}
