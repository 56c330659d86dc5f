package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"flow-alerts/internal/records"
	"flow-alerts/internal/service"
	"flow-alerts/internal/summary"
	"flow-alerts/internal/thresholds"
)

// Evaluate 解析一帧数据，按当前阈值输出分类结果，可选地发送一次告警。
func (a *App) Evaluate(ctx context.Context, opts EvaluateOptions) error {
	return a.evaluate(ctx, opts, os.Stdout)
}

func (a *App) evaluate(ctx context.Context, opts EvaluateOptions, out io.Writer) error {
	rec, err := summary.Decode(opts.Frame)
	switch {
	case errors.Is(err, summary.ErrAuthPayload):
		fmt.Fprintln(out, "frame: auth failure payload")
		return nil
	case err != nil:
		return fmt.Errorf("无法解析数据帧: %w", err)
	}

	symbol := a.resolveSymbol(opts.Symbol)
	date := a.Config.Feed.Resolved(time.Now()).Date

	rc, err := a.openCache(ctx)
	if err != nil {
		return err
	}
	if rc != nil {
		defer rc.Close()
	}

	resolver, err := a.newResolver(ctx, rc)
	if err != nil {
		return err
	}

	highlightCfg, err := resolver.Get(ctx, symbol, thresholds.KindHighlight)
	if err != nil {
		return err
	}
	highlight := thresholds.Evaluate(rec, highlightCfg)

	dispatcher := a.newDispatcher(rc)
	pipeline := service.New(service.Options{AlertsEnabled: a.Config.Alerting.Enabled}, records.NewStore(1), resolver, dispatcher, nil, nil, a.Logger)

	class, cfg, err := pipeline.Classify(ctx, symbol, rec)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "symbol:        %s\n", symbol)
	fmt.Fprintf(out, "period:        %s\n", formatPeriod(rec.PeriodStart, rec.PeriodEnd))
	fmt.Fprintf(out, "call_put:      %s\n", formatDecimal(rec.CallPutRatio, 2))
	fmt.Fprintf(out, "call_premium:  %s\n", formatDecimal(rec.CallPremium, 0))
	fmt.Fprintf(out, "put_premium:   %s\n", formatDecimal(rec.PutPremium, 0))
	fmt.Fprintf(out, "highlight:     %s\n", highlight)
	fmt.Fprintf(out, "notification:  %s\n", class)

	if !opts.Send {
		return nil
	}
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}
	if dispatcher == nil {
		return errors.New("未配置任何告警通道")
	}
	if class == thresholds.ClassNone {
		fmt.Fprintln(out, "未触发告警阈值，跳过发送")
		return nil
	}

	sent, err := pipeline.Alert(ctx, symbol, date, rec, class, cfg)
	dispatcher.Wait()
	if err != nil {
		return err
	}
	if !sent {
		fmt.Fprintln(out, "告警被限流或已发送过")
	}
	return nil
}
