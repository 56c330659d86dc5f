package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"flow-alerts/internal/summary"
	"flow-alerts/internal/thresholds"
)

// Notification 封装告警上下文。
type Notification struct {
	ID            string            `json:"id"`
	Symbol        string            `json:"symbol"`
	Date          string            `json:"date"`
	Class         thresholds.Class  `json:"class"`
	Record        summary.Record    `json:"record"`
	Thresholds    thresholds.Config `json:"thresholds"`
	Channels      []string          `json:"channels,omitempty"`
	AdditionalMsg string            `json:"message,omitempty"`
	RaisedAt      time.Time         `json:"raised_at"`
}

// Title 返回告警标题。
func (n Notification) Title() string {
	return fmt.Sprintf("%s %s", n.Symbol, classTitle(n.Class))
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, note Notification) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("symbol", note.Symbol).
		Str("class", note.Class.String()).
		Time("period_start", note.Record.PeriodStart).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	rec := note.Record
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[Flow Alert] %s\n", note.Title()))
	builder.WriteString(fmt.Sprintf("Window: %s - %s UTC\n", rec.PeriodStart.UTC().Format("2006-01-02 15:04"), rec.PeriodEnd.UTC().Format("15:04")))
	builder.WriteString(fmt.Sprintf("Call/Put ratio: %s\n", rec.CallPutRatio.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Call premium: %s (threshold %s)\n", rec.CallPremium.StringFixed(0), note.Thresholds.CallPremium.StringFixed(0)))
	builder.WriteString(fmt.Sprintf("Put premium: %s (threshold %s)\n", rec.PutPremium.StringFixed(0), note.Thresholds.PutPremium.StringFixed(0)))
	builder.WriteString(fmt.Sprintf("Total premium: %s\n", rec.TotalPremium.StringFixed(0)))
	builder.WriteString(fmt.Sprintf("Volume: %d calls / %d puts\n", rec.CallVolume, rec.PutVolume))
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

func classTitle(c thresholds.Class) string {
	switch c {
	case thresholds.ClassCallRatioExceeded:
		return "call/put ratio above threshold"
	case thresholds.ClassPutRatioBelow:
		return "call/put ratio below put threshold"
	case thresholds.ClassBothPremiumsExceeded:
		return "call and put premiums above threshold"
	case thresholds.ClassCallPremiumExceeded:
		return "call premium above threshold"
	case thresholds.ClassPutPremiumExceeded:
		return "put premium above threshold"
	default:
		return "flow"
	}
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = Multi(nil)
)
