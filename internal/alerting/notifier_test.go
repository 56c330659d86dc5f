package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"flow-alerts/internal/summary"
	"flow-alerts/internal/thresholds"
)

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Errorf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNote()); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if !strings.Contains(received["text"], "AAPL call premium above threshold") {
		t.Fatalf("text 缺少标题: %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNote()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestDiscordNotifier(t *testing.T) {
	var content string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		content = body["content"]
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := NewDiscordNotifier(srv.URL, time.Second, testLogger()).Notify(context.Background(), sampleNote()); err != nil {
		t.Fatalf("Discord Notify 应成功: %v", err)
	}
	if !strings.HasPrefix(content, "**AAPL call premium above threshold**") {
		t.Fatalf("content = %q", content)
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer failing.Close()
	if err := NewDiscordNotifier(failing.URL, time.Second, testLogger()).Notify(context.Background(), sampleNote()); err == nil {
		t.Fatal("429 应报错")
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	ok := &recordingNotifier{}
	bad := &recordingNotifier{err: errors.New("boom")}
	err := Multi{bad, ok}.Notify(context.Background(), sampleNote())
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("err = %v", err)
	}
	if ok.count() != 1 {
		t.Fatal("失败的通道不应阻断其他通道")
	}
}

func TestDispatcherCooldownPerSymbolAndClass(t *testing.T) {
	rec := &recordingNotifier{}
	d := NewDispatcher(rec, DispatcherOptions{Cooldown: time.Hour, Burst: 1, Channels: []string{"desk"}}, testLogger())

	first := sampleNote()
	if !d.Dispatch(first) {
		t.Fatal("首次告警应被接受")
	}
	if d.Dispatch(first) {
		t.Fatal("冷却期内重复告警应被抑制")
	}

	other := sampleNote()
	other.Class = thresholds.ClassPutPremiumExceeded
	if !d.Dispatch(other) {
		t.Fatal("不同告警类型应独立计算冷却")
	}
	d.Wait()

	if rec.count() != 2 {
		t.Fatalf("送达次数 = %d, 期望 2", rec.count())
	}
	got := rec.last()
	if got.ID == "" || got.RaisedAt.IsZero() {
		t.Fatalf("ID/RaisedAt 应自动填充: %+v", got)
	}
	if len(got.Channels) != 1 || got.Channels[0] != "desk" {
		t.Fatalf("channels = %v", got.Channels)
	}
}

func TestDispatcherSwallowsErrors(t *testing.T) {
	d := NewDispatcher(&recordingNotifier{err: errors.New("down")}, DispatcherOptions{}, testLogger())
	if !d.Dispatch(sampleNote()) {
		t.Fatal("无冷却时应接受告警")
	}
	d.Wait()

	var nilDispatcher *Dispatcher
	if nilDispatcher.Dispatch(sampleNote()) {
		t.Fatal("nil dispatcher 不应接受告警")
	}
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []Notification
	err   error
}

func (r *recordingNotifier) Notify(_ context.Context, note Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, note)
	return r.err
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notes)
}

func (r *recordingNotifier) last() Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.notes[len(r.notes)-1]
}

func sampleNote() Notification {
	start := time.Date(2025, 3, 3, 14, 30, 0, 0, time.UTC)
	return Notification{
		Symbol: "AAPL",
		Date:   "2025-03-03",
		Class:  thresholds.ClassCallPremiumExceeded,
		Record: summary.Record{
			PeriodStart:  start,
			PeriodEnd:    start.Add(5 * time.Minute),
			CallPremium:  decimal.RequireFromString("1158667.03"),
			PutPremium:   decimal.NewFromInt(72771),
			TotalPremium: decimal.RequireFromString("1231438.03"),
			CallPutRatio: decimal.RequireFromString("15.92"),
			CallVolume:   1200,
			PutVolume:    80,
		},
		Thresholds: thresholds.Default(),
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
