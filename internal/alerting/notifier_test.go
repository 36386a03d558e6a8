package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func testNotification() Notification {
	return Notification{
		Subject:     "eth-usd",
		Source:      "band",
		Severity:    "critical",
		Streak:      3,
		Deviation:   decimal.NewFromFloat(0.2),
		WindowStart: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestTelegramNotifySendsMessage(t *testing.T) {
	var gotPath string
	var gotPayload map[string]string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Errorf("解码请求体失败: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	n := NewTelegramNotifier("test-token", "12345", server.URL, 5*time.Second, zerolog.Nop())
	if err := n.Notify(context.Background(), testNotification()); err != nil {
		t.Fatalf("Notify 应成功: %v", err)
	}

	if gotPath != "/bottest-token/sendMessage" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotPayload["chat_id"] != "12345" {
		t.Fatalf("chat_id 错误: %q", gotPayload["chat_id"])
	}
	text := gotPayload["text"]
	for _, fragment := range []string{
		"[Oracle Review Recommended]",
		"Subject: eth-usd",
		"Source: band",
		"Severity: critical",
		"Consecutive flagged windows: 3",
		"Deviation: 0.2000",
		"2026-03-01T10:00:00Z",
	} {
		if !strings.Contains(text, fragment) {
			t.Fatalf("消息缺少 %q:\n%s", fragment, text)
		}
	}
}

func TestTelegramNotifyRejectsBadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	n := NewTelegramNotifier("token", "1", server.URL, 5*time.Second, zerolog.Nop())
	if err := n.Notify(context.Background(), testNotification()); err == nil {
		t.Fatal("非 2xx 响应应返回错误")
	}
}

func TestTelegramNotifyRejectsAPIFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":false}`))
	}))
	defer server.Close()

	n := NewTelegramNotifier("token", "1", server.URL, 5*time.Second, zerolog.Nop())
	if err := n.Notify(context.Background(), testNotification()); err == nil {
		t.Fatal("ok=false 应返回错误")
	}
}
