package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestWebhookClient_Post(t *testing.T) {
	var received WebhookMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("メソッドが不正です: %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Typeが不正です: %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("リクエストボディのデコードに失敗しました: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewWebhookClient(&http.Client{Timeout: 5 * time.Second}, testLogger())
	msg := WebhookMessage{Embeds: []Embed{{Title: "test", Color: 16744192}}}

	result := client.Post(context.Background(), server.URL, msg)

	if !result.Delivered {
		t.Fatalf("配送が失敗として報告されました: %s", result.Reason)
	}
	if result.Channel != ChannelWebhook {
		t.Errorf("チャネルが不正です: %s", result.Channel)
	}
	if len(received.Embeds) != 1 || received.Embeds[0].Title != "test" {
		t.Errorf("受信したメッセージが不正です: %+v", received)
	}
}

func TestWebhookClient_Post_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewWebhookClient(&http.Client{Timeout: 5 * time.Second}, testLogger())

	result := client.Post(context.Background(), server.URL, WebhookMessage{})

	if result.Delivered {
		t.Fatal("エラーステータスなのに配送成功として報告されました")
	}
	if result.Reason == "" {
		t.Error("失敗理由が空です")
	}
}

func TestWebhookClient_Post_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // 即座に閉じて接続エラーを誘発

	client := NewWebhookClient(&http.Client{Timeout: time.Second}, testLogger())

	result := client.Post(context.Background(), server.URL, WebhookMessage{})

	if result.Delivered {
		t.Fatal("接続エラーなのに配送成功として報告されました")
	}
}

func TestEmailClient_Send(t *testing.T) {
	var received emailRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("リクエストボディのデコードに失敗しました: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewEmailClient(&http.Client{Timeout: 5 * time.Second}, testLogger())
	client.endpoint = server.URL

	cfg := EmailConfig{ServiceID: "svc", TemplateID: "tpl", PublicKey: "key"}
	params := map[string]string{"to_email": "alice@example.com", "to_name": "Alice"}

	result := client.Send(context.Background(), cfg, params)

	if !result.Delivered {
		t.Fatalf("配送が失敗として報告されました: %s", result.Reason)
	}
	if result.Channel != ChannelEmail {
		t.Errorf("チャネルが不正です: %s", result.Channel)
	}
	if result.Recipient != "alice@example.com" {
		t.Errorf("宛先が不正です: %s", result.Recipient)
	}
	if received.ServiceID != "svc" || received.TemplateID != "tpl" || received.UserID != "key" {
		t.Errorf("認証情報が不正です: %+v", received)
	}
	if received.TemplateParams["to_name"] != "Alice" {
		t.Errorf("テンプレートパラメータが不正です: %+v", received.TemplateParams)
	}
}

func TestEmailClient_Send_NotConfigured(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	client := NewEmailClient(&http.Client{Timeout: 5 * time.Second}, testLogger())
	client.endpoint = server.URL

	result := client.Send(context.Background(), EmailConfig{ServiceID: "svc"}, nil)

	if result.Delivered {
		t.Fatal("未設定チャネルで配送成功が報告されました")
	}
	if called {
		t.Error("未設定チャネルなのにHTTPリクエストが送信されました")
	}
}

func TestEmailClient_Send_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewEmailClient(&http.Client{Timeout: 5 * time.Second}, testLogger())
	client.endpoint = server.URL

	cfg := EmailConfig{ServiceID: "svc", TemplateID: "tpl", PublicKey: "key"}

	result := client.Send(context.Background(), cfg, map[string]string{})

	if result.Delivered {
		t.Fatal("エラーステータスなのに配送成功として報告されました")
	}
}

func TestEmailConfig_Configured(t *testing.T) {
	tests := []struct {
		name string
		cfg  EmailConfig
		want bool
	}{
		{"全設定済み", EmailConfig{ServiceID: "s", TemplateID: "t", PublicKey: "k"}, true},
		{"空", EmailConfig{}, false},
		{"鍵なし", EmailConfig{ServiceID: "s", TemplateID: "t"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Configured(); got != tt.want {
				t.Errorf("Configured() = %v, want %v", got, tt.want)
			}
		})
	}
}
