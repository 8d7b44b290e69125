package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// WebhookMessage はチャットWebhookに送る構造化メッセージ。
// Discord互換のembed形式を使用する。
type WebhookMessage struct {
	Content string  `json:"content,omitempty"`
	Embeds  []Embed `json:"embeds"`
}

// Embed はメッセージ本体の埋め込みブロック。
type Embed struct {
	Title       string       `json:"title"`
	Color       int          `json:"color"`
	Description string       `json:"description,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

// EmbedField はembed内の名前付きフィールド。
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// EmbedFooter はembedのフッター。
type EmbedFooter struct {
	Text string `json:"text"`
}

// WebhookSender はチャットWebhook配送のインターフェース。
// テスト時にモックに差し替え可能。
type WebhookSender interface {
	Post(ctx context.Context, url string, msg WebhookMessage) DeliveryResult
}

// WebhookClient はWebhook URLへJSONをPOSTするWebhookSender実装。
// HTTPクライアントにはSSRF防止機能付きのものを注入する。
type WebhookClient struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewWebhookClient はWebhookClientの新しいインスタンスを生成する。
func NewWebhookClient(httpClient *http.Client, logger *slog.Logger) *WebhookClient {
	return &WebhookClient{
		httpClient: httpClient,
		logger:     logger,
	}
}

// Post はメッセージをWebhook URLに送信する。
// レスポンスボディは成功・失敗の判定以外に処理しない。
func (c *WebhookClient) Post(ctx context.Context, url string, msg WebhookMessage) DeliveryResult {
	body, err := json.Marshal(msg)
	if err != nil {
		return Failed(ChannelWebhook, "", fmt.Sprintf("メッセージのシリアライズに失敗しました: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Failed(ChannelWebhook, "", fmt.Sprintf("HTTPリクエストの作成に失敗しました: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("Webhook配送に失敗しました",
			slog.String("error", err.Error()),
		)
		return Failed(ChannelWebhook, "", err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("Webhookがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
		)
		return Failed(ChannelWebhook, "", fmt.Sprintf("HTTP %d", resp.StatusCode))
	}

	return Delivered(ChannelWebhook, "")
}
