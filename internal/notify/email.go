package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// defaultEmailEndpoint はEmailJS REST APIのエンドポイント。
const defaultEmailEndpoint = "https://api.emailjs.com/api/v1.0/email/send"

// EmailConfig はメールチャネルの設定。publicKeyが初期化キーに相当する。
type EmailConfig struct {
	ServiceID  string `json:"serviceId"`
	TemplateID string `json:"templateId"`
	PublicKey  string `json:"publicKey"`
}

// Configured は3要素がすべて設定済みかを返す。
// 未設定のチャネルへの送信はスキップされる（エラーにはならない）。
func (c EmailConfig) Configured() bool {
	return c.ServiceID != "" && c.TemplateID != "" && c.PublicKey != ""
}

// EmailSender はトランザクショナルメール配送のインターフェース。
// テスト時にモックに差し替え可能。
type EmailSender interface {
	Send(ctx context.Context, cfg EmailConfig, params map[string]string) DeliveryResult
}

// emailRequest はEmailJS REST APIのリクエストボディ。
type emailRequest struct {
	ServiceID      string            `json:"service_id"`
	TemplateID     string            `json:"template_id"`
	UserID         string            `json:"user_id"`
	TemplateParams map[string]string `json:"template_params"`
}

// EmailClient はEmailJS REST APIを呼び出すEmailSender実装。
type EmailClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	endpoint   string // テスト用にエンドポイントを差し替え可能
}

// NewEmailClient はEmailClientの新しいインスタンスを生成する。
func NewEmailClient(httpClient *http.Client, logger *slog.Logger) *EmailClient {
	return &EmailClient{
		httpClient: httpClient,
		logger:     logger,
		endpoint:   defaultEmailEndpoint,
	}
}

// Send はテンプレートパラメータ付きでメールを送信する。
// 宛先はテンプレートパラメータのto_email/to_nameで指定される。
func (c *EmailClient) Send(ctx context.Context, cfg EmailConfig, params map[string]string) DeliveryResult {
	recipient := params["to_email"]

	if !cfg.Configured() {
		return Failed(ChannelEmail, recipient, "メールチャネルが設定されていません")
	}

	body, err := json.Marshal(emailRequest{
		ServiceID:      cfg.ServiceID,
		TemplateID:     cfg.TemplateID,
		UserID:         cfg.PublicKey,
		TemplateParams: params,
	})
	if err != nil {
		return Failed(ChannelEmail, recipient, fmt.Sprintf("リクエストのシリアライズに失敗しました: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Failed(ChannelEmail, recipient, fmt.Sprintf("HTTPリクエストの作成に失敗しました: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("メール配送に失敗しました",
			slog.String("error", err.Error()),
		)
		return Failed(ChannelEmail, recipient, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("メールAPIがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
		)
		return Failed(ChannelEmail, recipient, fmt.Sprintf("HTTP %d", resp.StatusCode))
	}

	return Delivered(ChannelEmail, recipient)
}
