package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/hitoshi/stockwatch/internal/gate"
	"github.com/hitoshi/stockwatch/internal/notify"
	"github.com/hitoshi/stockwatch/internal/reconcile"
)

// SettingsHandler は通知チャネル設定のHTTPハンドラー。
type SettingsHandler struct {
	engine *reconcile.Engine
	gate   *gate.Gate
}

// NewSettingsHandler はSettingsHandlerを生成する。
func NewSettingsHandler(engine *reconcile.Engine, g *gate.Gate) *SettingsHandler {
	return &SettingsHandler{engine: engine, gate: g}
}

// settingsResponse は通知チャネル設定のレスポンス。
// メールチャネルは設定済みかどうかのみ返し、鍵は返さない。
type settingsResponse struct {
	WebhookConfigured bool `json:"webhookConfigured"`
	EmailConfigured   bool `json:"emailConfigured"`
}

// webhookRequest はWebhook URL保存リクエストのボディ。
type webhookRequest struct {
	URL string `json:"url"`
}

// GetSettings は通知チャネルの設定状況を取得する。
// GET /api/settings
func (h *SettingsHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	webhookURL, email := h.engine.Settings()
	writeJSON(w, http.StatusOK, settingsResponse{
		WebhookConfigured: webhookURL != "",
		EmailConfigured:   email.Configured(),
	})
}

// SaveWebhook はWebhook URLを検証して保存する。空文字列は設定解除。
// PUT /api/settings/webhook
func (h *SettingsHandler) SaveWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w)
		return
	}

	err := h.gate.Require(deferredCtx(r), func(ctx context.Context) error {
		return h.engine.SaveWebhookURL(ctx, req.URL)
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": true})
}

// SaveEmail はメールチャネル設定を保存する。
// PUT /api/settings/email
func (h *SettingsHandler) SaveEmail(w http.ResponseWriter, r *http.Request) {
	var cfg notify.EmailConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeBadRequest(w)
		return
	}

	err := h.gate.Require(deferredCtx(r), func(ctx context.Context) error {
		return h.engine.SaveEmailConfig(ctx, cfg)
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": true})
}
