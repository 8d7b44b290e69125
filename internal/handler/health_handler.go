package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/stockwatch/internal/reconcile"
)

// Pinger はバックエンドストアの疎通確認のインターフェース。
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler はヘルスチェックのHTTPハンドラー。
type HealthHandler struct {
	engine *reconcile.Engine
	pinger Pinger
}

// NewHealthHandler はHealthHandlerを生成する。
func NewHealthHandler(engine *reconcile.Engine, pinger Pinger) *HealthHandler {
	return &HealthHandler{engine: engine, pinger: pinger}
}

// healthResponse はヘルスチェックのレスポンス。
type healthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
	Ready  bool   `json:"ready"`
}

// Healthz はストアの疎通とエンジンの初期読み込み完了を確認する。
// GET /healthz
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Store: "ok", Ready: h.engine.Ready()}
	statusCode := http.StatusOK

	if err := h.pinger.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Store = err.Error()
		statusCode = http.StatusServiceUnavailable
	} else if !resp.Ready {
		resp.Status = "starting"
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}
