package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/stockwatch/internal/digest"
	"github.com/hitoshi/stockwatch/internal/gate"
	"github.com/hitoshi/stockwatch/internal/notify"
)

// DigestHandler は週次ダイジェストの手動トリガのHTTPハンドラー。
type DigestHandler struct {
	scheduler *digest.Scheduler
	gate      *gate.Gate
}

// NewDigestHandler はDigestHandlerを生成する。
func NewDigestHandler(s *digest.Scheduler, g *gate.Gate) *DigestHandler {
	return &DigestHandler{scheduler: s, gate: g}
}

// digestSendResponse は手動ダイジェスト送信の結果レスポンス。
type digestSendResponse struct {
	Deliveries []deliveryResult `json:"deliveries"`
}

// deliveryResult は1件の配送結果。
type deliveryResult struct {
	Channel   string `json:"channel"`
	Recipient string `json:"recipient"`
	Delivered bool   `json:"delivered"`
	Reason    string `json:"reason,omitempty"`
}

// SendNow はダイジェストを即座に送信する。
// 送信ゲートの曜日・時刻判定とウォーターマークを迂回する。
// POST /api/digest/send
func (h *DigestHandler) SendNow(w http.ResponseWriter, r *http.Request) {
	var results []notify.DeliveryResult
	err := h.gate.Require(deferredCtx(r), func(ctx context.Context) error {
		results = h.scheduler.Send(ctx)
		return nil
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := digestSendResponse{Deliveries: make([]deliveryResult, 0, len(results))}
	for _, result := range results {
		resp.Deliveries = append(resp.Deliveries, deliveryResult{
			Channel:   result.Channel,
			Recipient: result.Recipient,
			Delivered: result.Delivered,
			Reason:    result.Reason,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
