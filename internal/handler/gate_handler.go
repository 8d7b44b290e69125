package handler

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/stockwatch/internal/gate"
)

// GateHandler はアクセスゲートのHTTPハンドラー。
type GateHandler struct {
	gate *gate.Gate
}

// NewGateHandler はGateHandlerを生成する。
func NewGateHandler(g *gate.Gate) *GateHandler {
	return &GateHandler{gate: g}
}

// passwordRequest はパスワード入力リクエストのボディ。
type passwordRequest struct {
	Password string `json:"password"`
}

// Status はゲートの現在状態を取得する。
// GET /api/gate
func (h *GateHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.gate.CurrentStatus(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Unlock はパスワードを検証してゲートを解錠する。
// 解錠成功時、保留中の操作が1回だけ実行される。
// POST /api/gate/unlock
func (h *GateHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w)
		return
	}

	if err := h.gate.Unlock(deferredCtx(r), req.Password); err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gate.Status{Unlocked: true, SecretSet: true})
}

// Lock はゲートを施錠し、保留中の操作を破棄する。
// POST /api/gate/lock
func (h *GateHandler) Lock(w http.ResponseWriter, r *http.Request) {
	h.gate.Lock()

	status, err := h.gate.CurrentStatus(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// SetSecret はパスワードを設定または変更し、ゲートを解錠する。
// PUT /api/gate/secret
func (h *GateHandler) SetSecret(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w)
		return
	}
	if req.Password == "" {
		writeBadRequest(w)
		return
	}

	if err := h.gate.SetSecret(deferredCtx(r), req.Password); err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gate.Status{Unlocked: true, SecretSet: true})
}

// RemoveSecret はパスワードを削除する。
// DELETE /api/gate/secret
func (h *GateHandler) RemoveSecret(w http.ResponseWriter, r *http.Request) {
	if err := h.gate.RemoveSecret(r.Context()); err != nil {
		handleServiceError(w, err)
		return
	}

	status, err := h.gate.CurrentStatus(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
