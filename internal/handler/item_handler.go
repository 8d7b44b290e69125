package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/stockwatch/internal/gate"
	"github.com/hitoshi/stockwatch/internal/model"
	"github.com/hitoshi/stockwatch/internal/reconcile"
)

// ItemHandler はアイテム管理のHTTPハンドラー。
// 変更系の操作はすべてアクセスゲートを通る。ゲートが施錠されている場合、
// 操作は保留されゲートエラーが返る。解錠後に保留中の操作が1回だけ実行される。
type ItemHandler struct {
	engine *reconcile.Engine
	gate   *gate.Gate
}

// NewItemHandler はItemHandlerを生成する。
func NewItemHandler(engine *reconcile.Engine, g *gate.Gate) *ItemHandler {
	return &ItemHandler{engine: engine, gate: g}
}

// --- リクエスト・レスポンス型 ---

// mutationResponse は変更系操作の結果レスポンス。
// 検証で黙って拒否された入力はapplied=falseになる。
type mutationResponse struct {
	Applied bool        `json:"applied"`
	Item    *model.Item `json:"item,omitempty"`
}

// itemListResponse はアイテム一覧のレスポンス。
type itemListResponse struct {
	Items []reconcile.ItemView `json:"items"`
}

// quantityRequest は数量提案リクエストのボディ。
type quantityRequest struct {
	Quantity float64 `json:"quantity"`
}

// deltaRequest は数量調整リクエストのボディ。
type deltaRequest struct {
	Delta float64 `json:"delta"`
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// writeBadRequest はリクエストボディ不正のレスポンスを書き込む。
func writeBadRequest(w http.ResponseWriter) {
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"code":     "BAD_REQUEST",
		"message":  "リクエストボディが不正です。",
		"category": "validation",
		"action":   "リクエストの形式を確認してください。",
	})
}

// deferredCtx はゲート解錠後の遅延実行でも生きるコンテキストを返す。
// リクエストのキャンセルに保留アクションが巻き込まれないようにする。
func deferredCtx(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

// ListItems はアイテム一覧を取得する。
// 数量は保留編集を反映した実効値、表示ティアは実効値に基づく。
// GET /api/items
func (h *ItemHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, itemListResponse{Items: h.engine.View()})
}

// GetItem はアイテムを1件取得する。
// GET /api/items/:id
func (h *ItemHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	view, ok := h.engine.GetItem(id)
	if !ok {
		handleServiceError(w, model.NewItemNotFoundError(id))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// CreateItem は新しいアイテムを作成する。
// POST /api/items
func (h *ItemHandler) CreateItem(w http.ResponseWriter, r *http.Request) {
	var item model.Item
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		writeBadRequest(w)
		return
	}

	var created model.Item
	var applied bool
	err := h.gate.Require(deferredCtx(r), func(ctx context.Context) error {
		created, applied = h.engine.CreateItem(ctx, item)
		return nil
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := mutationResponse{Applied: applied}
	if applied {
		resp.Item = &created
	}
	writeJSON(w, http.StatusOK, resp)
}

// UpdateItem は既存アイテムの全フィールドを置き換える。
// PUT /api/items/:id
func (h *ItemHandler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var item model.Item
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		writeBadRequest(w)
		return
	}

	var updated model.Item
	var applied bool
	err := h.gate.Require(deferredCtx(r), func(ctx context.Context) error {
		updated, applied = h.engine.UpdateItem(ctx, id, item)
		return nil
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := mutationResponse{Applied: applied}
	if applied {
		resp.Item = &updated
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeleteItem はアイテムを削除する。
// DELETE /api/items/:id
func (h *ItemHandler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var applied bool
	err := h.gate.Require(deferredCtx(r), func(ctx context.Context) error {
		applied = h.engine.DeleteItem(ctx, id)
		return nil
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mutationResponse{Applied: applied})
}

// ProposeQuantity は数量の楽観編集を保留バッファに積む。
// 確定までリモートには書かれない。
// POST /api/items/:id/quantity/propose
func (h *ItemHandler) ProposeQuantity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req quantityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w)
		return
	}

	var applied bool
	err := h.gate.Require(deferredCtx(r), func(ctx context.Context) error {
		applied = h.engine.ProposeQuantity(id, req.Quantity)
		return nil
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mutationResponse{Applied: applied})
}

// AdjustQuantity は実効数量に差分を適用して保留バッファに積む。
// POST /api/items/:id/quantity/adjust
func (h *ItemHandler) AdjustQuantity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req deltaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w)
		return
	}

	var applied bool
	err := h.gate.Require(deferredCtx(r), func(ctx context.Context) error {
		applied = h.engine.AdjustQuantity(id, req.Delta)
		return nil
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mutationResponse{Applied: applied})
}

// CommitQuantity は保留編集を確定して永続化する。
// POST /api/items/:id/quantity/commit
func (h *ItemHandler) CommitQuantity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var applied bool
	err := h.gate.Require(deferredCtx(r), func(ctx context.Context) error {
		applied = h.engine.CommitQuantity(ctx, id)
		return nil
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mutationResponse{Applied: applied})
}

// DiscardQuantity は保留編集を破棄する。
// POST /api/items/:id/quantity/discard
func (h *ItemHandler) DiscardQuantity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := h.gate.Require(deferredCtx(r), func(ctx context.Context) error {
		h.engine.DiscardQuantity(id)
		return nil
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mutationResponse{Applied: true})
}
