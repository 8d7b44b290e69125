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

// MemberHandler はメンバー名簿管理のHTTPハンドラー。
type MemberHandler struct {
	engine *reconcile.Engine
	gate   *gate.Gate
}

// NewMemberHandler はMemberHandlerを生成する。
func NewMemberHandler(engine *reconcile.Engine, g *gate.Gate) *MemberHandler {
	return &MemberHandler{engine: engine, gate: g}
}

// memberListResponse はメンバー一覧のレスポンス。
type memberListResponse struct {
	Members []model.Member `json:"members"`
}

// memberMutationResponse はメンバー変更操作の結果レスポンス。
type memberMutationResponse struct {
	Applied bool          `json:"applied"`
	Member  *model.Member `json:"member,omitempty"`
}

// ListMembers はメンバー一覧を取得する。
// GET /api/members
func (h *MemberHandler) ListMembers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, memberListResponse{Members: h.engine.Members()})
}

// AddMember は新しいメンバーを名簿に追加する。
// 名前と、Discord IDまたはメールアドレスの少なくとも一方が必須。
// POST /api/members
func (h *MemberHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	var member model.Member
	if err := json.NewDecoder(r.Body).Decode(&member); err != nil {
		writeBadRequest(w)
		return
	}

	var added model.Member
	var applied bool
	err := h.gate.Require(deferredCtx(r), func(ctx context.Context) error {
		added, applied = h.engine.AddMember(ctx, member)
		return nil
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := memberMutationResponse{Applied: applied}
	if applied {
		resp.Member = &added
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeleteMember はメンバーを名簿から削除する。
// 削除されたメンバーへの担当割り当ては連鎖的に解除される。
// DELETE /api/members/:id
func (h *MemberHandler) DeleteMember(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var applied bool
	err := h.gate.Require(deferredCtx(r), func(ctx context.Context) error {
		applied = h.engine.DeleteMember(ctx, id)
		return nil
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, memberMutationResponse{Applied: applied})
}
