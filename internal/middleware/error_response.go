package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/stockwatch/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// statusForCode はエラーコードをHTTPステータスに対応付ける。
// ゲート系は403、認証失敗は401、対象なしは404、入力不正は400。
func statusForCode(code string) int {
	switch code {
	case model.ErrCodeGateLocked, model.ErrCodeGateSetupRequired:
		return http.StatusForbidden
	case model.ErrCodeBadCredentials:
		return http.StatusUnauthorized
	case model.ErrCodeItemNotFound, model.ErrCodeMemberNotFound:
		return http.StatusNotFound
	case model.ErrCodeInvalidWebhookURL:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// WriteAPIError はAPIErrorを統一フォーマットで書き込む。
// HTTPステータスはエラーコードから導出される。
func WriteAPIError(w http.ResponseWriter, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForCode(apiErr.Code))
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteAPIError(w, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}
