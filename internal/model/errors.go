package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeGateLocked        = "GATE_LOCKED"
	ErrCodeGateSetupRequired = "GATE_SETUP_REQUIRED"
	ErrCodeBadCredentials    = "BAD_CREDENTIALS"
	ErrCodeItemNotFound      = "ITEM_NOT_FOUND"
	ErrCodeMemberNotFound    = "MEMBER_NOT_FOUND"
	ErrCodeInvalidWebhookURL = "INVALID_WEBHOOK_URL"
)

// NewGateLockedError は編集ロック中エラーを生成する。
// 保留アクションは解錠成功時に1回だけ実行される。
func NewGateLockedError() *APIError {
	return &APIError{
		Code:     ErrCodeGateLocked,
		Message:  "編集はロックされています。",
		Category: "auth",
		Action:   "パスワードを入力して解錠してください。",
	}
}

// NewGateSetupRequiredError はパスワード未設定エラーを生成する。
func NewGateSetupRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeGateSetupRequired,
		Message:  "パスワードがまだ設定されていません。",
		Category: "auth",
		Action:   "最初にパスワードを設定してください。",
	}
}

// NewBadCredentialsError は認証失敗エラーを生成する。
// 失敗回数の制限やロックアウトは行わない。
func NewBadCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeBadCredentials,
		Message:  "パスワードが一致しません。",
		Category: "auth",
		Action:   "入力をやり直してください。",
	}
}

// NewItemNotFoundError はアイテム未検出エラーを生成する。
func NewItemNotFoundError(itemID string) *APIError {
	return &APIError{
		Code:     ErrCodeItemNotFound,
		Message:  fmt.Sprintf("指定されたアイテムが見つかりません: %s", itemID),
		Category: "validation",
		Action:   "アイテムIDを確認してください。",
	}
}

// NewMemberNotFoundError はメンバー未検出エラーを生成する。
func NewMemberNotFoundError(memberID string) *APIError {
	return &APIError{
		Code:     ErrCodeMemberNotFound,
		Message:  fmt.Sprintf("指定されたメンバーが見つかりません: %s", memberID),
		Category: "validation",
		Action:   "メンバーIDを確認してください。",
	}
}

// NewInvalidWebhookURLError は不正なWebhook URLエラーを生成する。
func NewInvalidWebhookURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidWebhookURL,
		Message:  fmt.Sprintf("Webhook URLが不正です: %s", reason),
		Category: "validation",
		Action:   "https:// で始まる公開エンドポイントのURLを指定してください。",
	}
}
