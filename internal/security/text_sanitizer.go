package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizerService は自由入力テキストのサニタイズ機能のインターフェース。
// アイテム名・仕入先・メモなどの自由入力フィールドは、保存前および
// 通知メッセージへの埋め込み前にこのサニタイザを通す。
type TextSanitizerService interface {
	// Clean は入力からHTMLタグをすべて除去したプレーンテキストを返す。
	// 前後の空白はトリムされる。空文字列の入力には空文字列を返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Clean(raw string) string
}

// textSanitizer はTextSanitizerServiceの実装。
// bluemondayのStrictPolicy（全タグ除去）を保持し、スレッドセーフに動作する。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerServiceの新しいインスタンスを生成する。
// これらのフィールドはチャット・メールの通知本文にそのまま埋め込まれるため、
// タグを一切許可しないStrictPolicyを使用する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// Clean は入力からHTMLタグを除去し、実体参照を復元したプレーンテキストを返す。
func (s *textSanitizer) Clean(raw string) string {
	if raw == "" {
		return ""
	}
	// StrictPolicyはタグ除去後のテキストを実体参照でエスケープするため、
	// プレーンテキストフィールドとしては復元してから保存する。
	cleaned := s.policy.Sanitize(raw)
	return strings.TrimSpace(html.UnescapeString(cleaned))
}
