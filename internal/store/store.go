// Package store はリモートドキュメントストアへのポートと各アダプタを提供する。
// 在庫ドキュメントと設定ドキュメントの2つの論理ドキュメントを扱う。
package store

import (
	"context"
	"encoding/json"
)

// ドキュメントパス
const (
	// PathInventory は全アイテムリストを保持する在庫ドキュメント。
	PathInventory = "stockwatch/inventory"
	// PathConfig は名前付き設定をフラットなキー・バリューで保持する設定ドキュメント。
	PathConfig = "stockwatch/config"
)

// 設定ドキュメントのキー
const (
	// KeyPassword は共有パスワード。
	KeyPassword = "password"
	// KeyWebhookURL はチャット通知用のWebhook URL。
	KeyWebhookURL = "discord_webhook"
	// KeyEmailConfig はメールチャネル設定（JSON: serviceId/templateId/publicKey）。
	KeyEmailConfig = "emailjs_config"
	// KeyMembers はメンバー名簿（JSONリスト）。
	KeyMembers = "members"
	// KeyAlertedKeys は発火済みアラートキーの集合（JSON文字列リスト）。
	KeyAlertedKeys = "alerted_keys"
	// KeyDigestWatermark はダイジェストを最後に送信したISO年-週のラベル。
	KeyDigestWatermark = "digest_last_sent_week"
)

// Document はドキュメントのフラットなフィールド表現。
// 値はJSONシリアライズ可能であればよい。
type Document map[string]json.RawMessage

// Clone はDocumentの浅いコピーを返す。
func (d Document) Clone() Document {
	c := make(Document, len(d))
	for k, v := range d {
		c[k] = v
	}
	return c
}

// DocumentStore はリモートドキュメントストアのポート。
// Subscribeが返すキャンセル関数で購読を解除する。
// 全操作は非同期完了前提で、失敗は呼び出し側でログして飲み込む（非致命）。
type DocumentStore interface {
	// Get は指定パスのドキュメントを取得する。存在しない場合はok=false。
	Get(ctx context.Context, path string) (Document, bool, error)

	// Set は指定パスにドキュメントを書き込む。
	// merge=trueの場合は既存フィールドを保持したままfieldsを上書きマージする。
	Set(ctx context.Context, path string, fields Document, merge bool) error

	// Subscribe は指定パスの変更を購読する。
	// 変更のたびに最新ドキュメントでonChangeが呼ばれる。
	// 自プロセスの書き込みによる変更（エコー）も配送される点に注意。
	Subscribe(ctx context.Context, path string, onChange func(Document), onError func(error)) (func(), error)
}
