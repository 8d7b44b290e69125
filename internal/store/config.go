package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// ConfigClient は設定ドキュメントへの型付きアクセサ。
// 書き込みは常にマージセマンティクスで行い、他のキーを保持する。
type ConfigClient struct {
	store DocumentStore
}

// NewConfigClient はConfigClientの新しいインスタンスを生成する。
func NewConfigClient(s DocumentStore) *ConfigClient {
	return &ConfigClient{store: s}
}

// GetString は文字列値を取得する。キーが存在しない場合は空文字列を返す。
func (c *ConfigClient) GetString(ctx context.Context, key string) (string, error) {
	doc, ok, err := c.store.Get(ctx, PathConfig)
	if err != nil {
		return "", fmt.Errorf("設定ドキュメントの取得に失敗しました: %w", err)
	}
	if !ok {
		return "", nil
	}
	raw, ok := doc[key]
	if !ok {
		return "", nil
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("設定値のパースに失敗しました (%s): %w", key, err)
	}
	return v, nil
}

// SetString は文字列値をマージ書き込みする。
func (c *ConfigClient) SetString(ctx context.Context, key, value string) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("設定値のシリアライズに失敗しました (%s): %w", key, err)
	}
	return c.store.Set(ctx, PathConfig, Document{key: raw}, true)
}

// GetJSON はJSON値をdestにデコードする。キーが存在しない場合はok=false。
func (c *ConfigClient) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	doc, ok, err := c.store.Get(ctx, PathConfig)
	if err != nil {
		return false, fmt.Errorf("設定ドキュメントの取得に失敗しました: %w", err)
	}
	if !ok {
		return false, nil
	}
	raw, ok := doc[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("設定値のパースに失敗しました (%s): %w", key, err)
	}
	return true, nil
}

// SetJSON は任意の値をJSONとしてマージ書き込みする。
func (c *ConfigClient) SetJSON(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("設定値のシリアライズに失敗しました (%s): %w", key, err)
	}
	return c.store.Set(ctx, PathConfig, Document{key: raw}, true)
}
