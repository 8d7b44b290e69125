// Package pending は未確定の数量編集を保持する楽観的編集バッファを提供する。
// バッファの内容はセッションメモリにのみ存在し、リモートには永続化されない。
package pending

import "math"

// Buffer はアイテムIDごとの未確定数量を保持する。
// 確定（commit）・破棄（discard）・外部変更による無効化でエントリが消える。
// 並行制御は呼び出し側（エンジンの直列化された評価）が担う。
type Buffer struct {
	entries map[string]float64
}

// NewBuffer は空のBufferを生成する。
func NewBuffer() *Buffer {
	return &Buffer{entries: make(map[string]float64)}
}

// Propose は新しい数量を提案としてバッファに載せる。
// 負数・NaN・無限大は入力境界で黙って無視する（エラーは返さない）。
func (b *Buffer) Propose(itemID string, quantity float64) {
	if math.IsNaN(quantity) || math.IsInf(quantity, 0) || quantity < 0 {
		return
	}
	b.entries[itemID] = quantity
}

// IncrementBy は保留値（なければ確定値）を基準にdeltaを加算する。
// 結果は0未満にならないようクランプされる。
func (b *Buffer) IncrementBy(itemID string, delta, canonical float64) {
	base := canonical
	if v, ok := b.entries[itemID]; ok {
		base = v
	}
	result := base + delta
	if result < 0 {
		result = 0
	}
	b.entries[itemID] = result
}

// Get は保留値を返す。エントリがなければok=false。
func (b *Buffer) Get(itemID string) (float64, bool) {
	v, ok := b.entries[itemID]
	return v, ok
}

// Effective は表示用の実効数量を返す。保留値があればそれ、なければ確定値。
func (b *Buffer) Effective(itemID string, canonical float64) float64 {
	if v, ok := b.entries[itemID]; ok {
		return v
	}
	return canonical
}

// Take は保留値を取り出してエントリを削除する。
// commit経路では確定状態の更新とリモート書き込みを済ませてから呼ぶこと
// （表示が一瞬でも不整合な数量にならないための順序保証）。
func (b *Buffer) Take(itemID string) (float64, bool) {
	v, ok := b.entries[itemID]
	if ok {
		delete(b.entries, itemID)
	}
	return v, ok
}

// Discard はエントリを何も書き込まずに破棄する。
func (b *Buffer) Discard(itemID string) {
	delete(b.entries, itemID)
}

// Drop はDiscardの別名で、アイテム削除・外部変更による無効化経路が使う。
func (b *Buffer) Drop(itemID string) {
	delete(b.entries, itemID)
}

// Len は保留エントリ数を返す。
func (b *Buffer) Len() int {
	return len(b.entries)
}

// IDs は保留エントリを持つアイテムIDを返す。
func (b *Buffer) IDs() []string {
	ids := make([]string, 0, len(b.entries))
	for id := range b.entries {
		ids = append(ids, id)
	}
	return ids
}
