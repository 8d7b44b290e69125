// Package stock は在庫数量からの在庫ティア導出を提供する。
package stock

// Tier は数量と発注しきい値から導出される在庫ティア。
// 永続化されず、評価のたびに計算される。
type Tier string

const (
	// TierOut は在庫切れ（quantity == 0）。
	TierOut Tier = "out"
	// TierLow は発注しきい値以下（0 < quantity/threshold <= 1）。
	TierLow Tier = "low"
	// TierOK はしきい値の2倍以下（1 < quantity/threshold <= 2）。
	TierOK Tier = "ok"
	// TierGood はしきい値の2倍超。
	TierGood Tier = "good"
)

// Alerting はティアが通知対象（LOWまたはOUT）かを返す。
func (t Tier) Alerting() bool {
	return t == TierLow || t == TierOut
}

// Classify は数量と発注しきい値から在庫ティアを導出する純粋関数。
// threshold <= 0 の場合は比率が定義できないため、
// quantity == 0 ならOUT、それ以外はGOODとして扱う。
//
// 表示用の呼び出しには実効数量（保留値があればそれ）を、
// 通知判定の呼び出しには確定済み数量のみを渡すこと。
// この2つの呼び出し箇所を混同すると未確定の投機的編集で通知が発火してしまう。
func Classify(quantity, threshold float64) Tier {
	if quantity <= 0 {
		return TierOut
	}
	if threshold <= 0 {
		return TierGood
	}
	ratio := quantity / threshold
	switch {
	case ratio <= 1:
		return TierLow
	case ratio <= 2:
		return TierOK
	default:
		return TierGood
	}
}
