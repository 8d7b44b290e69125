// Package notify は通知チャネル（チャットWebhook・メール）への配送を提供する。
// 配送はfire-and-forgetで、失敗は結果型として観測可能にしつつ非致命に扱う。
package notify

// チャネル名
const (
	ChannelWebhook = "webhook"
	ChannelEmail   = "email"
)

// DeliveryResult は1回の配送試行の結果を表す。
// 失敗してもエンジンは停止せず、ログとメトリクスに記録されるだけに留まる。
type DeliveryResult struct {
	Channel   string // webhook | email
	Recipient string // 宛先の表示名（空の場合はチャネル既定の宛先）
	Delivered bool
	Reason    string // 失敗時の理由
}

// Delivered は配送成功の結果を生成する。
func Delivered(channel, recipient string) DeliveryResult {
	return DeliveryResult{Channel: channel, Recipient: recipient, Delivered: true}
}

// Failed は配送失敗の結果を生成する。
func Failed(channel, recipient, reason string) DeliveryResult {
	return DeliveryResult{Channel: channel, Recipient: recipient, Delivered: false, Reason: reason}
}
