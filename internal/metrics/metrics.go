// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder はメトリクス収集のインターフェース。
// エンジン・アラートトラッカー・ダイジェストスケジューラから利用する。
type Recorder interface {
	RecordSnapshotApplied()
	RecordEchoAbsorbed()
	RecordBufferDropped()
	RecordAlertFired(tier string)
	RecordAlertCleared()
	RecordDigestFired()
	RecordDelivery(channel string, delivered bool)
	RecordPersistenceFailure(operation string)
}

// Collector はPrometheusメトリクスを収集するRecorder実装。
type Collector struct {
	snapshotsApplied    prometheus.Counter
	echoesAbsorbed      prometheus.Counter
	bufferDropped       prometheus.Counter
	alertsFired         *prometheus.CounterVec
	alertsCleared       prometheus.Counter
	digestsFired        prometheus.Counter
	deliveries          *prometheus.CounterVec
	persistenceFailures *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		snapshotsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockwatch_snapshots_applied_total",
			Help: "リモートスナップショットを取り込んだ回数",
		}),
		echoesAbsorbed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockwatch_echoes_absorbed_total",
			Help: "自己書き込みのエコーを再処理せず吸収した回数",
		}),
		bufferDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockwatch_pending_edits_dropped_total",
			Help: "外部変更により破棄された保留編集の数",
		}),
		alertsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockwatch_alerts_fired_total",
			Help: "ティア別の即時アラート発火数",
		}, []string{"tier"}),
		alertsCleared: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockwatch_alerts_cleared_total",
			Help: "ティア離脱により発火済みキーをクリアした回数",
		}),
		digestsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockwatch_digests_fired_total",
			Help: "週次ダイジェストの発火回数",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockwatch_deliveries_total",
			Help: "チャネル別・結果別の通知配送数",
		}, []string{"channel", "outcome"}),
		persistenceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockwatch_persistence_failures_total",
			Help: "操作別のリモート永続化失敗数",
		}, []string{"operation"}),
	}

	reg.MustRegister(
		c.snapshotsApplied,
		c.echoesAbsorbed,
		c.bufferDropped,
		c.alertsFired,
		c.alertsCleared,
		c.digestsFired,
		c.deliveries,
		c.persistenceFailures,
	)

	return c
}

// RecordSnapshotApplied はスナップショット取り込みを記録する。
func (c *Collector) RecordSnapshotApplied() {
	c.snapshotsApplied.Inc()
}

// RecordEchoAbsorbed は自己エコーの吸収を記録する。
func (c *Collector) RecordEchoAbsorbed() {
	c.echoesAbsorbed.Inc()
}

// RecordBufferDropped は保留編集の破棄を記録する。
func (c *Collector) RecordBufferDropped() {
	c.bufferDropped.Inc()
}

// RecordAlertFired は即時アラートの発火を記録する。
func (c *Collector) RecordAlertFired(tier string) {
	c.alertsFired.WithLabelValues(tier).Inc()
}

// RecordAlertCleared は発火済みキーのクリアを記録する。
func (c *Collector) RecordAlertCleared() {
	c.alertsCleared.Inc()
}

// RecordDigestFired は週次ダイジェストの発火を記録する。
func (c *Collector) RecordDigestFired() {
	c.digestsFired.Inc()
}

// RecordDelivery は通知配送の結果を記録する。
func (c *Collector) RecordDelivery(channel string, delivered bool) {
	outcome := "delivered"
	if !delivered {
		outcome = "failed"
	}
	c.deliveries.WithLabelValues(channel, outcome).Inc()
}

// RecordPersistenceFailure はリモート永続化の失敗を記録する。
func (c *Collector) RecordPersistenceFailure(operation string) {
	c.persistenceFailures.WithLabelValues(operation).Inc()
}

// Nop は何も記録しないRecorder実装。テストや単発サブコマンドで使用する。
type Nop struct{}

func (Nop) RecordSnapshotApplied()                  {}
func (Nop) RecordEchoAbsorbed()                     {}
func (Nop) RecordBufferDropped()                    {}
func (Nop) RecordAlertFired(string)                 {}
func (Nop) RecordAlertCleared()                     {}
func (Nop) RecordDigestFired()                      {}
func (Nop) RecordDelivery(string, bool)             {}
func (Nop) RecordPersistenceFailure(string)         {}
