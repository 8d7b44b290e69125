// Package digest は週次リストックダイジェストのスケジューリングと配送を提供する。
// 送信済み週のウォーターマークを永続化し、再起動をまたいだ二重送信を防ぐ。
package digest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/stockwatch/internal/metrics"
	"github.com/hitoshi/stockwatch/internal/model"
	"github.com/hitoshi/stockwatch/internal/notify"
	"github.com/hitoshi/stockwatch/internal/store"
)

// 送信ゲートの曜日と時刻
const (
	sendWeekday = time.Monday
	sendHour    = 18
)

// defaultCheckInterval はスケジューラの既定のチェック間隔。
const defaultCheckInterval = time.Minute

// Snapshot はダイジェスト構成に必要な確定済み状態のコピー。
type Snapshot struct {
	Items      []model.Item
	Members    []model.Member
	WebhookURL string
	Email      notify.EmailConfig
	AppURL     string
}

// SnapshotProvider は確定済み状態のスナップショットを提供する。
type SnapshotProvider interface {
	NotificationSnapshot(ctx context.Context) (Snapshot, error)
}

// Scheduler は週次ダイジェストの送信タイミングを管理する。
type Scheduler struct {
	provider SnapshotProvider
	cfg      *store.ConfigClient
	webhook  notify.WebhookSender
	email    notify.EmailSender
	recorder metrics.Recorder
	logger   *slog.Logger

	interval time.Duration
	loc      *time.Location
	now      func() time.Time // テスト用に差し替え可能
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// locは送信ゲート判定に使うタイムゾーン。
func NewScheduler(
	provider SnapshotProvider,
	cfg *store.ConfigClient,
	webhook notify.WebhookSender,
	email notify.EmailSender,
	recorder metrics.Recorder,
	logger *slog.Logger,
	loc *time.Location,
	interval time.Duration,
) *Scheduler {
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	return &Scheduler{
		provider: provider,
		cfg:      cfg,
		webhook:  webhook,
		email:    email,
		recorder: recorder,
		logger:   logger,
		interval: interval,
		loc:      loc,
		now:      time.Now,
	}
}

// Run はctxがキャンセルされるまで定期的に送信ゲートをチェックする。
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("ダイジェストスケジューラを開始します",
		slog.String("timezone", s.loc.String()),
		slog.Duration("check_interval", s.interval),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("ダイジェストスケジューラを停止します")
			return
		case <-ticker.C:
			s.CheckOnce(ctx)
		}
	}
}

// weekKey は時刻が属するISO週のキーを返す。
func weekKey(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// CheckOnce は送信ゲートを1回だけ評価し、条件を満たせばダイジェストを送信する。
// 月曜18時台かつ今週未送信のときに限り送信し、同じ週では高々1回しか送信しない。
func (s *Scheduler) CheckOnce(ctx context.Context) {
	now := s.now().In(s.loc)
	if now.Weekday() != sendWeekday || now.Hour() != sendHour {
		return
	}

	key := weekKey(now)
	lastSent, err := s.cfg.GetString(ctx, store.KeyDigestWatermark)
	if err != nil {
		s.logger.Error("ウォーターマークの読み込みに失敗しました",
			slog.String("error", err.Error()),
		)
		return
	}
	if lastSent == key {
		return
	}

	// 送信前にウォーターマークを永続化する。永続化に失敗したら送信を
	// 見送り、次のチェックでやり直す。二重送信より未送信の方がましという判断。
	if err := s.cfg.SetString(ctx, store.KeyDigestWatermark, key); err != nil {
		s.recorder.RecordPersistenceFailure("digest_watermark")
		s.logger.Error("ウォーターマークの永続化に失敗したため送信を見送ります",
			slog.String("week", key),
			slog.String("error", err.Error()),
		)
		return
	}

	s.logger.Info("週次ダイジェストを送信します", slog.String("week", key))
	s.Send(ctx)
}

// Send はゲート判定とウォーターマークを迂回して即座にダイジェストを送信する。
// 手動トリガ用で、ウォーターマークは更新しない。
func (s *Scheduler) Send(ctx context.Context) []notify.DeliveryResult {
	snap, err := s.provider.NotificationSnapshot(ctx)
	if err != nil {
		s.logger.Error("スナップショットの取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return nil
	}

	groups := notify.GroupDigest(snap.Items, snap.Members)
	if len(groups) == 0 {
		s.logger.Info("アラート対象のアイテムがないためダイジェストをスキップします")
		return nil
	}

	s.recorder.RecordDigestFired()

	var results []notify.DeliveryResult
	for _, group := range groups {
		if snap.WebhookURL != "" {
			msg := notify.DigestWebhookMessage(group, snap.AppURL)
			result := s.webhook.Post(ctx, snap.WebhookURL, msg)
			result.Recipient = group.RecipientName()
			s.recorder.RecordDelivery(result.Channel, result.Delivered)
			results = append(results, result)
		}

		if group.Member != nil && group.Member.Email != "" && snap.Email.Configured() {
			params := notify.DigestEmailParams(group, snap.AppURL)
			result := s.email.Send(ctx, snap.Email, params)
			s.recorder.RecordDelivery(result.Channel, result.Delivered)
			results = append(results, result)
		}
	}

	delivered := 0
	for _, r := range results {
		if r.Delivered {
			delivered++
		}
	}
	s.logger.Info("週次ダイジェストの送信が完了しました",
		slog.Int("groups", len(groups)),
		slog.Int("deliveries", len(results)),
		slog.Int("delivered", delivered),
	)
	return results
}
