// Package alert はティア遷移の検出と即時アラートの発火を提供する。
// 発火済みキーを永続化することで、再起動をまたいだ重複アラートを防ぐ。
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/hitoshi/stockwatch/internal/metrics"
	"github.com/hitoshi/stockwatch/internal/model"
	"github.com/hitoshi/stockwatch/internal/notify"
	"github.com/hitoshi/stockwatch/internal/stock"
	"github.com/hitoshi/stockwatch/internal/store"
)

// Snapshot はアラート評価に必要な確定済み状態のコピー。
type Snapshot struct {
	Items      []model.Item
	Members    []model.Member
	WebhookURL string
	AppURL     string
}

// Tracker はアイテムごとのティア遷移を追跡し、
// LOW/OUTへの突入時に1ティアにつき1回だけ即時アラートを発火する。
type Tracker struct {
	mu       sync.Mutex
	cfg      *store.ConfigClient
	sender   notify.WebhookSender
	recorder metrics.Recorder
	logger   *slog.Logger

	fired map[string]struct{} // "itemID:tier" の発火済みキー
}

// New はTrackerの新しいインスタンスを生成する。
func New(cfg *store.ConfigClient, sender notify.WebhookSender, recorder metrics.Recorder, logger *slog.Logger) *Tracker {
	return &Tracker{
		cfg:      cfg,
		sender:   sender,
		recorder: recorder,
		logger:   logger,
		fired:    make(map[string]struct{}),
	}
}

// firedKey は発火済みセットのキーを生成する。
func firedKey(itemID string, tier stock.Tier) string {
	return fmt.Sprintf("%s:%s", itemID, tier)
}

// Load は永続化された発火済みキーを読み込む。起動時に1回呼ぶ。
func (t *Tracker) Load(ctx context.Context) error {
	var keys []string
	found, err := t.cfg.GetJSON(ctx, store.KeyAlertedKeys, &keys)
	if err != nil {
		return fmt.Errorf("発火済みキーの読み込みに失敗しました: %w", err)
	}
	if !found {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.fired = make(map[string]struct{}, len(keys))
	for _, k := range keys {
		t.fired[k] = struct{}{}
	}
	return nil
}

// Evaluate は確定済み状態のスナップショットを評価し、
// 必要な即時アラートを発火して発火済みセットを更新する。
// 同じスナップショットを繰り返し渡しても追加のアラートは発火しない。
func (t *Tracker) Evaluate(ctx context.Context, snap Snapshot) {
	memberByID := make(map[string]*model.Member, len(snap.Members))
	for i := range snap.Members {
		memberByID[snap.Members[i].ID] = &snap.Members[i]
	}

	liveIDs := make(map[string]struct{}, len(snap.Items))

	t.mu.Lock()
	dirty := false
	type firing struct {
		item model.Item
		tier stock.Tier
	}
	var firings []firing

	for _, item := range snap.Items {
		liveIDs[item.ID] = struct{}{}
		tier := stock.Classify(item.Quantity, item.LowStockThreshold)

		if tier.Alerting() {
			key := firedKey(item.ID, tier)
			if _, already := t.fired[key]; !already {
				t.fired[key] = struct{}{}
				firings = append(firings, firing{item: item, tier: tier})
				dirty = true
			}
		} else {
			// 回復したら両ティアのキーを消し、次の下落で再び発火可能にする
			for _, cleared := range []stock.Tier{stock.TierLow, stock.TierOut} {
				key := firedKey(item.ID, cleared)
				if _, ok := t.fired[key]; ok {
					delete(t.fired, key)
					t.recorder.RecordAlertCleared()
					dirty = true
				}
			}
		}
	}

	// 削除済みアイテムの残留キーを掃除する
	for key := range t.fired {
		id := itemIDFromKey(key)
		if _, live := liveIDs[id]; !live {
			delete(t.fired, key)
			dirty = true
		}
	}
	t.mu.Unlock()

	if dirty {
		t.persist(ctx)
	}

	for _, f := range firings {
		t.fire(ctx, f.item, f.tier, memberByID, snap.WebhookURL, snap.AppURL)
	}
}

// itemIDFromKey は"itemID:tier"キーからアイテムIDを取り出す。
func itemIDFromKey(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == ':' {
			return key[:i]
		}
	}
	return key
}

// fire は1件の即時アラートを配送する。失敗は記録するだけで伝播しない。
func (t *Tracker) fire(ctx context.Context, item model.Item, tier stock.Tier, memberByID map[string]*model.Member, webhookURL, appURL string) {
	t.recorder.RecordAlertFired(string(tier))

	if webhookURL == "" {
		t.logger.Debug("Webhook URLが未設定のためアラート配送をスキップします",
			slog.String("item_id", item.ID),
			slog.String("tier", string(tier)),
		)
		return
	}

	assigned := memberByID[item.AssignedMemberID]
	msg := notify.InstantAlertMessage(item, tier, assigned, appURL)

	result := t.sender.Post(ctx, webhookURL, msg)
	t.recorder.RecordDelivery(result.Channel, result.Delivered)
	if result.Delivered {
		t.logger.Info("即時アラートを配送しました",
			slog.String("item_id", item.ID),
			slog.String("item_name", item.Name),
			slog.String("tier", string(tier)),
		)
	} else {
		t.logger.Error("即時アラートの配送に失敗しました",
			slog.String("item_id", item.ID),
			slog.String("tier", string(tier)),
			slog.String("reason", result.Reason),
		)
	}
}

// persist は発火済みキーをソートして永続化する。
func (t *Tracker) persist(ctx context.Context) {
	t.mu.Lock()
	keys := make([]string, 0, len(t.fired))
	for k := range t.fired {
		keys = append(keys, k)
	}
	t.mu.Unlock()
	sort.Strings(keys)

	if err := t.cfg.SetJSON(ctx, store.KeyAlertedKeys, keys); err != nil {
		t.recorder.RecordPersistenceFailure("alerted_keys")
		t.logger.Error("発火済みキーの永続化に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// FiredKeys は発火済みキーのソート済みコピーを返す。
func (t *Tracker) FiredKeys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.fired))
	for k := range t.fired {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
