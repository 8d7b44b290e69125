// Package reconcile はリモートドキュメントストアとローカル状態の調停エンジンを提供する。
// 全ての変更系操作はエンジンのミューテックスで直列化され、
// ローカル書き込みのエコーは書き込みシーケンス番号の一致で吸収される。
package reconcile

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/hitoshi/stockwatch/internal/alert"
	"github.com/hitoshi/stockwatch/internal/digest"
	"github.com/hitoshi/stockwatch/internal/metrics"
	"github.com/hitoshi/stockwatch/internal/model"
	"github.com/hitoshi/stockwatch/internal/notify"
	"github.com/hitoshi/stockwatch/internal/pending"
	"github.com/hitoshi/stockwatch/internal/security"
	"github.com/hitoshi/stockwatch/internal/stock"
	"github.com/hitoshi/stockwatch/internal/store"
)

// inventoryDoc は在庫ドキュメントの構造。
// revはこのプロセスの書き込みシーケンス番号で、エコー吸収の照合に使う。
type inventoryDoc struct {
	Rev   int64        `json:"rev"`
	Items []model.Item `json:"items"`
}

// Engine はリモートストアを信頼点とするローカル状態の調停エンジン。
type Engine struct {
	mu        sync.Mutex
	store     store.DocumentStore
	cfg       *store.ConfigClient
	buffer    *pending.Buffer
	tracker   *alert.Tracker
	guard     security.WebhookGuardService
	sanitizer security.TextSanitizerService
	recorder  metrics.Recorder
	logger    *slog.Logger
	appURL    string

	// 確定済み状態。ミューテックス保持中のみ触れる。
	items   []model.Item
	members []model.Member
	webhook string
	email   notify.EmailConfig

	// エコー吸収用の書き込みシーケンス。
	// persistInventoryがseqを進めてechoPendingを立て、
	// 一致するrevのスナップショットを1回だけ読み捨てる。
	seq         int64
	echoPending bool

	ready          bool
	unsubInventory func()
	unsubConfig    func()
}

// NewEngine はEngineの新しいインスタンスを生成する。
func NewEngine(
	s store.DocumentStore,
	cfg *store.ConfigClient,
	tracker *alert.Tracker,
	guard security.WebhookGuardService,
	sanitizer security.TextSanitizerService,
	recorder metrics.Recorder,
	logger *slog.Logger,
	appURL string,
) *Engine {
	return &Engine{
		store:     s,
		cfg:       cfg,
		buffer:    pending.NewBuffer(),
		tracker:   tracker,
		guard:     guard,
		sanitizer: sanitizer,
		recorder:  recorder,
		logger:    logger,
		appURL:    appURL,
	}
}

// Start は初期状態を読み込み、両ドキュメントの購読を開始する。
// 設定と発火済みキーを先に読み込んでから初期在庫を適用する。逆順だと
// 停止中にLOW/OUTへ突入したアイテムの初回評価がWebhook未設定・
// 発火済み集合が空の状態で走り、通知されないままキーだけが焼かれる。
func (e *Engine) Start(ctx context.Context) error {
	if doc, ok, err := e.store.Get(ctx, store.PathConfig); err != nil {
		return err
	} else if ok {
		e.applyConfig(doc)
	}

	if err := e.tracker.Load(ctx); err != nil {
		return err
	}

	if doc, ok, err := e.store.Get(ctx, store.PathInventory); err != nil {
		return err
	} else if ok {
		e.applyInventory(ctx, doc)
	}

	unsubInv, err := e.store.Subscribe(ctx, store.PathInventory,
		func(doc store.Document) { e.applyInventory(context.WithoutCancel(ctx), doc) },
		func(err error) {
			e.logger.Error("在庫ドキュメントの購読でエラーが発生しました",
				slog.String("error", err.Error()),
			)
		},
	)
	if err != nil {
		return err
	}

	unsubCfg, err := e.store.Subscribe(ctx, store.PathConfig,
		func(doc store.Document) { e.applyConfig(doc) },
		func(err error) {
			e.logger.Error("設定ドキュメントの購読でエラーが発生しました",
				slog.String("error", err.Error()),
			)
		},
	)
	if err != nil {
		unsubInv()
		return err
	}

	e.mu.Lock()
	e.ready = true
	e.unsubInventory = unsubInv
	e.unsubConfig = unsubCfg
	itemCount, memberCount := len(e.items), len(e.members)
	e.mu.Unlock()

	e.logger.Info("調停エンジンを開始しました",
		slog.Int("items", itemCount),
		slog.Int("members", memberCount),
	)
	return nil
}

// Stop は購読を解除する。
func (e *Engine) Stop() {
	e.mu.Lock()
	unsubInv, unsubCfg := e.unsubInventory, e.unsubConfig
	e.unsubInventory, e.unsubConfig = nil, nil
	e.ready = false
	e.mu.Unlock()

	if unsubInv != nil {
		unsubInv()
	}
	if unsubCfg != nil {
		unsubCfg()
	}
	e.logger.Info("調停エンジンを停止しました")
}

// Ready は初期読み込みが完了したかを返す。
func (e *Engine) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

// applyInventory はリモートの在庫スナップショットを適用する。
// 自プロセスの書き込みエコーは読み捨て、リモート起因の変更のみ
// 確定済み状態を置き換える。
func (e *Engine) applyInventory(ctx context.Context, doc store.Document) {
	var inv inventoryDoc
	if raw, ok := doc["rev"]; ok {
		if err := json.Unmarshal(raw, &inv.Rev); err != nil {
			e.logger.Error("在庫ドキュメントのrevのパースに失敗しました",
				slog.String("error", err.Error()),
			)
			return
		}
	}
	if raw, ok := doc["items"]; ok {
		if err := json.Unmarshal(raw, &inv.Items); err != nil {
			e.logger.Error("在庫ドキュメントのitemsのパースに失敗しました",
				slog.String("error", err.Error()),
			)
			return
		}
	}

	e.mu.Lock()
	if e.echoPending && inv.Rev > 0 && inv.Rev <= e.seq {
		// 自分の書き込みが一巡して戻ってきた。確定済み状態は
		// 書き込み時点で更新済みなので読み捨てる。連続書き込みの
		// 途中のエコーも読み捨て、最新のエコーで吸収を解除する。
		if inv.Rev == e.seq {
			e.echoPending = false
		}
		e.mu.Unlock()
		e.recorder.RecordEchoAbsorbed()
		return
	}

	oldQty := make(map[string]float64, len(e.items))
	for _, item := range e.items {
		oldQty[item.ID] = item.Quantity
	}

	e.items = inv.Items

	// リモートで数量が変わったアイテムの保留編集だけを破棄する。
	// 触られていないアイテムの保留編集は生き残る。
	for _, id := range e.buffer.IDs() {
		newItem, live := e.findItemLocked(id)
		if !live || newItem.Quantity != oldQty[id] {
			e.buffer.Drop(id)
			e.recorder.RecordBufferDropped()
			e.logger.Info("リモート変更により保留編集を破棄しました",
				slog.String("item_id", id),
			)
		}
	}
	e.recorder.RecordSnapshotApplied()

	// 評価は到着順のままミューテックス内で直列に行う。非同期にすると
	// 古いスナップショットの評価が新しいものを追い越し、回復済みの
	// アイテムに発火済みキーを書き戻すことがある。
	snap := e.alertSnapshotLocked()
	e.tracker.Evaluate(context.WithoutCancel(ctx), snap)
	e.mu.Unlock()
}

// applyConfig はリモートの設定スナップショットを適用する。
func (e *Engine) applyConfig(doc store.Document) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if raw, ok := doc[store.KeyMembers]; ok {
		var members []model.Member
		if err := json.Unmarshal(raw, &members); err != nil {
			e.logger.Error("メンバー名簿のパースに失敗しました",
				slog.String("error", err.Error()),
			)
		} else {
			e.members = members
		}
	}

	if raw, ok := doc[store.KeyWebhookURL]; ok {
		var url string
		if err := json.Unmarshal(raw, &url); err == nil {
			e.webhook = url
		}
	}

	if raw, ok := doc[store.KeyEmailConfig]; ok {
		var cfg notify.EmailConfig
		if err := json.Unmarshal(raw, &cfg); err == nil {
			e.email = cfg
		}
	}
}

// findItemLocked はIDでアイテムを探す。ミューテックス保持中に呼ぶこと。
func (e *Engine) findItemLocked(id string) (*model.Item, bool) {
	for i := range e.items {
		if e.items[i].ID == id {
			return &e.items[i], true
		}
	}
	return nil, false
}

// persistInventoryLocked は確定済みアイテムリストをストアへ書き戻す。
// ミューテックス保持中に呼ぶこと。書き込み前にシーケンスを進めて
// エコー吸収を仕込む。
func (e *Engine) persistInventoryLocked(ctx context.Context) {
	e.seq++
	e.echoPending = true

	rev, _ := json.Marshal(e.seq)
	items, err := json.Marshal(e.items)
	if err != nil {
		e.echoPending = false
		e.recorder.RecordPersistenceFailure("inventory")
		e.logger.Error("在庫ドキュメントのシリアライズに失敗しました",
			slog.String("error", err.Error()),
		)
		return
	}

	doc := store.Document{"rev": rev, "items": items}
	if err := e.store.Set(ctx, store.PathInventory, doc, false); err != nil {
		// 書き込みが届いていないのでエコーも来ない
		e.echoPending = false
		e.recorder.RecordPersistenceFailure("inventory")
		e.logger.Error("在庫ドキュメントの書き込みに失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// persistMembersLocked はメンバー名簿を設定ドキュメントへ書き戻す。
func (e *Engine) persistMembersLocked(ctx context.Context) {
	if err := e.cfg.SetJSON(ctx, store.KeyMembers, e.members); err != nil {
		e.recorder.RecordPersistenceFailure("members")
		e.logger.Error("メンバー名簿の書き込みに失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// alertSnapshotLocked はアラート評価用のスナップショットを作る。
func (e *Engine) alertSnapshotLocked() alert.Snapshot {
	return alert.Snapshot{
		Items:      append([]model.Item(nil), e.items...),
		Members:    append([]model.Member(nil), e.members...),
		WebhookURL: e.webhook,
		AppURL:     e.appURL,
	}
}

// evaluateAlerts は現在の確定済み状態でアラート評価を直列に実行する。
// ミューテックス内で評価することでスナップショット適用との追い越しを防ぐ。
func (e *Engine) evaluateAlerts(ctx context.Context) {
	e.mu.Lock()
	snap := e.alertSnapshotLocked()
	e.tracker.Evaluate(context.WithoutCancel(ctx), snap)
	e.mu.Unlock()
}

// validQuantity は数量として受け付け可能な値かを返す。
func validQuantity(q float64) bool {
	return !math.IsNaN(q) && !math.IsInf(q, 0) && q >= 0
}

// sanitizeItem はアイテムのテキストフィールドをサニタイズする。
func (e *Engine) sanitizeItem(item *model.Item) {
	item.Name = e.sanitizer.Clean(item.Name)
	item.Category = e.sanitizer.Clean(item.Category)
	item.Supplier = e.sanitizer.Clean(item.Supplier)
	item.SupplierURL = e.sanitizer.Clean(item.SupplierURL)
	item.Notes = e.sanitizer.Clean(item.Notes)
}

// validItem は必須フィールドと数値の健全性を検証する。
func (e *Engine) validItem(item *model.Item) bool {
	if item.Name == "" {
		return false
	}
	if !model.ValidCategory(item.Category) || !model.ValidUnit(item.Unit) {
		return false
	}
	if !validQuantity(item.Quantity) || !validQuantity(item.LowStockThreshold) {
		return false
	}
	return true
}

// CreateItem は新しいアイテムを作成して永続化する。
// 検証に失敗した入力は黙って拒否され、ok=falseを返す。
func (e *Engine) CreateItem(ctx context.Context, item model.Item) (model.Item, bool) {
	e.sanitizeItem(&item)
	if !e.validItem(&item) {
		return model.Item{}, false
	}
	item.ID = uuid.NewString()

	e.mu.Lock()
	if item.AssignedMemberID != "" {
		if !e.memberExistsLocked(item.AssignedMemberID) {
			item.AssignedMemberID = ""
		}
	}
	e.items = append(e.items, item)
	e.persistInventoryLocked(ctx)
	e.mu.Unlock()

	e.logger.Info("アイテムを作成しました",
		slog.String("item_id", item.ID),
		slog.String("name", item.Name),
	)
	e.evaluateAlerts(ctx)
	return item, true
}

// UpdateItem は既存アイテムの全フィールド（数量を含む）を置き換えて永続化する。
func (e *Engine) UpdateItem(ctx context.Context, id string, updated model.Item) (model.Item, bool) {
	e.sanitizeItem(&updated)
	if !e.validItem(&updated) {
		return model.Item{}, false
	}

	e.mu.Lock()
	item, ok := e.findItemLocked(id)
	if !ok {
		e.mu.Unlock()
		return model.Item{}, false
	}

	if updated.AssignedMemberID != "" && !e.memberExistsLocked(updated.AssignedMemberID) {
		updated.AssignedMemberID = ""
	}

	updated.ID = item.ID
	*item = updated
	e.persistInventoryLocked(ctx)
	result := *item
	e.mu.Unlock()

	e.logger.Info("アイテムを更新しました", slog.String("item_id", id))
	e.evaluateAlerts(ctx)
	return result, true
}

// DeleteItem はアイテムを削除して永続化する。保留編集も同時に破棄される。
func (e *Engine) DeleteItem(ctx context.Context, id string) bool {
	e.mu.Lock()
	idx := -1
	for i := range e.items {
		if e.items[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.mu.Unlock()
		return false
	}
	e.items = append(e.items[:idx], e.items[idx+1:]...)
	e.buffer.Drop(id)
	e.persistInventoryLocked(ctx)
	e.mu.Unlock()

	e.logger.Info("アイテムを削除しました", slog.String("item_id", id))
	e.evaluateAlerts(ctx)
	return true
}

// ProposeQuantity は数量の楽観編集を保留バッファに積む。
// 確定済み状態は変更されず、Commitまでリモートにも書かれない。
func (e *Engine) ProposeQuantity(id string, quantity float64) bool {
	if !validQuantity(quantity) {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.findItemLocked(id); !ok {
		return false
	}
	e.buffer.Propose(id, quantity)
	return true
}

// AdjustQuantity は実効数量に差分を適用して保留バッファに積む。
// 結果は0未満にならないようクランプされる。
func (e *Engine) AdjustQuantity(id string, delta float64) bool {
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	item, ok := e.findItemLocked(id)
	if !ok {
		return false
	}
	e.buffer.IncrementBy(id, delta, item.Quantity)
	return true
}

// CommitQuantity は保留編集を確定済み状態に反映して永続化する。
// 保留がなければ何もしない。
func (e *Engine) CommitQuantity(ctx context.Context, id string) bool {
	e.mu.Lock()
	item, ok := e.findItemLocked(id)
	if !ok {
		e.mu.Unlock()
		return false
	}
	quantity, ok := e.buffer.Take(id)
	if !ok {
		e.mu.Unlock()
		return false
	}
	item.Quantity = quantity
	e.persistInventoryLocked(ctx)
	e.mu.Unlock()

	e.logger.Info("数量編集を確定しました",
		slog.String("item_id", id),
		slog.Float64("quantity", quantity),
	)
	e.evaluateAlerts(ctx)
	return true
}

// DiscardQuantity は保留編集を破棄する。確定済み状態は変わらない。
func (e *Engine) DiscardQuantity(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buffer.Discard(id)
}

// memberExistsLocked はメンバーIDが名簿に存在するかを返す。
func (e *Engine) memberExistsLocked(id string) bool {
	for i := range e.members {
		if e.members[i].ID == id {
			return true
		}
	}
	return false
}

// AddMember は新しいメンバーを名簿に追加して永続化する。
// 名前と、少なくとも1つの連絡先が必須。Discord IDはメンション表記を許容する。
func (e *Engine) AddMember(ctx context.Context, member model.Member) (model.Member, bool) {
	member.Name = e.sanitizer.Clean(member.Name)
	member.DiscordID = model.NormalizeDiscordID(e.sanitizer.Clean(member.DiscordID))
	member.Email = e.sanitizer.Clean(member.Email)

	if member.Name == "" || !member.HasContact() {
		return model.Member{}, false
	}
	member.ID = uuid.NewString()

	e.mu.Lock()
	e.members = append(e.members, member)
	e.persistMembersLocked(ctx)
	e.mu.Unlock()

	e.logger.Info("メンバーを追加しました",
		slog.String("member_id", member.ID),
		slog.String("name", member.Name),
	)
	return member, true
}

// DeleteMember はメンバーを名簿から削除し、担当割り当てを連鎖的に解除する。
// 名簿と在庫の両ドキュメントを永続化する。
func (e *Engine) DeleteMember(ctx context.Context, id string) bool {
	e.mu.Lock()
	idx := -1
	for i := range e.members {
		if e.members[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.mu.Unlock()
		return false
	}
	e.members = append(e.members[:idx], e.members[idx+1:]...)

	cascaded := false
	for i := range e.items {
		if e.items[i].AssignedMemberID == id {
			e.items[i].AssignedMemberID = ""
			cascaded = true
		}
	}

	e.persistMembersLocked(ctx)
	if cascaded {
		e.persistInventoryLocked(ctx)
	}
	e.mu.Unlock()

	e.logger.Info("メンバーを削除しました",
		slog.String("member_id", id),
		slog.Bool("cascaded", cascaded),
	)
	return true
}

// SaveWebhookURL はWebhook URLを検証して保存する。空文字列は設定解除。
func (e *Engine) SaveWebhookURL(ctx context.Context, url string) error {
	if url != "" {
		if err := e.guard.ValidateURL(url); err != nil {
			return model.NewInvalidWebhookURLError(err.Error())
		}
	}
	if err := e.cfg.SetString(ctx, store.KeyWebhookURL, url); err != nil {
		e.recorder.RecordPersistenceFailure("webhook_url")
		return err
	}

	e.mu.Lock()
	e.webhook = url
	e.mu.Unlock()

	e.logger.Info("Webhook URLを保存しました")
	return nil
}

// SaveEmailConfig はメールチャネル設定を保存する。
func (e *Engine) SaveEmailConfig(ctx context.Context, cfg notify.EmailConfig) error {
	if err := e.cfg.SetJSON(ctx, store.KeyEmailConfig, cfg); err != nil {
		e.recorder.RecordPersistenceFailure("email_config")
		return err
	}

	e.mu.Lock()
	e.email = cfg
	e.mu.Unlock()

	e.logger.Info("メールチャネル設定を保存しました")
	return nil
}

// ItemView は表示用のアイテム。実効数量（保留編集があればそれを反映）と
// 実効数量に基づく表示ティアを含む。
type ItemView struct {
	model.Item
	EffectiveQuantity float64    `json:"effectiveQuantity"`
	DisplayTier       stock.Tier `json:"displayTier"`
	PendingEdit       bool       `json:"pendingEdit"`
}

// View は表示用のアイテムリストを返す。
// 表示ティアは実効数量、アラートは確定済み数量に基づく点に注意。
func (e *Engine) View() []ItemView {
	e.mu.Lock()
	defer e.mu.Unlock()

	views := make([]ItemView, 0, len(e.items))
	for _, item := range e.items {
		effective := e.buffer.Effective(item.ID, item.Quantity)
		_, hasPending := e.buffer.Get(item.ID)
		views = append(views, ItemView{
			Item:              item,
			EffectiveQuantity: effective,
			DisplayTier:       stock.Classify(effective, item.LowStockThreshold),
			PendingEdit:       hasPending,
		})
	}
	return views
}

// GetItem は表示用のアイテムを1件返す。
func (e *Engine) GetItem(id string) (ItemView, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	item, ok := e.findItemLocked(id)
	if !ok {
		return ItemView{}, false
	}
	effective := e.buffer.Effective(item.ID, item.Quantity)
	_, hasPending := e.buffer.Get(item.ID)
	return ItemView{
		Item:              *item,
		EffectiveQuantity: effective,
		DisplayTier:       stock.Classify(effective, item.LowStockThreshold),
		PendingEdit:       hasPending,
	}, true
}

// Members はメンバー名簿のコピーを返す。
func (e *Engine) Members() []model.Member {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.Member(nil), e.members...)
}

// Settings は通知チャネル設定のコピーを返す。
func (e *Engine) Settings() (string, notify.EmailConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.webhook, e.email
}

// NotificationSnapshot はダイジェスト構成用の確定済み状態のコピーを返す。
// 保留編集は含まれない。
func (e *Engine) NotificationSnapshot(ctx context.Context) (digest.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return digest.Snapshot{
		Items:      append([]model.Item(nil), e.items...),
		Members:    append([]model.Member(nil), e.members...),
		WebhookURL: e.webhook,
		Email:      e.email,
		AppURL:     e.appURL,
	}, nil
}
