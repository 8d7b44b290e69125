package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/stockwatch/internal/alert"
	"github.com/hitoshi/stockwatch/internal/digest"
	"github.com/hitoshi/stockwatch/internal/gate"
	"github.com/hitoshi/stockwatch/internal/metrics"
	"github.com/hitoshi/stockwatch/internal/middleware"
	"github.com/hitoshi/stockwatch/internal/model"
	"github.com/hitoshi/stockwatch/internal/notify"
	"github.com/hitoshi/stockwatch/internal/reconcile"
	"github.com/hitoshi/stockwatch/internal/security"
	"github.com/hitoshi/stockwatch/internal/store"
)

// nopWebhookSender は配送せず成功を返すWebhookSender。
type nopWebhookSender struct{}

func (nopWebhookSender) Post(ctx context.Context, url string, msg notify.WebhookMessage) notify.DeliveryResult {
	return notify.Delivered(notify.ChannelWebhook, "")
}

// nopEmailSender は配送せず成功を返すEmailSender。
type nopEmailSender struct{}

func (nopEmailSender) Send(ctx context.Context, cfg notify.EmailConfig, params map[string]string) notify.DeliveryResult {
	return notify.Delivered(notify.ChannelEmail, params["to_email"])
}

type testServer struct {
	router http.Handler
	engine *reconcile.Engine
	gate   *gate.Gate
	mem    *store.MemoryStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := store.NewMemoryStore()
	cfg := store.NewConfigClient(mem)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	tracker := alert.New(cfg, nopWebhookSender{}, metrics.Nop{}, logger)
	engine := reconcile.NewEngine(mem, cfg, tracker, security.NewWebhookGuard(), security.NewTextSanitizer(), metrics.Nop{}, logger, "https://stockwatch.example.com")
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("エンジンの開始に失敗しました: %v", err)
	}
	t.Cleanup(engine.Stop)

	g := gate.New(cfg, logger)
	scheduler := digest.NewScheduler(engine, cfg, nopWebhookSender{}, nopEmailSender{}, metrics.Nop{}, logger, time.UTC, time.Minute)

	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(rl.Stop)

	router := NewRouter(&RouterDeps{
		Engine:            engine,
		Gate:              g,
		Scheduler:         scheduler,
		CORSAllowedOrigin: "http://localhost:3000",
		RateLimiter:       rl,
		Logger:            logger,
		Pinger:            mem,
		Gatherer:          prometheus.NewRegistry(),
	})

	return &testServer{router: router, engine: engine, gate: g, mem: mem}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("リクエストボディのシリアライズに失敗しました: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "203.0.113.1:1234"
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

// unlock はパスワードを設定してゲートを解錠する。
func (ts *testServer) unlock(t *testing.T) {
	t.Helper()
	rec := ts.do(t, http.MethodPut, "/api/gate/secret", passwordRequest{Password: "secret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("パスワード設定に失敗しました: %d %s", rec.Code, rec.Body.String())
	}
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("レスポンスのパースに失敗しました: %v\nbody: %s", err, rec.Body.String())
	}
	return v
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ヘルスチェックが失敗しました: %d", rec.Code)
	}
	body := decodeBody[healthResponse](t, rec)
	if body.Status != "ok" || !body.Ready {
		t.Errorf("レスポンスが不正です: %+v", body)
	}
}

func TestGateFlow_SetupUnlockLock(t *testing.T) {
	ts := newTestServer(t)

	// パスワード未設定: 変更操作はセットアップ要求
	rec := ts.do(t, http.MethodPost, "/api/items", validItemBody())
	if rec.Code != http.StatusForbidden {
		t.Fatalf("未設定時のステータスが不正です: %d", rec.Code)
	}
	errBody := decodeBody[middleware.ErrorResponseBody](t, rec)
	if errBody.Code != model.ErrCodeGateSetupRequired {
		t.Errorf("エラーコードが不正です: %q", errBody.Code)
	}

	// パスワード設定で解錠され、保留中の作成が実行される
	ts.unlock(t)
	rec = ts.do(t, http.MethodGet, "/api/items", nil)
	list := decodeBody[itemListResponse](t, rec)
	if len(list.Items) != 1 {
		t.Fatalf("保留中の作成が実行されていません: %d", len(list.Items))
	}

	// 施錠後は再びブロックされる
	ts.do(t, http.MethodPost, "/api/gate/lock", nil)
	rec = ts.do(t, http.MethodPost, "/api/items", validItemBody())
	if rec.Code != http.StatusForbidden {
		t.Fatalf("施錠後のステータスが不正です: %d", rec.Code)
	}
	errBody = decodeBody[middleware.ErrorResponseBody](t, rec)
	if errBody.Code != model.ErrCodeGateLocked {
		t.Errorf("エラーコードが不正です: %q", errBody.Code)
	}

	// 間違ったパスワードでは解錠されない
	rec = ts.do(t, http.MethodPost, "/api/gate/unlock", passwordRequest{Password: "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("認証失敗のステータスが不正です: %d", rec.Code)
	}

	// 正しいパスワードで解錠、保留中の作成が実行される
	rec = ts.do(t, http.MethodPost, "/api/gate/unlock", passwordRequest{Password: "secret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("解錠に失敗しました: %d", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/api/items", nil)
	list = decodeBody[itemListResponse](t, rec)
	if len(list.Items) != 2 {
		t.Errorf("解錠後に保留中の作成が実行されていません: %d", len(list.Items))
	}
}

func validItemBody() map[string]any {
	return map[string]any{
		"name":              "PLA Filament",
		"category":          "3D Printing",
		"quantity":          10,
		"unit":              "kg",
		"lowStockThreshold": 3,
	}
}

func TestItemCRUD(t *testing.T) {
	ts := newTestServer(t)
	ts.unlock(t)

	// 作成
	rec := ts.do(t, http.MethodPost, "/api/items", validItemBody())
	created := decodeBody[mutationResponse](t, rec)
	if !created.Applied || created.Item == nil {
		t.Fatalf("作成が適用されていません: %+v", created)
	}
	id := created.Item.ID

	// 取得
	rec = ts.do(t, http.MethodGet, "/api/items/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("取得に失敗しました: %d", rec.Code)
	}
	view := decodeBody[reconcile.ItemView](t, rec)
	if view.Name != "PLA Filament" || view.DisplayTier != "good" {
		t.Errorf("取得結果が不正です: %+v", view)
	}

	// 更新
	body := validItemBody()
	body["name"] = "PETG Filament"
	rec = ts.do(t, http.MethodPut, "/api/items/"+id, body)
	updated := decodeBody[mutationResponse](t, rec)
	if !updated.Applied || updated.Item.Name != "PETG Filament" {
		t.Errorf("更新が適用されていません: %+v", updated)
	}

	// 不正な入力は黙って拒否される
	body["category"] = "Nonsense"
	rec = ts.do(t, http.MethodPut, "/api/items/"+id, body)
	rejected := decodeBody[mutationResponse](t, rec)
	if rec.Code != http.StatusOK || rejected.Applied {
		t.Errorf("不正な入力の扱いが不正です: %d %+v", rec.Code, rejected)
	}

	// 削除
	rec = ts.do(t, http.MethodDelete, "/api/items/"+id, nil)
	deleted := decodeBody[mutationResponse](t, rec)
	if !deleted.Applied {
		t.Errorf("削除が適用されていません: %+v", deleted)
	}

	// 削除後の取得は404
	rec = ts.do(t, http.MethodGet, "/api/items/"+id, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("削除後の取得が404になりません: %d", rec.Code)
	}
}

func TestQuantityEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.unlock(t)

	rec := ts.do(t, http.MethodPost, "/api/items", validItemBody())
	id := decodeBody[mutationResponse](t, rec).Item.ID

	// 提案は実効数量に反映される
	ts.do(t, http.MethodPost, "/api/items/"+id+"/quantity/propose", quantityRequest{Quantity: 5})
	rec = ts.do(t, http.MethodGet, "/api/items/"+id, nil)
	view := decodeBody[reconcile.ItemView](t, rec)
	if view.EffectiveQuantity != 5 || view.Quantity != 10 || !view.PendingEdit {
		t.Fatalf("提案が反映されていません: %+v", view)
	}

	// 差分調整
	ts.do(t, http.MethodPost, "/api/items/"+id+"/quantity/adjust", deltaRequest{Delta: -2})
	rec = ts.do(t, http.MethodGet, "/api/items/"+id, nil)
	view = decodeBody[reconcile.ItemView](t, rec)
	if view.EffectiveQuantity != 3 {
		t.Fatalf("調整が反映されていません: %+v", view)
	}

	// 確定
	ts.do(t, http.MethodPost, "/api/items/"+id+"/quantity/commit", nil)
	rec = ts.do(t, http.MethodGet, "/api/items/"+id, nil)
	view = decodeBody[reconcile.ItemView](t, rec)
	if view.Quantity != 3 || view.PendingEdit {
		t.Fatalf("確定が反映されていません: %+v", view)
	}
	if view.DisplayTier != "low" {
		t.Errorf("表示ティアが不正です: %q", view.DisplayTier)
	}

	// 破棄
	ts.do(t, http.MethodPost, "/api/items/"+id+"/quantity/propose", quantityRequest{Quantity: 100})
	ts.do(t, http.MethodPost, "/api/items/"+id+"/quantity/discard", nil)
	rec = ts.do(t, http.MethodGet, "/api/items/"+id, nil)
	view = decodeBody[reconcile.ItemView](t, rec)
	if view.EffectiveQuantity != 3 {
		t.Errorf("破棄が反映されていません: %+v", view)
	}
}

func TestMemberEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.unlock(t)

	rec := ts.do(t, http.MethodPost, "/api/members", map[string]string{
		"name":      "Alice",
		"discordId": "<@111>",
	})
	added := decodeBody[memberMutationResponse](t, rec)
	if !added.Applied || added.Member.DiscordID != "111" {
		t.Fatalf("メンバー追加が不正です: %+v", added)
	}

	// 連絡先なしは拒否
	rec = ts.do(t, http.MethodPost, "/api/members", map[string]string{"name": "Bob"})
	rejected := decodeBody[memberMutationResponse](t, rec)
	if rejected.Applied {
		t.Error("連絡先のないメンバーが受理されました")
	}

	rec = ts.do(t, http.MethodGet, "/api/members", nil)
	list := decodeBody[memberListResponse](t, rec)
	if len(list.Members) != 1 {
		t.Fatalf("メンバー一覧が不正です: %+v", list)
	}

	rec = ts.do(t, http.MethodDelete, "/api/members/"+added.Member.ID, nil)
	deleted := decodeBody[memberMutationResponse](t, rec)
	if !deleted.Applied {
		t.Errorf("メンバー削除が適用されていません: %+v", deleted)
	}
}

func TestSettingsEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.unlock(t)

	// 初期状態は未設定
	rec := ts.do(t, http.MethodGet, "/api/settings", nil)
	settings := decodeBody[settingsResponse](t, rec)
	if settings.WebhookConfigured || settings.EmailConfigured {
		t.Errorf("初期状態が不正です: %+v", settings)
	}

	// Webhook URL保存
	rec = ts.do(t, http.MethodPut, "/api/settings/webhook", webhookRequest{URL: "https://discord.example.com/api/webhooks/1/x"})
	if rec.Code != http.StatusOK {
		t.Fatalf("Webhook保存に失敗しました: %d %s", rec.Code, rec.Body.String())
	}

	// プライベートIPのURLは拒否
	rec = ts.do(t, http.MethodPut, "/api/settings/webhook", webhookRequest{URL: "https://192.168.1.1/hook"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("危険なURLのステータスが不正です: %d", rec.Code)
	}

	// メール設定保存
	rec = ts.do(t, http.MethodPut, "/api/settings/email", notify.EmailConfig{
		ServiceID: "svc", TemplateID: "tpl", PublicKey: "key",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("メール設定保存に失敗しました: %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/api/settings", nil)
	settings = decodeBody[settingsResponse](t, rec)
	if !settings.WebhookConfigured || !settings.EmailConfigured {
		t.Errorf("保存後の状態が不正です: %+v", settings)
	}
}

func TestDigestSendNow(t *testing.T) {
	ts := newTestServer(t)
	ts.unlock(t)

	// LOWのアイテムと担当メンバーを用意
	rec := ts.do(t, http.MethodPost, "/api/members", map[string]string{"name": "Alice", "discordId": "111"})
	memberID := decodeBody[memberMutationResponse](t, rec).Member.ID

	body := validItemBody()
	body["quantity"] = 1
	body["assignedMemberId"] = memberID
	ts.do(t, http.MethodPost, "/api/items", body)
	ts.do(t, http.MethodPut, "/api/settings/webhook", webhookRequest{URL: "https://discord.example.com/api/webhooks/1/x"})

	rec = ts.do(t, http.MethodPost, "/api/digest/send", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("手動送信に失敗しました: %d %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[digestSendResponse](t, rec)
	if len(resp.Deliveries) != 1 {
		t.Fatalf("配送結果が不正です: %+v", resp)
	}
	if !resp.Deliveries[0].Delivered || resp.Deliveries[0].Channel != "webhook" {
		t.Errorf("配送結果の内容が不正です: %+v", resp.Deliveries[0])
	}
}

func TestGateStatus(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/gate", nil)
	status := decodeBody[gate.Status](t, rec)
	if status.Unlocked || status.SecretSet {
		t.Errorf("初期状態が不正です: %+v", status)
	}

	ts.unlock(t)
	rec = ts.do(t, http.MethodGet, "/api/gate", nil)
	status = decodeBody[gate.Status](t, rec)
	if !status.Unlocked || !status.SecretSet {
		t.Errorf("解錠後の状態が不正です: %+v", status)
	}

	// パスワード削除
	rec = ts.do(t, http.MethodDelete, "/api/gate/secret", nil)
	status = decodeBody[gate.Status](t, rec)
	if status.SecretSet {
		t.Errorf("削除後の状態が不正です: %+v", status)
	}
}

func TestBadRequestBody(t *testing.T) {
	ts := newTestServer(t)
	ts.unlock(t)

	req := httptest.NewRequest(http.MethodPost, "/api/items", bytes.NewReader([]byte("not json")))
	req.RemoteAddr = "203.0.113.1:1234"
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("不正なボディのステータスが不正です: %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("メトリクスエンドポイントが失敗しました: %d", rec.Code)
	}
}
