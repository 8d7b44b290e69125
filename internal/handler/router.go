// Package handler は在庫・通知APIのHTTPハンドラーとルーティングを提供する。
package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/stockwatch/internal/digest"
	"github.com/hitoshi/stockwatch/internal/gate"
	"github.com/hitoshi/stockwatch/internal/metrics"
	"github.com/hitoshi/stockwatch/internal/middleware"
	"github.com/hitoshi/stockwatch/internal/model"
	"github.com/hitoshi/stockwatch/internal/reconcile"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Engine    *reconcile.Engine
	Gate      *gate.Gate
	Scheduler *digest.Scheduler

	// ミドルウェア依存
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger

	// ヘルスチェックと計測
	Pinger   Pinger
	Gatherer prometheus.Gatherer
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → CORS → SecurityHeaders → RateLimit(General)
//
// ヘルスチェックとメトリクスはレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	itemHandler := NewItemHandler(deps.Engine, deps.Gate)
	memberHandler := NewMemberHandler(deps.Engine, deps.Gate)
	settingsHandler := NewSettingsHandler(deps.Engine, deps.Gate)
	gateHandler := NewGateHandler(deps.Gate)
	digestHandler := NewDigestHandler(deps.Scheduler, deps.Gate)
	healthHandler := NewHealthHandler(deps.Engine, deps.Pinger)

	// --- レート制限の外のルート ---
	r.Get("/healthz", healthHandler.Healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))

	// --- APIルート ---
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// アイテム管理
		r.Route("/api/items", func(r chi.Router) {
			r.Get("/", itemHandler.ListItems)
			r.Post("/", itemHandler.CreateItem)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", itemHandler.GetItem)
				r.Put("/", itemHandler.UpdateItem)
				r.Delete("/", itemHandler.DeleteItem)

				// 数量の楽観編集
				r.Route("/quantity", func(r chi.Router) {
					r.Post("/propose", itemHandler.ProposeQuantity)
					r.Post("/adjust", itemHandler.AdjustQuantity)
					r.Post("/commit", itemHandler.CommitQuantity)
					r.Post("/discard", itemHandler.DiscardQuantity)
				})
			})
		})

		// メンバー名簿
		r.Route("/api/members", func(r chi.Router) {
			r.Get("/", memberHandler.ListMembers)
			r.Post("/", memberHandler.AddMember)
			r.Delete("/{id}", memberHandler.DeleteMember)
		})

		// 通知チャネル設定
		r.Route("/api/settings", func(r chi.Router) {
			r.Get("/", settingsHandler.GetSettings)
			r.Put("/webhook", settingsHandler.SaveWebhook)
			r.Put("/email", settingsHandler.SaveEmail)
		})

		// アクセスゲート
		r.Route("/api/gate", func(r chi.Router) {
			r.Get("/", gateHandler.Status)

			// 解錠試行は総当たり対策の専用レート制限を追加
			r.With(deps.RateLimiter.UnlockMiddleware()).Post("/unlock", gateHandler.Unlock)
			r.Post("/lock", gateHandler.Lock)
			r.Put("/secret", gateHandler.SetSecret)
			r.Delete("/secret", gateHandler.RemoveSecret)
		})

		// ダイジェストの手動トリガ
		r.Post("/api/digest/send", digestHandler.SendNow)
	})

	return r
}

// handleServiceError はサービス層のエラーをHTTPレスポンスに対応付ける。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		middleware.WriteInternalServerError(w)
		return
	}
	middleware.WriteAPIError(w, apiErr)
}
