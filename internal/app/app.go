// Package app はアプリケーションの起動と依存関係のワイヤリングを提供する。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/stockwatch/internal/alert"
	"github.com/hitoshi/stockwatch/internal/config"
	"github.com/hitoshi/stockwatch/internal/digest"
	"github.com/hitoshi/stockwatch/internal/gate"
	"github.com/hitoshi/stockwatch/internal/handler"
	"github.com/hitoshi/stockwatch/internal/logger"
	"github.com/hitoshi/stockwatch/internal/metrics"
	"github.com/hitoshi/stockwatch/internal/middleware"
	"github.com/hitoshi/stockwatch/internal/notify"
	"github.com/hitoshi/stockwatch/internal/reconcile"
	"github.com/hitoshi/stockwatch/internal/security"
	"github.com/hitoshi/stockwatch/internal/store"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("store_driver", cfg.StoreDriver),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandDigestNow:
		return runDigestNow(cfg)
	default:
		return runServe(cfg)
	}
}

// documentStore はopenStoreが返すストアの共通インターフェース。
type documentStore interface {
	store.DocumentStore
	Ping(ctx context.Context) error
}

// openStore は設定されたドライバでドキュメントストアを開く。
// 返り値のclose関数は呼び出し側が終了時に呼ぶこと。
func openStore(cfg *config.Config) (documentStore, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pg, err := store.OpenPostgres(cfg.DatabaseURL, slog.Default())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return pg, func() { pg.Close() }, nil
	case config.DriverRedis:
		rd := store.OpenRedis(cfg.RedisAddr, slog.Default())
		return rd, func() { rd.Close() }, nil
	case config.DriverMemory:
		return store.NewMemoryStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver: %s", cfg.StoreDriver)
	}
}

// buildEngine はストアの上に調停エンジンと通知系をワイヤリングする。
func buildEngine(cfg *config.Config, docStore store.DocumentStore, recorder metrics.Recorder) (*reconcile.Engine, *store.ConfigClient, *digest.Scheduler, error) {
	configClient := store.NewConfigClient(docStore)

	guard := security.NewWebhookGuard()
	sanitizer := security.NewTextSanitizer()

	// 通知のアウトバウンドはすべてSSRF防止付きクライアント経由
	safeClient := guard.NewSafeClient(cfg.WebhookTimeout)
	webhookSender := notify.NewWebhookClient(safeClient, slog.Default())
	emailSender := notify.NewEmailClient(safeClient, slog.Default())

	tracker := alert.New(configClient, webhookSender, recorder, slog.Default())
	engine := reconcile.NewEngine(docStore, configClient, tracker, guard, sanitizer, recorder, slog.Default(), cfg.BaseURL)

	loc, err := cfg.Location()
	if err != nil {
		return nil, nil, nil, err
	}
	scheduler := digest.NewScheduler(engine, configClient, webhookSender, emailSender, recorder, slog.Default(), loc, cfg.DigestCheckInterval)

	return engine, configClient, scheduler, nil
}

// runServe はAPIサーバーモードで起動する。
// ストアを開き、全依存関係をワイヤリングし、HTTPサーバーと
// ダイジェストスケジューラを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. ストア接続
	docStore, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer pingCancel()
	if err := docStore.Ping(pingCtx); err != nil {
		return fmt.Errorf("failed to connect to store: %w", err)
	}

	slog.Info("store connection established")

	// 2. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 3. エンジンと通知系のワイヤリング
	engine, configClient, scheduler, err := buildEngine(cfg, docStore, collector)
	if err != nil {
		return err
	}

	// 4. エンジンの開始（初期読み込みと購読）
	engineCtx, engineCancel := context.WithCancel(context.Background())
	defer engineCancel()

	if err := engine.Start(engineCtx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer engine.Stop()

	// 5. ダイジェストスケジューラをバックグラウンドで起動
	go scheduler.Run(engineCtx)

	// 6. ルーターの構築
	limiterCfg := middleware.DefaultRateLimiterConfig()
	limiterCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
	limiterCfg.GeneralBurst = cfg.RateLimitGeneral
	limiterCfg.UnlockRate = rate.Limit(float64(cfg.RateLimitUnlock) / 60.0)
	limiterCfg.UnlockBurst = cfg.RateLimitUnlock
	rateLimiter := middleware.NewRateLimiter(limiterCfg)
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Engine:            engine,
		Gate:              gate.New(configClient, slog.Default()),
		Scheduler:         scheduler,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Logger:            slog.Default(),
		Pinger:            docStore,
		Gatherer:          registry,
	}
	router := handler.NewRouter(deps)

	// 7. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	// スケジューラと購読を先に止め、処理中のリクエストを待つ
	engineCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// postgresドライバ以外では何もしない。
func runMigrate(cfg *config.Config) error {
	if cfg.StoreDriver != config.DriverPostgres {
		slog.Info("migrations are only applicable to the postgres driver, skipping",
			slog.String("store_driver", cfg.StoreDriver),
		)
		return nil
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runDigestNow はダイジェストを即座に送信して終了する。
// cronなど外部スケジューラからの運用トリガ用。
func runDigestNow(cfg *config.Config) error {
	docStore, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	engine, _, scheduler, err := buildEngine(cfg, docStore, metrics.Nop{})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer engine.Stop()

	results := scheduler.Send(ctx)
	for _, result := range results {
		slog.Info("digest delivery",
			slog.String("channel", result.Channel),
			slog.String("recipient", result.Recipient),
			slog.Bool("delivered", result.Delivered),
		)
	}

	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /healthz エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/healthz", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
