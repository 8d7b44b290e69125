// Package gate は編集操作のアクセスゲートを提供する。
// 共有パスワード1つで解錠し、解錠されるまで変更系の操作を保留する。
package gate

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"sync"

	"github.com/hitoshi/stockwatch/internal/model"
	"github.com/hitoshi/stockwatch/internal/store"
)

// Action はゲート解錠後に実行される保留アクション。
type Action func(ctx context.Context) error

// Gate は変更系操作のアクセスゲート。
// 保留スロットは1つだけで、新しい保留アクションは古いものを置き換える。
type Gate struct {
	mu       sync.Mutex
	cfg      *store.ConfigClient
	logger   *slog.Logger
	unlocked bool
	pending  Action
}

// Status はゲートの現在状態。
type Status struct {
	Unlocked  bool `json:"unlocked"`
	SecretSet bool `json:"secretSet"`
}

// New はGateの新しいインスタンスを生成する。
func New(cfg *store.ConfigClient, logger *slog.Logger) *Gate {
	return &Gate{cfg: cfg, logger: logger}
}

// Require はactionを解錠済みなら即座に実行し、未解錠なら保留して
// ゲートエラーを返す。保留中のアクションは解錠成功時に1回だけ実行される。
func (g *Gate) Require(ctx context.Context, action Action) error {
	g.mu.Lock()
	if g.unlocked {
		g.mu.Unlock()
		return action(ctx)
	}
	g.pending = action
	g.mu.Unlock()

	secret, err := g.cfg.GetString(ctx, store.KeyPassword)
	if err != nil {
		return err
	}
	if secret == "" {
		return model.NewGateSetupRequiredError()
	}
	return model.NewGateLockedError()
}

// Unlock はパスワードを検証し、一致すればゲートを解錠して
// 保留中のアクションを実行する。
func (g *Gate) Unlock(ctx context.Context, password string) error {
	secret, err := g.cfg.GetString(ctx, store.KeyPassword)
	if err != nil {
		return err
	}
	if secret == "" {
		return model.NewGateSetupRequiredError()
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(password)) != 1 {
		return model.NewBadCredentialsError()
	}

	g.mu.Lock()
	g.unlocked = true
	pending := g.pending
	g.pending = nil
	g.mu.Unlock()

	return g.runPending(ctx, pending)
}

// SetSecret は新しいパスワードを保存し、ゲートを解錠して
// 保留中のアクションを実行する。パスワードの初期設定と変更の両方に使う。
func (g *Gate) SetSecret(ctx context.Context, password string) error {
	if err := g.cfg.SetString(ctx, store.KeyPassword, password); err != nil {
		return err
	}

	g.mu.Lock()
	g.unlocked = true
	pending := g.pending
	g.pending = nil
	g.mu.Unlock()

	g.logger.Info("ゲートのパスワードを更新しました")
	return g.runPending(ctx, pending)
}

// RemoveSecret はパスワードを削除する。次回のRequireは再設定を要求する。
func (g *Gate) RemoveSecret(ctx context.Context) error {
	if err := g.cfg.SetString(ctx, store.KeyPassword, ""); err != nil {
		return err
	}
	g.logger.Info("ゲートのパスワードを削除しました")
	return nil
}

// Lock はゲートを施錠し、保留中のアクションを破棄する。
func (g *Gate) Lock() {
	g.mu.Lock()
	g.unlocked = false
	g.pending = nil
	g.mu.Unlock()
}

// CurrentStatus はゲートの現在状態を返す。
func (g *Gate) CurrentStatus(ctx context.Context) (Status, error) {
	secret, err := g.cfg.GetString(ctx, store.KeyPassword)
	if err != nil {
		return Status{}, err
	}
	g.mu.Lock()
	unlocked := g.unlocked
	g.mu.Unlock()
	return Status{Unlocked: unlocked, SecretSet: secret != ""}, nil
}

// runPending は保留アクションを実行する。保留がなければ何もしない。
// 保留アクションの失敗は解錠自体の失敗にはしない。
func (g *Gate) runPending(ctx context.Context, pending Action) error {
	if pending == nil {
		return nil
	}
	if err := pending(ctx); err != nil {
		g.logger.Error("保留アクションの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
	return nil
}
