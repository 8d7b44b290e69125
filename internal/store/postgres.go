package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// notifyChannel はドキュメント変更通知用のLISTEN/NOTIFYチャンネル名。
// 変更トリガーがNOTIFYのペイロードとしてドキュメントパスを送る。
const notifyChannel = "stockwatch_documents"

// PostgresStore はPostgreSQLをバックエンドとするDocumentStore実装。
// documentsテーブルの1行が1論理ドキュメントに対応し、
// 変更購読はpq.ListenerによるLISTEN/NOTIFYで実現する。
type PostgresStore struct {
	db     *sql.DB
	dsn    string
	logger *slog.Logger
}

// OpenPostgres はPostgreSQL接続を開いてPostgresStoreを生成する。
// sql.Openは接続を試行しないため、実際の接続確認にはPing()を使用すること。
func OpenPostgres(dsn string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続のオープンに失敗しました: %w", err)
	}
	return &PostgresStore{db: db, dsn: dsn, logger: logger}, nil
}

// Ping はデータベースへの疎通を確認する。
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close はデータベース接続を閉じる。
func (p *PostgresStore) Close() error {
	return p.db.Close()
}

// Get は指定パスのドキュメントを取得する。
func (p *PostgresStore) Get(ctx context.Context, path string) (Document, bool, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE path = $1`, path,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("ドキュメントの取得に失敗しました (%s): %w", path, err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false, fmt.Errorf("ドキュメントのパースに失敗しました (%s): %w", path, err)
	}
	return doc, true, nil
}

// Set はドキュメントをUPSERTする。
// merge=trueの場合はjsonbの連結演算子で既存フィールドを保持したまま上書きする。
// 書き込みはdocumentsテーブルのトリガー経由でNOTIFYを発行する。
func (p *PostgresStore) Set(ctx context.Context, path string, fields Document, merge bool) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("ドキュメントのシリアライズに失敗しました (%s): %w", path, err)
	}

	query := `
		INSERT INTO documents (path, data, updated_at)
		VALUES ($1, $2::jsonb, now())
		ON CONFLICT (path)
		DO UPDATE SET data = EXCLUDED.data, updated_at = now()`
	if merge {
		query = `
		INSERT INTO documents (path, data, updated_at)
		VALUES ($1, $2::jsonb, now())
		ON CONFLICT (path)
		DO UPDATE SET data = documents.data || EXCLUDED.data, updated_at = now()`
	}

	if _, err := p.db.ExecContext(ctx, query, path, raw); err != nil {
		return fmt.Errorf("ドキュメントの書き込みに失敗しました (%s): %w", path, err)
	}
	return nil
}

// Subscribe はLISTEN/NOTIFYで指定パスの変更を購読する。
// 通知を受けるたびに最新ドキュメントを再取得してonChangeに渡す。
// 返されるキャンセル関数はリスナーを閉じて購読goroutineを停止する。
func (p *PostgresStore) Subscribe(ctx context.Context, path string, onChange func(Document), onError func(error)) (func(), error) {
	listener := pq.NewListener(p.dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			p.logger.Error("リスナーイベントでエラーが発生しました",
				slog.Int("event", int(ev)),
				slog.String("error", err.Error()),
			)
		}
	})

	if err := listener.Listen(notifyChannel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("LISTENの開始に失敗しました: %w", err)
	}

	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case n := <-listener.Notify:
				// 再接続直後はnilが届く。取りこぼしを避けるため再取得する。
				if n != nil && n.Extra != path {
					continue
				}
				doc, ok, err := p.Get(ctx, path)
				if err != nil {
					onError(err)
					continue
				}
				if ok {
					onChange(doc)
				}
			case <-time.After(90 * time.Second):
				// アイドル時は接続の生存確認を行う
				if err := listener.Ping(); err != nil {
					onError(fmt.Errorf("リスナーの疎通確認に失敗しました: %w", err))
				}
			}
		}
	}()

	cancel := func() {
		close(done)
		if err := listener.Close(); err != nil {
			p.logger.Error("リスナーのクローズに失敗しました", slog.String("error", err.Error()))
		}
	}
	return cancel, nil
}
