package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// redisDocKey はドキュメント保存用キーのフォーマット: stockwatch:doc:{path}
	redisDocKey = "stockwatch:doc:%s"
	// redisChannel はドキュメント変更通知のPub/Subチャンネル。ペイロードはパス。
	redisChannel = "stockwatch:documents"
)

// RedisStore はRedisをバックエンドとするDocumentStore実装。
// ドキュメントはJSON文字列として1キーに保存し、変更購読はPub/Subで実現する。
// マージ書き込みはread-modify-writeで行う（単一編集セッション前提、last writer wins）。
type RedisStore struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// OpenRedis はRedis接続を開いてRedisStoreを生成する。
func OpenRedis(addr string, logger *slog.Logger) *RedisStore {
	r := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	return &RedisStore{rdb: r, logger: logger}
}

// Ping はRedisへの疎通を確認する。
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close はRedis接続を閉じる。
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// Get は指定パスのドキュメントを取得する。
func (s *RedisStore) Get(ctx context.Context, path string) (Document, bool, error) {
	raw, err := s.rdb.Get(ctx, fmt.Sprintf(redisDocKey, path)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("ドキュメントの取得に失敗しました (%s): %w", path, err)
	}

	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, false, fmt.Errorf("ドキュメントのパースに失敗しました (%s): %w", path, err)
	}
	return doc, true, nil
}

// Set はドキュメントを書き込み、変更をPub/Subで通知する。
func (s *RedisStore) Set(ctx context.Context, path string, fields Document, merge bool) error {
	doc := fields
	if merge {
		existing, ok, err := s.Get(ctx, path)
		if err != nil {
			return err
		}
		if ok {
			for k, v := range fields {
				existing[k] = v
			}
			doc = existing
		}
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("ドキュメントのシリアライズに失敗しました (%s): %w", path, err)
	}

	if err := s.rdb.Set(ctx, fmt.Sprintf(redisDocKey, path), raw, 0).Err(); err != nil {
		return fmt.Errorf("ドキュメントの書き込みに失敗しました (%s): %w", path, err)
	}

	if err := s.rdb.Publish(ctx, redisChannel, path).Err(); err != nil {
		// 通知失敗は書き込み自体の失敗にはしない。次の購読者再取得で追いつく。
		s.logger.Warn("ドキュメント変更通知の発行に失敗しました",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// Subscribe はPub/Subで指定パスの変更を購読する。
// 通知を受けるたびに最新ドキュメントを再取得してonChangeに渡す。
func (s *RedisStore) Subscribe(ctx context.Context, path string, onChange func(Document), onError func(error)) (func(), error) {
	pubsub := s.rdb.Subscribe(ctx, redisChannel)

	// 購読確立の確認
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("Pub/Sub購読の開始に失敗しました: %w", err)
	}

	go func() {
		for msg := range pubsub.Channel() {
			if msg.Payload != path {
				continue
			}
			doc, ok, err := s.Get(ctx, path)
			if err != nil {
				onError(err)
				continue
			}
			if ok {
				onChange(doc)
			}
		}
	}()

	cancel := func() {
		if err := pubsub.Close(); err != nil {
			s.logger.Error("Pub/Sub購読のクローズに失敗しました", slog.String("error", err.Error()))
		}
	}
	return cancel, nil
}
