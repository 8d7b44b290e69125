package store

import (
	"context"
	"sync"
)

// MemoryStore はテスト用のインメモリDocumentStore実装。
// 変更通知は購読者ごとに別goroutineで非同期配送される
// （実アダプタと同じく、書き込み呼び出しと購読コールバックは同期しない）。
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]Document
	subs map[string][]*memorySub

	// SetErr を設定すると以後のSetがこのエラーを返す（永続化失敗の再現用）。
	SetErr error
}

type memorySub struct {
	onChange func(Document)
	closed   bool
}

// NewMemoryStore は空のMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]Document),
		subs: make(map[string][]*memorySub),
	}
}

// Get は指定パスのドキュメントのコピーを返す。
func (m *MemoryStore) Get(ctx context.Context, path string) (Document, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[path]
	if !ok {
		return nil, false, nil
	}
	return doc.Clone(), true, nil
}

// Set はドキュメントを書き込み、購読者に通知する。
func (m *MemoryStore) Set(ctx context.Context, path string, fields Document, merge bool) error {
	m.mu.Lock()
	if m.SetErr != nil {
		err := m.SetErr
		m.mu.Unlock()
		return err
	}

	var doc Document
	if merge {
		doc = m.docs[path].Clone()
		if doc == nil {
			doc = make(Document)
		}
		for k, v := range fields {
			doc[k] = v
		}
	} else {
		doc = fields.Clone()
	}
	m.docs[path] = doc

	notified := doc.Clone()
	var targets []*memorySub
	for _, s := range m.subs[path] {
		if !s.closed {
			targets = append(targets, s)
		}
	}
	m.mu.Unlock()

	for _, s := range targets {
		go s.onChange(notified)
	}
	return nil
}

// Subscribe は指定パスの変更購読を登録する。
func (m *MemoryStore) Subscribe(ctx context.Context, path string, onChange func(Document), onError func(error)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := &memorySub{onChange: onChange}
	m.subs[path] = append(m.subs[path], sub)

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		sub.closed = true
	}
	return cancel, nil
}

// Ping は常に成功する。
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
