package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestMemoryStore_GetAbsent(t *testing.T) {
	m := NewMemoryStore()

	_, ok, err := m.Get(context.Background(), PathInventory)
	if err != nil {
		t.Fatalf("Get がエラーを返した: %v", err)
	}
	if ok {
		t.Error("存在しないドキュメントでok=trueが返った")
	}
}

func TestMemoryStore_SetAndGet(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	fields := Document{"rev": json.RawMessage(`1`)}
	if err := m.Set(ctx, PathInventory, fields, false); err != nil {
		t.Fatalf("Set がエラーを返した: %v", err)
	}

	doc, ok, err := m.Get(ctx, PathInventory)
	if err != nil || !ok {
		t.Fatalf("Get = (ok=%v, err=%v), want (true, nil)", ok, err)
	}
	if string(doc["rev"]) != "1" {
		t.Errorf("rev = %s, want 1", doc["rev"])
	}
}

func TestMemoryStore_MergeKeepsOtherFields(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	m.Set(ctx, PathConfig, Document{"a": json.RawMessage(`"1"`)}, true)
	m.Set(ctx, PathConfig, Document{"b": json.RawMessage(`"2"`)}, true)

	doc, _, _ := m.Get(ctx, PathConfig)
	if string(doc["a"]) != `"1"` || string(doc["b"]) != `"2"` {
		t.Errorf("マージ書き込みが既存フィールドを保持していない: %v", doc)
	}

	// merge=falseは全置換
	m.Set(ctx, PathConfig, Document{"c": json.RawMessage(`"3"`)}, false)
	doc, _, _ = m.Get(ctx, PathConfig)
	if _, ok := doc["a"]; ok {
		t.Error("置換書き込み後に旧フィールドが残っている")
	}
}

func TestMemoryStore_SubscribeDeliversChanges(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	received := make(chan Document, 1)
	cancel, err := m.Subscribe(ctx, PathInventory, func(d Document) {
		received <- d
	}, func(error) {})
	if err != nil {
		t.Fatalf("Subscribe がエラーを返した: %v", err)
	}
	defer cancel()

	m.Set(ctx, PathInventory, Document{"rev": json.RawMessage(`5`)}, false)

	select {
	case doc := <-received:
		if string(doc["rev"]) != "5" {
			t.Errorf("配送されたrev = %s, want 5", doc["rev"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("変更通知が配送されなかった")
	}
}

func TestMemoryStore_CancelStopsDelivery(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	received := make(chan Document, 4)
	cancel, _ := m.Subscribe(ctx, PathInventory, func(d Document) {
		received <- d
	}, func(error) {})

	cancel()
	m.Set(ctx, PathInventory, Document{"rev": json.RawMessage(`1`)}, false)

	select {
	case <-received:
		t.Error("購読解除後に通知が配送された")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryStore_SetErr(t *testing.T) {
	m := NewMemoryStore()
	m.SetErr = errors.New("boom")

	if err := m.Set(context.Background(), PathInventory, Document{}, false); err == nil {
		t.Error("SetErr設定時にSetが成功した")
	}
}
