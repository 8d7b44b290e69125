package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/stockwatch/internal/model"
)

func TestLoggingMiddleware_RecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := NewLoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/items/unknown", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("ログのパースに失敗しました: %v", err)
	}
	if entry["status"] != float64(404) {
		t.Errorf("ステータスが不正です: %v", entry["status"])
	}
	if entry["method"] != "GET" {
		t.Errorf("メソッドが不正です: %v", entry["method"])
	}
	if entry["level"] != "WARN" {
		t.Errorf("4xxのログレベルが不正です: %v", entry["level"])
	}
}

func TestLoggingMiddleware_DefaultStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := NewLoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("ログのパースに失敗しました: %v", err)
	}
	if entry["status"] != float64(200) {
		t.Errorf("暗黙の200が記録されていません: %v", entry["status"])
	}
}

func TestRateLimiter_GeneralAllowsAndBlocks(t *testing.T) {
	cfg := RateLimiterConfig{
		GeneralRate:     rate.Limit(1),
		GeneralBurst:    2,
		UnlockRate:      rate.Limit(1),
		UnlockBurst:     1,
		CleanupInterval: time.Minute,
	}
	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	status := func() int {
		req := httptest.NewRequest(http.MethodGet, "/api/items", nil)
		req.RemoteAddr = "203.0.113.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if status() != http.StatusOK || status() != http.StatusOK {
		t.Fatal("バースト内のリクエストが拒否されました")
	}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/items", nil)
	req.RemoteAddr = "203.0.113.1:1234"
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("バースト超過が429になりません: %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-Afterヘッダーがありません")
	}

	// 別クライアントは独立に制限される
	req2 := httptest.NewRequest(http.MethodGet, "/api/items", nil)
	req2.RemoteAddr = "203.0.113.2:1234"
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Errorf("別クライアントが巻き添えで制限されました: %d", rec2.Code)
	}
	if rl.GeneralLimiterCount() != 2 {
		t.Errorf("リミッターのエントリ数が不正です: %d", rl.GeneralLimiterCount())
	}
}

func TestRateLimiter_UnlockIndependent(t *testing.T) {
	cfg := DefaultRateLimiterConfig()
	cfg.UnlockBurst = 1
	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handler := rl.UnlockMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/gate/unlock", nil)
	req.RemoteAddr = "203.0.113.1:1234"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("1回目の解錠試行が拒否されました: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("解錠試行のバースト超過が429になりません: %d", rec.Code)
	}
}

func TestCORSMiddleware(t *testing.T) {
	handler := NewCORSMiddleware("https://stockwatch.example.com")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/items", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("プリフライトの応答が不正です: %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://stockwatch.example.com" {
		t.Errorf("Allow-Originが不正です: %q", got)
	}
	// Cookieを使わないためcredentialsは許可しない
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "" {
		t.Errorf("Allow-Credentialsが設定されています: %q", got)
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	handler := NewSecurityHeadersMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/items", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Optionsが不正です: %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Controlが不正です: %q", got)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	handler := NewRecoveryMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/items", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("panic後の応答が500になりません: %d", rec.Code)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("panic後のボディがJSONではありません: %v", err)
	}
	if body.Code != "INTERNAL_ERROR" {
		t.Errorf("コードが不正です: %q", body.Code)
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Error("panicのログが出力されていません")
	}
}

func TestWriteAPIError_DerivesStatusFromCode(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteAPIError(rec, model.NewGateLockedError())

	if rec.Code != http.StatusForbidden {
		t.Errorf("ステータスが不正です: %d", rec.Code)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("ボディのパースに失敗しました: %v", err)
	}
	if body.Code != model.ErrCodeGateLocked {
		t.Errorf("コードが不正です: %q", body.Code)
	}
	if body.Category != "auth" || body.Action == "" {
		t.Errorf("カテゴリまたは対処方法が不正です: %+v", body)
	}
}

func TestWriteInternalServerError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteInternalServerError(rec)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("ステータスが不正です: %d", rec.Code)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("ボディのパースに失敗しました: %v", err)
	}
	if body.Code != "INTERNAL_ERROR" || body.Category != "system" {
		t.Errorf("ボディが不正です: %+v", body)
	}
}
