package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/taskmirror/internal/middleware"
	"github.com/hitoshi/taskmirror/internal/model"
	"github.com/hitoshi/taskmirror/internal/task"
)

// mockRouterVerifier は固定のユーザーIDを返すトークン検証モック。
type mockRouterVerifier struct {
	userID string
}

func (m *mockRouterVerifier) VerifyAccess(accessToken string) (string, error) {
	if accessToken == "valid-token" {
		return m.userID, nil
	}
	return "", errors.New("invalid token")
}

// mockHealthChecker は固定の結果を返すヘルスチェックモック。
type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(ctx context.Context) error {
	return m.err
}

func newTestRouter(t *testing.T, health HealthChecker) http.Handler {
	t.Helper()

	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(rl.Stop)

	taskService := &mockTaskService{
		listFunc: func(ctx context.Context, ownerID string) ([]*model.Task, error) {
			return []*model.Task{}, nil
		},
		createFunc: func(ctx context.Context, ownerID string, input task.CreateInput) (*task.Result, error) {
			return &task.Result{Task: sampleTask(), Mirrored: true}, nil
		},
	}

	return NewRouter(&RouterDeps{
		CORSAllowedOrigin: "https://app.example.com",
		RateLimiter:       rl,
		TokenVerifier:     &mockRouterVerifier{userID: "user-1"},
		Logger:            slog.New(slog.NewJSONHandler(io.Discard, nil)),
		AuthService:       &mockAuthService{},
		TaskService:       taskService,
		HealthChecker:     health,
	})
}

// TestRouter_TaskRoutesRequireAuth はタスクAPIが未認証リクエストを
// 401で拒否することを検証する。
func TestRouter_TaskRoutesRequireAuth(t *testing.T) {
	router := newTestRouter(t, nil)

	tests := []struct {
		method string
		target string
	}{
		{http.MethodGet, "/api/tasks/"},
		{http.MethodPost, "/api/tasks/"},
		{http.MethodPatch, "/api/tasks/task-1/"},
		{http.MethodDelete, "/api/tasks/task-1/"},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.target, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, nil)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
		})
	}
}

// TestRouter_TaskRoutesWithValidToken は有効なトークンでタスクAPIに
// 到達できることを検証する。
func TestRouter_TaskRoutesWithValidToken(t *testing.T) {
	router := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/", nil)
	req.Header.Set("Authorization", "Bearer valid-token")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

// TestRouter_HealthEndpointDoesNotRequireAuth はヘルスチェックが
// 認証なしで到達できることを検証する。
func TestRouter_HealthEndpointDoesNotRequireAuth(t *testing.T) {
	router := newTestRouter(t, &mockHealthChecker{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

// TestRouter_HealthEndpointReports503OnDBFailure はDB接続失敗時に
// 503が返ることを検証する。
func TestRouter_HealthEndpointReports503OnDBFailure(t *testing.T) {
	router := newTestRouter(t, &mockHealthChecker{err: errors.New("connection refused")})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

// TestRouter_AuthRoutesOutsideAuthMiddleware はログイン・リフレッシュが
// 認証ミドルウェアの外にあることを検証する。
func TestRouter_AuthRoutesOutsideAuthMiddleware(t *testing.T) {
	router := newTestRouter(t, nil)

	// Bearerヘッダーなしでもハンドラーまで到達する（400はハンドラー自身の応答）
	req := httptest.NewRequest(http.MethodPost, "/auth/google", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

// TestRouter_MeRequiresAccessToken は/auth/meのみアクセストークンが
// 必要なことを検証する。
func TestRouter_MeRequiresAccessToken(t *testing.T) {
	router := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

// TestRouter_PreflightHandledBeforeAuth はOPTIONSプリフライトが認証前に
// 処理されることを検証する。
func TestRouter_PreflightHandledBeforeAuth(t *testing.T) {
	router := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/tasks/", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Allow-Origin = %q, want https://app.example.com", got)
	}
}

// TestRouter_SecurityHeadersApplied は全レスポンスにセキュリティヘッダーが
// 付与されることを検証する。
func TestRouter_SecurityHeadersApplied(t *testing.T) {
	router := newTestRouter(t, &mockHealthChecker{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
}
