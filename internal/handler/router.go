package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/taskmirror/internal/middleware"
)

// HealthChecker はヘルスチェックに必要なインターフェース。
// *sql.DBがそのまま満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	TokenVerifier     middleware.TokenVerifier
	Logger            *slog.Logger
	RequestMetrics    middleware.RequestMetrics

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// タスク
	TaskService TaskServiceInterface

	// リアルタイム配信（WebSocketハンドシェイク）
	WSHandler http.HandlerFunc

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	CORS → SecurityHeaders → Logging → Recovery → Auth → RateLimit(General)
//
// 認証ルート（/auth/*）・WebSocket・運用エンドポイントは認証ミドルウェアの外に配置する。
// WebSocketはハンドシェイク時にクエリパラメータのアクセストークンを自前で検証する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger, deps.RequestMetrics))
	r.Use(middleware.NewRecoveryMiddleware())

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	taskHandler := NewTaskHandler(deps.TaskService)

	// --- 認証不要のルート ---

	r.Route("/auth", func(r chi.Router) {
		r.Post("/google", authHandler.Login)
		r.Post("/refresh", authHandler.Refresh)
		r.Post("/logout", authHandler.Logout)

		// /auth/meのみアクセストークンが必要
		r.With(middleware.NewAuthMiddleware(deps.TokenVerifier)).Get("/me", authHandler.Me)
	})

	// WebSocketハンドシェイク
	if deps.WSHandler != nil {
		r.Get("/ws", deps.WSHandler)
	}

	// 運用エンドポイント
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Auth → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAuthMiddleware(deps.TokenVerifier))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/api/tasks", func(r chi.Router) {
			r.Get("/", taskHandler.ListTasks)

			// 変更系には専用レート制限を追加
			r.With(deps.RateLimiter.MutationMiddleware()).Post("/", taskHandler.CreateTask)

			r.Route("/{id}", func(r chi.Router) {
				r.With(deps.RateLimiter.MutationMiddleware()).Patch("/", taskHandler.UpdateTask)
				r.With(deps.RateLimiter.MutationMiddleware()).Delete("/", taskHandler.DeleteTask)
			})
		})
	})

	return r
}

// healthHandler はDB接続を確認して200/503を返すハンドラーを生成する。
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			if err := checker.PingContext(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "unavailable",
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
