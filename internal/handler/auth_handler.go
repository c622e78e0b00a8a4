// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitoshi/taskmirror/internal/auth"
	"github.com/hitoshi/taskmirror/internal/middleware"
	"github.com/hitoshi/taskmirror/internal/model"
)

// refreshCookieName はリフレッシュトークンを保持するHTTP Only Cookieの名前。
// Pathを/authに限定し、APIリクエストには載せない。
const refreshCookieName = "refresh_token"

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Login(ctx context.Context, idToken string) (*model.User, *auth.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (string, error)
	Revoke(ctx context.Context, refreshToken string)
	GetUser(ctx context.Context, userID string) (*model.User, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	CookieDomain  string
	CookieSecure  bool
	RefreshMaxAge int // リフレッシュCookieの有効期間（秒）
}

// AuthHandler はトークンライフサイクル関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		config:  config,
	}
}

// loginRequest はログインリクエストのボディ。
type loginRequest struct {
	IDToken string `json:"id_token"`
}

// userResponse はユーザー情報のレスポンス。
type userResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// loginResponse はログイン・リフレッシュのレスポンス。
type loginResponse struct {
	AccessToken string        `json:"access_token"`
	User        *userResponse `json:"user,omitempty"`
}

// Login はGoogle IDトークンを検証してトークンペアを発行する。
// 未登録ユーザーは自動的に登録される。
// リフレッシュトークンはHTTP Only Cookieで返し、レスポンスボディには含めない。
// POST /auth/google
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IDToken == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewValidationError("id_tokenは必須です"))
		return
	}

	user, pair, err := h.service.Login(r.Context(), req.IDToken)
	if err != nil {
		slog.Warn("login failed", slog.String("error", err.Error()))
		writeUnauthorized(w)
		return
	}

	h.setRefreshCookie(w, pair.RefreshToken, h.config.RefreshMaxAge)

	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: pair.AccessToken,
		User:        toUserResponse(user),
	})
}

// Refresh はリフレッシュCookieから新しいアクセストークンを発行する。
// Cookie欠落・期限切れ・署名不正・失効済みのいずれも同一の401に集約し、
// 失効と自然期限切れの区別を外部に漏らさない。
// POST /auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(refreshCookieName)
	if err != nil || cookie.Value == "" {
		writeUnauthorized(w)
		return
	}

	accessToken, err := h.service.Refresh(r.Context(), cookie.Value)
	if err != nil {
		writeUnauthorized(w)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{AccessToken: accessToken})
}

// Logout はリフレッシュトークンを失効させる。
// Cookieが無い・不正な場合でも成功として扱う（冪等なログアウト）。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(refreshCookieName)
	if err == nil && cookie.Value != "" {
		h.service.Revoke(r.Context(), cookie.Value)
	}

	h.setRefreshCookie(w, "", -1)

	w.WriteHeader(http.StatusNoContent)
}

// Me は現在のログインユーザー情報を返す。
// GET /auth/me （認証ミドルウェアの後段）
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	user, err := h.service.GetUser(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toUserResponse(user))
}

// setRefreshCookie はリフレッシュトークンCookieを設定（またはクリア）する。
func (h *AuthHandler) setRefreshCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    value,
		Path:     "/auth",
		Domain:   h.config.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func toUserResponse(user *model.User) *userResponse {
	return &userResponse{
		ID:        user.ID,
		Email:     user.Email,
		Name:      user.Name,
		AvatarURL: user.AvatarURL,
	}
}
