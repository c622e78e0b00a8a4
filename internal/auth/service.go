// Package auth は二段階トークン（アクセス/リフレッシュ）の発行・検証・
// ローテーション・失効と、Google IDトークンによる本人確認を提供する。
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/taskmirror/internal/model"
	"github.com/hitoshi/taskmirror/internal/repository"
)

// IdentityInfo は外部IdPの検証で得たユーザー情報を表す。
type IdentityInfo struct {
	GoogleID  string
	Email     string
	Name      string
	AvatarURL string
}

// IdentityVerifier は外部IdPトークン検証のインターフェース。
// 不透明な外部トークンを受け取り、検証済みのユーザー情報を返す。
type IdentityVerifier interface {
	Verify(ctx context.Context, idToken string) (*IdentityInfo, error)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	AccessTokenSecret  string
	RefreshTokenSecret string
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	verifier IdentityVerifier
	userRepo repository.UserRepository
	config   ServiceConfig
	now      func() time.Time // テスト用に差し替え可能
}

// NewService はServiceを生成する。
func NewService(verifier IdentityVerifier, userRepo repository.UserRepository, config ServiceConfig) *Service {
	return &Service{
		verifier: verifier,
		userRepo: userRepo,
		config:   config,
		now:      time.Now,
	}
}

// Login は外部IdPトークンを検証し、トークンペアを発行する。
// 未登録ユーザーの場合はusersレコードを自動作成する。
func (s *Service) Login(ctx context.Context, idToken string) (*model.User, *TokenPair, error) {
	info, err := s.verifier.Verify(ctx, idToken)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to verify identity token: %w", err)
	}

	return s.Issue(ctx, info)
}

// Issue は検証済みの外部ユーザー情報からトークンペアを発行する。
// ユーザーをGoogle IDで検索し、未登録なら作成する。
// 新しいリフレッシュトークンをユーザーに対して永続化し、
// 以前のリフレッシュトークンをサーバー側で無効化する
// （設計上、ユーザーごとのアクティブセッションは常に1つ）。
func (s *Service) Issue(ctx context.Context, info *IdentityInfo) (*model.User, *TokenPair, error) {
	user, err := s.userRepo.FindByGoogleID(ctx, info.GoogleID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find user: %w", err)
	}

	if user == nil {
		now := s.now()
		user = &model.User{
			ID:        uuid.New().String(),
			GoogleID:  info.GoogleID,
			Email:     info.Email,
			Name:      info.Name,
			AvatarURL: info.AvatarURL,
			CreatedAt: now,
			UpdatedAt: now,
		}

		if err := s.userRepo.Create(ctx, user); err != nil {
			return nil, nil, fmt.Errorf("failed to create user: %w", err)
		}

		slog.Info("new user created",
			slog.String("user_id", user.ID),
			slog.String("email", user.Email),
		)
	}

	pair, err := s.mintPair(user.ID)
	if err != nil {
		return nil, nil, err
	}

	// 保存されたリフレッシュトークン値が唯一の有効値。
	// ここでの上書きが旧トークンの失効を兼ねる。
	if err := s.userRepo.UpdateRefreshToken(ctx, user.ID, pair.RefreshToken); err != nil {
		return nil, nil, fmt.Errorf("failed to persist refresh token: %w", err)
	}
	user.RefreshToken = pair.RefreshToken

	return user, pair, nil
}

// VerifyAccess はアクセストークンをステートレスに検証し、ユーザーIDを返す。
// 署名と有効期限のみを確認し、ストア参照は行わない。
// 失敗はErrTokenExpiredまたはErrTokenMalformed。猶予期間は設けない。
func (s *Service) VerifyAccess(accessToken string) (string, error) {
	return parseToken(s.config.AccessTokenSecret, accessToken)
}

// Refresh はリフレッシュトークンを検証し、新しいアクセストークンを発行する。
// 署名・有効期限の検証後、ユーザーをロードして保存値との完全一致を要求する。
// 不一致またはユーザー不在は、署名が有効であってもErrTokenRevokedを返す。
// これにより自然期限切れを待たずに失効が効く。
func (s *Service) Refresh(ctx context.Context, refreshToken string) (string, error) {
	userID, err := parseToken(s.config.RefreshTokenSecret, refreshToken)
	if err != nil {
		return "", err
	}

	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil || user.RefreshToken != refreshToken {
		return "", ErrTokenRevoked
	}

	accessToken, err := mintToken(s.config.AccessTokenSecret, userID, s.config.AccessTokenTTL, s.now())
	if err != nil {
		return "", err
	}

	return accessToken, nil
}

// Revoke はリフレッシュトークンを失効させる（ログアウト）。
// ベストエフォートでトークンをデコードして保存値をクリアする。
// デコード失敗や保存値のクリア失敗があっても呼び出し元には常に成功として扱わせる
// （冪等なログアウト）。
func (s *Service) Revoke(ctx context.Context, refreshToken string) {
	userID, err := parseToken(s.config.RefreshTokenSecret, refreshToken)
	if err != nil {
		// デコードできないトークンのログアウトは何もせず成功扱い
		return
	}

	if err := s.userRepo.UpdateRefreshToken(ctx, userID, ""); err != nil {
		slog.Warn("failed to clear refresh token on logout",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}

// GetUser はユーザーIDからユーザー情報を取得する。
func (s *Service) GetUser(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	return user, nil
}

// mintPair はアクセス・リフレッシュ両トークンを生成する。
func (s *Service) mintPair(userID string) (*TokenPair, error) {
	now := s.now()

	accessToken, err := mintToken(s.config.AccessTokenSecret, userID, s.config.AccessTokenTTL, now)
	if err != nil {
		return nil, err
	}

	refreshToken, err := mintToken(s.config.RefreshTokenSecret, userID, s.config.RefreshTokenTTL, now)
	if err != nil {
		return nil, err
	}

	return &TokenPair{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}
