package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// トークン検証の失敗理由を表すセンチネルエラー。
// リフレッシュ経路ではハンドラー側で3種とも同一のレスポンスに潰し、
// 失効と自然期限切れの区別を外部に漏らさない。
var (
	// ErrTokenExpired はトークンの有効期限切れを表す。
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenMalformed は署名不正・形式不正を表す。
	ErrTokenMalformed = errors.New("token malformed")
	// ErrTokenRevoked は保存値と一致しない（失効済み）リフレッシュトークンを表す。
	ErrTokenRevoked = errors.New("token revoked")
)

// TokenPair はアクセストークンとリフレッシュトークンの組。
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// tokenClaims はアクセス・リフレッシュ両トークン共通のJWTクレーム。
// サブジェクトの内部IDのみを運ぶ。
type tokenClaims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

// mintToken はHS256署名のJWTを生成する。
func mintToken(secret, userID string, ttl time.Duration, now time.Time) (string, error) {
	claims := tokenClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, nil
}

// parseToken はJWTの署名と有効期限を検証し、ユーザーIDを返す。
// ストア参照は行わない。失敗はErrTokenExpiredまたはErrTokenMalformedに分類する。
func parseToken(secret, tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &tokenClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", ErrTokenMalformed
	}

	claims, ok := token.Claims.(*tokenClaims)
	if !ok || claims.UserID == "" {
		return "", ErrTokenMalformed
	}

	return claims.UserID, nil
}
