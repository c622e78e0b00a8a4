package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

const defaultTokenInfoURL = "https://oauth2.googleapis.com/tokeninfo"

// GoogleVerifierConfig はGoogle IDトークン検証の設定。
type GoogleVerifierConfig struct {
	// ClientID は検証時にaudクレームと照合するOAuthクライアントID。
	ClientID string

	// テスト用にオーバーライド可能なURL
	TokenInfoURL string
}

// GoogleVerifier はGoogleのtokeninfoエンドポイントでIDトークンを検証する。
type GoogleVerifier struct {
	config     GoogleVerifierConfig
	httpClient *http.Client
}

// NewGoogleVerifier はGoogleVerifierを生成する。
func NewGoogleVerifier(config GoogleVerifierConfig, httpClient *http.Client) *GoogleVerifier {
	if config.TokenInfoURL == "" {
		config.TokenInfoURL = defaultTokenInfoURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &GoogleVerifier{config: config, httpClient: httpClient}
}

// tokenInfoResponse はtokeninfoエンドポイントのレスポンス。
type tokenInfoResponse struct {
	Aud     string `json:"aud"`
	Sub     string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// Verify はIDトークンをGoogleのtokeninfoエンドポイントで検証し、
// ユーザー情報を返す。audがClientIDと一致しない場合は検証失敗とする。
func (v *GoogleVerifier) Verify(ctx context.Context, idToken string) (*IdentityInfo, error) {
	reqURL := v.config.TokenInfoURL + "?id_token=" + url.QueryEscape(idToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokeninfo request: %w", err)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tokeninfo request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read tokeninfo response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tokeninfo returned status %d: %s", resp.StatusCode, string(body))
	}

	var info tokenInfoResponse
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse tokeninfo response: %w", err)
	}

	if info.Sub == "" {
		return nil, fmt.Errorf("empty sub in tokeninfo response")
	}
	if info.Aud != v.config.ClientID {
		return nil, fmt.Errorf("audience mismatch in tokeninfo response")
	}

	return &IdentityInfo{
		GoogleID:  info.Sub,
		Email:     info.Email,
		Name:      info.Name,
		AvatarURL: info.Picture,
	}, nil
}

// compile-time interface check
var _ IdentityVerifier = (*GoogleVerifier)(nil)
