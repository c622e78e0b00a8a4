// Package calendar はタスク期限の外部カレンダーミラーリングを提供する。
// Google Calendar APIのクライアントと、劣化モード対応のミラーアダプタを含む。
package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	defaultTokenURL   = "https://oauth2.googleapis.com/token"
	defaultAPIBaseURL = "https://www.googleapis.com/calendar/v3"

	// tokenExpiryMargin はアクセストークンを期限切れ前に更新する余裕時間。
	tokenExpiryMargin = time.Minute
)

// ErrEventNotFound はイベントが外部サービス側に存在しないことを表す。
// 削除の冪等化のため、呼び出し側はこのエラーを成功として扱える。
var ErrEventNotFound = errors.New("calendar event not found")

// ClientConfig はカレンダーAPIクライアントの設定。
type ClientConfig struct {
	ClientID     string
	ClientSecret string
	RefreshToken string

	// テスト用にオーバーライド可能なURL
	TokenURL   string
	APIBaseURL string
}

// Client はGoogle Calendar APIのクライアント。
// OAuth2のリフレッシュトークングラントでアクセストークンを取得し、
// 期限が近づいたら自動的に再取得する。
type Client struct {
	config     ClientConfig
	httpClient *http.Client

	tokenMu     sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewClient はClientを生成する。
func NewClient(config ClientConfig, httpClient *http.Client) *Client {
	if config.TokenURL == "" {
		config.TokenURL = defaultTokenURL
	}
	if config.APIBaseURL == "" {
		config.APIBaseURL = defaultAPIBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{config: config, httpClient: httpClient}
}

// Event はカレンダーイベントのAPI表現。
type Event struct {
	ID          string     `json:"id,omitempty"`
	Summary     string     `json:"summary,omitempty"`
	Description string     `json:"description,omitempty"`
	Start       *EventTime `json:"start,omitempty"`
	End         *EventTime `json:"end,omitempty"`
}

// EventTime はイベントの開始・終了時刻。
type EventTime struct {
	DateTime time.Time `json:"dateTime"`
}

// Authorize はリフレッシュトークンをアクセストークンに交換する。
// 初回利用時の認可確認を兼ねる。
func (c *Client) Authorize(ctx context.Context) error {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	return c.authorizeLocked(ctx)
}

// authorizeLocked はトークン交換の本体。tokenMuを保持した状態で呼ぶこと。
func (c *Client) authorizeLocked(ctx context.Context) error {
	data := url.Values{
		"client_id":     {c.config.ClientID},
		"client_secret": {c.config.ClientSecret},
		"refresh_token": {c.config.RefreshToken},
		"grant_type":    {"refresh_token"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token exchange failed with status %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return fmt.Errorf("failed to parse token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return fmt.Errorf("empty access token in response")
	}

	c.accessToken = tokenResp.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)

	return nil
}

// InsertEvent はイベントを作成し、割り当てられたイベントIDを返す。
func (c *Client) InsertEvent(ctx context.Context, calendarID string, event *Event) (string, error) {
	path := fmt.Sprintf("/calendars/%s/events", url.PathEscape(calendarID))

	var created Event
	if err := c.do(ctx, http.MethodPost, path, event, &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", fmt.Errorf("empty event id in insert response")
	}

	return created.ID, nil
}

// PatchEvent はイベントの指定フィールドのみを部分更新する。
func (c *Client) PatchEvent(ctx context.Context, calendarID, eventID string, patch *Event) error {
	path := fmt.Sprintf("/calendars/%s/events/%s", url.PathEscape(calendarID), url.PathEscape(eventID))
	return c.do(ctx, http.MethodPatch, path, patch, nil)
}

// GetEvent はイベントを取得する。
func (c *Client) GetEvent(ctx context.Context, calendarID, eventID string) (*Event, error) {
	path := fmt.Sprintf("/calendars/%s/events/%s", url.PathEscape(calendarID), url.PathEscape(eventID))

	var event Event
	if err := c.do(ctx, http.MethodGet, path, nil, &event); err != nil {
		return nil, err
	}

	return &event, nil
}

// DeleteEvent はイベントを削除する。
// イベントが既に存在しない場合はErrEventNotFoundを返す。
func (c *Client) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	path := fmt.Sprintf("/calendars/%s/events/%s", url.PathEscape(calendarID), url.PathEscape(eventID))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// do は認証付きAPIリクエストを実行する。
// 404/410はErrEventNotFound、それ以外の非2xxはエラーとして返す。
func (c *Client) do(ctx context.Context, method, path string, reqBody, respBody any) error {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}

	var bodyReader io.Reader
	if reqBody != nil {
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.APIBaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create calendar request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calendar request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return ErrEventNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("calendar API returned status %d: %s", resp.StatusCode, string(body))
	}

	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("failed to parse calendar response: %w", err)
		}
	}

	return nil
}

// ensureToken は有効なアクセストークンを保証し、その値を返す。
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.accessToken != "" && time.Until(c.tokenExpiry) > tokenExpiryMargin {
		return c.accessToken, nil
	}
	if err := c.authorizeLocked(ctx); err != nil {
		return "", err
	}
	return c.accessToken, nil
}
