// Package realtime はWebSocketによるタスク変更のリアルタイム配信を提供する。
// 接続はユーザーごとのグループで管理され、タスク変更は送信元を含む
// 接続中の全クライアントにfire-and-forgetで配信される。
// クライアントからの変更フレームは通常のパイプラインを通して適用される。
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/hitoshi/taskmirror/internal/middleware"
	"github.com/hitoshi/taskmirror/internal/model"
	"github.com/hitoshi/taskmirror/internal/task"
)

const (
	// sendBufferSize はクライアントごとの送信バッファ。
	// バッファが満杯のクライアントへのフレームは破棄される
	// （遅いクライアントが配信全体を止めないようにする）。
	sendBufferSize = 32

	// writeTimeout は1フレームの書き込みタイムアウト。
	writeTimeout = 5 * time.Second
)

// フレーム種別
const (
	frameTaskUpdated = "task:updated"
	frameTaskDeleted = "task:deleted"
	frameTaskUpdate  = "task:update"
	frameTaskDelete  = "task:delete"
	frameError       = "error"
)

// TokenVerifier はハンドシェイク時のアクセストークン検証インターフェース。
type TokenVerifier interface {
	VerifyAccess(accessToken string) (string, error)
}

// Pipeline はクライアント発の変更フレームを適用するインターフェース。
// 操作の主体は常に接続のユーザーであり、フレーム内容からは取らない。
type Pipeline interface {
	Update(ctx context.Context, requesterID, taskID string, input task.UpdateInput) (*task.Result, error)
	Delete(ctx context.Context, requesterID, taskID string) (*task.Result, error)
}

// MetricsRecorder はゲートウェイのメトリクス記録インターフェース。
type MetricsRecorder interface {
	RecordBroadcast(frameType string)
	WSConnectionOpened()
	WSConnectionClosed()
}

// frame はWebSocketメッセージの共通エンベロープ。
type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// taskPayload は配信用のタスク表現。
type taskPayload struct {
	ID              string           `json:"id"`
	Title           string           `json:"title"`
	Description     string           `json:"description"`
	Status          model.TaskStatus `json:"status"`
	Deadline        time.Time        `json:"deadline"`
	OwnerID         string           `json:"owner_id"`
	Assignee        *assigneePayload `json:"assignee,omitempty"`
	CalendarEventID string           `json:"calendar_event_id,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

type assigneePayload struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
}

// updatePayload はクライアント発のtask:updateフレームの内容。
// ここに無いフィールドは無視される。
type updatePayload struct {
	ID            string            `json:"id"`
	Title         *string           `json:"title"`
	Description   *string           `json:"description"`
	Status        *model.TaskStatus `json:"status"`
	Deadline      *time.Time        `json:"deadline"`
	AssigneeEmail *string           `json:"assignee_email"`
	Visible       *bool             `json:"visible"`
}

// deletePayload はクライアント発のtask:deleteフレームの内容。
type deletePayload struct {
	ID string `json:"id"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// client は1本のWebSocket接続を表す。
type client struct {
	userID string
	send   chan []byte
}

// Gateway はWebSocket接続の受け付けとタスク変更の配信を行う。
type Gateway struct {
	tokens   TokenVerifier
	pipeline Pipeline
	logger   *slog.Logger
	metrics  MetricsRecorder // nilの場合は記録しない

	// originPatterns はハンドシェイクで許可するOriginパターン。
	originPatterns []string

	mu      sync.Mutex
	clients map[string]map[*client]struct{} // ユーザーID別の接続グループ
}

// NewGateway はGatewayを生成する。
func NewGateway(tokens TokenVerifier, logger *slog.Logger, metrics MetricsRecorder, originPatterns []string) *Gateway {
	return &Gateway{
		tokens:         tokens,
		logger:         logger,
		metrics:        metrics,
		originPatterns: originPatterns,
		clients:        make(map[string]map[*client]struct{}),
	}
}

// SetPipeline は変更フレームの適用先パイプラインを設定する。
// ゲートウェイとパイプラインは相互参照するため、起動時に後から注入する。
func (g *Gateway) SetPipeline(pipeline Pipeline) {
	g.pipeline = pipeline
}

// HandleWS はWebSocketハンドシェイクを処理する。
// クエリパラメータaccess_tokenのアクセストークンを検証し、
// 無効な場合はアップグレード前に401で拒否する。
// トークンの検証はハンドシェイク時の1回のみで、接続存続中の
// 期限切れでは切断しない。
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	accessToken := r.URL.Query().Get("access_token")
	if accessToken == "" {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	userID, err := g.tokens.VerifyAccess(accessToken)
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.originPatterns,
	})
	if err != nil {
		g.logger.Debug("websocket handshake failed",
			slog.String("error", err.Error()),
		)
		return
	}

	c := &client{
		userID: userID,
		send:   make(chan []byte, sendBufferSize),
	}

	g.register(c)
	if g.metrics != nil {
		g.metrics.WSConnectionOpened()
	}
	g.logger.Info("websocket connected",
		slog.String("user_id", userID),
	)

	defer func() {
		g.unregister(c)
		if g.metrics != nil {
			g.metrics.WSConnectionClosed()
		}
		conn.Close(websocket.StatusNormalClosure, "")
		g.logger.Info("websocket disconnected",
			slog.String("user_id", userID),
		)
	}()

	go g.writeLoop(r.Context(), conn, c)

	g.readLoop(r.Context(), conn, c)
}

// AnnounceUpdated はタスクの作成・更新を接続中の全クライアントに配信する。
func (g *Gateway) AnnounceUpdated(t *model.Task) {
	data, err := encodeFrame(frameTaskUpdated, toTaskPayload(t))
	if err != nil {
		g.logger.Warn("failed to encode broadcast frame",
			slog.String("error", err.Error()),
		)
		return
	}

	g.broadcast(frameTaskUpdated, data)
}

// AnnounceDeleted はタスクの削除を接続中の全クライアントに配信する。
// ペイロードは削除されたタスクのIDのみ。
func (g *Gateway) AnnounceDeleted(t *model.Task) {
	data, err := encodeFrame(frameTaskDeleted, deletePayload{ID: t.ID})
	if err != nil {
		g.logger.Warn("failed to encode broadcast frame",
			slog.String("error", err.Error()),
		)
		return
	}

	g.broadcast(frameTaskDeleted, data)
}

// broadcast は送信元を含む接続中の全クライアントにフレームを送る。
// ユーザーグループは接続管理の単位であり、配信先の絞り込みには使わない。
// 送信バッファの満杯なクライアントへのフレームは破棄する。
func (g *Gateway) broadcast(frameType string, data []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for userID, group := range g.clients {
		for c := range group {
			select {
			case c.send <- data:
				if g.metrics != nil {
					g.metrics.RecordBroadcast(frameType)
				}
			default:
				g.logger.Warn("dropping frame for slow client",
					slog.String("user_id", userID),
					slog.String("frame_type", frameType),
				)
			}
		}
	}
}

// readLoop はクライアントからのフレームを読み、パイプラインに適用する。
// 不正なフレームや適用エラーは送信元の接続にのみエラーフレームで返す。
func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, c *client) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == -1 && !errors.Is(err, context.Canceled) {
				g.logger.Debug("websocket read failed",
					slog.String("user_id", c.userID),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		g.handleFrame(ctx, c, data)
	}
}

// handleFrame はクライアント発のフレームを1つ処理する。
// 操作の主体は接続のユーザーIDであり、フレーム内のユーザー情報は信用しない。
func (g *Gateway) handleFrame(ctx context.Context, c *client, data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		g.sendError(c, model.NewValidationError("フレームを解析できません"))
		return
	}

	switch f.Type {
	case frameTaskUpdate:
		var p updatePayload
		if err := json.Unmarshal(f.Payload, &p); err != nil || p.ID == "" {
			g.sendError(c, model.NewValidationError("task:updateフレームの内容が不正です"))
			return
		}

		input := task.UpdateInput{
			Title:         p.Title,
			Description:   p.Description,
			Status:        p.Status,
			Deadline:      p.Deadline,
			AssigneeEmail: p.AssigneeEmail,
			Visible:       p.Visible,
		}
		if _, err := g.pipeline.Update(ctx, c.userID, p.ID, input); err != nil {
			g.sendError(c, toAPIError(err))
		}

	case frameTaskDelete:
		var p deletePayload
		if err := json.Unmarshal(f.Payload, &p); err != nil || p.ID == "" {
			g.sendError(c, model.NewValidationError("task:deleteフレームの内容が不正です"))
			return
		}

		if _, err := g.pipeline.Delete(ctx, c.userID, p.ID); err != nil {
			g.sendError(c, toAPIError(err))
		}

	default:
		g.sendError(c, model.NewValidationError("未対応のフレーム種別です: "+f.Type))
	}
}

// writeLoop は送信バッファのフレームを接続に書き込む。
// 書き込み失敗時は接続を閉じて終了する。
func (g *Gateway) writeLoop(ctx context.Context, conn *websocket.Conn, c *client) {
	for data := range c.send {
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := conn.Write(writeCtx, websocket.MessageText, data)
		cancel()

		if err != nil {
			conn.Close(websocket.StatusInternalError, "write failed")
			return
		}
	}
}

// sendError は送信元の接続にのみエラーフレームを送る。
// 他の接続には配信しない。
func (g *Gateway) sendError(c *client, apiErr *model.APIError) {
	data, err := encodeFrame(frameError, errorPayload{
		Code:    apiErr.Code,
		Message: apiErr.Message,
	})
	if err != nil {
		return
	}

	select {
	case c.send <- data:
	default:
	}
}

func (g *Gateway) register(c *client) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.clients[c.userID] == nil {
		g.clients[c.userID] = make(map[*client]struct{})
	}
	g.clients[c.userID][c] = struct{}{}
}

func (g *Gateway) unregister(c *client) {
	g.mu.Lock()
	defer g.mu.Unlock()

	group := g.clients[c.userID]
	if _, ok := group[c]; !ok {
		return
	}
	delete(group, c)
	if len(group) == 0 {
		delete(g.clients, c.userID)
	}
	close(c.send)
}

func encodeFrame(frameType string, payload any) ([]byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame{Type: frameType, Payload: encoded})
}

func toTaskPayload(t *model.Task) taskPayload {
	p := taskPayload{
		ID:              t.ID,
		Title:           t.Title,
		Description:     t.Description,
		Status:          t.Status,
		Deadline:        t.Deadline,
		OwnerID:         t.OwnerID,
		CalendarEventID: t.CalendarEventID,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
	if t.Assignee != nil {
		p.Assignee = &assigneePayload{
			UserID: t.Assignee.UserID,
			Name:   t.Assignee.Name,
			Email:  t.Assignee.Email,
		}
	}
	return p
}

// toAPIError はパイプラインのエラーをクライアント向けエラーに変換する。
// APIError以外の内部エラーは詳細を漏らさず一般メッセージに落とす。
func toAPIError(err error) *model.APIError {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// compile-time interface check
var _ task.Broadcaster = (*Gateway)(nil)
