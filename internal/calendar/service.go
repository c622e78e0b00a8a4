package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/taskmirror/internal/model"
)

// minEventWindow はミラーイベントの最小時間幅。
// 期限が開始時刻以前、または開始から5分以内の場合、
// 終了時刻を開始+5分に切り上げる（長さゼロ・負のイベントを作らないための方針）。
const minEventWindow = 5 * time.Minute

// API はミラーアダプタが必要とする外部カレンダー操作のインターフェース。
type API interface {
	InsertEvent(ctx context.Context, calendarID string, event *Event) (string, error)
	PatchEvent(ctx context.Context, calendarID, eventID string, patch *Event) error
	GetEvent(ctx context.Context, calendarID, eventID string) (*Event, error)
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
}

// ServiceConfig はミラーアダプタの設定。
type ServiceConfig struct {
	CalendarID string
	Timeout    time.Duration

	Client ClientConfig
}

// EventChanges はミラーイベントの部分更新内容。
// nilフィールドは変更なしを表す。
type EventChanges struct {
	Summary     *string
	Description *string
	Deadline    *time.Time
}

// Service は外部カレンダーへのタスクミラーリングを提供する。
//
// クライアントは遅延初期化され、プロセス内の状態は
// 未初期化 → 準備完了（認可成功）または失敗（設定不足・認可失敗）に遷移する。
// 失敗状態はバックグラウンドで再試行せず、次回利用時に再試行する。
// すべての操作は準備完了に到達できない場合もエラーをスローせず、
// 「ミラー未更新」というソフト失敗に劣化する。
type Service struct {
	config ServiceConfig
	logger *slog.Logger

	// newAPI はテスト用に差し替え可能なクライアント生成関数。
	newAPI func(ctx context.Context) (API, error)

	mu  sync.Mutex
	api API // nilなら未初期化または失敗状態
}

// NewService はServiceを生成する。
func NewService(config ServiceConfig, logger *slog.Logger) *Service {
	s := &Service{
		config: config,
		logger: logger,
	}
	s.newAPI = s.dialClient
	return s
}

// dialClient はクライアントを生成し、初回認可を行う。
func (s *Service) dialClient(ctx context.Context) (API, error) {
	if s.config.CalendarID == "" ||
		s.config.Client.ClientID == "" ||
		s.config.Client.ClientSecret == "" ||
		s.config.Client.RefreshToken == "" {
		return nil, fmt.Errorf("calendar mirror is not configured")
	}

	client := NewClient(s.config.Client, nil)
	if err := client.Authorize(ctx); err != nil {
		return nil, fmt.Errorf("calendar authorization failed: %w", err)
	}

	return client, nil
}

// ensureAPI は初期化済みクライアントを返す。
// 未初期化の場合はミューテックス下で初期化し、並行する初回利用が
// 高々1回だけ初期化を実行するようにする（single-flight）。
// 失敗した場合はnilのまま返し、次回呼び出しで再試行する。
func (s *Service) ensureAPI(ctx context.Context) API {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.api != nil {
		return s.api
	}

	api, err := s.newAPI(ctx)
	if err != nil {
		s.logger.Warn("calendar client initialization failed",
			slog.String("error", err.Error()),
		)
		return nil
	}

	s.api = api
	return api
}

// CreateEvent はタスクのミラーイベントを作成し、イベントIDを返す。
// イベント期間はタスク作成時刻から期限までで、最小5分に切り上げる。
// サマリーはタスクのタイトル、説明にはタスクの説明と担当者メールを埋め込む。
// 参加者リストは付けない（委任権限のない呼び出しでの権限エラーを避ける）。
// 失敗時は空文字列を返し、呼び出し元のタスク操作を妨げない。
func (s *Service) CreateEvent(ctx context.Context, task *model.Task) string {
	api := s.ensureAPI(ctx)
	if api == nil {
		return ""
	}

	start := task.CreatedAt
	end := clampEnd(start, task.Deadline)

	event := &Event{
		Summary:     task.Title,
		Description: eventDescription(task),
		Start:       &EventTime{DateTime: start},
		End:         &EventTime{DateTime: end},
	}

	opCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	eventID, err := api.InsertEvent(opCtx, s.config.CalendarID, event)
	if err != nil {
		s.logger.Warn("failed to create mirror event",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
		return ""
	}

	return eventID
}

// UpdateEvent はミラーイベントを部分更新し、完全に成功したかを返す。
// 変更のあったフィールドのみをパッチする。
// 期限が変わった場合、新しい終了時刻は現在のイベントの開始時刻を
// 取得し直して検証する（最小5分の切り上げを適用）。
// 開始時刻を取得できない場合は時刻部分の更新をスキップし、
// 他のフィールドのみ適用した上でfalseを返す。
func (s *Service) UpdateEvent(ctx context.Context, eventID string, changes EventChanges) bool {
	api := s.ensureAPI(ctx)
	if api == nil {
		return false
	}

	patch := &Event{}
	if changes.Summary != nil {
		patch.Summary = *changes.Summary
	}
	if changes.Description != nil {
		patch.Description = *changes.Description
	}

	complete := true
	if changes.Deadline != nil {
		getCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
		current, err := api.GetEvent(getCtx, s.config.CalendarID, eventID)
		cancel()

		if err != nil || current.Start == nil {
			s.logger.Warn("failed to fetch current mirror event, skipping time update",
				slog.String("event_id", eventID),
			)
			complete = false
		} else {
			end := clampEnd(current.Start.DateTime, *changes.Deadline)
			patch.End = &EventTime{DateTime: end}
		}
	}

	if patch.Summary == "" && patch.Description == "" && patch.End == nil {
		return complete
	}

	opCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	if err := api.PatchEvent(opCtx, s.config.CalendarID, eventID, patch); err != nil {
		s.logger.Warn("failed to update mirror event",
			slog.String("event_id", eventID),
			slog.String("error", err.Error()),
		)
		return false
	}

	return complete
}

// DeleteEvent はミラーイベントを削除し、成功したかを返す。
// 外部サービスが「存在しない」「すでに削除済み」を返した場合は成功として扱う（冪等な削除）。
func (s *Service) DeleteEvent(ctx context.Context, eventID string) bool {
	api := s.ensureAPI(ctx)
	if api == nil {
		return false
	}

	opCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	if err := api.DeleteEvent(opCtx, s.config.CalendarID, eventID); err != nil {
		if err == ErrEventNotFound {
			return true
		}
		s.logger.Warn("failed to delete mirror event",
			slog.String("event_id", eventID),
			slog.String("error", err.Error()),
		)
		return false
	}

	return true
}

// clampEnd は終了時刻を最小イベント幅に合わせて切り上げる。
// 期限が開始+5分より前（開始以前を含む）の場合は開始+5分を返す。
func clampEnd(start, deadline time.Time) time.Time {
	min := start.Add(minEventWindow)
	if deadline.Before(min) {
		return min
	}
	return deadline
}

// eventDescription はタスクの説明と担当者メールからイベント説明文を組み立てる。
func eventDescription(task *model.Task) string {
	desc := task.Description
	if task.Assignee != nil && task.Assignee.Email != "" {
		if desc != "" {
			desc += "\n\n"
		}
		desc += "担当: " + task.Assignee.Email
	}
	return desc
}

// DescriptionFor はタスクの現在の内容からミラーイベントの説明文を返す。
// パイプラインが説明フィールドの更新内容を組み立てるのに使用する。
func DescriptionFor(task *model.Task) string {
	return eventDescription(task)
}
