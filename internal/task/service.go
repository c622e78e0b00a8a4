// Package task はタスク変更のリコンシリエーションパイプラインを提供する。
// 1つの変更リクエストは 認証 → 認可 → ストア適用 → ミラー → ブロードキャスト の
// 順に処理され、ストア適用以降の段階はベストエフォートで、
// 失敗してもストア適用をロールバックしない。
package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/taskmirror/internal/calendar"
	"github.com/hitoshi/taskmirror/internal/model"
	"github.com/hitoshi/taskmirror/internal/repository"
)

// Mirror は外部カレンダーミラーのインターフェース。
// すべての操作はソフト失敗（ミラー未更新）に劣化し、エラーを返さない。
type Mirror interface {
	CreateEvent(ctx context.Context, task *model.Task) string
	UpdateEvent(ctx context.Context, eventID string, changes calendar.EventChanges) bool
	DeleteEvent(ctx context.Context, eventID string) bool
}

// Broadcaster はリアルタイム配信のインターフェース。
// 両操作ともfire-and-forgetで、呼び出し元に失敗を見せない。
type Broadcaster interface {
	AnnounceUpdated(task *model.Task)
	AnnounceDeleted(task *model.Task)
}

// MetricsRecorder はパイプラインのメトリクス記録インターフェース。
type MetricsRecorder interface {
	RecordTaskMutation(op string)
	RecordMirrorResult(op string, ok bool)
	RecordMirrorLatency(op string, duration time.Duration)
}

// CreateInput はタスク作成の入力。
// ここに無いフィールド（所有者・ミラー参照・タイムスタンプ等）は
// クライアントから設定できない。
type CreateInput struct {
	Title         string
	Description   string
	Status        model.TaskStatus
	Deadline      time.Time
	AssigneeEmail string
}

// UpdateInput はタスク更新の許可リスト。nilフィールドは変更なしを表す。
// 所有者は許可リストに存在しないため、どんなペイロードでも変更されない。
type UpdateInput struct {
	Title         *string
	Description   *string
	Status        *model.TaskStatus
	Deadline      *time.Time
	AssigneeEmail *string
	Visible       *bool
}

// Result は変更操作の結果。
// Mirroredがfalseの場合、ストア上の変更は成功したが
// カレンダーミラーが完全には更新されていない（劣化成功）。
type Result struct {
	Task     *model.Task
	Mirrored bool
}

// Service はタスク変更のリコンシリエーションパイプライン。
type Service struct {
	taskRepo    repository.TaskRepository
	userRepo    repository.UserRepository
	mirror      Mirror
	broadcaster Broadcaster
	metrics     MetricsRecorder // nilの場合は記録しない
	now         func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	taskRepo repository.TaskRepository,
	userRepo repository.UserRepository,
	mirror Mirror,
	broadcaster Broadcaster,
	metrics MetricsRecorder,
) *Service {
	return &Service{
		taskRepo:    taskRepo,
		userRepo:    userRepo,
		mirror:      mirror,
		broadcaster: broadcaster,
		metrics:     metrics,
		now:         time.Now,
	}
}

// Create はタスクを作成する。
// 担当者メールが指定された場合は既存ユーザーに解決できなければ失敗する。
// 省略された場合は所有者自身が担当者になる。
// タスク永続化後にミラーイベントを作成し、成功時はミラー参照を
// タスクに書き戻す（データを追加するだけの冪等な2回目の書き込み）。
// ミラーが失敗しても作成済みタスクは必ずブロードキャストする。
func (s *Service) Create(ctx context.Context, ownerID string, input CreateInput) (*Result, error) {
	if input.Title == "" {
		return nil, model.NewValidationError("タイトルは必須です")
	}
	if input.Deadline.IsZero() {
		return nil, model.NewValidationError("期限は必須です")
	}
	status := input.Status
	if status == "" {
		status = model.TaskStatusTodo
	}
	if !status.IsValid() {
		return nil, model.NewValidationError(fmt.Sprintf("不正なステータスです: %s", status))
	}

	assignee, err := s.resolveAssignee(ctx, ownerID, input.AssigneeEmail)
	if err != nil {
		return nil, err
	}

	now := s.now()
	task := &model.Task{
		ID:          uuid.New().String(),
		Title:       input.Title,
		Description: input.Description,
		Status:      status,
		Deadline:    input.Deadline,
		OwnerID:     ownerID,
		Assignee:    assignee,
		Visible:     true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.taskRepo.Insert(ctx, task); err != nil {
		return nil, fmt.Errorf("タスクの作成に失敗しました: %w", err)
	}
	s.recordMutation("create")

	mirrored := false
	mirrorStart := s.now()
	if eventID := s.mirror.CreateEvent(ctx, task); eventID != "" {
		task.CalendarEventID = eventID
		if err := s.taskRepo.UpdateCalendarEventID(ctx, task.ID, eventID); err != nil {
			slog.Warn("failed to persist mirror reference",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()),
			)
		}
		mirrored = true
	}
	s.recordMirror("create", mirrored, s.now().Sub(mirrorStart))

	s.broadcaster.AnnounceUpdated(task)

	return &Result{Task: task, Mirrored: mirrored}, nil
}

// Update はタスクを更新する。
// タスクが存在しない場合はTASK_NOT_FOUND、存在するが所有者が異なる場合は
// FORBIDDENを返す（正確だが安全なエラー区別）。
// 許可リスト外のフィールドは無条件に無視される。
// 担当者の変更は解決可能なメールが指定された場合のみ受け付け、
// 解決できない場合は部分適用せず黙って無視する。
// 永続化後、ミラー参照がありタイトル・説明・期限のいずれかが変わった場合のみ
// ミラーを更新する。ミラー失敗はリクエストを失敗させない。
func (s *Service) Update(ctx context.Context, requesterID, taskID string, input UpdateInput) (*Result, error) {
	task, err := s.authorize(ctx, requesterID, taskID)
	if err != nil {
		return nil, err
	}

	var titleChanged, descChanged, deadlineChanged bool

	if input.Title != nil && *input.Title != task.Title {
		if *input.Title == "" {
			return nil, model.NewValidationError("タイトルは必須です")
		}
		task.Title = *input.Title
		titleChanged = true
	}
	if input.Description != nil && *input.Description != task.Description {
		task.Description = *input.Description
		descChanged = true
	}
	if input.Status != nil {
		if !input.Status.IsValid() {
			return nil, model.NewValidationError(fmt.Sprintf("不正なステータスです: %s", *input.Status))
		}
		task.Status = *input.Status
	}
	if input.Deadline != nil && !input.Deadline.Equal(task.Deadline) {
		task.Deadline = *input.Deadline
		deadlineChanged = true
	}
	if input.Visible != nil {
		task.Visible = *input.Visible
	}
	if input.AssigneeEmail != nil && *input.AssigneeEmail != "" {
		user, err := s.userRepo.FindByEmail(ctx, *input.AssigneeEmail)
		if err != nil {
			return nil, fmt.Errorf("担当者の解決に失敗しました: %w", err)
		}
		// 解決できない担当者指定は部分適用せず無視する
		if user != nil {
			task.Assignee = &model.Assignee{
				UserID: user.ID,
				Name:   user.Name,
				Email:  user.Email,
			}
		}
	}

	task.UpdatedAt = s.now()
	if err := s.taskRepo.Update(ctx, task); err != nil {
		return nil, fmt.Errorf("タスクの更新に失敗しました: %w", err)
	}
	s.recordMutation("update")

	mirrored := true
	if task.CalendarEventID != "" && (titleChanged || descChanged || deadlineChanged) {
		changes := calendar.EventChanges{}
		if titleChanged {
			changes.Summary = &task.Title
		}
		if descChanged {
			desc := calendar.DescriptionFor(task)
			changes.Description = &desc
		}
		if deadlineChanged {
			changes.Deadline = &task.Deadline
		}
		mirrorStart := s.now()
		mirrored = s.mirror.UpdateEvent(ctx, task.CalendarEventID, changes)
		s.recordMirror("update", mirrored, s.now().Sub(mirrorStart))
	}

	s.broadcaster.AnnounceUpdated(task)

	return &Result{Task: task, Mirrored: mirrored}, nil
}

// Delete はタスクを削除する。所有者チェックはUpdateと同じ。
// ミラー参照がある場合、ストアからの削除前にミラー削除を1回だけ試みる。
// ミラー削除の失敗はストア削除を妨げない。
// 削除されたタスクのIDをブロードキャストする。
func (s *Service) Delete(ctx context.Context, requesterID, taskID string) (*Result, error) {
	task, err := s.authorize(ctx, requesterID, taskID)
	if err != nil {
		return nil, err
	}

	mirrored := true
	if task.CalendarEventID != "" {
		mirrorStart := s.now()
		mirrored = s.mirror.DeleteEvent(ctx, task.CalendarEventID)
		s.recordMirror("delete", mirrored, s.now().Sub(mirrorStart))
	}

	if err := s.taskRepo.DeleteByID(ctx, task.ID); err != nil {
		return nil, fmt.Errorf("タスクの削除に失敗しました: %w", err)
	}
	s.recordMutation("delete")

	s.broadcaster.AnnounceDeleted(task)

	return &Result{Task: task, Mirrored: mirrored}, nil
}

// List はリクエストしたユーザーが所有するタスクを新しい順で返す。
// 非表示フラグの立ったタスクは含めない。
func (s *Service) List(ctx context.Context, ownerID string) ([]*model.Task, error) {
	tasks, err := s.taskRepo.ListByOwner(ctx, ownerID, true)
	if err != nil {
		return nil, fmt.Errorf("タスク一覧の取得に失敗しました: %w", err)
	}
	return tasks, nil
}

// authorize はタスクをロードし、所有者とリクエストユーザーの一致を検証する。
// 存在しなければTASK_NOT_FOUND、所有者が異なればFORBIDDEN。
func (s *Service) authorize(ctx context.Context, requesterID, taskID string) (*model.Task, error) {
	task, err := s.taskRepo.FindByID(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("タスクの取得に失敗しました: %w", err)
	}
	if task == nil {
		return nil, model.NewTaskNotFoundError(taskID)
	}
	if task.OwnerID != requesterID {
		return nil, model.NewForbiddenError()
	}
	return task, nil
}

// resolveAssignee は作成時の担当者を決定する。
// メール指定時は既存ユーザーへの解決を必須とし、省略時は所有者を担当者にする。
func (s *Service) resolveAssignee(ctx context.Context, ownerID, email string) (*model.Assignee, error) {
	if email != "" {
		user, err := s.userRepo.FindByEmail(ctx, email)
		if err != nil {
			return nil, fmt.Errorf("担当者の解決に失敗しました: %w", err)
		}
		if user == nil {
			return nil, model.NewUnknownAssigneeError(email)
		}
		return &model.Assignee{UserID: user.ID, Name: user.Name, Email: user.Email}, nil
	}

	owner, err := s.userRepo.FindByID(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("所有者の取得に失敗しました: %w", err)
	}
	if owner == nil {
		return nil, model.NewUserNotFoundError()
	}
	return &model.Assignee{UserID: owner.ID, Name: owner.Name, Email: owner.Email}, nil
}

func (s *Service) recordMutation(op string) {
	if s.metrics != nil {
		s.metrics.RecordTaskMutation(op)
	}
}

func (s *Service) recordMirror(op string, ok bool, duration time.Duration) {
	if s.metrics != nil {
		s.metrics.RecordMirrorResult(op, ok)
		s.metrics.RecordMirrorLatency(op, duration)
	}
}
