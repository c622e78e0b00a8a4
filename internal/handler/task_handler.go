package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/taskmirror/internal/middleware"
	"github.com/hitoshi/taskmirror/internal/model"
	"github.com/hitoshi/taskmirror/internal/task"
)

// TaskServiceInterface はタスクハンドラーが必要とするサービスインターフェース。
type TaskServiceInterface interface {
	Create(ctx context.Context, ownerID string, input task.CreateInput) (*task.Result, error)
	Update(ctx context.Context, requesterID, taskID string, input task.UpdateInput) (*task.Result, error)
	Delete(ctx context.Context, requesterID, taskID string) (*task.Result, error)
	List(ctx context.Context, ownerID string) ([]*model.Task, error)
}

// TaskHandler はタスク管理のHTTPハンドラー。
type TaskHandler struct {
	service TaskServiceInterface
}

// NewTaskHandler はTaskHandlerを生成する。
func NewTaskHandler(service TaskServiceInterface) *TaskHandler {
	return &TaskHandler{service: service}
}

// --- リクエスト・レスポンス型 ---

// createTaskRequest はタスク作成リクエストのボディ。
// ここに無いフィールドは無視される（所有者やミラー参照は指定できない）。
type createTaskRequest struct {
	Title         string           `json:"title"`
	Description   string           `json:"description"`
	Status        model.TaskStatus `json:"status"`
	Deadline      time.Time        `json:"deadline"`
	AssigneeEmail string           `json:"assignee_email"`
}

// updateTaskRequest はタスク更新リクエストのボディ。
// nilフィールドは変更しない部分更新を行う。
type updateTaskRequest struct {
	Title         *string           `json:"title"`
	Description   *string           `json:"description"`
	Status        *model.TaskStatus `json:"status"`
	Deadline      *time.Time        `json:"deadline"`
	AssigneeEmail *string           `json:"assignee_email"`
	Visible       *bool             `json:"visible"`
}

// assigneeResponse は担当者スナップショットのレスポンス。
type assigneeResponse struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
}

// taskResponse はタスクのレスポンス。
type taskResponse struct {
	ID              string            `json:"id"`
	Title           string            `json:"title"`
	Description     string            `json:"description"`
	Status          model.TaskStatus  `json:"status"`
	Deadline        time.Time         `json:"deadline"`
	OwnerID         string            `json:"owner_id"`
	Assignee        *assigneeResponse `json:"assignee,omitempty"`
	CalendarEventID string            `json:"calendar_event_id,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// warningResponse は劣化成功時の警告。
type warningResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// mirrorDegradedWarning はカレンダーミラーが完全には更新されなかったことを示す警告。
// ストア上の変更自体は成功している。
func mirrorDegradedWarning() *warningResponse {
	return &warningResponse{
		Code:    "MIRROR_DEGRADED",
		Message: "カレンダーへの反映に失敗しました。タスクの変更は保存されています。",
	}
}

// taskResultResponse はタスク変更操作のレスポンス。
type taskResultResponse struct {
	Task    taskResponse     `json:"task"`
	Warning *warningResponse `json:"warning,omitempty"`
}

// taskListResponse はタスク一覧のレスポンス。
type taskListResponse struct {
	Tasks []taskResponse `json:"tasks"`
}

// deleteTaskResponse はタスク削除のレスポンス。
type deleteTaskResponse struct {
	ID      string           `json:"id"`
	Warning *warningResponse `json:"warning,omitempty"`
}

// ListTasks はリクエストユーザーが所有するタスク一覧を新しい順で返す。
// GET /api/tasks
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	tasks, err := h.service.List(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := taskListResponse{Tasks: make([]taskResponse, 0, len(tasks))}
	for _, t := range tasks {
		resp.Tasks = append(resp.Tasks, toTaskResponse(t))
	}

	writeJSON(w, http.StatusOK, resp)
}

// CreateTask はタスクを作成する。
// ミラー作成に失敗した場合も201を返し、warningフィールドで劣化を通知する。
// POST /api/tasks
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewValidationError("リクエストボディを解析できません"))
		return
	}

	result, err := h.service.Create(r.Context(), userID, task.CreateInput{
		Title:         req.Title,
		Description:   req.Description,
		Status:        req.Status,
		Deadline:      req.Deadline,
		AssigneeEmail: req.AssigneeEmail,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toResultResponse(result))
}

// UpdateTask はタスクを部分更新する。
// PATCH /api/tasks/:id
func (h *TaskHandler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	taskID := chi.URLParam(r, "id")

	var req updateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewValidationError("リクエストボディを解析できません"))
		return
	}

	result, err := h.service.Update(r.Context(), userID, taskID, task.UpdateInput{
		Title:         req.Title,
		Description:   req.Description,
		Status:        req.Status,
		Deadline:      req.Deadline,
		AssigneeEmail: req.AssigneeEmail,
		Visible:       req.Visible,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toResultResponse(result))
}

// DeleteTask はタスクを削除する。
// DELETE /api/tasks/:id
func (h *TaskHandler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	taskID := chi.URLParam(r, "id")

	result, err := h.service.Delete(r.Context(), userID, taskID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := deleteTaskResponse{ID: result.Task.ID}
	if !result.Mirrored {
		resp.Warning = mirrorDegradedWarning()
	}

	writeJSON(w, http.StatusOK, resp)
}

func toTaskResponse(t *model.Task) taskResponse {
	resp := taskResponse{
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
		resp.Assignee = &assigneeResponse{
			UserID: t.Assignee.UserID,
			Name:   t.Assignee.Name,
			Email:  t.Assignee.Email,
		}
	}
	return resp
}

func toResultResponse(result *task.Result) taskResultResponse {
	resp := taskResultResponse{Task: toTaskResponse(result.Task)}
	if !result.Mirrored {
		resp.Warning = mirrorDegradedWarning()
	}
	return resp
}
