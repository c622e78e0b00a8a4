package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/taskmirror/internal/middleware"
	"github.com/hitoshi/taskmirror/internal/model"
	"github.com/hitoshi/taskmirror/internal/task"
)

// mockTaskService はテスト用のタスクサービスモック。
type mockTaskService struct {
	createFunc func(ctx context.Context, ownerID string, input task.CreateInput) (*task.Result, error)
	updateFunc func(ctx context.Context, requesterID, taskID string, input task.UpdateInput) (*task.Result, error)
	deleteFunc func(ctx context.Context, requesterID, taskID string) (*task.Result, error)
	listFunc   func(ctx context.Context, ownerID string) ([]*model.Task, error)
}

func (m *mockTaskService) Create(ctx context.Context, ownerID string, input task.CreateInput) (*task.Result, error) {
	if m.createFunc != nil {
		return m.createFunc(ctx, ownerID, input)
	}
	return nil, errors.New("not implemented")
}

func (m *mockTaskService) Update(ctx context.Context, requesterID, taskID string, input task.UpdateInput) (*task.Result, error) {
	if m.updateFunc != nil {
		return m.updateFunc(ctx, requesterID, taskID, input)
	}
	return nil, errors.New("not implemented")
}

func (m *mockTaskService) Delete(ctx context.Context, requesterID, taskID string) (*task.Result, error) {
	if m.deleteFunc != nil {
		return m.deleteFunc(ctx, requesterID, taskID)
	}
	return nil, errors.New("not implemented")
}

func (m *mockTaskService) List(ctx context.Context, ownerID string) ([]*model.Task, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx, ownerID)
	}
	return nil, errors.New("not implemented")
}

var _ TaskServiceInterface = (*mockTaskService)(nil)

func sampleTask() *model.Task {
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	return &model.Task{
		ID:          "task-1",
		Title:       "レビュー対応",
		Description: "指摘事項の修正",
		Status:      model.TaskStatusTodo,
		Deadline:    now.Add(24 * time.Hour),
		OwnerID:     "user-1",
		Assignee: &model.Assignee{
			UserID: "user-2",
			Name:   "担当者",
			Email:  "assignee@example.com",
		},
		CalendarEventID: "event-1",
		Visible:         true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// authedJSONRequest は認証済みコンテキスト付きのリクエストを生成する。
func authedJSONRequest(method, target, body, userID string) *http.Request {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	return req.WithContext(middleware.ContextWithUserID(req.Context(), userID))
}

// withURLParam はchiのルートパラメータをリクエストに注入する。
func withURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

// TestTaskHandler_ListTasks_ReturnsOwnedTasks は所有タスク一覧が返ることを検証する。
func TestTaskHandler_ListTasks_ReturnsOwnedTasks(t *testing.T) {
	service := &mockTaskService{
		listFunc: func(ctx context.Context, ownerID string) ([]*model.Task, error) {
			if ownerID != "user-1" {
				t.Errorf("ownerID = %q, want user-1", ownerID)
			}
			return []*model.Task{sampleTask()}, nil
		},
	}
	h := NewTaskHandler(service)

	w := httptest.NewRecorder()
	h.ListTasks(w, authedJSONRequest(http.MethodGet, "/api/tasks", "", "user-1"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var body taskListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if len(body.Tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(body.Tasks))
	}
	if body.Tasks[0].ID != "task-1" {
		t.Errorf("task id = %q, want task-1", body.Tasks[0].ID)
	}
	if body.Tasks[0].Assignee == nil || body.Tasks[0].Assignee.Email != "assignee@example.com" {
		t.Errorf("assignee = %+v, want assignee@example.com", body.Tasks[0].Assignee)
	}
}

// TestTaskHandler_ListTasks_EmptyListIsArray は0件の場合でもtasksが
// 空配列で返ることを検証する。
func TestTaskHandler_ListTasks_EmptyListIsArray(t *testing.T) {
	service := &mockTaskService{
		listFunc: func(ctx context.Context, ownerID string) ([]*model.Task, error) {
			return nil, nil
		},
	}
	h := NewTaskHandler(service)

	w := httptest.NewRecorder()
	h.ListTasks(w, authedJSONRequest(http.MethodGet, "/api/tasks", "", "user-1"))

	if !strings.Contains(w.Body.String(), `"tasks":[]`) {
		t.Errorf("body = %s, want tasks to be an empty array", w.Body.String())
	}
}

// TestTaskHandler_CreateTask_Returns201 はタスク作成が201で返ることを検証する。
func TestTaskHandler_CreateTask_Returns201(t *testing.T) {
	service := &mockTaskService{
		createFunc: func(ctx context.Context, ownerID string, input task.CreateInput) (*task.Result, error) {
			if ownerID != "user-1" {
				t.Errorf("ownerID = %q, want user-1", ownerID)
			}
			if input.Title != "新タスク" {
				t.Errorf("title = %q, want 新タスク", input.Title)
			}
			return &task.Result{Task: sampleTask(), Mirrored: true}, nil
		},
	}
	h := NewTaskHandler(service)

	body := `{"title":"新タスク","deadline":"2025-06-02T09:00:00Z"}`
	w := httptest.NewRecorder()
	h.CreateTask(w, authedJSONRequest(http.MethodPost, "/api/tasks", body, "user-1"))

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}

	var resp taskResultResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if resp.Warning != nil {
		t.Errorf("warning = %+v, want nil for full success", resp.Warning)
	}
}

// TestTaskHandler_CreateTask_MirrorDegradedWarning はミラー劣化時に201のまま
// warningが付くことを検証する。
func TestTaskHandler_CreateTask_MirrorDegradedWarning(t *testing.T) {
	service := &mockTaskService{
		createFunc: func(ctx context.Context, ownerID string, input task.CreateInput) (*task.Result, error) {
			tk := sampleTask()
			tk.CalendarEventID = ""
			return &task.Result{Task: tk, Mirrored: false}, nil
		},
	}
	h := NewTaskHandler(service)

	body := `{"title":"新タスク","deadline":"2025-06-02T09:00:00Z"}`
	w := httptest.NewRecorder()
	h.CreateTask(w, authedJSONRequest(http.MethodPost, "/api/tasks", body, "user-1"))

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}

	var resp taskResultResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if resp.Warning == nil || resp.Warning.Code != "MIRROR_DEGRADED" {
		t.Errorf("warning = %+v, want MIRROR_DEGRADED", resp.Warning)
	}
}

// TestTaskHandler_CreateTask_ValidationErrorReturns400 はバリデーション
// エラーが400で返ることを検証する。
func TestTaskHandler_CreateTask_ValidationErrorReturns400(t *testing.T) {
	service := &mockTaskService{
		createFunc: func(ctx context.Context, ownerID string, input task.CreateInput) (*task.Result, error) {
			return nil, model.NewValidationError("タイトルは必須です")
		},
	}
	h := NewTaskHandler(service)

	w := httptest.NewRecorder()
	h.CreateTask(w, authedJSONRequest(http.MethodPost, "/api/tasks", `{}`, "user-1"))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

// TestTaskHandler_CreateTask_UnknownAssigneeReturns400 は未登録担当者の
// 指定が400 UNKNOWN_ASSIGNEEで返ることを検証する。
func TestTaskHandler_CreateTask_UnknownAssigneeReturns400(t *testing.T) {
	service := &mockTaskService{
		createFunc: func(ctx context.Context, ownerID string, input task.CreateInput) (*task.Result, error) {
			return nil, model.NewUnknownAssigneeError(input.AssigneeEmail)
		},
	}
	h := NewTaskHandler(service)

	body := `{"title":"新タスク","deadline":"2025-06-02T09:00:00Z","assignee_email":"nobody@example.com"}`
	w := httptest.NewRecorder()
	h.CreateTask(w, authedJSONRequest(http.MethodPost, "/api/tasks", body, "user-1"))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if !strings.Contains(w.Body.String(), "UNKNOWN_ASSIGNEE") {
		t.Error("response should carry UNKNOWN_ASSIGNEE code")
	}
}

// TestTaskHandler_UpdateTask_PassesPartialFields は部分更新のフィールドが
// そのままサービスに渡ることを検証する。
func TestTaskHandler_UpdateTask_PassesPartialFields(t *testing.T) {
	var gotInput task.UpdateInput
	service := &mockTaskService{
		updateFunc: func(ctx context.Context, requesterID, taskID string, input task.UpdateInput) (*task.Result, error) {
			if requesterID != "user-1" {
				t.Errorf("requesterID = %q, want user-1", requesterID)
			}
			if taskID != "task-1" {
				t.Errorf("taskID = %q, want task-1", taskID)
			}
			gotInput = input
			return &task.Result{Task: sampleTask(), Mirrored: true}, nil
		},
	}
	h := NewTaskHandler(service)

	req := authedJSONRequest(http.MethodPatch, "/api/tasks/task-1", `{"status":"done"}`, "user-1")
	req = withURLParam(req, "id", "task-1")
	w := httptest.NewRecorder()

	h.UpdateTask(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotInput.Status == nil || *gotInput.Status != model.TaskStatusDone {
		t.Errorf("status = %v, want done", gotInput.Status)
	}
	if gotInput.Title != nil {
		t.Error("title should stay nil for a partial update")
	}
}

// TestTaskHandler_UpdateTask_NotFoundReturns404 は存在しないタスクの更新が
// 404で返ることを検証する。
func TestTaskHandler_UpdateTask_NotFoundReturns404(t *testing.T) {
	service := &mockTaskService{
		updateFunc: func(ctx context.Context, requesterID, taskID string, input task.UpdateInput) (*task.Result, error) {
			return nil, model.NewTaskNotFoundError(taskID)
		},
	}
	h := NewTaskHandler(service)

	req := authedJSONRequest(http.MethodPatch, "/api/tasks/missing", `{}`, "user-1")
	req = withURLParam(req, "id", "missing")
	w := httptest.NewRecorder()

	h.UpdateTask(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// TestTaskHandler_UpdateTask_ForbiddenReturns403 は他人のタスクの更新が
// 403で返ることを検証する。
func TestTaskHandler_UpdateTask_ForbiddenReturns403(t *testing.T) {
	service := &mockTaskService{
		updateFunc: func(ctx context.Context, requesterID, taskID string, input task.UpdateInput) (*task.Result, error) {
			return nil, model.NewForbiddenError()
		},
	}
	h := NewTaskHandler(service)

	req := authedJSONRequest(http.MethodPatch, "/api/tasks/task-1", `{}`, "user-2")
	req = withURLParam(req, "id", "task-1")
	w := httptest.NewRecorder()

	h.UpdateTask(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
}

// TestTaskHandler_DeleteTask_ReturnsIDAndWarning はタスク削除でIDと
// ミラー劣化時のwarningが返ることを検証する。
func TestTaskHandler_DeleteTask_ReturnsIDAndWarning(t *testing.T) {
	service := &mockTaskService{
		deleteFunc: func(ctx context.Context, requesterID, taskID string) (*task.Result, error) {
			return &task.Result{Task: sampleTask(), Mirrored: false}, nil
		},
	}
	h := NewTaskHandler(service)

	req := authedJSONRequest(http.MethodDelete, "/api/tasks/task-1", "", "user-1")
	req = withURLParam(req, "id", "task-1")
	w := httptest.NewRecorder()

	h.DeleteTask(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp deleteTaskResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if resp.ID != "task-1" {
		t.Errorf("id = %q, want task-1", resp.ID)
	}
	if resp.Warning == nil || resp.Warning.Code != "MIRROR_DEGRADED" {
		t.Errorf("warning = %+v, want MIRROR_DEGRADED", resp.Warning)
	}
}

// TestTaskHandler_InternalErrorMasked はサービス層の内部エラーが
// 詳細を伏せた500に落ちることを検証する。
func TestTaskHandler_InternalErrorMasked(t *testing.T) {
	service := &mockTaskService{
		listFunc: func(ctx context.Context, ownerID string) ([]*model.Task, error) {
			return nil, errors.New("pq: connection refused")
		},
	}
	h := NewTaskHandler(service)

	w := httptest.NewRecorder()
	h.ListTasks(w, authedJSONRequest(http.MethodGet, "/api/tasks", "", "user-1"))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if strings.Contains(w.Body.String(), "pq:") {
		t.Error("internal error details must not leak to the response")
	}
}

// TestTaskHandler_UnauthenticatedContextReturns401 は認証コンテキストの無い
// リクエストが各ハンドラーで401になることを検証する。
func TestTaskHandler_UnauthenticatedContextReturns401(t *testing.T) {
	h := NewTaskHandler(&mockTaskService{})

	handlers := map[string]http.HandlerFunc{
		"list":   h.ListTasks,
		"create": h.CreateTask,
		"update": h.UpdateTask,
		"delete": h.DeleteTask,
	}

	for name, fn := range handlers {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/tasks", strings.NewReader("{}"))
			w := httptest.NewRecorder()

			fn(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
		})
	}
}
