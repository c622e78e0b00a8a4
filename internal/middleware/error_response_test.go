package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/taskmirror/internal/model"
)

// TestWriteErrorResponse_UnifiedFormat は統一エラーフォーマットで
// 書き込まれることを検証する。
func TestWriteErrorResponse_UnifiedFormat(t *testing.T) {
	w := httptest.NewRecorder()

	WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var body ErrorResponseBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Code != "FORBIDDEN" {
		t.Errorf("code = %q, want FORBIDDEN", body.Code)
	}
	if body.Category != "auth" {
		t.Errorf("category = %q, want auth", body.Category)
	}
	if body.Action == "" {
		t.Error("action should not be empty")
	}
}

// TestWriteError_MapsCodesToStatus はエラーコードごとのHTTPステータスへの
// 対応付けを検証する。
func TestWriteError_MapsCodesToStatus(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"認証エラー", model.NewUnauthorizedError(), http.StatusUnauthorized, "UNAUTHORIZED"},
		{"認可エラー", model.NewForbiddenError(), http.StatusForbidden, "FORBIDDEN"},
		{"タスク未検出", model.NewTaskNotFoundError("task-1"), http.StatusNotFound, "TASK_NOT_FOUND"},
		{"ユーザー未検出", model.NewUserNotFoundError(), http.StatusNotFound, "USER_NOT_FOUND"},
		{"担当者未登録", model.NewUnknownAssigneeError("x@example.com"), http.StatusBadRequest, "UNKNOWN_ASSIGNEE"},
		{"バリデーション", model.NewValidationError("タイトルは必須です"), http.StatusBadRequest, "VALIDATION_FAILED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()

			WriteError(w, tt.err)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}

			var body ErrorResponseBody
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("failed to decode body: %v", err)
			}
			if body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
		})
	}
}

// TestWriteError_WrappedAPIErrorUnwrapped はラップされたAPIErrorも
// 正しく変換されることを検証する。
func TestWriteError_WrappedAPIErrorUnwrapped(t *testing.T) {
	w := httptest.NewRecorder()

	WriteError(w, fmt.Errorf("update task: %w", model.NewForbiddenError()))

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
}

// TestWriteError_InternalErrorMasked はAPIError以外の内部エラーが
// 詳細を伏せた500に落ちることを検証する。
func TestWriteError_InternalErrorMasked(t *testing.T) {
	w := httptest.NewRecorder()

	WriteError(w, errors.New("pq: connection refused"))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if strings.Contains(w.Body.String(), "pq:") {
		t.Error("internal error details must not leak to the response")
	}

	var body ErrorResponseBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Code != "INTERNAL_ERROR" {
		t.Errorf("code = %q, want INTERNAL_ERROR", body.Code)
	}
}
