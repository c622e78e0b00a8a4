// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, task, mirror, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeForbidden        = "FORBIDDEN"
	ErrCodeTaskNotFound     = "TASK_NOT_FOUND"
	ErrCodeUnknownAssignee  = "UNKNOWN_ASSIGNEE"
	ErrCodeValidationFailed = "VALIDATION_FAILED"
	ErrCodeUserNotFound     = "USER_NOT_FOUND"
)

// NewUnauthorizedError は認証エラーを生成する。
// 期限切れ・署名不正・失効済みのいずれもこの1種類に集約し、
// 呼び出し側に失効と自然期限切れの区別を漏らさない。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証に失敗しました。",
		Category: "auth",
		Action:   "再度ログインしてください。",
	}
}

// NewForbiddenError は認可エラーを生成する。
// タスクは存在するが、リクエストしたユーザーの所有物ではない場合に使用する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "このタスクを操作する権限がありません。",
		Category: "auth",
		Action:   "自分が作成したタスクのみ変更・削除できます。",
	}
}

// NewTaskNotFoundError はタスク未検出エラーを生成する。
func NewTaskNotFoundError(taskID string) *APIError {
	return &APIError{
		Code:     ErrCodeTaskNotFound,
		Message:  fmt.Sprintf("指定されたタスクが見つかりません: %s", taskID),
		Category: "task",
		Action:   "タスクIDを確認してください。",
	}
}

// NewUnknownAssigneeError は担当者未登録エラーを生成する。
// 担当者に指定されたメールアドレスが既存ユーザーに解決できない場合に使用する。
func NewUnknownAssigneeError(email string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownAssignee,
		Message:  fmt.Sprintf("担当者に指定されたユーザーが登録されていません: %s", email),
		Category: "validation",
		Action:   "登録済みユーザーのメールアドレスを指定してください。",
	}
}

// NewValidationError はリクエスト内容の制約違反エラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidationFailed,
		Message:  fmt.Sprintf("リクエスト内容が不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を修正して再度お試しください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}
