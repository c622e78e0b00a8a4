// Package model はドメインモデルを定義する。
package model

import "time"

// TaskStatus はタスクの進行状態を表す。
type TaskStatus string

const (
	// TaskStatusTodo は未着手状態。
	TaskStatusTodo TaskStatus = "todo"
	// TaskStatusInProgress は作業中状態。
	TaskStatusInProgress TaskStatus = "in-progress"
	// TaskStatusDone は完了状態。
	TaskStatusDone TaskStatus = "done"
)

// IsValid はステータス値が定義済みのものかを返す。
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusTodo, TaskStatusInProgress, TaskStatusDone:
		return true
	}
	return false
}

// Assignee はタスク担当者のスナップショットを表す。
// 担当設定時点のユーザー情報を非正規化して保持する。
// 元ユーザーのプロフィールが後から変わっても自動では追随しない。
type Assignee struct {
	UserID string
	Name   string
	Email  string
}

// Task はタスクを表す。
// OwnerIDは作成時に一度だけ設定され、以降どの更新経路でも変更されない。
type Task struct {
	ID          string
	Title       string
	Description string
	Status      TaskStatus
	Deadline    time.Time
	OwnerID     string
	Assignee    *Assignee

	// CalendarEventID はミラー済みカレンダーイベントのID。
	// ミラー未作成（またはミラー失敗）の場合は空文字列。
	CalendarEventID string

	Visible   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
