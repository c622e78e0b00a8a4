// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/taskmirror/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByGoogleID はGoogleのsubject IDでユーザーを検索する。見つからない場合はnilを返す。
	FindByGoogleID(ctx context.Context, googleID string) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// Create はユーザーを作成する。
	Create(ctx context.Context, user *model.User) error

	// UpdateRefreshToken はユーザーのリフレッシュトークン値を上書きする。
	// 空文字列を渡すとログアウト（失効）状態になる。
	// ストアの単一行UPDATEによるlast-write-winsで、アプリ側のロックは持たない。
	UpdateRefreshToken(ctx context.Context, userID, refreshToken string) error
}

// TaskRepository はタスクデータの永続化インターフェース。
type TaskRepository interface {
	// FindByID は指定IDのタスクを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Task, error)

	// FindByIDAndOwner はIDと所有者の複合条件でタスクを取得する。
	// 所有者が一致しない場合もnilを返す（存在有無はFindByIDで区別する）。
	FindByIDAndOwner(ctx context.Context, id, ownerID string) (*model.Task, error)

	// Insert はタスクを作成する。
	Insert(ctx context.Context, task *model.Task) error

	// Update はタスク全体を上書き更新する。
	// owner_idは更新対象に含めない（作成時に固定）。
	Update(ctx context.Context, task *model.Task) error

	// UpdateCalendarEventID はミラー済みイベントIDのみを更新する。
	// ミラー作成成功後の2回目の書き込みに使用する（冪等）。
	UpdateCalendarEventID(ctx context.Context, taskID, eventID string) error

	// DeleteByID は指定IDのタスクを削除する。
	DeleteByID(ctx context.Context, id string) error

	// ListByOwner は所有者のタスク一覧を作成日時の新しい順で返す。
	// visibleOnlyがtrueの場合、非表示タスクを除外する。
	ListByOwner(ctx context.Context, ownerID string, visibleOnly bool) ([]*model.Task, error)
}
