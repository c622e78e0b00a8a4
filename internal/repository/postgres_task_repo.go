package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/taskmirror/internal/model"
)

// PostgresTaskRepo はPostgreSQLを使用したタスクリポジトリ。
type PostgresTaskRepo struct {
	db *sql.DB
}

// NewPostgresTaskRepo はPostgresTaskRepoを生成する。
func NewPostgresTaskRepo(db *sql.DB) *PostgresTaskRepo {
	return &PostgresTaskRepo{db: db}
}

const taskColumns = `id, title, description, status, deadline, owner_id,
	assignee_user_id, assignee_name, assignee_email,
	calendar_event_id, visible, created_at, updated_at`

// FindByID は指定IDのタスクを取得する。見つからない場合はnilを返す。
func (r *PostgresTaskRepo) FindByID(ctx context.Context, id string) (*model.Task, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	return scanTask(row)
}

// FindByIDAndOwner はIDと所有者の複合条件でタスクを取得する。
// 所有者が一致しない場合もnilを返す。
func (r *PostgresTaskRepo) FindByIDAndOwner(ctx context.Context, id, ownerID string) (*model.Task, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1 AND owner_id = $2`, id, ownerID)
	return scanTask(row)
}

// Insert はタスクを作成する。
func (r *PostgresTaskRepo) Insert(ctx context.Context, task *model.Task) error {
	assigneeUserID, assigneeName, assigneeEmail := assigneeColumns(task.Assignee)

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tasks (id, title, description, status, deadline, owner_id,
		   assignee_user_id, assignee_name, assignee_email,
		   calendar_event_id, visible, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		task.ID, task.Title, task.Description, string(task.Status), task.Deadline, task.OwnerID,
		assigneeUserID, assigneeName, assigneeEmail,
		task.CalendarEventID, task.Visible, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}

	return nil
}

// Update はタスク全体を上書き更新する。
// owner_idは更新対象に含めない（作成時に固定）。
func (r *PostgresTaskRepo) Update(ctx context.Context, task *model.Task) error {
	assigneeUserID, assigneeName, assigneeEmail := assigneeColumns(task.Assignee)

	result, err := r.db.ExecContext(ctx,
		`UPDATE tasks SET title = $1, description = $2, status = $3, deadline = $4,
		   assignee_user_id = $5, assignee_name = $6, assignee_email = $7,
		   calendar_event_id = $8, visible = $9, updated_at = $10
		 WHERE id = $11`,
		task.Title, task.Description, string(task.Status), task.Deadline,
		assigneeUserID, assigneeName, assigneeEmail,
		task.CalendarEventID, task.Visible, task.UpdatedAt,
		task.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("task not found: %s", task.ID)
	}
	return nil
}

// UpdateCalendarEventID はミラー済みイベントIDのみを更新する。
func (r *PostgresTaskRepo) UpdateCalendarEventID(ctx context.Context, taskID, eventID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE tasks SET calendar_event_id = $1 WHERE id = $2`,
		eventID, taskID,
	)
	if err != nil {
		return fmt.Errorf("failed to update calendar event id: %w", err)
	}
	return nil
}

// DeleteByID は指定IDのタスクを削除する。
func (r *PostgresTaskRepo) DeleteByID(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("task not found: %s", id)
	}
	return nil
}

// ListByOwner は所有者のタスク一覧を作成日時の新しい順で返す。
func (r *PostgresTaskRepo) ListByOwner(ctx context.Context, ownerID string, visibleOnly bool) ([]*model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE owner_id = $1`
	if visibleOnly {
		query += ` AND visible = TRUE`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}

	return tasks, nil
}

// rowScanner はsql.Rowとsql.Rowsの共通Scanインターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// scanTask は1行をmodel.Taskに変換する。
// assignee_user_idがNULLの場合はAssignee全体をnilにする。
func scanTask(row rowScanner) (*model.Task, error) {
	task := &model.Task{}
	var status string
	var assigneeUserID sql.NullString
	var assigneeName, assigneeEmail string

	err := row.Scan(
		&task.ID, &task.Title, &task.Description, &status, &task.Deadline, &task.OwnerID,
		&assigneeUserID, &assigneeName, &assigneeEmail,
		&task.CalendarEventID, &task.Visible, &task.CreatedAt, &task.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	task.Status = model.TaskStatus(status)
	if assigneeUserID.Valid {
		task.Assignee = &model.Assignee{
			UserID: assigneeUserID.String,
			Name:   assigneeName,
			Email:  assigneeEmail,
		}
	}

	return task, nil
}

// assigneeColumns はAssigneeをカラム値に展開する。未設定時はNULL相当を返す。
func assigneeColumns(a *model.Assignee) (sql.NullString, string, string) {
	if a == nil {
		return sql.NullString{}, "", ""
	}
	return sql.NullString{String: a.UserID, Valid: true}, a.Name, a.Email
}

// compile-time interface check
var _ TaskRepository = (*PostgresTaskRepo)(nil)
