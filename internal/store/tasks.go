package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Zverik/RevertUI/internal/models"
)

const taskColumns = "id, username, token, secret, changesets, comment, created_at, status, error, pending, revert_id"

// CreateTask inserts a queued task and assigns its ID.
func (s *Store) CreateTask(ctx context.Context, task *models.Task) error {
	if task == nil {
		return fmt.Errorf("task is required")
	}
	if task.Changesets == "" {
		return fmt.Errorf("changesets are required")
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	task.Status = models.StatusQueued
	task.Pending = true

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (username, token, secret, changesets, comment, created_at, status, error, pending, revert_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, 1, NULL)
	`,
		task.Username,
		task.Token,
		task.Secret,
		task.Changesets,
		task.Comment,
		formatTime(task.CreatedAt),
		string(task.Status),
	)
	if err != nil {
		return err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	task.ID = id
	return nil
}

// GetTask returns a task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	return scanTask(row)
}

// NextPending returns the oldest pending task, or ErrNotFound when the
// queue is empty.
func (s *Store) NextPending(ctx context.Context) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE pending = 1 ORDER BY id LIMIT 1")
	return scanTask(row)
}

// ClaimTask flips a pending task to pending=0/status='start'. The update
// is conditional on pending so two workers cannot both claim a task even
// without the file lock. Returns false when the task was not pending.
func (s *Store) ClaimTask(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET pending = 0, status = ? WHERE id = ? AND pending = 1",
		string(models.StatusStart), id)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// SetStatus updates a task's status and, when non-empty, its error text.
func (s *Store) SetStatus(ctx context.Context, id int64, status models.TaskStatus, errMsg string) error {
	var res sql.Result
	var err error
	if errMsg == "" {
		res, err = s.db.ExecContext(ctx, "UPDATE tasks SET status = ? WHERE id = ?", string(status), id)
	} else {
		res, err = s.db.ExecContext(ctx, "UPDATE tasks SET status = ?, error = ? WHERE id = ?", string(status), errMsg, id)
	}
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetRevertID records the changeset opened for the revert.
func (s *Store) SetRevertID(ctx context.Context, id int64, revertID string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE tasks SET revert_id = ? WHERE id = ?", nullIfEmpty(revertID), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteTask removes a still-pending task. Started or finished tasks are
// history and stay in the table.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ? AND pending = 1", id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListFilter narrows ListTasks results.
type ListFilter struct {
	Pending  *bool
	Username string
	Limit    int
}

// ListTasks returns tasks newest-first, optionally filtered.
func (s *Store) ListTasks(ctx context.Context, filter ListFilter) ([]*models.Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks"
	where := []string{}
	args := []any{}

	if filter.Pending != nil {
		where = append(where, "pending = ?")
		if *filter.Pending {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}
	if filter.Username != "" {
		where = append(where, "username = ?")
		args = append(args, filter.Username)
	}
	for i, cond := range where {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// QueuePosition counts pending tasks ahead of the given one.
func (s *Store) QueuePosition(ctx context.Context, id int64) (int, error) {
	var ahead int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tasks WHERE pending = 1 AND id < ?", id).Scan(&ahead)
	if err != nil {
		return 0, err
	}
	return ahead, nil
}

// MarkStuck finalizes tasks a crashed worker abandoned mid-pipeline:
// pending already flipped off, status never reached a terminal value,
// row older than the threshold. They become 'system error'; there is no
// automatic retry, resubmission is manual.
func (s *Store) MarkStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().UTC().Add(-olderThan))
	// datetime() normalizes both sides to whole seconds: stored values
	// trim trailing fraction zeros, so raw string comparison would order
	// mixed-precision timestamps within the same second wrongly.
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, error = 'Worker did not finish this task; please resubmit.'
		WHERE pending = 0
		  AND status IN (?, ?, ?)
		  AND datetime(created_at) < datetime(?)
	`,
		string(models.StatusSystemError),
		string(models.StatusStart),
		string(models.StatusDownloading),
		string(models.StatusReverting),
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*models.Task, error) {
	var task models.Task
	var createdAt, status string
	var errMsg, revertID sql.NullString
	var pending int

	if err := scanner.Scan(
		&task.ID,
		&task.Username,
		&task.Token,
		&task.Secret,
		&task.Changesets,
		&task.Comment,
		&createdAt,
		&status,
		&errMsg,
		&pending,
		&revertID,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}

	parsed, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	task.CreatedAt = parsed
	task.Status = models.TaskStatus(status)
	task.Error = errMsg.String
	task.Pending = pending != 0
	task.RevertID = revertID.String

	return &task, nil
}

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, value)
}
