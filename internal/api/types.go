// Package api defines the JSON payloads the web front end serves to
// its own pages and scripts.
package api

import (
	"time"

	"github.com/Zverik/RevertUI/internal/models"
)

// ErrorResponse is the uniform error payload.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ChangesetInfo is the subset of OSM changeset metadata the submission
// page shows while the user assembles a revert request.
type ChangesetInfo struct {
	ID      string            `json:"id"`
	User    string            `json:"user"`
	Created time.Time         `json:"created"`
	Tags    map[string]string `json:"tags"`
}

// TaskView is the public projection of a task; credentials never leave
// the store.
type TaskView struct {
	ID         int64     `json:"id"`
	Username   string    `json:"username"`
	Changesets string    `json:"changesets"`
	Comment    string    `json:"comment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Pending    bool      `json:"pending"`
	RevertID   string    `json:"revert_id,omitempty"`
}

// QueueResponse lists the pending and finished task queues.
type QueueResponse struct {
	Pending []TaskView `json:"pending"`
	Done    []TaskView `json:"done"`
}

// NewTaskView projects a task for display.
func NewTaskView(task *models.Task) TaskView {
	return TaskView{
		ID:         task.ID,
		Username:   task.Username,
		Changesets: task.Changesets,
		Comment:    task.Comment,
		CreatedAt:  task.CreatedAt,
		Status:     string(task.Status),
		Error:      task.Error,
		Pending:    task.Pending,
		RevertID:   task.RevertID,
	}
}
