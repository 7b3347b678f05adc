package models

import (
	"strings"
	"time"
)

// Task represents a single queued revert request.
type Task struct {
	ID         int64      `json:"id"`
	Username   string     `json:"username"`
	Token      string     `json:"-"`
	Secret     string     `json:"-"`
	Changesets string     `json:"changesets"`
	Comment    string     `json:"comment,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	Status     TaskStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
	Pending    bool       `json:"pending"`
	RevertID   string     `json:"revert_id,omitempty"`
}

// ChangesetIDs splits the whitespace-separated changeset list.
func (t *Task) ChangesetIDs() []string {
	return strings.Fields(t.Changesets)
}
