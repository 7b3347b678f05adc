package models

import (
	"fmt"
	"strings"
)

// TaskStatus defines the lifecycle states a revert task moves through.
// Transitions are forward-only; every value except the initial and the
// two progress states is terminal.
type TaskStatus string

const (
	StatusQueued          TaskStatus = "queued"
	StatusStart           TaskStatus = "start"
	StatusDownloading     TaskStatus = "downloading"
	StatusReverting       TaskStatus = "reverting"
	StatusTooBig          TaskStatus = "too big"
	StatusDownloadError   TaskStatus = "download error"
	StatusAlreadyReverted TaskStatus = "already reverted"
	StatusRevertError     TaskStatus = "revert error"
	StatusError           TaskStatus = "error"
	StatusDone            TaskStatus = "done"
	StatusSystemError     TaskStatus = "system error"
)

var validTaskStatuses = map[TaskStatus]struct{}{
	StatusQueued:          {},
	StatusStart:           {},
	StatusDownloading:     {},
	StatusReverting:       {},
	StatusTooBig:          {},
	StatusDownloadError:   {},
	StatusAlreadyReverted: {},
	StatusRevertError:     {},
	StatusError:           {},
	StatusDone:            {},
	StatusSystemError:     {},
}

var terminalTaskStatuses = map[TaskStatus]struct{}{
	StatusTooBig:          {},
	StatusDownloadError:   {},
	StatusAlreadyReverted: {},
	StatusRevertError:     {},
	StatusError:           {},
	StatusDone:            {},
	StatusSystemError:     {},
}

func IsValidTaskStatus(status TaskStatus) bool {
	_, ok := validTaskStatuses[status]
	return ok
}

// IsTerminal reports whether the pipeline will never touch a task in
// this status again.
func (s TaskStatus) IsTerminal() bool {
	_, ok := terminalTaskStatuses[s]
	return ok
}

func ParseTaskStatus(raw string) (TaskStatus, error) {
	value := TaskStatus(strings.ToLower(strings.TrimSpace(raw)))
	if value == "" {
		return "", fmt.Errorf("status is required")
	}
	if !IsValidTaskStatus(value) {
		return "", fmt.Errorf("invalid status: %s", value)
	}
	return value, nil
}
