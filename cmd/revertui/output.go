package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Zverik/RevertUI/internal/api"
	"github.com/Zverik/RevertUI/internal/format"
)

var outputFormatter format.Formatter = format.JSONFormatter{}

func writeJSON(payload any) error {
	return outputFormatter.Write(os.Stdout, payload)
}

func writePlain(format string, args ...any) error {
	_, err := fmt.Fprintf(os.Stdout, format, args...)
	return err
}

func writeTaskList(tasks []api.TaskView) error {
	for _, task := range tasks {
		if err := writePlain("%s\n", formatTaskLine(task)); err != nil {
			return err
		}
	}
	return nil
}

func writeTaskDetail(task api.TaskView) error {
	lines := []string{
		fmt.Sprintf("id: %d", task.ID),
		fmt.Sprintf("user: %s", task.Username),
		fmt.Sprintf("changesets: %s", task.Changesets),
		fmt.Sprintf("status: %s", task.Status),
		fmt.Sprintf("created_at: %s", formatTime(task.CreatedAt)),
		fmt.Sprintf("pending: %t", task.Pending),
	}

	if task.Comment != "" {
		lines = append(lines, fmt.Sprintf("comment: %s", task.Comment))
	}
	if task.Error != "" {
		lines = append(lines, fmt.Sprintf("error: %s", task.Error))
	}
	if task.RevertID != "" {
		lines = append(lines, fmt.Sprintf("revert_id: %s", task.RevertID))
	}

	return writePlain("%s\n", strings.Join(lines, "\n"))
}

func formatTaskLine(task api.TaskView) string {
	marker := "✓"
	if task.Pending {
		marker = "○"
	}
	line := fmt.Sprintf("%s %d [%s] %s - %s", marker, task.ID, task.Status, task.Username, task.Changesets)
	if task.Error != "" {
		line += " (" + task.Error + ")"
	}
	return line
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
