// Package worker drives one queued revert task from claim to a
// terminal status, with the guaranteed-close protocol around the OSM
// changeset calls.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Zverik/RevertUI/internal/config"
	"github.com/Zverik/RevertUI/internal/models"
	"github.com/Zverik/RevertUI/internal/osmapi"
	"github.com/Zverik/RevertUI/internal/revert"
)

// TaskStore is the slice of the task repository the worker needs.
type TaskStore interface {
	NextPending(ctx context.Context) (*models.Task, error)
	ClaimTask(ctx context.Context, id int64) (bool, error)
	SetStatus(ctx context.Context, id int64, status models.TaskStatus, errMsg string) error
	SetRevertID(ctx context.Context, id int64, revertID string) error
	MarkStuck(ctx context.Context, olderThan time.Duration) (int64, error)
}

// ChangesetClient wraps the three OSM changeset calls.
type ChangesetClient interface {
	CreateChangeset(ctx context.Context, tags map[string]string, creds *osmapi.Credentials) (string, error)
	Upload(ctx context.Context, changesetID string, osc []byte, creds *osmapi.Credentials) error
	CloseChangeset(ctx context.Context, changesetID string, creds *osmapi.Credentials) error
}

// Processor executes the task state machine. The caller must hold the
// worker lock; the processor never touches more than the one task it is
// given.
type Processor struct {
	store  TaskStore
	engine revert.Engine
	osm    ChangesetClient
	cfg    *config.Config
	logger *slog.Logger
}

// NewProcessor wires a processor.
func NewProcessor(taskStore TaskStore, engine revert.Engine, osm ChangesetClient, cfg *config.Config, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{store: taskStore, engine: engine, osm: osm, cfg: cfg, logger: logger}
}

// Process drives the task to a terminal status. A nil return means the
// outcome (success or failure) is recorded on the task row; a non-nil
// return is an unexpected fault the caller records as 'system error'.
func (p *Processor) Process(ctx context.Context, task *models.Task) error {
	// Commit point: after this the task will not be picked up again,
	// whatever happens to this run.
	claimed, err := p.store.ClaimTask(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("claim task %d: %w", task.ID, err)
	}
	if !claimed {
		p.logger.Warn("task no longer pending, skipping", "task", task.ID)
		return nil
	}
	task.Pending = false
	task.Status = models.StatusStart

	ids := task.ChangesetIDs()
	if len(ids) > p.cfg.MaxChangesets {
		return p.finish(ctx, task, models.StatusTooBig,
			fmt.Sprintf("Can revert at most %d changesets.", p.cfg.MaxChangesets))
	}

	progress := p.progressFunc(ctx, task)

	diffs, authors, err := p.engine.Download(ctx, ids, progress)
	if err != nil {
		var revErr *revert.RevertError
		if errors.As(err, &revErr) {
			return p.finish(ctx, task, models.StatusDownloadError, revErr.Message)
		}
		return fmt.Errorf("download changesets: %w", err)
	}

	if len(diffs) == 0 {
		return p.finish(ctx, task, models.StatusAlreadyReverted, "")
	}
	if len(diffs) > p.cfg.MaxDiffs {
		return p.finish(ctx, task, models.StatusTooBig,
			fmt.Sprintf("Would not revert %d changes.", len(diffs)))
	}

	changes, err := p.engine.Revert(ctx, diffs, progress)
	if err != nil {
		var revErr *revert.RevertError
		if errors.As(err, &revErr) {
			return p.finish(ctx, task, models.StatusRevertError, revErr.Message)
		}
		return fmt.Errorf("compute revert: %w", err)
	}
	if len(changes) == 0 {
		return p.finish(ctx, task, models.StatusAlreadyReverted, "")
	}

	creds, err := osmapi.ParseCredentials(task.Token, task.Secret)
	if err != nil {
		return p.finish(ctx, task, models.StatusError, err.Error())
	}

	tags := map[string]string{
		"created_by": p.cfg.CreatedBy,
		"comment":    taskComment(task, ids, authors),
	}

	changesetID, err := p.osm.CreateChangeset(ctx, tags, creds)
	if err != nil {
		var apiErr *osmapi.APIError
		if errors.As(err, &apiErr) {
			// Nothing was opened, so there is nothing to close.
			return p.finish(ctx, task, models.StatusError,
				fmt.Sprintf("Failed to create changeset: %d %s.", apiErr.Status, apiErr.Reason))
		}
		return fmt.Errorf("create changeset: %w", err)
	}

	return p.uploadAndClose(ctx, task, changesetID, changes, creds)
}

// uploadAndClose runs the part of the pipeline during which a changeset
// is open on the remote server. The close call happens on every path
// out of here, including panics during serialization or upload.
func (p *Processor) uploadAndClose(ctx context.Context, task *models.Task, changesetID string, changes revert.ChangeSet, creds *osmapi.Credentials) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("fault while uploading to changeset %s: %v", changesetID, rec)
		}
		closeErr := p.osm.CloseChangeset(ctx, changesetID, creds)
		if closeErr == nil {
			return
		}
		// A rejection response is logged and nothing more: the close is
		// best-effort finalization, not a second decision point. A
		// transport fault propagates to the runner.
		var apiErr *osmapi.APIError
		if errors.As(closeErr, &apiErr) {
			p.logger.Warn("changeset close rejected", "changeset", changesetID, "status", apiErr.Status)
			return
		}
		p.logger.Error("changeset close failed", "changeset", changesetID, "error", closeErr)
		if err == nil {
			err = fmt.Errorf("close changeset %s: %w", changesetID, closeErr)
		}
	}()

	if idErr := p.store.SetRevertID(ctx, task.ID, changesetID); idErr != nil {
		p.logger.Error("record revert changeset id", "task", task.ID, "error", idErr)
	}

	osc, oscErr := changes.OSC(changesetID)
	if oscErr != nil {
		return p.finish(ctx, task, models.StatusError,
			fmt.Sprintf("Failed to serialize changes: %v.", oscErr))
	}

	if upErr := p.osm.Upload(ctx, changesetID, osc, creds); upErr != nil {
		var apiErr *osmapi.APIError
		if errors.As(upErr, &apiErr) {
			return p.finish(ctx, task, models.StatusError,
				fmt.Sprintf("Server rejected the changeset with code %d: %s", apiErr.Status, apiErr.Body))
		}
		return p.finish(ctx, task, models.StatusError,
			fmt.Sprintf("Changeset upload failed: %v.", upErr))
	}

	return p.finish(ctx, task, models.StatusDone, "")
}

// progressFunc maps engine progress events onto status transitions,
// persisting only when the status actually changes.
func (p *Processor) progressFunc(ctx context.Context, task *models.Task) revert.ProgressFunc {
	return func(ev revert.Progress) {
		var next models.TaskStatus
		switch ev.Kind {
		case revert.ProgressDownload:
			next = models.StatusDownloading
		case revert.ProgressRevert:
			next = models.StatusReverting
		default:
			return
		}
		if task.Status == next {
			return
		}
		if err := p.store.SetStatus(ctx, task.ID, next, ""); err != nil {
			p.logger.Error("persist progress status", "task", task.ID, "status", next, "error", err)
			return
		}
		task.Status = next
	}
}

// finish persists the terminal status and error text.
func (p *Processor) finish(ctx context.Context, task *models.Task, status models.TaskStatus, errMsg string) error {
	if task.Status == status && errMsg == "" {
		return nil
	}
	if err := p.store.SetStatus(ctx, task.ID, status, errMsg); err != nil {
		return fmt.Errorf("persist status %q for task %d: %w", status, task.ID, err)
	}
	task.Status = status
	if errMsg != "" {
		task.Error = errMsg
		p.logger.Info("task finished", "task", task.ID, "status", status, "error", errMsg)
	} else {
		p.logger.Info("task finished", "task", task.ID, "status", status)
	}
	return nil
}

// taskComment picks the user's comment, or enumerates the reverted
// changesets with their authors in request order.
func taskComment(task *models.Task, ids []string, authors map[string]string) string {
	if strings.TrimSpace(task.Comment) != "" {
		return task.Comment
	}
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s by %s", id, authors[id]))
	}
	return strings.Join(parts, ", ")
}
