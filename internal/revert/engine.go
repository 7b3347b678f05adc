// Package revert downloads the diffs of submitted changesets and
// computes the change set that undoes them. The worker depends only on
// the Engine interface; the HTTP implementation lives in client.go.
package revert

import (
	"context"
	"fmt"
)

// Engine is the two-phase revert contract the job processor drives.
type Engine interface {
	// Download fetches the diffs of the given changesets and the map
	// from changeset ID to its author's display name. Domain failures
	// are reported as *RevertError.
	Download(ctx context.Context, ids []string, progress ProgressFunc) ([]Diff, map[string]string, error)

	// Revert computes the change set that undoes the downloaded diffs.
	// An empty change set means there is nothing left to revert.
	Revert(ctx context.Context, diffs []Diff, progress ProgressFunc) (ChangeSet, error)
}

// RevertError is a domain failure with a message meant for the
// submitting user. Anything else coming out of the engine is treated as
// an unexpected fault.
type RevertError struct {
	Message string
}

func (e *RevertError) Error() string {
	return e.Message
}

// Errorf builds a *RevertError.
func Errorf(format string, args ...any) *RevertError {
	return &RevertError{Message: fmt.Sprintf(format, args...)}
}

// ProgressKind tags a progress event.
type ProgressKind int

const (
	// ProgressFlush is a heartbeat; receivers ignore it.
	ProgressFlush ProgressKind = iota
	// ProgressDownload reports a download step for one changeset.
	ProgressDownload
	// ProgressRevert reports a revert-computation step.
	ProgressRevert
)

// Progress is one event of the engine's progress stream. Receivers
// react to the Kind only.
type Progress struct {
	Kind        ProgressKind
	ChangesetID string
}

// ProgressFunc receives progress events synchronously. May be nil.
type ProgressFunc func(Progress)

func (f ProgressFunc) emit(p Progress) {
	if f != nil {
		f(p)
	}
}

// Diff describes everything the submitted changesets did to one OSM
// primitive, merged across changesets.
type Diff struct {
	Kind         string // node, way or relation
	ID           int64
	FirstVersion int64 // earliest version the reverted changesets produced
	LastVersion  int64 // latest version the reverted changesets produced
	Created      bool  // the primitive was created by a reverted changeset
}

// Action is what one change-set operation does on upload.
type Action string

const (
	ActionCreate Action = "create"
	ActionModify Action = "modify"
	ActionDelete Action = "delete"
)

// Op is a single operation in the computed change set.
type Op struct {
	Action  Action
	Element Element
}

// ChangeSet is the bundled list of operations that undoes the diffs.
type ChangeSet []Op
