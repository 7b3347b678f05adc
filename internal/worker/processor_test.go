package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/Zverik/RevertUI/internal/config"
	"github.com/Zverik/RevertUI/internal/models"
	"github.com/Zverik/RevertUI/internal/osmapi"
	"github.com/Zverik/RevertUI/internal/revert"
	"github.com/Zverik/RevertUI/internal/store"
)

// fakeTaskStore implements TaskStore in memory and records every
// status write.
type fakeTaskStore struct {
	tasks        map[int64]*models.Task
	statusWrites []models.TaskStatus
}

func newFakeTaskStore(tasks ...*models.Task) *fakeTaskStore {
	st := &fakeTaskStore{tasks: make(map[int64]*models.Task)}
	for _, task := range tasks {
		st.tasks[task.ID] = task
	}
	return st
}

func (s *fakeTaskStore) NextPending(ctx context.Context) (*models.Task, error) {
	var oldest *models.Task
	for _, task := range s.tasks {
		if !task.Pending {
			continue
		}
		if oldest == nil || task.ID < oldest.ID {
			oldest = task
		}
	}
	if oldest == nil {
		return nil, store.ErrNotFound
	}
	copied := *oldest
	return &copied, nil
}

func (s *fakeTaskStore) ClaimTask(ctx context.Context, id int64) (bool, error) {
	task, ok := s.tasks[id]
	if !ok || !task.Pending {
		return false, nil
	}
	task.Pending = false
	task.Status = models.StatusStart
	return true, nil
}

func (s *fakeTaskStore) SetStatus(ctx context.Context, id int64, status models.TaskStatus, errMsg string) error {
	task, ok := s.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	task.Status = status
	if errMsg != "" {
		task.Error = errMsg
	}
	s.statusWrites = append(s.statusWrites, status)
	return nil
}

func (s *fakeTaskStore) SetRevertID(ctx context.Context, id int64, revertID string) error {
	task, ok := s.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	task.RevertID = revertID
	return nil
}

func (s *fakeTaskStore) MarkStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	return 0, nil
}

// fakeEngine scripts the two engine phases.
type fakeEngine struct {
	diffs       []revert.Diff
	authors     map[string]string
	downloadErr error
	changes     revert.ChangeSet
	revertErr   error
}

func (e *fakeEngine) Download(ctx context.Context, ids []string, progress revert.ProgressFunc) ([]revert.Diff, map[string]string, error) {
	if progress != nil {
		for _, id := range ids {
			progress(revert.Progress{Kind: revert.ProgressDownload, ChangesetID: id})
		}
		progress(revert.Progress{Kind: revert.ProgressFlush})
	}
	if e.downloadErr != nil {
		return nil, nil, e.downloadErr
	}
	return e.diffs, e.authors, nil
}

func (e *fakeEngine) Revert(ctx context.Context, diffs []revert.Diff, progress revert.ProgressFunc) (revert.ChangeSet, error) {
	if progress != nil {
		progress(revert.Progress{Kind: revert.ProgressRevert})
	}
	if e.revertErr != nil {
		return nil, e.revertErr
	}
	return e.changes, nil
}

// fakeChangesets records calls to the OSM changeset client.
type fakeChangesets struct {
	createID    string
	createErr   error
	uploadErr   error
	uploadPanic bool
	closeErr    error

	createdTags map[string]string
	uploads     []string
	closes      []string
}

func (c *fakeChangesets) CreateChangeset(ctx context.Context, tags map[string]string, creds *osmapi.Credentials) (string, error) {
	c.createdTags = tags
	if c.createErr != nil {
		return "", c.createErr
	}
	return c.createID, nil
}

func (c *fakeChangesets) Upload(ctx context.Context, changesetID string, osc []byte, creds *osmapi.Credentials) error {
	if c.uploadPanic {
		panic("serialization blew up")
	}
	c.uploads = append(c.uploads, changesetID)
	return c.uploadErr
}

func (c *fakeChangesets) CloseChangeset(ctx context.Context, changesetID string, creds *osmapi.Credentials) error {
	c.closes = append(c.closes, changesetID)
	return c.closeErr
}

func testConfig() *config.Config {
	cfg := config.Default()
	return &cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testTask() *models.Task {
	return &models.Task{
		ID:         1,
		Username:   "alice",
		Token:      `{"access_token":"tok"}`,
		Changesets: "111 222",
		Status:     models.StatusQueued,
		Pending:    true,
	}
}

func twoChangesetSetup() (*fakeEngine, *fakeChangesets) {
	engine := &fakeEngine{
		diffs:   []revert.Diff{{Kind: "node", ID: 10, FirstVersion: 4, LastVersion: 4}},
		authors: map[string]string{"111": "alice", "222": "bob"},
		changes: revert.ChangeSet{{Action: revert.ActionModify, Element: revert.Element{Kind: "node", ID: 10, Version: 4}}},
	}
	osm := &fakeChangesets{createID: "999"}
	return engine, osm
}

func runProcessor(t *testing.T, task *models.Task, st *fakeTaskStore, engine *fakeEngine, osm *fakeChangesets, cfg *config.Config) error {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	p := NewProcessor(st, engine, osm, cfg, quietLogger())
	return p.Process(context.Background(), task)
}

func TestTooManyChangesets(t *testing.T) {
	cfg := testConfig()
	cfg.MaxChangesets = 20
	task := testTask()
	ids := make([]string, 25)
	for i := range ids {
		ids[i] = fmt.Sprintf("%d", 100+i)
	}
	task.Changesets = strings.Join(ids, " ")

	st := newFakeTaskStore(task)
	engine, osm := twoChangesetSetup()
	if err := runProcessor(t, task, st, engine, osm, cfg); err != nil {
		t.Fatalf("process: %v", err)
	}

	if task.Status != models.StatusTooBig {
		t.Fatalf("expected too big, got %q", task.Status)
	}
	if !strings.Contains(task.Error, "20") {
		t.Fatalf("expected limit in message, got %q", task.Error)
	}
	if osm.createdTags != nil || len(osm.uploads) != 0 || len(osm.closes) != 0 {
		t.Fatal("expected no network calls for oversized task")
	}
}

func TestDownloadDomainError(t *testing.T) {
	task := testTask()
	st := newFakeTaskStore(task)
	engine, osm := twoChangesetSetup()
	engine.downloadErr = revert.Errorf("changeset 111 is missing")

	if err := runProcessor(t, task, st, engine, osm, nil); err != nil {
		t.Fatalf("process: %v", err)
	}
	if task.Status != models.StatusDownloadError {
		t.Fatalf("expected download error, got %q", task.Status)
	}
	if task.Error != "changeset 111 is missing" {
		t.Fatalf("expected verbatim domain message, got %q", task.Error)
	}
	if osm.createdTags != nil {
		t.Fatal("expected no changeset create after download failure")
	}
}

func TestDownloadUnexpectedFaultPropagates(t *testing.T) {
	task := testTask()
	st := newFakeTaskStore(task)
	engine, osm := twoChangesetSetup()
	engine.downloadErr = fmt.Errorf("disk on fire")

	err := runProcessor(t, task, st, engine, osm, nil)
	if err == nil {
		t.Fatal("expected unexpected fault to propagate")
	}
	if task.Status.IsTerminal() {
		t.Fatalf("processor must not classify unexpected faults, got %q", task.Status)
	}
	if osm.createdTags != nil {
		t.Fatal("expected no changeset create")
	}
}

func TestEmptyDiffsAlreadyReverted(t *testing.T) {
	task := testTask()
	task.Comment = "some comment"
	st := newFakeTaskStore(task)
	engine, osm := twoChangesetSetup()
	engine.diffs = nil

	if err := runProcessor(t, task, st, engine, osm, nil); err != nil {
		t.Fatalf("process: %v", err)
	}
	if task.Status != models.StatusAlreadyReverted {
		t.Fatalf("expected already reverted, got %q", task.Status)
	}
	if osm.createdTags != nil {
		t.Fatal("expected no network calls")
	}
}

func TestTooManyDiffs(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDiffs = 2
	task := testTask()
	st := newFakeTaskStore(task)
	engine, osm := twoChangesetSetup()
	engine.diffs = []revert.Diff{
		{Kind: "node", ID: 1}, {Kind: "node", ID: 2}, {Kind: "node", ID: 3},
	}

	if err := runProcessor(t, task, st, engine, osm, cfg); err != nil {
		t.Fatalf("process: %v", err)
	}
	if task.Status != models.StatusTooBig {
		t.Fatalf("expected too big, got %q", task.Status)
	}
	if !strings.Contains(task.Error, "3") {
		t.Fatalf("expected diff count in message, got %q", task.Error)
	}
	if osm.createdTags != nil {
		t.Fatal("expected no network calls")
	}
}

func TestRevertDomainError(t *testing.T) {
	task := testTask()
	st := newFakeTaskStore(task)
	engine, osm := twoChangesetSetup()
	engine.revertErr = revert.Errorf("cannot revert node 10")

	if err := runProcessor(t, task, st, engine, osm, nil); err != nil {
		t.Fatalf("process: %v", err)
	}
	if task.Status != models.StatusRevertError {
		t.Fatalf("expected revert error, got %q", task.Status)
	}
	if task.Error != "cannot revert node 10" {
		t.Fatalf("expected verbatim message, got %q", task.Error)
	}
	if osm.createdTags != nil {
		t.Fatal("expected no changeset create")
	}
}

func TestEmptyChangeSetAlreadyReverted(t *testing.T) {
	task := testTask()
	st := newFakeTaskStore(task)
	engine, osm := twoChangesetSetup()
	engine.changes = nil

	if err := runProcessor(t, task, st, engine, osm, nil); err != nil {
		t.Fatalf("process: %v", err)
	}
	if task.Status != models.StatusAlreadyReverted {
		t.Fatalf("expected already reverted, got %q", task.Status)
	}
	if osm.createdTags != nil {
		t.Fatal("expected no network calls")
	}
}

func TestEndToEndDone(t *testing.T) {
	task := testTask()
	st := newFakeTaskStore(task)
	engine, osm := twoChangesetSetup()

	if err := runProcessor(t, task, st, engine, osm, nil); err != nil {
		t.Fatalf("process: %v", err)
	}

	if task.Status != models.StatusDone {
		t.Fatalf("expected done, got %q (%s)", task.Status, task.Error)
	}
	if task.RevertID != "999" {
		t.Fatalf("expected revert id '999', got %q", task.RevertID)
	}
	if got := osm.createdTags["comment"]; got != "111 by alice, 222 by bob" {
		t.Fatalf("expected auto-generated comment, got %q", got)
	}
	if got := osm.createdTags["created_by"]; got == "" {
		t.Fatal("expected created_by tag")
	}
	if len(osm.uploads) != 1 || osm.uploads[0] != "999" {
		t.Fatalf("expected one upload to 999, got %v", osm.uploads)
	}
	if len(osm.closes) != 1 || osm.closes[0] != "999" {
		t.Fatalf("expected exactly one close of 999, got %v", osm.closes)
	}
	if task.Pending {
		t.Fatal("expected pending=false")
	}
}

func TestUserCommentPreferred(t *testing.T) {
	task := testTask()
	task.Comment = "reverting vandalism"
	st := newFakeTaskStore(task)
	engine, osm := twoChangesetSetup()

	if err := runProcessor(t, task, st, engine, osm, nil); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := osm.createdTags["comment"]; got != "reverting vandalism" {
		t.Fatalf("expected user comment, got %q", got)
	}
}

func TestCreateFailureNothingToClose(t *testing.T) {
	task := testTask()
	st := newFakeTaskStore(task)
	engine, osm := twoChangesetSetup()
	osm.createErr = &osmapi.APIError{Status: 401, Reason: "Unauthorized"}

	if err := runProcessor(t, task, st, engine, osm, nil); err != nil {
		t.Fatalf("process: %v", err)
	}
	if task.Status != models.StatusError {
		t.Fatalf("expected error, got %q", task.Status)
	}
	if !strings.Contains(task.Error, "401") || !strings.Contains(task.Error, "Unauthorized") {
		t.Fatalf("expected status and reason in message, got %q", task.Error)
	}
	if len(osm.closes) != 0 {
		t.Fatalf("nothing was opened, nothing to close, got %v", osm.closes)
	}
}

func TestUploadFailureStillCloses(t *testing.T) {
	task := testTask()
	st := newFakeTaskStore(task)
	engine, osm := twoChangesetSetup()
	osm.uploadErr = &osmapi.APIError{Status: 409, Reason: "Conflict", Body: "conflict"}

	if err := runProcessor(t, task, st, engine, osm, nil); err != nil {
		t.Fatalf("process: %v", err)
	}
	if task.Status != models.StatusError {
		t.Fatalf("expected error, got %q", task.Status)
	}
	if !strings.Contains(task.Error, "409") || !strings.Contains(task.Error, "conflict") {
		t.Fatalf("expected status and body in message, got %q", task.Error)
	}
	if len(osm.closes) != 1 || osm.closes[0] != "999" {
		t.Fatalf("expected close of 999 despite upload failure, got %v", osm.closes)
	}

	// Status was persisted before the close call.
	last := st.statusWrites[len(st.statusWrites)-1]
	if last != models.StatusError {
		t.Fatalf("expected final persisted status error, got %q", last)
	}
}

func TestUploadPanicStillCloses(t *testing.T) {
	task := testTask()
	st := newFakeTaskStore(task)
	engine, osm := twoChangesetSetup()
	osm.uploadPanic = true

	err := runProcessor(t, task, st, engine, osm, nil)
	if err == nil {
		t.Fatal("expected fault to surface")
	}
	if len(osm.closes) != 1 || osm.closes[0] != "999" {
		t.Fatalf("expected close despite panic, got %v", osm.closes)
	}
}

func TestCloseRejectionDoesNotChangeOutcome(t *testing.T) {
	task := testTask()
	st := newFakeTaskStore(task)
	engine, osm := twoChangesetSetup()
	osm.closeErr = &osmapi.APIError{Status: 409, Reason: "Conflict"}

	if err := runProcessor(t, task, st, engine, osm, nil); err != nil {
		t.Fatalf("close rejection must not fail the pass: %v", err)
	}
	if task.Status != models.StatusDone {
		t.Fatalf("expected done, got %q", task.Status)
	}
}

func TestCloseTransportFaultPropagates(t *testing.T) {
	task := testTask()
	st := newFakeTaskStore(task)
	engine, osm := twoChangesetSetup()
	osm.closeErr = fmt.Errorf("connection reset")

	err := runProcessor(t, task, st, engine, osm, nil)
	if err == nil {
		t.Fatal("expected transport fault during close to propagate")
	}
}

func TestLegacyCredentialsRejected(t *testing.T) {
	task := testTask()
	task.Token = "oauth1-token"
	task.Secret = "oauth1-secret"
	st := newFakeTaskStore(task)
	engine, osm := twoChangesetSetup()

	if err := runProcessor(t, task, st, engine, osm, nil); err != nil {
		t.Fatalf("process: %v", err)
	}
	if task.Status != models.StatusError {
		t.Fatalf("expected error, got %q", task.Status)
	}
	if osm.createdTags != nil {
		t.Fatal("expected no changeset create with unusable credentials")
	}
}

func TestProgressTransitionsPersistOnce(t *testing.T) {
	task := testTask()
	st := newFakeTaskStore(task)
	engine, osm := twoChangesetSetup()

	if err := runProcessor(t, task, st, engine, osm, nil); err != nil {
		t.Fatalf("process: %v", err)
	}

	var downloading, reverting int
	for _, s := range st.statusWrites {
		switch s {
		case models.StatusDownloading:
			downloading++
		case models.StatusReverting:
			reverting++
		}
	}
	// Two download events for two changesets, but only one transition.
	if downloading != 1 {
		t.Fatalf("expected one downloading write, got %d", downloading)
	}
	if reverting != 1 {
		t.Fatalf("expected one reverting write, got %d", reverting)
	}
}

func TestClaimLostDoesNothing(t *testing.T) {
	task := testTask()
	task.Pending = false
	st := newFakeTaskStore(task)
	engine, osm := twoChangesetSetup()

	if err := runProcessor(t, task, st, engine, osm, nil); err != nil {
		t.Fatalf("process: %v", err)
	}
	if osm.createdTags != nil {
		t.Fatal("expected no work on unclaimable task")
	}
}
