package server

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/Zverik/RevertUI/internal/api"
	"github.com/Zverik/RevertUI/internal/models"
	"github.com/Zverik/RevertUI/internal/store"
)

// changesetURLRe matches changeset links pasted from the osm.org site.
var changesetURLRe = regexp.MustCompile(`changeset/(\d+)`)

type revertRequest struct {
	Changesets []string `validate:"required,min=1,dive,numeric"`
	Comment    string   `validate:"max=255"`
}

// parseChangesetList splits a pasted blob of changeset references into
// bare IDs. Commas, whitespace and full osm.org links all work.
func parseChangesetList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	seen := make(map[string]bool, len(fields))
	ids := make([]string, 0, len(fields))
	for _, f := range fields {
		if m := changesetURLRe.FindStringSubmatch(f); m != nil {
			f = m[1]
		}
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		ids = append(ids, f)
	}
	return ids
}

func (s *Server) handleFront(w http.ResponseWriter, r *http.Request) {
	session, ok := s.currentSession(r)
	if !ok {
		s.render(w, "login.html", nil)
		return
	}
	csrf := uuid.NewString()
	setCSRFCookie(w, csrf)
	s.render(w, "index.html", map[string]any{
		"Username": session.Username,
		"CSRF":     csrf,
	})
}

func (s *Server) handleChangesets(w http.ResponseWriter, r *http.Request) {
	ids := parseChangesetList(r.PathValue("ids"))
	if len(ids) == 0 {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("no changeset ids given"))
		return
	}
	for _, id := range ids {
		if _, err := strconv.ParseInt(id, 10, 64); err != nil {
			s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid changeset id %q", id))
			return
		}
	}
	infos, err := s.osm.Changesets(r.Context(), ids)
	if err != nil {
		s.writeError(w, r, http.StatusBadGateway, err)
		return
	}
	s.writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleByUser(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")
	if user == "" {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("no user given"))
		return
	}
	infos, err := s.osm.ByUser(r.Context(), user)
	if err != nil {
		s.writeError(w, r, http.StatusBadGateway, err)
		return
	}
	s.writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleRevert(w http.ResponseWriter, r *http.Request) {
	session, ok := s.currentSession(r)
	if !ok {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}
	if !checkCSRF(w, r) {
		s.writeError(w, r, http.StatusForbidden, fmt.Errorf("csrf token mismatch"))
		return
	}

	req := revertRequest{
		Changesets: parseChangesetList(r.FormValue("changesets")),
		Comment:    strings.TrimSpace(r.FormValue("comment")),
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid revert request: %w", err))
		return
	}

	task := &models.Task{
		Username:   session.Username,
		Token:      session.Token,
		Changesets: strings.Join(req.Changesets, " "),
		Comment:    req.Comment,
	}
	if err := s.store.CreateTask(r.Context(), task); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, fmt.Errorf("queue revert: %w", err))
		return
	}
	s.logger.Info("revert queued", "task", task.ID, "user", session.Username, "changesets", task.Changesets)
	http.Redirect(w, r, fmt.Sprintf("/%d", task.ID), http.StatusFound)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	task, err := s.store.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	position := 0
	if task.Pending {
		if position, err = s.store.QueuePosition(r.Context(), id); err != nil {
			s.writeError(w, r, http.StatusInternalServerError, err)
			return
		}
	}

	view := api.NewTaskView(task)
	if wantsJSON(r) {
		s.writeJSON(w, http.StatusOK, view)
		return
	}
	session, _ := s.currentSession(r)
	s.render(w, "job.html", map[string]any{
		"Task":     view,
		"Position": position,
		"Owner":    session.Username == task.Username,
		"Refresh":  !task.Status.IsTerminal(),
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	session, ok := s.currentSession(r)
	if !ok {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	task, err := s.store.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if task.Username != session.Username {
		s.writeError(w, r, http.StatusForbidden, fmt.Errorf("not your task"))
		return
	}
	if err := s.store.DeleteTask(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, r, http.StatusConflict, fmt.Errorf("task is already being processed"))
			return
		}
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("task cancelled", "task", id, "user", session.Username)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	pending := true
	pendingTasks, err := s.store.ListTasks(r.Context(), store.ListFilter{Pending: &pending})
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	notPending := false
	doneTasks, err := s.store.ListTasks(r.Context(), store.ListFilter{Pending: &notPending, Limit: s.cfg.MaxHistory})
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	resp := api.QueueResponse{
		Pending: make([]api.TaskView, 0, len(pendingTasks)),
		Done:    make([]api.TaskView, 0, len(doneTasks)),
	}
	for _, t := range pendingTasks {
		resp.Pending = append(resp.Pending, api.NewTaskView(t))
	}
	for _, t := range doneTasks {
		resp.Done = append(resp.Done, api.NewTaskView(t))
	}

	if wantsJSON(r) {
		s.writeJSON(w, http.StatusOK, resp)
		return
	}
	s.render(w, "queue.html", resp)
}

func wantsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/json") || r.URL.Query().Get("format") == "json"
}
