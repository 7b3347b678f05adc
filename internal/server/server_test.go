package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/Zverik/RevertUI/internal/api"
	"github.com/Zverik/RevertUI/internal/config"
	"github.com/Zverik/RevertUI/internal/models"
	"github.com/Zverik/RevertUI/internal/store"
)

func newTestServer(t *testing.T, osmURL string) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.SessionSecret = "test-secret"
	cfg.OAuth.ClientID = "client"
	cfg.OAuth.ClientSecret = "secret"
	if osmURL != "" {
		cfg.APIEndpoint = osmURL
	}

	srv, err := New("127.0.0.1:0", st, &cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv, st
}

func loginAs(t *testing.T, srv *Server, r *http.Request, username string) {
	t.Helper()
	token, err := srv.sessions.encode(Session{Username: username, Token: `{"access_token":"tok","token_type":"Bearer"}`})
	if err != nil {
		t.Fatalf("encode session: %v", err)
	}
	r.AddCookie(&http.Cookie{Name: sessionCookieName, Value: token})
}

func TestParseChangesetList(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"empty", "", nil},
		{"single id", "12345", []string{"12345"}},
		{"commas and spaces", "1, 2 3", []string{"1", "2", "3"}},
		{"newlines", "1\n2\r\n3", []string{"1", "2", "3"}},
		{"osm links", "https://www.openstreetmap.org/changeset/4242", []string{"4242"}},
		{"mixed", "11 https://osm.org/changeset/22,33", []string{"11", "22", "33"}},
		{"duplicates dropped", "5 5 5", []string{"5"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := parseChangesetList(tc.raw)
			if len(got) == 0 && len(tc.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("parseChangesetList(%q) = %v, want %v", tc.raw, got, tc.want)
			}
		})
	}
}

// The route table mixes literal-first and wildcard-first patterns;
// registering it must not trip ServeMux's ambiguity check, and paths
// whose second segment is "cancel" still belong to the proxy routes.
func TestRouteTableUnambiguous(t *testing.T) {
	srv, _ := newTestServer(t, "")
	routes := srv.routes()

	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/changeset/cancel", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("GET /changeset/cancel = %d, want 400 from the changeset proxy", rec.Code)
	}

	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cancel/999", nil))
	if rec.Code != http.StatusFound {
		t.Errorf("GET /cancel/999 = %d, want 302 to login", rec.Code)
	}
}

func TestFrontPageLoggedOut(t *testing.T) {
	srv, _ := newTestServer(t, "")
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "/login") {
		t.Error("logged-out front page has no login link")
	}
	if strings.Contains(rec.Body.String(), "<form") {
		t.Error("logged-out front page must not show the submission form")
	}
}

func TestFrontPageLoggedIn(t *testing.T) {
	srv, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	loginAs(t, srv, req, "alice")
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "alice") || !strings.Contains(body, `name="csrf"`) {
		t.Error("logged-in front page is missing the form or the user name")
	}
	var csrf string
	for _, c := range rec.Result().Cookies() {
		if c.Name == csrfCookieName {
			csrf = c.Value
		}
	}
	if csrf == "" {
		t.Error("front page did not set a csrf cookie")
	}
	if !strings.Contains(body, csrf) {
		t.Error("csrf cookie value is not embedded in the form")
	}
}

func submitRevert(t *testing.T, srv *Server, user, changesets, comment string, withCSRF bool) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{"changesets": {changesets}, "comment": {comment}}
	csrf := "one-shot-token"
	form.Set("csrf", csrf)
	req := httptest.NewRequest(http.MethodPost, "/revert", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if user != "" {
		loginAs(t, srv, req, user)
	}
	if withCSRF {
		req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: csrf})
	}
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	return rec
}

func TestRevertSubmission(t *testing.T) {
	srv, st := newTestServer(t, "")
	rec := submitRevert(t, srv, "alice", "100, https://www.openstreetmap.org/changeset/200", "vandalism", true)
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302; body %s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != "/1" {
		t.Errorf("redirect = %q, want /1", loc)
	}
	task, err := st.GetTask(context.Background(), 1)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Changesets != "100 200" {
		t.Errorf("changesets = %q, want %q", task.Changesets, "100 200")
	}
	if task.Username != "alice" || task.Comment != "vandalism" {
		t.Errorf("task = %+v", task)
	}
	if !task.Pending || task.Status != models.StatusQueued {
		t.Errorf("new task must be pending and queued, got pending=%v status=%q", task.Pending, task.Status)
	}
}

func TestRevertRequiresCSRF(t *testing.T) {
	srv, st := newTestServer(t, "")
	rec := submitRevert(t, srv, "alice", "100", "", false)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if _, err := st.GetTask(context.Background(), 1); err == nil {
		t.Error("task was created despite a missing csrf token")
	}
}

func TestRevertRequiresLogin(t *testing.T) {
	srv, _ := newTestServer(t, "")
	rec := submitRevert(t, srv, "", "100", "", true)
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/login" {
		t.Errorf("redirect = %q, want /login", loc)
	}
}

func TestRevertRejectsNonNumeric(t *testing.T) {
	srv, _ := newTestServer(t, "")
	rec := submitRevert(t, srv, "alice", "100 not-a-changeset", "", true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body %s", rec.Code, rec.Body.String())
	}
}

func TestJobPageJSON(t *testing.T) {
	srv, st := newTestServer(t, "")
	task := &models.Task{Username: "alice", Token: "tok", Changesets: "100"}
	if err := st.CreateTask(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/%d", task.ID), nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var view api.TaskView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.ID != task.ID || view.Status != "queued" || !view.Pending {
		t.Errorf("view = %+v", view)
	}
	if strings.Contains(rec.Body.String(), "tok") {
		t.Error("credentials leaked into the job view")
	}
}

func TestJobPageNotFound(t *testing.T) {
	srv, _ := newTestServer(t, "")
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/999", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCancelOwnPendingTask(t *testing.T) {
	srv, st := newTestServer(t, "")
	task := &models.Task{Username: "alice", Changesets: "100"}
	if err := st.CreateTask(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/cancel/%d", task.ID), nil)
	loginAs(t, srv, req, "alice")
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302; body %s", rec.Code, rec.Body.String())
	}
	if _, err := st.GetTask(context.Background(), task.ID); err == nil {
		t.Error("task still exists after cancel")
	}
}

func TestCancelSomeoneElsesTask(t *testing.T) {
	srv, st := newTestServer(t, "")
	task := &models.Task{Username: "alice", Changesets: "100"}
	if err := st.CreateTask(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/cancel/%d", task.ID), nil)
	loginAs(t, srv, req, "mallory")
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if _, err := st.GetTask(context.Background(), task.ID); err != nil {
		t.Error("task was deleted by a stranger")
	}
}

func TestCancelClaimedTaskRefused(t *testing.T) {
	srv, st := newTestServer(t, "")
	task := &models.Task{Username: "alice", Changesets: "100"}
	if err := st.CreateTask(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	if _, err := st.ClaimTask(context.Background(), task.ID); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/cancel/%d", task.ID), nil)
	loginAs(t, srv, req, "alice")
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestQueueJSON(t *testing.T) {
	srv, st := newTestServer(t, "")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		task := &models.Task{Username: "alice", Changesets: fmt.Sprintf("%d", 100+i)}
		if err := st.CreateTask(ctx, task); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := st.ClaimTask(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if err := st.SetStatus(ctx, 1, models.StatusDone, ""); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/queue?format=json", nil)
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp api.QueueResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Pending) != 2 || len(resp.Done) != 1 {
		t.Errorf("pending=%d done=%d, want 2/1", len(resp.Pending), len(resp.Done))
	}
	if resp.Done[0].Status != "done" {
		t.Errorf("done status = %q", resp.Done[0].Status)
	}
}

func TestChangesetProxyKeepsQueryOrder(t *testing.T) {
	osm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/0.6/changesets" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("changesets"); got != "222,111" {
			t.Errorf("changesets param = %q", got)
		}
		fmt.Fprint(w, `<osm>
<changeset id="111" user="alice" created_at="2024-02-01T10:00:00Z">
<tag k="comment" v="first"/></changeset>
<changeset id="222" user="bob" created_at="2024-03-01T10:00:00Z"/>
</osm>`)
	}))
	defer osm.Close()

	srv, _ := newTestServer(t, osm.URL)
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/changeset/222,111", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var infos []api.ChangesetInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &infos); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(infos) != 2 || infos[0].ID != "222" || infos[1].ID != "111" {
		t.Fatalf("infos = %+v, want query order 222 then 111", infos)
	}
	if infos[1].Tags["comment"] != "first" {
		t.Errorf("tags not carried over: %+v", infos[1])
	}
}

func TestChangesetProxyRejectsGarbage(t *testing.T) {
	srv, _ := newTestServer(t, "")
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/changeset/abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestByUserProxy(t *testing.T) {
	osm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("display_name"); got != "alice" {
			t.Errorf("display_name = %q", got)
		}
		if got := r.URL.Query().Get("closed"); got != "true" {
			t.Errorf("closed = %q", got)
		}
		fmt.Fprint(w, `<osm><changeset id="7" user="alice" created_at="2024-01-01T00:00:00Z"/></osm>`)
	}))
	defer osm.Close()

	srv, _ := newTestServer(t, osm.URL)
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/by_user/alice", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var infos []api.ChangesetInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &infos); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(infos) != 1 || infos[0].ID != "7" {
		t.Errorf("infos = %+v", infos)
	}
}

func TestLogout(t *testing.T) {
	srv, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/logout", nil)
	loginAs(t, srv, req, "alice")
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	cleared := false
	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookieName && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Error("session cookie was not cleared")
	}
}
