package server

import "net/http"

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleFront)
	mux.HandleFunc("GET /login", s.handleLogin)
	mux.HandleFunc("GET /oauth", s.handleOAuthCallback)
	mux.HandleFunc("GET /logout", s.handleLogout)

	mux.HandleFunc("GET /changeset/{ids}", s.handleChangesets)
	mux.HandleFunc("GET /by_user/{user}", s.handleByUser)
	mux.HandleFunc("POST /revert", s.handleRevert)
	mux.HandleFunc("GET /queue", s.handleQueue)
	// Cancel lives under a literal prefix: a wildcard-first pattern like
	// /{id}/cancel would overlap the two-segment proxy routes above and
	// ServeMux refuses ambiguous registrations.
	mux.HandleFunc("GET /cancel/{id}", s.handleCancel)
	mux.HandleFunc("GET /{id}", s.handleJob)

	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}
