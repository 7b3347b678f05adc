package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

const stateCookieName = "revertui_state"

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	state := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, s.oauth.AuthCodeURL(state), http.StatusFound)
}

func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(stateCookieName)
	if err != nil || cookie.Value == "" || cookie.Value != r.URL.Query().Get("state") {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("oauth state mismatch"))
		return
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookieName, Value: "", Path: "/", MaxAge: -1})

	code := r.URL.Query().Get("code")
	if code == "" {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("missing authorization code"))
		return
	}
	token, err := s.oauth.Exchange(r.Context(), code)
	if err != nil {
		s.writeError(w, r, http.StatusBadGateway, fmt.Errorf("exchange authorization code: %w", err))
		return
	}

	username, err := s.osm.UserDetails(r.Context(), s.oauth.Client(r.Context(), token))
	if err != nil {
		s.writeError(w, r, http.StatusBadGateway, err)
		return
	}

	blob, err := marshalToken(token)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if err := s.setSession(w, Session{Username: username, Token: blob}); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("user logged in", "user", username)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.clearSession(w)
	http.Redirect(w, r, "/", http.StatusFound)
}

// marshalToken stores the token the same way the worker reads it back.
func marshalToken(token *oauth2.Token) (string, error) {
	blob, err := json.Marshal(token)
	if err != nil {
		return "", fmt.Errorf("marshal oauth token: %w", err)
	}
	return string(blob), nil
}
