package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	sessionCookieName = "revertui_session"
	csrfCookieName    = "revertui_csrf"
	sessionLifetime   = 30 * 24 * time.Hour
)

// Session is what a logged-in user carries between requests: their OSM
// display name and the delegated token blob the worker will sign
// requests with.
type Session struct {
	Username string
	Token    string
}

type sessionClaims struct {
	Username string `json:"username"`
	Token    string `json:"token"`
	jwt.RegisteredClaims
}

// sessionCodec signs and verifies session cookies.
type sessionCodec struct {
	secret []byte
}

func newSessionCodec(secret string) (*sessionCodec, error) {
	if secret == "" {
		return nil, fmt.Errorf("session_secret is required to run the server")
	}
	return &sessionCodec{secret: []byte(secret)}, nil
}

func (c *sessionCodec) encode(session Session) (string, error) {
	now := time.Now()
	claims := sessionClaims{
		Username: session.Username,
		Token:    session.Token,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionLifetime)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

func (c *sessionCodec) decode(token string) (Session, error) {
	var claims sessionClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.secret, nil
	})
	if err != nil {
		return Session{}, err
	}
	if !parsed.Valid || claims.Username == "" {
		return Session{}, fmt.Errorf("invalid session")
	}
	return Session{Username: claims.Username, Token: claims.Token}, nil
}

func (s *Server) currentSession(r *http.Request) (Session, bool) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return Session{}, false
	}
	session, err := s.sessions.decode(cookie.Value)
	if err != nil {
		return Session{}, false
	}
	return session, true
}

func (s *Server) setSession(w http.ResponseWriter, session Session) error {
	token, err := s.sessions.encode(session)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(sessionLifetime.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func (s *Server) clearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}

func setCSRFCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   3600,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearCSRFCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}

// checkCSRF compares the submitted token with the cookie and burns the
// cookie either way.
func checkCSRF(w http.ResponseWriter, r *http.Request) bool {
	cookie, err := r.Cookie(csrfCookieName)
	clearCSRFCookie(w)
	if err != nil || cookie.Value == "" {
		return false
	}
	return r.FormValue("csrf") == cookie.Value
}
