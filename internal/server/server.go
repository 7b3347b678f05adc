// Package server implements the RevertUI web front end: OSM login,
// changeset lookup, revert submission and the job queue pages. The
// actual reverting happens in the worker; the front end only produces
// queue rows.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/oauth2"

	"github.com/Zverik/RevertUI/internal/api"
	"github.com/Zverik/RevertUI/internal/config"
	"github.com/Zverik/RevertUI/internal/store"
)

const (
	readHeaderTimeout = 5 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 60 * time.Second
	idleTimeout       = 60 * time.Second

	osmScopes = "read_prefs write_api"
)

// Server wraps the HTTP handlers of the front end.
type Server struct {
	addr     string
	store    *store.Store
	cfg      *config.Config
	oauth    *oauth2.Config
	sessions *sessionCodec
	logger   *slog.Logger
	validate *validator.Validate
	osm      *osmProxy
}

// New creates a server instance.
func New(addr string, st *store.Store, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sessions, err := newSessionCodec(cfg.SessionSecret)
	if err != nil {
		return nil, err
	}
	if cfg.OAuth.ClientID == "" || cfg.OAuth.ClientSecret == "" {
		return nil, fmt.Errorf("oauth.client_id and oauth.client_secret are required to run the server")
	}

	authBase := strings.TrimRight(cfg.AuthBaseURL, "/")
	oauthCfg := &oauth2.Config{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  authBase + "/oauth2/authorize",
			TokenURL: authBase + "/oauth2/token",
		},
		RedirectURL: strings.TrimRight(cfg.BaseURL, "/") + "/oauth",
		Scopes:      strings.Fields(osmScopes),
	}

	return &Server{
		addr:     addr,
		store:    st,
		cfg:      cfg,
		oauth:    oauthCfg,
		sessions: sessions,
		logger:   logger,
		validate: validator.New(),
		osm:      newOSMProxy(cfg.APIEndpoint),
	}, nil
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	s.logger.Info("starting server", "addr", s.addr)
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}
	return server.ListenAndServe()
}

// ListenAddr converts the configured base URL into a listen address.
func ListenAddr(baseURL string) (string, error) {
	if baseURL == "" {
		return "", fmt.Errorf("base_url is required")
	}
	if u, err := url.Parse(baseURL); err == nil && u.Host != "" {
		host := u.Host
		if u.Port() == "" {
			if u.Scheme == "https" {
				host = net.JoinHostPort(u.Hostname(), "443")
			} else {
				host = net.JoinHostPort(u.Hostname(), "80")
			}
		}
		return host, nil
	}
	return baseURL, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write json response", "status", status, "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= 500 {
		s.logger.Error("request error", "status", status, "method", r.Method, "path", r.URL.Path, "error", err)
		err = fmt.Errorf("internal error")
	} else {
		s.logger.Debug("request rejected", "status", status, "method", r.Method, "path", r.URL.Path, "error", err)
	}
	s.writeJSON(w, status, api.ErrorResponse{Error: err.Error()})
}
