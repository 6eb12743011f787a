// Package web serves the read-only status surface: a health probe, an
// auto-refreshing HTML page listing every session, a JSON API and the
// Prometheus metrics.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"slotbot/internal/config"
	appLog "slotbot/internal/log"
	"slotbot/internal/metrics"
	"slotbot/internal/session"
)

const shutdownTimeout = 5 * time.Second

// StatusSource is the read side of the session registry.
type StatusSource interface {
	Statuses() []session.Status
	Status(identity string) (session.Status, error)
}

// Server exposes session status over HTTP.
type Server struct {
	cfg      *config.Config
	sessions StatusSource
	router   chi.Router
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, sessions StatusSource) *Server {
	s := &Server{cfg: cfg, sessions: sessions}
	s.router = s.routes()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	// /health is always unauthenticated.
	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		if s.basicAuthEnabled() {
			appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
			r.Use(s.basicAuth)
		}
		r.Get("/", s.handleIndex)
		r.Get("/api/sessions", s.handleSessions)
		r.Get("/api/sessions/{id}", s.handleSession)
		r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	})
	return r
}

// Serve listens on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// An empty username or password disables auth.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="slotbot", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		appLog.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "took", time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// sessionResponse renders a missing pairing code as null.
type sessionResponse struct {
	session.Status
	PairingCode *string `json:"pairing_code"`
}

func toResponse(st session.Status) sessionResponse {
	resp := sessionResponse{Status: st}
	if st.HasPairingCode() {
		code := st.PairingCode
		resp.PairingCode = &code
	}
	return resp
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	statuses := s.sessions.Statuses()
	out := make([]sessionResponse, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, toResponse(st))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	st, err := s.sessions.Status(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, session.ErrUnknownIdentity) {
			writeError(w, http.StatusNotFound, "unknown session")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toResponse(st))
}

var indexTemplate = template.Must(template.New("index").Funcs(template.FuncMap{
	"statusClass": statusClass,
}).Parse(`<!DOCTYPE html>
<html lang="es">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<meta http-equiv="refresh" content="{{.Refresh}}">
<title>slotbot sessions</title>
<style>
body { font-family: sans-serif; margin: 0; padding: 20px; background: #eef2f7; color: #333; }
.container { max-width: 800px; margin: 20px auto; background: #fff; padding: 20px; border-radius: 8px; }
ul { list-style: none; padding: 0; }
li { background: #f8f9fa; margin-bottom: 12px; padding: 15px 20px; border-radius: 6px; }
.status { font-weight: bold; padding: 4px 10px; border-radius: 4px; color: #fff; display: inline-block; margin-top: 5px; }
.status-ok { background: #28a745; }
.status-qr { background: #ffc107; color: #333; }
.status-error { background: #dc3545; }
.status-init { background: #6c757d; }
code { word-break: break-all; }
</style>
</head>
<body>
<div class="container">
<h1>Sessions</h1>
{{if not .Sessions}}<p>No sessions configured.</p>{{end}}
<ul>
{{range .Sessions}}<li>
<strong>{{.Name}}</strong> <small>({{.Identity}})</small><br>
<span class="status {{statusClass .State}}">{{.Text}}</span>
{{if .HasPairingCode}}<p>Pairing code: <a href="/api/sessions/{{.Identity}}">view</a><br><code>{{.PairingCode}}</code></p>{{end}}
{{if .LastError}}<p><small>last error: {{.LastError}}</small></p>{{end}}
</li>
{{end}}</ul>
</div>
</body>
</html>
`))

func statusClass(state session.State) string {
	switch state {
	case session.StateConnected:
		return "status-ok"
	case session.StateQRPending:
		return "status-qr"
	case session.StateReconnectWait, session.StateLoggedOutPendingReset, session.StateErrored:
		return "status-error"
	default:
		return "status-init"
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	statuses := s.sessions.Statuses()
	// Reload less often while a pairing code is on screen.
	refresh := 10
	for _, st := range statuses {
		if st.HasPairingCode() {
			refresh = 25
			break
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := struct {
		Refresh  int
		Sessions []session.Status
	}{refresh, statuses}
	if err := indexTemplate.Execute(w, data); err != nil {
		appLog.Error("rendering index", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
