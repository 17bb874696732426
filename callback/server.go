// Package callback runs the loopback HTTP listener that receives the
// authorization redirect for interactive sign in.
package callback

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"ceuplanner/auth"
)

// RetryPath is where the error page sends the user to start over.
const RetryPath = "/login?return_to=" + auth.DefaultReturnTo

// Authenticator is the part of auth.Manager the listener drives.
type Authenticator interface {
	BeginLogin(ctx context.Context, returnTo string) auth.LoginResult
	CompleteCallback(ctx context.Context, callbackURL string) (string, error)
}

// Result reports one callback. Err is nil when sign in completed.
type Result struct {
	ReturnTo string
	Err      error
}

// Server serves the redirect URI on its loopback host.
type Server struct {
	auth     Authenticator
	logger   *slog.Logger
	addr     string
	path     string
	results  chan Result
	pubMu    sync.Mutex
	httpSrv  *http.Server
	listener net.Listener
	once     sync.Once
}

// New validates redirectURI and prepares a server for it. The redirect URI
// must be a plain http URL on a loopback host.
func New(redirectURI string, a Authenticator, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("parse redirect uri: %w", err)
	}
	if u.Scheme != "http" {
		return nil, fmt.Errorf("redirect uri %q must use http to be served locally", redirectURI)
	}
	if !isLoopback(u.Hostname()) {
		return nil, fmt.Errorf("redirect uri host %q is not a loopback address", u.Hostname())
	}
	port := u.Port()
	if port == "" {
		port = "80"
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	return &Server{
		auth:    a,
		logger:  logger,
		addr:    net.JoinHostPort(u.Hostname(), port),
		path:    path,
		results: make(chan Result, 1),
	}, nil
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Routes constructs the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(s.logger))
	r.Use(RecoveryMiddleware(s.logger))
	r.Use(SecurityHeadersMiddleware)

	r.Get(s.path, s.handleCallback)
	r.Get("/login", s.handleLogin)

	return r
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("callback listener started", "addr", ln.Addr().String(), "path", s.path)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("callback listener error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Results delivers the latest unread callback outcome. A newer outcome
// replaces an unread one, except that an unread success is never replaced
// by a failure.
func (s *Server) Results() <-chan Result {
	return s.results
}

// Wait blocks until a callback completes sign in or ctx ends. Failed
// callbacks are logged and waiting continues, since the error page offers
// a retry.
func (s *Server) Wait(ctx context.Context) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case res := <-s.results:
			if res.Err == nil {
				return res.ReturnTo, nil
			}
			s.logger.Warn("sign in attempt failed", "error", res.Err)
		}
	}
}

// Shutdown stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		if s.httpSrv != nil {
			err = s.httpSrv.Shutdown(ctx)
		}
	})
	return err
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	returnTo, err := s.auth.CompleteCallback(r.Context(), s.callbackURL(r))
	if err != nil {
		s.logger.Warn("callback failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		s.publish(Result{Err: err})
		renderPage(w, http.StatusBadRequest, page{
			Title:     "Sign in failed",
			Message:   "Could not complete sign in. Please try again.",
			RetryPath: RetryPath,
		})
		return
	}
	s.publish(Result{ReturnTo: returnTo})
	renderPage(w, http.StatusOK, page{
		Title:   "Signed in",
		Message: "You are signed in. You can close this window and return to the terminal.",
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	returnTo := r.URL.Query().Get("return_to")
	if returnTo == "" || !strings.HasPrefix(returnTo, "/") || strings.HasPrefix(returnTo, "//") {
		returnTo = auth.DefaultReturnTo
	}
	sink := &redirectSink{w: w, r: r}
	res := s.auth.BeginLogin(withRedirect(r.Context(), sink), returnTo)
	if res.Err != nil || !res.Navigated {
		s.logger.Warn("login from retry page failed", "error", res.Err)
		renderPage(w, http.StatusServiceUnavailable, page{
			Title:   "Sign in unavailable",
			Message: "Sign in is not available right now.",
		})
		return
	}
	if !sink.used {
		// Navigation went elsewhere, e.g. a browser opened by the fallback.
		renderPage(w, http.StatusOK, page{
			Title:   "Continue sign in",
			Message: "Continue in the window that just opened.",
		})
	}
}

// callbackURL rebuilds the absolute URL the browser requested.
func (s *Server) callbackURL(r *http.Request) string {
	u := *r.URL
	u.Scheme = "http"
	u.Host = r.Host
	return u.String()
}

// publish never blocks. Only publishers send, and they hold pubMu, so the
// buffer is empty once the stale outcome is drained.
func (s *Server) publish(res Result) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	select {
	case prev := <-s.results:
		if prev.Err == nil && res.Err != nil {
			res = prev
		}
	default:
	}
	s.results <- res
}

type page struct {
	Title     string
	Message   string
	RetryPath string
}

var pageTemplate = template.Must(template.New("page").Parse(`<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>{{.Title}}</title>
<style>body{font-family:system-ui,sans-serif;max-width:32rem;margin:4rem auto;padding:0 1rem}</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
{{if .RetryPath}}<p><a href="{{.RetryPath}}">Try again</a></p>{{end}}
</body>
</html>
`))

func renderPage(w http.ResponseWriter, status int, p page) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = pageTemplate.Execute(w, p)
}
