// Package gateway sends authenticated calls to the downstream API. It attaches
// the bearer token, refreshes and retries once on 401, and starts at most one
// login redirect when the session cannot be recovered.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"ceuplanner/auth"
)

// maxErrorBody bounds how much of an error response is read for its detail.
const maxErrorBody = 1 << 20

// Authenticator is the part of the auth controller the gateway relies on.
type Authenticator interface {
	Configured() bool
	ValidAccessToken(ctx context.Context) (string, bool)
	RefreshAccessToken(ctx context.Context) bool
	BeginLogin(ctx context.Context, returnTo string) auth.LoginResult
	Location() string
}

// HTTPError is a non-2xx API response. Details is the response's "detail"
// field when it had one.
type HTTPError struct {
	Status  int
	Details string
}

func (e *HTTPError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("request failed (status %d): %s", e.Status, e.Details)
	}
	return fmt.Sprintf("request failed (status %d)", e.Status)
}

// IsUnauthorized reports whether err is a 401 HTTPError.
func IsUnauthorized(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.Status == http.StatusUnauthorized
}

// Payload is a request body that can be sent more than once.
type Payload struct {
	ContentType string
	Data        []byte
}

// JSONPayload encodes v as a JSON body.
func JSONPayload(v any) (*Payload, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	return &Payload{ContentType: "application/json", Data: b}, nil
}

// MultipartPayload builds a form with one file part plus plain fields.
func MultipartPayload(field, filename string, file io.Reader, fields map[string]string) (*Payload, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("write field %s: %w", k, err)
		}
	}
	part, err := w.CreateFormFile(field, filename)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, fmt.Errorf("copy form file: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}
	return &Payload{ContentType: w.FormDataContentType(), Data: buf.Bytes()}, nil
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithHTTPClient sets the client used for API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) {
		g.client = c
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithRegisterer registers the gateway metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(g *Gateway) {
		g.metrics = NewMetrics(reg)
	}
}

// Gateway is shared by every API consumer for the life of the process.
type Gateway struct {
	baseURL string
	auth    Authenticator
	client  *http.Client
	logger  *slog.Logger
	metrics *Metrics

	// redirecting is set once a login navigation has been started.
	redirecting atomic.Bool
}

// New creates a gateway for the API at baseURL.
func New(baseURL string, a Authenticator, opts ...Option) *Gateway {
	g := &Gateway{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		auth:    a,
		client:  &http.Client{Timeout: 60 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.metrics == nil {
		g.metrics = NewMetrics(nil)
	}
	return g
}

// Metrics returns the gateway's collectors.
func (g *Gateway) Metrics() *Metrics {
	return g.metrics
}

// Do calls the API. A 204 or an empty out leaves out untouched; any other 2xx
// body is decoded into out. Non-2xx responses return *HTTPError and transport
// failures return *auth.NetworkError.
func (g *Gateway) Do(ctx context.Context, method, path string, body *Payload, out any) error {
	start := time.Now()
	resp, err := g.roundTrip(ctx, method, path, body)
	if err != nil {
		g.metrics.observe("network_error", start)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		g.metrics.observe("success", start)
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		g.metrics.observe("http_error", start)
		return &HTTPError{Status: resp.StatusCode, Details: readDetail(resp.Body)}
	}

	g.metrics.observe("success", start)
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

// DoJSON encodes in as the JSON request body and calls Do.
func (g *Gateway) DoJSON(ctx context.Context, method, path string, in, out any) error {
	body, err := JSONPayload(in)
	if err != nil {
		return err
	}
	return g.Do(ctx, method, path, body, out)
}

// roundTrip sends the request, refreshing and resending once on 401. It
// returns the final response unread. Any 401 it returns has already
// triggered the redirect guard.
func (g *Gateway) roundTrip(ctx context.Context, method, path string, body *Payload) (*http.Response, error) {
	configured := g.auth.Configured()

	resp, err := g.send(ctx, method, path, body, configured)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || !configured {
		return resp, nil
	}

	if g.auth.RefreshAccessToken(ctx) {
		drain(resp)
		g.metrics.Retries.Inc()
		g.logger.Debug("retrying after token refresh", "method", method, "path", path)
		resp, err = g.send(ctx, method, path, body, configured)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusUnauthorized {
			return resp, nil
		}
	}

	g.triggerLogin(ctx)
	return resp, nil
}

func (g *Gateway) send(ctx context.Context, method, path string, body *Payload, configured bool) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body.Data)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.url(path), reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil && body.ContentType != "" {
		req.Header.Set("Content-Type", body.ContentType)
	} else {
		req.Header.Set("Content-Type", "application/json")
	}
	if configured {
		if token, ok := g.auth.ValidAccessToken(ctx); ok {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := g.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &auth.NetworkError{Op: method + " " + path, Err: err}
	}
	return resp, nil
}

// triggerLogin starts a login redirect unless one is already under way. The
// guard is released only if the login could not be started.
func (g *Gateway) triggerLogin(ctx context.Context) {
	if !g.auth.Configured() {
		return
	}
	if !g.redirecting.CompareAndSwap(false, true) {
		return
	}
	res := g.auth.BeginLogin(ctx, g.auth.Location())
	if !res.Navigated {
		g.redirecting.Store(false)
		g.logger.Warn("login redirect failed", "error", res.Err)
		return
	}
	g.metrics.LoginRedirects.Inc()
	g.logger.Info("session expired, login redirect started")
}

// RedirectPending reports whether a login redirect has been started.
func (g *Gateway) RedirectPending() bool {
	return g.redirecting.Load()
}

func (g *Gateway) url(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return g.baseURL + path
}

func readDetail(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil || len(b) == 0 {
		return ""
	}
	var body struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(b, &body); err != nil || body.Detail == nil {
		return ""
	}
	switch d := body.Detail.(type) {
	case string:
		return d
	default:
		encoded, err := json.Marshal(d)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
}
