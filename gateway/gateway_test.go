package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ceuplanner/auth"
	"ceuplanner/config"
	"ceuplanner/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingNavigator struct {
	mu   sync.Mutex
	urls []string
}

func (n *recordingNavigator) Navigate(_ context.Context, u string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.urls = append(n.urls, u)
	return nil
}

func (n *recordingNavigator) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.urls)
}

// env wires a real auth.Manager against a fake token endpoint and a gateway
// against a fake API.
type env struct {
	manager       *auth.Manager
	nav           *recordingNavigator
	gateway       *Gateway
	registry      *prometheus.Registry
	refreshCalls  atomic.Int32
	apiCalls      atomic.Int32
	apiAuthHeader []string
	mu            sync.Mutex
}

func newEnv(t *testing.T, configured bool, refresh http.HandlerFunc, api http.HandlerFunc) *env {
	t.Helper()
	e := &env{nav: &recordingNavigator{}, registry: prometheus.NewRegistry()}

	idp := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.refreshCalls.Add(1)
		refresh(w, r)
	}))
	t.Cleanup(idp.Close)

	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.apiCalls.Add(1)
		e.mu.Lock()
		e.apiAuthHeader = append(e.apiAuthHeader, r.Header.Get("Authorization"))
		e.mu.Unlock()
		api(w, r)
	}))
	t.Cleanup(apiSrv.Close)

	cfg := config.Default()
	cfg.APIBaseURL = apiSrv.URL
	if configured {
		cfg.Cognito.Domain = strings.TrimPrefix(idp.URL, "https://")
		cfg.Cognito.ClientID = "abc"
	}
	e.manager = auth.NewManager(cfg, storage.NewMemoryStorage(), storage.NewMemoryStorage(), e.nav,
		auth.WithHTTPClient(idp.Client()),
		auth.WithLogger(discardLogger()),
		auth.WithLocation(func() string { return "/courses" }),
	)
	e.gateway = New(cfg.APIBaseURL, e.manager,
		WithLogger(discardLogger()),
		WithRegisterer(e.registry),
	)
	return e
}

func (e *env) authHeaders() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.apiAuthHeader...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func refreshOK(token string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"access_token": token, "expires_in": 3600})
	}
}

func refreshRejected(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant"})
}

func noRefresh(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected token endpoint call")
		w.WriteHeader(http.StatusTeapot)
	}
}

func seed(t *testing.T, e *env, access string) {
	t.Helper()
	require.NoError(t, e.manager.Tokens().Save(auth.AuthTokens{
		AccessToken:  access,
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Hour),
	}))
}

func TestDoAttachesBearerAndDecodes(t *testing.T) {
	e := newEnv(t, true, noRefresh(t), func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/me", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		writeJSON(w, http.StatusOK, map[string]any{"email": "nurse@example.com"})
	})
	seed(t, e, "token-1")

	var out struct {
		Email string `json:"email"`
	}
	require.NoError(t, e.gateway.Do(context.Background(), http.MethodGet, "/api/me", nil, &out))
	assert.Equal(t, "nurse@example.com", out.Email)
	assert.Equal(t, []string{"Bearer token-1"}, e.authHeaders())
	assert.Equal(t, 1.0, testutil.ToFloat64(e.gateway.Metrics().Requests.WithLabelValues("success")))
}

func TestDoRefreshesAndRetriesOnce(t *testing.T) {
	e := newEnv(t, true, refreshOK("token-2"), func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token-2" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"detail": "expired"})
			return
		}
		writeJSON(w, http.StatusOK, []map[string]any{{"id": "c1"}})
	})
	seed(t, e, "token-1")

	var out []map[string]any
	require.NoError(t, e.gateway.Do(context.Background(), http.MethodGet, "/api/courses", nil, &out))
	require.Len(t, out, 1)

	assert.EqualValues(t, 2, e.apiCalls.Load())
	assert.EqualValues(t, 1, e.refreshCalls.Load())
	assert.Equal(t, []string{"Bearer token-1", "Bearer token-2"}, e.authHeaders())
	assert.Equal(t, 1.0, testutil.ToFloat64(e.gateway.Metrics().Retries))
	assert.Zero(t, e.nav.count())
	assert.False(t, e.gateway.RedirectPending())
}

func TestDoRetryStillUnauthorizedTriggersLogin(t *testing.T) {
	e := newEnv(t, true, refreshOK("token-2"), func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	seed(t, e, "token-1")

	err := e.gateway.Do(context.Background(), http.MethodGet, "/api/progress", nil, nil)
	assert.True(t, IsUnauthorized(err))
	assert.EqualValues(t, 2, e.apiCalls.Load())
	assert.Equal(t, 1, e.nav.count())
}

func TestConcurrentUnauthorizedCallsRedirectOnce(t *testing.T) {
	e := newEnv(t, true, refreshRejected, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"detail": "Not authenticated"})
	})
	seed(t, e, "token-1")

	const callers = 2
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = e.gateway.Do(context.Background(), http.MethodGet, "/api/cycles", nil, nil)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		var he *HTTPError
		require.ErrorAs(t, err, &he)
		assert.Equal(t, http.StatusUnauthorized, he.Status)
		assert.Equal(t, "Not authenticated", he.Details)
	}
	assert.Equal(t, 1, e.nav.count())
	assert.True(t, e.gateway.RedirectPending())
	assert.Nil(t, e.manager.Tokens().Load(), "rejected refresh clears the session")
	assert.Equal(t, 1.0, testutil.ToFloat64(e.gateway.Metrics().LoginRedirects))
}

func TestAnonymousModeSendsNoCredentials(t *testing.T) {
	e := newEnv(t, false, noRefresh(t), func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	// A stale record from an earlier configuration must not leak.
	seed(t, e, "token-1")

	err := e.gateway.Do(context.Background(), http.MethodGet, "/api/me", nil, nil)
	assert.True(t, IsUnauthorized(err))
	assert.Equal(t, []string{""}, e.authHeaders())
	assert.Zero(t, e.nav.count())
	assert.False(t, e.gateway.RedirectPending())
}

func TestDoNoContent(t *testing.T) {
	e := newEnv(t, true, noRefresh(t), func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	})
	seed(t, e, "token-1")

	out := map[string]any{"untouched": true}
	require.NoError(t, e.gateway.Do(context.Background(), http.MethodDelete, "/api/courses/c1", nil, &out))
	assert.Equal(t, map[string]any{"untouched": true}, out)
}

func TestDoMapsErrorDetail(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		details string
	}{
		{"string detail", `{"detail":"Cycle overlaps an existing cycle"}`, "Cycle overlaps an existing cycle"},
		{"structured detail", `{"detail":[{"loc":["body","hours"]}]}`, `[{"loc":["body","hours"]}]`},
		{"no detail", `{"message":"nope"}`, ""},
		{"not json", `<html>bad gateway</html>`, ""},
		{"empty", ``, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, true, noRefresh(t), func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnprocessableEntity)
				_, _ = io.WriteString(w, tt.body)
			})
			seed(t, e, "token-1")

			err := e.gateway.Do(context.Background(), http.MethodPost, "/api/cycles", nil, nil)
			var he *HTTPError
			require.ErrorAs(t, err, &he)
			assert.Equal(t, http.StatusUnprocessableEntity, he.Status)
			assert.Equal(t, tt.details, he.Details)
			assert.Zero(t, e.nav.count())
		})
	}
}

func TestDoJSONAndMultipartBodies(t *testing.T) {
	e := newEnv(t, true, noRefresh(t), func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/state-licenses":
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			var in map[string]string
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
			assert.Equal(t, "CA", in["state_code"])
		case "/api/courses/c1/certificates":
			f, hdr, err := r.FormFile("file")
			if !assert.NoError(t, err) {
				break
			}
			defer f.Close()
			assert.Equal(t, "cert.png", hdr.Filename)
			b, _ := io.ReadAll(f)
			assert.Equal(t, "png-bytes", string(b))
		}
		w.WriteHeader(http.StatusNoContent)
	})
	seed(t, e, "token-1")

	require.NoError(t, e.gateway.DoJSON(context.Background(), http.MethodPost, "/api/state-licenses", map[string]string{"state_code": "CA"}, nil))

	body, err := MultipartPayload("file", "cert.png", strings.NewReader("png-bytes"), nil)
	require.NoError(t, err)
	require.NoError(t, e.gateway.Do(context.Background(), http.MethodPost, "/api/courses/c1/certificates", body, nil))
}

func TestRetryResendsSameBody(t *testing.T) {
	var bodies []string
	var mu sync.Mutex
	e := newEnv(t, true, refreshOK("token-2"), func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer token-2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	seed(t, e, "token-1")

	require.NoError(t, e.gateway.DoJSON(context.Background(), http.MethodPost, "/api/allocations/bulk", map[string]int{"hours": 3}, nil))
	assert.Equal(t, []string{`{"hours":3}`, `{"hours":3}`}, bodies)
}

func TestDoNetworkError(t *testing.T) {
	e := newEnv(t, true, noRefresh(t), func(w http.ResponseWriter, r *http.Request) {})
	seed(t, e, "token-1")
	e.gateway.baseURL = "http://127.0.0.1:1"

	err := e.gateway.Do(context.Background(), http.MethodGet, "/api/me", nil, nil)
	var netErr *auth.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.gateway.Metrics().Requests.WithLabelValues("network_error")))
}

// stubAuth lets the guard be exercised with a BeginLogin that fails.
type stubAuth struct {
	logins   atomic.Int32
	navigate func(n int32) bool
}

func (s *stubAuth) Configured() bool                                { return true }
func (s *stubAuth) ValidAccessToken(context.Context) (string, bool) { return "t", true }
func (s *stubAuth) RefreshAccessToken(context.Context) bool         { return false }
func (s *stubAuth) Location() string                                { return "/dashboard" }
func (s *stubAuth) BeginLogin(context.Context, string) auth.LoginResult {
	n := s.logins.Add(1)
	if s.navigate(n) {
		return auth.LoginResult{Navigated: true}
	}
	return auth.LoginResult{Err: errors.New("no browser")}
}

func TestGuardResetsWhenLoginFails(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(api.Close)

	stub := &stubAuth{navigate: func(n int32) bool { return n > 1 }}
	g := New(api.URL, stub, WithLogger(discardLogger()))

	assert.Error(t, g.Do(context.Background(), http.MethodGet, "/api/me", nil, nil))
	assert.False(t, g.RedirectPending(), "failed login releases the guard")

	assert.Error(t, g.Do(context.Background(), http.MethodGet, "/api/me", nil, nil))
	assert.True(t, g.RedirectPending())

	assert.Error(t, g.Do(context.Background(), http.MethodGet, "/api/me", nil, nil))
	assert.EqualValues(t, 2, stub.logins.Load(), "guard blocks further logins once navigated")
}

func TestURLJoining(t *testing.T) {
	g := New("http://api.example.com/", &stubAuth{})
	assert.Equal(t, "http://api.example.com/api/me", g.url("/api/me"))
	assert.Equal(t, "http://api.example.com/api/me", g.url("api/me"))
	assert.Equal(t, "https://other.example.com/x", g.url("https://other.example.com/x"))
}

func TestFetchDownloadsAndReleases(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)

	e := newEnv(t, true, noRefresh(t), func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Content-Type"))
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png-bytes"))
	})
	seed(t, e, "token-1")

	blob, err := e.gateway.Fetch(context.Background(), "/api/certificates/c1/download")
	require.NoError(t, err)
	assert.Equal(t, "image/png", blob.ContentType)
	assert.EqualValues(t, 9, blob.Size)
	assert.Equal(t, []string{"Bearer token-1"}, e.authHeaders())

	data, err := os.ReadFile(blob.Path)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))

	require.NoError(t, blob.Close())
	require.NoError(t, blob.Close())
	_, err = os.Stat(blob.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestFetchCancelledLeavesNoFile(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)

	started := make(chan struct{})
	e := newEnv(t, true, noRefresh(t), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
	})
	seed(t, e, "token-1")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := e.gateway.Fetch(ctx, "/api/certificates/c1/download")
	assert.ErrorIs(t, err, context.Canceled)

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFetchHTTPError(t *testing.T) {
	e := newEnv(t, true, noRefresh(t), func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "Certificate not found"})
	})
	seed(t, e, "token-1")

	_, err := e.gateway.Fetch(context.Background(), "/api/certificates/missing/download")
	var he *HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "Certificate not found", he.Details)
	assert.Zero(t, e.nav.count())
}
