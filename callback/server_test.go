package callback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ceuplanner/auth"
	"ceuplanner/config"
	"ceuplanner/storage"
)

type stubAuth struct {
	returnTo    string
	err         error
	gotCallback string
	gotReturnTo string
	nav         auth.Navigator
}

func (s *stubAuth) CompleteCallback(_ context.Context, callbackURL string) (string, error) {
	s.gotCallback = callbackURL
	return s.returnTo, s.err
}

func (s *stubAuth) BeginLogin(ctx context.Context, returnTo string) auth.LoginResult {
	s.gotReturnTo = returnTo
	if s.nav == nil {
		return auth.LoginResult{Err: auth.ErrNotConfigured}
	}
	if err := s.nav.Navigate(ctx, "https://idp.example/authorize"); err != nil {
		return auth.LoginResult{Err: err}
	}
	return auth.LoginResult{Navigated: true, URL: "https://idp.example/authorize"}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noRedirectClient() *http.Client {
	return &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
}

func get(t *testing.T, client *http.Client, url string) (*http.Response, string) {
	t.Helper()
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func TestNewRejectsNonLoopbackRedirect(t *testing.T) {
	tests := []struct {
		name string
		uri  string
		addr string
		err  bool
	}{
		{"localhost", "http://localhost:5173/auth/callback", "localhost:5173", false},
		{"ipv4", "http://127.0.0.1:8765/cb", "127.0.0.1:8765", false},
		{"ipv6", "http://[::1]:8765/cb", "[::1]:8765", false},
		{"default port", "http://localhost/cb", "localhost:80", false},
		{"https", "https://localhost:5173/auth/callback", "", true},
		{"remote host", "http://app.example.com/auth/callback", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.uri, &stubAuth{}, discardLogger())
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.addr, s.Addr())
		})
	}
}

func TestCallbackSuccess(t *testing.T) {
	a := &stubAuth{returnTo: "/dashboard"}
	s, err := New("http://localhost:5173/auth/callback", a, discardLogger())
	require.NoError(t, err)
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	resp, body := get(t, srv.Client(), srv.URL+"/auth/callback?code=abc&state=xyz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "You are signed in")
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "no-referrer", resp.Header.Get("Referrer-Policy"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Contains(t, a.gotCallback, "/auth/callback?code=abc&state=xyz")
	assert.True(t, strings.HasPrefix(a.gotCallback, "http://"))

	select {
	case res := <-s.Results():
		require.NoError(t, res.Err)
		assert.Equal(t, "/dashboard", res.ReturnTo)
	default:
		t.Fatal("no result published")
	}
}

func TestCallbackFailureOffersRetry(t *testing.T) {
	a := &stubAuth{err: auth.ErrStateMismatch}
	s, err := New("http://localhost:5173/auth/callback", a, discardLogger())
	require.NoError(t, err)
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	resp, body := get(t, srv.Client(), srv.URL+"/auth/callback?code=abc&state=wrong")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body, "Could not complete sign in. Please try again.")
	assert.Contains(t, body, `href="/login?return_to=/dashboard"`)

	res := <-s.Results()
	assert.ErrorIs(t, res.Err, auth.ErrInvalidCallback)
}

func TestRequestIDIsKept(t *testing.T) {
	s, err := New("http://localhost:5173/auth/callback", &stubAuth{}, discardLogger())
	require.NoError(t, err)
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/auth/callback", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-123")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "req-123", resp.Header.Get("X-Request-ID"))
}

func TestLoginRedirectsThroughResponse(t *testing.T) {
	fallbackCalls := 0
	a := &stubAuth{}
	a.nav = Navigator(auth.NavigatorFunc(func(context.Context, string) error {
		fallbackCalls++
		return nil
	}))
	s, err := New("http://localhost:5173/auth/callback", a, discardLogger())
	require.NoError(t, err)
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	resp, _ := get(t, noRedirectClient(), srv.URL+"/login?return_to=/timeline")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "https://idp.example/authorize", resp.Header.Get("Location"))
	assert.Equal(t, "/timeline", a.gotReturnTo)
	assert.Zero(t, fallbackCalls)
}

func TestLoginSanitizesReturnTo(t *testing.T) {
	a := &stubAuth{}
	a.nav = Navigator(auth.NavigatorFunc(func(context.Context, string) error { return nil }))
	s, err := New("http://localhost:5173/auth/callback", a, discardLogger())
	require.NoError(t, err)
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	for _, rt := range []string{"", "https://evil.example", "//evil.example"} {
		get(t, noRedirectClient(), srv.URL+"/login?return_to="+rt)
		assert.Equal(t, auth.DefaultReturnTo, a.gotReturnTo, rt)
	}
}

func TestLoginUnavailable(t *testing.T) {
	s, err := New("http://localhost:5173/auth/callback", &stubAuth{}, discardLogger())
	require.NoError(t, err)
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	resp, body := get(t, noRedirectClient(), srv.URL+"/login")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, body, "Sign in is not available")
}

func TestNavigatorFallsBackOutsideRequests(t *testing.T) {
	var got string
	nav := Navigator(auth.NavigatorFunc(func(_ context.Context, target string) error {
		got = target
		return nil
	}))
	require.NoError(t, nav.Navigate(context.Background(), "https://idp.example/logout"))
	assert.Equal(t, "https://idp.example/logout", got)
}

func TestLoginWithManager(t *testing.T) {
	cfg := config.Default()
	cfg.Cognito.Domain = "auth.example.com"
	cfg.Cognito.ClientID = "client-1"
	session := storage.NewMemoryStorage()
	nav := Navigator(auth.NavigatorFunc(func(context.Context, string) error {
		t.Errorf("browser should not open for /login")
		return nil
	}))
	m := auth.NewManager(cfg, storage.NewMemoryStorage(), session, nav, auth.WithLogger(discardLogger()))

	s, err := New(cfg.Cognito.RedirectURI, m, discardLogger())
	require.NoError(t, err)
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	resp, _ := get(t, noRedirectClient(), srv.URL+RetryPath)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc := resp.Header.Get("Location")
	assert.True(t, strings.HasPrefix(loc, "https://auth.example.com/oauth2/authorize?"), loc)
	assert.Contains(t, loc, "code_challenge_method=S256")

	// A callback with a forged state fails and consumes the pending login.
	resp, body := get(t, srv.Client(), srv.URL+"/auth/callback?code=abc&state=forged")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body, "Try again")
	_, ok := session.Get("ceuplanner.auth.state")
	assert.False(t, ok)
}

func TestStartWaitShutdown(t *testing.T) {
	a := &stubAuth{returnTo: "/courses"}
	s, err := New("http://127.0.0.1:0/cb", a, discardLogger())
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer s.Shutdown(context.Background())

	go func() {
		resp, err := http.Get("http://" + s.Addr() + "/cb?code=c&state=s")
		if err == nil {
			resp.Body.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	returnTo, err := s.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/courses", returnTo)

	require.NoError(t, s.Shutdown(context.Background()))
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestWaitKeepsWaitingAfterFailure(t *testing.T) {
	s, err := New("http://127.0.0.1:0/cb", &stubAuth{}, discardLogger())
	require.NoError(t, err)

	s.publish(Result{Err: errors.New("denied")})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSuccessReplacesUnreadFailure(t *testing.T) {
	s, err := New("http://127.0.0.1:0/cb", &stubAuth{}, discardLogger())
	require.NoError(t, err)

	s.publish(Result{Err: errors.New("denied")})
	s.publish(Result{ReturnTo: "/dashboard"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	returnTo, err := s.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/dashboard", returnTo)
}

func TestFailureDoesNotReplaceUnreadSuccess(t *testing.T) {
	s, err := New("http://127.0.0.1:0/cb", &stubAuth{}, discardLogger())
	require.NoError(t, err)

	s.publish(Result{ReturnTo: "/dashboard"})
	s.publish(Result{Err: errors.New("replayed code")})

	select {
	case res := <-s.Results():
		assert.NoError(t, res.Err)
		assert.Equal(t, "/dashboard", res.ReturnTo)
	default:
		t.Fatal("no result buffered")
	}
}
