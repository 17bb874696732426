// Package auth runs the OAuth2 authorization code flow with PKCE against the
// configured identity provider and owns the resulting credentials.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"ceuplanner/config"
	"ceuplanner/pkce"
	"ceuplanner/storage"
)

// State is the controller's position in the login state machine.
type State int

const (
	StateIdle State = iota
	StateRedirecting
	StateExchangingCode
	StateAuthenticated
	StateRefreshing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRedirecting:
		return "redirecting"
	case StateExchangingCode:
		return "exchanging_code"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// LoginResult is the terminal outcome of BeginLogin or Logout. Navigated
// means the user agent was sent to URL; otherwise Err says why not.
type LoginResult struct {
	Navigated bool
	URL       string
	Err       error
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient sets the client used for token endpoint and discovery calls.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) {
		m.httpClient = c
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock overrides the time source used for expiry calculations.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithLocation supplies the current location used as the return path when
// BeginLogin is called without one.
func WithLocation(loc func() string) Option {
	return func(m *Manager) {
		m.location = loc
	}
}

// Manager is the auth flow controller. One Manager is created at startup and
// shared by every consumer.
type Manager struct {
	cfg        config.Config
	tokens     *TokenStore
	session    storage.Storage
	navigator  Navigator
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
	location   func() string
	verifier   *idTokenVerifier

	refreshGroup singleflight.Group

	stateMu sync.Mutex
	state   State
}

// NewManager wires a controller. durable holds the token record and session
// holds the pending login.
func NewManager(cfg config.Config, durable, session storage.Storage, nav Navigator, opts ...Option) *Manager {
	m := &Manager{
		cfg:        cfg,
		session:    session,
		navigator:  nav,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
		now:        time.Now,
		location:   func() string { return DefaultReturnTo },
	}
	for _, opt := range opts {
		opt(m)
	}
	m.tokens = NewTokenStore(durable, m.logger)
	if cfg.Cognito.Issuer != "" && cfg.AuthConfigured() {
		m.verifier = newIDTokenVerifier(cfg.Cognito.Issuer, cfg.Cognito.ClientID)
	}
	if m.tokens.HasSession() {
		m.state = StateAuthenticated
	}
	return m
}

// Config returns the configuration the manager was built with.
func (m *Manager) Config() config.Config {
	return m.cfg
}

// Configured reports whether an identity provider is configured.
func (m *Manager) Configured() bool {
	return m.cfg.AuthConfigured()
}

// Tokens exposes the token store.
func (m *Manager) Tokens() *TokenStore {
	return m.tokens
}

// Location returns the current location used as a default return path.
func (m *Manager) Location() string {
	return m.location()
}

// State returns the last observed state.
func (m *Manager) State() State {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.stateMu.Lock()
	m.state = s
	m.stateMu.Unlock()
}

// BeginLogin records a fresh pending login and sends the user agent to the
// authorize endpoint. It never blocks waiting for the user.
func (m *Manager) BeginLogin(ctx context.Context, returnTo string) LoginResult {
	if !m.cfg.AuthConfigured() {
		return LoginResult{Err: ErrNotConfigured}
	}

	state, err := pkce.GenerateState(pkce.DefaultStateLength)
	if err != nil {
		return LoginResult{Err: fmt.Errorf("generate state: %w", err)}
	}
	verifier, err := pkce.GenerateVerifier(pkce.DefaultVerifierLength)
	if err != nil {
		return LoginResult{Err: fmt.Errorf("generate verifier: %w", err)}
	}
	if returnTo == "" {
		returnTo = m.location()
	}

	if err := savePending(m.session, PendingLogin{State: state, CodeVerifier: verifier, ReturnTo: returnTo}); err != nil {
		clearPending(m.session)
		return LoginResult{Err: fmt.Errorf("store pending login: %w", err)}
	}

	target := m.AuthorizeURL(state, pkce.DeriveChallenge(verifier))
	m.setState(StateRedirecting)
	if err := m.navigator.Navigate(ctx, target); err != nil {
		clearPending(m.session)
		m.setState(StateFailed)
		m.logger.Warn("login navigation failed", "error", err)
		return LoginResult{URL: target, Err: fmt.Errorf("navigate to login: %w", err)}
	}

	m.logger.Info("login started", "return_to", returnTo)
	return LoginResult{Navigated: true, URL: target}
}

// AuthorizeURL builds the authorize request. Parameter order is fixed.
func (m *Manager) AuthorizeURL(state, challenge string) string {
	params := []struct{ k, v string }{
		{"response_type", "code"},
		{"client_id", m.cfg.Cognito.ClientID},
		{"redirect_uri", m.cfg.Cognito.RedirectURI},
		{"scope", m.cfg.Cognito.Scope},
		{"state", state},
		{"code_challenge_method", "S256"},
		{"code_challenge", challenge},
	}
	var b strings.Builder
	b.WriteString(m.cfg.AuthorizeEndpoint())
	for i, p := range params {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.v))
	}
	return b.String()
}

// CompleteCallback finishes a login from the provider's redirect. The pending
// login is consumed before anything else, so a callback can never be
// replayed. On success it returns the path to continue at.
func (m *Manager) CompleteCallback(ctx context.Context, callbackURL string) (string, error) {
	pending, havePending := takePending(m.session)

	u, err := url.Parse(callbackURL)
	if err != nil {
		m.setState(StateFailed)
		return "", fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}
	q := u.Query()

	if code := q.Get("error"); code != "" {
		m.setState(StateFailed)
		if err := m.tokens.Clear(); err != nil {
			m.logger.Warn("clear tokens failed", "error", err)
		}
		m.logger.Warn("identity provider rejected login", "error_code", code)
		return "", &ProviderError{Code: code, Description: q.Get("error_description")}
	}

	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" || !havePending {
		m.setState(StateFailed)
		return "", ErrInvalidCallback
	}
	if subtle.ConstantTimeCompare([]byte(state), []byte(pending.State)) != 1 {
		m.setState(StateFailed)
		m.logger.Warn("SECURITY_AUDIT: callback state mismatch", "event", "state_mismatch")
		return "", ErrStateMismatch
	}
	if !m.cfg.AuthConfigured() {
		m.setState(StateFailed)
		return "", ErrNotConfigured
	}

	m.setState(StateExchangingCode)
	res, err := m.exchangeCode(ctx, code, pending.CodeVerifier)
	if err != nil {
		m.setState(StateFailed)
		m.logger.Warn("code exchange failed", "error", err)
		return "", err
	}
	if m.verifier != nil && res.IDToken != "" {
		if _, err := m.verifier.Verify(m.clientContext(ctx), res.IDToken); err != nil {
			m.setState(StateFailed)
			m.logger.Warn("SECURITY_AUDIT: id_token rejected", "event", "id_token_invalid", "error", err)
			return "", &ExchangeError{Op: "exchange", Err: err}
		}
	}

	tokens := AuthTokens{
		AccessToken:  res.AccessToken,
		IDToken:      res.IDToken,
		RefreshToken: res.RefreshToken,
		ExpiresAt:    m.now().Add(res.ExpiresIn),
	}
	if err := m.tokens.Save(tokens); err != nil {
		m.setState(StateFailed)
		return "", fmt.Errorf("store tokens: %w", err)
	}
	m.setState(StateAuthenticated)
	m.logger.Info("login completed", "expires_at", tokens.ExpiresAt.Format(time.RFC3339), "has_refresh_token", tokens.RefreshToken != "")

	if pending.ReturnTo == "" {
		return DefaultReturnTo, nil
	}
	return pending.ReturnTo, nil
}

// RefreshAccessToken trades the stored refresh token for new credentials.
// It returns false when there is nothing to refresh or the refresh failed. A
// rejected refresh clears the stored session. Concurrent callers share one
// request to the token endpoint.
func (m *Manager) RefreshAccessToken(ctx context.Context) bool {
	if !m.cfg.AuthConfigured() {
		return false
	}
	if current := m.tokens.Load(); current == nil || current.RefreshToken == "" {
		return false
	}

	ch := m.refreshGroup.DoChan("refresh", func() (any, error) {
		return nil, m.refresh(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Err == nil
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) refresh(ctx context.Context) error {
	current := m.tokens.Load()
	if current == nil || current.RefreshToken == "" {
		return errNoRefreshToken
	}

	m.setState(StateRefreshing)
	res, err := m.refreshGrant(ctx, current.RefreshToken)
	if err != nil {
		var exErr *ExchangeError
		if errors.As(err, &exErr) {
			m.logger.Warn("token refresh rejected, clearing session", "status", exErr.Status, "error_code", exErr.Code)
			if cerr := m.tokens.Clear(); cerr != nil {
				m.logger.Warn("clear tokens failed", "error", cerr)
			}
		} else {
			m.logger.Warn("token refresh failed", "error", err)
		}
		m.setState(StateFailed)
		return err
	}

	if m.verifier != nil && res.IDToken != "" {
		if _, err := m.verifier.Verify(m.clientContext(ctx), res.IDToken); err != nil {
			m.logger.Warn("SECURITY_AUDIT: refreshed id_token rejected, clearing session", "event", "id_token_invalid", "error", err)
			if cerr := m.tokens.Clear(); cerr != nil {
				m.logger.Warn("clear tokens failed", "error", cerr)
			}
			m.setState(StateFailed)
			return &ExchangeError{Op: "refresh", Err: err}
		}
	}

	expiresAt := m.now().Add(res.ExpiresIn)
	err = m.tokens.Update(func(prev *AuthTokens) (*AuthTokens, error) {
		// Logged out while the grant was in flight.
		if prev == nil {
			return nil, errSessionCleared
		}
		// Another writer already replaced the session this grant was for.
		if prev.RefreshToken != current.RefreshToken {
			return prev, nil
		}
		next := &AuthTokens{
			AccessToken:  res.AccessToken,
			IDToken:      res.IDToken,
			RefreshToken: res.RefreshToken,
			ExpiresAt:    expiresAt,
		}
		if next.RefreshToken == "" {
			next.RefreshToken = prev.RefreshToken
		}
		if next.IDToken == "" {
			next.IDToken = prev.IDToken
		}
		return next, nil
	})
	if errors.Is(err, errSessionCleared) {
		m.setState(StateIdle)
		m.logger.Info("session cleared during refresh, discarding new tokens")
		return err
	}
	if err != nil {
		m.setState(StateFailed)
		return fmt.Errorf("store refreshed tokens: %w", err)
	}
	m.setState(StateAuthenticated)
	m.logger.Debug("token refreshed", "expires_at", expiresAt.Format(time.RFC3339))
	return nil
}

// ValidAccessToken returns a token that is fresh for at least FreshnessSkew,
// refreshing if needed. The boolean is false when no usable token exists.
func (m *Manager) ValidAccessToken(ctx context.Context) (string, bool) {
	tokens := m.tokens.Load()
	if tokens == nil {
		return "", false
	}
	if IsFresh(tokens, m.now()) {
		return tokens.AccessToken, true
	}
	if !m.RefreshAccessToken(ctx) {
		return "", false
	}
	tokens = m.tokens.Load()
	if tokens == nil {
		return "", false
	}
	return tokens.AccessToken, true
}

// HasStoredSession reports whether any credential is stored, fresh or not.
func (m *Manager) HasStoredSession() bool {
	return m.tokens.HasSession()
}

// Identity returns the profile from the stored ID token.
func (m *Manager) Identity() (Identity, bool) {
	tokens := m.tokens.Load()
	if tokens == nil || tokens.IDToken == "" {
		return Identity{}, false
	}
	id, err := parseIdentity(tokens.IDToken)
	if err != nil {
		m.logger.Debug("unreadable id_token", "error", err)
		return Identity{}, false
	}
	return id, true
}

// LogoutURL builds the provider's hosted logout URL.
func (m *Manager) LogoutURL() (string, bool) {
	if !m.cfg.AuthConfigured() {
		return "", false
	}
	params := url.Values{}
	params.Set("client_id", m.cfg.Cognito.ClientID)
	params.Set("logout_uri", m.cfg.Cognito.LogoutURI)
	return m.cfg.LogoutEndpoint() + "?" + params.Encode(), true
}

// Logout clears local credentials and sends the user agent to the provider's
// logout page, or to the app root when auth is not configured.
func (m *Manager) Logout(ctx context.Context) LoginResult {
	if err := m.tokens.Clear(); err != nil {
		m.logger.Warn("clear tokens failed", "error", err)
	}
	m.setState(StateIdle)

	target, ok := m.LogoutURL()
	if !ok {
		target = m.cfg.AppOrigin + "/"
	}
	if err := m.navigator.Navigate(ctx, target); err != nil {
		return LoginResult{URL: target, Err: fmt.Errorf("navigate to logout: %w", err)}
	}
	m.logger.Info("logged out")
	return LoginResult{Navigated: true, URL: target}
}
