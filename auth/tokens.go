package auth

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"ceuplanner/storage"
)

// TokensKey is the durable storage key of the token record.
const TokensKey = "ceuplanner.auth.tokens.v1"

// FreshnessSkew is how long before expiry a token stops being used, so a
// token never expires while a request is in flight.
const FreshnessSkew = 30 * time.Second

// AuthTokens is the current credential record.
type AuthTokens struct {
	AccessToken  string
	IDToken      string
	RefreshToken string
	ExpiresAt    time.Time
}

// persistedTokens is the on-disk shape. expiresAt is epoch milliseconds.
type persistedTokens struct {
	AccessToken  string `json:"accessToken"`
	IDToken      string `json:"idToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresAt    int64  `json:"expiresAt"`
}

// IsFresh reports whether tokens can still be presented at now.
func IsFresh(tokens *AuthTokens, now time.Time) bool {
	if tokens == nil {
		return false
	}
	return tokens.ExpiresAt.After(now.Add(FreshnessSkew))
}

// TokenStore owns the persisted token record. All access is serialized so a
// read-modify-write through Update has no interleaving gap.
type TokenStore struct {
	mu      sync.Mutex
	backend storage.Storage
	logger  *slog.Logger
}

// NewTokenStore wraps a durable backend.
func NewTokenStore(backend storage.Storage, logger *slog.Logger) *TokenStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenStore{backend: backend, logger: logger}
}

// Load returns the stored record, or nil when it is missing, malformed or
// incomplete.
func (s *TokenStore) Load() *AuthTokens {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Save replaces the stored record.
func (s *TokenStore) Save(tokens AuthTokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(tokens)
}

// Clear removes the stored record.
func (s *TokenStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clear()
}

// Update runs fn against the current record and stores its result while
// holding the store lock. A nil result clears the record. An error from fn
// leaves the record untouched.
func (s *TokenStore) Update(fn func(current *AuthTokens) (*AuthTokens, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := fn(s.load())
	if err != nil {
		return err
	}
	if next == nil {
		return s.clear()
	}
	return s.save(*next)
}

// HasSession reports whether any usable credential, fresh or not, is stored.
func (s *TokenStore) HasSession() bool {
	t := s.Load()
	return t != nil && (t.AccessToken != "" || t.RefreshToken != "")
}

func (s *TokenStore) load() *AuthTokens {
	raw, ok := s.backend.Get(TokensKey)
	if !ok || raw == "" {
		return nil
	}
	var p persistedTokens
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		s.logger.Warn("ignoring malformed token record", "error", err)
		return nil
	}
	if p.AccessToken == "" || p.ExpiresAt <= 0 {
		s.logger.Warn("ignoring incomplete token record",
			"has_access_token", p.AccessToken != "",
			"has_expiry", p.ExpiresAt > 0,
		)
		return nil
	}
	return &AuthTokens{
		AccessToken:  p.AccessToken,
		IDToken:      p.IDToken,
		RefreshToken: p.RefreshToken,
		ExpiresAt:    time.UnixMilli(p.ExpiresAt),
	}
}

func (s *TokenStore) save(tokens AuthTokens) error {
	if tokens.AccessToken == "" || tokens.ExpiresAt.IsZero() {
		return errIncompleteTokens
	}
	b, err := json.Marshal(persistedTokens{
		AccessToken:  tokens.AccessToken,
		IDToken:      tokens.IDToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    tokens.ExpiresAt.UnixMilli(),
	})
	if err != nil {
		return err
	}
	if err := s.backend.Set(TokensKey, string(b)); err != nil {
		s.logger.Warn("SECURITY_AUDIT: token storage failed", "event", "token_store_failed", "error", err.Error())
		return err
	}
	s.logger.Debug("SECURITY_AUDIT: tokens stored",
		"event", "token_stored",
		"expires_at", tokens.ExpiresAt.Format(time.RFC3339),
		"has_id_token", tokens.IDToken != "",
		"has_refresh_token", tokens.RefreshToken != "",
	)
	return nil
}

func (s *TokenStore) clear() error {
	if err := s.backend.Remove(TokensKey); err != nil {
		return err
	}
	s.logger.Debug("SECURITY_AUDIT: tokens cleared", "event", "token_cleared")
	return nil
}
