package auth

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// DefaultExpiresIn applies when the token response omits expires_in.
const DefaultExpiresIn = time.Hour

// grantResult is the subset of a token endpoint response the store needs.
type grantResult struct {
	AccessToken  string
	IDToken      string
	RefreshToken string
	ExpiresIn    time.Duration
}

func (m *Manager) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:    m.cfg.Cognito.ClientID,
		RedirectURL: m.cfg.Cognito.RedirectURI,
		Scopes:      strings.Fields(m.cfg.Cognito.Scope),
		Endpoint: oauth2.Endpoint{
			AuthURL:  m.cfg.AuthorizeEndpoint(),
			TokenURL: m.cfg.TokenEndpoint(),
			// Public client: client_id goes in the form body, never Basic auth.
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func (m *Manager) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

// exchangeCode redeems an authorization code with its PKCE verifier.
func (m *Manager) exchangeCode(ctx context.Context, code, verifier string) (grantResult, error) {
	tok, err := m.oauthConfig().Exchange(m.clientContext(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return grantResult{}, classifyTokenError("exchange", err)
	}
	return toGrantResult(tok), nil
}

// refreshGrant redeems a refresh token.
func (m *Manager) refreshGrant(ctx context.Context, refreshToken string) (grantResult, error) {
	src := m.oauthConfig().TokenSource(m.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return grantResult{}, classifyTokenError("refresh", err)
	}
	return toGrantResult(tok), nil
}

func toGrantResult(tok *oauth2.Token) grantResult {
	res := grantResult{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    expiresIn(tok.Extra("expires_in")),
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		res.IDToken = idToken
	}
	return res
}

const maxExpiresInSeconds = float64(math.MaxInt64 / int64(time.Second))

// expiresIn reads the raw expires_in value, which is a float64 for JSON
// bodies and a string for form-encoded ones.
func expiresIn(raw any) time.Duration {
	var secs float64
	switch v := raw.(type) {
	case float64:
		secs = v
	case int64:
		secs = float64(v)
	case int:
		secs = float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return DefaultExpiresIn
		}
		secs = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return DefaultExpiresIn
		}
		secs = f
	default:
		return DefaultExpiresIn
	}
	// Also rejects NaN and values past the range of time.Duration.
	if !(secs > 0) || secs > maxExpiresInSeconds {
		return DefaultExpiresIn
	}
	return time.Duration(secs * float64(time.Second))
}

// classifyTokenError maps oauth2 failures onto the package taxonomy. A
// response from the token endpoint is an ExchangeError; anything that never
// produced a response is a NetworkError.
func classifyTokenError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		e := &ExchangeError{Op: op, Err: err, Code: re.ErrorCode, Description: re.ErrorDescription}
		if re.Response != nil {
			e.Status = re.Response.StatusCode
		}
		return e
	}
	if strings.Contains(err.Error(), "missing access_token") {
		return &ExchangeError{Op: op, Err: err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &NetworkError{Op: "token " + op, Err: err}
}
