package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured is returned when an operation needs the identity
	// provider but the domain or client id is missing.
	ErrNotConfigured = errors.New("auth: identity provider not configured")

	// ErrInvalidCallback covers a callback missing its code or state, or one
	// that arrives without a pending login.
	ErrInvalidCallback = errors.New("auth: invalid callback")

	// ErrStateMismatch is the CSRF failure. It matches ErrInvalidCallback
	// under errors.Is.
	ErrStateMismatch = fmt.Errorf("%w: state mismatch", ErrInvalidCallback)

	errIncompleteTokens = errors.New("auth: token record requires access token and expiry")
	errNoRefreshToken   = errors.New("auth: no refresh token stored")
	errSessionCleared   = errors.New("auth: session cleared during refresh")
)

// ProviderError is an error the identity provider reported on the callback.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("auth: identity provider error %s: %s", e.Code, e.Description)
	}
	return "auth: identity provider error " + e.Code
}

// ExchangeError is a rejection from the token endpoint. Op is "exchange" for
// the authorization code grant and "refresh" for the refresh token grant.
type ExchangeError struct {
	Op          string
	Status      int
	Code        string
	Description string
	Err         error
}

func (e *ExchangeError) Error() string {
	msg := fmt.Sprintf("auth: token %s failed", e.Op)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Code != "" {
		msg += ": " + e.Code
		if e.Description != "" {
			msg += ": " + e.Description
		}
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// NetworkError is a transport-level failure talking to the provider or API.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}
