package auth

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
)

// idTokenVerifier checks ID token signatures against the issuer's JWKS. The
// provider is discovered lazily on first use.
type idTokenVerifier struct {
	issuer   string
	clientID string

	mu       sync.Mutex
	verifier *oidc.IDTokenVerifier
}

func newIDTokenVerifier(issuer, clientID string) *idTokenVerifier {
	return &idTokenVerifier{issuer: issuer, clientID: clientID}
}

func (v *idTokenVerifier) get(ctx context.Context) (*oidc.IDTokenVerifier, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.verifier != nil {
		return v.verifier, nil
	}
	// The provider's key set keeps using this context for later fetches.
	op, err := oidc.NewProvider(context.WithoutCancel(ctx), v.issuer)
	if err != nil {
		return nil, fmt.Errorf("discover issuer %s: %w", v.issuer, err)
	}
	v.verifier = op.Verifier(&oidc.Config{ClientID: v.clientID})
	return v.verifier, nil
}

// Verify validates raw and returns the verified subject.
func (v *idTokenVerifier) Verify(ctx context.Context, raw string) (string, error) {
	verifier, err := v.get(ctx)
	if err != nil {
		return "", err
	}
	tok, err := verifier.Verify(ctx, raw)
	if err != nil {
		return "", fmt.Errorf("verify id_token: %w", err)
	}
	return tok.Subject, nil
}
