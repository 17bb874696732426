package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the display profile carried by the ID token.
type Identity struct {
	Subject string
	Email   string
	Name    string
}

// idTokenClaims mirrors the claims the provider puts in the ID token.
type idTokenClaims struct {
	Email             string `json:"email"`
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
	CognitoUsername   string `json:"cognito:username"`
	jwt.RegisteredClaims
}

// parseIdentity decodes the ID token without checking its signature. The
// result is for display only and never used for authorization.
func parseIdentity(raw string) (Identity, error) {
	var claims idTokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return Identity{}, fmt.Errorf("parse id_token: %w", err)
	}
	id := Identity{Subject: claims.Subject, Email: claims.Email, Name: claims.Name}
	if id.Name == "" {
		id.Name = claims.PreferredUsername
	}
	if id.Name == "" {
		id.Name = claims.CognitoUsername
	}
	return id, nil
}
